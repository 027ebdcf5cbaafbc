// Copyright 2014-2015 The Dename Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package logsystem

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/yahoo/taglog/tlog"
)

func TestRejoinReplacesTheHandle(t *testing.T) {
	c := startCluster(t, clock.New(), 2, 2, 2, 0)
	ctx := context.Background()

	changed := c.sys.OnLogSystemConfigChange()
	reply1 := make(chan bool, 1)
	require.NoError(t, c.sys.Rejoin(ctx, tlog.RejoinRequest{
		ID:        c.servers[0].ID(),
		Interface: c.servers[0],
		Reply:     reply1,
	}))
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("config change not signaled after rejoin")
	}
	select {
	case <-reply1:
		t.Fatal("live coordinator answered the first rejoin")
	default:
	}

	// A second announcement from the same server displaces the held reply.
	reply2 := make(chan bool, 1)
	require.NoError(t, c.sys.Rejoin(ctx, tlog.RejoinRequest{
		ID:        c.servers[0].ID(),
		Interface: c.servers[0],
		Reply:     reply2,
	}))
	select {
	case stale := <-reply1:
		require.True(t, stale)
	case <-time.After(5 * time.Second):
		t.Fatal("displaced rejoin never answered")
	}
}

func TestRejoinFromUnknownServerIsStale(t *testing.T) {
	c := startCluster(t, clock.New(), 1, 1, 1, 0)
	reply := make(chan bool, 1)
	require.NoError(t, c.sys.Rejoin(context.Background(), tlog.RejoinRequest{
		ID:    uuid.New(),
		Reply: reply,
	}))
	select {
	case stale := <-reply:
		require.True(t, stale)
	case <-time.After(5 * time.Second):
		t.Fatal("unknown rejoin never answered")
	}
}

func TestStopRejoinsAnswersEveryoneStale(t *testing.T) {
	c := startCluster(t, clock.New(), 1, 1, 1, 0)
	ctx := context.Background()

	held := make(chan bool, 1)
	require.NoError(t, c.sys.Rejoin(ctx, tlog.RejoinRequest{
		ID:        c.servers[0].ID(),
		Interface: c.servers[0],
		Reply:     held,
	}))

	c.sys.StopRejoins()
	select {
	case stale := <-held:
		require.True(t, stale)
	case <-time.After(5 * time.Second):
		t.Fatal("held rejoin not answered after detach")
	}

	// Requests arriving after the detach are answered stale immediately.
	late := make(chan bool, 1)
	require.NoError(t, c.sys.Rejoin(ctx, tlog.RejoinRequest{
		ID:        c.servers[0].ID(),
		Interface: c.servers[0],
		Reply:     late,
	}))
	require.True(t, <-late)
}
