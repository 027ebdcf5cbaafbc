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
	"github.com/stretchr/testify/require"

	"github.com/yahoo/taglog/tlog"
	"github.com/yahoo/taglog/tlog/tlogtest"
)

// advanceUntil drives a mock clock forward by step at a time until cond
// holds. The background tasks run on their own goroutines, so each step
// yields briefly to let them observe the tick.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		mock.Advance(step)
		time.Sleep(time.Millisecond)
	}
}

func TestPopCoalescesToNewestVersion(t *testing.T) {
	mock := clock.NewMock()
	c := startCluster(t, mock, 1, 1, 1, 0)
	s := c.servers[0]
	interval := DefaultKnobs().PopInterval

	// Two requests before the first tick collapse into one send.
	c.sys.Pop(3, 10)
	c.sys.Pop(3, 20)
	advanceUntil(t, mock, interval, func() bool { return len(s.PopHistory(3)) > 0 })
	require.Equal(t, []tlog.Version{20}, s.PopHistory(3))
	require.Equal(t, tlog.Version(20), s.Popped(3))

	// A later, higher request goes out whether or not the background task
	// already exited.
	c.sys.Pop(3, 30)
	advanceUntil(t, mock, interval, func() bool { return s.Popped(3) == 30 })
	require.Equal(t, []tlog.Version{20, 30}, s.PopHistory(3))
}

func TestPopIsMonotonicAtTheServer(t *testing.T) {
	s := tlogtest.NewServer(0)
	ctx := context.Background()
	require.NoError(t, s.Pop(ctx, 3, 20))
	require.NoError(t, s.Pop(ctx, 3, 5)) // stale, acknowledged but ignored
	require.Equal(t, tlog.Version(20), s.Popped(3))
	require.Equal(t, []tlog.Version{20, 5}, s.PopHistory(3))
}

func TestPopTransportErrorParksTheTag(t *testing.T) {
	mock := clock.NewMock()
	c := startCluster(t, mock, 1, 1, 1, 0)
	s := c.servers[0]
	interval := DefaultKnobs().PopInterval

	s.Fail()
	c.sys.Pop(3, 10)
	for i := 0; i < 5; i++ {
		mock.Advance(interval)
		time.Sleep(5 * time.Millisecond)
	}
	require.Empty(t, s.PopHistory(3))

	// The failed attempt leaves the (server, tag) pair parked: the request
	// stays outstanding and no new sender starts, even for newer versions.
	s.Restore()
	c.sys.Pop(3, 30)
	for i := 0; i < 5; i++ {
		mock.Advance(interval)
		time.Sleep(5 * time.Millisecond)
	}
	require.Empty(t, s.PopHistory(3))

	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()
	key := popKey{server: 0, tag: 3}
	require.Equal(t, tlog.Version(30), c.sys.outstandingPops[key])
	require.True(t, c.sys.popActive[key])
}
