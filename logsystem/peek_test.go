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
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/yahoo/taglog/concurrent"
	"github.com/yahoo/taglog/tlog"
	"github.com/yahoo/taglog/tlog/tlogtest"
)

// readVersions pulls exactly n messages off cursor, requiring strictly
// increasing versions. Cursors over a live epoch block at the head instead
// of returning EOF, so reads are bounded by count.
func readVersions(t *testing.T, cursor PeekCursor, n int) []tlog.Version {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make([]tlog.Version, 0, n)
	last := tlog.InvalidVersion
	for len(out) < n {
		m, err := cursor.Next(ctx)
		require.NoError(t, err)
		require.Greater(t, m.Version, last, "versions must be strictly increasing")
		last = m.Version
		out = append(out, m.Version)
	}
	return out
}

func commitTo(t *testing.T, s *tlogtest.Server, v tlog.Version, tag tlog.Tag) {
	t.Helper()
	require.NoError(t, s.Commit(context.Background(), tlog.CommitRequest{
		PrevVersion:           v - 1,
		Version:               v,
		KnownCommittedVersion: v - 1,
		Messages:              []tlog.Message{{Tags: []tlog.Tag{tag}, Payload: []byte{byte(v)}}},
	}))
}

func TestServerPeekCursorBoundedRange(t *testing.T) {
	s := tlogtest.NewServer(0)
	for v := tlog.Version(1); v <= 5; v++ {
		commitTo(t, s, v, 3)
	}
	handle := concurrent.NewAsyncVar(tlog.OptionalInterface{UID: s.ID(), Client: s})

	cursor := newServerPeekCursor(handle, 3, 2, 4)
	got := readVersions(t, cursor, 2)
	require.Equal(t, []tlog.Version{2, 3}, got)
	_, err := cursor.Next(context.Background())
	require.Equal(t, io.EOF, err)
	require.Equal(t, tlog.Version(4), cursor.Version())
}

func TestServerPeekCursorStoppedServerEOF(t *testing.T) {
	s := tlogtest.NewServer(0)
	commitTo(t, s, 1, 3)
	ctx := context.Background()
	_, err := s.Lock(ctx)
	require.NoError(t, err)

	handle := concurrent.NewAsyncVar(tlog.OptionalInterface{UID: s.ID(), Client: s})
	cursor := newServerPeekCursor(handle, 3, 1, tlog.InvalidVersion)
	got := readVersions(t, cursor, 1)
	require.Equal(t, []tlog.Version{1}, got)
	// Unbounded, but the server is locked and has nothing more: EOF instead
	// of blocking.
	_, err = cursor.Next(ctx)
	require.Equal(t, io.EOF, err)
}

func TestMergedPeekDeduplicatesReplicas(t *testing.T) {
	c := startCluster(t, clock.New(), 4, 2, 2, 0)
	for v := tlog.Version(1); v <= 4; v++ {
		c.push(t, v, 7, "m")
	}
	// The polling set has three members but only two hold the tag's data; the
	// merge must surface each version exactly once and must not wait on the
	// member that holds nothing.
	require.Len(t, c.sys.GetPushLocations([]tlog.Tag{7}), 2)
	cursor := c.sys.Peek(7, 1, false)
	require.Equal(t, []tlog.Version{1, 2, 3, 4}, readVersions(t, cursor, 4))
}

func TestMergedPeekBlocksAtTheLiveHead(t *testing.T) {
	c := startCluster(t, clock.New(), 4, 2, 2, 0)
	c.push(t, 1, 7, "m")
	cursor := c.sys.Peek(7, 1, false)
	require.Equal(t, []tlog.Version{1}, readVersions(t, cursor, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := cursor.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c.push(t, 2, 7, "m")
	require.Equal(t, []tlog.Version{2}, readVersions(t, cursor, 1))
}

func TestPeekParallelGetMorePreFetches(t *testing.T) {
	c := startCluster(t, clock.New(), 4, 2, 2, 0)
	for v := tlog.Version(1); v <= 6; v++ {
		c.push(t, v, 7, "m")
	}
	cursor := c.sys.Peek(7, 1, true)
	require.Equal(t, []tlog.Version{1, 2, 3, 4, 5, 6}, readVersions(t, cursor, 6))

	// Pre-fetches started while draining must fold in cleanly when more data
	// commits afterwards.
	c.push(t, 7, 7, "m")
	c.push(t, 8, 7, "m")
	require.Equal(t, []tlog.Version{7, 8}, readVersions(t, cursor, 2))
}

func TestPeekSingleReadsOnlyThePrimary(t *testing.T) {
	c := startCluster(t, clock.New(), 2, 2, 2, 0)
	for v := tlog.Version(1); v <= 3; v++ {
		c.push(t, v, 0, "m")
	}
	// Tag 0's primary is server 0; a dead replica must not matter.
	c.servers[1].Fail()
	cursor := c.sys.PeekSingle(0, 1)
	require.Equal(t, []tlog.Version{1, 2, 3}, readVersions(t, cursor, 3))
}

func TestPeekBlocksAtTheLiveHead(t *testing.T) {
	c := startCluster(t, clock.New(), 1, 1, 1, 0)
	c.push(t, 1, 0, "m")
	cursor := c.sys.Peek(0, 1, false)
	require.Equal(t, []tlog.Version{1}, readVersions(t, cursor, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := cursor.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Data arriving later unblocks a fresh read.
	c.push(t, 2, 0, "m")
	require.Equal(t, []tlog.Version{2}, readVersions(t, cursor, 1))
}
