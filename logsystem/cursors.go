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

	"golang.org/x/sync/errgroup"

	"github.com/yahoo/taglog/concurrent"
	"github.com/yahoo/taglog/tlog"
)

// PeekCursor yields one tag's messages in strictly increasing version order.
// Next returns io.EOF once the readable stream is exhausted; on a live epoch
// it instead blocks until more data commits or ctx is done.
type PeekCursor interface {
	Next(ctx context.Context) (tlog.VersionedMessage, error)
	// Version is the lowest version the cursor could still return.
	Version() tlog.Version
}

// serverPeekCursor reads one tag from one server. It survives reconnects by
// watching the handle cell and retrying, and stops at end (exclusive) when
// bounded.
type serverPeekCursor struct {
	handle *concurrent.AsyncVar[tlog.OptionalInterface]
	tag    tlog.Tag
	next   tlog.Version
	end    tlog.Version // InvalidVersion = unbounded
	buf    []tlog.VersionedMessage
}

func newServerPeekCursor(handle *concurrent.AsyncVar[tlog.OptionalInterface], tag tlog.Tag, begin, end tlog.Version) *serverPeekCursor {
	return &serverPeekCursor{handle: handle, tag: tag, next: begin, end: end}
}

func (c *serverPeekCursor) Version() tlog.Version { return c.next }

func (c *serverPeekCursor) Next(ctx context.Context) (tlog.VersionedMessage, error) {
	for {
		for len(c.buf) > 0 {
			m := c.buf[0]
			c.buf = c.buf[1:]
			if m.Version < c.next {
				continue
			}
			if c.end != tlog.InvalidVersion && m.Version >= c.end {
				c.buf = nil
				c.next = c.end
				return tlog.VersionedMessage{}, io.EOF
			}
			c.next = m.Version + 1
			return m, nil
		}
		if c.end != tlog.InvalidVersion && c.next >= c.end {
			return tlog.VersionedMessage{}, io.EOF
		}

		changed := c.handle.OnChange()
		h := c.handle.Get()
		if !h.Present() {
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return tlog.VersionedMessage{}, ctx.Err()
			}
		}
		reply, err := h.Client.Peek(ctx, tlog.PeekRequest{Tag: c.tag, Begin: c.next})
		if err != nil {
			if ctx.Err() != nil {
				return tlog.VersionedMessage{}, ctx.Err()
			}
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return tlog.VersionedMessage{}, ctx.Err()
			}
		}
		if len(reply.Messages) == 0 {
			if reply.End > c.next {
				c.next = reply.End
				continue
			}
			if reply.Stopped {
				return tlog.VersionedMessage{}, io.EOF
			}
			continue
		}
		c.buf = reply.Messages
	}
}

// mergedReplica is one member of a merged cursor's polling set. next is the
// version below which the server has certified it holds nothing further for
// the tag; buffered messages are always below next.
type mergedReplica struct {
	handle *concurrent.AsyncVar[tlog.OptionalInterface]
	buf    []tlog.VersionedMessage
	next   tlog.Version
	eof    bool
}

// absorb folds one reply into the replica's state. Messages outside
// [next, end) are discarded. An empty reply from a stopped server exhausts
// the replica; a bounded replica is exhausted once next reaches end.
func (r *mergedReplica) absorb(reply *tlog.PeekReply, end tlog.Version) {
	for _, m := range reply.Messages {
		if m.Version < r.next {
			continue
		}
		if end != tlog.InvalidVersion && m.Version >= end {
			break
		}
		r.buf = append(r.buf, m)
	}
	if reply.End > r.next {
		r.next = reply.End
	}
	if reply.Stopped && len(r.buf) == 0 {
		r.eof = true
	}
	r.settle(end)
}

func (r *mergedReplica) settle(end tlog.Version) {
	if !r.eof && len(r.buf) == 0 && end != tlog.InvalidVersion && r.next >= end {
		r.eof = true
	}
}

type lookAheadResult struct {
	reply *tlog.PeekReply
	err   error
}

// mergedPeekCursor merges a read-quorum-sized polling set of one epoch's
// servers for one tag. The set intersects every replication set, so some
// member holds the tag's data; members outside the tag's locations only ever
// certify empty ranges. Any single member holding a message is enough to
// return it, and each member yields a contiguous stream on its own, so the
// lowest buffered head is always safe to emit. Duplicates arriving from the
// other members are dropped by version.
//
// With lookAhead set, draining a member's buffer kicks off a background
// non-blocking fetch on it, collected at the start of the following Next.
type mergedPeekCursor struct {
	replicas  []*mergedReplica
	tag       tlog.Tag
	end       tlog.Version
	last      tlog.Version
	lookAhead bool
	pending   map[int]chan lookAheadResult
}

func newMergedPeekCursor(handles []*concurrent.AsyncVar[tlog.OptionalInterface], tag tlog.Tag, begin, end tlog.Version, lookAhead bool) *mergedPeekCursor {
	replicas := make([]*mergedReplica, len(handles))
	for i, h := range handles {
		replicas[i] = &mergedReplica{handle: h, next: begin}
		replicas[i].settle(end)
	}
	return &mergedPeekCursor{
		replicas:  replicas,
		tag:       tag,
		end:       end,
		last:      begin - 1,
		lookAhead: lookAhead,
		pending:   make(map[int]chan lookAheadResult),
	}
}

func (c *mergedPeekCursor) Version() tlog.Version { return c.last + 1 }

// fetch issues one peek against a replica, retrying across handle changes.
// Non-blocking fetches treat an absent handle or a broken server as "no
// information" and return a nil reply, so a dead member cannot stall the
// probe of the rest of the set.
func (c *mergedPeekCursor) fetch(ctx context.Context, r *mergedReplica, returnIfBlocked bool) (*tlog.PeekReply, error) {
	for {
		changed := r.handle.OnChange()
		h := r.handle.Get()
		if !h.Present() {
			if returnIfBlocked {
				return nil, nil
			}
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		reply, err := h.Client.Peek(ctx, tlog.PeekRequest{Tag: c.tag, Begin: r.next, ReturnIfBlocked: returnIfBlocked})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if returnIfBlocked {
				return nil, nil
			}
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return reply, nil
	}
}

// collectPending folds in the results of look-ahead fetches started on
// earlier calls. A fetch canceled with its spawning context is dropped; the
// replica is simply probed again.
func (c *mergedPeekCursor) collectPending(ctx context.Context) error {
	for i, ch := range c.pending {
		select {
		case res := <-ch:
			delete(c.pending, i)
			if res.err != nil || res.reply == nil {
				continue
			}
			c.replicas[i].absorb(res.reply, c.end)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *mergedPeekCursor) Next(ctx context.Context) (tlog.VersionedMessage, error) {
	for {
		if err := c.collectPending(ctx); err != nil {
			return tlog.VersionedMessage{}, err
		}

		// Refresh every live member with an empty buffer, in parallel and
		// without blocking at the live head.
		var need []int
		for i, r := range c.replicas {
			if !r.eof && len(r.buf) == 0 {
				need = append(need, i)
			}
		}
		if len(need) > 0 {
			replies := make([]*tlog.PeekReply, len(c.replicas))
			g, gctx := errgroup.WithContext(ctx)
			for _, i := range need {
				i := i
				g.Go(func() error {
					reply, err := c.fetch(gctx, c.replicas[i], true)
					if err != nil {
						return err
					}
					replies[i] = reply
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return tlog.VersionedMessage{}, err
			}
			for _, i := range need {
				if replies[i] != nil {
					c.replicas[i].absorb(replies[i], c.end)
				}
			}
		}

		// Already-emitted versions delivered again by a lagging member.
		for _, r := range c.replicas {
			for len(r.buf) > 0 && r.buf[0].Version <= c.last {
				r.buf = r.buf[1:]
			}
			r.settle(c.end)
		}

		best := -1
		for i, r := range c.replicas {
			if len(r.buf) == 0 {
				continue
			}
			if best == -1 || r.buf[0].Version < c.replicas[best].buf[0].Version {
				best = i
			}
		}
		if best == -1 {
			// Nothing buffered anywhere. EOF once every member is exhausted;
			// otherwise block on one live member until more data commits.
			live := -1
			for i, r := range c.replicas {
				if !r.eof {
					live = i
					break
				}
			}
			if live == -1 {
				return tlog.VersionedMessage{}, io.EOF
			}
			reply, err := c.fetch(ctx, c.replicas[live], false)
			if err != nil {
				return tlog.VersionedMessage{}, err
			}
			c.replicas[live].absorb(reply, c.end)
			continue
		}

		r := c.replicas[best]
		m := r.buf[0]
		r.buf = r.buf[1:]
		r.settle(c.end)
		c.last = m.Version

		if c.lookAhead && !r.eof && len(r.buf) == 0 {
			if _, busy := c.pending[best]; !busy {
				ch := make(chan lookAheadResult, 1)
				c.pending[best] = ch
				go func() {
					reply, err := c.fetch(ctx, r, true)
					ch <- lookAheadResult{reply: reply, err: err}
				}()
			}
		}
		return m, nil
	}
}

// multiCursor concatenates per-epoch cursors. The segment bounds line up
// exactly with epoch end versions, so the concatenation is strictly
// increasing; a guard drops anything out of order anyway.
type multiCursor struct {
	cursors []PeekCursor
	idx     int
	last    tlog.Version
}

func newMultiCursor(cursors []PeekCursor, begin tlog.Version) *multiCursor {
	return &multiCursor{cursors: cursors, last: begin - 1}
}

func (c *multiCursor) Version() tlog.Version {
	if c.idx >= len(c.cursors) {
		return c.last + 1
	}
	v := c.cursors[c.idx].Version()
	if v < c.last+1 {
		return c.last + 1
	}
	return v
}

func (c *multiCursor) Next(ctx context.Context) (tlog.VersionedMessage, error) {
	for {
		if c.idx >= len(c.cursors) {
			return tlog.VersionedMessage{}, io.EOF
		}
		m, err := c.cursors[c.idx].Next(ctx)
		if err == io.EOF {
			c.idx++
			continue
		}
		if err != nil {
			return tlog.VersionedMessage{}, err
		}
		if m.Version <= c.last {
			continue
		}
		c.last = m.Version
		return m, nil
	}
}
