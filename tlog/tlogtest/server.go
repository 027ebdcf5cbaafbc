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

// Package tlogtest provides an in-memory transaction log server and worker
// for tests and the cluster simulator. Servers honor the full protocol
// (commit chaining, locking, blocking peeks, pops) and offer failure
// injection hooks.
package tlogtest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/yahoo/taglog/tlog"
)

// Server is one in-memory transaction log. It is safe for concurrent use.
type Server struct {
	id uuid.UUID

	mu      sync.Mutex
	changed chan struct{}

	version tlog.Version
	kcv     tlog.Version
	stopped bool
	failed  bool

	data       map[tlog.Tag][]tlog.VersionedMessage
	popped     map[tlog.Tag]tlog.Version
	popHistory map[tlog.Tag][]tlog.Version

	recoveryFinished bool
}

var _ tlog.Interface = (*Server)(nil)

// NewServer returns a server whose commit chain starts after start: the
// first accepted commit must have PrevVersion == start.
func NewServer(start tlog.Version) *Server {
	return &Server{
		id:         uuid.New(),
		changed:    make(chan struct{}),
		version:    start,
		kcv:        0,
		data:       make(map[tlog.Tag][]tlog.VersionedMessage),
		popped:     make(map[tlog.Tag]tlog.Version),
		popHistory: make(map[tlog.Tag][]tlog.Version),
	}
}

func (s *Server) ID() uuid.UUID { return s.id }

func (s *Server) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Fail simulates a crashed or partitioned server: every RPC answers with a
// broken promise and the failure monitor fires.
func (s *Server) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = true
	s.broadcastLocked()
}

// Restore undoes Fail.
func (s *Server) Restore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = false
	s.broadcastLocked()
}

func (s *Server) Commit(ctx context.Context, req tlog.CommitRequest) error {
	s.mu.Lock()
	for {
		if s.failed {
			s.mu.Unlock()
			return tlog.ErrBrokenPromise
		}
		if s.stopped {
			s.mu.Unlock()
			return tlog.ErrTLogStopped
		}
		if req.Version <= s.version {
			s.mu.Unlock()
			return nil
		}
		if s.version == req.PrevVersion {
			break
		}
		// A gap: wait for the preceding commit to arrive first.
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}

	for _, m := range req.Messages {
		vm := tlog.VersionedMessage{Version: req.Version, Payload: m.Payload}
		for _, tag := range m.Tags {
			if req.Version < s.popped[tag] {
				continue
			}
			s.data[tag] = append(s.data[tag], vm)
		}
	}
	s.version = req.Version
	if req.KnownCommittedVersion > s.kcv {
		s.kcv = req.KnownCommittedVersion
	}
	s.broadcastLocked()
	s.mu.Unlock()
	return nil
}

func (s *Server) Peek(ctx context.Context, req tlog.PeekRequest) (*tlog.PeekReply, error) {
	s.mu.Lock()
	for {
		if s.failed {
			s.mu.Unlock()
			return nil, tlog.ErrBrokenPromise
		}
		var msgs []tlog.VersionedMessage
		for _, m := range s.data[req.Tag] {
			if m.Version >= req.Begin {
				msgs = append(msgs, m)
			}
		}
		if len(msgs) > 0 || s.stopped || req.Begin <= s.version || req.ReturnIfBlocked {
			reply := &tlog.PeekReply{Messages: msgs, End: s.version + 1, Stopped: s.stopped}
			s.mu.Unlock()
			return reply, nil
		}
		// Nothing at Begin yet and the server is live: wait for data.
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
}

func (s *Server) Pop(ctx context.Context, tag tlog.Tag, upTo tlog.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return tlog.ErrBrokenPromise
	}
	s.popHistory[tag] = append(s.popHistory[tag], upTo)
	if upTo <= s.popped[tag] {
		return nil
	}
	s.popped[tag] = upTo
	kept := s.data[tag][:0]
	for _, m := range s.data[tag] {
		if m.Version >= upTo {
			kept = append(kept, m)
		}
	}
	s.data[tag] = kept
	return nil
}

func (s *Server) Lock(ctx context.Context) (*tlog.LockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return nil, tlog.ErrBrokenPromise
	}
	if !s.stopped {
		s.stopped = true
		s.broadcastLocked()
	}
	tags := make([]tlog.Tag, 0, len(s.data))
	for tag := range s.data {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return &tlog.LockResult{
		End:                   s.version,
		KnownCommittedVersion: s.kcv,
		Tags:                  tags,
	}, nil
}

func (s *Server) ConfirmRunning(ctx context.Context, debugID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return tlog.ErrBrokenPromise
	}
	if s.stopped {
		return tlog.ErrTLogStopped
	}
	return nil
}

func (s *Server) RecoveryFinished(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return tlog.ErrBrokenPromise
	}
	s.recoveryFinished = true
	return nil
}

func (s *Server) WaitFailure(ctx context.Context) error {
	for {
		s.mu.Lock()
		failed := s.failed
		ch := s.changed
		s.mu.Unlock()
		if failed {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Version returns the server's newest durable version.
func (s *Server) Version() tlog.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Stopped reports whether the server has been locked.
func (s *Server) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// HasRecoveryFinished reports whether RecoveryFinished has been received.
func (s *Server) HasRecoveryFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveryFinished
}

// Messages returns the server's retained messages for tag, in version order.
func (s *Server) Messages(tag tlog.Tag) []tlog.VersionedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tlog.VersionedMessage, len(s.data[tag]))
	copy(out, s.data[tag])
	return out
}

// Popped returns the version below which tag's data has been discarded.
func (s *Server) Popped(tag tlog.Tag) tlog.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popped[tag]
}

// PopHistory returns every pop version received for tag, in arrival order.
func (s *Server) PopHistory(tag tlog.Tag) []tlog.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tlog.Version, len(s.popHistory[tag]))
	copy(out, s.popHistory[tag])
	return out
}

// seed installs a recovered message directly, bypassing the commit protocol.
func (s *Server) seed(tag tlog.Tag, m tlog.VersionedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[tag] = append(s.data[tag], m)
}
