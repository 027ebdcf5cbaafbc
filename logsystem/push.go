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
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yahoo/taglog/concurrent"
	"github.com/yahoo/taglog/locality"
	"github.com/yahoo/taglog/tlog"
)

// PushRequest is one version's worth of tagged mutations bound for the
// current epoch.
type PushRequest struct {
	DebugID               uuid.UUID
	PrevVersion           tlog.Version
	Version               tlog.Version
	KnownCommittedVersion tlog.Version
	Messages              []tlog.Message
}

// Push replicates one version across the current epoch's servers. The
// returned completion finishes with nil once enough servers acknowledge:
// every server except the write anti-quorum. Push never blocks; slow
// stragglers keep being driven in the background so they eventually hold the
// data too.
//
// A server rejecting a commit is fatal to the epoch: the error surfaces
// through OnError as ErrMasterTLogFailed and the caller must recover.
func (ls *LogSystem) Push(req PushRequest) *concurrent.Completion {
	set := ls.tLogs
	needed := int32(len(set.servers) - set.writeAntiQuorum)
	done := concurrent.NewCompletion()
	if needed <= 0 {
		done.Complete(nil)
		return done
	}

	for i := range set.servers {
		handle := set.servers[i]
		creq := tlog.CommitRequest{
			DebugID:               req.DebugID,
			PrevVersion:           req.PrevVersion,
			Version:               req.Version,
			KnownCommittedVersion: req.KnownCommittedVersion,
			Messages:              messagesFor(set, i, req.Messages),
		}
		ls.actors.Add(func(ctx context.Context) error {
			h := handle.Get()
			if !h.Present() {
				// No connection: this server silently lands in the
				// anti-quorum for this version.
				return nil
			}
			if err := h.Client.Commit(ctx, creq); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				ls.logger.Error("tlog commit failed",
					zap.Stringer("tlog", h.UID),
					zap.Int64("version", int64(creq.Version)),
					zap.Error(err))
				return tlog.ErrMasterTLogFailed
			}
			if atomic.AddInt32(&needed, -1) == 0 {
				done.Complete(nil)
			}
			return nil
		})
	}
	return done
}

// messagesFor filters messages down to the ones whose push locations include
// server i.
func messagesFor(set *logSet, i int, messages []tlog.Message) []tlog.Message {
	var out []tlog.Message
	for _, m := range messages {
		for _, loc := range set.pushLocationsFor(m.Tags) {
			if loc == i {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// ConfirmEpochLive verifies the current epoch can still commit: it blocks
// until servers covering a full write quorum, spread according to the
// replication policy, confirm they are running and unlocked. It returns only
// on success or when ctx is done, except that an empty log set is rejected at
// once with ErrInternal.
func (ls *LogSystem) ConfirmEpochLive(ctx context.Context, debugID uuid.UUID) error {
	set := ls.tLogs
	n := len(set.servers)
	if n == 0 {
		return errors.Wrap(tlog.ErrInternal, "confirm epoch live on an empty log system")
	}
	quorum := n - set.writeAntiQuorum

	var mu sync.Mutex
	alive := make(map[int]bool)
	satisfied := make(chan struct{}, 1)
	check := func() {
		mu.Lock()
		defer mu.Unlock()
		if len(alive) < quorum {
			return
		}
		idx := make([]int, 0, len(alive))
		for i := range alive {
			idx = append(idx, i)
		}
		if set.policy == nil || locality.NewSet(set.localities).Validate(set.policy, idx) {
			select {
			case satisfied <- struct{}{}:
			default:
			}
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for i := range set.servers {
		i, handle := i, set.servers[i]
		go func() {
			for {
				changed := handle.OnChange()
				h := handle.Get()
				if h.Present() {
					if err := h.Client.ConfirmRunning(subCtx, debugID); err == nil {
						mu.Lock()
						alive[i] = true
						mu.Unlock()
						check()
						return
					}
					// Locked or unreachable: wait for a fresh interface.
				}
				select {
				case <-changed:
				case <-subCtx.Done():
					return
				}
			}
		}()
	}

	select {
	case <-satisfied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
