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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yahoo/taglog/concurrent"
	"github.com/yahoo/taglog/tlog"
)

// monitorLog keeps failed in sync with one server's health: forced true while
// the handle is absent, driven by the server's failure monitor while present.
// It restarts the watch whenever the handle changes.
func (ls *LogSystem) monitorLog(ctx context.Context, handle *concurrent.AsyncVar[tlog.OptionalInterface], failed *concurrent.AsyncVar[bool]) error {
	for {
		changed := handle.OnChange()
		h := handle.Get()
		if !h.Present() {
			failed.Set(true)
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		failed.Set(false)
		watchCtx, cancel := context.WithCancel(ctx)
		watchDone := make(chan struct{})
		go func(client tlog.Interface) {
			defer close(watchDone)
			err := client.WaitFailure(watchCtx)
			if watchCtx.Err() != nil {
				return
			}
			if err != nil {
				ls.logger.Warn("failure monitor broke, assuming server failed",
					zap.Stringer("tlog", h.UID), zap.Error(err))
			}
			failed.Set(true)
		}(h.Client)

		select {
		case <-changed:
			cancel()
			<-watchDone
		case <-ctx.Done():
			cancel()
			<-watchDone
			return ctx.Err()
		}
	}
}

// Rejoin hands a reconnecting server's interface to the rejoin tracker. The
// request's Reply channel (capacity at least 1) eventually receives true if
// this coordinator is stale or shut down and the server should find a newer
// one.
func (ls *LogSystem) Rejoin(ctx context.Context, req tlog.RejoinRequest) error {
	select {
	case ls.rejoins <- req:
		return nil
	case <-ls.rejoinActors.Context().Done():
		req.Reply <- true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopRejoins detaches the rejoin tracker, answering stale to every held and
// future request. Used when the caller hands the log servers off to a
// successor.
func (ls *LogSystem) StopRejoins() {
	ls.rejoinActors.Stop()
}

// trackRejoins owns the server handles: it is the single writer of the
// handle cells after construction. Each accepted rejoin replaces the stored
// interface unconditionally (a re-announced interface may compare equal to
// the stale one it replaces and must still wake watchers) and displaces any
// previously held reply, which is answered stale.
func (ls *LogSystem) trackRejoins(ctx context.Context) error {
	heldReplies := make(map[uuid.UUID]chan<- bool)
	for {
		select {
		case req := <-ls.rejoins:
			handle := ls.handleByID(req.ID)
			if handle == nil {
				ls.logger.Info("rejoin from unknown log server", zap.Stringer("tlog", req.ID))
				req.Reply <- true
				continue
			}
			handle.SetUnconditional(tlog.OptionalInterface{UID: req.ID, Client: req.Interface})
			ls.bumpConfigChanged()
			if prev, ok := heldReplies[req.ID]; ok {
				prev <- true
			}
			heldReplies[req.ID] = req.Reply
		case <-ctx.Done():
			for _, reply := range heldReplies {
				reply <- true
			}
			return ctx.Err()
		}
	}
}
