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

	"go.uber.org/zap"

	"github.com/yahoo/taglog/concurrent"
	"github.com/yahoo/taglog/tlog"
)

type popKey struct {
	server int
	tag    tlog.Tag
}

// Pop tells every current-epoch server it may discard tag's data below upTo.
// Requests are coalesced: only the highest version per (server, tag) is ever
// sent, at most once per pop interval, by a background task that exits once
// it has caught up.
func (ls *LogSystem) Pop(tag tlog.Tag, upTo tlog.Version) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i := range ls.tLogs.servers {
		key := popKey{server: i, tag: tag}
		if ls.outstandingPops[key] >= upTo {
			continue
		}
		ls.outstandingPops[key] = upTo
		if !ls.popActive[key] {
			ls.popActive[key] = true
			handle := ls.tLogs.servers[i]
			ls.actors.Add(func(ctx context.Context) error {
				return ls.popFromLog(ctx, key, handle)
			})
		}
	}
}

// popFromLog drives one (server, tag) pair. Once per tick it sends the
// highest requested version, and exits when there is nothing newer to send.
// On a transport error it exits without clearing the active mark: no further
// pops reach this server from this system, which keeps the sent-version
// bookkeeping conservative. The next epoch's pops start fresh.
func (ls *LogSystem) popFromLog(ctx context.Context, key popKey, handle *concurrent.AsyncVar[tlog.OptionalInterface]) error {
	var last tlog.Version
	ticker := ls.clk.Ticker(ls.knobs.PopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}

		ls.mu.Lock()
		to := ls.outstandingPops[key]
		if to <= last {
			delete(ls.outstandingPops, key)
			delete(ls.popActive, key)
			ls.mu.Unlock()
			return nil
		}
		ls.mu.Unlock()

		h := handle.Get()
		if !h.Present() {
			return nil
		}
		if err := h.Client.Pop(ctx, key.tag, to); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ls.logger.Info("pop failed, leaving tag parked on this server",
				zap.Stringer("tlog", h.UID),
				zap.Int32("tag", int32(key.tag)),
				zap.Error(err))
			return nil
		}
		last = to
	}
}
