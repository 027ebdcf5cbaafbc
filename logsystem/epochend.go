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
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/benbjohnson/clock"
	"github.com/yahoo/taglog/concurrent"
	"github.com/yahoo/taglog/corestate"
	"github.com/yahoo/taglog/locality"
	"github.com/yahoo/taglog/tlog"
)

// RecoverAndEndEpoch locks the servers of the previous epoch and publishes a
// frozen, readable snapshot of it into out. The first snapshot appears as
// soon as a safe end version can be computed; if later replies shrink the
// safe end, a corrected snapshot replaces it. Servers named in prev but not
// in known connect later through Rejoin on the published system.
//
// The function never returns success: it keeps improving the published
// snapshot until ctx is canceled, because a recovery that has already handed
// out a snapshot must keep its servers monitored and reconnectable.
func RecoverAndEndEpoch(ctx context.Context, logger *zap.Logger, clk clock.Clock, knobs Knobs, prev *corestate.State, known map[uuid.UUID]tlog.Interface, out *concurrent.AsyncVar[*LogSystem]) error {
	if prev != nil {
		if err := prev.Validate(); err != nil {
			return err
		}
	}
	if prev == nil || prev.LogSystemType == tlog.LogSystemEmpty {
		// Nothing to recover: hand out a frozen empty system so the caller
		// can build its first real epoch on top, then sit still.
		shell := newLogSystem(ctx, logger, clk, knobs, 0)
		shell.tLogs = newLogSet(tlog.Conf{}, tlog.InvalidVersion)
		shell.start()
		out.Set(shell.freeze(0, 0, nil))
		<-ctx.Done()
		return ctx.Err()
	}

	shell := newLogSystem(ctx, logger, clk, knobs, prev.RecoveryCount)
	shell.tLogs = newLogSet(confFromCoreState(prev.TLogSet, known), tlog.InvalidVersion)
	for _, old := range prev.OldTLogs {
		shell.oldLogData = append(shell.oldLogData, newLogSet(confFromCoreState(old.TLogSet, known), old.EndVersion))
	}
	shell.start()
	if len(shell.tLogs.servers) == 0 {
		// No servers to lock: the empty epoch ended at version 0.
		out.Set(shell.freeze(0, 0, nil))
		<-ctx.Done()
		return ctx.Err()
	}

	type lockReply struct {
		index  int
		result *tlog.LockResult
	}
	replies := make(chan lockReply)
	for i := range shell.tLogs.servers {
		i, handle := i, shell.tLogs.servers[i]
		shell.actors.Add(func(ctx context.Context) error {
			res, err := lockTLog(ctx, logger, handle)
			if err != nil {
				return nil
			}
			select {
			case replies <- lockReply{index: i, result: res}:
			case <-ctx.Done():
			}
			return nil
		})
	}

	// Failure flips change which servers count as unresponsive, so they
	// retrigger the safety computation just like lock replies do.
	wake := make(chan struct{}, 1)
	for _, failedVar := range shell.tLogs.failed {
		failedVar := failedVar
		shell.actors.Add(func(ctx context.Context) error {
			for {
				ch := failedVar.OnChange()
				select {
				case <-ch:
					select {
					case wake <- struct{}{}:
					default:
					}
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	w := shell.tLogs.writeAntiQuorum
	results := make(map[int]*tlog.LockResult)
	tagSet := make(map[tlog.Tag]struct{})
	lastPublishedEnd := tlog.InvalidVersion

	for {
		select {
		case r := <-replies:
			results[r.index] = r.result
			for _, tag := range r.result.Tags {
				tagSet[tag] = struct{}{}
			}
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}

		var ready []int
		var unresponsive []int
		for i := range shell.tLogs.servers {
			if _, replied := results[i]; replied && !shell.tLogs.failed[i].Get() {
				ready = append(ready, i)
			} else {
				unresponsive = append(unresponsive, i)
			}
		}
		if tooManyFailures(shell.tLogs, ready, unresponsive) {
			logger.Info("cannot lock a safe quorum yet",
				zap.Int("ready", len(ready)), zap.Int("unresponsive", len(unresponsive)))
			continue
		}

		end, kcv := durableVersion(knobs, results, ready, w)
		if lastPublishedEnd != tlog.InvalidVersion && end >= lastPublishedEnd {
			continue
		}
		lastPublishedEnd = end

		tags := make([]tlog.Tag, 0, len(tagSet))
		for tag := range tagSet {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

		logger.Info("epoch end computed",
			zap.Int64("end", int64(end)),
			zap.Int64("knownCommitted", int64(kcv)),
			zap.Int("tags", len(tags)),
			zap.Int("locked", len(results)))
		out.Set(shell.freeze(end, kcv, tags))
	}
}

func confFromCoreState(set corestate.TLogSet, known map[uuid.UUID]tlog.Interface) tlog.Conf {
	conf := tlog.Conf{
		Localities:        set.Localities,
		ReplicationFactor: set.ReplicationFactor,
		WriteAntiQuorum:   set.WriteAntiQuorum,
		Policy:            set.Policy,
	}
	for _, id := range set.TLogs {
		conf.Servers = append(conf.Servers, tlog.OptionalInterface{UID: id, Client: known[id]})
	}
	return conf
}

// lockTLog retries until the server is reachable and locked. A server that
// answers an error may have been reached through a dead connection; the next
// attempt waits for a fresh interface.
func lockTLog(ctx context.Context, logger *zap.Logger, handle *concurrent.AsyncVar[tlog.OptionalInterface]) (*tlog.LockResult, error) {
	for {
		changed := handle.OnChange()
		h := handle.Get()
		if h.Present() {
			res, err := h.Client.Lock(ctx)
			if err == nil {
				logger.Info("tlog locked",
					zap.Stringer("tlog", h.UID),
					zap.Int64("end", int64(res.End)),
					zap.Int64("knownCommitted", int64(res.KnownCommittedVersion)))
				return res, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Info("lock attempt failed", zap.Stringer("tlog", h.UID), zap.Error(err))
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tooManyFailures decides whether the locked servers are a safe basis for
// recovery: too few replies, or an unresponsive set that could itself have
// formed a commit quorum, means a commit could exist that none of the locked
// servers have seen.
func tooManyFailures(set *logSet, ready, unresponsive []int) bool {
	if len(ready) <= set.writeAntiQuorum {
		return true
	}
	lset := set.localitySet()
	if len(unresponsive) >= set.replicationFactor && lset.Validate(set.policy, unresponsive) {
		return true
	}
	if set.writeAntiQuorum > 0 {
		unrespData := make([]locality.Data, len(unresponsive))
		for i, idx := range unresponsive {
			unrespData[i] = set.localities[idx]
		}
		readyData := make([]locality.Data, len(ready))
		for i, idx := range ready {
			readyData[i] = set.localities[idx]
		}
		if !locality.ValidateAllCombinations(unrespData, set.policy, readyData, set.writeAntiQuorum, false) {
			return true
		}
	}
	return false
}

// durableVersion picks the safe end of the recovered epoch. With anti-quorum
// w, up to w of the locked servers may be missing committed data, so the
// (w+1)-th smallest reported end is the highest version known recoverable
// from the servers at hand.
func durableVersion(knobs Knobs, results map[int]*tlog.LockResult, ready []int, w int) (end, knownCommitted tlog.Version) {
	ends := make([]tlog.Version, 0, len(ready))
	for _, i := range ready {
		ends = append(ends, results[i].End)
	}
	sort.Slice(ends, func(i, j int) bool { return ends[i] < ends[j] })
	idx := w
	if idx > len(ends)-1 {
		idx = len(ends) - 1
	}
	end = ends[idx]

	knownCommitted = end - knobs.MaxReadTransactionLifeVersions
	if knownCommitted < 0 {
		knownCommitted = 0
	}
	for _, i := range ready {
		if kcv := results[i].KnownCommittedVersion; kcv > knownCommitted {
			knownCommitted = kcv
		}
	}
	return end, knownCommitted
}

// freeze produces a published snapshot of a recovery in progress: same
// server handles, monitors and rejoin stream, but fixed end-of-epoch facts.
func (ls *LogSystem) freeze(end, kcv tlog.Version, tags []tlog.Tag) *LogSystem {
	return &LogSystem{
		logger:                  ls.logger,
		clk:                     ls.clk,
		knobs:                   ls.knobs,
		debugID:                 uuid.New(),
		actors:                  ls.actors,
		rejoinActors:            ls.rejoinActors,
		rejoins:                 ls.rejoins,
		epoch:                   ls.epoch,
		recoveredAt:             end,
		knownCommittedVersion:   kcv,
		epochEndVersion:         end,
		epochEndTags:            tags,
		tLogs:                   ls.tLogs,
		oldLogData:              ls.oldLogData,
		outstandingPops:         make(map[popKey]tlog.Version),
		popActive:               make(map[popKey]bool),
		recoveryCompleteWritten: concurrent.NewAsyncVar(false),
		configChanged:           ls.configChanged,
		coreStateChanged:        ls.coreStateChanged,
	}
}
