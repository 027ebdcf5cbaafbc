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
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yahoo/taglog/concurrent"
	"github.com/yahoo/taglog/locality"
	"github.com/yahoo/taglog/tlog"
)

// RecruitConfig names the workers and replication parameters of a new epoch.
type RecruitConfig struct {
	Workers           []tlog.Worker
	ReplicationFactor int
	WriteAntiQuorum   int
	Policy            locality.Policy
}

// NewEpoch recruits a fresh log set on top of a recovered system. Each
// recruit is told which tags it must copy out of the old generation and
// where to find them; recruits that do not come up within the recruitment
// deadline fail the whole recovery with ErrMasterRecoveryFailed.
//
// The old system keeps running: its data is still needed until every tag has
// been copied forward and popped.
func (old *LogSystem) NewEpoch(ctx context.Context, conf RecruitConfig) (*LogSystem, error) {
	localities := make([]locality.Data, len(conf.Workers))
	for i, w := range conf.Workers {
		localities[i] = w.Locality()
	}

	ls := newLogSystem(old.actors.Context(), old.logger, old.clk, old.knobs, old.epoch+1)
	ls.tLogs = &logSet{
		localities:        localities,
		replicationFactor: conf.ReplicationFactor,
		writeAntiQuorum:   conf.WriteAntiQuorum,
		policy:            conf.Policy,
		endVersion:        tlog.InvalidVersion,
	}
	// Provisional slots: the handles stay absent until recruitment succeeds.
	for range conf.Workers {
		ls.tLogs.servers = append(ls.tLogs.servers, concurrent.NewAsyncVar(tlog.OptionalInterface{}))
		ls.tLogs.failed = append(ls.tLogs.failed, concurrent.NewAsyncVar(true))
	}
	ls.recoveredAt = old.epochEndVersion
	ls.knownCommittedVersion = old.knownCommittedVersion

	// The old epoch's readable range ends where the new epoch begins:
	// everything above the known committed version is re-committed by the
	// new generation.
	priorEnd := old.knownCommittedVersion + 1
	ls.oldLogData = append([]*logSet{withEndVersion(old.tLogs, priorEnd)}, old.oldLogData...)

	recoverTags := make([][]tlog.Tag, len(conf.Workers))
	for _, tag := range old.epochEndTags {
		for _, loc := range ls.tLogs.pushLocationsFor([]tlog.Tag{tag}) {
			recoverTags[loc] = append(recoverTags[loc], tag)
		}
	}

	recoverFrom := old.GetLogSystemConfig()
	deadline := old.knobs.TLogTimeout +
		old.knobs.MasterFailureSlopeDuringRecovery*time.Duration(len(conf.Workers))

	type initResult struct {
		index int
		iface tlog.Interface
		err   error
	}
	initCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	replies := make(chan initResult, len(conf.Workers))
	for i, worker := range conf.Workers {
		i, worker := i, worker
		req := tlog.InitializeRequest{
			RecruitmentID:         uuid.New(),
			RecoverFrom:           recoverFrom,
			RecoverAt:             old.epochEndVersion,
			RecoverTags:           recoverTags[i],
			KnownCommittedVersion: old.knownCommittedVersion,
		}
		go func() {
			iface, err := worker.InitializeLog(initCtx, req)
			replies <- initResult{index: i, iface: iface, err: err}
		}()
	}

	ifaces := make([]tlog.Interface, len(conf.Workers))
	var merr *multierror.Error
	timeout := old.clk.After(deadline)
	for pending := len(conf.Workers); pending > 0; pending-- {
		select {
		case r := <-replies:
			if r.err != nil {
				merr = multierror.Append(merr, errors.Wrapf(r.err, "recruit %d", r.index))
				continue
			}
			ifaces[r.index] = r.iface
		case <-timeout:
			old.logger.Error("log recruitment timed out",
				zap.Duration("deadline", deadline), zap.Int("pending", pending))
			return nil, errors.Wrap(tlog.ErrMasterRecoveryFailed, "log recruitment timed out")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		old.logger.Error("log recruitment failed", zap.Error(err))
		return nil, errors.Wrap(tlog.ErrMasterRecoveryFailed, err.Error())
	}

	for i, iface := range ifaces {
		ls.tLogs.servers[i].Set(tlog.OptionalInterface{UID: iface.ID(), Client: iface})
		ls.tLogs.failed[i].Set(false)
	}
	ls.start()
	return ls, nil
}

// RecoveryFinished tells every current-epoch server the recovery it was
// recruited under has fully completed, letting it discard recovery state. A
// server failing here fails the epoch.
func (ls *LogSystem) RecoveryFinished(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, handle := range ls.tLogs.servers {
		h := handle.Get()
		if !h.Present() {
			return errors.Wrap(tlog.ErrMasterTLogFailed, "recovery finished with an absent tlog")
		}
		g.Go(func() error {
			return h.Client.RecoveryFinished(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(tlog.ErrMasterTLogFailed, err.Error())
	}
	return nil
}

// withEndVersion returns a view of set frozen at end. Handles and failure
// cells are shared so monitoring and rejoins keep working.
func withEndVersion(set *logSet, end tlog.Version) *logSet {
	frozen := *set
	frozen.endVersion = end
	return &frozen
}
