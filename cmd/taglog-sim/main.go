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

// Command taglog-sim runs a whole log-system cluster in one process:
// in-memory log servers, commit traffic, reads, pops, and full epoch
// turnover with recovery, persisting the coordinated state to LevelDB
// between generations.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yahoo/taglog/concurrent"
	"github.com/yahoo/taglog/config"
	"github.com/yahoo/taglog/corestate"
	"github.com/yahoo/taglog/kv/leveldbkv"
	"github.com/yahoo/taglog/kv/tracekv"
	"github.com/yahoo/taglog/logsystem"
	"github.com/yahoo/taglog/tlog"
	"github.com/yahoo/taglog/tlog/tlogtest"
)

func main() {
	configPath := flag.String("config", "", "path to a taglog config file")
	commits := flag.Int("commits", 100, "commits to push per epoch")
	tags := flag.Int("tags", 4, "distinct tags to spread commits over")
	epochs := flag.Int("epochs", 3, "epochs to run, each ending in a full recovery")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *configPath, *commits, *tags, *epochs); err != nil {
		logger.Fatal("simulation failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, configPath string, commits, tags, epochs int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	clk := clock.New()

	db, err := leveldbkv.Open(cfg.Cluster.DBPath)
	if err != nil {
		return err
	}
	store := corestate.NewStore(tracekv.WithLogging(db, logger.Named("kv")))

	workers := make([]tlog.Worker, len(cfg.Cluster.Workers))
	testWorkers := make([]*tlogtest.Worker, len(cfg.Cluster.Workers))
	for i, loc := range cfg.Cluster.Workers {
		w := tlogtest.NewWorker(logger.Named("worker"), clk, cfg.Knobs, loc)
		testWorkers[i] = w
		workers[i] = w
	}
	recruit := logsystem.RecruitConfig{
		Workers:           workers,
		ReplicationFactor: cfg.Cluster.ReplicationFactor,
		WriteAntiQuorum:   cfg.Cluster.WriteAntiQuorum,
		Policy:            cfg.Cluster.Policy,
	}

	// The store may hold state from an earlier run, but the servers it names
	// died with that process. Every simulation starts from a blank record.
	if err := store.Write(&corestate.State{LogSystemType: tlog.LogSystemEmpty}); err != nil {
		return err
	}

	var sys *logsystem.LogSystem
	var stopRecovery context.CancelFunc
	version := tlog.Version(0)
	for epoch := 0; epoch < epochs; epoch++ {
		prev, err := store.Read()
		if err != nil {
			return err
		}
		known := make(map[uuid.UUID]tlog.Interface)
		for _, w := range testWorkers {
			for _, s := range w.Servers() {
				known[s.ID()] = s
			}
		}

		rctx, cancel := context.WithCancel(ctx)
		out := concurrent.NewAsyncVar[*logsystem.LogSystem](nil)
		go func() {
			if err := logsystem.RecoverAndEndEpoch(rctx, logger.Named("recovery"), clk, cfg.Knobs, prev, known, out); err != nil && rctx.Err() == nil {
				logger.Error("recovery stopped", zap.Error(err))
			}
		}()
		frozen, err := waitFrozen(ctx, out)
		if err != nil {
			cancel()
			return err
		}
		logger.Info("epoch ended",
			zap.Int64("epoch", frozen.Epoch()),
			zap.Int64("end", int64(frozen.GetEnd())),
			zap.Int("tags", len(frozen.EpochEndTags())))

		next, err := frozen.NewEpoch(ctx, recruit)
		if err != nil {
			cancel()
			return err
		}
		st := next.ToCoreState()
		if err := store.Write(st); err != nil {
			cancel()
			return err
		}
		next.CoreStateWritten(st)
		if err := next.RecoveryFinished(ctx); err != nil {
			cancel()
			return err
		}

		if sys != nil {
			sys.Stop()
		}
		if stopRecovery != nil {
			stopRecovery()
		}
		sys, stopRecovery = next, cancel
		version = frozen.GetEnd() - 1

		if err := driveEpoch(ctx, logger, sys, &version, commits, tags); err != nil {
			return err
		}
	}

	if stopRecovery != nil {
		defer stopRecovery()
	}
	if sys == nil {
		return nil
	}
	defer sys.Stop()

	// Read the full history back through every surviving generation. A live
	// cursor blocks at the head waiting for future commits, so the read is
	// bounded by the number of messages known to exist per tag.
	for t := 0; t < tags; t++ {
		tag := tlog.Tag(t)
		want := commits / tags * epochs
		if t < commits%tags {
			want += epochs
		}
		read, err := drain(ctx, sys.Peek(tag, 1, true), want)
		if err != nil {
			return err
		}
		if read != want {
			return fmt.Errorf("tag %d: read %d messages, want %d", tag, read, want)
		}
		logger.Info("history read", zap.Int32("tag", int32(tag)), zap.Int("messages", read))
		sys.Pop(tag, version+1)
	}

	// Give the pop ticker a couple of rounds to reach the servers.
	select {
	case <-clk.After(2 * cfg.Knobs.PopInterval):
	case <-ctx.Done():
		return ctx.Err()
	}
	for i, w := range testWorkers {
		for _, s := range w.Servers() {
			logger.Info("server state",
				zap.Int("worker", i),
				zap.Stringer("server", s.ID()),
				zap.Int64("version", int64(s.Version())),
				zap.Bool("stopped", s.Stopped()))
		}
	}
	logger.Info("simulation complete",
		zap.Int64("finalVersion", int64(version)),
		zap.Int("epochs", epochs))
	return nil
}

func waitFrozen(ctx context.Context, out *concurrent.AsyncVar[*logsystem.LogSystem]) (*logsystem.LogSystem, error) {
	for {
		ch := out.OnChange()
		if ls := out.Get(); ls != nil {
			return ls, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func driveEpoch(ctx context.Context, logger *zap.Logger, sys *logsystem.LogSystem, version *tlog.Version, commits, tags int) error {
	debugID := sys.GetDebugID()
	if err := sys.ConfirmEpochLive(ctx, debugID); err != nil {
		return err
	}
	start := *version
	for n := 0; n < commits; n++ {
		v := *version + 1
		tag := tlog.Tag(n % tags)
		done := sys.Push(logsystem.PushRequest{
			DebugID:               debugID,
			PrevVersion:           *version,
			Version:               v,
			KnownCommittedVersion: *version,
			Messages: []tlog.Message{{
				Tags:    []tlog.Tag{tag},
				Payload: []byte(fmt.Sprintf("epoch=%d version=%d", sys.Epoch(), v)),
			}},
		})
		select {
		case <-done.Done():
			if err := done.Err(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		*version = v
	}
	logger.Info("epoch traffic pushed",
		zap.Int64("epoch", sys.Epoch()),
		zap.Int64("from", int64(start+1)),
		zap.Int64("to", int64(*version)))
	return nil
}

// drain reads exactly want messages off cursor, verifying strictly
// increasing versions.
func drain(ctx context.Context, cursor logsystem.PeekCursor, want int) (int, error) {
	read := 0
	last := tlog.InvalidVersion
	for read < want {
		m, err := cursor.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return read, err
		}
		if m.Version <= last {
			return read, fmt.Errorf("version %d after %d", m.Version, last)
		}
		last = m.Version
		read++
	}
	return read, nil
}
