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

// Package logsystem coordinates a tag-partitioned set of transaction log
// servers: it replicates commits across them, serves tag-ordered reads that
// stitch across epochs, trims consumed data, and recovers a consistent prefix
// of the log when an epoch ends.
//
// A LogSystem value represents one epoch (possibly frozen, if it has ended)
// together with the prior epochs still holding unconsumed data. Recovery is a
// pipeline: RecoverAndEndEpoch locks the previous epoch's servers and
// publishes progressively better frozen systems; NewEpoch recruits a fresh
// log set on top of one of them.
package logsystem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yahoo/taglog/concurrent"
	"github.com/yahoo/taglog/corestate"
	"github.com/yahoo/taglog/locality"
	"github.com/yahoo/taglog/tlog"
)

// logSet is one epoch's servers: live handles, failure cells and the
// replication parameters commits to this epoch obeyed.
type logSet struct {
	servers           []*concurrent.AsyncVar[tlog.OptionalInterface]
	failed            []*concurrent.AsyncVar[bool]
	localities        []locality.Data
	replicationFactor int
	writeAntiQuorum   int
	policy            locality.Policy
	// endVersion is the exclusive upper bound of the epoch's commits, or
	// InvalidVersion while the epoch is live.
	endVersion tlog.Version
}

func newLogSet(conf tlog.Conf, end tlog.Version) *logSet {
	s := &logSet{
		localities:        conf.Localities,
		replicationFactor: conf.ReplicationFactor,
		writeAntiQuorum:   conf.WriteAntiQuorum,
		policy:            conf.Policy,
		endVersion:        end,
	}
	for _, server := range conf.Servers {
		s.servers = append(s.servers, concurrent.NewAsyncVar(server))
		s.failed = append(s.failed, concurrent.NewAsyncVar(!server.Present()))
	}
	return s
}

func (s *logSet) conf() tlog.Conf {
	c := tlog.Conf{
		Localities:        s.localities,
		ReplicationFactor: s.replicationFactor,
		WriteAntiQuorum:   s.writeAntiQuorum,
		Policy:            s.policy,
	}
	for _, h := range s.servers {
		c.Servers = append(c.Servers, h.Get())
	}
	return c
}

func (s *logSet) ids() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.servers))
	for i, h := range s.servers {
		ids[i] = h.Get().UID
	}
	return ids
}

func (s *logSet) localitySet() *locality.Set {
	return locality.NewSet(s.localities)
}

// pushLocationsFor returns the sorted server indices that must receive a
// message carrying tags. Each tag's primary location is tag mod the set size;
// the policy chooses the remaining replicas around it.
func (s *logSet) pushLocationsFor(tags []tlog.Tag) []int {
	if len(s.servers) == 0 {
		return nil
	}
	set := s.localitySet()
	locs := make(map[int]struct{})
	for _, tag := range tags {
		primary := int(tag) % len(s.servers)
		locs[primary] = struct{}{}
		extra, ok := set.SelectReplicas(s.policy, []int{primary})
		if !ok {
			// Not enough distinct localities to satisfy the policy; fall
			// back to writing everywhere.
			for i := range s.servers {
				locs[i] = struct{}{}
			}
			continue
		}
		for _, i := range extra {
			locs[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(locs))
	for i := range locs {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// peekLocationsFor returns the server indices a merged read of tag polls: the
// tag's primary first, then further servers until the set holds
// len(servers)+1-replicationFactor members. A set of that size intersects
// every replication set, so at least one member holds the tag's data.
func (s *logSet) peekLocationsFor(tag tlog.Tag) []int {
	n := len(s.servers)
	if n == 0 {
		return nil
	}
	want := n + 1 - s.replicationFactor
	if want < 1 {
		want = 1
	}
	if want > n {
		want = n
	}
	primary := int(tag) % n
	out := []int{primary}
	seen := map[int]bool{primary: true}
	for _, i := range s.pushLocationsFor([]tlog.Tag{tag}) {
		if len(out) >= want {
			return out
		}
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	for d := 1; len(out) < want; d++ {
		i := (primary + d) % n
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}

// LogSystem is the coordinator handle for one epoch and its recoverable
// predecessors.
type LogSystem struct {
	logger  *zap.Logger
	clk     clock.Clock
	knobs   Knobs
	debugID uuid.UUID

	actors       *concurrent.ActorCollection
	rejoinActors *concurrent.ActorCollection
	rejoins      chan tlog.RejoinRequest

	epoch                 int64
	recoveredAt           tlog.Version
	knownCommittedVersion tlog.Version
	// epochEndVersion is set on frozen systems produced by epoch end.
	epochEndVersion tlog.Version
	epochEndTags    []tlog.Tag

	tLogs      *logSet
	oldLogData []*logSet // newest first; every entry has an endVersion

	mu              sync.Mutex
	outstandingPops map[popKey]tlog.Version
	popActive       map[popKey]bool

	recoveryCompleteWritten *concurrent.AsyncVar[bool]
	configChanged           *concurrent.AsyncVar[uint64]
	coreStateChanged        *concurrent.AsyncVar[uint64]
}

func newLogSystem(ctx context.Context, logger *zap.Logger, clk clock.Clock, knobs Knobs, epoch int64) *LogSystem {
	return &LogSystem{
		logger:                  logger,
		clk:                     clk,
		knobs:                   knobs,
		debugID:                 uuid.New(),
		actors:                  concurrent.NewActorCollection(ctx),
		rejoinActors:            concurrent.NewActorCollection(ctx),
		rejoins:                 make(chan tlog.RejoinRequest),
		epoch:                   epoch,
		recoveredAt:             tlog.InvalidVersion,
		knownCommittedVersion:   tlog.InvalidVersion,
		epochEndVersion:         tlog.InvalidVersion,
		outstandingPops:         make(map[popKey]tlog.Version),
		popActive:               make(map[popKey]bool),
		recoveryCompleteWritten: concurrent.NewAsyncVar(false),
		configChanged:           concurrent.NewAsyncVar[uint64](0),
		coreStateChanged:        concurrent.NewAsyncVar[uint64](0),
	}
}

// start launches the per-server failure monitors and the rejoin tracker.
func (ls *LogSystem) start() {
	for _, set := range append([]*logSet{ls.tLogs}, ls.oldLogData...) {
		if set == nil {
			continue
		}
		for i := range set.servers {
			handle, failed := set.servers[i], set.failed[i]
			ls.actors.Add(func(ctx context.Context) error {
				return ls.monitorLog(ctx, handle, failed)
			})
		}
	}
	ls.rejoinActors.Add(ls.trackRejoins)
}

// FromConfig builds a live LogSystem around an existing configuration. The
// returned system runs until ctx is canceled or Stop is called.
func FromConfig(ctx context.Context, logger *zap.Logger, clk clock.Clock, knobs Knobs, epoch int64, conf *tlog.LogSystemConfig) (*LogSystem, error) {
	if conf.Type != tlog.LogSystemTagPartitioned {
		return nil, fmt.Errorf("cannot build a log system from configuration type %d: %w", conf.Type, tlog.ErrInternal)
	}
	ls := newLogSystem(ctx, logger, clk, knobs, epoch)
	ls.tLogs = newLogSet(conf.TLogs, tlog.InvalidVersion)
	for _, old := range conf.OldTLogs {
		ls.oldLogData = append(ls.oldLogData, newLogSet(old.Conf, old.EndVersion))
	}
	ls.start()
	return ls, nil
}

// FromOldConfig builds a read-only LogSystem positioned at the newest prior
// epoch of conf. Recovering log servers use it to peek the data they must
// copy out of the previous generation.
func FromOldConfig(ctx context.Context, logger *zap.Logger, clk clock.Clock, knobs Knobs, conf *tlog.LogSystemConfig) (*LogSystem, error) {
	if len(conf.OldTLogs) == 0 {
		return FromConfig(ctx, logger, clk, knobs, 0, conf)
	}
	ls := newLogSystem(ctx, logger, clk, knobs, 0)
	newest := conf.OldTLogs[0]
	ls.tLogs = newLogSet(newest.Conf, newest.EndVersion)
	ls.epochEndVersion = newest.EndVersion - 1
	for _, old := range conf.OldTLogs[1:] {
		ls.oldLogData = append(ls.oldLogData, newLogSet(old.Conf, old.EndVersion))
	}
	ls.start()
	return ls, nil
}

// Stop cancels every goroutine the system owns.
func (ls *LogSystem) Stop() {
	ls.rejoinActors.Stop()
	ls.actors.Stop()
}

// OnError blocks until a background failure occurs or ctx is done.
func (ls *LogSystem) OnError(ctx context.Context) error {
	select {
	case <-ls.actors.Done():
		return ls.actors.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetDebugID identifies this coordinator instance in logs and traces.
func (ls *LogSystem) GetDebugID() uuid.UUID { return ls.debugID }

// Epoch returns the recovery count of the epoch this system coordinates.
func (ls *LogSystem) Epoch() int64 { return ls.epoch }

// Describe summarizes the system for debugging.
func (ls *LogSystem) Describe() string {
	n := 0
	if ls.tLogs != nil {
		n = len(ls.tLogs.servers)
	}
	return fmt.Sprintf("LogSystem[%s] epoch=%d logs=%d old=%d end=%d kcv=%d",
		ls.debugID, ls.epoch, n, len(ls.oldLogData), ls.epochEndVersion, ls.knownCommittedVersion)
}

// GetEnd returns the first version after the epoch's recovered data. Valid
// only on frozen systems produced by epoch end.
func (ls *LogSystem) GetEnd() tlog.Version {
	if ls.epochEndVersion == tlog.InvalidVersion {
		return tlog.InvalidVersion
	}
	return ls.epochEndVersion + 1
}

// GetPeekEnd is the exclusive bound readers should peek to: the recovered
// end on frozen systems, effectively unbounded on live ones.
func (ls *LogSystem) GetPeekEnd() tlog.Version {
	if end := ls.GetEnd(); end != tlog.InvalidVersion {
		return end
	}
	return tlog.Version(1<<63 - 1)
}

// KnownCommittedVersion returns the highest version known durable on a full
// write quorum when the epoch ended.
func (ls *LogSystem) KnownCommittedVersion() tlog.Version { return ls.knownCommittedVersion }

// EpochEndTags returns every tag the previous epoch held data for, as
// discovered while locking its servers.
func (ls *LogSystem) EpochEndTags() []tlog.Tag {
	out := make([]tlog.Tag, len(ls.epochEndTags))
	copy(out, ls.epochEndTags)
	return out
}

// GetPushLocations returns the current-epoch server indices that must
// receive a message carrying tags.
func (ls *LogSystem) GetPushLocations(tags []tlog.Tag) []int {
	return ls.tLogs.pushLocationsFor(tags)
}

// GetLogSystemConfig snapshots the system, including live connections. Prior
// epochs are omitted once the recovery-complete record has been persisted;
// nobody needs them after that.
func (ls *LogSystem) GetLogSystemConfig() *tlog.LogSystemConfig {
	conf := &tlog.LogSystemConfig{
		Type:        tlog.LogSystemTagPartitioned,
		LogSystemID: ls.debugID,
		TLogs:       ls.tLogs.conf(),
	}
	if !ls.recoveryCompleteWritten.Get() {
		for _, old := range ls.oldLogData {
			conf.OldTLogs = append(conf.OldTLogs, tlog.OldConf{Conf: old.conf(), EndVersion: old.endVersion})
		}
	}
	return conf
}

// GetLogsValue renders the current log server identities for the systems
// that persist them alongside the core state.
func (ls *LogSystem) GetLogsValue() []byte {
	ids := ls.tLogs.ids()
	out := make([]byte, 0, len(ids)*37)
	for i, id := range ids {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, id.String()...)
	}
	return out
}

// OnLogSystemConfigChange returns a channel closed the next time the
// configuration changes, for example when a server rejoins with a fresh
// connection.
func (ls *LogSystem) OnLogSystemConfigChange() <-chan struct{} {
	return ls.configChanged.OnChange()
}

// ToCoreState renders the durable record for this system. Prior epochs are
// included until the recovery-complete record has been written.
func (ls *LogSystem) ToCoreState() *corestate.State {
	s := &corestate.State{
		LogSystemType: tlog.LogSystemTagPartitioned,
		RecoveryCount: ls.epoch,
		TLogSet: corestate.TLogSet{
			TLogs:             ls.tLogs.ids(),
			Localities:        ls.tLogs.localities,
			ReplicationFactor: ls.tLogs.replicationFactor,
			WriteAntiQuorum:   ls.tLogs.writeAntiQuorum,
			Policy:            ls.tLogs.policy,
		},
	}
	if !ls.recoveryCompleteWritten.Get() {
		for _, old := range ls.oldLogData {
			s.OldTLogs = append(s.OldTLogs, corestate.OldTLogSet{
				TLogSet: corestate.TLogSet{
					TLogs:             old.ids(),
					Localities:        old.localities,
					ReplicationFactor: old.replicationFactor,
					WriteAntiQuorum:   old.writeAntiQuorum,
					Policy:            old.policy,
				},
				EndVersion: old.endVersion,
			})
		}
	}
	return s
}

// CoreStateWritten tells the system that written is now durable. Once a
// record without prior epochs is durable, recovery is complete from the
// outside world's point of view and later snapshots stop carrying the old
// epochs.
func (ls *LogSystem) CoreStateWritten(written *corestate.State) {
	if len(written.OldTLogs) == 0 {
		ls.recoveryCompleteWritten.Set(true)
		ls.bumpCoreStateChanged()
	}
}

// OnCoreStateChanged returns a channel closed the next time ToCoreState
// would render a different record.
func (ls *LogSystem) OnCoreStateChanged() <-chan struct{} {
	return ls.coreStateChanged.OnChange()
}

func (ls *LogSystem) bumpCoreStateChanged() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.coreStateChanged.Set(ls.coreStateChanged.Get() + 1)
}

func (ls *LogSystem) bumpConfigChanged() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.configChanged.Set(ls.configChanged.Get() + 1)
}

// handleByID finds the handle cell for a server in the current or any prior
// epoch.
func (ls *LogSystem) handleByID(id uuid.UUID) *concurrent.AsyncVar[tlog.OptionalInterface] {
	for _, set := range append([]*logSet{ls.tLogs}, ls.oldLogData...) {
		if set == nil {
			continue
		}
		for _, h := range set.servers {
			if h.Get().UID == id {
				return h
			}
		}
	}
	return nil
}
