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

// Package tlog defines the interface between the log-system coordinator and
// the transaction log servers it drives: commit, peek, pop, lock and the
// recovery handshakes. Implementations live elsewhere (tlogtest provides the
// in-memory one); this package only carries the types that cross the wire.
package tlog

import (
	"context"

	"github.com/google/uuid"

	"github.com/yahoo/taglog/locality"
)

// Version numbers commits. Versions are assigned by the master and are
// strictly increasing within and across epochs.
type Version int64

// InvalidVersion marks an unset version field.
const InvalidVersion Version = -1

// Tag partitions the commit stream. Every mutation is annotated with the tags
// of its destinations; consumers peek and pop by tag. Tags are small
// non-negative integers.
type Tag int32

// InvalidTag marks an unset tag field.
const InvalidTag Tag = -1

// Message is one tagged payload inside a commit.
type Message struct {
	Tags    []Tag
	Payload []byte
}

// VersionedMessage is a payload as returned from a peek, annotated with the
// version of the commit that carried it.
type VersionedMessage struct {
	Version Version
	Payload []byte
}

// CommitRequest carries one version's worth of tagged mutations to a log
// server. PrevVersion chains commits: a server only durably accepts Version
// once it holds PrevVersion.
type CommitRequest struct {
	DebugID               uuid.UUID
	PrevVersion           Version
	Version               Version
	KnownCommittedVersion Version
	Messages              []Message
}

// PeekRequest asks a server for the messages of one tag starting at Begin.
type PeekRequest struct {
	Tag   Tag
	Begin Version
	// ReturnIfBlocked makes the server answer immediately instead of waiting
	// for data at Begin to arrive.
	ReturnIfBlocked bool
}

// PeekReply carries the messages a server holds for a tag. End is the
// exclusive upper bound of the reply: the server has returned everything it
// has for the tag below End. Messages are ordered by version.
type PeekReply struct {
	Messages []VersionedMessage
	End      Version
	// Stopped reports that the server no longer accepts commits. An empty
	// reply from a stopped server means the tag is exhausted there, not that
	// the reader has merely caught up.
	Stopped bool
}

// LockResult is a server's answer to a lock request during epoch end. After
// replying, the server accepts no further commits.
type LockResult struct {
	// End is the version of the server's last durable commit.
	End Version
	// KnownCommittedVersion is the highest version the server knows to have
	// been durable on a full quorum.
	KnownCommittedVersion Version
	// Tags lists every tag the server holds data for.
	Tags []Tag
}

// Interface is a live connection to one transaction log server. All methods
// respect ctx; transport failures and server-side stops surface as errors.
type Interface interface {
	// ID identifies the server. It stays fixed across reconnects of the same
	// incarnation and changes when the server is re-recruited.
	ID() uuid.UUID

	// Commit appends one version. It returns once the version is durable on
	// this server.
	Commit(ctx context.Context, req CommitRequest) error

	// Peek reads messages for one tag.
	Peek(ctx context.Context, req PeekRequest) (*PeekReply, error)

	// Pop discards the server's data for tag at versions below upTo.
	Pop(ctx context.Context, tag Tag, upTo Version) error

	// Lock stops the server accepting commits and reports its final state.
	Lock(ctx context.Context) (*LockResult, error)

	// ConfirmRunning verifies the server is alive and still unlocked.
	ConfirmRunning(ctx context.Context, debugID uuid.UUID) error

	// RecoveryFinished tells the server the epoch it was recruited for has
	// fully recovered; it may discard recovery state.
	RecoveryFinished(ctx context.Context) error

	// WaitFailure blocks until the failure monitor considers the server
	// failed, then returns nil. It returns ctx.Err() on cancellation.
	WaitFailure(ctx context.Context) error
}

// OptionalInterface names a log server whose connection may be missing. The
// identity is always known; Client is nil while the server is absent.
type OptionalInterface struct {
	UID    uuid.UUID
	Client Interface
}

// Present reports whether a connection to the server is available.
func (o OptionalInterface) Present() bool { return o.Client != nil }

// InitializeRequest recruits a worker into a new epoch's log set.
type InitializeRequest struct {
	RecruitmentID uuid.UUID
	// RecoverFrom describes the prior log system the new server must pull
	// recovery data out of. Nil for a brand-new database.
	RecoverFrom *LogSystemConfig
	// RecoverAt is the version the new epoch starts from.
	RecoverAt Version
	// RecoverTags lists the tags this server must recover data for.
	RecoverTags           []Tag
	KnownCommittedVersion Version
}

// Worker is a process that can host a newly recruited log server.
type Worker interface {
	Locality() locality.Data
	InitializeLog(ctx context.Context, req InitializeRequest) (Interface, error)
}

// RejoinRequest is sent by a log server that lost its connection to the
// coordinator and wants its interface re-registered. Reply receives true when
// the receiving coordinator is itself stale and the sender should look for a
// newer one.
type RejoinRequest struct {
	ID        uuid.UUID
	Interface Interface
	Reply     chan<- bool
}
