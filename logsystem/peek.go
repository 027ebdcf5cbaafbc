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
	"github.com/yahoo/taglog/concurrent"
	"github.com/yahoo/taglog/tlog"
)

// Peek returns a cursor over tag starting at begin. When begin predates the
// current epoch, the cursor stitches the prior epochs in first, switching
// sets exactly at each epoch's end version. With parallelGetMore set, the
// merged cursors pre-fetch the next batch from a drained replica while the
// caller consumes the current one.
func (ls *LogSystem) Peek(tag tlog.Tag, begin tlog.Version, parallelGetMore bool) PeekCursor {
	return ls.peek(tag, begin, false, parallelGetMore)
}

// PeekSingle is Peek reading the current epoch from only the tag's primary
// server. Prior epochs are still merged across replicas, since the primary
// of a dead epoch may be gone for good.
func (ls *LogSystem) PeekSingle(tag tlog.Tag, begin tlog.Version) PeekCursor {
	return ls.peek(tag, begin, true, false)
}

func (ls *LogSystem) peek(tag tlog.Tag, begin tlog.Version, single, lookAhead bool) PeekCursor {
	currentBegin := begin
	if len(ls.oldLogData) > 0 && begin < ls.oldLogData[0].endVersion {
		currentBegin = ls.oldLogData[0].endVersion
	}

	var currentEnd tlog.Version = tlog.InvalidVersion
	if ls.epochEndVersion != tlog.InvalidVersion {
		currentEnd = ls.epochEndVersion + 1
	}
	current := ls.peekSet(ls.tLogs, tag, currentBegin, currentEnd, single, lookAhead)
	if currentBegin == begin {
		return current
	}

	// Prior epochs, oldest first. oldLogData is newest first; epoch i covers
	// [older end, own end).
	var cursors []PeekCursor
	for i := len(ls.oldLogData) - 1; i >= 0; i-- {
		set := ls.oldLogData[i]
		segBegin := begin
		if i+1 < len(ls.oldLogData) && ls.oldLogData[i+1].endVersion > segBegin {
			segBegin = ls.oldLogData[i+1].endVersion
		}
		if segBegin >= set.endVersion {
			continue
		}
		cursors = append(cursors, ls.peekSet(set, tag, segBegin, set.endVersion, false, lookAhead))
	}
	cursors = append(cursors, current)
	return newMultiCursor(cursors, begin)
}

// peekSet builds a cursor over one epoch's read-quorum polling set for tag.
func (ls *LogSystem) peekSet(set *logSet, tag tlog.Tag, begin, end tlog.Version, single, lookAhead bool) PeekCursor {
	if len(set.servers) == 0 {
		return newMultiCursor(nil, begin)
	}
	if single {
		best := int(tag) % len(set.servers)
		return newServerPeekCursor(set.servers[best], tag, begin, end)
	}
	locations := set.peekLocationsFor(tag)
	if len(locations) == 1 {
		return newServerPeekCursor(set.servers[locations[0]], tag, begin, end)
	}
	handles := make([]*concurrent.AsyncVar[tlog.OptionalInterface], len(locations))
	for i, loc := range locations {
		handles[i] = set.servers[loc]
	}
	return newMergedPeekCursor(handles, tag, begin, end, lookAhead)
}
