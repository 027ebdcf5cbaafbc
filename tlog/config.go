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

package tlog

import (
	"github.com/google/uuid"

	"github.com/yahoo/taglog/locality"
)

// LogSystemType distinguishes an empty placeholder from a real log system.
type LogSystemType int

const (
	// LogSystemEmpty is the type of a configuration with no logs, as found
	// in a freshly created database.
	LogSystemEmpty LogSystemType = 0
	// LogSystemTagPartitioned is the only real log system type.
	LogSystemTagPartitioned LogSystemType = 1
)

// Conf describes one epoch's log set: the servers (with possibly missing
// connections), their localities and the replication parameters.
type Conf struct {
	Servers    []OptionalInterface
	Localities []locality.Data
	// ReplicationFactor is the number of replicas each message is written to.
	ReplicationFactor int
	// WriteAntiQuorum is the number of replicas a commit may complete
	// without.
	WriteAntiQuorum int
	Policy          locality.Policy
}

// OldConf is a prior epoch's log set together with the version its epoch
// ended at (exclusive).
type OldConf struct {
	Conf
	EndVersion Version
}

// LogSystemConfig is the in-memory snapshot of a whole log system: the
// current epoch and the prior epochs still needed for recovery, newest first.
// It is how one coordinator hands its logs to another, and how recovering
// servers find the old epochs they must pull data from.
type LogSystemConfig struct {
	Type        LogSystemType
	LogSystemID uuid.UUID
	TLogs       Conf
	OldTLogs    []OldConf
}

// IsEqualIDs reports whether two configurations name the same log servers in
// the same epochs, ignoring connection state.
func (c *LogSystemConfig) IsEqualIDs(other *LogSystemConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.Type != other.Type || len(c.OldTLogs) != len(other.OldTLogs) {
		return false
	}
	if !sameServerIDs(c.TLogs.Servers, other.TLogs.Servers) {
		return false
	}
	for i := range c.OldTLogs {
		if !sameServerIDs(c.OldTLogs[i].Servers, other.OldTLogs[i].Servers) {
			return false
		}
	}
	return true
}

func sameServerIDs(a, b []OptionalInterface) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UID != b[i].UID {
			return false
		}
	}
	return true
}
