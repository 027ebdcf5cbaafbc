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

// Package corestate defines the durable record of which log servers make up
// the database: the current epoch's server identities and replication
// parameters plus the prior epochs still needed for recovery. The record
// deliberately holds identities only, never connections; a coordinator that
// reads it must relocate the servers itself.
package corestate

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/yahoo/taglog/locality"
	"github.com/yahoo/taglog/tlog"
)

// TLogSet names one epoch's log servers and how they replicate.
type TLogSet struct {
	TLogs             []uuid.UUID     `json:"tlogs"`
	Localities        []locality.Data `json:"localities"`
	ReplicationFactor int             `json:"replication_factor"`
	WriteAntiQuorum   int             `json:"write_anti_quorum"`
	Policy            locality.Policy `json:"-"`
}

// OldTLogSet is a prior epoch's set and the version its epoch ended at.
type OldTLogSet struct {
	TLogSet
	EndVersion tlog.Version `json:"end_version"`
}

// State is the coordinated-state record. OldTLogs are ordered newest first,
// matching the recovery order.
type State struct {
	LogSystemType tlog.LogSystemType `json:"log_system_type"`
	RecoveryCount int64              `json:"recovery_count"`
	TLogSet
	OldTLogs []OldTLogSet `json:"old_tlogs,omitempty"`
}

// Validate rejects records that no correct coordinator could have written.
func (s *State) Validate() error {
	switch s.LogSystemType {
	case tlog.LogSystemEmpty:
		if len(s.TLogs) > 0 {
			return errors.Wrap(tlog.ErrInternal, "empty log system type with tlogs present")
		}
	case tlog.LogSystemTagPartitioned:
	default:
		return errors.Wrapf(tlog.ErrInternal, "unknown log system type %d", s.LogSystemType)
	}
	for _, set := range append([]TLogSet{s.TLogSet}, oldSets(s.OldTLogs)...) {
		if len(set.TLogs) != len(set.Localities) {
			return errors.Wrap(tlog.ErrInternal, "tlog and locality counts differ")
		}
	}
	return nil
}

func oldSets(old []OldTLogSet) []TLogSet {
	sets := make([]TLogSet, len(old))
	for i, o := range old {
		sets[i] = o.TLogSet
	}
	return sets
}

// The policy rides inside the JSON record in its tagged form; these shadow
// types splice it in and out.

type tLogSetJSON struct {
	TLogs             []uuid.UUID     `json:"tlogs"`
	Localities        []locality.Data `json:"localities"`
	ReplicationFactor int             `json:"replication_factor"`
	WriteAntiQuorum   int             `json:"write_anti_quorum"`
	Policy            json.RawMessage `json:"policy,omitempty"`
}

func (s TLogSet) toJSON() (tLogSetJSON, error) {
	out := tLogSetJSON{
		TLogs:             s.TLogs,
		Localities:        s.Localities,
		ReplicationFactor: s.ReplicationFactor,
		WriteAntiQuorum:   s.WriteAntiQuorum,
	}
	if s.Policy != nil {
		b, err := json.Marshal(s.Policy)
		if err != nil {
			return out, err
		}
		out.Policy = b
	}
	return out, nil
}

func (j tLogSetJSON) toSet() (TLogSet, error) {
	out := TLogSet{
		TLogs:             j.TLogs,
		Localities:        j.Localities,
		ReplicationFactor: j.ReplicationFactor,
		WriteAntiQuorum:   j.WriteAntiQuorum,
	}
	if len(j.Policy) > 0 {
		p, err := locality.DecodePolicy(j.Policy)
		if err != nil {
			return out, err
		}
		out.Policy = p
	}
	return out, nil
}

type oldTLogSetJSON struct {
	tLogSetJSON
	EndVersion tlog.Version `json:"end_version"`
}

type stateJSON struct {
	LogSystemType tlog.LogSystemType `json:"log_system_type"`
	RecoveryCount int64              `json:"recovery_count"`
	tLogSetJSON
	OldTLogs []oldTLogSetJSON `json:"old_tlogs,omitempty"`
}

// Encode serializes the record.
func Encode(s *State) ([]byte, error) {
	cur, err := s.TLogSet.toJSON()
	if err != nil {
		return nil, errors.Wrap(err, "encode core state")
	}
	out := stateJSON{
		LogSystemType: s.LogSystemType,
		RecoveryCount: s.RecoveryCount,
		tLogSetJSON:   cur,
	}
	for _, o := range s.OldTLogs {
		oj, err := o.TLogSet.toJSON()
		if err != nil {
			return nil, errors.Wrap(err, "encode core state")
		}
		out.OldTLogs = append(out.OldTLogs, oldTLogSetJSON{tLogSetJSON: oj, EndVersion: o.EndVersion})
	}
	return json.Marshal(out)
}

// Decode parses and validates a record produced by Encode.
func Decode(b []byte) (*State, error) {
	var raw stateJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "decode core state")
	}
	cur, err := raw.tLogSetJSON.toSet()
	if err != nil {
		return nil, errors.Wrap(err, "decode core state")
	}
	s := &State{
		LogSystemType: raw.LogSystemType,
		RecoveryCount: raw.RecoveryCount,
		TLogSet:       cur,
	}
	for _, oj := range raw.OldTLogs {
		set, err := oj.tLogSetJSON.toSet()
		if err != nil {
			return nil, errors.Wrap(err, "decode core state")
		}
		s.OldTLogs = append(s.OldTLogs, OldTLogSet{TLogSet: set, EndVersion: oj.EndVersion})
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
