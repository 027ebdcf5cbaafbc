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

// Package locality describes where log servers run and which spreads of
// servers a replication policy accepts. A policy is a closed set of variants
// (One, Across, And) evaluated over sets of locality records; the evaluator
// both checks candidate replica sets and selects minimal additional replicas.
package locality

// Attribute keys understood by Across policies. A record field left empty is
// an unset attribute and never matches.
const (
	KeyProcessID = "processid"
	KeyMachineID = "machineid"
	KeyZoneID    = "zoneid"
	KeyDataHall  = "data_hall"
	KeyDCID      = "dcid"
)

// Data is the locality attribute bag attached to each log server.
type Data struct {
	ProcessID string `json:"processid,omitempty"`
	MachineID string `json:"machineid,omitempty"`
	ZoneID    string `json:"zoneid,omitempty"`
	DataHall  string `json:"data_hall,omitempty"`
	DCID      string `json:"dcid,omitempty"`
}

// Get returns the value of the named attribute and whether it is set.
func (d Data) Get(key string) (string, bool) {
	var v string
	switch key {
	case KeyProcessID:
		v = d.ProcessID
	case KeyMachineID:
		v = d.MachineID
	case KeyZoneID:
		v = d.ZoneID
	case KeyDataHall:
		v = d.DataHall
	case KeyDCID:
		v = d.DCID
	}
	return v, v != ""
}
