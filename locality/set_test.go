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

package locality

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zoned(zones ...string) []Data {
	records := make([]Data, len(zones))
	for i, z := range zones {
		records[i] = Data{ZoneID: z, MachineID: z + "-m0"}
	}
	return records
}

func TestValidateOne(t *testing.T) {
	s := NewSet(zoned("a"))
	assert.True(t, s.Validate(&One{}, []int{0}))
	assert.False(t, s.Validate(&One{}, nil))
}

func TestValidateAcrossZones(t *testing.T) {
	s := NewSet(zoned("a", "a", "b", "c"))
	p := &Across{Count: 2, Key: KeyZoneID, Sub: &One{}}
	assert.True(t, s.Validate(p, []int{0, 2}))
	assert.True(t, s.Validate(p, []int{0, 1, 2, 3}))
	assert.False(t, s.Validate(p, []int{0, 1}), "two records in one zone are one group")
	assert.False(t, s.Validate(p, []int{3}))
}

func TestValidateIgnoresRecordsWithoutAttribute(t *testing.T) {
	s := NewSet([]Data{{ZoneID: "a"}, {MachineID: "m"}})
	p := &Across{Count: 2, Key: KeyZoneID, Sub: &One{}}
	assert.False(t, s.Validate(p, []int{0, 1}))
}

func TestValidateAnd(t *testing.T) {
	s := NewSet([]Data{
		{ZoneID: "a", DataHall: "h1"},
		{ZoneID: "b", DataHall: "h1"},
		{ZoneID: "c", DataHall: "h2"},
	})
	p := &And{Subs: []Policy{
		&Across{Count: 3, Key: KeyZoneID, Sub: &One{}},
		&Across{Count: 2, Key: KeyDataHall, Sub: &One{}},
	}}
	assert.True(t, s.Validate(p, []int{0, 1, 2}))
	assert.False(t, s.Validate(p, []int{0, 1}))
}

func TestSelectReplicasMinimal(t *testing.T) {
	s := NewSet(zoned("a", "a", "b", "c"))
	p := &Across{Count: 2, Key: KeyZoneID, Sub: &One{}}

	chosen, ok := s.SelectReplicas(p, nil)
	require.True(t, ok)
	assert.Len(t, chosen, 2)
	assert.True(t, s.Validate(p, chosen))
}

func TestSelectReplicasPrefersAlso(t *testing.T) {
	s := NewSet(zoned("a", "a", "b", "c"))
	p := &Across{Count: 2, Key: KeyZoneID, Sub: &One{}}

	chosen, ok := s.SelectReplicas(p, []int{3})
	require.True(t, ok)
	assert.Len(t, chosen, 1, "zone c is already covered, one more zone suffices")
	assert.True(t, s.Validate(p, append(chosen, 3)))
}

func TestSelectReplicasDeterministic(t *testing.T) {
	s := NewSet(zoned("b", "a", "c", "a", "b"))
	p := &Across{Count: 3, Key: KeyZoneID, Sub: &One{}}

	first, ok := s.SelectReplicas(p, nil)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := s.SelectReplicas(p, nil)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestSelectReplicasImpossible(t *testing.T) {
	s := NewSet(zoned("a", "a"))
	p := &Across{Count: 2, Key: KeyZoneID, Sub: &One{}}
	_, ok := s.SelectReplicas(p, nil)
	assert.False(t, ok)
}

func TestValidateAllCombinations(t *testing.T) {
	p := &Across{Count: 2, Key: KeyZoneID, Sub: &One{}}
	unresponsive := zoned("a")

	// No single extra record from zone a can make the unresponsive set span
	// two zones.
	assert.True(t, ValidateAllCombinations(unresponsive, p, zoned("a", "a"), 1, false))

	// A record from zone b can.
	assert.False(t, ValidateAllCombinations(unresponsive, p, zoned("a", "b"), 1, false))
}

func TestValidateAllCombinationsZeroSize(t *testing.T) {
	p := &Across{Count: 2, Key: KeyZoneID, Sub: &One{}}
	assert.True(t, ValidateAllCombinations(zoned("a"), p, nil, 0, false))
	assert.False(t, ValidateAllCombinations(zoned("a", "b"), p, nil, 0, false))
	assert.True(t, ValidateAllCombinations(zoned("a", "b"), p, nil, 0, true))
}

func TestValidateAllCombinationsVacuous(t *testing.T) {
	p := &Across{Count: 2, Key: KeyZoneID, Sub: &One{}}
	assert.True(t, ValidateAllCombinations(zoned("a"), p, zoned("b"), 2, false))
}

func TestPolicyJSONRoundTrip(t *testing.T) {
	p := &And{Subs: []Policy{
		&Across{Count: 2, Key: KeyZoneID, Sub: &One{}},
		&Across{Count: 2, Key: KeyDataHall, Sub: &Across{Count: 1, Key: KeyMachineID, Sub: &One{}}},
	}}
	b, err := json.Marshal(p)
	require.NoError(t, err)

	decoded, err := DecodePolicy(b)
	require.NoError(t, err)
	assert.Equal(t, p.String(), decoded.String())
}

func TestDecodePolicyRejectsUnknownType(t *testing.T) {
	_, err := DecodePolicy([]byte(`{"type":"every"}`))
	assert.Error(t, err)
}
