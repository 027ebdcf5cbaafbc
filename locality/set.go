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

// Set is an indexed collection of locality records against which policies are
// evaluated. Indices into the set are stable; callers identify servers by
// their position.
type Set struct {
	records []Data
}

// NewSet builds a Set over records. The slice is not copied.
func NewSet(records []Data) *Set {
	return &Set{records: records}
}

// Size returns the number of records.
func (s *Set) Size() int { return len(s.records) }

// Record returns the record at index i.
func (s *Set) Record(i int) Data { return s.records[i] }

// Validate reports whether the records at group satisfy p.
func (s *Set) Validate(p Policy, group []int) bool {
	return p.validate(s, group)
}

// SelectReplicas chooses additional records so that also plus the result
// satisfies p. It returns the chosen indices (not including also) and whether
// a satisfying selection exists. The selection is deterministic and keeps the
// number of additions low, preferring records that share groups with also.
func (s *Set) SelectReplicas(p Policy, also []int) ([]int, bool) {
	group := make([]int, len(s.records))
	for i := range s.records {
		group[i] = i
	}
	chosen := []int{}
	if !p.selectReplicas(s, group, also, &chosen) {
		return nil, false
	}
	return chosen, true
}

// ValidateAllCombinations reports whether every way of extending unresponsive
// with k records drawn from available agrees with checkIfValid: with
// checkIfValid false it returns true iff no such extension satisfies p, and
// with checkIfValid true iff every extension does. k larger than len(available)
// is vacuously true; k == 0 checks the unresponsive set alone.
func ValidateAllCombinations(unresponsive []Data, p Policy, available []Data, k int, checkIfValid bool) bool {
	if k > len(available) {
		return true
	}
	records := make([]Data, 0, len(unresponsive)+len(available))
	records = append(records, unresponsive...)
	records = append(records, available...)
	s := NewSet(records)

	group := make([]int, len(unresponsive), len(unresponsive)+k)
	for i := range unresponsive {
		group[i] = i
	}
	return combinationsAgree(s, p, group, len(unresponsive), len(records), k, checkIfValid)
}

// combinationsAgree extends group with k further indices from [next, limit)
// and checks each complete extension against want.
func combinationsAgree(s *Set, p Policy, group []int, next, limit, k int, want bool) bool {
	if k == 0 {
		return p.validate(s, group) == want
	}
	for i := next; i <= limit-k; i++ {
		if !combinationsAgree(s, p, append(group, i), i+1, limit, k-1, want) {
			return false
		}
	}
	return true
}
