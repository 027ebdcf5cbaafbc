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
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Policy is a replication requirement over locality records. The variant set
// is closed: One, Across and And are the only implementations.
type Policy interface {
	fmt.Stringer
	json.Marshaler

	// validate reports whether the records at group (indices into s) satisfy
	// the policy.
	validate(s *Set, group []int) bool

	// selectReplicas extends also (indices into s, restricted to group) with
	// further indices from group so that the union satisfies the policy,
	// appending the additions to chosen. It keeps additions to a minimum and
	// is deterministic: equal inputs yield equal additions.
	selectReplicas(s *Set, group, also []int, chosen *[]int) bool
}

// One is satisfied by any single record.
type One struct{}

// Across requires Count groups of records, distinct in the attribute Key,
// with each group satisfying Sub. Records without the attribute are ignored.
type Across struct {
	Count int
	Key   string
	Sub   Policy
}

// And is satisfied when every sub-policy is satisfied by the same records.
type And struct {
	Subs []Policy
}

func (*One) String() string { return "One()" }

func (p *Across) String() string {
	return fmt.Sprintf("Across(%d, %q, %s)", p.Count, p.Key, p.Sub)
}

func (p *And) String() string {
	parts := make([]string, len(p.Subs))
	for i, sub := range p.Subs {
		parts[i] = sub.String()
	}
	return fmt.Sprintf("And(%s)", strings.Join(parts, ", "))
}

func (*One) validate(s *Set, group []int) bool {
	return len(group) >= 1
}

func (*One) selectReplicas(s *Set, group, also []int, chosen *[]int) bool {
	if len(also) > 0 {
		return true
	}
	if len(group) == 0 {
		return false
	}
	best := group[0]
	for _, i := range group[1:] {
		if i < best {
			best = i
		}
	}
	*chosen = append(*chosen, best)
	return true
}

// groupByKey partitions group by the value of key, dropping records that do
// not carry the attribute. The returned values are sorted so that callers
// iterate groups in a fixed order.
func (p *Across) groupByKey(s *Set, group []int) (values []string, groups map[string][]int) {
	groups = make(map[string][]int)
	for _, i := range group {
		v, ok := s.records[i].Get(p.Key)
		if !ok {
			continue
		}
		groups[v] = append(groups[v], i)
	}
	values = make([]string, 0, len(groups))
	for v := range groups {
		values = append(values, v)
	}
	sort.Strings(values)
	return values, groups
}

func (p *Across) validate(s *Set, group []int) bool {
	values, groups := p.groupByKey(s, group)
	satisfied := 0
	for _, v := range values {
		if p.Sub.validate(s, groups[v]) {
			satisfied++
		}
	}
	return satisfied >= p.Count
}

func (p *Across) selectReplicas(s *Set, group, also []int, chosen *[]int) bool {
	values, groups := p.groupByKey(s, group)
	alsoSet := make(map[int]bool, len(also))
	for _, i := range also {
		alsoSet[i] = true
	}
	alsoIn := make(map[string][]int)
	for _, v := range values {
		for _, i := range groups[v] {
			if alsoSet[i] {
				alsoIn[v] = append(alsoIn[v], i)
			}
		}
	}

	satisfied := 0
	done := make(map[string]bool)
	// Groups already satisfied by the fixed records cost nothing.
	for _, v := range values {
		if len(alsoIn[v]) > 0 && p.Sub.validate(s, alsoIn[v]) {
			done[v] = true
			satisfied++
		}
	}
	// Then groups that contain fixed records but need topping up.
	for _, v := range values {
		if satisfied >= p.Count {
			break
		}
		if done[v] || len(alsoIn[v]) == 0 {
			continue
		}
		add := []int{}
		if p.Sub.selectReplicas(s, groups[v], alsoIn[v], &add) {
			*chosen = append(*chosen, add...)
			done[v] = true
			satisfied++
		}
	}
	// Finally fresh groups, in attribute-value order.
	for _, v := range values {
		if satisfied >= p.Count {
			break
		}
		if done[v] {
			continue
		}
		add := []int{}
		if p.Sub.selectReplicas(s, groups[v], nil, &add) {
			*chosen = append(*chosen, add...)
			done[v] = true
			satisfied++
		}
	}
	return satisfied >= p.Count
}

func (p *And) validate(s *Set, group []int) bool {
	for _, sub := range p.Subs {
		if !sub.validate(s, group) {
			return false
		}
	}
	return true
}

func (p *And) selectReplicas(s *Set, group, also []int, chosen *[]int) bool {
	for _, sub := range p.Subs {
		// Additions made for earlier sub-policies count toward later ones.
		combined := append(append([]int{}, also...), *chosen...)
		if !sub.selectReplicas(s, group, combined, chosen) {
			return false
		}
	}
	return true
}

// policyJSON is the tagged wire form of a Policy, used inside the durable
// coordinated-state record.
type policyJSON struct {
	Type  string            `json:"type"`
	Count int               `json:"count,omitempty"`
	Key   string            `json:"key,omitempty"`
	Sub   json.RawMessage   `json:"sub,omitempty"`
	Subs  []json.RawMessage `json:"subs,omitempty"`
}

func (*One) MarshalJSON() ([]byte, error) {
	return json.Marshal(policyJSON{Type: "one"})
}

func (p *Across) MarshalJSON() ([]byte, error) {
	sub, err := json.Marshal(p.Sub)
	if err != nil {
		return nil, err
	}
	return json.Marshal(policyJSON{Type: "across", Count: p.Count, Key: p.Key, Sub: sub})
}

func (p *And) MarshalJSON() ([]byte, error) {
	subs := make([]json.RawMessage, len(p.Subs))
	for i, sub := range p.Subs {
		b, err := json.Marshal(sub)
		if err != nil {
			return nil, err
		}
		subs[i] = b
	}
	return json.Marshal(policyJSON{Type: "and", Subs: subs})
}

// DecodePolicy parses the tagged JSON form produced by marshaling a Policy.
func DecodePolicy(b []byte) (Policy, error) {
	var raw policyJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "decode replication policy")
	}
	switch raw.Type {
	case "one":
		return &One{}, nil
	case "across":
		if raw.Sub == nil {
			return nil, errors.New("across policy missing sub-policy")
		}
		sub, err := DecodePolicy(raw.Sub)
		if err != nil {
			return nil, err
		}
		return &Across{Count: raw.Count, Key: raw.Key, Sub: sub}, nil
	case "and":
		subs := make([]Policy, len(raw.Subs))
		for i, rawSub := range raw.Subs {
			sub, err := DecodePolicy(rawSub)
			if err != nil {
				return nil, err
			}
			subs[i] = sub
		}
		return &And{Subs: subs}, nil
	default:
		return nil, errors.Errorf("unknown replication policy type %q", raw.Type)
	}
}
