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

package corestate

import (
	"github.com/pkg/errors"

	"github.com/yahoo/taglog/kv"
)

var stateKey = []byte("taglog/corestate")

// Store persists the coordinated-state record in a kv database. Writes are
// synchronous; once Write returns, a crashed coordinator's successor will
// read the new record.
type Store struct {
	db kv.DB
}

func NewStore(db kv.DB) *Store {
	return &Store{db: db}
}

// Read loads the current record. It returns nil with no error when no record
// has been written yet.
func (s *Store) Read() (*State, error) {
	b, err := s.db.Get(stateKey)
	if err == s.db.ErrNotFound() {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read core state")
	}
	return Decode(b)
}

// Write replaces the record.
func (s *Store) Write(st *State) error {
	if err := st.Validate(); err != nil {
		return err
	}
	b, err := Encode(st)
	if err != nil {
		return err
	}
	wb := s.db.NewBatch()
	wb.Put(stateKey, b)
	return errors.Wrap(s.db.Write(wb), "write core state")
}
