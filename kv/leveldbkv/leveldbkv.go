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

// Package leveldbkv backs the kv interface with a leveldb database. Every
// write is synced to disk before it is acknowledged; the coordinator treats
// an acknowledged core-state record as durable.
package leveldbkv

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/yahoo/taglog/kv"
)

type store struct {
	db *leveldb.DB
	wo *opt.WriteOptions
}

var _ kv.DB = (*store)(nil)

// Wrap adapts an open leveldb handle to kv.DB.
func Wrap(db *leveldb.DB) kv.DB {
	return &store{db: db, wo: &opt.WriteOptions{Sync: true}}
}

// Open opens the database at path, creating it if necessary.
func Open(path string) (kv.DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open leveldb")
	}
	return Wrap(db), nil
}

func (s *store) Get(key []byte) ([]byte, error) {
	return s.db.Get(key, nil)
}

func (s *store) Put(key, value []byte) error {
	return s.db.Put(key, value, s.wo)
}

func (s *store) Delete(key []byte) error {
	return s.db.Delete(key, s.wo)
}

func (s *store) NewBatch() kv.Batch {
	return new(leveldb.Batch)
}

func (s *store) Write(b kv.Batch) error {
	wb, ok := b.(*leveldb.Batch)
	if !ok {
		return errors.Errorf("write batch of unexpected type %T", b)
	}
	return s.db.Write(wb, s.wo)
}

func (s *store) NewIterator(rg *kv.Range) kv.Iterator {
	if rg == nil {
		return s.db.NewIterator(nil, nil)
	}
	return s.db.NewIterator(&util.Range{Start: rg.Start, Limit: rg.Limit}, nil)
}

func (s *store) ErrNotFound() error {
	return leveldb.ErrNotFound
}
