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

// Package tracekv reports every mutation applied through a kv.DB. The
// coordinator's core-state writes go through exactly one batch per record;
// tests assert that shape and the simulator logs it.
package tracekv

import (
	"go.uber.org/zap"

	"github.com/pkg/errors"

	"github.com/yahoo/taglog/kv"
)

// Mutation is one applied change: a Put of Value at Key, or a Delete of Key.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Observe returns a kv.DB that calls report after every applied mutation.
// Direct Puts and Deletes report a single-element slice; a batch Write
// reports the batch's mutations in order, in one call.
func Observe(db kv.DB, report func([]Mutation)) kv.DB {
	return &observed{DB: db, report: report}
}

// WithLogging returns a kv.DB that debug-logs every mutation to logger.
func WithLogging(db kv.DB, logger *zap.Logger) kv.DB {
	return Observe(db, func(ms []Mutation) {
		for _, m := range ms {
			logger.Debug("kv mutation",
				zap.ByteString("key", m.Key),
				zap.Int("value_bytes", len(m.Value)),
				zap.Bool("delete", m.Delete),
			)
		}
	})
}

type observed struct {
	kv.DB
	report func([]Mutation)
}

func (o *observed) Put(key, value []byte) error {
	err := o.DB.Put(key, value)
	o.report([]Mutation{{Key: key, Value: value}})
	return err
}

func (o *observed) Delete(key []byte) error {
	err := o.DB.Delete(key)
	o.report([]Mutation{{Key: key, Delete: true}})
	return err
}

func (o *observed) NewBatch() kv.Batch {
	return &recordingBatch{inner: o.DB.NewBatch()}
}

func (o *observed) Write(b kv.Batch) error {
	rb, ok := b.(*recordingBatch)
	if !ok {
		return errors.Errorf("write batch of unexpected type %T", b)
	}
	err := o.DB.Write(rb.inner)
	o.report(rb.recorded)
	return err
}

type recordingBatch struct {
	inner    kv.Batch
	recorded []Mutation
}

func (b *recordingBatch) Reset() {
	b.recorded = nil
	b.inner.Reset()
}

func (b *recordingBatch) Put(key, value []byte) {
	b.recorded = append(b.recorded, Mutation{Key: key, Value: value})
	b.inner.Put(key, value)
}

func (b *recordingBatch) Delete(key []byte) {
	b.recorded = append(b.recorded, Mutation{Key: key, Delete: true})
	b.inner.Delete(key)
}
