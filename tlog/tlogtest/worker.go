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

package tlogtest

import (
	"context"
	"io"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yahoo/taglog/locality"
	"github.com/yahoo/taglog/logsystem"
	"github.com/yahoo/taglog/tlog"
)

// Worker hosts in-memory log servers at a fixed locality.
type Worker struct {
	logger *zap.Logger
	clk    clock.Clock
	knobs  logsystem.Knobs
	loc    locality.Data

	servers []*Server
}

var _ tlog.Worker = (*Worker)(nil)

func NewWorker(logger *zap.Logger, clk clock.Clock, knobs logsystem.Knobs, loc locality.Data) *Worker {
	return &Worker{logger: logger, clk: clk, knobs: knobs, loc: loc}
}

func (w *Worker) Locality() locality.Data { return w.loc }

// Servers returns every server this worker has hosted, oldest first.
func (w *Worker) Servers() []*Server { return w.servers }

// InitializeLog starts a fresh server for a new epoch. When the request
// names a prior generation, the server first copies its recover tags out of
// it: everything after the known committed version up to the recovery
// version, read with exact epoch stitching.
func (w *Worker) InitializeLog(ctx context.Context, req tlog.InitializeRequest) (tlog.Interface, error) {
	s := NewServer(req.RecoverAt)
	s.kcv = req.KnownCommittedVersion

	if req.RecoverFrom != nil && req.RecoverFrom.Type == tlog.LogSystemTagPartitioned && len(req.RecoverTags) > 0 {
		prev, err := logsystem.FromConfig(ctx, w.logger, w.clk, w.knobs, 0, req.RecoverFrom)
		if err != nil {
			return nil, errors.Wrap(err, "open previous generation")
		}
		defer prev.Stop()
		for _, tag := range req.RecoverTags {
			cursor := prev.Peek(tag, req.KnownCommittedVersion+1, true)
			for {
				m, err := cursor.Next(ctx)
				if err == io.EOF {
					break
				}
				if err != nil {
					return nil, errors.Wrapf(err, "recover tag %d", tag)
				}
				if m.Version > req.RecoverAt {
					break
				}
				s.seed(tag, m)
			}
		}
	}

	w.servers = append(w.servers, s)
	return s, nil
}
