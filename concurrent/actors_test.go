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

package concurrent

import (
	"context"
	"errors"
	"testing"
)

func TestActorCollectionFirstErrorWins(t *testing.T) {
	c := NewActorCollection(context.Background())
	defer c.Stop()

	boom := errors.New("boom")
	release := make(chan struct{})
	c.Add(func(ctx context.Context) error { return boom })
	c.Add(func(ctx context.Context) error {
		<-release
		return errors.New("late")
	})

	<-c.Done()
	if err := c.Err(); err != boom {
		t.Errorf("Err() = %v, wanted %v", err, boom)
	}
	close(release)
}

func TestActorCollectionNilAndCanceledAreNotFailures(t *testing.T) {
	c := NewActorCollection(context.Background())
	defer c.Stop()

	ran := make(chan struct{}, 2)
	c.Add(func(ctx context.Context) error { ran <- struct{}{}; return nil })
	c.Add(func(ctx context.Context) error { ran <- struct{}{}; return context.Canceled })
	<-ran
	<-ran

	select {
	case <-c.Done():
		t.Fatal("collection reported a failure")
	default:
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v, wanted nil", err)
	}
}

func TestActorCollectionStopCancelsMembers(t *testing.T) {
	c := NewActorCollection(context.Background())
	stopped := make(chan struct{})
	c.Add(func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})
	c.Stop()
	<-stopped

	select {
	case <-c.Done():
		t.Fatal("cancellation after Stop was reported as a failure")
	default:
	}
}

func TestActorCollectionParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewActorCollection(ctx)
	stopped := make(chan struct{})
	c.Add(func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})
	cancel()
	<-stopped
}
