// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package coord provides worker membership and barrier
// synchronization for the workers of a job.
package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
)

// WorkerInfo describes a worker of the job.
type WorkerInfo struct {
	ID   int
	Addr string
}

// A WorkerController gives a worker access to the job's membership.
type WorkerController interface {
	// WorkerID returns the calling worker's ID.
	WorkerID() int
	// AllWorkers returns every worker of the job, ordered by ID, once
	// all of them have joined.
	AllWorkers(ctx context.Context) ([]WorkerInfo, error)
	// WaitOnBarrier blocks until every worker has reached the barrier.
	// It returns an error of kind errors.Timeout if the barrier is not
	// reached within timeout.
	WaitOnBarrier(ctx context.Context, timeout time.Duration) error
}

// A Group is an in-process job membership of a fixed number of
// workers.
type Group struct {
	n int

	mu      sync.Mutex
	cond    *ctxsync.Cond
	joined  map[int]WorkerInfo
	arrived int
	// Generation is incremented each time the barrier trips.
	generation int
}

// NewGroup returns a group of n workers.
func NewGroup(n int) *Group {
	g := &Group{n: n, joined: make(map[int]WorkerInfo)}
	g.cond = ctxsync.NewCond(&g.mu)
	return g
}

// Join registers worker id with the group and returns its controller.
func (g *Group) Join(id int, addr string) WorkerController {
	if id < 0 || id >= g.n {
		panic(fmt.Sprintf("coord.Group.Join: worker %d out of range [0, %d)", id, g.n))
	}
	g.mu.Lock()
	g.joined[id] = WorkerInfo{ID: id, Addr: addr}
	g.cond.Broadcast()
	g.mu.Unlock()
	return &local{g, id}
}

type local struct {
	g  *Group
	id int
}

func (l *local) WorkerID() int { return l.id }

func (l *local) AllWorkers(ctx context.Context) ([]WorkerInfo, error) {
	g := l.g
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.joined) < g.n {
		if err := g.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
	workers := make([]WorkerInfo, g.n)
	for id, info := range g.joined {
		workers[id] = info
	}
	return workers, nil
}

func (l *local) WaitOnBarrier(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g := l.g
	g.mu.Lock()
	defer g.mu.Unlock()
	gen := g.generation
	g.arrived++
	if g.arrived == g.n {
		g.arrived = 0
		g.generation++
		g.cond.Broadcast()
		return nil
	}
	for g.generation == gen {
		if err := g.cond.Wait(ctx); err != nil {
			g.arrived--
			return errors.E(errors.Timeout, fmt.Sprintf("coord: worker %d: barrier not reached within %s", l.id, timeout), err)
		}
	}
	return nil
}
