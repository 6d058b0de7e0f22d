// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package plan maps tasks onto workers, selects destination tasks for
// outgoing records, and computes the next network hop for a message
// under the configured routing topology.
package plan

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/commconfig"
)

// A Plan is the placement of tasks onto workers, as seen from one
// worker.
type Plan struct {
	worker  int
	workers []int
	owner   map[int]int
	tasks   map[int][]int
}

// NewPlan returns the plan for worker given the assignment of every
// task to its worker.
func NewPlan(worker int, assignment map[int]int) *Plan {
	p := &Plan{
		worker: worker,
		owner:  make(map[int]int, len(assignment)),
		tasks:  make(map[int][]int),
	}
	for task, w := range assignment {
		p.owner[task] = w
		p.tasks[w] = append(p.tasks[w], task)
	}
	for w, tasks := range p.tasks {
		sort.Ints(tasks)
		p.workers = append(p.workers, w)
	}
	sort.Ints(p.workers)
	return p
}

// ThisWorker returns the worker for which the plan was built.
func (p *Plan) ThisWorker() int { return p.worker }

// WorkerOf returns the worker that hosts task.
func (p *Plan) WorkerOf(task int) (int, bool) {
	w, ok := p.owner[task]
	return w, ok
}

// TasksOf returns the sorted tasks hosted by worker.
func (p *Plan) TasksOf(worker int) []int { return p.tasks[worker] }

// IsLocal tells whether task is hosted by this worker.
func (p *Plan) IsLocal(task int) bool {
	w, ok := p.owner[task]
	return ok && w == p.worker
}

// Workers returns the sorted set of workers that host at least one
// task.
func (p *Plan) Workers() []int { return p.workers }

// Local returns the members of tasks hosted by this worker.
func (p *Plan) Local(tasks []int) []int {
	var local []int
	for _, t := range tasks {
		if p.IsLocal(t) {
			local = append(local, t)
		}
	}
	return local
}

// A Route computes the worker to which a message should be handed
// next on its way to the worker hosting the destination.
type Route func(p *Plan, dest int) int

// Simple routes each message directly to the destination's worker.
func Simple(p *Plan, dest int) int { return dest }

// Ring routes each message to the current worker's successor in the
// ring of workers, until it reaches its destination. Fan-out is one
// connection per worker at the cost of extra hops.
func Ring(p *Plan, dest int) int {
	if dest == p.worker {
		return dest
	}
	i := sort.SearchInts(p.workers, p.worker)
	if i == len(p.workers) || p.workers[i] != p.worker {
		// This worker does not host any task; it cannot participate in
		// the ring.
		return dest
	}
	return p.workers[(i+1)%len(p.workers)]
}

// RouteFor returns the route implementing the named partition
// algorithm.
func RouteFor(algorithm string) (Route, error) {
	switch algorithm {
	case commconfig.Simple, "":
		return Simple, nil
	case commconfig.Ring:
		return Ring, nil
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("plan: unknown partition algorithm %q", algorithm))
	}
}
