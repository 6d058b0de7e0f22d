// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package receiver implements the receive side of collective
// operations. A Partial receiver absorbs values from many sources for
// each local target, applies backpressure, and assembles batches; a
// Final receiver consumes the batches and hands results to user code.
package receiver

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/message"
)

// Expected maps each target task to the source tasks that contribute
// to it.
type Expected map[int][]int

// Targets returns the sorted targets of the mapping.
func (e Expected) Targets() []int {
	targets := make([]int, 0, len(e))
	for t := range e {
		targets = append(targets, t)
	}
	sort.Ints(targets)
	return targets
}

// A Retainer is a value backed by reference-counted buffers. Partial
// receivers retain accepted values and release them once they have
// been forwarded.
type Retainer interface {
	Retain()
	Release()
}

// A Partial receiver buffers values per (target, source) and forwards
// batches to a Final receiver.
type Partial interface {
	// Init allocates the per-(target, source) state. It must be called
	// exactly once, before any message is delivered.
	Init(expected Expected, final Final)
	// OnMessage offers one value from source for target. It returns
	// false if the value was not accepted and must be offered again
	// later. Errors are protocol violations: the target or source was
	// not declared in Init, or the source had already finished.
	OnMessage(source, target int, flags message.Flags, value interface{}) (bool, error)
	// Progress forwards any complete batches. It returns true while
	// the receiver has work outstanding.
	Progress() bool
	// IsComplete tells whether every target has been fully forwarded.
	IsComplete() bool
}

// A Final receiver consumes batches produced by a Partial receiver.
type Final interface {
	// Init allocates per-target state.
	Init(expected Expected)
	// Receive offers a batch for target. Last is set on the final
	// batch. Receive returns false if the batch could not be accepted;
	// it will be offered again.
	Receive(target int, batch []interface{}, last bool) bool
	// Progress performs deferred work. It returns true while work is
	// outstanding.
	Progress() bool
	// IsComplete tells whether every target has received and
	// processed its final batch.
	IsComplete() bool
	// Err returns the first error encountered while processing
	// batches.
	Err() error
}

type sourceState struct {
	queue    []interface{}
	count    int
	finished bool
}

type targetState struct {
	target  int
	sources []int
	state   map[int]*sourceState
	done    bool
}

// allFinished tells whether each source has finished and, if drained
// is set, has no queued values.
func (t *targetState) allFinished(drained bool) bool {
	for _, src := range t.sources {
		s := t.state[src]
		if !s.finished || (drained && len(s.queue) > 0) {
			return false
		}
	}
	return true
}

// table is the per-target, per-source state shared by partial
// receiver strategies.
type table struct {
	pendingMax int
	order      []int
	targets    map[int]*targetState
}

func (t *table) init(expected Expected, pendingMax int) {
	if pendingMax <= 0 {
		panic(fmt.Sprintf("receiver: invalid pending max %d", pendingMax))
	}
	t.pendingMax = pendingMax
	t.order = expected.Targets()
	t.targets = make(map[int]*targetState, len(expected))
	for _, target := range t.order {
		sources := append([]int(nil), expected[target]...)
		sort.Ints(sources)
		ts := &targetState{
			target:  target,
			sources: sources,
			state:   make(map[int]*sourceState, len(sources)),
		}
		for _, src := range sources {
			ts.state[src] = new(sourceState)
		}
		t.targets[target] = ts
	}
}

func (t *table) offer(source, target int, flags message.Flags, value interface{}) (bool, error) {
	ts := t.targets[target]
	if ts == nil {
		return false, errors.E(errors.Invalid, fmt.Sprintf("receiver: unknown target %d", target))
	}
	s := ts.state[source]
	if s == nil {
		return false, errors.E(errors.Invalid, fmt.Sprintf("receiver: source %d does not contribute to target %d", source, target))
	}
	if s.finished {
		return false, errors.E(errors.Invalid, fmt.Sprintf("receiver: message from source %d to target %d after its last message", source, target))
	}
	if flags.Has(message.Empty) {
		if flags.Has(message.Last) {
			s.finished = true
		}
		return true, nil
	}
	if len(s.queue) >= t.pendingMax {
		return false, nil
	}
	if r, ok := value.(Retainer); ok {
		r.Retain()
	}
	s.queue = append(s.queue, value)
	s.count++
	if flags.Has(message.Last) {
		s.finished = true
	}
	return true, nil
}

func (t *table) complete() bool {
	for _, ts := range t.targets {
		if !ts.done {
			return false
		}
	}
	return true
}

// Pending returns the number of values queued for target from source.
func (t *table) pending(target, source int) int {
	ts := t.targets[target]
	if ts == nil || ts.state[source] == nil {
		return 0
	}
	return len(ts.state[source].queue)
}

func release(values []interface{}) {
	for _, v := range values {
		if r, ok := v.(Retainer); ok {
			r.Release()
		}
	}
}

func pop(s *sourceState, n int) {
	release(s.queue[:n])
	for i := 0; i < n; i++ {
		s.queue[i] = nil
	}
	s.queue = s.queue[n:]
}
