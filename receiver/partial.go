// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package receiver

import "github.com/grailbio/bigcomm/message"

// Round is a Partial receiver that forwards values in rounds: a round
// for a target is ready once every contributing source has either a
// queued value or has finished, and it consists of the oldest value of
// each source. Values within a source stay in FIFO order.
type Round struct {
	// PendingMax is the maximum number of values queued per (target,
	// source).
	PendingMax int
	// Combine, if set, reduces the values of each round into a single
	// value before forwarding.
	Combine func(values []interface{}) interface{}

	table
	final Final
}

// Init implements Partial.
func (r *Round) Init(expected Expected, final Final) {
	r.table.init(expected, r.PendingMax)
	r.final = final
}

// OnMessage implements Partial. A value is rejected when its queue
// already holds PendingMax values; rejected values are not retained.
func (r *Round) OnMessage(source, target int, flags message.Flags, value interface{}) (bool, error) {
	return r.table.offer(source, target, flags, value)
}

// Pending returns the number of values queued for target from source.
func (r *Round) Pending(target, source int) int { return r.table.pending(target, source) }

// Progress implements Partial.
func (r *Round) Progress() bool {
	for _, target := range r.order {
		ts := r.targets[target]
		for !ts.done {
			if !r.round(ts) {
				break
			}
		}
	}
	return !r.IsComplete()
}

// round attempts to forward one round for ts. It returns false if no
// round could be forwarded.
func (r *Round) round(ts *targetState) bool {
	var batch []interface{}
	for _, src := range ts.sources {
		s := ts.state[src]
		switch {
		case len(s.queue) > 0:
			batch = append(batch, s.queue[0])
		case !s.finished:
			return false
		}
	}
	// The round is the last one if every source has finished and this
	// round drains them.
	last := true
	for _, src := range ts.sources {
		s := ts.state[src]
		if !s.finished || len(s.queue) > 1 {
			last = false
			break
		}
	}
	out := batch
	if r.Combine != nil && len(batch) > 0 {
		out = []interface{}{r.Combine(batch)}
	}
	if !r.final.Receive(ts.target, out, last) {
		return false
	}
	for _, src := range ts.sources {
		if s := ts.state[src]; len(s.queue) > 0 {
			pop(s, 1)
		}
	}
	if last {
		ts.done = true
	}
	return true
}

// IsComplete implements Partial.
func (r *Round) IsComplete() bool { return r.table.complete() }

// Direct is a Partial receiver that forwards each source's queued
// values as soon as they arrive, without waiting for other sources.
// It is used by partition and broadcast edges. Values within a source
// stay in FIFO order.
type Direct struct {
	// PendingMax is the maximum number of values queued per (target,
	// source).
	PendingMax int

	table
	final Final
}

// Init implements Partial.
func (d *Direct) Init(expected Expected, final Final) {
	d.table.init(expected, d.PendingMax)
	d.final = final
}

// OnMessage implements Partial.
func (d *Direct) OnMessage(source, target int, flags message.Flags, value interface{}) (bool, error) {
	return d.table.offer(source, target, flags, value)
}

// Pending returns the number of values queued for target from source.
func (d *Direct) Pending(target, source int) int { return d.table.pending(target, source) }

// Progress implements Partial.
func (d *Direct) Progress() bool {
	for _, target := range d.order {
		ts := d.targets[target]
		if ts.done {
			continue
		}
		blocked := false
		for _, src := range ts.sources {
			s := ts.state[src]
			if len(s.queue) == 0 {
				continue
			}
			batch := append([]interface{}(nil), s.queue...)
			if !d.final.Receive(target, batch, false) {
				blocked = true
				break
			}
			pop(s, len(batch))
		}
		if !blocked && ts.allFinished(true) && d.final.Receive(target, nil, true) {
			ts.done = true
		}
	}
	return !d.IsComplete()
}

// IsComplete implements Partial.
func (d *Direct) IsComplete() bool { return d.table.complete() }
