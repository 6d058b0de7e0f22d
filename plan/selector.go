// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package plan

import (
	"fmt"

	"github.com/grailbio/bigcomm/packer"
	"github.com/spaolacci/murmur3"
)

// A Selector chooses the destination task for each record sent from a
// source. Choices are tentative: Next proposes a destination, and the
// caller then either Commits it, once the record has been accepted for
// transmission, or Undoes it, if the send must be retried.
type Selector interface {
	// Prepare configures the selector for an edge with the given
	// source and target tasks.
	Prepare(sources, targets []int)
	// Next proposes a destination task for a record.
	Next(source int, key, value interface{}) int
	// Commit records that the proposed destination was used.
	Commit(source, dest int)
	// Undo discards the last proposal for source.
	Undo(source int)
}

// HashSelector sends each record to the target chosen by the murmur3
// hash of its packed key. Records with equal keys always reach the
// same target.
type HashSelector struct {
	// KeyType is the wire type of keys on the edge.
	KeyType packer.Type
	// Seed is the hash seed.
	Seed uint32

	targets []int
}

// Prepare implements Selector.
func (s *HashSelector) Prepare(sources, targets []int) { s.targets = targets }

// Next implements Selector. Next panics if the key cannot be packed
// with the selector's key type.
func (s *HashSelector) Next(source int, key, value interface{}) int {
	p, err := s.KeyType.Packer().PackToBytes(key)
	if err != nil {
		panic(fmt.Sprintf("plan.HashSelector: %v", err))
	}
	h := murmur3.Sum32WithSeed(p, s.Seed)
	return s.targets[int(h%uint32(len(s.targets)))]
}

// Commit implements Selector.
func (*HashSelector) Commit(source, dest int) {}

// Undo implements Selector.
func (*HashSelector) Undo(source int) {}

// RoundRobinSelector distributes each source's records over the
// targets in turn. A source advances to the next target only when a
// proposal is committed, so a retried send goes to the same target.
type RoundRobinSelector struct {
	targets []int
	next    map[int]int
}

// Prepare implements Selector. Sources start at different offsets to
// spread the first records.
func (s *RoundRobinSelector) Prepare(sources, targets []int) {
	s.targets = targets
	s.next = make(map[int]int, len(sources))
	for i, src := range sources {
		s.next[src] = i % len(targets)
	}
}

// Next implements Selector.
func (s *RoundRobinSelector) Next(source int, key, value interface{}) int {
	return s.targets[s.next[source]]
}

// Commit implements Selector.
func (s *RoundRobinSelector) Commit(source, dest int) {
	s.next[source] = (s.next[source] + 1) % len(s.targets)
}

// Undo implements Selector.
func (*RoundRobinSelector) Undo(source int) {}

// FuncSelector selects destinations with a user-supplied function
// returning an index into the edge's targets.
type FuncSelector struct {
	Func func(source int, key, value interface{}, ntarget int) int

	targets []int
}

// Prepare implements Selector.
func (s *FuncSelector) Prepare(sources, targets []int) { s.targets = targets }

// Next implements Selector. Next panics if the function returns an
// index out of range.
func (s *FuncSelector) Next(source int, key, value interface{}) int {
	i := s.Func(source, key, value, len(s.targets))
	if i < 0 || i >= len(s.targets) {
		panic(fmt.Sprintf("plan.FuncSelector: index %d out of range [0, %d)", i, len(s.targets)))
	}
	return s.targets[i]
}

// Commit implements Selector.
func (*FuncSelector) Commit(source, dest int) {}

// Undo implements Selector.
func (*FuncSelector) Undo(source int) {}
