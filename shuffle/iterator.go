// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"container/heap"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

// A source is a sorted sequence of records: a run or the in-memory
// residue.
type source interface {
	next() (keyRef, interface{}, error)
}

type residueSource struct {
	records []record
}

func (r *residueSource) next() (keyRef, interface{}, error) {
	if len(r.records) == 0 {
		return keyRef{}, nil, io.EOF
	}
	rec := r.records[0]
	r.records[0] = record{}
	r.records = r.records[1:]
	return rec.keyRef, rec.value, nil
}

// A cursor is positioned at the next record of a source.
type cursor struct {
	source
	index int
	key   keyRef
	value interface{}
}

// advance moves the cursor to the next record. It returns false at
// the end of the source.
func (c *cursor) advance() (bool, error) {
	key, value, err := c.source.next()
	if err == io.EOF {
		c.key, c.value = keyRef{}, nil
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.key, c.value = key, value
	return true, nil
}

// cursorHeap orders cursors by key, breaking ties by source index so
// that earlier runs are merged first.
type cursorHeap struct {
	cursors []*cursor
	cmp     func(a, b *keyRef) int
}

func (h *cursorHeap) Len() int { return len(h.cursors) }
func (h *cursorHeap) Less(i, j int) bool {
	if c := h.cmp(&h.cursors[i].key, &h.cursors[j].key); c != 0 {
		return c < 0
	}
	return h.cursors[i].index < h.cursors[j].index
}
func (h *cursorHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }
func (h *cursorHeap) Push(x interface{}) {
	h.cursors = append(h.cursors, x.(*cursor))
}
func (h *cursorHeap) Pop() interface{} {
	n := len(h.cursors)
	c := h.cursors[n-1]
	h.cursors = h.cursors[:n-1]
	return c
}

// An Iterator iterates over the keys of a merger in sorted order. For
// each key, Values iterates over all of the key's values across runs
// and memory. Iterators are forward-only: advancing with Next discards
// any values of the current key that were not read.
type Iterator struct {
	heap cursorHeap
	// Active is the cursor positioned at the current key's next value,
	// kept out of the heap until it moves past the key.
	active *cursor
	key    keyRef
	open   bool
	values Values
	err    error
}

// ReadIterator returns an iterator over the merger's records. It may
// only be called once, after SwitchToReading.
func (m *Merger) ReadIterator() (*Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != reading {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("shuffle %s: read iterator requires the reading state", m.opts.Name))
	}
	if m.iterated {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("shuffle %s: read iterator already created", m.opts.Name))
	}
	it := &Iterator{heap: cursorHeap{cmp: m.cmp}}
	it.values.it = it
	bufsize := 2 * m.Largest()
	if bufsize < 4096 {
		bufsize = 4096
	}
	var sources []source
	m.readersMu.Lock()
	for i := 0; i < m.runs; i++ {
		r, err := openRun(runPath(m.dir, i), m.opts.KeyType, m.opts.DataType, m.opts.Compression, bufsize)
		if err != nil {
			m.readersMu.Unlock()
			return nil, err
		}
		m.readers = append(m.readers, r)
		sources = append(sources, r)
	}
	m.readersMu.Unlock()
	m.iterated = true
	sources = append(sources, &residueSource{m.residue})
	m.residue = nil
	for i, src := range sources {
		c := &cursor{source: src, index: i}
		ok, err := c.advance()
		if err != nil {
			return nil, err
		}
		if ok {
			it.heap.cursors = append(it.heap.cursors, c)
		}
	}
	heap.Init(&it.heap)
	return it, nil
}

// Next advances the iterator to the next key. It returns false when
// no keys remain or an error occurred.
func (it *Iterator) Next() bool {
	if it.open {
		for it.values.Next() {
		}
	}
	if it.err != nil || len(it.heap.cursors) == 0 {
		return false
	}
	it.active = heap.Pop(&it.heap).(*cursor)
	it.key = it.active.key
	it.open = true
	return true
}

// Key returns the current key.
func (it *Iterator) Key() interface{} { return it.key.key }

// Values returns the iterator over the current key's values. It is
// valid until the next call to Next.
func (it *Iterator) Values() *Values { return &it.values }

// Err returns the error, if any, that stopped iteration.
func (it *Iterator) Err() error { return it.err }

// Values iterates over the values of one key.
type Values struct {
	it    *Iterator
	value interface{}
}

// Next advances to the next value. It returns false once the key's
// values are exhausted.
func (v *Values) Next() bool {
	it := v.it
	if !it.open || it.err != nil {
		return false
	}
	if it.active == nil {
		if len(it.heap.cursors) == 0 || it.heap.cmp(&it.heap.cursors[0].key, &it.key) != 0 {
			it.open = false
			v.value = nil
			return false
		}
		it.active = heap.Pop(&it.heap).(*cursor)
	}
	c := it.active
	v.value = c.value
	ok, err := c.advance()
	switch {
	case err != nil:
		it.err = err
		it.active = nil
	case !ok:
		it.active = nil
	case it.heap.cmp(&c.key, &it.key) != 0:
		heap.Push(&it.heap, c)
		it.active = nil
	}
	return true
}

// Value returns the current value.
func (v *Values) Value() interface{} { return v.value }
