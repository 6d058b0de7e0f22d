// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package receiver

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/message"
	"github.com/grailbio/bigcomm/packer"
)

// done tracks per-target completion for final receivers.
type done map[int]bool

func (d done) init(expected Expected) {
	for t := range expected {
		d[t] = false
	}
}

func (d done) complete() bool {
	for _, ok := range d {
		if !ok {
			return false
		}
	}
	return true
}

// Batch is a Final receiver that accumulates every value for a target
// and hands them to Func once the target's last batch arrives.
type Batch struct {
	Func func(target int, values []interface{})

	values map[int][]interface{}
	done   done
}

// Init implements Final.
func (b *Batch) Init(expected Expected) {
	b.values = make(map[int][]interface{}, len(expected))
	b.done = make(done, len(expected))
	b.done.init(expected)
}

// Receive implements Final.
func (b *Batch) Receive(target int, batch []interface{}, last bool) bool {
	b.values[target] = append(b.values[target], batch...)
	if last {
		b.Func(target, b.values[target])
		delete(b.values, target)
		b.done[target] = true
	}
	return true
}

// Progress implements Final.
func (b *Batch) Progress() bool { return !b.IsComplete() }

// IsComplete implements Final.
func (b *Batch) IsComplete() bool { return b.done.complete() }

// Err implements Final.
func (*Batch) Err() error { return nil }

// Stream is a Final receiver that hands values to Func one at a time
// as they arrive. Func returns false to refuse a value; the value is
// offered again on the next call to Progress.
type Stream struct {
	Func func(target int, value interface{}) bool
	// Done, if set, is called once all of a target's values have been
	// accepted.
	Done func(target int)
	// PendingMax bounds the number of values buffered per target
	// before batches are refused.
	PendingMax int

	queues map[int][]interface{}
	last   map[int]bool
	done   done
}

// Init implements Final.
func (s *Stream) Init(expected Expected) {
	s.queues = make(map[int][]interface{}, len(expected))
	s.last = make(map[int]bool, len(expected))
	s.done = make(done, len(expected))
	s.done.init(expected)
}

// Receive implements Final.
func (s *Stream) Receive(target int, batch []interface{}, last bool) bool {
	if s.PendingMax > 0 && len(s.queues[target]) >= s.PendingMax {
		return false
	}
	s.queues[target] = append(s.queues[target], batch...)
	if last {
		s.last[target] = true
	}
	s.drain(target)
	return true
}

func (s *Stream) drain(target int) {
	q := s.queues[target]
	for len(q) > 0 && s.Func(target, q[0]) {
		q[0] = nil
		q = q[1:]
	}
	s.queues[target] = q
	if len(q) == 0 && s.last[target] && !s.done[target] {
		s.done[target] = true
		if s.Done != nil {
			s.Done(target)
		}
	}
}

// Progress implements Final.
func (s *Stream) Progress() bool {
	for target := range s.queues {
		s.drain(target)
	}
	return !s.IsComplete()
}

// IsComplete implements Final.
func (s *Stream) IsComplete() bool { return s.done.complete() }

// Err implements Final.
func (*Stream) Err() error { return nil }

// Reduce is a Final receiver that folds every value for a target with
// Op and hands the result to Func once the target's last batch
// arrives. Func is not called for targets that received no values.
type Reduce struct {
	Op   func(a, b interface{}) interface{}
	Func func(target int, value interface{})

	acc  map[int]interface{}
	done done
}

// Init implements Final.
func (r *Reduce) Init(expected Expected) {
	r.acc = make(map[int]interface{}, len(expected))
	r.done = make(done, len(expected))
	r.done.init(expected)
}

// Receive implements Final.
func (r *Reduce) Receive(target int, batch []interface{}, last bool) bool {
	for _, v := range batch {
		if acc, ok := r.acc[target]; ok {
			r.acc[target] = r.Op(acc, v)
		} else {
			r.acc[target] = v
		}
	}
	if last {
		if acc, ok := r.acc[target]; ok {
			r.Func(target, acc)
		}
		delete(r.acc, target)
		r.done[target] = true
	}
	return true
}

// Progress implements Final.
func (r *Reduce) Progress() bool { return !r.IsComplete() }

// IsComplete implements Final.
func (r *Reduce) IsComplete() bool { return r.done.complete() }

// Err implements Final.
func (*Reduce) Err() error { return nil }

// KeyedReduce is a Final receiver for keyed edges. It folds the values
// of each key with Op and, once a target's last batch arrives, hands
// the reduced tuples to Func sorted by key.
type KeyedReduce struct {
	KeyType packer.Type
	// Compare orders keys. If nil, the natural order of KeyType is
	// used, falling back to the order of packed keys.
	Compare packer.Comparator
	Op      func(a, b interface{}) interface{}
	Func    func(target int, tuples []message.Tuple)

	index  map[int]map[string]int
	tuples map[int][]message.Tuple
	done   done
	err    error
}

// Init implements Final.
func (k *KeyedReduce) Init(expected Expected) {
	k.index = make(map[int]map[string]int, len(expected))
	k.tuples = make(map[int][]message.Tuple, len(expected))
	k.done = make(done, len(expected))
	k.done.init(expected)
	if k.Compare == nil {
		k.Compare = packer.Natural(k.KeyType)
	}
}

// Receive implements Final. Values that are not tuples, or whose keys
// cannot be packed, are dropped and reported through Err.
func (k *KeyedReduce) Receive(target int, batch []interface{}, last bool) bool {
	idx := k.index[target]
	if idx == nil {
		idx = make(map[string]int)
		k.index[target] = idx
	}
	for _, v := range batch {
		t, ok := v.(message.Tuple)
		if !ok {
			k.fail(errors.E(errors.Invalid, fmt.Sprintf("receiver: keyed reduce received %T", v)))
			continue
		}
		p, err := k.KeyType.Packer().PackToBytes(t.Key)
		if err != nil {
			k.fail(err)
			continue
		}
		if i, ok := idx[string(p)]; ok {
			k.tuples[target][i].Value = k.Op(k.tuples[target][i].Value, t.Value)
		} else {
			idx[string(p)] = len(k.tuples[target])
			k.tuples[target] = append(k.tuples[target], t)
		}
	}
	if last {
		tuples := k.tuples[target]
		k.sort(tuples)
		k.Func(target, tuples)
		delete(k.tuples, target)
		delete(k.index, target)
		k.done[target] = true
	}
	return true
}

func (k *KeyedReduce) sort(tuples []message.Tuple) {
	if k.Compare != nil {
		sort.SliceStable(tuples, func(i, j int) bool {
			return k.Compare(tuples[i].Key, tuples[j].Key) < 0
		})
		return
	}
	keys := make([][]byte, len(tuples))
	for i := range tuples {
		keys[i], _ = k.KeyType.Packer().PackToBytes(tuples[i].Key)
	}
	sort.Stable(byPacked{tuples, keys})
}

func (k *KeyedReduce) fail(err error) {
	if k.err == nil {
		k.err = err
	}
}

// Progress implements Final.
func (k *KeyedReduce) Progress() bool { return !k.IsComplete() }

// IsComplete implements Final.
func (k *KeyedReduce) IsComplete() bool { return k.done.complete() }

// Err implements Final.
func (k *KeyedReduce) Err() error { return k.err }

type byPacked struct {
	tuples []message.Tuple
	keys   [][]byte
}

func (b byPacked) Len() int { return len(b.tuples) }
func (b byPacked) Less(i, j int) bool {
	return bytes.Compare(b.keys[i], b.keys[j]) < 0
}
func (b byPacked) Swap(i, j int) {
	b.tuples[i], b.tuples[j] = b.tuples[j], b.tuples[i]
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
}
