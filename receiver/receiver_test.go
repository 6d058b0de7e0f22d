// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package receiver

import (
	"reflect"
	"sort"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/message"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

// recorder is a Final receiver that records batches and can be told to
// refuse them.
type recorder struct {
	batches [][]interface{}
	lasts   []bool
	refuse  bool
	done    done
}

func (r *recorder) Init(expected Expected) {
	r.done = make(done)
	r.done.init(expected)
}

func (r *recorder) Receive(target int, batch []interface{}, last bool) bool {
	if r.refuse {
		return false
	}
	r.batches = append(r.batches, batch)
	r.lasts = append(r.lasts, last)
	if last {
		r.done[target] = true
	}
	return true
}

func (r *recorder) Progress() bool   { return !r.IsComplete() }
func (r *recorder) IsComplete() bool { return r.done.complete() }
func (*recorder) Err() error         { return nil }

func offer(t *testing.T, p Partial, source, target int, flags message.Flags, value interface{}) bool {
	t.Helper()
	ok, err := p.OnMessage(source, target, flags, value)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func TestRoundBackpressure(t *testing.T) {
	var (
		rec = new(recorder)
		r   = &Round{PendingMax: 2}
	)
	r.Init(Expected{0: {0, 1}}, rec)
	rec.Init(Expected{0: {0, 1}})
	if !offer(t, r, 0, 0, 0, "a") || !offer(t, r, 0, 0, 0, "b") {
		t.Fatal("rejected below pending max")
	}
	if offer(t, r, 0, 0, 0, "c") {
		t.Error("accepted beyond pending max")
	}
	// No round is ready without source 1.
	r.Progress()
	if got, want := len(rec.batches), 0; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !offer(t, r, 1, 0, 0, "x") {
		t.Fatal("rejected")
	}
	r.Progress()
	if got, want := rec.batches, [][]interface{}{{"a", "x"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.Pending(0, 0), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := r.Pending(0, 1), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRoundLast(t *testing.T) {
	var (
		rec = new(recorder)
		r   = &Round{PendingMax: 4}
		exp = Expected{7: {0, 1}}
	)
	r.Init(exp, rec)
	rec.Init(exp)
	offer(t, r, 0, 7, 0, 1)
	offer(t, r, 0, 7, message.Last, 2)
	offer(t, r, 1, 7, 0, 10)
	offer(t, r, 1, 7, message.Last|message.Empty, nil)
	rec.refuse = true
	r.Progress()
	if r.IsComplete() {
		t.Fatal("complete while final refuses")
	}
	// Refused batches are retained.
	if got, want := r.Pending(7, 0), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	rec.refuse = false
	if r.Progress() {
		t.Error("work remaining after completion")
	}
	want := [][]interface{}{{1, 10}, {2}}
	if !reflect.DeepEqual(rec.batches, want) {
		t.Errorf("got %v, want %v", rec.batches, want)
	}
	if got, want := rec.lasts, []bool{false, true}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// Progress after completion is a no-op.
	r.Progress()
	if got, want := len(rec.batches), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRoundCombine(t *testing.T) {
	var (
		sum int
		fin = &Reduce{
			Op:   func(a, b interface{}) interface{} { return a.(int) + b.(int) },
			Func: func(target int, v interface{}) { sum = v.(int) },
		}
		r   = &Round{PendingMax: 8, Combine: func(vs []interface{}) interface{} { return fin.Op(vs[0], vs[1]) }}
		exp = Expected{0: {0, 1}}
	)
	r.Init(exp, fin)
	fin.Init(exp)
	for i := 1; i <= 3; i++ {
		offer(t, r, 0, 0, 0, i)
		offer(t, r, 1, 0, 0, 10*i)
	}
	offer(t, r, 0, 0, message.Last|message.Empty, nil)
	offer(t, r, 1, 0, message.Last|message.Empty, nil)
	r.Progress()
	if !fin.IsComplete() {
		t.Fatal("reduce not complete")
	}
	if got, want := sum, 66; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestProtocolErrors(t *testing.T) {
	r := &Direct{PendingMax: 1}
	r.Init(Expected{0: {0}}, new(recorder))
	if _, err := r.OnMessage(0, 3, 0, "x"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if _, err := r.OnMessage(5, 0, 0, "x"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	offer(t, r, 0, 0, message.Last, "x")
	if _, err := r.OnMessage(0, 0, 0, "y"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

type retained struct{ refs int }

func (r *retained) Retain()  { r.refs++ }
func (r *retained) Release() { r.refs-- }

func TestRetain(t *testing.T) {
	var (
		rec = new(recorder)
		r   = &Direct{PendingMax: 1}
		exp = Expected{0: {0}}
	)
	r.Init(exp, rec)
	rec.Init(exp)
	a, b := new(retained), new(retained)
	offer(t, r, 0, 0, 0, a)
	if offer(t, r, 0, 0, 0, b) {
		t.Fatal("accepted beyond pending max")
	}
	if got, want := a.refs, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Rejected values are not retained.
	if got, want := b.refs, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	r.Progress()
	if got, want := a.refs, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDirect(t *testing.T) {
	var (
		got  = make(map[int][]interface{})
		fin  = &Batch{Func: func(target int, values []interface{}) { got[target] = values }}
		r    = &Direct{PendingMax: 10}
		exp  = Expected{0: {0, 1}, 1: {0, 1}}
		want = map[int][]interface{}{0: {"a", "b", "c"}, 1: {"d"}}
	)
	r.Init(exp, fin)
	fin.Init(exp)
	offer(t, r, 0, 0, 0, "a")
	offer(t, r, 0, 0, 0, "b")
	// Source 0 is forwarded without waiting for source 1.
	r.Progress()
	offer(t, r, 1, 0, message.Last, "c")
	offer(t, r, 1, 1, message.Last, "d")
	offer(t, r, 0, 0, message.Last|message.Empty, nil)
	offer(t, r, 0, 1, message.Last|message.Empty, nil)
	if r.Progress() {
		t.Error("work remaining")
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStream(t *testing.T) {
	var (
		got    []interface{}
		accept = 1
		done   []int
		fin    = &Stream{
			Func: func(target int, v interface{}) bool {
				if accept == 0 {
					return false
				}
				accept--
				got = append(got, v)
				return true
			},
			Done: func(target int) { done = append(done, target) },
		}
	)
	fin.Init(Expected{4: {0}})
	fin.Receive(4, []interface{}{1, 2, 3}, true)
	if got, want := got, []interface{}{1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	accept = 10
	if fin.Progress() {
		t.Error("work remaining")
	}
	if got, want := got, []interface{}{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := done, []int{4}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestKeyedReduce(t *testing.T) {
	var got []message.Tuple
	fin := &KeyedReduce{
		KeyType: packer.String,
		Op:      func(a, b interface{}) interface{} { return a.(int64) + b.(int64) },
		Func:    func(target int, tuples []message.Tuple) { got = tuples },
	}
	fin.Init(Expected{0: {0, 1}})
	fin.Receive(0, []interface{}{
		message.Tuple{Key: "b", Value: int64(1)},
		message.Tuple{Key: "a", Value: int64(2)},
		message.Tuple{Key: "b", Value: int64(3)},
	}, false)
	fin.Receive(0, []interface{}{message.Tuple{Key: "c", Value: int64(4)}}, true)
	assert.NoError(t, fin.Err())
	want := []message.Tuple{{Key: "a", Value: int64(2)}, {Key: "b", Value: int64(4)}, {Key: "c", Value: int64(4)}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDiskOneTargetPerProgress(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var read []int
	fin := &Disk{
		Options: shuffle.Options{Dir: dir, KeyType: packer.String, DataType: packer.String},
		Func: func(target int, it *shuffle.Iterator) error {
			read = append(read, target)
			for it.Next() {
			}
			return nil
		},
	}
	fin.Init(Expected{0: {0}, 1: {0}})
	fin.Receive(0, []interface{}{message.Tuple{Key: "k", Value: "v"}}, true)
	fin.Receive(1, []interface{}{message.Tuple{Key: "k", Value: "w"}}, true)
	if !fin.Progress() {
		t.Fatal("complete after one progress")
	}
	if got, want := len(read), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if fin.Progress() {
		t.Fatal("not complete")
	}
	sort.Ints(read)
	if got, want := read, []int{0, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, fin.Err())
}

func TestDisk(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	got := make(map[string][]string)
	fin := &Disk{
		Options: shuffle.Options{
			Dir:             dir,
			Name:            "keyedgather",
			KeyType:         packer.String,
			DataType:        packer.String,
			MaxKeysInMemory: 2,
		},
		Func: func(target int, it *shuffle.Iterator) error {
			for it.Next() {
				key := it.Key().(string)
				for vals := it.Values(); vals.Next(); {
					got[key] = append(got[key], vals.Value().(string))
				}
			}
			return nil
		},
	}
	fin.Init(Expected{0: {0}})
	for i, k := range []string{"z", "y", "x", "y", "z", "z"} {
		if !fin.Receive(0, []interface{}{message.Tuple{Key: k, Value: string(rune('a' + i))}}, false) {
			t.Fatal("refused")
		}
	}
	fin.Receive(0, nil, true)
	// The read-out happens on Progress, not in Receive.
	if fin.IsComplete() || len(got) != 0 {
		t.Fatal("read out during receive")
	}
	fin.Progress()
	assert.NoError(t, fin.Err())
	if !fin.IsComplete() {
		t.Fatal("not complete")
	}
	for _, vals := range got {
		sort.Strings(vals)
	}
	want := map[string][]string{"x": {"c"}, "y": {"b", "d"}, "z": {"a", "e", "f"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
