// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"reflect"
	"sort"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/commconfig"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

type group0 struct {
	Key    interface{}
	Values []interface{}
}

func readAll(t *testing.T, m *Merger) []group0 {
	t.Helper()
	it, err := m.ReadIterator()
	if err != nil {
		t.Fatal(err)
	}
	var groups []group0
	for it.Next() {
		g := group0{Key: it.Key()}
		for vals := it.Values(); vals.Next(); {
			g.Values = append(g.Values, vals.Value())
		}
		groups = append(groups, g)
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	return groups
}

func newMerger(t *testing.T, opts Options) (*Merger, func()) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	opts.Dir = dir
	m, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return m, func() {
		m.Clean()
		cleanup()
	}
}

func add(t *testing.T, m *Merger, key interface{}, value string) {
	t.Helper()
	p := []byte(value)
	if err := m.Add(context.Background(), key, p, len(p)); err != nil {
		t.Fatal(err)
	}
}

func TestSpillAndMerge(t *testing.T) {
	m, cleanup := newMerger(t, Options{
		Name:            "scenario",
		KeyType:         packer.Integer,
		DataType:        packer.String,
		MaxKeysInMemory: 1,
	})
	defer cleanup()
	add(t, m, int32(1), "a")
	add(t, m, int32(2), "b")
	add(t, m, int32(1), "c")
	ctx := context.Background()
	assert.NoError(t, m.SwitchToReading(ctx))
	if got := m.Runs(); got < 1 {
		t.Errorf("got %v runs, want at least 1", got)
	}
	got := readAll(t, m)
	want := []group0{
		{int32(1), []interface{}{"a", "c"}},
		{int32(2), []interface{}{"b"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAddAfterSwitch(t *testing.T) {
	m, cleanup := newMerger(t, Options{KeyType: packer.String, DataType: packer.Bytes})
	defer cleanup()
	add(t, m, "x", "1")
	ctx := context.Background()
	assert.NoError(t, m.SwitchToReading(ctx))
	if err := m.Add(ctx, "y", []byte("2"), 1); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want precondition", err)
	}
	if err := m.SwitchToReading(ctx); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want precondition", err)
	}
	if _, err := m.ReadIterator(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadIterator(); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want precondition", err)
	}
}

func TestReadBeforeSwitch(t *testing.T) {
	m, cleanup := newMerger(t, Options{KeyType: packer.String, DataType: packer.Bytes})
	defer cleanup()
	if _, err := m.ReadIterator(); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want precondition", err)
	}
}

func TestClean(t *testing.T) {
	m, cleanup := newMerger(t, Options{
		KeyType:            packer.Long,
		DataType:           packer.String,
		MaxRecordsInMemory: 2,
	})
	defer cleanup()
	for i := 0; i < 10; i++ {
		add(t, m, int64(i%3), fmt.Sprint(i))
	}
	assert.NoError(t, m.SwitchToReading(context.Background()))
	if _, err := m.ReadIterator(); err != nil {
		t.Fatal(err)
	}
	m.Clean()
	if _, err := os.Stat(m.Dir()); !os.IsNotExist(err) {
		t.Errorf("run directory %s not removed: %v", m.Dir(), err)
	}
	m.Clean()
	if err := m.Add(context.Background(), int64(1), []byte("x"), 1); !errors.Is(errors.Precondition, err) {
		t.Errorf("got %v, want precondition", err)
	}
}

// TestMultiset checks that the merged output holds exactly the
// records added, grouped by key and sorted, across many runs.
func TestMultiset(t *testing.T) {
	for _, compression := range []string{commconfig.None, commconfig.LZ4} {
		t.Run(compression, func(t *testing.T) {
			m, cleanup := newMerger(t, Options{
				KeyType:          packer.String,
				DataType:         packer.LongArray,
				MaxBytesInMemory: 512,
				MaxKeysInMemory:  50,
				Compression:      compression,
				Pool:             NewPool(2),
			})
			defer cleanup()
			fz := fuzz.NewWithSeed(31415)
			fz.NilChance(0)
			fz.NumElements(0, 5)
			want := make(map[string][][]int64)
			ctx := context.Background()
			for i := 0; i < 2000; i++ {
				var (
					key   = fmt.Sprintf("k%03d", i%137)
					value []int64
				)
				fz.Fuzz(&value)
				want[key] = append(want[key], value)
				p, err := packer.LongArray.Packer().PackToBytes(value)
				assert.NoError(t, err)
				if err := m.Add(ctx, key, p, len(p)); err != nil {
					t.Fatal(err)
				}
			}
			assert.NoError(t, m.SwitchToReading(ctx))
			if m.Runs() < 2 {
				t.Fatalf("got %d runs, want several", m.Runs())
			}
			got := readAll(t, m)
			if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Key.(string) < got[j].Key.(string) }) {
				t.Error("keys not sorted")
			}
			if got, want := len(got), len(want); got != want {
				t.Fatalf("got %v keys, want %v", got, want)
			}
			for _, g := range got {
				key := g.Key.(string)
				gotVals := make([]string, len(g.Values))
				for i, v := range g.Values {
					gotVals[i] = fmt.Sprint(v)
				}
				wantVals := make([]string, len(want[key]))
				for i, v := range want[key] {
					wantVals[i] = fmt.Sprint(v)
				}
				sort.Strings(gotVals)
				sort.Strings(wantVals)
				if !reflect.DeepEqual(gotVals, wantVals) {
					t.Errorf("key %s: got %v, want %v", key, gotVals, wantVals)
				}
			}
		})
	}
}

func TestSkipValues(t *testing.T) {
	m, cleanup := newMerger(t, Options{
		KeyType:         packer.Integer,
		DataType:        packer.Integer,
		MaxKeysInMemory: 2,
	})
	defer cleanup()
	ctx := context.Background()
	for i := int32(0); i < 30; i++ {
		p, _ := packer.Integer.Packer().PackToBytes(i)
		assert.NoError(t, m.Add(ctx, i%5, p, len(p)))
	}
	assert.NoError(t, m.SwitchToReading(ctx))
	it, err := m.ReadIterator()
	assert.NoError(t, err)
	var keys []interface{}
	for it.Next() {
		// Read only the first value of each key.
		if !it.Values().Next() {
			t.Fatal("no values")
		}
		keys = append(keys, it.Key())
	}
	assert.NoError(t, it.Err())
	if got, want := keys, []interface{}{int32(0), int32(1), int32(2), int32(3), int32(4)}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParallelSort(t *testing.T) {
	m, cleanup := newMerger(t, Options{
		KeyType:     packer.Long,
		DataType:    packer.Long,
		Parallelism: 5,
	})
	defer cleanup()
	ctx := context.Background()
	const n = 10000
	for i := 0; i < n; i++ {
		// A permutation of [0, n).
		k := int64((i * 7919) % n)
		p, _ := packer.Long.Packer().PackToBytes(k)
		assert.NoError(t, m.Add(ctx, k, p, len(p)))
	}
	assert.NoError(t, m.SwitchToReading(ctx))
	got := readAll(t, m)
	assert.EQ(t, len(got), n)
	for i, g := range got {
		if g.Key != int64(i) {
			t.Fatalf("key %d: got %v", i, g.Key)
		}
	}
}

func TestRejectedSpill(t *testing.T) {
	pool := NewPool(1)
	block := make(chan struct{})
	if !pool.TryGo(func() { <-block }) {
		t.Fatal("pool rejected first task")
	}
	m, cleanup := newMerger(t, Options{
		KeyType:         packer.String,
		DataType:        packer.String,
		MaxKeysInMemory: 1,
		Pool:            pool,
	})
	defer cleanup()
	add(t, m, "a", "1")
	add(t, m, "b", "2")
	if got, want := m.Runs(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := m.opts.Stats.Int("rejectedspills").Get(), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	close(block)
	pool.Wait()
	add(t, m, "c", "3")
	if got, want := m.Runs(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, m.SwitchToReading(context.Background()))
	got := readAll(t, m)
	want := []group0{
		{"a", []interface{}{"1"}},
		{"b", []interface{}{"2"}},
		{"c", []interface{}{"3"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRejectedSpillRegroup(t *testing.T) {
	pool := NewPool(1)
	block := make(chan struct{})
	if !pool.TryGo(func() { <-block }) {
		t.Fatal("pool rejected first task")
	}
	m, cleanup := newMerger(t, Options{
		KeyType:         packer.Integer,
		DataType:        packer.String,
		MaxKeysInMemory: 2,
		Pool:            pool,
	})
	defer cleanup()
	add(t, m, int32(2), "b")
	add(t, m, int32(1), "a")
	// Both of these spills are rejected; keys arrived out of order, and
	// key 1 is added again after the first rejection.
	add(t, m, int32(3), "c")
	add(t, m, int32(1), "a2")
	if got, want := m.opts.Stats.Int("rejectedspills").Get(), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	close(block)
	pool.Wait()
	assert.NoError(t, m.SwitchToReading(context.Background()))
	got := readAll(t, m)
	want := []group0{
		{int32(1), []interface{}{"a", "a2"}},
		{int32(2), []interface{}{"b"}},
		{int32(3), []interface{}{"c"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCorruptRun(t *testing.T) {
	m, cleanup := newMerger(t, Options{
		KeyType:         packer.String,
		DataType:        packer.String,
		MaxKeysInMemory: 1,
	})
	defer cleanup()
	add(t, m, "a", "1")
	add(t, m, "b", "2")
	ctx := context.Background()
	assert.NoError(t, m.SwitchToReading(ctx))
	// Truncate the run within its first record.
	assert.NoError(t, ioutil.WriteFile(runPath(m.Dir(), 0), []byte{0, 0, 0, 1, 'a', 0}, 0644))
	_, err := m.ReadIterator()
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
}
