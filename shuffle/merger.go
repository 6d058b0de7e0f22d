// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shuffle implements an out-of-core sorted merge of keyed
// records. A Merger accumulates records in memory, grouped by key,
// and spills them as sorted runs to disk when configured thresholds are
// crossed. Once writing is done, the runs and the in-memory residue
// are merged into a single iteration over keys in sorted order, each
// with all of its values.
package shuffle

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/stats"
)

type state int

const (
	writing state = iota
	reading
	done
)

// keyRef is a key together with its packed representation. Packed
// keys identify groups and order keys without a natural comparator.
type keyRef struct {
	key    interface{}
	packed []byte
}

// A group is one key's values accumulated in memory, in arrival order.
type group struct {
	keyRef
	values [][]byte
}

// A Merger is an external sorted-merge engine. Add, SwitchToReading,
// ReadIterator and Clean are not safe to call concurrently with one
// another except where noted. Spills run asynchronously on the
// options' Pool, and at most one spill write per Merger is in flight
// at any time.
type Merger struct {
	opts Options
	dir  string
	cmp  func(a, b *keyRef) int

	mu    sync.Mutex
	state state

	// The current generation of in-memory records. A spill replaces
	// the generation wholesale.
	index   map[string]int
	groups  []*group
	records int
	bytes   int64

	// Residue holds the sorted, decoded in-memory records after
	// SwitchToReading.
	residue  []record
	iterated bool

	// Permit serializes spill writes. It holds one token.
	permit *limiter.Limiter
	// Runs is the number of runs submitted for writing.
	runs int
	// Largest is the size of the largest record spilled.
	largest int64

	errMu    sync.Mutex
	spillErr error

	readersMu sync.Mutex
	readers   []*runReader

	nspill, nspillBytes, nrecords, nrejected *stats.Int
}

// New returns a merger with the provided options, creating its run
// directory.
func New(opts Options) (*Merger, error) {
	opts.setDefaults()
	if opts.Name == "" {
		opts.Name = uuid.New().String()
	}
	m := &Merger{
		opts:        opts,
		dir:         filepath.Join(opts.Dir, opts.Name),
		permit:      limiter.New(),
		nspill:      opts.Stats.Int("spills"),
		nspillBytes: opts.Stats.Int("spillbytes"),
		nrecords:    opts.Stats.Int("records"),
		nrejected:   opts.Stats.Int("rejectedspills"),
	}
	m.permit.Release(1)
	if cmp := opts.Compare; cmp != nil {
		m.cmp = func(a, b *keyRef) int { return cmp(a.key, b.key) }
	} else if cmp = packer.Natural(opts.KeyType); cmp != nil {
		m.cmp = func(a, b *keyRef) int { return cmp(a.key, b.key) }
	} else {
		m.cmp = func(a, b *keyRef) int { return bytes.Compare(a.packed, b.packed) }
	}
	m.reset()
	if err := os.MkdirAll(m.dir, 0777); err != nil {
		return nil, errors.E(fmt.Sprintf("shuffle %s: create run directory", opts.Name), err)
	}
	log.Debug.Printf("shuffle %s: spilling to %s (max %s, %d records, %d keys in memory)",
		opts.Name, m.dir, data.Size(opts.MaxBytesInMemory), opts.MaxRecordsInMemory, opts.MaxKeysInMemory)
	return m, nil
}

// Name returns the merger's name.
func (m *Merger) Name() string { return m.opts.Name }

// Dir returns the directory containing the merger's runs.
func (m *Merger) Dir() string { return m.dir }

// Runs returns the number of runs spilled so far.
func (m *Merger) Runs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

// Largest returns the size in bytes of the largest record spilled.
func (m *Merger) Largest() int { return int(atomic.LoadInt64(&m.largest)) }

func (m *Merger) reset() {
	m.index = make(map[string]int)
	m.groups = nil
	m.records = 0
	m.bytes = 0
}

// Add adds a record with the given key whose encoded value is the
// first length bytes of value. If the in-memory thresholds have been
// reached, the current records are spilled first. Add may be called
// concurrently; calls are serialized. Add returns an error if the
// merger is no longer writing or the key cannot be packed.
func (m *Merger) Add(ctx context.Context, key interface{}, value []byte, length int) error {
	if length < 0 || length > len(value) {
		return errors.E(errors.Invalid, fmt.Sprintf("shuffle %s: length %d out of range [0, %d]", m.opts.Name, length, len(value)))
	}
	packed, err := m.opts.KeyType.Packer().PackToBytes(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != writing {
		return errors.E(errors.Precondition, fmt.Sprintf("shuffle %s: add after switching to reading", m.opts.Name))
	}
	if len(m.index) >= m.opts.MaxKeysInMemory ||
		m.records >= m.opts.MaxRecordsInMemory ||
		m.bytes >= m.opts.MaxBytesInMemory {
		if err := m.spill(ctx); err != nil {
			return err
		}
	}
	v := append([]byte(nil), value[:length]...)
	i, ok := m.index[string(packed)]
	if !ok {
		i = len(m.groups)
		m.index[string(packed)] = i
		m.groups = append(m.groups, &group{keyRef: keyRef{key, packed}})
	}
	m.groups[i].values = append(m.groups[i].values, v)
	m.records++
	m.bytes += int64(len(packed) + len(v))
	m.nrecords.Add(1)
	return nil
}

// spill sorts the current generation and submits it for writing to
// the next run. It blocks while a previous spill is being written.
// If the pool rejects the submission, the records stay in memory and
// the spill is attempted again on a later Add. Errors writing the run
// are reported by SwitchToReading. Spill is called with m.mu held.
func (m *Merger) spill(ctx context.Context) error {
	if len(m.groups) == 0 {
		return nil
	}
	if err := m.permit.Acquire(ctx, 1); err != nil {
		return err
	}
	// Sort a copy: m.index refers to positions in m.groups, which must
	// stay valid if the pool rejects the write.
	groups := append([]*group(nil), m.groups...)
	m.sort(groups)
	index := m.runs
	path := runPath(m.dir, index)
	ok := m.opts.Pool.TryGo(func() {
		defer m.permit.Release(1)
		m.write(path, groups)
	})
	if !ok {
		m.permit.Release(1)
		m.nrejected.Add(1)
		log.Error.Printf("shuffle %s: spill of %d records rejected by worker pool; keeping them in memory", m.opts.Name, m.records)
		return nil
	}
	m.runs++
	m.nspill.Add(1)
	log.Debug.Printf("shuffle %s: spilling %d keys, %d records (%s) to %s",
		m.opts.Name, len(groups), m.records, data.Size(m.bytes), path)
	m.reset()
	return nil
}

func (m *Merger) write(path string, groups []*group) {
	w, err := createRun(path, m.opts.KeyType, m.opts.Compression)
	if err != nil {
		m.fail(err)
		return
	}
	var largest int64
	for _, g := range groups {
		for _, v := range g.values {
			if err = w.write(g.packed, v); err != nil {
				break
			}
			if n := int64(len(g.packed) + len(v)); n > largest {
				largest = n
			}
		}
		if err != nil {
			break
		}
	}
	if e := w.Close(); err == nil {
		err = e
	}
	if err != nil {
		log.Error.Printf("shuffle %s: failed to write %s: %v", m.opts.Name, path, err)
		m.fail(errors.E(fmt.Sprintf("shuffle %s: write %s", m.opts.Name, path), err))
		return
	}
	for {
		cur := atomic.LoadInt64(&m.largest)
		if largest <= cur || atomic.CompareAndSwapInt64(&m.largest, cur, largest) {
			break
		}
	}
	m.nspillBytes.Add(w.n)
	log.Debug.Printf("shuffle %s: wrote %s to %s", m.opts.Name, data.Size(w.n), path)
}

func (m *Merger) fail(err error) {
	m.errMu.Lock()
	if m.spillErr == nil {
		m.spillErr = err
	}
	m.errMu.Unlock()
}

// sort sorts groups by key. Chunks are sorted in parallel and then
// merged pairwise.
func (m *Merger) sort(groups []*group) {
	less := func(a, b *group) bool { return m.cmp(&a.keyRef, &b.keyRef) < 0 }
	nchunk := m.opts.Parallelism
	if n := len(groups) / 1024; n < nchunk {
		nchunk = n
	}
	if nchunk <= 1 {
		sort.SliceStable(groups, func(i, j int) bool { return less(groups[i], groups[j]) })
		return
	}
	bounds := make([]int, nchunk+1)
	for i := range bounds {
		bounds[i] = i * len(groups) / nchunk
	}
	_ = traverse.Each(nchunk, func(i int) error {
		chunk := groups[bounds[i]:bounds[i+1]]
		sort.SliceStable(chunk, func(i, j int) bool { return less(chunk[i], chunk[j]) })
		return nil
	})
	scratch := make([]*group, len(groups))
	src, dst := groups, scratch
	for len(bounds) > 2 {
		npair := (len(bounds) - 1) / 2
		_ = traverse.Each(npair, func(i int) error {
			lo, mid, hi := bounds[2*i], bounds[2*i+1], bounds[2*i+2]
			mergeGroups(dst[lo:hi], src[lo:mid], src[mid:hi], less)
			return nil
		})
		next := make([]int, 0, npair+2)
		for i := 0; i < len(bounds); i += 2 {
			next = append(next, bounds[i])
		}
		if (len(bounds)-1)%2 == 1 {
			// Odd chunk out is carried to the next level.
			lo, hi := bounds[len(bounds)-2], bounds[len(bounds)-1]
			copy(dst[lo:hi], src[lo:hi])
			next = append(next, hi)
		}
		bounds = next
		src, dst = dst, src
	}
	if &src[0] != &groups[0] {
		copy(groups, src)
	}
}

func mergeGroups(dst, a, b []*group, less func(a, b *group) bool) {
	i, j, k := 0, 0, 0
	for i < len(a) && j < len(b) {
		if less(b[j], a[i]) {
			dst[k] = b[j]
			j++
		} else {
			dst[k] = a[i]
			i++
		}
		k++
	}
	k += copy(dst[k:], a[i:])
	copy(dst[k:], b[j:])
}

// A record is a decoded in-memory record.
type record struct {
	keyRef
	value interface{}
}

// SwitchToReading transitions the merger from writing to reading. It
// waits for any in-flight spill to complete, then decodes and sorts the
// records still in memory. SwitchToReading returns the first error
// encountered writing a run; in that case the merger's data are
// incomplete.
func (m *Merger) SwitchToReading(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != writing {
		return errors.E(errors.Precondition, fmt.Sprintf("shuffle %s: already switched to reading", m.opts.Name))
	}
	if err := m.permit.Acquire(ctx, 1); err != nil {
		return err
	}
	m.permit.Release(1)
	m.errMu.Lock()
	err := m.spillErr
	m.errMu.Unlock()
	if err != nil {
		return err
	}
	groups := m.groups
	m.sort(groups)
	offsets := make([]int, len(groups)+1)
	for i, g := range groups {
		offsets[i+1] = offsets[i] + len(g.values)
	}
	residue := make([]record, offsets[len(groups)])
	dec := m.opts.DataType.Packer()
	err = traverse.Limit(m.opts.Parallelism).Each(len(groups), func(i int) error {
		g := groups[i]
		for j, p := range g.values {
			v, err := dec.UnpackFromBytes(p)
			if err != nil {
				return errors.E(errors.Integrity, fmt.Sprintf("shuffle %s: decode in-memory value", m.opts.Name), err)
			}
			residue[offsets[i]+j] = record{g.keyRef, v}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.residue = residue
	m.reset()
	m.state = reading
	log.Printf("shuffle %s: reading %d runs and %d in-memory records", m.opts.Name, m.runs, len(residue))
	return nil
}

// Clean removes the merger's runs and run directory. Clean may be
// called more than once and in any state; failures to remove files are
// logged.
func (m *Merger) Clean() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == done {
		return
	}
	if m.state == writing {
		// Wait for an in-flight spill so it does not recreate files.
		if err := m.permit.Acquire(context.Background(), 1); err == nil {
			m.permit.Release(1)
		}
	}
	m.readersMu.Lock()
	for _, r := range m.readers {
		if err := r.close(); err != nil {
			log.Printf("WARNING: shuffle %s: close %s: %v", m.opts.Name, r.f.Name(), err)
		}
	}
	m.readers = nil
	m.readersMu.Unlock()
	for i := 0; i < m.runs; i++ {
		path := runPath(m.dir, i)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("WARNING: shuffle %s: remove %s: %v", m.opts.Name, path, err)
		}
	}
	if err := os.RemoveAll(m.dir); err != nil {
		log.Printf("WARNING: shuffle %s: remove %s: %v", m.opts.Name, m.dir, err)
	}
	m.reset()
	m.residue = nil
	m.state = done
}
