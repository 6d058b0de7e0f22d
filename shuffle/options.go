// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"os"
	"runtime"

	"github.com/grailbio/bigcomm/commconfig"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/stats"
	"golang.org/x/sync/errgroup"
)

// Options configures a Merger.
type Options struct {
	// Dir is the base directory under which the merger creates its
	// run directory. Defaults to os.TempDir().
	Dir string
	// Name is the name of the merger's run directory within Dir. It is
	// typically the operation name. Defaults to a random UUID.
	Name string

	// KeyType and DataType are the wire types of keys and values.
	KeyType, DataType packer.Type
	// Compare orders keys. If nil, the natural order of KeyType is
	// used; keys without a natural order (objects) are ordered by their
	// packed bytes.
	Compare packer.Comparator

	// MaxBytesInMemory, MaxRecordsInMemory and MaxKeysInMemory are the
	// thresholds at which in-memory records are spilled to a run.
	MaxBytesInMemory   int64
	MaxRecordsInMemory int
	MaxKeysInMemory    int

	// Compression is the run file codec: commconfig.None or
	// commconfig.LZ4.
	Compression string

	// Pool is the worker pool on which runs are written. Pools may be
	// shared among mergers. Defaults to a private single-worker pool.
	Pool *Pool
	// Parallelism bounds the concurrency of in-memory sorting and
	// decoding. Defaults to runtime.NumCPU().
	Parallelism int

	// Stats, if set, receives the merger's counters.
	Stats *stats.Map
}

// OptionsFromConfig returns options populated from the shuffle
// section of a configuration.
func OptionsFromConfig(c commconfig.Shuffle) Options {
	return Options{
		Dir:                c.Dir,
		MaxBytesInMemory:   c.MaxBytesInMemory,
		MaxRecordsInMemory: c.MaxRecordsInMemory,
		MaxKeysInMemory:    c.MaxKeysInMemory,
		Compression:        c.Compression,
	}
}

func (o *Options) setDefaults() {
	def := commconfig.Default().Shuffle
	if o.Dir == "" {
		o.Dir = os.TempDir()
	}
	if o.MaxBytesInMemory <= 0 {
		o.MaxBytesInMemory = def.MaxBytesInMemory
	}
	if o.MaxRecordsInMemory <= 0 {
		o.MaxRecordsInMemory = def.MaxRecordsInMemory
	}
	if o.MaxKeysInMemory <= 0 {
		o.MaxKeysInMemory = def.MaxKeysInMemory
	}
	if o.Compression == "" {
		o.Compression = commconfig.None
	}
	if o.Pool == nil {
		o.Pool = NewPool(1)
	}
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.NumCPU()
	}
	if o.Stats == nil {
		o.Stats = stats.NewMap()
	}
}

// A Pool runs spill writes asynchronously on a bounded number of
// goroutines. Submissions beyond the bound are rejected rather than
// queued.
type Pool struct {
	g errgroup.Group
}

// NewPool returns a pool that runs at most n writes concurrently.
func NewPool(n int) *Pool {
	p := new(Pool)
	p.g.SetLimit(n)
	return p
}

// TryGo runs f on the pool if a worker is available and reports
// whether it did.
func (p *Pool) TryGo(f func()) bool {
	return p.g.TryGo(func() error {
		f()
		return nil
	})
}

// Wait waits for all submitted writes to complete.
func (p *Pool) Wait() {
	_ = p.g.Wait()
}
