// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"fmt"

	"github.com/grailbio/bigcomm/message"
	"github.com/grailbio/bigcomm/receiver"
	"github.com/grailbio/bigcomm/shuffle"
)

// BatchFunc receives all of a target's values once every source has
// finished.
type BatchFunc func(target int, values []interface{})

// StreamFunc receives a target's values one at a time. It returns
// false to refuse a value, which is then offered again on a later call
// to Progress.
type StreamFunc func(target int, value interface{}) bool

func (c *Communicator) pendingMax() int { return c.Config.Network.SendPendingMax }

// NewBatchGather returns a gather: each target receives the values of
// every source, assembled in rounds that take one value from each
// source, and handed to fn once all sources have finished.
func NewBatchGather(c *Communicator, e Edge, fn BatchFunc) *Operation {
	return c.newOperation(e,
		&receiver.Round{PendingMax: c.pendingMax()},
		&receiver.Batch{Func: fn},
		false)
}

// NewStreamGather returns a gather that streams each target's values
// to fn as rounds complete.
func NewStreamGather(c *Communicator, e Edge, fn StreamFunc) *Operation {
	return c.newOperation(e,
		&receiver.Round{PendingMax: c.pendingMax()},
		&receiver.Stream{Func: fn, PendingMax: c.pendingMax()},
		false)
}

// NewBatchReduce returns a reduction: the values received by each
// target are folded with reduce, and the result handed to fn once all
// sources have finished. Reduce must be associative and commutative.
func NewBatchReduce(c *Communicator, e Edge, reduce Func, fn func(target int, value interface{})) *Operation {
	return c.newOperation(e,
		&receiver.Round{PendingMax: c.pendingMax(), Combine: reduce.fold},
		&receiver.Reduce{Op: reduce, Func: fn},
		false)
}

// NewStreamReduce returns a reduction that hands fn the reduction of
// each round, as rounds complete.
func NewStreamReduce(c *Communicator, e Edge, reduce Func, fn StreamFunc) *Operation {
	return c.newOperation(e,
		&receiver.Round{PendingMax: c.pendingMax(), Combine: reduce.fold},
		&receiver.Stream{Func: fn, PendingMax: c.pendingMax()},
		false)
}

// NewBatchPartition returns a partition: each record is sent to the
// target chosen by the edge's selector, and each target's values are
// handed to fn once all sources have finished.
func NewBatchPartition(c *Communicator, e Edge, fn BatchFunc) *Operation {
	return c.newOperation(e,
		&receiver.Direct{PendingMax: c.pendingMax()},
		&receiver.Batch{Func: fn},
		false)
}

// NewStreamPartition returns a partition that streams each target's
// values to fn as they arrive.
func NewStreamPartition(c *Communicator, e Edge, fn StreamFunc) *Operation {
	return c.newOperation(e,
		&receiver.Direct{PendingMax: c.pendingMax()},
		&receiver.Stream{Func: fn, PendingMax: c.pendingMax()},
		false)
}

// NewBroadcast returns a broadcast: every record is sent to every
// target and streamed to fn as it arrives.
func NewBroadcast(c *Communicator, e Edge, fn StreamFunc) *Operation {
	return c.newOperation(e,
		&receiver.Direct{PendingMax: c.pendingMax()},
		&receiver.Stream{Func: fn, PendingMax: c.pendingMax()},
		true)
}

// NewKeyedGather returns a keyed gather backed by a disk shuffle:
// records are partitioned by key, each target accumulates its records
// in a shuffle.Merger that spills to disk as needed, and fn is handed
// an iterator over the target's keys in sorted order once all sources
// have finished. The merger's key and data types are those of the
// edge; unset thresholds are taken from the communicator's
// configuration. A target's read-out, including fn, runs within a
// call to Progress once the target's last batch has arrived, and
// blocks that call until fn returns; it waits for any spill still
// being written.
func NewKeyedGather(c *Communicator, e Edge, opts shuffle.Options, fn func(target int, it *shuffle.Iterator) error) *Operation {
	mustKeyed(e, "NewKeyedGather")
	def := shuffle.OptionsFromConfig(c.Config.Shuffle)
	if opts.Dir == "" {
		opts.Dir = def.Dir
	}
	if opts.MaxBytesInMemory == 0 {
		opts.MaxBytesInMemory = def.MaxBytesInMemory
	}
	if opts.MaxRecordsInMemory == 0 {
		opts.MaxRecordsInMemory = def.MaxRecordsInMemory
	}
	if opts.MaxKeysInMemory == 0 {
		opts.MaxKeysInMemory = def.MaxKeysInMemory
	}
	if opts.Compression == "" {
		opts.Compression = def.Compression
	}
	if opts.Pool == nil {
		opts.Pool = shuffle.NewPool(c.Config.Shuffle.Workers)
	}
	opts.KeyType, opts.DataType = e.KeyType, e.DataType
	return c.newOperation(e,
		&receiver.Direct{PendingMax: c.pendingMax()},
		&receiver.Disk{Options: opts, Func: fn},
		false)
}

// NewKeyedReduce returns a keyed reduction: records are partitioned by
// key, values of equal keys are folded with reduce, and each target's
// reduced tuples are handed to fn, sorted by key, once all sources
// have finished.
func NewKeyedReduce(c *Communicator, e Edge, reduce Func, fn func(target int, tuples []message.Tuple)) *Operation {
	mustKeyed(e, "NewKeyedReduce")
	return c.newOperation(e,
		&receiver.Direct{PendingMax: c.pendingMax()},
		&receiver.KeyedReduce{KeyType: e.KeyType, Op: reduce, Func: fn},
		false)
}

// NewStreamKeyedPartition returns a keyed partition that streams each
// target's records to fn as they arrive.
func NewStreamKeyedPartition(c *Communicator, e Edge, fn func(target int, key, value interface{}) bool) *Operation {
	mustKeyed(e, "NewStreamKeyedPartition")
	stream := func(target int, v interface{}) bool {
		t := v.(message.Tuple)
		return fn(target, t.Key, t.Value)
	}
	return c.newOperation(e,
		&receiver.Direct{PendingMax: c.pendingMax()},
		&receiver.Stream{Func: stream, PendingMax: c.pendingMax()},
		false)
}

func mustKeyed(e Edge, op string) {
	if !e.Keyed {
		panic(fmt.Sprintf("bigcomm.%s: edge %s is not keyed", op, e.Name))
	}
}
