// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package commtest provides an in-process cluster for testing
// collective operations. The utilities here favor simplicity over
// performance; they are intended for unit tests and benchmarks.
package commtest

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/channel"
	"github.com/grailbio/bigcomm/commconfig"
	"github.com/grailbio/bigcomm/coord"
	"github.com/grailbio/bigcomm/message"
	"github.com/grailbio/bigcomm/plan"
	"golang.org/x/sync/errgroup"
)

// SetupTimeout bounds the time workers wait for one another while a
// cluster is set up.
var SetupTimeout = time.Minute

// A Cluster is a set of workers connected by a loopback network.
type Cluster struct {
	Network *channel.Network
	// Comms holds each worker's communicator, indexed by worker.
	Comms []*bigcomm.Communicator
}

// NewCluster returns a cluster of n workers with tasks assigned to
// workers by the provided mapping. Each worker's network endpoint
// buffers up to the configured send pending max messages.
func NewCluster(n int, tasks map[int]int, config commconfig.Config) (*Cluster, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &Cluster{
		Network: channel.NewNetwork(config.Network.SendPendingMax),
		Comms:   make([]*bigcomm.Communicator, n),
	}
	group := coord.NewGroup(n)
	ctx, cancel := context.WithTimeout(context.Background(), SetupTimeout)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		ctl := group.Join(w, fmt.Sprintf("local:%d", w))
		ep := c.Network.Endpoint(w)
		g.Go(func() error {
			workers, err := ctl.AllWorkers(ctx)
			if err != nil {
				return err
			}
			if err := ep.StartListening(); err != nil {
				return err
			}
			peers := make([]int, 0, len(workers))
			for _, info := range workers {
				if info.ID != ctl.WorkerID() {
					peers = append(peers, info.ID)
				}
			}
			if err := ep.StartConnections(peers); err != nil {
				return err
			}
			if err := ep.WaitForConnections(ctx); err != nil {
				return err
			}
			comm, err := bigcomm.New(config, plan.NewPlan(ctl.WorkerID(), tasks), ep)
			if err != nil {
				return err
			}
			c.Comms[ctl.WorkerID()] = comm
			return ctl.WaitOnBarrier(ctx, SetupTimeout)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c, nil
}

// Close closes every worker's endpoint.
func (c *Cluster) Close() {
	for w := range c.Comms {
		c.Network.Endpoint(w).Close()
	}
}

// A Record is a key and value to be sent. Keys are ignored on
// unkeyed edges.
type Record struct {
	Key, Value interface{}
}

// A Feed is the sequence of records sent by one source of an
// operation. The source is finished after its last record.
type Feed struct {
	Op      *bigcomm.Operation
	Source  int
	Records []Record

	next     int
	finished bool
}

// push sends the feed's next record, if the operation accepts it, and
// finishes the source after the last record.
func (f *Feed) push() {
	if f.next < len(f.Records) {
		r := f.Records[f.next]
		if f.Op.Send(f.Source, r.Key, r.Value, 0) {
			f.next++
		}
		return
	}
	if !f.finished {
		f.Op.Finish(f.Source)
		f.finished = true
	}
}

// Run sends every feed's records and progresses the operations, which
// must include the feeds' operations on every worker, until each
// operation is complete and the network is idle. Feeds are
// interleaved one record at a time. Run returns the first
// operation error, or the context's error if it expires first.
func (c *Cluster) Run(ctx context.Context, feeds []*Feed, ops ...*bigcomm.Operation) error {
	for {
		if err := ctx.Err(); err != nil {
			return errors.E(errors.Timeout, "commtest: operations did not complete", err)
		}
		for _, f := range feeds {
			f.push()
		}
		busy := false
		for _, op := range ops {
			if op.Progress() {
				busy = true
			}
			if err := op.Err(); err != nil {
				return err
			}
		}
		if busy || c.Network.Pending() > 0 {
			continue
		}
		done := true
		for _, f := range feeds {
			if !f.finished {
				done = false
			}
		}
		for _, op := range ops {
			if !op.IsComplete() {
				done = false
			}
		}
		if done {
			return nil
		}
	}
}

// Drive progresses the operations until each is complete and the
// network is idle. Records must already have been sent.
func (c *Cluster) Drive(ctx context.Context, ops ...*bigcomm.Operation) error {
	return c.Run(ctx, nil, ops...)
}

// Values returns records with the given values and no keys.
func Values(values ...interface{}) []Record {
	records := make([]Record, len(values))
	for i, v := range values {
		records[i].Value = v
	}
	return records
}

// Tuples returns records from keyed tuples.
func Tuples(tuples ...message.Tuple) []Record {
	records := make([]Record, len(tuples))
	for i, t := range tuples {
		records[i] = Record{t.Key, t.Value}
	}
	return records
}
