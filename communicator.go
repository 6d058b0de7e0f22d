// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"sync"

	"github.com/grailbio/bigcomm/bufpool"
	"github.com/grailbio/bigcomm/channel"
	"github.com/grailbio/bigcomm/commconfig"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/stats"
)

// A Communicator is one worker's handle on the job's collective
// operations. It owns the worker's buffer pool and hands out edge
// identifiers.
type Communicator struct {
	// Config is the runtime configuration.
	Config commconfig.Config
	// Plan is the placement of tasks onto workers.
	Plan *plan.Plan
	// Channel is the worker's transport.
	Channel channel.Channel
	// Pool is the buffer pool from which messages are serialized. It is
	// shared by all of the communicator's operations.
	Pool *bufpool.Pool
	// Stats holds counters aggregated over the communicator's
	// operations.
	Stats *stats.Map

	route plan.Route

	mu   sync.Mutex
	edge int
}

// New returns a communicator for the worker described by p, sending
// and receiving on ch.
func New(config commconfig.Config, p *plan.Plan, ch channel.Channel) (*Communicator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	route, err := plan.RouteFor(config.Network.PartitionAlgorithm)
	if err != nil {
		return nil, err
	}
	return &Communicator{
		Config:  config,
		Plan:    p,
		Channel: ch,
		Pool:    bufpool.New(config.Network.BufferSize, config.Network.Buffers),
		Stats:   stats.NewMap(),
		route:   route,
	}, nil
}

// NextEdge returns a fresh edge identifier. Identifiers are assigned
// sequentially from 1, so workers that create the same operations in
// the same order agree on them.
func (c *Communicator) NextEdge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edge++
	return c.edge
}

// hop returns the worker to which a message bound for worker should
// be handed.
func (c *Communicator) hop(worker int) int {
	return c.route(c.Plan, worker)
}
