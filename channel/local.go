// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigcomm/message"
)

type envelope struct {
	from int
	m    *message.Message
}

// A Network is an in-process network of workers. Each worker's
// endpoint has a bounded inbound queue per edge; messages on an edge
// are delivered in the order they were sent.
type Network struct {
	mu        sync.Mutex
	cond      *ctxsync.Cond
	capacity  int
	endpoints map[int]*Local
}

// NewNetwork returns a network whose endpoints each buffer at most
// capacity undelivered messages.
func NewNetwork(capacity int) *Network {
	if capacity <= 0 {
		panic(fmt.Sprintf("channel.NewNetwork: invalid capacity %d", capacity))
	}
	n := &Network{capacity: capacity, endpoints: make(map[int]*Local)}
	n.cond = ctxsync.NewCond(&n.mu)
	return n
}

// Endpoint returns the channel for worker, creating it if needed.
func (n *Network) Endpoint(worker int) *Local {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e := n.endpoints[worker]; e != nil {
		return e
	}
	e := &Local{
		net:      n,
		worker:   worker,
		handlers: make(map[int]Handler),
		inbound:  make(map[int][]envelope),
	}
	n.endpoints[worker] = e
	return e
}

// Pending returns the number of undelivered messages in the network.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var total int
	for _, e := range n.endpoints {
		total += e.queued
	}
	return total
}

// Local is a worker's endpoint on a Network. Local is safe for
// concurrent use; calls to Progress are serialized.
type Local struct {
	net    *Network
	worker int

	progressMu sync.Mutex

	// The following are guarded by net.mu.
	listening bool
	peers     []int
	handlers  map[int]Handler
	inbound   map[int][]envelope
	queued    int
	closed    bool
}

var _ Channel = (*Local)(nil)

// Worker returns the endpoint's worker.
func (l *Local) Worker() int { return l.worker }

// StartListening implements Channel.
func (l *Local) StartListening() error {
	l.net.mu.Lock()
	l.listening = true
	l.net.cond.Broadcast()
	l.net.mu.Unlock()
	return nil
}

// StartConnections implements Channel.
func (l *Local) StartConnections(peers []int) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	l.peers = append([]int(nil), peers...)
	sort.Ints(l.peers)
	return nil
}

// WaitForConnections implements Channel. Connections are established
// once every peer is listening.
func (l *Local) WaitForConnections(ctx context.Context) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	for {
		ready := true
		for _, p := range l.peers {
			if e := l.net.endpoints[p]; e == nil || !e.listening {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		if err := l.net.cond.Wait(ctx); err != nil {
			return errors.E(errors.Timeout, fmt.Sprintf("channel: worker %d waiting for peers %v", l.worker, l.peers), err)
		}
	}
}

// Register implements Channel.
func (l *Local) Register(edge int, h Handler) {
	l.net.mu.Lock()
	l.handlers[edge] = h
	l.net.mu.Unlock()
}

// Unregister implements Channel.
func (l *Local) Unregister(edge int) {
	l.net.mu.Lock()
	delete(l.handlers, edge)
	l.net.mu.Unlock()
}

// Send implements Channel.
func (l *Local) Send(worker int, m *message.Message) bool {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	peer := l.net.endpoints[worker]
	if peer == nil || peer.closed {
		log.Error.Printf("channel: worker %d: send to unknown worker %d dropped", l.worker, worker)
		m.Release()
		return true
	}
	if peer.queued >= l.net.capacity {
		return false
	}
	peer.inbound[m.Edge] = append(peer.inbound[m.Edge], envelope{l.worker, m})
	peer.queued++
	return true
}

// Progress implements Channel. Messages on an edge without a
// registered handler stay queued until one is registered. Once a
// handler refuses a message, later messages on the edge from the same
// worker and source task are held back so that they are delivered in
// order; messages from other sources may overtake them.
func (l *Local) Progress() {
	l.progressMu.Lock()
	defer l.progressMu.Unlock()
	l.net.mu.Lock()
	edges := make([]int, 0, len(l.inbound))
	for edge, q := range l.inbound {
		if len(q) > 0 && l.handlers[edge] != nil {
			edges = append(edges, edge)
		}
	}
	l.net.mu.Unlock()
	sort.Ints(edges)
	for _, edge := range edges {
		held := make(map[[2]int]bool)
		for i := 0; ; {
			l.net.mu.Lock()
			q := l.inbound[edge]
			h := l.handlers[edge]
			if l.closed || i >= len(q) || h == nil {
				l.net.mu.Unlock()
				break
			}
			env := q[i]
			l.net.mu.Unlock()
			key := [2]int{env.from, -1}
			if hdr, err := env.m.Header(); err == nil {
				key[1] = int(hdr.Source)
			}
			if held[key] {
				i++
				continue
			}
			// Handlers may send, so they are invoked without the lock.
			if !h(env.from, env.m) {
				held[key] = true
				i++
				continue
			}
			l.net.mu.Lock()
			if l.closed {
				l.net.mu.Unlock()
				return
			}
			q = l.inbound[edge]
			copy(q[i:], q[i+1:])
			q[len(q)-1] = envelope{}
			l.inbound[edge] = q[:len(q)-1]
			l.queued--
			l.net.mu.Unlock()
		}
	}
}

// Close implements Channel.
func (l *Local) Close() error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	for edge, q := range l.inbound {
		for _, env := range q {
			env.m.Release()
		}
		delete(l.inbound, edge)
	}
	l.queued = 0
	l.closed = true
	return nil
}
