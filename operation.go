// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/message"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/receiver"
	"github.com/grailbio/bigcomm/stats"
)

// An Edge describes the tasks and types of a collective operation.
// Every worker participating in the operation constructs it with the
// same Edge.
type Edge struct {
	// ID identifies the edge on the network. If zero, the
	// communicator's next edge identifier is used.
	ID int
	// Name is used in logs. Defaults to "edge<ID>".
	Name string
	// Sources and Targets are the tasks that send and receive.
	Sources, Targets []int
	// Keyed tells whether records carry keys.
	Keyed bool
	// KeyType and DataType are the wire types of keys and values.
	KeyType, DataType packer.Type
	// Selector chooses destination targets. Defaults to hashing keys
	// on keyed edges and round robin otherwise.
	Selector plan.Selector
}

// State is the lifecycle state of an operation.
type State int

const (
	// Created: no record has been sent.
	Created State = iota
	// Sending: local sources are sending records.
	Sending
	// Draining: every local source has finished; messages are still
	// in flight.
	Draining
	// Closed: the operation is complete.
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Sending:
		return "sending"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type outbound struct {
	dest int
	msg  *message.OutMessage
	wire *message.Message
}

type relay struct {
	hop int
	msg *message.Message
}

// An Operation is one worker's instance of a collective operation on
// an edge. Records are sent from the worker's source tasks with Send;
// the operation is driven by repeated calls to Progress, which never
// block. Operations may be used from multiple goroutines; calls are
// serialized.
type Operation struct {
	comm      *Communicator
	edge      Edge
	broadcast bool

	partial receiver.Partial
	final   receiver.Final

	mu         sync.Mutex
	state      State
	serializer message.Serializer
	sources    map[int]bool // local source -> finished
	outbound   []*outbound
	relays     []relay
	err        error

	nsent, nreceived, nrelayed, nbackpressure *stats.Int
}

func (c *Communicator) newOperation(e Edge, partial receiver.Partial, final receiver.Final, broadcast bool) *Operation {
	if e.ID == 0 {
		e.ID = c.NextEdge()
	}
	if e.Name == "" {
		e.Name = fmt.Sprintf("edge%d", e.ID)
	}
	if len(e.Targets) == 0 {
		panic(fmt.Sprintf("bigcomm: edge %s has no targets", e.Name))
	}
	for _, task := range append(append([]int(nil), e.Sources...), e.Targets...) {
		if _, ok := c.Plan.WorkerOf(task); !ok {
			panic(fmt.Sprintf("bigcomm: edge %s: task %d is not in the plan", e.Name, task))
		}
	}
	if e.Selector == nil {
		if e.Keyed {
			e.Selector = &plan.HashSelector{KeyType: e.KeyType}
		} else {
			e.Selector = new(plan.RoundRobinSelector)
		}
	}
	e.Selector.Prepare(e.Sources, e.Targets)
	o := &Operation{
		comm:          c,
		edge:          e,
		broadcast:     broadcast,
		partial:       partial,
		final:         final,
		serializer:    message.Serializer{Pool: c.Pool},
		sources:       make(map[int]bool),
		nsent:         c.Stats.Int("sent"),
		nreceived:     c.Stats.Int("received"),
		nrelayed:      c.Stats.Int("relayed"),
		nbackpressure: c.Stats.Int("backpressure"),
	}
	for _, src := range c.Plan.Local(e.Sources) {
		o.sources[src] = false
	}
	expected := make(receiver.Expected)
	for _, target := range c.Plan.Local(e.Targets) {
		expected[target] = e.Sources
	}
	final.Init(expected)
	partial.Init(expected, final)
	c.Channel.Register(e.ID, o.handle)
	log.Debug.Printf("bigcomm: %s: %d local sources, %d local targets", e.Name, len(o.sources), len(expected))
	return o
}

// Edge returns the operation's edge.
func (o *Operation) Edge() Edge { return o.edge }

// State returns the operation's state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the error that aborted the operation, if any.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Send sends a record from the local task source. The key is ignored
// on unkeyed edges. Send returns false if the operation's outbound
// queue is full; the caller should call Progress and retry. If flags
// has message.Last set, the record is the source's last and the
// source is finished. Once the operation has failed, records are
// discarded; see Err. Send panics if source is not a local source of
// the edge or has already finished.
func (o *Operation) Send(source int, key, value interface{}, flags message.Flags) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checkSource(source)
	if o.err != nil {
		if flags.Has(message.Last) {
			o.sources[source] = true
		}
		return true
	}
	var payload interface{} = value
	if o.edge.Keyed {
		payload = message.Tuple{Key: key, Value: value}
	}
	max := o.comm.Config.Network.SendPendingMax
	if o.broadcast {
		if len(o.outbound) > 0 && len(o.outbound)+len(o.edge.Targets) > max {
			o.nbackpressure.Add(1)
			return false
		}
		for _, target := range o.edge.Targets {
			o.enqueue(source, target, 0, payload)
		}
	} else {
		dest := o.edge.Selector.Next(source, key, value)
		if len(o.outbound) >= max {
			o.edge.Selector.Undo(source)
			o.nbackpressure.Add(1)
			return false
		}
		o.enqueue(source, dest, 0, payload)
		o.edge.Selector.Commit(source, dest)
	}
	if o.state == Created {
		o.state = Sending
	}
	if flags.Has(message.Last) {
		o.finish(source)
	}
	return true
}

// Finish marks the local task source as finished: each target is sent
// a control message telling it that source has no more records. Finish
// panics if source is not a local source of the edge or has already
// finished.
func (o *Operation) Finish(source int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checkSource(source)
	o.finish(source)
}

func (o *Operation) checkSource(source int) {
	finished, ok := o.sources[source]
	if !ok {
		panic(fmt.Sprintf("bigcomm: %s: task %d is not a local source", o.edge.Name, source))
	}
	if finished {
		panic(fmt.Sprintf("bigcomm: %s: send from task %d after it finished", o.edge.Name, source))
	}
}

func (o *Operation) finish(source int) {
	o.sources[source] = true
	if o.err == nil {
		for _, target := range o.edge.Targets {
			o.enqueue(source, target, message.Last|message.Empty, nil)
		}
	}
	for _, finished := range o.sources {
		if !finished {
			return
		}
	}
	if o.state < Draining {
		o.state = Draining
	}
}

func (o *Operation) enqueue(source, dest int, flags message.Flags, payload interface{}) {
	o.outbound = append(o.outbound, &outbound{
		dest: dest,
		msg: &message.OutMessage{
			Edge:  o.edge.ID,
			Flags: flags,
			Header: message.Header{
				Source: int32(source),
				Path:   int32(dest),
			},
			Keyed:    o.edge.Keyed,
			KeyType:  o.edge.KeyType,
			DataType: o.edge.DataType,
			Payload:  payload,
		},
	})
}

// Progress performs any work that can be done without blocking:
// serializing and sending queued records, relaying messages, delivering
// received messages and forwarding completed batches. Progress returns
// true while the operation has work outstanding; callers invoke it
// repeatedly until it returns false.
func (o *Operation) Progress() bool {
	o.mu.Lock()
	o.flush()
	o.mu.Unlock()
	// Handlers for this operation run during channel progress.
	o.comm.Channel.Progress()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flush()
	if o.err != nil {
		return false
	}
	if o.state == Closed {
		return len(o.relays) > 0
	}
	o.partial.Progress()
	o.final.Progress()
	if err := o.final.Err(); err != nil {
		o.abort(err)
		return false
	}
	if o.complete() {
		o.state = Closed
		log.Debug.Printf("bigcomm: %s: complete", o.edge.Name)
		return len(o.relays) > 0
	}
	return true
}

// IsComplete tells whether the operation has sent all of its local
// sources' records and delivered all of its local targets' results.
func (o *Operation) IsComplete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == Closed
}

func (o *Operation) complete() bool {
	for _, finished := range o.sources {
		if !finished {
			return false
		}
	}
	return len(o.outbound) == 0 && o.partial.IsComplete() && o.final.IsComplete()
}

// Close unregisters the operation from the channel. Messages that
// arrive for the edge afterwards are not delivered or relayed.
func (o *Operation) Close() {
	o.comm.Channel.Unregister(o.edge.ID)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.discard()
	if c, ok := o.final.(interface{ Close() }); ok {
		c.Close()
	}
	o.state = Closed
}

// flush serializes and sends queued messages in order, stopping at
// the first message that cannot proceed.
func (o *Operation) flush() {
	for len(o.outbound) > 0 && o.err == nil {
		ob := o.outbound[0]
		if ob.wire == nil {
			done, err := o.serializer.Build(ob.msg)
			if err != nil {
				o.abort(err)
				return
			}
			if !done {
				break
			}
			ob.wire = ob.msg.Message()
		}
		worker, _ := o.comm.Plan.WorkerOf(ob.dest)
		if !o.comm.Channel.Send(o.comm.hop(worker), ob.wire) {
			break
		}
		o.nsent.Add(1)
		o.outbound[0] = nil
		o.outbound = o.outbound[1:]
	}
	for len(o.relays) > 0 {
		r := o.relays[0]
		if !o.comm.Channel.Send(r.hop, r.msg) {
			break
		}
		o.relays[0] = relay{}
		o.relays = o.relays[1:]
	}
}

// handle is the channel handler for the operation's edge.
func (o *Operation) handle(from int, m *message.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		m.Release()
		return true
	}
	h, err := m.Header()
	if err != nil {
		o.abort(err)
		m.Release()
		return true
	}
	target := int(h.Path)
	worker, ok := o.comm.Plan.WorkerOf(target)
	if !ok {
		o.abort(errors.E(errors.Invalid, fmt.Sprintf("bigcomm: %s: message from worker %d for unknown task %d", o.edge.Name, from, target)))
		m.Release()
		return true
	}
	if worker != o.comm.Plan.ThisWorker() {
		if len(o.relays) >= o.comm.Config.Network.SendPendingMax {
			o.nbackpressure.Add(1)
			return false
		}
		o.relays = append(o.relays, relay{o.comm.hop(worker), m})
		o.nrelayed.Add(1)
		return true
	}
	value, err := message.Decode(m, o.edge.Keyed, o.edge.KeyType, o.edge.DataType)
	if err != nil {
		o.abort(err)
		m.Release()
		return true
	}
	accepted, err := o.partial.OnMessage(int(h.Source), target, m.Flags, value)
	if err != nil {
		o.abort(err)
		m.Release()
		return true
	}
	if !accepted {
		o.nbackpressure.Add(1)
		return false
	}
	m.Release()
	o.nreceived.Add(1)
	return true
}

// abort fails the operation with a protocol error. The worker and
// other operations are unaffected.
func (o *Operation) abort(err error) {
	if o.err != nil {
		return
	}
	o.err = err
	log.Error.Printf("bigcomm: %s: aborting: %v", o.edge.Name, err)
	o.discard()
}

func (o *Operation) discard() {
	for _, ob := range o.outbound {
		if ob.wire != nil {
			ob.wire.Release()
		} else {
			ob.msg.Discard()
		}
	}
	o.outbound = nil
	for _, r := range o.relays {
		r.msg.Release()
	}
	o.relays = nil
}
