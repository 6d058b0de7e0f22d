// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package channel defines the transport used by collective operations
// to move serialized messages between workers, and provides an
// in-process implementation.
package channel

import (
	"context"

	"github.com/grailbio/bigcomm/message"
)

// A Handler is invoked for each message received on an edge. It
// returns false if it cannot accept the message now; the message stays
// queued and is offered again on a later call to Progress, ahead of
// any later message from the same source. A handler that accepts a message takes ownership
// of its buffers.
type Handler func(from int, m *message.Message) bool

// A Channel is one worker's connection to its peers.
type Channel interface {
	// StartListening prepares the channel to accept connections.
	StartListening() error
	// StartConnections initiates connections to the given peers.
	StartConnections(peers []int) error
	// WaitForConnections blocks until every connection initiated by
	// StartConnections is established.
	WaitForConnections(ctx context.Context) error
	// Register installs the handler for messages on an edge.
	Register(edge int, h Handler)
	// Unregister removes the handler for an edge.
	Unregister(edge int)
	// Send enqueues m for delivery to worker. It returns false if the
	// peer cannot accept more messages; the caller retains ownership
	// and retries later. Send never blocks.
	Send(worker int, m *message.Message) bool
	// Progress delivers received messages to their handlers. It never
	// blocks.
	Progress()
	// Close shuts down the channel, releasing undelivered messages.
	Close() error
}
