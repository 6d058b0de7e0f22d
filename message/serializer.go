// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package message

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/bufpool"
	"github.com/grailbio/bigcomm/packer"
)

// SendState is the serialization progress of an outgoing message.
type SendState int

const (
	// Init: nothing has been written.
	Init SendState = iota
	// HeaderBuilt: the header occupies the first buffer.
	HeaderBuilt
	// Body: the body is partially written.
	Body
	// Finished: the message is completely serialized.
	Finished
)

func (s SendState) String() string {
	switch s {
	case Init:
		return "init"
	case HeaderBuilt:
		return "header-built"
	case Body:
		return "body"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("sendstate(%d)", int(s))
	}
}

// An OutMessage is a message under construction. Its buffers are
// acquired one at a time by a Serializer; serialization may stop when
// the pool is exhausted and be resumed later.
type OutMessage struct {
	Edge   int
	Flags  Flags
	Header Header

	// Keyed tells whether the payload is a Tuple.
	Keyed             bool
	KeyType, DataType packer.Type
	// Payload is the value (or Tuple, if Keyed) to send. It is
	// ignored for messages flagged Empty.
	Payload interface{}

	state   SendState
	body    packer.State
	buffers []*bufpool.Buffer
}

// State returns the message's serialization state.
func (m *OutMessage) State() SendState { return m.state }

// Message returns the serialized message. It may only be called once
// the message is Finished; ownership of the buffers passes to the
// returned Message.
func (m *OutMessage) Message() *Message {
	if m.state != Finished {
		panic("message: Message called on unfinished message")
	}
	w := &Message{Edge: m.Edge, Flags: m.Flags, Buffers: m.buffers}
	m.buffers = nil
	return w
}

// Discard releases any buffers held by a partially serialized message.
func (m *OutMessage) Discard() {
	for _, b := range m.buffers {
		b.Release()
	}
	m.buffers = nil
}

func (m *OutMessage) pack() error {
	m.body.Reset()
	if m.Flags.Has(Empty) {
		return nil
	}
	if !m.Keyed {
		p, err := m.DataType.Packer().PackToBytes(m.Payload)
		if err != nil {
			return err
		}
		m.body.Data = p
		return nil
	}
	t, ok := m.Payload.(Tuple)
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("message: keyed edge requires a Tuple, got %T", m.Payload))
	}
	kp := m.KeyType.Packer()
	key, err := kp.PackToBytes(t.Key)
	if err != nil {
		return err
	}
	val, err := m.DataType.Packer().PackToBytes(t.Value)
	if err != nil {
		return err
	}
	var p []byte
	if kp.HeaderRequired() {
		p = make([]byte, 4, 4+len(key)+len(val))
		order.PutUint32(p, uint32(len(key)))
	}
	p = append(p, key...)
	m.body.Data = append(p, val...)
	return nil
}

// A Serializer converts OutMessages into buffer chains drawn from a
// pool.
type Serializer struct {
	Pool *bufpool.Pool
}

// Build continues serializing m. It returns true once m is Finished
// and false if the pool ran out of buffers first; in that case Build
// should be called again later with the same message. Errors are
// protocol violations: the pool's buffers cannot hold a header, or the
// payload cannot be packed with the edge's types.
func (s *Serializer) Build(m *OutMessage) (bool, error) {
	for m.state != Finished {
		b, ok := s.Pool.TryGet()
		if !ok {
			return false, nil
		}
		off := 0
		if m.state == Init {
			if err := m.Header.Encode(b.Data()); err != nil {
				b.Release()
				return false, err
			}
			if err := m.pack(); err != nil {
				b.Release()
				return false, err
			}
			m.Header.Length = int32(len(m.body.Data))
			order.PutUint32(b.Data()[lengthOffset:], uint32(m.Header.Length))
			off = HeaderSize
			m.state = HeaderBuilt
		}
		n, done := m.DataType.Packer().WriteToBuffer(b.Data()[off:], &m.body)
		b.SetLen(off + n)
		m.buffers = append(m.buffers, b)
		if done {
			m.state = Finished
		} else {
			m.state = Body
		}
	}
	return true, nil
}
