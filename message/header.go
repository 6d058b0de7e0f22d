// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package message defines the wire representation of messages moved
// between workers: a fixed 16-byte header followed by a body that may
// span several pooled buffers. It also provides the send-side
// serialization state machine and the receive-side decoder.
package message

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// HeaderSize is the size of the fixed message header.
const HeaderSize = 16

// lengthOffset is the offset of the payload length within the header.
// The length is patched in after the body size is known.
const lengthOffset = 12

var order = binary.BigEndian

// Header is the fixed prefix of every message.
type Header struct {
	// Source is the task that produced the message.
	Source int32
	// Path is the grouping tag of the message. Collective operations
	// use it to carry the destination task.
	Path int32
	// SubEdge identifies a sub-stream of the logical edge.
	SubEdge int32
	// Length is the length of the body in bytes.
	Length int32
}

// Encode writes the header into p. Encode returns an error if p cannot
// hold the complete header; this is a protocol violation.
func (h Header) Encode(p []byte) error {
	if len(p) < HeaderSize {
		return errors.E(errors.Invalid, fmt.Sprintf("message: buffer of %d bytes cannot hold the %d-byte header", len(p), HeaderSize))
	}
	order.PutUint32(p[0:], uint32(h.Source))
	order.PutUint32(p[4:], uint32(h.Path))
	order.PutUint32(p[8:], uint32(h.SubEdge))
	order.PutUint32(p[lengthOffset:], uint32(h.Length))
	return nil
}

// DecodeHeader reads a header from p.
func DecodeHeader(p []byte) (Header, error) {
	if len(p) < HeaderSize {
		return Header{}, errors.E(errors.Invalid, fmt.Sprintf("message: %d bytes do not contain a complete header", len(p)))
	}
	h := Header{
		Source:  int32(order.Uint32(p[0:])),
		Path:    int32(order.Uint32(p[4:])),
		SubEdge: int32(order.Uint32(p[8:])),
		Length:  int32(order.Uint32(p[lengthOffset:])),
	}
	if h.Length < 0 {
		return Header{}, errors.E(errors.Invalid, fmt.Sprintf("message: negative body length %d", h.Length))
	}
	return h, nil
}

// Flags are per-message control bits.
type Flags uint32

const (
	// Last marks the last message from a source to a target.
	Last Flags = 1 << iota
	// Empty marks a control message that carries no payload.
	Empty
)

// Has tells whether all of the bits in g are set in f.
func (f Flags) Has(g Flags) bool { return f&g == g }

// String returns a readable representation of the flags.
func (f Flags) String() string {
	var s []string
	if f.Has(Last) {
		s = append(s, "last")
	}
	if f.Has(Empty) {
		s = append(s, "empty")
	}
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, "|")
}

// A Tuple is a keyed value.
type Tuple struct {
	Key, Value interface{}
}
