// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package message

import (
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/bufpool"
	"github.com/grailbio/bigcomm/packer"
)

// A Message is a fully serialized message: the sequence of buffers
// holding its header and body. The first buffer begins with the
// header.
type Message struct {
	// Edge is the logical edge on which the message travels.
	Edge int
	// Flags are the message's control flags.
	Flags Flags
	// Buffers holds the message's bytes.
	Buffers []*bufpool.Buffer
}

// Header decodes the message header from the first buffer.
func (m *Message) Header() (Header, error) {
	if len(m.Buffers) == 0 {
		return Header{}, errors.E(errors.Invalid, "message: no buffers")
	}
	return DecodeHeader(m.Buffers[0].Bytes())
}

// Retain takes an additional reference on each of the message's
// buffers.
func (m *Message) Retain() {
	for _, b := range m.Buffers {
		b.Retain()
	}
}

// Release drops a reference on each of the message's buffers.
func (m *Message) Release() {
	for _, b := range m.Buffers {
		b.Release()
	}
}

// Size returns the total number of bytes in the message.
func (m *Message) Size() int {
	var n int
	for _, b := range m.Buffers {
		n += b.Len()
	}
	return n
}

type bodyReader struct {
	bufs   []*bufpool.Buffer
	i, off int
	left   int
}

// NewReader returns a reader over the body of m: the header is
// skipped and reading stops after the header's length.
func NewReader(m *Message) (io.Reader, error) {
	h, err := m.Header()
	if err != nil {
		return nil, err
	}
	return &bodyReader{bufs: m.Buffers, off: HeaderSize, left: int(h.Length)}, nil
}

func (r *bodyReader) Read(p []byte) (int, error) {
	if r.left == 0 {
		return 0, io.EOF
	}
	for r.i < len(r.bufs) && r.off >= r.bufs[r.i].Len() {
		r.i++
		r.off = 0
	}
	if r.i == len(r.bufs) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.bufs[r.i].Bytes()[r.off:]
	if len(b) > r.left {
		b = b[:r.left]
	}
	n := copy(p, b)
	r.off += n
	r.left -= n
	return n, nil
}

// bodyBytes returns the message body as a single slice.
func bodyBytes(m *Message) ([]byte, error) {
	h, err := m.Header()
	if err != nil {
		return nil, err
	}
	r, err := NewReader(m)
	if err != nil {
		return nil, err
	}
	p := make([]byte, h.Length)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("message: short body (want %d bytes)", h.Length), err)
	}
	return p, nil
}

// Decode decodes the payload of m. Keyed messages decode into a
// Tuple. Decode returns nil for messages flagged Empty.
func Decode(m *Message, keyed bool, keyType, dataType packer.Type) (interface{}, error) {
	if m.Flags.Has(Empty) {
		return nil, nil
	}
	p, err := bodyBytes(m)
	if err != nil {
		return nil, err
	}
	if !keyed {
		return dataType.Packer().UnpackFromBytes(p)
	}
	kp := keyType.Packer()
	n := kp.Size()
	if kp.HeaderRequired() {
		if len(p) < 4 {
			return nil, errors.E(errors.Invalid, "message: body too short for key length")
		}
		n = int(order.Uint32(p))
		p = p[4:]
	}
	if n < 0 || n > len(p) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("message: key length %d exceeds body", n))
	}
	key, err := kp.UnpackFromBytes(p[:n])
	if err != nil {
		return nil, err
	}
	val, err := dataType.Packer().UnpackFromBytes(p[n:])
	if err != nil {
		return nil, err
	}
	return Tuple{key, val}, nil
}
