// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package packer implements the pluggable per-type codecs used to move
// values through network buffers and shuffle run files. Packers are
// stateless: all per-message state is kept in a State, so a single
// Packer may be used concurrently for different messages.
package packer

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Type is the declared wire type of a key or value. All records on a
// logical edge share the same key type and value type.
type Type int

const (
	// Object values are arbitrary Go values encoded with gob.
	Object Type = iota
	// Integer values are int32s.
	Integer
	// Long values are int64s.
	Long
	// Short values are int16s.
	Short
	// Double values are float64s.
	Double
	// Float values are float32s.
	Float
	// Byte values are single bytes.
	Byte
	// Boolean values are bools.
	Boolean
	// String values are UTF-8 strings.
	String
	// Bytes values are byte slices.
	Bytes
	// IntegerArray values are []int32.
	IntegerArray
	// LongArray values are []int64.
	LongArray
	// DoubleArray values are []float64.
	DoubleArray

	maxType
)

var typeNames = [...]string{
	Object:       "object",
	Integer:      "integer",
	Long:         "long",
	Short:        "short",
	Double:       "double",
	Float:        "float",
	Byte:         "byte",
	Boolean:      "boolean",
	String:       "string",
	Bytes:        "bytes",
	IntegerArray: "integer[]",
	LongArray:    "long[]",
	DoubleArray:  "double[]",
}

// String returns the type's name.
func (t Type) String() string {
	if t < 0 || t >= maxType {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// Valid tells whether t is a known wire type.
func (t Type) Valid() bool { return t >= 0 && t < maxType }

// Size returns the encoded width of values of type t, or -1 if values
// are variable length.
func (t Type) Size() int {
	return t.Packer().Size()
}

// Packer returns the packer for the type. Packer panics if the type is
// not valid.
func (t Type) Packer() Packer {
	if !t.Valid() {
		panic(fmt.Sprintf("packer: invalid type %d", int(t)))
	}
	return packers[t]
}

// State holds the progress of packing one value into a sequence of
// buffers. The zero State is ready for use.
type State struct {
	// Data is the fully packed representation of the value.
	Data []byte
	// Copied is the number of bytes of Data already written out.
	Copied int
}

// Reset clears the state so that it may be reused for another value.
func (s *State) Reset() {
	s.Data = s.Data[:0]
	s.Copied = 0
}

// Remaining returns the number of bytes still to be written.
func (s *State) Remaining() int { return len(s.Data) - s.Copied }

// A Packer encodes values of one Type into bytes and decodes them back.
type Packer interface {
	// PackToState packs v into the state and returns its packed size in
	// bytes.
	PackToState(v interface{}, state *State) (int, error)

	// WriteToBuffer copies as much of the packed value as fits into dst,
	// continuing from where the previous call left off. It returns the
	// number of bytes written and whether the value is now completely
	// written.
	WriteToBuffer(dst []byte, state *State) (n int, done bool)

	// PackToBytes packs v into a fresh byte slice.
	PackToBytes(v interface{}) ([]byte, error)

	// UnpackFromBytes decodes a value previously packed by PackToBytes.
	UnpackFromBytes(p []byte) (interface{}, error)

	// HeaderRequired tells whether a length prefix must be written
	// before the packed value, that is, whether values are variable
	// length.
	HeaderRequired() bool

	// Size returns the fixed packed width, or -1.
	Size() int
}

// writeState implements Packer.WriteToBuffer for every packer in this
// package.
func writeState(dst []byte, state *State) (int, bool) {
	n := copy(dst, state.Data[state.Copied:])
	state.Copied += n
	return n, state.Remaining() == 0
}

func typeError(t Type, v interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf("packer %s: cannot pack value of type %T", t, v))
}

func sizeError(t Type, n int) error {
	return errors.E(errors.Invalid, fmt.Sprintf("packer %s: invalid packed length %d", t, n))
}
