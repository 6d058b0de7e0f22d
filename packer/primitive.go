// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package packer

import (
	"encoding/binary"
	"math"
)

var order = binary.BigEndian

var packers = [...]Packer{
	Object: objectPacker{},
	Integer: fixedPacker{Integer, 4,
		func(p []byte, v interface{}) bool {
			x, ok := v.(int32)
			order.PutUint32(p, uint32(x))
			return ok
		},
		func(p []byte) interface{} { return int32(order.Uint32(p)) },
	},
	Long: fixedPacker{Long, 8,
		func(p []byte, v interface{}) bool {
			x, ok := v.(int64)
			order.PutUint64(p, uint64(x))
			return ok
		},
		func(p []byte) interface{} { return int64(order.Uint64(p)) },
	},
	Short: fixedPacker{Short, 2,
		func(p []byte, v interface{}) bool {
			x, ok := v.(int16)
			order.PutUint16(p, uint16(x))
			return ok
		},
		func(p []byte) interface{} { return int16(order.Uint16(p)) },
	},
	Double: fixedPacker{Double, 8,
		func(p []byte, v interface{}) bool {
			x, ok := v.(float64)
			order.PutUint64(p, math.Float64bits(x))
			return ok
		},
		func(p []byte) interface{} { return math.Float64frombits(order.Uint64(p)) },
	},
	Float: fixedPacker{Float, 4,
		func(p []byte, v interface{}) bool {
			x, ok := v.(float32)
			order.PutUint32(p, math.Float32bits(x))
			return ok
		},
		func(p []byte) interface{} { return math.Float32frombits(order.Uint32(p)) },
	},
	Byte: fixedPacker{Byte, 1,
		func(p []byte, v interface{}) bool {
			x, ok := v.(byte)
			p[0] = x
			return ok
		},
		func(p []byte) interface{} { return p[0] },
	},
	Boolean: fixedPacker{Boolean, 1,
		func(p []byte, v interface{}) bool {
			x, ok := v.(bool)
			p[0] = 0
			if x {
				p[0] = 1
			}
			return ok
		},
		func(p []byte) interface{} { return p[0] != 0 },
	},
	String:       stringPacker{},
	Bytes:        bytesPacker{},
	IntegerArray: arrayPacker{IntegerArray, 4},
	LongArray:    arrayPacker{LongArray, 8},
	DoubleArray:  arrayPacker{DoubleArray, 8},
}

// FixedPacker packs fixed-width primitives.
type fixedPacker struct {
	typ  Type
	size int
	put  func(p []byte, v interface{}) bool
	get  func(p []byte) interface{}
}

func (f fixedPacker) PackToState(v interface{}, state *State) (int, error) {
	p, err := f.PackToBytes(v)
	if err != nil {
		return 0, err
	}
	state.Data = append(state.Data[:0], p...)
	state.Copied = 0
	return len(p), nil
}

func (fixedPacker) WriteToBuffer(dst []byte, state *State) (int, bool) {
	return writeState(dst, state)
}

func (f fixedPacker) PackToBytes(v interface{}) ([]byte, error) {
	p := make([]byte, f.size)
	if !f.put(p, v) {
		return nil, typeError(f.typ, v)
	}
	return p, nil
}

func (f fixedPacker) UnpackFromBytes(p []byte) (interface{}, error) {
	if len(p) != f.size {
		return nil, sizeError(f.typ, len(p))
	}
	return f.get(p), nil
}

func (fixedPacker) HeaderRequired() bool { return false }
func (f fixedPacker) Size() int          { return f.size }

type stringPacker struct{}

func (s stringPacker) PackToState(v interface{}, state *State) (int, error) {
	x, ok := v.(string)
	if !ok {
		return 0, typeError(String, v)
	}
	state.Data = append(state.Data[:0], x...)
	state.Copied = 0
	return len(x), nil
}

func (stringPacker) WriteToBuffer(dst []byte, state *State) (int, bool) {
	return writeState(dst, state)
}

func (stringPacker) PackToBytes(v interface{}) ([]byte, error) {
	x, ok := v.(string)
	if !ok {
		return nil, typeError(String, v)
	}
	return []byte(x), nil
}

func (stringPacker) UnpackFromBytes(p []byte) (interface{}, error) {
	return string(p), nil
}

func (stringPacker) HeaderRequired() bool { return true }
func (stringPacker) Size() int            { return -1 }

type bytesPacker struct{}

func (bytesPacker) PackToState(v interface{}, state *State) (int, error) {
	x, ok := v.([]byte)
	if !ok {
		return 0, typeError(Bytes, v)
	}
	state.Data = append(state.Data[:0], x...)
	state.Copied = 0
	return len(x), nil
}

func (bytesPacker) WriteToBuffer(dst []byte, state *State) (int, bool) {
	return writeState(dst, state)
}

func (bytesPacker) PackToBytes(v interface{}) ([]byte, error) {
	x, ok := v.([]byte)
	if !ok {
		return nil, typeError(Bytes, v)
	}
	return append([]byte(nil), x...), nil
}

func (bytesPacker) UnpackFromBytes(p []byte) (interface{}, error) {
	return append([]byte{}, p...), nil
}

func (bytesPacker) HeaderRequired() bool { return true }
func (bytesPacker) Size() int            { return -1 }

// ArrayPacker packs slices of fixed-width numbers.
type arrayPacker struct {
	typ   Type
	width int
}

func (a arrayPacker) PackToState(v interface{}, state *State) (int, error) {
	p, err := a.PackToBytes(v)
	if err != nil {
		return 0, err
	}
	state.Data = p
	state.Copied = 0
	return len(p), nil
}

func (arrayPacker) WriteToBuffer(dst []byte, state *State) (int, bool) {
	return writeState(dst, state)
}

func (a arrayPacker) PackToBytes(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case []int32:
		if a.typ != IntegerArray {
			break
		}
		p := make([]byte, 4*len(x))
		for i := range x {
			order.PutUint32(p[4*i:], uint32(x[i]))
		}
		return p, nil
	case []int64:
		if a.typ != LongArray {
			break
		}
		p := make([]byte, 8*len(x))
		for i := range x {
			order.PutUint64(p[8*i:], uint64(x[i]))
		}
		return p, nil
	case []float64:
		if a.typ != DoubleArray {
			break
		}
		p := make([]byte, 8*len(x))
		for i := range x {
			order.PutUint64(p[8*i:], math.Float64bits(x[i]))
		}
		return p, nil
	}
	return nil, typeError(a.typ, v)
}

func (a arrayPacker) UnpackFromBytes(p []byte) (interface{}, error) {
	if len(p)%a.width != 0 {
		return nil, sizeError(a.typ, len(p))
	}
	n := len(p) / a.width
	switch a.typ {
	case IntegerArray:
		x := make([]int32, n)
		for i := range x {
			x[i] = int32(order.Uint32(p[4*i:]))
		}
		return x, nil
	case LongArray:
		x := make([]int64, n)
		for i := range x {
			x[i] = int64(order.Uint64(p[8*i:]))
		}
		return x, nil
	default:
		x := make([]float64, n)
		for i := range x {
			x[i] = math.Float64frombits(order.Uint64(p[8*i:]))
		}
		return x, nil
	}
}

func (arrayPacker) HeaderRequired() bool { return true }
func (arrayPacker) Size() int            { return -1 }
