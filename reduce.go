// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/packer"
)

// A Func combines two values into one. Reduction functions must be
// associative and commutative.
type Func func(a, b interface{}) interface{}

func (f Func) fold(values []interface{}) interface{} {
	acc := values[0]
	for _, v := range values[1:] {
		acc = f(acc, v)
	}
	return acc
}

// ReduceOp is a predefined reduction.
type ReduceOp int

const (
	// Sum adds values.
	Sum ReduceOp = iota
	// Product multiplies values.
	Product
	// Min selects the smaller value.
	Min
	// Max selects the larger value.
	Max
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Product:
		return "product"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("reduceop(%d)", int(op))
	}
}

func (op ReduceOp) int(a, b int64) int64 {
	switch op {
	case Sum:
		return a + b
	case Product:
		return a * b
	case Min:
		if b < a {
			return b
		}
		return a
	default:
		if b > a {
			return b
		}
		return a
	}
}

func (op ReduceOp) float(a, b float64) float64 {
	switch op {
	case Sum:
		return a + b
	case Product:
		return a * b
	case Min:
		return math.Min(a, b)
	default:
		return math.Max(a, b)
	}
}

// Func returns the reduction for values of type t. Numeric types are
// reduced arithmetically; numeric arrays are reduced elementwise and
// must have equal lengths.
func (op ReduceOp) Func(t packer.Type) (Func, error) {
	if op < Sum || op > Max {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bigcomm: invalid reduction %s", op))
	}
	switch t {
	case packer.Integer:
		return func(a, b interface{}) interface{} {
			return int32(op.int(int64(a.(int32)), int64(b.(int32))))
		}, nil
	case packer.Long:
		return func(a, b interface{}) interface{} {
			return op.int(a.(int64), b.(int64))
		}, nil
	case packer.Short:
		return func(a, b interface{}) interface{} {
			return int16(op.int(int64(a.(int16)), int64(b.(int16))))
		}, nil
	case packer.Byte:
		return func(a, b interface{}) interface{} {
			return byte(op.int(int64(a.(byte)), int64(b.(byte))))
		}, nil
	case packer.Double:
		return func(a, b interface{}) interface{} {
			return op.float(a.(float64), b.(float64))
		}, nil
	case packer.Float:
		return func(a, b interface{}) interface{} {
			return float32(op.float(float64(a.(float32)), float64(b.(float32))))
		}, nil
	case packer.IntegerArray:
		return func(a, b interface{}) interface{} {
			x, y := a.([]int32), b.([]int32)
			checkLen(len(x), len(y))
			z := make([]int32, len(x))
			for i := range x {
				z[i] = int32(op.int(int64(x[i]), int64(y[i])))
			}
			return z
		}, nil
	case packer.LongArray:
		return func(a, b interface{}) interface{} {
			x, y := a.([]int64), b.([]int64)
			checkLen(len(x), len(y))
			z := make([]int64, len(x))
			for i := range x {
				z[i] = op.int(x[i], y[i])
			}
			return z
		}, nil
	case packer.DoubleArray:
		return func(a, b interface{}) interface{} {
			x, y := a.([]float64), b.([]float64)
			checkLen(len(x), len(y))
			z := make([]float64, len(x))
			for i := range x {
				z[i] = op.float(x[i], y[i])
			}
			return z
		}, nil
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bigcomm: cannot %s values of type %s", op, t))
	}
}

func checkLen(n, m int) {
	if n != m {
		panic(fmt.Sprintf("bigcomm: reducing arrays of unequal lengths %d and %d", n, m))
	}
}
