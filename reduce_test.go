// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/packer"
)

func TestReduceOps(t *testing.T) {
	for _, c := range []struct {
		op     ReduceOp
		typ    packer.Type
		values []interface{}
		want   interface{}
	}{
		{Sum, packer.Integer, []interface{}{int32(1), int32(2), int32(3)}, int32(6)},
		{Product, packer.Long, []interface{}{int64(2), int64(3), int64(4)}, int64(24)},
		{Min, packer.Short, []interface{}{int16(5), int16(-2), int16(3)}, int16(-2)},
		{Max, packer.Byte, []interface{}{byte(5), byte(9), byte(3)}, byte(9)},
		{Sum, packer.Double, []interface{}{1.5, 2.5}, 4.0},
		{Max, packer.Float, []interface{}{float32(1), float32(-3)}, float32(1)},
		{Min, packer.Double, []interface{}{3.0, -1.0, 2.0}, -1.0},
		{Sum, packer.IntegerArray, []interface{}{[]int32{1, 2}, []int32{10, 20}}, []int32{11, 22}},
		{Product, packer.LongArray, []interface{}{[]int64{2, 3}, []int64{5, 7}}, []int64{10, 21}},
		{Max, packer.DoubleArray, []interface{}{[]float64{1, 4}, []float64{3, 2}}, []float64{3, 4}},
	} {
		fn, err := c.op.Func(c.typ)
		if err != nil {
			t.Errorf("%s %s: %v", c.op, c.typ, err)
			continue
		}
		if got := fn.fold(c.values); !reflect.DeepEqual(got, c.want) {
			t.Errorf("%s %s: got %v, want %v", c.op, c.typ, got, c.want)
		}
	}
}

func TestReduceInvalid(t *testing.T) {
	if _, err := Sum.Func(packer.String); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if _, err := ReduceOp(42).Func(packer.Integer); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestReduceUnequalArrays(t *testing.T) {
	fn, err := Sum.Func(packer.IntegerArray)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	fn([]int32{1}, []int32{1, 2})
}
