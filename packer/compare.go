// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package packer

import (
	"bytes"
	"strings"
)

// A Comparator orders keys. It returns a negative number when a sorts
// before b, zero when they are equal, and a positive number otherwise.
// Keys that compare equal are grouped together by the shuffle engine.
type Comparator func(a, b interface{}) int

// Natural returns the natural ordering of values of type t. Natural
// returns nil for Object, which has no natural order; callers must
// supply their own comparator for object keys.
func Natural(t Type) Comparator {
	switch t {
	case Integer:
		return func(a, b interface{}) int { return compareInt64(int64(a.(int32)), int64(b.(int32))) }
	case Long:
		return func(a, b interface{}) int { return compareInt64(a.(int64), b.(int64)) }
	case Short:
		return func(a, b interface{}) int { return compareInt64(int64(a.(int16)), int64(b.(int16))) }
	case Byte:
		return func(a, b interface{}) int { return compareInt64(int64(a.(byte)), int64(b.(byte))) }
	case Double:
		return func(a, b interface{}) int { return compareFloat64(a.(float64), b.(float64)) }
	case Float:
		return func(a, b interface{}) int { return compareFloat64(float64(a.(float32)), float64(b.(float32))) }
	case Boolean:
		return func(a, b interface{}) int {
			x, y := a.(bool), b.(bool)
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	case String:
		return func(a, b interface{}) int { return strings.Compare(a.(string), b.(string)) }
	case Bytes:
		return func(a, b interface{}) int { return bytes.Compare(a.([]byte), b.([]byte)) }
	case IntegerArray:
		return func(a, b interface{}) int {
			x, y := a.([]int32), b.([]int32)
			for i := 0; i < len(x) && i < len(y); i++ {
				if c := compareInt64(int64(x[i]), int64(y[i])); c != 0 {
					return c
				}
			}
			return compareInt64(int64(len(x)), int64(len(y)))
		}
	case LongArray:
		return func(a, b interface{}) int {
			x, y := a.([]int64), b.([]int64)
			for i := 0; i < len(x) && i < len(y); i++ {
				if c := compareInt64(x[i], y[i]); c != 0 {
					return c
				}
			}
			return compareInt64(int64(len(x)), int64(len(y)))
		}
	case DoubleArray:
		return func(a, b interface{}) int {
			x, y := a.([]float64), b.([]float64)
			for i := 0; i < len(x) && i < len(y); i++ {
				if c := compareFloat64(x[i], y[i]); c != 0 {
					return c
				}
			}
			return compareInt64(int64(len(x)), int64(len(y)))
		}
	}
	return nil
}

func compareInt64(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func compareFloat64(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}
