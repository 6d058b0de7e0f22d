// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package message

import (
	"io/ioutil"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/bufpool"
	"github.com/grailbio/bigcomm/packer"
)

func TestHeader(t *testing.T) {
	h := Header{Source: 3, Path: 7, SubEdge: 1, Length: 1234}
	p := make([]byte, HeaderSize)
	if err := h.Encode(p); err != nil {
		t.Fatal(err)
	}
	got, err := DecodeHeader(p)
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Errorf("got %+v, want %+v", got, h)
	}
	if err := h.Encode(make([]byte, 8)); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestSerializeSpanning(t *testing.T) {
	pool := bufpool.New(24, 0)
	s := Serializer{pool}
	value := strings.Repeat("abcdefgh", 5)
	m := &OutMessage{
		Header:   Header{Source: 1, Path: 2},
		DataType: packer.String,
		Payload:  value,
	}
	done, err := s.Build(m)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("not done")
	}
	w := m.Message()
	// 16 header + 40 body over 24-byte buffers.
	if got, want := len(w.Buffers), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	h, err := w.Header()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := h.Length, int32(len(value)); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	r, err := NewReader(w)
	if err != nil {
		t.Fatal(err)
	}
	p, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(p), value; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	w.Release()
	if got, want := pool.Outstanding(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSerializeResume(t *testing.T) {
	pool := bufpool.New(20, 2)
	s := Serializer{pool}
	m := &OutMessage{DataType: packer.LongArray, Payload: []int64{1, 2, 3, 4}}
	done, err := s.Build(m)
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatal("unexpectedly done")
	}
	if got, want := m.State(), Body; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Free up capacity; serialization picks up where it left off.
	pool = bufpool.New(20, 0)
	s.Pool = pool
	if done, err = s.Build(m); err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	v, err := Decode(m.Message(), false, packer.Object, packer.LongArray)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, []int64{1, 2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestKeyed(t *testing.T) {
	for _, kt := range []packer.Type{packer.Integer, packer.String} {
		var key interface{} = int32(42)
		if kt == packer.String {
			key = "forty-two"
		}
		pool := bufpool.New(64, 0)
		s := Serializer{pool}
		m := &OutMessage{
			Keyed:    true,
			KeyType:  kt,
			DataType: packer.Double,
			Payload:  Tuple{key, 4.2},
		}
		if done, err := s.Build(m); err != nil || !done {
			t.Fatalf("done=%v err=%v", done, err)
		}
		v, err := Decode(m.Message(), true, kt, packer.Double)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := v, (Tuple{key, 4.2}); !reflect.DeepEqual(got, want) {
			t.Errorf("%s: got %v, want %v", kt, got, want)
		}
	}
}

func TestEmpty(t *testing.T) {
	pool := bufpool.New(16, 0)
	s := Serializer{pool}
	m := &OutMessage{Flags: Empty | Last, DataType: packer.Integer}
	if done, err := s.Build(m); err != nil || !done {
		t.Fatalf("done=%v err=%v", done, err)
	}
	w := m.Message()
	if got, want := len(w.Buffers), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	v, err := Decode(w, false, packer.Object, packer.Integer)
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Errorf("got %v, want nil", v)
	}
	if got, want := w.Flags.String(), "last|empty"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBufferTooSmall(t *testing.T) {
	pool := bufpool.New(8, 0)
	s := Serializer{pool}
	m := &OutMessage{DataType: packer.Integer, Payload: int32(1)}
	if _, err := s.Build(m); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if got, want := pool.Outstanding(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
