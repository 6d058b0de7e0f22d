// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package packer

import (
	"bytes"
	"encoding/gob"

	"github.com/grailbio/base/errors"
)

// ObjectPacker packs arbitrary values with gob. Each value is written
// as a self-contained gob stream so that values can be decoded
// independently of each other. Concrete types that are carried inside
// interfaces must be registered with gob.Register.
type objectPacker struct{}

func (o objectPacker) PackToState(v interface{}, state *State) (int, error) {
	p, err := o.PackToBytes(v)
	if err != nil {
		return 0, err
	}
	state.Data = p
	state.Copied = 0
	return len(p), nil
}

func (objectPacker) WriteToBuffer(dst []byte, state *State) (int, bool) {
	return writeState(dst, state)
}

func (objectPacker) PackToBytes(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(&v); err != nil {
		return nil, errors.E(errors.Invalid, "packer object: encode", err)
	}
	return b.Bytes(), nil
}

func (objectPacker) UnpackFromBytes(p []byte) (interface{}, error) {
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&v); err != nil {
		return nil, errors.E(errors.Integrity, "packer object: decode", err)
	}
	return v, nil
}

func (objectPacker) HeaderRequired() bool { return true }
func (objectPacker) Size() int            { return -1 }
