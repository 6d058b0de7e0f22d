// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/commconfig"
	"github.com/grailbio/bigcomm/packer"
	"github.com/pierrec/lz4/v4"
)

// Runs are sequences of records with no file header. Each record is
// the key, either fixed-width or prefixed by its 4-byte length,
// followed by the 4-byte value length and the value. Integers are big
// endian. The file may be lz4-compressed as a whole.

var order = binary.BigEndian

func runPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("part_%d", index))
}

// A runWriter writes records to a run file.
type runWriter struct {
	f     *os.File
	z     *lz4.Writer
	w     *bufio.Writer
	fixed int
	n     int64
	hdr   [4]byte
}

func createRun(path string, keyType packer.Type, compression string) (*runWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.E("shuffle: create run", err)
	}
	w := &runWriter{f: f, fixed: keyType.Size()}
	if compression == commconfig.LZ4 {
		w.z = lz4.NewWriter(f)
		w.w = bufio.NewWriter(w.z)
	} else {
		w.w = bufio.NewWriter(f)
	}
	return w, nil
}

func (w *runWriter) write(key, value []byte) error {
	if w.fixed < 0 {
		if err := w.writeLen(len(key)); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(key); err != nil {
		return err
	}
	if err := w.writeLen(len(value)); err != nil {
		return err
	}
	_, err := w.w.Write(value)
	w.n += int64(len(key) + len(value))
	return err
}

func (w *runWriter) writeLen(n int) error {
	order.PutUint32(w.hdr[:], uint32(n))
	_, err := w.w.Write(w.hdr[:])
	w.n += 4
	return err
}

// Close flushes and closes the run. Close must be called even if a
// write failed.
func (w *runWriter) Close() error {
	err := w.w.Flush()
	if w.z != nil {
		if e := w.z.Close(); err == nil {
			err = e
		}
	}
	if e := w.f.Close(); err == nil {
		err = e
	}
	return err
}

// A runReader reads records from a run file. It implements source.
type runReader struct {
	f        *os.File
	r        *bufio.Reader
	keyType  packer.Type
	dataType packer.Type
	hdr      [4]byte
}

func openRun(path string, keyType, dataType packer.Type, compression string, bufsize int) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E("shuffle: open run", err)
	}
	var r io.Reader = f
	if compression == commconfig.LZ4 {
		r = lz4.NewReader(f)
	}
	return &runReader{
		f:        f,
		r:        bufio.NewReaderSize(r, bufsize),
		keyType:  keyType,
		dataType: dataType,
	}, nil
}

func (r *runReader) readLen() (int, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return 0, err
	}
	return int(order.Uint32(r.hdr[:])), nil
}

// next reads the next record. It returns io.EOF at the end of the run
// and an integrity error for truncated or undecodable records.
func (r *runReader) next() (keyRef, interface{}, error) {
	n := r.keyType.Size()
	if n < 0 {
		var err error
		if n, err = r.readLen(); err == io.EOF {
			return keyRef{}, nil, io.EOF
		} else if err != nil {
			return keyRef{}, nil, corrupt(r.f.Name(), err)
		}
	}
	kp := make([]byte, n)
	if _, err := io.ReadFull(r.r, kp); err == io.EOF && r.keyType.Size() >= 0 {
		return keyRef{}, nil, io.EOF
	} else if err != nil {
		return keyRef{}, nil, corrupt(r.f.Name(), err)
	}
	vn, err := r.readLen()
	if err != nil {
		return keyRef{}, nil, corrupt(r.f.Name(), err)
	}
	vp := make([]byte, vn)
	if _, err := io.ReadFull(r.r, vp); err != nil {
		return keyRef{}, nil, corrupt(r.f.Name(), err)
	}
	key, err := r.keyType.Packer().UnpackFromBytes(kp)
	if err != nil {
		return keyRef{}, nil, corrupt(r.f.Name(), err)
	}
	val, err := r.dataType.Packer().UnpackFromBytes(vp)
	if err != nil {
		return keyRef{}, nil, corrupt(r.f.Name(), err)
	}
	return keyRef{key, kp}, val, nil
}

func (r *runReader) close() error { return r.f.Close() }

func corrupt(path string, err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.E(errors.Integrity, fmt.Sprintf("shuffle: corrupt run %s", path), err)
}
