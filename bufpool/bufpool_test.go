// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bufpool

import (
	"sync"
	"testing"
)

func TestTryGetLimit(t *testing.T) {
	p := New(32, 2)
	a, ok := p.TryGet()
	if !ok {
		t.Fatal("expected buffer")
	}
	b, ok := p.TryGet()
	if !ok {
		t.Fatal("expected buffer")
	}
	if _, ok := p.TryGet(); ok {
		t.Fatal("expected pool to be exhausted")
	}
	if got, want := p.Outstanding(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	a.Release()
	if _, ok := p.TryGet(); !ok {
		t.Fatal("expected buffer after release")
	}
	b.Release()
	if got, want := a.Cap(), 0; got != want {
		t.Errorf("released buffer still holds data: cap %v", got)
	}
}

func TestRetainRelease(t *testing.T) {
	p := New(16, 0)
	b := p.Get()
	copy(b.Data(), "hello")
	b.SetLen(5)
	b.Retain()
	b.Release()
	if got, want := string(b.Bytes()), "hello"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := p.Outstanding(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b.Release()
	if got, want := p.Outstanding(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic on double release")
		}
	}()
	b.Release()
}

func TestConcurrent(t *testing.T) {
	const N = 64
	p := New(1024, N)
	var wg sync.WaitGroup
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b, ok := p.TryGet()
				if !ok {
					continue
				}
				b.Retain()
				b.Release()
				b.Release()
			}
		}()
	}
	wg.Wait()
	if got, want := p.Outstanding(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
