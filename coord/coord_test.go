// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package coord

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

func TestBarrier(t *testing.T) {
	const n = 4
	g := NewGroup(n)
	ctx := context.Background()
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		c := g.Join(i, fmt.Sprintf("worker%d", i))
		eg.Go(func() error {
			workers, err := c.AllWorkers(ctx)
			if err != nil {
				return err
			}
			if len(workers) != n {
				return fmt.Errorf("got %d workers", len(workers))
			}
			// Barriers are reusable.
			for round := 0; round < 3; round++ {
				if err := c.WaitOnBarrier(ctx, time.Minute); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestBarrierTimeout(t *testing.T) {
	g := NewGroup(2)
	c := g.Join(0, "")
	err := c.WaitOnBarrier(context.Background(), 10*time.Millisecond)
	if !errors.Is(errors.Timeout, err) {
		t.Errorf("got %v, want timeout", err)
	}
	if got, want := c.WorkerID(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
