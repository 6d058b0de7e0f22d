// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStats(t *testing.T) {
	coll := NewMap()
	var (
		x = coll.Int("x")
		_ = coll.Int("y")
	)
	if got, want := x.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	x.Add(123)
	x.Add(123)
	if got, want := x.Get(), int64(123*2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	coll.AddAll(all)
	coll.AddAll(all)
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["x"], int64(123*4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all.String(), "x:492 y:0"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNil(t *testing.T) {
	var m *Map
	m.Int("x").Add(1)
	if got, want := m.Int("x").Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector("bigcomm")
	a, b := NewMap(), NewMap()
	a.Int("sent").Add(3)
	b.Int("sent").Add(4)
	c.Register("gather", a)
	c.Register("gather", b)
	if got, want := c.Values()["gather"]["sent"], int64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	const want = `
# HELP bigcomm_gather_sent bigcomm counter gather.sent
# TYPE bigcomm_gather_sent counter
bigcomm_gather_sent 7
`
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "bigcomm_gather_sent"); err != nil {
		t.Error(err)
	}
}
