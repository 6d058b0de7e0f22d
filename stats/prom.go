// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// A Collector aggregates counter sets by subsystem and exports them as
// Prometheus counters named <namespace>_<subsystem>_<counter>. Maps
// registered under the same subsystem are summed.
type Collector struct {
	namespace string

	mu   sync.Mutex
	maps map[string][]*Map
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for the given namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{namespace: namespace, maps: make(map[string][]*Map)}
}

// Register adds m to the named subsystem.
func (c *Collector) Register(subsystem string, m *Map) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.maps[subsystem] = append(c.maps[subsystem], m)
	c.mu.Unlock()
}

// Values returns a snapshot of every subsystem's aggregated counters.
func (c *Collector) Values() map[string]Values {
	c.mu.Lock()
	defer c.mu.Unlock()
	vals := make(map[string]Values, len(c.maps))
	for sub, maps := range c.maps {
		v := make(Values)
		for _, m := range maps {
			m.AddAll(v)
		}
		vals[sub] = v
	}
	return vals
}

// Describe implements prometheus.Collector. The collector is unchecked:
// counter names are discovered as they are created.
func (*Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for sub, vals := range c.Values() {
		for name, v := range vals {
			fq := prometheus.BuildFQName(c.namespace, sub, promName(name))
			desc := prometheus.NewDesc(fq, "bigcomm counter "+sub+"."+name, nil, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
		}
	}
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", ":", "_").Replace(name)
}
