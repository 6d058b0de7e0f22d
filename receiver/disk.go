// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package receiver

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/message"
	"github.com/grailbio/bigcomm/shuffle"
)

// Disk is a Final receiver for keyed gathers whose data may not fit in
// memory. Each target's tuples are added to its own shuffle.Merger.
// Once the target's last batch arrives, a later call to Progress hands
// Func an iterator over the target's keys in sorted order, after which
// the merger's runs are removed. Each call to Progress reads out at
// most one target; the read-out waits for in-flight spills and runs
// Func to completion on the calling goroutine.
type Disk struct {
	// Options configures each target's merger. The merger for a
	// target is named <Options.Name>-<target>.
	Options shuffle.Options
	Func    func(target int, it *shuffle.Iterator) error
	// Context is used for blocking shuffle operations. Defaults to
	// context.Background().
	Context context.Context

	mergers map[int]*shuffle.Merger
	last    map[int]bool
	done    done
	err     error
}

// Init implements Final. Mergers are created lazily so that Init
// cannot fail; creation errors are reported through Err.
func (d *Disk) Init(expected Expected) {
	if d.Context == nil {
		d.Context = context.Background()
	}
	d.mergers = make(map[int]*shuffle.Merger, len(expected))
	d.last = make(map[int]bool, len(expected))
	d.done = make(done, len(expected))
	d.done.init(expected)
}

func (d *Disk) merger(target int) (*shuffle.Merger, error) {
	if m := d.mergers[target]; m != nil {
		return m, nil
	}
	opts := d.Options
	if opts.Name != "" {
		opts.Name = fmt.Sprintf("%s-%d", opts.Name, target)
	}
	m, err := shuffle.New(opts)
	if err != nil {
		return nil, err
	}
	d.mergers[target] = m
	return m, nil
}

// Receive implements Final.
func (d *Disk) Receive(target int, batch []interface{}, last bool) bool {
	if d.done[target] || d.last[target] {
		return true
	}
	m, err := d.merger(target)
	if err != nil {
		d.fail(target, err)
		return true
	}
	enc := d.Options.DataType.Packer()
	for _, v := range batch {
		t, ok := v.(message.Tuple)
		if !ok {
			d.fail(target, errors.E(errors.Invalid, fmt.Sprintf("receiver: keyed gather received %T", v)))
			return true
		}
		p, err := enc.PackToBytes(t.Value)
		if err != nil {
			d.fail(target, err)
			return true
		}
		if err := m.Add(d.Context, t.Key, p, len(p)); err != nil {
			d.fail(target, err)
			return true
		}
	}
	if last {
		d.last[target] = true
	}
	return true
}

// readOut hands Func the sorted contents of a target whose last batch
// has arrived, then removes its runs.
func (d *Disk) readOut(target int) {
	delete(d.last, target)
	m, err := d.merger(target)
	if err != nil {
		d.fail(target, err)
		return
	}
	if err := d.finish(target, m); err != nil {
		d.fail(target, err)
		return
	}
	d.done[target] = true
	m.Clean()
	delete(d.mergers, target)
}

func (d *Disk) finish(target int, m *shuffle.Merger) error {
	if err := m.SwitchToReading(d.Context); err != nil {
		return err
	}
	it, err := m.ReadIterator()
	if err != nil {
		return err
	}
	if err := d.Func(target, it); err != nil {
		return err
	}
	return it.Err()
}

// fail records the first error and abandons the target.
func (d *Disk) fail(target int, err error) {
	log.Error.Printf("receiver: keyed gather for target %d failed: %v", target, err)
	if d.err == nil {
		d.err = err
	}
	delete(d.last, target)
	if m := d.mergers[target]; m != nil {
		m.Clean()
		delete(d.mergers, target)
	}
	d.done[target] = true
}

// Progress implements Final. It reads out at most one finished target.
func (d *Disk) Progress() bool {
	for target := range d.last {
		d.readOut(target)
		break
	}
	return !d.IsComplete()
}

// IsComplete implements Final.
func (d *Disk) IsComplete() bool { return d.done.complete() }

// Err implements Final.
func (d *Disk) Err() error { return d.err }

// Close removes the runs of any targets that did not complete.
func (d *Disk) Close() {
	for target, m := range d.mergers {
		m.Clean()
		delete(d.mergers, target)
	}
}
