// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/commconfig"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/stats"
)

func shuffleBench(config commconfig.Config, args []string) error {
	var (
		flags   = flag.NewFlagSet("shuffle", flag.ExitOnError)
		nrecord = flags.Int("nrecord", 1e6, "number of records")
		nkey    = flags.Int("nkey", 1e5, "number of distinct keys")
		vsize   = flags.Int("valuesize", 64, "value size in bytes")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: commbench shuffle [-nrecord N] [-nkey N] [-valuesize N]`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}

	opts := shuffle.OptionsFromConfig(config.Shuffle)
	opts.KeyType, opts.DataType = packer.Long, packer.Bytes
	opts.Pool = shuffle.NewPool(config.Shuffle.Workers)
	opts.Stats = stats.NewMap()
	collector.Register("shuffle", opts.Stats)
	m, err := shuffle.New(opts)
	if err != nil {
		return err
	}
	defer m.Clean()

	ctx := context.Background()
	start := time.Now()
	value := make([]byte, *vsize)
	for i := 0; i < *nrecord; i++ {
		rand.Read(value)
		if err := m.Add(ctx, int64(rand.Intn(*nkey)), value, len(value)); err != nil {
			return err
		}
	}
	if err := m.SwitchToReading(ctx); err != nil {
		return err
	}
	written := time.Since(start)
	it, err := m.ReadIterator()
	if err != nil {
		return err
	}
	var (
		nkeys, nvalues int
		last           int64 = -1
	)
	for it.Next() {
		key := it.Key().(int64)
		if key <= last {
			return fmt.Errorf("shuffle: key %d after %d", key, last)
		}
		last = key
		nkeys++
		for vals := it.Values(); vals.Next(); {
			nvalues++
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	if nvalues != *nrecord {
		return fmt.Errorf("shuffle: read %d values, want %d", nvalues, *nrecord)
	}
	log.Printf("shuffle: %d records (%s) in %d runs: written in %s, read %d keys in %s",
		*nrecord, data.Size(*nrecord*(8+*vsize)), m.Runs(), written, nkeys, time.Since(start)-written)
	fmt.Println("ok")
	return nil
}
