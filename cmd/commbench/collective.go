// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/commconfig"
	"github.com/grailbio/bigcomm/commtest"
	"github.com/grailbio/bigcomm/packer"
	"github.com/grailbio/bigcomm/shuffle"
)

func collective(config commconfig.Config, name string, args []string) error {
	var (
		flags   = flag.NewFlagSet(name, flag.ExitOnError)
		nworker = flags.Int("nworker", 4, "number of workers")
		nsource = flags.Int("nsource", 8, "number of source tasks")
		ntarget = flags.Int("ntarget", 4, "number of target tasks")
		nrecord = flags.Int("nrecord", 1e5, "number of records per source")
		nkey    = flags.Int("nkey", 1e3, "number of distinct keys")
		timeout = flags.Duration("timeout", 10*time.Minute, "time allowed for the run")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: commbench %s [-nworker N] [-nsource N] [-ntarget N] [-nrecord N] [-nkey N]\n", name)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	if name == "gather" || name == "reduce" {
		*ntarget = 1
	}

	var (
		tasks   = make(map[int]int)
		sources = make([]int, *nsource)
		targets = make([]int, *ntarget)
	)
	for i := range sources {
		sources[i] = i
		tasks[i] = i % *nworker
	}
	for i := range targets {
		targets[i] = *nsource + i
		tasks[targets[i]] = targets[i] % *nworker
	}
	cluster, err := commtest.NewCluster(*nworker, tasks, config)
	if err != nil {
		return err
	}
	defer cluster.Close()
	for _, comm := range cluster.Comms {
		collector.Register(name, comm.Stats)
	}

	edge := bigcomm.Edge{Name: name, Sources: sources, Targets: targets, DataType: packer.Long}
	if name == "keyedgather" {
		edge.Keyed, edge.KeyType = true, packer.Long
	}
	var (
		ops      = make([]*bigcomm.Operation, *nworker)
		received int64
		sum      int64
	)
	for w, comm := range cluster.Comms {
		switch name {
		case "gather":
			ops[w] = bigcomm.NewStreamGather(comm, edge, func(target int, v interface{}) bool {
				received++
				return true
			})
		case "reduce":
			add, err := bigcomm.Sum.Func(packer.Long)
			if err != nil {
				return err
			}
			ops[w] = bigcomm.NewBatchReduce(comm, edge, add, func(target int, v interface{}) {
				sum = v.(int64)
			})
		case "partition":
			ops[w] = bigcomm.NewStreamPartition(comm, edge, func(target int, v interface{}) bool {
				received++
				return true
			})
		case "keyedgather":
			ops[w] = bigcomm.NewKeyedGather(comm, edge, shuffle.Options{}, func(target int, it *shuffle.Iterator) error {
				for it.Next() {
					for vals := it.Values(); vals.Next(); {
						received++
					}
				}
				return it.Err()
			})
		}
	}

	var (
		feeds []*commtest.Feed
		want  int64
	)
	for _, src := range sources {
		records := make([]commtest.Record, *nrecord)
		for i := range records {
			records[i] = commtest.Record{Key: int64(i % *nkey), Value: int64(i)}
			want += int64(i)
		}
		feeds = append(feeds, &commtest.Feed{Op: ops[tasks[src]], Source: src, Records: records})
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	start := time.Now()
	if err := cluster.Run(ctx, feeds, ops...); err != nil {
		return err
	}
	elapsed := time.Since(start)
	for _, op := range ops {
		op.Close()
	}

	total := int64(*nsource * *nrecord)
	switch name {
	case "reduce":
		if sum != want {
			return fmt.Errorf("reduce: got sum %d, want %d", sum, want)
		}
	default:
		if received != total {
			return fmt.Errorf("%s: received %d records, want %d", name, received, total)
		}
	}
	var sent int64
	for _, comm := range cluster.Comms {
		sent += comm.Stats.Int("sent").Get()
	}
	// Each record carries an 8-byte value and, on keyed edges, an
	// 8-byte key.
	size := data.Size(total * 8)
	if edge.Keyed {
		size *= 2
	}
	log.Printf("%s: %d records (%s) in %s: %d messages, %.0f records/s",
		name, total, size, elapsed, sent, float64(total)/elapsed.Seconds())
	fmt.Println("ok")
	return nil
}
