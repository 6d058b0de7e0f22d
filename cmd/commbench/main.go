// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Commbench is a binary used to exercise and benchmark collective
// operations and the disk shuffle on an in-process cluster.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigcomm/commconfig"
	"github.com/grailbio/bigcomm/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// collector exports the counters of every benchmark run.
var collector = stats.NewCollector("bigcomm")

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: commbench [-config file] [-metrics addr] [-wait] test-name args...

Command commbench runs collective operations on an in-process cluster
of workers connected by a loopback network, and reports their
throughput and counters.

Available tests are:

	gather
		All sources send to a single target.
	reduce
		All sources' values are summed at a single target.
	partition
		Records are spread round robin over the targets.
	keyedgather
		Records are partitioned by key and grouped through the disk
		shuffle.
	shuffle
		A single shuffle merger is filled and read back.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}

	var (
		configPath = flag.String("config", "", "YAML configuration file; overrides the profile")
		metrics    = flag.String("metrics", "", "address on which to serve prometheus metrics")
		wait       = flag.Bool("wait", false, "don't exit after completion")
	)
	config := commconfig.Parse()
	if *configPath != "" {
		c, err := commconfig.Load(*configPath)
		must.Nil(err, *configPath)
		config = &c
	}
	if flag.NArg() == 0 {
		flag.Usage()
	}
	if *metrics != "" {
		reg := prometheus.NewRegistry()
		must.Nil(reg.Register(collector))
		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Printf("serving metrics at http://%s/metrics", *metrics)
			if err := http.ListenAndServe(*metrics, nil); err != nil {
				log.Error.Printf("metrics server: %v", err)
			}
		}()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		flag.Usage()
	case "gather", "reduce", "partition", "keyedgather":
		err = collective(*config, cmd, args)
	case "shuffle":
		err = shuffleBench(*config, args)
	}
	if *wait {
		if err != nil {
			log.Printf("finished with error %v: waiting", err)
		} else {
			log.Print("done: waiting")
		}
		<-make(chan struct{})
	}
	must.Nil(err, cmd)
}
