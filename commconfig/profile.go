// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package commconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
)

// Path determines the location of the profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigcomm/config")

func init() {
	config.Register("bigcomm", func(inst *config.Constructor) {
		c := Default()
		var maxBytes int
		inst.IntVar(&maxBytes, "shuffle-max-bytes", int(c.Shuffle.MaxBytesInMemory), "bytes held in memory before a shuffle spill")
		inst.IntVar(&c.Shuffle.MaxRecordsInMemory, "shuffle-max-records", c.Shuffle.MaxRecordsInMemory, "records held in memory before a shuffle spill")
		inst.IntVar(&c.Shuffle.MaxKeysInMemory, "shuffle-max-keys", c.Shuffle.MaxKeysInMemory, "distinct keys held in memory before a shuffle spill")
		inst.StringVar(&c.Shuffle.Dir, "shuffle-dir", c.Shuffle.Dir, "base directory for shuffle runs")
		inst.StringVar(&c.Shuffle.Compression, "shuffle-compression", c.Shuffle.Compression, "run file compression (none, lz4)")
		inst.IntVar(&c.Shuffle.Workers, "shuffle-workers", c.Shuffle.Workers, "number of concurrent spill writers")
		inst.IntVar(&c.Network.SendPendingMax, "send-pending-max", c.Network.SendPendingMax, "maximum pending messages per queue")
		inst.StringVar(&c.Network.PartitionAlgorithm, "partition-algorithm", c.Network.PartitionAlgorithm, "routing topology (simple, ring)")
		inst.IntVar(&c.Network.BufferSize, "buffer-size", c.Network.BufferSize, "message buffer capacity in bytes")
		inst.IntVar(&c.Network.Buffers, "buffers", c.Network.Buffers, "maximum outstanding message buffers")
		inst.Doc = "bigcomm configures collective operations and shuffle engines"
		inst.New = func() (interface{}, error) {
			c.Shuffle.MaxBytesInMemory = int64(maxBytes)
			if err := c.Validate(); err != nil {
				return nil, err
			}
			conf := c
			return &conf, nil
		}
	})
}

// Parse registers profile flags and calls flag.Parse. It returns the
// configuration of the "bigcomm" profile instance, read from Path and
// overridden by any flags provided. Parse panics if the profile is
// invalid.
func Parse() *Config {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var c *Config
	config.Must("bigcomm", &c)
	return c
}
