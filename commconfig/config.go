// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package commconfig defines the configuration consumed by the
// collective operations and the shuffle engine. Configurations are
// assembled from defaults, a YAML file, command-line flags and
// grailbio/base/config profiles, in increasing order of precedence.
package commconfig

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/message"
	"gopkg.in/yaml.v3"
)

// Partition algorithms.
const (
	Simple = "simple"
	Ring   = "ring"
)

// Spill compression codecs.
const (
	None = "none"
	LZ4  = "lz4"
)

// Shuffle configures sorted-merge shuffle engines.
type Shuffle struct {
	// MaxBytesInMemory is the number of value bytes accumulated in
	// memory before a spill.
	MaxBytesInMemory int64 `yaml:"max_bytes_in_memory"`
	// MaxRecordsInMemory is the number of records accumulated in memory
	// before a spill.
	MaxRecordsInMemory int `yaml:"max_records_in_memory"`
	// MaxKeysInMemory is the number of distinct keys accumulated in
	// memory before a spill.
	MaxKeysInMemory int `yaml:"max_keys_in_memory"`
	// Dir is the base directory for spilled runs.
	Dir string `yaml:"dir"`
	// Compression is the codec applied to run files.
	Compression string `yaml:"compression"`
	// Workers is the size of the asynchronous spill pool.
	Workers int `yaml:"workers"`
}

// Network configures message transport for collective operations.
type Network struct {
	// SendPendingMax bounds both the outbound queue of an operation and
	// each (target, source) queue of a partial receiver.
	SendPendingMax int `yaml:"send_pending_max"`
	// PartitionAlgorithm selects the routing topology: simple or ring.
	PartitionAlgorithm string `yaml:"partition_algorithm"`
	// BufferSize is the capacity of each message buffer.
	BufferSize int `yaml:"buffer_size"`
	// Buffers is the maximum number of send buffers outstanding per
	// worker.
	Buffers int `yaml:"buffers"`
}

// Config is the complete runtime configuration.
type Config struct {
	Shuffle Shuffle `yaml:"shuffle"`
	Network Network `yaml:"network"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Shuffle: Shuffle{
			MaxBytesInMemory:   64 << 20,
			MaxRecordsInMemory: 1 << 20,
			MaxKeysInMemory:    1 << 16,
			Dir:                os.TempDir(),
			Compression:        None,
			Workers:            4,
		},
		Network: Network{
			SendPendingMax:     128,
			PartitionAlgorithm: Simple,
			BufferSize:         64 << 10,
			Buffers:            1024,
		},
	}
}

// Load reads a YAML configuration from path. Options absent from the
// file keep their default values.
func Load(path string) (Config, error) {
	c := Default()
	p, err := ioutil.ReadFile(path)
	if err != nil {
		return c, errors.E(fmt.Sprintf("commconfig.Load %s", path), err)
	}
	if err := yaml.Unmarshal(p, &c); err != nil {
		return c, errors.E(errors.Invalid, fmt.Sprintf("commconfig.Load %s", path), err)
	}
	return c, c.Validate()
}

// RegisterFlags registers flags for each option in fs, using the
// current values of c as defaults. Flags are prefixed with prefix.
func (c *Config) RegisterFlags(fs *flag.FlagSet, prefix string) {
	fs.Int64Var(&c.Shuffle.MaxBytesInMemory, prefix+"shuffle-max-bytes", c.Shuffle.MaxBytesInMemory, "bytes held in memory before a shuffle spill")
	fs.IntVar(&c.Shuffle.MaxRecordsInMemory, prefix+"shuffle-max-records", c.Shuffle.MaxRecordsInMemory, "records held in memory before a shuffle spill")
	fs.IntVar(&c.Shuffle.MaxKeysInMemory, prefix+"shuffle-max-keys", c.Shuffle.MaxKeysInMemory, "distinct keys held in memory before a shuffle spill")
	fs.StringVar(&c.Shuffle.Dir, prefix+"shuffle-dir", c.Shuffle.Dir, "base directory for shuffle runs")
	fs.StringVar(&c.Shuffle.Compression, prefix+"shuffle-compression", c.Shuffle.Compression, "run file compression (none, lz4)")
	fs.IntVar(&c.Shuffle.Workers, prefix+"shuffle-workers", c.Shuffle.Workers, "number of concurrent spill writers")
	fs.IntVar(&c.Network.SendPendingMax, prefix+"send-pending-max", c.Network.SendPendingMax, "maximum pending messages per queue")
	fs.StringVar(&c.Network.PartitionAlgorithm, prefix+"partition-algorithm", c.Network.PartitionAlgorithm, "routing topology (simple, ring)")
	fs.IntVar(&c.Network.BufferSize, prefix+"buffer-size", c.Network.BufferSize, "message buffer capacity in bytes")
	fs.IntVar(&c.Network.Buffers, prefix+"buffers", c.Network.Buffers, "maximum outstanding message buffers")
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.Shuffle.MaxBytesInMemory <= 0:
		return invalid("shuffle max bytes in memory must be positive, got %d", c.Shuffle.MaxBytesInMemory)
	case c.Shuffle.MaxRecordsInMemory <= 0:
		return invalid("shuffle max records in memory must be positive, got %d", c.Shuffle.MaxRecordsInMemory)
	case c.Shuffle.MaxKeysInMemory <= 0:
		return invalid("shuffle max keys in memory must be positive, got %d", c.Shuffle.MaxKeysInMemory)
	case c.Shuffle.Workers <= 0:
		return invalid("shuffle workers must be positive, got %d", c.Shuffle.Workers)
	case c.Shuffle.Compression != None && c.Shuffle.Compression != LZ4:
		return invalid("unknown shuffle compression %q", c.Shuffle.Compression)
	case c.Network.SendPendingMax <= 0:
		return invalid("send pending max must be positive, got %d", c.Network.SendPendingMax)
	case c.Network.PartitionAlgorithm != Simple && c.Network.PartitionAlgorithm != Ring:
		return invalid("unknown partition algorithm %q", c.Network.PartitionAlgorithm)
	case c.Network.BufferSize < message.HeaderSize:
		return invalid("buffer size %d cannot hold a %d-byte message header", c.Network.BufferSize, message.HeaderSize)
	case c.Network.Buffers <= 0:
		return invalid("buffers must be positive, got %d", c.Network.Buffers)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return errors.E(errors.Invalid, "commconfig: "+fmt.Sprintf(format, args...))
}
