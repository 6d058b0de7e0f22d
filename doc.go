// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigcomm implements the communication layer of a distributed
	dataflow system: collective operations that move typed, possibly
	keyed records between the parallel tasks of a job.

	A job's tasks are placed onto workers by a plan.Plan. Each worker
	creates a Communicator over its channel.Channel and then constructs
	the job's operations in the same order on every worker, so that the
	workers agree on edge identifiers. An operation's records are sent
	from local source tasks with Send; its results are delivered to
	local target tasks through user callbacks. The operation variants
	are:

		NewBatchGather, NewStreamGather    every target receives all values
		NewBatchReduce, NewStreamReduce    values are folded with a reduction
		NewBatchPartition, NewStreamPartition
		                                   each record goes to one target
		NewBroadcast                       each record goes to every target
		NewKeyedGather                     keyed partition, sorted and grouped
		                                   by key through a disk shuffle
		NewKeyedReduce                     keyed partition, folded by key
		NewStreamKeyedPartition            keyed partition, streamed

	Operations are cooperative state machines: Send never blocks, and
	returns false when the operation cannot accept another record;
	Progress performs whatever work is possible and returns true while
	work remains. A typical driver loop is:

		for !op.Send(src, key, value, 0) {
			op.Progress()
		}
		op.Finish(src)
		for op.Progress() {
		}

	Protocol violations, such as messages addressed to an unknown task,
	abort only the operation on which they occur; see Operation.Err.

	Package shuffle provides the sorted-merge engine used by keyed
	gathers, which may also be used on its own. Package commtest runs
	operations on an in-process cluster of workers.
*/
package bigcomm
