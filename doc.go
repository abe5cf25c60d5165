// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package taskdispatch implements adaptive dispatch of a fixed,
	enumerable set of independent tasks across a fleet of worker
	processes. Tasks are identified by their index in [0, N). One
	process, the root, owns a Dispatcher; every process (including,
	usually, the root) repeatedly requests batches of task indexes,
	computes them, and asks for more until none remain.

	Batch sizes adapt to the amount of outstanding work: while there is
	plenty of work, workers receive large batches (bounded by the
	policy's maximum) so that coordination overhead stays low; as work
	is depleted, batches shrink toward the policy's minimum so that no
	single worker is stuck with an oversized final batch. An exact
	policy instead hands out batches of a fixed size.

	A completion Hook may be attached to a Dispatcher. The hook is
	invoked for a worker's previous batch the next time that worker
	requests more work, which is the earliest point at which the
	dispatcher knows the batch is finished. HookFunc provides a
	synchronous hook that runs inside the dispatcher's critical
	section; AsyncHook runs hook work on a bounded pool and reports
	failures when it is shut down.

	Runs may be resumed by providing a DoneSet: indexes in the set are
	never dispatched and do not count toward batch sizes.

	The execution of a distributed run (the worker loop, the transport
	protocol, and the run watchdogs) is implemented by package
	github.com/grailbio/taskdispatch/exec.
*/
package taskdispatch
