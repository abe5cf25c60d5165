// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
)

// Transport is the message-passing layer over which the processes of
// a run communicate. A run comprises Size processes, identified by
// their rank in [0, Size). Rank 0 is the root: it owns the
// dispatcher, and is the only process that receives ready messages
// and sends batches.
//
// The protocol between a non-root process and the root is:
//
//	process: Ready
//	root:    RecvReady; SendBatch(rank, batch)
//	process: RecvLen; if n > 0, RecvBatch(n)
//
// repeated until the process receives a batch length of 0. All
// processes then enter Barrier before final assembly.
//
// Each Transport value represents a single process and is not safe
// for concurrent use by more than one caller of the root-side methods
// or of the worker-side methods respectively.
type Transport interface {
	// Rank returns the rank of the calling process.
	Rank() int
	// Size returns the total number of processes in the run.
	Size() int

	// Ready tells the root that the calling process is ready to
	// receive its next batch.
	Ready(ctx context.Context) error
	// RecvLen receives the length of the next batch sent by the root.
	// A length of 0 indicates that no work remains.
	RecvLen(ctx context.Context) (int, error)
	// RecvBatch receives the batch whose length was returned by the
	// preceding call to RecvLen. It returns an error if the batch does
	// not have length n.
	RecvBatch(ctx context.Context, n int) ([]int, error)

	// RecvReady blocks until some process has sent a ready message,
	// and returns its rank. It may only be called by the root.
	RecvReady(ctx context.Context) (int, error)
	// SendBatch sends a batch to the process with the given rank:
	// first its length, then, if non-empty, its contents. It may only
	// be called by the root.
	SendBatch(ctx context.Context, rank int, batch []int) error

	// Barrier blocks until every process in the run has entered it.
	Barrier(ctx context.Context) error

	// Abort terminates the whole run: blocked and future operations
	// on every process fail. The exit code is reported to the
	// environment hosting the run, where applicable.
	Abort(code int)

	// Close releases the transport's resources. On the root, Close
	// waits for the other processes of the run to complete and returns
	// the first error reported by any of them.
	Close(ctx context.Context) error
}
