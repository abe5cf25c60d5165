// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/taskdispatch/ctxsync"
	"golang.org/x/sync/errgroup"
)

// RunLocal runs the named workload with size processes, each running
// in its own goroutine in the calling process. The options apply to
// the root. RunLocal returns the error that failed the run, if any.
func RunLocal(ctx context.Context, size int, workload string, config Config, opts ...Option) error {
	if err := config.Validate(size); err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	ts := LocalTransports(size)
	errs := make([]error, size)
	run := func(t Transport, opts ...Option) error {
		w, err := NewWorkload(workload, Process{Rank: t.Rank(), Size: size, Threads: config.Threads, Hostname: hostname})
		if err != nil {
			t.Abort(ExitFailure)
			return err
		}
		return Run(ctx, t, w, config, opts...)
	}
	var g errgroup.Group
	for rank := 1; rank < size; rank++ {
		t := ts[rank]
		g.Go(func() error {
			errs[t.Rank()] = run(t)
			return t.Close(ctx)
		})
	}
	root := ts[0]
	if errs[0] = run(root, opts...); errs[0] == nil {
		errs[0] = root.Close(ctx)
	}
	_ = g.Wait()
	// A process that fails aborts the others; report its own error
	// rather than the abort.
	var first error
	for _, err := range errs {
		switch {
		case err == nil:
		case !errors.Is(errors.Canceled, err):
			return err
		case first == nil:
			first = err
		}
	}
	return first
}

// LocalTransports returns a set of size connected transports, indexed
// by rank, whose processes run as goroutines in the calling process.
// Local transports are used for single-node runs and for testing.
func LocalTransports(size int) []Transport {
	if size < 1 {
		panic("exec.LocalTransports: size < 1")
	}
	h := &localHub{
		size:   size,
		readyc: make(chan int, size),
		lenc:   make([]chan int, size),
		batchc: make([]chan []int, size),
		abortc: make(chan struct{}),
	}
	h.cond = ctxsync.NewCond(&h.mu)
	for i := range h.lenc {
		h.lenc[i] = make(chan int, 1)
		h.batchc[i] = make(chan []int, 1)
	}
	ts := make([]Transport, size)
	for i := range ts {
		ts[i] = &localTransport{hub: h, rank: i}
	}
	return ts
}

type localHub struct {
	size   int
	readyc chan int
	lenc   []chan int
	batchc []chan []int

	abortOnce sync.Once
	abortc    chan struct{}
	code      int

	mu                  sync.Mutex
	cond                *ctxsync.Cond
	arrived, generation int
	closed              int
}

func (h *localHub) abort(code int) {
	h.abortOnce.Do(func() {
		h.mu.Lock()
		h.code = code
		close(h.abortc)
		h.cond.Broadcast()
		h.mu.Unlock()
	})
}

func (h *localHub) aborted() error {
	select {
	case <-h.abortc:
		return errors.E(errors.Canceled, fmt.Sprintf("run aborted with exit code %d", h.code))
	default:
		return nil
	}
}

type localTransport struct {
	hub    *localHub
	rank   int
	n      int
	closed bool
}

func (t *localTransport) Rank() int { return t.rank }
func (t *localTransport) Size() int { return t.hub.size }

func (t *localTransport) Ready(ctx context.Context) error {
	if err := t.hub.aborted(); err != nil {
		return err
	}
	select {
	case t.hub.readyc <- t.rank:
		return nil
	case <-t.hub.abortc:
		return t.hub.aborted()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *localTransport) RecvLen(ctx context.Context) (int, error) {
	select {
	case n := <-t.hub.lenc[t.rank]:
		t.n = n
		return n, nil
	case <-t.hub.abortc:
		return 0, t.hub.aborted()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (t *localTransport) RecvBatch(ctx context.Context, n int) ([]int, error) {
	if n != t.n {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("process %d: receiving batch of %d tasks, announced %d", t.rank, n, t.n))
	}
	select {
	case batch := <-t.hub.batchc[t.rank]:
		if len(batch) != n {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("process %d: received batch of %d tasks, want %d", t.rank, len(batch), n))
		}
		return batch, nil
	case <-t.hub.abortc:
		return nil, t.hub.aborted()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *localTransport) RecvReady(ctx context.Context) (int, error) {
	if t.rank != 0 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("process %d: only the root receives ready messages", t.rank))
	}
	select {
	case rank := <-t.hub.readyc:
		return rank, nil
	case <-t.hub.abortc:
		return 0, t.hub.aborted()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (t *localTransport) SendBatch(ctx context.Context, rank int, batch []int) error {
	if t.rank != 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("process %d: only the root sends batches", t.rank))
	}
	if rank <= 0 || rank >= t.hub.size {
		return errors.E(errors.Invalid, fmt.Sprintf("no process with rank %d", rank))
	}
	select {
	case t.hub.lenc[rank] <- len(batch):
	case <-t.hub.abortc:
		return t.hub.aborted()
	case <-ctx.Done():
		return ctx.Err()
	}
	if len(batch) == 0 {
		return nil
	}
	select {
	case t.hub.batchc[rank] <- batch:
		return nil
	case <-t.hub.abortc:
		return t.hub.aborted()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *localTransport) Barrier(ctx context.Context) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.aborted(); err != nil {
		return err
	}
	gen := h.generation
	h.arrived++
	if h.arrived == h.size {
		h.arrived = 0
		h.generation++
		h.cond.Broadcast()
		return nil
	}
	for gen == h.generation {
		if err := h.aborted(); err != nil {
			return err
		}
		if err := h.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *localTransport) Abort(code int) {
	t.hub.abort(code)
}

func (t *localTransport) Close(ctx context.Context) error {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !t.closed {
		t.closed = true
		h.closed++
		h.cond.Broadcast()
	}
	if t.rank != 0 {
		return nil
	}
	for h.closed < h.size {
		if err := h.aborted(); err != nil {
			return err
		}
		if err := h.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return h.aborted()
}
