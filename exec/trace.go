// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/taskdispatch"
	"github.com/grailbio/taskdispatch/internal/trace"
)

// A tracer records the batches dispatched by the root in the Chrome
// tracing format. Each process is represented as a thread of a single
// trace process, and each batch as a complete event (X) spanning from
// its dispatch until the process requested its next batch.
//
// A tracer is a completion hook wrapping the run's own hook, if any,
// so that it observes batch completions in dispatch order.
type tracer struct {
	hook taskdispatch.Hook

	mu      sync.Mutex
	start   time.Time
	pending map[int]pendingBatch
	events  []trace.Event
	workers map[int]bool
}

type pendingBatch struct {
	at         time.Time
	size, head int
}

func newTracer(hook taskdispatch.Hook) *tracer {
	return &tracer{
		hook:    hook,
		start:   time.Now(),
		pending: make(map[int]pendingBatch),
		workers: make(map[int]bool),
	}
}

// Dispatched records that batch was dispatched to worker.
func (t *tracer) Dispatched(worker int, batch []int) {
	if len(batch) == 0 {
		return
	}
	t.mu.Lock()
	t.pending[worker] = pendingBatch{at: time.Now(), size: len(batch), head: batch[0]}
	t.workers[worker] = true
	t.mu.Unlock()
}

// BatchDone implements taskdispatch.Hook.
func (t *tracer) BatchDone(batch []int, worker int) error {
	t.mu.Lock()
	if p, ok := t.pending[worker]; ok {
		delete(t.pending, worker)
		t.events = append(t.events, trace.Event{
			Tid:  worker,
			Ts:   p.at.Sub(t.start).Nanoseconds() / 1e3,
			Dur:  time.Since(p.at).Nanoseconds() / 1e3,
			Ph:   "X",
			Name: fmt.Sprintf("batch of %d", p.size),
			Cat:  "batch",
			Args: map[string]interface{}{"tasks": p.size, "first": p.head},
		})
	}
	t.mu.Unlock()
	if t.hook == nil {
		return nil
	}
	return t.hook.BatchDone(batch, worker)
}

// Shutdown shuts down the wrapped hook, if it needs to be.
func (t *tracer) Shutdown() error {
	if s, ok := t.hook.(interface{ Shutdown() error }); ok {
		return s.Shutdown()
	}
	return nil
}

// Encode writes the trace recorded so far to w. Batches that have not
// completed are omitted.
func (t *tracer) Encode(w io.Writer) error {
	t.mu.Lock()
	var tr trace.T
	workers := make([]int, 0, len(t.workers))
	for worker := range t.workers {
		workers = append(workers, worker)
	}
	sort.Ints(workers)
	for _, worker := range workers {
		tr.Events = append(tr.Events, trace.ThreadName(0, worker, fmt.Sprintf("process %d", worker)))
	}
	tr.Events = append(tr.Events, t.events...)
	t.mu.Unlock()
	return tr.Encode(w)
}
