// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskdispatch

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/taskdispatch/stats"
)

// A Hook is invoked by a Dispatcher when a worker's previous batch is
// known to be finished; that is, the next time the worker requests
// work. BatchDone is called from within the dispatcher's critical
// section: it sees every batch exactly once, in per-worker request
// order, and no other request is serviced until it returns.
//
// An error returned by BatchDone is fatal to the run.
type Hook interface {
	BatchDone(batch []int, worker int) error
}

// HookFunc is a synchronous Hook. Since it runs in the dispatcher's
// critical section, long-running hook funcs stall all batch requests;
// see AsyncHook.
type HookFunc func(batch []int, worker int) error

// BatchDone implements Hook.
func (f HookFunc) BatchDone(batch []int, worker int) error {
	return f(batch, worker)
}

// HookStats is a snapshot of an AsyncHook's counters. Counts are in
// tasks, not batches.
type HookStats struct {
	// Queued is the number of tasks submitted but not yet started.
	Queued int64
	// Running is the number of tasks currently being processed.
	Running int64
	// Finished is the number of tasks whose processing completed,
	// successfully or not.
	Finished int64
	// Elapsed is the cumulative time spent processing finished tasks.
	Elapsed time.Duration
}

// QueueTime projects the time required to process the queued tasks,
// based on the average processing time so far, when spread across
// the given number of threads.
func (s HookStats) QueueTime(threads int) time.Duration {
	if s.Finished == 0 || threads < 1 {
		return 0
	}
	perTask := float64(s.Elapsed) / float64(s.Finished)
	return time.Duration(perTask * float64(s.Queued) / float64(threads))
}

func (s HookStats) String() string {
	return fmt.Sprintf("queued/running/finished: %d/%d/%d, %s",
		s.Queued, s.Running, s.Finished, stats.Rate(s.Finished, s.Elapsed))
}

type hookUnit struct {
	batch  []int
	worker int
}

// AsyncHook is a Hook that does not block the dispatcher: each call
// to BatchDone enqueues the batch to be processed by a bounded pool
// of goroutines, in submission order. Hook functions run by an
// AsyncHook must therefore tolerate running out of order with respect
// to dispatch, and concurrently with each other when the pool has
// more than one thread.
//
// Failures are deferred: Shutdown returns the first error (or panic)
// encountered by any unit of hook work.
type AsyncHook struct {
	fn      HookFunc
	threads int

	stats                              *stats.Map
	queued, running, finished, elapsed *stats.Int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []hookUnit
	closed bool
	err    error
	wg     sync.WaitGroup
	status *status.Task
}

// NewAsyncHook returns an AsyncHook that calls fn from a pool of
// the given number of goroutines. NewAsyncHook panics if threads < 1.
func NewAsyncHook(threads int, fn HookFunc) *AsyncHook {
	if threads < 1 {
		panic("taskdispatch.NewAsyncHook: threads < 1")
	}
	h := &AsyncHook{
		fn:      fn,
		threads: threads,
		stats:   stats.NewMap(),
	}
	h.cond = sync.NewCond(&h.mu)
	h.queued = h.stats.Int("queued")
	h.running = h.stats.Int("running")
	h.finished = h.stats.Int("finished")
	h.elapsed = h.stats.Int("elapsed")
	h.wg.Add(threads)
	for i := 0; i < threads; i++ {
		go h.loop()
	}
	return h
}

// Status sets a status task to which the hook reports its progress.
func (h *AsyncHook) Status(task *status.Task) {
	h.mu.Lock()
	h.status = task
	h.mu.Unlock()
	h.updateStatus()
}

// BatchDone implements Hook. It never blocks on hook work; it returns
// an error only if the hook has been shut down.
func (h *AsyncHook) BatchDone(batch []int, worker int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.E(errors.Invalid, fmt.Sprintf("completion hook is shut down; batch of %d tasks from worker %d rejected", len(batch), worker))
	}
	h.queue = append(h.queue, hookUnit{batch, worker})
	h.queued.Add(int64(len(batch)))
	h.cond.Signal()
	return nil
}

// Stats returns a snapshot of the hook's counters.
func (h *AsyncHook) Stats() HookStats {
	return HookStats{
		Queued:   h.queued.Get(),
		Running:  h.running.Get(),
		Finished: h.finished.Get(),
		Elapsed:  h.elapsed.Duration(),
	}
}

// Shutdown stops the hook from accepting new work and waits for all
// previously submitted work to complete. It returns the first error
// encountered by any unit of work.
func (h *AsyncHook) Shutdown() error {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
	h.wg.Wait()
	h.updateStatus()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *AsyncHook) loop() {
	defer h.wg.Done()
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.closed {
			h.cond.Wait()
		}
		if len(h.queue) == 0 {
			h.mu.Unlock()
			return
		}
		unit := h.queue[0]
		h.queue[0] = hookUnit{}
		h.queue = h.queue[1:]
		h.mu.Unlock()

		n := int64(len(unit.batch))
		h.queued.Add(-n)
		h.running.Add(n)
		start := time.Now()
		err := h.run(unit)
		h.elapsed.AddDuration(time.Since(start))
		h.running.Add(-n)
		h.finished.Add(n)
		if err != nil {
			log.Error.Printf("completion hook for worker %d failed: %v", unit.worker, err)
			h.mu.Lock()
			if h.err == nil {
				h.err = err
			}
			h.mu.Unlock()
		}
		h.updateStatus()
	}
}

func (h *AsyncHook) run(unit hookUnit) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic in completion hook: %v\n%s", e, string(debug.Stack()))
			err = errors.E(err, errors.Fatal)
		}
	}()
	return h.fn(unit.batch, unit.worker)
}

func (h *AsyncHook) updateStatus() {
	h.mu.Lock()
	task := h.status
	h.mu.Unlock()
	if task == nil {
		return
	}
	s := h.Stats()
	task.Printf("%s, est. queue time %s", s, s.QueueTime(h.threads).Round(time.Millisecond))
}
