// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskdispatch

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// An Option represents a dispatcher configuration parameter value.
type Option func(o *options)

type options struct {
	workers int
	shuffle bool
	seed    int64
	done    DoneSet
	hook    Hook
}

// Workers sets the number of workers among which tasks are
// shared. It is used to size batches under an adaptive policy.
func Workers(n int) Option {
	if n <= 0 {
		panic("taskdispatch.Workers: n <= 0")
	}
	return func(o *options) {
		o.workers = n
	}
}

// Shuffle configures the dispatcher to offer tasks in a random order,
// fixed at construction and determined by the provided seed. A zero
// seed selects a time-based seed.
func Shuffle(seed int64) Option {
	return func(o *options) {
		o.shuffle = true
		o.seed = seed
	}
}

// Done configures the dispatcher to skip the indexes in the
// provided set.
func Done(done DoneSet) Option {
	return func(o *options) {
		o.done = done
	}
}

// WithHook configures the dispatcher to invoke the provided hook as
// each batch completes.
func WithHook(hook Hook) Option {
	return func(o *options) {
		o.hook = hook
	}
}

// A Dispatcher hands out batches of task indexes to workers that
// request them. Dispatchers are safe for concurrent use: each call to
// RequestBatch is serviced in a single critical section, which covers
// allocation of the new batch, bookkeeping of the worker's pending
// batch, and invocation of the completion hook.
type Dispatcher struct {
	space TaskSpace

	mu    sync.Mutex
	alloc *Allocator
	hook  Hook
	// pending holds, for each worker, the last non-empty batch handed
	// to it, for which the completion hook has not yet been invoked.
	pending map[int][]int

	dispatched, requests int64
}

// New returns a new Dispatcher for the provided task space and
// policy. New returns an errors.Invalid error if the configuration is
// inconsistent.
func New(space TaskSpace, policy Policy, opts ...Option) (*Dispatcher, error) {
	o := options{workers: 1}
	for _, opt := range opts {
		opt(&o)
	}
	var rnd *rand.Rand
	if o.shuffle {
		seed := o.seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rnd = rand.New(rand.NewSource(seed))
	}
	alloc, err := NewAllocator(space, policy, o.workers, o.done, rnd)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		space:   space,
		alloc:   alloc,
		hook:    o.hook,
		pending: make(map[int][]int),
	}, nil
}

// RequestBatch returns the next batch of task indexes for the given
// worker. An empty batch indicates that no work remains; it is
// returned to every request thereafter.
//
// If the worker's previous batch was non-empty, the dispatcher's hook
// is invoked for it before the new batch is allocated. A hook error
// is returned as a fatal error, and no new batch is issued.
func (d *Dispatcher) RequestBatch(worker int) ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	atomic.AddInt64(&d.requests, 1)
	if prev := d.pending[worker]; len(prev) > 0 && d.hook != nil {
		if err := d.hook.BatchDone(prev, worker); err != nil {
			return nil, errors.E(errors.Fatal, fmt.Sprintf("completion hook for worker %d", worker), err)
		}
	}
	batch := d.alloc.Next()
	if len(batch) == 0 {
		if _, ok := d.pending[worker]; ok {
			log.Debug.Printf("dispatcher: worker %d done; %d tasks dispatched in total", worker, atomic.LoadInt64(&d.dispatched))
		}
		delete(d.pending, worker)
		return nil, nil
	}
	d.pending[worker] = batch
	atomic.AddInt64(&d.dispatched, int64(len(batch)))
	return batch, nil
}

// Space returns the dispatcher's task space.
func (d *Dispatcher) Space() TaskSpace {
	return d.space
}

// Len returns the total number of tasks the dispatcher hands out over
// its lifetime, that is, its task space less its done set.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alloc.Len()
}

// Remaining returns the number of tasks that have yet to be
// dispatched.
func (d *Dispatcher) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alloc.Remaining()
}

// Dispatched returns the number of tasks dispatched so far. It does
// not contend with RequestBatch and is suitable for progress
// monitoring.
func (d *Dispatcher) Dispatched() int64 {
	return atomic.LoadInt64(&d.dispatched)
}

// Requests returns the number of batch requests serviced so far.
func (d *Dispatcher) Requests() int64 {
	return atomic.LoadInt64(&d.requests)
}
