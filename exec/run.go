// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/taskdispatch"
	"golang.org/x/sync/errgroup"
)

// An Option is a run option.
type Option func(o *options)

type options struct {
	status *status.Status
	done   taskdispatch.DoneSet
	trace  io.Writer
}

// Status configures the run to report its progress to the provided
// status object.
func Status(st *status.Status) Option {
	return func(o *options) {
		o.status = st
	}
}

// Done configures the root to skip the indexes in the provided set,
// in addition to any reported by the workload.
func Done(done taskdispatch.DoneSet) Option {
	return func(o *options) {
		o.done = done
	}
}

// Trace configures the root to write a trace of the batches it
// dispatches to w, in the Chrome tracing format, when dispatch ends.
func Trace(w io.Writer) Option {
	return func(o *options) {
		o.trace = w
	}
}

// Run runs workload w as the process represented by transport t. Run
// returns when the process has completed its final assembly, or when
// the run fails. Every process of a run must call Run with the same
// configuration.
//
// Any failure is fatal to the whole run: Run aborts the transport with
// the exit code given by ExitCode, so that the other processes also
// fail promptly. If config.EndTime is set and the run does not
// complete in time, Run returns an errors.Timeout error shortly before
// the end time.
func Run(ctx context.Context, t Transport, w Workload, config Config, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := config.Validate(t.Size()); err != nil {
		return err
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	r := &runner{
		t:      t,
		w:      w,
		config: config,
		opts:   o,
		proc:   Process{Rank: t.Rank(), Size: t.Size(), Threads: config.Threads, Hostname: hostname},
	}
	if o.status != nil {
		r.group = o.status.Group("dispatch")
		r.task = r.group.Start(r.proc.String())
		defer r.task.Done()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a := newAbort(cancel)

	guard := StartDeadlineGuard(config.EndTime, time.Now(), func() {
		a.Fail(errors.E(errors.Timeout, fmt.Sprintf("%s: approaching end time %s", r.proc, config.EndTime.Format(time.RFC3339))))
	})
	defer guard.Stop()
	if guard != nil {
		log.Printf("%s: aborting at %s", r.proc, guard.At().Format(time.RFC3339))
	}
	if config.StallDetection {
		stall := &StallGuard{
			Interval: config.StallInterval,
			Progress: r.progress,
		}
		stall.Start()
		defer stall.Stop()
	}

	start := time.Now()
	a.Go(func() error { return r.run(ctx) })
	if err = a.Wait(); err != nil {
		code := ExitCode(err)
		log.Error.Printf("%s: run failed: %v; aborting with exit code %d", r.proc, err, code)
		r.print("failed: ", err)
		t.Abort(code)
		return err
	}
	log.Printf("%s: done in %s; computed %d tasks", r.proc, time.Since(start).Round(time.Millisecond), atomic.LoadInt64(&r.computed))
	return nil
}

type runner struct {
	t      Transport
	w      Workload
	config Config
	opts   options
	proc   Process

	group  *status.Group
	task   *status.Task
	tracer *tracer

	// Computed and served count tasks computed by, and batches served
	// by, this process. Together they measure forward progress.
	computed, served int64
}

func (r *runner) progress() int64 {
	return atomic.LoadInt64(&r.computed) + atomic.LoadInt64(&r.served)
}

func (r *runner) print(v ...interface{}) {
	if r.task != nil {
		r.task.Print(v...)
	}
}

func (r *runner) run(ctx context.Context) error {
	var err error
	if r.proc.IsRoot() {
		err = r.root(ctx)
	} else {
		err = r.worker(ctx)
	}
	if err != nil {
		return err
	}
	r.print("waiting for other processes")
	log.Debug.Printf("%s: entering barrier", r.proc)
	if err := r.t.Barrier(ctx); err != nil {
		return err
	}
	r.print("final assembly")
	return r.finalAssembly(ctx)
}

// root runs the dispatcher, serving batches to the other processes
// and, unless the root is dispatch-only, computing batches itself.
func (r *runner) root(ctx context.Context) error {
	space := r.config.Space(r.w.NumTasks())
	if err := space.Validate(); err != nil {
		return err
	}
	done := make(taskdispatch.DoneSet)
	for i := range r.opts.done {
		done.Add(i)
	}
	if indexer, ok := r.w.(DoneIndexer); ok {
		more, err := indexer.DoneIndexes(ctx)
		if err != nil {
			return errors.E("reading done indexes", err)
		}
		for i := range more {
			done.Add(i)
		}
	}
	var hook taskdispatch.Hook
	if hooker, ok := r.w.(Hooker); ok {
		hook = hooker.Hook()
	}
	if async, ok := hook.(*taskdispatch.AsyncHook); ok && r.group != nil {
		task := r.group.Start("completion hook")
		defer task.Done()
		async.Status(task)
	}
	if r.opts.trace != nil {
		r.tracer = newTracer(hook)
		hook = r.tracer
		defer func() {
			if err := r.tracer.Encode(r.opts.trace); err != nil {
				log.Error.Printf("%s: writing trace: %v", r.proc, err)
			}
		}()
	}
	opts := []taskdispatch.Option{
		taskdispatch.Workers(r.config.NumWorkers(r.proc.Size)),
		taskdispatch.Done(done),
	}
	if hook != nil {
		opts = append(opts, taskdispatch.WithHook(hook))
	}
	if r.config.Shuffle {
		opts = append(opts, taskdispatch.Shuffle(r.config.Seed))
	}
	d, err := taskdispatch.New(space, r.config.Policy, opts...)
	if err != nil {
		return err
	}
	log.Printf("%s: dispatching %d of %d tasks in %s to %d processes (%s)",
		r.proc, d.Len(), space.Len(), space, r.config.NumWorkers(r.proc.Size), r.config)

	g, gctx := errgroup.WithContext(ctx)
	if r.proc.Size > 1 {
		g.Go(func() error {
			return r.serve(gctx, d)
		})
	}
	if !r.config.RootDispatchOnly {
		g.Go(func() error {
			for gctx.Err() == nil {
				batch, err := d.RequestBatch(0)
				if err != nil {
					return err
				}
				if len(batch) == 0 {
					return nil
				}
				if r.tracer != nil {
					r.tracer.Dispatched(0, batch)
				}
				if err := r.compute(gctx, batch); err != nil {
					return err
				}
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("%s: dispatch complete: %d tasks in %d requests", r.proc, d.Dispatched(), d.Requests())
	if s, ok := hook.(interface{ Shutdown() error }); ok {
		r.print("waiting for completion hook")
		if err := s.Shutdown(); err != nil {
			return errors.E(errors.Fatal, "completion hook", err)
		}
	}
	return nil
}

func (r *runner) serve(ctx context.Context, d *taskdispatch.Dispatcher) error {
	return serve(ctx, d, r.t, func(rank int, batch []int) {
		atomic.AddInt64(&r.served, 1)
		if r.tracer != nil {
			r.tracer.Dispatched(rank, batch)
		}
		if r.task != nil && len(batch) > 0 {
			r.task.Printf("dispatched %d/%d tasks; last %d to process %d", d.Dispatched(), d.Len(), len(batch), rank)
		}
	})
}

// Serve answers the ready messages of the non-root processes of
// transport t with batches from dispatcher d, until every one of them
// has been sent an empty batch.
func Serve(ctx context.Context, d *taskdispatch.Dispatcher, t Transport) error {
	return serve(ctx, d, t, nil)
}

func serve(ctx context.Context, d *taskdispatch.Dispatcher, t Transport, served func(rank int, batch []int)) error {
	size := t.Size()
	finished := make(map[int]bool)
	for len(finished) < size-1 {
		rank, err := t.RecvReady(ctx)
		if err != nil {
			return err
		}
		if rank <= 0 || rank >= size {
			return errors.E(errors.Invalid, fmt.Sprintf("ready message from invalid rank %d", rank))
		}
		if finished[rank] {
			return errors.E(errors.Invalid, fmt.Sprintf("ready message from finished process %d", rank))
		}
		batch, err := d.RequestBatch(rank)
		if err != nil {
			return err
		}
		if err := t.SendBatch(ctx, rank, batch); err != nil {
			return err
		}
		if len(batch) == 0 {
			finished[rank] = true
			log.Debug.Printf("process %d finished; %d remain", rank, size-1-len(finished))
		}
		if served != nil {
			served(rank, batch)
		}
	}
	return nil
}

// worker requests and computes batches from the root until it
// receives an empty batch.
func (r *runner) worker(ctx context.Context) error {
	for {
		if err := r.t.Ready(ctx); err != nil {
			return err
		}
		n, err := r.t.RecvLen(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		batch, err := r.t.RecvBatch(ctx, n)
		if err != nil {
			return err
		}
		if err := r.compute(ctx, batch); err != nil {
			return err
		}
	}
}

func (r *runner) compute(ctx context.Context, batch []int) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic while computing batch: %v\n%s", e, string(debug.Stack()))
			err = errors.E(err, errors.Fatal)
		}
	}()
	if r.task != nil {
		r.task.Printf("computing batch of %d tasks; %d computed", len(batch), atomic.LoadInt64(&r.computed))
	}
	start := time.Now()
	if err := r.w.ComputeBatch(ctx, batch); err != nil {
		return errors.E(fmt.Sprintf("%s: computing batch of %d tasks", r.proc, len(batch)), err)
	}
	atomic.AddInt64(&r.computed, int64(len(batch)))
	log.Debug.Printf("%s: computed %d tasks in %s", r.proc, len(batch), time.Since(start))
	return nil
}

func (r *runner) finalAssembly(ctx context.Context) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic during final assembly: %v\n%s", e, string(debug.Stack()))
			err = errors.E(err, errors.Fatal)
		}
	}()
	if err := r.w.FinalAssembly(ctx); err != nil {
		return errors.E(fmt.Sprintf("%s: final assembly", r.proc), err)
	}
	return nil
}

// Abort funnels the failures of a run: the first failure wins, and
// cancels the run's context.
type abort struct {
	cancel func()
	wg     sync.WaitGroup

	once  sync.Once
	failc chan struct{}
	err   error
}

func newAbort(cancel func()) *abort {
	return &abort{cancel: cancel, failc: make(chan struct{})}
}

// Fail records err as the run's failure if none has been recorded
// yet.
func (a *abort) Fail(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.failc)
		a.cancel()
	})
}

// Go runs fn in a goroutine, failing the run if fn returns an error
// or panics.
func (a *abort) Go(fn func() error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if e := recover(); e != nil {
				a.Fail(errors.E(errors.Fatal, fmt.Errorf("panic: %v\n%s", e, string(debug.Stack()))))
			}
		}()
		if err := fn(); err != nil {
			a.Fail(err)
		}
	}()
}

// Wait returns when all goroutines started by Go have returned or as
// soon as the run fails, whichever comes first. It returns the run's
// failure, if any.
func (a *abort) Wait() error {
	donec := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(donec)
	}()
	select {
	case <-donec:
	case <-a.failc:
	}
	select {
	case <-a.failc:
		return a.err
	default:
		return nil
	}
}
