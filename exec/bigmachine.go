// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&dispatchService{})
}

// RetryPolicy is the retry policy used when polling machines for
// their messages.
var retryPolicy = retry.MaxTries(retry.Backoff(time.Second, 5*time.Second, 1.5), 5)

type messageKind int

const (
	msgReady messageKind = iota
	msgBarrier
)

// A message is sent by a non-root process to the root.
type message struct {
	// Seq numbers the messages of a process, starting at 1.
	Seq  int64
	Kind messageKind
}

type nextRequest struct {
	// Ack is the sequence number of the last message received by the
	// root. A message is redelivered until it is acknowledged.
	Ack int64
}

type runRequest struct {
	Rank, Size int
}

type deliverRequest struct {
	// Seq numbers deliveries to a process, starting at 1, so that
	// retried deliveries are applied at most once.
	Seq   int64
	Batch []int
}

// StartBigmachine starts a run of the named workload with size
// processes: the calling process is the root, and each of the other
// size-1 processes runs on its own machine started from b with the
// provided parameters. The workload must be registered (see
// RegisterWorkload) in the binary run by the machines.
//
// StartBigmachine returns the root's transport once all machines are
// running and have started the workload. The caller then calls Run
// with the returned transport, followed by Close to await the other
// processes. The caller remains responsible for shutting down b.
func StartBigmachine(ctx context.Context, b *bigmachine.B, size int, workload string, config Config, params ...bigmachine.Param) (Transport, error) {
	if err := config.Validate(size); err != nil {
		return nil, err
	}
	if size == 1 {
		return LocalTransports(1)[0], nil
	}
	svc := &dispatchService{Workload: workload, Config: config}
	params = append([]bigmachine.Param{bigmachine.Services{"Dispatch": svc}}, params...)
	machines, err := b.Start(ctx, size-1, params...)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range machines {
		m := m
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
			case <-gctx.Done():
				return gctx.Err()
			}
			if err := m.Err(); err != nil {
				return errors.E(fmt.Sprintf("machine %s failed to start", m.Addr), err)
			}
			log.Printf("machine %v is ready", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	t := &bigmachineTransport{
		machines: machines,
		size:     size,
		seqs:     make([]int64, size),
		readyc:   make(chan int),
		arrivec:  make(chan int),
		failc:    make(chan struct{}),
		runc:     make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.runs.Add(len(machines))
	for i, m := range machines {
		rank, m := i+1, m
		go func() {
			defer t.runs.Done()
			err := m.Call(t.ctx, "Dispatch.Run", runRequest{Rank: rank, Size: size}, nil)
			if err != nil {
				t.fail(errors.E(fmt.Sprintf("process %d (%s)", rank, m.Addr), err))
			}
		}()
		go t.relay(rank, m)
	}
	go func() {
		t.runs.Wait()
		close(t.runc)
	}()
	return t, nil
}

// BigmachineTransport is the root's transport in a run whose other
// processes run on bigmachine machines. Non-root processes push their
// messages to the root through long-polling relays.
type bigmachineTransport struct {
	machines []*bigmachine.Machine
	size     int
	seqs     []int64

	ctx    context.Context
	cancel func()

	readyc, arrivec chan int

	runs sync.WaitGroup
	runc chan struct{}

	failOnce sync.Once
	failc    chan struct{}
	err      error

	abortOnce sync.Once
}

func (t *bigmachineTransport) fail(err error) {
	t.failOnce.Do(func() {
		t.err = err
		close(t.failc)
	})
}

func (t *bigmachineTransport) machine(rank int) (*bigmachine.Machine, error) {
	if rank <= 0 || rank >= t.size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("no process with rank %d", rank))
	}
	return t.machines[rank-1], nil
}

// relay forwards the messages of the process with the given rank to
// the root until the transport is closed.
func (t *bigmachineTransport) relay(rank int, m *bigmachine.Machine) {
	var (
		retries int
		ack     int64
	)
	for {
		var msg message
		err := m.Call(t.ctx, "Dispatch.Next", nextRequest{Ack: ack}, &msg)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if errors.Is(errors.Net, err) && retry.Wait(t.ctx, retryPolicy, retries) == nil {
				log.Printf("process %d (%s): retrying message poll: %v", rank, m.Addr, err)
				retries++
				continue
			}
			t.fail(errors.E(fmt.Sprintf("process %d (%s): polling messages", rank, m.Addr), err))
			return
		}
		retries = 0
		if msg.Seq <= ack {
			continue
		}
		ack = msg.Seq
		c := t.readyc
		if msg.Kind == msgBarrier {
			c = t.arrivec
		}
		select {
		case c <- rank:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *bigmachineTransport) Rank() int { return 0 }
func (t *bigmachineTransport) Size() int { return t.size }

func (t *bigmachineTransport) Ready(ctx context.Context) error {
	return errors.E(errors.Invalid, "the root does not send ready messages")
}

func (t *bigmachineTransport) RecvLen(ctx context.Context) (int, error) {
	return 0, errors.E(errors.Invalid, "the root does not receive batches")
}

func (t *bigmachineTransport) RecvBatch(ctx context.Context, n int) ([]int, error) {
	return nil, errors.E(errors.Invalid, "the root does not receive batches")
}

func (t *bigmachineTransport) RecvReady(ctx context.Context) (int, error) {
	select {
	case rank := <-t.readyc:
		return rank, nil
	case <-t.failc:
		return 0, t.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (t *bigmachineTransport) SendBatch(ctx context.Context, rank int, batch []int) error {
	m, err := t.machine(rank)
	if err != nil {
		return err
	}
	req := deliverRequest{
		Seq:   atomic.AddInt64(&t.seqs[rank], 1),
		Batch: batch,
	}
	if err := m.RetryCall(ctx, "Dispatch.Deliver", req, nil); err != nil {
		return errors.E(fmt.Sprintf("process %d (%s): delivering batch", rank, m.Addr), err)
	}
	return nil
}

func (t *bigmachineTransport) Barrier(ctx context.Context) error {
	for arrived := 1; arrived < t.size; arrived++ {
		select {
		case <-t.arrivec:
		case <-t.failc:
			return t.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range t.machines {
		m := m
		g.Go(func() error {
			return m.RetryCall(gctx, "Dispatch.Release", struct{}{}, nil)
		})
	}
	return g.Wait()
}

// Abort cancels the run's outstanding calls to its machines. The
// machines themselves are shut down by the owner of their
// bigmachine.B.
func (t *bigmachineTransport) Abort(code int) {
	t.abortOnce.Do(func() {
		t.fail(errors.E(errors.Canceled, fmt.Sprintf("run aborted with exit code %d", code)))
		t.cancel()
	})
}

func (t *bigmachineTransport) Close(ctx context.Context) error {
	defer t.cancel()
	select {
	case <-t.runc:
	case <-t.failc:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.failc:
		return t.err
	default:
		return nil
	}
}

// DispatchService is the bigmachine service through which a machine
// runs its process of a run. The root starts the process with Run, and
// then exchanges messages with it: it polls the process's messages
// with Next, and sends it batches with Deliver and barrier releases
// with Release.
type dispatchService struct {
	// Workload is the name of the registered workload to run.
	Workload string
	// Config is the run's configuration.
	Config Config

	outc     chan messageKind
	deliverc chan []int
	releasec chan struct{}

	mu      sync.Mutex
	lastSeq int64

	// nextMu serializes calls to Next; pending is the last message
	// returned by Next, retained until the root acknowledges it.
	nextMu  sync.Mutex
	pending *message
	nextSeq int64
}

func (s *dispatchService) Init(b *bigmachine.B) error {
	s.outc = make(chan messageKind)
	s.deliverc = make(chan []int, 1)
	s.releasec = make(chan struct{}, 1)
	return nil
}

// Run runs the process with the requested rank to completion.
func (s *dispatchService) Run(ctx context.Context, req runRequest, _ *struct{}) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic while running process %d: %v\n%s", req.Rank, e, string(debug.Stack()))
			err = errors.E(err, errors.Fatal)
		}
	}()
	hostname, _ := os.Hostname()
	w, err := NewWorkload(s.Workload, Process{
		Rank:     req.Rank,
		Size:     req.Size,
		Threads:  s.Config.Threads,
		Hostname: hostname,
	})
	if err != nil {
		return err
	}
	t := &machineTransport{svc: s, rank: req.Rank, size: req.Size}
	return Run(ctx, t, w, s.Config)
}

// Next returns the process's next message for the root, blocking
// until one is available. The last message returned is returned
// again until a request acknowledges it, so that a message is not
// lost when a reply fails to reach the root.
func (s *dispatchService) Next(ctx context.Context, req nextRequest, msg *message) error {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	if s.pending != nil && s.pending.Seq > req.Ack {
		*msg = *s.pending
		return nil
	}
	s.pending = nil
	select {
	case kind := <-s.outc:
		s.nextSeq++
		s.pending = &message{Seq: s.nextSeq, Kind: kind}
		*msg = *s.pending
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver hands a batch to the process. Deliveries with sequence
// numbers that have already been seen are ignored.
func (s *dispatchService) Deliver(ctx context.Context, req deliverRequest, _ *struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Seq <= s.lastSeq {
		return nil
	}
	select {
	case s.deliverc <- req.Batch:
		s.lastSeq = req.Seq
		return nil
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("batch %d delivered before the previous batch was received", req.Seq))
	}
}

// Release releases the process from the run's barrier.
func (s *dispatchService) Release(ctx context.Context, _ struct{}, _ *struct{}) error {
	select {
	case s.releasec <- struct{}{}:
	default:
	}
	return nil
}

// MachineTransport is the transport of a process that runs on a
// bigmachine machine.
type machineTransport struct {
	svc        *dispatchService
	rank, size int
	batch      []int
}

func (t *machineTransport) Rank() int { return t.rank }
func (t *machineTransport) Size() int { return t.size }

func (t *machineTransport) send(ctx context.Context, kind messageKind) error {
	select {
	case t.svc.outc <- kind:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *machineTransport) Ready(ctx context.Context) error {
	return t.send(ctx, msgReady)
}

func (t *machineTransport) RecvLen(ctx context.Context) (int, error) {
	select {
	case t.batch = <-t.svc.deliverc:
		return len(t.batch), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (t *machineTransport) RecvBatch(ctx context.Context, n int) ([]int, error) {
	if len(t.batch) != n {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("process %d: receiving batch of %d tasks, announced %d", t.rank, n, len(t.batch)))
	}
	batch := t.batch
	t.batch = nil
	return batch, nil
}

func (t *machineTransport) RecvReady(ctx context.Context) (int, error) {
	return 0, errors.E(errors.Invalid, fmt.Sprintf("process %d: only the root receives ready messages", t.rank))
}

func (t *machineTransport) SendBatch(ctx context.Context, rank int, batch []int) error {
	return errors.E(errors.Invalid, fmt.Sprintf("process %d: only the root sends batches", t.rank))
}

func (t *machineTransport) Barrier(ctx context.Context) error {
	if err := t.send(ctx, msgBarrier); err != nil {
		return err
	}
	select {
	case <-t.svc.releasec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort is a no-op on machines: the failure of a process is reported
// to the root by its Run call, and the root aborts the run.
func (t *machineTransport) Abort(code int) {
	log.Debug.Printf("process %d: aborting with exit code %d", t.rank, code)
}

func (t *machineTransport) Close(ctx context.Context) error { return nil }
