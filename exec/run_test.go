// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/status"
	"github.com/grailbio/taskdispatch"
)

var fatalErr = errors.E(errors.Fatal)

// Tally records the tasks computed by all processes of a test run.
type tally struct {
	mu        sync.Mutex
	counts    map[int]int
	ranks     map[int]int
	assembled int32
}

func newTally() *tally {
	return &tally{counts: make(map[int]int), ranks: make(map[int]int)}
}

func (t *tally) add(index, rank int) {
	t.mu.Lock()
	t.counts[index]++
	t.ranks[rank]++
	t.mu.Unlock()
}

// check verifies that exactly the indexes in want were computed,
// each exactly once.
func (t *tally) check(tb testing.TB, want []int) {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	if got, want := len(t.counts), len(want); got != want {
		tb.Errorf("got %v, want %v", got, want)
	}
	for _, index := range want {
		if got, want := t.counts[index], 1; got != want {
			tb.Errorf("index %d: computed %d times, want %d", index, got, want)
		}
	}
}

func indexes(start, end int, skip ...int) []int {
	skipped := make(map[int]bool)
	for _, i := range skip {
		skipped[i] = true
	}
	var all []int
	for i := start; i < end; i++ {
		if !skipped[i] {
			all = append(all, i)
		}
	}
	return all
}

type testWorkload struct {
	proc  Process
	n     int
	tally *tally
	fail  func(index int) error
}

func (w *testWorkload) NumTasks() int { return w.n }

func (w *testWorkload) ComputeBatch(ctx context.Context, batch []int) error {
	return ForEach(ctx, w.proc.Threads, batch, func(ctx context.Context, index int) error {
		if w.fail != nil {
			if err := w.fail(index); err != nil {
				return err
			}
		}
		w.tally.add(index, w.proc.Rank)
		return nil
	})
}

func (w *testWorkload) FinalAssembly(ctx context.Context) error {
	atomic.AddInt32(&w.tally.assembled, 1)
	return nil
}

type hookedWorkload struct {
	*testWorkload
	hook taskdispatch.Hook
	done taskdispatch.DoneSet
}

func (w *hookedWorkload) Hook() taskdispatch.Hook { return w.hook }

func (w *hookedWorkload) DoneIndexes(ctx context.Context) (taskdispatch.DoneSet, error) {
	return w.done, nil
}

// register registers a workload under the test's name and returns
// the name.
func register(t *testing.T, factory func(p Process) Workload) string {
	t.Helper()
	name := t.Name()
	RegisterWorkload(name, func(p Process) (Workload, error) {
		return factory(p), nil
	})
	return name
}

func testConfig() Config {
	config := DefaultConfig()
	config.Threads = 3
	return config
}

func TestRunLocal(t *testing.T) {
	for size := 1; size <= 4; size++ {
		size := size
		t.Run(fmt.Sprint("size=", size), func(t *testing.T) {
			tally := newTally()
			name := register(t, func(p Process) Workload {
				return &testWorkload{proc: p, n: 237, tally: tally}
			})
			var st status.Status
			if err := RunLocal(context.Background(), size, name, testConfig(), Status(&st)); err != nil {
				t.Fatal(err)
			}
			tally.check(t, indexes(0, 237))
			if got, want := int(tally.assembled), size; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestRunLocalDispatchOnly(t *testing.T) {
	tally := newTally()
	name := register(t, func(p Process) Workload {
		return &testWorkload{proc: p, n: 500, tally: tally}
	})
	config := testConfig()
	config.RootDispatchOnly = true
	config.Shuffle = true
	config.Seed = 42
	if err := RunLocal(context.Background(), 3, name, config); err != nil {
		t.Fatal(err)
	}
	tally.check(t, indexes(0, 500))
	if n := tally.ranks[0]; n != 0 {
		t.Errorf("dispatch-only root computed %d tasks", n)
	}
	if got, want := int(tally.assembled), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	config.Policy = taskdispatch.Exact(7)
	err := RunLocal(context.Background(), 1, name, config)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid error", err)
	}
}

func TestRunLocalSubset(t *testing.T) {
	var (
		tally  = newTally()
		mu     sync.Mutex
		hooked []int
		shut   int32
	)
	hook := &shutdownHook{
		HookFunc: func(batch []int, worker int) error {
			mu.Lock()
			hooked = append(hooked, batch...)
			mu.Unlock()
			return nil
		},
		shutdown: &shut,
	}
	name := register(t, func(p Process) Workload {
		w := &testWorkload{proc: p, n: 100, tally: tally}
		if !p.IsRoot() {
			return w
		}
		return &hookedWorkload{testWorkload: w, hook: hook, done: taskdispatch.NewDoneSet(20, 21)}
	})
	config := testConfig()
	config.StartIndex = 10
	config.EndIndex = 50
	config.Policy = taskdispatch.Adaptive(1, 4)
	err := RunLocal(context.Background(), 4, name, config, Done(taskdispatch.NewDoneSet(10, 49, 77)))
	if err != nil {
		t.Fatal(err)
	}
	want := indexes(10, 50, 10, 20, 21, 49)
	tally.check(t, want)
	sort.Ints(hooked)
	if got, want := fmt.Sprint(hooked), fmt.Sprint(want); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := atomic.LoadInt32(&shut), int32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

type shutdownHook struct {
	taskdispatch.HookFunc
	shutdown *int32
	err      error
}

func (h *shutdownHook) Shutdown() error {
	atomic.AddInt32(h.shutdown, 1)
	return h.err
}

func TestRunLocalAsyncHook(t *testing.T) {
	var (
		tally  = newTally()
		mu     sync.Mutex
		hooked = make(map[int]int)
	)
	hook := taskdispatch.NewAsyncHook(2, func(batch []int, worker int) error {
		mu.Lock()
		defer mu.Unlock()
		for _, index := range batch {
			hooked[index]++
		}
		return nil
	})
	name := register(t, func(p Process) Workload {
		return &hookedWorkload{testWorkload: &testWorkload{proc: p, n: 300, tally: tally}, hook: hook}
	})
	var st status.Status
	if err := RunLocal(context.Background(), 3, name, testConfig(), Status(&st)); err != nil {
		t.Fatal(err)
	}
	tally.check(t, indexes(0, 300))
	if got, want := len(hooked), 300; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for index, n := range hooked {
		if n != 1 {
			t.Errorf("index %d hooked %d times", index, n)
		}
	}
	if got, want := hook.Stats().Finished, int64(300); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunLocalFailure(t *testing.T) {
	for _, rank := range []int{0, 2} {
		rank := rank
		t.Run(fmt.Sprint("rank=", rank), func(t *testing.T) {
			var (
				tally  = newTally()
				failed = make(chan struct{})
				once   sync.Once
			)
			name := register(t, func(p Process) Workload {
				w := &testWorkload{proc: p, n: 1000, tally: tally}
				switch p.Rank {
				case rank:
					w.fail = func(index int) error {
						once.Do(func() { close(failed) })
						return errors.New("task failed")
					}
				case 1:
					// Hold rank 1's first batch until the failure, so
					// that it cannot take every task from rank 2.
					w.fail = func(index int) error {
						<-failed
						return nil
					}
				}
				return w
			})
			config := testConfig()
			config.Policy = taskdispatch.Exact(1)
			// A computing root takes tasks faster than it serves them;
			// only a dispatch-only root guarantees rank 2 a batch.
			config.RootDispatchOnly = rank != 0
			err := RunLocal(context.Background(), 3, name, config)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), "task failed") {
				t.Errorf("got %v, want task failure", err)
			}
			if got, want := ExitCode(err), ExitFailure; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			if n := atomic.LoadInt32(&tally.assembled); n != 0 {
				t.Errorf("final assembly ran %d times after failure", n)
			}
		})
	}
}

func TestRunLocalPanic(t *testing.T) {
	tally := newTally()
	name := register(t, func(p Process) Workload {
		w := &testWorkload{proc: p, n: 100, tally: tally}
		w.fail = func(index int) error {
			if index == 50 {
				panic("bad index")
			}
			return nil
		}
		return &panicWorkload{w}
	})
	err := RunLocal(context.Background(), 2, name, testConfig())
	if !errors.Match(fatalErr, err) {
		t.Errorf("got %v, want fatal error", err)
	}
}

// PanicWorkload computes its batches serially, so that panics occur on
// the calling goroutine.
type panicWorkload struct{ *testWorkload }

func (w *panicWorkload) ComputeBatch(ctx context.Context, batch []int) error {
	for _, index := range batch {
		if err := w.fail(index); err != nil {
			return err
		}
		w.tally.add(index, w.proc.Rank)
	}
	return nil
}

func TestRunLocalHookFailure(t *testing.T) {
	for _, async := range []bool{false, true} {
		async := async
		t.Run(fmt.Sprint("async=", async), func(t *testing.T) {
			fn := taskdispatch.HookFunc(func(batch []int, worker int) error {
				for _, index := range batch {
					if index == 33 {
						return errors.New("hook failed")
					}
				}
				return nil
			})
			var hook taskdispatch.Hook = fn
			if async {
				hook = taskdispatch.NewAsyncHook(1, fn)
			}
			tally := newTally()
			name := register(t, func(p Process) Workload {
				return &hookedWorkload{testWorkload: &testWorkload{proc: p, n: 100, tally: tally}, hook: hook}
			})
			err := RunLocal(context.Background(), 3, name, testConfig())
			if err == nil || !strings.Contains(err.Error(), "hook failed") {
				t.Errorf("got %v, want hook failure", err)
			}
			if !errors.Match(fatalErr, err) {
				t.Errorf("got %v, want fatal error", err)
			}
		})
	}
}

func TestRunUnregistered(t *testing.T) {
	err := RunLocal(context.Background(), 2, "no such workload", testConfig())
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist error", err)
	}
}

func TestServe(t *testing.T) {
	const size = 4
	d, err := taskdispatch.New(taskdispatch.Range(100), taskdispatch.Exact(7), taskdispatch.Workers(size-1))
	if err != nil {
		t.Fatal(err)
	}
	ts := LocalTransports(size)
	ctx := context.Background()
	var (
		mu  sync.Mutex
		all []int
		wg  sync.WaitGroup
	)
	for rank := 1; rank < size; rank++ {
		tr := ts[rank]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := tr.Ready(ctx); err != nil {
					t.Error(err)
					return
				}
				n, err := tr.RecvLen(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if n == 0 {
					return
				}
				batch, err := tr.RecvBatch(ctx, n)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				all = append(all, batch...)
				mu.Unlock()
			}
		}()
	}
	if err := Serve(ctx, d, ts[0]); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
	sort.Ints(all)
	if got, want := fmt.Sprint(all), fmt.Sprint(indexes(0, 100)); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLocalAbort(t *testing.T) {
	ts := LocalTransports(3)
	ctx := context.Background()
	errc := make(chan error, 2)
	go func() { errc <- ts[1].Barrier(ctx) }()
	go func() {
		_, err := ts[0].RecvReady(ctx)
		errc <- err
	}()
	ts[2].Abort(ExitTimeout)
	for i := 0; i < 2; i++ {
		if err := <-errc; !errors.Is(errors.Canceled, err) {
			t.Errorf("got %v, want canceled error", err)
		}
	}
	if err := ts[0].Close(ctx); !errors.Is(errors.Canceled, err) {
		t.Errorf("got %v, want canceled error", err)
	}
	if _, err := ts[1].RecvBatch(ctx, 3); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid error", err)
	}
}

func TestLocalBarrier(t *testing.T) {
	const size = 5
	ts := LocalTransports(size)
	var (
		entered int32
		wg      sync.WaitGroup
	)
	wg.Add(size)
	for _, tr := range ts {
		tr := tr
		go func() {
			defer wg.Done()
			atomic.AddInt32(&entered, 1)
			if err := tr.Barrier(context.Background()); err != nil {
				t.Error(err)
			}
			if got, want := atomic.LoadInt32(&entered), int32(size); got != want {
				t.Errorf("left barrier with %d of %d processes entered", got, want)
			}
		}()
	}
	wg.Wait()
}
