// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskdispatch

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

var fatalErr = errors.E(errors.Fatal)

func TestDispatcherHook(t *testing.T) {
	const (
		numTasks   = 1000
		numWorkers = 8
	)
	var (
		hooked    = make(map[int]int)
		issued    = make(map[int][]int)
		numHooked int
	)
	hook := HookFunc(func(batch []int, worker int) error {
		want := issued[worker]
		if len(want) == 0 {
			return fmt.Errorf("hook for worker %d with no outstanding batch", worker)
		}
		if fmt.Sprint(batch) != fmt.Sprint(want) {
			return fmt.Errorf("worker %d: got batch %v, want %v", worker, batch, want)
		}
		issued[worker] = nil
		for _, index := range batch {
			hooked[index]++
		}
		numHooked++
		return nil
	})
	d, err := New(Range(numTasks), Adaptive(1, 20), Workers(numWorkers), Shuffle(1), WithHook(hook))
	if err != nil {
		t.Fatal(err)
	}
	r := rand.New(rand.NewSource(1))
	active := make(map[int]bool)
	for i := 0; i < numWorkers; i++ {
		active[i] = true
	}
	var numIssued int
	for len(active) > 0 {
		worker := r.Intn(numWorkers)
		if !active[worker] {
			continue
		}
		batch, err := d.RequestBatch(worker)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) == 0 {
			delete(active, worker)
			continue
		}
		issued[worker] = batch
		numIssued++
	}
	if got, want := numHooked, numIssued; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(hooked), numTasks; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for index, n := range hooked {
		if n != 1 {
			t.Errorf("index %d hooked %d times", index, n)
		}
	}
	if got, want := d.Dispatched(), int64(numTasks); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDispatcherConcurrent(t *testing.T) {
	const (
		numTasks   = 5000
		numWorkers = 16
	)
	var (
		mu   sync.Mutex
		seen []int
	)
	hook := HookFunc(func(batch []int, worker int) error {
		mu.Lock()
		seen = append(seen, batch...)
		mu.Unlock()
		return nil
	})
	d, err := New(Range(numTasks), DefaultPolicy, Workers(numWorkers), WithHook(hook))
	if err != nil {
		t.Fatal(err)
	}
	var g errgroup.Group
	for i := 0; i < numWorkers; i++ {
		worker := i
		g.Go(func() error {
			for {
				batch, err := d.RequestBatch(worker)
				if err != nil {
					return err
				}
				if len(batch) == 0 {
					return nil
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	sort.Ints(seen)
	if got, want := len(seen), numTasks; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, index := range seen {
		if got, want := index, i; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if got, want := d.Remaining(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDispatcherEmpty(t *testing.T) {
	var calls int
	hook := HookFunc(func(batch []int, worker int) error {
		calls++
		return nil
	})
	d, err := New(TaskSpace{Total: 10, Start: 4, End: 4}, DefaultPolicy, WithHook(hook))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		batch, err := d.RequestBatch(0)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) != 0 {
			t.Errorf("got batch %v, want empty", batch)
		}
	}
	if calls != 0 {
		t.Errorf("hook called %d times", calls)
	}
	if got, want := d.Requests(), int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDispatcherDone(t *testing.T) {
	done := NewDoneSet(0, 1, 2, 7, 9, 42)
	d, err := New(Range(10), Exact(3), Done(done))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d.Len(), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var all []int
	for {
		batch, err := d.RequestBatch(0)
		if err != nil {
			t.Fatal(err)
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}
	if got, want := fmt.Sprint(all), "[3 4 5 6 8]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDispatcherHookError(t *testing.T) {
	hook := HookFunc(func(batch []int, worker int) error {
		return errors.New("hook failed")
	})
	d, err := New(Range(100), Exact(10), WithHook(hook))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.RequestBatch(3); err != nil {
		t.Fatal(err)
	}
	batch, err := d.RequestBatch(3)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Match(fatalErr, err) {
		t.Errorf("got %v, want fatal error", err)
	}
	if batch != nil {
		t.Errorf("got batch %v after hook failure", batch)
	}
	if got, want := d.Dispatched(), int64(10); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDispatcherInvalid(t *testing.T) {
	_, err := New(TaskSpace{Total: 10, Start: 5, End: 20}, DefaultPolicy)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid error", err)
	}
}
