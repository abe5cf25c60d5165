// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"testing"

	"github.com/grailbio/taskdispatch"
	"github.com/grailbio/taskdispatch/internal/trace"
)

func TestTracer(t *testing.T) {
	var hooked [][]int
	tr := newTracer(taskdispatch.HookFunc(func(batch []int, worker int) error {
		hooked = append(hooked, batch)
		return nil
	}))
	tr.Dispatched(1, []int{0, 1, 2})
	tr.Dispatched(2, []int{3, 4})
	if err := tr.BatchDone([]int{3, 4}, 2); err != nil {
		t.Fatal(err)
	}
	tr.Dispatched(2, nil)
	tr.Dispatched(1, []int{5})
	if got, want := len(hooked), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := tr.Shutdown(); err != nil {
		t.Fatal(err)
	}

	var b bytes.Buffer
	if err := tr.Encode(&b); err != nil {
		t.Fatal(err)
	}
	var decoded trace.T
	if err := decoded.Decode(&b); err != nil {
		t.Fatal(err)
	}
	// Two thread names and a single completed batch.
	if got, want := len(decoded.Events), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, name := range []string{"process 1", "process 2"} {
		e := decoded.Events[i]
		if e.Ph != "M" || e.Args["name"] != name {
			t.Errorf("event %d: got %+v, want thread name %s", i, e, name)
		}
	}
	e := decoded.Events[2]
	if got, want := e.Tid, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := e.Name, "batch of 2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// JSON numbers decode as float64.
	if got, want := e.Args["first"], float64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunLocalTrace(t *testing.T) {
	tally := newTally()
	name := register(t, func(p Process) Workload {
		return &testWorkload{proc: p, n: 100, tally: tally}
	})
	config := testConfig()
	config.Policy = taskdispatch.Exact(10)
	var b bytes.Buffer
	if err := RunLocal(context.Background(), 3, name, config, Trace(&b)); err != nil {
		t.Fatal(err)
	}
	tally.check(t, indexes(0, 100))
	var decoded trace.T
	if err := decoded.Decode(&b); err != nil {
		t.Fatal(err)
	}
	var tasks float64
	for _, e := range decoded.Events {
		if e.Ph == "X" {
			tasks += e.Args["tasks"].(float64)
		}
	}
	if got, want := tasks, float64(100); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
