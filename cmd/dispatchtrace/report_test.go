// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/taskdispatch/internal/trace"
)

func batchEvent(worker int, ts, dur int64, tasks int) trace.Event {
	return trace.Event{
		Tid:  worker,
		Ts:   ts,
		Dur:  dur,
		Ph:   "X",
		Cat:  "batch",
		Name: "batch",
		Args: map[string]interface{}{"tasks": float64(tasks)},
	}
}

func TestWorkerStats(t *testing.T) {
	events := []trace.Event{
		trace.ThreadName(0, 1, "process 1"),
		batchEvent(1, 1000, 2000, 10),
		batchEvent(2, 0, 1000, 5),
		batchEvent(1, 3000, 4000, 10),
		batchEvent(1, 7000, 3000, 7),
		{Ph: "i", Name: "ignored"},
	}
	batches, names := buildBatches(events)
	if got, want := len(batches), 4; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := batches[0].worker, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	stats := buildWorkerStats(batches, names)
	if got, want := len(stats), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	s := stats[0]
	if got, want := s.name, "process 1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.tasks, 27; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.busy, 9*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.span, 9*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.q2, 3*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := stats[1].name, "process 2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	var b bytes.Buffer
	if err := writeReport(&b, stats); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	if got, want := len(lines), 4; got != want {
		t.Fatalf("got %v, want %v:\n%s", got, want, b.String())
	}
	if got, want := strings.Fields(lines[3]), []string{"total", "4", "32"}; strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("got %v, want %v", got, want)
	}
}
