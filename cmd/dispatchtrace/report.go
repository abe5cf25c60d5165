// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/grailbio/taskdispatch/internal/trace"
)

// batch is a batch of tasks computed by a process.
type batch struct {
	worker int
	tasks  int
	// start is measured as a duration offset from the start of tracing.
	start    time.Duration
	duration time.Duration
}

// workerStat summarizes the batches computed by a single process.
type workerStat struct {
	worker  int
	name    string
	batches int
	tasks   int
	// busy is the total duration of the worker's batches; span is the
	// duration from the start of its first batch to the end of its last.
	busy, span time.Duration

	min, q1, q2, q3, max time.Duration
}

// buildBatches returns the batches recorded in events, ordered by
// start time, together with the names of the processes.
func buildBatches(events []trace.Event) ([]batch, map[int]string) {
	var (
		batches []batch
		names   = make(map[int]string)
	)
	for _, event := range events {
		switch {
		case event.Ph == "M" && event.Name == "thread_name":
			if name, ok := event.Args["name"].(string); ok {
				names[event.Tid] = name
			}
		case event.Ph == "X" && event.Cat == "batch":
			tasks, _ := event.Args["tasks"].(float64)
			batches = append(batches, batch{
				worker:   event.Tid,
				tasks:    int(tasks),
				start:    time.Duration(event.Ts * 1e3),
				duration: time.Duration(event.Dur * 1e3),
			})
		}
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].start < batches[j].start })
	return batches, names
}

// buildWorkerStats summarizes batches by process, ordered by process.
func buildWorkerStats(batches []batch, names map[int]string) []workerStat {
	type accum struct {
		batches, tasks int
		start, end     time.Duration
		durations      []time.Duration
		busy           time.Duration
	}
	accums := make(map[int]*accum)
	for _, b := range batches {
		a, ok := accums[b.worker]
		if !ok {
			a = &accum{start: b.start}
			accums[b.worker] = a
		}
		a.batches++
		a.tasks += b.tasks
		if b.start < a.start {
			a.start = b.start
		}
		if end := b.start + b.duration; a.end < end {
			a.end = end
		}
		a.durations = append(a.durations, b.duration)
		a.busy += b.duration
	}
	stats := make([]workerStat, 0, len(accums))
	for worker, a := range accums {
		sort.Slice(a.durations, func(i, j int) bool { return a.durations[i] < a.durations[j] })
		q1, q2, q3 := quartiles(a.durations)
		name := names[worker]
		if name == "" {
			name = fmt.Sprintf("process %d", worker)
		}
		stats = append(stats, workerStat{
			worker:  worker,
			name:    name,
			batches: a.batches,
			tasks:   a.tasks,
			busy:    a.busy,
			span:    a.end - a.start,
			min:     a.durations[0],
			q1:      q1,
			q2:      q2,
			q3:      q3,
			max:     a.durations[len(a.durations)-1],
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].worker < stats[j].worker })
	return stats
}

func writeReport(w io.Writer, stats []workerStat) error {
	tw := tabwriter.NewWriter(w, 4, 4, 1, ' ', 0)
	fmt.Fprintln(tw, "process\tbatches\ttasks\tbusy\tspan\tmin\tq1\tq2\tq3\tmax")
	var batches, tasks int
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.name, s.batches, s.tasks, round(s.busy), round(s.span),
			round(s.min), round(s.q1), round(s.q2), round(s.q3), round(s.max))
		batches += s.batches
		tasks += s.tasks
	}
	fmt.Fprintf(tw, "total\t%d\t%d\n", batches, tasks)
	return tw.Flush()
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
