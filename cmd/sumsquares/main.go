// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Sumsquares is a task dispatch demo program that sums the squares of
// the task indexes of a run. Each task sleeps for a configurable
// duration to simulate work. Each process writes its partial sum to
// the output directory, which may be in S3, during final assembly.
//
// Completed tasks may be recorded to a done set with -record; a run
// restarted with the same -record path skips them.
package main

import (
	"context"
	"flag"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/taskdispatch"
	"github.com/grailbio/taskdispatch/dispatchcmd"
	"github.com/grailbio/taskdispatch/doneset"
	"github.com/grailbio/taskdispatch/exec"
)

var (
	numTasks = flag.Int("num", 500, "number of tasks")
	taskTime = flag.Duration("time", 100*time.Millisecond, "time taken by each task")
	record   = flag.String("record", "", "path (local or s3://) of a done set to which completed tasks are recorded")
	out      = flag.String("out", "", "directory (local or s3://) to which each process writes its partial sum")
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
	exec.RegisterWorkload("sumsquares", newSumSquares)
}

type sumSquares struct {
	proc     exec.Process
	sum      int64
	count    int64
	recorder *doneset.Recorder
}

func newSumSquares(p exec.Process) (exec.Workload, error) {
	w := &sumSquares{proc: p}
	if p.IsRoot() && *record != "" {
		var err error
		w.recorder, err = doneset.NewRecorder(context.Background(), *record)
		if err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *sumSquares) NumTasks() int { return *numTasks }

func (w *sumSquares) ComputeBatch(ctx context.Context, batch []int) error {
	return exec.ForEach(ctx, w.proc.Threads, batch, func(ctx context.Context, index int) error {
		select {
		case <-time.After(*taskTime):
		case <-ctx.Done():
			return ctx.Err()
		}
		atomic.AddInt64(&w.sum, int64(index)*int64(index))
		atomic.AddInt64(&w.count, 1)
		return nil
	})
}

func (w *sumSquares) DoneIndexes(ctx context.Context) (taskdispatch.DoneSet, error) {
	if w.recorder == nil {
		return nil, nil
	}
	return w.recorder.Done(), nil
}

func (w *sumSquares) Hook() taskdispatch.Hook {
	if w.recorder == nil {
		return nil
	}
	return w.recorder
}

func (w *sumSquares) FinalAssembly(ctx context.Context) error {
	sum, count := atomic.LoadInt64(&w.sum), atomic.LoadInt64(&w.count)
	log.Printf("%s: sum of squares of %d tasks: %d", w.proc, count, sum)
	if *out == "" {
		return nil
	}
	path := file.Join(*out, fmt.Sprintf("part-%04d", w.proc.Rank))
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f.Writer(ctx), "%d %d\n", count, sum)
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

func main() {
	dispatchcmd.Main("sumsquares")
}
