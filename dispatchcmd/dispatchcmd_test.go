// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatchcmd

import (
	"bytes"
	"context"
	"flag"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/taskdispatch"
	"github.com/grailbio/taskdispatch/dispatchflags"
	"github.com/grailbio/taskdispatch/doneset"
	"github.com/grailbio/taskdispatch/exec"
	"github.com/grailbio/testutil"
)

type countWorkload struct {
	mu     *sync.Mutex
	counts map[int]int
}

func (w *countWorkload) NumTasks() int { return 100 }

func (w *countWorkload) ComputeBatch(ctx context.Context, batch []int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, i := range batch {
		w.counts[i]++
	}
	return nil
}

func (w *countWorkload) FinalAssembly(ctx context.Context) error { return nil }

func flags(t *testing.T, args ...string) dispatchflags.Flags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	var df dispatchflags.Flags
	dispatchflags.RegisterFlags(fs, &df, "")
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return df
}

func TestRun(t *testing.T) {
	var (
		mu     sync.Mutex
		counts = make(map[int]int)
	)
	exec.RegisterWorkload("dispatchcmd.TestRun", func(p exec.Process) (exec.Workload, error) {
		return &countWorkload{&mu, counts}, nil
	})
	dir, cleanup := testutil.TempDir(t, "", "dispatchcmd")
	defer cleanup()
	done := filepath.Join(dir, "done")
	if err := doneset.Save(context.Background(), done, taskdispatch.NewDoneSet(0, 1, 2, 3, 4, 99)); err != nil {
		t.Fatal(err)
	}

	df := flags(t, "-processes=3", "-threads=2", "-exact-dispatch=7", "-done="+done)
	if err := Run(context.Background(), df, "dispatchcmd.TestRun"); err != nil {
		t.Fatal(err)
	}
	if got, want := len(counts), 94; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for i := 5; i < 99; i++ {
		if got, want := counts[i], 1; got != want {
			t.Errorf("task %d: got %v, want %v", i, got, want)
		}
	}

	df = flags(t, "-processes=1", "-root-dispatch-only")
	if err := Run(context.Background(), df, "dispatchcmd.TestRun"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid error", err)
	}
	if got, want := exec.ExitCode(errors.E(errors.Invalid, "bad flags")), exec.ExitFailure; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPrintSystemHelp(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var b bytes.Buffer
	fs.SetOutput(&b)
	var df dispatchflags.Flags
	dispatchflags.RegisterFlags(fs, &df, "")
	PrintSystemHelp(df)
	if got, want := b.String(), "The available providers are: ec2, internal, local"; !strings.Contains(got, want) {
		t.Errorf("got %q, want it to contain %q", got, want)
	}
}
