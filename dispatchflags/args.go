// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatchflags

import (
	"fmt"
	"strings"
	"time"
)

// SlurmEndTime is a shell expression that expands to the end time of
// the enclosing SLURM job, in TimeLayout.
const SlurmEndTime = "`scontrol show job $SLURM_JOB_ID | egrep --only-matching 'EndTime=[^ ]+' | cut -c 9-`"

// Args builds the dispatch command line arguments of a run, for
// inclusion in job scripts. Each argument is a flag together with its
// value, if any. The zero Args is ready to use; Prefix is the flag
// prefix passed to RegisterFlags.
//
//	args := new(dispatchflags.Args).Threads(8).ExactDispatch(10).EndTimeSlurm()
//	fmt.Fprintf(script, "sumsquares %s\n", args.Build(" "))
type Args struct {
	Prefix string
	args   []string
}

func (a *Args) add(name string, value interface{}) *Args {
	arg := "-" + a.Prefix + name
	if value != nil {
		arg += " " + fmt.Sprint(value)
	}
	a.args = append(a.args, arg)
	return a
}

// Processes sets the number of processes in the run.
func (a *Args) Processes(n int) *Args { return a.add("processes", n) }

// MinDispatch sets the minimum number of tasks dispatched at a time.
func (a *Args) MinDispatch(n int) *Args { return a.add("min-dispatch", n) }

// MaxDispatch sets the maximum number of tasks dispatched at a time.
func (a *Args) MaxDispatch(n int) *Args { return a.add("max-dispatch", n) }

// ExactDispatch sets the exact number of tasks dispatched at a time.
func (a *Args) ExactDispatch(n int) *Args { return a.add("exact-dispatch", n) }

// Threads sets the number of threads per process.
func (a *Args) Threads(n int) *Args { return a.add("threads", n) }

// RootDispatchOnly keeps the root process from computing tasks.
func (a *Args) RootDispatchOnly() *Args { return a.add("root-dispatch-only", nil) }

// Deadlock enables stall detection.
func (a *Args) Deadlock() *Args { return a.add("deadlock", nil) }

// StartIndex sets the first task index to compute.
func (a *Args) StartIndex(i int) *Args { return a.add("start-index", i) }

// EndIndex sets the (exclusive) task index at which to stop.
func (a *Args) EndIndex(i int) *Args { return a.add("end-index", i) }

// EndTime sets the time by which the run must finish.
func (a *Args) EndTime(t time.Time) *Args { return a.add("end-time", t.Format(TimeLayout)) }

// EndTimeSlurm sets the run's end time to that of the SLURM job in
// which it executes. The argument must be expanded by a shell.
func (a *Args) EndTimeSlurm() *Args { return a.add("end-time", SlurmEndTime) }

// Done sets the path of the run's done set.
func (a *Args) Done(path string) *Args { return a.add("done", path) }

// Args returns the arguments added so far.
func (a *Args) Args() []string {
	return append([]string(nil), a.args...)
}

// Build joins the arguments with sep.
func (a *Args) Build(sep string) string {
	return strings.Join(a.args, sep)
}

// String returns the arguments joined by spaces.
func (a *Args) String() string {
	return a.Build(" ")
}
