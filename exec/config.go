// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"runtime"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/taskdispatch"
)

// Exit codes reported by aborted runs.
const (
	// ExitFailure is the exit code of a run that failed.
	ExitFailure = 1
	// ExitTimeout is the exit code of a run aborted because it
	// approached its end time.
	ExitTimeout = 2
)

// ExitCode returns the process exit code corresponding to a run's
// error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(errors.Timeout, err):
		return ExitTimeout
	default:
		return ExitFailure
	}
}

// Config is the configuration of a run. Every process of a run must
// use the same configuration. Configs are gob-encoded to remote
// machines.
type Config struct {
	// Threads is the number of threads each process uses to compute
	// its batches.
	Threads int
	// Policy determines batch sizes.
	Policy taskdispatch.Policy
	// RootDispatchOnly keeps the root from computing tasks itself; it
	// only dispatches them.
	RootDispatchOnly bool
	// StallDetection enables reporting of runs that fail to make
	// progress for StallInterval.
	StallDetection bool
	// StallInterval is the stall detection period. If zero,
	// DefaultStallInterval is used.
	StallInterval time.Duration
	// StartIndex and EndIndex restrict the run to the task indexes
	// [StartIndex, EndIndex). An EndIndex of zero or less selects all
	// tasks from StartIndex.
	StartIndex, EndIndex int
	// EndTime is the wall-clock time by which the run must finish, for
	// example the end of its scheduler allocation. If non-zero, the run
	// is aborted with ExitTimeout shortly before it.
	EndTime time.Time
	// Shuffle dispatches tasks in a random order, determined by Seed.
	// A zero Seed selects a time-based seed.
	Shuffle bool
	Seed    int64
}

// DefaultConfig returns the default run configuration: one thread
// per CPU, the default adaptive policy, and tasks dispatched in a
// random order.
func DefaultConfig() Config {
	return Config{
		Threads:  runtime.NumCPU(),
		Policy:   taskdispatch.DefaultPolicy,
		EndIndex: -1,
		Shuffle:  true,
	}
}

// Validate returns an errors.Invalid error if the configuration
// cannot be used for a run of size processes.
func (c Config) Validate(size int) error {
	if size < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("run size %d must be positive", size))
	}
	if c.Threads < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("thread count %d must be positive", c.Threads))
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.RootDispatchOnly && size == 1 {
		return errors.E(errors.Invalid, "root-dispatch-only requires more than one process")
	}
	if c.StartIndex < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("start index %d is negative", c.StartIndex))
	}
	if c.EndIndex > 0 && c.EndIndex < c.StartIndex {
		return errors.E(errors.Invalid, fmt.Sprintf("end index %d is less than start index %d", c.EndIndex, c.StartIndex))
	}
	return nil
}

// Space returns the task space of a run over numTasks tasks.
func (c Config) Space(numTasks int) taskdispatch.TaskSpace {
	end := numTasks
	if c.EndIndex > 0 {
		end = c.EndIndex
	}
	return taskdispatch.TaskSpace{Total: numTasks, Start: c.StartIndex, End: end}
}

// NumWorkers returns the number of computing processes in a run of
// size processes.
func (c Config) NumWorkers(size int) int {
	n := size
	if c.RootDispatchOnly {
		n--
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (c Config) String() string {
	s := fmt.Sprintf("threads=%d policy=%s", c.Threads, c.Policy)
	if c.RootDispatchOnly {
		s += " root-dispatch-only"
	}
	if c.StartIndex > 0 || c.EndIndex > 0 {
		s += fmt.Sprintf(" start=%d end=%d", c.StartIndex, c.EndIndex)
	}
	if c.Shuffle {
		s += fmt.Sprintf(" shuffle(seed=%d)", c.Seed)
	}
	if !c.EndTime.IsZero() {
		s += " end-time=" + c.EndTime.Format(time.RFC3339)
	}
	return s
}
