// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/taskdispatch"
	"golang.org/x/sync/errgroup"
)

// A Workload is the user-supplied computation run by every process.
// NumTasks must return the same value on every process of a run.
type Workload interface {
	// NumTasks returns the total number of tasks.
	NumTasks() int
	// ComputeBatch computes the tasks with the given indexes. It may
	// be called many times per process, and never concurrently.
	ComputeBatch(ctx context.Context, batch []int) error
	// FinalAssembly is called exactly once per process, after every
	// process in the run has finished computing.
	FinalAssembly(ctx context.Context) error
}

// DoneIndexer is implemented by workloads that can report tasks
// already completed by a previous run. It is consulted by the root
// only; the returned indexes are never dispatched.
type DoneIndexer interface {
	DoneIndexes(ctx context.Context) (taskdispatch.DoneSet, error)
}

// Hooker is implemented by workloads that supply a completion hook.
// It is consulted by the root only. If the returned hook also has a
// method Shutdown() error, it is called once after dispatch completes
// and its error fails the run.
type Hooker interface {
	Hook() taskdispatch.Hook
}

// A Process describes the process on which a workload is instantiated.
type Process struct {
	// Rank is the process's rank; 0 is the root.
	Rank int
	// Size is the number of processes in the run.
	Size int
	// Threads is the number of threads each process uses to compute
	// its batches.
	Threads int
	// Hostname is the name of the host on which the process runs.
	Hostname string
}

// IsRoot tells whether the process is the root.
func (p Process) IsRoot() bool { return p.Rank == 0 }

func (p Process) String() string {
	return fmt.Sprintf("(%s) process %d", p.Hostname, p.Rank)
}

// A WorkloadFactory instantiates a workload on a process.
type WorkloadFactory func(p Process) (Workload, error)

var (
	workloadsMu sync.Mutex
	workloads   = make(map[string]WorkloadFactory)
)

// RegisterWorkload registers a workload factory by name. Workloads
// run on remote machines must be registered in every binary, typically
// from an init function, since the workload is instantiated from its
// name on each machine. RegisterWorkload panics if the name is already
// registered.
func RegisterWorkload(name string, factory WorkloadFactory) {
	workloadsMu.Lock()
	defer workloadsMu.Unlock()
	if _, ok := workloads[name]; ok {
		panic(fmt.Sprintf("exec.RegisterWorkload: workload %q already registered", name))
	}
	workloads[name] = factory
}

// NewWorkload instantiates the named workload for process p.
func NewWorkload(name string, p Process) (Workload, error) {
	workloadsMu.Lock()
	factory, ok := workloads[name]
	workloadsMu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("workload %q is not registered", name))
	}
	return factory(p)
}

// Workloads returns the names of all registered workloads.
func Workloads() []string {
	workloadsMu.Lock()
	defer workloadsMu.Unlock()
	names := make([]string, 0, len(workloads))
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForEach calls fn for each index in batch, running at most threads
// calls concurrently. ForEach returns the first error returned by fn;
// once an error occurs, calls that have not yet started are skipped.
// It is a convenience for workloads that compute independent tasks.
func ForEach(ctx context.Context, threads int, batch []int, fn func(ctx context.Context, index int) error) error {
	if threads < 1 {
		threads = 1
	}
	lim := limiter.New()
	lim.Release(threads)
	g, gctx := errgroup.WithContext(ctx)
	for _, index := range batch {
		if err := lim.Acquire(gctx, 1); err != nil {
			break
		}
		index := index
		g.Go(func() error {
			defer lim.Release(1)
			return fn(gctx, index)
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return err
}
