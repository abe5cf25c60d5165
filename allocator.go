// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskdispatch

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/grailbio/base/errors"
)

// A TaskSpace is the range of task indexes [Start, End) of a run,
// drawn from the full set of tasks [0, Total).
type TaskSpace struct {
	Total      int
	Start, End int
}

// Range returns the TaskSpace that covers all of n tasks.
func Range(n int) TaskSpace {
	return TaskSpace{Total: n, Start: 0, End: n}
}

// Len returns the number of indexes in the space.
func (s TaskSpace) Len() int {
	return s.End - s.Start
}

// Contains tells whether index i is in the space.
func (s TaskSpace) Contains(i int) bool {
	return s.Start <= i && i < s.End
}

// Validate returns an errors.Invalid error unless
// 0 <= Start <= End <= Total.
func (s TaskSpace) Validate() error {
	if s.Start < 0 || s.Start > s.End || s.End > s.Total {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid task range [%d, %d) of %d tasks", s.Start, s.End, s.Total))
	}
	return nil
}

func (s TaskSpace) String() string {
	return fmt.Sprintf("[%d, %d) of %d", s.Start, s.End, s.Total)
}

// A DoneSet is a set of task indexes that have already been computed
// and must not be dispatched again, for example when resuming an
// interrupted run. DoneSets are read-only once handed to a
// Dispatcher. A nil DoneSet is empty.
type DoneSet map[int]struct{}

// NewDoneSet returns a DoneSet containing the provided indexes.
func NewDoneSet(indexes ...int) DoneSet {
	d := make(DoneSet, len(indexes))
	d.Add(indexes...)
	return d
}

// Add adds indexes to the set.
func (d DoneSet) Add(indexes ...int) {
	for _, i := range indexes {
		d[i] = struct{}{}
	}
}

// Contains tells whether index i is in the set.
func (d DoneSet) Contains(i int) bool {
	_, ok := d[i]
	return ok
}

// Count returns the number of indexes in the set that lie in space.
func (d DoneSet) Count(space TaskSpace) int {
	var n int
	for i := range d {
		if space.Contains(i) {
			n++
		}
	}
	return n
}

// Sorted returns the set's indexes in ascending order.
func (d DoneSet) Sorted() []int {
	indexes := make([]int, 0, len(d))
	for i := range d {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	return indexes
}

// An Allocator computes successive batches of task indexes over a
// TaskSpace. Allocators are not safe for concurrent use; see
// Dispatcher.
//
// The order in which indexes are offered is fixed at construction:
// either ascending, or a random permutation of the space. Indexes in
// the allocator's DoneSet are never offered, and do not count toward
// the remaining work used to size batches.
type Allocator struct {
	policy  Policy
	workers int
	// order is the offer order of all indexes to be dispatched; next
	// is the position in order of the next index to be offered.
	order []int
	next  int
}

// NewAllocator returns an allocator for the given space and policy,
// sizing batches as if the work were shared among workers processes.
// If rnd is non-nil, indexes are offered in an order given by a
// permutation drawn from rnd; otherwise they are offered in ascending
// order.
func NewAllocator(space TaskSpace, policy Policy, workers int, done DoneSet, rnd *rand.Rand) (*Allocator, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if workers < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("number of workers %d must be positive", workers))
	}
	a := &Allocator{
		policy:  policy,
		workers: workers,
		order:   make([]int, 0, space.Len()-done.Count(space)),
	}
	var perm []int
	if rnd != nil {
		perm = rnd.Perm(space.Len())
	}
	for i := 0; i < space.Len(); i++ {
		index := space.Start + i
		if perm != nil {
			index = space.Start + perm[i]
		}
		if done.Contains(index) {
			continue
		}
		a.order = append(a.order, index)
	}
	return a, nil
}

// Next returns the next batch of task indexes. Next returns an empty
// batch once all indexes have been offered, and on every call
// thereafter.
func (a *Allocator) Next() []int {
	n := a.policy.Size(a.Remaining(), a.workers)
	if n == 0 {
		return nil
	}
	batch := make([]int, n)
	copy(batch, a.order[a.next:a.next+n])
	a.next += n
	return batch
}

// Remaining returns the number of indexes that have yet to be
// offered.
func (a *Allocator) Remaining() int {
	return len(a.order) - a.next
}

// Len returns the total number of indexes the allocator offers over
// its lifetime.
func (a *Allocator) Len() int {
	return len(a.order)
}
