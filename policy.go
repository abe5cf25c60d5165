// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package taskdispatch

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

const (
	// DefaultMinDispatch is the default minimum number of tasks
	// dispatched to a worker at a time.
	DefaultMinDispatch = 5
	// DefaultMaxDispatch is the default maximum number of tasks
	// dispatched to a worker at a time.
	DefaultMaxDispatch = 100
)

// A Policy determines the number of tasks handed to a worker in a
// single batch. An adaptive policy (Exact == 0) divides the
// remaining work evenly across workers, clamped to [Min, Max]. An
// exact policy (Exact > 0) always dispatches Exact tasks, except
// possibly for the final, partial batch.
type Policy struct {
	Min, Max int
	Exact    int
}

// DefaultPolicy is the adaptive policy with the default bounds.
var DefaultPolicy = Policy{Min: DefaultMinDispatch, Max: DefaultMaxDispatch}

// Adaptive returns an adaptive policy with the provided bounds.
func Adaptive(min, max int) Policy {
	return Policy{Min: min, Max: max}
}

// Exact returns a policy that dispatches exactly n tasks at a time.
func Exact(n int) Policy {
	return Policy{Exact: n}
}

// IsExact tells whether the policy dispatches fixed-size batches.
func (p Policy) IsExact() bool {
	return p.Exact > 0
}

// Validate returns an errors.Invalid error if the policy's bounds
// are inconsistent.
func (p Policy) Validate() error {
	switch {
	case p.Exact < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("exact dispatch size %d is negative", p.Exact))
	case p.Exact > 0:
		return nil
	case p.Min <= 0:
		return errors.E(errors.Invalid, fmt.Sprintf("min dispatch size %d must be positive", p.Min))
	case p.Max < p.Min:
		return errors.E(errors.Invalid, fmt.Sprintf("max dispatch size %d is less than min dispatch size %d", p.Max, p.Min))
	}
	return nil
}

// Size returns the size of the next batch given the number of
// remaining tasks and the number of workers among which they are
// shared. The returned size is never larger than remaining.
func (p Policy) Size(remaining, workers int) int {
	if remaining <= 0 {
		return 0
	}
	var n int
	if p.IsExact() {
		n = p.Exact
	} else {
		if workers < 1 {
			workers = 1
		}
		n = remaining / workers
		if n > p.Max {
			n = p.Max
		}
		if n < p.Min {
			n = p.Min
		}
	}
	if n > remaining {
		n = remaining
	}
	return n
}

func (p Policy) String() string {
	if p.IsExact() {
		return fmt.Sprintf("exact(%d)", p.Exact)
	}
	return fmt.Sprintf("adaptive(%d, %d)", p.Min, p.Max)
}
