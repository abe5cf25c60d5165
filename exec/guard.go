// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/grailbio/base/log"
)

// DefaultStallInterval is the default period without forward progress
// after which a run is reported as stalled.
const DefaultStallInterval = 5 * time.Second

// DeadlineMargin returns how long before a run's end time the run
// should abort, given the time remaining until the end time. Longer
// runs are given a larger margin. A zero margin disables the guard:
// runs with ten minutes or less remaining are not guarded.
func DeadlineMargin(remaining time.Duration) time.Duration {
	switch {
	case remaining > 10*time.Hour:
		return 2 * time.Minute
	case remaining > time.Hour:
		return time.Minute
	case remaining > 10*time.Minute:
		return 30 * time.Second
	default:
		return 0
	}
}

// A DeadlineGuard aborts a run shortly before its end time, so that
// the run can be reported as timed out instead of being killed by
// its scheduler.
type DeadlineGuard struct {
	at    time.Time
	timer *time.Timer
}

// StartDeadlineGuard arranges for abort to be called at the provided
// deadline less its DeadlineMargin, where the margin is determined by
// the time remaining from now. It returns nil if the guard is
// disabled.
func StartDeadlineGuard(deadline, now time.Time, abort func()) *DeadlineGuard {
	if deadline.IsZero() {
		return nil
	}
	remaining := deadline.Sub(now)
	margin := DeadlineMargin(remaining)
	if margin == 0 {
		log.Printf("end time %s is %s away; not guarding it", deadline.Format(time.RFC3339), remaining)
		return nil
	}
	g := &DeadlineGuard{at: deadline.Add(-margin)}
	g.timer = time.AfterFunc(time.Until(g.at), abort)
	return g
}

// At returns the time at which the guard fires.
func (g *DeadlineGuard) At() time.Time {
	if g == nil {
		return time.Time{}
	}
	return g.at
}

// Stop disarms the guard. Stop is safe to call on a nil guard.
func (g *DeadlineGuard) Stop() {
	if g == nil {
		return
	}
	g.timer.Stop()
}

// A StallGuard watches a progress counter and reports when it fails
// to advance for a full interval. Stalls are only reported; the run
// is not interrupted.
type StallGuard struct {
	// Interval is the polling period. A stall is reported when the
	// counter has not advanced across a whole interval.
	Interval time.Duration
	// Progress returns the current value of the progress counter.
	Progress func() int64
	// Report is called with the time since last progress each time a
	// stall is detected. If nil, the stall is logged along with the
	// stacks of all goroutines.
	Report func(idle time.Duration)

	once  sync.Once
	stopc chan struct{}
	donec chan struct{}
}

// Start starts watching the guard's progress counter.
func (g *StallGuard) Start() {
	if g.Interval <= 0 {
		g.Interval = DefaultStallInterval
	}
	if g.Report == nil {
		g.Report = reportStall
	}
	g.stopc = make(chan struct{})
	g.donec = make(chan struct{})
	go g.watch()
}

// Stop stops the guard and waits for its watcher to exit.
func (g *StallGuard) Stop() {
	if g == nil || g.stopc == nil {
		return
	}
	g.once.Do(func() { close(g.stopc) })
	<-g.donec
}

func (g *StallGuard) watch() {
	defer close(g.donec)
	ticker := time.NewTicker(g.Interval)
	defer ticker.Stop()
	var (
		last  = g.Progress()
		since = time.Now()
	)
	for {
		select {
		case <-g.stopc:
			return
		case now := <-ticker.C:
			if p := g.Progress(); p != last {
				last, since = p, now
				continue
			}
			if idle := now.Sub(since); idle >= g.Interval {
				g.Report(idle)
			}
		}
	}
}

func reportStall(idle time.Duration) {
	var b bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&b, 2); err != nil {
		log.Error.Printf("stall: dumping goroutines: %v", err)
	}
	log.Error.Printf("no progress in %s; possible deadlock. goroutines:\n%s", idle.Round(time.Second), b.String())
}
