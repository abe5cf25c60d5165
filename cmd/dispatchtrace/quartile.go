// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"time"
)

// quartiles returns the quartiles of the sorted durations ds, using
// Tukey's method: q2 is the median of ds and splits it into two halves,
// whose medians are q1 and q3. If len(ds) is odd, q2 is included in
// both halves. ds must be non-empty.
func quartiles(ds []time.Duration) (q1, q2, q3 time.Duration) {
	mid := len(ds) / 2
	q2 = median(ds)
	q3 = ds[len(ds)-1]
	if len(ds) > 1 {
		q3 = median(ds[mid:])
	}
	right := mid
	if len(ds)%2 == 1 {
		right++
	}
	q1 = median(ds[:right])
	return
}

func median(ds []time.Duration) time.Duration {
	mid := len(ds) / 2
	if len(ds)%2 == 1 {
		return ds[mid]
	}
	// Average without overflow.
	a, b := ds[mid-1], ds[mid]
	return a/2 + b/2 + (a%2+b%2)/2
}
