// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"sort"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
)

func TestQuartiles(t *testing.T) {
	for _, c := range []struct {
		name       string
		ds         []time.Duration
		q1, q2, q3 time.Duration
	}{
		{"One", []time.Duration{0}, 0, 0, 0},
		{"Two", []time.Duration{0, 100}, 0, 50, 100},
		{"ThreeLowSame", []time.Duration{0, 0, 200}, 0, 0, 100},
		{"ThreeHighSame", []time.Duration{0, 200, 200}, 100, 200, 200},
		{"Three", []time.Duration{0, 100, 200}, 50, 100, 150},
		{"FourSomeSame", []time.Duration{0, 100, 100, 200}, 50, 100, 150},
		{"Four", []time.Duration{0, 100, 200, 300}, 50, 150, 250},
		{"FiveSomeSame", []time.Duration{0, 100, 100, 100, 200}, 100, 100, 100},
		{"Five", []time.Duration{0, 100, 200, 300, 400}, 100, 200, 300},
	} {
		t.Run(c.name, func(t *testing.T) {
			q1, q2, q3 := quartiles(c.ds)
			if q1 != c.q1 || q2 != c.q2 || q3 != c.q3 {
				t.Errorf("got %v %v %v, want %v %v %v", q1, q2, q3, c.q1, c.q2, c.q3)
			}
		})
	}
}

// TestQuartilesFuzz verifies that the quartiles of fuzzed durations are
// within [min, max] and monotonically increasing.
func TestQuartilesFuzz(t *testing.T) {
	f := fuzz.NewWithSeed(1).NumElements(1, 50)
	for i := 0; i < 1000; i++ {
		var ds []time.Duration
		f.Fuzz(&ds)
		if len(ds) == 0 {
			continue
		}
		sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
		min, max := ds[0], ds[len(ds)-1]
		q1, q2, q3 := quartiles(ds)
		if q1 < min || q2 < q1 || q3 < q2 || max < q3 {
			t.Errorf("%v: quartiles %v %v %v not ordered within [%v, %v]", ds, q1, q2, q3, min, max)
		}
	}
}
