// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package doneset reads and records sets of completed task indexes,
// so that an interrupted run may be resumed without recomputing its
// finished tasks. Done sets are stored in text files accessed through
// github.com/grailbio/base/file: local paths, or any scheme registered
// with it, such as s3:// with s3file.
//
// The file format is a sequence of tokens separated by whitespace or
// commas. Each token is either a single index ("12") or an inclusive
// range of indexes ("12-20"). Text following a '#' on a line is
// ignored.
package doneset

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/taskdispatch"
)

// Parse parses a done set from r.
func Parse(r io.Reader) (taskdispatch.DoneSet, error) {
	done := make(taskdispatch.DoneSet)
	scan := bufio.NewScanner(r)
	var lineno int
	for scan.Scan() {
		lineno++
		line := scan.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\r'
		})
		for _, field := range fields {
			start, end, err := parseRange(field)
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("line %d", lineno), err)
			}
			for i := start; i <= end; i++ {
				done.Add(i)
			}
		}
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	return done, nil
}

func parseRange(field string) (start, end int, err error) {
	parts := strings.SplitN(field, "-", 2)
	if start, err = strconv.Atoi(parts[0]); err != nil {
		return
	}
	end = start
	if len(parts) == 2 {
		if end, err = strconv.Atoi(parts[1]); err != nil {
			return
		}
	}
	if start < 0 || end < start {
		err = fmt.Errorf("invalid index range %q", field)
	}
	return
}

// Format writes done to w, one index or range of consecutive indexes
// per line, in ascending order.
func Format(w io.Writer, done taskdispatch.DoneSet) error {
	return writeIndexes(w, done.Sorted())
}

// writeIndexes writes sorted indexes to w in the done set format.
func writeIndexes(w io.Writer, indexes []int) error {
	b := bufio.NewWriter(w)
	for i := 0; i < len(indexes); {
		j := i
		for j+1 < len(indexes) && indexes[j+1] == indexes[j]+1 {
			j++
		}
		if i == j {
			fmt.Fprintf(b, "%d\n", indexes[i])
		} else {
			fmt.Fprintf(b, "%d-%d\n", indexes[i], indexes[j])
		}
		i = j + 1
	}
	return b.Flush()
}

// Load reads the done set stored at path. A done set that does not
// exist is empty.
func Load(ctx context.Context, path string) (taskdispatch.DoneSet, error) {
	f, err := file.Open(ctx, path)
	if errors.Is(errors.NotExist, err) {
		log.Printf("done set %s does not exist; starting afresh", path)
		return make(taskdispatch.DoneSet), nil
	}
	if err != nil {
		return nil, errors.E(fmt.Sprintf("opening done set %s", path), err)
	}
	done, err := Parse(f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.E(fmt.Sprintf("reading done set %s", path), err)
	}
	return done, nil
}

// Save writes done to path, replacing any existing done set.
func Save(ctx context.Context, path string, done taskdispatch.DoneSet) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(fmt.Sprintf("creating done set %s", path), err)
	}
	if err := Format(f.Writer(ctx), done); err != nil {
		f.Discard(ctx)
		return errors.E(fmt.Sprintf("writing done set %s", path), err)
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(fmt.Sprintf("writing done set %s", path), err)
	}
	return nil
}

// isLocal tells whether path names a local file.
func isLocal(path string) (bool, error) {
	scheme, _, err := file.ParsePath(path)
	if err != nil {
		return false, errors.E(errors.Invalid, err)
	}
	return scheme == "", nil
}

// A Recorder is a completion hook that records completed batches to a
// done set at a path. Local done sets are appended to as each batch
// completes, so that they survive the failure of the run; other done
// sets, such as those in S3, are written in full when the recorder is
// shut down.
//
// Recorders start from the done set already at their path, which is
// preserved.
type Recorder struct {
	path string

	mu   sync.Mutex
	done taskdispatch.DoneSet
	// file is the local done set, opened for appending until the
	// recorder is shut down.
	local bool
	file  *os.File
}

// NewRecorder returns a recorder that records to the done set at path.
func NewRecorder(ctx context.Context, path string) (*Recorder, error) {
	local, err := isLocal(path)
	if err != nil {
		return nil, err
	}
	done, err := Load(ctx, path)
	if err != nil {
		return nil, err
	}
	r := &Recorder{path: path, done: done, local: local}
	if local {
		// base/file has no append mode.
		r.file, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// BatchDone implements taskdispatch.Hook.
func (r *Recorder) BatchDone(batch []int, worker int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done.Add(batch...)
	if r.file == nil {
		return nil
	}
	sorted := make(taskdispatch.DoneSet, len(batch))
	sorted.Add(batch...)
	if err := writeIndexes(r.file, sorted.Sorted()); err != nil {
		return errors.E(fmt.Sprintf("recording batch of %d tasks to %s", len(batch), r.path), err)
	}
	return nil
}

// Done returns a copy of the recorder's done set.
func (r *Recorder) Done() taskdispatch.DoneSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	done := make(taskdispatch.DoneSet, len(r.done))
	for i := range r.done {
		done.Add(i)
	}
	return done
}

// Shutdown flushes the recorder's done set to its path and releases
// its resources.
func (r *Recorder) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local {
		if r.file == nil {
			return nil
		}
		err := r.file.Close()
		r.file = nil
		return err
	}
	return Save(context.Background(), r.path, r.done)
}
