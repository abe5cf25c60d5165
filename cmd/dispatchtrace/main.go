// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Dispatchtrace summarizes the batch trace written by a task dispatch
// run with -trace. For each process it prints the number of batches
// and tasks computed, the time spent computing them, and the
// distribution of batch durations.
//
// Usage:
//
//	dispatchtrace path
//
// The path may be local or in S3.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/taskdispatch/internal/trace"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func main() {
	log.AddFlags()
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: dispatchtrace path\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	ctx := context.Background()
	path := flag.Arg(0)
	f, err := file.Open(ctx, path)
	if err != nil {
		log.Fatal(err)
	}
	var t trace.T
	err = t.Decode(f.Reader(ctx))
	f.Close(ctx)
	if err != nil {
		log.Fatalf("decoding trace %s: %v", path, err)
	}
	batches, names := buildBatches(t.Events)
	if len(batches) == 0 {
		log.Fatalf("trace %s contains no batches", path)
	}
	if err := writeReport(os.Stdout, buildWorkerStats(batches, names)); err != nil {
		log.Fatal(err)
	}
}
