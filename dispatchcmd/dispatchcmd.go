// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dispatchcmd provides utilities for implementing task
// dispatch command line tools. The main entry point,
// dispatchcmd.Main, configures a run according to a common set of
// flags and a configuration profile, and then runs a registered
// workload.
//
// A dispatchcmd tool follows this form:
//
//	func init() {
//		exec.RegisterWorkload("myworkload", newMyWorkload)
//	}
//
//	func main() {
//		dispatchcmd.Main("myworkload")
//	}
//
// When the run executes on a bigmachine system, the same binary is
// started on each machine, where Main serves the machine's process.
package dispatchcmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/taskdispatch/dispatchflags"
	"github.com/grailbio/taskdispatch/doneset"
	"github.com/grailbio/taskdispatch/exec"
)

// Main is a convenient entry point for a dispatch command. Main does
// not return. It parses (global) flags, reads the configuration
// profile from dispatchflags.ProfilePath, and runs the named workload
// accordingly.
//
// Main terminates the program after the run completes: the exit code
// is 0 on success, 2 if the run was aborted because it approached its
// end time, and 1 for any other failure.
//
// Integration with other command line processing is best achieved
// using the dispatchflags package and Run.
func Main(workload string) {
	var df dispatchflags.Flags
	dispatchflags.RegisterFlags(flag.CommandLine, &df, "")
	config.RegisterFlags("", dispatchflags.ProfilePath)
	log.AddFlags()
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var profile *dispatchflags.Profile
	config.Must(dispatchflags.ProfileName, &profile)
	dispatchflags.ApplyProfile(flag.CommandLine, &df, "", profile)
	if df.SystemHelp {
		PrintSystemHelp(df)
		os.Exit(0)
	}
	err := Run(context.Background(), df, workload)
	if err != nil {
		log.Error.Printf("%s: %v", workload, err)
	}
	os.Exit(exec.ExitCode(err))
}

// PrintSystemHelp prints the help text of the -system flag together
// with the registered providers and profiles.
func PrintSystemHelp(df dispatchflags.Flags) {
	providers, profiles := dispatchflags.ProvidersAndProfiles()
	sort.Strings(providers)
	wr := df.Output()
	fmt.Fprintf(wr, "%s\n\n", dispatchflags.SystemHelpLong)
	fmt.Fprintf(wr, "The available providers are: %v\n", strings.Join(providers, ", "))
	var str []string
	for k, v := range profiles {
		str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
	}
	sort.Strings(str)
	for _, s := range str {
		wr.Write([]byte(s))
	}
}

// Run runs the named workload as configured by the supplied flags.
// The calling process is the root of the run. When the flags select a
// bigmachine system, Run starts a machine for each other process;
// otherwise all processes run within the calling process.
func Run(ctx context.Context, df dispatchflags.Flags, workload string) error {
	cfg, err := df.Config()
	if err != nil {
		return err
	}
	size := df.Processes()
	var b *bigmachine.B
	if system := df.BigmachineSystem(); system != nil && size > 1 {
		// Non-root machines execute this binary with the same flags;
		// bigmachine.Start does not return on them.
		b = bigmachine.Start(system)
		defer b.Shutdown()
	}
	st := new(status.Status)
	opts := []exec.Option{exec.Status(st)}
	if df.Done != "" {
		done, err := doneset.Load(ctx, df.Done)
		if err != nil {
			return err
		}
		log.Printf("skipping %d tasks recorded in %s", len(done), df.Done)
		opts = append(opts, exec.Done(done))
	}
	if df.Trace != "" {
		f, err := file.Create(ctx, df.Trace)
		if err != nil {
			return err
		}
		defer func() {
			if err := f.Close(ctx); err != nil {
				log.Error.Printf("closing trace %s: %v", df.Trace, err)
			}
		}()
		opts = append(opts, exec.Trace(f.Writer(ctx)))
	}
	if df.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, st)
	}
	log.Printf("running %s with %d processes: %s", workload, size, cfg)
	if b == nil {
		return exec.RunLocal(ctx, size, workload, cfg, opts...)
	}
	t, err := exec.StartBigmachine(ctx, b, size, workload, cfg)
	if err != nil {
		return err
	}
	hostname, _ := os.Hostname()
	w, err := exec.NewWorkload(workload, exec.Process{Rank: 0, Size: size, Threads: cfg.Threads, Hostname: hostname})
	if err != nil {
		t.Abort(exec.ExitFailure)
		return err
	}
	if err := exec.Run(ctx, t, w, cfg, opts...); err != nil {
		return err
	}
	return t.Close(ctx)
}
