// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dispatchflags

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
	// Used to provide ec2system.System bigmachines to profiles.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/taskdispatch"
)

// ProfileName is the name of the configuration instance that holds
// defaults for task dispatch commands.
const ProfileName = "taskdispatch"

// ProfilePath determines the location of the profile read by
// commands, see github.com/grailbio/base/config.
var ProfilePath = os.ExpandEnv("$HOME/.taskdispatch/config")

// Profile holds run defaults provided by a configuration profile.
// Values that are zero are not applied.
type Profile struct {
	Processes     int
	Threads       int
	MinDispatch   int
	MaxDispatch   int
	ExactDispatch int
	System        bigmachine.System
}

func init() {
	config.Register(ProfileName, func(constr *config.Constructor) {
		var p Profile
		constr.IntVar(&p.Processes, "processes", 0, "number of processes in a run, including the root")
		constr.IntVar(&p.Threads, "threads", 0, "number of threads per process")
		constr.IntVar(&p.MinDispatch, "min-dispatch", taskdispatch.DefaultMinDispatch, "minimum number of tasks dispatched to a process at a time")
		constr.IntVar(&p.MaxDispatch, "max-dispatch", taskdispatch.DefaultMaxDispatch, "maximum number of tasks dispatched to a process at a time")
		constr.IntVar(&p.ExactDispatch, "exact-dispatch", 0, "exact number of tasks dispatched to a process at a time")
		constr.InstanceVar(&p.System, "system", "", "the bigmachine system on which non-root processes execute")
		constr.Doc = "taskdispatch configures defaults for task dispatch runs"
		constr.New = func() (interface{}, error) {
			return &p, nil
		}
	})
}

// ApplyProfile applies the nonzero values of profile p to the flags
// in df that were not set explicitly in fs. Flag names are prefixed
// with the supplied prefix, as in RegisterFlags.
func ApplyProfile(fs *flag.FlagSet, df *Flags, prefix string, p *Profile) {
	if p == nil {
		return
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	apply := func(name string, dst *int, v int) {
		if v > 0 && !set[prefix+name] {
			*dst = v
		}
	}
	apply("processes", &df.Size, p.Processes)
	apply("threads", &df.Threads, p.Threads)
	apply("min-dispatch", &df.MinDispatch, p.MinDispatch)
	apply("max-dispatch", &df.MaxDispatch, p.MaxDispatch)
	apply("exact-dispatch", &df.ExactDispatch, p.ExactDispatch)
	if p.System != nil && !set[prefix+"system"] {
		df.ProfileSystem = p.System
	}
}
