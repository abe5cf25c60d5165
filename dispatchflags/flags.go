// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dispatchflags provides flag support for task dispatch
// command line applications.
package dispatchflags

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/taskdispatch"
	"github.com/grailbio/taskdispatch/exec"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider represents a provider of the machines on which the
// processes of a run execute, configured by setting some set of
// options via Set.
type Provider interface {
	// Name returns the name of a provider instance.
	Name() string
	// Set sets one or more options for the machines to be provided.
	// The options may be specified as key=val.
	Set(string) error
	// System returns the bigmachine system that provides machines as
	// configured by the currently set options. A nil system runs all
	// processes within the calling process.
	System() bigmachine.System
	// DefaultSize returns the default number of processes in a run.
	DefaultSize() int
}

// RegisterSystemProvider registers a 'system' provider, ie. any
// service that can provide machines to a run.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a system 'profile' which
// is a named shorthand for a system and any associated options.
// For example an application that registers a profile of:
//   dispatchflags.RegisterSystemProfile("my-ec2-app", "ec2:dataspace=500")
// can accept
//   -system=my-ec2-app
// as a synonym for
//   -system=ec2:dataspace=500
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the supported providers and profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

// Internal runs all processes of a run as goroutines of the calling
// process.
type Internal struct{}

// Name implements Provider.Name.
func (i *Internal) Name() string {
	return "internal"
}

// Set implements Provider.Set.
func (i *Internal) Set(_ string) error {
	return fmt.Errorf("the internal system provider does not support any configuration")
}

// System implements Provider.System.
func (i *Internal) System() bigmachine.System {
	return nil
}

// DefaultSize implements Provider.DefaultSize.
func (i *Internal) DefaultSize() int {
	return 1
}

// Local runs each non-root process of a run in a separate process on
// the local machine.
type Local struct{}

// Name implements Provider.Name.
func (l *Local) Name() string {
	return "local"
}

// Set implements Provider.Set.
func (l *Local) Set(_ string) error {
	return fmt.Errorf("the local system provider does not support any configuration")
}

// System implements Provider.System.
func (l *Local) System() bigmachine.System {
	return bigmachine.Local
}

// DefaultSize implements Provider.DefaultSize.
func (l *Local) DefaultSize() int {
	return 2
}

// EC2 runs each non-root process of a run on its own AWS EC2
// instance.
type EC2 struct {
	Options map[string]interface{}
}

// Name implements Provider.Name.
func (ec2 *EC2) Name() string {
	return "EC2"
}

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	parts := strings.Split(v, "=")
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "dataspace", "rootsize":
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.Options[key] = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// DefaultSize implements Provider.DefaultSize.
func (ec2 *EC2) DefaultSize() int {
	return 2
}

// System implements Provider.System.
func (ec2 *EC2) System() bigmachine.System {
	instance := &ec2system.System{
		Username: "unknown",
	}
	u, err := user.Current()
	if err == nil {
		instance.Username = u.Username
	} else {
		log.Printf("newec2: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			instance.InstanceType = val.(string)
		case "dataspace":
			instance.Dataspace = val.(uint)
		case "rootsize":
			instance.Diskspace = val.(uint)
		case "profile":
			instance.InstanceProfile = val.(string)
		case "ondemand":
			instance.OnDemand = val.(bool)
		}
	}
	return instance
}

func init() {
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("internal", &Internal{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort is a short explanation of the allowed SystemFlags values.
func SystemHelpShort(prefix string) string {
	const format = `a system is specified as follows: {local,internal,ec2:[key=val,],name}, use -%s for more information.`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a complete explanation of the allowed SystemFlags values.
const SystemHelpLong = `A system is specified as follows:

<system-type>:<options> where options is [key=value,]+

The root process of a run always executes in the calling process.
The currently supported system types, which determine where the other
processes execute, and their options are as follows:

internal: in-process execution, the default.
local: same machine, separate process execution.
ec2: AWS EC2 execution, one instance per process. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. m4.xlarge
	dataspace=<number> - size of the data volume in GiB, typically /mnt/data.
	rootsize=<number> - size of the root volume in GiB.
	ondemand - true to use on-demand rather than spot instances
	profile - the aws instance profile to use instead of a default

In addition, an application may register 'profiles' that are shorthand
for the above, eg. "my-app" can be configured as a synonym for
ec2:instance=m4.xlarge,dataspace=200.
`

// SystemFlag represents a flag that can be used to specify a system
// provider.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.Set
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}

	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile type: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Value.Get
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// TimeLayout is the layout of end times given on the command line,
// interpreted in the local time zone.
const TimeLayout = "2006-01-02T15:04:05"

// TimeFlag is a flag that holds a wall-clock time. It accepts times in
// TimeLayout, as printed by SLURM's scontrol, or in RFC 3339 format.
type TimeFlag struct {
	time.Time
}

// String implements flag.Value.String
func (t *TimeFlag) String() string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimeLayout)
}

// Set implements flag.Value.Set
func (t *TimeFlag) Set(v string) error {
	if v == "" {
		t.Time = time.Time{}
		return nil
	}
	tm, err := time.ParseInLocation(TimeLayout, v, time.Local)
	if err != nil {
		var rerr error
		if tm, rerr = time.Parse(time.RFC3339, v); rerr != nil {
			return fmt.Errorf("invalid time %q: want %s or RFC 3339", v, TimeLayout)
		}
	}
	t.Time = tm
	return nil
}

// Get implements flag.Value.Get
func (t *TimeFlag) Get() interface{} {
	return t.Time
}

// Flags represents all of the flags that can be used to configure
// a task dispatch command.
type Flags struct {
	System           SystemFlag
	SystemHelp       bool
	ConsoleStatus    bool
	Size             int
	Threads          int
	MinDispatch      int
	MaxDispatch      int
	ExactDispatch    int
	RootDispatchOnly bool
	Deadlock         bool
	StallInterval    time.Duration
	StartIndex       int
	EndIndex         int
	EndTime          TimeFlag
	Shuffle          bool
	Seed             int64
	Done             string
	Trace            string

	// ProfileSystem is the bigmachine system provided by a
	// configuration profile, if any. It is used when no system is
	// specified on the command line.
	ProfileSystem bigmachine.System

	fs *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (df *Flags) Output() io.Writer {
	if df.fs == nil {
		return os.Stderr
	}
	if wr := df.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	System        string
	ConsoleStatus bool
	Size          int
	Threads       int
	MinDispatch   int
	MaxDispatch   int
	ExactDispatch int
	StallInterval time.Duration
	Shuffle       bool
}

// DefaultDefaults are the flag defaults used by RegisterFlags.
var DefaultDefaults = Defaults{
	System:        "internal",
	ConsoleStatus: false,
	Size:          0,
	Threads:       runtime.NumCPU(),
	MinDispatch:   taskdispatch.DefaultMinDispatch,
	MaxDispatch:   taskdispatch.DefaultMaxDispatch,
	StallInterval: exec.DefaultStallInterval,
	Shuffle:       true,
}

// RegisterFlags registers the task dispatch command line flags with
// the supplied flag set. The flag names will be prefixed with the
// supplied prefix.
func RegisterFlags(fs *flag.FlagSet, df *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, df, prefix, DefaultDefaults)
}

// RegisterFlagsWithDefaults registers the task dispatch command line
// flags with the supplied flag set and defaults. The flag names will
// be prefixed with the supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, df *Flags, prefix string, defaults Defaults) {
	fs.Var(&df.System, prefix+"system", SystemHelpShort(prefix))
	df.System.Set(defaults.System)
	df.System.Specified = false
	fs.BoolVar(&df.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	fs.BoolVar(&df.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&df.Size, prefix+"processes", defaults.Size, "number of processes in the run, including the root; 0 requests an appropriate default for the system")
	fs.IntVar(&df.Threads, prefix+"threads", defaults.Threads, "number of threads per process")
	fs.IntVar(&df.MinDispatch, prefix+"min-dispatch", defaults.MinDispatch, "minimum number of tasks to dispatch to a process at a time")
	fs.IntVar(&df.MaxDispatch, prefix+"max-dispatch", defaults.MaxDispatch, "maximum number of tasks to dispatch to a process at a time")
	fs.IntVar(&df.ExactDispatch, prefix+"exact-dispatch", defaults.ExactDispatch, "exact number of tasks to dispatch to a process at a time; overrides min and max dispatch")
	fs.BoolVar(&df.RootDispatchOnly, prefix+"root-dispatch-only", false, "the root process only dispatches tasks and does not compute any")
	fs.BoolVar(&df.Deadlock, prefix+"deadlock", false, "report runs that stop making progress, with the stacks of all goroutines")
	fs.DurationVar(&df.StallInterval, prefix+"stall-interval", defaults.StallInterval, "period without progress after which a run is reported by -"+prefix+"deadlock")
	fs.IntVar(&df.StartIndex, prefix+"start-index", 0, "first task index to compute")
	fs.IntVar(&df.EndIndex, prefix+"end-index", -1, "task index at which to stop computing (exclusive); -1 computes all tasks")
	fs.Var(&df.EndTime, prefix+"end-time", "wall-clock time ("+TimeLayout+", local time) by which the run must finish; the run aborts with exit code 2 shortly before it")
	fs.BoolVar(&df.Shuffle, prefix+"shuffle", defaults.Shuffle, "dispatch tasks in a random order; -"+prefix+"shuffle=false dispatches them in index order")
	fs.Int64Var(&df.Seed, prefix+"seed", 0, "seed for -"+prefix+"shuffle; 0 selects a time-based seed")
	fs.StringVar(&df.Done, prefix+"done", "", "path (local or s3://) of a set of task indexes that have already been computed")
	fs.StringVar(&df.Trace, prefix+"trace", "", "path (local or s3://) to which a trace of the dispatched batches is written, in the Chrome tracing format")
	df.fs = fs
}

// Processes returns the number of processes in the run.
func (df *Flags) Processes() int {
	if df.Size > 0 {
		return df.Size
	}
	if df.System.Provider == nil {
		return 1
	}
	return df.System.Provider.DefaultSize()
}

// BigmachineSystem returns the bigmachine system on which the run's
// non-root processes execute, or nil if they execute in the calling
// process.
func (df *Flags) BigmachineSystem() bigmachine.System {
	if !df.System.Specified && df.ProfileSystem != nil {
		return df.ProfileSystem
	}
	if df.System.Provider == nil {
		return nil
	}
	return df.System.Provider.System()
}

// Config returns the run configuration represented by the flag
// values. Config returns an errors.Invalid error if the flags are
// inconsistent.
func (df *Flags) Config() (exec.Config, error) {
	config := exec.Config{
		Threads:          df.Threads,
		Policy:           taskdispatch.Adaptive(df.MinDispatch, df.MaxDispatch),
		RootDispatchOnly: df.RootDispatchOnly,
		StallDetection:   df.Deadlock,
		StallInterval:    df.StallInterval,
		StartIndex:       df.StartIndex,
		EndIndex:         df.EndIndex,
		EndTime:          df.EndTime.Time,
		Shuffle:          df.Shuffle,
		Seed:             df.Seed,
	}
	if df.ExactDispatch > 0 {
		config.Policy = taskdispatch.Exact(df.ExactDispatch)
	}
	if df.MinDispatch <= 0 && df.ExactDispatch <= 0 {
		return exec.Config{}, errors.E(errors.Invalid, "-min-dispatch must be positive")
	}
	if err := config.Validate(df.Processes()); err != nil {
		return exec.Config{}, err
	}
	return config, nil
}
