//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// memprof samples the memory of a Cortex-M target through a debug probe
// while firmware runs, and records how memory use changes over time.
package main

import (
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/memprof/common/pflagenv"
	"github.com/mongoose-os/memprof/version"
)

const (
	envPrefix = "MEMPROF_"
)

var (
	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")
)

var commands = []command{
	{"run", runSession, `Run a profiling session`, []string{}, []string{
		"config", "mode", "point", "elf", "listing", "region", "stack-size", "interval",
		"repeat", "baseline", "step-limit", "duration", "interactive", "output", "live-addr", "mqtt-broker",
	}},
	{"init", initConfig, `Write a session file from --config and the other flags: memprof init [file]`, []string{}, []string{
		"config", "probe", "mode", "point", "elf", "listing", "region", "stack-size", "output",
	}},
	{"probes", listProbes, `List attached CMSIS-DAP probes`, []string{}, []string{}},
	{"functions", listFunctions, `List functions of a firmware, or the callees of one`, []string{"listing"}, []string{"function"}},
	{"report", showReport, `Print the summary of a recorded session`, []string{"input"}, []string{}},
}

type command struct {
	name     string
	handler  handler
	short    string
	required []string
	optional []string
}

type handler func() error

// exitError carries the exit status of a command that failed after having
// reported the failure itself.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func run() error {
	for _, c := range commands {
		if c.name == flag.Arg(0) {
			if err := checkFlags(c.required); err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(c.handler())
		}
	}
	usage()
	return &exitError{code: 1}
}

func main() {
	initFlags()
	flag.Parse()
	if err := pflagenv.Parse(envPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	if *helpFull {
		unhideFlags()
		usage()
		return
	} else if *versionFlag {
		fmt.Println(version.String())
		return
	}

	err := run()
	glog.Flush()
	if err != nil {
		if ee, ok := errors.Cause(err).(*exitError); ok {
			os.Exit(ee.code)
		}
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
