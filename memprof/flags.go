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
package main

import (
	goflag "flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/memprof/common/multierror"
	"github.com/mongoose-os/memprof/version"
)

var (
	configFile = flag.StringP("config", "c", "", "Session file (YAML)")

	probeType      = flag.String("probe", "", "Probe type: cmsis-dap or gdb-remote")
	probeSerial    = flag.String("probe-serial", "", "Serial number of the CMSIS-DAP probe to use")
	gdbAddress     = flag.String("gdb-address", "", "host:port of a gdb server")
	gdbSerialPort  = flag.String("gdb-serial-port", "", "Serial port of a probe that speaks the gdb protocol (Black Magic Probe)")
	gdbServerCmd   = flag.String("gdb-server-command", "", "Command that starts a gdb server, e.g. openocd")
	targetName     = flag.String("target", "", "Target description for the summary")
	elfFile        = flag.String("elf", "", "Firmware ELF file: stack top, symbols and source lines")
	listingFile    = flag.StringP("listing", "l", "", "Firmware disassembly (objdump -d) for function attribution")
	mode           = flag.StringP("mode", "m", "", "Session mode: stepping, looping or single-shot")
	point          = flag.StringP("point", "p", "", "Monitoring point: function, file:line or 0x address")
	regionFlags    = flag.StringArrayP("region", "r", nil, "Region to sample: label=base:length[:word][:down]. May be repeated")
	stackSize      = flag.String("stack-size", "", "Sample this many bytes below the initial stack pointer")
	interval       = flag.Duration("interval", 0, "Looping mode: time between samples")
	repeat         = flag.Int("repeat", 0, "Single-shot mode: number of samples")
	baseline       = flag.Bool("baseline", false, "Single-shot mode: sample once before the first run")
	stepLimit      = flag.Int("step-limit", 0, "Stepping mode: maximum number of steps")
	duration       = flag.Duration("duration", 0, "Maximum session duration")
	interactive    = flag.BoolP("interactive", "i", false, "Stepping mode: confirm every step")
	resetTarget    = flag.Bool("reset", false, "Reset the target before the session")
	paintRegions   = flag.Bool("paint", false, "Fill the regions with the fill byte before the session")
	output         = flag.StringP("output", "o", "", "Record file; .zst is compressed, - is stdout")
	input          = flag.String("input", "", "Record file to read")
	liveAddr       = flag.String("live-addr", "", "Serve the live view on this address")
	mqttBroker     = flag.String("mqtt-broker", "", "Publish records to this MQTT broker, e.g. mqtt://host/topic")
	functionName   = flag.StringP("function", "f", "", "Function to list the callees of")
	controlTimeout = flag.Duration("control-timeout", 0, "Timeout of probe control operations")
	readTimeout    = flag.Duration("read-timeout", 0, "Timeout of probe memory and register reads")
	stepTimeout    = flag.Duration("step-timeout", 0, "Timeout of a single step")
	bpTimeout      = flag.Duration("breakpoint-timeout", 0, "Timeout of a run to the breakpoint")
	lockTimeout    = flag.Duration("lock-timeout", 10*time.Second, "How long to wait for a probe used by another memprof")
)

var (
	hiddenFlags = []string{
		"alsologtostderr",
		"log_backtrace_at",
		"log_dir",
		"logtostderr",
		"stderrthreshold",
		"v",
		"vmodule",
		"control-timeout",
		"read-timeout",
		"step-timeout",
		"breakpoint-timeout",
		"lock-timeout",
	}
)

func initFlags() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	hideFlags()
	flag.Usage = usage
}

func hideFlags() {
	for _, f := range hiddenFlags {
		flag.CommandLine.MarkHidden(f)
	}
}

func unhideFlags() {
	for _, f := range hiddenFlags {
		f := flag.Lookup(f)
		if f != nil {
			f.Hidden = false
		}
	}
}

func checkFlags(fs []string) error {
	var errs error
	for _, req := range fs {
		f := flag.Lookup(req)
		if f == nil {
			errs = multierror.Append(errs, errors.Errorf("--%s is required", req))
		} else if !f.Changed {
			errs = multierror.Append(errs, errors.Errorf("--%s is required\t\t%s", f.Name, f.Usage))
		}
	}
	return errors.Trace(errs)
}

func printFlag(w io.Writer, opt string, name string) {
	f := flag.Lookup(name)
	arg := "<" + f.Value.Type() + ">"
	if f.Value.Type() == "bool" {
		arg = ""
	}
	fmt.Fprintf(w, "  --%s %s\t%s. %s, default value: %q\n", name, arg, f.Usage, opt, f.DefValue)
}

func usage() {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 1, ' ', 0)

	if len(os.Args) == 3 && os.Args[1] == "help" {
		for _, c := range commands {
			if c.name == os.Args[2] {
				fmt.Fprintf(w, "%s %s FLAGS\n", os.Args[0], os.Args[2])
				fmt.Fprintf(w, "\nFlags:\n")
				for _, name := range c.required {
					printFlag(w, "Required", name)
				}
				for _, name := range c.optional {
					printFlag(w, "Optional", name)
				}
				w.Flush()
				return
			}
		}
	}

	fmt.Fprintf(w, "The memory profiler for Cortex-M targets, %s.\n", version.String())
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  %s <command>\n", os.Args[0])
	fmt.Fprintf(w, "\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %s\t\t%s\n", c.name, c.short)
	}

	fmt.Fprintf(w, "\nGlobal Flags:\n")
	if *helpFull {
		fmt.Fprint(w, flag.CommandLine.FlagUsages())
	} else {
		printFlag(w, "Optional", "config")
		printFlag(w, "Optional", "logtostderr")
		fmt.Fprintf(w, "\n%s help <command> lists the flags of a command, --helpfull lists all flags.\n", os.Args[0])
		fmt.Fprintf(w, "Every flag can also be set as %s<FLAG_NAME>, e.g. %sLIVE_ADDR.\n", envPrefix, envPrefix)
	}

	w.Flush()
}
