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
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/engine"
	"github.com/mongoose-os/memprof/sink"
)

func printSummary(out io.Writer, s *engine.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	stateColor := color.New(color.FgGreen)
	if s.FinalState == engine.StateFaulted {
		stateColor = color.New(color.FgRed)
	}
	fmt.Fprintf(w, "Session %s, %s", s.SessionID, s.Mode)
	if s.Point != "" {
		fmt.Fprintf(w, " at %s", s.Point)
	}
	if s.Target != "" {
		fmt.Fprintf(w, " on %s", s.Target)
	}
	fmt.Fprintf(w, ": ")
	stateColor.Fprintf(w, "%s", s.FinalState)
	fmt.Fprintf(w, " (%s) after %s\n", s.StopReason, s.Duration.Round(time.Millisecond))
	if s.FaultCause != "" {
		color.New(color.FgRed).Fprintf(w, "Fault: %s\n", s.FaultCause)
	}

	fmt.Fprintf(w, "Samples: %d complete", s.Complete)
	if s.Partial > 0 {
		color.New(color.FgYellow).Fprintf(w, ", %d partial", s.Partial)
	}
	if s.Faulted > 0 {
		color.New(color.FgRed).Fprintf(w, ", %d faulted", s.Faulted)
	}
	if s.Interrupted > 0 {
		fmt.Fprintf(w, ", %d interrupted", s.Interrupted)
	}
	if s.Baseline > 0 {
		fmt.Fprintf(w, ", %d baseline", s.Baseline)
	}
	fmt.Fprintf(w, "; %d variants", s.Variants)
	if s.Steps > 0 {
		fmt.Fprintf(w, "; %d steps", s.Steps)
	}
	if s.Dropped > 0 {
		fmt.Fprintf(w, "; %d triggers dropped", s.Dropped)
	}
	fmt.Fprintf(w, "\n")
	if s.SPOffsetMax != nil && s.SPOffsetMedian != nil {
		fmt.Fprintf(w, "Stack pointer depth: median %d, max %d bytes\n", *s.SPOffsetMedian, *s.SPOffsetMax)
	}

	if len(s.Regions) > 0 {
		fmt.Fprintf(w, "\nRegion\tBase\tLength\tUsed (min-max)\tDelta\tGrowth\tWatermark\tVariants\tMissing\n")
		for _, r := range s.Regions {
			fmt.Fprintf(w, "%s\t0x%08x\t%d\t%d-%d\t%d\t",
				r.Label, r.Base, r.Length, r.MinUsed, r.MaxUsed, r.DeltaUsed)
			growth := fmt.Sprintf("%+d", r.Growth)
			if r.Growth > 0 {
				color.New(color.FgYellow).Fprintf(w, "%s", growth)
			} else {
				fmt.Fprintf(w, "%s", growth)
			}
			fmt.Fprintf(w, "\t%d\t%d\t%d\n", r.MaxWatermark, r.Variants, r.Missing)
		}
	}
	for _, warning := range s.Warnings {
		color.New(color.FgYellow).Fprintf(w, "Warning: %s\n", warning)
	}
	w.Flush()
}

func showReport() error {
	recs, err := sink.ReadFile(*input)
	if err != nil {
		return errors.Trace(err)
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if s, ok := recs[i].(*engine.Summary); ok {
			printSummary(os.Stdout, s)
			return nil
		}
	}
	return errors.Errorf("%s: no summary among %d records, the session did not finish", *input, len(recs))
}
