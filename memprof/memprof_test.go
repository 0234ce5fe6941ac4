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
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/memprof/config"
	"github.com/mongoose-os/memprof/engine"
)

func TestParseRegionFlag(t *testing.T) {
	rc, err := parseRegionFlag("heap=0x20001000:4K:word")
	if err != nil {
		t.Fatalf("parseRegionFlag: %s", err)
	}
	if got, want := rc.Label, "heap"; got != want {
		t.Errorf("label: got %q, want %q", got, want)
	}
	if rc.Base == nil || *rc.Base != 0x20001000 {
		t.Errorf("base: got %v, want 0x20001000", rc.Base)
	}
	if got, want := rc.Length, config.Size(4096); got != want {
		t.Errorf("length: got %d, want %d", got, want)
	}
	if got, want := rc.Width, "word"; got != want {
		t.Errorf("width: got %q, want %q", got, want)
	}

	rc, err = parseRegionFlag("0x20007000:0x1000:down")
	if err != nil {
		t.Fatalf("parseRegionFlag: %s", err)
	}
	if rc.Label != "" || !rc.GrowsDown {
		t.Errorf("got %+v", rc)
	}

	for _, bad := range []string{"heap", "heap=0x2000", "heap=nowhere:16", "heap=0x20000000:lots", "heap=0x20000000:16:sideways"} {
		if _, err := parseRegionFlag(bad); err == nil {
			t.Errorf("%q: want an error", bad)
		}
	}
}

func TestLoadConfigFlags(t *testing.T) {
	defer func() {
		for _, name := range []string{"mode", "gdb-address", "interval", "region"} {
			flag.Lookup(name).Changed = false
		}
		*regionFlags = nil
	}()
	flag.Set("mode", "looping")
	flag.Set("gdb-address", "localhost:3333")
	flag.Set("interval", "20ms")
	flag.Set("region", "buf=0x20000100:256")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %s", err)
	}
	if got, want := cfg.Probe.Type, config.ProbeGDBRemote; got != want {
		t.Errorf("probe: got %q, want %q", got, want)
	}
	if got, want := cfg.Interval, 20*time.Millisecond; got != want {
		t.Errorf("interval: got %s, want %s", got, want)
	}
	if got, want := len(cfg.Regions), 1; got != want {
		t.Fatalf("got %d regions, want %d", got, want)
	}
	if got, want := cfg.Duration, engine.DefaultDuration; got != want {
		t.Errorf("duration: got %s, want default %s", got, want)
	}
}

func TestProbeIdentity(t *testing.T) {
	for _, c := range []struct {
		pc   config.ProbeConfig
		want string
	}{
		{config.ProbeConfig{Type: config.ProbeCMSISDAP, VID: 0x0d28, PID: 0x0204, Serial: "0240000032"}, "dap-0d28-0204-0240000032"},
		{config.ProbeConfig{Type: config.ProbeGDBRemote, Address: "localhost:3333"}, "gdb-localhost_3333"},
		{config.ProbeConfig{Type: config.ProbeGDBRemote, SerialPort: "/dev/ttyACM0"}, "gdb-_dev_ttyACM0"},
	} {
		if got := probeIdentity(c.pc); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
	}
}

func TestStdinGate(t *testing.T) {
	var out bytes.Buffer
	g := newStdinGate(strings.NewReader("\n\nc\n"), &out)
	ctx := context.Background()
	smp := &engine.Sample{PC: 0x08000190, Function: "foo"}
	for i, want := range []bool{true, true, false, false} {
		ok, err := g.Proceed(ctx, i+1, smp)
		if err != nil {
			t.Fatalf("Proceed: %s", err)
		}
		if ok != want {
			t.Errorf("step %d: got %t, want %t", i+1, ok, want)
		}
	}
	if !strings.Contains(out.String(), "step 1 at 0x08000190 (foo)") {
		t.Errorf("prompt: %q", out.String())
	}
}

func TestStdinGateCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	g := newStdinGate(r, &bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ok, err := g.Proceed(ctx, 1, nil); ok || err == nil {
		t.Errorf("got %t, %v, want false and an error", ok, err)
	}
}

func TestPrintSummary(t *testing.T) {
	color.NoColor = true
	median, max := uint32(96), uint32(160)
	var out bytes.Buffer
	printSummary(&out, &engine.Summary{
		SessionID:      "3f1c",
		Mode:           engine.ModeSingleShot,
		Point:          "mgos_app_init",
		Duration:       1500 * time.Millisecond,
		Samples:        3,
		Complete:       2,
		Partial:        1,
		Variants:       2,
		SPOffsetMedian: &median,
		SPOffsetMax:    &max,
		Regions: []engine.RegionStats{
			{Label: "stack", Base: 0x20007c00, Length: 1024, Samples: 3, MinUsed: 16, MaxUsed: 48, DeltaUsed: 32, Growth: 32, MaxWatermark: 48, Variants: 2},
		},
		FinalState: engine.StateFaulted,
		StopReason: engine.StopFault,
		FaultCause: "lockup",
		Warnings:   []string{"2 samples with failed reads"},
	})
	for _, want := range []string{
		"Session 3f1c, single-shot at mgos_app_init: faulted (fault) after 1.5s",
		"Fault: lockup",
		"2 complete, 1 partial; 2 variants",
		"median 96, max 160 bytes",
		"+32",
		"Warning: 2 samples with failed reads",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("summary does not contain %q:\n%s", want, out.String())
		}
	}
}

func TestStopOnSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	var stops int32
	done := make(chan struct{})
	go func() {
		stopOnSignal(ctx, sigs, func() { atomic.AddInt32(&stops, 1) })
		close(done)
	}()

	sigs <- os.Interrupt
	sigs <- os.Interrupt
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&stops) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&stops); got != 2 {
		t.Errorf("stop called %d times, want 2", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("stopOnSignal did not return after cancel")
	}
}

