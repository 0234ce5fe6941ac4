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
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe"
)

// Mode selects how the controller drives the target.
type Mode int

const (
	ModeStepping Mode = iota
	ModeLooping
	ModeSingleShot
	ModeLoopMeasure
)

var modeNames = map[Mode]string{
	ModeStepping:    "stepping",
	ModeLooping:     "looping",
	ModeSingleShot:  "single-shot",
	ModeLoopMeasure: "loop-measure",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	*m = v
	return nil
}

func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if s == name || s == strings.Replace(name, "-", "", -1) || s == strings.Replace(name, "-", "_", -1) {
			return m, nil
		}
	}
	return 0, errors.NotValidf("mode %q", s)
}

type AccessWidth int

const (
	WidthByte AccessWidth = 1
	WidthWord AccessWidth = 4
)

// MemoryRegion is a range of target memory sampled at every monitoring point.
type MemoryRegion struct {
	Label  string
	Base   uint32
	Length int
	Width  AccessWidth
	// Fill is the byte the region is painted with; bytes that differ from it
	// count as used.
	Fill byte
	// GrowsDown marks stack-like regions whose usage is measured from the
	// top.
	GrowsDown bool
}

func (r MemoryRegion) End() uint64 {
	return uint64(r.Base) + uint64(r.Length)
}

func (r MemoryRegion) String() string {
	return fmt.Sprintf("%s [0x%08x, 0x%08x)", r.Label, r.Base, r.End())
}

func (r MemoryRegion) validate() error {
	switch {
	case r.Length <= 0:
		return newConfigurationError(nil, "region %s: length must be positive", r.Label)
	case r.End() > 1<<32:
		return newConfigurationError(nil, "region %s: extends past the end of the address space", r.Label)
	case r.Width != WidthByte && r.Width != WidthWord:
		return newConfigurationError(nil, "region %s: invalid access width %d", r.Label, r.Width)
	case r.Width == WidthWord && (r.Base%4 != 0 || r.Length%4 != 0):
		return newConfigurationError(nil, "region %s: word regions must be word-aligned", r.Label)
	}
	return nil
}

// MonitorPoint is the resolved point a session is built around. It does not
// change once the session starts.
type MonitorPoint struct {
	// Address is the breakpoint address (single-shot) or the start address
	// (stepping and looping). Zero if the session has no start point.
	Address uint32
	Symbol  string

	Interval  time.Duration
	Repeat    int
	StepLimit int
}

// Resolution is the result of resolving a point spec.
type Resolution struct {
	Address uint32
	Symbol  string
	Regions []MemoryRegion
}

// Resolver maps a point spec (symbol name, file:line or address) to an
// address and the regions to sample there.
type Resolver interface {
	Resolve(ctx context.Context, spec string) (*Resolution, error)
}

// FunctionNamer attributes a code address to a function.
type FunctionNamer interface {
	FunctionAt(pc uint32) (string, bool)
}

// StepGate is consulted before every step in stepping mode. Returning false
// ends the session as a user stop.
type StepGate interface {
	Proceed(ctx context.Context, step int, last *Sample) (bool, error)
}

// Config describes a session.
type Config struct {
	Mode Mode
	// Point is passed to the Resolver. Required for single-shot; for
	// stepping and looping it is the optional start point.
	Point string
	// Regions are sampled in addition to the ones returned by the Resolver.
	Regions []MemoryRegion

	// Looping: trigger interval. Default: 100ms.
	Interval time.Duration
	// Single-shot: number of samples to take. Default: 1.
	Repeat int
	// Single-shot: also sample once before the first run.
	Baseline bool
	// Stepping: stop after this many steps. 0 means no limit.
	StepLimit int
	Gate      StepGate

	// Duration caps the session. Default: 60s.
	Duration time.Duration
	// The session faults after more than this many consecutive samples with
	// failed reads. Default: 3.
	MaxReadFailures int
	Timeouts        probe.Timeouts

	// ResetHalt resets the target before the session.
	ResetHalt bool
	// Paint fills the regions with their fill byte before the session.
	Paint bool
	// StackTop is the initial stack pointer. If set, samples record the
	// stack pointer offset from it.
	StackTop uint32
	// DiscardSamples stops the session from keeping samples in memory once
	// they have been emitted.
	DiscardSamples bool

	Namer FunctionNamer
	// Target is a free-form description of the target, copied to the summary.
	Target string
}

const (
	DefaultInterval        = 100 * time.Millisecond
	DefaultDuration        = 60 * time.Second
	DefaultMaxReadFailures = 3
	DefaultFill            = 0x55
)

func (cfg *Config) setDefaults() {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Repeat == 0 {
		cfg.Repeat = 1
	}
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.MaxReadFailures == 0 {
		cfg.MaxReadFailures = DefaultMaxReadFailures
	}
	if cfg.Timeouts == (probe.Timeouts{}) {
		cfg.Timeouts = probe.DefaultTimeouts
	}
}

func (cfg *Config) validate() error {
	switch cfg.Mode {
	case ModeStepping, ModeLooping, ModeSingleShot:
	case ModeLoopMeasure:
		return errors.Trace(&UnsupportedModeError{Mode: cfg.Mode})
	default:
		return newConfigurationError(nil, "unknown mode %d", int(cfg.Mode))
	}
	switch {
	case cfg.Mode == ModeSingleShot && cfg.Point == "":
		return newConfigurationError(nil, "single-shot mode requires a monitoring point")
	case cfg.Interval < 0, cfg.Duration < 0:
		return newConfigurationError(nil, "interval and duration must not be negative")
	case cfg.Repeat < 0, cfg.StepLimit < 0, cfg.MaxReadFailures < 0:
		return newConfigurationError(nil, "counts must not be negative")
	}
	return nil
}
