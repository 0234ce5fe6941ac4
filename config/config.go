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

// Package config loads memprof session files.
package config

import (
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/mongoose-os/memprof/common/multierror"
	"github.com/mongoose-os/memprof/common/ourio"
	"github.com/mongoose-os/memprof/common/ourutil"
	"github.com/mongoose-os/memprof/engine"
	"github.com/mongoose-os/memprof/probe"
)

const (
	ProbeCMSISDAP  = "cmsis-dap"
	ProbeGDBRemote = "gdb-remote"
)

// Number is an unsigned 32-bit value written as a YAML integer or as a
// string in any notation ParseUint32 accepts.
type Number uint32

func (n *Number) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}
	switch vv := v.(type) {
	case int:
		if vv < 0 || uint64(vv) > 0xffffffff {
			return errors.NotValidf("number %d", vv)
		}
		*n = Number(vv)
	case string:
		u, err := ourutil.ParseUint32(vv)
		if err != nil {
			return err
		}
		*n = Number(u)
	default:
		return errors.NotValidf("number %v", v)
	}
	return nil
}

func (n Number) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("0x%x", uint32(n)), nil
}

// Size is a byte count, e.g. 1024, "0x400" or "1K".
type Size int

func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}
	switch vv := v.(type) {
	case int:
		*s = Size(vv)
	case string:
		n, err := ourutil.ParseSize(vv)
		if err != nil {
			return err
		}
		*s = Size(n)
	default:
		return errors.NotValidf("size %v", v)
	}
	return nil
}

type ProbeConfig struct {
	Type string `yaml:"type"`

	// CMSIS-DAP
	VID     Number `yaml:"vid,omitempty"`
	PID     Number `yaml:"pid,omitempty"`
	Serial  string `yaml:"serial,omitempty"`
	ClockHz int    `yaml:"clock_hz,omitempty"`
	AP      int    `yaml:"ap,omitempty"`

	// gdb-remote
	Address            string        `yaml:"address,omitempty"`
	SerialPort         string        `yaml:"serial_port,omitempty"`
	ServerCommand      string        `yaml:"server_command,omitempty"`
	ServerStartTimeout time.Duration `yaml:"server_start_timeout,omitempty"`
	MaxBreakpoints     int           `yaml:"max_breakpoints,omitempty"`
}

type TargetConfig struct {
	Name    string `yaml:"name,omitempty"`
	ELF     string `yaml:"elf,omitempty"`
	Listing string `yaml:"listing,omitempty"`
	// Section holding the vector table; .vector_table or .isr_vector if not
	// set.
	VectorTable string `yaml:"vector_table,omitempty"`
	// StackTop overrides the initial stack pointer from the ELF file.
	StackTop Number `yaml:"stack_top,omitempty"`
}

type RegionConfig struct {
	Label string `yaml:"label"`
	// Base may be omitted for a stack region, which then ends at the stack
	// top.
	Base      *Number `yaml:"base,omitempty"`
	Length    Size    `yaml:"length"`
	Width     string  `yaml:"width,omitempty"`
	Fill      *Number `yaml:"fill,omitempty"`
	GrowsDown bool    `yaml:"grows_down,omitempty"`
	Stack     bool    `yaml:"stack,omitempty"`
}

type TimeoutsConfig struct {
	Control         time.Duration `yaml:"control,omitempty"`
	Step            time.Duration `yaml:"step,omitempty"`
	Read            time.Duration `yaml:"read,omitempty"`
	RunToBreakpoint time.Duration `yaml:"run_to_breakpoint,omitempty"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker,omitempty"`
	Topic    string `yaml:"topic,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type OutputConfig struct {
	// File receives JSON lines, zstd-compressed if the name ends in .zst.
	// "-" is stdout.
	File     string     `yaml:"file,omitempty"`
	LiveAddr string     `yaml:"live_addr,omitempty"`
	MQTT     MQTTConfig `yaml:"mqtt,omitempty"`
	// Keep samples in memory for the whole session.
	Retain bool `yaml:"retain,omitempty"`
}

// Config is a session file.
type Config struct {
	Probe  ProbeConfig  `yaml:"probe"`
	Target TargetConfig `yaml:"target,omitempty"`

	Mode            string         `yaml:"mode"`
	Point           string         `yaml:"point,omitempty"`
	Interval        time.Duration  `yaml:"interval,omitempty"`
	Repeat          int            `yaml:"repeat,omitempty"`
	Baseline        bool           `yaml:"baseline,omitempty"`
	StepLimit       int            `yaml:"step_limit,omitempty"`
	Interactive     bool           `yaml:"interactive,omitempty"`
	Duration        time.Duration  `yaml:"duration,omitempty"`
	MaxReadFailures int            `yaml:"max_read_failures,omitempty"`
	Reset           bool           `yaml:"reset,omitempty"`
	Paint           bool           `yaml:"paint,omitempty"`
	Regions         []RegionConfig `yaml:"regions"`
	Timeouts        TimeoutsConfig `yaml:"timeouts,omitempty"`
	Output          OutputConfig   `yaml:"output,omitempty"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	t := probe.DefaultTimeouts
	return &Config{
		Probe:           ProbeConfig{Type: ProbeCMSISDAP},
		Mode:            engine.ModeLooping.String(),
		Interval:        engine.DefaultInterval,
		Repeat:          1,
		Duration:        engine.DefaultDuration,
		MaxReadFailures: engine.DefaultMaxReadFailures,
		Timeouts: TimeoutsConfig{
			Control:         t.Control,
			Step:            t.Step,
			Read:            t.Read,
			RunToBreakpoint: t.RunToBreakpoint,
		},
		Output: OutputConfig{File: "record.jsonl"},
	}
}

func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read config")
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	return c, nil
}

// Parse reads a config over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, errors.Annotatef(err, "invalid config")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Validate checks the config. All problems are reported at once.
func (c *Config) Validate() error {
	var errs error
	switch c.Probe.Type {
	case ProbeCMSISDAP:
	case ProbeGDBRemote:
		if c.Probe.Address == "" && c.Probe.SerialPort == "" {
			errs = multierror.Append(errs, errors.New("gdb-remote probe needs an address or a serial port"))
		}
	default:
		errs = multierror.Append(errs, errors.NotValidf("probe type %q", c.Probe.Type))
	}
	if _, err := engine.ParseMode(c.Mode); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Interval < 0 || c.Duration < 0 {
		errs = multierror.Append(errs, errors.New("interval and duration must not be negative"))
	}
	if c.Repeat < 0 || c.StepLimit < 0 || c.MaxReadFailures < 0 {
		errs = multierror.Append(errs, errors.New("counts must not be negative"))
	}
	for i, r := range c.Regions {
		name := r.Label
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if r.Length <= 0 {
			errs = multierror.Append(errs, errors.Errorf("region %s: length must be positive", name))
		}
		if r.Base == nil && !r.Stack {
			errs = multierror.Append(errs, errors.Errorf("region %s: base is required", name))
		}
		if _, err := parseWidth(r.Width); err != nil {
			errs = multierror.Append(errs, errors.Annotatef(err, "region %s", name))
		}
		if r.Fill != nil && *r.Fill > 0xff {
			errs = multierror.Append(errs, errors.Errorf("region %s: fill must be a byte", name))
		}
	}
	return errs
}

func parseWidth(s string) (engine.AccessWidth, error) {
	switch strings.ToLower(s) {
	case "", "byte", "8":
		return engine.WidthByte, nil
	case "word", "32":
		return engine.WidthWord, nil
	}
	return 0, errors.NotValidf("width %q", s)
}

// NeedsStackTop reports whether a region is placed relative to the stack top.
func (c *Config) NeedsStackTop() bool {
	for _, r := range c.Regions {
		if r.Stack && r.Base == nil {
			return true
		}
	}
	return false
}

// MemoryRegions returns the regions to sample. stackTop places stack regions
// without a base.
func (c *Config) MemoryRegions(stackTop uint32) ([]engine.MemoryRegion, error) {
	var res []engine.MemoryRegion
	for _, rc := range c.Regions {
		w, err := parseWidth(rc.Width)
		if err != nil {
			return nil, errors.Trace(err)
		}
		r := engine.MemoryRegion{
			Label:     rc.Label,
			Length:    int(rc.Length),
			Width:     w,
			Fill:      engine.DefaultFill,
			GrowsDown: rc.GrowsDown || rc.Stack,
		}
		if rc.Fill != nil {
			r.Fill = byte(*rc.Fill)
		}
		switch {
		case rc.Base != nil:
			r.Base = uint32(*rc.Base)
		case stackTop == 0:
			return nil, errors.Errorf("region %s: stack top is not known, set base or target.stack_top", rc.Label)
		case uint64(rc.Length) > uint64(stackTop):
			return nil, errors.Errorf("region %s: longer than the stack", rc.Label)
		default:
			r.Base = stackTop - uint32(rc.Length)
		}
		res = append(res, r)
	}
	return res, nil
}

func (c *Config) ProbeTimeouts() probe.Timeouts {
	return probe.Timeouts{
		Control:         c.Timeouts.Control,
		Step:            c.Timeouts.Step,
		Read:            c.Timeouts.Read,
		RunToBreakpoint: c.Timeouts.RunToBreakpoint,
	}
}

// Engine converts the config into an engine session config. Stack top,
// function attribution and the step gate are filled in by the caller.
func (c *Config) Engine(stackTop uint32) (engine.Config, error) {
	mode, err := engine.ParseMode(c.Mode)
	if err != nil {
		return engine.Config{}, errors.Trace(err)
	}
	regions, err := c.MemoryRegions(stackTop)
	if err != nil {
		return engine.Config{}, errors.Trace(err)
	}
	return engine.Config{
		Mode:            mode,
		Point:           c.Point,
		Regions:         regions,
		Interval:        c.Interval,
		Repeat:          c.Repeat,
		Baseline:        c.Baseline,
		StepLimit:       c.StepLimit,
		Duration:        c.Duration,
		MaxReadFailures: c.MaxReadFailures,
		Timeouts:        c.ProbeTimeouts(),
		ResetHalt:       c.Reset,
		Paint:           c.Paint,
		StackTop:        stackTop,
		DiscardSamples:  !c.Output.Retain,
		Target:          c.Target.Name,
	}, nil
}

// Save writes the config as YAML. The file is left alone if it already has
// the same content.
func (c *Config) Save(path string) (bool, error) {
	written, err := ourio.WriteYAMLFileIfDifferent(path, c, 0644)
	return written, errors.Annotatef(err, "failed to save config")
}
