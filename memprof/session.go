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
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/memprof/common/multierror"
	"github.com/mongoose-os/memprof/common/ourutil"
	"github.com/mongoose-os/memprof/config"
	"github.com/mongoose-os/memprof/engine"
	"github.com/mongoose-os/memprof/sink"
	"github.com/mongoose-os/memprof/symbols"
)

// loadConfig reads the session file, if any, and applies the flags given on
// the command line over it.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return nil, errors.Trace(err)
		}
	}
	changed := func(name string) bool {
		f := flag.Lookup(name)
		return f != nil && f.Changed
	}
	strFlags := []struct {
		name string
		dst  *string
		v    string
	}{
		{"probe", &cfg.Probe.Type, *probeType},
		{"probe-serial", &cfg.Probe.Serial, *probeSerial},
		{"gdb-address", &cfg.Probe.Address, *gdbAddress},
		{"gdb-serial-port", &cfg.Probe.SerialPort, *gdbSerialPort},
		{"gdb-server-command", &cfg.Probe.ServerCommand, *gdbServerCmd},
		{"target", &cfg.Target.Name, *targetName},
		{"elf", &cfg.Target.ELF, *elfFile},
		{"listing", &cfg.Target.Listing, *listingFile},
		{"mode", &cfg.Mode, *mode},
		{"point", &cfg.Point, *point},
		{"output", &cfg.Output.File, *output},
		{"live-addr", &cfg.Output.LiveAddr, *liveAddr},
		{"mqtt-broker", &cfg.Output.MQTT.Broker, *mqttBroker},
	}
	for _, f := range strFlags {
		if changed(f.name) {
			*f.dst = f.v
		}
	}
	if (changed("gdb-address") || changed("gdb-serial-port")) && !changed("probe") {
		cfg.Probe.Type = config.ProbeGDBRemote
	}
	if changed("interval") {
		cfg.Interval = *interval
	}
	if changed("duration") {
		cfg.Duration = *duration
	}
	if changed("repeat") {
		cfg.Repeat = *repeat
	}
	if changed("step-limit") {
		cfg.StepLimit = *stepLimit
	}
	if changed("baseline") {
		cfg.Baseline = *baseline
	}
	if changed("interactive") {
		cfg.Interactive = *interactive
	}
	if changed("reset") {
		cfg.Reset = *resetTarget
	}
	if changed("paint") {
		cfg.Paint = *paintRegions
	}
	if changed("control-timeout") {
		cfg.Timeouts.Control = *controlTimeout
	}
	if changed("read-timeout") {
		cfg.Timeouts.Read = *readTimeout
	}
	if changed("step-timeout") {
		cfg.Timeouts.Step = *stepTimeout
	}
	if changed("breakpoint-timeout") {
		cfg.Timeouts.RunToBreakpoint = *bpTimeout
	}

	var errs error
	for _, s := range *regionFlags {
		rc, err := parseRegionFlag(s)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		cfg.Regions = append(cfg.Regions, rc)
	}
	if *stackSize != "" {
		n, err := ourutil.ParseSize(*stackSize)
		if err != nil {
			errs = multierror.Append(errs, errors.Annotatef(err, "--stack-size"))
		} else {
			cfg.Regions = append(cfg.Regions, config.RegionConfig{
				Label: "stack", Length: config.Size(n), Width: "word", Stack: true,
			})
		}
	}
	if errs != nil {
		return nil, errs
	}
	return cfg, errors.Trace(cfg.Validate())
}

// parseRegionFlag parses label=base:length[:word][:down].
func parseRegionFlag(s string) (config.RegionConfig, error) {
	var rc config.RegionConfig
	label, spec := "", s
	if i := strings.Index(s, "="); i >= 0 {
		label, spec = s[:i], s[i+1:]
	}
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return rc, errors.NotValidf("region %q, want label=base:length[:word][:down]", s)
	}
	base, err := ourutil.ParseUint32(parts[0])
	if err != nil {
		return rc, errors.Annotatef(err, "region %q", s)
	}
	length, err := ourutil.ParseSize(parts[1])
	if err != nil {
		return rc, errors.Annotatef(err, "region %q", s)
	}
	b := config.Number(base)
	rc = config.RegionConfig{Label: label, Base: &b, Length: config.Size(length)}
	for _, opt := range parts[2:] {
		switch opt {
		case "word", "byte":
			rc.Width = opt
		case "down":
			rc.GrowsDown = true
		default:
			return rc, errors.NotValidf("region option %q", opt)
		}
	}
	return rc, nil
}

// loadSymbols opens the firmware files named by the config. Both are
// optional; without them only 0x addresses can be used as points.
func loadSymbols(cfg *config.Config) (*symbols.Resolver, uint32, func(), error) {
	r := &symbols.Resolver{}
	closeFn := func() {}
	stackTop := uint32(cfg.Target.StackTop)
	if cfg.Target.ELF != "" {
		e, err := symbols.OpenELF(cfg.Target.ELF)
		if err != nil {
			return nil, 0, nil, errors.Trace(err)
		}
		r.ELF = e
		closeFn = func() { e.Close() }
		if stackTop == 0 {
			var sections []string
			if cfg.Target.VectorTable != "" {
				sections = []string{cfg.Target.VectorTable}
			}
			if top, err := e.StackTop(sections...); err == nil {
				stackTop = top
				glog.Infof("Initial stack pointer: 0x%08x", top)
			} else {
				glog.Warningf("no stack top: %s", err)
			}
		}
	}
	if cfg.Target.Listing != "" {
		l, err := symbols.LoadListing(cfg.Target.Listing)
		if err != nil {
			closeFn()
			return nil, 0, nil, errors.Trace(err)
		}
		r.Listing = l
	}
	return r, stackTop, closeFn, nil
}

// openSinks creates the record file and the optional live view and MQTT
// publisher.
func openSinks(cfg *config.Config, sessionID string) (sink.Multi, *sink.Live, error) {
	var sinks sink.Multi
	if cfg.Output.File != "" {
		j, err := sink.Create(cfg.Output.File)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		sinks = append(sinks, j)
	}
	var live *sink.Live
	if cfg.Output.LiveAddr != "" {
		live = sink.NewLive()
		if err := live.Serve(cfg.Output.LiveAddr); err != nil {
			sinks.Close()
			return nil, nil, errors.Trace(err)
		}
		sinks = append(sinks, live)
	}
	if m := cfg.Output.MQTT; m.Broker != "" {
		pub, err := sink.DialMQTT(sink.MQTTOptions{
			Broker:   m.Broker,
			Topic:    m.Topic,
			ClientID: m.ClientID,
			Username: m.Username,
			Password: m.Password,
		}, sessionID)
		if err != nil {
			sinks.Close()
			return nil, nil, errors.Trace(err)
		}
		sinks = append(sinks, &sink.BestEffort{Name: "mqtt", S: pub})
	}
	return sinks, live, nil
}

func runSession() error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Trace(err)
	}
	res, stackTop, closeSymbols, err := loadSymbols(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeSymbols()
	if cfg.NeedsStackTop() && stackTop == 0 {
		return errors.Errorf("a stack region needs the initial stack pointer: set --elf or target.stack_top")
	}
	ecfg, err := cfg.Engine(stackTop)
	if err != nil {
		return errors.Trace(err)
	}
	if res.ELF != nil || res.Listing != nil {
		ecfg.Namer = res
	}
	if cfg.Interactive {
		ecfg.Gate = newStdinGate(os.Stdin, os.Stderr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t, err := openTarget(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer t.close(ctx)
	if ecfg.Target == "" {
		ecfg.Target = t.name
	}

	ctl := engine.New(t.bounded, res, nil, ecfg)
	sinks, live, err := openSinks(cfg, ctl.Session().ID)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			glog.Errorf("closing outputs: %s", err)
		}
	}()
	ctl.SetSink(sinks)
	if live != nil {
		live.SetProgress(ctl.Progress)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go stopOnSignal(ctx, sigs, ctl.Stop)

	ourutil.Reportf("Session %s: %s on %s", ctl.Session().ID, ecfg.Mode, ecfg.Target)
	summary, err := ctl.Run(ctx)
	if summary == nil {
		return errors.Trace(err)
	}
	printSummary(os.Stdout, summary)
	if err != nil {
		glog.Errorf("session faulted: %+v", err)
		return &exitError{code: 1}
	}
	return nil
}

// stopOnSignal calls stop for every signal received until ctx is done.
func stopOnSignal(ctx context.Context, sigs <-chan os.Signal, stop func()) {
	for {
		select {
		case <-sigs:
			ourutil.Reportf("Stopping...")
			stop()
		case <-ctx.Done():
			return
		}
	}
}
