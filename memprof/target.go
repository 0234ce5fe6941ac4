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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flock "github.com/theckman/go-flock"

	"github.com/mongoose-os/memprof/config"
	"github.com/mongoose-os/memprof/probe"
	"github.com/mongoose-os/memprof/probe/cmsisdap"
	"github.com/mongoose-os/memprof/probe/gdbremote"
)

// target is an open probe, held exclusively.
type target struct {
	a       probe.Adapter
	bounded *probe.Bounded
	name    string
	lock    *flock.Flock
}

var regexpLockName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// probeIdentity names the probe described by the config, for the lock file.
func probeIdentity(pc config.ProbeConfig) string {
	var id string
	switch pc.Type {
	case config.ProbeGDBRemote:
		id = "gdb-" + pc.Address + pc.SerialPort
	default:
		id = fmt.Sprintf("dap-%04x-%04x-%s", uint32(pc.VID), uint32(pc.PID), pc.Serial)
	}
	return regexpLockName.ReplaceAllString(id, "_")
}

func lockFileName(pc config.ProbeConfig) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("memprof-%s.lock", probeIdentity(pc)))
}

// lockProbe makes sure no other memprof is using the same probe.
func lockProbe(ctx context.Context, pc config.ProbeConfig, wait time.Duration) (*flock.Flock, error) {
	fl := flock.NewFlock(lockFileName(pc))
	deadline := time.Now().Add(wait)
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to lock %s", fl.Path())
		}
		if locked {
			glog.V(1).Infof("locked %s", fl.Path())
			return fl, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Errorf("probe is in use by another memprof (%s)", fl.Path())
		}
		select {
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func openTarget(ctx context.Context, cfg *config.Config) (*target, error) {
	pc := cfg.Probe
	fl, err := lockProbe(ctx, pc, *lockTimeout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t := &target{lock: fl}
	switch pc.Type {
	case config.ProbeGDBRemote:
		opts := gdbremote.Options{
			Address:            pc.Address,
			ServerCommand:      pc.ServerCommand,
			ServerStartTimeout: pc.ServerStartTimeout,
			MaxBreakpoints:     pc.MaxBreakpoints,
		}
		if pc.SerialPort != "" {
			opts.Address, opts.Serial = pc.SerialPort, true
		}
		cl, err := gdbremote.Open(ctx, opts)
		if err != nil {
			fl.Unlock()
			return nil, errors.Trace(err)
		}
		t.a, t.name = cl, "gdb-remote "+opts.Address
	default:
		p, err := cmsisdap.Open(ctx, cmsisdap.Options{
			VID:     uint16(pc.VID),
			PID:     uint16(pc.PID),
			Serial:  pc.Serial,
			ClockHz: uint32(pc.ClockHz),
			APSel:   uint8(pc.AP),
		})
		if err != nil {
			fl.Unlock()
			return nil, errors.Trace(err)
		}
		t.a, t.name = p, p.TargetName
	}
	t.bounded = probe.WithTimeouts(t.a, cfg.ProbeTimeouts())
	return t, nil
}

func (t *target) close(ctx context.Context) {
	if c, ok := t.a.(probe.Closer); ok {
		if t.bounded.Poisoned() != nil {
			// A request may still be in flight, do not talk to the probe.
			glog.Warningf("not detaching from a probe that timed out")
		} else if err := c.Close(ctx); err != nil {
			glog.Warningf("failed to close the probe: %s", err)
		}
	}
	if err := t.lock.Unlock(); err != nil {
		glog.Warningf("failed to unlock %s: %s", t.lock.Path(), err)
	}
}
