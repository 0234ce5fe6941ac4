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
package cmsisdap

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe/cortex"
)

// ProbeInfo describes an attached probe.
type ProbeInfo struct {
	VID          uint16
	PID          uint16
	Serial       string
	Product      string
	Manufacturer string
}

func (pi ProbeInfo) String() string {
	return fmt.Sprintf("%04x:%04x %s %s (S/N %s)", pi.VID, pi.PID, pi.Manufacturer, pi.Product, pi.Serial)
}

var knownProbes = [][2]uint16{
	{0x0d28, 0x0204}, // ARM DAPLink
	{0xc251, 0xf001}, // Keil ULINK-ME
	{0x1366, 0x1015}, // SEGGER J-Link OB CMSIS-DAP
	{0x2e8a, 0x000c}, // Raspberry Pi Debugprobe
}

func isKnownProbe(vid, pid uint16) bool {
	for _, p := range knownProbes {
		if p[0] == vid && p[1] == pid {
			return true
		}
	}
	return false
}

type Options struct {
	VID    uint16
	PID    uint16
	Serial string
	// SWD clock frequency. Default: 4 MHz.
	ClockHz uint32
	// MEM-AP index. Default: 0.
	APSel uint8
}

// Probe is a CMSIS-DAP probe connected to a Cortex-M core.
type Probe struct {
	*cortex.Core

	c          *Client
	TargetName string
}

// Open finds the probe by USB IDs and connects to the target.
func Open(ctx context.Context, opts Options) (*Probe, error) {
	if opts.VID == 0 && opts.PID == 0 {
		opts.VID, opts.PID = knownProbes[0][0], knownProbes[0][1]
	}
	c, err := openHID(ctx, opts.VID, opts.PID, opts.Serial)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open debug probe")
	}
	p, err := Connect(ctx, c, opts)
	if err != nil {
		c.Close(ctx)
		return nil, errors.Trace(err)
	}
	return p, nil
}

// Connect switches the probe to SWD, powers up the debug port and
// initializes halting debug on the core behind the MEM-AP. The run state of
// the core is preserved.
func Connect(ctx context.Context, c *Client, opts Options) (*Probe, error) {
	if opts.ClockHz == 0 {
		opts.ClockHz = 4000000
	}
	if fw, err := c.GetFirmwareVersion(ctx); err == nil {
		glog.V(1).Infof("CMSIS-DAP firmware %s", fw)
	}
	if err := c.Connect(ctx, ConnectModeSWD); err != nil {
		return nil, errors.Annotatef(err, "failed to connect in SWD mode")
	}
	if err := c.SWJClock(ctx, opts.ClockHz); err != nil {
		return nil, errors.Annotatef(err, "failed to set SWJ clock")
	}
	if err := c.SWDConfigure(ctx, 0); err != nil {
		return nil, errors.Annotatef(err, "failed to configure SWD")
	}
	ones := []uint8{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	// Line reset, JTAG-to-SWD switch, line reset and two idle cycles.
	for _, seq := range []struct {
		bits int
		data []uint8
	}{
		{64, ones}, {16, []uint8{0x9e, 0xe7}}, {64, ones}, {16, []uint8{0, 0}},
	} {
		if err := c.SWJSequence(ctx, seq.bits, seq.data); err != nil {
			return nil, errors.Annotatef(err, "failed to switch to SWD")
		}
	}
	if err := c.TransferConfigure(ctx, 0, 100, 100); err != nil {
		return nil, errors.Annotatef(err, "failed to configure transfers")
	}
	dp := NewDP(c)
	if err := dp.Init(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to init DP")
	}
	memap := NewMemAP(dp, opts.APSel)
	if err := memap.Init(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to init MEM-AP")
	}
	core := cortex.NewCore(memap)
	if err := core.Init(ctx); err != nil {
		return nil, errors.Annotatef(err, "failed to init core")
	}
	p := &Probe{Core: core, c: c}
	name, err := core.TargetName(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p.TargetName = name
	glog.Infof("Target: %s", name)
	if err := c.SetHostStatus(ctx, StatusConnected, true); err != nil {
		glog.V(1).Infof("SetHostStatus: %s", err)
	}
	return p, nil
}

// Close releases the probe. The core is left in whatever state it is in.
func (p *Probe) Close(ctx context.Context) error {
	p.c.SetHostStatus(ctx, StatusConnected, false)
	if err := p.c.Disconnect(ctx); err != nil {
		glog.Warningf("DAP disconnect: %s", err)
	}
	return p.c.Close(ctx)
}
