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
package gdbremote

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe"
)

const (
	// Largest memory read issued in a single packet.
	maxReadChunk = 1024

	regDWTCYCCNT = 0xE0001004

	sigINT  = 2
	sigILL  = 4
	sigTRAP = 5
	sigBUS  = 10
	sigSEGV = 11
)

// Client implements probe.Adapter on top of a gdb-remote connection.
type Client struct {
	c *conn

	maxBreakpoints int
	breakpoints    map[uint32]bool
	running        bool
	stepping       bool
	halt           probe.Status
	onClose        func() error
}

var (
	_ probe.Adapter      = (*Client)(nil)
	_ probe.MemoryWriter = (*Client)(nil)
	_ probe.CycleCounter = (*Client)(nil)
	_ probe.Resetter     = (*Client)(nil)
	_ probe.Closer       = (*Client)(nil)
)

// NewClient attaches to the stub on the other end of rwc and halts the core.
// maxBreakpoints is the number of hardware breakpoints the target has.
func NewClient(ctx context.Context, rwc io.ReadWriteCloser, maxBreakpoints int) (*Client, error) {
	cl := &Client{
		c:              newConn(rwc),
		maxBreakpoints: maxBreakpoints,
		breakpoints:    map[uint32]bool{},
	}
	// A stub may have a stop reply queued from a previous session.
	cl.c.write([]byte{'+'})
	resp, err := cl.c.request(ctx, "?")
	if err != nil {
		cl.c.close()
		return nil, errors.Annotatef(err, "failed to query halt reason")
	}
	st, err := cl.parseStopReply(resp)
	if err != nil {
		cl.c.close()
		return nil, errors.Trace(err)
	}
	cl.halt = st
	glog.V(1).Infof("attached, core %s", st)
	return cl, nil
}

func isError(resp []byte) bool {
	return len(resp) == 3 && resp[0] == 'E'
}

// parseStopReply decodes S/T/W/X packets.
func (cl *Client) parseStopReply(resp []byte) (probe.Status, error) {
	if len(resp) == 0 {
		return probe.Status{}, errors.Errorf("empty stop reply")
	}
	switch resp[0] {
	case 'W', 'X':
		return probe.Status{State: probe.CoreFaulted, Cause: fmt.Sprintf("target exited (%s)", resp)}, nil
	case 'S', 'T':
	default:
		return probe.Status{}, errors.Errorf("unexpected stop reply %q", resp)
	}
	if len(resp) < 3 {
		return probe.Status{}, errors.Errorf("short stop reply %q", resp)
	}
	sig, err := strconv.ParseUint(string(resp[1:3]), 16, 8)
	if err != nil {
		return probe.Status{}, errors.Errorf("invalid signal in %q", resp)
	}
	keys := string(resp[3:])
	switch sig {
	case sigILL, sigBUS, sigSEGV:
		return probe.Status{State: probe.CoreFaulted, Cause: fmt.Sprintf("signal %d", sig)}, nil
	case sigINT:
		return probe.Status{State: probe.CoreHalted, Reason: probe.HaltRequest}, nil
	case sigTRAP:
		st := probe.Status{State: probe.CoreHalted}
		switch {
		case strings.Contains(keys, "watch:"):
			st.Reason = probe.HaltWatchpoint
		case strings.Contains(keys, "hwbreak:"), strings.Contains(keys, "swbreak:"):
			st.Reason = probe.HaltBreakpoint
		case cl.stepping:
			st.Reason = probe.HaltStep
		case cl.running:
			st.Reason = probe.HaltBreakpoint
		default:
			st.Reason = probe.HaltUnknown
		}
		return st, nil
	}
	return probe.Status{State: probe.CoreHalted, Reason: probe.HaltExternal}, nil
}

func (cl *Client) waitStop(ctx context.Context) error {
	resp, err := cl.c.recv(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	st, err := cl.parseStopReply(resp)
	if err != nil {
		return errors.Trace(err)
	}
	cl.running, cl.stepping = false, false
	cl.halt = st
	return nil
}

func (cl *Client) Halt(ctx context.Context) error {
	if !cl.running {
		return nil
	}
	// Interrupt is a bare byte, not a packet.
	if err := cl.c.write([]byte{0x03}); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(cl.waitStop(ctx), "halt")
}

func (cl *Client) Resume(ctx context.Context) error {
	if cl.running {
		return nil
	}
	if cl.halt.State == probe.CoreFaulted {
		return errors.Errorf("cannot resume: core %s", cl.halt)
	}
	if err := cl.c.send(ctx, []byte("c")); err != nil {
		return errors.Trace(err)
	}
	cl.running = true
	return nil
}

func (cl *Client) Step(ctx context.Context) error {
	if cl.running {
		return errors.Errorf("cannot step a running core")
	}
	if err := cl.c.send(ctx, []byte("s")); err != nil {
		return errors.Trace(err)
	}
	cl.running, cl.stepping = true, true
	return errors.Annotatef(cl.waitStop(ctx), "step")
}

func (cl *Client) SetBreakpoint(ctx context.Context, addr uint32) error {
	addr &^= 1
	if cl.breakpoints[addr] {
		return nil
	}
	if len(cl.breakpoints) >= cl.maxBreakpoints {
		return errors.Trace(&probe.NoBreakpointSlotsError{Addr: addr, Slots: len(cl.breakpoints)})
	}
	resp, err := cl.c.request(ctx, fmt.Sprintf("Z1,%x,2", addr))
	if err != nil {
		return errors.Trace(err)
	}
	switch {
	case string(resp) == "OK":
		cl.breakpoints[addr] = true
		return nil
	case len(resp) == 0:
		return errors.NotSupportedf("hardware breakpoints")
	}
	// Stubs do not say why; out of comparators is the usual reason.
	glog.Warningf("Z1 at 0x%08x: %s", addr, resp)
	return errors.Trace(&probe.NoBreakpointSlotsError{Addr: addr, Slots: len(cl.breakpoints)})
}

func (cl *Client) ClearBreakpoint(ctx context.Context, addr uint32) error {
	addr &^= 1
	if !cl.breakpoints[addr] {
		return nil
	}
	resp, err := cl.c.request(ctx, fmt.Sprintf("z1,%x,2", addr))
	if err != nil {
		return errors.Trace(err)
	}
	if string(resp) != "OK" {
		return errors.Errorf("failed to clear breakpoint at 0x%08x: %s", addr, resp)
	}
	delete(cl.breakpoints, addr)
	return nil
}

func (cl *Client) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	res := make([]byte, 0, length)
	for len(res) < length {
		n := length - len(res)
		if n > maxReadChunk {
			n = maxReadChunk
		}
		a := addr + uint32(len(res))
		resp, err := cl.c.request(ctx, fmt.Sprintf("m%x,%x", a, n))
		if err != nil {
			return nil, errors.Trace(err)
		}
		if isError(resp) || len(resp) == 0 {
			return nil, errors.Trace(&probe.BusFaultError{Addr: a, Length: n, Detail: string(resp)})
		}
		data, err := hex.DecodeString(string(resp))
		if err != nil || len(data) == 0 {
			return nil, errors.Errorf("invalid memory reply %q", resp)
		}
		// Stubs may return less than asked for at the end of a region.
		if len(data) < n {
			res = append(res, data...)
			return nil, errors.Trace(&probe.BusFaultError{Addr: addr + uint32(len(res)), Length: length - len(res), Detail: "short read"})
		}
		res = append(res, data[:n]...)
	}
	return res, nil
}

func (cl *Client) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	for off := 0; off < len(data); off += maxReadChunk / 2 {
		chunk := data[off:]
		if len(chunk) > maxReadChunk/2 {
			chunk = chunk[:maxReadChunk/2]
		}
		a := addr + uint32(off)
		resp, err := cl.c.request(ctx, fmt.Sprintf("M%x,%x:%s", a, len(chunk), hex.EncodeToString(chunk)))
		if err != nil {
			return errors.Trace(err)
		}
		if string(resp) != "OK" {
			return errors.Trace(&probe.BusFaultError{Addr: a, Length: len(chunk), Detail: string(resp)})
		}
	}
	return nil
}

// decodeRegisters understands the ARM M-profile layout (r0-r15, xpsr and,
// on some stubs, msp and psp) and the legacy layout with FPA registers.
func decodeRegisters(data []byte) (*probe.RegisterSet, error) {
	if len(data) < 17*4 {
		return nil, errors.Errorf("register reply too short (%d bytes)", len(data))
	}
	word := func(i int) uint32 { return binary.LittleEndian.Uint32(data[i*4:]) }
	regs := &probe.RegisterSet{}
	for i := 0; i < 16; i++ {
		regs.R[i] = word(i)
	}
	const legacyLen = 16*4 + 8*12 + 4 + 4
	if len(data) == legacyLen {
		regs.XPSR = binary.LittleEndian.Uint32(data[legacyLen-4:])
		return regs, nil
	}
	regs.XPSR = word(16)
	if len(data) >= 19*4 {
		regs.MSP, regs.PSP = word(17), word(18)
	}
	return regs, nil
}

func (cl *Client) ReadRegisters(ctx context.Context) (*probe.RegisterSet, error) {
	if cl.running {
		return nil, errors.Errorf("cannot read registers of a running core")
	}
	resp, err := cl.c.request(ctx, "g")
	if err != nil {
		return nil, errors.Trace(err)
	}
	if isError(resp) {
		return nil, errors.Errorf("register read failed: %s", resp)
	}
	// Unavailable registers are reported as "xx".
	data, err := hex.DecodeString(strings.Replace(string(resp), "x", "0", -1))
	if err != nil {
		return nil, errors.Errorf("invalid register reply %q", resp)
	}
	return decodeRegisters(data)
}

// CoreStatus checks, without blocking, whether a running core has stopped.
func (cl *Client) CoreStatus(ctx context.Context) (probe.Status, error) {
	if !cl.running {
		return cl.halt, nil
	}
	p, ok := cl.c.poll()
	if !ok {
		select {
		case <-cl.c.done:
			return probe.Status{}, cl.c.disconnected()
		default:
		}
		return probe.Status{State: probe.CoreRunning}, nil
	}
	st, err := cl.parseStopReply(p)
	if err != nil {
		return probe.Status{}, errors.Trace(err)
	}
	cl.running, cl.stepping = false, false
	cl.halt = st
	return st, nil
}

func (cl *Client) ReadCycleCounter(ctx context.Context) (uint32, error) {
	data, err := cl.ReadMemory(ctx, regDWTCYCCNT, 4)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DWT_CYCCNT")
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Monitor runs a stub-specific command ("monitor ..." in gdb).
func (cl *Client) Monitor(ctx context.Context, cmd string) (string, error) {
	if err := cl.c.send(ctx, []byte("qRcmd,"+hex.EncodeToString([]byte(cmd)))); err != nil {
		return "", errors.Trace(err)
	}
	var out strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", errors.Annotatef(ctx.Err(), "monitor %s", cmd)
		case <-cl.c.done:
			return "", cl.c.disconnected()
		case p := <-cl.c.pkts:
			switch {
			case isConsoleOutput(p):
				out.WriteString(decodeConsoleOutput(p))
			case string(p) == "OK":
				return out.String(), nil
			case len(p) == 0:
				return "", errors.NotSupportedf("monitor commands")
			case isError(p):
				return out.String(), errors.Errorf("monitor %s: %s", cmd, p)
			default:
				// Some stubs return the output hex-encoded as the reply itself.
				if s, err := hex.DecodeString(string(p)); err == nil {
					out.Write(s)
				}
				return out.String(), nil
			}
		}
	}
}

func (cl *Client) ResetHalt(ctx context.Context) error {
	if _, err := cl.Monitor(ctx, "reset halt"); err != nil {
		return errors.Trace(err)
	}
	resp, err := cl.c.request(ctx, "?")
	if err != nil {
		return errors.Trace(err)
	}
	st, err := cl.parseStopReply(resp)
	if err != nil {
		return errors.Trace(err)
	}
	cl.running, cl.stepping = false, false
	cl.halt = st
	for a := range cl.breakpoints {
		delete(cl.breakpoints, a)
	}
	return nil
}

// Close detaches from the stub, leaving the core running, and closes the
// connection.
func (cl *Client) Close(ctx context.Context) error {
	if !cl.running {
		if resp, err := cl.c.request(ctx, "D"); err != nil || string(resp) != "OK" {
			glog.V(1).Infof("detach: %q %v", resp, err)
		}
	}
	err := cl.c.close()
	if cl.onClose != nil {
		if cerr := cl.onClose(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return errors.Trace(err)
}
