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
package cortex

import (
	"bytes"
	"context"
	"testing"

	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe"
)

// simTarget models the debug registers of a Cortex-M4 behind a MEM-AP.
type simTarget struct {
	words  map[uint32]uint32
	regs   [0x13]uint32
	halted bool
	lockup bool
	dfsr   uint32
	dcrdr  uint32
	fpCtrl uint32
}

func newSimTarget(fpCtrl uint32) *simTarget {
	return &simTarget{words: map[uint32]uint32{}, halted: true, fpCtrl: fpCtrl}
}

func (s *simTarget) ReadTargetReg(ctx context.Context, addr uint32) (uint32, error) {
	switch addr {
	case regCPUID:
		return 0x410fc241, nil
	case regPID0:
		return 0xc, nil
	case regDHCSR:
		v := uint32(dhcsrSRegRdy)
		if s.halted {
			v |= dhcsrSHalt
		}
		if s.lockup {
			v |= dhcsrSLockup
		}
		return v, nil
	case regDFSR:
		return s.dfsr, nil
	case regDCRDR:
		return s.dcrdr, nil
	case regFPCTRL:
		return s.fpCtrl, nil
	}
	if addr >= 0x30000000 && addr < 0xe0000000 {
		return 0, errors.Trace(&probe.BusFaultError{Addr: addr, Length: 4})
	}
	return s.words[addr], nil
}

func (s *simTarget) ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	var res []uint32
	for i := 0; i < length; i++ {
		v, err := s.ReadTargetReg(ctx, addr+uint32(i)*4)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

func (s *simTarget) WriteTargetReg(ctx context.Context, addr uint32, value uint32) error {
	switch addr {
	case regDHCSR:
		if value>>16 != regDHCSRKey>>16 {
			return nil
		}
		switch {
		case value&dhcsrCHalt != 0:
			s.halted = true
			s.dfsr |= dfsrHalted
		case value&dhcsrCStep != 0:
			s.regs[15] += 2
			s.halted = true
			s.dfsr |= dfsrHalted
		default:
			s.halted = false
		}
	case regDCRSR:
		sel := value & 0x7f
		if value&dcrsrWrite != 0 {
			s.regs[sel] = s.dcrdr
		} else {
			s.dcrdr = s.regs[sel]
		}
	case regDCRDR:
		s.dcrdr = value
	case regDFSR:
		s.dfsr &^= value
	default:
		s.words[addr] = value
	}
	return nil
}

func (s *simTarget) WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error {
	for i, v := range data {
		if err := s.WriteTargetReg(ctx, addr+uint32(i)*4, v); err != nil {
			return err
		}
	}
	return nil
}

func newTestCore(t *testing.T, fpCtrl uint32) (*Core, *simTarget) {
	t.Helper()
	s := newSimTarget(fpCtrl)
	c := NewCore(s)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %s", err)
	}
	return c, s
}

func TestTargetName(t *testing.T) {
	if got, want := TargetName(0x410fc241, 0xc), "ARM Cortex-M4F r0p1"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := TargetName(0x410cc601, 0x4), "ARM Cortex-M0+ r0p1"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestInitKeepsHalt(t *testing.T) {
	_, s := newTestCore(t, 0x10000000|6<<4)
	if !s.halted {
		t.Errorf("Init resumed a halted core")
	}
	if s.words[regDWTCTRL]&1 == 0 {
		t.Errorf("cycle counter not enabled")
	}
	if s.words[regDEMCR]&(demcrTrcEna|demcrVCHardErr) != demcrTrcEna|demcrVCHardErr {
		t.Errorf("DEMCR = 0x%x", s.words[regDEMCR])
	}
}

func TestReadRegisters(t *testing.T) {
	c, s := newTestCore(t, 0x10000000|6<<4)
	ctx := context.Background()
	for i := range s.regs {
		s.regs[i] = 0x100 + uint32(i)
	}
	s.regs[probe.PC] = 0x08004510
	regs, err := c.ReadRegisters(ctx)
	if err != nil {
		t.Fatalf("ReadRegisters: %s", err)
	}
	if got, want := regs.PC(), uint32(0x08004510); got != want {
		t.Errorf("PC = 0x%x, want 0x%x", got, want)
	}
	if got, want := regs.XPSR, uint32(0x110); got != want {
		t.Errorf("xPSR = 0x%x, want 0x%x", got, want)
	}
	if got, want := regs.PSP, uint32(0x112); got != want {
		t.Errorf("PSP = 0x%x, want 0x%x", got, want)
	}

	if err := c.SetReg(ctx, probe.PC, 0x08000000); err != nil {
		t.Fatalf("SetReg: %s", err)
	}
	if err := c.Step(ctx); err != nil {
		t.Fatalf("Step: %s", err)
	}
	if got, want := s.regs[probe.PC], uint32(0x08000002); got != want {
		t.Errorf("PC after step = 0x%x, want 0x%x", got, want)
	}
	st, err := c.CoreStatus(ctx)
	if err != nil {
		t.Fatalf("CoreStatus: %s", err)
	}
	if st.State != probe.CoreHalted || st.Reason != probe.HaltStep {
		t.Errorf("status after step = %s", st)
	}
}

func TestBreakpointSlots(t *testing.T) {
	c, s := newTestCore(t, 0x10000000|2<<4)
	ctx := context.Background()
	if err := c.SetBreakpoint(ctx, 0x08000100); err != nil {
		t.Fatalf("SetBreakpoint: %s", err)
	}
	if err := c.SetBreakpoint(ctx, 0x08000201); err != nil {
		t.Fatalf("SetBreakpoint: %s", err)
	}
	if got, want := s.words[regFPCOMP0], uint32(0x08000101); got != want {
		t.Errorf("FP_COMP0 = 0x%08x, want 0x%08x", got, want)
	}
	if got, want := s.words[regFPCOMP0+4], uint32(0x08000201); got != want {
		t.Errorf("FP_COMP1 = 0x%08x, want 0x%08x", got, want)
	}
	// Setting an existing breakpoint does not use a slot.
	if err := c.SetBreakpoint(ctx, 0x08000100); err != nil {
		t.Errorf("SetBreakpoint again: %s", err)
	}
	if err := c.SetBreakpoint(ctx, 0x08000300); !probe.IsNoBreakpointSlots(err) {
		t.Errorf("third breakpoint: got %v, want no slots", err)
	}
	if err := c.ClearBreakpoint(ctx, 0x08000100); err != nil {
		t.Fatalf("ClearBreakpoint: %s", err)
	}
	if s.words[regFPCOMP0] != 0 {
		t.Errorf("FP_COMP0 not cleared")
	}
	if err := c.SetBreakpoint(ctx, 0x08000300); err != nil {
		t.Errorf("SetBreakpoint after clear: %s", err)
	}
}

func TestFPBv1Encoding(t *testing.T) {
	c, s := newTestCore(t, 4<<4)
	ctx := context.Background()
	if err := c.SetBreakpoint(ctx, 0x08000102); err != nil {
		t.Fatalf("SetBreakpoint: %s", err)
	}
	if got, want := s.words[regFPCOMP0], uint32(0x88000101); got != want {
		t.Errorf("FP_COMP0 = 0x%08x, want 0x%08x", got, want)
	}
	if err := c.SetBreakpoint(ctx, 0x08000104); err != nil {
		t.Fatalf("SetBreakpoint: %s", err)
	}
	if got, want := s.words[regFPCOMP0+4], uint32(0x48000105); got != want {
		t.Errorf("FP_COMP1 = 0x%08x, want 0x%08x", got, want)
	}
	if err := c.SetBreakpoint(ctx, 0x20000100); !probe.IsUnmappedAddress(err) {
		t.Errorf("SRAM breakpoint: got %v, want unmapped", err)
	}
}

func TestCoreStatus(t *testing.T) {
	for _, c := range []struct {
		name   string
		halted bool
		lockup bool
		dfsr   uint32
		xpsr   uint32
		want   probe.Status
	}{
		{"running", false, false, 0, 0, probe.Status{State: probe.CoreRunning}},
		{"breakpoint", true, false, dfsrBkpt, 0, probe.Status{State: probe.CoreHalted, Reason: probe.HaltBreakpoint}},
		{"request", true, false, dfsrHalted, 0, probe.Status{State: probe.CoreHalted, Reason: probe.HaltRequest}},
		{"reset catch", true, false, dfsrVCatch, 0x01000000, probe.Status{State: probe.CoreHalted, Reason: probe.HaltVectorCatch}},
		{"hard fault", true, false, dfsrVCatch, 0x01000003, probe.Status{State: probe.CoreFaulted, Cause: "fault exception 3 caught"}},
		{"lockup", false, true, 0, 0, probe.Status{State: probe.CoreFaulted, Cause: "lockup"}},
	} {
		t.Run(c.name, func(t *testing.T) {
			core, s := newTestCore(t, 0x10000000|6<<4)
			s.halted, s.lockup, s.dfsr = c.halted, c.lockup, c.dfsr
			s.regs[regXPSR] = c.xpsr
			got, err := core.CoreStatus(context.Background())
			if err != nil {
				t.Fatalf("CoreStatus: %s", err)
			}
			if got != c.want {
				t.Errorf("got %+v, want %+v", got, c.want)
			}
		})
	}
}

func TestUnalignedMemory(t *testing.T) {
	c, s := newTestCore(t, 0x10000000|6<<4)
	ctx := context.Background()
	s.words[0x20000000] = 0x03020100
	s.words[0x20000004] = 0x07060504

	data, err := c.ReadMemory(ctx, 0x20000001, 5)
	if err != nil {
		t.Fatalf("ReadMemory: %s", err)
	}
	if want := []byte{1, 2, 3, 4, 5}; !bytes.Equal(data, want) {
		t.Errorf("got %v, want %v", data, want)
	}

	if err := c.WriteMemory(ctx, 0x20000002, []byte{0xaa, 0xbb, 0xcc}); err != nil {
		t.Fatalf("WriteMemory: %s", err)
	}
	if got, want := s.words[0x20000000], uint32(0xbbaa0100); got != want {
		t.Errorf("word 0 = 0x%08x, want 0x%08x", got, want)
	}
	if got, want := s.words[0x20000004], uint32(0x070605cc); got != want {
		t.Errorf("word 1 = 0x%08x, want 0x%08x", got, want)
	}

	if _, err := c.ReadMemory(ctx, 0x30000000, 8); !probe.IsBusFault(err) {
		t.Errorf("unmapped read: got %v, want bus fault", err)
	}
}
