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

// Package cortex drives the debug logic of an ARMv6-M / ARMv7-M core through
// its memory-mapped debug registers.
package cortex

// Doc: ARM v7-M Architecture Reference Manual, chapter C1.

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe"
)

const (
	regCPUID    uint32 = 0xE000ED00
	regAIRCR    uint32 = 0xE000ED0C
	regAIRCRKey uint32 = 0x05FA0000
	regDFSR     uint32 = 0xE000ED30

	regDHCSR    uint32 = 0xE000EDF0
	regDHCSRKey uint32 = 0xA05F0000
	regDCRSR    uint32 = 0xE000EDF4
	regDCRDR    uint32 = 0xE000EDF8
	regDEMCR    uint32 = 0xE000EDFC
	regPID0     uint32 = 0xE000EFE0

	regFPCTRL  uint32 = 0xE0002000
	regFPCOMP0 uint32 = 0xE0002008

	regDWTCTRL   uint32 = 0xE0001000
	regDWTCYCCNT uint32 = 0xE0001004
)

const (
	dhcsrCDebugEn = 1 << 0
	dhcsrCHalt    = 1 << 1
	dhcsrCStep    = 1 << 2
	dhcsrSRegRdy  = 1 << 16
	dhcsrSHalt    = 1 << 17
	dhcsrSLockup  = 1 << 19
	dhcsrSResetSt = 1 << 25

	dfsrHalted   = 1 << 0
	dfsrBkpt     = 1 << 1
	dfsrDWTTrap  = 1 << 2
	dfsrVCatch   = 1 << 3
	dfsrExternal = 1 << 4
	dfsrAll      = 0x1f

	demcrVCCoreReset = 1 << 0
	demcrVCHardErr   = 1 << 10
	demcrTrcEna      = 1 << 24
	// VC_CORERESET and the fault traps from VC_MMERR to VC_HARDERR.
	demcrResetCatch = demcrVCCoreReset | 0x7f0

	aircrSysResetReq = 1 << 2

	dcrsrWrite = 1 << 16

	regXPSR = 0x10
	regMSP  = 0x11
	regPSP  = 0x12

	// Code region limit of FPBv1 comparators.
	fpbV1CodeLimit = 0x20000000
)

// Core implements probe.Adapter on top of word access to the target.
type Core struct {
	tmrw probe.TargetMemReaderWriter

	fpbRev    uint32
	bpSlots   []uint32 // Address of the breakpoint in each comparator, 0 if free.
	stepping  bool
	cycCntOK  bool
	lastDHCSR uint32
}

var (
	_ probe.Adapter      = (*Core)(nil)
	_ probe.MemoryWriter = (*Core)(nil)
	_ probe.CycleCounter = (*Core)(nil)
	_ probe.Resetter     = (*Core)(nil)
)

func NewCore(tmrw probe.TargetMemReaderWriter) *Core {
	return &Core{tmrw: tmrw}
}

// Init checks that the target is a Cortex-M, enables halting debug and the
// breakpoint unit without changing the run state of the core.
func (c *Core) Init(ctx context.Context) error {
	cpuid, err := c.tmrw.ReadTargetReg(ctx, regCPUID)
	if err != nil {
		return errors.Annotatef(err, "failed to get CPUID")
	}
	if cpuid>>24 != 0x41 || (cpuid>>4)&0xf00 != 0xc00 {
		return errors.Errorf("target is not a Cortex-M (CPUID 0x%08x)", cpuid)
	}
	dhcsr, err := c.tmrw.ReadTargetReg(ctx, regDHCSR)
	if err != nil {
		return errors.Annotatef(err, "failed to get DHCSR")
	}
	ctrl := regDHCSRKey | dhcsrCDebugEn
	if dhcsr&dhcsrSHalt != 0 {
		ctrl |= dhcsrCHalt
	}
	if err := c.tmrw.WriteTargetReg(ctx, regDHCSR, ctrl); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	return errors.Trace(c.initUnits(ctx))
}

func (c *Core) initUnits(ctx context.Context) error {
	demcr, err := c.tmrw.ReadTargetReg(ctx, regDEMCR)
	if err != nil {
		return errors.Annotatef(err, "failed to get DEMCR")
	}
	demcr |= demcrTrcEna | demcrVCHardErr
	if err := c.tmrw.WriteTargetReg(ctx, regDEMCR, demcr); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	if err := c.initFPB(ctx); err != nil {
		return errors.Trace(err)
	}
	// DWT is optional on ARMv6-M; a missing cycle counter is not an error.
	dwtCtrl, err := c.tmrw.ReadTargetReg(ctx, regDWTCTRL)
	if err == nil && dwtCtrl&(1<<25) == 0 { // NOCYCCNT
		err = c.tmrw.WriteTargetReg(ctx, regDWTCTRL, dwtCtrl|1)
		c.cycCntOK = err == nil
	}
	if !c.cycCntOK {
		glog.V(1).Infof("cycle counter not available")
	}
	return nil
}

func (c *Core) initFPB(ctx context.Context) error {
	fpCtrl, err := c.tmrw.ReadTargetReg(ctx, regFPCTRL)
	if err != nil {
		return errors.Annotatef(err, "failed to get FP_CTRL")
	}
	numCode := int((fpCtrl>>4)&0xf | ((fpCtrl>>12)&0x7)<<4)
	c.fpbRev = fpCtrl >> 28
	glog.V(1).Infof("FPB rev %d, %d code comparators", c.fpbRev, numCode)
	c.bpSlots = make([]uint32, numCode)
	for i := 0; i < numCode; i++ {
		if err := c.tmrw.WriteTargetReg(ctx, regFPCOMP0+uint32(i)*4, 0); err != nil {
			return errors.Annotatef(err, "failed to clear FP_COMP%d", i)
		}
	}
	// KEY | ENABLE
	return errors.Annotatef(c.tmrw.WriteTargetReg(ctx, regFPCTRL, 3), "failed to enable FPB")
}

func TargetName(cpuid, pid0 uint32) string {
	glog.V(1).Infof("CPUID: 0x%08x, PID0: 0x%08x", cpuid, pid0)
	vendor := fmt.Sprintf("0x%02x", cpuid>>24)
	if cpuid>>24 == 0x41 {
		vendor = "ARM"
	}
	part := fmt.Sprintf("0x%03x", (cpuid>>4)&0xfff)
	switch (cpuid >> 4) & 0xfff {
	case 0xc20:
		part = "Cortex-M0"
	case 0xc60:
		part = "Cortex-M0+"
	case 0xc21:
		part = "Cortex-M1"
	case 0xc23:
		part = "Cortex-M3"
	case 0xc24:
		part = "Cortex-M4"
	case 0xc27:
		part = "Cortex-M7"
	case 0xd21:
		part = "Cortex-M33"
	}
	fpu := ""
	if pid0 == 0xc {
		fpu = "F"
	}
	return fmt.Sprintf("%s %s%s r%dp%d", vendor, part, fpu, (cpuid>>20)&0xf, cpuid&0xf)
}

func (c *Core) TargetName(ctx context.Context) (string, error) {
	cpuid, err := c.tmrw.ReadTargetReg(ctx, regCPUID)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get CPUID")
	}
	pid0, err := c.tmrw.ReadTargetReg(ctx, regPID0)
	if err != nil {
		return "", errors.Annotatef(err, "failed to get PID0")
	}
	return TargetName(cpuid, pid0), nil
}

func (c *Core) readDHCSR(ctx context.Context) (uint32, error) {
	dhcsr, err := c.tmrw.ReadTargetReg(ctx, regDHCSR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to get DHCSR")
	}
	if dhcsr&dhcsrSResetSt != 0 && c.lastDHCSR&dhcsrSResetSt == 0 {
		glog.Warningf("core has been reset")
	}
	c.lastDHCSR = dhcsr
	return dhcsr, nil
}

func (c *Core) waitHalt(ctx context.Context) error {
	for {
		dhcsr, err := c.readDHCSR(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		glog.V(3).Infof("waitHalt DHCSR 0x%08x", dhcsr)
		if dhcsr&dhcsrSHalt != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Annotatef(ctx.Err(), "waiting for halt (DHCSR 0x%08x)", dhcsr)
		default:
		}
	}
}

func (c *Core) Halt(ctx context.Context) error {
	glog.V(3).Infof("Halt()")
	if err := c.tmrw.WriteTargetReg(ctx, regDHCSR, regDHCSRKey|dhcsrCHalt|dhcsrCDebugEn); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	c.stepping = false
	return errors.Trace(c.waitHalt(ctx))
}

func (c *Core) clearDFSR(ctx context.Context) error {
	return errors.Annotatef(c.tmrw.WriteTargetReg(ctx, regDFSR, dfsrAll), "failed to clear DFSR")
}

func (c *Core) Resume(ctx context.Context) error {
	glog.V(3).Infof("Resume()")
	if err := c.clearDFSR(ctx); err != nil {
		return errors.Trace(err)
	}
	c.stepping = false
	return errors.Annotatef(c.tmrw.WriteTargetReg(ctx, regDHCSR, regDHCSRKey|dhcsrCDebugEn), "failed to set DHCSR")
}

// Step executes one instruction. Interrupts are not masked: a pending
// exception is taken and the core halts on the first handler instruction.
func (c *Core) Step(ctx context.Context) error {
	glog.V(3).Infof("Step()")
	if err := c.clearDFSR(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := c.tmrw.WriteTargetReg(ctx, regDHCSR, regDHCSRKey|dhcsrCStep|dhcsrCDebugEn); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	c.stepping = true
	return errors.Trace(c.waitHalt(ctx))
}

func (c *Core) fpCompValue(addr uint32) (uint32, error) {
	if c.fpbRev == 0 {
		if addr >= fpbV1CodeLimit {
			return 0, errors.Trace(&probe.UnmappedAddressError{Addr: addr, Op: "breakpoint"})
		}
		v := addr&0x1ffffffc | 1
		if addr&2 != 0 {
			v |= 0x80000000 // Upper halfword
		} else {
			v |= 0x40000000 // Lower halfword
		}
		return v, nil
	}
	return addr | 1, nil
}

func (c *Core) SetBreakpoint(ctx context.Context, addr uint32) error {
	addr &^= 1 // Thumb bit
	free := -1
	for i, a := range c.bpSlots {
		if a == addr {
			return nil
		}
		if a == 0 && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return errors.Trace(&probe.NoBreakpointSlotsError{Addr: addr, Slots: len(c.bpSlots)})
	}
	v, err := c.fpCompValue(addr)
	if err != nil {
		return errors.Trace(err)
	}
	glog.V(2).Infof("FP_COMP%d = 0x%08x (bp at 0x%08x)", free, v, addr)
	if err := c.tmrw.WriteTargetReg(ctx, regFPCOMP0+uint32(free)*4, v); err != nil {
		return errors.Annotatef(err, "failed to set FP_COMP%d", free)
	}
	c.bpSlots[free] = addr
	return nil
}

func (c *Core) ClearBreakpoint(ctx context.Context, addr uint32) error {
	addr &^= 1
	for i, a := range c.bpSlots {
		if a != addr {
			continue
		}
		if err := c.tmrw.WriteTargetReg(ctx, regFPCOMP0+uint32(i)*4, 0); err != nil {
			return errors.Annotatef(err, "failed to clear FP_COMP%d", i)
		}
		c.bpSlots[i] = 0
	}
	return nil
}

// ReadMemory reads the words covering [addr, addr+length) and returns the
// requested bytes.
func (c *Core) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	start := addr &^ 3
	end := (uint64(addr) + uint64(length) + 3) &^ 3
	words, err := c.tmrw.ReadTargetMem(ctx, start, int((end-uint64(start))/4))
	if err != nil {
		return nil, errors.Trace(err)
	}
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	off := int(addr - start)
	return buf[off : off+length], nil
}

func (c *Core) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	start := addr &^ 3
	end := (uint64(addr) + uint64(len(data)) + 3) &^ 3
	buf := make([]byte, end-uint64(start))
	off := int(addr - start)
	if off != 0 || len(data)%4 != 0 || len(buf) != len(data) {
		// Preserve the bytes of the edge words we do not own.
		old, err := c.ReadMemory(ctx, start, len(buf))
		if err != nil {
			return errors.Trace(err)
		}
		copy(buf, old)
	}
	copy(buf[off:], data)
	words := make([]uint32, len(buf)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return errors.Trace(c.tmrw.WriteTargetMem(ctx, start, words))
}

func (c *Core) waitRegReady(ctx context.Context) error {
	for {
		dhcsr, err := c.readDHCSR(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if dhcsr&dhcsrSRegRdy != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Annotatef(ctx.Err(), "waiting for register transfer")
		default:
		}
	}
}

func (c *Core) getReg(ctx context.Context, reg uint32) (uint32, error) {
	if err := c.tmrw.WriteTargetReg(ctx, regDCRSR, reg); err != nil {
		return 0, errors.Annotatef(err, "failed to set DCRSR")
	}
	if err := c.waitRegReady(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := c.tmrw.ReadTargetReg(ctx, regDCRDR)
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read DCRDR")
	}
	glog.V(4).Infof("GetReg(%d) == 0x%x", reg, value)
	return value, nil
}

// SetReg writes a core register. The core must be halted.
func (c *Core) SetReg(ctx context.Context, reg int, value uint32) error {
	glog.V(4).Infof("SetReg(%d, 0x%x)", reg, value)
	if err := c.tmrw.WriteTargetReg(ctx, regDCRDR, value); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	if err := c.tmrw.WriteTargetReg(ctx, regDCRSR, dcrsrWrite|uint32(reg)); err != nil {
		return errors.Annotatef(err, "failed to set DCRSR")
	}
	return errors.Trace(c.waitRegReady(ctx))
}

func (c *Core) ReadRegisters(ctx context.Context) (*probe.RegisterSet, error) {
	glog.V(3).Infof("ReadRegisters()")
	regs := &probe.RegisterSet{}
	for i := 0; i < 16; i++ {
		v, err := c.getReg(ctx, uint32(i))
		if err != nil {
			return nil, errors.Annotatef(err, "failed to get R%d", i)
		}
		regs.R[i] = v
	}
	for _, r := range []struct {
		sel uint32
		dst *uint32
	}{{regXPSR, &regs.XPSR}, {regMSP, &regs.MSP}, {regPSP, &regs.PSP}} {
		v, err := c.getReg(ctx, r.sel)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to get special reg 0x%x", r.sel)
		}
		*r.dst = v
	}
	glog.V(3).Infof("Regs: %s", regs)
	return regs, nil
}

func (c *Core) CoreStatus(ctx context.Context) (probe.Status, error) {
	dhcsr, err := c.readDHCSR(ctx)
	if err != nil {
		return probe.Status{}, errors.Trace(err)
	}
	if dhcsr&dhcsrSLockup != 0 {
		return probe.Status{State: probe.CoreFaulted, Cause: "lockup"}, nil
	}
	if dhcsr&dhcsrSHalt == 0 {
		return probe.Status{State: probe.CoreRunning}, nil
	}
	dfsr, err := c.tmrw.ReadTargetReg(ctx, regDFSR)
	if err != nil {
		return probe.Status{}, errors.Annotatef(err, "failed to get DFSR")
	}
	st := probe.Status{State: probe.CoreHalted, Reason: haltReason(dfsr, c.stepping)}
	if st.Reason == probe.HaltVectorCatch {
		// A fault trap leaves the core at the first instruction of a fault
		// handler; the reset catch leaves it in thread mode.
		xpsr, err := c.getReg(ctx, regXPSR)
		if err != nil {
			return probe.Status{}, errors.Trace(err)
		}
		if exc := xpsr & 0x1ff; exc >= 3 && exc <= 6 {
			return probe.Status{State: probe.CoreFaulted, Cause: fmt.Sprintf("fault exception %d caught", exc)}, nil
		}
	}
	return st, nil
}

func haltReason(dfsr uint32, stepping bool) probe.HaltReason {
	switch {
	case dfsr&dfsrVCatch != 0:
		return probe.HaltVectorCatch
	case dfsr&dfsrBkpt != 0:
		return probe.HaltBreakpoint
	case dfsr&dfsrDWTTrap != 0:
		return probe.HaltWatchpoint
	case dfsr&dfsrExternal != 0:
		return probe.HaltExternal
	case dfsr&dfsrHalted != 0:
		if stepping {
			return probe.HaltStep
		}
		return probe.HaltRequest
	}
	return probe.HaltUnknown
}

func (c *Core) ReadCycleCounter(ctx context.Context) (uint32, error) {
	if !c.cycCntOK {
		return 0, errors.NotSupportedf("cycle counter")
	}
	v, err := c.tmrw.ReadTargetReg(ctx, regDWTCYCCNT)
	return v, errors.Annotatef(err, "failed to read DWT_CYCCNT")
}

// ResetHalt resets the system and catches the core at the reset vector.
func (c *Core) ResetHalt(ctx context.Context) error {
	// Per RM C1.4.1: set DHCSR.C_DEBUGEN, DEMCR.VC_CORERESET (and other traps) and reset.
	if err := c.tmrw.WriteTargetReg(ctx, regDHCSR, regDHCSRKey|dhcsrCDebugEn); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	if err := c.tmrw.WriteTargetReg(ctx, regDEMCR, demcrTrcEna|demcrResetCatch); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	if err := c.tmrw.WriteTargetReg(ctx, regAIRCR, regAIRCRKey|aircrSysResetReq); err != nil {
		return errors.Annotatef(err, "failed to request reset")
	}
	c.stepping = false
	if err := c.waitHalt(ctx); err != nil {
		return errors.Annotatef(err, "core did not halt after reset")
	}
	if err := c.tmrw.WriteTargetReg(ctx, regDEMCR, demcrTrcEna|demcrVCHardErr); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	// The reset may have cleared the debug units.
	for i := range c.bpSlots {
		c.bpSlots[i] = 0
	}
	return errors.Trace(c.initUnits(ctx))
}
