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

// Package fake provides a scriptable in-memory probe for tests.
package fake

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe"
)

// Basic frame stacked on exception entry: R0-R3, R12, LR, PC, xPSR.
const exceptionFrameSize = 32

type segment struct {
	base uint32
	data []byte
}

// Probe simulates a single Cortex-M core behind a debug link.
//
// Hooks are invoked without the probe lock held and may call any exported
// method of the probe.
type Probe struct {
	// MaxBreakpoints is the number of hardware comparators. Default: 6.
	MaxBreakpoints int
	// HitAfter is the number of CoreStatus polls a running core needs to
	// reach an armed breakpoint. Zero or negative means it never does.
	HitAfter int
	// LockupAfterSteps makes the core lock up on the given step (1-based).
	LockupAfterSteps int

	// OnStep is called after every completed step with its 1-based number.
	OnStep func(p *Probe, n int)
	// OnHalt is called whenever the core enters debug halt.
	OnHalt func(p *Probe)
	// OnRunning is called on every CoreStatus poll while the core runs.
	OnRunning func(p *Probe, polls int)
	// FailRead, if set, may fail a memory read before it happens.
	FailRead func(addr uint32, length int) error
	// AfterRead is called after every successful memory read.
	AfterRead func(p *Probe, addr uint32, length int)

	mu          sync.Mutex
	state       probe.CoreState
	reason      probe.HaltReason
	faultCause  string
	regs        probe.RegisterSet
	segs        []*segment
	codeStart   uint32
	codeEnd     uint32
	breakpoints map[uint32]bool
	polls       int
	steps       int
	cycles      uint32
	hang        map[string]bool
	disconn     bool
	calls       []string

	inFlight    int32
	maxInFlight int32
}

var _ probe.Adapter = (*Probe)(nil)

// New returns a halted core with code at [codeStart, codeEnd).
func New(codeStart, codeEnd uint32) *Probe {
	p := &Probe{
		MaxBreakpoints: 6,
		HitAfter:       1,
		state:          probe.CoreHalted,
		reason:         probe.HaltRequest,
		codeStart:      codeStart,
		codeEnd:        codeEnd,
		breakpoints:    map[uint32]bool{},
		hang:           map[string]bool{},
	}
	p.regs.R[probe.PC] = codeStart
	return p
}

// AddMemory maps size bytes at base, filled with fill.
func (p *Probe) AddMemory(base uint32, size int, fill byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := make([]byte, size)
	for i := range data {
		data[i] = fill
	}
	p.segs = append(p.segs, &segment{base: base, data: data})
}

// Poke writes target memory directly, bypassing the link.
func (p *Probe) Poke(addr uint32, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.findLocked(addr, len(data))
	if s == nil {
		panic("fake: poke outside of mapped memory")
	}
	copy(s.data[addr-s.base:], data)
}

// Peek reads target memory directly, bypassing the link.
func (p *Probe) Peek(addr uint32, length int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.findLocked(addr, length)
	if s == nil {
		return nil
	}
	return append([]byte(nil), s.data[addr-s.base:addr-s.base+uint32(length)]...)
}

func (p *Probe) SetRegs(regs probe.RegisterSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs = regs
}

func (p *Probe) Regs() probe.RegisterSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs
}

func (p *Probe) SetReg(n int, v uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs.R[n] = v
}

// EnterException simulates the core taking exception num: a frame is
// stacked, the PC moves to the handler and IPSR holds the exception number.
func (p *Probe) EnterException(num uint32, handler uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs.R[probe.SP] -= exceptionFrameSize
	p.regs.XPSR = (p.regs.XPSR &^ 0x1ff) | (num & 0x1ff)
	p.regs.R[probe.PC] = handler
}

// ReturnFromException simulates an exception return to the context running
// exception num (0 for thread mode) at pc.
func (p *Probe) ReturnFromException(num uint32, pc uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs.R[probe.SP] += exceptionFrameSize
	p.regs.XPSR = (p.regs.XPSR &^ 0x1ff) | (num & 0x1ff)
	p.regs.R[probe.PC] = pc
}

// SetState forces the core state, e.g. to simulate an external reset.
func (p *Probe) SetState(st probe.CoreState, cause string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = st
	p.faultCause = cause
	if st == probe.CoreRunning {
		p.polls = 0
	}
}

// Hang makes every later call of op ("halt", "resume", "step", "read",
// "regs", "status", "set-bp") block until its context is done.
func (p *Probe) Hang(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hang[op] = true
}

// Disconnect makes every later call fail with probe.ErrDisconnected.
func (p *Probe) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconn = true
}

// Calls returns the log of operations issued over the link.
func (p *Probe) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *Probe) Count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

// MaxInFlight returns the highest number of concurrently executing calls.
func (p *Probe) MaxInFlight() int {
	return int(atomic.LoadInt32(&p.maxInFlight))
}

func (p *Probe) Breakpoints() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res []uint32
	for a := range p.breakpoints {
		res = append(res, a)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (p *Probe) State() probe.CoreState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Probe) enter(ctx context.Context, op string) error {
	n := atomic.AddInt32(&p.inFlight, 1)
	for {
		m := atomic.LoadInt32(&p.maxInFlight)
		if n <= m || atomic.CompareAndSwapInt32(&p.maxInFlight, m, n) {
			break
		}
	}
	p.mu.Lock()
	p.calls = append(p.calls, op)
	disconn, hang := p.disconn, p.hang[op]
	p.mu.Unlock()
	if disconn {
		return errors.Trace(probe.ErrDisconnected)
	}
	if hang {
		<-ctx.Done()
		return errors.Trace(ctx.Err())
	}
	return nil
}

func (p *Probe) exit() {
	atomic.AddInt32(&p.inFlight, -1)
}

func (p *Probe) findLocked(addr uint32, length int) *segment {
	for _, s := range p.segs {
		if addr >= s.base && uint64(addr)+uint64(length) <= uint64(s.base)+uint64(len(s.data)) {
			return s
		}
	}
	return nil
}

func (p *Probe) haltLocked(reason probe.HaltReason) {
	p.state = probe.CoreHalted
	p.reason = reason
}

func (p *Probe) afterHalt() {
	if p.OnHalt != nil {
		p.OnHalt(p)
	}
}

func (p *Probe) Halt(ctx context.Context) error {
	defer p.exit()
	if err := p.enter(ctx, "halt"); err != nil {
		return err
	}
	p.mu.Lock()
	if p.state == probe.CoreFaulted {
		p.mu.Unlock()
		return nil
	}
	wasRunning := p.state == probe.CoreRunning
	p.haltLocked(probe.HaltRequest)
	p.mu.Unlock()
	if wasRunning {
		p.afterHalt()
	}
	return nil
}

func (p *Probe) Resume(ctx context.Context) error {
	defer p.exit()
	if err := p.enter(ctx, "resume"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == probe.CoreFaulted {
		return errors.Errorf("core is locked up")
	}
	p.state = probe.CoreRunning
	p.polls = 0
	return nil
}

func (p *Probe) Step(ctx context.Context) error {
	defer p.exit()
	if err := p.enter(ctx, "step"); err != nil {
		return err
	}
	p.mu.Lock()
	if p.state != probe.CoreHalted {
		p.mu.Unlock()
		return errors.Errorf("step: core is %s", p.state)
	}
	p.steps++
	n := p.steps
	p.regs.R[probe.PC] += 2
	p.cycles += 3
	if p.LockupAfterSteps > 0 && n >= p.LockupAfterSteps {
		p.state = probe.CoreFaulted
		p.faultCause = "lockup"
		p.mu.Unlock()
		return nil
	}
	p.haltLocked(probe.HaltStep)
	p.mu.Unlock()
	if p.OnStep != nil {
		p.OnStep(p, n)
	}
	p.afterHalt()
	return nil
}

func (p *Probe) SetBreakpoint(ctx context.Context, addr uint32) error {
	defer p.exit()
	if err := p.enter(ctx, "set-bp"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if addr < p.codeStart || addr >= p.codeEnd {
		return errors.Trace(&probe.UnmappedAddressError{Addr: addr, Op: "breakpoint"})
	}
	if p.breakpoints[addr] {
		return nil
	}
	if len(p.breakpoints) >= p.MaxBreakpoints {
		return errors.Trace(&probe.NoBreakpointSlotsError{Addr: addr, Slots: len(p.breakpoints)})
	}
	p.breakpoints[addr] = true
	return nil
}

func (p *Probe) ClearBreakpoint(ctx context.Context, addr uint32) error {
	defer p.exit()
	if err := p.enter(ctx, "clear-bp"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.breakpoints, addr)
	return nil
}

func (p *Probe) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	defer p.exit()
	if err := p.enter(ctx, "read"); err != nil {
		return nil, err
	}
	if p.FailRead != nil {
		if err := p.FailRead(addr, length); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	s := p.findLocked(addr, length)
	if s == nil {
		p.mu.Unlock()
		return nil, errors.Trace(&probe.BusFaultError{Addr: addr, Length: length})
	}
	off := addr - s.base
	data := append([]byte(nil), s.data[off:off+uint32(length)]...)
	p.mu.Unlock()
	if p.AfterRead != nil {
		p.AfterRead(p, addr, length)
	}
	return data, nil
}

func (p *Probe) ReadRegisters(ctx context.Context) (*probe.RegisterSet, error) {
	defer p.exit()
	if err := p.enter(ctx, "regs"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != probe.CoreHalted {
		return nil, errors.Errorf("read registers: core is %s", p.state)
	}
	regs := p.regs
	return &regs, nil
}

func (p *Probe) CoreStatus(ctx context.Context) (probe.Status, error) {
	defer p.exit()
	if err := p.enter(ctx, "status"); err != nil {
		return probe.Status{}, err
	}
	p.mu.Lock()
	if p.state == probe.CoreRunning {
		p.polls++
		polls := p.polls
		p.cycles += 1000
		hook := p.OnRunning
		p.mu.Unlock()
		if hook != nil {
			hook(p, polls)
		}
		p.mu.Lock()
		if p.state == probe.CoreRunning && p.HitAfter > 0 && polls >= p.HitAfter && len(p.breakpoints) > 0 {
			bp := p.nextBreakpointLocked()
			p.regs.R[probe.PC] = bp
			p.haltLocked(probe.HaltBreakpoint)
			p.mu.Unlock()
			p.afterHalt()
			p.mu.Lock()
		}
	}
	st := probe.Status{State: p.state}
	switch p.state {
	case probe.CoreHalted:
		st.Reason = p.reason
	case probe.CoreFaulted:
		st.Cause = p.faultCause
	}
	p.mu.Unlock()
	return st, nil
}

// nextBreakpointLocked picks the first armed breakpoint after the PC,
// wrapping around.
func (p *Probe) nextBreakpointLocked() uint32 {
	var addrs []uint32
	for a := range p.breakpoints {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		if a > p.regs.R[probe.PC] {
			return a
		}
	}
	return addrs[0]
}

func (p *Probe) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	defer p.exit()
	if err := p.enter(ctx, "write"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.findLocked(addr, len(data))
	if s == nil {
		return errors.Trace(&probe.BusFaultError{Addr: addr, Length: len(data)})
	}
	copy(s.data[addr-s.base:], data)
	return nil
}

func (p *Probe) ReadCycleCounter(ctx context.Context) (uint32, error) {
	defer p.exit()
	if err := p.enter(ctx, "cycles"); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles, nil
}

func (p *Probe) ResetHalt(ctx context.Context) error {
	defer p.exit()
	if err := p.enter(ctx, "reset"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs = probe.RegisterSet{}
	p.regs.R[probe.PC] = p.codeStart
	p.faultCause = ""
	p.haltLocked(probe.HaltVectorCatch)
	return nil
}
