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
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Timeouts bound the blocking probe operations. Zero means no bound.
type Timeouts struct {
	// Control covers halt, resume, breakpoint and status operations.
	Control time.Duration
	// Step covers a single-step, including waiting for the core to halt.
	Step time.Duration
	// Read covers a single memory or register read.
	Read time.Duration
	// RunToBreakpoint bounds the wait for a running core to hit a breakpoint.
	// It is enforced by the caller that polls CoreStatus, not by Bounded.
	RunToBreakpoint time.Duration
}

var DefaultTimeouts = Timeouts{
	Control:         1 * time.Second,
	Step:            1 * time.Second,
	Read:            1 * time.Second,
	RunToBreakpoint: 5 * time.Second,
}

// Bounded wraps an Adapter and imposes Timeouts on every call.
//
// Calls are serialized. A call that does not return within its timeout
// poisons the wrapper: the wrapped adapter may still be busy with it, so every
// later call fails with the same TimeoutError instead of putting a second
// request on the link.
type Bounded struct {
	a Adapter
	t Timeouts

	mu       sync.Mutex
	poisoned *TimeoutError
	last     *Status
}

var _ Adapter = (*Bounded)(nil)

func WithTimeouts(a Adapter, t Timeouts) *Bounded {
	return &Bounded{a: a, t: t}
}

// Unwrap returns the underlying adapter.
func (b *Bounded) Unwrap() Adapter {
	return b.a
}

func (b *Bounded) Timeouts() Timeouts {
	return b.t
}

// Poisoned returns the timeout that disabled the link, if any.
func (b *Bounded) Poisoned() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poisoned == nil {
		return nil
	}
	return b.poisoned
}

// LastStatus returns the last successfully observed core status.
func (b *Bounded) LastStatus() *Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return nil
	}
	st := *b.last
	return &st
}

func (b *Bounded) call(ctx context.Context, op string, d time.Duration, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poisoned != nil {
		return errors.Annotatef(b.poisoned, "%s", op)
	}
	if d <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && cctx.Err() == context.DeadlineExceeded {
			// The adapter honored our deadline and gave up on its own.
			return b.poison(op, d)
		}
		return err
	case <-timer.C:
		return b.poison(op, d)
	}
}

func (b *Bounded) poison(op string, d time.Duration) error {
	te := &TimeoutError{Op: op, Timeout: d}
	if b.last != nil {
		st := *b.last
		te.LastStatus = &st
	}
	glog.Errorf("probe link disabled: %s", te)
	b.poisoned = te
	return errors.Trace(te)
}

func (b *Bounded) Halt(ctx context.Context) error {
	return b.call(ctx, "halt", b.t.Control, b.a.Halt)
}

func (b *Bounded) Resume(ctx context.Context) error {
	return b.call(ctx, "resume", b.t.Control, b.a.Resume)
}

func (b *Bounded) Step(ctx context.Context) error {
	return b.call(ctx, "step", b.t.Step, b.a.Step)
}

func (b *Bounded) SetBreakpoint(ctx context.Context, addr uint32) error {
	return b.call(ctx, "set breakpoint", b.t.Control, func(ctx context.Context) error {
		return b.a.SetBreakpoint(ctx, addr)
	})
}

func (b *Bounded) ClearBreakpoint(ctx context.Context, addr uint32) error {
	return b.call(ctx, "clear breakpoint", b.t.Control, func(ctx context.Context) error {
		return b.a.ClearBreakpoint(ctx, addr)
	})
}

func (b *Bounded) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	var data []byte
	err := b.call(ctx, "read memory", b.t.Read, func(ctx context.Context) error {
		var err error
		data, err = b.a.ReadMemory(ctx, addr, length)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *Bounded) ReadRegisters(ctx context.Context) (*RegisterSet, error) {
	var regs *RegisterSet
	err := b.call(ctx, "read registers", b.t.Read, func(ctx context.Context) error {
		var err error
		regs, err = b.a.ReadRegisters(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return regs, nil
}

func (b *Bounded) CoreStatus(ctx context.Context) (Status, error) {
	var st Status
	err := b.call(ctx, "core status", b.t.Control, func(ctx context.Context) error {
		var err error
		st, err = b.a.CoreStatus(ctx)
		return err
	})
	if err != nil {
		return Status{}, err
	}
	// call() has released the lock by now.
	b.mu.Lock()
	b.last = &st
	b.mu.Unlock()
	return st, nil
}

func (b *Bounded) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	mw, ok := b.a.(MemoryWriter)
	if !ok {
		return errors.NotSupportedf("memory writes")
	}
	return b.call(ctx, "write memory", b.t.Read, func(ctx context.Context) error {
		return mw.WriteMemory(ctx, addr, data)
	})
}

func (b *Bounded) ReadCycleCounter(ctx context.Context) (uint32, error) {
	cc, ok := b.a.(CycleCounter)
	if !ok {
		return 0, errors.NotSupportedf("cycle counter")
	}
	var v uint32
	err := b.call(ctx, "read cycle counter", b.t.Read, func(ctx context.Context) error {
		var err error
		v, err = cc.ReadCycleCounter(ctx)
		return err
	})
	return v, err
}

func (b *Bounded) ResetHalt(ctx context.Context) error {
	r, ok := b.a.(Resetter)
	if !ok {
		return errors.NotSupportedf("reset")
	}
	return b.call(ctx, "reset halt", b.t.Step, r.ResetHalt)
}

// Supports reports whether the wrapped adapter implements the optional
// interface that iface points to, e.g. (*MemoryWriter)(nil).
func (b *Bounded) Supports(iface interface{}) bool {
	switch iface.(type) {
	case *MemoryWriter:
		_, ok := b.a.(MemoryWriter)
		return ok
	case *CycleCounter:
		_, ok := b.a.(CycleCounter)
		return ok
	case *Resetter:
		_, ok := b.a.(Resetter)
		return ok
	}
	return false
}
