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

// Package probe defines the debug probe abstraction used by the sampling
// engine. A probe gives exclusive, serialized access to one target core.
package probe

import (
	"context"
	"fmt"
)

type CoreState int

const (
	CoreRunning CoreState = iota
	CoreHalted
	CoreFaulted
)

func (s CoreState) String() string {
	switch s {
	case CoreRunning:
		return "running"
	case CoreHalted:
		return "halted"
	case CoreFaulted:
		return "faulted"
	}
	return fmt.Sprintf("CoreState(%d)", int(s))
}

// HaltReason tells why a halted core stopped. Not every probe can tell.
type HaltReason int

const (
	HaltUnknown HaltReason = iota
	HaltRequest
	HaltStep
	HaltBreakpoint
	HaltWatchpoint
	HaltVectorCatch
	HaltExternal
)

func (r HaltReason) String() string {
	switch r {
	case HaltUnknown:
		return "unknown"
	case HaltRequest:
		return "request"
	case HaltStep:
		return "step"
	case HaltBreakpoint:
		return "breakpoint"
	case HaltWatchpoint:
		return "watchpoint"
	case HaltVectorCatch:
		return "vector-catch"
	case HaltExternal:
		return "external"
	}
	return fmt.Sprintf("HaltReason(%d)", int(r))
}

type Status struct {
	State  CoreState
	Reason HaltReason
	// Cause describes the fault when State is CoreFaulted.
	Cause string
}

func (s Status) String() string {
	switch s.State {
	case CoreHalted:
		return fmt.Sprintf("halted (%s)", s.Reason)
	case CoreFaulted:
		if s.Cause != "" {
			return fmt.Sprintf("faulted (%s)", s.Cause)
		}
	}
	return s.State.String()
}

// Adapter is the debug link to a single core.
// Implementations are not required to be safe for concurrent use: the link
// carries one request at a time and callers must serialize access.
type Adapter interface {
	// Halt requests the core to halt and returns once it has.
	Halt(ctx context.Context) error
	// Resume releases the core from halt and lets it run from the current PC.
	Resume(ctx context.Context) error
	// Step executes exactly one instruction and returns with the core halted.
	// If an exception is taken during the step, the core halts at the first
	// instruction of the handler.
	Step(ctx context.Context) error
	// SetBreakpoint arms a hardware breakpoint at addr.
	SetBreakpoint(ctx context.Context, addr uint32) error
	// ClearBreakpoint disarms the breakpoint at addr. Clearing an address
	// with no breakpoint is not an error.
	ClearBreakpoint(ctx context.Context, addr uint32) error
	// ReadMemory reads length bytes of target memory at addr.
	ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error)
	// ReadRegisters retrieves the core register file. The core must be halted.
	ReadRegisters(ctx context.Context) (*RegisterSet, error)
	// CoreStatus reports whether the core is running, halted or faulted.
	CoreStatus(ctx context.Context) (Status, error)
}

// MemoryWriter is implemented by adapters that can write target memory.
type MemoryWriter interface {
	WriteMemory(ctx context.Context, addr uint32, data []byte) error
}

// CycleCounter is implemented by adapters that expose a free-running core
// cycle counter (DWT CYCCNT on Cortex-M).
type CycleCounter interface {
	ReadCycleCounter(ctx context.Context) (uint32, error)
}

// Resetter is implemented by adapters that can reset the system and catch
// the core in debug halt at the reset vector.
type Resetter interface {
	ResetHalt(ctx context.Context) error
}

// Closer is implemented by adapters that hold a connection to the probe.
type Closer interface {
	Close(ctx context.Context) error
}
