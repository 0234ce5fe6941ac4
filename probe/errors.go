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
	"fmt"
	"time"

	"github.com/juju/errors"
)

// ErrDisconnected is the cause of every error returned after the link to
// the probe (or from the probe to the target) has been lost.
var ErrDisconnected = errors.New("probe disconnected")

// BusFaultError is returned when a memory access is rejected by the target
// bus (unmapped or protected memory). The core itself is unaffected.
type BusFaultError struct {
	Addr   uint32
	Length int
	Detail string
}

func (e *BusFaultError) Error() string {
	s := fmt.Sprintf("bus fault reading %d bytes at 0x%08x", e.Length, e.Addr)
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	return s
}

// TimeoutError is returned when a blocking probe operation did not complete
// in time. On embedded targets this usually means the core locked up.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	// LastStatus is the last core status observed before the timeout, if any.
	LastStatus *Status
}

func (e *TimeoutError) Error() string {
	s := fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
	if e.LastStatus != nil {
		s += fmt.Sprintf(", core was %s", e.LastStatus)
	}
	return s
}

// NoBreakpointSlotsError is returned when all hardware comparators are in use.
type NoBreakpointSlotsError struct {
	Addr  uint32
	Slots int
}

func (e *NoBreakpointSlotsError) Error() string {
	return fmt.Sprintf("no free breakpoint slot for 0x%08x (%d in use)", e.Addr, e.Slots)
}

// UnmappedAddressError is returned when an address cannot be used for the
// requested operation, e.g. a breakpoint outside of the code region.
type UnmappedAddressError struct {
	Addr uint32
	Op   string
}

func (e *UnmappedAddressError) Error() string {
	return fmt.Sprintf("address 0x%08x is not mapped for %s", e.Addr, e.Op)
}

func IsDisconnected(err error) bool {
	return err != nil && errors.Cause(err) == ErrDisconnected
}

func IsBusFault(err error) bool {
	_, ok := errors.Cause(err).(*BusFaultError)
	return ok
}

func IsTimeout(err error) bool {
	_, ok := errors.Cause(err).(*TimeoutError)
	return ok
}

func IsNoBreakpointSlots(err error) bool {
	_, ok := errors.Cause(err).(*NoBreakpointSlotsError)
	return ok
}

func IsUnmappedAddress(err error) bool {
	_, ok := errors.Cause(err).(*UnmappedAddressError)
	return ok
}
