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
package engine

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe"
)

// ConfigurationError is returned when a session cannot be started with the
// given parameters. Nothing is emitted for a session that failed to start.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Reason, e.Err)
	}
	return e.Reason
}

func newConfigurationError(err error, format string, args ...interface{}) error {
	return errors.Trace(&ConfigurationError{Reason: fmt.Sprintf(format, args...), Err: err})
}

// RegionReadError describes a failed read of one region in a sample. It
// affects only that sample.
type RegionReadError struct {
	Region string
	Addr   uint32
	Err    error
}

func (e *RegionReadError) Error() string {
	return fmt.Sprintf("failed to read region %s at 0x%08x: %s", e.Region, e.Addr, e.Err)
}

// CoreFaultError is returned when the core faulted or locked up. It ends the
// session.
type CoreFaultError struct {
	Cause string
}

func (e *CoreFaultError) Error() string {
	return fmt.Sprintf("core fault: %s", e.Cause)
}

// SessionClosedError is returned when a sample is appended to a finalized
// session.
type SessionClosedError struct {
	SessionID string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %s is closed", e.SessionID)
}

type UnsupportedModeError struct {
	Mode Mode
}

func (e *UnsupportedModeError) Error() string {
	return fmt.Sprintf("mode %s is not supported", e.Mode)
}

func IsConfiguration(err error) bool {
	_, ok := errors.Cause(err).(*ConfigurationError)
	return ok
}

func IsRegionRead(err error) bool {
	_, ok := errors.Cause(err).(*RegionReadError)
	return ok
}

func IsCoreFault(err error) bool {
	_, ok := errors.Cause(err).(*CoreFaultError)
	return ok
}

func IsSessionClosed(err error) bool {
	_, ok := errors.Cause(err).(*SessionClosedError)
	return ok
}

func IsUnsupportedMode(err error) bool {
	_, ok := errors.Cause(err).(*UnsupportedModeError)
	return ok
}

// IsProbeTimeout reports whether err was caused by a probe operation that
// did not complete in time.
func IsProbeTimeout(err error) bool {
	return probe.IsTimeout(err)
}

// fatal reports whether err ends the session. Region-local read failures do
// not; a lost or stuck link and a faulted core do.
func fatal(err error) bool {
	return probe.IsDisconnected(err) || probe.IsTimeout(err) || IsCoreFault(err)
}
