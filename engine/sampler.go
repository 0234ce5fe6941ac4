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
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/zeebo/xxh3"

	"github.com/mongoose-os/memprof/probe"
)

// Word regions are read in chunks of this size so that each read stays well
// within the read timeout.
const readChunk = 1024

const causeResumed = "core resumed during capture"

// sampler captures registers and regions from a halted core.
type sampler struct {
	a        *probe.Bounded
	regions  []MemoryRegion
	namer    FunctionNamer
	stackTop uint32
	cycles   bool
}

func newSampler(a *probe.Bounded, regions []MemoryRegion, namer FunctionNamer, stackTop uint32) *sampler {
	return &sampler{
		a:        a,
		regions:  regions,
		namer:    namer,
		stackTop: stackTop,
		cycles:   a.Supports((*probe.CycleCounter)(nil)),
	}
}

// capture takes one sample. The core must be halted. The core status is
// checked again after the registers and after every region: if the core is
// no longer halted the capture is abandoned and the sample is marked faulted,
// with every region not read by then counted as failed.
//
// The returned sample is never nil. A non-nil error ends the session.
func (s *sampler) capture(ctx context.Context) (*Sample, error) {
	smp := &Sample{
		Time:    time.Now(),
		Status:  StatusComplete,
		Regions: make([]RegionCapture, len(s.regions)),
	}
	for i, r := range s.regions {
		smp.Regions[i] = RegionCapture{Label: r.Label, Base: r.Base, Length: r.Length}
	}

	if ok, err := s.checkHalted(ctx, smp, 0); !ok {
		return smp, err
	}

	regs, err := s.a.ReadRegisters(ctx)
	switch {
	case err == nil:
		smp.Registers = regs
		smp.PC = regs.PC()
		if s.namer != nil {
			smp.Function, _ = s.namer.FunctionAt(smp.PC)
		}
		if s.stackTop != 0 && regs.SP() <= s.stackTop {
			off := s.stackTop - regs.SP()
			smp.SPOffset = &off
		}
	case fatal(err):
		s.abort(smp, 0, err.Error())
		return smp, errors.Annotatef(err, "failed to read registers")
	default:
		smp.RegisterError = err.Error()
	}

	if ok, err := s.checkHalted(ctx, smp, 0); !ok {
		if smp.Registers != nil {
			smp.Registers = nil
			smp.SPOffset = nil
			smp.RegisterError = smp.FaultCause
		}
		return smp, err
	}

	if s.cycles {
		v, err := s.a.ReadCycleCounter(ctx)
		switch {
		case err == nil:
			smp.Cycles = &v
		case fatal(err):
			s.abort(smp, 0, err.Error())
			return smp, errors.Annotatef(err, "failed to read cycle counter")
		default:
			glog.V(1).Infof("cycle counter: %s", err)
		}
	}

	for i, r := range s.regions {
		rc := &smp.Regions[i]
		data, err := s.readRegion(ctx, r)
		if err != nil {
			if fatal(err) {
				s.abort(smp, i, err.Error())
				return smp, errors.Trace(err)
			}
			rre := &RegionReadError{Region: r.Label, Addr: r.Base, Err: err}
			glog.V(1).Infof("%s", rre)
			rc.Missing = true
			rc.Error = rre.Error()
		}
		if ok, err := s.checkHalted(ctx, smp, i+1); !ok {
			// What was read of this region may be torn.
			if !rc.Missing {
				rc.Missing = true
				rc.Error = smp.FaultCause
			}
			return smp, err
		}
		if data != nil {
			rc.Data = data
			rc.Used, rc.Watermark = regionUsage(r, data)
			rc.Hash = xxh3.Hash(data)
		}
	}

	if smp.RegisterError != "" {
		smp.Status = StatusPartial
	}
	for _, rc := range smp.Regions {
		if rc.Missing {
			smp.Status = StatusPartial
		}
	}
	return smp, nil
}

// checkHalted verifies that the core is still halted. If it is not, the
// sample is marked faulted from region idx on.
func (s *sampler) checkHalted(ctx context.Context, smp *Sample, idx int) (bool, error) {
	st, err := s.a.CoreStatus(ctx)
	if err != nil {
		s.abort(smp, idx, err.Error())
		return false, errors.Annotatef(err, "failed to get core status")
	}
	switch st.State {
	case probe.CoreHalted:
		return true, nil
	case probe.CoreFaulted:
		s.abort(smp, idx, st.Cause)
		return false, errors.Trace(&CoreFaultError{Cause: st.Cause})
	}
	s.abort(smp, idx, causeResumed)
	smp.resumed = true
	return false, nil
}

func (s *sampler) abort(smp *Sample, idx int, cause string) {
	smp.Status = StatusFaulted
	smp.FaultCause = cause
	for i := idx; i < len(smp.Regions); i++ {
		smp.Regions[i].Missing = true
		smp.Regions[i].Error = fmt.Sprintf("not read: %s", cause)
	}
}

func (s *sampler) readRegion(ctx context.Context, r MemoryRegion) ([]byte, error) {
	if r.Width != WidthWord {
		data, err := s.a.ReadMemory(ctx, r.Base, r.Length)
		return data, errors.Trace(err)
	}
	data := make([]byte, 0, r.Length)
	for len(data) < r.Length {
		n := r.Length - len(data)
		if n > readChunk {
			n = readChunk
		}
		chunk, err := s.a.ReadMemory(ctx, r.Base+uint32(len(data)), n)
		if err != nil {
			return nil, errors.Trace(err)
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// regionUsage counts the bytes that differ from the fill and finds how far
// into the region the usage reaches.
func regionUsage(r MemoryRegion, data []byte) (used, watermark int) {
	first, last := -1, -1
	for i, b := range data {
		if b == r.Fill {
			continue
		}
		used++
		if first < 0 {
			first = i
		}
		last = i
	}
	switch {
	case used == 0:
		return 0, 0
	case r.GrowsDown:
		return used, len(data) - first
	}
	return used, last + 1
}
