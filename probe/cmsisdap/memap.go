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

	"github.com/mongoose-os/memprof/probe"
)

type MemAPReg uint8

const (
	CSW  MemAPReg = 0x00
	TAR  MemAPReg = 0x04
	DRW  MemAPReg = 0x0c
	BASE MemAPReg = 0xf8
	IDR  MemAPReg = 0xfc
)

const (
	cswDeviceEn = 0x40
	// Master type debug, privileged data access, 32-bit, auto-increment single.
	cswWordIncr = 0x23000052
)

// MemAP gives word access to the target address space through a MEM-AP.
type MemAP struct {
	dp    *DP
	apSel uint8
}

var _ probe.TargetMemReaderWriter = (*MemAP)(nil)

func NewMemAP(dp *DP, apSel uint8) *MemAP {
	return &MemAP{dp: dp, apSel: apSel}
}

func (m *MemAP) ReadReg(ctx context.Context, reg MemAPReg) (uint32, error) {
	value, err := m.dp.ReadAPReg(ctx, m.apSel, uint8(reg))
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, err
}

func (m *MemAP) WriteReg(ctx context.Context, reg MemAPReg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	return m.dp.WriteAPReg(ctx, m.apSel, uint8(reg), value)
}

func (m *MemAP) Init(ctx context.Context) error {
	csw, err := m.ReadReg(ctx, CSW)
	if err != nil {
		return errors.Trace(err)
	}
	if csw&cswDeviceEn == 0 {
		return errors.Errorf("MEM-AP is disabled")
	}
	return errors.Trace(m.WriteReg(ctx, CSW, cswWordIncr))
}

// busFault turns a FAULT acknowledge into a BusFaultError and clears the
// sticky error so that the next access can proceed.
func (m *MemAP) busFault(ctx context.Context, err error, addr uint32, length int) error {
	if !isAckFault(err) {
		return errors.Trace(err)
	}
	if cerr := m.dp.ClearErrors(ctx); cerr != nil {
		glog.Warningf("failed to clear DP errors after fault at 0x%08x: %s", addr, cerr)
	}
	return errors.Trace(&probe.BusFaultError{Addr: addr, Length: length, Detail: errors.Cause(err).Error()})
}

func (m *MemAP) ReadTargetReg(ctx context.Context, addr uint32) (uint32, error) {
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return 0, errors.Trace(err)
	}
	value, err := m.ReadReg(ctx, DRW)
	if err != nil {
		return 0, m.busFault(ctx, err, addr, 4)
	}
	glog.V(4).Infof("ReadTargetReg(0x%08x) == 0x%08x", addr, value)
	return value, nil
}

// autoIncChunk returns the number of words that can be transferred from addr
// before TAR auto-increment wraps (it only covers the low 10 bits).
func autoIncChunk(addr uint32, left int) int {
	n := int((0x400 - addr&0x3ff) / 4)
	if n > left {
		n = left
	}
	return n
}

func (m *MemAP) ReadTargetMem(ctx context.Context, addr uint32, length int) ([]uint32, error) {
	glog.V(4).Infof("ReadTargetMem(0x%08x, %d)", addr, length)
	if addr%4 != 0 {
		return nil, errors.Errorf("addr must be word-aligned, got 0x%x", addr)
	}
	res := make([]uint32, 0, length)
	for len(res) < length {
		if err := m.WriteReg(ctx, TAR, addr); err != nil {
			return nil, errors.Trace(err)
		}
		n := autoIncChunk(addr, length-len(res))
		values, err := m.dp.ReadAPRegMulti(ctx, m.apSel, uint8(DRW), n)
		if err != nil {
			return nil, m.busFault(ctx, err, addr, n*4)
		}
		res = append(res, values...)
		addr += uint32(n * 4)
	}
	return res, nil
}

func (m *MemAP) WriteTargetReg(ctx context.Context, addr uint32, value uint32) error {
	if err := m.WriteReg(ctx, TAR, addr); err != nil {
		return errors.Trace(err)
	}
	glog.V(4).Infof("WriteTargetReg(0x%08x, 0x%08x)", addr, value)
	if err := m.WriteReg(ctx, DRW, value); err != nil {
		return m.busFault(ctx, err, addr, 4)
	}
	return nil
}

func (m *MemAP) WriteTargetMem(ctx context.Context, addr uint32, data []uint32) error {
	glog.V(4).Infof("WriteTargetMem(0x%08x, %d)", addr, len(data))
	if addr%4 != 0 {
		return errors.Errorf("addr must be word-aligned, got 0x%x", addr)
	}
	for len(data) > 0 {
		if err := m.WriteReg(ctx, TAR, addr); err != nil {
			return errors.Trace(err)
		}
		n := autoIncChunk(addr, len(data))
		if err := m.dp.WriteAPRegMulti(ctx, m.apSel, uint8(DRW), data[:n]); err != nil {
			return m.busFault(ctx, err, addr, n*4)
		}
		data = data[n:]
		addr += uint32(n * 4)
	}
	return nil
}

func (r MemAPReg) String() string {
	switch r {
	case CSW:
		return "CSW"
	case TAR:
		return "TAR"
	case DRW:
		return "DRW"
	case BASE:
		return "BASE"
	case IDR:
		return "IDR"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
