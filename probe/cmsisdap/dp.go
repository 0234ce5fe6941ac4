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
)

type DPReg uint8

const (
	DPIDR      DPReg = 0x00 // Read
	DPABORT    DPReg = 0x00 // Write
	DPCTRLSTAT DPReg = 0x04
	DPSELECT   DPReg = 0x08
	DPRDBUFF   DPReg = 0x0c
)

const (
	ctrlCSYSPWRUPACK = 0x80000000
	ctrlCSYSPWRUPREQ = 0x40000000
	ctrlCDBGPWRUPACK = 0x20000000
	ctrlCDBGPWRUPREQ = 0x10000000
	ctrlSTICKYERR    = 0x00000020

	// STKCMPCLR | STKERRCLR | WDERRCLR | ORUNERRCLR
	abortClearErrors = 0x1e

	// Bounds the power-up handshake; a live DP acks within a few polls.
	maxPowerUpPolls = 100
)

// DP is the SWD debug port of the target, reached through the probe.
type DP struct {
	c *Client

	selectValue uint32
}

func NewDP(c *Client) *DP {
	return &DP{c: c, selectValue: 0xffffffff}
}

func (dp *DP) readReg(ctx context.Context, reg uint8, ap bool) (uint32, error) {
	data, err := dp.c.Transfer(ctx, []TransferRequest{
		{Op: OpRead, AP: ap, Reg: reg},
	})
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read reg 0x%x (ap %t)", reg, ap)
	}
	return data[0], nil
}

func (dp *DP) writeReg(ctx context.Context, reg uint8, ap bool, value uint32) error {
	_, err := dp.c.Transfer(ctx, []TransferRequest{
		{Op: OpWrite, AP: ap, Reg: reg, Data: value},
	})
	return errors.Annotatef(err, "failed to write reg 0x%x (ap %t)", reg, ap)
}

func (dp *DP) ReadDPReg(ctx context.Context, reg DPReg) (uint32, error) {
	value, err := dp.readReg(ctx, uint8(reg), false /* ap */)
	glog.V(4).Infof("%s == 0x%08x", reg, value)
	return value, err
}

func (dp *DP) WriteDPReg(ctx context.Context, reg DPReg, value uint32) error {
	glog.V(4).Infof("%s = 0x%08x", reg, value)
	return errors.Trace(dp.writeReg(ctx, uint8(reg), false /* ap */, value))
}

// Init reads the DP ID, powers up the debug and system domains and clears
// sticky errors.
func (dp *DP) Init(ctx context.Context) error {
	idr, err := dp.ReadDPReg(ctx, DPIDR)
	if err != nil {
		return errors.Annotatef(err, "failed to read DP ID")
	}
	glog.V(1).Infof("DPIDR: %s", DPIDRValue(idr))
	if err := dp.ClearErrors(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := dp.selectAP(ctx, 0, 0); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(dp.powerUp(ctx))
}

func (dp *DP) powerUp(ctx context.Context) error {
	reqMask := uint32(ctrlCDBGPWRUPREQ | ctrlCSYSPWRUPREQ)
	ackMask := uint32(ctrlCDBGPWRUPACK | ctrlCSYSPWRUPACK)
	for i := 0; i < maxPowerUpPolls; i++ {
		stat, err := dp.ReadDPReg(ctx, DPCTRLSTAT)
		if err != nil {
			return errors.Annotatef(err, "failed to read DPCTRLSTAT")
		}
		if stat&0xf0000000 == reqMask|ackMask {
			return nil
		}
		if err := dp.WriteDPReg(ctx, DPCTRLSTAT, (stat&0x07ffffff)|reqMask); err != nil {
			return errors.Annotatef(err, "failed to write DPCTRLSTAT")
		}
	}
	return errors.Errorf("debug power-up not acknowledged")
}

// ClearErrors clears the sticky error flags. Until they are cleared the DP
// answers every AP access with FAULT.
func (dp *DP) ClearErrors(ctx context.Context) error {
	return errors.Annotatef(dp.WriteDPReg(ctx, DPABORT, abortClearErrors), "failed to clear sticky errors")
}

func (dp *DP) selectAP(ctx context.Context, apSel, apBank uint8) error {
	sv := (uint32(apSel) << 24) | ((uint32(apBank) & 0xf) << 4)
	if sv == dp.selectValue {
		return nil
	}
	if err := dp.WriteDPReg(ctx, DPSELECT, sv); err != nil {
		dp.selectValue = 0xffffffff
		return errors.Annotatef(err, "failed to select AP %d bank %d", apSel, apBank)
	}
	dp.selectValue = sv
	return nil
}

func (dp *DP) ReadAPReg(ctx context.Context, apSel, apReg uint8) (uint32, error) {
	if err := dp.selectAP(ctx, apSel, apReg/16); err != nil {
		return 0, errors.Trace(err)
	}
	return dp.readReg(ctx, apReg%16, true /* ap */)
}

func (dp *DP) WriteAPReg(ctx context.Context, apSel, apReg uint8, value uint32) error {
	if err := dp.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	return dp.writeReg(ctx, apReg%16, true /* ap */, value)
}

// ReadAPRegMulti reads the same AP register length times, in as few block
// transfers as the packet size allows.
func (dp *DP) ReadAPRegMulti(ctx context.Context, apSel, apReg uint8, length int) ([]uint32, error) {
	if err := dp.selectAP(ctx, apSel, apReg/16); err != nil {
		return nil, errors.Trace(err)
	}
	maxChunk := dp.c.TransferBlockMaxSize()
	res := make([]uint32, 0, length)
	for length > 0 {
		n := length
		if n > maxChunk {
			n = maxChunk
		}
		chunk, err := dp.c.TransferBlockRead(ctx, true /* ap */, apReg%16, n)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res = append(res, chunk...)
		length -= n
	}
	return res, nil
}

func (dp *DP) WriteAPRegMulti(ctx context.Context, apSel, apReg uint8, values []uint32) error {
	if err := dp.selectAP(ctx, apSel, apReg/16); err != nil {
		return errors.Trace(err)
	}
	maxChunk := dp.c.TransferBlockMaxSize()
	for len(values) > 0 {
		chunk := values
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		if err := dp.c.TransferBlockWrite(ctx, true /* ap */, apReg%16, chunk); err != nil {
			return errors.Trace(err)
		}
		values = values[len(chunk):]
	}
	return nil
}

type DPIDRValue uint32

func (v DPIDRValue) Designer() uint16 {
	return uint16(v>>1) & 0x7ff
}

func (v DPIDRValue) Version() uint8 {
	return uint8((v >> 12) & 0xf)
}

func (v DPIDRValue) Revision() uint8 {
	return uint8((v >> 28) & 0xf)
}

func (v DPIDRValue) String() string {
	designer := fmt.Sprintf("0x%03x", v.Designer())
	if v.Designer() == 0x23b {
		designer = "ARM"
	}
	return fmt.Sprintf("0x%08x (designer %s, DPv%d, rev %d)", uint32(v), designer, v.Version(), v.Revision())
}

func (r DPReg) String() string {
	switch r {
	case DPIDR:
		return "DPIDR"
	case DPCTRLSTAT:
		return "DPCTRLSTAT"
	case DPSELECT:
		return "DPSELECT"
	case DPRDBUFF:
		return "DPRDBUFF"
	}
	return fmt.Sprintf("0x%x", uint8(r))
}
