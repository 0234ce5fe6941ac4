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

// Package cmsisdap talks to ARM CMSIS-DAP (v1, HID) debug probes and exposes
// the target's memory space through the SWD debug port and a MEM-AP.
//
// Command reference:
// https://arm-software.github.io/CMSIS_5/DAP/html/group__DAP__Commands__gr.html
package cmsisdap

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe"
)

type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdSetHostStatus     cmd = 0x01
	cmdConnect           cmd = 0x02
	cmdDisconnect        cmd = 0x03
	cmdTransferConfigure cmd = 0x04
	cmdTransfer          cmd = 0x05
	cmdTransferBlock     cmd = 0x06
	cmdResetTarget       cmd = 0x0a
	cmdSWJClock          cmd = 0x11
	cmdSWJSequence       cmd = 0x12
	cmdSWDConfigure      cmd = 0x13
)

// Link is a packet channel to the probe. hid.Device satisfies it.
type Link interface {
	Write(data []byte) error
	ReadCh() <-chan []byte
	ReadError() error
	Close()
}

type StatusType uint8

const (
	StatusConnected StatusType = 0x00
	StatusRunning   StatusType = 0x01
)

type ConnectMode uint8

const (
	ConnectModeAuto ConnectMode = 0x00
	ConnectModeSWD  ConnectMode = 0x01
	ConnectModeJTAG ConnectMode = 0x02
)

type TransferOp uint8

const (
	OpRead TransferOp = iota
	OpReadMatch
	OpWrite
	OpWriteMatch
)

type TransferRequest struct {
	Op   TransferOp
	AP   bool
	Reg  uint8
	Data uint32
}

// TransferStatus is the last SWD acknowledge reported by the probe.
type TransferStatus uint8

const (
	AckOK    TransferStatus = 1
	AckWait  TransferStatus = 2
	AckFault TransferStatus = 4
)

func (ts TransferStatus) Ok() bool {
	return ts.AckValue() == AckOK && !ts.SWDError() && !ts.ValueMismatch()
}

func (ts TransferStatus) AckValue() TransferStatus {
	return ts & 7
}

func (ts TransferStatus) SWDError() bool {
	return ts&8 != 0
}

func (ts TransferStatus) ValueMismatch() bool {
	return ts&0x10 != 0
}

// TransferError is returned when the probe did not complete all of the
// transfers of a request.
type TransferError struct {
	Status TransferStatus
	Done   int
	Total  int
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed (%d/%d done, status 0x%02x)", e.Done, e.Total, uint8(e.Status))
}

func isAckFault(err error) bool {
	te, ok := errors.Cause(err).(*TransferError)
	return ok && te.Status.AckValue() == AckFault
}

func isAckWait(err error) bool {
	te, ok := errors.Cause(err).(*TransferError)
	return ok && te.Status.AckValue() == AckWait
}

// Client issues CMSIS-DAP commands over a Link, one at a time.
type Client struct {
	l             Link
	maxPacketSize int
}

// NewClient queries the packet size of the probe on the other end of l.
func NewClient(ctx context.Context, l Link) (*Client, error) {
	c := &Client{
		l:             l,
		maxPacketSize: 8, // Start with a conservative guess
	}
	resp, err := c.GetInfo(ctx, 0xff)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get max packet size")
	}
	var rl uint8
	var mps uint16
	if binary.Read(resp, binary.LittleEndian, &rl) != nil || binary.Read(resp, binary.LittleEndian, &mps) != nil {
		return nil, errors.Errorf("invalid packet size response")
	}
	c.maxPacketSize = int(mps)
	glog.V(2).Infof("max packet size: %d", c.maxPacketSize)
	return c, nil
}

func newCmd(c cmd) *bytes.Buffer {
	return bytes.NewBuffer([]uint8{
		0, // HID report number (unused)
		uint8(c),
	})
}

func (c *Client) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(args.Bytes()[1:]))
	if args.Len() > c.maxPacketSize+1 {
		return nil, errors.Errorf("packet too long (max %d, got %d)", c.maxPacketSize, args.Len()-1)
	}
	if err := c.l.Write(args.Bytes()); err != nil {
		glog.Errorf("device write failed: %s", err)
		return nil, errors.Annotatef(probe.ErrDisconnected, "device write")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "DAP exec")
	case resp, ok := <-c.l.ReadCh():
		if !ok {
			glog.Errorf("device read failed: %v", c.l.ReadError())
			return nil, errors.Annotatef(probe.ErrDisconnected, "device read")
		}
		glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
		want := args.Bytes()[1]
		if len(resp) == 0 || resp[0] != want {
			return nil, errors.Errorf("response to wrong command (want 0x%02x, got %x)", want, resp)
		}
		return bytes.NewBuffer(resp[1:]), nil
	}
}

func (c *Client) execCheckStatus(ctx context.Context, args *bytes.Buffer) error {
	op := args.Bytes()[1]
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Len() == 0 {
		return errors.Errorf("command 0x%02x: empty response", op)
	}
	if status := resp.Bytes()[0]; status != 0 {
		return errors.Errorf("command 0x%02x returned error (0x%02x)", op, status)
	}
	return nil
}

func (c *Client) GetInfo(ctx context.Context, info uint8) (*bytes.Buffer, error) {
	glog.V(3).Infof("GetInfo(%d)", info)
	args := newCmd(cmdInfo)
	args.WriteByte(info)
	resp, err := c.exec(ctx, args)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to get info 0x%02x", info)
	}
	return resp, nil
}

func (c *Client) GetInfoString(ctx context.Context, info uint8) (string, error) {
	resp, err := c.GetInfo(ctx, info)
	if err != nil {
		return "", errors.Trace(err)
	}
	sl, err := resp.ReadByte()
	if err != nil {
		return "", errors.Errorf("empty info response")
	}
	s := resp.Next(int(sl))
	return string(bytes.TrimRight(s, "\x00")), nil
}

func (c *Client) GetVendorID(ctx context.Context) (string, error) {
	return c.GetInfoString(ctx, 1)
}

func (c *Client) GetProductID(ctx context.Context) (string, error) {
	return c.GetInfoString(ctx, 2)
}

func (c *Client) GetSerialNumber(ctx context.Context) (string, error) {
	return c.GetInfoString(ctx, 3)
}

func (c *Client) GetFirmwareVersion(ctx context.Context) (string, error) {
	return c.GetInfoString(ctx, 4)
}

func (c *Client) SetHostStatus(ctx context.Context, st StatusType, value bool) error {
	args := newCmd(cmdSetHostStatus)
	args.WriteByte(uint8(st))
	if value {
		args.WriteByte(1)
	} else {
		args.WriteByte(0)
	}
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *Client) Connect(ctx context.Context, mode ConnectMode) error {
	glog.V(3).Infof("Connect(%d)", mode)
	args := newCmd(cmdConnect)
	args.WriteByte(uint8(mode))
	resp, err := c.exec(ctx, args)
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Len() == 0 || resp.Bytes()[0] == 0 {
		return errors.Errorf("connect error")
	}
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	return errors.Trace(c.execCheckStatus(ctx, newCmd(cmdDisconnect)))
}

func (c *Client) TransferConfigure(ctx context.Context, idleCycles uint8, waitRetry uint16, matchRetry uint16) error {
	glog.V(3).Infof("TransferConfigure(%d, %d, %d)", idleCycles, waitRetry, matchRetry)
	args := newCmd(cmdTransferConfigure)
	binary.Write(args, binary.LittleEndian, idleCycles)
	binary.Write(args, binary.LittleEndian, waitRetry)
	binary.Write(args, binary.LittleEndian, matchRetry)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func transferRequestByte(ap bool, reg uint8, op TransferOp) uint8 {
	treq := reg & 0xc
	if ap {
		treq |= 1 << 0
	}
	switch op {
	case OpRead:
		treq |= 1 << 1
	case OpReadMatch:
		treq |= 1<<1 | 1<<4
	case OpWriteMatch:
		treq |= 1 << 5
	}
	return treq
}

func (c *Client) doTransfer(ctx context.Context, reqs []TransferRequest) ([]uint32, error) {
	args := newCmd(cmdTransfer)
	args.WriteByte(0) // DAP index, ignored for SWD.
	args.WriteByte(uint8(len(reqs)))
	for i, req := range reqs {
		if req.Reg&3 != 0 {
			return nil, errors.Errorf("treq %d invalid reg 0x%x", i, req.Reg)
		}
		args.WriteByte(transferRequestByte(req.AP, req.Reg, req.Op))
		if req.Op != OpRead {
			binary.Write(args, binary.LittleEndian, req.Data)
		}
	}
	resp, err := c.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tc uint8
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, errors.Errorf("response is too short")
	}
	if !st.Ok() || int(tc) != len(reqs) {
		return nil, errors.Trace(&TransferError{Status: st, Done: int(tc), Total: len(reqs)})
	}
	var data []uint32
	for _, req := range reqs {
		if req.Op != OpRead {
			continue
		}
		var d uint32
		if binary.Read(resp, binary.LittleEndian, &d) != nil {
			return nil, errors.Errorf("response is too short")
		}
		data = append(data, d)
	}
	return data, nil
}

// Transfer performs a sequence of single register transfers, retrying on
// WAIT. It returns the values of the read requests.
func (c *Client) Transfer(ctx context.Context, reqs []TransferRequest) ([]uint32, error) {
	var err error
	for i := 0; i < 5; i++ {
		var res []uint32
		res, err = c.doTransfer(ctx, reqs)
		if err != nil && isAckWait(err) {
			continue
		}
		return res, err
	}
	return nil, errors.Annotatef(err, "transfer timeout")
}

// TransferBlockMaxSize is the number of words that fit in a single block
// transfer.
func (c *Client) TransferBlockMaxSize() int {
	headerLen := 1 /* op */ + 1 /* dap index */ + 2 /* transfer count */ + 1 /* request */
	return (c.maxPacketSize - headerLen) / 4
}

func (c *Client) transferBlock(ctx context.Context, ap bool, reg uint8, op TransferOp, n int, data []uint32) (*bytes.Buffer, error) {
	if reg&3 != 0 {
		return nil, errors.Errorf("invalid reg 0x%x", reg)
	}
	if n > c.TransferBlockMaxSize() {
		return nil, errors.Errorf("request too big (max %d, got %d)", c.TransferBlockMaxSize(), n)
	}
	args := newCmd(cmdTransferBlock)
	args.WriteByte(0)
	binary.Write(args, binary.LittleEndian, uint16(n))
	args.WriteByte(transferRequestByte(ap, reg, op))
	for _, v := range data {
		binary.Write(args, binary.LittleEndian, v)
	}
	resp, err := c.exec(ctx, args)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var tc uint16
	var st TransferStatus
	if binary.Read(resp, binary.LittleEndian, &tc) != nil ||
		binary.Read(resp, binary.LittleEndian, &st) != nil {
		return nil, errors.Errorf("response is too short")
	}
	if !st.Ok() || int(tc) != n {
		return nil, errors.Trace(&TransferError{Status: st, Done: int(tc), Total: n})
	}
	return resp, nil
}

func (c *Client) TransferBlockRead(ctx context.Context, ap bool, reg uint8, length int) ([]uint32, error) {
	glog.V(3).Infof("TransferBlockRead(%t, 0x%x, %d)", ap, reg, length)
	resp, err := c.transferBlock(ctx, ap, reg, OpRead, length, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	res := make([]uint32, length)
	if err := binary.Read(resp, binary.LittleEndian, res); err != nil {
		return nil, errors.Errorf("response is too short")
	}
	return res, nil
}

func (c *Client) TransferBlockWrite(ctx context.Context, ap bool, reg uint8, data []uint32) error {
	glog.V(3).Infof("TransferBlockWrite(%t, 0x%x, %d)", ap, reg, len(data))
	_, err := c.transferBlock(ctx, ap, reg, OpWrite, len(data), data)
	return errors.Trace(err)
}

func (c *Client) ResetTarget(ctx context.Context) error {
	return errors.Trace(c.execCheckStatus(ctx, newCmd(cmdResetTarget)))
}

func (c *Client) SWJClock(ctx context.Context, clockHz uint32) error {
	glog.V(3).Infof("SWJClock(%d)", clockHz)
	args := newCmd(cmdSWJClock)
	binary.Write(args, binary.LittleEndian, clockHz)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *Client) SWJSequence(ctx context.Context, numBits int, data []uint8) error {
	glog.V(3).Infof("SWJSequence(%d, %v)", numBits, data)
	if numBits < 1 || numBits > 256 {
		return errors.Errorf("length must be between 1 and 256 (got %d)", numBits)
	}
	args := newCmd(cmdSWJSequence)
	args.WriteByte(uint8(numBits)) // 256 is encoded as 0.
	args.Write(data)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *Client) SWDConfigure(ctx context.Context, config uint8) error {
	glog.V(3).Infof("SWDConfigure(0x%02x)", config)
	args := newCmd(cmdSWDConfigure)
	args.WriteByte(config)
	return errors.Trace(c.execCheckStatus(ctx, args))
}

func (c *Client) Close(ctx context.Context) error {
	if c.l != nil {
		c.l.Close()
		c.l = nil
	}
	return nil
}
