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
	"encoding/binary"
)

// simLink emulates a CMSIS-DAP probe wired to an SWD target with one MEM-AP.
type simLink struct {
	ch chan []byte

	cmds      []cmd
	ctrlStat  uint32
	selectReg uint32
	csw       uint32
	tar       uint32
	sticky    bool
	aborts    int
	closed    bool
	mem       map[uint32]uint32
	// Word accesses in [faultFrom, 0xe0000000) are answered with FAULT.
	faultFrom uint32
}

func newSimLink() *simLink {
	return &simLink{
		ch:        make(chan []byte, 1),
		mem:       map[uint32]uint32{},
		faultFrom: 0xffffffff,
	}
}

func (l *simLink) Write(data []byte) error {
	l.ch <- l.handle(data[1:])
	return nil
}

func (l *simLink) ReadCh() <-chan []byte { return l.ch }
func (l *simLink) ReadError() error      { return nil }
func (l *simLink) Close()                { l.closed = true }

func (l *simLink) handle(req []byte) []byte {
	c := cmd(req[0])
	l.cmds = append(l.cmds, c)
	switch c {
	case cmdInfo:
		switch req[1] {
		case 0xff:
			return []byte{byte(c), 2, 64, 0}
		case 3:
			return append([]byte{byte(c), 6}, "SIM123"...)
		}
		return []byte{byte(c), 0}
	case cmdConnect:
		return []byte{byte(c), byte(ConnectModeSWD)}
	case cmdTransfer:
		n := int(req[2])
		p := 3
		resp := []byte{byte(c), 0, 0}
		for i := 0; i < n; i++ {
			treq := req[p]
			p++
			var v uint32
			read := treq&2 != 0
			if !read {
				v = binary.LittleEndian.Uint32(req[p:])
				p += 4
			}
			ack := l.access(treq&1 != 0, read, treq&0xc, &v)
			if ack != AckOK {
				resp[1], resp[2] = byte(i), byte(ack)
				return resp
			}
			if read {
				resp = append(resp, 0, 0, 0, 0)
				binary.LittleEndian.PutUint32(resp[len(resp)-4:], v)
			}
		}
		resp[1], resp[2] = byte(n), byte(AckOK)
		return resp
	case cmdTransferBlock:
		n := int(binary.LittleEndian.Uint16(req[2:]))
		treq := req[4]
		p := 5
		resp := []byte{byte(c), 0, 0, 0}
		read := treq&2 != 0
		for i := 0; i < n; i++ {
			var v uint32
			if !read {
				v = binary.LittleEndian.Uint32(req[p:])
				p += 4
			}
			ack := l.access(treq&1 != 0, read, treq&0xc, &v)
			if ack != AckOK {
				binary.LittleEndian.PutUint16(resp[1:], uint16(i))
				resp[3] = byte(ack)
				return resp[:4]
			}
			if read {
				resp = append(resp, 0, 0, 0, 0)
				binary.LittleEndian.PutUint32(resp[len(resp)-4:], v)
			}
		}
		binary.LittleEndian.PutUint16(resp[1:], uint16(n))
		resp[3] = byte(AckOK)
		return resp
	}
	return []byte{byte(c), 0}
}

func (l *simLink) access(ap, read bool, reg uint8, v *uint32) TransferStatus {
	if !ap {
		switch {
		case reg == 0 && read:
			*v = 0x2ba01477
		case reg == 0:
			if *v&abortClearErrors != 0 {
				l.sticky = false
				l.aborts++
			}
		case reg == 4 && read:
			*v = l.ctrlStat | (l.ctrlStat&(ctrlCDBGPWRUPREQ|ctrlCSYSPWRUPREQ))<<1
			if l.sticky {
				*v |= ctrlSTICKYERR
			}
		case reg == 4:
			l.ctrlStat = *v
		case reg == 8 && !read:
			l.selectReg = *v
		}
		return AckOK
	}
	if l.sticky {
		return AckFault
	}
	switch uint32(reg) | (l.selectReg>>4&0xf)<<4 {
	case uint32(CSW):
		if read {
			*v = l.csw | cswDeviceEn
		} else {
			l.csw = *v
		}
	case uint32(TAR):
		if read {
			*v = l.tar
		} else {
			l.tar = *v
		}
	case uint32(DRW):
		if l.tar >= l.faultFrom && l.tar < 0xe0000000 {
			l.sticky = true
			return AckFault
		}
		if read {
			*v = l.mem[l.tar]
		} else {
			l.mem[l.tar] = *v
		}
		l.tar += 4
	}
	return AckOK
}
