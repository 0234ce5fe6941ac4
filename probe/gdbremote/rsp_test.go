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
package gdbremote

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/mongoose-os/memprof/probe"
)

func TestEncodePacket(t *testing.T) {
	for _, c := range []struct {
		payload string
		want    string
	}{
		{"?", "$?#3f"},
		{"m20000000,4", "$m20000000,4#4f"},
		{"X#", "$X}\x03#d8"},
	} {
		if got := string(encodePacket([]byte(c.payload))); got != c.want {
			t.Errorf("encodePacket(%q) = %q, want %q", c.payload, got, c.want)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	for _, c := range []struct {
		body string
		want string
		ok   bool
	}{
		{"OK", "OK", true},
		{"0* ", "0000", true},    // ' ' is 32: three more
		{"ab}\x03cd", "ab#cd", true},
		{"*!", "", false},
		{"x}", "", false},
	} {
		got, err := decodePayload([]byte(c.body))
		if (err == nil) != c.ok {
			t.Errorf("decodePayload(%q) err = %v", c.body, err)
			continue
		}
		if c.ok && string(got) != c.want {
			t.Errorf("decodePayload(%q) = %q, want %q", c.body, got, c.want)
		}
	}
}

func TestParseStopReply(t *testing.T) {
	for _, c := range []struct {
		name     string
		reply    string
		running  bool
		stepping bool
		want     probe.Status
	}{
		{"interrupt", "S02", true, false, probe.Status{State: probe.CoreHalted, Reason: probe.HaltRequest}},
		{"hwbreak", "T05hwbreak:;thread:1;", true, false, probe.Status{State: probe.CoreHalted, Reason: probe.HaltBreakpoint}},
		{"step", "T05thread:1;", true, true, probe.Status{State: probe.CoreHalted, Reason: probe.HaltStep}},
		{"trap while running", "S05", true, false, probe.Status{State: probe.CoreHalted, Reason: probe.HaltBreakpoint}},
		{"watch", "T05watch:20000010;", true, false, probe.Status{State: probe.CoreHalted, Reason: probe.HaltWatchpoint}},
		{"segv", "S0b", true, false, probe.Status{State: probe.CoreFaulted, Cause: "signal 11"}},
		{"exited", "W00", true, false, probe.Status{State: probe.CoreFaulted, Cause: "target exited (W00)"}},
	} {
		t.Run(c.name, func(t *testing.T) {
			cl := &Client{running: c.running, stepping: c.stepping}
			got, err := cl.parseStopReply([]byte(c.reply))
			if err != nil {
				t.Fatalf("parseStopReply: %s", err)
			}
			if got != c.want {
				t.Errorf("got %+v, want %+v", got, c.want)
			}
		})
	}
	cl := &Client{}
	if _, err := cl.parseStopReply([]byte("OK")); err == nil {
		t.Errorf("OK accepted as a stop reply")
	}
}

func TestDecodeRegisters(t *testing.T) {
	words := func(n int) []byte {
		var buf bytes.Buffer
		for i := 0; i < n; i++ {
			binary.Write(&buf, binary.LittleEndian, uint32(0x100+i))
		}
		return buf.Bytes()
	}
	regs, err := decodeRegisters(words(19))
	if err != nil {
		t.Fatalf("decodeRegisters: %s", err)
	}
	if regs.PC() != 0x10f || regs.SP() != 0x10d || regs.XPSR != 0x110 || regs.MSP != 0x111 || regs.PSP != 0x112 {
		t.Errorf("M-profile layout: got %s", regs)
	}

	legacy := make([]byte, 16*4+8*12+4+4)
	copy(legacy, words(16))
	binary.LittleEndian.PutUint32(legacy[len(legacy)-4:], 0x01000003)
	regs, err = decodeRegisters(legacy)
	if err != nil {
		t.Fatalf("decodeRegisters: %s", err)
	}
	if regs.XPSR != 0x01000003 || regs.ExceptionNumber() != 3 {
		t.Errorf("legacy layout: xPSR = 0x%x", regs.XPSR)
	}

	if _, err := decodeRegisters(words(10)); err == nil {
		t.Errorf("short reply accepted")
	}
}
