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
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mongoose-os/memprof/probe"
)

// stub is a minimal gdb server for a Cortex-M target.
type stub struct {
	conn   net.Conn
	out    chan []byte
	mem    map[uint32]byte
	regs   [19]uint32
	halted bool
	bps    map[uint32]bool
	// Report hitting the first breakpoint as soon as the core is resumed.
	hitOnContinue bool
}

func startStub(t *testing.T) (*stub, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := &stub{
		conn:   server,
		out:    make(chan []byte, 16),
		mem:    map[uint32]byte{},
		halted: true,
		bps:    map[uint32]bool{},
	}
	s.regs[15] = 0x08000100
	go func() {
		for b := range s.out {
			if _, err := server.Write(b); err != nil {
				return
			}
		}
	}()
	go s.serve()
	t.Cleanup(func() { server.Close() })
	return s, client
}

func (s *stub) reply(payload string) {
	s.out <- encodePacket([]byte(payload))
}

func (s *stub) serve() {
	r := bufio.NewReader(s.conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			close(s.out)
			return
		}
		switch b {
		case 0x03:
			if !s.halted {
				s.halted = true
				s.reply("S02")
			}
		case '$':
			body, err := r.ReadBytes('#')
			if err != nil {
				close(s.out)
				return
			}
			if _, err := io.ReadFull(r, make([]byte, 2)); err != nil {
				close(s.out)
				return
			}
			s.out <- []byte{'+'}
			s.handle(string(body[:len(body)-1]))
		}
	}
}

func (s *stub) handle(cmd string) {
	var addr, n uint32
	switch {
	case cmd == "?":
		s.reply("S05")
	case cmd == "g":
		buf := make([]byte, len(s.regs)*4)
		for i, r := range s.regs {
			binary.LittleEndian.PutUint32(buf[i*4:], r)
		}
		s.reply(hex.EncodeToString(buf))
	case cmd[0] == 'm':
		fmt.Sscanf(cmd, "m%x,%x", &addr, &n)
		if addr >= 0x30000000 && addr < 0xe0000000 {
			s.reply("E01")
			return
		}
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = s.mem[addr+uint32(i)]
		}
		s.reply(hex.EncodeToString(buf))
	case cmd[0] == 'M':
		parts := strings.SplitN(cmd, ":", 2)
		fmt.Sscanf(parts[0], "M%x,%x", &addr, &n)
		data, _ := hex.DecodeString(parts[1])
		for i, b := range data {
			s.mem[addr+uint32(i)] = b
		}
		s.reply("OK")
	case strings.HasPrefix(cmd, "Z1,"):
		fmt.Sscanf(cmd, "Z1,%x,", &addr)
		s.bps[addr] = true
		s.reply("OK")
	case strings.HasPrefix(cmd, "z1,"):
		fmt.Sscanf(cmd, "z1,%x,", &addr)
		delete(s.bps, addr)
		s.reply("OK")
	case cmd == "c":
		s.halted = false
		if s.hitOnContinue {
			for a := range s.bps {
				s.regs[15] = a
				s.halted = true
				s.reply("T05hwbreak:;thread:1;")
				break
			}
		}
	case cmd == "s":
		s.regs[15] += 2
		s.reply("T05thread:1;")
	case cmd == "D":
		s.reply("OK")
	case strings.HasPrefix(cmd, "qRcmd,"):
		s.reply("O" + hex.EncodeToString([]byte("resetting\n")))
		s.regs[15] = 0x08000000
		s.reply("OK")
	default:
		s.reply("")
	}
}

func newTestClient(t *testing.T, maxBreakpoints int) (*Client, *stub) {
	t.Helper()
	s, conn := startStub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, err := NewClient(ctx, conn, maxBreakpoints)
	if err != nil {
		t.Fatalf("NewClient: %s", err)
	}
	return cl, s
}

func waitHalted(t *testing.T, cl *Client) probe.Status {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		st, err := cl.CoreStatus(ctx)
		if err != nil {
			t.Fatalf("CoreStatus: %s", err)
		}
		if st.State != probe.CoreRunning {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("core did not halt")
	return probe.Status{}
}

func TestClientMemoryAndRegisters(t *testing.T) {
	cl, s := newTestClient(t, 6)
	ctx := context.Background()
	for i := uint32(0); i < 8; i++ {
		s.mem[0x20000000+i] = byte(i + 1)
	}
	data, err := cl.ReadMemory(ctx, 0x20000000, 8)
	if err != nil {
		t.Fatalf("ReadMemory: %s", err)
	}
	if got, want := hex.EncodeToString(data), "0102030405060708"; got != want {
		t.Errorf("ReadMemory = %s, want %s", got, want)
	}
	if _, err := cl.ReadMemory(ctx, 0x30000000, 4); !probe.IsBusFault(err) {
		t.Errorf("unmapped read: got %v, want bus fault", err)
	}
	if err := cl.WriteMemory(ctx, 0x20000010, []byte{0x55, 0x55}); err != nil {
		t.Fatalf("WriteMemory: %s", err)
	}
	data, err = cl.ReadMemory(ctx, 0x20000010, 2)
	if err != nil || data[0] != 0x55 || data[1] != 0x55 {
		t.Errorf("read back %v, %v", data, err)
	}
	regs, err := cl.ReadRegisters(ctx)
	if err != nil {
		t.Fatalf("ReadRegisters: %s", err)
	}
	if got, want := regs.PC(), uint32(0x08000100); got != want {
		t.Errorf("PC = 0x%x, want 0x%x", got, want)
	}
}

func TestClientStepAndBreakpoint(t *testing.T) {
	cl, s := newTestClient(t, 2)
	s.hitOnContinue = true
	ctx := context.Background()

	if err := cl.Step(ctx); err != nil {
		t.Fatalf("Step: %s", err)
	}
	st, _ := cl.CoreStatus(ctx)
	if st.State != probe.CoreHalted || st.Reason != probe.HaltStep {
		t.Errorf("after step: %s", st)
	}

	if err := cl.SetBreakpoint(ctx, 0x08000200); err != nil {
		t.Fatalf("SetBreakpoint: %s", err)
	}
	if err := cl.SetBreakpoint(ctx, 0x08000300); err != nil {
		t.Fatalf("SetBreakpoint: %s", err)
	}
	if err := cl.SetBreakpoint(ctx, 0x08000400); !probe.IsNoBreakpointSlots(err) {
		t.Errorf("third breakpoint: got %v, want no slots", err)
	}
	if err := cl.ClearBreakpoint(ctx, 0x08000300); err != nil {
		t.Fatalf("ClearBreakpoint: %s", err)
	}

	if err := cl.Resume(ctx); err != nil {
		t.Fatalf("Resume: %s", err)
	}
	st = waitHalted(t, cl)
	if st.Reason != probe.HaltBreakpoint {
		t.Errorf("after resume: %s", st)
	}
	regs, err := cl.ReadRegisters(ctx)
	if err != nil {
		t.Fatalf("ReadRegisters: %s", err)
	}
	if got, want := regs.PC(), uint32(0x08000200); got != want {
		t.Errorf("PC = 0x%x, want 0x%x", got, want)
	}
}

func TestClientHaltAndReset(t *testing.T) {
	cl, _ := newTestClient(t, 6)
	ctx := context.Background()
	if err := cl.Resume(ctx); err != nil {
		t.Fatalf("Resume: %s", err)
	}
	st, err := cl.CoreStatus(ctx)
	if err != nil || st.State != probe.CoreRunning {
		t.Fatalf("CoreStatus = %s, %v", st, err)
	}
	if err := cl.Halt(ctx); err != nil {
		t.Fatalf("Halt: %s", err)
	}
	st, _ = cl.CoreStatus(ctx)
	if st.Reason != probe.HaltRequest {
		t.Errorf("after halt: %s", st)
	}
	out, err := cl.Monitor(ctx, "reset halt")
	if err != nil {
		t.Fatalf("Monitor: %s", err)
	}
	if got, want := out, "resetting\n"; got != want {
		t.Errorf("monitor output %q, want %q", got, want)
	}
	if err := cl.ResetHalt(ctx); err != nil {
		t.Fatalf("ResetHalt: %s", err)
	}
	if err := cl.Close(ctx); err != nil {
		t.Errorf("Close: %s", err)
	}
}

func TestClientDisconnect(t *testing.T) {
	cl, s := newTestClient(t, 6)
	s.conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cl.ReadMemory(ctx, 0x20000000, 4); !probe.IsDisconnected(err) {
		t.Errorf("got %v, want disconnected", err)
	}
}
