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
package symbols

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/mongoose-os/memprof/engine"
)

// buildELF assembles a minimal ARM image with a vector table and a symbol
// table holding one function and one object.
func buildELF(t *testing.T) []byte {
	t.Helper()
	var shstr bytes.Buffer
	shstr.WriteByte(0)
	name := func(s string) uint32 {
		off := shstr.Len()
		shstr.WriteString(s)
		shstr.WriteByte(0)
		return uint32(off)
	}
	le := binary.LittleEndian
	vec := make([]byte, 8)
	le.PutUint32(vec[0:], 0x20008000)
	le.PutUint32(vec[4:], 0x08000101)

	var symtab bytes.Buffer
	for _, s := range []elf.Sym32{
		{},
		{Name: 1, Value: 0x08000101, Size: 0x20, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC), Shndx: 1},
		{Name: 6, Value: 0x20000100, Size: 64, Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT), Shndx: 1},
	} {
		binary.Write(&symtab, le, s)
	}
	strtab := []byte("\x00main\x00buf\x00")

	type section struct {
		hdr  elf.Section32
		data []byte
	}
	sections := []*section{
		{},
		{hdr: elf.Section32{Name: name(".vector_table"), Type: uint32(elf.SHT_PROGBITS), Flags: uint32(elf.SHF_ALLOC), Addr: 0x08000000, Addralign: 4}, data: vec},
		{hdr: elf.Section32{Name: name(".symtab"), Type: uint32(elf.SHT_SYMTAB), Link: 3, Addralign: 4, Entsize: 16}, data: symtab.Bytes()},
		{hdr: elf.Section32{Name: name(".strtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}, data: strtab},
		{hdr: elf.Section32{Name: name(".shstrtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}},
	}
	sections[4].data = shstr.Bytes()

	off := uint32(52)
	var body bytes.Buffer
	for _, s := range sections[1:] {
		s.hdr.Off = off
		s.hdr.Size = uint32(len(s.data))
		body.Write(s.data)
		off += uint32(len(s.data))
		for off%4 != 0 {
			body.WriteByte(0)
			off++
		}
	}
	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_ARM),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x08000101,
		Shoff:     off,
		Ehsize:    52,
		Shentsize: 40,
		Shnum:     uint16(len(sections)),
		Shstrndx:  4,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	binary.Write(&out, le, hdr)
	out.Write(body.Bytes())
	for _, s := range sections {
		binary.Write(&out, le, s.hdr)
	}
	return out.Bytes()
}

func testELF(t *testing.T) *ELF {
	t.Helper()
	e, err := NewELF(bytes.NewReader(buildELF(t)))
	if err != nil {
		t.Fatalf("NewELF: %s", err)
	}
	return e
}

func TestStackTop(t *testing.T) {
	e := testELF(t)
	top, err := e.StackTop()
	if err != nil {
		t.Fatalf("StackTop: %s", err)
	}
	if got, want := top, uint32(0x20008000); got != want {
		t.Errorf("got 0x%x, want 0x%x", got, want)
	}
	if _, err := e.StackTop(".isr_vector"); err == nil {
		t.Errorf("expected to fail without .isr_vector")
	}
}

func TestELFSymbols(t *testing.T) {
	e := testELF(t)
	if addr, ok := e.Symbol("main"); !ok || addr != 0x08000100 {
		t.Errorf("main: got 0x%x %t", addr, ok)
	}
	if addr, ok := e.Symbol("buf"); !ok || addr != 0x20000100 {
		t.Errorf("buf: got 0x%x %t", addr, ok)
	}
	if name, ok := e.FunctionAt(0x08000111); !ok || name != "main" {
		t.Errorf("FunctionAt: got %q %t", name, ok)
	}
	if name, ok := e.FunctionAt(0x08000120); ok {
		t.Errorf("FunctionAt past the end: got %q", name)
	}
	if _, err := e.LineAddress("main.c", 3); err == nil {
		t.Errorf("expected to fail without debug info")
	}
}

func TestResolve(t *testing.T) {
	l, err := ParseListing(strings.NewReader(testListing))
	if err != nil {
		t.Fatalf("ParseListing: %s", err)
	}
	stack := engine.MemoryRegion{Label: "stack", Base: 0x20007c00, Length: 1024, Width: engine.WidthWord}
	r := &Resolver{ELF: testELF(t), Listing: l, Regions: []engine.MemoryRegion{stack}}
	ctx := context.Background()
	for _, c := range []struct {
		spec   string
		addr   uint32
		symbol string
		fail   bool
	}{
		{spec: "0x08004510", addr: 0x08004510},
		{spec: "0x0800018c", addr: 0x0800018c, symbol: "main"},
		{spec: "step", addr: 0x080001b0, symbol: "step"},
		{spec: "main", addr: 0x08000188, symbol: "main"},
		{spec: "buf", addr: 0x20000100, symbol: "buf"},
		{spec: "main.c:42", fail: true},
		{spec: "nope", fail: true},
		{spec: "0xzz", fail: true},
		{spec: "", fail: true},
	} {
		res, err := r.Resolve(ctx, c.spec)
		if c.fail {
			if err == nil {
				t.Errorf("%q: expected to fail, got %+v", c.spec, res)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %s", c.spec, err)
			continue
		}
		if res.Address != c.addr || res.Symbol != c.symbol {
			t.Errorf("%q: got 0x%x %q, want 0x%x %q", c.spec, res.Address, res.Symbol, c.addr, c.symbol)
		}
		if len(res.Regions) != 1 || res.Regions[0] != stack {
			t.Errorf("%q: regions %v", c.spec, res.Regions)
		}
	}
}

func TestSplitFileLine(t *testing.T) {
	for _, c := range []struct {
		spec string
		file string
		line int
		ok   bool
	}{
		{"main.c:42", "main.c", 42, true},
		{"src/app/main.rs:7", "src/app/main.rs", 7, true},
		{"C:/fw/main.c:7", "C:/fw/main.c", 7, true},
		{"main", "", 0, false},
		{"main.c:", "", 0, false},
		{"ns::func", "", 0, false},
	} {
		file, line, ok := splitFileLine(c.spec)
		if file != c.file || line != c.line || ok != c.ok {
			t.Errorf("%q: got %q %d %t", c.spec, file, line, ok)
		}
	}
}
