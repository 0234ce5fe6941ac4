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
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// Sections that hold the vector table, whose first word is the initial
// stack pointer.
var VectorTableSections = []string{".vector_table", ".isr_vector"}

type elfSymbol struct {
	name  string
	start uint32
	end   uint32
}

// ELF gives access to the symbols, line table and vector table of a
// firmware image.
type ELF struct {
	f     *elf.File
	funcs []elfSymbol
	names map[string]uint32
}

func OpenELF(path string) (*ELF, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open ELF file")
	}
	e, err := newELF(f)
	if err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "%s", path)
	}
	return e, nil
}

// NewELF reads an ELF image from r.
func NewELF(r io.ReaderAt) (*ELF, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid ELF file")
	}
	return newELF(f)
}

func newELF(f *elf.File) (*ELF, error) {
	if f.Class != elf.ELFCLASS32 {
		return nil, errors.Errorf("not a 32-bit image (%s)", f.Class)
	}
	e := &ELF{f: f, names: map[string]uint32{}}
	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, errors.Annotatef(err, "failed to read symbols")
	}
	for _, s := range syms {
		if s.Name == "" {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC:
			// Thumb function addresses have bit 0 set.
			start := uint32(s.Value) &^ 1
			e.funcs = append(e.funcs, elfSymbol{name: s.Name, start: start, end: start + uint32(s.Size)})
			e.names[s.Name] = start
		case elf.STT_OBJECT, elf.STT_NOTYPE:
			if _, ok := e.names[s.Name]; !ok {
				e.names[s.Name] = uint32(s.Value)
			}
		}
	}
	sort.Slice(e.funcs, func(i, j int) bool { return e.funcs[i].start < e.funcs[j].start })
	glog.V(1).Infof("ELF: %d symbols, %d functions", len(e.names), len(e.funcs))
	return e, nil
}

func (e *ELF) Close() error {
	return e.f.Close()
}

// StackTop returns the initial stack pointer from the vector table, looking
// in the given sections or VectorTableSections if none are given.
func (e *ELF) StackTop(sections ...string) (uint32, error) {
	if len(sections) == 0 {
		sections = VectorTableSections
	}
	for _, name := range sections {
		s := e.f.Section(name)
		if s == nil {
			continue
		}
		data := make([]byte, 4)
		if _, err := s.ReadAt(data, 0); err != nil {
			return 0, errors.Annotatef(err, "failed to read %s", name)
		}
		return binary.LittleEndian.Uint32(data), nil
	}
	return 0, errors.NotFoundf("vector table (sections %s)", strings.Join(sections, ", "))
}

// Symbol returns the address of a function or data symbol.
func (e *ELF) Symbol(name string) (uint32, bool) {
	addr, ok := e.names[name]
	return addr, ok
}

func (e *ELF) FunctionAt(pc uint32) (string, bool) {
	pc &^= 1
	i := sort.Search(len(e.funcs), func(i int) bool { return e.funcs[i].start > pc })
	if i == 0 {
		return "", false
	}
	if s := e.funcs[i-1]; pc < s.end || (s.end == s.start && pc == s.start) {
		return s.name, true
	}
	return "", false
}

// LineAddress returns the lowest address of the statements generated for
// file:line. file matches any path with the same trailing components.
func (e *ELF) LineAddress(file string, line int) (uint32, error) {
	d, err := e.f.DWARF()
	if err != nil {
		return 0, errors.Annotatef(err, "no debug information")
	}
	file = filepath.ToSlash(filepath.Clean(file))
	found := false
	var best uint64
	r := d.Reader()
	for {
		ent, err := r.Next()
		if err != nil {
			return 0, errors.Annotatef(err, "failed to read debug information")
		}
		if ent == nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lr, err := d.LineReader(ent)
		if err != nil || lr == nil {
			continue
		}
		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				if err != io.EOF {
					glog.V(1).Infof("line table: %s", err)
				}
				break
			}
			if le.Line != line || !le.IsStmt || le.File == nil || !pathMatches(le.File.Name, file) {
				continue
			}
			if !found || le.Address < best {
				best, found = le.Address, true
			}
		}
	}
	if !found {
		return 0, errors.NotFoundf("code for %s:%d", file, line)
	}
	return uint32(best), nil
}

func pathMatches(full, suffix string) bool {
	full = filepath.ToSlash(full)
	return full == suffix || strings.HasSuffix(full, "/"+suffix)
}
