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
	"bufio"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/common/ourutil"
)

// Function is a function found in a disassembly listing.
type Function struct {
	Name string
	// [Start, End) covers the function's instructions.
	Start uint32
	End   uint32
	// Calls lists the targets of the function's bl/blx instructions, in
	// order of first appearance.
	Calls []string
}

func (f *Function) Contains(addr uint32) bool {
	return addr >= f.Start && addr < f.End
}

// Listing is a parsed "objdump -d" listing.
type Listing struct {
	funcs  []*Function
	byName map[string]*Function
}

var (
	// 08000188 <main>:
	funcHeaderRe = regexp.MustCompile(`^(?P<addr>[0-9a-fA-F]+) <(?P<name>[^>]+)>:\s*$`)
	//  800018a:	f000 f801 	bl	8000190 <foo>
	insnRe = regexp.MustCompile(`^\s*(?P<addr>[0-9a-fA-F]+):\t(?P<enc>[0-9a-fA-F ]+?)\s*(\t(?P<insn>.*))?$`)
	callRe = regexp.MustCompile(`^blx?(\.\w+)?\s+[0-9a-fA-F]+ <(?P<name>[^>+]+)(\+0x[0-9a-fA-F]+)?>`)
)

func LoadListing(path string) (*Listing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open listing")
	}
	defer f.Close()
	l, err := ParseListing(f)
	if err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	glog.V(1).Infof("%s: %d functions", path, len(l.funcs))
	return l, nil
}

func ParseListing(r io.Reader) (*Listing, error) {
	l := &Listing{byName: map[string]*Function{}}
	var cur *Function
	finish := func() {
		if cur != nil && cur.End > cur.Start {
			l.funcs = append(l.funcs, cur)
			if _, dup := l.byName[cur.Name]; !dup {
				l.byName[cur.Name] = cur
			}
		}
		cur = nil
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if m := ourutil.FindNamedSubmatches(funcHeaderRe, line); m != nil {
			finish()
			addr, err := strconv.ParseUint(m["addr"], 16, 32)
			if err != nil {
				return nil, errors.Errorf("line %d: invalid address %q", lineNo, m["addr"])
			}
			cur = &Function{Name: m["name"], Start: uint32(addr), End: uint32(addr)}
			continue
		}
		m := ourutil.FindNamedSubmatches(insnRe, line)
		if m == nil || cur == nil {
			continue
		}
		addr, err := strconv.ParseUint(m["addr"], 16, 32)
		if err != nil {
			return nil, errors.Errorf("line %d: invalid address %q", lineNo, m["addr"])
		}
		size := uint64(len(strings.Replace(m["enc"], " ", "", -1)) / 2)
		if size == 0 {
			size = 2
		}
		if end := uint32(addr + size); end > cur.End {
			cur.End = end
		}
		if cm := ourutil.FindNamedSubmatches(callRe, m["insn"]); cm != nil {
			cur.addCall(cm["name"])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Annotatef(err, "line %d", lineNo)
	}
	finish()
	sort.SliceStable(l.funcs, func(i, j int) bool { return l.funcs[i].Start < l.funcs[j].Start })
	return l, nil
}

func (f *Function) addCall(name string) {
	if name == f.Name {
		return
	}
	for _, c := range f.Calls {
		if c == name {
			return
		}
	}
	f.Calls = append(f.Calls, name)
}

func (l *Listing) Functions() []*Function {
	return append([]*Function(nil), l.funcs...)
}

func (l *Listing) Function(name string) (*Function, bool) {
	f, ok := l.byName[name]
	return f, ok
}

// FunctionAt returns the name of the function that contains pc.
func (l *Listing) FunctionAt(pc uint32) (string, bool) {
	pc &^= 1
	i := sort.Search(len(l.funcs), func(i int) bool { return l.funcs[i].Start > pc })
	if i == 0 {
		return "", false
	}
	if f := l.funcs[i-1]; f.Contains(pc) {
		return f.Name, true
	}
	return "", false
}

// Callees returns the functions called directly from the named function.
// Calls to functions that are not in the listing are left out.
func (l *Listing) Callees(name string) ([]*Function, error) {
	f, ok := l.byName[name]
	if !ok {
		return nil, errors.NotFoundf("function %q", name)
	}
	var res []*Function
	for _, c := range f.Calls {
		if cf, ok := l.byName[c]; ok {
			res = append(res, cf)
		} else {
			glog.V(2).Infof("%s calls %s which is not in the listing", name, c)
		}
	}
	return res, nil
}
