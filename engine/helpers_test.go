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
	"sync"

	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe/fake"
)

const (
	codeStart = 0x08000000
	codeEnd   = 0x08100000
	ramBase   = 0x20000000
	ramSize   = 0x10000
)

func newTarget() *fake.Probe {
	p := fake.New(codeStart, codeEnd)
	p.AddMemory(ramBase, ramSize, DefaultFill)
	return p
}

type memSink struct {
	mu   sync.Mutex
	recs []Record
	err  error
}

func (s *memSink) Emit(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memSink) records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.recs...)
}

func (s *memSink) samples() []*Sample {
	var res []*Sample
	for _, r := range s.records() {
		if smp, ok := r.(*Sample); ok {
			res = append(res, smp)
		}
	}
	return res
}

func (s *memSink) summaries() []*Summary {
	var res []*Summary
	for _, r := range s.records() {
		if sum, ok := r.(*Summary); ok {
			res = append(res, sum)
		}
	}
	return res
}

type mapResolver map[string]*Resolution

func (m mapResolver) Resolve(ctx context.Context, spec string) (*Resolution, error) {
	res, ok := m[spec]
	if !ok {
		return nil, errors.NotFoundf("symbol %q", spec)
	}
	return res, nil
}

type namerFunc func(pc uint32) (string, bool)

func (f namerFunc) FunctionAt(pc uint32) (string, bool) {
	return f(pc)
}

func stackRegion() MemoryRegion {
	return MemoryRegion{
		Label:     "stack",
		Base:      ramBase,
		Length:    1024,
		Width:     WidthWord,
		Fill:      DefaultFill,
		GrowsDown: true,
	}
}

func smallRegion(label string, base uint32) MemoryRegion {
	return MemoryRegion{Label: label, Base: base, Length: 16, Width: WidthByte, Fill: DefaultFill}
}
