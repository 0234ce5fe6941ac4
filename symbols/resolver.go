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

// Package symbols resolves monitoring points and attributes code addresses
// to functions, using an ELF image and/or an objdump listing.
package symbols

import (
	"context"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/common/ourutil"
	"github.com/mongoose-os/memprof/engine"
)

// Resolver resolves point specs of the following forms:
//
//	0x08004510   an address
//	main_loop    a function or symbol name
//	main.c:42    a source line (requires an ELF file with debug info)
//
// Every resolution carries the same region set.
type Resolver struct {
	ELF     *ELF
	Listing *Listing
	Regions []engine.MemoryRegion
}

var _ engine.Resolver = (*Resolver)(nil)
var _ engine.FunctionNamer = (*Resolver)(nil)

func (r *Resolver) Resolve(ctx context.Context, point string) (*engine.Resolution, error) {
	point = strings.TrimSpace(point)
	res := &engine.Resolution{Regions: append([]engine.MemoryRegion(nil), r.Regions...)}
	switch {
	case point == "":
		return nil, errors.NotValidf("empty point")
	case strings.HasPrefix(point, "0x") || strings.HasPrefix(point, "0X"):
		addr, err := ourutil.ParseUint32(point)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res.Address = addr
		res.Symbol, _ = r.FunctionAt(addr)
		return res, nil
	}
	if file, line, ok := splitFileLine(point); ok {
		if r.ELF == nil {
			return nil, errors.NotSupportedf("source lines without an ELF file")
		}
		addr, err := r.ELF.LineAddress(file, line)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res.Address, res.Symbol = addr, point
		return res, nil
	}
	if r.Listing != nil {
		if f, ok := r.Listing.Function(point); ok {
			res.Address, res.Symbol = f.Start, f.Name
			return res, nil
		}
	}
	if r.ELF != nil {
		if addr, ok := r.ELF.Symbol(point); ok {
			res.Address, res.Symbol = addr, point
			return res, nil
		}
	}
	return nil, errors.NotFoundf("symbol %q", point)
}

// FunctionAt attributes pc to a function, preferring the listing.
func (r *Resolver) FunctionAt(pc uint32) (string, bool) {
	if r.Listing != nil {
		if name, ok := r.Listing.FunctionAt(pc); ok {
			return name, true
		}
	}
	if r.ELF != nil {
		return r.ELF.FunctionAt(pc)
	}
	return "", false
}

func splitFileLine(point string) (string, int, bool) {
	i := strings.LastIndex(point, ":")
	if i <= 0 || i == len(point)-1 {
		return "", 0, false
	}
	line, err := strconv.Atoi(point[i+1:])
	if err != nil || line <= 0 {
		return "", 0, false
	}
	return point[:i], line, true
}
