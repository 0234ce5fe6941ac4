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
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/engine"
)

// stdinGate asks before every step. An empty line steps, "c" finishes the
// session.
type stdinGate struct {
	w     io.Writer
	lines chan string
}

func newStdinGate(r io.Reader, w io.Writer) *stdinGate {
	g := &stdinGate{w: w, lines: make(chan string)}
	go func() {
		defer close(g.lines)
		s := bufio.NewScanner(r)
		for s.Scan() {
			g.lines <- s.Text()
		}
	}()
	return g
}

func (g *stdinGate) Proceed(ctx context.Context, step int, last *engine.Sample) (bool, error) {
	where := ""
	if last != nil {
		where = fmt.Sprintf(" at 0x%08x", last.PC)
		if last.Function != "" {
			where += " (" + last.Function + ")"
		}
	}
	fmt.Fprintf(g.w, "step %d%s [enter: step, c: finish] ", step, where)
	select {
	case line, ok := <-g.lines:
		if !ok {
			return false, nil
		}
		switch strings.TrimSpace(line) {
		case "":
			return true, nil
		case "c", "C":
			return false, nil
		default:
			fmt.Fprintf(g.w, "unknown answer %q, finishing\n", line)
			return false, nil
		}
	case <-ctx.Done():
		return false, errors.Trace(ctx.Err())
	}
}
