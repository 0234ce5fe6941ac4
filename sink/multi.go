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
package sink

import (
	"io"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/common/multierror"
	"github.com/mongoose-os/memprof/engine"
)

// Multi emits every record to all of its sinks, even if some fail.
type Multi []engine.Sink

func (m Multi) Emit(rec engine.Record) error {
	var errs error
	for _, s := range m {
		if err := s.Emit(rec); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// Close closes the sinks that can be closed.
func (m Multi) Close() error {
	var errs error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	return errs
}

// BestEffort wraps a sink whose failures must not end the session. Errors are
// logged and counted.
type BestEffort struct {
	Name string
	S    engine.Sink

	mu     sync.Mutex
	failed int
}

func (b *BestEffort) Emit(rec engine.Record) error {
	if err := b.S.Emit(rec); err != nil {
		b.mu.Lock()
		b.failed++
		n := b.failed
		b.mu.Unlock()
		glog.Warningf("%s: failed to emit %s (%d failures): %s", b.Name, rec.RecordType(), n, err)
	}
	return nil
}

func (b *BestEffort) Failed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed
}

func (b *BestEffort) Close() error {
	if c, ok := b.S.(io.Closer); ok {
		return errors.Annotatef(c.Close(), "%s", b.Name)
	}
	return nil
}
