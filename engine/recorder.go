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
	"sync"
	"time"

	"github.com/juju/errors"
)

// Recorder numbers samples, keeps them for the lifetime of the session and
// passes them on to the sink. It produces the summary when the session ends.
type Recorder struct {
	s      *Session
	sink   Sink
	point  string
	retain bool

	mu      sync.Mutex
	seq     uint64
	samples []*Sample
	stats   *stats
	summary *Summary
}

// NewRecorder creates the recorder of a session. A nil sink discards records.
func NewRecorder(s *Session, sink Sink, regions []MemoryRegion, point string, retain bool) *Recorder {
	if sink == nil {
		sink = SinkFunc(func(Record) error { return nil })
	}
	return &Recorder{
		s:      s,
		sink:   sink,
		point:  point,
		retain: retain,
		stats:  newStats(regions),
	}
}

// Append assigns the next sequence number to smp and records a copy of it.
// Sequence numbers start at 1. Later changes to smp do not affect the
// recorded sample.
func (r *Recorder) Append(smp *Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.summary != nil {
		return errors.Trace(&SessionClosedError{SessionID: r.s.ID})
	}
	r.seq++
	smp.Seq = r.seq
	stored := smp.clone()
	if r.retain {
		r.samples = append(r.samples, stored)
	}
	r.stats.add(stored)
	r.s.countSample()
	if err := r.sink.Emit(stored.clone()); err != nil {
		return errors.Annotatef(err, "failed to emit sample %d", stored.Seq)
	}
	return nil
}

// Samples returns copies of the recorded samples, in order.
func (r *Recorder) Samples() []*Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]*Sample, len(r.samples))
	for i, smp := range r.samples {
		res[i] = smp.clone()
	}
	return res
}

// Finalize closes the session and emits the summary. Only the first call
// emits; later calls return the same summary.
func (r *Recorder) Finalize() (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.summary != nil {
		return r.summary.clone(), nil
	}
	s := r.s
	sum := &Summary{
		SessionID: s.ID,
		Mode:      s.Mode,
		Target:    s.Target,
		Point:     r.point,
	}
	s.mu.Lock()
	sum.Start, sum.End = s.start, s.end
	sum.Duration = s.elapsedLocked(time.Now())
	sum.Steps = s.steps
	sum.Dropped = s.dropped
	sum.Transitions = s.transitions
	sum.FinalState = s.state
	sum.StopReason = s.stopReason
	sum.FaultCause = s.faultCause
	sum.Warnings = append([]string(nil), s.warnings...)
	s.mu.Unlock()
	r.stats.fill(sum)
	r.summary = sum
	if err := r.sink.Emit(sum.clone()); err != nil {
		return sum.clone(), errors.Annotatef(err, "failed to emit summary")
	}
	return sum.clone(), nil
}
