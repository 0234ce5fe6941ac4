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
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe"
)

type SampleStatus string

const (
	StatusComplete SampleStatus = "complete"
	StatusPartial  SampleStatus = "partial"
	StatusFaulted  SampleStatus = "faulted"
)

type StopReason string

const (
	StopUser            StopReason = "user"
	StopRepeatExhausted StopReason = "repeat-exhausted"
	StopStepLimit       StopReason = "step-limit"
	StopDuration        StopReason = "duration"
	StopAborted         StopReason = "aborted"
	StopFault           StopReason = "fault"
)

// HexBytes is a byte slice that is marshaled to JSON as a hex string.
type HexBytes []byte

func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Trace(err)
	}
	v, err := hex.DecodeString(s)
	if err != nil {
		return errors.Trace(err)
	}
	*b = v
	return nil
}

// RegionCapture is the content of one region in a sample. A missing region
// has no data and carries the reason in Error.
type RegionCapture struct {
	Label   string   `json:"label"`
	Base    uint32   `json:"base"`
	Length  int      `json:"length"`
	Missing bool     `json:"missing,omitempty"`
	Error   string   `json:"error,omitempty"`
	Data    HexBytes `json:"data,omitempty"`
	// Used is the number of bytes that differ from the region fill.
	Used int `json:"used"`
	// Watermark is the distance from the far end of the region to the
	// deepest byte that differs from the fill: from the top for regions that
	// grow down, from the base for the others.
	Watermark int    `json:"watermark"`
	Hash      uint64 `json:"hash,omitempty"`
}

// Sample is one capture of registers and regions taken while the core was
// halted. A sample is never modified after it has been recorded.
type Sample struct {
	Seq      uint64        `json:"seq"`
	Time     time.Time     `json:"time"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Interval time.Duration `json:"interval_ns,omitempty"`
	Cycles   *uint32       `json:"cycles,omitempty"`

	PC          uint32 `json:"pc"`
	Function    string `json:"function,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
	Baseline    bool   `json:"baseline,omitempty"`
	// SPOffset is the stack depth relative to the initial stack pointer.
	SPOffset *uint32 `json:"sp_offset,omitempty"`

	Registers     *probe.RegisterSet `json:"registers,omitempty"`
	RegisterError string             `json:"register_error,omitempty"`
	Regions       []RegionCapture    `json:"regions"`

	Status     SampleStatus `json:"status"`
	FaultCause string       `json:"fault_cause,omitempty"`

	// Set when the core was found running while the sample was taken.
	resumed bool
}

func (s *Sample) RecordType() string { return "sample" }

// ReadFailed reports whether any read in the sample failed.
func (s *Sample) ReadFailed() bool {
	return s.Status != StatusComplete
}

func (s *Sample) clone() *Sample {
	c := *s
	if s.Cycles != nil {
		v := *s.Cycles
		c.Cycles = &v
	}
	if s.SPOffset != nil {
		v := *s.SPOffset
		c.SPOffset = &v
	}
	if s.Registers != nil {
		r := *s.Registers
		c.Registers = &r
	}
	c.Regions = make([]RegionCapture, len(s.Regions))
	for i, rc := range s.Regions {
		c.Regions[i] = rc
		if rc.Data != nil {
			c.Regions[i].Data = append(HexBytes(nil), rc.Data...)
		}
	}
	return &c
}

type RegionStats struct {
	Label   string `json:"label"`
	Base    uint32 `json:"base"`
	Length  int    `json:"length"`
	Samples int    `json:"samples"`
	Missing int    `json:"missing,omitempty"`
	MinUsed int    `json:"min_used"`
	MaxUsed int    `json:"max_used"`
	// Samples counts every capture in which the region was read. The usage
	// figures below come from complete samples only. DeltaUsed is
	// MaxUsed - MinUsed; Growth is the last value minus the first.
	DeltaUsed    int `json:"delta_used"`
	Growth       int `json:"growth"`
	MaxWatermark int `json:"max_watermark"`
	Variants     int `json:"variants"`
}

// Summary closes a session.
type Summary struct {
	SessionID string    `json:"session_id"`
	Mode      Mode      `json:"mode"`
	Target    string    `json:"target,omitempty"`
	Point     string    `json:"point,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	// Duration is the time spent running, from the end of configuration to
	// the end of the session.
	Duration time.Duration `json:"duration_ns"`

	Samples     int `json:"samples"`
	Complete    int `json:"complete"`
	Partial     int `json:"partial"`
	Faulted     int `json:"faulted"`
	Interrupted int `json:"interrupted,omitempty"`
	Baseline    int `json:"baseline,omitempty"`
	Steps       int `json:"steps,omitempty"`
	Dropped     int `json:"dropped_triggers,omitempty"`
	Transitions int `json:"transitions"`

	Regions  []RegionStats `json:"regions"`
	Variants int           `json:"variants"`

	SPOffsetMedian *uint32 `json:"sp_offset_median,omitempty"`
	SPOffsetMax    *uint32 `json:"sp_offset_max,omitempty"`

	FinalState State      `json:"final_state"`
	StopReason StopReason `json:"stop_reason"`
	FaultCause string     `json:"fault_cause,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

func (s *Summary) RecordType() string { return "summary" }

func (s *Summary) clone() *Summary {
	c := *s
	c.Regions = append([]RegionStats(nil), s.Regions...)
	c.Warnings = append([]string(nil), s.Warnings...)
	if s.SPOffsetMedian != nil {
		v := *s.SPOffsetMedian
		c.SPOffsetMedian = &v
	}
	if s.SPOffsetMax != nil {
		v := *s.SPOffsetMax
		c.SPOffsetMax = &v
	}
	return &c
}

// Record is what the engine emits: a *Sample or a *Summary.
type Record interface {
	RecordType() string
}

// Sink receives records in order. An error from Emit ends the session.
type Sink interface {
	Emit(rec Record) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(rec Record) error

func (f SinkFunc) Emit(rec Record) error {
	return f(rec)
}
