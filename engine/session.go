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
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// Session holds the state of one monitoring run. It is owned by the
// controller; other goroutines only look at it through Progress.
type Session struct {
	ID     string
	Mode   Mode
	Point  MonitorPoint
	Target string

	mu          sync.Mutex
	state       State
	transitions int
	created     time.Time
	start       time.Time
	end         time.Time
	samples     int
	steps       int
	dropped     int
	stopReason  StopReason
	faultCause  string
	warnings    []string
}

func newSession(mode Mode, target string) *Session {
	return &Session{
		ID:      uuid.New().String(),
		Mode:    mode,
		Target:  target,
		created: time.Now(),
	}
}

// Progress is a point-in-time view of a session.
type Progress struct {
	SessionID   string        `json:"session_id"`
	Mode        Mode          `json:"mode"`
	State       State         `json:"state"`
	Transitions int           `json:"transitions"`
	Samples     int           `json:"samples"`
	Steps       int           `json:"steps,omitempty"`
	Dropped     int           `json:"dropped_triggers,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	StopReason  StopReason    `json:"stop_reason,omitempty"`
	FaultCause  string        `json:"fault_cause,omitempty"`
}

func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress{
		SessionID:   s.ID,
		Mode:        s.Mode,
		State:       s.state,
		Transitions: s.transitions,
		Samples:     s.samples,
		Steps:       s.steps,
		Dropped:     s.dropped,
		Elapsed:     s.elapsedLocked(time.Now()),
		StopReason:  s.stopReason,
		FaultCause:  s.faultCause,
	}
}

func (s *Session) elapsedLocked(now time.Time) time.Duration {
	switch {
	case s.start.IsZero():
		return 0
	case !s.end.IsZero():
		return s.end.Sub(s.start)
	}
	return now.Sub(s.start)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	glog.V(2).Infof("%s: %s -> %s", s.ID, s.state, to)
	s.state = to
	s.transitions++
	switch to {
	case StateRunning:
		if s.start.IsZero() {
			s.start = time.Now()
		}
	case StateCompleted, StateFaulted:
		s.end = time.Now()
	}
	return nil
}

func (s *Session) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	glog.Warningf("%s: %s", s.ID, msg)
	s.mu.Lock()
	s.warnings = append(s.warnings, msg)
	s.mu.Unlock()
}

func (s *Session) setStop(reason StopReason, cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopReason == "" {
		s.stopReason = reason
		s.faultCause = cause
	}
}

func (s *Session) addSteps(n int) {
	s.mu.Lock()
	s.steps += n
	s.mu.Unlock()
}

func (s *Session) setDropped(n int) {
	s.mu.Lock()
	s.dropped = n
	s.mu.Unlock()
}

func (s *Session) countSample() {
	s.mu.Lock()
	s.samples++
	s.mu.Unlock()
}

// elapsed returns the time since the session started running.
func (s *Session) elapsed(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked(now)
}
