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

	"github.com/juju/errors"
)

// State is the controller state.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StateStepping
	StateLoopWaiting
	StateAwaitingBreakpoint
	StateSampling
	StateCompleted
	StateFaulted
)

var stateNames = []string{
	StateIdle:               "idle",
	StateConfiguring:        "configuring",
	StateRunning:            "running",
	StateStepping:           "stepping",
	StateLoopWaiting:        "loop-waiting",
	StateAwaitingBreakpoint: "awaiting-breakpoint",
	StateSampling:           "sampling",
	StateCompleted:          "completed",
	StateFaulted:            "faulted",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return errors.NotValidf("state %q", text)
}

// Terminal states end the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFaulted
}

var allowedTransitions = map[State][]State{
	StateIdle:               {StateConfiguring},
	StateConfiguring:        {StateRunning, StateIdle},
	StateRunning:            {StateStepping, StateLoopWaiting, StateAwaitingBreakpoint, StateSampling, StateCompleted, StateFaulted},
	StateStepping:           {StateSampling, StateCompleted, StateFaulted},
	StateLoopWaiting:        {StateSampling, StateCompleted, StateFaulted},
	StateAwaitingBreakpoint: {StateSampling, StateRunning, StateCompleted, StateFaulted},
	StateSampling:           {StateRunning, StateCompleted, StateFaulted},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("internal error: invalid state transition %s -> %s", e.from, e.to)
}

func checkTransition(from, to State) error {
	if !canTransition(from, to) {
		return errors.Trace(&transitionError{from: from, to: to})
	}
	return nil
}
