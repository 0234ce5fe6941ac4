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
	"sync/atomic"
	"time"
)

// trigger posts sample requests at a fixed interval into a single-slot
// mailbox. Requests that arrive while a sample is being taken, or while a
// request is already pending, are dropped and counted.
type trigger struct {
	mailbox chan struct{}
	busy    int32
	dropped int64

	done chan struct{}
	wg   sync.WaitGroup
}

func newTrigger() *trigger {
	return &trigger{
		mailbox: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (t *trigger) start(interval time.Duration) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.post()
			}
		}
	}()
}

func (t *trigger) post() {
	if atomic.LoadInt32(&t.busy) != 0 {
		atomic.AddInt64(&t.dropped, 1)
		return
	}
	select {
	case t.mailbox <- struct{}{}:
	default:
		atomic.AddInt64(&t.dropped, 1)
	}
}

func (t *trigger) requests() <-chan struct{} {
	return t.mailbox
}

func (t *trigger) begin() {
	atomic.StoreInt32(&t.busy, 1)
}

// end clears the busy flag. A request that slipped into the mailbox while
// the sample was being taken is discarded.
func (t *trigger) end() {
	select {
	case <-t.mailbox:
		atomic.AddInt64(&t.dropped, 1)
	default:
	}
	atomic.StoreInt32(&t.busy, 0)
}

func (t *trigger) Dropped() int {
	return int(atomic.LoadInt64(&t.dropped))
}

func (t *trigger) stop() {
	close(t.done)
	t.wg.Wait()
}
