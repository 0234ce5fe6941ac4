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
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	goji "goji.io"
	"goji.io/pat"
	"golang.org/x/net/websocket"

	"github.com/mongoose-os/memprof/engine"
)

// Records queued per websocket client. A client that falls further behind
// loses records.
const liveQueueLen = 64

const liveDrainTimeout = 2 * time.Second

type liveClient struct {
	ws   *websocket.Conn
	out  chan []byte
	lost int
}

// Live serves the state of a running session over HTTP:
//
//	GET /status   progress of the session
//	GET /summary  the summary, once the session has ended
//	/stream       websocket, every record as it is emitted
type Live struct {
	mux *goji.Mux

	mu       sync.Mutex
	progress func() engine.Progress
	summary  *engine.Summary
	clients  map[*liveClient]bool
	closed   bool
	srv      *http.Server
	ln       net.Listener
	wg       sync.WaitGroup
}

func NewLive() *Live {
	l := &Live{
		mux:     goji.NewMux(),
		clients: map[*liveClient]bool{},
	}
	l.mux.HandleFunc(pat.Get("/status"), l.handleStatus)
	l.mux.HandleFunc(pat.Get("/summary"), l.handleSummary)
	l.mux.Handle(pat.New("/stream"), websocket.Handler(l.handleStream))
	return l
}

// SetProgress sets the source of /status.
func (l *Live) SetProgress(f func() engine.Progress) {
	l.mu.Lock()
	l.progress = f
	l.mu.Unlock()
}

func (l *Live) Handler() http.Handler {
	return l.mux
}

// Serve starts serving on addr in the background.
func (l *Live) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "failed to listen on %s", addr)
	}
	srv := &http.Server{Handler: l.mux}
	l.mu.Lock()
	l.srv, l.ln = srv, ln
	l.mu.Unlock()
	glog.Infof("Live view on http://%s/", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			glog.Errorf("live view: %s", err)
		}
	}()
	return nil
}

// Addr is the address the view is served on, once Serve has been called.
func (l *Live) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("live view: %s", err)
	}
}

func (l *Live) handleStatus(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	f := l.progress
	l.mu.Unlock()
	if f == nil {
		http.Error(w, "no session", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, f())
}

func (l *Live) handleSummary(w http.ResponseWriter, r *http.Request) {
	l.mu.Lock()
	s := l.summary
	l.mu.Unlock()
	if s == nil {
		http.Error(w, "session has not ended", http.StatusNotFound)
		return
	}
	writeJSON(w, s)
}

func (l *Live) handleStream(ws *websocket.Conn) {
	c := &liveClient{ws: ws, out: make(chan []byte, liveQueueLen)}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.clients[c] = true
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()
	glog.V(1).Infof("live client %s connected", ws.Request().RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nothing is expected from clients, reading only detects the close.
		for {
			var text string
			if err := websocket.Message.Receive(ws, &text); err != nil {
				return
			}
		}
	}()
	defer func() {
		l.mu.Lock()
		delete(l.clients, c)
		lost := c.lost
		l.mu.Unlock()
		ws.Close()
		glog.V(1).Infof("live client %s gone, %d records lost", ws.Request().RemoteAddr, lost)
	}()
	for {
		select {
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			if err := websocket.Message.Send(ws, string(msg)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Clients returns the number of connected stream clients.
func (l *Live) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Emit queues the record for every stream client. It never blocks on a slow
// client and never fails the session.
func (l *Live) Emit(rec engine.Record) error {
	msg, err := marshalRecord(rec)
	if err != nil {
		return errors.Trace(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if s, ok := rec.(*engine.Summary); ok {
		l.summary = s
	}
	for c := range l.clients {
		select {
		case c.out <- msg:
		default:
			c.lost++
		}
	}
	return nil
}

// Close sends what is queued to the stream clients, then disconnects them
// and stops serving.
func (l *Live) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	srv := l.srv
	for c := range l.clients {
		close(c.out)
	}
	l.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(liveDrainTimeout):
		glog.Warningf("live view: clients did not drain in %s", liveDrainTimeout)
	}
	if srv == nil {
		return nil
	}
	return errors.Trace(srv.Close())
}
