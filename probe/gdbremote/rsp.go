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

// Package gdbremote implements probe.Adapter over the GDB Remote Serial
// Protocol, as served by OpenOCD, pyOCD or a Black Magic Probe.
package gdbremote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe"
)

const maxRetransmits = 3

func checksum(data []byte) uint8 {
	var cs uint8
	for _, b := range data {
		cs += b
	}
	return cs
}

// encodePacket frames payload as $payload#cs, escaping the special characters.
func encodePacket(payload []byte) []byte {
	var buf bytes.Buffer
	for _, b := range payload {
		switch b {
		case '$', '#', '}', '*':
			buf.WriteByte('}')
			buf.WriteByte(b ^ 0x20)
		default:
			buf.WriteByte(b)
		}
	}
	body := buf.Bytes()
	return []byte(fmt.Sprintf("$%s#%02x", body, checksum(body)))
}

// decodePayload undoes escaping and run-length encoding of a received packet
// body.
func decodePayload(body []byte) ([]byte, error) {
	res := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		switch b := body[i]; b {
		case '}':
			i++
			if i >= len(body) {
				return nil, errors.Errorf("truncated escape")
			}
			res = append(res, body[i]^0x20)
		case '*':
			i++
			if i >= len(body) || len(res) == 0 {
				return nil, errors.Errorf("invalid run-length encoding")
			}
			n := int(body[i]) - 29
			last := res[len(res)-1]
			for j := 0; j < n; j++ {
				res = append(res, last)
			}
		default:
			res = append(res, b)
		}
	}
	return res, nil
}

// conn carries RSP packets over a byte stream. A reader goroutine acknowledges
// incoming packets and queues them.
type conn struct {
	rwc io.ReadWriteCloser

	wmu     sync.Mutex
	pkts    chan []byte
	acks    chan byte
	done    chan struct{}
	readErr error
}

func newConn(rwc io.ReadWriteCloser) *conn {
	c := &conn{
		rwc:  rwc,
		pkts: make(chan []byte, 16),
		acks: make(chan byte, 16),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	glog.V(4).Infof(" => %q", data)
	if _, err := c.rwc.Write(data); err != nil {
		glog.Errorf("write failed: %s", err)
		return errors.Annotatef(probe.ErrDisconnected, "write")
	}
	return nil
}

func (c *conn) readLoop() {
	defer close(c.done)
	r := bufio.NewReader(c.rwc)
	for {
		b, err := r.ReadByte()
		if err != nil {
			c.readErr = err
			return
		}
		switch b {
		case '+', '-':
			select {
			case c.acks <- b:
			default:
			}
		case '$':
			body, err := r.ReadBytes('#')
			if err != nil {
				c.readErr = err
				return
			}
			body = body[:len(body)-1]
			var csHex [2]byte
			if _, err := io.ReadFull(r, csHex[:]); err != nil {
				c.readErr = err
				return
			}
			cs, err := hex.DecodeString(string(csHex[:]))
			if err != nil || cs[0] != checksum(body) {
				glog.Warningf("bad checksum on %q (%q)", body, csHex)
				c.write([]byte{'-'})
				continue
			}
			c.write([]byte{'+'})
			payload, err := decodePayload(body)
			if err != nil {
				glog.Warningf("bad packet %q: %s", body, err)
				continue
			}
			glog.V(4).Infof("<=  %q", payload)
			c.pkts <- payload
		default:
			// Console noise or the tail of an interrupted packet.
		}
	}
}

func (c *conn) disconnected() error {
	glog.Errorf("connection lost: %v", c.readErr)
	return errors.Annotatef(probe.ErrDisconnected, "read")
}

// send transmits a packet and waits for it to be acknowledged.
func (c *conn) send(ctx context.Context, payload []byte) error {
	pkt := encodePacket(payload)
	for i := 0; i < maxRetransmits; i++ {
		if err := c.write(pkt); err != nil {
			return errors.Trace(err)
		}
		select {
		case <-ctx.Done():
			return errors.Annotatef(ctx.Err(), "waiting for ack")
		case <-c.done:
			return c.disconnected()
		case ack := <-c.acks:
			if ack == '+' {
				return nil
			}
			glog.V(1).Infof("packet %q NAKed, retransmitting", payload)
		}
	}
	return errors.Errorf("packet %q rejected %d times", payload, maxRetransmits)
}

// recv returns the next packet, skipping console output.
func (c *conn) recv(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, errors.Annotatef(ctx.Err(), "waiting for reply")
		case p := <-c.pkts:
			if isConsoleOutput(p) {
				glog.V(2).Infof("remote: %s", decodeConsoleOutput(p))
				continue
			}
			return p, nil
		case <-c.done:
			// Drain what was received before the connection dropped.
			select {
			case p := <-c.pkts:
				return p, nil
			default:
			}
			return nil, c.disconnected()
		}
	}
}

// poll returns a packet if one is already queued.
func (c *conn) poll() ([]byte, bool) {
	for {
		select {
		case p := <-c.pkts:
			if isConsoleOutput(p) {
				continue
			}
			return p, true
		default:
			return nil, false
		}
	}
}

func (c *conn) request(ctx context.Context, payload string) ([]byte, error) {
	if err := c.send(ctx, []byte(payload)); err != nil {
		return nil, errors.Trace(err)
	}
	return c.recv(ctx)
}

func isConsoleOutput(p []byte) bool {
	return len(p) > 1 && p[0] == 'O' && !bytes.Equal(p, []byte("OK"))
}

func decodeConsoleOutput(p []byte) string {
	s, err := hex.DecodeString(string(p[1:]))
	if err != nil {
		return string(p[1:])
	}
	return string(s)
}

func (c *conn) close() error {
	return c.rwc.Close()
}
