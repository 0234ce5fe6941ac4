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
package gdbremote

import (
	"context"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/cesanta/go-serial/serial"
	"github.com/golang/glog"
	"github.com/juju/errors"
	shellwords "github.com/mattn/go-shellwords"
)

// Options describe how to reach a gdb server.
type Options struct {
	// Address is host:port of a gdb server, or a serial port path for
	// probes that speak the protocol natively (Black Magic Probe).
	Address string
	Serial  bool
	// ServerCommand, if set, is started before connecting, e.g.
	// "openocd -f interface/cmsis-dap.cfg -f target/stm32f4x.cfg".
	ServerCommand string
	// ServerStartTimeout bounds waiting for the server to accept connections.
	ServerStartTimeout time.Duration
	// MaxBreakpoints is the number of hardware breakpoints of the target. Default: 6.
	MaxBreakpoints int
}

// Open connects to the gdb server described by opts, starting it first if
// required.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if opts.MaxBreakpoints == 0 {
		opts.MaxBreakpoints = 6
	}
	var server *exec.Cmd
	if opts.ServerCommand != "" {
		var err error
		if server, err = startServer(opts.ServerCommand); err != nil {
			return nil, errors.Trace(err)
		}
	}
	stopServer := func() error {
		if server == nil {
			return nil
		}
		glog.V(1).Infof("stopping %s", server.Path)
		server.Process.Kill()
		server.Wait()
		return nil
	}
	var cl *Client
	var err error
	if opts.Serial {
		cl, err = openSerial(ctx, opts.Address, opts.MaxBreakpoints)
	} else {
		timeout := opts.ServerStartTimeout
		if server == nil {
			timeout = 0
		} else if timeout == 0 {
			timeout = 5 * time.Second
		}
		cl, err = dialTCP(ctx, opts.Address, timeout, opts.MaxBreakpoints)
	}
	if err != nil {
		stopServer()
		return nil, errors.Trace(err)
	}
	cl.onClose = stopServer
	return cl, nil
}

func startServer(cmdline string) (*exec.Cmd, error) {
	args, err := shellwords.Parse(cmdline)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid server command %q", cmdline)
	}
	if len(args) == 0 {
		return nil, errors.Errorf("empty server command")
	}
	cmd := exec.Command(args[0], args[1:]...)
	if glog.V(2) {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}
	glog.Infof("starting gdb server: %q", args)
	if err := cmd.Start(); err != nil {
		return nil, errors.Annotatef(err, "failed to start %s", args[0])
	}
	return cmd, nil
}

// dialTCP connects to addr, retrying for up to wait while a freshly started
// server comes up.
func dialTCP(ctx context.Context, addr string, wait time.Duration, maxBreakpoints int) (*Client, error) {
	deadline := time.Now().Add(wait)
	var d net.Dialer
	for {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			glog.Infof("connected to %s", addr)
			return NewClient(ctx, c, maxBreakpoints)
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, errors.Annotatef(err, "failed to connect to %s", addr)
		}
		glog.V(1).Infof("%s: %s, retrying", addr, err)
		time.Sleep(200 * time.Millisecond)
	}
}

func openSerial(ctx context.Context, port string, maxBreakpoints int) (*Client, error) {
	s, err := serial.Open(serial.OpenOptions{
		PortName:            port,
		BaudRate:            115200,
		HardwareFlowControl: false,
		DataBits:            8,
		ParityMode:          serial.PARITY_NONE,
		StopBits:            1,
		MinimumReadSize:     1,
	})
	glog.Infof("%s opened: %v, err: %v", port, s, err)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to open %s", port)
	}
	return NewClient(ctx, s, maxBreakpoints)
}
