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

// Package engine drives a debug probe to sample target memory at chosen
// points of program execution.
//
// A Controller runs one session in one of three modes: stepping (sample
// after every instruction), looping (halt and sample at a fixed interval)
// and single-shot (sample every time a breakpoint is hit). Samples and the
// closing summary are passed to a Sink in order.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/memprof/probe"
)

// How often a running core is polled while waiting for a breakpoint.
const pollInterval = 2 * time.Millisecond

type Controller struct {
	cfg      Config
	a        *probe.Bounded
	resolver Resolver
	sink     Sink
	s        *Session

	// Probe calls are made with lctx: cancelling the caller's context ends
	// the session at the next check, not in the middle of a probe request.
	lctx     context.Context
	stopCh   chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	rec *Recorder

	sampler  *sampler
	point    MonitorPoint
	hasPoint bool
	regions  []MemoryRegion
	bps      map[uint32]bool
	deadline time.Time
	failures int
	lastHalt time.Time
	prevExc  uint32
	prevSP   uint32
	trig     *trigger
}

// New creates a controller for one session. If a is not already bounded, it
// is wrapped with the timeouts from cfg.
func New(a probe.Adapter, resolver Resolver, sink Sink, cfg Config) *Controller {
	cfg.setDefaults()
	b, ok := a.(*probe.Bounded)
	if !ok {
		b = probe.WithTimeouts(a, cfg.Timeouts)
	}
	return &Controller{
		cfg:      cfg,
		a:        b,
		resolver: resolver,
		sink:     sink,
		s:        newSession(cfg.Mode, cfg.Target),
		stopCh:   make(chan struct{}),
		bps:      map[uint32]bool{},
	}
}

// SetSink replaces the sink given to New. It has no effect once Run has been
// called.
func (c *Controller) SetSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil {
		c.sink = sink
	}
}

func (c *Controller) Session() *Session {
	return c.s
}

func (c *Controller) Progress() Progress {
	return c.s.Progress()
}

// Samples returns copies of the samples recorded so far.
func (c *Controller) Samples() []*Sample {
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Samples()
}

// Stop asks the session to end. It returns immediately; the session ends at
// the next state transition. It is safe to call more than once and from any
// goroutine.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		glog.V(1).Infof("%s: stop requested", c.s.ID)
		close(c.stopCh)
	})
}

// Run configures the session and runs it until it completes or faults.
//
// If the session cannot be started, an error is returned and nothing is
// emitted. Otherwise the summary is emitted and returned; the error is
// non-nil if the session faulted.
func (c *Controller) Run(ctx context.Context) (*Summary, error) {
	if st := c.s.State(); st != StateIdle {
		return nil, errors.Errorf("session %s is %s", c.s.ID, st)
	}
	c.lctx = context.WithoutCancel(ctx)
	if err := c.s.setState(StateConfiguring); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.configure(ctx); err != nil {
		c.clearBreakpoints()
		if serr := c.s.setState(StateIdle); serr != nil {
			glog.Errorf("%s", serr)
		}
		return nil, errors.Annotatef(err, "failed to start session")
	}
	if err := c.s.setState(StateRunning); err != nil {
		return nil, errors.Trace(err)
	}
	c.deadline = time.Now().Add(c.cfg.Duration)
	glog.Infof("%s: %s session started, %d region(s)", c.s.ID, c.cfg.Mode, len(c.regions))

	var reason StopReason
	var err error
	switch c.cfg.Mode {
	case ModeStepping:
		reason, err = c.runStepping(ctx)
	case ModeLooping:
		reason, err = c.runLooping(ctx)
	case ModeSingleShot:
		reason, err = c.runSingleShot(ctx)
	}
	return c.finish(reason, err)
}

func (c *Controller) configure(ctx context.Context) error {
	if err := c.cfg.validate(); err != nil {
		return errors.Trace(err)
	}
	c.point = MonitorPoint{
		Interval:  c.cfg.Interval,
		Repeat:    c.cfg.Repeat,
		StepLimit: c.cfg.StepLimit,
	}
	var regions []MemoryRegion
	if c.cfg.Point != "" {
		if c.resolver == nil {
			return newConfigurationError(nil, "cannot resolve %q: no symbol information", c.cfg.Point)
		}
		res, err := c.resolver.Resolve(ctx, c.cfg.Point)
		if err != nil {
			return newConfigurationError(err, "failed to resolve %q", c.cfg.Point)
		}
		c.point.Address, c.point.Symbol = res.Address, res.Symbol
		c.hasPoint = true
		regions = append(regions, res.Regions...)
	}
	regions = append(regions, c.cfg.Regions...)
	if len(regions) == 0 {
		return newConfigurationError(nil, "no memory regions to sample")
	}
	for i := range regions {
		r := &regions[i]
		if r.Label == "" {
			r.Label = fmt.Sprintf("0x%08x", r.Base)
		}
		if r.Width == 0 {
			r.Width = WidthByte
		}
		if err := r.validate(); err != nil {
			return errors.Trace(err)
		}
	}
	c.regions = regions
	c.s.Point = c.point
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}

	if c.cfg.ResetHalt {
		if err := c.a.ResetHalt(c.lctx); err != nil {
			if errors.IsNotSupported(err) {
				return newConfigurationError(err, "cannot reset the target")
			}
			return errors.Annotatef(err, "failed to reset the target")
		}
	} else if err := c.a.Halt(c.lctx); err != nil {
		return errors.Annotatef(err, "failed to halt the core")
	}
	if c.cfg.Paint {
		if err := c.paint(); err != nil {
			return errors.Trace(err)
		}
	}
	if c.hasPoint {
		if err := c.setBreakpoint(c.point.Address); err != nil {
			if probe.IsNoBreakpointSlots(err) || probe.IsUnmappedAddress(err) {
				return newConfigurationError(err, "cannot break at %s", c.pointName())
			}
			return errors.Trace(err)
		}
	}

	c.sampler = newSampler(c.a, c.regions, c.cfg.Namer, c.cfg.StackTop)
	c.mu.Lock()
	c.rec = NewRecorder(c.s, c.sink, c.regions, c.cfg.Point, !c.cfg.DiscardSamples)
	c.mu.Unlock()
	return nil
}

func (c *Controller) pointName() string {
	if c.point.Symbol != "" {
		return fmt.Sprintf("%s (0x%08x)", c.point.Symbol, c.point.Address)
	}
	return fmt.Sprintf("0x%08x", c.point.Address)
}

// paint fills the regions with their fill byte so that usage can be told
// from untouched memory.
func (c *Controller) paint() error {
	for _, r := range c.regions {
		data := make([]byte, r.Length)
		for i := range data {
			data[i] = r.Fill
		}
		for off := 0; off < len(data); off += readChunk {
			end := off + readChunk
			if end > len(data) {
				end = len(data)
			}
			if err := c.a.WriteMemory(c.lctx, r.Base+uint32(off), data[off:end]); err != nil {
				switch {
				case errors.IsNotSupported(err):
					return newConfigurationError(err, "cannot paint regions")
				case probe.IsBusFault(err):
					return newConfigurationError(err, "cannot paint region %s", r.Label)
				}
				return errors.Annotatef(err, "failed to paint region %s", r.Label)
			}
		}
		glog.V(1).Infof("painted %s with 0x%02x", r, r.Fill)
	}
	return nil
}

func (c *Controller) setBreakpoint(addr uint32) error {
	if err := c.a.SetBreakpoint(c.lctx, addr); err != nil {
		return errors.Trace(err)
	}
	c.bps[addr] = true
	return nil
}

func (c *Controller) clearBreakpoint(addr uint32) error {
	if err := c.a.ClearBreakpoint(c.lctx, addr); err != nil {
		return errors.Trace(err)
	}
	delete(c.bps, addr)
	return nil
}

func (c *Controller) clearBreakpoints() {
	for addr := range c.bps {
		if err := c.clearBreakpoint(addr); err != nil {
			c.s.warn("failed to clear breakpoint at 0x%08x: %s", addr, err)
			delete(c.bps, addr)
		}
	}
}

func (c *Controller) transition(to State) error {
	return errors.Trace(c.s.setState(to))
}

// stopRequested returns the reason to end the session, if there is one.
func (c *Controller) stopRequested(ctx context.Context) StopReason {
	select {
	case <-c.stopCh:
		return StopUser
	default:
	}
	if ctx.Err() != nil {
		return StopAborted
	}
	if !time.Now().Before(c.deadline) {
		return StopDuration
	}
	return ""
}

// record stamps and records a sample. It returns an error if the session
// must end: the capture failed fatally, the sink failed or there have been
// too many samples in a row with failed reads.
func (c *Controller) record(smp *Sample, captureErr error) error {
	smp.Elapsed = c.s.elapsed(smp.Time)
	if !c.lastHalt.IsZero() {
		smp.Interval = smp.Time.Sub(c.lastHalt)
	}
	c.lastHalt = smp.Time
	if err := c.rec.Append(smp); err != nil {
		return errors.Trace(err)
	}
	glog.V(2).Infof("%s: sample %d: %s pc=0x%08x", c.s.ID, smp.Seq, smp.Status, smp.PC)
	if captureErr != nil {
		return errors.Trace(captureErr)
	}
	if !smp.ReadFailed() {
		c.failures = 0
		return nil
	}
	c.failures++
	if c.failures > c.cfg.MaxReadFailures {
		return errors.Errorf("%d consecutive samples with failed reads", c.failures)
	}
	return nil
}

// waitHalt polls a running core until it halts. A stop request, the end of
// the session or the breakpoint timeout end the wait.
func (c *Controller) waitHalt(ctx context.Context) (StopReason, error) {
	timeout := c.a.Timeouts().RunToBreakpoint
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	deadline := time.NewTimer(time.Until(c.deadline))
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		st, err := c.a.CoreStatus(c.lctx)
		if err != nil {
			return "", errors.Annotatef(err, "waiting for %s", c.pointName())
		}
		switch st.State {
		case probe.CoreHalted:
			if st.Reason != probe.HaltBreakpoint && st.Reason != probe.HaltUnknown {
				c.s.warn("core halted (%s) while waiting for %s", st.Reason, c.pointName())
			}
			return "", nil
		case probe.CoreFaulted:
			return "", errors.Trace(&CoreFaultError{Cause: st.Cause})
		}
		select {
		case <-c.stopCh:
			return StopUser, nil
		case <-ctx.Done():
			return StopAborted, nil
		case <-deadline.C:
			return StopDuration, nil
		case <-expired:
			return "", errors.Trace(&probe.TimeoutError{Op: "run to " + c.pointName(), Timeout: timeout, LastStatus: &st})
		case <-ticker.C:
		}
	}
}

// runToPoint lets the core run to the start point and disarms it there.
func (c *Controller) runToPoint(ctx context.Context) (StopReason, error) {
	if err := c.a.Resume(c.lctx); err != nil {
		return "", errors.Annotatef(err, "failed to resume")
	}
	if err := c.transition(StateAwaitingBreakpoint); err != nil {
		return "", err
	}
	if reason, err := c.waitHalt(ctx); reason != "" || err != nil {
		return reason, err
	}
	if err := c.transition(StateRunning); err != nil {
		return "", err
	}
	if err := c.clearBreakpoint(c.point.Address); err != nil {
		return "", errors.Annotatef(err, "failed to clear breakpoint")
	}
	glog.V(1).Infof("%s: reached %s", c.s.ID, c.pointName())
	return "", nil
}

func (c *Controller) runStepping(ctx context.Context) (StopReason, error) {
	if c.hasPoint {
		if reason, err := c.runToPoint(ctx); reason != "" || err != nil {
			return reason, err
		}
	}
	regs, err := c.a.ReadRegisters(c.lctx)
	switch {
	case err == nil:
		c.prevExc, c.prevSP = regs.ExceptionNumber(), regs.SP()
	case fatal(err):
		return "", errors.Annotatef(err, "failed to read registers")
	}
	var last *Sample
	for step := 0; ; {
		if reason := c.stopRequested(ctx); reason != "" {
			return reason, nil
		}
		if c.cfg.StepLimit > 0 && step >= c.cfg.StepLimit {
			return StopStepLimit, nil
		}
		if c.cfg.Gate != nil {
			ok, err := c.cfg.Gate.Proceed(ctx, step+1, last)
			switch {
			case err != nil && ctx.Err() != nil:
				return StopAborted, nil
			case err != nil:
				return "", errors.Annotatef(err, "step gate")
			case !ok:
				return StopUser, nil
			}
		}
		if err := c.transition(StateStepping); err != nil {
			return "", err
		}
		if err := c.a.Step(c.lctx); err != nil {
			return "", errors.Annotatef(err, "step %d", step+1)
		}
		step++
		c.s.addSteps(1)
		if err := c.transition(StateSampling); err != nil {
			return "", err
		}
		smp, cerr := c.sampler.capture(c.lctx)
		if smp.Registers != nil {
			exc, sp := smp.Registers.ExceptionNumber(), smp.Registers.SP()
			smp.Interrupted = exceptionEntered(c.prevExc, c.prevSP, exc, sp)
			c.prevExc, c.prevSP = exc, sp
		}
		if err := c.record(smp, cerr); err != nil {
			return "", err
		}
		if smp.resumed {
			if err := c.a.Halt(c.lctx); err != nil {
				return "", errors.Annotatef(err, "failed to halt the core")
			}
		}
		last = smp
		if err := c.transition(StateRunning); err != nil {
			return "", err
		}
	}
}

// exceptionEntered reports whether a step moved the core into a new
// exception handler rather than back out of a nested one. Handler mode always
// runs on MSP: entry stacks a frame (or tail-chains without unstacking), so SP
// does not rise, while a return to an outer handler unstacks and SP rises.
func exceptionEntered(prevExc, prevSP, exc, sp uint32) bool {
	if exc == 0 || exc == prevExc {
		return false
	}
	return prevExc == 0 || sp <= prevSP
}

func (c *Controller) runLooping(ctx context.Context) (StopReason, error) {
	if c.hasPoint {
		if reason, err := c.runToPoint(ctx); reason != "" || err != nil {
			return reason, err
		}
	}
	c.trig = newTrigger()
	c.trig.start(c.cfg.Interval)
	defer func() {
		c.trig.stop()
		c.s.setDropped(c.trig.Dropped())
	}()
	deadline := time.NewTimer(time.Until(c.deadline))
	defer deadline.Stop()

	if err := c.a.Resume(c.lctx); err != nil {
		return "", errors.Annotatef(err, "failed to resume")
	}
	for {
		if reason := c.stopRequested(ctx); reason != "" {
			return reason, nil
		}
		if err := c.transition(StateLoopWaiting); err != nil {
			return "", err
		}
		select {
		case <-c.stopCh:
			return StopUser, nil
		case <-ctx.Done():
			return StopAborted, nil
		case <-deadline.C:
			return StopDuration, nil
		case <-c.trig.requests():
		}
		c.trig.begin()
		if err := c.transition(StateSampling); err != nil {
			return "", err
		}
		if err := c.sampleLoop(); err != nil {
			return "", err
		}
		c.trig.end()
		c.s.setDropped(c.trig.Dropped())
		if err := c.transition(StateRunning); err != nil {
			return "", err
		}
	}
}

// sampleLoop halts the running core, samples it and lets it run again.
func (c *Controller) sampleLoop() error {
	st, err := c.a.CoreStatus(c.lctx)
	if err != nil {
		return errors.Annotatef(err, "failed to get core status")
	}
	if st.State == probe.CoreFaulted {
		return errors.Trace(&CoreFaultError{Cause: st.Cause})
	}
	if err := c.a.Halt(c.lctx); err != nil {
		return errors.Annotatef(err, "failed to halt the core")
	}
	smp, cerr := c.sampler.capture(c.lctx)
	if err := c.record(smp, cerr); err != nil {
		return err
	}
	return errors.Annotatef(c.a.Resume(c.lctx), "failed to resume")
}

func (c *Controller) runSingleShot(ctx context.Context) (StopReason, error) {
	if c.cfg.Baseline {
		if err := c.transition(StateSampling); err != nil {
			return "", err
		}
		smp, cerr := c.sampler.capture(c.lctx)
		smp.Baseline = true
		if err := c.record(smp, cerr); err != nil {
			return "", err
		}
		if err := c.transition(StateRunning); err != nil {
			return "", err
		}
	}
	for n := 0; ; {
		if reason := c.stopRequested(ctx); reason != "" {
			return reason, nil
		}
		if err := c.a.Resume(c.lctx); err != nil {
			return "", errors.Annotatef(err, "failed to resume")
		}
		if err := c.transition(StateAwaitingBreakpoint); err != nil {
			return "", err
		}
		if reason, err := c.waitHalt(ctx); reason != "" || err != nil {
			return reason, err
		}
		if err := c.transition(StateSampling); err != nil {
			return "", err
		}
		smp, cerr := c.sampler.capture(c.lctx)
		if err := c.record(smp, cerr); err != nil {
			return "", err
		}
		n++
		if n >= c.cfg.Repeat {
			return StopRepeatExhausted, nil
		}
		if err := c.transition(StateRunning); err != nil {
			return "", err
		}
		if err := c.stepOver(); err != nil {
			return "", err
		}
	}
}

// stepOver moves the core past the monitoring point with the breakpoint
// disarmed, so that resuming does not hit it again immediately.
func (c *Controller) stepOver() error {
	if err := c.clearBreakpoint(c.point.Address); err != nil {
		return errors.Annotatef(err, "failed to clear breakpoint")
	}
	if err := c.a.Step(c.lctx); err != nil {
		return errors.Annotatef(err, "failed to step over %s", c.pointName())
	}
	return errors.Annotatef(c.setBreakpoint(c.point.Address), "failed to re-arm breakpoint")
}

// finish moves the session to its final state, cleans up the target and
// emits the summary.
func (c *Controller) finish(reason StopReason, runErr error) (*Summary, error) {
	if runErr == nil {
		c.s.setStop(reason, "")
		if err := c.s.setState(StateCompleted); err != nil {
			glog.Errorf("%s", err)
			runErr = err
		}
	}
	if runErr != nil {
		glog.Errorf("%s: session faulted: %s", c.s.ID, runErr)
		c.s.setStop(StopFault, faultCause(runErr))
		if err := c.s.setState(StateFaulted); err != nil {
			glog.Errorf("%s", err)
		}
	}

	// Leave the target as we found it, as far as the link allows.
	switch {
	case c.a.Poisoned() != nil, probe.IsDisconnected(runErr):
	default:
		c.clearBreakpoints()
		if runErr == nil {
			if err := c.a.Halt(c.lctx); err != nil {
				c.s.warn("failed to halt the core: %s", err)
			}
		}
	}

	p := c.s.Progress()
	glog.Infof("%s: %s (%s) after %s, %d samples", c.s.ID, p.State, p.StopReason, p.Elapsed, p.Samples)
	sum, err := c.rec.Finalize()
	if runErr != nil {
		return sum, runErr
	}
	return sum, errors.Trace(err)
}

func faultCause(err error) string {
	if cfe, ok := errors.Cause(err).(*CoreFaultError); ok {
		return cfe.Cause
	}
	return err.Error()
}
