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
package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/memprof/engine"
)

const sampleConfig = `
probe:
  type: cmsis-dap
  vid: 0x0d28
  pid: "0x0204"
target:
  name: nrf52
  elf: build/fw.elf
mode: single-shot
point: mgos_app_init
repeat: 3
baseline: true
interval: 50ms
regions:
  - label: stack
    stack: true
    length: 2K
    width: word
  - label: heap
    base: 0x20001000
    length: "0x800"
    fill: 0xaa
timeouts:
  step: 100ms
output:
  file: out.jsonl.zst
  live_addr: 127.0.0.1:8910
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ProbeCMSISDAP, c.Probe.Type)
	assert.Equal(t, Number(0x0d28), c.Probe.VID)
	assert.Equal(t, Number(0x0204), c.Probe.PID)
	assert.Equal(t, "single-shot", c.Mode)
	assert.Equal(t, 50*time.Millisecond, c.Interval)
	assert.Equal(t, 3, c.Repeat)
	assert.True(t, c.NeedsStackTop())

	// Unset values keep their defaults.
	assert.Equal(t, engine.DefaultDuration, c.Duration)
	assert.Equal(t, engine.DefaultMaxReadFailures, c.MaxReadFailures)
	assert.Equal(t, 100*time.Millisecond, c.Timeouts.Step)
	assert.NotZero(t, c.Timeouts.Control)

	require.Len(t, c.Regions, 2)
	assert.Equal(t, Size(2048), c.Regions[0].Length)
	assert.Equal(t, Size(0x800), c.Regions[1].Length)
}

func TestEngineConfig(t *testing.T) {
	c, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	ec, err := c.Engine(0x20008000)
	require.NoError(t, err)
	assert.Equal(t, engine.ModeSingleShot, ec.Mode)
	assert.Equal(t, "mgos_app_init", ec.Point)
	assert.True(t, ec.Baseline)
	assert.True(t, ec.DiscardSamples)
	assert.Equal(t, uint32(0x20008000), ec.StackTop)
	assert.Equal(t, "nrf52", ec.Target)

	assert.Equal(t, []engine.MemoryRegion{
		{Label: "stack", Base: 0x20007800, Length: 2048, Width: engine.WidthWord, Fill: engine.DefaultFill, GrowsDown: true},
		{Label: "heap", Base: 0x20001000, Length: 0x800, Width: engine.WidthByte, Fill: 0xaa},
	}, ec.Regions)

	_, err = c.Engine(0)
	assert.Error(t, err, "stack region without a stack top")
}

func TestValidate(t *testing.T) {
	for _, c := range []struct {
		name string
		yaml string
	}{
		{"probe type", "probe: {type: jtag}\nmode: looping\n"},
		{"gdb without address", "probe: {type: gdb-remote}\nmode: looping\n"},
		{"mode", "mode: sideways\n"},
		{"negative interval", "interval: -1s\n"},
		{"region without base", "regions: [{label: a, length: 16}]\n"},
		{"region length", "regions: [{label: a, base: 0x20000000, length: 0}]\n"},
		{"region width", "regions: [{label: a, base: 0x20000000, length: 4, width: half}]\n"},
		{"region fill", "regions: [{label: a, base: 0x20000000, length: 4, fill: 0x100}]\n"},
		{"bad address", "regions: [{label: a, base: nowhere, length: 4}]\n"},
		{"unknown field", "colour: blue\n"},
	} {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	_, err := Parse([]byte("mode: sideways\nprobe: {type: jtag}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors")
}

func TestLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "memprof-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "session.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte("probe: {type: gdb-remote, address: 'localhost:3333'}\nmode: stepping\nstep_limit: 10\n"), 0644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:3333", c.Probe.Address)
	assert.Equal(t, 10, c.StepLimit)

	_, err = Load(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func TestSave(t *testing.T) {
	dir, err := ioutil.TempDir("", "memprof-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	c, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	path := filepath.Join(dir, "saved.yml")
	written, err := c.Save(path)
	require.NoError(t, err)
	assert.True(t, written)
	written, err = c.Save(path)
	require.NoError(t, err)
	assert.False(t, written, "unchanged config rewritten")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}
