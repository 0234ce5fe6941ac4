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

// Package sink provides the destinations session records are written to.
package sink

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/mongoose-os/memprof/engine"
)

// envelope is the wire form of a record: one JSON object per line.
type envelope struct {
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

func marshalRecord(rec engine.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to marshal %s", rec.RecordType())
	}
	return json.Marshal(envelope{Type: rec.RecordType(), Record: data})
}

// IsCompressed reports whether records at path are zstd-compressed.
func IsCompressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}

// JSONLines writes records as JSON lines, optionally zstd-compressed.
type JSONLines struct {
	mu sync.Mutex
	bw *bufio.Writer
	zw *zstd.Encoder
	c  io.Closer
}

func NewJSONLines(w io.Writer, compress bool) (*JSONLines, error) {
	j := &JSONLines{}
	if compress {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to create zstd writer")
		}
		j.zw = zw
		w = zw
	}
	j.bw = bufio.NewWriter(w)
	return j, nil
}

// Create opens a record file. "-" is stdout.
func Create(path string) (*JSONLines, error) {
	if path == "-" {
		return NewJSONLines(os.Stdout, false)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to create record file")
	}
	j, err := NewJSONLines(f, IsCompressed(path))
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	j.c = f
	return j, nil
}

func (j *JSONLines) Emit(rec engine.Record) error {
	line, err := marshalRecord(rec)
	if err != nil {
		return errors.Trace(err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.bw == nil {
		return errors.Errorf("record file is closed")
	}
	j.bw.Write(line)
	j.bw.WriteByte('\n')
	if err := j.bw.Flush(); err != nil {
		return errors.Annotatef(err, "failed to write %s", rec.RecordType())
	}
	if _, ok := rec.(*engine.Summary); ok && j.zw != nil {
		if err := j.zw.Flush(); err != nil {
			return errors.Annotatef(err, "failed to flush")
		}
	}
	return nil
}

// Close flushes and closes the file. The zstd frame is only complete after
// Close.
func (j *JSONLines) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.bw == nil {
		return nil
	}
	err := j.bw.Flush()
	j.bw = nil
	if j.zw != nil {
		if zerr := j.zw.Close(); err == nil {
			err = zerr
		}
	}
	if j.c != nil {
		if cerr := j.c.Close(); err == nil {
			err = cerr
		}
	}
	return errors.Trace(err)
}

// ReadRecords decodes a stream written by JSONLines.
func ReadRecords(r io.Reader, compressed bool) ([]engine.Record, error) {
	if compressed {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to create zstd reader")
		}
		defer zr.Close()
		r = zr
	}
	var res []engine.Record
	dec := json.NewDecoder(r)
	for {
		var env envelope
		if err := dec.Decode(&env); err == io.EOF {
			return res, nil
		} else if err != nil {
			return res, errors.Annotatef(err, "record %d", len(res))
		}
		var rec engine.Record
		switch env.Type {
		case "sample":
			rec = &engine.Sample{}
		case "summary":
			rec = &engine.Summary{}
		default:
			return res, errors.NotValidf("record type %q", env.Type)
		}
		if err := json.Unmarshal(env.Record, rec); err != nil {
			return res, errors.Annotatef(err, "record %d", len(res))
		}
		res = append(res, rec)
	}
}

// ReadFile reads a record file written by Create.
func ReadFile(path string) ([]engine.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()
	recs, err := ReadRecords(f, IsCompressed(path))
	return recs, errors.Annotatef(err, "%s", path)
}
