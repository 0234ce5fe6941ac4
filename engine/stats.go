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
	"encoding/binary"
	"sort"

	"github.com/zeebo/xxh3"
)

type regionAcc struct {
	RegionStats
	seen   bool
	first  int
	hashes map[uint64]bool
}

// stats folds samples into the figures reported in the summary.
type stats struct {
	regions []regionAcc

	samples, complete, partial, faulted int
	interrupted, baseline               int

	variants  map[uint64]bool
	spOffsets []uint32
}

func newStats(regions []MemoryRegion) *stats {
	st := &stats{variants: map[uint64]bool{}}
	for _, r := range regions {
		st.regions = append(st.regions, regionAcc{
			RegionStats: RegionStats{Label: r.Label, Base: r.Base, Length: r.Length},
			hashes:      map[uint64]bool{},
		})
	}
	return st
}

func (st *stats) add(smp *Sample) {
	st.samples++
	switch smp.Status {
	case StatusComplete:
		st.complete++
	case StatusPartial:
		st.partial++
	case StatusFaulted:
		st.faulted++
	}
	if smp.Interrupted {
		st.interrupted++
	}
	if smp.Baseline {
		st.baseline++
	}
	if smp.SPOffset != nil {
		st.spOffsets = append(st.spOffsets, *smp.SPOffset)
	}
	for i, rc := range smp.Regions {
		if i >= len(st.regions) {
			break
		}
		acc := &st.regions[i]
		if rc.Missing {
			acc.Missing++
			continue
		}
		acc.Samples++
		if smp.Status != StatusComplete {
			continue
		}
		if !acc.seen {
			acc.seen = true
			acc.first = rc.Used
			acc.MinUsed, acc.MaxUsed = rc.Used, rc.Used
		}
		if rc.Used < acc.MinUsed {
			acc.MinUsed = rc.Used
		}
		if rc.Used > acc.MaxUsed {
			acc.MaxUsed = rc.Used
		}
		acc.DeltaUsed = acc.MaxUsed - acc.MinUsed
		acc.Growth = rc.Used - acc.first
		if rc.Watermark > acc.MaxWatermark {
			acc.MaxWatermark = rc.Watermark
		}
		acc.hashes[rc.Hash] = true
		acc.Variants = len(acc.hashes)
	}
	if smp.Status == StatusComplete {
		st.variants[sampleHash(smp)] = true
	}
}

// sampleHash identifies the combined content of all regions of a sample.
func sampleHash(smp *Sample) uint64 {
	buf := make([]byte, 8*len(smp.Regions))
	for i, rc := range smp.Regions {
		binary.LittleEndian.PutUint64(buf[i*8:], rc.Hash)
	}
	return xxh3.Hash(buf)
}

func (st *stats) fill(sum *Summary) {
	sum.Samples = st.samples
	sum.Complete = st.complete
	sum.Partial = st.partial
	sum.Faulted = st.faulted
	sum.Interrupted = st.interrupted
	sum.Baseline = st.baseline
	sum.Variants = len(st.variants)
	sum.Regions = nil
	for _, acc := range st.regions {
		sum.Regions = append(sum.Regions, acc.RegionStats)
	}
	if len(st.spOffsets) > 0 {
		med, max := medianMax(st.spOffsets)
		sum.SPOffsetMedian, sum.SPOffsetMax = &med, &max
	}
}

func medianMax(values []uint32) (uint32, uint32) {
	sorted := append([]uint32(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	med := sorted[n/2]
	if n%2 == 0 {
		med = uint32((uint64(sorted[n/2-1]) + uint64(sorted[n/2])) / 2)
	}
	return med, sorted[n-1]
}
