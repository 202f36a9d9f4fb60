// Copyright 2023 The gVisor Authors.
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

package hostif

import (
	"gvisor.dev/gvisor/pkg/sync"
)

// ringStats counts frames and bytes delivered through one ring. A single
// completion goroutine writes; readers retry around concurrent updates
// so the pair is always observed together.
type ringStats struct {
	seq     sync.SeqCount
	packets uint64
	bytes   uint64
}

func (s *ringStats) add(packets, bytes uint64) {
	s.seq.BeginWrite()
	s.packets += packets
	s.bytes += bytes
	s.seq.EndWrite()
}

func (s *ringStats) read() (packets, bytes uint64) {
	for {
		epoch := s.seq.BeginRead()
		packets = s.packets
		bytes = s.bytes
		if s.seq.ReadOk(epoch) {
			return packets, bytes
		}
	}
}

// AddStats records frames delivered through the ring. Only the ring's
// completion goroutine may call this.
func (r *ring) AddStats(packets, bytes uint64) {
	r.stats.add(packets, bytes)
}

// Stats returns a consistent snapshot of the ring's delivery counters.
func (r *ring) Stats() (packets, bytes uint64) {
	return r.stats.read()
}

// Stats is an aggregate of the per-queue delivery counters.
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
}

// Stats sums the delivery counters across all queues. Counters are
// cumulative; cleaning or freeing a ring does not reset them.
func (i *Interface) Stats() Stats {
	var s Stats
	for _, r := range i.rxRings {
		packets, bytes := r.Stats()
		s.RxPackets += packets
		s.RxBytes += bytes
	}
	for _, r := range i.txRings {
		packets, bytes := r.Stats()
		s.TxPackets += packets
		s.TxBytes += bytes
	}
	return s
}
