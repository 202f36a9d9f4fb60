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

// Package fakeswitch provides a recording swmbx.Client for tests. It logs
// every forwarded request in arrival order and materializes the MAC and
// VLAN tables a real switch manager would hold.
package fakeswitch

import (
	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/swhost/pkg/swmbx"
)

// MACEntry is one materialized MAC table entry.
type MACEntry struct {
	VID       uint16
	Addr      string
	Glort     swmbx.Glort
	Multicast bool
}

func macEntryLess(a, b MACEntry) bool {
	if a.VID != b.VID {
		return a.VID < b.VID
	}
	if a.Addr != b.Addr {
		return a.Addr < b.Addr
	}
	return a.Glort < b.Glort
}

// XcastChange records one UpdateXcastMode call.
type XcastChange struct {
	Glort swmbx.Glort
	Mode  swmbx.XcastMode
}

// LPortState records the last UpdateLPortState call for a base glort.
type LPortState struct {
	Count   uint16
	Enabled bool
}

// Switch is a swmbx.Client that records everything it is told. The zero
// value is not usable; call New.
type Switch struct {
	mu sync.Mutex
	// +checklocks:mu
	requests []swmbx.Request
	// +checklocks:mu
	macs *btree.BTreeG[MACEntry]
	// +checklocks:mu
	vlans bitmap.Bitmap
	// +checklocks:mu
	xcasts []XcastChange
	// +checklocks:mu
	lports map[swmbx.Glort]LPortState
	// +checklocks:mu
	fwMap swmbx.ForwardingMap
	// +checklocks:mu
	fwMapCalls int
	// +checklocks:mu
	vxlanPort uint16
	// +checklocks:mu
	genevePort uint16
	// +checklocks:mu
	forwardErr error
	// +checklocks:mu
	forwards int
	// +checklocks:mu
	ready bool

	cond *sync.Cond
}

var _ swmbx.Client = (*Switch)(nil)

// New returns an empty switch in the ready state.
func New() *Switch {
	s := &Switch{
		macs:   btree.NewG(8, macEntryLess),
		vlans:  bitmap.New(swmbx.NumVLANs),
		lports: make(map[swmbx.Glort]LPortState),
		ready:  true,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Forward implements swmbx.Client.Forward.
func (s *Switch) Forward(req *swmbx.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwards++
	s.cond.Broadcast()
	if err := s.forwardErr; err != nil {
		return err
	}
	s.requests = append(s.requests, *req)
	switch req.Kind {
	case swmbx.RequestVLAN:
		for i := uint32(0); i < uint32(req.VLAN.Length); i++ {
			vid := uint32(req.VLAN.First) + i
			if vid >= swmbx.NumVLANs {
				break
			}
			if req.Set {
				s.vlans.Add(vid)
			} else {
				s.vlans.Remove(vid)
			}
		}
	case swmbx.RequestUnicastMAC, swmbx.RequestMulticastMAC:
		entry := MACEntry{
			VID:       req.VID,
			Addr:      string(req.Addr),
			Glort:     req.Glort,
			Multicast: req.Kind == swmbx.RequestMulticastMAC,
		}
		if req.Set {
			s.macs.ReplaceOrInsert(entry)
		} else {
			s.macs.Delete(entry)
		}
	}
	return nil
}

// UpdateLPortState implements swmbx.Client.UpdateLPortState.
func (s *Switch) UpdateLPortState(glort swmbx.Glort, count uint16, enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lports[glort] = LPortState{Count: count, Enabled: enable}
	if !enable {
		// A disabled port range loses its switch state.
		s.macs.Clear(false)
		s.vlans = bitmap.New(swmbx.NumVLANs)
	}
	return nil
}

// UpdateXcastMode implements swmbx.Client.UpdateXcastMode.
func (s *Switch) UpdateXcastMode(glort swmbx.Glort, mode swmbx.XcastMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xcasts = append(s.xcasts, XcastChange{Glort: glort, Mode: mode})
	return nil
}

// ConfigureForwardingMap implements swmbx.Client.ConfigureForwardingMap.
func (s *Switch) ConfigureForwardingMap(cfg swmbx.ForwardingMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fwMap = cfg
	s.fwMapCalls++
	return nil
}

// UpdateTunnelPorts implements swmbx.Client.UpdateTunnelPorts.
func (s *Switch) UpdateTunnelPorts(vxlan, geneve uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vxlanPort = vxlan
	s.genevePort = geneve
	return nil
}

// Ready implements swmbx.Client.Ready.
func (s *Switch) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// SetReady changes what Ready reports.
func (s *Switch) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// SetForwardError makes subsequent Forward calls fail with err. The calls
// are still counted for AwaitForwards.
func (s *Switch) SetForwardError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwardErr = err
}

// AwaitForwards blocks until at least n Forward calls have arrived since
// the switch was created.
func (s *Switch) AwaitForwards(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.forwards < n {
		s.cond.Wait()
	}
}

// Forwards returns the total number of Forward calls.
func (s *Switch) Forwards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwards
}

// Requests returns the successfully forwarded requests in arrival order.
func (s *Switch) Requests() []swmbx.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]swmbx.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// ClearLog discards the recorded request log and xcast history, keeping
// the materialized tables.
func (s *Switch) ClearLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
	s.xcasts = nil
}

// MACs returns the materialized MAC table ordered by (vid, addr, glort).
func (s *Switch) MACs() []MACEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MACEntry, 0, s.macs.Len())
	s.macs.Ascend(func(e MACEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// VLANs returns the materialized VLAN membership in ascending order.
func (s *Switch) VLANs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vlans.ToSlice()
}

// Xcasts returns the UpdateXcastMode history.
func (s *Switch) Xcasts() []XcastChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]XcastChange, len(s.xcasts))
	copy(out, s.xcasts)
	return out
}

// LPort returns the last recorded state for a base glort.
func (s *Switch) LPort(glort swmbx.Glort) (LPortState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lports[glort]
	return st, ok
}

// ForwardingMap returns the last installed mapping and how many times one
// was installed.
func (s *Switch) ForwardingMap() (swmbx.ForwardingMap, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fwMap, s.fwMapCalls
}

// TunnelPorts returns the last configured VXLAN and GENEVE ports.
func (s *Switch) TunnelPorts() (vxlan, geneve uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vxlanPort, s.genevePort
}
