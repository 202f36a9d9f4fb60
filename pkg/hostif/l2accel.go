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
	"math/bits"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/swhost/pkg/swmbx"
)

const (
	// initialStationSlots is the starting station table size. With the
	// base glort reserved for the interface itself, a table needs one
	// more glort than it has slots.
	initialStationSlots = 7

	// maxStations bounds the table across grows.
	maxStations = 63
)

// Station is one secondary interface bound to a slot of the
// forwarding-acceleration table. The pointer identifies the station; its
// fields must not change while the station is installed.
type Station struct {
	Name string
	Addr tcpip.LinkAddress
}

// accelTable maps the glorts above the interface's base to stations.
// Slot n serves glort dglort+1+n. Tables are grown by publishing a wider
// copy; receive goroutines may keep resolving through a superseded table
// until they next reload the pointer, which is safe because installed
// slots keep their positions forever.
type accelTable struct {
	dglort swmbx.Glort

	// count is maintained by mutators under Interface.mu.
	count int

	slots []atomic.Pointer[Station]
}

func newAccelTable(size int, dglort swmbx.Glort) *accelTable {
	return &accelTable{
		dglort: dglort,
		slots:  make([]atomic.Pointer[Station], size),
	}
}

// assignAccelTable publishes tbl, rings first so receive processing
// never resolves through a table the interface has already dropped.
// +checklocks:i.mu
func (i *Interface) assignAccelTable(tbl *accelTable) {
	for _, r := range i.rxRings {
		r.accel.Store(tbl)
	}
	i.accel.Store(tbl)
}

// AddStation installs st in the forwarding-acceleration table, growing
// the table when it is full, and announces the station's address to the
// switch manager under its assigned glort.
//
// It fails with EBUSY when the interface's GLORT range cannot host the
// table or another station.
func (i *Interface) AddStation(st *Station) error {
	if st == nil {
		return linuxerr.EINVAL
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	tbl := i.accel.Load()
	if tbl == nil {
		if i.glortCount < initialStationSlots {
			return linuxerr.EBUSY
		}
		tbl = newAccelTable(initialStationSlots, i.glort)
		i.assignAccelTable(tbl)
	} else if tbl.count == maxStations || tbl.count == int(i.glortCount)-1 {
		return linuxerr.EBUSY
	} else if tbl.count == len(tbl.slots) {
		grown := newAccelTable(len(tbl.slots)*2+1, tbl.dglort)
		for n := range tbl.slots {
			grown.slots[n].Store(tbl.slots[n].Load())
		}
		grown.count = tbl.count
		i.assignAccelTable(grown)
		tbl = grown
	}

	slot := 0
	for ; slot < len(tbl.slots); slot++ {
		if tbl.slots[slot].Load() == nil {
			break
		}
	}

	tbl.slots[slot].Store(st)
	tbl.count++

	i.configureForwardingMap(tbl)

	i.mbxMu.Lock()
	glort := tbl.dglort + 1 + swmbx.Glort(slot)
	if i.sw.Ready() {
		if err := i.sw.UpdateXcastMode(glort, swmbx.XcastMulti); err != nil {
			log.Debugf("station xcast mode: %v", err)
		}
		if err := i.QueueMACRequest(glort, st.Addr, i.opts.DefaultVID, true); err != nil {
			log.Debugf("announcing station %s: %v", st.Addr, err)
		}
	}
	i.mbxMu.Unlock()

	return nil
}

// DelStation withdraws st's switch rules and clears its slot. The last
// removal retires the table. Removing a station that is not installed is
// a no-op.
func (i *Interface) DelStation(st *Station) {
	i.mu.Lock()
	defer i.mu.Unlock()

	tbl := i.accel.Load()
	if tbl == nil {
		return
	}

	slot := 0
	for ; slot < len(tbl.slots); slot++ {
		if tbl.slots[slot].Load() == st {
			break
		}
	}
	if slot == len(tbl.slots) {
		return
	}

	i.mbxMu.Lock()
	glort := tbl.dglort + 1 + swmbx.Glort(slot)
	if i.sw.Ready() {
		if err := i.sw.UpdateXcastMode(glort, swmbx.XcastNone); err != nil {
			log.Debugf("station xcast mode: %v", err)
		}
		if err := i.QueueMACRequest(glort, st.Addr, i.opts.DefaultVID, false); err != nil {
			log.Debugf("withdrawing station %s: %v", st.Addr, err)
		}
	}
	i.mbxMu.Unlock()

	tbl.slots[slot].Store(nil)
	tbl.count--

	i.configureForwardingMap(tbl)

	if tbl.count == 0 {
		i.assignAccelTable(nil)
	}
}

// NumStations returns the number of installed stations.
func (i *Interface) NumStations() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	if tbl := i.accel.Load(); tbl != nil {
		return tbl.count
	}
	return 0
}

// configureForwardingMap pushes the glort decomposition covering the
// interface's receive queues and the current station table width. The
// map is written directly rather than through the sync queue; it
// describes routing, not filters.
// +checklocks:i.mu
func (i *Interface) configureForwardingMap(tbl *accelTable) {
	cfg := swmbx.ForwardingMap{
		Base:     i.glort,
		RSSLen:   uint8(bits.Len(uint(len(i.rxRings) - 1))),
		InnerRSS: true,
	}
	if tbl != nil {
		cfg.SharedLen = uint8(bits.Len(uint(len(tbl.slots))))
	}
	if err := i.sw.ConfigureForwardingMap(cfg); err != nil {
		log.Debugf("forwarding map: %v", err)
	}
}

// LookupStation resolves the station a received frame was switched to,
// or nil when the glort does not name an installed station. Safe from
// the receive goroutine concurrently with installs and removals.
func (r *RxRing) LookupStation(glort swmbx.Glort) *Station {
	tbl := r.accel.Load()
	if tbl == nil || glort <= tbl.dglort {
		return nil
	}

	idx := int(glort - tbl.dglort - 1)
	if idx >= len(tbl.slots) {
		return nil
	}
	return tbl.slots[idx].Load()
}
