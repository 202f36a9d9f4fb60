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
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/swhost/pkg/swmbx"
)

// UpdateVID records a VLAN membership change and queues the matching
// filter updates. VLAN id 0 is reserved and rejected; under a switch
// manager VLAN override no memberships may be added.
//
// Removing the default VLAN id clears local state but leaves the switch
// filters alone, since the port still receives on that id.
func (i *Interface) UpdateVID(vid uint16, set bool) error {
	if vid == 0 || vid >= swmbx.NumVLANs {
		return linuxerr.EINVAL
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if set && i.opts.VLANOverride {
		return linuxerr.EACCES
	}

	if set {
		i.activeVLANs.Add(uint32(vid))
	} else {
		i.activeVLANs.Remove(uint32(vid))
	}

	// Withhold the default VLAN id from any receive queue whose id is
	// now an active VLAN.
	for _, r := range i.rxRings {
		r.vlanClear = i.vlanActive(r.defVID)
	}

	if i.opts.VLANOverride {
		return nil
	}
	if !set && vid == i.opts.DefaultVID {
		return nil
	}
	if i.down.Load() {
		return nil
	}

	i.mbxMu.Lock()
	defer i.mbxMu.Unlock()

	// In promiscuous or always-tagged operation every VLAN filter is
	// already open.
	if !i.rxMode.Promiscuous && !i.opts.AlwaysTag {
		if err := i.QueueVLANRequest(swmbx.VLANRange{First: vid, Length: 1}, set); err != nil {
			return err
		}
	}

	if err := i.QueueMACRequest(i.glort, i.addr, vid, set); err != nil {
		return err
	}

	// Replay every synced address on the changed VLAN. Individual
	// failures leave that address stale on this id until the next
	// restore.
	replay := func(addr tcpip.LinkAddress) {
		if err := i.QueueMACRequest(i.glort, addr, vid, set); err != nil {
			log.Debugf("VLAN %d replay for %s failed: %v", vid, addr, err)
		}
	}
	i.ucAddrs.forEachSynced(replay)
	i.mcAddrs.forEachSynced(replay)
	return nil
}

// vlanActive reports whether vid is an active VLAN membership.
// +checklocks:i.mu
func (i *Interface) vlanActive(vid uint16) bool {
	if vid == 0 || vid >= swmbx.NumVLANs {
		return false
	}
	next, err := i.activeVLANs.FirstOne(uint32(vid))
	return err == nil && next == uint32(vid)
}

// ActiveVLANs returns the active VLAN memberships in ascending order.
func (i *Interface) ActiveVLANs() []uint16 {
	i.mu.Lock()
	defer i.mu.Unlock()

	var vids []uint16
	for _, vid := range i.activeVLANs.ToSlice() {
		vids = append(vids, uint16(vid))
	}
	return vids
}

// findNextVLAN returns the first active VLAN id after vid. The search is
// capped at the default VLAN id when vid lies below it, and the cap
// doubles as the not-found sentinel: walking from zero therefore visits
// every active id below the default and then the default id itself,
// whether or not it is an active membership.
// +checklocks:i.mu
func (i *Interface) findNextVLAN(vid uint16) uint16 {
	limit := uint16(swmbx.NumVLANs)
	if vid < i.opts.DefaultVID {
		limit = i.opts.DefaultVID
	}

	next, err := i.activeVLANs.FirstOne(uint32(vid) + 1)
	if err != nil || next >= uint32(limit) {
		return limit
	}
	return uint16(next)
}

// clearUnusedVLANs queues filter clears for every VLAN range the
// interface is not a member of, as ranges. Walking with findNextVLAN
// keeps the default VLAN id out of the cleared ranges.
// +checklocks:i.mu
// +checklocks:i.mbxMu
func (i *Interface) clearUnusedVLANs() {
	prev, vid := uint16(0), uint16(0)
	for uint32(prev) < swmbx.NumVLANs {
		if prev != vid {
			rng := swmbx.VLANRange{First: prev, Length: vid - prev}
			if err := i.QueueVLANRequest(rng, false); err != nil {
				log.Debugf("VLAN clear %v failed: %v", rng, err)
			}
		}
		prev = vid + 1
		vid = i.findNextVLAN(vid)
	}
}
