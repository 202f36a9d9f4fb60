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
	"go.uber.org/multierr"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/swhost/pkg/swmbx"
)

// addrEntry is one tracked address and whether it has been announced to
// the switch manager.
type addrEntry struct {
	addr   tcpip.LinkAddress
	synced bool
}

// addrList mirrors one class of host-stack addresses. The host stack
// owns the desired set; the synced flags record how much of it has
// reached the switch manager, so state can be replayed after the logical
// port drops.
type addrList struct {
	entries []addrEntry
}

func (l *addrList) has(addr tcpip.LinkAddress) bool {
	for _, e := range l.entries {
		if e.addr == addr {
			return true
		}
	}
	return false
}

func wantContains(want []tcpip.LinkAddress, addr tcpip.LinkAddress) bool {
	for _, a := range want {
		if a == addr {
			return true
		}
	}
	return false
}

// replaceWant resets the list to the desired set with nothing synced.
func (l *addrList) replaceWant(want []tcpip.LinkAddress) {
	l.entries = l.entries[:0]
	for _, a := range want {
		if !l.has(a) {
			l.entries = append(l.entries, addrEntry{addr: a})
		}
	}
}

// syncWith reconciles the list against the desired set. Departed
// addresses are removed first; a failed removal keeps the entry so the
// next reconciliation retries it. New addresses are then announced in
// order, stopping at the first failure.
func (l *addrList) syncWith(want []tcpip.LinkAddress, add, remove func(tcpip.LinkAddress) error) error {
	kept := l.entries[:0]
	for _, e := range l.entries {
		if wantContains(want, e.addr) {
			kept = append(kept, e)
			continue
		}
		if e.synced {
			if err := remove(e.addr); err != nil {
				kept = append(kept, e)
			}
		}
	}
	l.entries = kept

	for _, a := range want {
		if !l.has(a) {
			l.entries = append(l.entries, addrEntry{addr: a})
		}
	}

	return l.syncPending(add)
}

// syncPending announces every address not yet synced, stopping at the
// first failure.
func (l *addrList) syncPending(add func(tcpip.LinkAddress) error) error {
	for n := range l.entries {
		if l.entries[n].synced {
			continue
		}
		if err := add(l.entries[n].addr); err != nil {
			return err
		}
		l.entries[n].synced = true
	}
	return nil
}

// clearSynced forgets the announced state without touching the desired
// set.
func (l *addrList) clearSynced() {
	for n := range l.entries {
		l.entries[n].synced = false
	}
}

func (l *addrList) forEachSynced(fn func(tcpip.LinkAddress)) {
	for _, e := range l.entries {
		if e.synced {
			fn(e.addr)
		}
	}
}

// syncUnicast queues filter updates installing or removing addr on every
// VLAN the interface participates in.
// +checklocks:i.mu
// +checklocks:i.mbxMu
func (i *Interface) syncUnicast(addr tcpip.LinkAddress, sync bool) error {
	if !header.IsValidUnicastEthernetAddress(addr) {
		return linuxerr.EADDRNOTAVAIL
	}

	glort := i.glort
	for vid := i.findNextVLAN(0); vid < swmbx.NumVLANs; vid = i.findNextVLAN(vid) {
		if err := i.QueueMACRequest(glort, addr, vid, sync); err != nil {
			return err
		}
	}
	return nil
}

// syncMulticast is the multicast counterpart of syncUnicast.
// +checklocks:i.mu
// +checklocks:i.mbxMu
func (i *Interface) syncMulticast(addr tcpip.LinkAddress, sync bool) error {
	if !header.IsMulticastEthernetAddress(addr) {
		return linuxerr.EADDRNOTAVAIL
	}

	glort := i.glort
	for vid := i.findNextVLAN(0); vid < swmbx.NumVLANs; vid = i.findNextVLAN(vid) {
		if err := i.QueueMACRequest(glort, addr, vid, sync); err != nil {
			return err
		}
	}
	return nil
}

// SetRxMode applies the receive filtering state requested by the host
// stack: the multi-destination mode plus the secondary unicast and
// multicast address lists. While the interface is down only the desired
// state is recorded; Up replays it.
//
// Entering promiscuous operation opens every VLAN filter; leaving it
// closes the VLANs the interface is not a member of, as ranges.
func (i *Interface) SetRxMode(mode RxMode, uc, mc []tcpip.LinkAddress) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.rxMode = mode
	if i.down.Load() {
		i.ucAddrs.replaceWant(uc)
		i.mcAddrs.replaceWant(mc)
		return nil
	}

	xcast := mode.xcast()

	i.mbxMu.Lock()
	defer i.mbxMu.Unlock()

	if i.xcast != xcast {
		// With always-tagged operation the VLAN table is pinned open
		// and does not follow promiscuous transitions.
		if !i.opts.AlwaysTag {
			if xcast == swmbx.XcastPromisc {
				if err := i.QueueVLANRequest(swmbx.AllVLANs(), true); err != nil {
					log.Debugf("opening VLAN table: %v", err)
				}
			}
			if i.xcast == swmbx.XcastPromisc {
				i.clearUnusedVLANs()
			}
		}

		if i.sw.Ready() {
			if err := i.sw.UpdateXcastMode(i.glort, xcast); err != nil {
				log.Debugf("xcast mode %v: %v", xcast, err)
			}
		}

		i.xcast = xcast
	}

	ucErr := i.ucAddrs.syncWith(uc,
		func(a tcpip.LinkAddress) error { return i.syncUnicast(a, true) },
		func(a tcpip.LinkAddress) error { return i.syncUnicast(a, false) })
	mcErr := i.mcAddrs.syncWith(mc,
		func(a tcpip.LinkAddress) error { return i.syncMulticast(a, true) },
		func(a tcpip.LinkAddress) error { return i.syncMulticast(a, false) })
	return multierr.Combine(ucErr, mcErr)
}

// SetMACAddress changes the station address. While up, the new address
// is announced on every participating VLAN before the old one is
// withdrawn, so the port never goes dark; if the announcement fails the
// address is left unchanged and the caller should retry.
func (i *Interface) SetMACAddress(addr tcpip.LinkAddress) error {
	if !header.IsValidUnicastEthernetAddress(addr) {
		return linuxerr.EADDRNOTAVAIL
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.down.Load() {
		i.mbxMu.Lock()
		err := i.syncUnicast(addr, true)
		if err == nil {
			// Withdrawal failures leave stale filters behind; the
			// next restore rewrites them.
			if uerr := i.syncUnicast(i.addr, false); uerr != nil {
				log.Debugf("withdrawing %s: %v", i.addr, uerr)
			}
		}
		i.mbxMu.Unlock()
		if err != nil {
			return linuxerr.EAGAIN
		}
	}

	i.addr = addr
	return nil
}

// RxModeState returns the receive filtering state last requested.
func (i *Interface) RxModeState() RxMode {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rxMode
}

// XcastMode returns the multi-destination receive mode last announced to
// the switch manager.
func (i *Interface) XcastMode() swmbx.XcastMode {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.xcast
}

// RestoreRxState reannounces the logical port and replays the VLAN, MAC,
// and station state into the switch manager. Up invokes it; it is also
// the recovery path after a switch manager restart.
func (i *Interface) RestoreRxState() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.restoreRxStateLocked()
}

// +checklocks:i.mu
func (i *Interface) restoreRxStateLocked() {
	glort := i.glort
	xcast := i.rxMode.xcast()

	i.mbxMu.Lock()

	if i.sw.Ready() {
		if err := i.sw.UpdateLPortState(glort, i.glortCount, true); err != nil {
			log.Debugf("enabling logical port %#x: %v", glort, err)
		}
	}

	// Open the whole VLAN table or start from a clean one.
	all := xcast == swmbx.XcastPromisc || i.opts.AlwaysTag
	if err := i.QueueVLANRequest(swmbx.AllVLANs(), all); err != nil {
		log.Debugf("resetting VLAN table: %v", err)
	}

	// Replay memberships and the station address on each of them.
	for vid := i.findNextVLAN(0); vid < swmbx.NumVLANs; vid = i.findNextVLAN(vid) {
		if err := i.QueueVLANRequest(swmbx.VLANRange{First: vid, Length: 1}, true); err != nil {
			log.Debugf("restoring VLAN %d: %v", vid, err)
		}
		if err := i.QueueMACRequest(glort, i.addr, vid, true); err != nil {
			log.Debugf("restoring %s on VLAN %d: %v", i.addr, vid, err)
		}
	}

	if i.sw.Ready() {
		if err := i.sw.UpdateXcastMode(glort, xcast); err != nil {
			log.Debugf("xcast mode %v: %v", xcast, err)
		}
	}

	if err := i.ucAddrs.syncPending(func(a tcpip.LinkAddress) error { return i.syncUnicast(a, true) }); err != nil {
		log.Debugf("restoring unicast addresses: %v", err)
	}
	if err := i.mcAddrs.syncPending(func(a tcpip.LinkAddress) error { return i.syncMulticast(a, true) }); err != nil {
		log.Debugf("restoring multicast addresses: %v", err)
	}

	// Reannounce every station on its own glort.
	if tbl := i.accel.Load(); tbl != nil {
		for n := range tbl.slots {
			st := tbl.slots[n].Load()
			if st == nil {
				continue
			}
			sglort := tbl.dglort + 1 + swmbx.Glort(n)
			if err := i.sw.UpdateXcastMode(sglort, swmbx.XcastMulti); err != nil {
				log.Debugf("station xcast mode: %v", err)
			}
			if err := i.QueueMACRequest(sglort, st.Addr, i.opts.DefaultVID, true); err != nil {
				log.Debugf("restoring station %s: %v", st.Addr, err)
			}
		}
	}

	i.mbxMu.Unlock()

	i.xcast = xcast

	i.restoreTunnelPortsLocked()
}

// ResetRxState quiesces the drain worker, cancels this port's queued
// requests, drops the logical port, and forgets which filter state had
// been announced. Down invokes it; it is also the first half of switch
// manager restart recovery.
func (i *Interface) ResetRxState() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.resetRxStateLocked()
}

// +checklocks:i.mu
func (i *Interface) resetRxStateLocked() {
	// Let in-flight forwards finish before cancelling what is left.
	i.waitDrainIdle()
	i.CancelRequests(i.glort, true)

	i.mbxMu.Lock()
	if i.sw.Ready() {
		if err := i.sw.UpdateLPortState(i.glort, i.glortCount, false); err != nil {
			log.Debugf("disabling logical port %#x: %v", i.glort, err)
		}
	}
	i.mbxMu.Unlock()

	i.xcast = swmbx.XcastNone
	i.ucAddrs.clearSynced()
	i.mcAddrs.clearSynced()
}
