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
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/swhost/pkg/dma"
)

// Descriptor blocks are sized in whole 4K units to match the device's
// ring base alignment.
const descBlockAlign = 4096

// txDesc is the transmit descriptor layout shared with the device.
type txDesc struct {
	bufferAddr uint64
	bufLen     uint16
	vlan       uint16
	mss        uint16
	hdrLen     uint8
	flags      uint8
}

// rxDesc is the receive descriptor layout shared with the device. Only
// the fetch format is populated by software; the device overwrites the
// trailing words on writeback.
type rxDesc struct {
	pktAddr uint64
	hdrAddr uint64
	_       [16]byte
}

// ring holds state common to both ring directions. The buffer array and
// the descriptor block are allocated and released strictly as a pair.
type ring struct {
	ifc   *Interface
	idx   int
	count uint16

	// descRaw and descAddr are the coherent descriptor block and its
	// bus address. Both are nil/zero exactly when the ring holds no
	// resources.
	descRaw  []byte
	descAddr dma.Address
	descSize int

	nextToClean uint16
	nextToUse   uint16

	stats ringStats
}

// Count returns the ring size in descriptors.
func (r *ring) Count() uint16 {
	return r.count
}

// descBytes returns the descriptor block size for n desc-sized entries,
// rounded up to the block alignment.
func descBytes(n int, descSize uintptr) int {
	size := n * int(descSize)
	return (size + descBlockAlign - 1) &^ (descBlockAlign - 1)
}

// TxRing is one transmit queue. The fast path fills descriptors and
// buffer slots from nextToUse; completion processing drains them from
// nextToClean.
type TxRing struct {
	ring

	buf  []txBuffer
	desc []txDesc

	// Outstanding work handed to the device but not yet completed.
	pendingPackets atomicbitops.Uint64
	pendingBytes   atomicbitops.Uint64
}

// txBuffer is the software half of one transmit slot. A slot holding a
// packet owns one reference on it and, when mapping is set, one DMA
// mapping. Slots carrying a fragment of a multi-descriptor packet hold
// the mapping only. watch points at the descriptor a waiting sender
// armed for a completion writeback; any of the three being set means the
// slot is live.
type txBuffer struct {
	pkt     stack.PacketBufferPtr
	mapping dma.Mapping
	watch   *txDesc
}

// unmapAndFree releases everything a transmit slot holds and leaves it
// empty. The packet reference, the mapping, and the watch pointer are
// cleared together; a torn slot would double-release on the next clean.
func (r *TxRing) unmapAndFree(buf *txBuffer) {
	if !buf.pkt.IsNil() {
		buf.pkt.DecRef()
		if buf.mapping.Len != 0 {
			r.ifc.alloc.UnmapSingle(buf.mapping)
		}
	} else if buf.mapping.Len != 0 {
		r.ifc.alloc.UnmapPage(buf.mapping)
	}
	buf.pkt = stack.PacketBufferPtr{}
	buf.mapping = dma.Mapping{}
	buf.watch = nil
}

// Setup allocates the ring's buffer array and descriptor block. On
// failure nothing remains held.
func (r *TxRing) Setup() error {
	r.buf = make([]txBuffer, r.count)

	r.descSize = descBytes(int(r.count), txDescSize)
	raw, addr, err := r.ifc.alloc.AllocCoherent(r.descSize)
	if err != nil {
		r.buf = nil
		return err
	}
	r.descRaw = raw
	r.descAddr = addr
	r.desc = txDescView(raw, int(r.count))
	return nil
}

// Clean releases every live transmit buffer, zeroes the buffer array,
// and zeroes the whole descriptor block. The ring is left empty but
// allocated.
func (r *TxRing) Clean() {
	if r.buf == nil {
		return
	}

	for n := range r.buf {
		r.unmapAndFree(&r.buf[n])
	}

	r.pendingPackets.Store(0)
	r.pendingBytes.Store(0)

	clear(r.buf)
	clear(r.descRaw)
}

// Free releases the ring's resources. It is a no-op on a ring that holds
// none.
func (r *TxRing) Free() {
	r.Clean()

	r.buf = nil
	if r.descRaw == nil {
		return
	}

	r.ifc.alloc.FreeCoherent(r.descRaw, r.descAddr)
	r.descRaw = nil
	r.descAddr = 0
	r.desc = nil
}

// Pending returns the packet and byte counts handed to the device but
// not yet completed.
func (r *TxRing) Pending() (packets, bytes uint64) {
	return r.pendingPackets.Load(), r.pendingBytes.Load()
}

// AddPending records work handed to the device.
func (r *TxRing) AddPending(packets, bytes uint64) {
	r.pendingPackets.Add(packets)
	r.pendingBytes.Add(bytes)
}

// RxRing is one receive queue. The fast path allocates pages into slots
// from nextToAlloc, the device fills them from nextToUse, and completion
// processing drains from nextToClean.
type RxRing struct {
	ring

	buf  []rxBuffer
	desc []rxDesc

	nextToAlloc uint16

	// pending is a partially assembled frame spanning ring wraps.
	pending stack.PacketBufferPtr

	// defVID is the default VLAN id the device inserts on untagged
	// frames for this queue; vlanClear withholds it because the id is
	// also an active VLAN.
	defVID    uint16
	vlanClear bool

	// accel mirrors the interface's published station table so receive
	// processing resolves stations without touching the interface.
	accel atomic.Pointer[accelTable]
}

// rxBuffer is the software half of one receive slot: the mapped page the
// matching descriptor points into.
type rxBuffer struct {
	page       *dma.Page
	pageOffset uint32
}

// Setup allocates the ring's buffer array and descriptor block. On
// failure nothing remains held.
func (r *RxRing) Setup() error {
	r.buf = make([]rxBuffer, r.count)

	r.descSize = descBytes(int(r.count), rxDescSize)
	raw, addr, err := r.ifc.alloc.AllocCoherent(r.descSize)
	if err != nil {
		r.buf = nil
		return err
	}
	r.descRaw = raw
	r.descAddr = addr
	r.desc = rxDescView(raw, int(r.count))
	return nil
}

// Clean releases the pending frame and every posted page, zeroes the
// buffer array and the whole descriptor block, and rewinds all three
// cursors. The ring is left empty but allocated.
func (r *RxRing) Clean() {
	if r.buf == nil {
		return
	}

	if !r.pending.IsNil() {
		r.pending.DecRef()
		r.pending = stack.PacketBufferPtr{}
	}

	for n := range r.buf {
		buf := &r.buf[n]
		if buf.page == nil {
			continue
		}
		r.ifc.alloc.UnmapPage(buf.page.Mapping())
		r.ifc.alloc.FreePage(buf.page)
		buf.page = nil
		buf.pageOffset = 0
	}

	clear(r.buf)
	clear(r.descRaw)

	r.nextToAlloc = 0
	r.nextToClean = 0
	r.nextToUse = 0
}

// Free releases the ring's resources. It is a no-op on a ring that holds
// none.
func (r *RxRing) Free() {
	r.Clean()

	r.buf = nil
	if r.descRaw == nil {
		return
	}

	r.ifc.alloc.FreeCoherent(r.descRaw, r.descAddr)
	r.descRaw = nil
	r.descAddr = 0
	r.desc = nil
}

// DefaultVID returns the default VLAN id for this queue and whether it
// is currently withheld.
func (r *RxRing) DefaultVID() (vid uint16, clear bool) {
	return r.defVID, r.vlanClear
}

// setupAllTxResources allocates every transmit ring. On failure the
// rings already set up are freed before returning.
// +checklocks:i.mu
func (i *Interface) setupAllTxResources() error {
	for n := range i.txRings {
		err := i.txRings[n].Setup()
		if err == nil {
			continue
		}
		log.Warningf("allocation for Tx queue %d failed: %v", n, err)

		// Unwind in reverse order, freeing only what was set up.
		for n--; n >= 0; n-- {
			i.txRings[n].Free()
		}
		return err
	}
	return nil
}

// setupAllRxResources allocates every receive ring. On failure the rings
// already set up are freed before returning.
// +checklocks:i.mu
func (i *Interface) setupAllRxResources() error {
	for n := range i.rxRings {
		err := i.rxRings[n].Setup()
		if err == nil {
			continue
		}
		log.Warningf("allocation for Rx queue %d failed: %v", n, err)

		// Unwind in reverse order, freeing only what was set up.
		for n--; n >= 0; n-- {
			i.rxRings[n].Free()
		}
		return err
	}
	return nil
}

// +checklocks:i.mu
func (i *Interface) freeAllTxResources() {
	for n := len(i.txRings) - 1; n >= 0; n-- {
		i.txRings[n].Free()
	}
}

// +checklocks:i.mu
func (i *Interface) freeAllRxResources() {
	for n := len(i.rxRings) - 1; n >= 0; n-- {
		i.rxRings[n].Free()
	}
}

// CleanAllTxRings empties every transmit ring without releasing the
// rings themselves.
func (i *Interface) CleanAllTxRings() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, r := range i.txRings {
		r.Clean()
	}
}

// CleanAllRxRings empties every receive ring without releasing the rings
// themselves.
func (i *Interface) CleanAllRxRings() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, r := range i.rxRings {
		r.Clean()
	}
}
