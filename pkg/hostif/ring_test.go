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
	"testing"

	"gvisor.dev/gvisor/pkg/bufferv2"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/swhost/pkg/dma"
)

func testPacket() stack.PacketBufferPtr {
	return stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: bufferv2.MakeWithData(make([]byte, 60)),
	})
}

func TestTxRingSetupFree(t *testing.T) {
	e := newTestEnv(t, nil)
	r := e.ifc.TxRing(0)

	if err := r.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if r.buf == nil || r.descRaw == nil || r.desc == nil {
		t.Fatal("Setup left resources unallocated")
	}
	if got, want := r.descSize, 8192; got != want {
		t.Errorf("descSize = %d, want %d", got, want)
	}

	r.Free()
	if r.buf != nil || r.descRaw != nil || r.desc != nil {
		t.Error("Free left resources behind")
	}
	if got := e.alloc.LiveBlocks(); got != 0 {
		t.Errorf("LiveBlocks = %d, want 0", got)
	}

	// Free of an empty ring, and a ring never set up, is a no-op.
	r.Free()
	e.ifc.TxRing(1).Free()
}

func TestDescBytes(t *testing.T) {
	tests := []struct {
		name string
		n    int
		desc uintptr
		want int
	}{
		{"tx default", 512, txDescSize, 8192},
		{"rx default", 512, rxDescSize, 16384},
		{"tx exact block", 256, txDescSize, 4096},
		{"tx partial block", 128, txDescSize, 4096},
		{"tx padded", 136, txDescSize, 4096},
		{"rx padded", 136, rxDescSize, 8192},
		{"tx spills into next block", 264, txDescSize, 8192},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := descBytes(test.n, test.desc); got != test.want {
				t.Errorf("descBytes(%d, %d) = %d, want %d", test.n, test.desc, got, test.want)
			}
		})
	}
}

func TestUnalignedCountPadsDescriptorBlocks(t *testing.T) {
	e := newTestEnv(t, func(o *Options) {
		o.TxDescriptors = 136
		o.RxDescriptors = 136
	})
	e.up(t)

	// 136 descriptors leave both blocks short of a 4K boundary: 2176
	// descriptor bytes pad to 4096 on transmit, 4352 to 8192 on receive.
	tx := e.ifc.TxRing(0)
	if tx.descSize != 4096 || len(tx.descRaw) != 4096 {
		t.Errorf("Tx block = %d bytes (raw %d), want 4096", tx.descSize, len(tx.descRaw))
	}
	if len(tx.desc) != 136 {
		t.Errorf("Tx view = %d descriptors, want 136", len(tx.desc))
	}
	rx := e.ifc.RxRing(0)
	if rx.descSize != 8192 || len(rx.descRaw) != 8192 {
		t.Errorf("Rx block = %d bytes (raw %d), want 8192", rx.descSize, len(rx.descRaw))
	}
	if len(rx.desc) != 136 {
		t.Errorf("Rx view = %d descriptors, want 136", len(rx.desc))
	}
}

func TestTxRingSetupFailureHoldsNothing(t *testing.T) {
	e := newTestEnv(t, nil)
	r := e.ifc.TxRing(0)

	e.alloc.FailCoherentAt(1)
	if err := r.Setup(); err == nil {
		t.Fatal("Setup succeeded, want failure")
	}
	if r.buf != nil || r.descRaw != nil {
		t.Error("failed Setup left resources behind")
	}
}

func TestTxRingCleanReleasesSlots(t *testing.T) {
	e := newTestEnv(t, nil)
	r := e.ifc.TxRing(0)
	if err := r.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer r.Free()

	// One completed-style slot holding a packet and its mapping, one
	// fragment slot holding only a mapping, and one armed slot holding
	// only a watch marker.
	data := make([]byte, 60)
	m, err := e.alloc.MapSingle(data)
	if err != nil {
		t.Fatalf("MapSingle failed: %v", err)
	}
	r.buf[0] = txBuffer{pkt: testPacket(), mapping: m}
	r.buf[1] = txBuffer{mapping: e.alloc.MapFragment(64)}
	r.buf[2] = txBuffer{watch: &r.desc[2]}

	r.desc[0].bufferAddr = uint64(m.Addr)
	r.desc[0].bufLen = 60
	r.nextToUse = 3
	r.nextToClean = 1
	r.AddPending(2, 124)

	r.Clean()

	for n := range r.buf {
		buf := &r.buf[n]
		if !buf.pkt.IsNil() || buf.mapping != (dma.Mapping{}) || buf.watch != nil {
			t.Errorf("slot %d not fully cleared: %+v", n, buf)
		}
	}
	for n := range r.desc {
		if r.desc[n] != (txDesc{}) {
			t.Errorf("descriptor %d not zeroed", n)
		}
	}
	if got := e.alloc.LiveMappings(); got != 0 {
		t.Errorf("LiveMappings = %d, want 0", got)
	}
	if p, b := r.Pending(); p != 0 || b != 0 {
		t.Errorf("Pending = (%d, %d), want (0, 0)", p, b)
	}

	// Transmit cursors are rewound by ring configuration on the next
	// bring-up, not by Clean.
	if r.nextToUse != 3 || r.nextToClean != 1 {
		t.Errorf("cursors = (%d, %d), want (3, 1)", r.nextToUse, r.nextToClean)
	}

	// Clean of a ring that was never set up is a no-op.
	e.ifc.TxRing(1).Clean()
}

func TestRxRingCleanReleasesPagesAndCursors(t *testing.T) {
	e := newTestEnv(t, nil)
	r := e.ifc.RxRing(0)
	if err := r.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer r.Free()

	for n := 0; n < 3; n++ {
		p, err := e.alloc.AllocPage()
		if err != nil {
			t.Fatalf("AllocPage failed: %v", err)
		}
		r.buf[n] = rxBuffer{page: p, pageOffset: uint32(n) * 64}
		r.desc[n].pktAddr = uint64(p.DMA())
	}
	r.pending = testPacket()
	r.nextToAlloc = 3
	r.nextToUse = 3
	r.nextToClean = 1

	r.Clean()

	if !r.pending.IsNil() {
		t.Error("pending frame not released")
	}
	for n := range r.buf {
		if r.buf[n].page != nil || r.buf[n].pageOffset != 0 {
			t.Errorf("slot %d not cleared", n)
		}
	}
	for n := range r.desc {
		if r.desc[n] != (rxDesc{}) {
			t.Errorf("descriptor %d not zeroed", n)
		}
	}
	if e.alloc.LivePages() != 0 || e.alloc.LiveMappings() != 0 {
		t.Errorf("pages/mappings leaked: %d/%d", e.alloc.LivePages(), e.alloc.LiveMappings())
	}
	if r.nextToAlloc != 0 || r.nextToUse != 0 || r.nextToClean != 0 {
		t.Errorf("cursors = (%d, %d, %d), want (0, 0, 0)",
			r.nextToAlloc, r.nextToUse, r.nextToClean)
	}
}

func TestCleanZeroesDescriptorBlockPadding(t *testing.T) {
	e := newTestEnv(t, func(o *Options) { o.TxDescriptors = 136 })
	r := e.ifc.TxRing(0)
	if err := r.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer r.Free()

	// Dirty a descriptor and the padding past the typed view. The device
	// reads the whole block, so Clean zeroes all of it.
	r.desc[0].bufferAddr = 0x1122334455667788
	r.descRaw[len(r.descRaw)-1] = 0xff

	r.Clean()

	for n := range r.descRaw {
		if r.descRaw[n] != 0 {
			t.Fatalf("descriptor block byte %d = %#x after Clean, want 0", n, r.descRaw[n])
		}
	}
}

func TestCleanAllRingsKeepsResources(t *testing.T) {
	e := newTestEnv(t, nil)
	e.up(t)

	r := e.ifc.TxRing(2)
	r.buf[0] = txBuffer{pkt: testPacket()}

	e.ifc.CleanAllTxRings()
	e.ifc.CleanAllRxRings()

	if !r.buf[0].pkt.IsNil() {
		t.Error("packet survived CleanAllTxRings")
	}
	// Rings stay allocated; only the slots were emptied.
	if got := e.alloc.LiveBlocks(); got != 8 {
		t.Errorf("LiveBlocks = %d, want 8", got)
	}
}

func TestDescriptorViewIsBackedByBlock(t *testing.T) {
	e := newTestEnv(t, nil)
	r := e.ifc.TxRing(0)
	if err := r.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer r.Free()

	r.desc[0] = txDesc{bufferAddr: 0x1122334455667788, bufLen: 0x99aa}
	if got := r.descRaw[0]; got != 0x88 {
		t.Errorf("descRaw[0] = %#x, want 0x88", got)
	}
	if got := r.descRaw[8]; got != 0xaa {
		t.Errorf("descRaw[8] = %#x, want 0xaa", got)
	}
}
