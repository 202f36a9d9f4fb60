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

// Package hostif manages the data-path resources of a switch host
// interface: transmit and receive descriptor rings, the VLAN and MAC
// filtering state mirrored into the switch manager, and the
// forwarding-acceleration station table.
//
// The package owns resource lifecycle and control state only. Producing
// and consuming descriptors is left to the fast path, which must honor
// the buffer accounting rules documented on TxRing and RxRing.
package hostif

import (
	"sync/atomic"

	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sleep"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/swhost/pkg/dma"
	"gvisor.dev/swhost/pkg/swmbx"
)

const (
	defaultQueues      = 4
	defaultDescriptors = 512
	maxQueues          = 255
	minDescriptors     = 128
	maxDescriptors     = 4096
	descriptorMultiple = 8

	defaultQueueLimit = 16384

	// The switch-manager GLORT map word encodes the interface's base in
	// the low half and the inverted range mask in the high half.
	glortMapNone      = 0x0000FFFF
	glortMapMaskShift = 16
)

// Options configures an Interface.
type Options struct {
	// Allocator provides descriptor blocks and receive pages.
	Allocator dma.Allocator

	// Client reaches the switch manager over the device mailbox.
	Client swmbx.Client

	// TxQueues and RxQueues are the queue counts. Zero means the
	// default of 4.
	TxQueues int
	RxQueues int

	// TxDescriptors and RxDescriptors are the per-queue ring sizes.
	// Zero means the default of 512. Sizes must be multiples of 8
	// within [128, 4096].
	TxDescriptors uint16
	RxDescriptors uint16

	// MACAddr is the interface's station address.
	MACAddr tcpip.LinkAddress

	// DefaultVID is the port VLAN id assigned by the switch manager.
	// Zero means untagged operation with no default id.
	DefaultVID uint16

	// VLANOverride indicates the switch manager has pinned the VLAN
	// configuration; VLAN updates then only track local state.
	VLANOverride bool

	// AlwaysTag indicates the switch tags all frames to this port, so
	// per-VLAN filter entries are unnecessary.
	AlwaysTag bool

	// DGlortMap is the GLORT map word granted by the switch manager.
	// Zero means no range has been assigned yet.
	DGlortMap uint32

	// MailboxRate paces request forwarding toward the mailbox. Zero
	// means unlimited.
	MailboxRate  rate.Limit
	MailboxBurst int

	// QueueLimit bounds the address-sync queue. Zero means the default
	// of 16384 pending requests.
	QueueLimit int
}

// RxMode is the receive filtering state requested by the host stack.
type RxMode struct {
	Promiscuous bool
	AllMulti    bool
	Broadcast   bool
	Multicast   bool
}

func (m RxMode) xcast() swmbx.XcastMode {
	switch {
	case m.Promiscuous:
		return swmbx.XcastPromisc
	case m.AllMulti:
		return swmbx.XcastAllMulti
	case m.Broadcast || m.Multicast:
		return swmbx.XcastMulti
	default:
		return swmbx.XcastNone
	}
}

// Interface is one switch host interface. It owns the ring resources, the
// address-sync queue and its drain worker, the VLAN and receive-mode
// state, and the station table.
//
// An Interface starts administratively down; Up allocates resources and
// replays filtering state, Down cancels and releases them. Close stops
// the drain worker for good.
type Interface struct {
	opts  Options
	alloc dma.Allocator
	sw    swmbx.Client

	// mu is the management lock. It serializes lifecycle transitions
	// and all control-plane state below.
	mu sync.Mutex

	// mbxMu serializes mailbox transactions, and keeps request groups
	// contiguous in the sync queue. It must be taken after mu and is
	// never held while sleeping on queue space.
	mbxMu sync.Mutex

	down   atomicbitops.Bool
	closed atomicbitops.Bool

	// addr is the current station address.
	// +checklocks:mu
	addr tcpip.LinkAddress

	// GLORT range owned by this interface, derived from DGlortMap on
	// each Up.
	// +checklocks:mu
	glort swmbx.Glort
	// +checklocks:mu
	glortCount uint16

	txRings []*TxRing
	rxRings []*RxRing

	// Address-sync queue state. queueMu is subordinate to every other
	// lock and is never held across a mailbox operation.
	queueMu sync.Mutex
	// +checklocks:queueMu
	requests []*swmbx.Request
	// +checklocks:queueMu
	drainScheduled bool
	drainCond      *sync.Cond
	drainWaker     sleep.Waker
	closeWaker     sleep.Waker
	drainWG        sync.WaitGroup
	limiter        *rate.Limiter
	queueLimit     int

	// VLAN tracker state.
	// +checklocks:mu
	activeVLANs bitmap.Bitmap

	// Receive filtering state.
	// +checklocks:mu
	rxMode RxMode
	// +checklocks:mu
	xcast swmbx.XcastMode
	// +checklocks:mu
	ucAddrs addrList
	// +checklocks:mu
	mcAddrs addrList

	// accel is the published station table; nil when no stations exist.
	// Mutations serialize on mu, readers go through the rings.
	accel atomic.Pointer[accelTable]

	// UDP tunnel port lists, newest at the tail.
	// +checklocks:mu
	vxlanPorts []tunnelPort
	// +checklocks:mu
	genevePorts []tunnelPort
}

// New validates opts and returns a down Interface with its drain worker
// running.
func New(opts Options) (*Interface, error) {
	if opts.Allocator == nil || opts.Client == nil {
		return nil, linuxerr.EINVAL
	}
	if opts.TxQueues == 0 {
		opts.TxQueues = defaultQueues
	}
	if opts.RxQueues == 0 {
		opts.RxQueues = defaultQueues
	}
	if opts.TxQueues < 1 || opts.TxQueues > maxQueues || opts.RxQueues < 1 || opts.RxQueues > maxQueues {
		return nil, linuxerr.EINVAL
	}
	if opts.TxDescriptors == 0 {
		opts.TxDescriptors = defaultDescriptors
	}
	if opts.RxDescriptors == 0 {
		opts.RxDescriptors = defaultDescriptors
	}
	if !validDescCount(opts.TxDescriptors) || !validDescCount(opts.RxDescriptors) {
		return nil, linuxerr.EINVAL
	}
	if !header.IsValidUnicastEthernetAddress(opts.MACAddr) {
		return nil, linuxerr.EADDRNOTAVAIL
	}
	if opts.DefaultVID >= swmbx.NumVLANs {
		return nil, linuxerr.EINVAL
	}
	if opts.DGlortMap == 0 {
		opts.DGlortMap = glortMapNone
	}
	if opts.QueueLimit == 0 {
		opts.QueueLimit = defaultQueueLimit
	}

	i := &Interface{
		opts:        opts,
		alloc:       opts.Allocator,
		sw:          opts.Client,
		addr:        opts.MACAddr,
		activeVLANs: bitmap.New(swmbx.NumVLANs),
		xcast:       swmbx.XcastNone,
		queueLimit:  opts.QueueLimit,
	}
	i.down.Store(true)
	i.drainCond = sync.NewCond(&i.queueMu)

	limit := opts.MailboxRate
	if limit == 0 {
		limit = rate.Inf
	}
	burst := opts.MailboxBurst
	if burst < 1 {
		burst = 1
	}
	i.limiter = rate.NewLimiter(limit, burst)

	for n := 0; n < opts.TxQueues; n++ {
		i.txRings = append(i.txRings, &TxRing{ring: ring{ifc: i, idx: n, count: opts.TxDescriptors}})
	}
	for n := 0; n < opts.RxQueues; n++ {
		i.rxRings = append(i.rxRings, &RxRing{ring: ring{ifc: i, idx: n, count: opts.RxDescriptors}})
	}

	i.drainWG.Add(1)
	go i.drainLoop()
	return i, nil
}

func validDescCount(n uint16) bool {
	return n >= minDescriptors && n <= maxDescriptors && n%descriptorMultiple == 0
}

// Up allocates all ring resources, derives the interface's GLORT range,
// and replays the filtering state into the switch manager. A failure
// leaves no resources held.
func (i *Interface) Up() error {
	if i.closed.Load() {
		return linuxerr.ENODEV
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.down.Load() {
		return nil
	}

	if err := i.setupAllTxResources(); err != nil {
		return err
	}
	if err := i.setupAllRxResources(); err != nil {
		i.freeAllTxResources()
		return err
	}

	i.requestGlortRange()
	i.configureRxRings()
	i.configureForwardingMap(i.accel.Load())

	i.down.Store(false)
	i.restoreRxStateLocked()
	return nil
}

// Down cancels outstanding sync work, tears down the logical port, and
// releases all ring resources. The tunnel port lists are flushed; the
// host stack replays them on the next Up.
func (i *Interface) Down() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.down.Load() {
		return
	}
	i.down.Store(true)

	i.resetRxStateLocked()
	i.flushTunnelPortsLocked()
	i.freeAllTxResources()
	i.freeAllRxResources()
}

// Close brings the interface down and stops the drain worker. The
// Interface must not be used afterwards.
func (i *Interface) Close() {
	i.Down()
	if i.closed.Swap(true) {
		return
	}
	i.closeWaker.Assert()
	i.drainWG.Wait()
}

// requestGlortRange derives the GLORT range from the map word granted by
// the switch manager. Three layouts exist: the whole space delegated
// elsewhere with one glort left, a split space, and a space where the
// first 64 glorts are reserved.
// +checklocks:i.mu
func (i *Interface) requestGlortRange() {
	m := i.opts.DGlortMap
	mask := uint16(^m >> glortMapMaskShift)

	i.glort = swmbx.Glort(m & glortMapNone)
	i.glortCount = 0

	if m == glortMapNone {
		return
	}

	switch {
	case mask == 0:
		i.glortCount = 1
	case mask < 64:
		i.glortCount = (mask + 1) / 2
		i.glort += swmbx.Glort(i.glortCount)
	default:
		i.glortCount = mask - 63
		i.glort += 64
	}
}

// configureRxRings assigns the default VLAN id to every receive ring,
// withholding it from rings whose id is an active VLAN.
// +checklocks:i.mu
func (i *Interface) configureRxRings() {
	for _, r := range i.rxRings {
		r.defVID = i.opts.DefaultVID
		r.vlanClear = i.vlanActive(r.defVID)
	}
}

// Glort returns the base of the GLORT range derived on the last Up.
func (i *Interface) Glort() swmbx.Glort {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.glort
}

// GlortCount returns the size of the GLORT range derived on the last Up.
func (i *Interface) GlortCount() uint16 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.glortCount
}

// MACAddress returns the current station address.
func (i *Interface) MACAddress() tcpip.LinkAddress {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.addr
}

// NumTxQueues returns the transmit queue count.
func (i *Interface) NumTxQueues() int {
	return len(i.txRings)
}

// NumRxQueues returns the receive queue count.
func (i *Interface) NumRxQueues() int {
	return len(i.rxRings)
}

// TxRing returns transmit queue n.
func (i *Interface) TxRing(n int) *TxRing {
	return i.txRings[n]
}

// RxRing returns receive queue n.
func (i *Interface) RxRing(n int) *RxRing {
	return i.rxRings[n]
}
