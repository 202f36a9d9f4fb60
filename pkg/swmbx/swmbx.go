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

// Package swmbx defines the control contract between a host interface and
// the switch manager reached over the device mailbox: logical port state,
// receive filtering modes, and MAC/VLAN table updates.
//
// Mailbox operations may suspend while the message is in flight, so
// callers must not hold non-blocking locks across them.
package swmbx

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// NumVLANs is the size of the VLAN id space.
const NumVLANs = 4096

// Glort identifies a logical port resource on the switch fabric. Frames
// are steered by GLORT; a host interface owns a contiguous range of them.
type Glort uint16

// XcastMode is a logical port's multi-destination receive mode.
type XcastMode int

const (
	// XcastNone receives only exact-match frames.
	XcastNone XcastMode = iota

	// XcastMulti additionally receives subscribed multicast.
	XcastMulti

	// XcastAllMulti additionally receives all multicast.
	XcastAllMulti

	// XcastPromisc receives all frames reaching the port.
	XcastPromisc
)

// String implements fmt.Stringer.
func (m XcastMode) String() string {
	switch m {
	case XcastNone:
		return "none"
	case XcastMulti:
		return "multi"
	case XcastAllMulti:
		return "allmulti"
	case XcastPromisc:
		return "promisc"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// VLANRange is a run of consecutive VLAN ids starting at First. A single
// id is a range of length 1; the whole table is AllVLANs.
type VLANRange struct {
	First  uint16
	Length uint16
}

// AllVLANs returns the range covering the entire VLAN table.
func AllVLANs() VLANRange {
	return VLANRange{First: 0, Length: NumVLANs}
}

// RequestKind discriminates queued switch table updates.
type RequestKind int

const (
	// RequestVLAN updates VLAN table membership for a range of ids.
	RequestVLAN RequestKind = iota

	// RequestUnicastMAC updates a unicast MAC table entry.
	RequestUnicastMAC

	// RequestMulticastMAC updates a multicast MAC table entry.
	RequestMulticastMAC
)

// Request is one switch table update. VLAN requests use VLAN; MAC requests
// use Glort, Addr and VID. Set selects between install and remove.
type Request struct {
	Kind  RequestKind
	Glort Glort
	Addr  tcpip.LinkAddress
	VID   uint16
	VLAN  VLANRange
	Set   bool
}

// String implements fmt.Stringer.
func (r *Request) String() string {
	op := "clear"
	if r.Set {
		op = "set"
	}
	switch r.Kind {
	case RequestVLAN:
		return fmt.Sprintf("vlan %s [%d,+%d)", op, r.VLAN.First, r.VLAN.Length)
	case RequestUnicastMAC:
		return fmt.Sprintf("uc mac %s %s vid %d glort %#x", op, r.Addr, r.VID, uint16(r.Glort))
	case RequestMulticastMAC:
		return fmt.Sprintf("mc mac %s %s vid %d glort %#x", op, r.Addr, r.VID, uint16(r.Glort))
	default:
		return fmt.Sprintf("unknown request kind %d", int(r.Kind))
	}
}

// ForwardingMap describes how the switch decomposes a destination GLORT
// relative to Base. RSSLen, QOSLen and SharedLen give the bit widths of
// the queue-selection, traffic-class and station fields.
type ForwardingMap struct {
	Base      Glort
	RSSLen    uint8
	QOSLen    uint8
	SharedLen uint8
	InnerRSS  bool
}

// Client is the mailbox surface a host interface drives. Implementations
// talk to the switch manager; calls may suspend until the mailbox round
// trip completes and may fail when the mailbox is down.
type Client interface {
	// Forward applies one MAC/VLAN table update.
	Forward(req *Request) error

	// UpdateLPortState enables or disables a contiguous GLORT range.
	// Disabling drops all switch state attached to the range.
	UpdateLPortState(glort Glort, count uint16, enable bool) error

	// UpdateXcastMode sets the receive mode of a logical port.
	UpdateXcastMode(glort Glort, mode XcastMode) error

	// ConfigureForwardingMap installs the GLORT-to-queue mapping.
	ConfigureForwardingMap(cfg ForwardingMap) error

	// UpdateTunnelPorts sets the UDP ports decapsulated as VXLAN and
	// GENEVE. Zero disables a port.
	UpdateTunnelPorts(vxlan, geneve uint16) error

	// Ready reports whether the mailbox can carry requests right now.
	Ready() bool
}
