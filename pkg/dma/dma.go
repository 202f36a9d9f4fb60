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

// Package dma provides device-visible memory for the host interface data
// path: coherent descriptor blocks, receive page buffers, and streaming
// packet mappings.
//
// Allocator implementations mint Address tokens; the device address space
// need not coincide with the process address space, and callers must treat
// addresses as opaque.
package dma

// PageSize is the size of a receive page buffer and the alignment
// guaranteed for coherent block bases.
const PageSize = 4096

// Address is a device-visible memory address.
type Address uint64

// Mapping records one live streaming mapping. The zero value means no
// mapping is held.
type Mapping struct {
	Addr Address
	Len  uint32
}

// A Page is one device-visible receive buffer of PageSize bytes. A page
// stays mapped from AllocPage until UnmapPage; it must be unmapped before
// it is freed.
type Page struct {
	data []byte
	addr Address
}

// NewPage returns a page over data mapped at addr. It is intended for
// Allocator implementations.
func NewPage(data []byte, addr Address) *Page {
	return &Page{data: data, addr: addr}
}

// Data returns the page contents.
func (p *Page) Data() []byte {
	return p.data
}

// DMA returns the device address the page is mapped at.
func (p *Page) DMA() Address {
	return p.addr
}

// Mapping returns the page's device mapping.
func (p *Page) Mapping() Mapping {
	return Mapping{Addr: p.addr, Len: PageSize}
}

// Allocator provides DMA-capable memory. Implementations are safe for
// concurrent use and panic on unbalanced frees and unmaps; those indicate
// a bug in the caller's buffer accounting, not a recoverable condition.
type Allocator interface {
	// AllocCoherent returns a zero-filled buffer of size bytes observed
	// coherently by host and device, along with its device address. The
	// base is PageSize aligned. Returns ENOMEM when the underlying
	// memory cannot be obtained.
	AllocCoherent(size int) ([]byte, Address, error)

	// FreeCoherent releases a buffer obtained from AllocCoherent.
	FreeCoherent(b []byte, addr Address)

	// AllocPage returns a zero-filled, mapped receive page. Returns
	// ENOMEM when no pages are available.
	AllocPage() (*Page, error)

	// FreePage releases a page. The page's mapping must have been undone
	// with UnmapPage first.
	FreePage(p *Page)

	// MapSingle registers a packet data buffer for device access.
	MapSingle(b []byte) (Mapping, error)

	// UnmapSingle undoes a mapping created by MapSingle.
	UnmapSingle(m Mapping)

	// UnmapPage undoes a page-backed mapping: a receive page's own
	// mapping or a fragment mapping over one.
	UnmapPage(m Mapping)
}
