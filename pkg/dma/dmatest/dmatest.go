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

// Package dmatest provides an in-memory dma.Allocator for tests, with
// deterministic fault injection and allocation accounting.
package dmatest

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/swhost/pkg/dma"
)

type mapKind int

const (
	mapSingle mapKind = iota
	mapPage
)

type liveMapping struct {
	len  uint32
	kind mapKind
}

// Allocator is a dma.Allocator backed by the process heap. Device
// addresses are simulated with monotonically minted tokens. Coherent
// blocks are 8-byte aligned so callers may overlay typed descriptor
// views on them.
type Allocator struct {
	mu sync.Mutex
	// +checklocks:mu
	coherentCalls int
	// +checklocks:mu
	failCoherent map[int]bool
	// +checklocks:mu
	blocks map[dma.Address][]byte
	// +checklocks:mu
	maps map[dma.Address]liveMapping
	// +checklocks:mu
	pagesLive map[dma.Address]bool
	// +checklocks:mu
	next dma.Address
}

// New returns an empty test allocator.
func New() *Allocator {
	return &Allocator{
		failCoherent: make(map[int]bool),
		blocks:       make(map[dma.Address][]byte),
		maps:         make(map[dma.Address]liveMapping),
		pagesLive:    make(map[dma.Address]bool),
		next:         dma.PageSize,
	}
}

// FailCoherentAt makes the nth AllocCoherent call (1-based) fail with
// ENOMEM. Multiple calls arm multiple failures.
func (a *Allocator) FailCoherentAt(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failCoherent[n] = true
}

// AllocCoherent implements dma.Allocator.AllocCoherent.
func (a *Allocator) AllocCoherent(size int) ([]byte, dma.Address, error) {
	if size <= 0 {
		return nil, 0, linuxerr.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.coherentCalls++
	if a.failCoherent[a.coherentCalls] {
		return nil, 0, linuxerr.ENOMEM
	}
	data := alignedBytes(size)
	addr := a.mintLocked(size, dma.PageSize)
	a.blocks[addr] = data
	return data, addr, nil
}

// FreeCoherent implements dma.Allocator.FreeCoherent.
func (a *Allocator) FreeCoherent(_ []byte, addr dma.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.blocks[addr]; !ok {
		panic(fmt.Sprintf("FreeCoherent of unknown block at %#x", uint64(addr)))
	}
	delete(a.blocks, addr)
}

// AllocPage implements dma.Allocator.AllocPage.
func (a *Allocator) AllocPage() (*dma.Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := a.mintLocked(dma.PageSize, dma.PageSize)
	a.pagesLive[addr] = true
	a.maps[addr] = liveMapping{len: dma.PageSize, kind: mapPage}
	return dma.NewPage(make([]byte, dma.PageSize), addr), nil
}

// FreePage implements dma.Allocator.FreePage.
func (a *Allocator) FreePage(p *dma.Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := p.DMA()
	if _, mapped := a.maps[addr]; mapped {
		panic(fmt.Sprintf("FreePage of page %#x while still mapped", uint64(addr)))
	}
	if !a.pagesLive[addr] {
		panic(fmt.Sprintf("FreePage of free page %#x", uint64(addr)))
	}
	delete(a.pagesLive, addr)
}

// MapSingle implements dma.Allocator.MapSingle.
func (a *Allocator) MapSingle(b []byte) (dma.Mapping, error) {
	if len(b) == 0 {
		return dma.Mapping{}, linuxerr.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := a.mintLocked(len(b), 8)
	a.maps[addr] = liveMapping{len: uint32(len(b)), kind: mapSingle}
	return dma.Mapping{Addr: addr, Len: uint32(len(b))}, nil
}

// MapFragment mints a page-kind mapping of the given length, standing in
// for a fragment page mapped by a transmit path.
func (a *Allocator) MapFragment(length int) dma.Mapping {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := a.mintLocked(length, 8)
	a.maps[addr] = liveMapping{len: uint32(length), kind: mapPage}
	return dma.Mapping{Addr: addr, Len: uint32(length)}
}

// UnmapSingle implements dma.Allocator.UnmapSingle.
func (a *Allocator) UnmapSingle(m dma.Mapping) {
	a.unmap(m, mapSingle)
}

// UnmapPage implements dma.Allocator.UnmapPage.
func (a *Allocator) UnmapPage(m dma.Mapping) {
	a.unmap(m, mapPage)
}

func (a *Allocator) unmap(m dma.Mapping, kind mapKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lm, ok := a.maps[m.Addr]
	if !ok || lm.kind != kind {
		panic(fmt.Sprintf("unmap of unknown mapping at %#x", uint64(m.Addr)))
	}
	delete(a.maps, m.Addr)
}

// +checklocks:a.mu
func (a *Allocator) mintLocked(size, align int) dma.Address {
	addr := (a.next + dma.Address(align-1)) &^ dma.Address(align-1)
	a.next = addr + dma.Address(size)
	return addr
}

// LiveBlocks returns the number of coherent blocks not yet freed.
func (a *Allocator) LiveBlocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocks)
}

// LivePages returns the number of pages not yet freed.
func (a *Allocator) LivePages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pagesLive)
}

// LiveMappings returns the number of mappings not yet undone, including
// live page mappings.
func (a *Allocator) LiveMappings() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.maps)
}
