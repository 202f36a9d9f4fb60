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

//go:build linux
// +build linux

package dma

import (
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/memutil"
	"gvisor.dev/gvisor/pkg/sync"
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

type coherentBlock struct {
	data []byte
	fd   int
}

// Arena is an Allocator backed by anonymous memory file mappings. Receive
// pages are carved from one shared mapping and recycled through a free
// stack; each coherent block gets its own mapping so it can be returned to
// the kernel independently.
type Arena struct {
	pool     []byte
	poolFD   int
	poolBase Address

	mu sync.Mutex
	// +checklocks:mu
	freePages []uint32
	// +checklocks:mu
	pageLive []bool
	// +checklocks:mu
	blocks map[Address]coherentBlock
	// +checklocks:mu
	maps map[Address]liveMapping
	// +checklocks:mu
	next Address
}

// NewArena returns an arena with capacity for pageCount receive pages.
func NewArena(pageCount int) (*Arena, error) {
	if pageCount <= 0 {
		return nil, linuxerr.EINVAL
	}
	size := pageCount * PageSize
	fd, err := memutil.CreateMemFD("dma-arena", 0)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	data, err := memutil.MapSlice(0, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(fd), 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	a := &Arena{
		pool:     data,
		poolFD:   fd,
		poolBase: PageSize,
		pageLive: make([]bool, pageCount),
		blocks:   make(map[Address]coherentBlock),
		maps:     make(map[Address]liveMapping),
	}
	a.next = a.poolBase + Address(size)
	a.freePages = make([]uint32, 0, pageCount)
	for i := pageCount - 1; i >= 0; i-- {
		a.freePages = append(a.freePages, uint32(i))
	}
	return a, nil
}

// AllocCoherent implements Allocator.AllocCoherent.
func (a *Arena) AllocCoherent(size int) ([]byte, Address, error) {
	if size <= 0 {
		return nil, 0, linuxerr.EINVAL
	}
	mapped := (size + PageSize - 1) &^ (PageSize - 1)
	fd, err := memutil.CreateMemFD("dma-coherent", 0)
	if err != nil {
		log.Warningf("coherent block memfd_create failed: %v", err)
		return nil, 0, linuxerr.ENOMEM
	}
	if err := unix.Ftruncate(fd, int64(mapped)); err != nil {
		unix.Close(fd)
		log.Warningf("coherent block ftruncate failed: %v", err)
		return nil, 0, linuxerr.ENOMEM
	}
	data, err := memutil.MapSlice(0, uintptr(mapped), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(fd), 0)
	if err != nil {
		unix.Close(fd)
		log.Warningf("coherent block mmap failed: %v", err)
		return nil, 0, linuxerr.ENOMEM
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Streaming mappings advance next by byte amounts; realign so block
	// bases keep the documented guarantee.
	addr := (a.next + PageSize - 1) &^ (PageSize - 1)
	a.next = addr + Address(mapped)
	a.blocks[addr] = coherentBlock{data: data, fd: fd}
	return data[:size:size], addr, nil
}

// FreeCoherent implements Allocator.FreeCoherent.
func (a *Arena) FreeCoherent(_ []byte, addr Address) {
	a.mu.Lock()
	blk, ok := a.blocks[addr]
	if ok {
		delete(a.blocks, addr)
	}
	a.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("FreeCoherent of unknown block at %#x", uint64(addr)))
	}
	if err := memutil.UnmapSlice(blk.data); err != nil {
		log.Warningf("coherent block munmap failed: %v", err)
	}
	unix.Close(blk.fd)
}

// AllocPage implements Allocator.AllocPage.
func (a *Arena) AllocPage() (*Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.freePages) == 0 {
		return nil, linuxerr.ENOMEM
	}
	idx := a.freePages[len(a.freePages)-1]
	a.freePages = a.freePages[:len(a.freePages)-1]
	a.pageLive[idx] = true

	off := int(idx) * PageSize
	data := a.pool[off : off+PageSize : off+PageSize]
	clear(data)
	addr := a.poolBase + Address(off)
	a.maps[addr] = liveMapping{len: PageSize, kind: mapPage}
	return NewPage(data, addr), nil
}

// FreePage implements Allocator.FreePage.
func (a *Arena) FreePage(p *Page) {
	idx := a.pageIndex(p.DMA())
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, mapped := a.maps[p.DMA()]; mapped {
		panic(fmt.Sprintf("FreePage of page %#x while still mapped", uint64(p.DMA())))
	}
	if !a.pageLive[idx] {
		panic(fmt.Sprintf("FreePage of free page %#x", uint64(p.DMA())))
	}
	a.pageLive[idx] = false
	a.freePages = append(a.freePages, idx)
}

// MapSingle implements Allocator.MapSingle.
func (a *Arena) MapSingle(b []byte) (Mapping, error) {
	if len(b) == 0 {
		return Mapping{}, linuxerr.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := a.next
	a.next += Address((len(b) + 7) &^ 7)
	a.maps[addr] = liveMapping{len: uint32(len(b)), kind: mapSingle}
	return Mapping{Addr: addr, Len: uint32(len(b))}, nil
}

// UnmapSingle implements Allocator.UnmapSingle.
func (a *Arena) UnmapSingle(m Mapping) {
	a.unmap(m, mapSingle)
}

// UnmapPage implements Allocator.UnmapPage.
func (a *Arena) UnmapPage(m Mapping) {
	a.unmap(m, mapPage)
}

func (a *Arena) unmap(m Mapping, kind mapKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lm, ok := a.maps[m.Addr]
	if !ok || lm.kind != kind {
		panic(fmt.Sprintf("unmap of unknown mapping at %#x", uint64(m.Addr)))
	}
	delete(a.maps, m.Addr)
}

func (a *Arena) pageIndex(addr Address) uint32 {
	off := addr - a.poolBase
	if addr < a.poolBase || off%PageSize != 0 || int(off) >= len(a.pool) {
		panic(fmt.Sprintf("address %#x is not an arena page", uint64(addr)))
	}
	return uint32(off / PageSize)
}

// Close releases the arena's memory. It reports leaked blocks and mappings;
// the leaked memory itself is still released.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	if n := len(a.blocks); n > 0 {
		err = multierr.Append(err, fmt.Errorf("%d coherent blocks still allocated", n))
	}
	if n := len(a.maps); n > 0 {
		err = multierr.Append(err, fmt.Errorf("%d mappings still live", n))
	}
	for addr, blk := range a.blocks {
		if e := memutil.UnmapSlice(blk.data); e != nil {
			err = multierr.Append(err, fmt.Errorf("unmap block %#x: %w", uint64(addr), e))
		}
		unix.Close(blk.fd)
	}
	a.blocks = make(map[Address]coherentBlock)
	a.maps = make(map[Address]liveMapping)
	if e := memutil.UnmapSlice(a.pool); e != nil {
		err = multierr.Append(err, fmt.Errorf("unmap page pool: %w", e))
	}
	unix.Close(a.poolFD)
	a.pool = nil
	return err
}
