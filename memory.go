package tapasco

import (
	"sync"

	"github.com/behrlich/go-tapasco/internal/allocator"
	"github.com/behrlich/go-tapasco/internal/dma"
)

// OffchipMemory binds an address-range allocator to the DMA engine that
// moves bytes in and out of it. Every data-transfer argument names one of
// these as its target memory.
type OffchipMemory struct {
	name string

	allocMu   sync.Mutex
	allocator allocator.Allocator

	dma *dma.Engine
}

// NewOffchipMemory builds an OffchipMemory from an already-constructed
// allocator and DMA engine; device.go wires these up from platform status
// at device-open time.
func NewOffchipMemory(name string, alloc allocator.Allocator, engine *dma.Engine) *OffchipMemory {
	return &OffchipMemory{name: name, allocator: alloc, dma: engine}
}

// Name is the memory's VLNV-derived or platform-assigned label.
func (m *OffchipMemory) Name() string { return m.name }

// Allocate reserves size bytes, optionally at a fixed offset, and returns
// the device address.
func (m *OffchipMemory) Allocate(size uint64, fixedOffset *uint64) (uint64, error) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	if fixedOffset != nil {
		return m.allocator.AllocateFixed(size, *fixedOffset)
	}
	return m.allocator.Allocate(size)
}

// Free releases a previously allocated address.
func (m *OffchipMemory) Free(addr uint64) error {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	return m.allocator.Free(addr)
}

// CopyTo moves host into the device at deviceAddr via this memory's DMA
// engine.
func (m *OffchipMemory) CopyTo(host []byte, deviceAddr uint64) error {
	return m.dma.CopyTo(host, deviceAddr)
}

// CopyFrom moves bytes at deviceAddr on the device into host.
func (m *OffchipMemory) CopyFrom(deviceAddr uint64, host []byte) error {
	return m.dma.CopyFrom(deviceAddr, host)
}
