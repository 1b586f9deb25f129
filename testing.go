package tapasco

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/behrlich/go-tapasco/internal/driver"
	"github.com/behrlich/go-tapasco/internal/status"
)

// MemBackedBuffer is a plain-memory stand-in for one of a device's mmap'd
// register windows or bounce buffers. Every consumer in this module treats
// a mapped region as a []byte, so a heap-backed slice behaves identically
// to a real mapping for anything that doesn't depend on MMIO side effects.
type MemBackedBuffer struct {
	data []byte
}

// NewMemBackedBuffer allocates a zeroed buffer of the given size.
func NewMemBackedBuffer(size int) *MemBackedBuffer {
	return &MemBackedBuffer{data: make([]byte, size)}
}

// Bytes returns the buffer's backing slice.
func (b *MemBackedBuffer) Bytes() []byte { return b.data }

// stubDevice holds one StubDriver-managed device's region buffers and
// completion pipe.
type stubDevice struct {
	access  driver.AccessMode
	offsets map[driver.Region]uint64
	mmaps   map[int64][]byte

	completionRead  *os.File
	completionWrite *os.File

	nextBufferID uint32
	interrupts   []stubInterrupt
}

type stubInterrupt struct {
	peID int32
	fd   int32
}

// StubDriver is an in-memory fake of the real ioctl/mmap-backed driver
// gateway, implementing the same gatewayAPI surface so OpenDevice's
// decode/mmap/scheduler-build pipeline can be exercised in a unit test
// without real hardware, in the same vein as a hand-rolled mock backend.
type StubDriver struct {
	mu      sync.Mutex
	devices map[uint32]*stubDevice
	closed  bool
}

// NewStubDriver creates an empty stub with no devices registered.
func NewStubDriver() *StubDriver {
	return &StubDriver{devices: make(map[uint32]*stubDevice)}
}

// regionOffset assigns each region a fixed, distinct synthetic file
// offset so BarAddress/Mmap round-trip consistently without needing a
// real driver-side address space.
func regionOffset(region driver.Region) uint64 {
	return uint64(region) * (1 << 40)
}

// AddDevice registers device id with StubDriver, pre-populating its
// status/arch/platform/DMA-register regions. st is encoded to its
// length-delimited wire form and backs the status region; archSize and
// platformSize size the architecture and platform register windows.
func (s *StubDriver) AddDevice(id uint32, st *status.Status, archSize, platformSize, dmaRegSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[id]; ok {
		return fmt.Errorf("StubDriver: device %d already registered", id)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("StubDriver: completion pipe: %w", err)
	}

	statusBlob := status.EncodeLengthDelimited(st)

	d := &stubDevice{
		offsets:         make(map[driver.Region]uint64),
		mmaps:           make(map[int64][]byte),
		completionRead:  r,
		completionWrite: w,
	}
	d.offsets[driver.RegionStatus] = regionOffset(driver.RegionStatus)
	d.offsets[driver.RegionArch] = regionOffset(driver.RegionArch)
	d.offsets[driver.RegionPlatform] = regionOffset(driver.RegionPlatform)
	d.offsets[driver.RegionDMA] = regionOffset(driver.RegionDMA)

	d.mmaps[int64(d.offsets[driver.RegionStatus])] = statusBlob
	d.mmaps[int64(d.offsets[driver.RegionArch])] = make([]byte, archSize)
	d.mmaps[int64(d.offsets[driver.RegionPlatform])] = make([]byte, platformSize)
	d.mmaps[int64(d.offsets[driver.RegionDMA])] = make([]byte, dmaRegSize)

	s.devices[id] = d
	return nil
}

// CompleteSlot writes a completion record for slot on id's completion
// stream, simulating a PE finishing its run. Tests use this to unblock a
// Job.WaitForCompletion call without a real interrupt.
func (s *StubDriver) CompleteSlot(id uint32, slot uint32) error {
	s.mu.Lock()
	d, ok := s.devices[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("StubDriver: device %d not registered", id)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], slot)
	_, err := d.completionWrite.Write(buf[:])
	return err
}

func (s *StubDriver) OpenDevice(id uint32, access driver.AccessMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("StubDriver: device %d not registered", id)
	}
	d.access = access
	return nil
}

func (s *StubDriver) CloseDevice(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	return nil
}

func (s *StubDriver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, d := range s.devices {
		d.completionRead.Close()
		d.completionWrite.Close()
	}
	return nil
}

func (s *StubDriver) BarAddress(id uint32, region driver.Region) (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return 0, 0, fmt.Errorf("StubDriver: device %d not registered", id)
	}
	offset, ok := d.offsets[region]
	if !ok {
		return 0, 0, fmt.Errorf("StubDriver: device %d has no region %d", id, region)
	}
	buf, ok := d.mmaps[int64(offset)]
	if !ok {
		return 0, 0, fmt.Errorf("StubDriver: device %d region %d not mapped", id, region)
	}
	return offset, uint64(len(buf)), nil
}

func (s *StubDriver) Mmap(id uint32, fileOffset int64, length int, prot int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("StubDriver: device %d not registered", id)
	}
	buf, ok := d.mmaps[fileOffset]
	if !ok {
		return nil, fmt.Errorf("StubDriver: device %d has no buffer at offset %d", id, fileOffset)
	}
	if len(buf) < length {
		return nil, fmt.Errorf("StubDriver: device %d buffer at offset %d is %d bytes, want %d", id, fileOffset, len(buf), length)
	}
	return buf[:length], nil
}

func (s *StubDriver) CompletionFile(id uint32) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("StubDriver: device %d not registered", id)
	}
	return d.completionRead, nil
}

func (s *StubDriver) AllocateDMABuffer(id uint32, size uint64) (uint32, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return 0, 0, fmt.Errorf("StubDriver: device %d not registered", id)
	}
	bufID := d.nextBufferID
	d.nextBufferID++
	deviceAddr := uint64(bufID) * size
	offset := driver.DMABufferFileOffset(bufID, size)
	d.mmaps[offset] = make([]byte, size)
	return bufID, deviceAddr, nil
}

func (s *StubDriver) SubmitBuffer(id, bufferID uint32) error  { return nil }
func (s *StubDriver) RecoverBuffer(id, bufferID uint32) error { return nil }

// Munmap is a no-op: a StubDriver's regions are plain heap buffers, never
// real mappings, so there is nothing to unmap.
func (s *StubDriver) Munmap(b []byte) error { return nil }

func (s *StubDriver) RegisterInterrupt(devID uint32, peID int32, fd int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[devID]
	if !ok {
		return fmt.Errorf("StubDriver: device %d not registered", devID)
	}
	d.interrupts = append(d.interrupts, stubInterrupt{peID: peID, fd: fd})
	return nil
}

var _ gatewayAPI = (*StubDriver)(nil)

// OpenDeviceWithGateway constructs a Device directly against drv instead of
// opening the real control device, for tests that need a fully wired
// Device (scheduler, memories, observer) without real hardware.
func OpenDeviceWithGateway(drv *StubDriver, id uint32, opts *OpenOptions) (*Device, error) {
	return openDeviceWithGateway(drv, id, opts)
}
