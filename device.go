package tapasco

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-tapasco/internal/allocator"
	"github.com/behrlich/go-tapasco/internal/completion"
	"github.com/behrlich/go-tapasco/internal/dma"
	"github.com/behrlich/go-tapasco/internal/driver"
	"github.com/behrlich/go-tapasco/internal/interrupt"
	"github.com/behrlich/go-tapasco/internal/logging"
	"github.com/behrlich/go-tapasco/internal/pe"
	"github.com/behrlich/go-tapasco/internal/scheduler"
	"github.com/behrlich/go-tapasco/internal/status"
)

const (
	statusRegionSize = 8192

	defaultAllocAlignment  = 64
	defaultDMABufferSize   = 1 << 20 // 1 MiB
	defaultDMABufferCount  = 4
	dmaReadInterruptIndex  = -2
	dmaWriteInterruptIndex = -3
)

// OpenOptions configures OpenDevice.
type OpenOptions struct {
	// Context is carried on the options only: OpenDevice does not consult
	// it, and no operation after open takes a context, mirroring the PE's
	// own register-polling completion model.
	Context context.Context

	// Access is the mode requested on open; defaults to driver.AccessMonitor.
	Access driver.AccessMode

	// SVM declares the bitstream was built with shared-virtual-memory
	// support; the status blob schema carries no such feature bit, so the
	// caller supplies it out of band.
	SVM bool

	// Logger overrides the package default logger if set.
	Logger *logging.Logger

	// Observer receives job lifecycle events; defaults to NoOpObserver.
	Observer Observer

	// DefaultMemoryName, if set, picks the platform component backing
	// DefaultMemory by exact name instead of the "contains DMA" heuristic.
	DefaultMemoryName string

	ReadBufferSize   uint64
	ReadBufferCount  int
	WriteBufferSize  uint64
	WriteBufferCount int
}

// DefaultOpenOptions returns the options OpenDevice applies when passed a
// nil *OpenOptions: monitor access, SVM disabled, the package default
// logger, a NoOpObserver and the default bounce-buffer pool sizes.
func DefaultOpenOptions() *OpenOptions {
	return &OpenOptions{
		Context: context.Background(),
		Access:  driver.AccessMonitor,
	}
}

func (o *OpenOptions) withDefaults() OpenOptions {
	out := OpenOptions{}
	if o != nil {
		out = *o
	}
	if out.Context == nil {
		out.Context = context.Background()
	}
	if out.Logger == nil {
		out.Logger = logging.Default()
	}
	if out.Observer == nil {
		out.Observer = NoOpObserver{}
	}
	if out.ReadBufferSize == 0 {
		out.ReadBufferSize = defaultDMABufferSize
	}
	if out.ReadBufferCount == 0 {
		out.ReadBufferCount = defaultDMABufferCount
	}
	if out.WriteBufferSize == 0 {
		out.WriteBufferSize = defaultDMABufferSize
	}
	if out.WriteBufferCount == 0 {
		out.WriteBufferCount = defaultDMABufferCount
	}
	return out
}

// Device is an open handle to one accelerator card: its decoded status
// blob, the register-window mmaps, the memories a job can target, the PE
// scheduler, the shared completion reader and the plugin set resolved at
// open time.
type Device struct {
	id     uint32
	gw     gatewayAPI
	logger *logging.Logger

	status *status.Status

	archMem     []byte
	platformMem []byte
	dmaRegMem   []byte

	completionFile *os.File
	completion     *completion.Reader
	readDone       *interrupt.Endpoint
	writeDone      *interrupt.Endpoint

	memories      map[string]*OffchipMemory
	defaultMemory string
	localMemories map[uint32]*OffchipMemory // by PE slot

	scheduler *scheduler.Scheduler
	svmInUse  bool

	mu      sync.Mutex
	plugins map[reflect.Type]Plugin

	observer Observer
	closed   bool
}

// gatewayAPI is the subset of *driver.Gateway's method set Device depends
// on. Factoring it out as an interface lets unit tests substitute
// testing.go's StubDriver for the real ioctl/mmap-backed gateway.
type gatewayAPI interface {
	OpenDevice(id uint32, access driver.AccessMode) error
	CloseDevice(id uint32) error
	Close() error
	BarAddress(id uint32, region driver.Region) (offset, length uint64, err error)
	Mmap(id uint32, fileOffset int64, length int, prot int) ([]byte, error)
	CompletionFile(id uint32) (*os.File, error)
	Munmap(b []byte) error
	AllocateDMABuffer(id uint32, size uint64) (bufferID uint32, deviceAddr uint64, err error)
	SubmitBuffer(id, bufferID uint32) error
	RecoverBuffer(id, bufferID uint32) error
	RegisterInterrupt(devID uint32, peID int32, fd int32) error
}

var _ gatewayAPI = (*driver.Gateway)(nil)

// cacheMaintainer adapts driver.Gateway's device-scoped submit/recover
// ioctls to dma.CacheMaintainer, which is keyed by buffer id alone.
type cacheMaintainer struct {
	gw gatewayAPI
	id uint32
}

func (c cacheMaintainer) SubmitBuffer(bufferID uint32) error  { return c.gw.SubmitBuffer(c.id, bufferID) }
func (c cacheMaintainer) RecoverBuffer(bufferID uint32) error { return c.gw.RecoverBuffer(c.id, bufferID) }

// OpenDevice opens driver access to device id, decodes its status blob,
// maps its register windows, and builds every component a Job needs:
// memories, scheduler, completion reader and the plugin set. Any failure
// unwinds everything opened so far, in reverse order.
func OpenDevice(id uint32, opts *OpenOptions) (*Device, error) {
	gw, err := driver.Open()
	if err != nil {
		return nil, WrapError("OpenDevice", CodeDriverIO, err)
	}
	d, err := openDeviceWithGateway(gw, id, opts)
	if err != nil {
		gw.Close()
		return nil, err
	}
	return d, nil
}

// openDeviceWithGateway is OpenDevice's body, parameterised over the
// gateway so unit tests can substitute testing.go's StubDriver for the
// real ioctl/mmap-backed *driver.Gateway.
func openDeviceWithGateway(gw gatewayAPI, id uint32, opts *OpenOptions) (_ *Device, err error) {
	o := opts.withDefaults()
	access := o.Access

	if err = gw.OpenDevice(id, access); err != nil {
		return nil, NewDeviceError("OpenDevice", id, CodeDriverIO, err.Error())
	}

	d := &Device{
		id:       id,
		gw:       gw,
		logger:   o.Logger,
		svmInUse: o.SVM,
		observer: o.Observer,
		plugins:  make(map[reflect.Type]Plugin),
	}

	statusOffset, statusLen, err := gw.BarAddress(id, driver.RegionStatus)
	if err != nil {
		return nil, NewDeviceError("OpenDevice", id, CodeDriverIO, err.Error())
	}
	if statusLen == 0 || statusLen > statusRegionSize {
		statusLen = statusRegionSize
	}
	statusMem, err := gw.Mmap(id, int64(statusOffset), int(statusLen), unix.PROT_READ)
	if err != nil {
		return nil, NewDeviceError("OpenDevice", id, CodeDriverIO, err.Error())
	}
	defer gw.Munmap(statusMem)

	s, err := status.DecodeLengthDelimited(statusMem)
	if err != nil {
		return nil, WrapError("OpenDevice", CodeStatusDecode, err)
	}
	d.status = s

	archOffset, archLen, err := gw.BarAddress(id, driver.RegionArch)
	if err != nil {
		return nil, NewDeviceError("OpenDevice", id, CodeDriverIO, err.Error())
	}
	d.archMem, err = gw.Mmap(id, int64(archOffset), int(archLen), unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, NewDeviceError("OpenDevice", id, CodeDriverIO, err.Error())
	}
	defer func() {
		if err != nil {
			gw.Munmap(d.archMem)
		}
	}()

	platformOffset, platformLen, err := gw.BarAddress(id, driver.RegionPlatform)
	if err != nil {
		return nil, NewDeviceError("OpenDevice", id, CodeDriverIO, err.Error())
	}
	d.platformMem, err = gw.Mmap(id, int64(platformOffset), int(platformLen), unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, NewDeviceError("OpenDevice", id, CodeDriverIO, err.Error())
	}
	defer func() {
		if err != nil {
			gw.Munmap(d.platformMem)
		}
	}()

	d.completionFile, err = gw.CompletionFile(id)
	if err != nil {
		return nil, NewDeviceError("OpenDevice", id, CodeDriverIO, err.Error())
	}
	d.completion = completion.New(d.completionFile)

	if err = d.buildMemories(o); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if d.readDone != nil {
				d.readDone.Close()
			}
			if d.writeDone != nil {
				d.writeDone.Close()
			}
			gw.Munmap(d.dmaRegMem)
		}
	}()

	instances := d.buildPEInstances()
	d.scheduler = scheduler.New(instances)

	if err = d.scheduler.ResetInterrupts(); err != nil {
		return nil, WrapError("OpenDevice", CodeInterruptSetup, err)
	}

	if err = d.initPlugins(); err != nil {
		return nil, err
	}

	return d, nil
}

// buildMemories resolves the default off-chip memory from the platform
// component list and constructs its allocator and DMA engine, plus one
// OffchipMemory per PE local-memory region (sharing the same DMA engine,
// addressed at a different device address window).
func (d *Device) buildMemories(o OpenOptions) error {
	dmaOffset, dmaLen, err := d.gw.BarAddress(d.id, driver.RegionDMA)
	if err != nil {
		return NewDeviceError("OpenDevice", d.id, CodeDriverIO, err.Error())
	}
	d.dmaRegMem, err = d.gw.Mmap(d.id, int64(dmaOffset), int(dmaLen), unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return NewDeviceError("OpenDevice", d.id, CodeDriverIO, err.Error())
	}
	regs := dma.NewMappedRegisters(d.dmaRegMem)

	readBufs, err := d.allocateBounceBuffers(o.ReadBufferCount, o.ReadBufferSize)
	if err != nil {
		return err
	}
	writeBufs, err := d.allocateBounceBuffers(o.WriteBufferCount, o.WriteBufferSize)
	if err != nil {
		return err
	}

	readInt, writeInt := dmaReadInterruptIndex, dmaWriteInterruptIndex
	if comp := findPlatformComponent(d.status, "DMA"); comp != nil && len(comp.Interrupts) >= 2 {
		readInt = int(comp.Interrupts[0].Mapping)
		writeInt = int(comp.Interrupts[1].Mapping)
	}

	d.readDone, err = interrupt.New(d.gw, d.id, int32(readInt), true)
	if err != nil {
		return WrapError("OpenDevice", CodeInterruptSetup, err)
	}
	d.writeDone, err = interrupt.New(d.gw, d.id, int32(writeInt), true)
	if err != nil {
		d.readDone.Close()
		return WrapError("OpenDevice", CodeInterruptSetup, err)
	}

	engine := dma.New(regs, cacheMaintainer{gw: d.gw, id: d.id}, d.readDone, d.writeDone, readBufs, writeBufs)

	d.memories = make(map[string]*OffchipMemory)
	d.localMemories = make(map[uint32]*OffchipMemory)

	name := "default"
	switch {
	case o.DefaultMemoryName != "":
		name = o.DefaultMemoryName
	case findPlatformComponent(d.status, "DMA") != nil:
		name = findPlatformComponent(d.status, "DMA").Name
	}
	alloc, err := allocator.New(d.status.PlatformBase.Base, d.status.PlatformBase.Size, defaultAllocAlignment)
	if err != nil {
		return WrapError("OpenDevice", CodeInvalidSize, err)
	}
	mem := NewOffchipMemory(name, alloc, engine)
	d.memories[name] = mem
	d.defaultMemory = name

	for i, p := range d.status.PEs {
		if p.LocalMemory == nil {
			continue
		}
		localAlloc, err := allocator.New(p.LocalMemory.Base, p.LocalMemory.Size, defaultAllocAlignment)
		if err != nil {
			return WrapError("OpenDevice", CodeInvalidSize, err)
		}
		d.localMemories[uint32(i)] = NewOffchipMemory(fmt.Sprintf("%s_local", p.Name), localAlloc, engine)
	}

	return nil
}

func (d *Device) allocateBounceBuffers(count int, size uint64) ([]*dma.Buffer, error) {
	bufs := make([]*dma.Buffer, 0, count)
	for i := 0; i < count; i++ {
		bufID, addr, err := d.gw.AllocateDMABuffer(d.id, size)
		if err != nil {
			return nil, WrapError("OpenDevice", CodeDmaFailure, err)
		}
		data, err := d.gw.Mmap(d.id, driver.DMABufferFileOffset(bufID, size), int(size), unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return nil, NewDeviceError("OpenDevice", d.id, CodeDmaFailure, err.Error())
		}
		bufs = append(bufs, &dma.Buffer{ID: bufID, Addr: addr, Data: data})
	}
	return bufs, nil
}

func findPlatformComponent(s *status.Status, nameContains string) *status.Platform {
	for i := range s.Platforms {
		name := strings.TrimPrefix(s.Platforms[i].Name, status.PlatformComponentPrefix)
		if strings.Contains(strings.ToUpper(name), strings.ToUpper(nameContains)) {
			return &s.Platforms[i]
		}
	}
	return nil
}

func (d *Device) buildPEInstances() []*pe.PE {
	instances := make([]*pe.PE, 0, len(d.status.PEs))
	for i, p := range d.status.PEs {
		var localMem *pe.MemoryArea
		if p.LocalMemory != nil {
			localMem = &pe.MemoryArea{Base: p.LocalMemory.Base, Size: p.LocalMemory.Size}
		}
		instances = append(instances, pe.New(p.ID, uint32(i), d.archMem, p.Offset, d.completion, localMem))
	}
	return instances
}

// AcquirePE checks out one idle instance of PE type id and wraps it in a
// Job ready to be started.
func (d *Device) AcquirePE(id uint32) (*Job, error) {
	p, err := d.scheduler.AcquirePE(id)
	if err != nil {
		if scheduler.IsNoSuchPE(err) {
			return nil, WrapError("AcquirePE", CodeNoSuchPE, err)
		}
		return nil, WrapError("AcquirePE", CodePEUnavailable, err)
	}
	return NewJob(p, d.localMemories[p.Slot()], d.scheduler, d.svmInUse, d.observer), nil
}

// GetPEID looks up a PE type's numeric id by its VLNV-derived name.
func (d *Device) GetPEID(name string) (uint32, bool) {
	return d.status.GetPEID(name)
}

// NumPEs returns the number of currently idle instances of PE type id;
// instances checked out via AcquirePE are not counted until released.
func (d *Device) NumPEs(id uint32) int {
	return d.scheduler.NumPEs(id)
}

// DefaultMemory returns the off-chip memory resolved as default at open
// time.
func (d *Device) DefaultMemory() *OffchipMemory {
	return d.memories[d.defaultMemory]
}

// Memory looks up an off-chip memory by its platform component name.
func (d *Device) Memory(name string) (*OffchipMemory, bool) {
	m, ok := d.memories[name]
	return m, ok
}

// Status returns the decoded status blob this device was opened with.
func (d *Device) Status() *status.Status {
	return d.status
}

// ChangeAccess requests a different access mode on the already-open
// device handle.
func (d *Device) ChangeAccess(mode driver.AccessMode) error {
	if err := d.gw.OpenDevice(d.id, mode); err != nil {
		return NewDeviceError("ChangeAccess", d.id, CodeDriverIO, err.Error())
	}
	return nil
}

// Close tears down every resource OpenDevice acquired, in reverse order:
// interrupts, DMA register mmap, platform/arch mmaps, driver access, then
// the control handle itself.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.readDone != nil {
		record(d.readDone.Close())
	}
	if d.writeDone != nil {
		record(d.writeDone.Close())
	}
	if d.dmaRegMem != nil {
		record(d.gw.Munmap(d.dmaRegMem))
	}
	if d.platformMem != nil {
		record(d.gw.Munmap(d.platformMem))
	}
	if d.archMem != nil {
		record(d.gw.Munmap(d.archMem))
	}
	record(d.gw.Close())

	if firstErr != nil {
		return WrapError("Device.Close", CodeDriverIO, firstErr)
	}
	return nil
}
