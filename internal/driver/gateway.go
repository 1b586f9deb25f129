package driver

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-tapasco/internal/logging"
)

// ControlDevicePath is the well-known control character device.
const ControlDevicePath = "/dev/tapasco"

// DeviceInfo is one entry returned by EnumerateDevices.
type DeviceInfo struct {
	DevID     uint32
	VendorID  uint32
	ProductID uint32
	Name      string
}

// Region identifies one of the four mmap'able register windows a
// per-device file exposes.
type Region uint32

const (
	RegionStatus Region = iota
	RegionArch
	RegionPlatform
	RegionDMA
)

// Gateway wraps the control device and any number of per-device handles
// opened through it, issuing every ioctl in the driver's vocabulary.
type Gateway struct {
	logger *logging.Logger

	mu         sync.Mutex
	controlFd  int
	devices    map[uint32]*deviceHandle
}

type deviceHandle struct {
	file   *os.File
	access AccessMode
}

// Open opens the control device read/write.
func Open() (*Gateway, error) {
	fd, err := unix.Open(ControlDevicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ControlDevicePath, err)
	}
	return &Gateway{
		logger:    logging.Default(),
		controlFd: fd,
		devices:   make(map[uint32]*deviceHandle),
	}, nil
}

// Close releases every still-open per-device handle (destroying access in
// the process), in no particular order, and then the control device.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ids []uint32
	for id := range g.devices {
		ids = append(ids, id)
	}
	for i := len(ids) - 1; i >= 0; i-- {
		g.closeDeviceLocked(ids[i])
	}

	if g.controlFd >= 0 {
		err := unix.Close(g.controlFd)
		g.controlFd = -1
		return err
	}
	return nil
}

func (g *Gateway) closeDeviceLocked(id uint32) {
	h, ok := g.devices[id]
	if !ok {
		return
	}
	if h.access != accessNone {
		if err := g.destroyAccessLocked(id); err != nil {
			g.logger.Warn("destroy access during close failed", "dev_id", id, "err", err)
		}
	}
	h.file.Close()
	delete(g.devices, id)
}

func (g *Gateway) ioctl(fd int, cmd uint32, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmd), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Version reads the control device's UTF-8 version string.
func (g *Gateway) Version() (string, error) {
	var cmd versionCmd
	if err := g.ioctl(g.controlFd, ctrlCmd(cmdVersion, uint32(unsafe.Sizeof(cmd))), unsafe.Pointer(&cmd)); err != nil {
		return "", fmt.Errorf("Version: %w", err)
	}
	return decodeCString(cmd.Version[:]), nil
}

// EnumerateDevices lists every device the driver currently knows about.
func (g *Gateway) EnumerateDevices() ([]DeviceInfo, error) {
	var cmd enumDevicesCmd
	if err := g.ioctl(g.controlFd, ctrlCmd(cmdEnumDevices, uint32(unsafe.Sizeof(cmd))), unsafe.Pointer(&cmd)); err != nil {
		return nil, fmt.Errorf("EnumerateDevices: %w", err)
	}
	n := int(cmd.NumDevs)
	if n > maxDevs {
		n = maxDevs
	}
	out := make([]DeviceInfo, 0, n)
	for i := 0; i < n; i++ {
		d := cmd.Devs[i]
		out = append(out, DeviceInfo{
			DevID:     d.DevID,
			VendorID:  d.VendorID,
			ProductID: d.ProductID,
			Name:      decodeCString(d.Name[:]),
		})
	}
	return out, nil
}

func devicePath(id uint32) string {
	return fmt.Sprintf("/dev/tapasco_%02d", id)
}

// OpenDevice opens (or reuses) the per-device handle for id and requests
// access at the given mode, destroying any previously held mode first.
func (g *Gateway) OpenDevice(id uint32, access AccessMode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.devices[id]
	if !ok {
		f, err := os.OpenFile(devicePath(id), os.O_RDONLY, 0)
		if err != nil {
			return fmt.Errorf("OpenDevice(%d): %w", id, err)
		}
		h = &deviceHandle{file: f, access: accessNone}
		g.devices[id] = h
	}

	if h.access == access {
		return nil
	}
	if h.access != accessNone {
		if err := g.destroyAccessLocked(id); err != nil {
			return err
		}
	}

	cmd := deviceAccessCmd{DevID: id, Access: uint32(access)}
	if err := g.ioctl(g.controlFd, ctrlCmd(cmdCreateDevice, uint32(unsafe.Sizeof(cmd))), unsafe.Pointer(&cmd)); err != nil {
		return fmt.Errorf("OpenDevice(%d, %s): %w", id, access, err)
	}
	h.access = access
	return nil
}

// CloseDevice destroys access and closes the per-device handle for id.
func (g *Gateway) CloseDevice(id uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.devices[id]; !ok {
		return nil
	}
	g.closeDeviceLocked(id)
	return nil
}

func (g *Gateway) destroyAccessLocked(id uint32) error {
	h := g.devices[id]
	cmd := deviceAccessCmd{DevID: id, Access: uint32(h.access)}
	if err := g.ioctl(g.controlFd, ctrlCmd(cmdDestroyDevice, uint32(unsafe.Sizeof(cmd))), unsafe.Pointer(&cmd)); err != nil {
		return fmt.Errorf("destroy access (dev=%d): %w", id, err)
	}
	h.access = accessNone
	return nil
}

// CopyTo copies all of buf to the device at deviceAddr, using the
// kernel-resident fallback path.
func (g *Gateway) CopyTo(id uint32, deviceAddr uint64, buf []byte) error {
	return g.copy(id, cmdCopyTo, deviceAddr, buf)
}

// CopyFrom fills buf with len(buf) bytes read from the device at
// deviceAddr, using the kernel-resident fallback path.
func (g *Gateway) CopyFrom(id uint32, deviceAddr uint64, buf []byte) error {
	return g.copy(id, cmdCopyFrom, deviceAddr, buf)
}

func (g *Gateway) copy(id uint32, command uint32, deviceAddr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	cmd := copyCmd{
		DevID:      id,
		DeviceAddr: deviceAddr,
		Length:     uint64(len(buf)),
		UserAddr:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	if err := g.ioctl(g.controlFd, ctrlCmd(command, uint32(unsafe.Sizeof(cmd))), unsafe.Pointer(&cmd)); err != nil {
		return fmt.Errorf("copy(dev=%d): %w", id, err)
	}
	return nil
}

// AllocateDMABuffer requests a pinned host buffer of size bytes.
func (g *Gateway) AllocateDMABuffer(id uint32, size uint64) (bufferID uint32, deviceAddr uint64, err error) {
	cmd := dmaAllocCmd{DevID: id, Size: size}
	if err := g.ioctl(g.controlFd, ctrlCmd(cmdDMAAlloc, uint32(unsafe.Sizeof(cmd))), unsafe.Pointer(&cmd)); err != nil {
		return 0, 0, fmt.Errorf("AllocateDMABuffer(dev=%d, size=%d): %w", id, size, err)
	}
	return cmd.BufferID, cmd.DeviceAddr, nil
}

// SubmitBuffer and RecoverBuffer are cache-maintenance no-ops keyed by
// buffer id, issued before the device reads a buffer and after it writes
// one respectively.
func (g *Gateway) SubmitBuffer(id, bufferID uint32) error {
	return g.dmaBufferOp(id, bufferID, cmdDMASubmit)
}

func (g *Gateway) RecoverBuffer(id, bufferID uint32) error {
	return g.dmaBufferOp(id, bufferID, cmdDMARecover)
}

func (g *Gateway) dmaBufferOp(id, bufferID uint32, command uint32) error {
	cmd := dmaBufferCmd{DevID: id, BufferID: bufferID}
	if err := g.ioctl(g.controlFd, ctrlCmd(command, uint32(unsafe.Sizeof(cmd))), unsafe.Pointer(&cmd)); err != nil {
		return fmt.Errorf("dma buffer op(dev=%d, buf=%d): %w", id, bufferID, err)
	}
	return nil
}

// RegisterInterrupt binds an eventfd descriptor to interrupt index peID on
// device id.
func (g *Gateway) RegisterInterrupt(id uint32, peID int32, fd int32) error {
	cmd := registerInterruptCmd{DevID: id, FD: fd, PEID: peID}
	if err := g.ioctl(g.controlFd, ctrlCmd(cmdRegisterInterrupt, uint32(unsafe.Sizeof(cmd))), unsafe.Pointer(&cmd)); err != nil {
		return fmt.Errorf("RegisterInterrupt(dev=%d, pe=%d): %w", id, peID, err)
	}
	return nil
}

// BarAddress asks the driver for the mmap-able offset and length of one
// region of device id's register space.
func (g *Gateway) BarAddress(id uint32, region Region) (offset, length uint64, err error) {
	cmd := barAddressCmd{DevID: id, Region: uint32(region)}
	if err := g.ioctl(g.controlFd, ctrlCmd(cmdBarAddress, uint32(unsafe.Sizeof(cmd))), unsafe.Pointer(&cmd)); err != nil {
		return 0, 0, fmt.Errorf("BarAddress(dev=%d, region=%d): %w", id, region, err)
	}
	return cmd.Offset, cmd.Length, nil
}

// Mmap maps length bytes of device id's character file at the given file
// offset (as returned by BarAddress), with the given protection.
func (g *Gateway) Mmap(id uint32, fileOffset int64, length int, prot int) ([]byte, error) {
	g.mu.Lock()
	h, ok := g.devices[id]
	g.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("Mmap(dev=%d): device not open", id)
	}
	return unix.Mmap(int(h.file.Fd()), fileOffset, length, prot, unix.MAP_SHARED)
}

// Munmap unmaps a region previously returned by Mmap.
func (g *Gateway) Munmap(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

// CompletionFile returns the already-open per-device file handle so a
// caller can read the shared completion-record stream from it; id must
// already have been opened via OpenDevice.
func (g *Gateway) CompletionFile(id uint32) (*os.File, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.devices[id]
	if !ok {
		return nil, fmt.Errorf("CompletionFile(dev=%d): device not open", id)
	}
	return h.file, nil
}

// dmaBufferSlotSize is the fixed mmap-offset granularity the driver uses
// for DMA bounce buffer slots; slots 0-3 are reserved for the arch/platform
// register windows, so bounce buffers start at slot 4.
const dmaBufferSlotSize = 4096

// DMABufferFileOffset returns the deterministic mmap file offset for a DMA
// bounce buffer, keyed by its buffer id. The offset selects which pinned
// buffer the driver hands back, not a byte position within it, so it does
// not scale with bufferSize.
func DMABufferFileOffset(bufferID uint32, bufferSize uint64) int64 {
	return int64(4+bufferID) * dmaBufferSlotSize
}

func decodeCString(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return strings.TrimRight(string(b), "\x00")
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
