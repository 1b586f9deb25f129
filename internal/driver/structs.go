package driver

import "unsafe"

const (
	versionSz = 30
	devNameSz = 30
	maxDevs   = 10
)

// AccessMode mirrors the kernel's three-way device access model: at most one
// process may hold Exclusive or Shared access to a device at a time, while
// Monitor access (read-only, status-blob only) is always permitted.
type AccessMode uint32

const (
	AccessMonitor AccessMode = iota
	AccessExclusive
	AccessShared
	// accessNone is the internal "no access currently held" sentinel; it is
	// never requested by a caller, only observed on a freshly opened handle.
	accessNone
)

func (m AccessMode) String() string {
	switch m {
	case AccessMonitor:
		return "monitor"
	case AccessExclusive:
		return "exclusive"
	case AccessShared:
		return "shared"
	default:
		return "none"
	}
}

// versionCmd carries a UTF-8 (NUL-padded) version string back from the
// control device.
type versionCmd struct {
	Version [versionSz]byte
}

var _ [30]byte = [unsafe.Sizeof(versionCmd{})]byte{}

// deviceInfo describes one enumerated device.
type deviceInfo struct {
	DevID     uint32
	VendorID  uint32
	ProductID uint32
	Name      [devNameSz]byte
	_         [2]byte // trailing padding to a 4-byte multiple
}

var _ [44]byte = [unsafe.Sizeof(deviceInfo{})]byte{}

// enumDevicesCmd is filled in by the kernel with up to maxDevs entries.
type enumDevicesCmd struct {
	NumDevs uint64
	Devs    [maxDevs]deviceInfo
}

var _ [448]byte = [unsafe.Sizeof(enumDevicesCmd{})]byte{}

// deviceAccessCmd requests or releases one access mode on one device.
type deviceAccessCmd struct {
	DevID  uint32
	Access uint32
}

var _ [8]byte = [unsafe.Sizeof(deviceAccessCmd{})]byte{}

// copyCmd is the kernel-resident-fallback copy path's argument struct.
type copyCmd struct {
	DevID      uint32
	_          uint32 // padding to keep the uint64 fields 8-byte aligned
	DeviceAddr uint64
	Length     uint64
	UserAddr   uint64
}

var _ [32]byte = [unsafe.Sizeof(copyCmd{})]byte{}

// dmaAllocCmd requests a pinned host buffer of Size bytes; the kernel fills
// in BufferID and DeviceAddr.
type dmaAllocCmd struct {
	DevID      uint32
	BufferID   uint32
	Size       uint64
	DeviceAddr uint64
}

var _ [24]byte = [unsafe.Sizeof(dmaAllocCmd{})]byte{}

// dmaBufferCmd is shared by the submit and recover cache-maintenance
// no-ops, keyed by buffer id.
type dmaBufferCmd struct {
	DevID    uint32
	BufferID uint32
}

var _ [8]byte = [unsafe.Sizeof(dmaBufferCmd{})]byte{}

// registerInterruptCmd binds an eventfd descriptor to an interrupt index.
type registerInterruptCmd struct {
	DevID uint32
	FD    int32
	PEID  int32
}

var _ [12]byte = [unsafe.Sizeof(registerInterruptCmd{})]byte{}

// barAddressCmd retrieves the mmap-able offset and length of one named
// register window (arch, platform, status, or the DMA controller's registers).
type barAddressCmd struct {
	DevID  uint32
	Region uint32
	Offset uint64
	Length uint64
}

var _ [24]byte = [unsafe.Sizeof(barAddressCmd{})]byte{}
