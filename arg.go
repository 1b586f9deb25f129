package tapasco

// ArgKind identifies which variant of Arg is populated.
type ArgKind int

const (
	KindScalar32 ArgKind = iota
	KindScalar64
	KindDataTransferAlloc
	KindDataTransferLocal
	KindDataTransferPrealloc
	KindDeviceAddress
	KindVirtualAddress
)

func (k ArgKind) String() string {
	switch k {
	case KindScalar32:
		return "Scalar32"
	case KindScalar64:
		return "Scalar64"
	case KindDataTransferAlloc:
		return "DataTransferAlloc"
	case KindDataTransferLocal:
		return "DataTransferLocal"
	case KindDataTransferPrealloc:
		return "DataTransferPrealloc"
	case KindDeviceAddress:
		return "DeviceAddress"
	case KindVirtualAddress:
		return "VirtualAddress"
	default:
		return "unknown"
	}
}

// Arg is a tagged job argument. Only the fields relevant to Kind are
// meaningful; the job pipeline rewrites a value's Kind (and the fields
// that go with it) as it moves through lowerLocal, allocate and
// transferTo, narrowing the variant set at each stage until only
// Scalar32, Scalar64, DeviceAddress and VirtualAddress reach the
// register-write stage.
type Arg struct {
	Kind ArgKind

	Scalar32 uint32
	Scalar64 uint64

	Data        []byte
	ToDevice    bool
	FromDevice  bool
	Free        bool
	Memory      *OffchipMemory
	FixedOffset *uint64

	DeviceAddr uint64

	VirtualAddr uintptr
}

// ArgScalar32 builds a value written directly to a 32-bit argument register.
func ArgScalar32(v uint32) Arg { return Arg{Kind: KindScalar32, Scalar32: v} }

// ArgScalar64 builds a value written directly to a 64-bit argument register.
func ArgScalar64(v uint64) Arg { return Arg{Kind: KindScalar64, Scalar64: v} }

// ArgDataTransferAlloc builds a host buffer that must be resident on memory
// for the duration of the job.
func ArgDataTransferAlloc(data []byte, toDevice, fromDevice, free bool, memory *OffchipMemory, fixedOffset *uint64) Arg {
	return Arg{
		Kind:        KindDataTransferAlloc,
		Data:        data,
		ToDevice:    toDevice,
		FromDevice:  fromDevice,
		Free:        free,
		Memory:      memory,
		FixedOffset: fixedOffset,
	}
}

// ArgDataTransferLocal builds a host buffer bound to the PE's own local
// memory; the job pipeline resolves Memory from the PE before allocation.
func ArgDataTransferLocal(data []byte, toDevice, fromDevice, free bool, fixedOffset *uint64) Arg {
	return Arg{
		Kind:        KindDataTransferLocal,
		Data:        data,
		ToDevice:    toDevice,
		FromDevice:  fromDevice,
		Free:        free,
		FixedOffset: fixedOffset,
	}
}

// ArgDeviceAddress builds a final on-wire device address, written directly
// to a 64-bit argument register.
func ArgDeviceAddress(addr uint64) Arg { return Arg{Kind: KindDeviceAddress, DeviceAddr: addr} }

// ArgVirtualAddress builds a host pointer passed through verbatim to
// bitstreams with shared-virtual-memory support.
func ArgVirtualAddress(p uintptr) Arg { return Arg{Kind: KindVirtualAddress, VirtualAddr: p} }

// copyBackKind identifies which variant of copyBackRecord is populated.
type copyBackKind int

const (
	copyBackTransfer copyBackKind = iota
	copyBackFree
	copyBackReturn
)

// copyBackRecord is recorded on a Job during the to-device phase and
// consumed, in order, during release.
type copyBackRecord struct {
	kind copyBackKind

	// valid for copyBackTransfer and copyBackReturn
	transfer Arg // Kind == KindDataTransferPrealloc

	// valid for copyBackFree
	freeAddr   uint64
	freeMemory *OffchipMemory
}
