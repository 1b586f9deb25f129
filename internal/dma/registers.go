package dma

import (
	"sync/atomic"
	"unsafe"
)

// MappedRegisters is a Registers implementation over a memory-mapped
// register window, using atomic stores in place of a volatile write —
// Go has no volatile qualifier, so every register access in this runtime
// goes through sync/atomic the way the original uses
// volatile::Volatile<T>.
type MappedRegisters struct {
	base unsafe.Pointer
}

// NewMappedRegisters wraps an mmap'd byte slice as a register file. The
// slice must remain alive and mapped for the lifetime of the returned
// value.
func NewMappedRegisters(mem []byte) *MappedRegisters {
	return &MappedRegisters{base: unsafe.Pointer(&mem[0])}
}

func (r *MappedRegisters) WriteReg64(offset uintptr, v uint64) {
	ptr := (*uint64)(unsafe.Pointer(uintptr(r.base) + offset))
	atomic.StoreUint64(ptr, v)
}

func (r *MappedRegisters) ReadReg64(offset uintptr) uint64 {
	ptr := (*uint64)(unsafe.Pointer(uintptr(r.base) + offset))
	return atomic.LoadUint64(ptr)
}
