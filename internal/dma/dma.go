// Package dma drives the userspace, bounce-buffer DMA engine: a small
// on-device DMA controller register file plus driver-allocated pinned
// host buffers, exposed to callers as copy_to/copy_from over arbitrary
// byte slices.
package dma

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Register offsets within the DMA controller's register window.
const (
	regHostAddr   = 0x00
	regDeviceAddr = 0x08
	regLength     = 0x10
	regCommand    = 0x20
)

// Command values written to regCommand.
const (
	cmdWrite uint64 = 0x10000001 // host -> device
	cmdRead  uint64 = 0x10001000 // device -> host
)

// Buffer is one driver-allocated pinned bounce buffer.
type Buffer struct {
	ID   uint32
	Addr uint64 // device-side physical address of this buffer
	Data []byte // host-mapped view of the same memory
}

// Interrupt is the subset of interrupt.Endpoint the engine needs.
type Interrupt interface {
	Wait() (uint64, error)
}

// CacheMaintainer issues the submit/recover cache-maintenance ioctls that
// bracket a buffer's use; both are no-ops on cache-coherent platforms but
// the driver always expects them bracketing a transfer.
type CacheMaintainer interface {
	SubmitBuffer(bufferID uint32) error
	RecoverBuffer(bufferID uint32) error
}

// Registers is the memory-mapped DMA controller register file.
type Registers interface {
	WriteReg64(offset uintptr, v uint64)
}

// Config configures buffer pool sizes; BufferSize must match the size of
// the buffers the driver actually allocated.
type Config struct {
	ReadBufferSize   uint64
	ReadBufferCount  int
	WriteBufferSize  uint64
	WriteBufferCount int
}

// Engine is the userspace DMA engine for one device.
type Engine struct {
	regs  Registers
	cache CacheMaintainer

	readDone  Interrupt
	writeDone Interrupt

	regMu sync.Mutex

	availableRead  chan *Buffer
	availableWrite chan *Buffer

	inFlightMu sync.Mutex
	inFlight   []*Buffer

	writeIssued    atomic.Uint64
	writeCompleted atomic.Uint64
	readIssued     atomic.Uint64
	readCompleted  atomic.Uint64
}

// New constructs an Engine over the given register file, read/write
// buffer pools, and completion interrupts.
func New(regs Registers, cache CacheMaintainer, readDone, writeDone Interrupt, readBufs, writeBufs []*Buffer) *Engine {
	e := &Engine{
		regs:           regs,
		cache:          cache,
		readDone:       readDone,
		writeDone:      writeDone,
		availableRead:  make(chan *Buffer, len(readBufs)),
		availableWrite: make(chan *Buffer, len(writeBufs)),
	}
	for _, b := range readBufs {
		e.availableRead <- b
	}
	for _, b := range writeBufs {
		e.availableWrite <- b
	}
	return e
}

// CopyTo copies host into the device at deviceAddr. It returns only after
// the driver has confirmed every chunk has landed.
func (e *Engine) CopyTo(host []byte, deviceAddr uint64) error {
	remaining := host
	addr := deviceAddr
	var target uint64

	for len(remaining) > 0 {
		buf, err := e.acquireWriteBuffer()
		if err != nil {
			return fmt.Errorf("copy_to: %w", err)
		}
		n := len(buf.Data)
		if n > len(remaining) {
			n = len(remaining)
		}
		copy(buf.Data[:n], remaining[:n])
		if e.cache != nil {
			if err := e.cache.SubmitBuffer(buf.ID); err != nil {
				return fmt.Errorf("copy_to: submit buffer %d: %w", buf.ID, err)
			}
		}

		e.inFlightMu.Lock()
		e.regMu.Lock()
		e.inFlight = append(e.inFlight, buf)
		e.regs.WriteReg64(regHostAddr, uint64(bufferOffset(buf)))
		e.regs.WriteReg64(regDeviceAddr, addr)
		e.regs.WriteReg64(regLength, uint64(n))
		e.regs.WriteReg64(regCommand, cmdWrite)
		target = e.writeIssued.Add(1)
		e.regMu.Unlock()
		e.inFlightMu.Unlock()

		remaining = remaining[n:]
		addr += uint64(n)
	}

	for e.writeCompleted.Load() < target {
		if err := e.drainWriteDone(); err != nil {
			return fmt.Errorf("copy_to: %w", err)
		}
	}
	return nil
}

// CopyFrom copies from the device at deviceAddr into host. It returns only
// after every chunk has been copied into host.
//
// The issue loop below drains completed buffers back into availableRead
// (copying their data out to the caller's host slice first) whenever the
// pool runs dry, instead of waiting until every chunk has been issued. A
// transfer needing more chunks than the read pool has buffers would
// otherwise block forever: CopyTo's acquireWriteBuffer already works this
// way, but data read from the device must be copied out before its buffer
// can be reused, so that drain has to carry this call's own tracked list
// rather than living on the engine.
func (e *Engine) CopyFrom(deviceAddr uint64, host []byte) error {
	remaining := host
	addr := deviceAddr
	type pending struct {
		seq uint64
		buf *Buffer
		dst []byte
	}
	var tracked []pending

	drainCompleted := func() error {
		n, err := e.readDone.Wait()
		if err != nil {
			return err
		}
		completed := e.readCompleted.Add(n)

		still := tracked[:0]
		for _, rec := range tracked {
			if rec.seq > completed {
				still = append(still, rec)
				continue
			}
			if e.cache != nil {
				if err := e.cache.RecoverBuffer(rec.buf.ID); err != nil {
					return fmt.Errorf("recover buffer %d: %w", rec.buf.ID, err)
				}
			}
			copy(rec.dst, rec.buf.Data[:len(rec.dst)])
			e.availableRead <- rec.buf
		}
		tracked = still
		return nil
	}

	acquireReadBuffer := func() (*Buffer, error) {
		select {
		case buf := <-e.availableRead:
			return buf, nil
		default:
		}
		for {
			if err := drainCompleted(); err != nil {
				return nil, err
			}
			select {
			case buf := <-e.availableRead:
				return buf, nil
			default:
				continue
			}
		}
	}

	for len(remaining) > 0 {
		buf, err := acquireReadBuffer()
		if err != nil {
			return fmt.Errorf("copy_from: %w", err)
		}
		n := len(buf.Data)
		if n > len(remaining) {
			n = len(remaining)
		}

		e.regMu.Lock()
		e.regs.WriteReg64(regHostAddr, uint64(bufferOffset(buf)))
		e.regs.WriteReg64(regDeviceAddr, addr)
		e.regs.WriteReg64(regLength, uint64(n))
		e.regs.WriteReg64(regCommand, cmdRead)
		seq := e.readIssued.Add(1)
		e.regMu.Unlock()

		tracked = append(tracked, pending{seq: seq, buf: buf, dst: remaining[:n]})
		remaining = remaining[n:]
		addr += uint64(n)
	}

	for len(tracked) > 0 {
		if err := drainCompleted(); err != nil {
			return fmt.Errorf("copy_from: %w", err)
		}
	}
	return nil
}

func (e *Engine) acquireWriteBuffer() (*Buffer, error) {
	select {
	case buf := <-e.availableWrite:
		return buf, nil
	default:
	}
	for {
		n, err := e.writeDone.Wait()
		if err != nil {
			return nil, err
		}
		e.recirculateWrite(n)
		select {
		case buf := <-e.availableWrite:
			return buf, nil
		default:
			continue
		}
	}
}

func (e *Engine) recirculateWrite(n uint64) error {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	for i := uint64(0); i < n && len(e.inFlight) > 0; i++ {
		buf := e.inFlight[0]
		e.inFlight = e.inFlight[1:]
		e.writeCompleted.Add(1)
		e.availableWrite <- buf
	}
	return nil
}

func (e *Engine) drainWriteDone() error {
	n, err := e.writeDone.Wait()
	if err != nil {
		return err
	}
	return e.recirculateWrite(n)
}

// bufferOffset is the buffer's device-side address, which is what the DMA
// controller's host_addr register expects for a driver-allocated bounce
// buffer (the "host" address here is relative to the device's DMA view,
// not the process's virtual address space).
func bufferOffset(b *Buffer) uint64 {
	return b.Addr
}
