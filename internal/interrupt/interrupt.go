// Package interrupt provides eventfd-backed interrupt endpoints bound to a
// bitstream's interrupt lines through the driver gateway's registration
// ioctl.
package interrupt

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Registrar is the subset of the driver gateway an Endpoint needs to bind
// itself to a device's interrupt index.
type Registrar interface {
	RegisterInterrupt(devID uint32, peID int32, fd int32) error
}

// Endpoint wraps one eventfd descriptor registered against a single PE
// interrupt line.
type Endpoint struct {
	fd       int
	blocking bool
}

// New creates an eventfd descriptor (non-blocking unless blocking is true)
// and registers it with the driver against devID's interrupt index peID.
func New(reg Registrar, devID uint32, peID int32, blocking bool) (*Endpoint, error) {
	flags := 0
	if !blocking {
		flags = unix.EFD_NONBLOCK
	}
	fd, err := unix.Eventfd(0, flags)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := reg.RegisterInterrupt(devID, peID, int32(fd)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("register interrupt (pe=%d): %w", peID, err)
	}
	return &Endpoint{fd: fd, blocking: blocking}, nil
}

// Wait blocks until at least one interrupt has been delivered and returns
// the accumulated count the kernel coalesces into the eventfd counter.
// A non-blocking descriptor with nothing pending reports EAGAIN; Wait
// retries the read immediately in that case instead of returning it. Any
// other read error, EINTR included, is returned.
func (e *Endpoint) Wait() (uint64, error) {
	buf := make([]byte, 8)
	for {
		n, err := unix.Read(e.fd, buf)
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read eventfd: %w", err)
		}
		if n != 8 {
			return 0, fmt.Errorf("read eventfd: short read of %d bytes", n)
		}
		return binary.NativeEndian.Uint64(buf), nil
	}
}

// Poll returns the accumulated interrupt count without blocking, or 0 if
// none has arrived yet.
func (e *Endpoint) Poll() (uint64, error) {
	buf := make([]byte, 8)
	n, err := unix.Read(e.fd, buf)
	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read eventfd: %w", err)
	}
	if n != 8 {
		return 0, fmt.Errorf("read eventfd: short read of %d bytes", n)
	}
	return binary.NativeEndian.Uint64(buf), nil
}

// Close closes the eventfd descriptor; the driver treats closure as
// implicit deregistration.
func (e *Endpoint) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}
