// Package scheduler holds the pool of PE instances, grouped by type, that
// jobs acquire and release from.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/behrlich/go-tapasco/internal/pe"
)

// Error is the scheduler's own narrow error type.
type Error struct {
	Kind string
	ID   uint32
}

func (e *Error) Error() string {
	switch e.Kind {
	case "pe_unavailable":
		return fmt.Sprintf("all PE instances of type %d are checked out", e.ID)
	case "no_such_pe":
		return fmt.Sprintf("no PE of type %d in this bitstream", e.ID)
	case "pe_still_active":
		return fmt.Sprintf("PE slot %d is still active", e.ID)
	default:
		return "scheduler error"
	}
}

func errUnavailable(id uint32) error { return &Error{Kind: "pe_unavailable", ID: id} }
func errNoSuchPE(id uint32) error    { return &Error{Kind: "no_such_pe", ID: id} }
func errStillActive(slot uint32) error { return &Error{Kind: "pe_still_active", ID: slot} }

// IsUnavailable, IsNoSuchPE, IsStillActive classify an error from this
// package.
func IsUnavailable(err error) bool  { return kindOf(err) == "pe_unavailable" }
func IsNoSuchPE(err error) bool     { return kindOf(err) == "no_such_pe" }
func IsStillActive(err error) bool  { return kindOf(err) == "pe_still_active" }

func kindOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}

// Scheduler pools PE instances by their bitstream type id.
type Scheduler struct {
	mu  sync.Mutex
	pes map[uint32][]*pe.PE
}

// New builds a Scheduler from a flat list of PE instances, grouping them
// by ID.
func New(instances []*pe.PE) *Scheduler {
	s := &Scheduler{pes: make(map[uint32][]*pe.PE)}
	for _, p := range instances {
		s.pes[p.ID()] = append(s.pes[p.ID()], p)
	}
	return s
}

// AcquirePE pops one idle instance of the given type id.
func (s *Scheduler) AcquirePE(id uint32) (*pe.PE, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, ok := s.pes[id]
	if !ok {
		return nil, errNoSuchPE(id)
	}
	if len(pool) == 0 {
		return nil, errUnavailable(id)
	}
	p := pool[len(pool)-1]
	s.pes[id] = pool[:len(pool)-1]
	return p, nil
}

// ReleasePE returns an instance to its pool; it refuses if the instance is
// still active.
func (s *Scheduler) ReleasePE(p *pe.PE) error {
	if p.Active() {
		return errStillActive(p.Slot())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pes[p.ID()] = append(s.pes[p.ID()], p)
	return nil
}

// NumPEs returns the number of currently idle instances of the given type
// id; instances checked out via AcquirePE are not counted until released.
func (s *Scheduler) NumPEs(id uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pes[id])
}

// ResetInterrupts enables global/local interrupts on every pooled PE and
// clears any sticky acknowledgement bits the bitstream may power up with.
func (s *Scheduler) ResetInterrupts() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pool := range s.pes {
		for _, p := range pool {
			if err := p.EnableInterrupt(); err != nil {
				return fmt.Errorf("reset interrupts: %w", err)
			}
			global, local := p.InterruptStatus()
			if global || local {
				p.ResetInterrupt(true)
			}
		}
	}
	return nil
}
