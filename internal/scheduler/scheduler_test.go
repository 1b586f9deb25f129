package scheduler

import (
	"os"
	"testing"

	"github.com/behrlich/go-tapasco/internal/completion"
	"github.com/behrlich/go-tapasco/internal/pe"
)

func makePEs(t *testing.T, id uint32, n int) []*pe.PE {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })
	reader := completion.New(r)
	arch := make([]byte, 4096*n)
	out := make([]*pe.PE, n)
	for i := 0; i < n; i++ {
		out[i] = pe.New(id, uint32(i), arch, uint64(i*4096), reader, nil)
	}
	return out
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	s := New(makePEs(t, 10, 2))

	p1, err := s.AcquirePE(10)
	if err != nil {
		t.Fatalf("AcquirePE: %v", err)
	}
	p2, err := s.AcquirePE(10)
	if err != nil {
		t.Fatalf("AcquirePE: %v", err)
	}
	if p1 == p2 {
		t.Fatal("expected two distinct PE instances")
	}

	if _, err := s.AcquirePE(10); !IsUnavailable(err) {
		t.Fatalf("AcquirePE on exhausted pool = %v; want Unavailable", err)
	}

	if err := s.ReleasePE(p1); err != nil {
		t.Fatalf("ReleasePE: %v", err)
	}
	if _, err := s.AcquirePE(10); err != nil {
		t.Fatalf("AcquirePE after release: %v", err)
	}
}

func TestAcquireUnknownType(t *testing.T) {
	s := New(makePEs(t, 10, 1))
	if _, err := s.AcquirePE(99); !IsNoSuchPE(err) {
		t.Fatalf("AcquirePE(99) = %v; want NoSuchPE", err)
	}
}

func TestReleaseRefusesActivePE(t *testing.T) {
	s := New(makePEs(t, 10, 1))
	p, err := s.AcquirePE(10)
	if err != nil {
		t.Fatalf("AcquirePE: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.ReleasePE(p); !IsStillActive(err) {
		t.Fatalf("ReleasePE(active) = %v; want StillActive", err)
	}
}

func TestNumPEs(t *testing.T) {
	s := New(makePEs(t, 10, 3))
	if n := s.NumPEs(10); n != 3 {
		t.Errorf("NumPEs(10) = %d, want 3", n)
	}
	if n := s.NumPEs(99); n != 0 {
		t.Errorf("NumPEs(99) = %d, want 0", n)
	}
	if _, err := s.AcquirePE(10); err != nil {
		t.Fatalf("AcquirePE: %v", err)
	}
	if n := s.NumPEs(10); n != 2 {
		t.Errorf("NumPEs(10) after acquire = %d, want 2", n)
	}
}

func TestResetInterruptsEnablesAndClearsAllPEs(t *testing.T) {
	s := New(makePEs(t, 10, 2))
	if err := s.ResetInterrupts(); err != nil {
		t.Fatalf("ResetInterrupts: %v", err)
	}
	for i := 0; i < 2; i++ {
		p, err := s.AcquirePE(10)
		if err != nil {
			t.Fatalf("AcquirePE: %v", err)
		}
		global, local := p.InterruptStatus()
		if !global || !local {
			t.Errorf("PE %d InterruptStatus = (%v, %v), want (true, true)", i, global, local)
		}
	}
}
