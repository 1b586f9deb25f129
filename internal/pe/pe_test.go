package pe

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/behrlich/go-tapasco/internal/completion"
)

func newTestPE(t *testing.T, slot uint32) (*PE, *os.File) {
	t.Helper()
	arch := make([]byte, 4096)
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })
	reader := completion.New(r)
	p := New(10, slot, arch, 0, reader, nil)
	return p, w
}

func TestStartRequiresIdle(t *testing.T) {
	p, _ := newTestPE(t, 0)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.Active() {
		t.Error("expected PE to be active after Start")
	}
	if err := p.Start(); err == nil {
		t.Error("expected second Start to fail while active")
	}
}

func TestSetArgAndReadArgRoundTrip(t *testing.T) {
	p, _ := newTestPE(t, 0)
	if err := p.SetArg(0, 8, 0xDEADBEEFCAFE); err != nil {
		t.Fatalf("SetArg 64-bit: %v", err)
	}
	got, err := p.ReadArg(0, 8)
	if err != nil || got != 0xDEADBEEFCAFE {
		t.Fatalf("ReadArg 64-bit = %x, %v; want 0xDEADBEEFCAFE, nil", got, err)
	}

	if err := p.SetArg(1, 4, 0x12345678); err != nil {
		t.Fatalf("SetArg 32-bit: %v", err)
	}
	got32, err := p.ReadArg(1, 4)
	if err != nil || got32 != 0x12345678 {
		t.Fatalf("ReadArg 32-bit = %x, %v; want 0x12345678, nil", got32, err)
	}
}

func TestSetArgRejectsUnsupportedWidth(t *testing.T) {
	p, _ := newTestPE(t, 0)
	if err := p.SetArg(0, 2, 1); err == nil {
		t.Error("expected SetArg with width=2 to fail")
	}
}

func TestEnableInterruptRequiresIdle(t *testing.T) {
	p, _ := newTestPE(t, 0)
	if err := p.EnableInterrupt(); err != nil {
		t.Fatalf("EnableInterrupt: %v", err)
	}
	global, local := p.InterruptStatus()
	if !global || !local {
		t.Errorf("InterruptStatus = (%v, %v), want (true, true)", global, local)
	}

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.EnableInterrupt(); err == nil {
		t.Error("expected EnableInterrupt to fail while active")
	}
}

func TestResetInterruptWritesAckRegister(t *testing.T) {
	p, _ := newTestPE(t, 0)
	p.ResetInterrupt(true)
	arch := (*[4096]byte)(p.base)[:]
	if arch[regIPIACK] != 1 {
		t.Errorf("ack register = %d, want 1", arch[regIPIACK])
	}
	p.ResetInterrupt(false)
	if arch[regIPIACK] != 0 {
		t.Errorf("ack register = %d, want 0", arch[regIPIACK])
	}
}

func TestWaitForCompletionTransitionsToIdle(t *testing.T) {
	p, w := newTestPE(t, 5)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 5)
	if _, err := w.Write(buf); err != nil {
		t.Fatalf("write completion: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.WaitForCompletion() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForCompletion: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForCompletion did not return")
	}

	if p.Active() {
		t.Error("expected PE to be Idle after WaitForCompletion")
	}
}

func TestWaitForCompletionNoopWhenIdle(t *testing.T) {
	p, _ := newTestPE(t, 0)
	if err := p.WaitForCompletion(); err != nil {
		t.Fatalf("WaitForCompletion on idle PE: %v", err)
	}
}
