// +build integration

package integration

import (
	"encoding/binary"
	"os"
	"sync"
	"testing"

	tapasco "github.com/behrlich/go-tapasco"
)

// requireRoot skips the test if not running with permission to open the
// control device.
func requireRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("this test requires root privileges to open /dev/tapasco")
	}
}

// requireDriver skips the test if the tapasco kernel driver is not loaded.
func requireDriver(t *testing.T) {
	if _, err := os.Stat(tapascoControlDevicePath); os.IsNotExist(err) {
		t.Skip("tapasco kernel driver not loaded")
	}
}

const tapascoControlDevicePath = "/dev/tapasco"

// openDefaultDevice opens device 0 with default options, skipping the test
// if no bitstream is currently loaded.
func openDefaultDevice(t *testing.T) *tapasco.Device {
	t.Helper()
	requireRoot(t)
	requireDriver(t)

	d, err := tapasco.OpenDevice(0, tapasco.DefaultOpenOptions())
	if err != nil {
		t.Skipf("OpenDevice(0): %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// TestCounterPE is scenario C: a counter PE started with a single
// Scalar64(1000) argument must complete and its (unused) return value
// read back without error.
func TestCounterPE(t *testing.T) {
	d := openDefaultDevice(t)

	id, ok := d.GetPEID("esa.informatik.tu-darmstadt.de:hls:counter:0.9")
	if !ok {
		t.Skip("no counter:0.9 PE present in loaded bitstream")
	}

	job, err := d.AcquirePE(id)
	if err != nil {
		t.Fatalf("AcquirePE: %v", err)
	}

	if _, err := job.Start([]tapasco.Arg{tapasco.ArgScalar64(1000)}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, _, err := job.Release(true, true); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

// TestArraySum is scenario D: a 1024-byte buffer of sequential uint32s
// summed on-device must match the host-computed sum.
func TestArraySum(t *testing.T) {
	d := openDefaultDevice(t)

	id, ok := d.GetPEID("esa.informatik.tu-darmstadt.de:hls:arraysum:1.0")
	if !ok {
		t.Skip("no arraysum:1.0 PE present in loaded bitstream")
	}

	mem := d.DefaultMemory()
	if mem == nil {
		t.Skip("device has no default off-chip memory")
	}

	data := make([]byte, 1024)
	var want uint64
	for i := 0; i < 256; i++ {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(i))
		want += uint64(i)
	}

	job, err := d.AcquirePE(id)
	if err != nil {
		t.Fatalf("AcquirePE: %v", err)
	}

	arg := tapasco.ArgDataTransferAlloc(data, true, false, true, mem, nil)
	if _, err := job.Start([]tapasco.Arg{arg}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rv, _, err := job.Release(true, true)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if rv != want {
		t.Errorf("arraysum returned %d, want %d", rv, want)
	}
}

// TestParallelCounterBenchmark is scenario E: 8 concurrently running
// counter jobs must complete without PEStillActive/PEUnavailable errors
// across many submissions each, because each goroutine releases before
// re-acquiring.
func TestParallelCounterBenchmark(t *testing.T) {
	d := openDefaultDevice(t)

	id, ok := d.GetPEID("esa.informatik.tu-darmstadt.de:hls:counter:0.9")
	if !ok {
		t.Skip("no counter:0.9 PE present in loaded bitstream")
	}
	if d.NumPEs(id) < 8 {
		t.Skip("fewer than 8 counter instances present in loaded bitstream")
	}

	const goroutines = 8
	const perGoroutine = 10000

	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				job, err := d.AcquirePE(id)
				if err != nil {
					errs <- err
					return
				}
				if _, err := job.Start([]tapasco.Arg{tapasco.ArgScalar64(1)}); err != nil {
					errs <- err
					return
				}
				if _, _, err := job.Release(true, false); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("parallel counter benchmark: %v", err)
	}
}

// TestInterruptStorm is scenario F: 100,000 back-to-back single-instance
// counter jobs on one thread must all complete, exercising sustained
// completion-stream throughput on one PE.
func TestInterruptStorm(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping interrupt storm test in short mode")
	}
	d := openDefaultDevice(t)

	id, ok := d.GetPEID("esa.informatik.tu-darmstadt.de:hls:counter:0.9")
	if !ok {
		t.Skip("no counter:0.9 PE present in loaded bitstream")
	}

	for i := 0; i < 100000; i++ {
		job, err := d.AcquirePE(id)
		if err != nil {
			t.Fatalf("AcquirePE at iteration %d: %v", i, err)
		}
		if _, err := job.Start([]tapasco.Arg{tapasco.ArgScalar64(1)}); err != nil {
			t.Fatalf("Start at iteration %d: %v", i, err)
		}
		if _, _, err := job.Release(true, false); err != nil {
			t.Fatalf("Release at iteration %d: %v", i, err)
		}
	}
}
