// +build !integration

package unit

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	tapasco "github.com/behrlich/go-tapasco"
	"github.com/behrlich/go-tapasco/internal/status"
)

// These tests run against an in-memory StubDriver, without requiring a real
// accelerator or driver.

func counterStatus() *status.Status {
	return &status.Status{
		ArchBase:     status.MemoryArea{Base: 0, Size: 0x10000},
		PlatformBase: status.MemoryArea{Base: 0x10000, Size: 0x10000},
		PEs: []status.PE{
			{Name: "esa.informatik.tu-darmstadt.de:hls:counter:0.9", ID: 1, Offset: 0, Size: 0x100},
		},
	}
}

func TestDeviceOpenAgainstStubDriver(t *testing.T) {
	drv := tapasco.NewStubDriver()
	require.NoError(t, drv.AddDevice(0, counterStatus(), 0x10000, 0x10000, 0x1000))

	d, err := tapasco.OpenDeviceWithGateway(drv, 0, &tapasco.OpenOptions{})
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, 1, d.NumPEs(1))

	id, ok := d.GetPEID("esa.informatik.tu-darmstadt.de:hls:counter:0.9")
	require.True(t, ok)
	require.Equal(t, uint32(1), id)
}

// TestCounterScenario is scenario C from the spec, run against a stub
// driver instead of real hardware: acquire the counter PE, start it with a
// single Scalar64 argument, and release with a return value.
func TestCounterScenario(t *testing.T) {
	drv := tapasco.NewStubDriver()
	require.NoError(t, drv.AddDevice(0, counterStatus(), 0x10000, 0x10000, 0x1000))

	d, err := tapasco.OpenDeviceWithGateway(drv, 0, &tapasco.OpenOptions{})
	require.NoError(t, err)
	defer d.Close()

	job, err := d.AcquirePE(1)
	require.NoError(t, err)

	unused, err := job.Start([]tapasco.Arg{tapasco.ArgScalar64(1000)})
	require.NoError(t, err)
	require.Empty(t, unused)

	require.NoError(t, drv.CompleteSlot(0, 0))

	rv, _, err := job.Release(true, true)
	require.NoError(t, err)
	require.Zero(t, rv)
}

func TestMetricsSnapshotAfterJobs(t *testing.T) {
	drv := tapasco.NewStubDriver()
	require.NoError(t, drv.AddDevice(0, counterStatus(), 0x10000, 0x10000, 0x1000))

	m := tapasco.NewMetrics()
	d, err := tapasco.OpenDeviceWithGateway(drv, 0, &tapasco.OpenOptions{Observer: tapasco.NewMetricsObserver(m)})
	require.NoError(t, err)
	defer d.Close()

	job, err := d.AcquirePE(1)
	require.NoError(t, err)
	_, err = job.Start(nil)
	require.NoError(t, err)
	require.NoError(t, drv.CompleteSlot(0, 0))
	_, _, err = job.Release(true, false)
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.JobsStarted)
	require.Equal(t, uint64(1), snap.JobsCompleted)
}

func TestCompleteSlotEncodesLittleEndian(t *testing.T) {
	// Checks the wire format CompleteSlot writes, matching the real
	// driver's completion-stream encoding that completion.Reader parses.
	drv := tapasco.NewStubDriver()
	defer drv.Close()
	require.NoError(t, drv.AddDevice(0, counterStatus(), 0x10000, 0x10000, 0x1000))
	require.NoError(t, drv.CompleteSlot(0, 7))

	f, err := drv.CompletionFile(0)
	require.NoError(t, err)
	var buf [4]byte
	_, err = io.ReadFull(f, buf[:])
	require.NoError(t, err)
	require.Equal(t, []byte{7, 0, 0, 0}, buf[:])
}
