package tapasco

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/go-tapasco/internal/completion"
	"github.com/behrlich/go-tapasco/internal/pe"
	"github.com/behrlich/go-tapasco/internal/scheduler"
)

func newTestJob(t *testing.T, observer Observer) (*Job, *os.File) {
	t.Helper()
	arch := make([]byte, 4096)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })

	reader := completion.New(r)
	p := pe.New(10, 0, arch, 0, reader, nil)
	sched := scheduler.New([]*pe.PE{p})
	j := NewJob(p, nil, sched, false, observer)
	_, err = sched.AcquirePE(10)
	require.NoError(t, err)
	return j, w
}

// completeSlot writes a completion record for slot on the pipe's write end,
// unblocking a subsequent WaitForCompletion/Release call.
func completeSlot(t *testing.T, w *os.File, slot uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], slot)
	_, err := w.Write(buf[:])
	require.NoError(t, err)
}

// TestReleaseWithoutStartIsNoop covers the boundary "PE release without
// prior start is a no-op-plus-return".
func TestReleaseWithoutStartIsNoop(t *testing.T) {
	j, _ := newTestJob(t, nil)

	rv, copyBack, err := j.Release(true, true)
	require.NoError(t, err)
	require.Zero(t, rv)
	require.Empty(t, copyBack)

	require.Equal(t, 1, j.scheduler.NumPEs(10))
}

func TestReleaseIsIdempotent(t *testing.T) {
	j, _ := newTestJob(t, nil)

	_, _, err := j.Release(true, false)
	require.NoError(t, err)

	rv, copyBack, err := j.Release(true, false)
	require.NoError(t, err)
	require.Zero(t, rv)
	require.Empty(t, copyBack)
}

func TestJobObservesStartAndComplete(t *testing.T) {
	m := NewMetrics()
	j, w := newTestJob(t, NewMetricsObserver(m))

	_, err := j.Start(nil)
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Equal(t, uint64(1), snap.JobsStarted)

	completeSlot(t, w, j.pe.Slot())
	_, _, err = j.Release(true, false)
	require.NoError(t, err)

	snap = m.Snapshot()
	require.Equal(t, uint64(1), snap.JobsCompleted)
}
