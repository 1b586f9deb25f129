package tapasco

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.JobsStarted != 0 {
		t.Errorf("Expected 0 initial jobs, got %d", snap.JobsStarted)
	}

	m.RecordJobStart()
	m.RecordJobStart()
	m.RecordJobStart()
	m.RecordJobComplete(1_000_000, true) // 1ms, success
	m.RecordJobComplete(2_000_000, true) // 2ms, success
	m.RecordJobComplete(500_000, false)  // 0.5ms, failure

	snap = m.Snapshot()

	if snap.JobsStarted != 3 {
		t.Errorf("Expected 3 jobs started, got %d", snap.JobsStarted)
	}
	if snap.JobsCompleted != 2 {
		t.Errorf("Expected 2 jobs completed, got %d", snap.JobsCompleted)
	}
	if snap.JobsFailed != 1 {
		t.Errorf("Expected 1 job failed, got %d", snap.JobsFailed)
	}

	expectedFailureRate := float64(1) / float64(3) * 100.0
	if snap.JobFailureRate < expectedFailureRate-0.1 || snap.JobFailureRate > expectedFailureRate+0.1 {
		t.Errorf("Expected failure rate ~%.1f%%, got %.1f%%", expectedFailureRate, snap.JobFailureRate)
	}
}

func TestMetricsDMABytes(t *testing.T) {
	m := NewMetrics()

	m.RecordDMAOut(1024)
	m.RecordDMAOut(512)
	m.RecordDMAIn(2048)

	snap := m.Snapshot()

	if snap.DMABytesOut != 1536 {
		t.Errorf("Expected 1536 bytes out, got %d", snap.DMABytesOut)
	}
	if snap.DMABytesIn != 2048 {
		t.Errorf("Expected 2048 bytes in, got %d", snap.DMABytesIn)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordJobComplete(1_000_000, true) // 1ms
	m.RecordJobComplete(2_000_000, true) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgWaitNs != expectedAvgNs {
		t.Errorf("Expected avg wait %d ns, got %d ns", expectedAvgNs, snap.AvgWaitNs)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// 50 jobs at 500us, 49 at 5ms, 1 at 50ms (the P99).
	for i := 0; i < 50; i++ {
		m.RecordJobComplete(500_000, true)
	}
	for i := 0; i < 49; i++ {
		m.RecordJobComplete(5_000_000, true)
	}
	m.RecordJobComplete(50_000_000, true)

	snap := m.Snapshot()

	if snap.JobsCompleted != 100 {
		t.Errorf("Expected 100 completed jobs, got %d", snap.JobsCompleted)
	}

	if snap.WaitP50Ns < 100_000 || snap.WaitP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.WaitP50Ns)
	}
	if snap.WaitP99Ns < 5_000_000 || snap.WaitP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.WaitP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs == 0 {
		t.Error("Expected nonzero uptime")
	}

	m.Stop()
	stopped := m.Snapshot()
	if stopped.UptimeNs < snap.UptimeNs {
		t.Errorf("Uptime after Stop should not shrink: got %d, had %d", stopped.UptimeNs, snap.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordJobStart()
	m.RecordJobComplete(1_000_000, true)
	m.RecordDMAOut(100)

	m.Reset()

	snap := m.Snapshot()
	if snap.JobsStarted != 0 || snap.JobsCompleted != 0 || snap.DMABytesOut != 0 {
		t.Error("Expected all counters zeroed after Reset")
	}
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	var _ Observer = obs

	obs.ObserveJobStart()
	obs.ObserveJobComplete(1_000_000, true)
	obs.ObserveDMAOut(64)
	obs.ObserveDMAIn(128)

	snap := m.Snapshot()
	if snap.JobsStarted != 1 || snap.JobsCompleted != 1 {
		t.Error("Expected MetricsObserver to forward job events to Metrics")
	}
	if snap.DMABytesOut != 64 || snap.DMABytesIn != 128 {
		t.Error("Expected MetricsObserver to forward DMA byte counts to Metrics")
	}
}

func TestNoOpObserver(t *testing.T) {
	// NoOpObserver must satisfy Observer and never panic.
	var obs Observer = NoOpObserver{}
	obs.ObserveJobStart()
	obs.ObserveJobComplete(0, false)
	obs.ObserveDMAIn(0)
	obs.ObserveDMAOut(0)
}
