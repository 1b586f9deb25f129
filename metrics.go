package tapasco

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the PE-wait latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks job and DMA activity for one open Device.
type Metrics struct {
	JobsStarted   atomic.Uint64
	JobsCompleted atomic.Uint64
	JobsFailed    atomic.Uint64

	DMABytesIn  atomic.Uint64 // device -> host
	DMABytesOut atomic.Uint64 // host -> device

	TotalWaitNs atomic.Uint64
	WaitCount   atomic.Uint64

	// PE-wait latency histogram (cumulative counts per bucket).
	LatencyHist [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordJobStart records that a job began execution.
func (m *Metrics) RecordJobStart() {
	m.JobsStarted.Add(1)
}

// RecordJobComplete records a job's completion (success or failure) and
// the latency it spent waiting on the PE.
func (m *Metrics) RecordJobComplete(waitNs uint64, success bool) {
	if success {
		m.JobsCompleted.Add(1)
	} else {
		m.JobsFailed.Add(1)
	}
	m.recordWaitLatency(waitNs)
}

// RecordDMAIn records bytes copied device -> host.
func (m *Metrics) RecordDMAIn(bytes uint64) {
	m.DMABytesIn.Add(bytes)
}

// RecordDMAOut records bytes copied host -> device.
func (m *Metrics) RecordDMAOut(bytes uint64) {
	m.DMABytesOut.Add(bytes)
}

func (m *Metrics) recordWaitLatency(waitNs uint64) {
	m.TotalWaitNs.Add(waitNs)
	m.WaitCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if waitNs <= bucket {
			m.LatencyHist[i].Add(1)
		}
	}
}

// Stop marks the device as stopped, fixing the uptime used by Snapshot.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics plus derived
// statistics.
type MetricsSnapshot struct {
	JobsStarted   uint64
	JobsCompleted uint64
	JobsFailed    uint64

	DMABytesIn  uint64
	DMABytesOut uint64

	AvgWaitNs uint64
	UptimeNs  uint64

	WaitP50Ns  uint64
	WaitP99Ns  uint64
	WaitP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	JobsPerSecond   float64
	DMAInBandwidth  float64 // bytes/sec, device -> host
	DMAOutBandwidth float64 // bytes/sec, host -> device
	JobFailureRate  float64 // percentage
}

// Snapshot produces a point-in-time view of m with derived rates and
// percentiles.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		JobsStarted:   m.JobsStarted.Load(),
		JobsCompleted: m.JobsCompleted.Load(),
		JobsFailed:    m.JobsFailed.Load(),
		DMABytesIn:    m.DMABytesIn.Load(),
		DMABytesOut:   m.DMABytesOut.Load(),
	}

	totalWaitNs := m.TotalWaitNs.Load()
	waitCount := m.WaitCount.Load()
	if waitCount > 0 {
		snap.AvgWaitNs = totalWaitNs / waitCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.JobsPerSecond = float64(snap.JobsCompleted) / uptimeSeconds
		snap.DMAInBandwidth = float64(snap.DMABytesIn) / uptimeSeconds
		snap.DMAOutBandwidth = float64(snap.DMABytesOut) / uptimeSeconds
	}

	totalJobs := snap.JobsCompleted + snap.JobsFailed
	if totalJobs > 0 {
		snap.JobFailureRate = float64(snap.JobsFailed) / float64(totalJobs) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHist[i].Load()
	}

	if waitCount > 0 {
		snap.WaitP50Ns = m.calculatePercentile(0.50)
		snap.WaitP99Ns = m.calculatePercentile(0.99)
		snap.WaitP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the wait latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.WaitCount.Load()
	if total == 0 {
		return 0
	}
	targetCount := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHist[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHist[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter; useful for testing.
func (m *Metrics) Reset() {
	m.JobsStarted.Store(0)
	m.JobsCompleted.Store(0)
	m.JobsFailed.Store(0)
	m.DMABytesIn.Store(0)
	m.DMABytesOut.Store(0)
	m.TotalWaitNs.Store(0)
	m.WaitCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHist[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives job and DMA lifecycle events as they happen. A nil
// observer is replaced by NoOpObserver when a Job is built, so metrics
// collection costs only an empty call when unused.
type Observer interface {
	ObserveJobStart()
	ObserveJobComplete(waitNs uint64, success bool)
	ObserveDMAIn(bytes uint64)
	ObserveDMAOut(bytes uint64)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveJobStart()               {}
func (NoOpObserver) ObserveJobComplete(uint64, bool) {}
func (NoOpObserver) ObserveDMAIn(uint64)             {}
func (NoOpObserver) ObserveDMAOut(uint64)            {}

// MetricsObserver records every event into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver builds an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveJobStart() { o.metrics.RecordJobStart() }

func (o *MetricsObserver) ObserveJobComplete(waitNs uint64, success bool) {
	o.metrics.RecordJobComplete(waitNs, success)
}

func (o *MetricsObserver) ObserveDMAIn(bytes uint64)  { o.metrics.RecordDMAIn(bytes) }
func (o *MetricsObserver) ObserveDMAOut(bytes uint64) { o.metrics.RecordDMAOut(bytes) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
