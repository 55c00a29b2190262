package gpudrv

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/behrlich/gpudrv/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a runtime
// instance. Shape and derivation (histogram buckets, percentile
// interpolation, rate calculation off uptime) kept verbatim from the
// teacher's own Metrics, generalized from disk I/O operation kinds
// (read/write/discard/flush) to GPU operation kinds (launch/copy/fill/
// event-wait).
type Metrics struct {
	LaunchOps atomic.Uint64
	CopyOps   atomic.Uint64
	FillOps   atomic.Uint64
	EventWaitOps atomic.Uint64

	CopyBytes atomic.Uint64
	FillBytes atomic.Uint64

	LaunchErrors    atomic.Uint64
	CopyErrors      atomic.Uint64
	FillErrors      atomic.Uint64
	EventWaitErrors atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordLaunch(latencyNs uint64, success bool) {
	m.LaunchOps.Add(1)
	if !success {
		m.LaunchErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordCopy(bytes uint64, latencyNs uint64, success bool) {
	m.CopyOps.Add(1)
	if success {
		m.CopyBytes.Add(bytes)
	} else {
		m.CopyErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordFill(bytes uint64, latencyNs uint64, success bool) {
	m.FillOps.Add(1)
	if success {
		m.FillBytes.Add(bytes)
	} else {
		m.FillErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordEventWait(latencyNs uint64, success bool) {
	m.EventWaitOps.Add(1)
	if !success {
		m.EventWaitErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordQueueDepth records current queue depth for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the runtime as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	LaunchOps    uint64
	CopyOps      uint64
	FillOps      uint64
	EventWaitOps uint64

	CopyBytes uint64
	FillBytes uint64

	LaunchErrors    uint64
	CopyErrors      uint64
	FillErrors      uint64
	EventWaitErrors uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	TotalBytes uint64
	ErrorRate  float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		LaunchOps:       m.LaunchOps.Load(),
		CopyOps:         m.CopyOps.Load(),
		FillOps:         m.FillOps.Load(),
		EventWaitOps:    m.EventWaitOps.Load(),
		CopyBytes:       m.CopyBytes.Load(),
		FillBytes:       m.FillBytes.Load(),
		LaunchErrors:    m.LaunchErrors.Load(),
		CopyErrors:      m.CopyErrors.Load(),
		FillErrors:      m.FillErrors.Load(),
		EventWaitErrors: m.EventWaitErrors.Load(),
		MaxQueueDepth:   m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.LaunchOps + snap.CopyOps + snap.FillOps + snap.EventWaitOps
	snap.TotalBytes = snap.CopyBytes + snap.FillBytes

	if qc := m.QueueDepthCount.Load(); qc > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(qc)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	totalErrors := snap.LaunchErrors + snap.CopyErrors + snap.FillErrors + snap.EventWaitErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
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

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.LaunchOps.Store(0)
	m.CopyOps.Store(0)
	m.FillOps.Store(0)
	m.EventWaitOps.Store(0)
	m.CopyBytes.Store(0)
	m.FillBytes.Store(0)
	m.LaunchErrors.Store(0)
	m.CopyErrors.Store(0)
	m.FillErrors.Store(0)
	m.EventWaitErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// NoOpObserver is a no-op implementation of interfaces.Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveLaunch(string, uint64, bool)   {}
func (NoOpObserver) ObserveCopy(uint64, uint64, bool)     {}
func (NoOpObserver) ObserveFill(uint64, uint64, bool)     {}
func (NoOpObserver) ObserveEventWait(uint64, bool)        {}
func (NoOpObserver) ObserveQueueDepth(uint32)             {}

// MetricsObserver implements interfaces.Observer by recording into a
// Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveLaunch(kernel string, latencyNs uint64, success bool) {
	o.metrics.RecordLaunch(latencyNs, success)
}

func (o *MetricsObserver) ObserveCopy(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordCopy(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFill(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordFill(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveEventWait(latencyNs uint64, success bool) {
	o.metrics.RecordEventWait(latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// PrometheusObserver implements interfaces.Observer by exporting
// counters/histograms through a prometheus.Registerer, for deployments
// that scrape rather than poll Metrics.Snapshot.
type PrometheusObserver struct {
	launches    *prometheus.CounterVec
	copies      prometheus.Counter
	copyBytes   prometheus.Counter
	fills       prometheus.Counter
	fillBytes   prometheus.Counter
	eventWaits  prometheus.Counter
	queueDepth  prometheus.Gauge
	launchLatency prometheus.Histogram
	copyLatency   prometheus.Histogram
}

// NewPrometheusObserver registers its metrics on reg and returns an
// observer backed by them. reg must not be nil; pass
// prometheus.NewRegistry() for an isolated registry in tests.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpudrv",
			Name:      "kernel_launches_total",
			Help:      "Total kernel launches by success/failure.",
		}, []string{"result"}),
		copies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpudrv", Name: "mem_copies_total", Help: "Total memory copy operations.",
		}),
		copyBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpudrv", Name: "mem_copy_bytes_total", Help: "Total bytes moved by copy operations.",
		}),
		fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpudrv", Name: "mem_fills_total", Help: "Total memory fill operations.",
		}),
		fillBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpudrv", Name: "mem_fill_bytes_total", Help: "Total bytes written by fill operations.",
		}),
		eventWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpudrv", Name: "event_waits_total", Help: "Total blocking event waits.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpudrv", Name: "queue_depth", Help: "Most recently observed queue depth.",
		}),
		launchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gpudrv", Name: "launch_latency_seconds", Help: "Kernel launch append latency.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		copyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gpudrv", Name: "copy_latency_seconds", Help: "Memory copy append latency.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
	reg.MustRegister(o.launches, o.copies, o.copyBytes, o.fills, o.fillBytes, o.eventWaits, o.queueDepth, o.launchLatency, o.copyLatency)
	return o
}

func (o *PrometheusObserver) ObserveLaunch(kernel string, latencyNs uint64, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	o.launches.WithLabelValues(result).Inc()
	o.launchLatency.Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveCopy(bytes uint64, latencyNs uint64, success bool) {
	o.copies.Inc()
	if success {
		o.copyBytes.Add(float64(bytes))
	}
	o.copyLatency.Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveFill(bytes uint64, latencyNs uint64, success bool) {
	o.fills.Inc()
	if success {
		o.fillBytes.Add(float64(bytes))
	}
}

func (o *PrometheusObserver) ObserveEventWait(latencyNs uint64, success bool) {
	o.eventWaits.Inc()
}

func (o *PrometheusObserver) ObserveQueueDepth(depth uint32) {
	o.queueDepth.Set(float64(depth))
}

var (
	_ interfaces.Observer = (*MetricsObserver)(nil)
	_ interfaces.Observer = (*NoOpObserver)(nil)
	_ interfaces.Observer = (*PrometheusObserver)(nil)
)
