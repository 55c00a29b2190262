package gpudrv

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordLaunch(1000000, true)
	m.RecordCopy(2048, 2000000, true)
	m.RecordLaunch(500000, false)

	snap = m.Snapshot()

	if snap.LaunchOps != 2 {
		t.Errorf("Expected 2 launch ops, got %d", snap.LaunchOps)
	}
	if snap.CopyOps != 1 {
		t.Errorf("Expected 1 copy op, got %d", snap.CopyOps)
	}
	if snap.CopyBytes != 2048 {
		t.Errorf("Expected 2048 copy bytes, got %d", snap.CopyBytes)
	}
	if snap.LaunchErrors != 1 {
		t.Errorf("Expected 1 launch error, got %d", snap.LaunchErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordLaunch(1000000, true)
	m.RecordCopy(1024, 2000000, true)

	snap := m.Snapshot()

	expectedAvgNs := uint64(1500000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordLaunch(1000000, true)
	m.RecordCopy(2048, 2000000, true)
	m.RecordQueueDepth(10)

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.TotalBytes != 0 {
		t.Errorf("Expected 0 bytes after reset, got %d", snap.TotalBytes)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("Expected 0 max queue depth after reset, got %d", snap.MaxQueueDepth)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveLaunch("vecAdd", 1000000, true)
	observer.ObserveCopy(1024, 1000000, true)
	observer.ObserveFill(1024, 1000000, true)
	observer.ObserveEventWait(1000000, true)
	observer.ObserveQueueDepth(10)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveLaunch("vecAdd", 1000000, true)
	metricsObserver.ObserveCopy(2048, 2000000, true)

	snap := m.Snapshot()
	if snap.LaunchOps != 1 {
		t.Errorf("Expected 1 launch op from observer, got %d", snap.LaunchOps)
	}
	if snap.CopyOps != 1 {
		t.Errorf("Expected 1 copy op from observer, got %d", snap.CopyOps)
	}
	if snap.CopyBytes != 2048 {
		t.Errorf("Expected 2048 copy bytes from observer, got %d", snap.CopyBytes)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordLaunch(500_000, true)
	}
	for i := 0; i < 49; i++ {
		m.RecordCopy(1024, 5_000_000, true)
	}
	m.RecordCopy(1024, 50_000_000, true)

	snap := m.Snapshot()

	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}

func TestPrometheusObserverRecordsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	o.ObserveLaunch("vecAdd", 1_000_000, true)
	o.ObserveLaunch("vecAdd", 1_000_000, false)
	o.ObserveCopy(4096, 500_000, true)
	o.ObserveQueueDepth(7)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := map[string]*dto.MetricFamily{}
	for _, f := range families {
		found[f.GetName()] = f
	}

	launches, ok := found["gpudrv_kernel_launches_total"]
	if !ok {
		t.Fatal("expected gpudrv_kernel_launches_total to be registered")
	}
	var total float64
	for _, metric := range launches.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	if total != 2 {
		t.Errorf("expected 2 total launches recorded, got %v", total)
	}

	depth, ok := found["gpudrv_queue_depth"]
	if !ok || len(depth.GetMetric()) != 1 || depth.GetMetric()[0].GetGauge().GetValue() != 7 {
		t.Errorf("expected gpudrv_queue_depth gauge set to 7, got %+v", depth)
	}
}
