// Package metrics tracks per-server operational counters: atomic
// request/error/forward counts plus a cumulative latency histogram,
// shared by the dev namespace, peripheral gateway and block device
// servers.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are cumulative histogram bucket ceilings in nanoseconds,
// 1us through 10s.
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

// Metrics tracks RPC operation counters for one server process.
type Metrics struct {
	Requests atomic.Uint64
	Errors   atomic.Uint64
	Forwards atomic.Uint64 // requests that were forwarded to an owning process

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

func New() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRequest records one completed RPC handler invocation.
func (m *Metrics) RecordRequest(latencyNs uint64, forwarded bool, success bool) {
	m.Requests.Add(1)
	if forwarded {
		m.Forwards.Add(1)
	}
	if !success {
		m.Errors.Add(1)
	}
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Snapshot is a point-in-time read of Metrics.
type Snapshot struct {
	Requests     uint64
	Errors       uint64
	Forwards     uint64
	AvgLatencyNs uint64
	ErrorRate    float64
}

func (m *Metrics) Snapshot() Snapshot {
	req := m.Requests.Load()
	opCount := m.OpCount.Load()
	snap := Snapshot{
		Requests: req,
		Errors:   m.Errors.Load(),
		Forwards: m.Forwards.Load(),
	}
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}
	if req > 0 {
		snap.ErrorRate = float64(snap.Errors) / float64(req) * 100.0
	}
	return snap
}

// Observer allows pluggable collection, e.g. a test spy.
type Observer interface {
	ObserveRequest(latencyNs uint64, forwarded bool, success bool)
}

type MetricsObserver struct{ metrics *Metrics }

func NewObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{metrics: m} }

func (o *MetricsObserver) ObserveRequest(latencyNs uint64, forwarded bool, success bool) {
	o.metrics.RecordRequest(latencyNs, forwarded, success)
}

type NoOpObserver struct{}

func (NoOpObserver) ObserveRequest(uint64, bool, bool) {}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
