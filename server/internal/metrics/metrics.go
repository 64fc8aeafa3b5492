// Package metrics keeps the server's operational counters and renders them in
// the Prometheus text exposition format.
//
// All methods are safe on a nil *Metrics, so components can be constructed
// without a metrics sink in tests.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

const (
	namespace   = "countdown3d_"
	contentType = "text/plain; version=0.0.4; charset=utf-8"
)

type gauge struct {
	name string
	help string
	fn   func() float64
}

// Metrics aggregates counters updated by the hub and the persistence writer.
type Metrics struct {
	ingested        atomic.Uint64
	broadcasts      atomic.Uint64
	framesDropped   atomic.Uint64
	persistFailures atomic.Uint64
	persistDropped  atomic.Uint64

	mu       sync.Mutex
	rejected map[string]uint64 // reason → count
	gauges   []gauge
}

// New creates an empty Metrics.
func New() *Metrics {
	return &Metrics{rejected: make(map[string]uint64)}
}

func (m *Metrics) IncIngested() {
	if m != nil {
		m.ingested.Add(1)
	}
}

func (m *Metrics) IncBroadcasts() {
	if m != nil {
		m.broadcasts.Add(1)
	}
}

func (m *Metrics) IncFramesDropped() {
	if m != nil {
		m.framesDropped.Add(1)
	}
}

func (m *Metrics) IncPersistFailures() {
	if m != nil {
		m.persistFailures.Add(1)
	}
}

func (m *Metrics) IncPersistDropped() {
	if m != nil {
		m.persistDropped.Add(1)
	}
}

// IncRejected counts one rejected report under reason.
func (m *Metrics) IncRejected(reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}

// RegisterGauge adds a gauge whose value is read from fn at scrape time.
// name is prefixed with the service namespace.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges = append(m.gauges, gauge{name: namespace + name, help: help, fn: fn})
	m.mu.Unlock()
}

// Gather returns the current metric families sorted by name.
func (m *Metrics) Gather() []*dto.MetricFamily {
	if m == nil {
		return nil
	}
	fams := []*dto.MetricFamily{
		counter("positions_ingested_total", "Position reports accepted into the store.", m.ingested.Load()),
		counter("broadcasts_total", "Snapshots fanned out to connected clients.", m.broadcasts.Load()),
		counter("frames_dropped_total", "Outgoing frames dropped because a client buffer was full.", m.framesDropped.Load()),
		counter("persistence_failures_total", "Durable appends that failed or timed out.", m.persistFailures.Load()),
		counter("persistence_dropped_total", "Durable appends dropped because the write queue was full.", m.persistDropped.Load()),
	}

	m.mu.Lock()
	rejected := &dto.MetricFamily{
		Name: proto.String(namespace + "positions_rejected_total"),
		Help: proto.String("Position reports rejected before any state change."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	reasons := make([]string, 0, len(m.rejected))
	for r := range m.rejected {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		rejected.Metric = append(rejected.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{{Name: proto.String("reason"), Value: proto.String(r)}},
			Counter: &dto.Counter{Value: proto.Float64(float64(m.rejected[r]))},
		})
	}
	gauges := append([]gauge(nil), m.gauges...)
	m.mu.Unlock()

	if len(rejected.Metric) > 0 {
		fams = append(fams, rejected)
	}
	for _, g := range gauges {
		fams = append(fams, &dto.MetricFamily{
			Name:   proto.String(g.name),
			Help:   proto.String(g.help),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(g.fn())}}},
		})
	}

	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

// ServeHTTP writes every metric family in text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", contentType)
	for _, mf := range m.Gather() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return
		}
	}
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(namespace + name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(float64(v))}}},
	}
}
