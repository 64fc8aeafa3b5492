package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const defaultScrapeTimeout = 10 * time.Second

// Server metric names we track.
const (
	metricIngested       = "countdown3d_positions_ingested_total"
	metricRejected       = "countdown3d_positions_rejected_total"
	metricBroadcasts     = "countdown3d_broadcasts_total"
	metricFramesDropped  = "countdown3d_frames_dropped_total"
	metricPersistFailed  = "countdown3d_persistence_failures_total"
	metricPersistDropped = "countdown3d_persistence_dropped_total"
	metricClients        = "countdown3d_connected_clients"
	metricRetained       = "countdown3d_positions_retained"
)

// Status is one scrape of the server's counters and gauges. Counters hold raw
// totals since the server started.
type Status struct {
	ScrapedAt time.Time

	Ingested       float64
	Broadcasts     float64
	FramesDropped  float64
	PersistFailed  float64
	PersistDropped float64
	Clients        float64
	Retained       float64

	// Rejected is keyed by the rejection reason label.
	Rejected map[string]float64
}

// Scraper fetches the status of one server.
type Scraper struct {
	endpoint string
	client   *http.Client
}

// New returns a Scraper for endpoint. A nil client gets a default one with a
// bounded timeout.
func New(endpoint string, client *http.Client) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: defaultScrapeTimeout}
	}
	return &Scraper{endpoint: endpoint, client: client}
}

// MetricsURL derives the server's /metrics URL from its WebSocket URL.
// ws and wss map to http and https; the path is replaced.
func MetricsURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/metrics"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Scrape fetches and summarises the server's metrics.
func (s *Scraper) Scrape(ctx context.Context) (*Status, error) {
	mfs, err := fetchMetrics(ctx, s.client, s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", s.endpoint, err)
	}

	st := &Status{
		ScrapedAt:      time.Now().UTC(),
		Ingested:       sumFamily(mfs[metricIngested]),
		Broadcasts:     sumFamily(mfs[metricBroadcasts]),
		FramesDropped:  sumFamily(mfs[metricFramesDropped]),
		PersistFailed:  sumFamily(mfs[metricPersistFailed]),
		PersistDropped: sumFamily(mfs[metricPersistDropped]),
		Clients:        sumFamily(mfs[metricClients]),
		Retained:       sumFamily(mfs[metricRetained]),
		Rejected:       byLabel(mfs[metricRejected], "reason"),
	}
	return st, nil
}

// TotalRejected sums rejections across all reasons.
func (s *Status) TotalRejected() float64 {
	var total float64
	for _, v := range s.Rejected {
		total += v
	}
	return total
}

func fetchMetrics(ctx context.Context, client *http.Client, endpoint string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition. A partial result with a
// parse warning still counts as success.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumFamily adds up every counter, gauge or untyped sample in mf. A missing
// family sums to 0.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += sampleValue(m)
	}
	return total
}

func byLabel(mf *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	if mf == nil {
		return out
	}
	for _, m := range mf.GetMetric() {
		key := ""
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				key = lp.GetValue()
				break
			}
		}
		out[key] += sampleValue(m)
	}
	return out
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}
