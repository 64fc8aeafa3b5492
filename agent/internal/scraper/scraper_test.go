package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// serverMetrics is a sample of countdown3d-server's /metrics output.
const serverMetrics = `
# HELP countdown3d_broadcasts_total Snapshot frames fanned out.
# TYPE countdown3d_broadcasts_total counter
countdown3d_broadcasts_total 42
# HELP countdown3d_connected_clients WebSocket clients currently registered.
# TYPE countdown3d_connected_clients gauge
countdown3d_connected_clients 3
# HELP countdown3d_frames_dropped_total Frames discarded for slow clients.
# TYPE countdown3d_frames_dropped_total counter
countdown3d_frames_dropped_total 5
# HELP countdown3d_persistence_dropped_total Writes discarded because the queue was full.
# TYPE countdown3d_persistence_dropped_total counter
countdown3d_persistence_dropped_total 1
# HELP countdown3d_persistence_failures_total Persistence writes that failed.
# TYPE countdown3d_persistence_failures_total counter
countdown3d_persistence_failures_total 2
# HELP countdown3d_positions_ingested_total Positions accepted.
# TYPE countdown3d_positions_ingested_total counter
countdown3d_positions_ingested_total 17
# HELP countdown3d_positions_rejected_total Positions rejected by reason.
# TYPE countdown3d_positions_rejected_total counter
countdown3d_positions_rejected_total{reason="invalid_position"} 4
countdown3d_positions_rejected_total{reason="rate_limited"} 6
# HELP countdown3d_positions_retained Positions currently held in the store.
# TYPE countdown3d_positions_retained gauge
countdown3d_positions_retained 9
`

func TestScrape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(serverMetrics))
	}))
	defer srv.Close()

	st, err := New(srv.URL, srv.Client()).Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}

	checks := map[string][2]float64{
		"Ingested":       {st.Ingested, 17},
		"Broadcasts":     {st.Broadcasts, 42},
		"FramesDropped":  {st.FramesDropped, 5},
		"PersistFailed":  {st.PersistFailed, 2},
		"PersistDropped": {st.PersistDropped, 1},
		"Clients":        {st.Clients, 3},
		"Retained":       {st.Retained, 9},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %v, want %v", name, c[0], c[1])
		}
	}
	if got := st.Rejected["rate_limited"]; got != 6 {
		t.Errorf("Rejected[rate_limited] = %v, want 6", got)
	}
	if got := st.TotalRejected(); got != 10 {
		t.Errorf("TotalRejected() = %v, want 10", got)
	}
}

func TestScrape_MissingMetricsAreZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# TYPE other_total counter\nother_total 1\n"))
	}))
	defer srv.Close()

	st, err := New(srv.URL, nil).Scrape(context.Background())
	if err != nil {
		t.Fatalf("Scrape() error = %v", err)
	}
	if st.Ingested != 0 || st.Clients != 0 || len(st.Rejected) != 0 {
		t.Errorf("expected zero status, got %+v", st)
	}
}

func TestScrape_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Scrape(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("Scrape() error = %v, want status 503", err)
	}
}

func TestScrape_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := New(url, nil).Scrape(context.Background()); err == nil {
		t.Fatal("expected error for closed server")
	}
}

func TestMetricsURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ws://localhost:3001/ws", want: "http://localhost:3001/metrics"},
		{in: "wss://example.com/live?x=1", want: "https://example.com/metrics"},
		{in: "http://10.0.0.1:8080/", want: "http://10.0.0.1:8080/metrics"},
		{in: "ftp://example.com", wantErr: true},
	}
	for _, tt := range tests {
		got, err := MetricsURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("MetricsURL(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("MetricsURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("MetricsURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
