package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulloo/countdown3d/pkg/position"
	"github.com/paulloo/countdown3d/server/internal/api"
)

// --- test helpers -----------------------------------------------------------

// fakeHub validates like the real hub and records what it accepted.
type fakeHub struct {
	mu       sync.Mutex
	ps       []position.Position
	clients  int
	ingestFn func(position.Position) error
}

func (f *fakeHub) Ingest(_ context.Context, p position.Position) error {
	if err := position.Validate(p); err != nil {
		return err
	}
	if f.ingestFn != nil {
		if err := f.ingestFn(p); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.ps = append([]position.Position{p}, f.ps...)
	f.mu.Unlock()
	return nil
}

func (f *fakeHub) Snapshot() []position.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]position.Position(nil), f.ps...)
}

func (f *fakeHub) Count() int { return f.clients }

func newHub(ps ...position.Position) *fakeHub {
	return &fakeHub{ps: ps}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

var (
	london = position.Position{Lat: 51.5074, Lng: -0.1278, Timestamp: 3000}
	paris  = position.Position{Lat: 48.8566, Lng: 2.3522, Timestamp: 2000}
	sydney = position.Position{Lat: -33.8688, Lng: 151.2093, Timestamp: 1000}
)

// --- /api/v1/health ---------------------------------------------------------

func TestHealth(t *testing.T) {
	hub := newHub(london, paris)
	hub.clients = 3
	rr := do(t, api.New(hub, api.Options{}), http.MethodGet, "/api/v1/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" {
		t.Errorf("status: got %q, want ok", resp.Status)
	}
	if resp.Clients != 3 {
		t.Errorf("clients: got %d, want 3", resp.Clients)
	}
	if resp.Positions != 2 {
		t.Errorf("positions: got %d, want 2", resp.Positions)
	}
	if _, err := time.Parse(time.RFC3339, resp.Time); err != nil {
		t.Errorf("time: %v", err)
	}
}

// --- GET /api/v1/positions --------------------------------------------------

func TestListPositions_All(t *testing.T) {
	rr := do(t, api.New(newHub(london, paris, sydney), api.Options{}), http.MethodGet, "/api/v1/positions", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}
	var resp api.PositionsResponse
	decode(t, rr, &resp)
	if resp.Count != 3 || len(resp.Positions) != 3 {
		t.Fatalf("count: got %d/%d, want 3", resp.Count, len(resp.Positions))
	}
	if resp.Positions[0] != london {
		t.Errorf("first: got %v, want newest %v", resp.Positions[0], london)
	}
}

func TestListPositions_Empty(t *testing.T) {
	rr := do(t, api.New(newHub(), api.Options{}), http.MethodGet, "/api/v1/positions", "")

	var raw map[string]json.RawMessage
	decode(t, rr, &raw)
	if string(raw["positions"]) != "[]" {
		t.Errorf("positions: got %s, want []", raw["positions"])
	}
}

func TestListPositions_NearFilter(t *testing.T) {
	h := api.New(newHub(london, paris, sydney), api.Options{})

	// London to Paris is ~344 km.
	rr := do(t, h, http.MethodGet, "/api/v1/positions?lat=51.5&lng=-0.12&radius_km=400", "")
	var resp api.PositionsResponse
	decode(t, rr, &resp)
	if resp.Count != 2 {
		t.Errorf("400 km: got %d positions, want 2", resp.Count)
	}

	rr = do(t, h, http.MethodGet, "/api/v1/positions?lat=51.5&lng=-0.12&radius_km=100", "")
	decode(t, rr, &resp)
	if resp.Count != 1 || resp.Positions[0] != london {
		t.Errorf("100 km: got %v, want [london]", resp.Positions)
	}
}

func TestListPositions_BadNearQuery(t *testing.T) {
	h := api.New(newHub(london), api.Options{})
	for _, q := range []string{
		"?lat=51.5",
		"?lat=abc&lng=0&radius_km=10",
		"?lat=91&lng=0&radius_km=10",
		"?lat=0&lng=0&radius_km=-5",
		"?lat=NaN&lng=0&radius_km=10",
		"?lat=0&lng=nan&radius_km=10",
		"?lat=0&lng=0&radius_km=NaN",
		"?lat=0&lng=0&radius_km=Inf",
	} {
		rr := do(t, h, http.MethodGet, "/api/v1/positions"+q, "")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status got %d, want 400", q, rr.Code)
		}
	}
}

// --- POST /api/v1/positions -------------------------------------------------

func TestAddPosition_Accepted(t *testing.T) {
	hub := newHub()
	h := api.New(hub, api.Options{})

	for _, body := range []string{
		`{"type":"position","data":{"lat":10,"lng":20,"timestamp":1000}}`,
		`{"lat":11,"lng":21,"timestamp":2000}`,
	} {
		rr := do(t, h, http.MethodPost, "/api/v1/positions", body)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("%s: status got %d, want 202 (body %s)", body, rr.Code, rr.Body)
		}
	}
	if n := len(hub.Snapshot()); n != 2 {
		t.Errorf("hub holds %d positions, want 2", n)
	}
}

func TestAddPosition_Rejected(t *testing.T) {
	hub := newHub()
	h := api.New(hub, api.Options{})

	cases := map[string]position.RejectReason{
		`{"lat":100,"lng":0,"timestamp":1}`: position.ReasonInvalidCoordinate,
		`{"lat":1,"lng":2}`:                 position.ReasonMissingTimestamp,
		`not json`:                          position.ReasonMalformed,
	}
	for body, want := range cases {
		rr := do(t, h, http.MethodPost, "/api/v1/positions", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status got %d, want 400", body, rr.Code)
			continue
		}
		var resp map[string]string
		decode(t, rr, &resp)
		if resp["error"] != string(want) {
			t.Errorf("%s: error got %q, want %q", body, resp["error"], want)
		}
	}
	if n := len(hub.Snapshot()); n != 0 {
		t.Errorf("rejected reports reached the hub: %d", n)
	}
}

func TestAddPosition_DedupReason(t *testing.T) {
	hub := newHub()
	hub.ingestFn = func(position.Position) error {
		return position.Reject(position.ReasonTooClose, "2.0 km from nearest")
	}
	rr := do(t, api.New(hub, api.Options{}), http.MethodPost, "/api/v1/positions", `{"lat":1,"lng":2,"timestamp":3}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rr.Code)
	}
	var resp map[string]string
	decode(t, rr, &resp)
	if resp["error"] != "too_close" || resp["detail"] == "" {
		t.Errorf("body: got %v", resp)
	}
}

func TestAddPosition_BodyTooLarge(t *testing.T) {
	body := `{"lat":1,"lng":2,"timestamp":3,"pad":"` + strings.Repeat("x", 8<<10) + `"}`
	rr := do(t, api.New(newHub(), api.Options{}), http.MethodPost, "/api/v1/positions", body)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want 413", rr.Code)
	}
}

// --- routing ----------------------------------------------------------------

func TestMethodNotAllowed(t *testing.T) {
	h := api.New(newHub(), api.Options{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodDelete, "/api/v1/positions"},
		{http.MethodPost, "/api/v1/health"},
	} {
		rr := do(t, h, tc.method, tc.path, "")
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: got %d, want 405", tc.method, tc.path, rr.Code)
		}
	}
}

func TestUnknownPath_Returns404(t *testing.T) {
	rr := do(t, api.New(newHub(), api.Options{}), http.MethodGet, "/api/v1/pipelines", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
}

func TestMountsWebSocketAndMetrics(t *testing.T) {
	mark := func(name string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(name)) //nolint:errcheck
		})
	}
	h := api.New(newHub(), api.Options{
		WebSocket: mark("ws"),
		WSPath:    "/live",
		Metrics:   mark("metrics"),
	})

	if rr := do(t, h, http.MethodGet, "/live", ""); rr.Body.String() != "ws" {
		t.Errorf("/live: got %q", rr.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/metrics", ""); rr.Body.String() != "metrics" {
		t.Errorf("/metrics: got %q", rr.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/ws", ""); rr.Code != http.StatusNotFound {
		t.Errorf("/ws when mounted elsewhere: got %d, want 404", rr.Code)
	}
}
