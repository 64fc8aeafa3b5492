package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb"

	"github.com/paulloo/countdown3d/internal/logging"
	"github.com/paulloo/countdown3d/pkg/geo"
	"github.com/paulloo/countdown3d/pkg/position"
)

// maxBodyBytes caps a POST body; a position report is a few dozen bytes.
const maxBodyBytes = 4 << 10

// Hub is the part of the broadcast hub the REST API drives.
type Hub interface {
	Ingest(ctx context.Context, p position.Position) error
	Snapshot() []position.Position
	Count() int
}

// Options mounts optional handlers next to the REST routes.
type Options struct {
	// WebSocket is served at WSPath (default /ws) when non-nil.
	WebSocket http.Handler
	WSPath    string

	// Metrics is served at /metrics when non-nil.
	Metrics http.Handler

	Logger *slog.Logger
}

// Handler is the HTTP handler for all /api/v1/* endpoints plus the mounted
// WebSocket and metrics handlers.
type Handler struct {
	hub    Hub
	router *mux.Router
	logger *slog.Logger
}

// New creates a Handler wired to hub and registers all routes.
func New(hub Hub, opts Options) http.Handler {
	h := &Handler{
		hub:    hub,
		router: mux.NewRouter(),
		logger: logging.Default(opts.Logger).With("component", "api"),
	}

	api := h.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", h.health).Methods(http.MethodGet)
	api.HandleFunc("/positions", h.listPositions).Methods(http.MethodGet)
	api.HandleFunc("/positions", h.addPosition).Methods(http.MethodPost)

	if opts.WebSocket != nil {
		path := opts.WSPath
		if path == "" {
			path = "/ws"
		}
		h.router.Handle(path, opts.WebSocket).Methods(http.MethodGet)
	}
	if opts.Metrics != nil {
		h.router.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed", "")
	})
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found", "")
	})
	h.router.MethodNotAllowedHandler = notAllowed
	h.router.NotFoundHandler = notFound
	api.MethodNotAllowedHandler = notAllowed
	api.NotFoundHandler = notFound

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: connected clients and retained positions.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Clients:   h.hub.Count(),
		Positions: len(h.hub.Snapshot()),
		Time:      time.Now().UTC().Format(time.RFC3339),
	})
}

// listPositions returns GET /api/v1/positions, the current snapshot newest
// first. With lat, lng and radius_km only positions inside that circle are
// returned.
func (h *Handler) listPositions(w http.ResponseWriter, r *http.Request) {
	ps := h.hub.Snapshot()

	q := r.URL.Query()
	if q.Has("lat") || q.Has("lng") || q.Has("radius_km") {
		center, radius, err := parseNear(q.Get("lat"), q.Get("lng"), q.Get("radius_km"))
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "bad_query", err.Error())
			return
		}
		ps = geo.Within(ps, center, radius)
	}
	if ps == nil {
		ps = []position.Position{}
	}

	jsonResp(w, http.StatusOK, PositionsResponse{
		Positions:   ps,
		Count:       len(ps),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// addPosition handles POST /api/v1/positions. The body takes any form the
// WebSocket accepts. Accepted reports are broadcast like any other.
func (h *Handler) addPosition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		jsonErr(w, http.StatusRequestEntityTooLarge, string(position.ReasonMalformed), err.Error())
		return
	}

	p, err := position.DecodeReport(body)
	if err == nil {
		err = h.hub.Ingest(r.Context(), p)
	}
	if err != nil {
		var re *position.RejectError
		if errors.As(err, &re) {
			jsonErr(w, http.StatusBadRequest, string(re.Reason), re.Detail)
			return
		}
		h.logger.Error("ingest failed", "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	jsonResp(w, http.StatusAccepted, acceptedResponse{Status: "accepted", Position: p})
}

// --- helpers ----------------------------------------------------------------

func parseNear(latS, lngS, radiusS string) (orb.Point, float64, error) {
	lat, err := strconv.ParseFloat(latS, 64)
	if err != nil || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return orb.Point{}, 0, errors.New("lat must be a number in [-90, 90]")
	}
	lng, err := strconv.ParseFloat(lngS, 64)
	if err != nil || math.IsNaN(lng) || lng < -180 || lng > 180 {
		return orb.Point{}, 0, errors.New("lng must be a number in [-180, 180]")
	}
	radius, err := strconv.ParseFloat(radiusS, 64)
	if err != nil || math.IsNaN(radius) || math.IsInf(radius, 0) || radius <= 0 {
		return orb.Point{}, 0, errors.New("radius_km must be a positive number")
	}
	return orb.Point{lng, lat}, radius, nil
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg, detail string) {
	jsonResp(w, code, errorResponse{Error: msg, Detail: detail})
}
