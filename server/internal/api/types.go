package api

import "github.com/paulloo/countdown3d/pkg/position"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Clients   int    `json:"clients"`
	Positions int    `json:"positions"`
	Time      string `json:"time"` // RFC3339
}

// PositionsResponse is the payload for GET /api/v1/positions.
type PositionsResponse struct {
	Positions   []position.Position `json:"positions"`
	Count       int                 `json:"count"`
	GeneratedAt string              `json:"generated_at"` // RFC3339
}

// acceptedResponse is returned by POST /api/v1/positions.
type acceptedResponse struct {
	Status   string            `json:"status"`
	Position position.Position `json:"position"`
}

// errorResponse is a generic JSON error body. Error carries the rejection
// reason when the request was refused by validation.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
