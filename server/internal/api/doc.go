// Package api implements the HTTP REST API for countdown3d-server.
//
// New(hub, opts) returns an http.Handler that serves:
//
//	GET  /api/v1/health     status, connected clients, retained positions
//	GET  /api/v1/positions  current snapshot, newest first; optional
//	                        ?lat=&lng=&radius_km= proximity filter
//	POST /api/v1/positions  ingest one report; 202 on success, 400 with the
//	                        rejection reason otherwise
//	GET  /ws                the WebSocket hub, when opts.WebSocket is set
//	GET  /metrics           Prometheus text, when opts.Metrics is set
//
// All endpoints:
//   - Respond with Content-Type: application/json (except /ws and /metrics)
//   - Return 405 for unsupported methods and 404 for unknown paths
//
// JSON types are defined in types.go. Routing uses gorilla/mux.
package api
