// Package ws implements the broadcast hub for countdown3d-server.
//
// Hub owns the position store and the registry of connected WebSocket
// clients. Every accepted report is handed to the persister, inserted into
// the store and followed by a fanout: the snapshot is encoded once and the
// same bytes are offered to every client.
//
// New(store, opts) creates a Hub.
// Hub.ServeHTTP upgrades an HTTP connection and runs it through Serve.
// Hub.Serve registers the client, queues the current snapshot, then ingests
// each frame the client sends until the connection fails.
// Hub.Sweep evicts expired positions and broadcasts when anything changed.
// Hub.Shutdown closes every client.
//
// Each client has its own writer goroutine fed by a buffered channel. When
// the buffer is full the oldest pending frame is dropped, so a slow client
// skips intermediate snapshots but never stalls the hub.
//
// Messages sent to clients:
//
//	{"type": "positions", "data": [{"lat": 1, "lng": 2, "timestamp": 3}, ...]}
//	{"type": "error", "error": "invalid_coordinate", "detail": "..."}
//
// The error frame goes only to the connection whose report was rejected.
package ws
