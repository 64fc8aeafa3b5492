package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paulloo/countdown3d/pkg/position"
	"github.com/paulloo/countdown3d/server/internal/store"
	wsHub "github.com/paulloo/countdown3d/server/internal/ws"
)

// --- helpers ----------------------------------------------------------------

func newStore(ps ...position.Position) *store.Store {
	st := store.New(5 * time.Minute)
	for _, p := range ps {
		st.Insert(p)
	}
	return st
}

func recent(lat, lng float64) position.Position {
	return position.New(lat, lng, time.Now())
}

// startHub starts a test HTTP server with the hub as its handler.
// Returns the ws:// URL and the hub.
func startHub(t *testing.T, st *store.Store) (wsURL string, hub *wsHub.Hub) {
	t.Helper()

	hub = wsHub.New(st, wsHub.Options{})
	srv := httptest.NewServer(hub)

	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub
}

// dial connects a WebSocket client to wsURL and returns the connection.
func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one server message from conn with a short deadline.
func readMessage(t *testing.T, conn *websocket.Conn) position.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	m, err := position.DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func waitCount(t *testing.T, hub *wsHub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Count: got %d, want %d", hub.Count(), want)
}

// --- tests ------------------------------------------------------------------

func TestHub_Connect_ReceivesImmediateSnapshot(t *testing.T) {
	p := recent(10, 20)
	wsURL, _ := startHub(t, newStore(p))

	conn := dial(t, wsURL)
	m := readMessage(t, conn)

	if m.Type != position.TypePositions {
		t.Errorf("type: got %q, want positions", m.Type)
	}
	if len(m.Data) != 1 || m.Data[0] != p {
		t.Errorf("data: got %v, want [%v]", m.Data, p)
	}
}

func TestHub_EmptyStore_EmptyPositions(t *testing.T) {
	wsURL, _ := startHub(t, newStore())
	conn := dial(t, wsURL)

	m := readMessage(t, conn)
	if len(m.Data) != 0 {
		t.Errorf("positions: got %d, want 0", len(m.Data))
	}
}

func TestHub_SendPosition_BroadcastsToAll(t *testing.T) {
	wsURL, hub := startHub(t, newStore())

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, wsURL)
		readMessage(t, conns[i]) // consume initial snapshot
	}
	waitCount(t, hub, 3)

	p := recent(51.5, -0.12)
	frame, err := position.EncodeReport(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := conns[0].WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	for i, conn := range conns {
		m := readMessage(t, conn)
		if m.Type != position.TypePositions {
			t.Errorf("client %d: type: got %q", i, m.Type)
			continue
		}
		if len(m.Data) != 1 || m.Data[0] != p {
			t.Errorf("client %d: data: got %v, want [%v]", i, m.Data, p)
		}
	}
}

func TestHub_InvalidReport_ErrorToSender(t *testing.T) {
	wsURL, _ := startHub(t, newStore())

	conn := dial(t, wsURL)
	readMessage(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"lat":1,"lng":2}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := readMessage(t, conn)
	if m.Type != position.TypeError {
		t.Fatalf("type: got %q, want error", m.Type)
	}
	if m.Error != string(position.ReasonMissingTimestamp) {
		t.Errorf("error: got %q, want missing_timestamp", m.Error)
	}
}

func TestHub_CountClients_DecreasesOnDisconnect(t *testing.T) {
	wsURL, hub := startHub(t, newStore())

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	conn.Close()
	waitCount(t, hub, 0)
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	wsURL, hub := startHub(t, newStore())

	conn := dial(t, wsURL)
	readMessage(t, conn)
	waitCount(t, hub, 1)

	hub.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure) {
		t.Errorf("ReadMessage after shutdown: got %v, want close", err)
	}
	if n := hub.Count(); n != 0 {
		t.Errorf("Count after shutdown: got %d, want 0", n)
	}
}

func TestHub_SweepBroadcastsEviction(t *testing.T) {
	old := position.Position{Lat: 1, Lng: 1, Timestamp: time.Now().Add(-4 * time.Minute).UnixMilli()}
	wsURL, hub := startHub(t, newStore(old))

	conn := dial(t, wsURL)
	if m := readMessage(t, conn); len(m.Data) != 1 {
		t.Fatalf("initial: got %d positions, want 1", len(m.Data))
	}

	if n := hub.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("Sweep: got %d, want 1", n)
	}
	if m := readMessage(t, conn); len(m.Data) != 0 {
		t.Errorf("after sweep: got %d positions, want 0", len(m.Data))
	}
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(newStore(), wsHub.Options{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	// Plain HTTP GET without WebSocket upgrade headers -> 400
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestHub_IngestFromHTTPPath(t *testing.T) {
	wsURL, hub := startHub(t, newStore())
	conn := dial(t, wsURL)
	readMessage(t, conn)

	p := recent(-33.9, 151.2)
	if err := hub.Ingest(context.Background(), p); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if m := readMessage(t, conn); len(m.Data) != 1 || m.Data[0] != p {
		t.Errorf("data: got %v, want [%v]", m.Data, p)
	}
}
