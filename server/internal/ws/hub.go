package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/paulloo/countdown3d/internal/logging"
	"github.com/paulloo/countdown3d/pkg/geo"
	"github.com/paulloo/countdown3d/pkg/position"
	"github.com/paulloo/countdown3d/server/internal/metrics"
	"github.com/paulloo/countdown3d/server/internal/store"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// DefaultSendBuffer is the per-client outgoing frame buffer depth.
	DefaultSendBuffer = 16

	// DefaultReadLimit caps a single incoming frame.
	DefaultReadLimit = 4096
)

// Conn is the subset of *websocket.Conn the hub drives.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Persister receives every accepted position for best-effort durable
// storage. Enqueue must not block.
type Persister interface {
	Enqueue(p position.Position)
}

// Dedup controls the proximity filter applied on ingest. With Reject unset
// the filter is advisory and nothing is refused.
type Dedup struct {
	Reject        bool
	MinDistanceKm float64
}

// Options configures a Hub. Zero values select the defaults.
type Options struct {
	Persister  Persister
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	SendBuffer int
	ReadLimit  int64

	// IngestRate is the sustained reports per second allowed per
	// connection; zero disables limiting.
	IngestRate  float64
	IngestBurst int

	Dedup Dedup
}

// Hub owns the position store and the set of connected clients. Ingest,
// Sweep, OnConnect and the fanout they trigger are serialized by a single
// mutex, so every client observes snapshots in the order they were taken.
type Hub struct {
	store     *store.Store
	persister Persister
	metrics   *metrics.Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	sendBuffer  int
	readLimit   int64
	ingestRate  rate.Limit
	ingestBurst int

	mu     sync.Mutex
	reg    *registry
	dedup  Dedup
	closed bool
}

// New creates a Hub around st.
func New(st *store.Store, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	limit := rate.Inf
	if opts.IngestRate > 0 {
		limit = rate.Limit(opts.IngestRate)
		if opts.IngestBurst <= 0 {
			opts.IngestBurst = 1
		}
	}
	if opts.Dedup.MinDistanceKm <= 0 {
		opts.Dedup.MinDistanceKm = geo.DefaultMinDistanceKm
	}

	h := &Hub{
		store:     st,
		persister: opts.Persister,
		metrics:   opts.Metrics,
		logger:    logging.Default(opts.Logger).With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Allow all origins; restrict at the reverse proxy if needed.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sendBuffer:  opts.SendBuffer,
		readLimit:   opts.ReadLimit,
		ingestRate:  limit,
		ingestBurst: opts.IngestBurst,
		reg:         newRegistry(),
		dedup:       opts.Dedup,
	}

	h.metrics.RegisterGauge("connected_clients", "WebSocket clients currently registered.",
		func() float64 { return float64(h.Count()) })
	h.metrics.RegisterGauge("positions_retained", "Positions currently held in the store.",
		func() float64 { return float64(st.Count()) })
	return h
}

// Ingest validates p, hands it to the persister, stores it and broadcasts the
// new snapshot to every client. A rejected report returns a
// *position.RejectError and changes nothing.
func (h *Hub) Ingest(ctx context.Context, p position.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := position.Validate(p); err != nil {
		h.reject(err)
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkDedupLocked(p); err != nil {
		h.reject(err)
		return err
	}
	if h.persister != nil {
		h.persister.Enqueue(p)
	}
	h.store.Insert(p)
	h.metrics.IncIngested()
	h.fanoutLocked()
	return nil
}

func (h *Hub) checkDedupLocked(p position.Position) error {
	if !h.dedup.Reject {
		return nil
	}
	nowMs := h.store.Now().UnixMilli()
	windowMs := h.store.Retention().Milliseconds()
	for _, q := range h.store.Snapshot() {
		if q.Timestamp == p.Timestamp || geo.IsExpired(q, nowMs, windowMs) {
			continue
		}
		if geo.IsTooClose(p.Point(), q.Point(), h.dedup.MinDistanceKm) {
			return position.Reject(position.ReasonTooClose,
				"%.1f km from %s, minimum %.1f km",
				geo.HaversineKm(p.Point(), q.Point()), q, h.dedup.MinDistanceKm)
		}
	}
	return nil
}

func (h *Hub) reject(err error) {
	reason, _ := position.ReasonOf(err)
	h.metrics.IncRejected(string(reason))
	h.logger.Debug("position rejected", "reason", reason, "err", err)
}

// fanoutLocked serializes the current snapshot once and offers the same bytes
// to every registered client. Callers hold h.mu.
func (h *Hub) fanoutLocked() {
	frame, err := position.EncodeSnapshot(h.store.Snapshot())
	if err != nil {
		h.logger.Error("encode snapshot", "err", err)
		return
	}
	dropped := h.reg.broadcast(frame)
	for i := 0; i < dropped; i++ {
		h.metrics.IncFramesDropped()
	}
	h.metrics.IncBroadcasts()
}

// Snapshot returns the retained positions, newest first.
func (h *Hub) Snapshot() []position.Position {
	return h.store.Snapshot()
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	return h.reg.len()
}

// Seed loads positions recovered from durable storage and returns how many
// were accepted. Invalid entries are skipped and expired ones are evicted by
// the insert. No fanout is sent.
func (h *Hub) Seed(ps []position.Position) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range ps {
		if err := position.Validate(p); err != nil {
			h.logger.Warn("seed: skipping invalid position", "position", p.String(), "err", err)
			continue
		}
		h.store.Insert(p)
		n++
	}
	return n
}

// Sweep evicts expired positions as of now. When anything was removed the
// new snapshot is broadcast so clients drop the stale markers.
func (h *Hub) Sweep(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.store.EvictExpired(now)
	if n > 0 {
		h.fanoutLocked()
	}
	return n
}

// SetDedup replaces the proximity filter settings.
func (h *Hub) SetDedup(d Dedup) {
	if d.MinDistanceKm <= 0 {
		d.MinDistanceKm = geo.DefaultMinDistanceKm
	}
	h.mu.Lock()
	h.dedup = d
	h.mu.Unlock()
}

// OnConnect registers conn and queues the current snapshot as its first
// frame. Both happen under the fanout lock, so the client sees the snapshot
// taken at join or a later one, never a gap. After Shutdown the returned
// client is not registered and its writer exits immediately.
func (h *Hub) OnConnect(conn Conn) *Client {
	c := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, h.sendBuffer),
		limiter: rate.NewLimiter(h.ingestRate, h.ingestBurst),
	}
	c.logger = h.logger.With("client_id", c.id)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return c
	}

	h.reg.add(c)
	frame, err := position.EncodeSnapshot(h.store.Snapshot())
	if err != nil {
		h.logger.Error("encode snapshot", "err", err)
	} else {
		h.reg.sendTo(c, frame)
	}
	c.logger.Info("client connected", "clients", h.reg.len())
	return c
}

// OnDisconnect unregisters c. Calling it more than once is harmless.
func (h *Hub) OnDisconnect(c *Client) {
	if h.reg.remove(c) {
		c.logger.Info("client disconnected", "clients", h.reg.len())
	}
}

// Shutdown closes every client and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	if n := h.reg.closeAll(); n > 0 {
		h.logger.Info("closed client connections", "count", n)
	}
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
// Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}
	h.Serve(r.Context(), conn)
}

// Serve runs conn until it closes: the client is registered, receives the
// current snapshot, and has each frame it sends ingested. Rejections are
// answered on this connection only.
func (h *Hub) Serve(ctx context.Context, conn Conn) {
	c := h.OnConnect(conn)
	defer h.OnDisconnect(c)

	go h.writePump(c)
	h.readPump(ctx, c)
}

// writePump drains the client's send channel to the connection and sends
// periodic pings. A failed write removes the client; a closed send channel
// means the hub removed it and a close frame is sent.
func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("write failed", "err", err)
				h.OnDisconnect(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.OnDisconnect(c)
				return
			}
		}
	}
}

// readPump decodes and ingests frames until the connection fails.
func (h *Hub) readPump(ctx context.Context, c *Client) {
	defer c.conn.Close()
	c.conn.SetReadLimit(h.readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "err", err)
			}
			return
		}
		if err := h.handleFrame(ctx, c, frame); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			h.replyError(c, err)
		}
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *Client, frame []byte) error {
	if !c.limiter.Allow() {
		err := position.Reject(position.ReasonRateLimited, "more than %v reports per second", c.limiter.Limit())
		h.reject(err)
		return err
	}
	p, err := position.DecodeReport(frame)
	if err != nil {
		h.reject(err)
		return err
	}
	return h.Ingest(ctx, p)
}

func (h *Hub) replyError(c *Client, err error) {
	frame, encErr := position.EncodeError(err)
	if encErr != nil {
		return
	}
	if _, dropped := h.reg.sendTo(c, frame); dropped {
		h.metrics.IncFramesDropped()
	}
}
