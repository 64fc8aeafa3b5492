// Package syncagent is the client side of the position broadcast service. An
// Agent keeps one WebSocket connection to the server, reconnecting after a
// fixed delay whenever it drops, and holds the latest snapshot the server
// sent.
package syncagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paulloo/countdown3d/internal/logging"
	"github.com/paulloo/countdown3d/pkg/position"
)

// DefaultReconnectDelay is the wait between a dropped connection and the next
// attempt.
const DefaultReconnectDelay = 5 * time.Second

const (
	writeTimeout = 10 * time.Second

	// readTimeout must exceed the server's ping period.
	readTimeout = 90 * time.Second
)

// ErrNotConnected is returned by Send while the agent has no live connection.
var ErrNotConnected = errors.New("syncagent: not connected")

// State is the connection state of an Agent.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options configures an Agent. Zero values select the defaults.
type Options struct {
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Header         http.Header
	Logger         *slog.Logger
}

// Agent maintains the connection and the local view. Callbacks run on the
// agent's own goroutine and must not block.
type Agent struct {
	url    string
	delay  time.Duration
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn
	view  []position.Position

	writeMu sync.Mutex

	cbMu       sync.RWMutex
	onSnapshot []func([]position.Position)
	onState    []func(State)
	onError    []func(error)
}

// New creates an Agent for the WebSocket endpoint at url. Nothing happens
// until Run is called.
func New(url string, opts Options) *Agent {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Agent{
		url:    url,
		delay:  opts.ReconnectDelay,
		dialer: opts.Dialer,
		header: opts.Header,
		logger: logging.Default(opts.Logger).With("component", "syncagent", "url", url),
		view:   []position.Position{},
	}
}

// OnSnapshot registers fn to receive every snapshot the server sends.
func (a *Agent) OnSnapshot(fn func([]position.Position)) {
	a.cbMu.Lock()
	a.onSnapshot = append(a.onSnapshot, fn)
	a.cbMu.Unlock()
}

// OnStateChange registers fn to be called on every state transition.
func (a *Agent) OnStateChange(fn func(State)) {
	a.cbMu.Lock()
	a.onState = append(a.onState, fn)
	a.cbMu.Unlock()
}

// OnError registers fn to receive the server's rejections of reports sent
// by this agent, as *position.RejectError.
func (a *Agent) OnError(fn func(error)) {
	a.cbMu.Lock()
	a.onError = append(a.onError, fn)
	a.cbMu.Unlock()
}

// State returns the current connection state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Snapshot returns the last snapshot received, newest first.
func (a *Agent) Snapshot() []position.Position {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]position.Position(nil), a.view...)
}

// Send reports p to the server. It returns ErrNotConnected unless the agent
// is Connected. A failed write drops the connection and triggers a reconnect.
func (a *Agent) Send(p position.Position) error {
	a.mu.RLock()
	conn, state := a.conn, a.state
	a.mu.RUnlock()
	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	frame, err := position.EncodeReport(p)
	if err != nil {
		return fmt.Errorf("syncagent: encode: %w", err)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		conn.Close()
		return fmt.Errorf("syncagent: send: %w", err)
	}
	return nil
}

// Run connects and keeps reconnecting until ctx is cancelled. Each drop is
// followed by exactly one new attempt after the reconnect delay; there is no
// attempt limit.
func (a *Agent) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		a.setState(Connecting, nil)
		conn, _, err := a.dialer.DialContext(ctx, a.url, a.header)
		if err != nil {
			a.setState(Disconnected, nil)
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("syncagent: dial failed, will retry", "err", err, "retry_in", a.delay)
		} else {
			a.setState(Connected, conn)
			a.logger.Info("syncagent: connected")

			err = a.readLoop(ctx, conn)
			conn.Close()
			a.setState(Disconnected, nil)
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("syncagent: connection lost, will reconnect", "err", err, "retry_in", a.delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.delay):
		}
	}
}

// readLoop applies server frames until the connection fails or ctx is
// cancelled.
func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			a.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			a.writeMu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		msg, err := position.DecodeServerMessage(frame)
		if err != nil {
			a.logger.Warn("syncagent: undecodable frame", "err", err)
			continue
		}
		switch msg.Type {
		case position.TypePositions:
			a.replaceView(msg.Data)
		case position.TypeError:
			a.emitError(&position.RejectError{Reason: position.RejectReason(msg.Error), Detail: msg.Detail})
		default:
			a.logger.Debug("syncagent: ignoring frame", "type", msg.Type)
		}
	}
}

// replaceView swaps in ps as the whole local view.
func (a *Agent) replaceView(ps []position.Position) {
	if ps == nil {
		ps = []position.Position{}
	}
	a.mu.Lock()
	a.view = ps
	a.mu.Unlock()

	a.cbMu.RLock()
	fns := a.onSnapshot
	a.cbMu.RUnlock()
	for _, fn := range fns {
		fn(append([]position.Position(nil), ps...))
	}
}

func (a *Agent) emitError(err error) {
	a.cbMu.RLock()
	fns := a.onError
	a.cbMu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (a *Agent) setState(s State, conn *websocket.Conn) {
	a.mu.Lock()
	changed := a.state != s
	a.state = s
	a.conn = conn
	a.mu.Unlock()
	if !changed {
		return
	}

	a.cbMu.RLock()
	fns := a.onState
	a.cbMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}
