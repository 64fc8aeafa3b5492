package persist

import (
	"context"
	"log/slog"
	"time"

	"github.com/paulloo/countdown3d/internal/logging"
	"github.com/paulloo/countdown3d/pkg/position"
	"github.com/paulloo/countdown3d/server/internal/metrics"
)

const (
	// DefaultWriteTimeout bounds a single Append.
	DefaultWriteTimeout = 3 * time.Second

	// DefaultQueueSize is the number of appends buffered while the backend
	// is slow.
	DefaultQueueSize = 256
)

// Writer performs best-effort appends on a background goroutine. Enqueue
// never blocks; Run must be started for anything to be written.
type Writer struct {
	gw      Gateway
	queue   chan position.Position
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	done    chan struct{}
}

// NewWriter creates a Writer for gw. Zero timeout or queueSize use the
// package defaults.
func NewWriter(gw Gateway, timeout time.Duration, queueSize int, m *metrics.Metrics, logger *slog.Logger) *Writer {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Writer{
		gw:      gw,
		queue:   make(chan position.Position, queueSize),
		timeout: timeout,
		logger:  logging.Default(logger).With("component", "persist-writer"),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Enqueue schedules p for a durable append. When the queue is full p is
// dropped and logged; the in-memory path is unaffected.
func (w *Writer) Enqueue(p position.Position) {
	select {
	case w.queue <- p:
	default:
		w.metrics.IncPersistDropped()
		w.logger.Warn("persist: write queue full, dropping append",
			"timestamp", p.Timestamp, "queue_cap", cap(w.queue))
	}
}

// Run appends queued positions until ctx is cancelled, then flushes what is
// still queued, each append still bounded by the write timeout.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case p := <-w.queue:
			w.append(ctx, p)
		}
	}
}

// Done is closed once Run has returned.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

func (w *Writer) flush() {
	for {
		select {
		case p := <-w.queue:
			w.append(context.Background(), p)
		default:
			return
		}
	}
}

func (w *Writer) append(ctx context.Context, p position.Position) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.gw.Append(ctx, p); err != nil {
		w.metrics.IncPersistFailures()
		w.logger.Error("persist: append failed", "timestamp", p.Timestamp, "err", err)
		return
	}
	w.logger.Debug("persist: appended", "timestamp", p.Timestamp)
}
