package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/paulloo/countdown3d/internal/logging"
	"github.com/paulloo/countdown3d/pkg/position"
)

// ErrConnectionExhausted is returned by Open when every connection attempt
// failed.
var ErrConnectionExhausted = errors.New("persistence connection attempts exhausted")

// Gateway is a durable position store. Implementations are safe for
// concurrent use.
type Gateway interface {
	// Append durably records p. Appending the same position twice leaves a
	// single record.
	Append(ctx context.Context, p position.Position) error

	// LoadRecent returns every stored position with Timestamp >= since,
	// newest first.
	LoadRecent(ctx context.Context, since int64) ([]position.Position, error)

	Close() error
}

// Pruner is implemented by backends that can drop records older than a
// cutoff. Every built-in backend implements it.
type Pruner interface {
	// Prune removes records with Timestamp < before and reports how many
	// were removed.
	Prune(ctx context.Context, before int64) (int, error)
}

// Error is a failed backend operation.
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persist %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Backend: backend, Op: op, Err: err}
}

// RetryPolicy bounds the connection attempts made by Open.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy is three attempts one second apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: time.Second}

type opener func(ctx context.Context, u *url.URL) (Gateway, error)

var openers = map[string]opener{
	"memory":      openMemory,
	"file":        openFile,
	"sqlite":      openSQLite,
	"postgres":    openPostgres,
	"postgresql":  openPostgres,
	"mongodb":     openMongo,
	"mongodb+srv": openMongo,
}

// Open connects to the backend named by uri's scheme, retrying according to
// policy. An unknown scheme fails immediately.
func Open(ctx context.Context, uri string, policy RetryPolicy, logger *slog.Logger) (Gateway, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("persist: parse uri: %w", err)
	}
	open, ok := openers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("persist: unsupported scheme %q", u.Scheme)
	}
	logger = logging.Default(logger).With("component", "persist", "backend", u.Scheme)
	return connect(ctx, policy, logger, func(ctx context.Context) (Gateway, error) {
		return open(ctx, u)
	})
}

func connect(ctx context.Context, policy RetryPolicy, logger *slog.Logger, dial func(context.Context) (Gateway, error)) (Gateway, error) {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		gw, err := dial(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("persist: connected after retry", "attempt", attempt)
			}
			return gw, nil
		}
		last = err
		if attempt == attempts {
			break
		}
		logger.Warn("persist: connect failed, will retry",
			"attempt", attempt, "max_attempts", attempts, "retry_in", policy.Delay, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.Delay):
		}
	}
	return nil, fmt.Errorf("%w (%d attempts): %v", ErrConnectionExhausted, attempts, last)
}

// uriPath extracts a filesystem path from file://, sqlite:// style URIs.
// Both file:///abs/path and file://rel/path are accepted.
func uriPath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}

func newestFirst(ps []position.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Timestamp > ps[j].Timestamp })
}
