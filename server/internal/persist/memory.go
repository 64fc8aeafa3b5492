package persist

import (
	"context"
	"net/url"
	"sync"

	"github.com/paulloo/countdown3d/pkg/position"
)

// Memory is a process-local Gateway. Nothing survives a restart.
type Memory struct {
	mu   sync.Mutex
	data map[int64]position.Position
}

// NewMemory returns an empty Memory gateway.
func NewMemory() *Memory {
	return &Memory{data: make(map[int64]position.Position)}
}

func openMemory(context.Context, *url.URL) (Gateway, error) {
	return NewMemory(), nil
}

func (m *Memory) Append(ctx context.Context, p position.Position) error {
	if err := ctx.Err(); err != nil {
		return wrap("memory", "append", err)
	}
	m.mu.Lock()
	m.data[p.Timestamp] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadRecent(ctx context.Context, since int64) ([]position.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("memory", "load", err)
	}
	m.mu.Lock()
	out := make([]position.Position, 0, len(m.data))
	for _, p := range m.data {
		if p.Timestamp >= since {
			out = append(out, p)
		}
	}
	m.mu.Unlock()
	newestFirst(out)
	return out, nil
}

// Prune deletes every position older than before.
func (m *Memory) Prune(ctx context.Context, before int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrap("memory", "prune", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for ts := range m.data {
		if ts < before {
			delete(m.data, ts)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored positions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func (m *Memory) Close() error { return nil }
