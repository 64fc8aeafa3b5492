package persist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/paulloo/countdown3d/pkg/position"
)

// fileGateway appends one msgpack record per position to a log file.
// Duplicate timestamps are collapsed on read, last record wins.
type fileGateway struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(_ context.Context, u *url.URL) (Gateway, error) {
	path := uriPath(u)
	if path == "" {
		return nil, wrap("file", "open", fmt.Errorf("empty path in %q", u.String()))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrap("file", "open", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, wrap("file", "open", err)
	}
	return &fileGateway{path: path, f: f}, nil
}

func (g *fileGateway) Append(ctx context.Context, p position.Position) error {
	if err := ctx.Err(); err != nil {
		return wrap("file", "append", err)
	}
	rec, err := msgpack.Marshal(&p)
	if err != nil {
		return wrap("file", "append", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.f == nil {
		return wrap("file", "append", os.ErrClosed)
	}
	if _, err := g.f.Write(rec); err != nil {
		return wrap("file", "append", err)
	}
	return nil
}

func (g *fileGateway) LoadRecent(ctx context.Context, since int64) ([]position.Position, error) {
	byTS, _, err := readLog(ctx, g.path, since)
	if err != nil {
		return nil, wrap("file", "load", err)
	}
	out := make([]position.Position, 0, len(byTS))
	for _, p := range byTS {
		out = append(out, p)
	}
	newestFirst(out)
	return out, nil
}

// Prune rewrites the log with one record per timestamp >= before, oldest
// first, and returns how many records were dropped. The rewrite goes to a
// temporary file that replaces the log by rename.
func (g *fileGateway) Prune(ctx context.Context, before int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.f == nil {
		return 0, wrap("file", "prune", os.ErrClosed)
	}

	byTS, total, err := readLog(ctx, g.path, before)
	if err != nil {
		return 0, wrap("file", "prune", err)
	}
	kept := make([]position.Position, 0, len(byTS))
	for _, p := range byTS {
		kept = append(kept, p)
	}
	newestFirst(kept)

	tmp, err := os.CreateTemp(filepath.Dir(g.path), filepath.Base(g.path)+".*.tmp")
	if err != nil {
		return 0, wrap("file", "prune", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	w := bufio.NewWriter(tmp)
	enc := msgpack.NewEncoder(w)
	for i := len(kept) - 1; i >= 0; i-- {
		if err := enc.Encode(&kept[i]); err != nil {
			tmp.Close()
			return 0, wrap("file", "prune", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, wrap("file", "prune", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, wrap("file", "prune", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, wrap("file", "prune", err)
	}

	if err := os.Rename(tmp.Name(), g.path); err != nil {
		return 0, wrap("file", "prune", err)
	}
	// The append handle still points at the replaced inode.
	g.f.Close() //nolint:errcheck
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		g.f = nil
		return 0, wrap("file", "prune", err)
	}
	g.f = f
	return total - len(kept), nil
}

// readLog decodes the log at path and returns the last record for every
// timestamp >= since, plus the number of records read.
func readLog(ctx context.Context, path string, since int64) (map[int64]position.Position, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	byTS := make(map[int64]position.Position)
	total := 0
	dec := msgpack.NewDecoder(bufio.NewReader(f))
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		var p position.Position
		if err := dec.Decode(&p); err != nil {
			// A torn final record from a crash ends the log.
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, 0, err
		}
		total++
		if p.Timestamp >= since {
			byTS[p.Timestamp] = p
		}
	}
	return byTS, total, nil
}

func (g *fileGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.f == nil {
		return nil
	}
	err := g.f.Close()
	g.f = nil
	return wrap("file", "close", err)
}
