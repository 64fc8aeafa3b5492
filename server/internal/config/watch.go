package config

import (
	"context"
	"log/slog"

	"github.com/paulloo/countdown3d/internal/filewatch"
)

// Watch reloads path on every write and passes the validated Config to
// onChange. Invalid files are logged and skipped.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	return filewatch.Watch(ctx, path, Load, logger, onChange)
}
