//go:build windows

package main

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/device-sync/internal/platform"
)

func watchPlatformSignals(ctx context.Context, _ *platform.Signals, logger *slog.Logger) {
	logger.Debug("platform signal toggles unavailable on windows")
	<-ctx.Done()
}
