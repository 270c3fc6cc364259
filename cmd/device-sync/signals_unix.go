//go:build !windows

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/device-sync/internal/platform"
)

// watchPlatformSignals maps SIGUSR1 to toggling network availability and
// SIGUSR2 to toggling visibility, standing in for the host platform.
func watchPlatformSignals(ctx context.Context, signals *platform.Signals, logger *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			switch sig {
			case syscall.SIGUSR1:
				logger.Info("network toggled", slog.Bool("online", signals.ToggleOnline()))
			case syscall.SIGUSR2:
				logger.Info("visibility toggled", slog.Bool("visible", signals.ToggleVisible()))
			}
		}
	}
}
