package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/device-sync/internal/config"
	"github.com/alexjbarnes/device-sync/internal/device"
	"github.com/alexjbarnes/device-sync/internal/dispatch"
	syncerrors "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/alexjbarnes/device-sync/internal/logging"
	"github.com/alexjbarnes/device-sync/internal/platform"
	"github.com/alexjbarnes/device-sync/internal/playback"
	"github.com/alexjbarnes/device-sync/internal/realtime"
	"github.com/alexjbarnes/device-sync/internal/state"
	"github.com/alexjbarnes/device-sync/internal/syncsvc"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	deviceID, err := device.Load(appState)
	if err != nil {
		return fmt.Errorf("loading device id: %w", err)
	}

	logger.Info("device-sync starting",
		slog.String("version", Version),
		slog.String("device_id", deviceID),
		slog.String("server", cfg.ServerURL),
	)

	signals := platform.NewSignals()

	conn := realtime.NewManager(realtime.Config{
		URL:                  cfg.ServerURL,
		DeviceID:             deviceID,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		Network:              signals,
		Visibility:           signals,
	}, logger)

	svc := syncsvc.New(conn, syncsvc.Options{
		DeviceID: deviceID,
		Dispatch: dispatch.Config{
			Timeout:     cfg.SyncTimeout,
			MaxRequeues: cfg.MaxRequeues,
			QueueLimit:  cfg.QueueLimit,
		},
		Playback: playback.Config{
			DebounceDelay: cfg.DebounceDelay,
			Expiry:        cfg.PlaybackExpiry,
			SweepInterval: cfg.SweepInterval,
		},
	}, logger)
	defer svc.Close()

	unsubscribe := svc.Subscribe(func(e syncsvc.Event) { logEvent(logger, e) })
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Connect(ctx, cfg.UserID, cfg.Token); err != nil {
		if errors.Is(err, syncerrors.ErrAuthRejected) {
			return fmt.Errorf("connecting: %w", err)
		}

		// Transport failures are retried with backoff by the manager.
		logger.Warn("initial connect failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		watchPlatformSignals(gctx, signals, logger)
		return nil
	})

	g.Go(func() error {
		return reportStats(gctx, svc, cfg.StatsInterval, cfg.StatsFile, logger)
	})

	err = g.Wait()

	logger.Info("shutting down")
	svc.Disconnect()

	return err
}

// reportStats logs sync stats every interval and, when path is set,
// writes them as a YAML snapshot.
func reportStats(ctx context.Context, svc *syncsvc.Service, interval time.Duration, path string, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		stats := svc.GetSyncStats()
		logger.Info("sync stats",
			slog.Bool("connected", stats.Connected),
			slog.Int("queued", stats.Queued),
			slog.Int("in_flight", stats.InFlight),
			slog.Int("active_playbacks", stats.ActivePlaybacks),
			slog.Int("records", stats.Records),
			slog.Int("reconnect_attempts", stats.Connection.ReconnectAttempts),
		)

		if path == "" {
			continue
		}

		if err := writeStats(path, snapshot{Stats: stats, GeneratedAt: time.Now().UTC()}); err != nil {
			logger.Warn("failed to write stats file", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

func logEvent(logger *slog.Logger, e syncsvc.Event) {
	switch e.Kind {
	case syncsvc.EventConnection:
		attrs := []any{slog.String("kind", string(e.Lifecycle.Kind))}
		if e.Lifecycle.Reason != "" {
			attrs = append(attrs, slog.String("reason", e.Lifecycle.Reason))
		}

		if e.Lifecycle.Kind == realtime.Reconnecting {
			attrs = append(attrs, slog.Int("attempt", e.Lifecycle.Attempt), slog.Duration("delay", e.Lifecycle.Delay))
		}

		logger.Info("connection", attrs...)
	case syncsvc.EventDispatch:
		if e.Dispatch.Kind == dispatch.EventDropped {
			logger.Warn("sync intent dropped",
				slog.String("sync_id", e.Dispatch.Intent.CorrelationID),
				slog.String("kind", string(e.Dispatch.Intent.Kind)),
			)
		}
	case syncsvc.EventPlayback:
		logger.Debug("playback",
			slog.String("kind", string(e.Playback.Kind)),
			slog.String("message_id", e.Playback.MessageID),
		)
	case syncsvc.EventVoiceMessage:
		logger.Info("voice message from device",
			slog.String("id", e.VoiceMessage.ID),
			slog.String("conversation_id", e.VoiceMessage.ConversationID),
			slog.String("from", e.VoiceMessage.DeviceID),
		)
	case syncsvc.EventMessage:
		logger.Info("message from device",
			slog.String("id", e.Message.ID),
			slog.String("conversation_id", e.Message.ConversationID),
			slog.String("from", e.Message.DeviceID),
		)
	case syncsvc.EventDevice:
		logger.Info("device notice",
			slog.String("from", e.Device.DeviceID),
			slog.String("action", e.Device.Action),
		)
	}
}
