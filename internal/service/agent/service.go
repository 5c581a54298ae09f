package agent

import (
	"context"
	"errors"
	"time"

	"github.com/roehann/cota/internal/config"
	"github.com/roehann/cota/internal/logger"
	"github.com/roehann/cota/internal/service/updater"
	"github.com/roehann/cota/internal/source"
	"github.com/roehann/cota/internal/thingsboard"
	"github.com/roehann/cota/internal/transport"
)

var (
	errAgentAlreadyRunning = errors.New("another agent is applying an update")
	errNoUpdate            = errors.New("no update available")
)

// Options are inputs accepted by the agent entry point.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
}

// Run executes the agent lifecycle and is the public entry point for the CLI.
// It polls the backend until an update is applied successfully or the
// context is cancelled.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "agent")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	if level, ok := logger.ParseLogLevel(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}

	guard := newMarker(cfg.FirmwareDirectory)
	if guard.Held(ctx) {
		return errAgentAlreadyRunning
	}

	if err = guard.Acquire(); err != nil {
		return err
	}

	defer guard.Release(ctx)

	service := buildService(cfg)

	logger.InfoKV(ctx, "Agent started",
		"backend", cfg.ThingsBoardURL,
		"firmware_dir", cfg.FirmwareDirectory,
		"poll_interval", cfg.PollInterval)

	return poll(ctx, service, guard, cfg.PollInterval)
}

// buildService wires the protocol clients and the update pipeline from settings.
func buildService(cfg *config.Config) *updater.Service {
	httpClient := transport.NewClient(
		transport.WithAttempts(cfg.RequestAttempts),
		transport.WithDelay(cfg.RequestRetryDelay),
	)

	backend := thingsboard.NewClient(cfg.ThingsBoardURL, cfg.ThingsBoardPort, cfg.DeviceToken, httpClient)
	fetcher := source.NewFetcher(httpClient)
	restarter := ExecRestarter{Command: cfg.RestartCommand}

	return updater.NewService(backend, updater.NewSourceFetcher(fetcher), restarter, cfg.FirmwareDirectory)
}

// poll checks for a published update once per interval and runs the pipeline
// when one appears. A successful update ends the loop: the device restarts
// into the new firmware and the supervisor starts a fresh agent.
func poll(ctx context.Context, service *updater.Service, guard *marker, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := attempt(ctx, service); err == nil {
			return nil
		} else if !errors.Is(err, errNoUpdate) {
			if updater.Retryable(err) {
				logger.WarnKV(ctx, "Update attempt failed, will retry next cycle", "error", err)
			} else {
				logger.ErrorKV(ctx, "Update attempt failed, waiting for a new publish", "error", err)
			}
		}

		if err := guard.Refresh(); err != nil {
			logger.ErrorKV(ctx, "Failed to refresh update marker", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info(ctx, "Agent stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// attempt performs one poll cycle: availability check, then the pipeline.
func attempt(ctx context.Context, service *updater.Service) error {
	available, err := service.CheckAvailable(ctx)
	if err != nil {
		logger.WarnKV(ctx, "Availability check failed", "error", err)
		return errNoUpdate
	}

	if !available {
		logger.Debug(ctx, "No new firmware published")
		return errNoUpdate
	}

	logger.Info(ctx, "New firmware published, starting update")

	return service.Run(ctx)
}
