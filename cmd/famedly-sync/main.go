// Package main provides the famedly-sync entry point: a one-shot batch
// sync of an authoritative source into a Zitadel instance.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/famedly/famedly-sync/internal/config"
	"github.com/famedly/famedly-sync/internal/engine"
	"github.com/famedly/famedly-sync/internal/source"
	"github.com/famedly/famedly-sync/internal/source/csvfile"
	ldapsource "github.com/famedly/famedly-sync/internal/source/ldap"
	"github.com/famedly/famedly-sync/internal/source/ukt"
	"github.com/famedly/famedly-sync/internal/zitadel"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes: 0 success, 1 sync or per-user failure, 2 configuration
// error.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	path := os.Getenv(config.EnvPathVar)
	if path == "" {
		path = config.DefaultPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		// The logger is configured from the config, so this one goes
		// straight to stderr.
		fmt.Fprintf(os.Stderr, "failed to load config from %s: %v\n", path, err)
		return exitConfig
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat).With("run_id", newRunID())
	logger.Info("starting sync", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := zitadel.New(ctx, cfg.Zitadel, cfg.FeatureFlags, logger)
	if err != nil {
		logger.Error("failed to initialize zitadel client", "error", err)
		return exitFailed
	}

	var api zitadel.API = client
	if cfg.FeatureFlags.Enabled(config.FlagDryRun) {
		logger.Info("dry run enabled, no mutations will be applied")
		api = zitadel.NewDryRun(client, logger)
	}

	src := selectSource(cfg, logger)
	logger.Info("selected source", "source", src.Name(), "deletes_by_absence", src.DeletesByAbsence())

	stats, err := engine.New(api, cfg.FeatureFlags, logger).Run(ctx, src)

	logger.Info("sync finished",
		"created", stats.Created,
		"updated", stats.Updated,
		"deactivated", stats.Deactivated,
		"deleted", stats.Deleted,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)

	if err != nil {
		logger.Error("sync aborted", "error", err)
		return exitFailed
	}
	if stats.Failed > 0 {
		logger.Error("sync completed with per-user failures", "failed", stats.Failed)
		return exitFailed
	}
	return exitOK
}

// selectSource instantiates the single configured source. Config
// validation guarantees exactly one is set.
func selectSource(cfg *config.Config, logger *slog.Logger) source.Source {
	switch {
	case cfg.Sources.LDAP != nil:
		return ldapsource.New(cfg.Sources.LDAP, logger)
	case cfg.Sources.CSV != nil:
		return csvfile.New(cfg.Sources.CSV, logger)
	default:
		return ukt.New(cfg.Sources.UKT, logger)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func newRunID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
