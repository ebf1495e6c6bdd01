// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tombee/runbook/internal/api"
	"github.com/tombee/runbook/internal/config"
	"github.com/tombee/runbook/internal/engine"
	"github.com/tombee/runbook/internal/log"
	"github.com/tombee/runbook/internal/process"
	"github.com/tombee/runbook/internal/store"
	"github.com/tombee/runbook/internal/store/memory"
	"github.com/tombee/runbook/internal/store/sqlite"
	"github.com/tombee/runbook/internal/tracing"
	"github.com/tombee/runbook/internal/verb"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		addr       string
		dbPath     string
		catalogDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dbPath != "" {
				cfg.Store.Path = dbPath
			}
			if catalogDir != "" {
				cfg.Catalog.Dir = catalogDir
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to runbookd.yaml")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&catalogDir, "catalog", "", "Verb catalog directory")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()

	provider, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "runbookd",
		ServiceVersion: version,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	}, registry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", log.Error(err))
		}
	}()

	var backend store.Backend
	switch cfg.Store.Backend {
	case "memory":
		backend = memory.New()
		logger.Warn("using in-memory storage, state will not survive restarts")
	default:
		db, err := sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: cfg.Store.WAL})
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("failed to close database", log.Error(err))
			}
		}()
		backend = db
	}

	catalog, err := verb.NewCatalog(verb.CatalogConfig{
		Dir:     cfg.Catalog.Dir,
		Pattern: cfg.Catalog.Pattern,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if cfg.Catalog.Watch {
		if err := catalog.Watch(ctx); err != nil {
			return err
		}
		defer func() {
			if err := catalog.Stop(); err != nil {
				logger.Warn("catalog watcher stop failed", log.Error(err))
			}
		}()
	}

	handlers := verb.NewRegistry()
	if err := verb.RegisterBuiltins(handlers, logger); err != nil {
		return err
	}

	var processes process.Engine
	if cfg.Process.BaseURL != "" {
		processes, err = process.NewHTTPEngine(process.HTTPConfig{
			BaseURL:       cfg.Process.BaseURL,
			Token:         cfg.Process.Token,
			Timeout:       cfg.Process.Timeout.Std(),
			RetryAttempts: cfg.Process.RetryAttempts,
			RetryBackoff:  cfg.Process.RetryBackoff.Std(),
		})
		if err != nil {
			return err
		}
	} else {
		// Durable dispatch needs a process engine; without one, durable
		// steps park with active records that never start externally.
		logger.Warn("no process engine configured, durable verbs will not dispatch")
		processes = process.NewFake()
	}

	dispatcher := verb.NewDispatcher(verb.DispatcherConfig{
		Invocations:    backend,
		Engine:         processes,
		RatePerSecond:  cfg.Engine.DispatchRate,
		Burst:          cfg.Engine.DispatchBurst,
		DefaultTimeout: cfg.Engine.DurableTimeout.Std(),
		Logger:         logger,
	})

	eng := engine.New(engine.Config{
		Backend:       backend,
		Catalog:       catalog,
		Registry:      handlers,
		Dispatcher:    dispatcher,
		Processes:     processes,
		WorkerID:      cfg.Engine.WorkerID,
		MaxParallel:   cfg.Engine.MaxParallel,
		SyncTimeout:   cfg.Engine.SyncTimeout.Std(),
		RetryAttempts: cfg.Engine.RetryAttempts,
		RetryBackoff:  cfg.Engine.RetryBackoff.Std(),
		Metrics:       engine.NewMetrics(registry),
		Logger:        logger,
	})

	scanner := engine.NewScanner(eng, cfg.Scanner.Interval.Std())
	scanner.Start(ctx)
	defer scanner.Stop()

	srv := api.NewServer(api.Config{
		Addr:   cfg.Server.Addr,
		Engine: eng,
		JWT: api.JWTConfig{
			Secret:    []byte(cfg.Auth.JWTSecret),
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			ClockSkew: cfg.Auth.ClockSkew.Std(),
		},
		Metrics: registry,
		Logger:  logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("runbookd started",
		slog.String("version", version),
		slog.String("addr", cfg.Server.Addr),
		slog.String("store", cfg.Store.Backend),
		slog.String(log.WorkerIDKey, cfg.Engine.WorkerID))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
