// Copyright (c) 2026 Attentify
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

// Attentify — Gmail Ingestion Service
//
// Entry point for the ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Registers Gmail watches for every connected account
//  4. Serves the Pub/Sub push endpoint for change notifications
//  5. Runs a watch renewal loop and a periodic reconciliation sweep
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/happybigocean/attentify-ingestion/internal/account"
	"github.com/happybigocean/attentify-ingestion/internal/config"
	"github.com/happybigocean/attentify-ingestion/internal/dedup"
	"github.com/happybigocean/attentify-ingestion/internal/fanout"
	"github.com/happybigocean/attentify-ingestion/internal/gmail"
	"github.com/happybigocean/attentify-ingestion/internal/ingest"
	"github.com/happybigocean/attentify-ingestion/internal/sweep"
	"github.com/happybigocean/attentify-ingestion/internal/thread"
	"github.com/happybigocean/attentify-ingestion/internal/token"
	"github.com/happybigocean/attentify-ingestion/internal/watch"
	"github.com/happybigocean/attentify-ingestion/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting Attentify ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"sweep_interval", cfg.SweepInterval,
		"watch_renewal_buffer", cfg.WatchRenewalBuffer,
		"pubsub_topic", cfg.PubSubTopic,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := fanout.NewPublisher(rdb, cfg.EventsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Dedup Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Stores (Postgres) ---
	accounts, err := account.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise account store", "error", err)
		os.Exit(1)
	}
	threads, err := thread.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise thread store", "error", err)
		os.Exit(1)
	}

	// --- Credential Refresher ---
	refresher := token.NewRefresher(cfg.GoogleClientID, cfg.GoogleClientSecret, accounts)

	// --- Gmail Provider ---
	provider := gmail.NewClient()

	// --- Ingestion Pipeline ---
	ingestor := ingest.New(ingest.Config{
		Accounts:     accounts,
		Threads:      threads,
		Credentials:  refresher,
		Provider:     provider,
		Seen:         filter,
		Fanout:       publisher,
		FetchTimeout: cfg.FetchTimeout,
		ResyncWindow: cfg.ResyncWindow,
	})

	// --- Phase 1: Start the push endpoint BEFORE arming watches ---
	// Notifications start flowing the moment a watch is registered; the
	// endpoint has to be up first or Pub/Sub backs off on delivery.
	handler := webhook.NewHandler(accounts, ingestor)
	ready, err := webhook.Serve(ctx, cfg.WebhookPort, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("webhook server ready, proceeding to register watches")

	// --- Phase 2: Watch Manager ---
	watcher := watch.New(watch.Config{
		Store:       accounts,
		Credentials: refresher,
		Provider:    provider,
		Topic:       cfg.PubSubTopic,
		RenewBuffer: cfg.WatchRenewalBuffer,
	})
	if err := watcher.Start(ctx); err != nil {
		slog.Error("failed to start watch manager", "error", err)
		os.Exit(1)
	}

	// --- Phase 3: Reconciliation Sweep ---
	sweeper := sweep.New(accounts, ingestor, cfg.SweepInterval)
	sweeper.Start(ctx)

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop all background goroutines

		watcher.Stop()
		sweeper.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("ingestion service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ingestion service stopped")
}
