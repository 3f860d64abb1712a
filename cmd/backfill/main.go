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

// Attentify — Mailbox Backfill Command
//
// Standalone CLI tool that runs a full resync for one or all connected
// accounts: it lists the most recent inbox messages, threads them through
// the normal ingestion pipeline, and adopts the mailbox's current history
// cursor. Intended for seeding new accounts and for recovering mailboxes
// whose cursor lapsed while the service was down.
//
// Usage:
//
//	go run ./cmd/backfill/ --account user@org.com [--window 200]
//	go run ./cmd/backfill/ --all
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/happybigocean/attentify-ingestion/internal/account"
	"github.com/happybigocean/attentify-ingestion/internal/config"
	"github.com/happybigocean/attentify-ingestion/internal/dedup"
	"github.com/happybigocean/attentify-ingestion/internal/fanout"
	"github.com/happybigocean/attentify-ingestion/internal/gmail"
	"github.com/happybigocean/attentify-ingestion/internal/ingest"
	"github.com/happybigocean/attentify-ingestion/internal/models"
	"github.com/happybigocean/attentify-ingestion/internal/thread"
	"github.com/happybigocean/attentify-ingestion/internal/token"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	accountFlag := flag.String("account", "", "Email address of a single account to backfill")
	allFlag := flag.Bool("all", false, "Backfill every connected account")
	windowFlag := flag.Int64("window", 0, "Number of recent messages to ingest per account (default: RESYNC_WINDOW)")
	flag.Parse()

	if *accountFlag == "" && !*allFlag {
		fmt.Fprintf(os.Stderr, "Error: either --account or --all is required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	if *accountFlag != "" && *allFlag {
		fmt.Fprintf(os.Stderr, "Error: --account and --all are mutually exclusive\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	window := cfg.ResyncWindow
	if *windowFlag > 0 {
		window = *windowFlag
	}

	slog.Info("starting mailbox backfill", "window", window)

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

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := fanout.NewPublisher(rdb, cfg.EventsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// --- Stores and Pipeline ---
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

	refresher := token.NewRefresher(cfg.GoogleClientID, cfg.GoogleClientSecret, accounts)
	provider := gmail.NewClient()
	filter := dedup.NewFilter(rdb)

	ingestor := ingest.New(ingest.Config{
		Accounts:     accounts,
		Threads:      threads,
		Credentials:  refresher,
		Provider:     provider,
		Seen:         filter,
		Fanout:       publisher,
		FetchTimeout: cfg.FetchTimeout,
		ResyncWindow: window,
	})

	// --- Resolve accounts ---
	var targets []*models.Account
	if *accountFlag != "" {
		acct, err := accounts.GetByEmail(ctx, *accountFlag)
		if err != nil {
			slog.Error("account lookup failed", "error", err)
			os.Exit(1)
		}
		if acct == nil {
			slog.Error("account not found", "account", *accountFlag)
			os.Exit(1)
		}
		targets = append(targets, acct)
	} else {
		targets, err = accounts.ListConnected(ctx)
		if err != nil {
			slog.Error("listing accounts failed", "error", err)
			os.Exit(1)
		}
	}

	if len(targets) == 0 {
		slog.Error("no accounts to backfill")
		os.Exit(1)
	}

	slog.Info("resolved accounts for backfill", "count", len(targets))

	// --- Run Backfill ---
	start := time.Now()
	var failed int
	for _, acct := range targets {
		tok, err := refresher.Obtain(ctx, acct)
		if err != nil {
			failed++
			slog.Error("credentials unavailable",
				"account", acct.Email,
				"error", err,
			)
			continue
		}
		if err := ingestor.Resync(ctx, acct, tok); err != nil {
			failed++
			slog.Error("backfill failed for account",
				"account", acct.Email,
				"error", err,
			)
			continue
		}
		slog.Info("account backfilled",
			"account", acct.Email,
			"cursor", acct.Cursor,
		)
	}

	slog.Info("backfill complete",
		"accounts", len(targets),
		"failed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if failed > 0 {
		os.Exit(1)
	}
}
