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

// Package sweep runs the periodic reconciliation pass. Push notifications
// are best-effort; the sweep is the safety net that walks every connected
// account on an interval and syncs from its stored cursor, so a dropped
// notification delays ingestion by at most one sweep period.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/happybigocean/attentify-ingestion/internal/models"
)

// AccountSource lists accounts eligible for sweeping.
// Implemented by account.Store.
type AccountSource interface {
	ListConnected(ctx context.Context) ([]*models.Account, error)
}

// Syncer runs the ingestion pipeline for one account.
// Implemented by ingest.Ingestor.
type Syncer interface {
	Sync(ctx context.Context, acct *models.Account) error
}

// Sweeper periodically reconciles all connected accounts.
type Sweeper struct {
	accounts AccountSource
	syncer   Syncer
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sweeper. A non-positive interval defaults to five minutes.
func New(accounts AccountSource, syncer Syncer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		accounts: accounts,
		syncer:   syncer,
		interval: interval,
	}
}

// Start launches the sweep loop. The first pass runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		slog.Info("reconciliation sweep started", "interval", s.interval)
		s.runOnce(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("reconciliation sweep stopped")
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for any in-flight pass to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// runOnce sweeps every connected account. One account failing must not
// starve the rest, so errors are logged and the pass continues.
func (s *Sweeper) runOnce(ctx context.Context) {
	accounts, err := s.accounts.ListConnected(ctx)
	if err != nil {
		slog.Error("sweep: listing accounts failed", "error", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	slog.Debug("sweep pass starting", "accounts", len(accounts))

	var failed int
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return
		}
		if err := s.syncer.Sync(ctx, acct); err != nil {
			failed++
			slog.Error("sweep: account sync failed",
				"account", acct.Email,
				"error", err,
			)
		}
	}

	slog.Info("sweep pass complete",
		"accounts", len(accounts),
		"failed", failed,
	)
}
