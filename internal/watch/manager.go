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

// Package watch manages per-mailbox Gmail watch registrations. A watch
// routes mailbox changes to the Pub/Sub topic and expires after roughly
// seven days, so the manager runs a background renewal loop that re-arms
// registrations before they lapse.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/happybigocean/attentify-ingestion/internal/models"
)

// AccountStore is the persistence surface the manager needs.
// Implemented by account.Store.
type AccountStore interface {
	ListConnected(ctx context.Context) ([]*models.Account, error)
	ListWatchExpiring(ctx context.Context, buffer time.Duration) ([]*models.Account, error)
	SaveWatchExpiry(ctx context.Context, accountID string, expiresAt time.Time) error
}

// Credentials exchanges a stored account for a live access token.
// Implemented by token.Refresher.
type Credentials interface {
	Obtain(ctx context.Context, acct *models.Account) (*oauth2.Token, error)
}

// Provider registers and removes mailbox watches.
// Implemented by gmail.Client.
type Provider interface {
	Watch(ctx context.Context, tok *oauth2.Token, topic string) (cursor string, expiry time.Time, err error)
	StopWatch(ctx context.Context, tok *oauth2.Token) error
}

// Manager keeps watch registrations alive for all connected accounts.
type Manager struct {
	store       AccountStore
	creds       Credentials
	provider    Provider
	topic       string
	renewBuffer time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the manager's collaborators and settings.
type Config struct {
	Store       AccountStore
	Credentials Credentials
	Provider    Provider
	Topic       string
	RenewBuffer time.Duration
}

// New creates a watch manager. A non-positive renew buffer defaults
// to 24 hours.
func New(cfg Config) *Manager {
	buffer := cfg.RenewBuffer
	if buffer <= 0 {
		buffer = 24 * time.Hour
	}
	return &Manager{
		store:       cfg.Store,
		creds:       cfg.Credentials,
		provider:    cfg.Provider,
		topic:       cfg.Topic,
		renewBuffer: buffer,
	}
}

// Start registers watches for all connected accounts and launches the
// renewal loop. Registration failures are logged per account so one bad
// mailbox cannot block startup.
func (m *Manager) Start(ctx context.Context) error {
	accounts, err := m.store.ListConnected(ctx)
	if err != nil {
		return fmt.Errorf("list accounts for watch setup: %w", err)
	}

	slog.Info("ensuring mailbox watches", "accounts", len(accounts))

	for _, acct := range accounts {
		if err := m.Register(ctx, acct); err != nil {
			slog.Error("failed to register watch",
				"account", acct.Email,
				"error", err,
			)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.renewalLoop(loopCtx)

	slog.Info("watch manager started",
		"renewal_interval", m.renewalInterval(),
	)
	return nil
}

// Stop shuts down the renewal loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("watch manager stopped")
}

// Register arms (or re-arms) the watch for one account. Gmail replaces any
// previous registration on the same mailbox, so calling this repeatedly
// is safe.
func (m *Manager) Register(ctx context.Context, acct *models.Account) error {
	tok, err := m.creds.Obtain(ctx, acct)
	if err != nil {
		return fmt.Errorf("obtain token for %s: %w", acct.Email, err)
	}

	_, expiry, err := m.provider.Watch(ctx, tok, m.topic)
	if err != nil {
		return fmt.Errorf("register watch for %s: %w", acct.Email, err)
	}

	if err := m.store.SaveWatchExpiry(ctx, acct.ID, expiry); err != nil {
		return fmt.Errorf("persist watch expiry for %s: %w", acct.Email, err)
	}

	slog.Info("mailbox watch registered",
		"account", acct.Email,
		"expires_at", expiry,
	)
	return nil
}

// Deregister removes the watch for an account, best-effort. Used when an
// account is unlinked; a failure here only means Google keeps sending
// notifications until the registration lapses on its own.
func (m *Manager) Deregister(ctx context.Context, acct *models.Account) {
	tok, err := m.creds.Obtain(ctx, acct)
	if err != nil {
		slog.Warn("could not obtain token to remove watch",
			"account", acct.Email,
			"error", err,
		)
		return
	}
	if err := m.provider.StopWatch(ctx, tok); err != nil {
		slog.Warn("failed to remove mailbox watch",
			"account", acct.Email,
			"error", err,
		)
		return
	}
	slog.Info("mailbox watch removed", "account", acct.Email)
}

// renewalLoop periodically re-arms watches that are close to expiry.
func (m *Manager) renewalLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.renewalInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewExpiring(ctx)
		}
	}
}

func (m *Manager) renewalInterval() time.Duration {
	interval := m.renewBuffer / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

// renewExpiring re-registers every account whose watch expires within the
// renew buffer.
func (m *Manager) renewExpiring(ctx context.Context) {
	accounts, err := m.store.ListWatchExpiring(ctx, m.renewBuffer)
	if err != nil {
		slog.Error("failed to list expiring watches", "error", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	slog.Info("renewing expiring watches", "count", len(accounts))

	for _, acct := range accounts {
		if err := m.Register(ctx, acct); err != nil {
			slog.Error("watch renewal failed",
				"account", acct.Email,
				"error", err,
			)
		}
	}
}
