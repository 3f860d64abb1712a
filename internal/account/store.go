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

// Package account provides a Postgres-backed store for connected mailbox
// accounts: credentials, the per-account history cursor, and connection
// status. Cursor advancement is compare-and-set so concurrent ingestion
// attempts for the same mailbox never move the cursor backwards or past
// an uncommitted batch.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/happybigocean/attentify-ingestion/internal/models"
)

// Store provides CRUD operations for mailbox accounts in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an account store backed by the given Postgres pool.
// It ensures the accounts table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure account schema: %w", err)
	}
	slog.Info("account store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL DEFAULT '',
			email            TEXT NOT NULL UNIQUE,
			access_token     TEXT NOT NULL DEFAULT '',
			refresh_token    TEXT NOT NULL DEFAULT '',
			token_expiry     TIMESTAMPTZ,
			scope            TEXT NOT NULL DEFAULT '',
			cursor           TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'connected',
			watch_expires_at TIMESTAMPTZ,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);
		CREATE INDEX IF NOT EXISTS idx_accounts_watch_expires ON accounts(watch_expires_at);
	`)
	return err
}

// Create inserts a new account, generating an id. Called by the OAuth
// linking collaborator once tokens have been exchanged.
func (s *Store) Create(ctx context.Context, a models.Account) (string, error) {
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := a.Status
	if status == "" {
		status = models.StatusConnected
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts
			(id, user_id, email, access_token, refresh_token, token_expiry, scope, cursor, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, a.UserID, a.Email, a.AccessToken, a.RefreshToken, nullableTime(a.TokenExpiry), a.Scope, a.Cursor, status)
	if err != nil {
		return "", fmt.Errorf("insert account: %w", err)
	}
	return id, nil
}

// GetByEmail retrieves the account for a mailbox address. Returns nil if
// no account is linked for that address.
func (s *Store) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, selectAccount+` WHERE email = $1`, email)
	return scanAccount(row)
}

// GetByID retrieves a single account by id.
func (s *Store) GetByID(ctx context.Context, id string) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, selectAccount+` WHERE id = $1`, id)
	return scanAccount(row)
}

// ListConnected returns every account with status=connected, ordered by email.
func (s *Store) ListConnected(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.pool.Query(ctx, selectAccount+` WHERE status = $1 ORDER BY email`, models.StatusConnected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListWatchExpiring returns connected accounts whose push watch expires
// within the given buffer, or has no recorded expiry at all.
func (s *Store) ListWatchExpiring(ctx context.Context, buffer time.Duration) ([]*models.Account, error) {
	rows, err := s.pool.Query(ctx, selectAccount+`
		WHERE status = $1
		  AND (watch_expires_at IS NULL OR watch_expires_at < NOW() + $2::interval)
		ORDER BY watch_expires_at NULLS FIRST
	`, models.StatusConnected, fmt.Sprintf("%d seconds", int(buffer.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// AdvanceCursor moves the account cursor from one value to another using
// compare-and-set. Returns false (without error) when the stored cursor no
// longer matches from — another worker already advanced it — or when the
// move would not be a numeric advance. The caller must re-read and re-fetch
// on false if it still believes there is work to do.
func (s *Store) AdvanceCursor(ctx context.Context, accountID, from, to string) (bool, error) {
	if to == "" {
		return false, fmt.Errorf("advance cursor: empty target cursor")
	}
	if from != "" {
		fromN, err1 := strconv.ParseUint(from, 10, 64)
		toN, err2 := strconv.ParseUint(to, 10, 64)
		if err1 == nil && err2 == nil && toN <= fromN {
			// Cursor never decreases; equal means nothing to do.
			return false, nil
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET cursor = $1, updated_at = NOW()
		WHERE id = $2 AND cursor = $3
	`, to, accountID, from)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkStatus sets the connection status of an account.
func (s *Store) MarkStatus(ctx context.Context, accountID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, accountID)
	return err
}

// SaveCredentials stores a refreshed credential bundle. The refresh token is
// only overwritten when the provider issued a new one.
func (s *Store) SaveCredentials(ctx context.Context, accountID, accessToken, refreshToken string, expiry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET access_token  = $1,
		    refresh_token = CASE WHEN $2 = '' THEN refresh_token ELSE $2 END,
		    token_expiry  = $3,
		    updated_at    = NOW()
		WHERE id = $4
	`, accessToken, refreshToken, nullableTime(expiry), accountID)
	return err
}

// SaveWatchExpiry records when the account's push watch lapses.
func (s *Store) SaveWatchExpiry(ctx context.Context, accountID string, expiry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET watch_expires_at = $1, updated_at = NOW()
		WHERE id = $2
	`, expiry, accountID)
	return err
}

// Delete removes an account. Threads are owned by the ticketing backend and
// survive; the caller is responsible for best-effort watch deregistration.
func (s *Store) Delete(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, accountID)
	return err
}

const selectAccount = `
	SELECT id, user_id, email, access_token, refresh_token, token_expiry,
	       scope, cursor, status, watch_expires_at, created_at, updated_at
	FROM accounts`

// scanAccount scans a single row into an Account.
func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var tokenExpiry *time.Time
	err := row.Scan(
		&a.ID, &a.UserID, &a.Email, &a.AccessToken, &a.RefreshToken, &tokenExpiry,
		&a.Scope, &a.Cursor, &a.Status, &a.WatchExpiresAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if tokenExpiry != nil {
		a.TokenExpiry = *tokenExpiry
	}
	return &a, nil
}

// collectAccounts scans multiple rows into a slice of Accounts.
func collectAccounts(rows pgx.Rows) ([]*models.Account, error) {
	var accounts []*models.Account
	for rows.Next() {
		a := &models.Account{}
		var tokenExpiry *time.Time
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.Email, &a.AccessToken, &a.RefreshToken, &tokenExpiry,
			&a.Scope, &a.Cursor, &a.Status, &a.WatchExpiresAt, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if tokenExpiry != nil {
			a.TokenExpiry = *tokenExpiry
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
