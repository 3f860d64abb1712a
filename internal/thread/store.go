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

// Package thread provides a Postgres-backed store for conversation threads
// and their entries. The append path is a single transaction guarded by a
// unique index on (thread_id, provider_message_id), which makes duplicate
// deliveries no-ops regardless of how many workers race on the same batch.
package thread

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/happybigocean/attentify-ingestion/internal/models"
)

// UpsertResult reports what a reconcile attempt did.
type UpsertResult struct {
	Created   bool // a new thread was created, seeded with the entry
	Appended  bool // the entry was appended to an existing thread
	Duplicate bool // the entry's provider message id was already present
}

// Store provides thread persistence in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a thread store backed by the given Postgres pool.
// It ensures the threads and thread_entries tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure thread schema: %w", err)
	}
	slog.Info("thread store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS threads (
			id             BIGSERIAL PRIMARY KEY,
			account_id     TEXT NOT NULL,
			thread_key     TEXT NOT NULL,
			title          TEXT NOT NULL DEFAULT '',
			participants   TEXT[] NOT NULL DEFAULT '{}',
			channel        TEXT NOT NULL DEFAULT 'email',
			status         TEXT NOT NULL DEFAULT 'open',
			started_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_updated   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ai_summary     TEXT,
			tags           TEXT[] NOT NULL DEFAULT '{}',
			resolved_by_ai BOOLEAN NOT NULL DEFAULT FALSE,
			UNIQUE(account_id, thread_key)
		);
		CREATE TABLE IF NOT EXISTS thread_entries (
			id                  BIGSERIAL PRIMARY KEY,
			thread_id           BIGINT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			provider_message_id TEXT NOT NULL,
			sender              TEXT NOT NULL DEFAULT '',
			recipient           TEXT NOT NULL DEFAULT '',
			body                TEXT NOT NULL DEFAULT '',
			content_type        TEXT NOT NULL DEFAULT 'text',
			title               TEXT NOT NULL DEFAULT '',
			sent_at             TIMESTAMPTZ NOT NULL,
			channel             TEXT NOT NULL DEFAULT 'email',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(thread_id, provider_message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_threads_account ON threads(account_id);
		CREATE INDEX IF NOT EXISTS idx_threads_last_updated ON threads(last_updated);
		CREATE INDEX IF NOT EXISTS idx_entries_thread ON thread_entries(thread_id);
	`)
	return err
}

// UpsertAppend reconciles one normalized entry into the thread identified by
// (accountID, threadKey): create-if-absent, append-if-present, no-op on a
// duplicate provider message id. The whole sequence runs in one transaction
// so interleaved deliveries of the same notification cannot double-append.
func (s *Store) UpsertAppend(ctx context.Context, accountID, threadKey string, e models.ChatEntry) (UpsertResult, error) {
	var res UpsertResult

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback(ctx)

	participants := participantSet(e.Sender, e.Recipient)

	// Create-if-absent. ON CONFLICT DO NOTHING returns no row when the
	// thread already exists.
	var threadID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO threads (account_id, thread_key, title, participants, channel, status, started_at, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (account_id, thread_key) DO NOTHING
		RETURNING id
	`, accountID, threadKey, e.Title, participants, e.Channel, models.ThreadOpen, e.SentAt).Scan(&threadID)
	switch err {
	case nil:
		res.Created = true
	case pgx.ErrNoRows:
		if err := tx.QueryRow(ctx, `
			SELECT id FROM threads WHERE account_id = $1 AND thread_key = $2
		`, accountID, threadKey).Scan(&threadID); err != nil {
			return res, fmt.Errorf("look up thread: %w", err)
		}
	default:
		return res, fmt.Errorf("create thread: %w", err)
	}

	// Conditional append guarded by the dedup index.
	tag, err := tx.Exec(ctx, `
		INSERT INTO thread_entries
			(thread_id, provider_message_id, sender, recipient, body, content_type, title, sent_at, channel)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (thread_id, provider_message_id) DO NOTHING
	`, threadID, e.ProviderMessageID, e.Sender, e.Recipient, e.Body, e.ContentType, e.Title, e.SentAt, e.Channel)
	if err != nil {
		return res, fmt.Errorf("append entry: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Duplicate delivery — first write wins, nothing to update.
		res.Duplicate = true
		res.Created = false
		return res, tx.Commit(ctx)
	}

	if !res.Created {
		res.Appended = true
		// Union the participant set and refresh title/last_updated to the
		// latest entry's values.
		if _, err := tx.Exec(ctx, `
			UPDATE threads
			SET participants = ARRAY(SELECT DISTINCT p FROM unnest(participants || $1::text[]) AS p),
			    last_updated = GREATEST(last_updated, $2),
			    title        = CASE WHEN $3 = '' THEN title ELSE $3 END
			WHERE id = $4
		`, participants, e.SentAt, e.Title, threadID); err != nil {
			return res, fmt.Errorf("update thread metadata: %w", err)
		}
	}

	return res, tx.Commit(ctx)
}

// Get retrieves a thread by its natural key. Returns nil when absent.
// Read path for the ticketing backend, which resolves fan-out events
// (account id + thread key) into full threads for the agent UI.
func (s *Store) Get(ctx context.Context, accountID, threadKey string) (*models.Thread, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, thread_key, title, participants, channel, status,
		       started_at, last_updated, ai_summary, tags, resolved_by_ai
		FROM threads
		WHERE account_id = $1 AND thread_key = $2
	`, accountID, threadKey)

	var t models.Thread
	err := row.Scan(
		&t.ID, &t.AccountID, &t.ThreadKey, &t.Title, &t.Participants, &t.Channel,
		&t.Status, &t.StartedAt, &t.LastUpdated, &t.AISummary, &t.Tags, &t.ResolvedByAI,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Entries returns a thread's entries in arrival order. Like Get, consumed
// by the ticketing backend's conversation view rather than the pipeline.
func (s *Store) Entries(ctx context.Context, threadID int64) ([]models.ChatEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider_message_id, sender, recipient, body, content_type, title, sent_at, channel
		FROM thread_entries
		WHERE thread_id = $1
		ORDER BY id
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ChatEntry
	for rows.Next() {
		var e models.ChatEntry
		if err := rows.Scan(
			&e.ProviderMessageID, &e.Sender, &e.Recipient, &e.Body,
			&e.ContentType, &e.Title, &e.SentAt, &e.Channel,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// participantSet builds the deduplicated, non-empty participant list for a
// new entry.
func participantSet(addrs ...string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
