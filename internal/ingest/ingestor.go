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

// Package ingest runs the mailbox synchronisation pipeline: list message ids
// added since the account's cursor, fetch and normalize each one, reconcile
// it into its conversation thread, and finally advance the cursor.
//
// The pipeline is idempotent under redelivery and safe under concurrent
// execution for the same account: thread appends are guarded by a store
// unique index and the cursor moves by compare-and-set, so interleaved push
// and sweep syncs converge without any per-account locking.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/happybigocean/attentify-ingestion/internal/gmail"
	"github.com/happybigocean/attentify-ingestion/internal/models"
	"github.com/happybigocean/attentify-ingestion/internal/normalize"
	"github.com/happybigocean/attentify-ingestion/internal/thread"
	"github.com/happybigocean/attentify-ingestion/internal/token"
)

// CursorStore is the slice of the account store the pipeline needs.
// Implemented by account.Store.
type CursorStore interface {
	AdvanceCursor(ctx context.Context, accountID, from, to string) (bool, error)
}

// ThreadStore reconciles normalized entries into threads.
// Implemented by thread.Store.
type ThreadStore interface {
	UpsertAppend(ctx context.Context, accountID, threadKey string, e models.ChatEntry) (thread.UpsertResult, error)
}

// Credentials obtains a valid access token for an account.
// Implemented by token.Refresher.
type Credentials interface {
	Obtain(ctx context.Context, acct *models.Account) (*oauth2.Token, error)
}

// Provider is the incremental-sync surface of the mail provider.
// Implemented by gmail.Client.
type Provider interface {
	ListChangesSince(ctx context.Context, tok *oauth2.Token, cursor string) ([]string, string, error)
	GetMessage(ctx context.Context, tok *oauth2.Token, id string) (*gmailapi.Message, error)
	ListRecent(ctx context.Context, tok *oauth2.Token, max int64) ([]string, error)
	CurrentCursor(ctx context.Context, tok *oauth2.Token) (string, error)
}

// SeenFilter is the advisory dedup fast path, scoped per account because
// provider message ids are only unique within one mailbox. Implemented by
// dedup.Filter; may be nil, in which case every id goes to the store.
type SeenFilter interface {
	Seen(ctx context.Context, accountID, messageID string) (bool, error)
	MarkSeen(ctx context.Context, accountID, messageID string) error
}

// Publisher fans out events to downstream listeners. Implemented by
// fanout.Publisher; may be nil.
type Publisher interface {
	PublishThreadUpdated(ctx context.Context, ev models.ThreadUpdatedEvent) error
	PublishAccountDisconnected(ctx context.Context, accountID, email string) error
}

// Ingestor drives the fetch→normalize→reconcile→advance pipeline.
type Ingestor struct {
	accounts     CursorStore
	threads      ThreadStore
	creds        Credentials
	provider     Provider
	seen         SeenFilter
	fanout       Publisher
	fetchTimeout time.Duration
	resyncWindow int64
}

// Config holds the dependencies and tuning for an Ingestor.
type Config struct {
	Accounts     CursorStore
	Threads      ThreadStore
	Credentials  Credentials
	Provider     Provider
	Seen         SeenFilter
	Fanout       Publisher
	FetchTimeout time.Duration
	ResyncWindow int64
}

// New creates an ingestor.
func New(cfg Config) *Ingestor {
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout == 0 {
		fetchTimeout = 30 * time.Second
	}
	resyncWindow := cfg.ResyncWindow
	if resyncWindow == 0 {
		resyncWindow = 100
	}
	return &Ingestor{
		accounts:     cfg.Accounts,
		threads:      cfg.Threads,
		creds:        cfg.Credentials,
		provider:     cfg.Provider,
		seen:         cfg.Seen,
		fanout:       cfg.Fanout,
		fetchTimeout: fetchTimeout,
		resyncWindow: resyncWindow,
	}
}

// Sync brings one account up to date with its mailbox. Safe to call
// concurrently for the same account and safe to call redundantly: duplicate
// deliveries reconcile to no-ops and the cursor only ever moves forward.
//
// A revoked credential is terminal: the account has already been marked
// revoked by the refresher, a disconnect event is published, and the error
// wraps token.ErrRevoked so callers stop retrying. Every other error is
// transient; the periodic sweep retries naturally.
func (in *Ingestor) Sync(ctx context.Context, acct *models.Account) error {
	tok, err := in.creds.Obtain(ctx, acct)
	if err != nil {
		if errors.Is(err, token.ErrRevoked) {
			in.publishDisconnected(ctx, acct)
			return err
		}
		return fmt.Errorf("obtain credential: %w", err)
	}

	// A freshly linked account has no cursor yet. Adopt the mailbox's
	// current position without ingesting history; seeding backlog is the
	// backfill command's job, not the push path's.
	if acct.Cursor == "" {
		return in.seedCursor(ctx, acct, tok)
	}

	from := acct.Cursor
	ids, newCursor, err := in.provider.ListChangesSince(ctx, tok, from)
	if err != nil {
		if errors.Is(err, gmail.ErrCursorExpired) {
			slog.Warn("history cursor expired, falling back to full resync",
				"account", acct.Email,
				"cursor", from,
			)
			return in.Resync(ctx, acct, tok)
		}
		return fmt.Errorf("list changes for %s: %w", acct.Email, err)
	}

	committed, failed := in.ingestBatch(ctx, acct, tok, ids)

	if failed > 0 {
		// Cursor stays put so the next run re-fetches exactly the
		// unprocessed remainder; committed entries resolve as duplicates.
		return fmt.Errorf("sync %s: %d of %d messages failed, cursor held at %s",
			acct.Email, failed, len(ids), from)
	}

	if err := in.advance(ctx, acct, from, newCursor); err != nil {
		return err
	}

	if committed > 0 {
		slog.Info("mailbox synced",
			"account", acct.Email,
			"new_entries", committed,
			"cursor", newCursor,
		)
	}
	return nil
}

// Resync is the full-resynchronisation fallback for an expired cursor: the
// most recent messages are listed unconditionally and reconciled, with
// already-committed entries dropping out as duplicates. The target cursor is
// read before listing so anything arriving during the resync is re-covered
// by the next incremental sync.
func (in *Ingestor) Resync(ctx context.Context, acct *models.Account, tok *oauth2.Token) error {
	target, err := in.provider.CurrentCursor(ctx, tok)
	if err != nil {
		return fmt.Errorf("resync %s: current cursor: %w", acct.Email, err)
	}

	ids, err := in.provider.ListRecent(ctx, tok, in.resyncWindow)
	if err != nil {
		return fmt.Errorf("resync %s: list recent: %w", acct.Email, err)
	}

	committed, failed := in.ingestBatch(ctx, acct, tok, ids)
	if failed > 0 {
		return fmt.Errorf("resync %s: %d of %d messages failed, cursor held",
			acct.Email, failed, len(ids))
	}

	if err := in.advance(ctx, acct, acct.Cursor, target); err != nil {
		return err
	}

	slog.Info("full resync complete",
		"account", acct.Email,
		"messages", len(ids),
		"new_entries", committed,
		"cursor", target,
	)
	return nil
}

// ingestBatch processes a batch of message ids, isolating per-message
// failures. Returns how many entries were newly committed and how many
// messages failed.
func (in *Ingestor) ingestBatch(ctx context.Context, acct *models.Account, tok *oauth2.Token, ids []string) (committed, failed int) {
	for _, id := range ids {
		if in.seen != nil {
			if ok, err := in.seen.Seen(ctx, acct.ID, id); err != nil {
				slog.Warn("dedup check failed, proceeding to store", "error", err)
			} else if ok {
				continue
			}
		}

		fresh, err := in.ingestMessage(ctx, acct, tok, id)
		if err != nil {
			failed++
			slog.Warn("message ingestion failed",
				"account", acct.Email,
				"message_id", id,
				"error", err,
			)
			continue
		}
		if fresh {
			committed++
		}
	}
	return committed, failed
}

// ingestMessage fetches, normalizes, and reconciles a single message.
// Returns true when a new entry was committed (as opposed to a duplicate or
// an upstream deletion).
func (in *Ingestor) ingestMessage(ctx context.Context, acct *models.Account, tok *oauth2.Token, id string) (bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, in.fetchTimeout)
	defer cancel()

	msg, err := in.provider.GetMessage(fetchCtx, tok, id)
	if err != nil {
		return false, err
	}
	if msg == nil {
		// Deleted upstream between listing and fetch; nothing to store.
		return false, nil
	}

	entry := normalize.Entry(msg)
	threadKey := normalize.ThreadKey(msg)

	res, err := in.threads.UpsertAppend(ctx, acct.ID, threadKey, entry)
	if err != nil {
		return false, fmt.Errorf("reconcile thread %s: %w", threadKey, err)
	}

	// Mark seen only after the commit; marking earlier would let a crash
	// strand an uncommitted message behind the fast path.
	if in.seen != nil {
		if err := in.seen.MarkSeen(ctx, acct.ID, id); err != nil {
			slog.Warn("failed to mark message seen", "message_id", id, "error", err)
		}
	}

	if res.Duplicate {
		slog.Debug("duplicate delivery skipped",
			"account", acct.Email,
			"message_id", id,
			"thread_key", threadKey,
		)
		return false, nil
	}

	if in.fanout != nil {
		ev := models.ThreadUpdatedEvent{
			AccountID:         acct.ID,
			Email:             acct.Email,
			ThreadKey:         threadKey,
			Title:             entry.Title,
			Created:           res.Created,
			ProviderMessageID: entry.ProviderMessageID,
			OccurredAt:        time.Now().UTC(),
		}
		if err := in.fanout.PublishThreadUpdated(ctx, ev); err != nil {
			// Fan-out is fire-and-forget; never fail ingestion over it.
			slog.Error("thread update fan-out failed",
				"account", acct.Email,
				"thread_key", threadKey,
				"error", err,
			)
		}
	}

	return true, nil
}

// seedCursor adopts the mailbox's current position for an account that has
// never synced.
func (in *Ingestor) seedCursor(ctx context.Context, acct *models.Account, tok *oauth2.Token) error {
	cur, err := in.provider.CurrentCursor(ctx, tok)
	if err != nil {
		return fmt.Errorf("seed cursor for %s: %w", acct.Email, err)
	}
	if err := in.advance(ctx, acct, "", cur); err != nil {
		return err
	}
	slog.Info("cursor seeded", "account", acct.Email, "cursor", cur)
	return nil
}

// advance moves the cursor by compare-and-set and mirrors the result into
// the in-memory account. A lost race means another worker already advanced
// past us, which is fine: its batch covered ours.
func (in *Ingestor) advance(ctx context.Context, acct *models.Account, from, to string) error {
	if to == from {
		return nil
	}
	ok, err := in.accounts.AdvanceCursor(ctx, acct.ID, from, to)
	if err != nil {
		return fmt.Errorf("advance cursor for %s: %w", acct.Email, err)
	}
	if !ok {
		slog.Debug("cursor advanced concurrently",
			"account", acct.Email,
			"from", from,
			"to", to,
		)
		return nil
	}
	acct.Cursor = to
	return nil
}

func (in *Ingestor) publishDisconnected(ctx context.Context, acct *models.Account) {
	if in.fanout == nil {
		return
	}
	if err := in.fanout.PublishAccountDisconnected(ctx, acct.ID, acct.Email); err != nil {
		slog.Error("disconnect fan-out failed", "account", acct.Email, "error", err)
	}
}
