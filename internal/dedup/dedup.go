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

// Package dedup provides an advisory seen-message filter backed by Redis.
// It is a fast path that saves fetching messages the pipeline has already
// committed; the authoritative dedup guarantee lives in the thread store's
// unique index. Messages are marked seen only AFTER a successful commit, so
// a crash between check and commit can never lose an entry — at worst a
// retry re-fetches and the store resolves it as a duplicate.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a committed message id is remembered. Gmail
	// redelivers notifications within minutes, not days, so 24h is ample.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "attentify:seen:"
)

// Filter tracks which provider message ids have already been committed.
// Keys are scoped per account: Gmail message ids are unique within one
// mailbox only, so two accounts can legitimately carry the same id and
// each must commit its own copy.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// Seen reports whether the message id has been committed before for this
// account. Read-only: it never marks anything.
func (f *Filter) Seen(ctx context.Context, accountID, messageID string) (bool, error) {
	n, err := f.rdb.Exists(ctx, key(accountID, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup EXISTS: %w", err)
	}
	return n > 0, nil
}

// MarkSeen records a message id after its entry has been durably committed
// for this account.
func (f *Filter) MarkSeen(ctx context.Context, accountID, messageID string) error {
	if err := f.rdb.Set(ctx, key(accountID, messageID), 1, f.ttl).Err(); err != nil {
		return fmt.Errorf("dedup SET: %w", err)
	}
	return nil
}

func key(accountID, messageID string) string {
	return keyPrefix + accountID + ":" + messageID
}
