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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// Account status values.
const (
	StatusConnected = "connected"
	StatusError     = "error"
	StatusRevoked   = "revoked"
)

// Thread status values. Transitions beyond "open" are operator-driven and
// written by the ticketing backend, not by ingestion.
const (
	ThreadOpen     = "open"
	ThreadPending  = "pending"
	ThreadResolved = "resolved"
	ThreadClosed   = "closed"
)

// Account is one connected mailbox: its credentials, the last processed
// history cursor, and the connection status. Created when a user links a
// mailbox via OAuth; the cursor is advanced only after a fetched batch has
// been durably reconciled.
type Account struct {
	ID           string
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	Scope        string

	// Cursor is the Gmail historyId of the last fully committed batch.
	// Opaque everywhere except cursor advancement, which compares it
	// numerically to keep it monotonic.
	Cursor string

	Status         string
	WatchExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ChatEntry is one normalized inbound communication unit inside a thread.
// Immutable once created; deduplicated by ProviderMessageID within a thread.
type ChatEntry struct {
	ProviderMessageID string    `json:"provider_message_id"`
	Sender            string    `json:"sender"`
	Recipient         string    `json:"recipient"`
	Body              string    `json:"body"`
	ContentType       string    `json:"content_type"` // "html" or "text"
	Title             string    `json:"title"`
	SentAt            time.Time `json:"sent_at"`
	Channel           string    `json:"channel"`
}

// Thread is the conversation unit a support agent works with. Entries are
// append-only in arrival order, which is not necessarily provider timestamp
// order. AISummary, Tags and ResolvedByAI are written by the ticketing
// backend and carried here for the UI.
type Thread struct {
	ID           int64
	AccountID    string
	ThreadKey    string
	Title        string
	Participants []string
	Channel      string
	Status       string
	StartedAt    time.Time
	LastUpdated  time.Time
	AISummary    *string
	Tags         []string
	ResolvedByAI bool
}

// ThreadUpdatedEvent is published to the fan-out queue whenever a thread is
// created or a new entry is appended. Consumers (UI notifications, AI
// summarizer) are outside this service.
type ThreadUpdatedEvent struct {
	AccountID         string    `json:"account_id"`
	Email             string    `json:"email"`
	ThreadKey         string    `json:"thread_key"`
	Title             string    `json:"title"`
	Created           bool      `json:"created"`
	ProviderMessageID string    `json:"provider_message_id"`
	OccurredAt        time.Time `json:"occurred_at"`
}
