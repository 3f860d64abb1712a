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

// Package fanout publishes thread-update events to Redis for downstream
// listeners (UI notifications, the AI summarizer). Publishing is
// fire-and-forget from the pipeline's point of view: failures are logged by
// the caller and never block or fail ingestion.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/happybigocean/attentify-ingestion/internal/models"
)

// Event types understood by downstream consumers.
const (
	TypeThreadUpdated       = "thread.updated"
	TypeAccountDisconnected = "account.disconnected"
)

// envelope is the wire format pushed onto the events queue.
type envelope struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// Publisher sends events to a Redis list consumed by the ticketing backend.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// PublishThreadUpdated announces that a thread was created or appended to.
func (p *Publisher) PublishThreadUpdated(ctx context.Context, ev models.ThreadUpdatedEvent) error {
	return p.publish(ctx, TypeThreadUpdated, ev)
}

// PublishAccountDisconnected announces that an account's credentials were
// revoked and the mailbox needs re-authorization.
func (p *Publisher) PublishAccountDisconnected(ctx context.Context, accountID, email string) error {
	return p.publish(ctx, TypeAccountDisconnected, map[string]string{
		"account_id": accountID,
		"email":      email,
	})
}

func (p *Publisher) publish(ctx context.Context, eventType string, payload interface{}) error {
	ev := envelope{
		ID:         uuid.New().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, data).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published event",
		"event_id", ev.ID,
		"type", eventType,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
