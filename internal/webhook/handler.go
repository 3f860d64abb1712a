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

// Package webhook receives Gmail push notifications. When a watched mailbox
// changes, Google Pub/Sub POSTs an envelope whose data field is a
// base64-encoded {emailAddress, historyId} pair. The handler acknowledges
// immediately and triggers an incremental sync in the background.
//
// Everything is acknowledged with 2xx, including garbage: a non-2xx tells
// Pub/Sub to redeliver, and a payload that failed to decode once will fail
// forever — redelivery storms help nobody. Decode failures are logged
// loudly instead. Dropping a notification is safe because the periodic
// sweep converges the account anyway.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/happybigocean/attentify-ingestion/internal/models"
)

// pushEnvelope is the Pub/Sub push wrapper. The Data field is base64 in
// transit; encoding/json decodes it transparently.
type pushEnvelope struct {
	Message struct {
		Data        []byte `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// changeNotification is the Gmail payload inside the envelope.
type changeNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// AccountSource looks up the account for a notified mailbox.
// Implemented by account.Store.
type AccountSource interface {
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
}

// Syncer runs the ingestion pipeline for one account.
// Implemented by ingest.Ingestor.
type Syncer interface {
	Sync(ctx context.Context, acct *models.Account) error
}

// Handler processes Gmail change notifications.
type Handler struct {
	accounts AccountSource
	syncer   Syncer
}

// NewHandler creates a change notification handler.
func NewHandler(accounts AccountSource, syncer Syncer) *Handler {
	return &Handler{
		accounts: accounts,
		syncer:   syncer,
	}
}

// ServeNotify handles POST /ingest/notify.
//
// The response is committed before any heavy work: Pub/Sub expects a fast
// 2xx and interprets anything else as "retry me". Actual fetching and
// reconciliation run in a background goroutine; redelivered or overlapping
// notifications are harmless because the sync itself is idempotent.
func (h *Handler) ServeNotify(w http.ResponseWriter, r *http.Request) {
	// Pub/Sub only POSTs; anything else is a misconfigured caller and
	// deserves a visible error rather than a silent ack.
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("failed to read notification body", "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	n, err := decodeNotification(body)
	if err != nil {
		slog.Error("undecodable push notification — acknowledging to stop redelivery",
			"error", err,
			"body_len", len(body),
		)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	acct, err := h.accounts.GetByEmail(r.Context(), n.EmailAddress)
	if err != nil {
		slog.Error("account lookup failed",
			"mailbox", n.EmailAddress,
			"error", err,
		)
		// Ack anyway — the sweep will catch up once the store recovers.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if acct == nil {
		slog.Warn("notification for unknown mailbox", "mailbox", n.EmailAddress)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if acct.Status != models.StatusConnected {
		slog.Info("notification for disconnected account skipped",
			"mailbox", n.EmailAddress,
			"status", acct.Status,
		)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	slog.Info("change notification received",
		"mailbox", n.EmailAddress,
		"history_id", n.HistoryID,
	)

	w.WriteHeader(http.StatusAccepted)

	// Detach from the request context: the sync outlives the HTTP exchange.
	go h.process(context.Background(), acct)
}

// process runs the sync for one notification.
func (h *Handler) process(ctx context.Context, acct *models.Account) {
	if err := h.syncer.Sync(ctx, acct); err != nil {
		slog.Error("notification-triggered sync failed",
			"account", acct.Email,
			"error", err,
		)
	}
}

// decodeNotification unwraps the Pub/Sub envelope and its Gmail payload.
func decodeNotification(body []byte) (*changeNotification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode push envelope: %w", err)
	}
	if len(env.Message.Data) == 0 {
		return nil, fmt.Errorf("push envelope has no data")
	}

	var n changeNotification
	if err := json.Unmarshal(env.Message.Data, &n); err != nil {
		return nil, fmt.Errorf("decode change notification: %w", err)
	}
	if n.EmailAddress == "" {
		return nil, fmt.Errorf("change notification has no mailbox address")
	}
	return &n, nil
}

// Serve starts the webhook HTTP server on the given port. It binds the port
// immediately and signals readiness via the returned channel before starting
// to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest/notify", handler.ServeNotify)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
