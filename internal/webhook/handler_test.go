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

package webhook

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/happybigocean/attentify-ingestion/internal/models"
)

// mockAccounts implements AccountSource.
type mockAccounts struct {
	accounts map[string]*models.Account
	err      error
}

func (m *mockAccounts) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.accounts[email], nil
}

// mockSyncer implements Syncer and records which accounts were synced.
type mockSyncer struct {
	mu     sync.Mutex
	synced []string
	done   chan struct{}
}

func newMockSyncer() *mockSyncer {
	return &mockSyncer{done: make(chan struct{}, 8)}
}

func (m *mockSyncer) Sync(_ context.Context, acct *models.Account) error {
	m.mu.Lock()
	m.synced = append(m.synced, acct.Email)
	m.mu.Unlock()
	m.done <- struct{}{}
	return nil
}

func (m *mockSyncer) syncedAccounts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.synced...)
}

func pushBody(email string, historyID uint64) string {
	data := base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf(`{"emailAddress":%q,"historyId":%d}`, email, historyID)))
	return fmt.Sprintf(`{"message":{"data":%q,"messageId":"pub-1"},"subscription":"sub-1"}`, data)
}

// TestServeNotify_TriggersSync verifies the full path: decode, account
// lookup, 202, background sync.
func TestServeNotify_TriggersSync(t *testing.T) {
	accounts := &mockAccounts{accounts: map[string]*models.Account{
		"user@example.com": {ID: "acct-1", Email: "user@example.com", Status: models.StatusConnected},
	}}
	syncer := newMockSyncer()
	h := NewHandler(accounts, syncer)

	req := httptest.NewRequest(http.MethodPost, "/ingest/notify",
		strings.NewReader(pushBody("user@example.com", 12345)))
	rec := httptest.NewRecorder()
	h.ServeNotify(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}

	select {
	case <-syncer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("background sync did not run")
	}

	if got := syncer.syncedAccounts(); len(got) != 1 || got[0] != "user@example.com" {
		t.Errorf("synced = %v, want [user@example.com]", got)
	}
}

// TestServeNotify_GarbageIsAcked verifies that undecodable payloads are
// acknowledged so Pub/Sub stops redelivering them.
func TestServeNotify_GarbageIsAcked(t *testing.T) {
	syncer := newMockSyncer()
	h := NewHandler(&mockAccounts{}, syncer)

	for _, body := range []string{
		"not json at all",
		`{"message":{}}`,
		`{"message":{"data":"!!!"}}`,
		`{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte(`{"historyId":5}`)) + `"}}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/ingest/notify", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeNotify(rec, req)

		if rec.Code < 200 || rec.Code > 299 {
			t.Errorf("body %q: status = %d, want 2xx", body, rec.Code)
		}
	}

	if got := syncer.syncedAccounts(); len(got) != 0 {
		t.Errorf("synced = %v, want none", got)
	}
}

// TestServeNotify_UnknownAccountAcked verifies notifications for mailboxes
// we don't track are acknowledged without syncing.
func TestServeNotify_UnknownAccountAcked(t *testing.T) {
	syncer := newMockSyncer()
	h := NewHandler(&mockAccounts{accounts: map[string]*models.Account{}}, syncer)

	req := httptest.NewRequest(http.MethodPost, "/ingest/notify",
		strings.NewReader(pushBody("stranger@example.com", 7)))
	rec := httptest.NewRecorder()
	h.ServeNotify(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := syncer.syncedAccounts(); len(got) != 0 {
		t.Errorf("synced = %v, want none", got)
	}
}

// TestServeNotify_DisconnectedAccountSkipped verifies revoked accounts do
// not trigger syncs.
func TestServeNotify_DisconnectedAccountSkipped(t *testing.T) {
	accounts := &mockAccounts{accounts: map[string]*models.Account{
		"user@example.com": {ID: "acct-1", Email: "user@example.com", Status: models.StatusRevoked},
	}}
	syncer := newMockSyncer()
	h := NewHandler(accounts, syncer)

	req := httptest.NewRequest(http.MethodPost, "/ingest/notify",
		strings.NewReader(pushBody("user@example.com", 7)))
	rec := httptest.NewRecorder()
	h.ServeNotify(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := syncer.syncedAccounts(); len(got) != 0 {
		t.Errorf("synced = %v, want none", got)
	}
}

// TestServeNotify_LookupErrorAcked verifies a store outage acks rather than
// triggering redelivery storms.
func TestServeNotify_LookupErrorAcked(t *testing.T) {
	accounts := &mockAccounts{err: fmt.Errorf("connection refused")}
	syncer := newMockSyncer()
	h := NewHandler(accounts, syncer)

	req := httptest.NewRequest(http.MethodPost, "/ingest/notify",
		strings.NewReader(pushBody("user@example.com", 7)))
	rec := httptest.NewRecorder()
	h.ServeNotify(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

// TestServeNotify_NonPostRejected verifies non-POST requests get a visible
// 405 instead of a silent ack.
func TestServeNotify_NonPostRejected(t *testing.T) {
	syncer := newMockSyncer()
	h := NewHandler(&mockAccounts{}, syncer)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/ingest/notify", nil)
		rec := httptest.NewRecorder()
		h.ServeNotify(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want 405", method, rec.Code)
		}
	}
	if got := syncer.syncedAccounts(); len(got) != 0 {
		t.Errorf("synced = %v, want none", got)
	}
}

// TestDecodeNotification verifies envelope unwrapping.
func TestDecodeNotification(t *testing.T) {
	n, err := decodeNotification([]byte(pushBody("user@example.com", 99)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.EmailAddress != "user@example.com" {
		t.Errorf("EmailAddress = %q", n.EmailAddress)
	}
	if n.HistoryID != 99 {
		t.Errorf("HistoryID = %d, want 99", n.HistoryID)
	}
}
