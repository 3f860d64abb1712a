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

package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

func testToken() *oauth2.Token {
	return &oauth2.Token{AccessToken: "test-token"}
}

func testClient(serverURL string) *Client {
	return NewClient(option.WithEndpoint(serverURL))
}

// TestListChangesSince_PagesAndDedups verifies paging and message id
// deduplication across history records.
func TestListChangesSince_PagesAndDedups(t *testing.T) {
	page := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch page {
		case 0:
			page++
			json.NewEncoder(w).Encode(map[string]interface{}{
				"history": []map[string]interface{}{
					{"messagesAdded": []map[string]interface{}{
						{"message": map[string]string{"id": "m1"}},
						{"message": map[string]string{"id": "m2"}},
					}},
				},
				"historyId":     "104",
				"nextPageToken": "page-2",
			})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"history": []map[string]interface{}{
					{"messagesAdded": []map[string]interface{}{
						{"message": map[string]string{"id": "m2"}}, // repeated
						{"message": map[string]string{"id": "m3"}},
					}},
				},
				"historyId": "107",
			})
		}
	}))
	defer server.Close()

	c := testClient(server.URL)
	ids, cursor, err := c.ListChangesSince(context.Background(), testToken(), "100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"m1", "m2", "m3"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
	if cursor != "107" {
		t.Errorf("cursor = %q, want 107", cursor)
	}
}

// TestListChangesSince_ExpiredCursor verifies 404 maps to ErrCursorExpired.
func TestListChangesSince_ExpiredCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404,"message":"Not Found"}}`, http.StatusNotFound)
	}))
	defer server.Close()

	c := testClient(server.URL)
	_, _, err := c.ListChangesSince(context.Background(), testToken(), "100")
	if !errors.Is(err, ErrCursorExpired) {
		t.Fatalf("error = %v, want ErrCursorExpired", err)
	}
}

// TestListChangesSince_BadCursor verifies a non-numeric cursor is rejected
// before any network call.
func TestListChangesSince_BadCursor(t *testing.T) {
	c := testClient("http://127.0.0.1:1")
	_, _, err := c.ListChangesSince(context.Background(), testToken(), "not-a-number")
	if err == nil {
		t.Fatal("expected error for non-numeric cursor")
	}
}

// TestGetMessage_DeletedUpstream verifies a 404 fetch returns nil, nil.
func TestGetMessage_DeletedUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404,"message":"Not Found"}}`, http.StatusNotFound)
	}))
	defer server.Close()

	c := testClient(server.URL)
	msg, err := c.GetMessage(context.Background(), testToken(), "gone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Errorf("msg = %+v, want nil", msg)
	}
}

// TestGetMessage_Success verifies a full message fetch.
func TestGetMessage_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":       "m1",
			"threadId": "th-1",
		})
	}))
	defer server.Close()

	c := testClient(server.URL)
	msg, err := c.GetMessage(context.Background(), testToken(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == nil || msg.Id != "m1" || msg.ThreadId != "th-1" {
		t.Errorf("msg = %+v", msg)
	}
}

// TestCurrentCursor verifies the profile history id becomes the cursor.
func TestCurrentCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"emailAddress": "user@example.com",
			"historyId":    "4321",
		})
	}))
	defer server.Close()

	c := testClient(server.URL)
	cursor, err := c.CurrentCursor(context.Background(), testToken())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cursor != "4321" {
		t.Errorf("cursor = %q, want 4321", cursor)
	}
}

// TestListRecent_StopsAtMax verifies the recent listing honours the cap.
func TestListRecent_StopsAtMax(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []map[string]string{
				{"id": "m1"}, {"id": "m2"}, {"id": "m3"},
			},
		})
	}))
	defer server.Close()

	c := testClient(server.URL)
	ids, err := c.ListRecent(context.Background(), testToken(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("ids = %v, want 3 entries", ids)
	}
}

// TestWatch verifies watch registration returns the cursor and expiry.
func TestWatch(t *testing.T) {
	var stopCalled bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/gmail/v1/users/me/stop" {
			stopCalled = true
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"historyId":  "555",
			"expiration": "1757000000000",
		})
	}))
	defer server.Close()

	c := testClient(server.URL)
	cursor, expiry, err := c.Watch(context.Background(), testToken(), "projects/p/topics/t")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stopCalled {
		t.Error("existing watch should be stopped before re-registering")
	}
	if cursor != "555" {
		t.Errorf("cursor = %q, want 555", cursor)
	}
	if expiry.UnixMilli() != 1757000000000 {
		t.Errorf("expiry = %v", expiry)
	}
}
