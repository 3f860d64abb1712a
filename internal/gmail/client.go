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

// Package gmail wraps the Gmail API for incremental mailbox synchronisation:
// listing message ids added since a history cursor, fetching full messages,
// and managing the push watch that feeds the notification webhook.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// ErrCursorExpired is returned when the provider no longer retains history
// at the requested cursor. Gmail purges history records after a retention
// window; the only recovery is a full resynchronisation.
var ErrCursorExpired = errors.New("history cursor expired")

// inboxLabel restricts syncing to the inbox. Gmail mixes every label change
// into one history stream, so the filter is applied server-side.
const inboxLabel = "INBOX"

// Client calls the Gmail API on behalf of one account at a time. It holds no
// per-account state; the caller supplies the credential on every call.
type Client struct {
	opts []option.ClientOption
}

// NewClient creates a Gmail client. Extra options are passed through to the
// underlying service, which lets tests point it at a local server.
func NewClient(opts ...option.ClientOption) *Client {
	return &Client{opts: opts}
}

// service builds an authenticated Gmail service for a single credential.
func (c *Client) service(ctx context.Context, tok *oauth2.Token) (*gmailapi.Service, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(tok)),
	}, c.opts...)
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// ListChangesSince lists the ids of messages added to the inbox after the
// given cursor, paging through the history endpoint, and returns the new
// cursor the mailbox is at. Returns ErrCursorExpired when the cursor is
// older than Gmail's history retention.
func (c *Client) ListChangesSince(ctx context.Context, tok *oauth2.Token, cursor string) ([]string, string, error) {
	svc, err := c.service(ctx, tok)
	if err != nil {
		return nil, "", err
	}

	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("cursor %q is not a history id: %w", cursor, err)
	}

	var added []string
	seen := make(map[string]bool)
	newCursor := cursor
	pageToken := ""

	for {
		call := svc.Users.History.List("me").
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			LabelId(inboxLabel).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			if isNotFound(err) {
				return nil, "", fmt.Errorf("history at %s: %w", cursor, ErrCursorExpired)
			}
			return nil, "", fmt.Errorf("list history since %s: %w", cursor, err)
		}

		for _, h := range resp.History {
			for _, a := range h.MessagesAdded {
				if a.Message == nil || seen[a.Message.Id] {
					continue
				}
				seen[a.Message.Id] = true
				added = append(added, a.Message.Id)
			}
		}

		if resp.HistoryId != 0 {
			newCursor = strconv.FormatUint(resp.HistoryId, 10)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return added, newCursor, nil
}

// GetMessage fetches one full message. Returns nil without error when the
// message no longer exists upstream (deleted between notification and fetch).
func (c *Client) GetMessage(ctx context.Context, tok *oauth2.Token, id string) (*gmailapi.Message, error) {
	svc, err := c.service(ctx, tok)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			slog.Warn("message not found (may have been deleted)", "message_id", id)
			return nil, nil
		}
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return msg, nil
}

// ListRecent lists the ids of the most recent inbox messages, newest first.
// This is the full-resync fallback used when the history cursor has expired.
func (c *Client) ListRecent(ctx context.Context, tok *oauth2.Token, max int64) ([]string, error) {
	svc, err := c.service(ctx, tok)
	if err != nil {
		return nil, err
	}

	var ids []string
	pageToken := ""
	for int64(len(ids)) < max {
		call := svc.Users.Messages.List("me").
			LabelIds(inboxLabel).
			MaxResults(max - int64(len(ids))).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list recent messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, nil
}

// CurrentCursor returns the mailbox's current history id.
func (c *Client) CurrentCursor(ctx context.Context, tok *oauth2.Token) (string, error) {
	svc, err := c.service(ctx, tok)
	if err != nil {
		return "", err
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("get profile: %w", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// Watch registers (or re-registers) the inbox push watch on the given
// Pub/Sub topic. Returns the mailbox's cursor at watch time and the watch
// expiry. Gmail allows a single watch per mailbox, so an existing one is
// stopped first.
func (c *Client) Watch(ctx context.Context, tok *oauth2.Token, topic string) (string, time.Time, error) {
	svc, err := c.service(ctx, tok)
	if err != nil {
		return "", time.Time{}, err
	}

	// Ignore the error: there may be no existing watch to stop.
	_ = svc.Users.Stop("me").Context(ctx).Do()

	resp, err := svc.Users.Watch("me", &gmailapi.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{inboxLabel},
	}).Context(ctx).Do()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("register watch: %w", err)
	}

	cursor := strconv.FormatUint(resp.HistoryId, 10)
	expiry := time.UnixMilli(resp.Expiration).UTC()
	return cursor, expiry, nil
}

// StopWatch deregisters the mailbox push watch. Best-effort companion to
// account unlinking.
func (c *Client) StopWatch(ctx context.Context, tok *oauth2.Token) error {
	svc, err := c.service(ctx, tok)
	if err != nil {
		return err
	}
	if err := svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
