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

// Package normalize converts raw Gmail messages into the canonical ChatEntry
// shape. Everything here is a pure function that never fails: malformed
// input degrades to best-effort fields, because a message we cannot fully
// parse is still a message a support agent needs to see.
package normalize

import (
	"encoding/base64"
	"strings"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/happybigocean/attentify-ingestion/internal/models"
)

// Channel tag stamped on every entry produced here.
const channelEmail = "email"

// dateLayouts are tried in order when parsing the Date header. RFC 5322
// allows several variants and real mail traffic produces all of them.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
}

// Entry converts a raw Gmail message into a ChatEntry. Missing headers
// become empty strings; an unparseable date falls back to the message's
// internal timestamp and finally to now.
func Entry(msg *gmailapi.Message) models.ChatEntry {
	var headers []*gmailapi.MessagePartHeader
	if msg.Payload != nil {
		headers = msg.Payload.Headers
	}

	body, contentType := canonicalBody(msg.Payload)

	return models.ChatEntry{
		ProviderMessageID: msg.Id,
		Sender:            header(headers, "From"),
		Recipient:         header(headers, "To"),
		Body:              body,
		ContentType:       contentType,
		Title:             header(headers, "Subject"),
		SentAt:            timestamp(msg, header(headers, "Date")),
		Channel:           channelEmail,
	}
}

// ThreadKey returns the conversation key for a message: the provider thread
// id, falling back to the message id for threadless messages.
func ThreadKey(msg *gmailapi.Message) string {
	if msg.ThreadId != "" {
		return msg.ThreadId
	}
	return msg.Id
}

// header extracts a header value, empty when absent. Header names are
// case-insensitive per RFC 5322.
func header(headers []*gmailapi.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// timestamp parses the Date header with a fallback chain: header layouts,
// then the provider's internal millisecond timestamp, then now.
func timestamp(msg *gmailapi.Message, date string) time.Time {
	date = strings.TrimSpace(date)
	// Strip trailing comments like "(UTC)" that some MTAs append.
	if idx := strings.Index(date, " ("); idx > 0 {
		date = date[:idx]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			return t.UTC()
		}
	}
	if msg.InternalDate > 0 {
		return time.UnixMilli(msg.InternalDate).UTC()
	}
	return time.Now().UTC()
}

// canonicalBody picks one rendering of the message body: the first text/html
// leaf wins, the first text/plain leaf is the fallback. The multipart tree
// is walked depth-first so nesting depth and branching don't change which
// leaf is chosen.
func canonicalBody(payload *gmailapi.MessagePart) (string, string) {
	if payload == nil {
		return "", "text"
	}

	var html, plain string
	walkParts(payload, &html, &plain)

	if html != "" {
		return html, "html"
	}
	return plain, "text"
}

// walkParts visits a part and its children depth-first, recording the first
// decodable html and plain-text leaves.
func walkParts(part *gmailapi.MessagePart, html, plain *string) {
	if part == nil {
		return
	}

	if part.Body != nil && part.Body.Data != "" {
		if decoded := decodeBody(part.Body.Data); decoded != "" {
			switch {
			case part.MimeType == "text/html" && *html == "":
				*html = decoded
			case part.MimeType == "text/plain" && *plain == "":
				*plain = decoded
			}
		}
	}

	for _, child := range part.Parts {
		if *html != "" && *plain != "" {
			return
		}
		walkParts(child, html, plain)
	}
}

// decodeBody decodes Gmail's URL-safe base64 body encoding, tolerating the
// padded variant some messages carry. Undecodable data yields an empty
// string rather than an error.
func decodeBody(data string) string {
	if b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}
