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

package normalize

import (
	"encoding/base64"
	"testing"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"
)

func b64(s string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(s))
}

// TestEntry_FlatMessage verifies field mapping for a simple single-part
// message.
func TestEntry_FlatMessage(t *testing.T) {
	msg := &gmailapi.Message{
		Id:       "m1",
		ThreadId: "th-1",
		Payload: &gmailapi.MessagePart{
			MimeType: "text/plain",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "From", Value: "Alice <alice@example.com>"},
				{Name: "To", Value: "support@attentify.io"},
				{Name: "Subject", Value: "Order #4521 missing"},
				{Name: "Date", Value: "Fri, 28 Aug 2026 10:15:04 +0200"},
			},
			Body: &gmailapi.MessagePartBody{Data: b64("Where is my order?")},
		},
	}

	e := Entry(msg)

	if e.ProviderMessageID != "m1" {
		t.Errorf("ProviderMessageID = %q, want m1", e.ProviderMessageID)
	}
	if e.Sender != "Alice <alice@example.com>" {
		t.Errorf("Sender = %q", e.Sender)
	}
	if e.Recipient != "support@attentify.io" {
		t.Errorf("Recipient = %q", e.Recipient)
	}
	if e.Title != "Order #4521 missing" {
		t.Errorf("Title = %q", e.Title)
	}
	if e.Body != "Where is my order?" {
		t.Errorf("Body = %q", e.Body)
	}
	if e.ContentType != "text" {
		t.Errorf("ContentType = %q, want text", e.ContentType)
	}
	if e.Channel != "email" {
		t.Errorf("Channel = %q, want email", e.Channel)
	}

	want := time.Date(2026, 8, 28, 8, 15, 4, 0, time.UTC)
	if !e.SentAt.Equal(want) {
		t.Errorf("SentAt = %v, want %v", e.SentAt, want)
	}
}

// TestEntry_MultipartPrefersHTML verifies that the html alternative wins
// over plain text regardless of nesting.
func TestEntry_MultipartPrefersHTML(t *testing.T) {
	msg := &gmailapi.Message{
		Id: "m2",
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gmailapi.MessagePart{
				{
					MimeType: "multipart/alternative",
					Parts: []*gmailapi.MessagePart{
						{
							MimeType: "text/plain",
							Body:     &gmailapi.MessagePartBody{Data: b64("plain body")},
						},
						{
							MimeType: "text/html",
							Body:     &gmailapi.MessagePartBody{Data: b64("<p>html body</p>")},
						},
					},
				},
				{
					MimeType: "application/pdf",
					Body:     &gmailapi.MessagePartBody{Data: b64("%PDF-1.4")},
				},
			},
		},
	}

	e := Entry(msg)
	if e.ContentType != "html" {
		t.Errorf("ContentType = %q, want html", e.ContentType)
	}
	if e.Body != "<p>html body</p>" {
		t.Errorf("Body = %q", e.Body)
	}
}

// TestEntry_PlainOnlyMultipart verifies the text fallback when no html part
// exists.
func TestEntry_PlainOnlyMultipart(t *testing.T) {
	msg := &gmailapi.Message{
		Id: "m3",
		Payload: &gmailapi.MessagePart{
			MimeType: "multipart/mixed",
			Parts: []*gmailapi.MessagePart{
				{
					MimeType: "text/plain",
					Body:     &gmailapi.MessagePartBody{Data: b64("just text")},
				},
			},
		},
	}

	e := Entry(msg)
	if e.ContentType != "text" {
		t.Errorf("ContentType = %q, want text", e.ContentType)
	}
	if e.Body != "just text" {
		t.Errorf("Body = %q", e.Body)
	}
}

// TestEntry_MissingHeadersDegrade verifies missing headers become empty
// strings rather than failing.
func TestEntry_MissingHeadersDegrade(t *testing.T) {
	msg := &gmailapi.Message{
		Id:           "m4",
		InternalDate: 1756371600000, // 2026-08-28T09:00:00Z
		Payload:      &gmailapi.MessagePart{},
	}

	e := Entry(msg)
	if e.Sender != "" || e.Recipient != "" || e.Title != "" {
		t.Errorf("expected empty headers, got sender=%q recipient=%q title=%q",
			e.Sender, e.Recipient, e.Title)
	}
	want := time.UnixMilli(1756371600000).UTC()
	if !e.SentAt.Equal(want) {
		t.Errorf("SentAt = %v, want internal date %v", e.SentAt, want)
	}
}

// TestEntry_NilPayload verifies a message with no payload at all still
// yields a usable entry.
func TestEntry_NilPayload(t *testing.T) {
	e := Entry(&gmailapi.Message{Id: "m5"})
	if e.ProviderMessageID != "m5" {
		t.Errorf("ProviderMessageID = %q", e.ProviderMessageID)
	}
	if e.Body != "" || e.ContentType != "text" {
		t.Errorf("body = %q contentType = %q, want empty/text", e.Body, e.ContentType)
	}
	if e.SentAt.IsZero() {
		t.Error("SentAt should never be zero")
	}
}

// TestTimestamp_CommentSuffix verifies dates with trailing zone comments
// parse correctly.
func TestTimestamp_CommentSuffix(t *testing.T) {
	msg := &gmailapi.Message{}
	got := timestamp(msg, "Fri, 28 Aug 2026 09:00:00 +0000 (UTC)")
	want := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("timestamp = %v, want %v", got, want)
	}
}

// TestTimestamp_SingleDigitDay covers RFC 2822 dates without zero padding.
func TestTimestamp_SingleDigitDay(t *testing.T) {
	msg := &gmailapi.Message{}
	got := timestamp(msg, "Tue, 4 Aug 2026 09:00:00 +0000")
	want := time.Date(2026, 8, 4, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("timestamp = %v, want %v", got, want)
	}
}

// TestThreadKey verifies the thread id with message id fallback.
func TestThreadKey(t *testing.T) {
	if got := ThreadKey(&gmailapi.Message{Id: "m1", ThreadId: "th-9"}); got != "th-9" {
		t.Errorf("ThreadKey = %q, want th-9", got)
	}
	if got := ThreadKey(&gmailapi.Message{Id: "m1"}); got != "m1" {
		t.Errorf("ThreadKey = %q, want m1 (fallback)", got)
	}
}

// TestDecodeBody_PaddedVariant verifies tolerance for padded base64.
func TestDecodeBody_PaddedVariant(t *testing.T) {
	padded := base64.URLEncoding.EncodeToString([]byte("hello"))
	if got := decodeBody(padded); got != "hello" {
		t.Errorf("decodeBody = %q, want hello", got)
	}
	if got := decodeBody("!!!not base64!!!"); got != "" {
		t.Errorf("decodeBody garbage = %q, want empty", got)
	}
}
