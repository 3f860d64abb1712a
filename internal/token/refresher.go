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

// Package token obtains valid OAuth credentials for a mailbox account,
// refreshing expired access tokens through Google's token endpoint and
// persisting the refreshed bundle.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/happybigocean/attentify-ingestion/internal/models"
)

// ErrRevoked is returned when the provider explicitly rejects the refresh
// token. The account cannot be recovered without the user re-authorizing;
// callers must not retry.
var ErrRevoked = errors.New("refresh token revoked")

// CredentialStore is the interface the refresher needs to persist refreshed
// credentials and connection status. Implemented by account.Store.
type CredentialStore interface {
	SaveCredentials(ctx context.Context, accountID, accessToken, refreshToken string, expiry time.Time) error
	MarkStatus(ctx context.Context, accountID, status string) error
}

// Refresher exchanges stored account credentials for valid access tokens.
type Refresher struct {
	cfg   *oauth2.Config
	store CredentialStore
}

// NewRefresher creates a credential refresher for the configured OAuth app.
func NewRefresher(clientID, clientSecret string, store CredentialStore) *Refresher {
	return &Refresher{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
		},
		store: store,
	}
}

// Obtain returns a valid access token for the account, refreshing if the
// stored one has expired. A refreshed bundle is written back to the store
// before the token is returned, so a crash after refresh never strands a
// token the provider has already rotated.
//
// Error semantics: ErrRevoked is terminal — the account is marked revoked
// and the caller must stop. Any other error is transient and safe to retry.
func (r *Refresher) Obtain(ctx context.Context, acct *models.Account) (*oauth2.Token, error) {
	tok := &oauth2.Token{
		AccessToken:  acct.AccessToken,
		RefreshToken: acct.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       acct.TokenExpiry,
	}

	if tok.Valid() {
		return tok, nil
	}

	if acct.RefreshToken == "" {
		if err := r.store.MarkStatus(ctx, acct.ID, models.StatusRevoked); err != nil {
			slog.Error("failed to mark account revoked", "account", acct.Email, "error", err)
		}
		return nil, fmt.Errorf("account %s has no refresh token: %w", acct.Email, ErrRevoked)
	}

	fresh, err := r.cfg.TokenSource(ctx, tok).Token()
	if err != nil {
		if isRevocation(err) {
			slog.Warn("refresh token rejected by provider, marking account revoked",
				"account", acct.Email,
			)
			if markErr := r.store.MarkStatus(ctx, acct.ID, models.StatusRevoked); markErr != nil {
				slog.Error("failed to mark account revoked", "account", acct.Email, "error", markErr)
			}
			return nil, fmt.Errorf("refresh for %s: %w", acct.Email, ErrRevoked)
		}
		return nil, fmt.Errorf("refresh credential for %s: %w", acct.Email, err)
	}

	if fresh.AccessToken != acct.AccessToken {
		refreshToken := ""
		if fresh.RefreshToken != acct.RefreshToken {
			refreshToken = fresh.RefreshToken
		}
		if err := r.store.SaveCredentials(ctx, acct.ID, fresh.AccessToken, refreshToken, fresh.Expiry); err != nil {
			return nil, fmt.Errorf("persist refreshed credential for %s: %w", acct.Email, err)
		}
		acct.AccessToken = fresh.AccessToken
		acct.TokenExpiry = fresh.Expiry
		if fresh.RefreshToken != "" {
			acct.RefreshToken = fresh.RefreshToken
		}
		slog.Debug("credential refreshed", "account", acct.Email, "expiry", fresh.Expiry)
	}

	return fresh, nil
}

// isRevocation reports whether a token endpoint error means the grant is
// permanently dead, as opposed to a transient network or server failure.
// Google answers invalid_grant when the user revoked access or the refresh
// token has been superseded.
func isRevocation(err error) bool {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return false
	}
	return rErr.ErrorCode == "invalid_grant"
}
