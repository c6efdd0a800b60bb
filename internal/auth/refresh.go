package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// RefreshTokenFailedReason classifies a Permanent refresh failure.
type RefreshTokenFailedReason string

const RefreshReasonExpired RefreshTokenFailedReason = "expired"

// PermanentError means the refresh token itself is no longer valid; the
// caller must force a fresh login. Tokens and last_refresh are left
// unchanged by the caller (spec E5).
type PermanentError struct {
	Reason RefreshTokenFailedReason
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("auth: refresh failed permanently: %s", e.Reason)
}

// TransientError means the refresh attempt failed for a reason the caller
// may retry (network error, 5xx, malformed response). State is left
// unchanged.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("auth: refresh failed transiently: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

type refreshErrorBody struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

// Refresher refreshes an access token using its refresh token, classifying
// failures as Permanent or Transient (spec §4.9 step 2-4).
type Refresher struct {
	HTTPClient *http.Client
	RefreshURL string
	ClientID   string
	Now        func() time.Time
}

// NewRefresher builds a Refresher, defaulting HTTPClient/Now when unset.
func NewRefresher(refreshURL, clientID string) *Refresher {
	return &Refresher{
		HTTPClient: http.DefaultClient,
		RefreshURL: refreshURL,
		ClientID:   clientID,
		Now:        time.Now,
	}
}

func (r *Refresher) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: r.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: r.RefreshURL},
	}
}

func (r *Refresher) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

// Refresh attempts to refresh rec.Tokens, returning the updated record on
// success. On failure the original rec is returned unmodified alongside a
// *PermanentError or *TransientError.
func (r *Refresher) Refresh(ctx context.Context, rec Record) (Record, error) {
	if rec.Tokens == nil || rec.Tokens.RefreshToken == "" {
		return rec, &TransientError{Cause: fmt.Errorf("no refresh token present")}
	}

	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, r.httpClient())
	stale := &oauth2.Token{RefreshToken: rec.Tokens.RefreshToken}
	source := r.oauth2Config().TokenSource(httpCtx, stale)

	refreshed, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusUnauthorized {
			var errBody refreshErrorBody
			if jsonErr := json.Unmarshal(retrieveErr.Body, &errBody); jsonErr == nil &&
				errBody.Error.Code == "refresh_token_expired" {
				return rec, &PermanentError{Reason: RefreshReasonExpired}
			}
		}
		return rec, &TransientError{Cause: err}
	}

	updated := rec
	newTokens := *rec.Tokens
	newTokens.AccessToken = refreshed.AccessToken
	if refreshed.RefreshToken != "" {
		newTokens.RefreshToken = refreshed.RefreshToken
	}
	updated.Tokens = &newTokens
	now := r.now()
	updated.LastRefresh = &now
	return updated, nil
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
