package appserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/turnloop/agentcore/internal/auth"
	"github.com/turnloop/agentcore/internal/config"
	"github.com/turnloop/agentcore/internal/rollout"
)

// Handlers implements the business-logic endpoints exposed over the
// JSON-RPC app-server protocol: model/thread listing, rate limits, and the
// two forced-login-method-gated login entry points (spec §4.10).
type Handlers struct {
	Config    *config.Config
	AuthStore auth.Store
	CodexHome string
	Now       func() time.Time
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// ModelListParams is the request payload for model/list.
type ModelListParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ModelListResult is the response payload for model/list.
type ModelListResult struct {
	Data       []config.ModelInfo `json:"data"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// modelCursor encodes/decodes an opaque pagination cursor as the base64 of
// an ordinal offset into the catalog's fixed order — the cursor has no
// meaning besides "index to resume from", and is validated defensively.
func encodeModelCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d", offset)))
}

func decodeModelCursor(cursor string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, err
	}
	var offset int
	if _, err := fmt.Sscanf(string(raw), "%d", &offset); err != nil {
		return 0, err
	}
	return offset, nil
}

// ModelList returns the fixed, bit-exact model catalog, paginated by an
// opaque cursor. An unparsable cursor is an invalid_request error rather
// than a silently reset page.
func (h *Handlers) ModelList(params ModelListParams) (ModelListResult, *RPCError) {
	catalog := config.ModelCatalog()

	offset := 0
	if params.Cursor != "" {
		decoded, err := decodeModelCursor(params.Cursor)
		if err != nil {
			return ModelListResult{}, &RPCError{
				Code:    CodeInvalidRequest,
				Message: fmt.Sprintf("invalid cursor: %s", params.Cursor),
			}
		}
		offset = decoded
	}
	if offset < 0 || offset > len(catalog) {
		return ModelListResult{}, &RPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("invalid cursor: %s", params.Cursor),
		}
	}

	limit := params.Limit
	if limit <= 0 {
		limit = len(catalog)
	}

	end := offset + limit
	if end > len(catalog) {
		end = len(catalog)
	}
	page := catalog[offset:end]

	result := ModelListResult{Data: page}
	if end < len(catalog) {
		result.NextCursor = encodeModelCursor(end)
	}
	return result, nil
}

// ThreadSummary is one entry in thread/list's result.
type ThreadSummary struct {
	ID            string    `json:"id"`
	Cwd           string    `json:"cwd"`
	ModelProvider string    `json:"model_provider"`
	Timestamp     time.Time `json:"timestamp"`
}

// ThreadListParams is the request payload for thread/list.
type ThreadListParams struct {
	Cursor         string   `json:"cursor,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	ModelProviders []string `json:"model_providers,omitempty"`
}

// ThreadListResult is the response payload for thread/list.
type ThreadListResult struct {
	Data       []ThreadSummary `json:"data"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// ThreadList enumerates rollout sessions under CodexHome, most recent
// first, optionally filtered by model_providers, using the same
// offset-cursor pagination scheme as ModelList.
func (h *Handlers) ThreadList(params ThreadListParams) (ThreadListResult, *RPCError) {
	all, err := h.listThreadSummaries()
	if err != nil {
		return ThreadListResult{}, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}

	if len(params.ModelProviders) > 0 {
		allow := map[string]bool{}
		for _, p := range params.ModelProviders {
			allow[p] = true
		}
		filtered := all[:0]
		for _, t := range all {
			if allow[t.ModelProvider] {
				filtered = append(filtered, t)
			}
		}
		all = filtered
	}

	offset := 0
	if params.Cursor != "" {
		decoded, err := decodeModelCursor(params.Cursor)
		if err != nil || decoded < 0 || decoded > len(all) {
			return ThreadListResult{}, &RPCError{
				Code:    CodeInvalidRequest,
				Message: fmt.Sprintf("invalid cursor: %s", params.Cursor),
			}
		}
		offset = decoded
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[offset:end]

	result := ThreadListResult{Data: page}
	if end < len(all) {
		result.NextCursor = encodeModelCursor(end)
	}
	return result, nil
}

func (h *Handlers) listThreadSummaries() ([]ThreadSummary, error) {
	files, err := rolloutFiles(h.CodexHome)
	if err != nil {
		return nil, err
	}
	summaries := make([]ThreadSummary, 0, len(files))
	for _, f := range files {
		meta, _, err := rollout.ReadFile(f)
		if err != nil {
			continue
		}
		summaries = append(summaries, ThreadSummary{
			ID:            meta.ID,
			Cwd:           meta.Cwd,
			ModelProvider: meta.ModelProvider,
			Timestamp:     meta.Timestamp,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Timestamp.After(summaries[j].Timestamp)
	})
	return summaries, nil
}

// RateLimitWindow is one rate-limit bucket projected to whole minutes.
type RateLimitWindow struct {
	WindowMinutes int64   `json:"window_minutes"`
	UsedPercent   float64 `json:"used_percent"`
}

// RateLimitsResult is the response payload for account/rate_limits.
type RateLimitsResult struct {
	Primary   *RateLimitWindow `json:"primary,omitempty"`
	Secondary *RateLimitWindow `json:"secondary,omitempty"`
}

// windowMinutesFromSeconds ceil-divides a window length in seconds into
// whole minutes (spec §4.10): 3600s -> 60, 86400s -> 1440.
func windowMinutesFromSeconds(seconds int64) int64 {
	return (seconds + 59) / 60
}

// rawRateLimitWindow is what the upstream ChatGPT usage endpoint returns
// for one window before minute conversion.
type rawRateLimitWindow struct {
	WindowSeconds int64   `json:"window_seconds"`
	UsedPercent   float64 `json:"used_percent"`
}

// RateLimitsSource fetches the raw rate-limit windows from the backend;
// satisfied by an HTTP client against the ChatGPT usage API in production
// and by a fake in tests.
type RateLimitsSource interface {
	FetchRateLimits(ctx context.Context, accessToken string) (primary, secondary *rawRateLimitWindow, err error)
}

// GetAccountRateLimits returns the account's primary/secondary rate-limit
// windows. It requires ChatGPT (OAuth) auth; API-key-only sessions get an
// explicit application error rather than a zero-value result.
func (h *Handlers) GetAccountRateLimits(ctx context.Context, src RateLimitsSource) (RateLimitsResult, *RPCError) {
	rec, err := h.AuthStore.Load()
	if err != nil {
		return RateLimitsResult{}, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	if rec.Tokens == nil || rec.Tokens.AccessToken == "" {
		return RateLimitsResult{}, &RPCError{
			Code:    CodeInvalidRequest,
			Message: "account rate limits require ChatGPT login; this account is authenticated with an API key",
		}
	}

	primary, secondary, err := src.FetchRateLimits(ctx, rec.Tokens.AccessToken)
	if err != nil {
		return RateLimitsResult{}, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}

	result := RateLimitsResult{}
	if primary != nil {
		result.Primary = &RateLimitWindow{
			WindowMinutes: windowMinutesFromSeconds(primary.WindowSeconds),
			UsedPercent:   primary.UsedPercent,
		}
	}
	if secondary != nil {
		result.Secondary = &RateLimitWindow{
			WindowMinutes: windowMinutesFromSeconds(secondary.WindowSeconds),
			UsedPercent:   secondary.UsedPercent,
		}
	}
	return result, nil
}

// LoginApiKeyParams is the request payload for login/api_key.
type LoginApiKeyParams struct {
	APIKey string `json:"api_key"`
}

// LoginApiKeyResult is the response payload for login/api_key.
type LoginApiKeyResult struct {
	OK bool `json:"ok"`
}

// LoginApiKey stores an OpenAI API key as the active credential, unless the
// configured forced_login_method requires ChatGPT login instead.
func (h *Handlers) LoginApiKey(params LoginApiKeyParams) (LoginApiKeyResult, *RPCError) {
	if strings.EqualFold(h.Config.ForcedLoginMethod, "chatgpt") {
		return LoginApiKeyResult{}, &RPCError{
			Code:    CodeInvalidRequest,
			Message: "API key login is disabled. Use ChatGPT login instead.",
		}
	}
	if params.APIKey == "" {
		return LoginApiKeyResult{}, &RPCError{Code: CodeInvalidParams, Message: "api_key must not be empty"}
	}

	rec, err := h.AuthStore.Load()
	if err != nil {
		return LoginApiKeyResult{}, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	rec.OpenAIAPIKey = params.APIKey
	if err := h.AuthStore.Save(rec); err != nil {
		return LoginApiKeyResult{}, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	return LoginApiKeyResult{OK: true}, nil
}

// LoginChatGptParams is the request payload for login/chatgpt, which
// drives the server-initiated device-code exchange via sender.
type LoginChatGptParams struct {
	DeviceAuthURL     string `json:"device_auth_url"`
	TokenURL          string `json:"token_url"`
	ClientID          string `json:"client_id"`
	PinnedWorkspaceID string `json:"pinned_workspace_id,omitempty"`
}

// LoginChatGptResult is the response payload for login/chatgpt.
type LoginChatGptResult struct {
	VerificationURI string `json:"verification_uri"`
	UserCode        string `json:"user_code"`
}

// LoginChatGptHandle lets the caller await the background device-code poll
// started by LoginChatGpt.
type LoginChatGptHandle struct {
	Done <-chan error
}

// LoginChatGpt begins the device-code + PKCE login flow, unless the
// configured forced_login_method requires API-key login instead. The
// caller is expected to call auth.StartDeviceCode/PollDeviceCode directly
// using the returned parameters; this handler only enforces the gate and
// reports the verification code back to the client.
func (h *Handlers) LoginChatGpt(ctx context.Context, params LoginChatGptParams, start func(ctx context.Context) (verificationURI, userCode string, err error)) (LoginChatGptResult, *RPCError) {
	if strings.EqualFold(h.Config.ForcedLoginMethod, "api") {
		return LoginChatGptResult{}, &RPCError{
			Code:    CodeInvalidRequest,
			Message: "ChatGPT login is disabled. Use API key login instead.",
		}
	}

	uri, code, err := start(ctx)
	if err != nil {
		return LoginChatGptResult{}, &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
	return LoginChatGptResult{VerificationURI: uri, UserCode: code}, nil
}

func rolloutFiles(codexHome string) ([]string, error) {
	return rollout.ListSessionFiles(codexHome)
}
