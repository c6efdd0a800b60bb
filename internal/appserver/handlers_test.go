package appserver

import (
	"context"
	"testing"

	"github.com/turnloop/agentcore/internal/auth"
	"github.com/turnloop/agentcore/internal/config"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	return &Handlers{
		Config:    &config.Config{},
		AuthStore: &memStore{},
		CodexHome: t.TempDir(),
	}
}

type memStore struct{ rec auth.Record }

func (m *memStore) Load() (auth.Record, error) { return m.rec, nil }
func (m *memStore) Save(rec auth.Record) error { m.rec = rec; return nil }

// TestModelListOrderAndCount pins spec E1: exact order, exact count, nil cursor.
func TestModelListOrderAndCount(t *testing.T) {
	h := newTestHandlers(t)
	result, rpcErr := h.ModelList(ModelListParams{Limit: 100})
	if rpcErr != nil {
		t.Fatalf("ModelList: %v", rpcErr)
	}
	wantIDs := []string{"gpt-5.1-codex-max", "gpt-5.1-codex", "gpt-5.1-codex-mini", "gpt-5.1"}
	if len(result.Data) != len(wantIDs) {
		t.Fatalf("ModelList returned %d entries, want %d", len(result.Data), len(wantIDs))
	}
	for i, want := range wantIDs {
		if result.Data[i].ID != want {
			t.Fatalf("ModelList[%d] = %q, want %q", i, result.Data[i].ID, want)
		}
	}
	if result.NextCursor != "" {
		t.Fatalf("NextCursor = %q, want empty", result.NextCursor)
	}
}

// TestModelListPagination pins spec E2: limit=1 paginated three times yields
// the same four ids in order, and a bogus cursor is rejected with -32600.
func TestModelListPagination(t *testing.T) {
	h := newTestHandlers(t)
	wantIDs := []string{"gpt-5.1-codex-max", "gpt-5.1-codex", "gpt-5.1-codex-mini", "gpt-5.1"}

	var got []string
	cursor := ""
	for i := 0; i < len(wantIDs); i++ {
		result, rpcErr := h.ModelList(ModelListParams{Limit: 1, Cursor: cursor})
		if rpcErr != nil {
			t.Fatalf("ModelList page %d: %v", i, rpcErr)
		}
		if len(result.Data) != 1 {
			t.Fatalf("ModelList page %d returned %d entries, want 1", i, len(result.Data))
		}
		got = append(got, result.Data[0].ID)
		cursor = result.NextCursor
	}
	if cursor != "" {
		t.Fatalf("final NextCursor = %q, want empty after exhausting catalog", cursor)
	}
	for i, want := range wantIDs {
		if got[i] != want {
			t.Fatalf("paginated[%d] = %q, want %q", i, got[i], want)
		}
	}

	_, rpcErr := h.ModelList(ModelListParams{Cursor: "invalid"})
	if rpcErr == nil {
		t.Fatalf("ModelList(invalid cursor): expected error")
	}
	if rpcErr.Code != CodeInvalidRequest {
		t.Fatalf("error code = %d, want %d", rpcErr.Code, CodeInvalidRequest)
	}
	if rpcErr.Message != "invalid cursor: invalid" {
		t.Fatalf("error message = %q, want %q", rpcErr.Message, "invalid cursor: invalid")
	}
}

// TestForcedLoginGating pins spec E3's exact error strings.
func TestForcedLoginGating(t *testing.T) {
	h := newTestHandlers(t)
	h.Config.ForcedLoginMethod = "chatgpt"
	_, rpcErr := h.LoginApiKey(LoginApiKeyParams{APIKey: "sk-test"})
	if rpcErr == nil {
		t.Fatalf("LoginApiKey: expected error under forced chatgpt login")
	}
	if rpcErr.Message != "API key login is disabled. Use ChatGPT login instead." {
		t.Fatalf("message = %q", rpcErr.Message)
	}

	h2 := newTestHandlers(t)
	h2.Config.ForcedLoginMethod = "api"
	_, rpcErr2 := h2.LoginChatGpt(context.Background(), LoginChatGptParams{}, func(ctx context.Context) (string, string, error) {
		t.Fatalf("start should not be called when login method is forced to api")
		return "", "", nil
	})
	if rpcErr2 == nil {
		t.Fatalf("LoginChatGpt: expected error under forced api login")
	}
	if rpcErr2.Message != "ChatGPT login is disabled. Use API key login instead." {
		t.Fatalf("message = %q", rpcErr2.Message)
	}
}

func TestLoginApiKeyPersists(t *testing.T) {
	h := newTestHandlers(t)
	result, rpcErr := h.LoginApiKey(LoginApiKeyParams{APIKey: "sk-abc"})
	if rpcErr != nil {
		t.Fatalf("LoginApiKey: %v", rpcErr)
	}
	if !result.OK {
		t.Fatalf("LoginApiKey: OK = false")
	}
	rec, err := h.AuthStore.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.OpenAIAPIKey != "sk-abc" {
		t.Fatalf("stored api key = %q, want sk-abc", rec.OpenAIAPIKey)
	}
}

// TestWindowMinutesFromSeconds pins spec §9(a)'s exact rounding rule.
func TestWindowMinutesFromSeconds(t *testing.T) {
	cases := []struct {
		seconds int64
		want    int64
	}{
		{3600, 60},
		{86400, 1440},
		{1, 1},
		{59, 1},
		{61, 2},
	}
	for _, c := range cases {
		if got := windowMinutesFromSeconds(c.seconds); got != c.want {
			t.Fatalf("windowMinutesFromSeconds(%d) = %d, want %d", c.seconds, got, c.want)
		}
	}
}

type fakeRateLimitsSource struct {
	primary, secondary *rawRateLimitWindow
}

func (f *fakeRateLimitsSource) FetchRateLimits(ctx context.Context, accessToken string) (*rawRateLimitWindow, *rawRateLimitWindow, error) {
	return f.primary, f.secondary, nil
}

func TestGetAccountRateLimitsRequiresChatGPTAuth(t *testing.T) {
	h := newTestHandlers(t)
	_, rpcErr := h.GetAccountRateLimits(context.Background(), &fakeRateLimitsSource{})
	if rpcErr == nil {
		t.Fatalf("expected error for api-key-only account")
	}
}

func TestGetAccountRateLimitsConvertsWindows(t *testing.T) {
	h := newTestHandlers(t)
	h.AuthStore = &memStore{rec: auth.Record{Tokens: &auth.Tokens{AccessToken: "tok"}}}
	src := &fakeRateLimitsSource{
		primary: &rawRateLimitWindow{WindowSeconds: 3600, UsedPercent: 12.5},
	}
	result, rpcErr := h.GetAccountRateLimits(context.Background(), src)
	if rpcErr != nil {
		t.Fatalf("GetAccountRateLimits: %v", rpcErr)
	}
	if result.Primary == nil || result.Primary.WindowMinutes != 60 || result.Primary.UsedPercent != 12.5 {
		t.Fatalf("Primary = %+v, want {60 12.5}", result.Primary)
	}
	if result.Secondary != nil {
		t.Fatalf("Secondary = %+v, want nil", result.Secondary)
	}
}
