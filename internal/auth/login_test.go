package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func buildIDToken(t *testing.T, orgID string) string {
	t.Helper()
	claims := IDTokenClaims{OrganizationID: orgID}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-secret"))
	if err != nil {
		t.Fatalf("signing test id_token: %v", err)
	}
	return signed
}

// newDeviceAuthServer returns an httptest server implementing just enough
// of RFC 8628 device authorization + token exchange for StartDeviceCode /
// PollDeviceCode to complete against it.
func newDeviceAuthServer(t *testing.T, orgID string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.FormValue("code_challenge") == "" || r.FormValue("code_challenge_method") != "S256" {
			t.Errorf("device auth request missing PKCE challenge: %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "devcode-1",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://example.invalid/verify",
			"expires_in":       600,
			"interval":         0,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.FormValue("code_verifier") == "" {
			t.Errorf("token exchange missing PKCE verifier: %v", r.Form)
		}
		if r.FormValue("device_code") != "devcode-1" {
			t.Errorf("device_code = %q, want devcode-1", r.FormValue("device_code"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      buildIDToken(t, orgID),
		})
	})
	return httptest.NewServer(mux)
}

func TestDeviceCodeLoginRoundTrip(t *testing.T) {
	srv := newDeviceAuthServer(t, "org-123")
	defer srv.Close()

	cfg := LoginConfig{
		ClientID:      "client-1",
		DeviceAuthURL: srv.URL + "/device/code",
		TokenURL:      srv.URL + "/token",
	}
	pkce, err := NewPKCEChallenge()
	if err != nil {
		t.Fatalf("NewPKCEChallenge: %v", err)
	}
	if pkce.Verifier == "" {
		t.Fatalf("NewPKCEChallenge: empty verifier")
	}

	device, err := StartDeviceCode(t.Context(), cfg, pkce)
	if err != nil {
		t.Fatalf("StartDeviceCode: %v", err)
	}
	if device.UserCode != "ABCD-EFGH" {
		t.Fatalf("UserCode = %q, want ABCD-EFGH", device.UserCode)
	}

	rec, err := PollDeviceCode(t.Context(), cfg, device, pkce)
	if err != nil {
		t.Fatalf("PollDeviceCode: %v", err)
	}
	if rec.Tokens.AccessToken != "access-1" || rec.Tokens.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected tokens: %+v", rec.Tokens)
	}
	if rec.Tokens.IDToken == nil || rec.Tokens.IDToken.Claims.OrganizationID != "org-123" {
		t.Fatalf("unexpected id_token claims: %+v", rec.Tokens.IDToken)
	}
	if rec.LastRefresh == nil {
		t.Fatalf("LastRefresh not set")
	}
}

// TestDeviceCodeLoginWorkspaceMismatch pins the workspace-pinning
// enforcement in spec §4.9: a non-matching organization_id is rejected
// with ErrPermissionDenied.
func TestDeviceCodeLoginWorkspaceMismatch(t *testing.T) {
	srv := newDeviceAuthServer(t, "org-other")
	defer srv.Close()

	cfg := LoginConfig{
		ClientID:          "client-1",
		DeviceAuthURL:     srv.URL + "/device/code",
		TokenURL:          srv.URL + "/token",
		PinnedWorkspaceID: "org-pinned",
	}
	pkce, err := NewPKCEChallenge()
	if err != nil {
		t.Fatalf("NewPKCEChallenge: %v", err)
	}
	device, err := StartDeviceCode(t.Context(), cfg, pkce)
	if err != nil {
		t.Fatalf("StartDeviceCode: %v", err)
	}

	_, err = PollDeviceCode(t.Context(), cfg, device, pkce)
	if err == nil {
		t.Fatalf("PollDeviceCode: expected workspace mismatch error")
	}
	var permErr *ErrPermissionDenied
	if pe, ok := err.(*ErrPermissionDenied); ok {
		permErr = pe
	} else {
		t.Fatalf("error = %v (%T), want *ErrPermissionDenied", err, err)
	}
	if permErr.Expected != "org-pinned" || permErr.Got != "org-other" {
		t.Fatalf("unexpected mismatch fields: %+v", permErr)
	}
}
