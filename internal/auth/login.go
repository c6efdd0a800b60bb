package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ErrPermissionDenied is returned when the decoded id_token's
// organization_id does not match a pinned ChatGPT workspace id; no
// credentials are persisted in this case (spec §4.9).
type ErrPermissionDenied struct {
	Expected, Got string
}

func (e *ErrPermissionDenied) Error() string {
	return fmt.Sprintf("auth: id_token organization_id %q does not match required workspace %q", e.Got, e.Expected)
}

// LoginConfig configures one login attempt.
type LoginConfig struct {
	ClientID          string
	DeviceAuthURL     string
	TokenURL          string
	PinnedWorkspaceID string // empty = no workspace enforcement
	HTTPClient        *http.Client
	Now               func() time.Time
}

func (c *LoginConfig) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: c.ClientID,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: c.DeviceAuthURL,
			TokenURL:      c.TokenURL,
		},
		Scopes: []string{"openid", "profile", "email", "offline_access"},
	}
}

func (c *LoginConfig) httpContext(ctx context.Context) context.Context {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func (c *LoginConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// PKCEChallenge wraps the oauth2 package's own verifier generation; the
// S256 challenge is derived from the verifier by the oauth2 package itself
// at each call site via oauth2.S256ChallengeOption.
type PKCEChallenge struct {
	Verifier string
}

// NewPKCEChallenge generates a random PKCE code verifier.
func NewPKCEChallenge() (PKCEChallenge, error) {
	return PKCEChallenge{Verifier: oauth2.GenerateVerifier()}, nil
}

// DeviceCode is the subset of the device-authorization response the caller
// needs to direct the user to the verification page; Poll retains the full
// oauth2 response for the follow-up token exchange.
type DeviceCode struct {
	VerificationURI string
	UserCode        string

	resp *oauth2.DeviceAuthResponse
}

// StartDeviceCode initiates the device-code flow, returning the code the
// user enters at VerificationURI.
func StartDeviceCode(ctx context.Context, cfg LoginConfig, pkce PKCEChallenge) (DeviceCode, error) {
	resp, err := cfg.oauth2Config().DeviceAuth(cfg.httpContext(ctx), oauth2.S256ChallengeOption(pkce.Verifier))
	if err != nil {
		return DeviceCode{}, fmt.Errorf("auth: device code request: %w", err)
	}
	return DeviceCode{VerificationURI: resp.VerificationURI, UserCode: resp.UserCode, resp: resp}, nil
}

// PollDeviceCode polls the token endpoint at the server-supplied interval
// until it returns an access token or ctx is cancelled, then finishes the
// PKCE exchange and enforces workspace pinning.
func PollDeviceCode(ctx context.Context, cfg LoginConfig, device DeviceCode, pkce PKCEChallenge) (Record, error) {
	token, err := cfg.oauth2Config().DeviceAccessToken(cfg.httpContext(ctx), device.resp, oauth2.VerifierOption(pkce.Verifier))
	if err != nil {
		return Record{}, fmt.Errorf("auth: device code exchange failed: %w", err)
	}
	return finishLogin(cfg, token)
}

func finishLogin(cfg LoginConfig, token *oauth2.Token) (Record, error) {
	rawIDToken, _ := token.Extra("id_token").(string)
	claims, err := decodeIDTokenClaims(rawIDToken)
	if err != nil {
		return Record{}, fmt.Errorf("auth: decoding id_token: %w", err)
	}

	if cfg.PinnedWorkspaceID != "" && claims.OrganizationID != cfg.PinnedWorkspaceID {
		return Record{}, &ErrPermissionDenied{Expected: cfg.PinnedWorkspaceID, Got: claims.OrganizationID}
	}

	now := cfg.now()
	rec := Record{
		Tokens: &Tokens{
			IDToken:      &IDToken{RawJWT: rawIDToken, Claims: claims},
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
		},
		LastRefresh: &now,
	}
	return rec, nil
}

// decodeIDTokenClaims decodes (without verifying signature — the token was
// just minted by the trusted token endpoint over TLS) the JWT claims used
// for workspace enforcement.
func decodeIDTokenClaims(rawJWT string) (IDTokenClaims, error) {
	var claims IDTokenClaims
	parser := jwt.NewParser()
	_, _, err := parser.ParseUnverified(rawJWT, &claims)
	if err != nil {
		return IDTokenClaims{}, err
	}
	return claims, nil
}
