// Package auth is the credential store and OAuth refresh/login flows (spec
// C9): file-backed auth.json or OS keyring storage, atomic writes, PKCE and
// device-code login, and refresh with transient/permanent classification.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IDTokenClaims is the subset of claims decoded from the ChatGPT id_token,
// used for workspace-pinning enforcement.
type IDTokenClaims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"organization_id,omitempty"`
	Email          string `json:"email,omitempty"`
}

// Tokens holds the OAuth token set.
type Tokens struct {
	IDToken      *IDToken `json:"id_token,omitempty"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	AccountID    string   `json:"account_id,omitempty"`
}

// IDToken carries the raw JWT alongside its decoded claims.
type IDToken struct {
	RawJWT string        `json:"raw_jwt"`
	Claims IDTokenClaims `json:"-"`
}

// Record is the full persisted auth.json document.
type Record struct {
	OpenAIAPIKey string     `json:"openai_api_key,omitempty"`
	Tokens       *Tokens    `json:"tokens,omitempty"`
	LastRefresh  *time.Time `json:"last_refresh,omitempty"`
}

// Store persists a Record either to a file (auth.json, mode 0600) or an OS
// keyring, with atomic writes: write-temp-then-rename for files, a single
// set call for keyring.
type Store interface {
	Load() (Record, error)
	Save(Record) error
}

// FileStore is the file-backed Store implementation.
type FileStore struct {
	Path string
}

// NewFileStore returns a FileStore rooted at $CODEX_HOME/auth.json.
func NewFileStore(codexHome string) *FileStore {
	return &FileStore{Path: filepath.Join(codexHome, "auth.json")}
}

func (s *FileStore) Load() (Record, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, nil
		}
		return Record{}, fmt.Errorf("auth: reading %s: %w", s.Path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("auth: decoding %s: %w", s.Path, err)
	}
	return rec, nil
}

func (s *FileStore) Save(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encoding auth record: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("auth: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".auth.json.tmp-*")
	if err != nil {
		return fmt.Errorf("auth: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("auth: writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("auth: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("auth: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("auth: renaming temp file into place: %w", err)
	}
	return nil
}

// KeyringStore persists the auth record as a single opaque blob under one
// OS keyring entry, via the pluggable Keyring interface so tests can use an
// in-memory fake instead of the real OS service.
type KeyringStore struct {
	Keyring Keyring
	Service string
	Account string
}

// Keyring is the minimal capability surface NewKeyringStore needs; it is
// satisfied by the real OS keyring on each platform and by a map-backed
// fake in tests.
type Keyring interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func NewKeyringStore(kr Keyring, service, account string) *KeyringStore {
	return &KeyringStore{Keyring: kr, Service: service, Account: account}
}

func (s *KeyringStore) Load() (Record, error) {
	raw, err := s.Keyring.Get(s.Service, s.Account)
	if err != nil {
		return Record{}, nil // keyring entry not present
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("auth: decoding keyring entry: %w", err)
	}
	return rec, nil
}

func (s *KeyringStore) Save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("auth: encoding auth record: %w", err)
	}
	return s.Keyring.Set(s.Service, s.Account, string(data))
}
