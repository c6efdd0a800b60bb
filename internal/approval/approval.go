// Package approval implements the per-tool-call decision engine (spec C3):
// deciding whether a call needs user approval, caching session-scoped
// approvals, selecting the initial sandbox, and retrying escalated after a
// sandbox denial.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"

	"github.com/turnloop/agentcore/internal/sandbox"
)

// Decision is the outcome of an approval request.
type Decision string

const (
	Denied             Decision = "denied"
	Approved           Decision = "approved"
	ApprovedForSession Decision = "approved_for_session"
	Abort              Decision = "abort"
)

// Policy is the approval_policy config value (spec §4.3/§4.9).
type Policy string

const (
	PolicyNever         Policy = "never"
	PolicyOnFailure     Policy = "on_failure"
	PolicyOnRequest     Policy = "on_request"
	PolicyUnlessTrusted Policy = "unless_trusted"
)

// ErrDenied is returned when a call is rejected by the user or aborted.
var ErrDenied = errors.New("exec command rejected by user")

// AskFunc prompts the user for a decision. retryReason is non-empty only
// when this is an escalation re-ask after a sandbox denial.
type AskFunc func(ctx context.Context, retryReason string, risk string) (Decision, error)

// Store is the session-scoped approval cache plus the decision sequence
// driver. One Store is owned per Session (spec §3 "Ownership & lifecycle").
type Store struct {
	mu    sync.Mutex
	cache map[string]Decision
	Ask   AskFunc
}

// NewStore creates an empty approval cache. ask is invoked whenever a fresh
// decision must be solicited from the user.
func NewStore(ask AskFunc) *Store {
	return &Store{cache: map[string]Decision{}, Ask: ask}
}

// Key returns the stable, content-addressed cache key for a tool
// invocation: a JSON-serialized, field-sorted digest of its semantically
// relevant identity. Two calls with the same key reuse the same cached
// ApprovedForSession decision within a session.
func Key(toolName string, payload any) string {
	data, _ := json.Marshal(struct {
		Tool    string `json:"tool"`
		Payload any    `json:"payload"`
	}{toolName, payload})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WantsInitialApproval implements the wants_initial_approval defaults
// table: Never|OnFailure -> false; OnRequest -> false iff DangerFullAccess;
// UnlessTrusted -> true.
func WantsInitialApproval(policy Policy, sandboxPolicy sandbox.SandboxPolicy) bool {
	switch policy {
	case PolicyNever, PolicyOnFailure:
		return false
	case PolicyOnRequest:
		return sandboxPolicy.Kind != sandbox.PolicyDangerFullAccess
	case PolicyUnlessTrusted:
		return true
	default:
		return true
	}
}

// WantsNoSandboxApproval reports whether escalating a sandbox-denied call to
// run with no sandbox requires a fresh approval round-trip. Never and
// OnRequest block escalation approval outright (the call simply fails with
// the sandbox-denied output); OnFailure and UnlessTrusted require one.
func WantsNoSandboxApproval(policy Policy) bool {
	switch policy {
	case PolicyNever, PolicyOnRequest:
		return false
	default:
		return true
	}
}

// cachedOrAsk returns a cached ApprovedForSession decision for key if
// present, otherwise solicits one via ask and caches it when it is
// ApprovedForSession.
func (s *Store) cachedOrAsk(ctx context.Context, key, retryReason, risk string) (Decision, error) {
	s.mu.Lock()
	if d, ok := s.cache[key]; ok && d == ApprovedForSession {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	if s.Ask == nil {
		return Denied, errors.New("approval: no Ask handler configured")
	}
	decision, err := s.Ask(ctx, retryReason, risk)
	if err != nil {
		return Denied, err
	}
	if decision == ApprovedForSession {
		s.mu.Lock()
		s.cache[key] = decision
		s.mu.Unlock()
	}
	return decision, nil
}

// Outcome is the result of running a tool call through the full C3
// decision sequence.
type Outcome struct {
	Result      sandbox.ExecResult
	Escalated   bool
	Rejected    bool // Denied/Abort at any stage
}

// ExecAttempt runs one attempt of a sandboxed command, returning whether it
// looks sandbox-denied.
type ExecAttempt func(ctx context.Context, sandboxType sandbox.Type) (sandbox.ExecResult, error)

// ToolPreference mirrors sandbox.Preference but is re-exported here so
// callers don't need to import the sandbox package for this alone.
type ToolPreference = sandbox.Preference

// Orchestrate drives the full sequence from §4.3: optional initial
// approval, initial sandbox selection, the attempt, and — on a sandbox
// denial the policy allows retrying — an optional escalation approval
// followed by a retry with SandboxType None.
func (s *Store) Orchestrate(
	ctx context.Context,
	toolName string,
	payload any,
	policy Policy,
	sandboxPolicy sandbox.SandboxPolicy,
	pref ToolPreference,
	allowsEscalation bool,
	goos string,
	attempt ExecAttempt,
) (Outcome, error) {
	key := Key(toolName, payload)

	if WantsInitialApproval(policy, sandboxPolicy) {
		decision, err := s.cachedOrAsk(ctx, key, "", "")
		if err != nil {
			return Outcome{}, err
		}
		switch decision {
		case Denied, Abort:
			return Outcome{Rejected: true}, ErrDenied
		}
	}

	initial := sandbox.SelectInitial(sandboxPolicy, pref, goos)
	result, err := attempt(ctx, initial)
	if err != nil {
		return Outcome{}, err
	}

	// Never|OnRequest block escalation outright: a sandbox-denied result is
	// surfaced as-is rather than silently retried without a sandbox.
	if initial != sandbox.TypeNone && sandbox.IsLikelySandboxDenied(initial, result) && allowsEscalation && WantsNoSandboxApproval(policy) {
		decision, err := s.cachedOrAsk(ctx, key, "sandboxed command was denied; retry without sandbox?", "")
		if err != nil {
			return Outcome{}, err
		}
		switch decision {
		case Denied, Abort:
			return Outcome{Rejected: true}, ErrDenied
		}
		result, err = attempt(ctx, sandbox.TypeNone)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: result, Escalated: true}, nil
	}

	return Outcome{Result: result}, nil
}
