// Package provider is the port to the OIDC protocol library. The gateway
// never touches protocol cryptography or token issuance; it only reads
// suspended interactions, looks up clients and sessions, and reports
// interaction results back.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// KindMiddleware marks clients that are reverse proxies guarding another
// site. Only these participate in the site-session bridge.
const KindMiddleware = "middleware"

var (
	// ErrInteractionExpired tags an unknown or expired interaction.
	// The fallback to a degraded session view is routine, so this is a
	// value, not a panic path.
	ErrInteractionExpired = errors.New("interaction expired")

	// ErrClientNotFound reports an unknown client id.
	ErrClientNotFound = errors.New("client not found")
)

// Error is a protocol-level failure raised by the OIDC layer. It ends
// propagation at the web boundary: the controller renders it as an error
// page with its status and message. Anything else stays fatal.
type Error struct {
	Status      int
	Code        string
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Client is the protocol library's view of a registered client, reduced to
// the fields the policy chain reads.
type Client struct {
	ClientID      string
	Name          string
	Kind          string
	Scopes        []string
	AllowedGroups []string
}

// Session is the browser-facing protocol session.
type Session struct {
	// ID is the session's own identifier (jti). Site sessions bind to it.
	ID        string
	AccountID string
}

// Params are the authorization-request parameters the gateway cares about.
type Params struct {
	ClientID string
	Scopes   []string
}

// ConsentResult carries the grant produced by the consent step.
type ConsentResult struct {
	GrantID string `json:"grantId"`
}

// LoginResult records which account signed in and how.
type LoginResult struct {
	AccountID string `json:"accountId"`
	Method    string `json:"method,omitempty"`
}

// Result is the payload accumulated by interaction steps. Merges are
// idempotent: a field set in a previous partial submission survives unless
// the new result sets it again.
type Result struct {
	Login   *LoginResult   `json:"login,omitempty"`
	Consent *ConsentResult `json:"consent,omitempty"`
	// SiteSessionID references the provisional site session minted during
	// consent for middleware clients.
	SiteSessionID string `json:"siteSessionId,omitempty"`
	// ToSFingerprint pins the exact text the tos prompt displayed, so the
	// confirmation write can never honor stale content.
	ToSFingerprint string `json:"tosFingerprint,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorDesc      string `json:"errorDescription,omitempty"`
}

// Merge folds other into r, keeping r's fields where other is unset.
func (r Result) Merge(other Result) Result {
	if other.Login != nil {
		r.Login = other.Login
	}
	if other.Consent != nil {
		r.Consent = other.Consent
	}
	if other.SiteSessionID != "" {
		r.SiteSessionID = other.SiteSessionID
	}
	if other.ToSFingerprint != "" {
		r.ToSFingerprint = other.ToSFingerprint
	}
	if other.Error != "" {
		r.Error = other.Error
		r.ErrorDesc = other.ErrorDesc
	}
	return r
}

// Interaction is a suspended authorization flow awaiting user action.
type Interaction struct {
	UID string
	// Prompt is the prompt name under which the protocol library suspended
	// the flow.
	Prompt  string
	Params  Params
	Session *Session
	GrantID string
	// Result is the partial result of prior submissions for this
	// interaction.
	Result Result
}

// Provider is the surface consumed from the protocol library.
type Provider interface {
	// Details loads the pending interaction addressed by the request.
	// Expiry is the tagged ErrInteractionExpired, not a protocol Error.
	Details(r *http.Request) (*Interaction, error)

	// Finish reports the interaction as done. With merge set the result is
	// folded idempotently into the last submission instead of replacing it.
	Finish(w http.ResponseWriter, r *http.Request, result Result, merge bool) error

	// SaveResult stashes a partial result on the interaction without
	// finishing it (e.g. the displayed ToS fingerprint).
	SaveResult(r *http.Request, result Result) error

	// FindClient resolves a registered client or ErrClientNotFound.
	FindClient(ctx context.Context, clientID string) (*Client, error)

	// SessionFromRequest returns the browser session even when no
	// interaction is pending; the degraded read-only view builds on it.
	SessionFromRequest(r *http.Request) (*Session, error)
}
