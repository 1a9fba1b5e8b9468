// Package sitesession bridges the gateway's login state into sites guarded
// by middleware-kind clients. A site session is derived from the protocol
// session during consent, persisted server-side, and referenced from the
// browser by a signed cookie bound to the client it was minted for.
package sitesession

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"oidcgw/internal/cache"
)

var ErrNotFound = errors.New("site session not found")

// SiteSession is the derived session object for middleware clients.
// SessionID tracks the protocol session's identifier and is rebound on
// every consent for the same browser session.
type SiteSession struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	AccountID string            `json:"accountId"`
	ClientID  string            `json:"clientId"`
	Payload   map[string]string `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Config tunes the bridge.
type Config struct {
	CookieName string        `yaml:"cookie_name"`
	TTL        time.Duration `yaml:"ttl"`
	Secure     bool          `yaml:"secure"`
}

func (c *Config) defaults() {
	if c.CookieName == "" {
		c.CookieName = "gw_site_session"
	}
	if c.TTL <= 0 {
		c.TTL = 30 * 24 * time.Hour
	}
}

// Service owns site-session persistence and cookie validation.
type Service struct {
	cache     cache.Client
	masterKey []byte
	cfg       Config
	now       func() time.Time
}

func NewService(c cache.Client, masterKey []byte, cfg Config) *Service {
	cfg.defaults()
	return &Service{cache: c, masterKey: masterKey, cfg: cfg, now: time.Now}
}

// clientKey derives a per-client signing key so a cookie minted for one
// client can never validate against another.
func (s *Service) clientKey(clientID string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.masterKey, nil, []byte("site-session:"+clientID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive site-session key: %w", err)
	}
	return key, nil
}

func storageKey(id string) string { return "sitesession:" + id }

// Create mints a provisional site session during consent and sets the
// signed cookie on the response.
func (s *Service) Create(ctx context.Context, w http.ResponseWriter, accountID, sessionID, clientID string, payload map[string]string) (*SiteSession, error) {
	now := s.now().UTC()
	ss := &SiteSession{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		AccountID: accountID,
		ClientID:  clientID,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.persist(ctx, ss); err != nil {
		return nil, err
	}

	key, err := s.clientKey(clientID)
	if err != nil {
		return nil, err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   ss.ID,
		Audience:  jwt.ClaimStrings{clientID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("sign site-session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(s.cfg.TTL.Seconds()),
		Expires:  now.Add(s.cfg.TTL),
		HttpOnly: true,
		Secure:   s.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return ss, nil
}

// Validate reports whether the request carries a site-session cookie that
// verifies against the given client and references a live session. Every
// failure mode (missing cookie, bad signature, foreign audience, unknown
// session) is false, never an error.
func (s *Service) Validate(r *http.Request, clientID string) bool {
	cookie, err := r.Cookie(s.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	key, err := s.clientKey(clientID)
	if err != nil {
		return false
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(clientID),
	)
	if err != nil || claims.Subject == "" {
		return false
	}

	ss, err := s.Get(r.Context(), claims.Subject)
	if err != nil {
		return false
	}
	return ss.ClientID == clientID
}

// Get loads a site session by id.
func (s *Service) Get(ctx context.Context, id string) (*SiteSession, error) {
	raw, err := s.cache.Get(ctx, storageKey(id))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("site-session lookup: %w", err)
	}
	var ss SiteSession
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return nil, fmt.Errorf("malformed site-session record: %w", err)
	}
	return &ss, nil
}

// Rebind points an existing site session at the current protocol session.
// Only the SessionID field is overwritten.
func (s *Service) Rebind(ctx context.Context, id, sessionID string) error {
	ss, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	ss.SessionID = sessionID
	ss.UpdatedAt = s.now().UTC()
	return s.persist(ctx, ss)
}

func (s *Service) persist(ctx context.Context, ss *SiteSession) error {
	raw, err := json.Marshal(ss)
	if err != nil {
		return fmt.Errorf("encode site session: %w", err)
	}
	if err := s.cache.Set(ctx, storageKey(ss.ID), string(raw), s.cfg.TTL); err != nil {
		return fmt.Errorf("persist site session: %w", err)
	}
	return nil
}
