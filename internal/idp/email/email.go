// Package email implements the magic-link identity provider: a single-use
// token mailed to the address, verified when the link is opened. Only the
// token's sha256 digest is stored.
package email

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mail "github.com/go-mail/mail"

	"oidcgw/internal/cache"
	"oidcgw/internal/idp"
	tokens "oidcgw/internal/security/token"
	"oidcgw/internal/validation"
)

var (
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidLink covers expired, already-used and forged tokens alike.
	ErrInvalidLink = errors.New("invalid or expired login link")
)

// SMTPConfig mirrors the smtp block of the gateway config.
type SMTPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	From               string `yaml:"from"`
	TLS                string `yaml:"tls"` // auto | starttls | ssl | none
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Login sends and verifies magic links.
type Login struct {
	smtp    SMTPConfig
	baseURL string
	cache   cache.Client
	ttl     time.Duration

	// send is swapped out in tests.
	send func(m *mail.Message) error
}

func NewLogin(smtp SMTPConfig, baseURL string, c cache.Client, ttl time.Duration) *Login {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	l := &Login{smtp: smtp, baseURL: baseURL, cache: c, ttl: ttl}
	l.send = l.dialAndSend
	return l
}

// SetSender overrides mail delivery. Tests use it to capture outgoing
// messages without an SMTP server.
func (l *Login) SetSender(fn func(m *mail.Message) error) { l.send = fn }

type linkPayload struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

func linkKey(digest string) string { return "maillink:" + digest }

// SendLink mails a login link for the given interaction. The token is
// bound to the interaction uid so a link can only resume the flow it was
// requested from.
func (l *Login) SendLink(ctx context.Context, uid, address string) error {
	address = validation.NormalizeEmail(address)
	if !validation.ValidEmail(address) {
		return ErrInvalidEmail
	}

	token, err := tokens.GenerateOpaqueToken(32)
	if err != nil {
		return fmt.Errorf("generate login token: %w", err)
	}
	payload, err := json.Marshal(linkPayload{UID: uid, Email: address})
	if err != nil {
		return fmt.Errorf("encode link payload: %w", err)
	}
	if err := l.cache.Set(ctx, linkKey(tokens.SHA256Base64URL(token)), string(payload), l.ttl); err != nil {
		return fmt.Errorf("store login token: %w", err)
	}

	link := fmt.Sprintf("%s/interaction/%s/verify-email/%s", l.baseURL, uid, token)

	// Unencoded keeps the link on one line; quoted-printable soft breaks
	// would split it in clients that render text/plain literally.
	m := mail.NewMessage(mail.SetEncoding(mail.Unencoded))
	m.SetHeader("From", l.smtp.From)
	m.SetHeader("To", address)
	m.SetHeader("Subject", "Your sign-in link")
	m.SetBody("text/plain", fmt.Sprintf("Follow this link to sign in:\n\n%s\n\nThe link expires in %s and can be used once.", link, l.ttl))

	if err := l.send(m); err != nil {
		return fmt.Errorf("send login link: %w", err)
	}
	return nil
}

// Verify consumes a login link token and yields the verified identity.
// Tokens are single use: the record is deleted before the identity is
// returned.
func (l *Login) Verify(ctx context.Context, uid, token string) (idp.Identity, error) {
	digest := tokens.SHA256Base64URL(token)
	raw, err := l.cache.Get(ctx, linkKey(digest))
	if errors.Is(err, cache.ErrNotFound) {
		return idp.Identity{}, ErrInvalidLink
	}
	if err != nil {
		return idp.Identity{}, fmt.Errorf("load login token: %w", err)
	}

	var payload linkPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return idp.Identity{}, fmt.Errorf("malformed login token record: %w", err)
	}
	if payload.UID != uid {
		return idp.Identity{}, ErrInvalidLink
	}

	if err := l.cache.Delete(ctx, linkKey(digest)); err != nil {
		return idp.Identity{}, fmt.Errorf("consume login token: %w", err)
	}

	return idp.Identity{
		ExternalID: "email:" + payload.Email,
		Profile:    map[string]string{"email": payload.Email},
	}, nil
}

func (l *Login) dialAndSend(m *mail.Message) error {
	d := mail.NewDialer(l.smtp.Host, l.smtp.Port, l.smtp.Username, l.smtp.Password)
	d.TLSConfig = &tls.Config{
		ServerName:         l.smtp.Host,
		InsecureSkipVerify: l.smtp.InsecureSkipVerify,
	}
	switch l.smtp.TLS {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: l.smtp.InsecureSkipVerify}
	default:
		// "auto"/"starttls": go-mail negotiates STARTTLS when offered.
	}
	return d.DialAndSend(m)
}
