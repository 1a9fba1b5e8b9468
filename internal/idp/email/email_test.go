package email

import (
	"context"
	"strings"
	"testing"

	mail "github.com/go-mail/mail"
	"github.com/stretchr/testify/require"

	cachemem "oidcgw/internal/cache/memory"
)

func newTestLogin() (*Login, *[]string) {
	l := NewLogin(SMTPConfig{From: "gw@example.org"}, "https://gw.example.org", cachemem.New(0), 0)
	var bodies []string
	l.send = func(m *mail.Message) error {
		var sb strings.Builder
		_, err := m.WriteTo(&sb)
		bodies = append(bodies, sb.String())
		return err
	}
	return l, &bodies
}

func tokenFromMail(t *testing.T, body, uid string) string {
	t.Helper()
	marker := "/interaction/" + uid + "/verify-email/"
	i := strings.Index(body, marker)
	require.GreaterOrEqual(t, i, 0, "mail must contain the verify link")
	rest := body[i+len(marker):]
	end := strings.IndexAny(rest, " \t\r\n")
	require.GreaterOrEqual(t, end, 0)
	return rest[:end]
}

func TestSendAndVerify(t *testing.T) {
	ctx := context.Background()
	l, bodies := newTestLogin()

	require.NoError(t, l.SendLink(ctx, "uid-1", "User@Example.org "))
	require.Len(t, *bodies, 1)

	token := tokenFromMail(t, (*bodies)[0], "uid-1")
	id, err := l.Verify(ctx, "uid-1", token)
	require.NoError(t, err)
	require.Equal(t, "email:user@example.org", id.ExternalID)
	require.Equal(t, "user@example.org", id.Profile["email"])

	// Single use.
	_, err = l.Verify(ctx, "uid-1", token)
	require.ErrorIs(t, err, ErrInvalidLink)
}

func TestVerify_WrongInteraction(t *testing.T) {
	ctx := context.Background()
	l, bodies := newTestLogin()

	require.NoError(t, l.SendLink(ctx, "uid-1", "user@example.org"))
	token := tokenFromMail(t, (*bodies)[0], "uid-1")

	_, err := l.Verify(ctx, "uid-other", token)
	require.ErrorIs(t, err, ErrInvalidLink)
}

func TestSendLink_RejectsBadAddress(t *testing.T) {
	l, _ := newTestLogin()
	require.ErrorIs(t, l.SendLink(context.Background(), "uid-1", "not-an-email"), ErrInvalidEmail)
	require.ErrorIs(t, l.SendLink(context.Background(), "uid-1", "user@nodot"), ErrInvalidEmail)
}
