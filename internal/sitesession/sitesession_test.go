package sitesession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	cachemem "oidcgw/internal/cache/memory"
)

func newTestService() *Service {
	return NewService(cachemem.New(0), []byte("0123456789abcdef0123456789abcdef"), Config{})
}

func createWithCookie(t *testing.T, svc *Service, clientID string) (*SiteSession, *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	ss, err := svc.Create(context.Background(), rec, "u1", "oidc-sess-1", clientID, map[string]string{"k": "v"})
	require.NoError(t, err)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return ss, cookies[0]
}

func TestValidate_HappyPath(t *testing.T) {
	svc := newTestService()
	_, cookie := createWithCookie(t, svc, "proxy-1")

	r := httptest.NewRequest(http.MethodGet, "/interaction/x", nil)
	r.AddCookie(cookie)
	require.True(t, svc.Validate(r, "proxy-1"))
}

func TestValidate_FailureModes(t *testing.T) {
	svc := newTestService()
	_, cookie := createWithCookie(t, svc, "proxy-1")

	// Missing cookie.
	r := httptest.NewRequest(http.MethodGet, "/interaction/x", nil)
	require.False(t, svc.Validate(r, "proxy-1"))

	// Cookie minted for a different client never validates: the signing
	// key is derived per client.
	r = httptest.NewRequest(http.MethodGet, "/interaction/x", nil)
	r.AddCookie(cookie)
	require.False(t, svc.Validate(r, "proxy-2"))

	// Tampered token.
	r = httptest.NewRequest(http.MethodGet, "/interaction/x", nil)
	bad := *cookie
	bad.Value = bad.Value + "x"
	r.AddCookie(&bad)
	require.False(t, svc.Validate(r, "proxy-1"))
}

func TestValidate_GoneSession(t *testing.T) {
	svc := newTestService()
	ss, cookie := createWithCookie(t, svc, "proxy-1")

	require.NoError(t, svc.cache.Delete(context.Background(), storageKey(ss.ID)))

	r := httptest.NewRequest(http.MethodGet, "/interaction/x", nil)
	r.AddCookie(cookie)
	require.False(t, svc.Validate(r, "proxy-1"))
}

func TestRebind_OverwritesSessionIDOnly(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	ss, _ := createWithCookie(t, svc, "proxy-1")

	require.NoError(t, svc.Rebind(ctx, ss.ID, "oidc-sess-2"))

	got, err := svc.Get(ctx, ss.ID)
	require.NoError(t, err)
	require.Equal(t, "oidc-sess-2", got.SessionID)
	require.Equal(t, ss.AccountID, got.AccountID)
	require.Equal(t, ss.ClientID, got.ClientID)
	require.Equal(t, "v", got.Payload["k"])

	require.ErrorIs(t, svc.Rebind(ctx, "ghost", "x"), ErrNotFound)
}
