package interaction

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	mail "github.com/go-mail/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcgw/internal/account"
	"oidcgw/internal/audit"
	memcache "oidcgw/internal/cache/memory"
	"oidcgw/internal/grant"
	"oidcgw/internal/idp/email"
	"oidcgw/internal/provider"
	"oidcgw/internal/sitesession"
	memstore "oidcgw/internal/store/memory"
)

type captureSink struct {
	events []audit.Event
}

func (c *captureSink) Record(ctx context.Context, e audit.Event) error {
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) actions() []string {
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Action)
	}
	return out
}

type env struct {
	provider *provider.Fake
	accounts *memstore.Store
	cache    *memcache.Mem
	grants   grant.Store
	sessions *sitesession.Service
	sink     *captureSink
	texts    *Texts
	email    *email.Login
	sent     []*mail.Message
	svc      Service
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		provider: provider.NewFake(),
		accounts: memstore.New(),
		cache:    memcache.New(time.Minute),
		sink:     &captureSink{},
	}
	e.grants = grant.NewCacheStore(e.cache)
	e.sessions = sitesession.NewService(e.cache, []byte("test-master-key"), sitesession.Config{})

	texts, err := LoadTexts("", "")
	require.NoError(t, err)
	e.texts = texts

	e.email = email.NewLogin(email.SMTPConfig{From: "gw@example.com"}, "https://gw.example.com", e.cache, time.Minute)
	e.email.SetSender(func(m *mail.Message) error {
		e.sent = append(e.sent, m)
		return nil
	})

	e.svc = New(Deps{
		Provider: e.provider,
		Accounts: e.accounts,
		Grants:   e.grants,
		Sessions: e.sessions,
		Audit:    audit.NewRecorder(e.sink),
		Texts:    texts,
		Email:    e.email,
	})
	return e
}

// ready seeds an account that passes every prompt up to consent.
func (e *env) ready(id string) *account.Account {
	a := &account.Account{
		ID:      id,
		Profile: map[string]string{"name": "Ada", "email": id + "@example.com"},
		Conditions: []account.ConditionGrant{
			{Name: account.ConditionApproved},
			{Name: account.ConditionToSAccepted, Fingerprint: e.texts.ToSFingerprint},
		},
	}
	e.accounts.Seed(a)
	return a
}

func (e *env) pending(uid, clientID, accountID string, scopes ...string) *provider.Interaction {
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	in := &provider.Interaction{
		UID:     uid,
		Prompt:  "login",
		Params:  provider.Params{ClientID: clientID, Scopes: scopes},
		Session: &provider.Session{ID: "sess-" + uid, AccountID: accountID},
	}
	e.provider.SetInteraction(in)
	return in
}

func get(uid string) (*httptest.ResponseRecorder, *http.Request) {
	return httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/interaction/"+uid, nil)
}

func TestShowLoginPromptWithoutSession(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.pending("u1", "web", "")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.Equal(t, PromptLogin, view.Prompt)
	assert.False(t, e.provider.Finished)
}

func TestShowLoginPromptWhenAccountVanished(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.pending("u1", "web", "ghost")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.Equal(t, PromptLogin, view.Prompt)
}

func TestShowFailsOnBackendError(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.ready("acct")
	e.pending("u1", "web", "acct")
	e.accounts.FailWith(errors.New("etcd is down"))

	w, r := get("u1")
	_, err := e.svc.Show(w, r)
	require.Error(t, err)
	assert.False(t, e.provider.Finished, "a backend failure must not be treated as signed out")
}

func TestApprovalPromptWithAudit(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.accounts.Seed(&account.Account{ID: "acct", Profile: map[string]string{"name": "Ada"}})
	e.pending("u1", "web", "acct")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.Equal(t, PromptApproval, view.Prompt)
	assert.Equal(t, e.texts.Approval, view.Text)
	assert.Contains(t, e.sink.actions(), "User is not authorized")
}

func TestAdminBypassesApproval(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	a := e.ready("acct")
	a.Conditions = a.Conditions[1:] // drop approved, keep tos
	e.accounts.Seed(a)
	e.accounts.SetAdmin("acct", true)
	e.pending("u1", "web", "acct")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.True(t, view.Finished)
	require.NotNil(t, e.provider.FinishedResult.Consent)
}

func TestNamePromptThenUpdate(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.accounts.Seed(&account.Account{
		ID:         "acct",
		Profile:    map[string]string{"email": "a@example.com"},
		Conditions: []account.ConditionGrant{{Name: account.ConditionApproved}},
	})
	e.pending("u1", "web", "acct")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.Equal(t, PromptName, view.Prompt)

	w, r = get("u1")
	view, err = e.svc.UpdateName(w, r, "Grace")
	require.NoError(t, err)
	assert.True(t, view.Finished)
	assert.True(t, e.provider.FinishedMerge)
	assert.Contains(t, e.sink.actions(), "User name updated")

	a, err := e.accounts.Find(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, "Grace", a.Name())
	assert.Equal(t, "a@example.com", a.Profile["email"], "unrelated fields survive the patch")
}

func TestUpdateNameRejectsInvalidInput(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.accounts.Seed(&account.Account{
		ID:         "acct",
		Conditions: []account.ConditionGrant{{Name: account.ConditionApproved}},
	})
	e.pending("u1", "web", "acct")

	w, r := get("u1")
	_, err := e.svc.UpdateName(w, r, "bad\x00name")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, e.provider.Finished)
}

func TestUpdateNameRejectedWhenNotRequested(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.ready("acct")
	e.pending("u1", "web", "acct")

	w, r := get("u1")
	_, err := e.svc.UpdateName(w, r, "Eve")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, e.provider.Finished)

	a, err := e.accounts.Find(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, "Ada", a.Name(), "a stray submission must not overwrite the stored name")
}

func TestToSPromptStashesFingerprint(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	a := e.ready("acct")
	a.Conditions = a.Conditions[:1] // approved only
	e.accounts.Seed(a)
	e.pending("u1", "web", "acct")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.Equal(t, PromptToS, view.Prompt)
	assert.Equal(t, e.texts.ToS, view.Text)
	assert.Equal(t, e.texts.ToSFingerprint, e.provider.Interaction().Result.ToSFingerprint)
}

func TestConfirmToSRecordsDisplayedRevision(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	a := e.ready("acct")
	a.Conditions = a.Conditions[:1]
	e.accounts.Seed(a)
	e.pending("u1", "web", "acct")

	w, r := get("u1")
	_, err := e.svc.Show(w, r) // stashes the fingerprint
	require.NoError(t, err)

	w, r = get("u1")
	view, err := e.svc.ConfirmToS(w, r)
	require.NoError(t, err)
	assert.True(t, view.Finished)
	assert.Contains(t, e.sink.actions(), "ToS approved")

	got, err := e.accounts.Find(context.Background(), "acct")
	require.NoError(t, err)
	assert.True(t, got.HasConditionGrant(account.ConditionToSAccepted, e.texts.ToSFingerprint))
}

func TestConfirmToSWithoutDisplayIsRejected(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.ready("acct")
	e.pending("u1", "web", "acct")

	w, r := get("u1")
	_, err := e.svc.ConfirmToS(w, r)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	got, err := e.accounts.Find(context.Background(), "acct")
	require.NoError(t, err)
	assert.Len(t, got.Conditions, 2, "no new condition grant recorded")
}

func TestToSRepromptsAfterTextChange(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	a := e.ready("acct")
	a.Conditions[1].Fingerprint = "fingerprint-of-an-older-revision"
	e.accounts.Seed(a)
	e.pending("u1", "web", "acct")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.Equal(t, PromptToS, view.Prompt)
}

func TestGroupsPromptWithAudit(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "ops-tool", AllowedGroups: []string{"ops"}})
	a := e.ready("acct")
	a.Profile["groups"] = "dev,qa"
	e.accounts.Seed(a)
	e.pending("u1", "ops-tool", "acct")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.Equal(t, PromptGroups, view.Prompt)
	assert.Contains(t, e.sink.actions(), "User does not have required groups")
	assert.False(t, e.provider.Finished)
}

func TestGroupsPassWhenMember(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "ops-tool", AllowedGroups: []string{"ops"}})
	a := e.ready("acct")
	a.Profile["groups"] = "dev,ops"
	e.accounts.Seed(a)
	e.pending("u1", "ops-tool", "acct")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.True(t, view.Finished)
}

func TestConsentRecordsGrantAndFinishes(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.ready("acct")
	e.pending("u1", "web", "acct", "openid", "email")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.True(t, view.Finished)
	assert.True(t, e.provider.FinishedMerge)
	require.NotNil(t, e.provider.FinishedResult.Consent)
	assert.Contains(t, e.sink.actions(), "Client authorized")

	g, err := e.grants.Get(context.Background(), "acct", "web")
	require.NoError(t, err)
	assert.Equal(t, e.provider.FinishedResult.Consent.GrantID, g.ID)
	assert.True(t, g.Covers([]string{"openid", "email"}))
}

func TestConsentSkippedWhenGrantCovers(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.ready("acct")
	_, err := e.grants.Upsert(context.Background(), "acct", "web", []string{"openid", "email"})
	require.NoError(t, err)
	e.pending("u1", "web", "acct", "openid")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.True(t, view.Finished)
	assert.Nil(t, e.provider.FinishedResult.Consent, "no new grant step was needed")
	assert.NotContains(t, e.sink.actions(), "Client authorized")
}

func TestConsentExtendsExistingGrant(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.ready("acct")
	first, err := e.grants.Upsert(context.Background(), "acct", "web", []string{"openid"})
	require.NoError(t, err)
	e.pending("u1", "web", "acct", "openid", "profile")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.True(t, view.Finished)

	g, err := e.grants.Get(context.Background(), "acct", "web")
	require.NoError(t, err)
	assert.Equal(t, first.ID, g.ID, "grant identity is stable per account and client")
	assert.True(t, g.Covers([]string{"openid", "profile"}))
}

func TestMiddlewareConsentMintsSiteSession(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "proxy", Kind: provider.KindMiddleware})
	e.ready("acct")
	in := e.pending("u1", "proxy", "acct")

	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.True(t, view.Finished)

	ssID := e.provider.FinishedResult.SiteSessionID
	require.NotEmpty(t, ssID)

	ss, err := e.sessions.Get(context.Background(), ssID)
	require.NoError(t, err)
	assert.Equal(t, "acct", ss.AccountID)
	assert.Equal(t, in.Session.ID, ss.SessionID)

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	next := httptest.NewRequest(http.MethodGet, "/interaction/u2", nil)
	for _, c := range cookies {
		next.AddCookie(c)
	}
	assert.True(t, e.sessions.Validate(next, "proxy"))
	assert.False(t, e.sessions.Validate(next, "other-client"), "cookie is bound to its client")
}

func TestMiddlewareWithoutCookieForcesConsentDespiteGrant(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "proxy", Kind: provider.KindMiddleware})
	e.ready("acct")

	// A stored grant already covers the requested scopes. For a middleware
	// client that is not enough: without a valid site cookie the consent
	// step still runs so that a fresh site session gets minted.
	_, err := e.grants.Upsert(context.Background(), "acct", "proxy", []string{"openid"})
	require.NoError(t, err)

	in := e.pending("u1", "proxy", "acct")
	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.True(t, view.Finished)

	ssID := e.provider.FinishedResult.SiteSessionID
	require.NotEmpty(t, ssID)
	ss, err := e.sessions.Get(context.Background(), ssID)
	require.NoError(t, err)
	assert.Equal(t, in.Session.ID, ss.SessionID)

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	next := httptest.NewRequest(http.MethodGet, "/interaction/u2", nil)
	for _, c := range cookies {
		next.AddCookie(c)
	}
	assert.True(t, e.sessions.Validate(next, "proxy"))
}

func TestMiddlewareRebindsSiteSessionToCurrentSession(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "proxy", Kind: provider.KindMiddleware})
	e.ready("acct")
	e.pending("u1", "proxy", "acct")

	w, r := get("u1")
	_, err := e.svc.Show(w, r)
	require.NoError(t, err)
	ssID := e.provider.FinishedResult.SiteSessionID
	cookies := w.Result().Cookies()

	// Same browser comes back under a fresh protocol session; the earlier
	// submission already references the minted site session.
	in := e.pending("u2", "proxy", "acct")
	in.Session.ID = "sess-next"
	in.Result.SiteSessionID = ssID
	e.provider.SetInteraction(in)

	w, r = get("u2")
	for _, c := range cookies {
		r.AddCookie(c)
	}
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.True(t, view.Finished)

	ss, err := e.sessions.Get(context.Background(), ssID)
	require.NoError(t, err)
	assert.Equal(t, "sess-next", ss.SessionID)
	assert.Equal(t, "acct", ss.AccountID, "rebinding only moves the session pointer")
}

func TestExpiredInteractionFallsBackToSessionView(t *testing.T) {
	e := newEnv(t)
	e.provider.SetInteraction(nil)
	e.provider.SetSession(&provider.Session{ID: "sess", AccountID: "acct"})

	w, r := get("gone")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	assert.True(t, view.Degraded)
	assert.True(t, view.SignedIn)

	e.provider.SetSession(&provider.Session{})
	view, err = e.svc.Show(w, r)
	require.NoError(t, err)
	assert.True(t, view.Degraded)
	assert.False(t, view.SignedIn)
}

func TestAbortFinishesWithAccessDenied(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.pending("u1", "web", "")

	w, r := get("u1")
	view, err := e.svc.Abort(w, r)
	require.NoError(t, err)
	assert.True(t, view.Finished)
	assert.False(t, e.provider.FinishedMerge)
	assert.Equal(t, "access_denied", e.provider.FinishedResult.Error)
	assert.Contains(t, e.sink.actions(), "End-User aborted interaction")
}

var linkTokenRe = regexp.MustCompile(`verify-email/([A-Za-z0-9_-]+)`)

func sentToken(t *testing.T, m *mail.Message) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	match := linkTokenRe.FindSubmatch(buf.Bytes())
	require.NotNil(t, match, "mail body carries the login link")
	return string(match[1])
}

func TestEmailLoginRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.pending("u1", "web", "")

	w, r := get("u1")
	view, err := e.svc.StartEmailLogin(w, r, "Ada@Example.com ")
	require.NoError(t, err)
	assert.Contains(t, view.Message, "ada@example.com")
	require.Len(t, e.sent, 1)
	assert.Contains(t, e.sink.actions(), "Email login initiated")

	token := sentToken(t, e.sent[0])
	w, r = get("u1")
	view, err = e.svc.VerifyEmailLink(w, r, token)
	require.NoError(t, err)
	assert.True(t, view.Finished)
	assert.Contains(t, e.sink.actions(), "Login link used")
	require.NotNil(t, e.provider.FinishedResult.Login)
	assert.Equal(t, "email:ada@example.com", e.provider.FinishedResult.Login.AccountID)
	assert.Equal(t, "email", e.provider.FinishedResult.Login.Method)

	// The account document now exists for the policy chain to load.
	a, err := e.accounts.Find(context.Background(), "email:ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", a.Profile["email"])
}

func TestEmailLinkIsSingleUse(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	e.pending("u1", "web", "")

	w, r := get("u1")
	_, err := e.svc.StartEmailLogin(w, r, "ada@example.com")
	require.NoError(t, err)
	token := sentToken(t, e.sent[0])

	w, r = get("u1")
	_, err = e.svc.VerifyEmailLink(w, r, token)
	require.NoError(t, err)

	e.pending("u1", "web", "")
	w, r = get("u1")
	_, err = e.svc.VerifyEmailLink(w, r, token)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

// TestNewAccountPromptWalk drives a brand-new email account through every
// prompt in order, re-evaluating from the top after each submission.
func TestNewAccountPromptWalk(t *testing.T) {
	e := newEnv(t)
	e.provider.AddClient(&provider.Client{ClientID: "web"})
	ctx := context.Background()

	// Anonymous visit lands on login.
	e.pending("u1", "web", "")
	w, r := get("u1")
	view, err := e.svc.Show(w, r)
	require.NoError(t, err)
	require.Equal(t, PromptLogin, view.Prompt)

	// Email login creates the account and finishes the login step.
	w, r = get("u1")
	_, err = e.svc.StartEmailLogin(w, r, "new@example.com")
	require.NoError(t, err)
	w, r = get("u1")
	_, err = e.svc.VerifyEmailLink(w, r, sentToken(t, e.sent[0]))
	require.NoError(t, err)
	acctID := e.provider.FinishedResult.Login.AccountID

	// The provider resumes with a signed-in session; the fresh account is
	// not yet approved.
	e.pending("u1", "web", acctID)
	w, r = get("u1")
	view, err = e.svc.Show(w, r)
	require.NoError(t, err)
	require.Equal(t, PromptApproval, view.Prompt)

	// An administrator approves out of band; the next visit moves on.
	_, err = e.accounts.ConfirmCondition(ctx, acctID, account.ConditionApproved, "")
	require.NoError(t, err)
	w, r = get("u1")
	view, err = e.svc.Show(w, r)
	require.NoError(t, err)
	require.Equal(t, PromptName, view.Prompt)

	w, r = get("u1")
	_, err = e.svc.UpdateName(w, r, "New User")
	require.NoError(t, err)

	w, r = get("u1")
	view, err = e.svc.Show(w, r)
	require.NoError(t, err)
	require.Equal(t, PromptToS, view.Prompt)

	w, r = get("u1")
	_, err = e.svc.ConfirmToS(w, r)
	require.NoError(t, err)

	// Everything satisfied: the next visit completes consent and finishes.
	w, r = get("u1")
	view, err = e.svc.Show(w, r)
	require.NoError(t, err)
	require.True(t, view.Finished)
	require.NotNil(t, e.provider.FinishedResult.Consent)
}

func TestChainOrderIsFixed(t *testing.T) {
	e := newEnv(t)
	var names []string
	for _, p := range e.svc.Chain().Prompts() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{
		PromptLogin, PromptApproval, PromptName, PromptToS, PromptGroups, PromptConsent,
	}, names)
}
