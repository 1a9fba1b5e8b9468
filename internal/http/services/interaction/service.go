// Package interaction implements the gateway's core flow: every visit to a
// pending interaction re-evaluates the prompt chain from the top and either
// renders the first unsatisfied prompt or reports the interaction finished.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"oidcgw/internal/account"
	"oidcgw/internal/audit"
	"oidcgw/internal/grant"
	dto "oidcgw/internal/http/dto/interaction"
	"oidcgw/internal/idp"
	"oidcgw/internal/idp/email"
	"oidcgw/internal/idp/github"
	"oidcgw/internal/metrics"
	"oidcgw/internal/observability/logger"
	"oidcgw/internal/policy"
	"oidcgw/internal/provider"
	"oidcgw/internal/sitesession"
	"oidcgw/internal/store"
	"oidcgw/internal/validation"
)

// Audit action strings. These are stable identifiers consumed by log
// pipelines; do not reword them casually.
const (
	auditClientAuthorized = "Client authorized"
	auditNotAuthorized    = "User is not authorized"
	auditNoGroups         = "User does not have required groups"
	auditToSApproved      = "ToS approved"
	auditNameUpdated      = "User name updated"
	auditEmailInitiated   = "Email login initiated"
	auditLinkUsed         = "Login link used"
	auditGitHubInitiated  = "GitHub login initiated"
	auditGitHubCallback   = "GitHub login callback received"
	auditAborted          = "End-User aborted interaction"
	auditUnhandledPrompt  = "Unhandled prompt requested"
)

// ValidationError rejects a submission without voiding the interaction;
// the web layer re-renders the prompt with the message.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Service drives pending authorization interactions.
type Service interface {
	// Show renders the current state of the interaction: the first
	// unsatisfied prompt, a finished redirect, or the degraded session
	// view when the interaction is gone.
	Show(w http.ResponseWriter, r *http.Request) (*dto.View, error)

	// UpdateName answers the name prompt.
	UpdateName(w http.ResponseWriter, r *http.Request, name string) (*dto.View, error)

	// ConfirmToS records acceptance of exactly the terms revision that was
	// displayed to the user.
	ConfirmToS(w http.ResponseWriter, r *http.Request) (*dto.View, error)

	// Abort ends the interaction with access_denied.
	Abort(w http.ResponseWriter, r *http.Request) (*dto.View, error)

	// StartEmailLogin mails a single-use login link for the interaction.
	StartEmailLogin(w http.ResponseWriter, r *http.Request, address string) (*dto.View, error)

	// VerifyEmailLink consumes a mailed token and signs the account in.
	VerifyEmailLink(w http.ResponseWriter, r *http.Request, token string) (*dto.View, error)

	// StartGitHubLogin returns the upstream authorization URL.
	StartGitHubLogin(r *http.Request) (*dto.View, error)

	// FinishGitHubLogin completes the upstream OAuth round trip.
	FinishGitHubLogin(w http.ResponseWriter, r *http.Request, code string) (*dto.View, error)

	// Chain exposes the assembled prompt chain (read-only, for startup
	// logging and tests).
	Chain() *policy.Chain
}

// Deps are the service's collaborators. GitHub and Email may be nil, which
// disables the corresponding login method.
type Deps struct {
	Provider provider.Provider
	Accounts store.AccountStore
	Grants   grant.Store
	Sessions *sitesession.Service
	Audit    *audit.Recorder
	Texts    *Texts
	GitHub   *github.OAuth
	Email    *email.Login
}

type service struct {
	provider provider.Provider
	accounts store.AccountStore
	grants   grant.Store
	sessions *sitesession.Service
	audit    *audit.Recorder
	texts    *Texts
	github   *github.OAuth
	email    *email.Login
	chain    *policy.Chain
}

func New(deps Deps) Service {
	s := &service{
		provider: deps.Provider,
		accounts: deps.Accounts,
		grants:   deps.Grants,
		sessions: deps.Sessions,
		audit:    deps.Audit,
		texts:    deps.Texts,
		github:   deps.GitHub,
		email:    deps.Email,
	}
	s.chain = s.buildChain()
	return s
}

func (s *service) Chain() *policy.Chain { return s.chain }

// loadAccount adapts the store for the policy context: legitimate absence
// becomes (nil, nil) so checks can treat it as signed out, while backend
// failures stay errors and abort the evaluation.
func (s *service) loadAccount(ctx context.Context, id string) (*account.Account, error) {
	a, err := s.accounts.Find(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *service) details(r *http.Request) (*provider.Interaction, *provider.Client, error) {
	in, err := s.provider.Details(r)
	if err != nil {
		return nil, nil, err
	}
	client, err := s.provider.FindClient(r.Context(), in.Params.ClientID)
	if errors.Is(err, provider.ErrClientNotFound) {
		return nil, nil, &provider.Error{
			Status:      http.StatusBadRequest,
			Code:        "invalid_client",
			Description: "client is not registered",
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return in, client, nil
}

func (s *service) evaluate(r *http.Request, in *provider.Interaction, client *provider.Client) (*policy.Result, error) {
	pc := &policy.Context{
		Ctx:         r.Context(),
		Interaction: in,
		Client:      client,
		Session:     in.Session,
		Request:     r,
		LoadAccount: s.loadAccount,
	}
	timer := prometheus.NewTimer(metrics.ChainEvalDuration)
	res, err := s.chain.Evaluate(pc)
	timer.ObserveDuration()
	if err != nil {
		return nil, fmt.Errorf("evaluate prompt chain: %w", err)
	}
	label := "none"
	if res != nil {
		label = res.Prompt.Name()
	}
	metrics.PromptEvaluations.WithLabelValues(label).Inc()
	return res, nil
}

func (s *service) Show(w http.ResponseWriter, r *http.Request) (*dto.View, error) {
	in, client, err := s.details(r)
	if errors.Is(err, provider.ErrInteractionExpired) {
		return s.degradedView(r)
	}
	if err != nil {
		return nil, err
	}

	res, err := s.evaluate(r, in, client)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return s.finish(w, r, provider.Result{}, true)
	}

	log := logger.From(r.Context()).With(
		logger.Interaction(in.UID),
		logger.ClientID(client.ClientID),
		logger.Prompt(res.Prompt.Name()),
	)
	view := &dto.View{
		UID:    in.UID,
		Prompt: res.Prompt.Name(),
		Client: clientInfo(client),
	}

	switch res.Prompt.Name() {
	case PromptLogin:
		view.Title = "Sign in"
		return view, nil

	case PromptApproval:
		s.audit.Record(r.Context(), in.Session.AccountID, auditNotAuthorized, map[string]any{
			"client": client.ClientID,
		})
		view.Title = "Account pending approval"
		view.Text = s.texts.Approval
		return view, nil

	case PromptName:
		view.Title = "Choose a display name"
		return view, nil

	case PromptToS:
		// Pin the exact revision being shown so the confirmation write
		// can never record acceptance of text the user did not see.
		err := s.provider.SaveResult(r, provider.Result{ToSFingerprint: s.texts.ToSFingerprint})
		if err != nil {
			return nil, fmt.Errorf("stash tos fingerprint: %w", err)
		}
		view.Title = "Terms of Service"
		view.Text = s.texts.ToS
		return view, nil

	case PromptGroups:
		s.audit.Record(r.Context(), in.Session.AccountID, auditNoGroups, map[string]any{
			"client":         client.ClientID,
			"allowed_groups": client.AllowedGroups,
		})
		view.Title = "Access denied"
		view.Message = "Your account is not in a group allowed to use this application."
		return view, nil

	case PromptConsent:
		return s.completeConsent(w, r, in, client)

	default:
		// An unknown prompt fails closed instead of silently passing the
		// user through.
		log.Error("unhandled prompt in chain")
		s.audit.Record(r.Context(), in.Session.AccountID, auditUnhandledPrompt, map[string]any{
			"prompt": res.Prompt.Name(),
			"client": client.ClientID,
		})
		return nil, fmt.Errorf("unhandled prompt %q", res.Prompt.Name())
	}
}

// completeConsent records the grant, establishes the site-session bridge
// for middleware clients and reports the interaction finished.
func (s *service) completeConsent(w http.ResponseWriter, r *http.Request, in *provider.Interaction, client *provider.Client) (*dto.View, error) {
	ctx := r.Context()
	accountID := in.Session.AccountID

	g, err := s.grants.Upsert(ctx, accountID, client.ClientID, in.Params.Scopes)
	if err != nil {
		return nil, fmt.Errorf("record grant: %w", err)
	}
	result := provider.Result{Consent: &provider.ConsentResult{GrantID: g.ID}}

	if client.Kind == provider.KindMiddleware && !s.sessions.Validate(r, client.ClientID) {
		ss, err := s.sessions.Create(ctx, w, accountID, in.Session.ID, client.ClientID, nil)
		if err != nil {
			return nil, fmt.Errorf("establish site session: %w", err)
		}
		result.SiteSessionID = ss.ID
	}

	s.audit.Record(ctx, accountID, auditClientAuthorized, map[string]any{
		"client": client.ClientID,
		"grant":  g.ID,
		"scopes": in.Params.Scopes,
	})
	return s.finish(w, r, result, true)
}

func (s *service) finish(w http.ResponseWriter, r *http.Request, result provider.Result, merge bool) (*dto.View, error) {
	if err := s.provider.Finish(w, r, result, merge); err != nil {
		return nil, fmt.Errorf("finish interaction: %w", err)
	}
	metrics.InteractionsFinished.Inc()
	return &dto.View{Title: "Done", Finished: true}, nil
}

// degradedView is the read-only fallback when the interaction is gone but
// the browser still holds a protocol session.
func (s *service) degradedView(r *http.Request) (*dto.View, error) {
	sess, err := s.provider.SessionFromRequest(r)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	view := &dto.View{
		Title:    "Session",
		Degraded: true,
		SignedIn: sess != nil && sess.AccountID != "",
	}
	if !view.SignedIn {
		view.Message = "You are not signed in."
		return view, nil
	}
	view.Message = "You are signed in. The pending request has expired; start over from the application."
	return view, nil
}

func (s *service) UpdateName(w http.ResponseWriter, r *http.Request, name string) (*dto.View, error) {
	in, client, err := s.details(r)
	if err != nil {
		return nil, err
	}
	if in.Session == nil || in.Session.AccountID == "" {
		return nil, invalid("no signed-in session")
	}
	// A name may only be submitted while the chain is actually asking for
	// one. Anything else is a stray or replayed request.
	res, err := s.evaluate(r, in, client)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Prompt.Name() != PromptName {
		return nil, invalid("no display name is being requested")
	}
	if !validation.ValidDisplayName(name) {
		return nil, invalid("display name must be 1 to 128 printable characters")
	}

	_, err = s.accounts.UpdateProfile(r.Context(), in.Session.AccountID, map[string]string{"name": name})
	if err != nil {
		return nil, fmt.Errorf("update display name: %w", err)
	}
	s.audit.Record(r.Context(), in.Session.AccountID, auditNameUpdated, nil)
	return s.finish(w, r, provider.Result{}, true)
}

func (s *service) ConfirmToS(w http.ResponseWriter, r *http.Request) (*dto.View, error) {
	in, _, err := s.details(r)
	if err != nil {
		return nil, err
	}
	if in.Session == nil || in.Session.AccountID == "" {
		return nil, invalid("no signed-in session")
	}
	// Only the fingerprint stashed when the text was displayed may be
	// confirmed. An empty one means the prompt was never rendered.
	fp := in.Result.ToSFingerprint
	if fp == "" {
		return nil, invalid("terms have not been displayed in this interaction")
	}

	_, err = s.accounts.ConfirmCondition(r.Context(), in.Session.AccountID, account.ConditionToSAccepted, fp)
	if err != nil {
		return nil, fmt.Errorf("record tos acceptance: %w", err)
	}
	s.audit.Record(r.Context(), in.Session.AccountID, auditToSApproved, map[string]any{
		"fingerprint": fp,
	})
	return s.finish(w, r, provider.Result{}, true)
}

func (s *service) Abort(w http.ResponseWriter, r *http.Request) (*dto.View, error) {
	in, _, err := s.details(r)
	if err != nil {
		return nil, err
	}
	actor := ""
	if in.Session != nil {
		actor = in.Session.AccountID
	}
	s.audit.Record(r.Context(), actor, auditAborted, map[string]any{
		"client": in.Params.ClientID,
	})
	if err := s.provider.Finish(w, r, provider.Result{
		Error:     "access_denied",
		ErrorDesc: "End-User aborted interaction",
	}, false); err != nil {
		return nil, fmt.Errorf("finish interaction: %w", err)
	}
	metrics.InteractionsFinished.Inc()
	return &dto.View{Title: "Request cancelled", Finished: true}, nil
}

func (s *service) StartEmailLogin(w http.ResponseWriter, r *http.Request, address string) (*dto.View, error) {
	if s.email == nil {
		return nil, invalid("email login is not enabled")
	}
	in, _, err := s.details(r)
	if err != nil {
		return nil, err
	}

	address = validation.NormalizeEmail(address)
	err = s.email.SendLink(r.Context(), in.UID, address)
	if errors.Is(err, email.ErrInvalidEmail) {
		return nil, invalid("the email address is not valid")
	}
	if err != nil {
		return nil, err
	}
	s.audit.Record(r.Context(), audit.ActorAnonymous, auditEmailInitiated, map[string]any{
		"email": address,
	})
	return &dto.View{
		UID:     in.UID,
		Prompt:  PromptLogin,
		Title:   "Check your inbox",
		Message: "A sign-in link has been sent to " + address + ".",
	}, nil
}

func (s *service) VerifyEmailLink(w http.ResponseWriter, r *http.Request, token string) (*dto.View, error) {
	if s.email == nil {
		return nil, invalid("email login is not enabled")
	}
	in, _, err := s.details(r)
	if err != nil {
		return nil, err
	}

	identity, err := s.email.Verify(r.Context(), in.UID, token)
	if errors.Is(err, email.ErrInvalidLink) {
		return nil, invalid("the sign-in link is invalid or has expired")
	}
	if err != nil {
		return nil, err
	}
	return s.signIn(w, r, identity, "email", auditLinkUsed)
}

func (s *service) StartGitHubLogin(r *http.Request) (*dto.View, error) {
	if s.github == nil {
		return nil, invalid("GitHub login is not enabled")
	}
	in, _, err := s.details(r)
	if err != nil {
		return nil, err
	}
	s.audit.Record(r.Context(), audit.ActorAnonymous, auditGitHubInitiated, map[string]any{
		"interaction": in.UID,
	})
	// The interaction uid doubles as the OAuth state; the callback route
	// carries the same uid, so a mismatched state never resolves details.
	return &dto.View{
		UID:         in.UID,
		Prompt:      PromptLogin,
		Title:       "Redirecting to GitHub",
		RedirectURL: s.github.AuthURL(in.UID),
	}, nil
}

func (s *service) FinishGitHubLogin(w http.ResponseWriter, r *http.Request, code string) (*dto.View, error) {
	if s.github == nil {
		return nil, invalid("GitHub login is not enabled")
	}
	in, _, err := s.details(r)
	if err != nil {
		return nil, err
	}
	s.audit.Record(r.Context(), audit.ActorAnonymous, auditGitHubCallback, map[string]any{
		"interaction": in.UID,
	})

	token, err := s.github.ExchangeCode(r.Context(), code)
	if err != nil {
		return s.denyUpstream(w, r, err)
	}
	identity, err := s.github.Identity(r.Context(), token)
	if err != nil {
		return s.denyUpstream(w, r, err)
	}
	return s.signIn(w, r, identity, "github", "")
}

// denyUpstream ends the interaction when the upstream identity provider
// failed mid round trip; resuming it would strand the user on a prompt
// that can no longer be answered.
func (s *service) denyUpstream(w http.ResponseWriter, r *http.Request, cause error) (*dto.View, error) {
	logger.From(r.Context()).Warn("upstream identity provider failed", logger.Err(cause))
	if err := s.provider.Finish(w, r, provider.Result{
		Error:     "access_denied",
		ErrorDesc: "upstream identity provider error",
	}, false); err != nil {
		return nil, fmt.Errorf("finish interaction: %w", err)
	}
	metrics.InteractionsFinished.Inc()
	return &dto.View{Title: "Sign-in failed", Finished: true}, nil
}

func (s *service) signIn(w http.ResponseWriter, r *http.Request, identity idp.Identity, method, auditAction string) (*dto.View, error) {
	acct, err := idp.FindOrCreate(r.Context(), s.accounts, identity)
	if err != nil {
		return nil, err
	}
	if auditAction != "" {
		s.audit.Record(r.Context(), acct.ID, auditAction, map[string]any{"method": method})
	}
	logger.From(r.Context()).Info("login completed",
		logger.AccountID(acct.ID),
		zap.String("method", method),
	)
	if err := s.provider.Finish(w, r, provider.Result{
		Login: &provider.LoginResult{AccountID: acct.ID, Method: method},
	}, false); err != nil {
		return nil, fmt.Errorf("finish interaction: %w", err)
	}
	metrics.InteractionsFinished.Inc()
	return &dto.View{Title: "Signed in", Finished: true}, nil
}

func clientInfo(c *provider.Client) *dto.ClientInfo {
	return &dto.ClientInfo{ClientID: c.ClientID, Name: c.Name, Kind: c.Kind}
}
