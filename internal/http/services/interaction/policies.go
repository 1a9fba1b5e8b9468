package interaction

import (
	"errors"

	"oidcgw/internal/account"
	"oidcgw/internal/grant"
	"oidcgw/internal/policy"
	"oidcgw/internal/provider"
	"oidcgw/internal/sitesession"
)

// Prompt and check names. They surface in audit records and metrics, so
// they are stable identifiers, not display strings.
const (
	PromptLogin    = "login"
	PromptApproval = "approval_required"
	PromptName     = "name"
	PromptToS      = "tos"
	PromptGroups   = "groups_required"
	PromptConsent  = "consent"

	checkNoSession    = "no_session"
	checkApproval     = "approval_required"
	checkNameRequired = "name_required"
	checkToSAccepted  = "tos_not_accepted"
	checkGroups       = "allowed_groups_required"
	checkScopes       = "scopes_missing"
	checkSiteCookie   = "site_cookie_required"
)

const (
	errLoginRequired       = "login_required"
	errInteractionRequired = "interaction_required"
	errConsentRequired     = "consent_required"
)

// buildChain assembles the gateway's prompt chain. Order is fixed at
// startup: login, approval, name, tos, groups, consent. Every check reads
// live state through the evaluation context, so nothing here caches a
// verdict between requests.
func (s *service) buildChain() *policy.Chain {
	login := policy.NewPrompt(PromptLogin, true, policy.Check{
		Name:   checkNoSession,
		Reason: "End-User authentication is required",
		Error:  errLoginRequired,
		Fn: func(pc *policy.Context) (policy.Verdict, error) {
			// A session whose account record vanished counts as signed
			// out; resumption re-validates the account every cycle.
			acct, err := pc.Account()
			if err != nil {
				return policy.NoPrompt, err
			}
			if acct == nil {
				return policy.RequestPrompt, nil
			}
			return policy.NoPrompt, nil
		},
	})

	consent := policy.NewPrompt(PromptConsent, true, policy.Check{
		Name:   checkScopes,
		Reason: "consent for the requested scopes is missing",
		Error:  errConsentRequired,
		Fn: func(pc *policy.Context) (policy.Verdict, error) {
			acct, err := pc.Account()
			if err != nil || acct == nil {
				return policy.NoPrompt, err
			}
			g, err := s.grants.Get(pc.Ctx, acct.ID, pc.Client.ClientID)
			if err != nil && !errors.Is(err, grant.ErrNotFound) {
				return policy.NoPrompt, err
			}
			if !g.Covers(pc.Interaction.Params.Scopes) {
				return policy.RequestPrompt, nil
			}
			return policy.NoPrompt, nil
		},
	})

	b := policy.NewBuilder(login, consent)

	b.Add(policy.NewPrompt(PromptApproval, false, policy.Check{
		Name:   checkApproval,
		Reason: "the account has not been approved yet",
		Error:  errInteractionRequired,
		Fn: func(pc *policy.Context) (policy.Verdict, error) {
			acct, err := pc.Account()
			if err != nil || acct == nil {
				return policy.NoPrompt, err
			}
			// Administrators never wait on approval.
			if acct.IsAdmin {
				return policy.NoPrompt, nil
			}
			if !acct.CheckCondition(account.Approved()) {
				return policy.RequestPrompt, nil
			}
			return policy.NoPrompt, nil
		},
	}), 1)

	b.Add(policy.NewPrompt(PromptName, false, policy.Check{
		Name:   checkNameRequired,
		Reason: "a display name is required",
		Error:  errInteractionRequired,
		Fn: func(pc *policy.Context) (policy.Verdict, error) {
			acct, err := pc.Account()
			if err != nil || acct == nil {
				return policy.NoPrompt, err
			}
			if acct.Name() == "" {
				return policy.RequestPrompt, nil
			}
			return policy.NoPrompt, nil
		},
	}), 2)

	b.Add(policy.NewPrompt(PromptToS, false, policy.Check{
		Name:   checkToSAccepted,
		Reason: "the current terms of service have not been accepted",
		Error:  errInteractionRequired,
		Fn: func(pc *policy.Context) (policy.Verdict, error) {
			acct, err := pc.Account()
			if err != nil || acct == nil {
				return policy.NoPrompt, err
			}
			// Pinned to the fingerprint of the text being served right
			// now; acceptance of an older revision does not count.
			if !acct.CheckCondition(account.ToSAccepted(s.texts.ToSFingerprint)) {
				return policy.RequestPrompt, nil
			}
			return policy.NoPrompt, nil
		},
	}), 3)

	b.Add(policy.NewPrompt(PromptGroups, false, policy.Check{
		Name:   checkGroups,
		Reason: "the account is not in a group allowed to use this client",
		Error:  errInteractionRequired,
		Fn: func(pc *policy.Context) (policy.Verdict, error) {
			if len(pc.Client.AllowedGroups) == 0 {
				return policy.NoPrompt, nil
			}
			acct, err := pc.Account()
			if err != nil || acct == nil {
				return policy.NoPrompt, err
			}
			if !account.CheckGroups(pc.Client.AllowedGroups, acct) {
				return policy.RequestPrompt, nil
			}
			return policy.NoPrompt, nil
		},
	}), 4)

	// Middleware clients additionally need a live site-session cookie. A
	// valid cookie from a previous consent is rebound to the current
	// protocol session instead of re-prompting.
	b.AppendCheck(PromptConsent, policy.Check{
		Name:   checkSiteCookie,
		Reason: "a site session has to be established for this client",
		Error:  errConsentRequired,
		Fn: func(pc *policy.Context) (policy.Verdict, error) {
			if pc.Client.Kind != provider.KindMiddleware {
				return policy.NoPrompt, nil
			}
			if !s.sessions.Validate(pc.Request, pc.Client.ClientID) {
				return policy.RequestPrompt, nil
			}
			if id := pc.Interaction.Result.SiteSessionID; id != "" && pc.Session != nil {
				err := s.sessions.Rebind(pc.Ctx, id, pc.Session.ID)
				if errors.Is(err, sitesession.ErrNotFound) {
					// The provisional session vanished; mint a fresh one.
					return policy.RequestPrompt, nil
				}
				if err != nil {
					return policy.NoPrompt, err
				}
			}
			return policy.NoPrompt, nil
		},
	})

	return b.Build()
}
