// Package policy implements the ordered prompt chain that gates completion
// of a pending authorization. A chain is built once at startup and is
// immutable afterwards; every visit to an interaction re-evaluates it from
// the top, so a verdict is never carried over between requests.
package policy

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"oidcgw/internal/account"
	"oidcgw/internal/provider"
)

// Verdict is the outcome of a single check.
type Verdict int

const (
	// NoPrompt means the check is satisfied and gates nothing.
	NoPrompt Verdict = iota
	// RequestPrompt means the flow must stop at this check's prompt.
	RequestPrompt
)

// CheckFunc evaluates one condition against the request-scoped context.
// Checks are pure with respect to the context: all state they read comes in
// through pc, and account state is reloaded each evaluation cycle.
type CheckFunc func(pc *Context) (Verdict, error)

// Check is a named predicate gating a prompt.
type Check struct {
	// Name identifies the check in details and audit records.
	Name string
	// Reason is the human description attached to the prompt details.
	Reason string
	// Error is the protocol error code reported when the check interrupts
	// the flow, usually "interaction_required".
	Error string
	Fn    CheckFunc
}

// Prompt is a named interaction checkpoint with one or more checks.
// It is satisfied only when all of its checks pass.
type Prompt struct {
	name        string
	requestable bool
	checks      []Check
}

func NewPrompt(name string, requestable bool, checks ...Check) *Prompt {
	return &Prompt{name: name, requestable: requestable, checks: checks}
}

func (p *Prompt) Name() string      { return p.name }
func (p *Prompt) Requestable() bool { return p.requestable }

// Context is the explicit request-scoped state handed to every check:
// the suspended interaction, the requesting client, the browser session and
// a loader for the current account. One Context lives for exactly one
// evaluation cycle.
type Context struct {
	Ctx         context.Context
	Interaction *provider.Interaction
	Client      *provider.Client
	Session     *provider.Session
	// Request carries the cookies some checks need (site-session bridge).
	Request *http.Request
	// LoadAccount resolves the session's account. Legitimate absence is
	// (nil, nil); backend failures are errors and abort the evaluation.
	LoadAccount func(ctx context.Context, id string) (*account.Account, error)

	acct   *account.Account
	loaded bool
}

// Account returns the session's account, loading it at most once per
// evaluation cycle. It is nil before first login or when the record
// vanished, which callers must treat as "not signed in".
func (pc *Context) Account() (*account.Account, error) {
	if pc.loaded {
		return pc.acct, nil
	}
	pc.loaded = true
	if pc.Session == nil || pc.Session.AccountID == "" || pc.LoadAccount == nil {
		return nil, nil
	}
	a, err := pc.LoadAccount(pc.Ctx, pc.Session.AccountID)
	if err != nil {
		pc.loaded = false
		return nil, err
	}
	pc.acct = a
	return a, nil
}

// Result names the first unsatisfied prompt of an evaluation cycle.
type Result struct {
	Prompt *Prompt
	Check  Check
}

// Chain is the immutable, totally ordered prompt list.
type Chain struct {
	prompts []*Prompt
}

// Prompts returns the evaluation order. The slice is shared; callers must
// not mutate it.
func (c *Chain) Prompts() []*Prompt { return c.prompts }

// Get returns the named prompt, or nil.
func (c *Chain) Get(name string) *Prompt {
	for _, p := range c.prompts {
		if p.name == name {
			return p
		}
	}
	return nil
}

// Evaluate walks prompts in order and returns the first whose checks are
// not all satisfied, or nil when the whole chain passes. Prompts after the
// failing one are not evaluated this cycle.
func (c *Chain) Evaluate(pc *Context) (*Result, error) {
	for _, p := range c.prompts {
		for _, chk := range p.checks {
			verdict, err := chk.Fn(pc)
			if err != nil {
				return nil, fmt.Errorf("check %s/%s: %w", p.name, chk.Name, err)
			}
			if verdict == RequestPrompt {
				return &Result{Prompt: p, Check: chk}, nil
			}
		}
	}
	return nil, nil
}

type entry struct {
	prompt   *Prompt
	priority int
	seq      int
}

// Builder assembles a chain. The base prompts are fixed: login always runs
// first and consent always last; Add inserts prompts between them by
// ascending priority. There is no ambient registry; the built chain is
// passed explicitly to its consumer.
type Builder struct {
	login   *Prompt
	consent *Prompt
	added   []entry
}

// NewBuilder starts a chain from the given base login and consent prompts.
func NewBuilder(login, consent *Prompt) *Builder {
	return &Builder{login: login, consent: consent}
}

// Add inserts a prompt with the given priority (lower runs earlier).
// Prompts with equal priority keep insertion order.
func (b *Builder) Add(p *Prompt, priority int) *Builder {
	b.added = append(b.added, entry{prompt: p, priority: priority, seq: len(b.added)})
	return b
}

// AppendCheck attaches an extra check to a base prompt, after its existing
// checks. Used to extend consent with the site-session cookie check.
func (b *Builder) AppendCheck(promptName string, c Check) *Builder {
	switch promptName {
	case b.login.name:
		b.login.checks = append(b.login.checks, c)
	case b.consent.name:
		b.consent.checks = append(b.consent.checks, c)
	default:
		for _, e := range b.added {
			if e.prompt.name == promptName {
				e.prompt.checks = append(e.prompt.checks, c)
				return b
			}
		}
	}
	return b
}

// Build freezes the ordering and returns the immutable chain.
func (b *Builder) Build() *Chain {
	sorted := append([]entry(nil), b.added...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].priority != sorted[j].priority {
			return sorted[i].priority < sorted[j].priority
		}
		return sorted[i].seq < sorted[j].seq
	})

	prompts := make([]*Prompt, 0, len(sorted)+2)
	prompts = append(prompts, b.login)
	for _, e := range sorted {
		prompts = append(prompts, e.prompt)
	}
	prompts = append(prompts, b.consent)
	return &Chain{prompts: prompts}
}
