package provider

import (
	"context"
	"net/http"
	"sync"
)

// Fake is an in-memory Provider for tests and local development. It holds
// one pending interaction at a time, which matches the single-flow-per-
// request model the gateway is built around.
type Fake struct {
	mu          sync.Mutex
	interaction *Interaction
	clients     map[string]*Client
	session     *Session

	// Finished captures the last Finish call.
	Finished       bool
	FinishedResult Result
	FinishedMerge  bool
}

func NewFake() *Fake {
	return &Fake{clients: make(map[string]*Client)}
}

// SetInteraction installs the pending interaction. Passing nil simulates
// expiry.
func (f *Fake) SetInteraction(i *Interaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interaction = i
	f.Finished = false
	f.FinishedResult = Result{}
}

// SetSession installs the browser session returned by SessionFromRequest.
func (f *Fake) SetSession(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
}

// AddClient registers a client.
func (f *Fake) AddClient(c *Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c.ClientID] = c
}

// Interaction returns the current pending interaction, nil after expiry.
func (f *Fake) Interaction() *Interaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interaction
}

func (f *Fake) Details(r *http.Request) (*Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interaction == nil {
		return nil, ErrInteractionExpired
	}
	cp := *f.interaction
	return &cp, nil
}

func (f *Fake) Finish(w http.ResponseWriter, r *http.Request, result Result, merge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interaction == nil {
		return ErrInteractionExpired
	}
	if merge {
		result = f.interaction.Result.Merge(result)
	}
	f.interaction.Result = result
	f.Finished = true
	f.FinishedResult = result
	f.FinishedMerge = merge
	return nil
}

func (f *Fake) SaveResult(r *http.Request, result Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.interaction == nil {
		return ErrInteractionExpired
	}
	f.interaction.Result = f.interaction.Result.Merge(result)
	return nil
}

func (f *Fake) FindClient(ctx context.Context, clientID string) (*Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}

func (f *Fake) SessionFromRequest(r *http.Request) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session != nil {
		return f.session, nil
	}
	if f.interaction != nil && f.interaction.Session != nil {
		return f.interaction.Session, nil
	}
	return &Session{}, nil
}

var _ Provider = (*Fake)(nil)
