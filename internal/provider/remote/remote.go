// Package remote adapts the provider port to a protocol engine running as
// a sidecar. The engine owns all OIDC cryptography and token issuance; the
// gateway talks to its internal interaction API and forwards the browser's
// cookies so the engine can resolve the pending flow and the session.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"oidcgw/internal/provider"
)

// Config locates the engine's internal API.
type Config struct {
	BaseURL string `yaml:"base_url"`
	// APIKey authenticates the gateway against the internal API; the
	// engine must never expose that surface publicly.
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// uidFromPath extracts the interaction uid from /interaction/{uid}[/...].
func uidFromPath(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, p := range parts {
		if p == "interaction" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func (c *Client) newRequest(ctx context.Context, browser *http.Request, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Internal-API-Key", c.apiKey)
	if browser != nil {
		// The engine resolves interaction and session from the browser's
		// own cookies.
		if cookie := browser.Header.Get("Cookie"); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}
	return req, nil
}

type wireError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("protocol engine unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return provider.ErrInteractionExpired
	case resp.StatusCode >= 400:
		var we wireError
		_ = json.NewDecoder(resp.Body).Decode(&we)
		if we.Error == "" {
			return fmt.Errorf("protocol engine: unexpected status %d", resp.StatusCode)
		}
		return &provider.Error{Status: resp.StatusCode, Code: we.Error, Description: we.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}

type wireInteraction struct {
	UID    string `json:"uid"`
	Prompt string `json:"prompt"`
	Params struct {
		ClientID string   `json:"clientId"`
		Scopes   []string `json:"scopes"`
	} `json:"params"`
	Session *struct {
		ID        string `json:"id"`
		AccountID string `json:"accountId"`
	} `json:"session"`
	GrantID string          `json:"grantId"`
	Result  provider.Result `json:"result"`
}

func (c *Client) Details(r *http.Request) (*provider.Interaction, error) {
	uid := uidFromPath(r)
	if uid == "" {
		return nil, provider.ErrInteractionExpired
	}
	req, err := c.newRequest(r.Context(), r, http.MethodGet, "/internal/interaction/"+uid, nil)
	if err != nil {
		return nil, err
	}
	var wi wireInteraction
	if err := c.do(req, &wi); err != nil {
		return nil, err
	}

	in := &provider.Interaction{
		UID:    wi.UID,
		Prompt: wi.Prompt,
		Params: provider.Params{
			ClientID: wi.Params.ClientID,
			Scopes:   wi.Params.Scopes,
		},
		GrantID: wi.GrantID,
		Result:  wi.Result,
	}
	if wi.Session != nil {
		in.Session = &provider.Session{ID: wi.Session.ID, AccountID: wi.Session.AccountID}
	}
	return in, nil
}

type finishRequest struct {
	Result provider.Result `json:"result"`
	Merge  bool            `json:"merge"`
}

type finishResponse struct {
	// RedirectTo resumes the authorization flow at the engine.
	RedirectTo string `json:"redirectTo"`
}

func (c *Client) Finish(w http.ResponseWriter, r *http.Request, result provider.Result, merge bool) error {
	uid := uidFromPath(r)
	req, err := c.newRequest(r.Context(), r, http.MethodPost, "/internal/interaction/"+uid+"/finish", finishRequest{Result: result, Merge: merge})
	if err != nil {
		return err
	}
	var fr finishResponse
	if err := c.do(req, &fr); err != nil {
		return err
	}
	if fr.RedirectTo != "" {
		http.Redirect(w, r, fr.RedirectTo, http.StatusSeeOther)
	}
	return nil
}

func (c *Client) SaveResult(r *http.Request, result provider.Result) error {
	uid := uidFromPath(r)
	req, err := c.newRequest(r.Context(), r, http.MethodPost, "/internal/interaction/"+uid+"/result", result)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

type wireClient struct {
	ClientID      string   `json:"clientId"`
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Scopes        []string `json:"scopes"`
	AllowedGroups []string `json:"allowedGroups"`
}

func (c *Client) FindClient(ctx context.Context, clientID string) (*provider.Client, error) {
	req, err := c.newRequest(ctx, nil, http.MethodGet, "/internal/clients/"+clientID, nil)
	if err != nil {
		return nil, err
	}
	var wc wireClient
	err = c.do(req, &wc)
	if errors.Is(err, provider.ErrInteractionExpired) {
		// 404 on the client route means the client, not an interaction.
		return nil, provider.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &provider.Client{
		ClientID:      wc.ClientID,
		Name:          wc.Name,
		Kind:          wc.Kind,
		Scopes:        wc.Scopes,
		AllowedGroups: wc.AllowedGroups,
	}, nil
}

func (c *Client) SessionFromRequest(r *http.Request) (*provider.Session, error) {
	req, err := c.newRequest(r.Context(), r, http.MethodGet, "/internal/session", nil)
	if err != nil {
		return nil, err
	}
	var ws struct {
		ID        string `json:"id"`
		AccountID string `json:"accountId"`
	}
	if err := c.do(req, &ws); err != nil {
		if errors.Is(err, provider.ErrInteractionExpired) {
			return &provider.Session{}, nil
		}
		return nil, err
	}
	return &provider.Session{ID: ws.ID, AccountID: ws.AccountID}, nil
}

var _ provider.Provider = (*Client)(nil)
