// Package interaction holds the request/response shapes of the interaction
// endpoints. HTML rendering is out of scope for the gateway; views are
// returned as render-ready models.
package interaction

// ClientInfo is the subset of the client shown to the user.
type ClientInfo struct {
	ClientID string `json:"clientId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// View is the render-ready model for the current state of an interaction.
type View struct {
	UID    string      `json:"uid,omitempty"`
	Prompt string      `json:"prompt,omitempty"`
	Title  string      `json:"title"`
	Client *ClientInfo `json:"client,omitempty"`

	// Text carries the ToS or approval document for wide views.
	Text string `json:"text,omitempty"`
	// Message carries short user-facing notices (access denied, email sent).
	Message string `json:"message,omitempty"`
	// RedirectURL asks the web layer to send the browser upstream
	// (federated login).
	RedirectURL string `json:"redirectUrl,omitempty"`

	// Finished means the interaction was reported complete and no prompt
	// remains to render.
	Finished bool `json:"finished,omitempty"`
	// Degraded means interaction details were gone (expired) and the view
	// was built from the bare session instead.
	Degraded bool `json:"degraded,omitempty"`
	// SignedIn reports whether the degraded view found a live session.
	SignedIn bool `json:"signedIn,omitempty"`
}

// NameSubmission answers the name prompt.
type NameSubmission struct {
	Name string `json:"name"`
}

// EmailSubmission starts the email magic-link login.
type EmailSubmission struct {
	Email string `json:"email"`
}

// FederatedSubmission starts or completes an upstream OAuth login.
type FederatedSubmission struct {
	Upstream string `json:"upstream"`
	Code     string `json:"code,omitempty"`
}
