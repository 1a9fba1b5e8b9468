// Package interaction contains the web controllers of the interaction
// endpoints. Controllers parse and render; every decision lives in the
// service.
package interaction

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	dto "oidcgw/internal/http/dto/interaction"
	httperrors "oidcgw/internal/http/errors"
	svc "oidcgw/internal/http/services/interaction"
	"oidcgw/internal/observability/logger"
	"oidcgw/internal/provider"
)

const (
	maxBodySize     = 64 * 1024 // 64KB
	contentTypeJSON = "application/json; charset=utf-8"
)

// Controller serves the interaction endpoints.
type Controller struct {
	service svc.Service
}

func NewController(service svc.Service) *Controller {
	return &Controller{service: service}
}

// Show handles GET /interaction/{uid}.
func (c *Controller) Show(w http.ResponseWriter, r *http.Request) {
	view, err := c.service.Show(w, r)
	c.render(w, r, view, err, "Controller.Show")
}

// Abort handles POST /interaction/{uid}/abort.
func (c *Controller) Abort(w http.ResponseWriter, r *http.Request) {
	view, err := c.service.Abort(w, r)
	c.render(w, r, view, err, "Controller.Abort")
}

// ConfirmToS handles POST /interaction/{uid}/confirm-tos.
func (c *Controller) ConfirmToS(w http.ResponseWriter, r *http.Request) {
	view, err := c.service.ConfirmToS(w, r)
	c.render(w, r, view, err, "Controller.ConfirmToS")
}

// UpdateName handles POST /interaction/{uid}/update-name.
func (c *Controller) UpdateName(w http.ResponseWriter, r *http.Request) {
	var req dto.NameSubmission
	if !c.parseBody(w, r, &req, func() {
		req.Name = r.FormValue("name")
	}) {
		return
	}
	view, err := c.service.UpdateName(w, r, strings.TrimSpace(req.Name))
	c.render(w, r, view, err, "Controller.UpdateName")
}

// EmailLogin handles POST /interaction/{uid}/email.
func (c *Controller) EmailLogin(w http.ResponseWriter, r *http.Request) {
	var req dto.EmailSubmission
	if !c.parseBody(w, r, &req, func() {
		req.Email = r.FormValue("email")
	}) {
		return
	}
	view, err := c.service.StartEmailLogin(w, r, req.Email)
	c.render(w, r, view, err, "Controller.EmailLogin")
}

// VerifyEmail handles GET /interaction/{uid}/verify-email/{token}.
func (c *Controller) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	view, err := c.service.VerifyEmailLink(w, r, token)
	c.render(w, r, view, err, "Controller.VerifyEmail")
}

// GitHubLogin handles POST /interaction/{uid}/federated/github. It answers
// with a redirect to the upstream authorization endpoint.
func (c *Controller) GitHubLogin(w http.ResponseWriter, r *http.Request) {
	view, err := c.service.StartGitHubLogin(r)
	c.render(w, r, view, err, "Controller.GitHubLogin")
}

// FederatedCallback handles GET /interaction/callback, the fixed redirect
// URI registered upstream. The state parameter carries the interaction uid,
// so this only bounces the browser onto the uid-scoped callback route.
func (c *Controller) FederatedCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" || strings.ContainsAny(state, "/?#") {
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("missing or malformed state"))
		return
	}
	target := "/interaction/" + state + "/federated/github/callback"
	if q := r.URL.RawQuery; q != "" {
		target += "?" + q
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// GitHubCallback handles GET /interaction/{uid}/federated/github/callback.
func (c *Controller) GitHubCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("missing code"))
		return
	}
	view, err := c.service.FinishGitHubLogin(w, r, code)
	c.render(w, r, view, err, "Controller.GitHubCallback")
}

// parseBody decodes JSON or form submissions into req; onForm fills the
// struct from form values. Returns false when a response was written.
func (c *Controller) parseBody(w http.ResponseWriter, r *http.Request, req any, onForm func()) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	ct := strings.ToLower(r.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "application/json"):
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			httperrors.WriteError(w, httperrors.ErrInvalidJSON)
			return false
		}
	case strings.Contains(ct, "application/x-www-form-urlencoded"), ct == "":
		if err := r.ParseForm(); err != nil {
			httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("invalid form"))
			return false
		}
		onForm()
	default:
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("unsupported content type"))
		return false
	}
	return true
}

func (c *Controller) render(w http.ResponseWriter, r *http.Request, view *dto.View, err error, op string) {
	if err != nil {
		c.writeServiceError(w, r, err, op)
		return
	}
	if view.RedirectURL != "" {
		http.Redirect(w, r, view.RedirectURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(view)
}

// writeServiceError maps service failures onto the wire. Validation and
// protocol errors are the client's problem; everything else is an opaque
// 500 with the cause in the log only.
func (c *Controller) writeServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	log := logger.From(r.Context()).With(logger.Layer("controller"), logger.Op(op))

	var verr *svc.ValidationError
	if errors.As(err, &verr) {
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail(verr.Msg))
		return
	}
	if errors.Is(err, provider.ErrInteractionExpired) {
		httperrors.WriteError(w, httperrors.ErrSessionExpired)
		return
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		httperrors.WriteError(w, &httperrors.HTTPError{
			Code:    perr.Code,
			Message: perr.Description,
			Status:  perr.Status,
		})
		return
	}

	log.Error("interaction request failed", logger.Err(err))
	httperrors.WriteError(w, httperrors.ErrInternalServerError)
}
