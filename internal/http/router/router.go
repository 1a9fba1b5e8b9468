// Package router wires the interaction endpoints onto chi.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	ctrl "oidcgw/internal/http/controllers/interaction"
	mw "oidcgw/internal/http/middlewares"
	"oidcgw/internal/rate"
)

// Deps contains everything the router mounts.
type Deps struct {
	Interaction *ctrl.Controller

	// RateLimiter guards the login-adjacent endpoints. Nil disables
	// limiting.
	RateLimiter rate.Limiter
}

// New builds the gateway's HTTP handler.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(
		mw.WithRecover(),
		mw.WithRequestID(),
		mw.WithLogging(),
	)

	c := deps.Interaction
	limited := func(endpoint string, hf http.HandlerFunc) http.Handler {
		if deps.RateLimiter == nil {
			return hf
		}
		return mw.ChainFunc(hf, mw.WithRateLimit(deps.RateLimiter, endpoint, mw.IPPathRateKey))
	}

	// Fixed redirect URI registered with upstream identity providers.
	r.Get("/interaction/callback", c.FederatedCallback)

	r.Route("/interaction/{uid}", func(r chi.Router) {
		// Interaction pages carry per-user state.
		r.Use(mw.WithNoStore())

		r.Get("/", c.Show)
		r.Post("/abort", c.Abort)
		r.Post("/confirm-tos", c.ConfirmToS)
		r.Post("/update-name", c.UpdateName)

		r.Method(http.MethodPost, "/email", limited("email_login", c.EmailLogin))
		r.Method(http.MethodGet, "/verify-email/{token}", limited("email_verify", c.VerifyEmail))

		r.Method(http.MethodPost, "/federated/github", limited("github_login", c.GitHubLogin))
		r.Get("/federated/github/callback", c.GitHubCallback)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
