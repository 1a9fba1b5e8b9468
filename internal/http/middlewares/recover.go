package middlewares

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"oidcgw/internal/observability/logger"
)

// WithRecover turns handler panics into 500s instead of taking the
// listener down with the request.
func WithRecover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.From(r.Context()).Error("handler panic",
						zap.Any("panic", rec),
						zap.ByteString("stack", debug.Stack()),
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
