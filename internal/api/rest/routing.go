package rest

import (
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NewRouter builds the admin API router: panic recovery, request logging,
// metrics and a per-request timeout wrap every route.
func NewRouter(h *AdminHandler, timeout time.Duration) *mux.Router {
	r := mux.NewRouter()
	r.Use(RecoverMiddleware(h.logger))
	r.Use(LoggingMiddleware(h.logger))
	r.Use(h.metrics.Middleware)
	if timeout > 0 {
		r.Use(TimeoutMiddleware(timeout))
	}
	h.RegisterRoutes(r)

	h.logger.Debug("Admin routes registered", zap.Duration("timeout", timeout))
	return r
}
