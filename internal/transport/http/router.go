package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the operator endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HandleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/audit/exceptions", h.HandleListExceptions)
	r.Get("/audit/exceptions/open", h.HandleOpenItems)
	r.Post("/audit/exceptions/clear", h.HandleClearException)

	r.Get("/leader", h.HandleLeader)

	r.Get("/customer/current", h.HandleGetCustomer)
	r.Put("/customer/current", h.HandleSetCustomer)

	return r
}
