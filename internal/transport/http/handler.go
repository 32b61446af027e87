// Package httptransport is the operator surface: health, audit exception
// visibility, guard clearing, leadership probes and the current customer
// context. It is a thin layer over the domain services; no reconciliation
// logic lives here.
package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"keysync/internal/audit"
	"keysync/internal/customer"
	"keysync/internal/leader"
	dErrors "keysync/pkg/domainerrors"
	"keysync/pkg/httputil"
)

// HealthChecker reports shared store connectivity.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Escalations is the audit surface the handlers need.
type Escalations interface {
	Clear(ctx context.Context, direction audit.Direction, sourceEntityID string) error
	OpenItems(ctx context.Context) ([]string, error)
}

// LeaderProbe reports lease state per role.
type LeaderProbe interface {
	Held(ctx context.Context, role leader.Role) (bool, error)
}

// Handler wires operator endpoints to the domain services.
type Handler struct {
	health      HealthChecker
	escalations Escalations
	exceptions  audit.Store
	elector     LeaderProbe
	customers   *customer.Resolver
	logger      *slog.Logger
}

// New constructs the operator handler.
func New(health HealthChecker, escalations Escalations, exceptions audit.Store,
	elector LeaderProbe, customers *customer.Resolver, logger *slog.Logger) *Handler {
	return &Handler{
		health:      health,
		escalations: escalations,
		exceptions:  exceptions,
		elector:     elector,
		customers:   customers,
		logger:      logger,
	}
}

// HandleHealthz handles GET /healthz.
func (h *Handler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Health(r.Context()); err != nil {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleListExceptions handles GET /audit/exceptions.
func (h *Handler) HandleListExceptions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := h.exceptions.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit exceptions failed", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "list audit exceptions"))
		return
	}
	if records == nil {
		records = []audit.ExceptionRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"exceptions": records})
}

// HandleOpenItems handles GET /audit/exceptions/open.
func (h *Handler) HandleOpenItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.escalations.OpenItems(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if items == nil {
		items = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

type clearRequest struct {
	Direction      string `json:"direction"`
	SourceEntityID string `json:"source_entity_id"`
}

// HandleClearException handles POST /audit/exceptions/clear. Clearing the
// guard is the deliberate operator acknowledgement that the conflicting data
// has been fixed upstream; reconciliation for the item resumes next cycle.
func (h *Handler) HandleClearException(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid JSON body"))
		return
	}
	direction := audit.Direction(req.Direction)
	if !direction.Valid() || req.SourceEntityID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "direction and source_entity_id are required"))
		return
	}

	if err := h.escalations.Clear(r.Context(), direction, req.SourceEntityID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "audit exception cleared by operator",
		"direction", direction,
		"source_entity_id", req.SourceEntityID,
	)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// HandleLeader handles GET /leader.
func (h *Handler) HandleLeader(w http.ResponseWriter, r *http.Request) {
	pod, err := h.elector.Held(r.Context(), leader.RolePod)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	route, err := h.elector.Held(r.Context(), leader.RoleRoute)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"pod": pod, "route": route})
}

// HandleGetCustomer handles GET /customer/current.
func (h *Handler) HandleGetCustomer(w http.ResponseWriter, r *http.Request) {
	cust, err := h.customers.Current(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"code": cust.Code})
}

type setCustomerRequest struct {
	Code string `json:"code"`
}

// HandleSetCustomer handles PUT /customer/current.
func (h *Handler) HandleSetCustomer(w http.ResponseWriter, r *http.Request) {
	var req setCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid JSON body"))
		return
	}
	if req.Code == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "code is required"))
		return
	}

	if err := h.customers.SetCurrent(r.Context(), req.Code); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "customer context switched", "code", req.Code)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"code": req.Code})
}
