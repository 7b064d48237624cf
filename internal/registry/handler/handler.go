package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"namereg/internal/access"
	"namereg/internal/registry/models"
	"namereg/pkg/domain"
	dErrors "namereg/pkg/domain-errors"
	"namereg/pkg/platform/httputil"
	"namereg/pkg/requestcontext"
)

// Service is the registry as used by the HTTP layer.
type Service interface {
	Register(ctx context.Context, name string, caller domain.Principal, metadataURI string) (*models.Registration, error)
	Destroy(ctx context.Context, target string, caller domain.Principal) (*models.Destruction, error)
	IsAvailable(ctx context.Context, name string) (bool, error)
	LookupTarget(ctx context.Context, target string) (*models.NameView, error)
	NamesOf(ctx context.Context, owner domain.Principal) ([]*models.NameRecord, error)
	Transfer(ctx context.Context, target string, to, caller domain.Principal) error
	Approve(ctx context.Context, target string, delegate, caller domain.Principal) error
	Cost(ctx context.Context) (domain.Quantity, error)
	SetCost(ctx context.Context, cost domain.Quantity, caller domain.Principal) error
	Authorize(ctx context.Context, caller domain.Principal, capability string) error
	CheckConsistency(ctx context.Context) (*models.ConsistencyReport, error)
	Withdraw(ctx context.Context, caller domain.Principal) (domain.Quantity, error)
	PendingOf(ctx context.Context, caller domain.Principal) (domain.Quantity, error)
	Stats(ctx context.Context) (*models.Stats, error)
}

type validatable interface {
	Validate() error
}

// Handler wires registry endpoints to the registry service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the registry endpoints. Reads are public; everything that
// acts on behalf of a caller runs behind requireAuth.
func (h *Handler) Register(r chi.Router, requireAuth func(http.Handler) http.Handler) {
	r.Get("/names/{name}", h.HandleLookup)
	r.Get("/names/{name}/availability", h.HandleAvailability)
	r.Get("/principals/{principal}/names", h.HandleNamesOf)
	r.Get("/cost", h.HandleCost)
	r.Get("/stats", h.HandleStats)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/names", h.HandleRegister)
		r.Delete("/names/{name}", h.HandleDestroy)
		r.Post("/names/{name}/transfer", h.HandleTransfer)
		r.Post("/names/{name}/approve", h.HandleApprove)
		r.Get("/withdrawals", h.HandlePending)
		r.Post("/withdrawals", h.HandleWithdraw)
		r.Put("/admin/cost", h.HandleSetCost)
		r.Get("/admin/consistency", h.HandleConsistency)
	})
}

// HandleRegister handles POST /names.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	start := time.Now()
	reg, err := h.service.Register(ctx, req.Name, caller, req.MetadataURI)
	if err != nil {
		h.fail(w, r, "register failed", err, "name", req.Name)
		return
	}
	h.logger.InfoContext(ctx, "name registered",
		"request_id", requestcontext.RequestID(ctx),
		"name", reg.Record.Name,
		"owner", caller,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, fromRegistration(reg))
}

// HandleDestroy handles DELETE /names/{name}. The path segment may also be a
// 0x identifier.
func (h *Handler) HandleDestroy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	target := chi.URLParam(r, "name")

	out, err := h.service.Destroy(ctx, target, caller)
	if err != nil {
		h.fail(w, r, "destroy failed", err, "target", target)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, DestructionResponse{
		Identifier: out.Identifier.String(),
		Name:       out.Name,
		Refund:     uint64(out.Refund),
		Paid:       out.Paid,
	})
}

// HandleLookup handles GET /names/{name}.
func (h *Handler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "name")
	view, err := h.service.LookupTarget(r.Context(), target)
	if err != nil {
		h.fail(w, r, "lookup failed", err, "target", target)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromView(view))
}

// HandleAvailability handles GET /names/{name}/availability.
func (h *Handler) HandleAvailability(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	available, err := h.service.IsAvailable(r.Context(), name)
	if err != nil {
		h.fail(w, r, "availability check failed", err, "name", name)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AvailabilityResponse{Name: name, Available: available})
}

// HandleNamesOf handles GET /principals/{principal}/names.
func (h *Handler) HandleNamesOf(w http.ResponseWriter, r *http.Request) {
	owner, err := domain.ParsePrincipal(chi.URLParam(r, "principal"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	recs, err := h.service.NamesOf(r.Context(), owner)
	if err != nil {
		h.fail(w, r, "list names failed", err, "principal", owner)
		return
	}
	if recs == nil {
		recs = []*models.NameRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, NameListResponse{Principal: owner.String(), Names: recs})
}

// HandleTransfer handles POST /names/{name}/transfer.
func (h *Handler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	target := chi.URLParam(r, "name")
	if err := h.service.Transfer(r.Context(), target, req.to, caller); err != nil {
		h.fail(w, r, "transfer failed", err, "target", target)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleApprove handles POST /names/{name}/approve.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if !h.decode(w, r, &req) {
		return
	}
	target := chi.URLParam(r, "name")
	if err := h.service.Approve(r.Context(), target, req.delegate, caller); err != nil {
		h.fail(w, r, "approve failed", err, "target", target)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePending handles GET /withdrawals.
func (h *Handler) HandlePending(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	pending, err := h.service.PendingOf(r.Context(), caller)
	if err != nil {
		h.fail(w, r, "pending lookup failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, amount(caller, pending))
}

// HandleWithdraw handles POST /withdrawals.
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	paid, err := h.service.Withdraw(r.Context(), caller)
	if err != nil {
		h.fail(w, r, "withdraw failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, amount(caller, paid))
}

// HandleCost handles GET /cost.
func (h *Handler) HandleCost(w http.ResponseWriter, r *http.Request) {
	cost, err := h.service.Cost(r.Context())
	if err != nil {
		h.fail(w, r, "cost lookup failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CostResponse{Cost: uint64(cost)})
}

// HandleSetCost handles PUT /admin/cost.
func (h *Handler) HandleSetCost(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req SetCostRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetCost(r.Context(), domain.Quantity(req.Cost), caller); err != nil {
		h.fail(w, r, "set cost failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CostResponse{Cost: req.Cost})
}

// HandleConsistency handles GET /admin/consistency. An inconsistent registry
// answers 500 with the report as the body.
func (h *Handler) HandleConsistency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.service.Authorize(ctx, caller, access.CapabilityCheckConsistency); err != nil {
		httputil.WriteError(w, err)
		return
	}
	report, err := h.service.CheckConsistency(ctx)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, report)
	case report != nil && dErrors.HasCode(err, dErrors.CodeInconsistent):
		httputil.WriteJSON(w, http.StatusInternalServerError, report)
	default:
		h.fail(w, r, "consistency check failed", err)
	}
}

// HandleStats handles GET /stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.fail(w, r, "stats failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	caller := requestcontext.Principal(r.Context())
	if caller.IsNull() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return domain.NullPrincipal, false
	}
	return caller, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, req validatable) bool {
	if err := httputil.DecodeJSON(r, req); err != nil {
		httputil.WriteError(w, err)
		return false
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error, attrs ...any) {
	ctx := r.Context()
	attrs = append(attrs,
		"request_id", requestcontext.RequestID(ctx),
		"caller", requestcontext.Principal(ctx),
		"error", err,
	)
	var de *dErrors.Error
	if !errors.As(err, &de) || de.Code == dErrors.CodeInternal || de.Code == dErrors.CodeInconsistent {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}
