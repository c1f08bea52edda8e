// Package budgetadmin exposes a GET/PUT budget-configuration surface for
// C10 (a Python predecessor's token_metering.py exposed equivalent admin
// calls that had been dropped here). Routes are gated by the static API
// key (internal/httpserver.RequireAPIKey), mirroring the shape of
// pkg/tenantconfig.Handler (role-gated GET/PUT over one config row)
// generalized from a tenant-config row to a per-user, per-workspace token
// budget row.
package budgetadmin

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kestrix/agentcore/internal/httpserver"
	"github.com/kestrix/agentcore/internal/tokenmeter"
)

// Handler serves the budget admin routes.
type Handler struct {
	meter  *tokenmeter.Meter
	logger *slog.Logger
}

// NewHandler creates a budgetadmin Handler.
func NewHandler(meter *tokenmeter.Meter, logger *slog.Logger) *Handler {
	return &Handler{meter: meter, logger: logger}
}

// Routes returns a chi.Router with the budget admin routes mounted. The
// caller is expected to wrap it with httpserver.RequireAPIKey.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{userID}", h.handleGet)
	r.Put("/{userID}", h.handleSet)
	return r
}

// budgetResponse is the JSON shape returned by GET and accepted by PUT.
type budgetResponse struct {
	UserID                  string `json:"user_id"`
	Workspace               string `json:"workspace"`
	DailyLimit              *int64 `json:"daily_limit"`
	MonthlyLimit            *int64 `json:"monthly_limit"`
	WarningThresholdPercent float64 `json:"warning_threshold_percent"`
	SoftBlock               bool    `json:"soft_block"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid user id")
		return
	}
	workspace := r.URL.Query().Get("workspace")

	b, err := h.meter.GetBudget(r.Context(), userID, workspace)
	if err != nil {
		h.logger.Error("budgetadmin: get failed", "error", err, "user_id", userID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read budget")
		return
	}

	httpserver.Respond(w, http.StatusOK, toResponse(b))
}

// setBudgetRequest is the JSON body for PUT /admin/budgets/{userID}.
type setBudgetRequest struct {
	Workspace               string  `json:"workspace"`
	DailyLimit              *int64  `json:"daily_limit" validate:"omitempty,gte=0"`
	MonthlyLimit            *int64  `json:"monthly_limit" validate:"omitempty,gte=0"`
	WarningThresholdPercent float64 `json:"warning_threshold_percent" validate:"gte=0,lte=100"`
	SoftBlock               bool    `json:"soft_block"`
}

func (h *Handler) handleSet(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid user id")
		return
	}

	var req setBudgetRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	b := tokenmeter.Budget{
		UserID:                  userID,
		Workspace:               req.Workspace,
		DailyLimit:              req.DailyLimit,
		MonthlyLimit:            req.MonthlyLimit,
		WarningThresholdPercent: req.WarningThresholdPercent,
		SoftBlock:               req.SoftBlock,
	}
	if err := h.meter.SetBudget(r.Context(), b); err != nil {
		h.logger.Error("budgetadmin: set failed", "error", err, "user_id", userID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to set budget")
		return
	}

	h.logger.Info("budgetadmin: budget updated", "user_id", userID, "workspace", req.Workspace)
	httpserver.Respond(w, http.StatusOK, toResponse(b))
}

func toResponse(b tokenmeter.Budget) budgetResponse {
	return budgetResponse{
		UserID:                  b.UserID.String(),
		Workspace:               b.Workspace,
		DailyLimit:              b.DailyLimit,
		MonthlyLimit:            b.MonthlyLimit,
		WarningThresholdPercent: b.WarningThresholdPercent,
		SoftBlock:               b.SoftBlock,
	}
}
