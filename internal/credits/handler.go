package credits

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/scentmatch/metering/internal/api"
	"github.com/scentmatch/metering/internal/auth"
	"github.com/scentmatch/metering/internal/metrics"
)

// ConsumeRequest is the body of POST /credits/consume. Credits defaults to
// DefaultCost when omitted.
type ConsumeRequest struct {
	ActionType string `json:"action_type" validate:"required,max=64"`
	Credits    int    `json:"credits" validate:"omitempty,min=1,max=100"`
}

// ConsumeResponse mirrors Result with an explicit unlimited flag so clients
// never render the -1 sentinel.
type ConsumeResponse struct {
	Success          bool   `json:"success"`
	RemainingCredits int    `json:"remaining_credits"`
	Unlimited        bool   `json:"unlimited"`
	Error            string `json:"error,omitempty"`
}

type Handler struct {
	svc      *Service
	limiter  *BurstLimiter
	validate *validator.Validate
}

// NewHandler creates a credits Handler. limiter may be nil.
func NewHandler(svc *Service, limiter *BurstLimiter) *Handler {
	return &Handler{
		svc:      svc,
		limiter:  limiter,
		validate: validator.New(),
	}
}

// Consume gates one metered action for the authenticated user. A quota
// denial answers 402 with the result in the data envelope.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	if userID == uuid.Nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	if req.Credits == 0 {
		req.Credits = DefaultCost
	}

	if !h.limiter.Allow(r.Context(), userID) {
		metrics.BurstRejectionsTotal.Inc()
		api.HandleError(w, api.ErrTooManyRequests)
		return
	}

	res, err := h.svc.CheckAndConsume(r.Context(), userID, req.ActionType, req.Credits)
	if err != nil {
		handleServiceError(w, err, "consuming credits")
		return
	}

	resp := ConsumeResponse{
		Success:          res.Success,
		RemainingCredits: res.RemainingCredits,
		Unlimited:        res.Unlimited(),
		Error:            res.Error,
	}

	if res.QuotaExceeded() {
		api.JSON(w, http.StatusPaymentRequired, resp)
		return
	}
	api.JSON(w, http.StatusOK, resp)
}

// Status returns the authenticated user's plan and allowance.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err, "getting credit status")
		return
	}

	api.JSON(w, http.StatusOK, status)
}

// ListUsage returns paginated usage logs for the authenticated user.
func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	params, err := parseUsageParams(r)
	if err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	logs, total, err := h.svc.ListUsage(r.Context(), auth.UserIDFromContext(r.Context()), params)
	if err != nil {
		handleServiceError(w, err, "listing usage")
		return
	}

	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

func handleServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		api.HandleError(w, api.ErrUnauthorized)
	case errors.Is(err, ErrInvalidAction), errors.Is(err, ErrInvalidAmount):
		api.HandleError(w, api.NewValidationError(err.Error()))
	default:
		slog.Error(op, "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}

func parseUsageParams(r *http.Request) (UsageListParams, error) {
	params := DefaultUsageListParams()
	q := r.URL.Query()

	if at := q.Get("action_type"); at != "" {
		params.ActionType = at
	}
	if p := q.Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := q.Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return params, errors.New("from must be an RFC3339 timestamp")
		}
		params.From = &t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return params, errors.New("to must be an RFC3339 timestamp")
		}
		params.To = &t
	}

	return params, nil
}
