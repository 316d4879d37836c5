package settlement

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/siteledger/siteledger/internal/platform/httpx"
	"github.com/siteledger/siteledger/internal/platform/lock"
	"github.com/siteledger/siteledger/internal/shared"
)

func init() {
	httpx.Register(ErrUnknownScope, httpx.ErrNotFound)
	httpx.Register(ErrInvalidEntry, httpx.ErrValidation)
	httpx.Register(ErrInvalidPayment, httpx.ErrValidation)
	httpx.Register(ErrInvalidWeights, httpx.ErrValidation)
	httpx.Register(lock.ErrConcurrencyConflict, httpx.ErrConflict)
	httpx.Register(shared.ErrIdempotencyConflict, httpx.ErrDuplicate)
}

// Handler wires HTTP endpoints for the settlement module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	statement http.Handler
	rebuildRL func(http.Handler) http.Handler
}

// NewHandler constructs settlement handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		rebuildRL: httprate.LimitByIP(30, time.Minute),
	}
}

// WithStatementExport serves statement.xlsx under each scope.
func (h *Handler) WithStatementExport(export http.Handler) *Handler {
	h.statement = export
	return h
}

// MountRoutes registers settlement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/groups/{group}", func(r chi.Router) {
		r.Post("/entries", h.handleRecordEntry)
		r.Post("/payments", h.handleRecordPayment)
		r.Get("/scopes", h.handleListScopes)
		r.Route("/scopes/{site}", func(r chi.Router) {
			r.With(h.rebuildRL).Post("/rebuild", h.handleRebuild)
			r.Get("/violations", h.handleViolations)
			r.Get("/statement", h.handleStatement)
			if h.statement != nil {
				r.Method(http.MethodGet, "/statement.xlsx", h.statement)
			}
		})
	})
}

type recordEntryRequest struct {
	SiteID     int64                     `json:"site_id" validate:"gte=0"`
	AccountID  int64                     `json:"account_id" validate:"gte=0"`
	OccurredOn string                    `json:"occurred_on" validate:"required,datetime=2006-01-02"`
	Total      decimal.Decimal           `json:"total"`
	Shared     bool                      `json:"shared"`
	Weights    map[int64]decimal.Decimal `json:"weights" validate:"omitempty,min=1"`
	Note       string                    `json:"note" validate:"max=500"`
	ActorID    int64                     `json:"actor_id" validate:"gte=0"`
}

type recordPaymentRequest struct {
	SiteID    int64           `json:"site_id" validate:"gte=0"`
	PaidOn    string          `json:"paid_on" validate:"required,datetime=2006-01-02"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference" validate:"max=120"`
	ActorID   int64           `json:"actor_id" validate:"gte=0"`
}

func (h *Handler) handleRecordEntry(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "group")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req recordEntryRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	occurred, _ := time.Parse(time.DateOnly, req.OccurredOn)
	result, err := h.service.RecordEntry(r.Context(), EntryInput{
		GroupID:    groupID,
		SiteID:     req.SiteID,
		AccountID:  req.AccountID,
		OccurredOn: occurred,
		Total:      req.Total,
		Shared:     req.Shared,
		Weights:    req.Weights,
		Note:       req.Note,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.fail(w, r, "record entry", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "group")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req recordPaymentRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if err := h.validator.Var(key, "omitempty,max=128,printascii"); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: Idempotency-Key: %v", httpx.ErrValidation, err))
		return
	}
	paidOn, _ := time.Parse(time.DateOnly, req.PaidOn)
	result, err := h.service.RecordPayment(r.Context(), PaymentInput{
		GroupID:        groupID,
		SiteID:         req.SiteID,
		PaidOn:         paidOn,
		Amount:         req.Amount,
		Reference:      req.Reference,
		IdempotencyKey: key,
		ActorID:        req.ActorID,
	})
	if err != nil {
		h.fail(w, r, "record payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleListScopes(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "group")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	scopes, err := h.service.Scopes(r.Context(), groupID)
	if err != nil {
		h.fail(w, r, "list scopes", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"scopes": scopes})
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	scope, err := ScopeFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Rebuild(r.Context(), scope)
	if err != nil {
		h.fail(w, r, "rebuild", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleViolations(w http.ResponseWriter, r *http.Request) {
	scope, err := ScopeFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	violations, err := h.service.FindViolations(r.Context(), scope)
	if err != nil {
		h.fail(w, r, "find violations", err)
		return
	}
	if violations == nil {
		violations = []Violation{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"scope": scope, "violations": violations})
}

func (h *Handler) handleStatement(w http.ResponseWriter, r *http.Request) {
	scope, err := ScopeFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	st, err := h.service.Statement(r.Context(), scope)
	if err != nil {
		h.fail(w, r, "statement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", httpx.ErrValidation, fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if !isClientError(err) {
		h.logger.Error("settlement request failed", slog.String("op", op), slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func isClientError(err error) bool {
	for _, target := range []error{ErrUnknownScope, ErrInvalidEntry, ErrInvalidPayment, ErrInvalidWeights, lock.ErrConcurrencyConflict, shared.ErrIdempotencyConflict} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ScopeFromRequest reads the {group} and {site} path parameters.
func ScopeFromRequest(r *http.Request) (Scope, error) {
	groupID, err := pathID(r, "group")
	if err != nil {
		return Scope{}, err
	}
	siteID, err := strconv.ParseInt(chi.URLParam(r, "site"), 10, 64)
	if err != nil || siteID < 0 {
		return Scope{}, fmt.Errorf("%w: invalid site", httpx.ErrValidation)
	}
	return Scope{GroupID: groupID, SiteID: siteID}, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, name)
	}
	return id, nil
}
