package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/siteledger/siteledger/internal/platform/httpx"
	"github.com/siteledger/siteledger/internal/platform/lock"
	"github.com/siteledger/siteledger/internal/shared"
)

func init() {
	httpx.Register(ErrUnknownAccount, httpx.ErrNotFound)
	httpx.Register(ErrUnknownTransaction, httpx.ErrNotFound)
	httpx.Register(ErrInvalidQuantity, httpx.ErrValidation)
	httpx.Register(ErrInvalidUnitCost, httpx.ErrValidation)
	httpx.Register(ErrInvalidType, httpx.ErrValidation)
	httpx.Register(ErrInvalidReference, httpx.ErrValidation)
	httpx.Register(ErrAlreadyVoided, httpx.ErrConflict)
	httpx.Register(ErrCrossGroupMerge, httpx.ErrUnprocessable)
	httpx.Register(ErrInvalidMerge, httpx.ErrUnprocessable)
	httpx.Register(lock.ErrConcurrencyConflict, httpx.ErrConflict)
	httpx.Register(shared.ErrIdempotencyConflict, httpx.ErrDuplicate)
}

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/transactions", h.handleRecord)
	r.Post("/transactions/{id}/void", h.handleVoid)
	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetAccount)
		r.Get("/transactions", h.handleListTransactions)
		r.Post("/transactions", h.handleRecord)
		r.Post("/recompute", h.handleRecompute)
		r.Post("/merge", h.handleMerge)
	})
}

type recordRequest struct {
	ResourceID int64           `json:"resource_id" validate:"gte=0"`
	GroupID    int64           `json:"group_id" validate:"gte=0"`
	Type       string          `json:"type" validate:"required,oneof=purchase usage adjustment"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	OccurredOn string          `json:"occurred_on" validate:"omitempty,datetime=2006-01-02"`
	RefModule  string          `json:"ref_module" validate:"max=40"`
	RefID      string          `json:"ref_id" validate:"omitempty,uuid"`
	Note       string          `json:"note" validate:"max=500"`
	ActorID    int64           `json:"actor_id" validate:"gte=0"`
}

type mergeRequest struct {
	DuplicateIDs []int64 `json:"duplicate_ids" validate:"required,min=1,dive,gt=0"`
	ActorID      int64   `json:"actor_id" validate:"gte=0"`
}

type voidRequest struct {
	Reason  string `json:"reason" validate:"required,max=200"`
	ActorID int64  `json:"actor_id" validate:"gte=0"`
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	acc, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, acc)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	txs, err := h.service.ListTransactions(r.Context(), id)
	if err != nil {
		h.fail(w, r, "list transactions", err)
		return
	}
	if txs == nil {
		txs = []Transaction{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	var accountID int64
	if chi.URLParam(r, "id") != "" {
		id, err := pathID(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		accountID = id
	}
	var req recordRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var occurred time.Time
	if req.OccurredOn != "" {
		occurred, _ = time.Parse(time.DateOnly, req.OccurredOn)
	}
	result, err := h.service.RecordTransaction(r.Context(), RecordInput{
		AccountID:      accountID,
		ResourceID:     req.ResourceID,
		GroupID:        req.GroupID,
		Type:           TransactionType(req.Type),
		Qty:            req.Qty,
		UnitCost:       req.UnitCost,
		OccurredOn:     occurred,
		RefModule:      req.RefModule,
		RefID:          req.RefID,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		ActorID:        req.ActorID,
	})
	if err != nil {
		h.fail(w, r, "record transaction", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.RecomputeBalance(r.Context(), id)
	if err != nil {
		h.fail(w, r, "recompute", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req mergeRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.MergeAccounts(r.Context(), MergeInput{PrimaryID: id, DuplicateIDs: req.DuplicateIDs, ActorID: req.ActorID})
	if err != nil {
		h.fail(w, r, "merge", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req voidRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.VoidTransaction(r.Context(), VoidInput{TransactionID: id, Reason: req.Reason, ActorID: req.ActorID})
	if err != nil {
		h.fail(w, r, "void", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
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
	if !IsClientError(err) {
		h.logger.Error("inventory request failed", slog.String("op", op), slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id", httpx.ErrValidation)
	}
	return id, nil
}
