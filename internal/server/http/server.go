// Package httpserver exposes the points ledger HTTP API.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/points-gallery/internal/dates"
	"github.com/and161185/points-gallery/internal/errs"
	"github.com/and161185/points-gallery/internal/model"
	"github.com/and161185/points-gallery/internal/repository"
	"github.com/and161185/points-gallery/internal/service"
)

// Handler wires the ledger services into HTTP handlers.
type Handler struct {
	ledger   service.LedgerService
	bonus    service.BonusService
	gate     service.GateService
	loc      *time.Location
	log      *zap.Logger
	signKey  []byte
	registry *prometheus.Registry
}

// NewHandler constructs the HTTP handler with injected services.
func NewHandler(ledger service.LedgerService, bonus service.BonusService, gate service.GateService,
	loc *time.Location, log *zap.Logger, signKey []byte, registry *prometheus.Registry) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		ledger:   ledger,
		bonus:    bonus,
		gate:     gate,
		loc:      loc,
		log:      log,
		signKey:  signKey,
		registry: registry,
	}
}

// Router assembles the middleware chain and routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Recover(h.log))
	r.Use(RequestLogger(h.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/points", func(r chi.Router) {
		r.Use(Auth(h.signKey))
		r.Get("/", h.handleGetPoints)
		r.Post("/account", h.handleOpenAccount)
		r.Post("/daily-bonus", h.handleDailyBonus)
		r.Post("/use", h.handleUse)
		r.Get("/transactions", h.handleTransactions)
		r.Post("/admin-grant", h.handleAdminGrant)
	})

	return r
}

func (h *Handler) today() dates.Day { return dates.Today(h.loc) }

// --- Handlers ---

type pointsResponse struct {
	ExpiringBalance   int64 `json:"expiringBalance"`
	PermanentBalance  int64 `json:"permanentBalance"`
	TotalBalance      int64 `json:"totalBalance"`
	BonusClaimedToday bool  `json:"bonusClaimedToday"`
}

func (h *Handler) handleGetPoints(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}
	st, err := h.ledger.GetBalance(r.Context(), id.UserID, h.today())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pointsResponse{
		ExpiringBalance:   st.Balance.Expiring,
		PermanentBalance:  st.Balance.Permanent,
		TotalBalance:      st.Balance.Total(),
		BonusClaimedToday: st.BonusClaimedToday,
	})
}

type openAccountResponse struct {
	TotalBalance int64 `json:"totalBalance"`
	BonusGranted bool  `json:"bonusGranted"`
}

func (h *Handler) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}
	acct, grant, err := h.ledger.OpenAccount(r.Context(), id.UserID, h.today())
	if err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			// Idempotent: registration may be retried by the identity collaborator.
			st, gerr := h.ledger.GetBalance(r.Context(), id.UserID, h.today())
			if gerr != nil {
				h.writeServiceError(w, gerr)
				return
			}
			writeJSON(w, http.StatusOK, openAccountResponse{
				TotalBalance: st.Balance.Total(),
				BonusGranted: st.BonusClaimedToday,
			})
			return
		}
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, openAccountResponse{
		TotalBalance: acct.Total(),
		BonusGranted: grant != nil && grant.Granted,
	})
}

type dailyBonusResponse struct {
	Granted       bool  `json:"granted"`
	AmountGranted int64 `json:"amountGranted"`
	TotalBalance  int64 `json:"totalBalance"`
}

func (h *Handler) handleDailyBonus(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}
	grant, err := h.bonus.Claim(r.Context(), id.UserID, h.today())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dailyBonusResponse{
		Granted:       grant.Granted,
		AmountGranted: grant.Amount,
		TotalBalance:  grant.Balance.Total(),
	})
}

type useRequest struct {
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type useResponse struct {
	UsedFromExpiring  int64 `json:"usedFromExpiring"`
	UsedFromPermanent int64 `json:"usedFromPermanent"`
	PointsUsed        int64 `json:"pointsUsed"`
	FreeAccess        bool  `json:"freeAccess,omitempty"`
	TotalBalance      int64 `json:"totalBalance"`
}

func (h *Handler) handleUse(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}
	var req useRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
		return
	}

	var res service.Resource
	switch req.Reason {
	case "", string(service.ResourceGallery):
		res = service.ResourceGallery
	case string(service.ResourceDownload):
		res = service.ResourceDownload
	default:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown reason")
		return
	}
	if req.Amount < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must not be negative")
		return
	}

	dec, err := h.gate.Authorize(r.Context(), service.AccessRequest{
		UserID:         id.UserID,
		Role:           id.Role,
		Resource:       res,
		Cost:           req.Amount,
		Day:            h.today(),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !dec.Granted {
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Code:      "INSUFFICIENT_POINTS",
			Message:   "not enough points",
			Shortfall: dec.Shortfall,
		})
		return
	}
	writeJSON(w, http.StatusOK, useResponse{
		UsedFromExpiring:  dec.UsedFromExpiring,
		UsedFromPermanent: dec.UsedFromPermanent,
		PointsUsed:        dec.PointsUsed,
		FreeAccess:        dec.FreeAccess,
		TotalBalance:      dec.Balance.Total(),
	})
}

type transactionJSON struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	Amount            int64     `json:"amount"`
	UsedFromExpiring  int64     `json:"usedFromExpiring"`
	UsedFromPermanent int64     `json:"usedFromPermanent"`
	Description       string    `json:"description"`
	CreatedAt         time.Time `json:"createdAt"`
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}
	limit := int64(0)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid limit")
			return
		}
		limit = v
	}
	txs, err := h.ledger.History(r.Context(), id.UserID, int32(limit))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]transactionJSON, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionJSON{
			ID:                t.ID.String(),
			Type:              string(t.Type),
			Amount:            t.Amount,
			UsedFromExpiring:  t.UsedFromExpiring,
			UsedFromPermanent: t.UsedFromPermanent,
			Description:       t.Description,
			CreatedAt:         t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out, "count": len(out)})
}

type adminGrantRequest struct {
	UserID         string `json:"userId"`
	Amount         int64  `json:"amount"`
	Bucket         string `json:"bucket"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (h *Handler) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromCtx(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing identity")
		return
	}
	if id.Role != model.RoleAdmin {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "admin role required")
		return
	}
	var req adminGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
		return
	}
	target, err := uuid.FromString(req.UserID)
	if err != nil || target == uuid.Nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid userId")
		return
	}
	bucket := model.Bucket(req.Bucket)
	if req.Bucket == "" {
		bucket = model.BucketPermanent
	}
	if !bucket.Valid() {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown bucket")
		return
	}
	desc := req.Reason
	if desc == "" {
		desc = "admin grant"
	}

	res, err := h.ledger.Credit(r.Context(), repository.CreditParams{
		UserID:         target,
		Bucket:         bucket,
		Amount:         req.Amount,
		Type:           model.TxAdminGrant,
		Description:    desc + " (granted by " + id.UserID.String() + ")",
		Day:            h.today(),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"totalBalance": res.Balance.Total()})
}

// --- Helpers ---

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Required  int64  `json:"requiredPoints,omitempty"`
	Available int64  `json:"availablePoints,omitempty"`
	Shortfall int64  `json:"shortfall,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// writeServiceError maps service errors to stable HTTP responses without
// leaking internal storage details.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	if ie, ok := errs.IsInsufficientFunds(err); ok {
		writeJSON(w, http.StatusPaymentRequired, errorBody{
			Code:      "INSUFFICIENT_POINTS",
			Message:   "not enough points",
			Required:  ie.Required,
			Available: ie.Available,
			Shortfall: ie.Shortfall(),
		})
		return
	}
	switch {
	case errors.Is(err, errs.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be positive")
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "account not found")
	case errors.Is(err, errs.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "ALREADY_EXISTS", "already exists")
	case errors.Is(err, errs.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
	case errors.Is(err, errs.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "forbidden")
	case errors.Is(err, errs.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "temporary conflict, retry later")
	default:
		h.log.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
