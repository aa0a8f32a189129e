package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/tipledger/internal/domain"
	"github.com/punchamoorthee/tipledger/internal/ledger"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tipledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tipledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	tipsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tipledger_tips_processed_total",
		Help: "Tip transfers by outcome",
	}, []string{"outcome"})
)

// Handler is the thin REST wrapper around the ledger engine. No business
// rules live here: it parses, calls the core, and relays results.
type Handler struct {
	ledger *ledger.Service

	adminToken   string
	adminAccount string
	decimals     int32
}

func NewHandler(svc *ledger.Service, adminToken, adminAccount string, decimals int32) *Handler {
	return &Handler{
		ledger:       svc,
		adminToken:   adminToken,
		adminAccount: adminAccount,
		decimals:     decimals,
	}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/stake", h.Stake).Methods("POST")
	r.HandleFunc("/unstake", h.Unstake).Methods("POST")
	r.HandleFunc("/tips", h.SendTip).Methods("POST")
	r.HandleFunc("/tips/batch", h.SendTipsBatch).Methods("POST")
	r.HandleFunc("/tips/{key}", h.GetTip).Methods("GET")
	r.HandleFunc("/claim", h.Claim).Methods("POST")
	r.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	r.HandleFunc("/accounts/{id}/allowance", h.PreviewAllowance).Methods("GET")
	r.HandleFunc("/admin/rate", h.SetRate).Methods("PUT")
	r.HandleFunc("/admin/reserve", h.FundReserve).Methods("POST")
	r.HandleFunc("/admin/reset", h.ResetAccount).Methods("POST")
}

// amountDecimal renders a smallest-unit amount as a human-readable decimal
// string. Formatting happens only here, at the boundary; the core never sees
// anything but integers.
func (h *Handler) amountDecimal(n uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(n), -h.decimals).String()
}

type accountPayload struct {
	domain.AccountView
	StakedDecimal    string `json:"staked_decimal"`
	AllowanceDecimal string `json:"allowance_decimal"`
	ClaimableDecimal string `json:"claimable_decimal"`
}

func (h *Handler) accountPayload(view domain.AccountView) accountPayload {
	return accountPayload{
		AccountView:      view,
		StakedDecimal:    h.amountDecimal(view.StakedBalance),
		AllowanceDecimal: h.amountDecimal(view.AvailableAllowance),
		ClaimableDecimal: h.amountDecimal(view.Claimable),
	}
}

type stakeRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

func (h *Handler) Stake(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/stake"))
	defer timer.ObserveDuration()

	var req stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/stake")
		return
	}

	view, err := h.ledger.Stake(r.Context(), req.Account, req.Amount, time.Now().UTC())
	if err != nil {
		h.respondLedgerError(w, err, "POST", "/stake")
		return
	}
	h.respondJSON(w, http.StatusOK, h.accountPayload(view), "POST", "/stake")
}

func (h *Handler) Unstake(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/unstake"))
	defer timer.ObserveDuration()

	var req stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/unstake")
		return
	}

	view, err := h.ledger.Unstake(r.Context(), req.Account, req.Amount, time.Now().UTC())
	if err != nil {
		h.respondLedgerError(w, err, "POST", "/unstake")
		return
	}
	h.respondJSON(w, http.StatusOK, h.accountPayload(view), "POST", "/unstake")
}

type tipRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
}

func (h *Handler) SendTip(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/tips"))
	defer timer.ObserveDuration()

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		h.respondError(w, http.StatusBadRequest, "Missing Idempotency-Key header", "POST", "/tips")
		return
	}

	var req tipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/tips")
		return
	}

	tip, err := h.ledger.SendTip(r.Context(), req.Sender, req.Recipient, req.Amount, key, time.Now().UTC())
	if err != nil {
		tipsProcessed.WithLabelValues("rejected").Inc()
		h.respondLedgerError(w, err, "POST", "/tips")
		return
	}
	tipsProcessed.WithLabelValues("allocated").Inc()
	w.Header().Set("Location", "/api/v1/tips/"+tip.Key)
	h.respondJSON(w, http.StatusCreated, tip, "POST", "/tips")
}

type batchTipRequest struct {
	Sender string `json:"sender"`
	Items  []struct {
		Recipient string `json:"recipient"`
		Amount    uint64 `json:"amount"`
	} `json:"items"`
	Keys []string `json:"keys"`
}

func (h *Handler) SendTipsBatch(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/tips/batch"))
	defer timer.ObserveDuration()

	var req batchTipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/tips/batch")
		return
	}

	items := make([]ledger.BatchItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, ledger.BatchItem{Recipient: item.Recipient, Amount: item.Amount})
	}

	tips, err := h.ledger.SendTipsBatch(r.Context(), req.Sender, items, req.Keys, time.Now().UTC())
	if err != nil {
		tipsProcessed.WithLabelValues("rejected").Inc()
		h.respondLedgerError(w, err, "POST", "/tips/batch")
		return
	}
	tipsProcessed.WithLabelValues("allocated").Add(float64(len(tips)))
	h.respondJSON(w, http.StatusCreated, tips, "POST", "/tips/batch")
}

func (h *Handler) GetTip(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	tip, err := h.ledger.GetTip(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrTipNotFound) {
			h.respondError(w, http.StatusNotFound, "Tip not found", "GET", "/tips/{key}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/tips/{key}")
		return
	}
	h.respondJSON(w, http.StatusOK, tip, "GET", "/tips/{key}")
}

type claimRequest struct {
	Account string `json:"account"`
	Mode    string `json:"mode"`
}

func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/claim"))
	defer timer.ObserveDuration()

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/claim")
		return
	}
	mode := domain.ClaimMode(req.Mode)
	if mode == "" {
		mode = domain.ClaimToBalance
	}

	claimed, err := h.ledger.Claim(r.Context(), req.Account, time.Now().UTC(), mode)
	if err != nil {
		h.respondLedgerError(w, err, "POST", "/claim")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"account":         req.Account,
		"mode":            mode,
		"claimed":         claimed,
		"claimed_decimal": h.amountDecimal(claimed),
	}, "POST", "/claim")
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := h.ledger.GetAccountView(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/accounts/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, h.accountPayload(view), "GET", "/accounts/{id}")
}

func (h *Handler) PreviewAllowance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	available, err := h.ledger.PreviewAllowance(r.Context(), id, time.Now().UTC())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", "GET", "/accounts/{id}/allowance")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"account":           id,
		"available":         available,
		"available_decimal": h.amountDecimal(available),
	}, "GET", "/accounts/{id}/allowance")
}

// admin resolves the acting admin identity from the shared token. The core
// re-checks the actor, so a bad token simply becomes ErrNotAuthorized.
func (h *Handler) admin(r *http.Request) string {
	if h.adminToken != "" && r.Header.Get("X-Admin-Token") == h.adminToken {
		return h.adminAccount
	}
	return ""
}

func (h *Handler) SetRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RateBasisPoints uint32 `json:"rate_basis_points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "PUT", "/admin/rate")
		return
	}
	if err := h.ledger.SetDailyRate(r.Context(), h.admin(r), req.RateBasisPoints, time.Now().UTC()); err != nil {
		h.respondLedgerError(w, err, "PUT", "/admin/rate")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]uint32{"rate_basis_points": req.RateBasisPoints}, "PUT", "/admin/rate")
}

func (h *Handler) FundReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/admin/reserve")
		return
	}
	if err := h.ledger.FundReserve(r.Context(), h.admin(r), req.Amount, time.Now().UTC()); err != nil {
		h.respondLedgerError(w, err, "POST", "/admin/reserve")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]uint64{"funded": req.Amount}, "POST", "/admin/reserve")
}

func (h *Handler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
		Granted uint64 `json:"granted"`
		Spent   uint64 `json:"spent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == "" {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/admin/reset")
		return
	}
	if err := h.ledger.ResetAccountTipState(r.Context(), h.admin(r), req.Account, req.Granted, req.Spent, time.Now().UTC()); err != nil {
		h.respondLedgerError(w, err, "POST", "/admin/reset")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"account": req.Account}, "POST", "/admin/reset")
}

// respondLedgerError maps the core's error taxonomy onto HTTP statuses.
func (h *Handler) respondLedgerError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case domain.IsValidation(err):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrDuplicateTip):
		h.respondError(w, http.StatusConflict, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrContention):
		h.respondError(w, http.StatusServiceUnavailable, err.Error(), method, endpoint)
	case domain.IsInsufficientFunds(err):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrNotAuthorized):
		h.respondError(w, http.StatusUnauthorized, "Not authorized", method, endpoint)
	default:
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
