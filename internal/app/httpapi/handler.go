// Package httpapi exposes the agent's REST surface. Handlers decode the
// request, resolve the caller identity set by the auth middleware and
// delegate to the services; protocol errors map onto stable HTTP statuses.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/internal/app/domain/agent"
	"github.com/atellix/token-agent/internal/app/events"
	"github.com/atellix/token-agent/internal/app/metrics"
	"github.com/atellix/token-agent/internal/app/services/allowances"
	"github.com/atellix/token-agent/internal/app/services/payments"
	"github.com/atellix/token-agent/internal/app/services/subscriptions"
	"github.com/atellix/token-agent/internal/middleware"
	"github.com/atellix/token-agent/pkg/logger"
)

// Handler is the agent's HTTP surface.
type Handler struct {
	subscriptions *subscriptions.Service
	payments      *payments.Service
	allowances    *allowances.Service
	hub           *events.Hub
	metrics       *metrics.Metrics
	log           *logger.Logger
}

// New creates the handler.
func New(
	subs *subscriptions.Service,
	pays *payments.Service,
	alws *allowances.Service,
	hub *events.Hub,
	m *metrics.Metrics,
	log *logger.Logger,
) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{
		subscriptions: subs,
		payments:      pays,
		allowances:    alws,
		hub:           hub,
		metrics:       m,
		log:           log,
	}
}

// Router builds the route table. The auth middleware guards every /v1 route;
// health and metrics stay open.
func (h *Handler) Router(auth *middleware.Auth, limiter *middleware.RateLimiter) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(auth.Middleware, limiter.Middleware)

	api.HandleFunc("/subscriptions", h.handleSubscribe).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions", h.handleListSubscriptions).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{id}", h.handleGetSubscription).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions/{id}", h.handleUpdateSubscription).Methods(http.MethodPut)
	api.HandleFunc("/subscriptions/{id}", h.handleCloseSubscription).Methods(http.MethodDelete)
	api.HandleFunc("/subscriptions/{id}/process", h.handleProcess).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{id}/cancel", h.handleManagerCancel).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{id}/manager", h.handleUpdateManager).Methods(http.MethodPost)

	api.HandleFunc("/payments", h.handleMerchantPayment).Methods(http.MethodPost)
	api.HandleFunc("/payments/receive", h.handleMerchantReceive).Methods(http.MethodPost)

	api.HandleFunc("/allowances", h.handleGrantAllowance).Methods(http.MethodPost)
	api.HandleFunc("/allowances", h.handleListAllowances).Methods(http.MethodGet)
	api.HandleFunc("/allowances/{address}", h.handleGetAllowance).Methods(http.MethodGet)
	api.HandleFunc("/allowances/{address}", h.handleUpdateAllowance).Methods(http.MethodPut)
	api.HandleFunc("/allowances/{address}/spend", h.handleSpendAllowance).Methods(http.MethodPost)

	api.HandleFunc("/events", h.handleListEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/ws", h.hub.HandleWebSocket).Methods(http.MethodGet)

	if h.metrics != nil {
		r.Use(func(next http.Handler) http.Handler {
			return h.metrics.InstrumentHandler("api", next)
		})
	}
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Subscriptions ---------------------------------------------------------------

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var p subscriptions.SubscribeParams
	if !h.decodeJSON(w, r, &p) {
		return
	}
	p.UserKey = middleware.CallerFromContext(r.Context())

	sub, err := h.subscriptions.Subscribe(r.Context(), p)
	if h.metrics != nil {
		h.metrics.RecordCharge("subscribe", p.InitialAmount, err)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	user := chain.Address(r.URL.Query().Get("user"))
	subs, err := h.subscriptions.List(r.Context(), user)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subscriptions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var p subscriptions.UpdateParams
	if !h.decodeJSON(w, r, &p) {
		return
	}
	p.Caller = middleware.CallerFromContext(r.Context())

	sub, err := h.subscriptions.Update(r.Context(), mux.Vars(r)["id"], p)
	if h.metrics != nil && p.Active {
		h.metrics.RecordCharge("update", p.Amount, err)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleCloseSubscription(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	if err := h.subscriptions.Close(r.Context(), mux.Vars(r)["id"], caller); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	var p subscriptions.ProcessParams
	if !h.decodeJSON(w, r, &p) {
		return
	}
	p.SubscriptionID = mux.Vars(r)["id"]
	p.ManagerKey = middleware.CallerFromContext(r.Context())

	sub, receipt, err := h.subscriptions.Process(r.Context(), p)
	if h.metrics != nil {
		h.metrics.RecordCharge("rebill", p.Amount, err)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscription": sub,
		"receipt":      receipt,
	})
}

func (h *Handler) handleManagerCancel(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFromContext(r.Context())
	sub, err := h.subscriptions.ManagerCancel(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleUpdateManager(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ManagerKey      chain.Address `json:"manager_key"`
		ManagerApproval chain.Address `json:"manager_approval"`
	}
	if !h.decodeJSON(w, r, &body) {
		return
	}
	caller := middleware.CallerFromContext(r.Context())

	sub, err := h.subscriptions.UpdateManager(r.Context(), mux.Vars(r)["id"], caller, body.ManagerKey, body.ManagerApproval)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Payments --------------------------------------------------------------------

func (h *Handler) handleMerchantPayment(w http.ResponseWriter, r *http.Request) {
	var p payments.Params
	if !h.decodeJSON(w, r, &p) {
		return
	}
	p.UserKey = middleware.CallerFromContext(r.Context())

	result, err := h.payments.MerchantPayment(r.Context(), p)
	if h.metrics != nil {
		h.metrics.RecordCharge("payment", p.Amount, err)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleMerchantReceive(w http.ResponseWriter, r *http.Request) {
	var p payments.Params
	if !h.decodeJSON(w, r, &p) {
		return
	}

	result, err := h.payments.MerchantReceive(r.Context(), p)
	if h.metrics != nil {
		h.metrics.RecordCharge("receive", p.Amount, err)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Allowances ------------------------------------------------------------------

func (h *Handler) handleGrantAllowance(w http.ResponseWriter, r *http.Request) {
	var p allowances.GrantParams
	if !h.decodeJSON(w, r, &p) {
		return
	}
	p.UserKey = middleware.CallerFromContext(r.Context())

	alw, err := h.allowances.Grant(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alw)
}

func (h *Handler) handleListAllowances(w http.ResponseWriter, r *http.Request) {
	user := chain.Address(r.URL.Query().Get("user"))
	alws, err := h.allowances.List(r.Context(), user)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alws)
}

func (h *Handler) handleGetAllowance(w http.ResponseWriter, r *http.Request) {
	alw, err := h.allowances.Get(r.Context(), chain.Address(mux.Vars(r)["address"]))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alw)
}

func (h *Handler) handleUpdateAllowance(w http.ResponseWriter, r *http.Request) {
	var p allowances.UpdateParams
	if !h.decodeJSON(w, r, &p) {
		return
	}
	p.Caller = middleware.CallerFromContext(r.Context())

	alw, err := h.allowances.Update(r.Context(), chain.Address(mux.Vars(r)["address"]), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alw)
}

func (h *Handler) handleSpendAllowance(w http.ResponseWriter, r *http.Request) {
	var p allowances.SpendParams
	if !h.decodeJSON(w, r, &p) {
		return
	}
	p.Caller = middleware.CallerFromContext(r.Context())

	alw, err := h.allowances.Spend(r.Context(), chain.Address(mux.Vars(r)["address"]), p)
	if h.metrics != nil {
		h.metrics.RecordCharge("allowance", p.Amount, err)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alw)
}

// Events ----------------------------------------------------------------------

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	recs, err := h.hub.List(r.Context(), r.URL.Query().Get("subject"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// Helpers ---------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps a protocol error onto its HTTP status. Unknown errors
// become 500 without leaking detail.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var perr *agent.Error
	if !errors.As(err, &perr) {
		h.log.WithError(err).Error("internal error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	status := http.StatusBadRequest
	switch perr.Code {
	case agent.CodeAccessDenied, agent.CodeNotApproved:
		status = http.StatusForbidden
	case agent.CodeInvalidAccount:
		status = http.StatusNotFound
	case agent.CodeInvalidDerivedAccount, agent.CodeInvalidTimeframe,
		agent.CodeInvalidSubscriptionPeriod, agent.CodeInvalidSwapMode:
		status = http.StatusBadRequest
	case agent.CodeInactiveSubscription, agent.CodeMaxRebills, agent.CodeNotValidYet:
		status = http.StatusConflict
	case agent.CodeExpired:
		status = http.StatusGone
	case agent.CodePeriodBudgetExceeded, agent.CodeTotalBudgetExceeded,
		agent.CodeAllowanceExceeded, agent.CodeOverflow:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  int(perr.Code),
	})
}
