package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/service"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxBodyBytes         = 1 << 20
)

type Handler struct {
	engine        *service.Engine
	reconciler    *service.Reconciler
	webhookSecret []byte
	logger        *zap.Logger
}

func NewHandler(engine *service.Engine, reconciler *service.Reconciler, webhookSecret string, logger *zap.Logger) *Handler {
	return &Handler{
		engine:        engine,
		reconciler:    reconciler,
		webhookSecret: []byte(webhookSecret),
		logger:        logger,
	}
}

// Router wires every endpoint, including /health and /metrics.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	h.route(r, http.MethodGet, "/health", h.HealthCheckHandler)
	h.route(r, http.MethodPost, "/webhooks/{provider}", h.WebhookHandler)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	h.route(v1, http.MethodPost, "/payments", h.InitiatePaymentHandler)
	h.route(v1, http.MethodGet, "/payments", h.ListPaymentsHandler)
	h.route(v1, http.MethodGet, "/payments/{id}", h.GetPaymentHandler)
	h.route(v1, http.MethodPost, "/payments/{id}/confirm", h.ConfirmPaymentHandler)
	h.route(v1, http.MethodPost, "/payments/{id}/refunds", h.RefundPaymentHandler)
	h.route(v1, http.MethodGet, "/accounts/{id}/balance", h.GetBalanceHandler)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// route registers fn with the request counter and latency histogram.
func (h *Handler) route(r *mux.Router, method, endpoint string, fn http.HandlerFunc) {
	r.HandleFunc(endpoint, func(w http.ResponseWriter, req *http.Request) {
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, req)
		httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(rec.status)).Inc()
	}).Methods(method)
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req service.InitiateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.engine.Initiate(r.Context(), req)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/payments/%s", p.ID))
	respondWithJSON(w, http.StatusCreated, p)
}

func (h *Handler) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.GetPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, p)
}

func (h *Handler) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}

	payments, err := h.engine.ListPayments(r.Context(), filter)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"payments":  payments,
		"page":      filter.Normalize().Page,
		"page_size": filter.Normalize().PageSize,
	})
}

func parseFilter(r *http.Request) (domain.PaymentFilter, error) {
	q := r.URL.Query()
	filter := domain.PaymentFilter{
		AccountID: q.Get("account_id"),
		Status:    domain.PaymentStatus(q.Get("status")),
	}

	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, domain.Validation("list_payments", fmt.Sprintf("%s must be RFC3339", name))
			}
			*dst = t
		}
	}
	for name, dst := range map[string]*int{"page": &filter.Page, "page_size": &filter.PageSize} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return filter, domain.Validation("list_payments", fmt.Sprintf("%s must be a positive integer", name))
			}
			*dst = n
		}
	}
	return filter, nil
}

func (h *Handler) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(headerIdempotencyKey)
	if key == "" {
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var body struct {
		AccountID string `json:"account_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	res, err := h.engine.Confirm(r.Context(), service.ConfirmRequest{
		PaymentID:      mux.Vars(r)["id"],
		AccountID:      body.AccountID,
		IdempotencyKey: key,
	})
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithResult(w, res)
}

func (h *Handler) RefundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req service.RefundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.PaymentID = mux.Vars(r)["id"]
	req.IdempotencyKey = r.Header.Get(headerIdempotencyKey)

	res, err := h.engine.Refund(r.Context(), req)
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithResult(w, res)
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	acc, err := h.engine.GetBalance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unreadable request body")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation, domain.KindInvalidAmount, domain.KindInsufficientFunds, domain.KindIdempotencyMismatch:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindInvalidState, domain.KindConflict:
		return http.StatusConflict
	}
	return http.StatusServiceUnavailable
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	code := statusFor(kind)

	msg := err.Error()
	var de *domain.Error
	if errors.As(err, &de) && de.Msg != "" {
		msg = de.Msg
	}
	if kind == domain.KindInfra {
		h.logger.Error("request failed", zap.Error(err))
		msg = "Service temporarily unavailable"
		w.Header().Set("Retry-After", "1")
	}
	respondWithJSON(w, code, map[string]string{"error": msg, "kind": string(kind)})
}

// respondWithResult writes the stored body of an idempotent operation so a
// replay is byte-identical to the first response.
func respondWithResult(w http.ResponseWriter, res *service.Result) {
	if res.Replayed {
		w.Header().Set(headerReplayed, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(res.Body)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
