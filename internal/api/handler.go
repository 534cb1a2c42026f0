package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/service"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
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

const maxBodyBytes = 1 << 20

// DeliveryQueue is the part of the webhook dispatcher the API exposes.
type DeliveryQueue interface {
	Deliveries(ctx context.Context, f store.DeliveryFilter) ([]domain.DeliveryAttempt, error)
	Redeliver(ctx context.Context, id uuid.UUID) (domain.DeliveryAttempt, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the handlers call into.
type Deps struct {
	Engine        *service.Engine
	Accounts      *service.Accounts
	Subscriptions *service.Subscriptions
	Deliveries    DeliveryQueue
	Health        Pinger
}

type Handler struct {
	engine     *service.Engine
	accounts   *service.Accounts
	subs       *service.Subscriptions
	deliveries DeliveryQueue
	health     Pinger
	logger     *slog.Logger
	authToken  string
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.logger = l } }

// WithAuthToken requires "Authorization: Bearer <token>" on every /api route.
func WithAuthToken(token string) Option { return func(h *Handler) { h.authToken = token } }

func NewHandler(d Deps, opts ...Option) *Handler {
	h := &Handler{
		engine:     d.Engine,
		accounts:   d.Accounts,
		subs:       d.Subscriptions,
		deliveries: d.Deliveries,
		health:     d.Health,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(h.instrument)

	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(h.authenticate)

	api.HandleFunc("/accounts", h.CreateAccountHandler).Methods(http.MethodPost)
	api.HandleFunc("/accounts", h.ListAccountsHandler).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", h.DeleteAccountHandler).Methods(http.MethodDelete)
	api.HandleFunc("/accounts/{id}/secret", h.RotateSecretHandler).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/transactions", h.GetAccountTransactionsHandler).Methods(http.MethodGet)

	api.HandleFunc("/accounts/{id}/webhooks", h.CreateWebhookHandler).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/webhooks", h.ListWebhooksHandler).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/webhooks/{webhookID}", h.DeleteWebhookHandler).Methods(http.MethodDelete)

	api.HandleFunc("/transactions/deposit", h.DepositHandler).Methods(http.MethodPost)
	api.HandleFunc("/transactions/withdraw", h.WithdrawHandler).Methods(http.MethodPost)
	api.HandleFunc("/transactions/transfer", h.TransferHandler).Methods(http.MethodPost)
	api.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods(http.MethodGet)

	api.HandleFunc("/deliveries", h.ListDeliveriesHandler).Methods(http.MethodGet)
	api.HandleFunc("/deliveries/{id}/redeliver", h.RedeliverHandler).Methods(http.MethodPost)

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

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(elapsed.Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		h.logger.Debug("http request",
			"method", r.Method,
			"endpoint", endpoint,
			"status", rec.status,
			"duration", elapsed,
		)
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ledger"`)
			respondWithError(w, http.StatusUnauthorized, "Missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondWithDomainError maps ledger errors to HTTP statuses in one place.
func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": ve.Message, "field": ve.Field})
	case domain.IsValidation(err), errors.Is(err, domain.ErrInsufficientFunds):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case domain.IsNotFound(err):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDeliveryNotExhausted):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrContention):
		w.Header().Set("Retry-After", "1")
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrOutcomeUnknown):
		respondWithError(w, http.StatusGatewayTimeout, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) || errors.Is(err, domain.ErrInvalidAmount) {
			respondWithError(w, http.StatusUnprocessableEntity, err.Error())
			return false
		}
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return n, true
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
