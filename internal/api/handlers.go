package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/service"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

type createAccountRequest struct {
	Name string `json:"name"`
}

// accountWithSecret is returned only when a secret is created or rotated.
type accountWithSecret struct {
	domain.Account
	WebhookSecret string `json:"webhook_secret"`
}

type movementRequest struct {
	AccountID      uuid.UUID    `json:"account_id"`
	Amount         domain.Money `json:"amount"`
	IdempotencyKey *string      `json:"idempotency_key,omitempty"`
}

type transferRequest struct {
	FromAccountID  uuid.UUID    `json:"from_account_id"`
	ToAccountID    uuid.UUID    `json:"to_account_id"`
	Amount         domain.Money `json:"amount"`
	IdempotencyKey *string      `json:"idempotency_key,omitempty"`
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

type webhookResponse struct {
	domain.Subscription
	Secret string `json:"secret,omitempty"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.health != nil {
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Accounts

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	acc, err := h.accounts.CreateAccount(r.Context(), req.Name)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/accounts/"+acc.ID.String())
	respondWithJSON(w, http.StatusCreated, accountWithSecret{Account: acc, WebhookSecret: acc.WebhookSecret})
}

func (h *Handler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}
	accounts, err := h.accounts.ListAccounts(r.Context(), limit, offset)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	acc, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.accounts.DeleteAccount(r.Context(), id); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RotateSecretHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	secret, err := h.accounts.RotateWebhookSecret(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"webhook_secret": secret})
}

// Transactions

// idempotencyKey merges the body key with the Idempotency-Key header. Both
// may be given only if they agree.
func idempotencyKey(w http.ResponseWriter, r *http.Request, body *string) (*string, bool) {
	header := r.Header.Get("Idempotency-Key")
	switch {
	case header == "":
		return body, true
	case body == nil:
		return &header, true
	case *body != header:
		respondWithError(w, http.StatusBadRequest, "Idempotency-Key header does not match body")
		return nil, false
	}
	return body, true
}

func (h *Handler) DepositHandler(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, ok := idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	receipt, err := h.engine.Deposit(r.Context(), service.DepositInput{AccountID: req.AccountID, Amount: req.Amount, IdempotencyKey: key})
	h.respondWithReceipt(w, r, receipt, err)
}

func (h *Handler) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, ok := idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	receipt, err := h.engine.Withdraw(r.Context(), service.WithdrawInput{AccountID: req.AccountID, Amount: req.Amount, IdempotencyKey: key})
	h.respondWithReceipt(w, r, receipt, err)
}

func (h *Handler) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key, ok := idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	receipt, err := h.engine.Transfer(r.Context(), service.TransferInput{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	h.respondWithReceipt(w, r, receipt, err)
}

// respondWithReceipt answers 201 for a new mutation and 200 for a replay of
// an earlier one.
func (h *Handler) respondWithReceipt(w http.ResponseWriter, r *http.Request, receipt *service.Receipt, err error) {
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%s", receipt.Transaction.ID))
	if receipt.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		respondWithJSON(w, http.StatusOK, receipt)
		return
	}
	respondWithJSON(w, http.StatusCreated, receipt)
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	tx, err := h.engine.GetTransaction(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *Handler) GetAccountTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	page, err := h.engine.HistoryPage(r.Context(), id, service.Page{Limit: limit, Cursor: r.URL.Query().Get("cursor")})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if page.Transactions == nil {
		page.Transactions = []domain.Transaction{}
	}
	respondWithJSON(w, http.StatusOK, page)
}

// Webhooks

func (h *Handler) CreateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req createWebhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sub, err := h.subs.RegisterSubscription(r.Context(), service.SubscriptionInput{
		AccountID: accountID,
		URL:       req.URL,
		Events:    req.Events,
		Secret:    req.Secret,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%s/webhooks/%s", accountID, sub.ID))
	respondWithJSON(w, http.StatusCreated, webhookResponse{Subscription: sub, Secret: sub.Secret})
}

func (h *Handler) ListWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	subs, err := h.subs.ListSubscriptions(r.Context(), accountID)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if subs == nil {
		subs = []domain.Subscription{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"webhooks": subs})
}

func (h *Handler) DeleteWebhookHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	webhookID, ok := pathID(w, r, "webhookID")
	if !ok {
		return
	}
	if err := h.subs.RemoveSubscription(r.Context(), accountID, webhookID); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deliveries

func (h *Handler) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.DeliveryFilter{Status: domain.DeliveryStatus(q.Get("status"))}
	switch f.Status {
	case "", domain.DeliveryPending, domain.DeliveryDelivered, domain.DeliveryExhausted:
	default:
		respondWithError(w, http.StatusBadRequest, "Invalid status")
		return
	}
	if v := q.Get("account_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid account_id")
			return
		}
		f.AccountID = &id
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	f.Limit = min(limit, service.MaxPageSize)

	deliveries, err := h.deliveries.Deliveries(r.Context(), f)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if deliveries == nil {
		deliveries = []domain.DeliveryAttempt{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (h *Handler) RedeliverHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.deliveries.Redeliver(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, d)
}
