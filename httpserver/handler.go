package httpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/subpay/tee-subscription-backend/api"
	"github.com/subpay/tee-subscription-backend/interfaces"
	"github.com/subpay/tee-subscription-backend/issuer"
	"github.com/subpay/tee-subscription-backend/monitor"
	"github.com/subpay/tee-subscription-backend/worker"
)

// Handler implements the payment API endpoints over the engine's core
// services.
type Handler struct {
	store   interfaces.SubscriptionStore
	vault   interfaces.KeyVault
	issuer  *issuer.ScopedKeyIssuer
	ledger  interfaces.PaymentLedger
	worker  *worker.Identity
	monitor *monitor.Monitor
	log     *slog.Logger
}

// NewHandler wires the API handler to the engine services.
func NewHandler(store interfaces.SubscriptionStore, vault interfaces.KeyVault, keyIssuer *issuer.ScopedKeyIssuer, paymentLedger interfaces.PaymentLedger, workerID *worker.Identity, mon *monitor.Monitor, log *slog.Logger) *Handler {
	return &Handler{
		store:   store,
		vault:   vault,
		issuer:  keyIssuer,
		ledger:  paymentLedger,
		worker:  workerID,
		monitor: mon,
		log:     log,
	}
}

// CreateSubscription handles POST /api/v1/subscriptions.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payer, err := interfaces.NewAccountAddressFromHex(req.Payer)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payer: %v", err))
		return
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	var token interfaces.AccountAddress
	if req.Token != "" {
		if token, err = interfaces.NewAccountAddressFromHex(req.Token); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid token address: %v", err))
			return
		}
	}

	sub, err := h.store.Create(r.Context(), interfaces.CreateSubscriptionParams{
		MerchantID:       req.MerchantID,
		Payer:            payer,
		Amount:           amount,
		FrequencySeconds: req.FrequencySeconds,
		MaxPayments:      req.MaxPayments,
		Token:            token,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, api.CreateSubscriptionResponse{
		Success:        true,
		SubscriptionID: sub.ID.String(),
	})
}

// GetSubscription handles GET /api/v1/subscriptions/{id}.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.Get(r.Context(), interfaces.SubscriptionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAPISubscription(sub))
}

// ListSubscriptions handles GET /api/v1/subscriptions?account=.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	payer, err := interfaces.NewAccountAddressFromHex(account)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid account: %v", err))
		return
	}

	subs, err := h.store.ListByAccount(r.Context(), payer)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := api.SubscriptionListResponse{Subscriptions: make([]api.Subscription, 0, len(subs))}
	for _, sub := range subs {
		resp.Subscriptions = append(resp.Subscriptions, toAPISubscription(sub))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// RegisterSubscriptionKey handles POST /api/v1/subscriptions/{id}/key. It
// issues a fresh scoped keypair, transfers the private half into enclave
// custody, registers the public half on-chain, and activates the
// subscription. The response carries the unsigned wallet authorization,
// never the private key.
func (h *Handler) RegisterSubscriptionKey(w http.ResponseWriter, r *http.Request) {
	id := interfaces.SubscriptionID(chi.URLParam(r, "id"))

	var req api.RegisterKeyRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var allowance *big.Int
	if req.Allowance != "" {
		var ok bool
		if allowance, ok = new(big.Int).SetString(req.Allowance, 10); !ok {
			h.writeError(w, http.StatusBadRequest, "invalid allowance")
			return
		}
	}

	sub, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if sub.Status != interfaces.StatusPending {
		h.writeError(w, http.StatusConflict, fmt.Sprintf("subscription is %s, key registration requires pending", sub.Status))
		return
	}

	issued, err := h.issuer.Issue(sub.Payer, id, allowance)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if err := h.vault.Store(r.Context(), id, issued.PrivateKey, issued.PublicKey); err != nil {
		h.writeDomainError(w, err)
		return
	}
	wipe(issued.PrivateKey)

	if err := h.ledger.RegisterSubscriptionKey(r.Context(), id, issued.PublicKey); err != nil {
		// Roll back custody so a later attempt can issue a fresh key.
		if derr := h.vault.Destroy(r.Context(), id); derr != nil {
			h.log.Error("Rolling back key custody failed", slog.String("subscription", id.String()), slog.Any("err", derr))
		}
		h.writeDomainError(w, err)
		return
	}

	if err := h.store.Authorize(r.Context(), id, issued.PublicKey); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.RegisterKeyResponse{
		Success:       true,
		PublicKey:     issued.PublicKey.String(),
		Authorization: toAPIAuthorization(issued.Authorization),
	})
}

// StoreSubscriptionKey handles PUT /api/v1/subscriptions/{id}/key: custody
// transfer of an externally issued keypair. The request must arrive over
// the attested channel.
func (h *Handler) StoreSubscriptionKey(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(api.AttestedChannelHeader) == "" {
		h.writeError(w, http.StatusForbidden, "key custody requires the attested channel")
		return
	}

	id := interfaces.SubscriptionID(chi.URLParam(r, "id"))

	var req api.StoreKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	priv, err := hex.DecodeString(req.PrivateKey)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid private key encoding")
		return
	}
	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid public key encoding")
		return
	}

	if err := h.vault.Store(r.Context(), id, priv, pub); err != nil {
		h.writeDomainError(w, err)
		return
	}
	wipe(priv)

	h.writeJSON(w, http.StatusOK, api.StatusResponse{Success: true})
}

// PauseSubscription handles POST /api/v1/subscriptions/{id}/pause.
func (h *Handler) PauseSubscription(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.store.Pause, string(interfaces.StatusPaused))
}

// ResumeSubscription handles POST /api/v1/subscriptions/{id}/resume.
func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.store.Resume, string(interfaces.StatusActive))
}

// CancelSubscription handles POST /api/v1/subscriptions/{id}/cancel. After
// the terminal transition the scoped key material is destroyed.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	id := interfaces.SubscriptionID(chi.URLParam(r, "id"))

	if err := h.store.Cancel(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	if err := h.vault.Destroy(r.Context(), id); err != nil {
		// The subscription is already cancelled; key destruction is
		// retried by a later cancel call.
		h.log.Error("Destroying key material failed", slog.String("subscription", id.String()), slog.Any("err", err))
	}

	h.writeJSON(w, http.StatusOK, api.StatusResponse{Success: true, Status: string(interfaces.StatusCancelled)})
}

// ListReceipts handles GET /api/v1/subscriptions/{id}/receipts.
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	id := interfaces.SubscriptionID(chi.URLParam(r, "id"))

	if _, err := h.store.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	receipts, err := h.store.Receipts(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := api.ReceiptListResponse{Receipts: make([]api.Receipt, 0, len(receipts))}
	for _, receipt := range receipts {
		resp.Receipts = append(resp.Receipts, api.Receipt{
			Success:     receipt.Success,
			TxHash:      receipt.TxHash,
			Error:       receipt.Error,
			AttemptedAt: receipt.AttemptedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListMerchants handles GET /api/v1/merchants.
func (h *Handler) ListMerchants(w http.ResponseWriter, r *http.Request) {
	merchants, err := h.store.Merchants(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := api.MerchantListResponse{Merchants: make([]api.Merchant, 0, len(merchants))}
	for _, m := range merchants {
		resp.Merchants = append(resp.Merchants, api.Merchant{ID: m.ID, Name: m.Name})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// StartMonitor handles POST /api/v1/monitor/start.
func (h *Handler) StartMonitor(w http.ResponseWriter, r *http.Request) {
	var req api.MonitorStartRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := h.monitor.Start(r.Context(), time.Duration(req.IntervalMs)*time.Millisecond); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAPIMonitorStatus(h.monitor.Status()))
}

// StopMonitor handles POST /api/v1/monitor/stop.
func (h *Handler) StopMonitor(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Stop(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAPIMonitorStatus(h.monitor.Status()))
}

// MonitorStatus handles GET /api/v1/monitor/status.
func (h *Handler) MonitorStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, toAPIMonitorStatus(h.monitor.Status()))
}

// VerifyWorker handles GET /api/v1/worker/verify.
func (h *Handler) VerifyWorker(w http.ResponseWriter, r *http.Request) {
	verified, err := h.worker.Verify(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	status := h.worker.Status()
	h.writeJSON(w, http.StatusOK, api.WorkerVerifyResponse{
		Verified:  verified,
		AccountID: status.Account.String(),
		State:     string(status.State),
	})
}

// RegisterWorker handles POST /api/v1/worker/register.
func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.worker.Register(r.Context()); err != nil {
		h.writeDomainError(w, err)
		return
	}

	status := h.worker.Status()
	h.writeJSON(w, http.StatusOK, api.WorkerRegisterResponse{
		AccountID:  status.Account.String(),
		Registered: true,
	})
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, interfaces.SubscriptionID) error, resulting string) {
	id := interfaces.SubscriptionID(chi.URLParam(r, "id"))
	if err := op(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.StatusResponse{Success: true, Status: resulting})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error("Encoding response failed", slog.Any("err", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, api.ErrorResponse{Error: msg})
}

// writeDomainError maps the engine's error taxonomy onto HTTP status
// codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrInvalidParameters):
		status = http.StatusBadRequest
	case errors.Is(err, interfaces.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrInvalidState),
		errors.Is(err, interfaces.ErrAlreadyStored),
		errors.Is(err, interfaces.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrLedgerRejected),
		errors.Is(err, interfaces.ErrRegistrationFailed):
		status = http.StatusBadGateway
	case errors.Is(err, interfaces.ErrLedgerTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, interfaces.ErrEnclaveUnavailable),
		errors.Is(err, interfaces.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	h.writeError(w, status, err.Error())
}

func toAPISubscription(sub *interfaces.Subscription) api.Subscription {
	out := api.Subscription{
		ID:               sub.ID.String(),
		MerchantID:       sub.MerchantID,
		Payer:            sub.Payer.String(),
		Amount:           sub.Amount.String(),
		FrequencySeconds: sub.FrequencySeconds,
		MaxPayments:      sub.MaxPayments,
		PaymentsMade:     sub.PaymentsMade,
		Status:           string(sub.Status),
		NextChargeAt:     sub.NextChargeAt,
		FailureCount:     sub.FailureCount,
		FlaggedForReview: sub.FlaggedForReview,
		LastChargeAt:     sub.LastChargeAt,
		LastTxHash:       sub.LastTxHash,
		LastError:        sub.LastError,
		CreatedAt:        sub.CreatedAt,
	}
	if !sub.Token.IsZero() {
		out.Token = sub.Token.String()
	}
	if len(sub.AuthorizedKey) > 0 {
		out.AuthorizedKey = sub.AuthorizedKey.String()
	}
	return out
}

func toAPIAuthorization(auth interfaces.UnsignedAuthorization) api.Authorization {
	return api.Authorization{
		Payer:      auth.Payer.String(),
		Contract:   auth.Contract.String(),
		PublicKey:  auth.PublicKey.String(),
		MethodName: auth.MethodName,
		Allowance:  auth.Allowance.String(),
		Calldata:   hex.EncodeToString(auth.Calldata),
	}
}

func toAPIMonitorStatus(status interfaces.MonitoringStatus) api.MonitorStatusResponse {
	return api.MonitorStatusResponse{
		IsMonitoring: status.IsMonitoring,
		IntervalMs:   status.Interval.Milliseconds(),
		LastRunAt:    status.LastRunAt,
		LastError:    status.LastError,
	}
}

func wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
