/**
 * @description
 * HTTP handlers for the escrow-service API. Handlers parse the request, call the
 * application service with the authenticated actor and translate business refusals into
 * stable `{"error": code}` responses.
 *
 * @dependencies
 * - internal/app, internal/domain, internal/escrow: service calls, models and refusal codes.
 * - github.com/go-chi/chi/v5: URL parameters.
 */

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cryptopay/escrow-service/internal/app"
	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// EscrowHandlers holds the application service that handlers will use.
type EscrowHandlers struct {
	service *app.Service
	log     logrus.FieldLogger
}

// NewEscrowHandlers creates a new instance of EscrowHandlers.
func NewEscrowHandlers(service *app.Service, logger logrus.FieldLogger) *EscrowHandlers {
	return &EscrowHandlers{service: service, log: logger.WithField("component", "api")}
}

type openPaymentRequest struct {
	FiatAmount int64           `json:"fiat_amount"`
	Rate       decimal.Decimal `json:"rate"`
	QRPayload  string          `json:"qr_payload"`
}

type workerErrorRequest struct {
	Reason string `json:"reason"`
}

type resolveSettlementRequest struct {
	Complete bool `json:"complete"`
}

type createWithdrawalRequest struct {
	Amount      int64                 `json:"amount"`
	Destination string                `json:"destination"`
	RequestType domain.WithdrawalType `json:"request_type"`
}

type resolveWithdrawalRequest struct {
	Approve bool `json:"approve"`
}

type assignWalletRequest struct {
	Address string `json:"address"`
	KeyRef  string `json:"key_ref"`
}

type reconcileWithdrawalRequest struct {
	Paid   bool   `json:"paid"`
	TxHash string `json:"tx_hash"`
}

type testDepositRequest struct {
	Amount int64 `json:"amount"`
}

type actionResponse struct {
	Applied bool `json:"applied"`
}

// GetBalanceHandler returns the caller's ledger balance.
func (h *EscrowHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	balance, err := h.service.GetBalance(r.Context(), actor)
	if err != nil {
		h.fail(w, "get_balance", actor, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// ListTransactionsHandler returns the caller's most recent transactions.
func (h *EscrowHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	txs, err := h.service.ListTransactions(r.Context(), actor, queryLimit(r))
	if err != nil {
		h.fail(w, "list_transactions", actor, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txs)
}

// ProvisionWalletHandler returns the caller's custodial wallet, creating it on first use.
func (h *EscrowHandlers) ProvisionWalletHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	wallet, err := h.service.ProvisionWallet(r.Context(), actor)
	if err != nil {
		h.fail(w, "provision_wallet", actor, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// AssignWalletHandler lets an admin bind a user to an existing custodial wallet.
func (h *EscrowHandlers) AssignWalletHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	userID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req assignWalletRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	req.KeyRef = strings.TrimSpace(req.KeyRef)
	if req.Address == "" || req.KeyRef == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "address and key_ref are required")
		return
	}
	if err := h.service.AssignWallet(r.Context(), actor, userID, req.Address, req.KeyRef); err != nil {
		h.fail(w, "assign_wallet", actor, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpenPaymentHandler escrows funds for a third-party payment.
func (h *EscrowHandlers) OpenPaymentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req openPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.QRPayload) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "qr_payload is required")
		return
	}

	opened, err := h.service.OpenPaymentEscrow(r.Context(), actor, app.OpenPaymentRequest{
		FiatAmount: req.FiatAmount,
		Rate:       req.Rate,
		Descriptor: domain.PaymentDescriptor{QRPayload: req.QRPayload},
	})
	if err != nil {
		h.fail(w, "open_payment", actor, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, opened)
}

// ListPendingPaymentsHandler returns the worker queue.
func (h *EscrowHandlers) ListPendingPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	items, err := h.service.ListPendingPayments(r.Context(), actor, queryLimit(r))
	if err != nil {
		h.fail(w, "list_pending_payments", actor, err)
		return
	}
	h.writeJSON(w, http.StatusOK, items)
}

// GetPaymentHandler returns one payment visible to the caller.
func (h *EscrowHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	txID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	tx, err := h.service.GetPayment(r.Context(), actor, txID)
	if err != nil {
		h.fail(w, "get_payment", actor, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// ClaimPaymentHandler assigns a pending payment to the calling worker.
func (h *EscrowHandlers) ClaimPaymentHandler(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, "claim_payment", h.service.ClaimPayment)
}

// WorkerConfirmHandler marks the third-party payment as made.
func (h *EscrowHandlers) WorkerConfirmHandler(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, "worker_confirm", h.service.WorkerConfirm)
}

// WorkerErrorHandler reports that the worker could not make the payment.
func (h *EscrowHandlers) WorkerErrorHandler(w http.ResponseWriter, r *http.Request) {
	var req workerErrorRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "worker reported an error"
	}
	h.paymentAction(w, r, "worker_error", func(ctx context.Context, actor domain.Actor, txID int64) (bool, error) {
		return h.service.WorkerReportError(ctx, actor, txID, reason)
	})
}

// UserConfirmHandler confirms receipt and triggers settlement.
func (h *EscrowHandlers) UserConfirmHandler(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, "user_confirm", h.service.UserConfirm)
}

// UserRejectHandler disputes the worker's confirmation.
func (h *EscrowHandlers) UserRejectHandler(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, "user_reject", h.service.UserReject)
}

// AdminCancelHandler cancels a pending payment and releases its escrow.
func (h *EscrowHandlers) AdminCancelHandler(w http.ResponseWriter, r *http.Request) {
	h.paymentAction(w, r, "admin_cancel", h.service.AdminCancel)
}

// ResolveSettlementHandler lets an admin reconcile a failed settlement.
func (h *EscrowHandlers) ResolveSettlementHandler(w http.ResponseWriter, r *http.Request) {
	var req resolveSettlementRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.paymentAction(w, r, "resolve_settlement", func(ctx context.Context, actor domain.Actor, txID int64) (bool, error) {
		return h.service.ResolveSettlement(ctx, actor, txID, req.Complete)
	})
}

// CreateWithdrawalHandler files a withdrawal request for admin review.
func (h *EscrowHandlers) CreateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createWithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequestType == "" {
		req.RequestType = domain.WithdrawalBalance
	}
	id, err := h.service.CreateWithdrawal(r.Context(), actor, req.Amount, strings.TrimSpace(req.Destination), req.RequestType)
	if err != nil {
		h.fail(w, "create_withdrawal", actor, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]int64{"withdrawal_id": id})
}

// ListPendingWithdrawalsHandler returns withdrawals awaiting review.
func (h *EscrowHandlers) ListPendingWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	requests, err := h.service.ListPendingWithdrawals(r.Context(), actor, queryLimit(r))
	if err != nil {
		h.fail(w, "list_pending_withdrawals", actor, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

// ResolveWithdrawalHandler approves or rejects a pending withdrawal.
func (h *EscrowHandlers) ResolveWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	var req resolveWithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.paymentAction(w, r, "resolve_withdrawal", func(ctx context.Context, actor domain.Actor, id int64) (bool, error) {
		return h.service.ResolveWithdrawal(ctx, actor, id, req.Approve)
	})
}

// ListUnverifiedWithdrawalsHandler returns payouts parked for manual reconciliation.
func (h *EscrowHandlers) ListUnverifiedWithdrawalsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	requests, err := h.service.ListUnverifiedWithdrawals(r.Context(), actor, queryLimit(r))
	if err != nil {
		h.fail(w, "list_unverified_withdrawals", actor, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

// ReconcileWithdrawalHandler settles a parked payout: paid records the on-chain hash, otherwise
// the escrow is refunded.
func (h *EscrowHandlers) ReconcileWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	var req reconcileWithdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.TxHash = strings.TrimSpace(req.TxHash)
	if req.Paid && req.TxHash == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "tx_hash is required when paid")
		return
	}
	h.paymentAction(w, r, "reconcile_withdrawal", func(ctx context.Context, actor domain.Actor, id int64) (bool, error) {
		return h.service.ReconcileWithdrawal(ctx, actor, id, req.Paid, req.TxHash)
	})
}

// WorkerStatsHandler returns the calling worker's commission totals.
func (h *EscrowHandlers) WorkerStatsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	stats, err := h.service.WorkerStats(r.Context(), actor)
	if err != nil {
		h.fail(w, "worker_stats", actor, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// TopWorkersHandler returns the commission leaderboard.
func (h *EscrowHandlers) TopWorkersHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	workers, err := h.service.TopWorkers(r.Context(), queryLimit(r))
	if err != nil {
		h.fail(w, "top_workers", actor, err)
		return
	}
	h.writeJSON(w, http.StatusOK, workers)
}

// TestDepositHandler credits test money when test mode is on.
func (h *EscrowHandlers) TestDepositHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req testDepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.service.TestDeposit(r.Context(), actor, req.Amount)
	if err != nil {
		h.fail(w, "test_deposit", actor, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tx)
}

// ResetTestBalanceHandler removes the caller's remaining test money.
func (h *EscrowHandlers) ResetTestBalanceHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	removed, err := h.service.ResetTestBalance(r.Context(), actor)
	if err != nil {
		h.fail(w, "reset_test_balance", actor, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

type actionFunc func(ctx context.Context, actor domain.Actor, id int64) (bool, error)

func (h *EscrowHandlers) paymentAction(w http.ResponseWriter, r *http.Request, endpoint string, fn actionFunc) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	applied, err := fn(r.Context(), actor, id)
	if err != nil {
		h.fail(w, endpoint, actor, err)
		return
	}
	h.writeJSON(w, http.StatusOK, actionResponse{Applied: applied})
}

func (h *EscrowHandlers) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Could not get user from context")
		return domain.Actor{}, false
	}
	return actor, true
}

func (h *EscrowHandlers) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid id")
		return 0, false
	}
	return id, true
}

func (h *EscrowHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

// fail logs unexpected faults and maps refusals to their status codes.
func (h *EscrowHandlers) fail(w http.ResponseWriter, endpoint string, actor domain.Actor, err error) {
	code := escrow.ReasonCode(err)
	status := statusForCode(code)
	entry := h.log.WithFields(logrus.Fields{"endpoint": endpoint, "user_id": actor.UserID, "reason": code})
	switch {
	case status >= http.StatusInternalServerError:
		entry.WithError(err).Error("request failed")
	default:
		entry.Info("request refused")
	}
	message := err.Error()
	if code == "internal" {
		message = "Internal server error"
	}
	h.writeError(w, status, code, message)
}

func statusForCode(code string) int {
	switch code {
	case "insufficient_funds", "already_claimed", "already_processed", "invalid_transition", "duplicate_work_item", "escrow_missing",
		"wallet_in_use", "payout_unverified":
		return http.StatusConflict
	case "forbidden", "not_participant", "test_mode_disabled":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "invalid_amount", "amount_out_of_range":
		return http.StatusBadRequest
	case "rate_limited":
		return http.StatusTooManyRequests
	case "external_transfer_failed":
		return http.StatusBadGateway
	case "missing_wallet":
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

// writeJSON is a helper for writing JSON responses.
func (h *EscrowHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

// writeError is a helper for writing JSON error responses.
func (h *EscrowHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	writeError(w, status, code, message)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
