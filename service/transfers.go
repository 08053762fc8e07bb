package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/block/types"
	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/metrics"
	"github.com/tarancss/waas/lib/money"
	"github.com/tarancss/waas/lib/store"
	"github.com/tarancss/waas/tenant"
)

// MaxMemoLen bounds the memo of a transfer.
const MaxMemoLen = 256

// SendRequest is a token transfer out of a wallet. Client is set when the transfer comes through the WaaS API, whose
// client ceilings then apply on top of the tenant ones.
type SendRequest struct {
	WalletID string
	UserID   string
	To       string
	Amount   decimal.Decimal
	Memo     string
	Tenant   *store.Tenant
	Client   *store.APIClient
}

func (s *Service) validateTransfer(to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Invalid("amount", "must be greater than zero")
	}

	if _, err := money.ToBaseUnits(amount, money.USDCDecimals); err != nil {
		return apperr.Invalid("amount", err.Error())
	}

	if !s.chain.IsValidAddress(to) {
		return apperr.Invalid("to", "not a valid address")
	}

	return nil
}

// SendFunds broadcasts a token transfer and records it as pending. The balance checks run against the cached token
// balance and the live native balance; the transfer is not re-validated right before signing.
func (s *Service) SendFunds(ctx context.Context, r SendRequest) (*store.Transaction, error) {
	t, err := s.sendFunds(ctx, r)
	if err != nil {
		if k := apperr.KindOf(err); k != apperr.Internal && k != apperr.Upstream {
			metrics.TransfersRejected.WithLabelValues(string(k)).Inc()
		}

		return nil, err
	}

	metrics.TransfersSent.Inc()

	return t, nil
}

func (s *Service) sendFunds(ctx context.Context, r SendRequest) (*store.Transaction, error) {
	// input first, before anything reaches the chain
	if err := s.validateTransfer(r.To, r.Amount); err != nil {
		return nil, err
	}

	if len(r.Memo) > MaxMemoLen {
		return nil, apperr.Invalid("memo", "too long")
	}

	w, err := s.GetWallet(ctx, r.UserID, r.WalletID)
	if err != nil {
		return nil, err
	}

	if w.Status != store.WalletActive {
		return nil, apperr.New(apperr.Validation, "wallet is %s", w.Status)
	}

	to := strings.ToLower(r.To)
	if to == w.Address {
		return nil, apperr.Invalid("to", "cannot send to the same wallet")
	}

	if !tenant.Allowed(r.Tenant, tenant.FeatureSend) {
		return nil, apperr.New(apperr.Authorization, "sending is not enabled for this tenant")
	}

	now := s.now().UTC()

	if err = tenant.CheckLimits(ctx, s.db, r.Tenant, r.UserID, r.Amount, now); err != nil {
		return nil, err
	}

	if r.Client != nil {
		if err = tenant.Check(ctx, s.db, tenant.Limits{
			TenantID: tenantID(r.Tenant), Daily: r.Client.DailyLimit, Monthly: r.Client.MonthlyLimit,
		}, r.UserID, r.Amount, now); err != nil {
			return nil, err
		}
	}

	if w.Balance.LessThan(r.Amount) {
		return nil, &apperr.Error{Kind: apperr.InsufficientFunds, Message: "insufficient balance",
			Fields: map[string]string{"balance": w.Balance.String(), "amount": r.Amount.String()}}
	}

	bal, err := s.chain.Balance(ctx, w.Address)
	if err != nil {
		return nil, upstream(err, "balance query")
	}

	if bal.Native.LessThan(s.conf.MinGasBalance) {
		return nil, &apperr.Error{Kind: apperr.InsufficientGas, Message: "insufficient native balance for gas",
			Fields: map[string]string{"native": bal.Native.String(), "required": s.conf.MinGasBalance.String()}}
	}

	rcpt, err := s.chain.Transfer(ctx, w.EncryptedKey, w.Address, to, r.Amount)
	if err != nil {
		if errors.Is(err, types.ErrBadAddress) || errors.Is(err, types.ErrBadAmount) {
			return nil, apperr.Wrap(apperr.Validation, err, "transfer rejected")
		}

		return nil, upstream(err, "transfer")
	}

	tx := &store.Transaction{
		ID:        uuid.NewString(),
		WalletID:  w.ID,
		UserID:    w.UserID,
		TenantID:  tenantID(r.Tenant),
		Hash:      strings.ToLower(rcpt.Hash),
		From:      w.Address,
		To:        to,
		Amount:    r.Amount,
		Type:      store.TxSend,
		Status:    store.TxPending,
		GasUsed:   rcpt.GasUsed,
		GasPrice:  rcpt.GasPrice,
		Memo:      r.Memo,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err = s.db.CreateTransaction(ctx, tx); err != nil {
		// the transfer is on its way: the reconciler cannot see it without a row
		s.log.Error("broadcast transfer not recorded", zap.String("hash", tx.Hash), zap.String("wallet", w.ID),
			zap.Error(err))

		return nil, err
	}

	s.log.Info("transfer sent", zap.String("hash", tx.Hash), zap.String("wallet", w.ID), zap.String("to", to),
		zap.String("amount", r.Amount.String()))
	s.publish(ctx, events.TransactionSent, tx.TenantID, txEvent(tx))

	return tx, nil
}

// EstimateSend estimates the gas a transfer out of a wallet of the user would cost.
func (s *Service) EstimateSend(ctx context.Context, userID, walletID, to string, amount decimal.Decimal,
) (types.GasEstimate, error) {
	if err := s.validateTransfer(to, amount); err != nil {
		return types.GasEstimate{}, err
	}

	w, err := s.GetWallet(ctx, userID, walletID)
	if err != nil {
		return types.GasEstimate{}, err
	}

	est, err := s.chain.EstimateGas(ctx, w.Address, strings.ToLower(to), amount)

	return est, upstream(err, "gas estimate")
}

// ReconcileTransaction brings a pending transaction in line with the chain. It confirms a successful transaction
// once it has enough confirmations and fails a reverted one; terminal transactions are never changed.
func (s *Service) ReconcileTransaction(ctx context.Context, hash string) (*store.Transaction, error) {
	tx, err := s.db.GetTransactionByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("transaction not found")
	}

	if err != nil || tx.Terminal() {
		return tx, err
	}

	st, err := s.chain.Transaction(ctx, tx.Hash)
	if err != nil {
		return nil, upstream(err, "transaction query")
	}

	status := store.TxPending

	switch {
	case st.State == types.Failed:
		status = store.TxFailed
	case st.State == types.Success && st.Confirmations >= s.conf.Confirmations:
		status = store.TxConfirmed
	}

	if status == store.TxPending && st.Confirmations == tx.Confirmations {
		return tx, nil
	}

	at := s.now().UTC()

	changed, err := s.db.UpdateTransactionStatus(ctx, store.StatusUpdate{
		Hash:          tx.Hash,
		Status:        status,
		Confirmations: st.Confirmations,
		BlockNumber:   st.BlockNumber,
		GasUsed:       st.GasUsed,
		At:            at,
	})
	if err != nil {
		return nil, err
	}

	if !changed {
		// settled concurrently
		return s.db.GetTransactionByHash(ctx, hash)
	}

	tx.Status, tx.Confirmations, tx.BlockNumber, tx.UpdatedAt = status, st.Confirmations, st.BlockNumber, at
	if st.GasUsed > 0 {
		tx.GasUsed = st.GasUsed
	}

	if tx.Terminal() {
		metrics.TransactionsReconciled.WithLabelValues(status).Inc()
		s.log.Info("transaction settled", zap.String("hash", tx.Hash), zap.String("status", status),
			zap.Uint64("confirmations", st.Confirmations))

		name := events.TransactionConfirmed
		if status == store.TxFailed {
			name = events.TransactionFailed
		}

		s.publish(ctx, name, tx.TenantID, txEvent(tx))

		if _, err = s.RefreshBalance(ctx, tx.WalletID); err != nil {
			s.log.Warn("cannot refresh balance after settlement", zap.String("wallet", tx.WalletID), zap.Error(err))
		}
	}

	return tx, nil
}

// ReconcilePending reconciles a batch of pending transactions, oldest first, and returns how many settled. A failing
// transaction is logged and left for the next pass.
func (s *Service) ReconcilePending(ctx context.Context) (int, error) {
	txs, err := s.db.ListPendingTransactions(ctx, s.conf.PendingBatch)
	if err != nil {
		return 0, err
	}

	metrics.ReconcilerPending.Set(float64(len(txs)))

	settled := 0

	for _, t := range txs {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}

		r, err := s.ReconcileTransaction(ctx, t.Hash)
		if err != nil {
			s.log.Warn("cannot reconcile transaction", zap.String("hash", t.Hash), zap.Error(err))
			continue
		}

		if r.Terminal() {
			settled++
		}
	}

	return settled, nil
}

// GetTransaction returns a transaction of one of the user's wallets, reconciling it first while pending.
func (s *Service) GetTransaction(ctx context.Context, userID, hash string) (*store.Transaction, error) {
	tx, err := s.db.GetTransactionByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) || (err == nil && tx.UserID != userID) {
		return nil, apperr.NotFoundf("transaction not found")
	}

	if err != nil || tx.Terminal() {
		return tx, err
	}

	fresh, err := s.ReconcileTransaction(ctx, hash)
	if err != nil {
		s.log.Warn("cannot reconcile on read", zap.String("hash", hash), zap.Error(err))
		return tx, nil
	}

	return fresh, nil
}

// ListTransactions returns a page of the transactions of a wallet of the user, newest first, and the total count.
func (s *Service) ListTransactions(ctx context.Context, userID, walletID string, p store.Page,
) ([]store.Transaction, int, error) {
	if _, err := s.GetWallet(ctx, userID, walletID); err != nil {
		return nil, 0, err
	}

	return s.db.ListTransactions(ctx, walletID, p.Normalize())
}
