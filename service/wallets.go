package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/block/types"
	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/metrics"
	"github.com/tarancss/waas/lib/store"
)

// MaxNameLen bounds wallet and contact names.
const MaxNameLen = 64

// Wallet origins.
const (
	originCreated  = "created"
	originImported = "imported"
	originRestored = "restored"
)

func validName(field, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLen {
		return "", apperr.Invalid(field, "must be between 1 and 64 characters")
	}

	return name, nil
}

// nameTaken reports whether the user already has a non-deleted wallet called name.
func (s *Service) nameTaken(ctx context.Context, userID, name string) (bool, error) {
	ws, err := s.db.ListWallets(ctx, userID)
	if err != nil {
		return false, err
	}

	for _, w := range ws {
		if w.Name == name {
			return true, nil
		}
	}

	return false, nil
}

// CreateWallet derives a new address for the user. The first active wallet of a user becomes primary.
func (s *Service) CreateWallet(ctx context.Context, userID, name string, t *store.Tenant) (*store.Wallet, error) {
	name, err := validName("name", name)
	if err != nil {
		return nil, err
	}

	if taken, err := s.nameTaken(ctx, userID, name); err != nil {
		return nil, err
	} else if taken {
		return nil, apperr.New(apperr.Conflict, "a wallet named %q already exists", name)
	}

	idx, err := s.db.NextKeyIndex(ctx)
	if err != nil {
		return nil, err
	}

	acc, err := s.chain.CreateAddress(ctx, idx)
	if err != nil {
		return nil, err
	}

	return s.addWallet(ctx, userID, name, t, acc, originCreated)
}

// ImportWallet adds a wallet for an existing hex private key.
func (s *Service) ImportWallet(ctx context.Context, userID, name, privateKey string, t *store.Tenant,
) (*store.Wallet, error) {
	name, err := validName("name", name)
	if err != nil {
		return nil, err
	}

	acc, err := s.chain.ImportKey(ctx, privateKey)
	if errors.Is(err, types.ErrBadKey) {
		return nil, apperr.Invalid("privateKey", "not a valid private key")
	}

	if err != nil {
		return nil, err
	}

	return s.addWallet(ctx, userID, name, t, acc, originImported)
}

func (s *Service) addWallet(ctx context.Context, userID, name string, t *store.Tenant, acc types.Account,
	origin string,
) (*store.Wallet, error) {
	w := &store.Wallet{
		ID:           uuid.NewString(),
		UserID:       userID,
		TenantID:     tenantID(t),
		Name:         name,
		Address:      strings.ToLower(acc.Address),
		EncryptedKey: acc.Key,
		KeyIndex:     acc.Index,
		Balance:      decimal.Zero,
		Status:       store.WalletActive,
		CreatedAt:    s.now().UTC(),
	}

	if err := s.db.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.New(apperr.Conflict, "wallet name or address already in use")
		}

		return nil, err
	}

	metrics.WalletsCreated.WithLabelValues(origin).Inc()
	s.log.Info("wallet added", zap.String("wallet", w.ID), zap.String("user", userID), zap.String("origin", origin),
		zap.String("address", w.Address))

	if fresh, err := s.RefreshBalance(ctx, w.ID); err != nil {
		s.log.Warn("cannot read initial balance", zap.String("wallet", w.ID), zap.Error(err))
	} else {
		w = fresh
	}

	s.publish(ctx, events.WalletCreated, w.TenantID, walletEvent(w))

	return w, nil
}

// ListWallets returns the non-deleted wallets of the user, oldest first.
func (s *Service) ListWallets(ctx context.Context, userID string) ([]store.Wallet, error) {
	return s.db.ListWallets(ctx, userID)
}

// GetWallet returns a wallet of the user. Wallets of other users are not found.
func (s *Service) GetWallet(ctx context.Context, userID, walletID string) (*store.Wallet, error) {
	w, err := s.db.GetWallet(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && (w.UserID != userID || w.Status == store.WalletDeleted)) {
		return nil, apperr.NotFoundf("wallet not found")
	}

	return w, err
}

func (s *Service) updateWallet(ctx context.Context, w *store.Wallet) error {
	if err := s.db.UpdateWallet(ctx, w); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return apperr.New(apperr.Conflict, "a wallet named %q already exists", w.Name)
		}

		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFoundf("wallet not found")
		}

		return err
	}

	return nil
}

// RenameWallet changes the name of a wallet of the user.
func (s *Service) RenameWallet(ctx context.Context, userID, walletID, name string) (*store.Wallet, error) {
	name, err := validName("name", name)
	if err != nil {
		return nil, err
	}

	w, err := s.GetWallet(ctx, userID, walletID)
	if err != nil {
		return nil, err
	}

	w.Name = name

	return w, s.updateWallet(ctx, w)
}

// FreezeWallet stops a wallet from sending. A frozen primary wallet hands the flag to the oldest active wallet.
func (s *Service) FreezeWallet(ctx context.Context, userID, walletID string) (*store.Wallet, error) {
	return s.setStatus(ctx, userID, walletID, store.WalletFrozen)
}

// UnfreezeWallet reactivates a frozen wallet.
func (s *Service) UnfreezeWallet(ctx context.Context, userID, walletID string) (*store.Wallet, error) {
	return s.setStatus(ctx, userID, walletID, store.WalletActive)
}

func (s *Service) setStatus(ctx context.Context, userID, walletID, status string) (*store.Wallet, error) {
	w, err := s.GetWallet(ctx, userID, walletID)
	if err != nil {
		return nil, err
	}

	if w.Status == status {
		return w, nil
	}

	w.Status = status
	if err = s.updateWallet(ctx, w); err != nil {
		return nil, err
	}

	if status == store.WalletFrozen {
		s.publish(ctx, events.WalletFrozen, w.TenantID, walletEvent(w))
	}

	return w, nil
}

// DeleteWallet soft deletes a wallet of the user. Deleting the primary wallet promotes the oldest remaining active
// wallet atomically.
func (s *Service) DeleteWallet(ctx context.Context, userID, walletID string) error {
	w, err := s.GetWallet(ctx, userID, walletID)
	if err != nil {
		return err
	}

	if err = s.db.DeleteWallet(ctx, userID, walletID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFoundf("wallet not found")
		}

		return err
	}

	w.Status = store.WalletDeleted
	w.IsPrimary = false
	s.publish(ctx, events.WalletDeleted, w.TenantID, walletEvent(w))

	return nil
}

// SetPrimary makes an active wallet of the user its primary wallet.
func (s *Service) SetPrimary(ctx context.Context, userID, walletID string) (*store.Wallet, error) {
	w, err := s.GetWallet(ctx, userID, walletID)
	if err != nil {
		return nil, err
	}

	if w.Status != store.WalletActive {
		return nil, apperr.New(apperr.Validation, "only an active wallet can be primary")
	}

	if err = s.db.SetPrimary(ctx, userID, walletID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFoundf("wallet not found")
		}

		return nil, err
	}

	w.IsPrimary = true

	return w, nil
}

// RefreshBalance reads the token balance of a wallet from the chain and caches it. Concurrent refreshes race but
// converge as they read the same chain state.
func (s *Service) RefreshBalance(ctx context.Context, walletID string) (*store.Wallet, error) {
	w, err := s.db.GetWallet(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("wallet not found")
	}

	if err != nil {
		return nil, err
	}

	bal, err := s.chain.Balance(ctx, w.Address)
	if err != nil {
		return nil, upstream(err, "balance query")
	}

	at := s.now().UTC()
	if err = s.db.UpdateBalance(ctx, w.ID, bal.Token, at); err != nil {
		return nil, err
	}

	changed := !w.Balance.Equal(bal.Token)
	w.Balance = bal.Token
	w.BalanceUpdatedAt = &at

	if changed {
		s.publish(ctx, events.BalanceUpdated, w.TenantID, walletEvent(w))
	}

	return w, nil
}

// RefreshWallet refreshes the balance of a wallet of the user.
func (s *Service) RefreshWallet(ctx context.Context, userID, walletID string) (*store.Wallet, error) {
	if _, err := s.GetWallet(ctx, userID, walletID); err != nil {
		return nil, err
	}

	return s.RefreshBalance(ctx, walletID)
}

// Balances returns the live token and native balances of a wallet of the user and caches the token balance.
func (s *Service) Balances(ctx context.Context, userID, walletID string) (types.Balances, error) {
	w, err := s.GetWallet(ctx, userID, walletID)
	if err != nil {
		return types.Balances{}, err
	}

	bal, err := s.chain.Balance(ctx, w.Address)
	if err != nil {
		return types.Balances{}, upstream(err, "balance query")
	}

	if err = s.db.UpdateBalance(ctx, w.ID, bal.Token, s.now().UTC()); err != nil {
		s.log.Warn("cannot cache balance", zap.String("wallet", w.ID), zap.Error(err))
	}

	return bal, nil
}
