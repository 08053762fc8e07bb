package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/backup"
	"github.com/tarancss/waas/lib/store"
)

// RestoreResult reports what a backup import did.
type RestoreResult struct {
	Restored []store.Wallet    `json:"restored"`
	Skipped  map[string]string `json:"skipped"` // address -> reason
}

// ExportBackup seals the non-deleted wallets of the user under password. Keys stay encrypted at rest inside.
func (s *Service) ExportBackup(ctx context.Context, userID, password string) (backup.File, error) {
	if len(password) < backup.MinPasswordLen {
		return backup.File{}, apperr.Invalid("password", backup.ErrPassword.Error())
	}

	ws, err := s.db.ListWallets(ctx, userID)
	if err != nil {
		return backup.File{}, err
	}

	e := backup.Envelope{Version: backup.Version, Timestamp: s.now().UTC(), Wallets: make([]backup.Wallet, len(ws))}
	for i, w := range ws {
		e.Wallets[i] = backup.Wallet{
			ID:           w.ID,
			Name:         w.Name,
			Address:      w.Address,
			IsPrimary:    w.IsPrimary,
			EncryptedKey: w.EncryptedKey,
		}
	}

	return backup.Encrypt(e, password)
}

// ImportBackup restores the wallets of a backup for the user. Every key is opened and re-sealed, so a backup made
// under another encryption secret is refused wallet by wallet rather than stored unusable. Wallets whose address is
// already in use are skipped and a clashing name gets a suffix.
func (s *Service) ImportBackup(ctx context.Context, userID string, f backup.File, password string, t *store.Tenant,
) (*RestoreResult, error) {
	e, err := backup.Decrypt(f, password)
	if err != nil {
		if errors.Is(err, backup.ErrDecryption) {
			return nil, apperr.Invalid("password", "cannot decrypt backup")
		}

		return nil, apperr.Wrap(apperr.Validation, err, "invalid backup")
	}

	res := &RestoreResult{Restored: []store.Wallet{}, Skipped: map[string]string{}}

	for _, bw := range e.Wallets {
		key, err := s.ks.Open(bw.EncryptedKey)
		if err != nil {
			res.Skipped[bw.Address] = "key cannot be opened with this server's secret"
			continue
		}

		acc, err := s.chain.ImportKey(ctx, string(key))
		if err != nil || acc.Address != bw.Address {
			res.Skipped[bw.Address] = "key does not match the address"
			continue
		}

		name := bw.Name
		if taken, err := s.nameTaken(ctx, userID, name); err != nil {
			return res, err
		} else if taken {
			name += " (restored)"
		}

		w, err := s.addWallet(ctx, userID, name, t, acc, originRestored)
		if err != nil {
			if apperr.KindOf(err) == apperr.Conflict {
				res.Skipped[bw.Address] = "wallet already exists"
				continue
			}

			return res, err
		}

		res.Restored = append(res.Restored, *w)
	}

	s.log.Info("backup restored", zap.String("user", userID), zap.Int("restored", len(res.Restored)),
		zap.Int("skipped", len(res.Skipped)))

	return res, nil
}
