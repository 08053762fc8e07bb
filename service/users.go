package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/auth"
	"github.com/tarancss/waas/lib/store"
)

var errCredentials = apperr.New(apperr.Authentication, "invalid email or password")

// Register creates an active user.
func (s *Service) Register(ctx context.Context, email, password string) (*store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if a, err := mail.ParseAddress(email); err != nil || a.Address != email {
		return nil, apperr.Invalid("email", "not a valid email address")
	}

	if len(password) < auth.MinPasswordLen {
		return nil, apperr.Invalid("password", auth.ErrWeakPassword.Error())
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	u := &store.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Status:       store.UserActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err = s.db.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.New(apperr.Conflict, "email already registered")
		}

		return nil, err
	}

	return u, nil
}

// Authenticate checks the password and, when the user enabled it, the TOTP code.
func (s *Service) Authenticate(ctx context.Context, email, password, code string) (*store.User, error) {
	u, err := s.db.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, errCredentials
	}

	if err != nil {
		return nil, err
	}

	if auth.Compare(u.PasswordHash, password) != nil {
		return nil, errCredentials
	}

	if u.Status != store.UserActive {
		return nil, apperr.New(apperr.Authorization, "account is %s", u.Status)
	}

	if u.TOTPEnabled {
		if code == "" {
			return nil, &apperr.Error{Kind: apperr.Authentication, Message: "two-factor code required",
				Fields: map[string]string{"totpCode": "required"}}
		}

		if !auth.ValidTOTP(code, u.TOTPSecret) {
			return nil, apperr.New(apperr.Authentication, "invalid two-factor code")
		}
	}

	return u, nil
}

// GetUser returns an active user.
func (s *Service) GetUser(ctx context.Context, userID string) (*store.User, error) {
	u, err := s.db.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("user not found")
	}

	return u, err
}

// SetupTOTP generates a new second factor secret for the user. It only takes effect once enabled with a valid code.
func (s *Service) SetupTOTP(ctx context.Context, userID string) (secret, url string, err error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", "", err
	}

	if u.TOTPEnabled {
		return "", "", apperr.New(apperr.Conflict, "two-factor authentication already enabled")
	}

	if secret, url, err = auth.NewTOTP(u.Email); err != nil {
		return "", "", err
	}

	u.TOTPSecret = secret
	u.UpdatedAt = s.now().UTC()

	return secret, url, s.db.UpdateUser(ctx, u)
}

// EnableTOTP turns the second factor on once the user proves they hold the secret.
func (s *Service) EnableTOTP(ctx context.Context, userID, code string) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	if u.TOTPSecret == "" {
		return apperr.New(apperr.Validation, "two-factor authentication was not set up")
	}

	if !auth.ValidTOTP(code, u.TOTPSecret) {
		return apperr.Invalid("code", "invalid two-factor code")
	}

	u.TOTPEnabled = true
	u.UpdatedAt = s.now().UTC()

	return s.db.UpdateUser(ctx, u)
}

// DisableTOTP turns the second factor off; a valid current code is required.
func (s *Service) DisableTOTP(ctx context.Context, userID, code string) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	if !u.TOTPEnabled {
		return apperr.New(apperr.Validation, "two-factor authentication is not enabled")
	}

	if !auth.ValidTOTP(code, u.TOTPSecret) {
		return apperr.Invalid("code", "invalid two-factor code")
	}

	u.TOTPEnabled = false
	u.TOTPSecret = ""
	u.UpdatedAt = s.now().UTC()

	return s.db.UpdateUser(ctx, u)
}
