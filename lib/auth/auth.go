// Package auth issues and verifies session tokens, hashes passwords and API secrets, and handles TOTP second factor.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// Issuer of the session tokens.
const Issuer = "waas"

// MinPasswordLen is the shortest password accepted at registration.
const MinPasswordLen = 8

// Errors returned.
var (
	ErrInvalidToken = errors.New("auth: invalid or expired token")
	ErrMismatch     = errors.New("auth: credentials do not match")
	ErrWeakPassword = fmt.Errorf("auth: password must be at least %d characters", MinPasswordLen)
)

// Claims of a session token. Subject holds the user id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 session tokens.
type Tokens struct {
	secret  []byte
	ttl     time.Duration
	nowFunc func() time.Time
}

// NewTokens returns a token issuer valid for ttl.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, nowFunc: time.Now}
}

// Issue returns a signed token for user.
func (t *Tokens) Issue(userID, email string) (string, time.Time, error) {
	now := t.nowFunc()
	exp := now.Add(t.ttl)
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: cannot sign token: %w", err)
	}

	return s, exp, nil
}

// Verify parses token and returns its claims.
func (t *Tokens) Verify(token string) (*Claims, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.nowFunc),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// HashPassword returns the bcrypt hash of pw.
func HashPassword(pw string) (string, error) {
	if len(pw) < MinPasswordLen {
		return "", ErrWeakPassword
	}

	return hash(pw)
}

// HashSecret returns the bcrypt hash of an API secret.
func HashSecret(secret string) (string, error) {
	return hash(secret)
}

func hash(s string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: cannot hash: %w", err)
	}

	return string(h), nil
}

// Compare checks plain against a bcrypt hash.
func Compare(hashed, plain string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)); err != nil {
		return ErrMismatch
	}

	return nil
}

// RandomHex returns n random bytes hex encoded. Used for API keys, secrets and webhook secrets.
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: cannot read random: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// NewTOTP generates a TOTP secret for account and returns it with its otpauth:// provisioning URL.
func NewTOTP(account string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: Issuer, AccountName: account})
	if err != nil {
		return "", "", fmt.Errorf("auth: cannot generate totp: %w", err)
	}

	return key.Secret(), key.URL(), nil
}

// ValidTOTP checks a 6 digit code against secret at the current time.
func ValidTOTP(code, secret string) bool {
	return secret != "" && totp.Validate(code, secret)
}
