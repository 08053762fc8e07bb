// Package backup builds password protected wallet backups. The plain envelope lists the user's wallets with their
// keys still encrypted at rest; the whole envelope is then sealed with AES-256-GCM under a PBKDF2 derived key. The
// two layers never share key material.
package backup

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tarancss/waas/lib/keystore"
)

// Format constants.
const (
	Version        = 1
	KDF            = "pbkdf2-sha256"
	Iterations     = 100000
	SaltSize       = 32
	MinPasswordLen = 8
)

// Errors returned.
var (
	ErrPassword   = fmt.Errorf("backup: password must be at least %d characters", MinPasswordLen)
	ErrDecryption = errors.New("backup: cannot decrypt backup, wrong password or corrupted file")
	ErrVersion    = errors.New("backup: unsupported backup version")
	ErrFormat     = errors.New("backup: malformed backup")
)

// Wallet is one wallet entry of the envelope.
type Wallet struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Address      string          `json:"address"`
	IsPrimary    bool            `json:"isPrimary"`
	EncryptedKey keystore.Sealed `json:"encryptedKey"`
}

// Envelope is the plain backup content.
type Envelope struct {
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Wallets   []Wallet  `json:"wallets"`
}

// File is the sealed backup as stored or transported.
type File struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Ciphertext string `json:"ciphertext"`
}

// Encrypt seals e with password.
func Encrypt(e Envelope, password string) (File, error) {
	if len(password) < MinPasswordLen {
		return File{}, ErrPassword
	}

	if e.Version == 0 {
		e.Version = Version
	}

	pt, err := json.Marshal(e)
	if err != nil {
		return File{}, fmt.Errorf("backup: cannot marshal envelope: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return File{}, fmt.Errorf("backup: cannot read salt: %w", err)
	}

	s, err := keystore.SealWith(deriveKey(password, salt, Iterations), pt)
	if err != nil {
		return File{}, err
	}

	return File{
		Version:    Version,
		KDF:        KDF,
		Iterations: Iterations,
		Salt:       hex.EncodeToString(salt),
		IV:         s.IV,
		Tag:        s.Tag,
		Ciphertext: s.Ciphertext,
	}, nil
}

// Decrypt opens f with password. A wrong password fails with ErrDecryption, never with a parseable envelope.
func Decrypt(f File, password string) (Envelope, error) {
	var e Envelope

	if f.Version != Version || f.KDF != KDF {
		return e, ErrVersion
	}

	if f.Iterations <= 0 || f.Iterations > Iterations {
		return e, ErrFormat
	}

	salt, err := hex.DecodeString(f.Salt)
	if err != nil || len(salt) == 0 {
		return e, ErrFormat
	}

	pt, err := keystore.OpenWith(deriveKey(password, salt, f.Iterations),
		keystore.Sealed{Ciphertext: f.Ciphertext, IV: f.IV, Tag: f.Tag})
	if err != nil {
		return e, ErrDecryption
	}

	if err = json.Unmarshal(pt, &e); err != nil {
		return e, ErrFormat
	}

	if e.Version != Version {
		return e, ErrVersion
	}

	return e, nil
}

func deriveKey(password string, salt []byte, iter int) []byte {
	return pbkdf2.Key([]byte(password), salt, iter, keystore.KeySize, sha256.New)
}
