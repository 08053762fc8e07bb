// Package keystore encrypts wallet signing keys at rest with AES-256-GCM under the process-wide secret. The
// ciphertext, IV and authentication tag are kept as separate hex fields so they can be persisted side by side.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Sizes in bytes.
const (
	KeySize = 32
	IVSize  = 12
	TagSize = 16
)

// Errors returned.
var (
	ErrKeySize    = errors.New("keystore: secret must be 32 bytes")
	ErrDecryption = errors.New("keystore: decryption failed")
)

// Sealed is an encrypted payload with its IV and tag, all hex encoded.
type Sealed struct {
	Ciphertext string `json:"ciphertext" bson:"ciphertext"`
	IV         string `json:"iv" bson:"iv"`
	Tag        string `json:"tag" bson:"tag"`
}

// Keystore seals and opens key material.
type Keystore struct {
	aead cipher.AEAD
}

// New returns a keystore using secret, which must be 32 bytes.
func New(secret []byte) (*Keystore, error) {
	if len(secret) != KeySize {
		return nil, ErrKeySize
	}

	aead, err := newGCM(secret)
	if err != nil {
		return nil, err
	}

	return &Keystore{aead: aead}, nil
}

// NewFromHex returns a keystore from a 64 character hex secret.
func NewFromHex(secret string) (*Keystore, error) {
	b, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("keystore: secret is not hex: %w", err)
	}

	return New(b)
}

// Seal encrypts plaintext under a fresh random IV.
func (k *Keystore) Seal(plaintext []byte) (Sealed, error) {
	return seal(k.aead, plaintext)
}

// Open decrypts s. Any tampering with the ciphertext, IV or tag, or a different secret, yields ErrDecryption.
func (k *Keystore) Open(s Sealed) ([]byte, error) {
	return open(k.aead, s)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}

	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, plaintext []byte) (Sealed, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("keystore: cannot read IV: %w", err)
	}

	out := aead.Seal(nil, iv, plaintext, nil)
	ct, tag := out[:len(out)-TagSize], out[len(out)-TagSize:]

	return Sealed{
		Ciphertext: hex.EncodeToString(ct),
		IV:         hex.EncodeToString(iv),
		Tag:        hex.EncodeToString(tag),
	}, nil
}

func open(aead cipher.AEAD, s Sealed) ([]byte, error) {
	ct, err := hex.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, ErrDecryption
	}

	iv, err := hex.DecodeString(s.IV)
	if err != nil || len(iv) != IVSize {
		return nil, ErrDecryption
	}

	tag, err := hex.DecodeString(s.Tag)
	if err != nil || len(tag) != TagSize {
		return nil, ErrDecryption
	}

	pt, err := aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecryption
	}

	return pt, nil
}

// SealWith encrypts plaintext with an arbitrary 32 byte key. It is used by layers that derive their own key, such
// as password protected backups, so they share the same on-disk layout without sharing key material.
func SealWith(key, plaintext []byte) (Sealed, error) {
	if len(key) != KeySize {
		return Sealed{}, ErrKeySize
	}

	aead, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}

	return seal(aead, plaintext)
}

// OpenWith decrypts s with an arbitrary 32 byte key.
func OpenWith(key []byte, s Sealed) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return open(aead, s)
}
