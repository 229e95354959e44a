// Package aead seals and opens the encrypted envelopes that carry request and
// response bodies between the client and the enclave.  An envelope is the
// Base64 encoding of a fresh 12-byte nonce followed by the ChaCha20-Poly1305
// ciphertext and tag.
package aead

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeyLen   = chacha20poly1305.KeySize
	NonceLen = chacha20poly1305.NonceSize
)

var (
	// Accessing rand.Reader via variable facilitates mocking.
	cryptoRead       = rand.Reader
	errNotEnoughRead = errors.New("failed to read enough random bytes")
)

// Envelope is the JSON representation of an encrypted body.
type Envelope struct {
	Encrypted string `json:"encrypted"`
}

// Key is a symmetric 256-bit key.
type Key [KeyLen]byte

// KeyFromSlice turns the given byte slice into a key.
func KeyFromSlice(s []byte) (Key, error) {
	var k Key
	if len(s) != KeyLen {
		return k, errs.InvalidLength
	}
	copy(k[:], s)
	return k, nil
}

// Seal encrypts the given plaintext and returns the Base64-encoded envelope.
// Each call draws a new nonce from the system's CSPRNG.
func Seal(key Key, plaintext []byte) (_ string, err error) {
	defer errs.Wrap(&err, "failed to seal envelope")

	c, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceLen, NonceLen+len(plaintext)+c.Overhead())
	n, err := cryptoRead.Read(nonce)
	if err != nil || n != NonceLen {
		return "", errNotEnoughRead
	}

	// Append the ciphertext to the nonce.
	sealed := c.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decodes and decrypts the given envelope.  All failures, including
// malformed input, match errs.DecryptionError.
func Open(key Key, envelope string) (_ []byte, err error) {
	defer errs.WrapErr(&err, errs.DecryptionError)

	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.InvalidFormat, err)
	}
	if len(raw) < NonceLen {
		return nil, errs.InvalidLength
	}

	c, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return c.Open(nil, raw[:NonceLen], raw[NonceLen:], nil)
}

// SealJSON encodes the given value as JSON and seals it.
func SealJSON(key Key, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode JSON: %w", err)
	}
	return Seal(key, b)
}

// OpenJSON opens the given envelope and decodes its plaintext into v.
func OpenJSON(key Key, envelope string, v any) error {
	b, err := Open(key, envelope)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %w", errs.MalformedResponse, err)
	}
	return nil
}
