package nonce

import (
	"bytes"
	"crypto/rand"
	"errors"
	"net/url"

	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/google/uuid"
)

const (
	// Len is the number of random bytes that go into a nonce.
	Len = 16
	// StrLen is the length of a nonce's string representation, which is
	// what the enclave embeds in its attestation document.
	StrLen = 36
)

var (
	// Accessing rand.Reader via variable facilitates mocking.
	cryptoRead       = rand.Reader
	errNotEnoughRead = errors.New("failed to read enough random bytes")
)

// Nonce is a random value that guarantees attestation document freshness.  It
// is a version 4 UUID because that's what the enclave expects in its
// attestation endpoint's path.
type Nonce uuid.UUID

// New creates a new nonce.
func New() (*Nonce, error) {
	var buf [Len]byte
	n, err := cryptoRead.Read(buf[:])
	if err != nil {
		return nil, errNotEnoughRead
	}
	if n != Len {
		return nil, errNotEnoughRead
	}

	// Let the uuid package set the version and variant bits.
	id, err := uuid.NewRandomFromReader(bytes.NewReader(buf[:]))
	if err != nil {
		return nil, errNotEnoughRead
	}
	newNonce := Nonce(id)
	return &newNonce, nil
}

// Parse parses the string representation of a nonce.
func Parse(s string) (*Nonce, error) {
	if len(s) != StrLen {
		return nil, errs.InvalidLength
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, errs.InvalidFormat
	}
	n := Nonce(id)
	return &n, nil
}

// FromSlice turns the nonce field of an attestation document into a nonce.
func FromSlice(s []byte) (*Nonce, error) {
	return Parse(string(s))
}

// String returns the canonical string representation of the nonce.
func (n *Nonce) String() string {
	return uuid.UUID(*n).String()
}

// ToSlice returns the nonce as it is embedded in an attestation document.
func (n *Nonce) ToSlice() []byte {
	return []byte(n.String())
}

// URLEncode returns the nonce as a URL path segment.
func (n *Nonce) URLEncode() string {
	return url.PathEscape(n.String())
}
