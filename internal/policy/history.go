package policy

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/patrickmn/go-cache"
)

// HistoryTTL determines for how long a fetched measurement history is served
// from memory.
const HistoryTTL = 15 * time.Minute

// maxHistorySize bounds the size of a history response body.
const maxHistorySize = 4 << 20

// DefaultHistoryCache is the process-wide history cache.  Flushing it does
// not affect established sessions.
var DefaultHistoryCache = NewHistoryCache(HistoryTTL)

// Entry is a signed record of the measurements of a released enclave image.
type Entry struct {
	HashAlgorithm string `json:"HashAlgorithm"`
	PCR0          string `json:"PCR0"`
	PCR1          string `json:"PCR1"`
	PCR2          string `json:"PCR2"`
	Timestamp     int64  `json:"timestamp"`
	// Signature is the Base64-encoded Ed25519 signature over the message
	// that SignedMessage returns.
	Signature string `json:"signature"`
}

// SignedMessage returns the key-sorted JSON encoding of all of the entry's
// fields except its signature.
func (e *Entry) SignedMessage() ([]byte, error) {
	// encoding/json sorts map keys, which makes the encoding deterministic.
	return json.Marshal(map[string]any{
		"HashAlgorithm": e.HashAlgorithm,
		"PCR0":          e.PCR0,
		"PCR1":          e.PCR1,
		"PCR2":          e.PCR2,
		"timestamp":     e.Timestamp,
	})
}

// Sign sets the entry's signature.
func (e *Entry) Sign(key ed25519.PrivateKey) (err error) {
	defer errs.Wrap(&err, "failed to sign history entry")

	msg, err := e.SignedMessage()
	if err != nil {
		return err
	}
	e.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(key, msg))
	return nil
}

// VerifySignature returns true if the entry's signature verifies against the
// given public key.
func (e *Entry) VerifySignature(key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	msg, err := e.SignedMessage()
	if err != nil {
		return false
	}
	return ed25519.Verify(key, msg, sig)
}

func (e *Entry) matches(m Measurement) bool {
	return equalHex(e.PCR0, m.PCR0) &&
		strings.EqualFold(e.PCR1, m.PCR1) &&
		strings.EqualFold(e.PCR2, m.PCR2)
}

// HistoryCache keeps fetched measurement histories in memory, keyed by URL.
// Cached entries are still signature-checked on every use.
type HistoryCache struct {
	c *cache.Cache
}

// NewHistoryCache returns a cache whose entries expire after the given
// duration.
func NewHistoryCache(ttl time.Duration) *HistoryCache {
	return &HistoryCache{c: cache.New(ttl, 2*ttl)}
}

// Flush removes all cached histories.
func (h *HistoryCache) Flush() {
	h.c.Flush()
}

func (h *HistoryCache) get(url string) ([]Entry, bool) {
	v, ok := h.c.Get(url)
	if !ok {
		return nil, false
	}
	entries, ok := v.([]Entry)
	return entries, ok
}

func (h *HistoryCache) set(url string, entries []Entry) {
	h.c.Set(url, entries, cache.DefaultExpiration)
}

// fetchHistory retrieves the measurement history at the given URL, serving it
// from the cache if possible.
func fetchHistory(
	ctx context.Context,
	client *http.Client,
	c *HistoryCache,
	url string,
) (_ []Entry, err error) {
	defer errs.Wrap(&err, "failed to fetch measurement history")

	if entries, ok := c.get(url); ok {
		return entries, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.NetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history endpoint returned %q", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHistorySize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.NetworkError, err)
	}

	var entries []Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.MalformedResponse, err)
	}
	c.set(url, entries)
	return entries, nil
}
