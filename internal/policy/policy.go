// Package policy decides whether an enclave's measurements identify code that
// we trust.  Measurements are trusted if their PCR0 is on the production or
// development allow-list, or if all of PCR0, PCR1, and PCR2 match an entry of
// a signed, remotely-fetched measurement history.
package policy

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/types/validate"
	"github.com/rs/zerolog"
)

const (
	ReasonProd          = "matches a known good value"
	ReasonDev           = "matches development enclave"
	ReasonHistory       = "matches history with valid signature"
	ReasonUnknown       = "measurements match no known value"
	ReasonCouldNotCheck = "could not validate"
)

var _ = validate.Validator(&Config{})

// Measurement is the PCR triple that the policy decides on.
type Measurement = enclave.Measurement

// DefaultProdPCR0s contains the PCR0 values of released production enclave
// images.
var DefaultProdPCR0s = []string{
	"1984da0031a231fba004dc8d5b77e26c329a2b10b381be063303f4c706df9fa463c3199da11439cbee36c6f9398330b1",
	"258dc5c216b872287c9a6de6d4010d5e49ea7e35f3ce663d8bbfd21ff1ea04cc0a66332bb7e850d4d9c71491d75bf652",
}

// DefaultDevPCR0s contains the PCR0 values of development enclave images.
var DefaultDevPCR0s = []string{
	"a3dd56e3be3c99d6a4b8d397ab94a67ca98330b198b679f22937ddd283436e88e111804fdb9d5260fca0724aa0b011c4",
}

// Source tells which check established trust.
type Source int

const (
	SourceNone Source = iota
	SourceProd
	SourceDev
	SourceHistory
)

func (s Source) String() string {
	switch s {
	case SourceProd:
		return "prod"
	case SourceDev:
		return "dev"
	case SourceHistory:
		return "history"
	default:
		return "none"
	}
}

// Result is the outcome of a policy check.
type Result struct {
	Trusted bool
	Reason  string
	Source  Source
}

// Config contains the caller's additions to the policy.
type Config struct {
	// ProdPCR0s and DevPCR0s extend the built-in allow-lists.  They are
	// consulted before the built-in values.
	ProdPCR0s []string
	DevPCR0s  []string

	// HistoryURL points to a JSON array of signed history entries.  The
	// remote history is not consulted if HistoryURL is empty.
	HistoryURL string

	// HistoryKey is the Ed25519 key that must have signed history entries.
	HistoryKey ed25519.PublicKey
}

// Validate implements the Validator interface for Config.
func (c *Config) Validate() map[string]string {
	problems := make(map[string]string)

	for _, pcr := range slices.Concat(c.ProdPCR0s, c.DevPCR0s) {
		if !isPCRHex(pcr) {
			problems["pcr0"] = fmt.Sprintf("%q is not a hex-encoded PCR value", pcr)
			break
		}
	}
	if c.HistoryURL != "" {
		if _, err := url.ParseRequestURI(c.HistoryURL); err != nil {
			problems["history_url"] = "invalid URL"
		}
		if len(c.HistoryKey) != ed25519.PublicKeySize {
			problems["history_key"] = "history URL requires an Ed25519 public key"
		}
	}
	return problems
}

// Validator applies the policy.
type Validator struct {
	prod       []string
	dev        []string
	historyURL string
	historyKey ed25519.PublicKey
	client     *http.Client
	cache      *HistoryCache
	log        zerolog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithHTTPClient sets the client that fetches the measurement history.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Validator) { v.client = c }
}

// WithCache replaces DefaultHistoryCache.
func WithCache(c *HistoryCache) Option {
	return func(v *Validator) { v.cache = c }
}

// WithLogger sets the logger for policy decisions.
func WithLogger(l zerolog.Logger) Option {
	return func(v *Validator) { v.log = l }
}

// New returns a new policy validator.
func New(cfg Config, opts ...Option) *Validator {
	v := &Validator{
		prod:       slices.Concat(cfg.ProdPCR0s, DefaultProdPCR0s),
		dev:        slices.Concat(cfg.DevPCR0s, DefaultDevPCR0s),
		historyURL: cfg.HistoryURL,
		historyKey: cfg.HistoryKey,
		client:     http.DefaultClient,
		cache:      DefaultHistoryCache,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate decides whether the given measurements are trusted.  Failing to
// fetch the remote history never results in trust.
func (v *Validator) Validate(ctx context.Context, m Measurement) Result {
	res := v.validate(ctx, m)
	v.log.Info().
		Str("pcr0", m.PCR0).
		Bool("trusted", res.Trusted).
		Stringer("source", res.Source).
		Str("reason", res.Reason).
		Msg("Applied PCR policy.")
	return res
}

func (v *Validator) validate(ctx context.Context, m Measurement) Result {
	if containsHex(v.prod, m.PCR0) {
		return Result{Trusted: true, Reason: ReasonProd, Source: SourceProd}
	}
	if containsHex(v.dev, m.PCR0) {
		return Result{Trusted: true, Reason: ReasonDev, Source: SourceDev}
	}
	if v.historyURL == "" {
		return Result{Reason: ReasonUnknown}
	}

	entries, err := fetchHistory(ctx, v.client, v.cache, v.historyURL)
	if err != nil {
		v.log.Warn().Err(err).Str("url", v.historyURL).Msg("Failed to fetch measurement history.")
		return Result{Reason: fmt.Sprintf("%s: %v", ReasonCouldNotCheck, err)}
	}
	for i := range entries {
		e := &entries[i]
		if !e.matches(m) {
			continue
		}
		if !e.VerifySignature(v.historyKey) {
			v.log.Warn().Int64("timestamp", e.Timestamp).Msg("Skipping history entry with invalid signature.")
			continue
		}
		return Result{Trusted: true, Reason: ReasonHistory, Source: SourceHistory}
	}
	return Result{Reason: ReasonUnknown}
}

// Strict turns a negative result into an error that matches
// errs.UntrustedEnclave.
func Strict(r Result) error {
	if r.Trusted {
		return nil
	}
	return fmt.Errorf("%w: %s", errs.UntrustedEnclave, r.Reason)
}

func containsHex(list []string, pcr string) bool {
	return slices.ContainsFunc(list, func(s string) bool {
		return equalHex(s, pcr)
	})
}

func equalHex(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

func isPCRHex(s string) bool {
	b, err := hex.DecodeString(s)
	if err != nil {
		return false
	}
	return slices.Contains([]int{32, 48, 64}, len(b))
}
