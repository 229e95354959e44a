package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Amnesic-Systems/veil-client/internal/aead"
	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/httpx"
	"github.com/Amnesic-Systems/veil-client/internal/metrics"
	"github.com/Amnesic-Systems/veil-client/internal/nonce"
	"github.com/Amnesic-Systems/veil-client/internal/policy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/sync/singleflight"
)

var (
	// Accessing rand.Reader via variable facilitates mocking.
	cryptoRead       = rand.Reader
	errNotEnoughRead = errors.New("failed to read enough random bytes")
	errNoEndpoint    = errors.New("no endpoint configured for API context")
)

// Endpoints contains the base URLs of the app and platform enclaves, e.g.,
// "https://enclave.example.com".
type Endpoints struct {
	App      string
	Platform string
}

func (e Endpoints) base(c APIContext) (string, error) {
	var u string
	switch c {
	case App:
		u = e.App
	case Platform:
		u = e.Platform
	}
	if u == "" {
		return "", fmt.Errorf("%w: %s", errNoEndpoint, c)
	}
	return strings.TrimSuffix(u, "/"), nil
}

// Policy decides whether an enclave's measurements are trusted.
type Policy interface {
	Validate(context.Context, policy.Measurement) policy.Result
}

// Negotiator establishes sessions with attested enclaves.
type Negotiator struct {
	store     *Store
	endpoints Endpoints
	verifier  enclave.Verifier
	policy    Policy
	client    *http.Client
	log       zerolog.Logger
	group     singleflight.Group
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithHTTPClient sets the client for attestation and key exchange requests.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Negotiator) { n.client = c }
}

// WithLogger sets the negotiator's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(n *Negotiator) { n.log = l }
}

// NewNegotiator returns a negotiator that keeps its sessions in the given
// store.
func NewNegotiator(
	store *Store,
	endpoints Endpoints,
	verifier enclave.Verifier,
	p Policy,
	opts ...Option,
) *Negotiator {
	n := &Negotiator{
		store:     store,
		endpoints: endpoints,
		verifier:  verifier,
		policy:    p,
		client:    httpx.NewClient(httpx.ClientOptions{}),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Store returns the negotiator's session store.
func (n *Negotiator) Store() *Store {
	return n.store
}

// GetSession returns the session of the given API context.  A new session is
// negotiated if there is none or if forceRefresh is set.  Concurrent
// negotiations for the same API context are collapsed into one.  If the
// caller's context expires, GetSession returns but the negotiation runs to
// completion for the benefit of the other callers.
func (n *Negotiator) GetSession(
	ctx context.Context,
	forceRefresh bool,
	c APIContext,
) (_ Session, err error) {
	if !forceRefresh {
		if sess, ok := n.store.Get(c); ok {
			return sess, nil
		}
	}

	ch := n.group.DoChan(c.String(), func() (any, error) {
		return n.negotiate(context.WithoutCancel(ctx), c)
	})
	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

// negotiate runs the attestation and key exchange protocol.  The store is
// only modified if all steps succeed.
func (n *Negotiator) negotiate(ctx context.Context, c APIContext) (_ Session, err error) {
	defer func() {
		metrics.Negotiations.WithLabelValues(c.String(), result(err)).Inc()
	}()
	defer errs.Wrap(&err, "failed to negotiate %s session", c)

	base, err := n.endpoints.base(c)
	if err != nil {
		return Session{}, err
	}
	n.log.Debug().Stringer("api", c).Msg("Negotiating session.")

	// Generate an ephemeral key pair for this negotiation.
	var priv [curve25519.ScalarSize]byte
	if r, err := cryptoRead.Read(priv[:]); err != nil || r != len(priv) {
		return Session{}, errNotEnoughRead
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Session{}, err
	}

	// Generate a nonce to ensure that the attestation document is fresh.
	ourNonce, err := nonce.New()
	if err != nil {
		return Session{}, err
	}

	// Request the enclave's attestation document and verify it, which
	// provides assurance that we are talking to an enclave.  The nonce
	// provides assurance that we are talking to an alive enclave (instead of
	// a replayed attestation document).
	var rawDoc enclave.RawDocument
	if err := httpx.DoJSON(ctx, n.client, http.MethodGet,
		base+enclave.PathAttestation+ourNonce.URLEncode(), nil, &rawDoc); err != nil {
		return Session{}, err
	}
	verified, err := n.verifier.Verify(rawDoc.Doc, ourNonce)
	if err != nil {
		return Session{}, err
	}

	// Verify the attestation document's PCR values, which provide assurance
	// that the enclave runs code that we trust.
	if err := policy.Strict(n.policy.Validate(ctx, verified.PCRs.Measurement())); err != nil {
		return Session{}, err
	}

	var kxResp enclave.KeyExchangeResponse
	if err := httpx.DoJSON(ctx, n.client, http.MethodPost, base+enclave.PathKeyExchange,
		&enclave.KeyExchangeRequest{
			ClientPublicKey: base64.StdEncoding.EncodeToString(pub),
			Nonce:           ourNonce.String(),
		}, &kxResp); err != nil {
		return Session{}, err
	}
	if _, err := uuid.Parse(kxResp.SessionID); err != nil {
		return Session{}, fmt.Errorf("%w: invalid session ID: %w", errs.MalformedResponse, err)
	}

	key, err := openSessionKey(priv[:], verified.PublicKey, kxResp.EncryptedSessionKey)
	if err != nil {
		return Session{}, err
	}

	sess := Session{Key: key, ID: kxResp.SessionID}
	n.store.Replace(c, sess)
	n.log.Debug().Stringer("api", c).Str("session_id", sess.ID).Msg("Negotiated session.")
	return sess, nil
}

// openSessionKey derives the X25519 shared secret and uses it to open the
// enclave's session key envelope.
func openSessionKey(priv, enclavePub []byte, envelope string) (_ aead.Key, err error) {
	defer errs.WrapErr(&err, errs.SessionKeyDecryptionFailed)

	shared, err := curve25519.X25519(priv, enclavePub)
	if err != nil {
		return aead.Key{}, err
	}
	sharedKey, err := aead.KeyFromSlice(shared)
	if err != nil {
		return aead.Key{}, err
	}
	raw, err := aead.Open(sharedKey, envelope)
	if err != nil {
		return aead.Key{}, err
	}
	return aead.KeyFromSlice(raw)
}

func result(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errs.ClassOf(err) == errs.ClassTrust:
		return metrics.ResultUntrusted
	default:
		return metrics.ResultFailure
	}
}
