// Package transport sends requests to enclaves over negotiated sessions.
// Request bodies are encrypted with the session key and response bodies are
// decrypted.  Stale sessions and expired access tokens are each recovered
// from once per call.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Amnesic-Systems/veil-client/internal/aead"
	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/httpx"
	"github.com/Amnesic-Systems/veil-client/internal/metrics"
	"github.com/Amnesic-Systems/veil-client/internal/session"
	"github.com/Amnesic-Systems/veil-client/internal/sse"
	"github.com/rs/zerolog"
)

// Sessions hands out sessions.  It is implemented by session.Negotiator.
type Sessions interface {
	GetSession(ctx context.Context, forceRefresh bool, c session.APIContext) (session.Session, error)
}

// Request is a request to an enclave.  Body, if not nil, is encoded as JSON
// and encrypted.
type Request struct {
	Method        string
	URL           string
	Body          any
	Authenticated bool
}

// Client is an encrypted HTTP client.  It is safe for concurrent use.
type Client struct {
	sessions   Sessions
	resolver   Resolver
	client     *http.Client
	tokens     TokenStore
	refreshers map[session.APIContext]Refresher
	log        zerolog.Logger
	sseOpts    []sse.Option
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Client) { t.client = c }
}

// WithTokenStore sets the store for access and refresh tokens.
func WithTokenStore(s TokenStore) Option {
	return func(t *Client) { t.tokens = s }
}

// WithRefresher sets the function that renews the tokens of the given API
// context after the enclave rejected an access token.
func WithRefresher(c session.APIContext, r Refresher) Option {
	return func(t *Client) { t.refreshers[c] = r }
}

// WithLogger sets the client's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Client) { t.log = l }
}

// WithStreamOptions sets the options of the decrypters of event streams.
func WithStreamOptions(opts ...sse.Option) Option {
	return func(t *Client) { t.sseOpts = opts }
}

// New returns a new client that obtains its sessions from the given
// sessions, e.g., a session.Negotiator.
func New(sessions Sessions, resolver Resolver, opts ...Option) *Client {
	c := &Client{
		sessions:   sessions,
		resolver:   resolver,
		client:     httpx.NewClient(httpx.ClientOptions{}),
		tokens:     NewMemoryTokenStore(TokenPair{}),
		refreshers: make(map[session.APIContext]Refresher),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.sseOpts) == 0 {
		c.sseOpts = []sse.Option{sse.WithLogger(c.log)}
	}
	return c
}

// Tokens returns the client's token store.
func (c *Client) Tokens() TokenStore {
	return c.tokens
}

// Call sends the given request.  A stale session results in one forced
// renegotiation and a rejected access token in one token refresh, so a call
// makes at most three attempts.
func (c *Client) Call(ctx context.Context, req Request) (_ *Result, err error) {
	defer errs.Wrap(&err, "failed to call %s %s", req.Method, req.URL)

	var (
		apiCtx       = c.resolver.Resolve(req.URL)
		forceRefresh bool
		renegotiated bool
		refreshed    bool
	)
	for attempt := 1; ; attempt++ {
		sess, err := c.sessions.GetSession(ctx, forceRefresh, apiCtx)
		if err != nil {
			return nil, err
		}
		forceRefresh = false

		resp, err := c.send(ctx, req, sess)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return decode(resp, sess.Key, c.sseOpts)
		}

		status := resp.StatusCode
		msg := errorMessage(resp, sess.Key)

		switch {
		case status == http.StatusUnauthorized && req.Authenticated:
			if refreshed {
				return nil, fmt.Errorf("%w: %w", errs.AuthenticationExpired, apiError(status, msg))
			}
			refreshed = true
			if err := c.refresh(ctx, apiCtx); err != nil {
				return nil, err
			}
			metrics.Retries.WithLabelValues(metrics.RuleAuthentication).Inc()
			c.log.Info().Int("attempt", attempt).Stringer("api", apiCtx).
				Msg("Refreshed access token; retrying.")

		case status == http.StatusBadRequest || isEncryptionFailure(msg):
			if renegotiated {
				return nil, fmt.Errorf("%w: %w", errs.EncryptionProtocolFailure, apiError(status, msg))
			}
			renegotiated = true
			forceRefresh = true
			metrics.Retries.WithLabelValues(metrics.RuleEncryption).Inc()
			c.log.Info().Int("attempt", attempt).Int("status", status).Stringer("api", apiCtx).
				Str("reason", msg).Msg("Session looks stale; renegotiating.")

		default:
			return nil, apiError(status, msg)
		}
	}
}

// CallJSON sends the given request and decodes the response's JSON body.
func CallJSON[T any](ctx context.Context, c *Client, req Request) (T, error) {
	var v T
	res, err := c.Call(ctx, req)
	if err != nil {
		return v, err
	}
	if res.Stream != nil {
		res.Stream.Close()
	}
	if err := res.JSON(&v); err != nil {
		return v, err
	}
	return v, nil
}

// send makes a single attempt.
func (c *Client) send(ctx context.Context, req Request, sess session.Session) (*http.Response, error) {
	var body io.Reader
	if req.Body != nil {
		sealed, err := aead.SealJSON(sess.Key, req.Body)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(&aead.Envelope{Encrypted: sealed})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	r, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", contentTypeJSON)
	r.Header.Set(enclave.HeaderSessionID, sess.ID)
	if req.Authenticated {
		if tok := c.tokens.Tokens().AccessToken; tok != "" {
			r.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.NetworkError, err)
	}
	return resp, nil
}

// refresh renews the tokens of the given API context.
func (c *Client) refresh(ctx context.Context, apiCtx session.APIContext) error {
	refresher, ok := c.refreshers[apiCtx]
	if !ok {
		return fmt.Errorf("%w: no token refresher for %s", errs.AuthenticationExpired, apiCtx)
	}
	tokens, err := refresher(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to refresh tokens: %w", errs.AuthenticationExpired, err)
	}
	c.tokens.SetTokens(tokens)
	return nil
}

func apiError(status int, msg string) *errs.APIError {
	return &errs.APIError{Status: status, Msg: msg}
}
