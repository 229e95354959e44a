// Package mockenclave implements an enclave's HTTP API for development and
// testing.  It performs real key exchanges and encrypts its responses, but
// its attestation documents are either unsigned or signed by a test
// authority, so only clients that pin the matching trust anchor, or use the
// noop verifier, accept them.
package mockenclave

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/Amnesic-Systems/veil-client/internal/aead"
	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/enclave/nitro/nitrotest"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/policy"
	"github.com/Amnesic-Systems/veil-client/internal/util/must"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/curve25519"
)

// URL paths of the mock enclave's application endpoints.
const (
	PathEcho      = "/echo"
	PathStream    = "/stream"
	PathPlain     = "/plain"
	PathBinary    = "/binary"
	PathForbidden = "/forbidden"
	PathMetrics   = "/metrics"
)

// Enclave is a mock enclave.
type Enclave struct {
	priv    []byte
	pub     []byte
	builder *Builder
	log     zerolog.Logger
	debug   bool
	chunks  []string
	pause   time.Duration
	faults  *faults

	m           sync.Mutex
	sessions    map[string]aead.Key
	nonces      map[string]struct{}
	accessToken string

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	counts   map[string]int
}

type config struct {
	authority *nitrotest.Authority
	pcrs      enclave.PCR
	log       zerolog.Logger
	debug     bool
	chunks    []string
	pause     time.Duration
}

// Option configures an Enclave.
type Option func(*config)

// WithNitro makes the enclave sign its attestation documents with the given
// authority instead of returning noop documents.
func WithNitro(a *nitrotest.Authority) Option {
	return func(c *config) { c.authority = a }
}

// WithPCRs sets the PCR values in attestation documents.
func WithPCRs(pcrs enclave.PCR) Option {
	return func(c *config) { c.pcrs = pcrs }
}

// WithLogger sets the enclave's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithRequestLogging logs every request with chi's logger middleware.
func WithRequestLogging() Option {
	return func(c *config) { c.debug = true }
}

// WithStreamChunks sets the data chunks that the stream endpoint sends.
func WithStreamChunks(chunks ...string) Option {
	return func(c *config) { c.chunks = chunks }
}

// WithStreamInterval makes the stream endpoint wait for the given duration
// before each event.
func WithStreamInterval(d time.Duration) Option {
	return func(c *config) { c.pause = d }
}

// DevPCRs returns PCR values whose PCR0 is on the built-in development
// allow-list.
func DevPCRs() enclave.PCR {
	pcr := func(s string) []byte {
		h := sha512.Sum384([]byte(s))
		return h[:]
	}
	return enclave.PCR{
		0: must.Get(hex.DecodeString(policy.DefaultDevPCR0s[0])),
		1: pcr("kernel"),
		2: pcr("application"),
	}
}

// New returns a new mock enclave with a fresh X25519 key pair.
func New(opts ...Option) (_ *Enclave, err error) {
	defer errs.Wrap(&err, "failed to create mock enclave")

	cfg := &config{
		pcrs:   DevPCRs(),
		log:    zerolog.Nop(),
		chunks: []string{"Hello", ", ", "world!"},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	var a attester = &noopAttester{pcrs: cfg.pcrs}
	if cfg.authority != nil {
		a = &nitroAttester{authority: cfg.authority, pcrs: cfg.pcrs}
	}

	registry := prometheus.NewRegistry()
	return &Enclave{
		priv:     priv,
		pub:      pub,
		builder:  NewBuilder(a, WithPublicKey(pub)),
		log:      cfg.log,
		debug:    cfg.debug,
		chunks:   cfg.chunks,
		pause:    cfg.pause,
		faults:   newFaults(),
		sessions: make(map[string]aead.Key),
		nonces:   make(map[string]struct{}),
		registry: registry,
		requests: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: "veil_mock_enclave",
			Name:      "requests_total",
			Help:      "Requests by route.",
		}, []string{"path"}),
		counts: make(map[string]int),
	}, nil
}

// Handler returns the enclave's HTTP API.
func (e *Enclave) Handler() http.Handler {
	r := chi.NewRouter()
	if e.debug {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Get(enclave.PathHealthCheck, e.counted(enclave.PathHealthCheck, HealthCheck()))
	r.Get(enclave.PathAttestation+"{nonce}", e.counted(enclave.PathAttestation, Attestation(e)))
	r.Post(enclave.PathKeyExchange, e.counted(enclave.PathKeyExchange, KeyExchange(e)))
	r.Get(PathPlain, e.counted(PathPlain, Plain()))

	r.Post(PathEcho, e.counted(PathEcho, e.withSession(Echo())))
	r.Get(PathStream, e.counted(PathStream, e.withSession(Stream(e))))
	r.Get(PathBinary, e.counted(PathBinary, e.withSession(Binary())))
	r.Get(PathForbidden, e.counted(PathForbidden, e.withSession(Forbidden())))
	return r
}

// Registry returns the registry that holds the enclave's request counters.
func (e *Enclave) Registry() *prometheus.Registry {
	return e.registry
}

// Requests returns the number of requests that the given path received.
// Attestation requests are counted under enclave.PathAttestation.
func (e *Enclave) Requests(path string) int {
	e.m.Lock()
	defer e.m.Unlock()
	return e.counts[path]
}

// Sessions returns the number of sessions that the enclave knows about.
func (e *Enclave) Sessions() int {
	e.m.Lock()
	defer e.m.Unlock()
	return len(e.sessions)
}

// ForgetSessions drops all sessions, as if the enclave had restarted.
func (e *Enclave) ForgetSessions() {
	e.m.Lock()
	defer e.m.Unlock()
	clear(e.sessions)
}

// SetAccessToken makes session-bound endpoints require the given bearer
// token.  An empty token disables the check.
func (e *Enclave) SetAccessToken(token string) {
	e.m.Lock()
	defer e.m.Unlock()
	e.accessToken = token
}

func (e *Enclave) counted(path string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e.m.Lock()
		e.counts[path]++
		e.m.Unlock()
		e.requests.WithLabelValues(path).Inc()
		h(w, r)
	}
}

func (e *Enclave) rememberNonce(n string) {
	e.m.Lock()
	defer e.m.Unlock()
	e.nonces[n] = struct{}{}
}

// takeNonce returns true if the given nonce was handed out by the
// attestation endpoint and was not used before.
func (e *Enclave) takeNonce(n string) bool {
	e.m.Lock()
	defer e.m.Unlock()
	_, ok := e.nonces[n]
	delete(e.nonces, n)
	return ok
}

func (e *Enclave) addSession(id string, key aead.Key) {
	e.m.Lock()
	defer e.m.Unlock()
	e.sessions[id] = key
}

func (e *Enclave) session(id string) (aead.Key, bool) {
	e.m.Lock()
	defer e.m.Unlock()
	key, ok := e.sessions[id]
	return key, ok
}

func (e *Enclave) token() string {
	e.m.Lock()
	defer e.m.Unlock()
	return e.accessToken
}

// Run serves the enclave's API on the given server until the context is
// canceled.  The server uses HTTPS if its TLSConfig contains a certificate.
func (e *Enclave) Run(ctx context.Context, srv *http.Server) error {
	srv.Handler = e.Handler()

	errCh := make(chan error, 1)
	go func() {
		e.log.Info().Str("addr", srv.Addr).Msg("Starting web server.")
		var err error
		if srv.TLSConfig != nil && len(srv.TLSConfig.Certificates) > 0 {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	e.log.Info().Str("addr", srv.Addr).Msg("Got signal, shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func withKey(r *http.Request, key aead.Key) context.Context {
	return context.WithValue(r.Context(), sessionKey{}, key)
}
