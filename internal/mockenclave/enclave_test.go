package mockenclave

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Amnesic-Systems/veil-client/internal/aead"
	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/enclave/nitro"
	"github.com/Amnesic-Systems/veil-client/internal/enclave/nitro/nitrotest"
	"github.com/Amnesic-Systems/veil-client/internal/enclave/noop"
	"github.com/Amnesic-Systems/veil-client/internal/httperr"
	"github.com/Amnesic-Systems/veil-client/internal/nonce"
	"github.com/Amnesic-Systems/veil-client/internal/util/must"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

type testEnclave struct {
	*Enclave
	srv *httptest.Server
}

func newTestEnclave(t *testing.T, opts ...Option) *testEnclave {
	t.Helper()
	e, err := New(opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(e.Handler())
	t.Cleanup(srv.Close)
	return &testEnclave{Enclave: e, srv: srv}
}

func (e *testEnclave) do(t *testing.T, method, path, sessionID string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(must.Get(json.Marshal(body)))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(enclave.HeaderSessionID, sessionID)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// handshake runs attestation and key exchange by hand and returns the
// session's ID and key.
func (e *testEnclave) handshake(t *testing.T, v enclave.Verifier) (string, aead.Key) {
	t.Helper()

	n := must.Get(nonce.New())
	resp := e.do(t, http.MethodGet, enclave.PathAttestation+n.URLEncode(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw := decode[enclave.RawDocument](t, resp)
	require.Equal(t, v.Type(), raw.Type)
	verified, err := v.Verify(raw.Doc, n)
	require.NoError(t, err)

	priv := make([]byte, curve25519.ScalarSize)
	_, err = rand.Read(priv)
	require.NoError(t, err)
	pub := must.Get(curve25519.X25519(priv, curve25519.Basepoint))

	resp = e.do(t, http.MethodPost, enclave.PathKeyExchange, "", &enclave.KeyExchangeRequest{
		ClientPublicKey: base64.StdEncoding.EncodeToString(pub),
		Nonce:           n.String(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	kx := decode[enclave.KeyExchangeResponse](t, resp)

	shared := must.Get(curve25519.X25519(priv, verified.PublicKey))
	rawKey, err := aead.Open(aead.Key(shared), kx.EncryptedSessionKey)
	require.NoError(t, err)
	return kx.SessionID, must.Get(aead.KeyFromSlice(rawKey))
}

func TestHandshake(t *testing.T) {
	authority := must.Get(nitrotest.NewAuthority())

	cases := []struct {
		name     string
		opts     []Option
		verifier enclave.Verifier
	}{
		{
			name:     "noop",
			verifier: noop.NewVerifier(),
		},
		{
			name:     "nitro",
			opts:     []Option{WithNitro(authority)},
			verifier: nitro.NewVerifier(nitro.WithRoots(authority.Roots())),
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := newTestEnclave(t, c.opts...)
			id, _ := e.handshake(t, c.verifier)
			require.NotEmpty(t, id)
			require.Equal(t, 1, e.Sessions())
			require.Equal(t, 1, e.Requests(enclave.PathAttestation))
			require.Equal(t, 1, e.Requests(enclave.PathKeyExchange))
		})
	}
}

func TestAttestationBadNonce(t *testing.T) {
	e := newTestEnclave(t)
	resp := e.do(t, http.MethodGet, enclave.PathAttestation+"not-a-nonce", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKeyExchangeFailures(t *testing.T) {
	e := newTestEnclave(t)
	pub := base64.StdEncoding.EncodeToString(make([]byte, curve25519.PointSize))

	cases := []struct {
		name string
		body any
	}{
		{
			name: "not JSON",
			body: "foo",
		},
		{
			name: "nonce never issued",
			body: &enclave.KeyExchangeRequest{
				ClientPublicKey: pub,
				Nonce:           must.Get(nonce.New()).String(),
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp := e.do(t, http.MethodPost, enclave.PathKeyExchange, "", c.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	require.Zero(t, e.Sessions())
}

func TestNonceIsSingleUse(t *testing.T) {
	e := newTestEnclave(t)
	n := must.Get(nonce.New())
	e.do(t, http.MethodGet, enclave.PathAttestation+n.URLEncode(), "", nil)

	priv := make([]byte, curve25519.ScalarSize)
	priv[0] = 1
	req := &enclave.KeyExchangeRequest{
		ClientPublicKey: base64.StdEncoding.EncodeToString(
			must.Get(curve25519.X25519(priv, curve25519.Basepoint))),
		Nonce: n.String(),
	}
	resp := e.do(t, http.MethodPost, enclave.PathKeyExchange, "", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(t, http.MethodPost, enclave.PathKeyExchange, "", req)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEcho(t *testing.T) {
	e := newTestEnclave(t)
	id, key := e.handshake(t, noop.NewVerifier())

	sealed := must.Get(aead.Seal(key, []byte(`{"hello":"enclave"}`)))
	resp := e.do(t, http.MethodPost, PathEcho, id, &aead.Envelope{Encrypted: sealed})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := decode[aead.Envelope](t, resp)
	got, err := aead.Open(key, env.Encrypted)
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"enclave"}`, string(got))
}

func TestSessionFailures(t *testing.T) {
	cases := []struct {
		name       string
		setup      func(*testEnclave)
		sessionID  func(string) string
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "unknown session",
			sessionID:  func(string) string { return "foo" },
			wantStatus: http.StatusBadRequest,
			wantMsg:    msgUnknownSess,
		},
		{
			name:       "forgotten session",
			setup:      func(e *testEnclave) { e.ForgetSessions() },
			wantStatus: http.StatusBadRequest,
			wantMsg:    msgUnknownSess,
		},
		{
			name:       "encryption fault",
			setup:      func(e *testEnclave) { e.FailEncryption(1) },
			wantStatus: http.StatusBadRequest,
			wantMsg:    msgEncryption,
		},
		{
			name:       "auth fault",
			setup:      func(e *testEnclave) { e.RejectAuth(Always) },
			wantStatus: http.StatusUnauthorized,
			wantMsg:    msgUnauthorized,
		},
		{
			name:       "missing token",
			setup:      func(e *testEnclave) { e.SetAccessToken("secret") },
			wantStatus: http.StatusUnauthorized,
			wantMsg:    msgUnauthorized,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := newTestEnclave(t)
			id, _ := e.handshake(t, noop.NewVerifier())
			if c.setup != nil {
				c.setup(e)
			}
			if c.sessionID != nil {
				id = c.sessionID(id)
			}
			resp := e.do(t, http.MethodGet, PathBinary, id, nil)
			require.Equal(t, c.wantStatus, resp.StatusCode)
			require.Equal(t, c.wantMsg, decode[httperr.Error](t, resp).Msg)
		})
	}
}

func TestFaultsAreConsumed(t *testing.T) {
	e := newTestEnclave(t)
	id, _ := e.handshake(t, noop.NewVerifier())
	e.FailEncryption(1)

	resp := e.do(t, http.MethodGet, PathBinary, id, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(t, http.MethodGet, PathBinary, id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBinaryAndForbidden(t *testing.T) {
	e := newTestEnclave(t)
	id, key := e.handshake(t, noop.NewVerifier())

	resp := e.do(t, http.MethodGet, PathBinary, id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, BinaryContentType, resp.Header.Get(enclave.HeaderPlaintextType))
	got, err := aead.Open(key, decode[aead.Envelope](t, resp).Encrypted)
	require.NoError(t, err)
	require.Equal(t, BinaryPayload(), got)

	resp = e.do(t, http.MethodGet, PathForbidden, id, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var msg httperr.Error
	require.NoError(t, aead.OpenJSON(key, decode[aead.Envelope](t, resp).Encrypted, &msg))
	require.Equal(t, msgForbidden, msg.Msg)
}

func TestStream(t *testing.T) {
	e := newTestEnclave(t, WithStreamChunks("a", "b", "c"))
	id, key := e.handshake(t, noop.NewVerifier())
	e.CorruptChunk(1)

	resp := e.do(t, http.MethodGet, PathStream, id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var plain, failed int
	body := string(must.Get(io.ReadAll(resp.Body)))
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == done {
			continue
		}
		if _, err := aead.Open(key, data); err != nil {
			failed++
		} else {
			plain++
		}
	}
	require.Equal(t, 2, plain)
	require.Equal(t, 1, failed)
	require.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestPlainAndHealthCheck(t *testing.T) {
	e := newTestEnclave(t)

	resp := e.do(t, http.MethodGet, PathPlain, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get(enclave.HeaderPlaintext))
	require.Equal(t, "ok", decode[map[string]string](t, resp)["status"])

	resp = e.do(t, http.MethodGet, enclave.PathHealthCheck, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), testutil.ToFloat64(
		e.requests.WithLabelValues(enclave.PathHealthCheck)))
}
