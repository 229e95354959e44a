package mockenclave

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Amnesic-Systems/veil-client/internal/aead"
	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/httperr"
	"github.com/Amnesic-Systems/veil-client/internal/httpx"
	"github.com/Amnesic-Systems/veil-client/internal/nonce"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

// Error messages that the enclave returns.  Clients look for "encryption"
// to detect stale sessions.
const (
	msgEncryption   = "encryption error"
	msgUnknownSess  = "encryption error: unknown session"
	msgUnauthorized = "unauthorized"
	msgForbidden    = "forbidden"
)

// done terminates an event stream.
const done = "[DONE]"

// BinaryContentType is the plaintext content type of the binary endpoint.
const BinaryContentType = "audio/mpeg"

type sessionKey struct{}

func encode[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode JSON", http.StatusInternalServerError)
		panic(fmt.Errorf("failed to encode json: %w", err))
	}
}

// encodeSealed encrypts the JSON encoding of v with the given key and writes
// the resulting envelope.
func encodeSealed[T any](w http.ResponseWriter, status int, key aead.Key, v T) {
	sealed, err := aead.SealJSON(key, v)
	if err != nil {
		encode(w, http.StatusInternalServerError, httperr.New("failed to seal response"))
		return
	}
	encode(w, status, &aead.Envelope{Encrypted: sealed})
}

func keyFrom(r *http.Request) aead.Key {
	return r.Context().Value(sessionKey{}).(aead.Key)
}

// HealthCheck always returns HTTP 200.
func HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// Attestation returns an attestation document that contains the client's
// nonce and the enclave's X25519 public key.
func Attestation(e *Enclave) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := nonce.Parse(chi.URLParam(r, "nonce"))
		if err != nil {
			encode(w, http.StatusBadRequest, httperr.New("invalid nonce"))
			return
		}

		doc, err := e.builder.Attest(WithNonce(n))
		if err != nil {
			e.log.Error().Err(err).Msg("Failed to create attestation document.")
			encode(w, http.StatusInternalServerError, httperr.New("failed to attest"))
			return
		}
		e.rememberNonce(n.String())
		encode(w, http.StatusOK, doc)
	}
}

// KeyExchange creates a new session for the client whose public key is in
// the request body.  The nonce must be one that the attestation endpoint
// handed out.
func KeyExchange(e *Enclave) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enclave.KeyExchangeRequest
		body := http.MaxBytesReader(w, r.Body, httpx.MaxBodySize)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			encode(w, http.StatusBadRequest, httperr.New("failed to decode request"))
			return
		}
		if !e.takeNonce(req.Nonce) {
			encode(w, http.StatusBadRequest, httperr.New("unknown nonce"))
			return
		}
		clientPub, err := base64.StdEncoding.DecodeString(req.ClientPublicKey)
		if err != nil || len(clientPub) != curve25519.PointSize {
			encode(w, http.StatusBadRequest, httperr.New("invalid public key"))
			return
		}

		shared, err := curve25519.X25519(e.priv, clientPub)
		if err != nil {
			encode(w, http.StatusBadRequest, httperr.New("invalid public key"))
			return
		}
		var key aead.Key
		if _, err := rand.Read(key[:]); err != nil {
			encode(w, http.StatusInternalServerError, httperr.New("failed to create session key"))
			return
		}
		sealed, err := aead.Seal(aead.Key(shared), key[:])
		if err != nil {
			encode(w, http.StatusInternalServerError, httperr.New("failed to seal session key"))
			return
		}

		id := uuid.New().String()
		e.addSession(id, key)
		e.log.Debug().Str("session_id", id).Msg("Created session.")
		encode(w, http.StatusOK, &enclave.KeyExchangeResponse{
			EncryptedSessionKey: sealed,
			SessionID:           id,
		})
	}
}

// withSession rejects requests that lack a known session or a valid bearer
// token, and passes the session key on to the next handler.
func (e *Enclave) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e.faults.takeAuth() {
			encode(w, http.StatusUnauthorized, httperr.New(msgUnauthorized))
			return
		}
		if tok := e.token(); tok != "" && r.Header.Get("Authorization") != "Bearer "+tok {
			encode(w, http.StatusUnauthorized, httperr.New(msgUnauthorized))
			return
		}
		if e.faults.takeEncryption() {
			encode(w, http.StatusBadRequest, httperr.New(msgEncryption))
			return
		}
		key, ok := e.session(r.Header.Get(enclave.HeaderSessionID))
		if !ok {
			encode(w, http.StatusBadRequest, httperr.New(msgUnknownSess))
			return
		}
		next(w, r.WithContext(withKey(r, key)))
	}
}

// Echo decrypts the request body and returns it encrypted.
func Echo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := keyFrom(r)
		var env aead.Envelope
		body := http.MaxBytesReader(w, r.Body, httpx.MaxBodySize)
		if err := json.NewDecoder(body).Decode(&env); err != nil {
			encode(w, http.StatusBadRequest, httperr.New("failed to decode request"))
			return
		}
		plaintext, err := aead.Open(key, env.Encrypted)
		if err != nil {
			encode(w, http.StatusBadRequest, httperr.New(msgEncryption))
			return
		}
		sealed, err := aead.Seal(key, plaintext)
		if err != nil {
			encode(w, http.StatusInternalServerError, httperr.New("failed to seal response"))
			return
		}
		encode(w, http.StatusOK, &aead.Envelope{Encrypted: sealed})
	}
}

// Forbidden rejects every request with HTTP 403 and an encrypted error.
func Forbidden() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		encodeSealed(w, http.StatusForbidden, keyFrom(r), httperr.New(msgForbidden))
	}
}

// Binary returns encrypted bytes that aren't JSON, and announces their
// content type in a header.
func Binary() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sealed, err := aead.Seal(keyFrom(r), BinaryPayload())
		if err != nil {
			encode(w, http.StatusInternalServerError, httperr.New("failed to seal response"))
			return
		}
		w.Header().Set(enclave.HeaderPlaintextType, BinaryContentType)
		encode(w, http.StatusOK, &aead.Envelope{Encrypted: sealed})
	}
}

// BinaryPayload returns the plaintext of the binary endpoint.
func BinaryPayload() []byte {
	return []byte{0xff, 0xfb, 0x90, 0x64, 0x00, 0x00, 0x00, 0x00}
}

// Plain returns an unencrypted JSON body and marks it as such.
func Plain() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(enclave.HeaderPlaintext, "true")
		encode(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Stream sends the enclave's stream chunks as an event stream, with each
// data line encrypted separately, and terminates the stream with [DONE].
func Stream(e *Enclave) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := keyFrom(r)
		flusher, _ := w.(http.Flusher)
		corrupt := e.faults.chunkToCorrupt()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		if flusher != nil {
			flusher.Flush()
		}

		for i, chunk := range e.chunks {
			if e.pause > 0 {
				select {
				case <-r.Context().Done():
					return
				case <-time.After(e.pause):
				}
			}
			data, err := aead.Seal(key, []byte(chunk))
			if err != nil {
				return
			}
			if i == corrupt {
				data = corruptEnvelope(data)
			}
			if err := writeEvent(w, "message", data); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		_ = writeEvent(w, "", done)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event, data string) error {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)
	_, err := io.WriteString(w, b.String())
	return err
}

// corruptEnvelope flips a bit in the envelope's authentication tag.
func corruptEnvelope(envelope string) string {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil || len(raw) == 0 {
		return envelope
	}
	raw[len(raw)-1] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}
