package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/Amnesic-Systems/veil-client/internal/aead"
	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/httperr"
	"github.com/Amnesic-Systems/veil-client/internal/httpx"
	"github.com/Amnesic-Systems/veil-client/internal/sse"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeStream = "text/event-stream"
)

// Kind tells how the enclave encoded a response body.
type Kind int

const (
	// Plain bodies were not encrypted and are returned as is.  The enclave
	// must mark them with enclave.HeaderPlaintext.
	Plain Kind = iota
	// EncryptedJSON bodies were decrypted and contain JSON.
	EncryptedJSON
	// EncryptedBinary bodies were decrypted and contain whatever
	// Result.ContentType says.
	EncryptedBinary
	// Stream responses are event streams whose data lines are decrypted as
	// they arrive.
	Stream
)

func (k Kind) String() string {
	switch k {
	case Plain:
		return "plain"
	case EncryptedJSON:
		return "encrypted JSON"
	case EncryptedBinary:
		return "encrypted binary"
	case Stream:
		return "stream"
	default:
		return "unknown"
	}
}

// Result is a successful response.  Body is set for all kinds except Stream,
// which sets Stream instead.  Callers must close Stream.
type Result struct {
	Kind        Kind
	Status      int
	ContentType string
	Body        []byte
	Stream      io.ReadCloser
}

// JSON decodes the result's body into v.
func (r *Result) JSON(v any) error {
	switch r.Kind {
	case Plain, EncryptedJSON:
	default:
		return fmt.Errorf("%w: cannot decode %s body as JSON", errs.MalformedResponse, r.Kind)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %w", errs.MalformedResponse, err)
	}
	return nil
}

// maybeEnvelope tells an encrypted body apart from other JSON in a single
// decoding pass.
type maybeEnvelope struct {
	Encrypted *string `json:"encrypted"`
}

func mediaType(h string) string {
	t, _, err := mime.ParseMediaType(h)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(h))
	}
	return t
}

// decode turns a successful response into a Result.  Bodies must either be
// encrypted or explicitly marked as plaintext.  The response body is closed
// unless the result is a stream.
func decode(resp *http.Response, key aead.Key, sseOpts []sse.Option) (_ *Result, err error) {
	contentType := resp.Header.Get("Content-Type")
	if mediaType(contentType) == contentTypeStream {
		return &Result{
			Kind:        Stream,
			Status:      resp.StatusCode,
			ContentType: contentTypeStream,
			Stream:      sse.NewDecrypter(resp.Body, key, sseOpts...),
		}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpx.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.NetworkError, err)
	}

	if strings.EqualFold(resp.Header.Get(enclave.HeaderPlaintext), "true") {
		return &Result{
			Kind:        Plain,
			Status:      resp.StatusCode,
			ContentType: contentType,
			Body:        body,
		}, nil
	}

	var env maybeEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Encrypted == nil {
		return nil, fmt.Errorf("%w: response is neither encrypted nor marked as plaintext", errs.MalformedResponse)
	}

	plaintext, err := aead.Open(key, *env.Encrypted)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Kind:        EncryptedJSON,
		Status:      resp.StatusCode,
		ContentType: contentTypeJSON,
		Body:        plaintext,
	}
	if t := resp.Header.Get(enclave.HeaderPlaintextType); t != "" && mediaType(t) != contentTypeJSON {
		res.Kind = EncryptedBinary
		res.ContentType = t
	}
	return res, nil
}

// errorMessage extracts the enclave's explanation of a failed request,
// decrypting it if necessary.  The response body is consumed and closed.
func errorMessage(resp *http.Response, key aead.Key) string {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, httpx.MaxBodySize))
	if err != nil {
		return ""
	}
	var env maybeEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Encrypted != nil {
		plaintext, err := aead.Open(key, *env.Encrypted)
		if err != nil {
			return ""
		}
		return httperr.FromBytes(plaintext)
	}
	return httperr.FromBytes(body)
}

// isEncryptionFailure returns true if the given error message blames
// encryption, which means that the enclave no longer knows our session.
func isEncryptionFailure(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "encrypt") || strings.Contains(msg, "decrypt")
}
