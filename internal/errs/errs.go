package errs

import (
	"errors"
	"fmt"
)

var (
	InvalidFormat = errors.New("invalid format")
	InvalidLength = errors.New("invalid length")
	IsNil         = errors.New("argument must not be nil")
)

// Errors that can occur while establishing trust in an enclave.
var (
	InvalidDocument            = errors.New("invalid attestation document")
	UntrustedChain             = errors.New("untrusted certificate chain")
	SignatureMismatch          = errors.New("attestation signature mismatch")
	NonceMismatch              = errors.New("attestation nonce mismatch")
	UntrustedEnclave           = errors.New("untrusted enclave")
	SessionKeyDecryptionFailed = errors.New("failed to decrypt session key")
)

// Errors that can occur while talking to an enclave over an established
// session.
var (
	DecryptionError           = errors.New("decryption failed")
	AuthenticationExpired     = errors.New("authentication expired")
	EncryptionProtocolFailure = errors.New("encryption protocol failure")
	NetworkError              = errors.New("network error")
	MalformedResponse         = errors.New("malformed response")
)

// Wrap prefixes the given error (if any) with the formatted string.  It is
// meant to be deferred at the top of a function with a named error return.
func Wrap(err *error, str string, args ...any) {
	if *err != nil {
		*err = fmt.Errorf("%s: %w", fmt.Sprintf(str, args...), *err)
	}
}

// WrapErr wraps the given error (if any) in the given sentinel error, so that
// errors.Is matches both.
func WrapErr(err *error, wrapper error) {
	if *err != nil {
		*err = fmt.Errorf("%w: %w", wrapper, *err)
	}
}

// APIError is an application-level rejection by the enclave, i.e., a non-2xx
// response that could not be recovered from.
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("enclave returned HTTP status %d", e.Status)
	}
	return fmt.Sprintf("enclave returned HTTP status %d: %s", e.Status, e.Msg)
}
