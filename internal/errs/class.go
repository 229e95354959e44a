package errs

import "errors"

// Class groups errors by what a caller should tell its user.
type Class int

const (
	ClassUnknown Class = iota
	// ClassTrust means that we could not establish trust in the enclave.
	// Callers must refuse to proceed rather than retry blindly.
	ClassTrust
	// ClassNetwork means that the enclave could not be reached.  Retrying
	// later may help.
	ClassNetwork
	// ClassApplication means that the enclave rejected the request.
	ClassApplication
	// ClassProtocol means that the enclave's response could not be
	// decrypted or understood.
	ClassProtocol
)

func (c Class) String() string {
	switch c {
	case ClassTrust:
		return "trust"
	case ClassNetwork:
		return "network"
	case ClassApplication:
		return "application"
	case ClassProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

var (
	trustErrs = []error{
		InvalidDocument,
		UntrustedChain,
		SignatureMismatch,
		NonceMismatch,
		UntrustedEnclave,
		SessionKeyDecryptionFailed,
	}
	applicationErrs = []error{
		AuthenticationExpired,
		EncryptionProtocolFailure,
	}
	protocolErrs = []error{
		DecryptionError,
		MalformedResponse,
	}
)

// ClassOf returns the class of the given error.  Trust errors take precedence
// over everything else because a failed attestation must never be presented
// as a transient problem.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	if isAny(err, trustErrs) {
		return ClassTrust
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) || isAny(err, applicationErrs) {
		return ClassApplication
	}
	if errors.Is(err, NetworkError) {
		return ClassNetwork
	}
	if isAny(err, protocolErrs) {
		return ClassProtocol
	}
	return ClassUnknown
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
