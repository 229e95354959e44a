package enclave

import (
	"crypto/x509"
	"fmt"

	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/nonce"
)

const (
	// See page 65 of the AWS Nitro Enclaves user guide for reference:
	// https://docs.aws.amazon.com/pdfs/enclaves/latest/user/enclaves-user.pdf
	AuxFieldLen = 1024
	// PublicKeyLen is the length of the enclave's X25519 public key, which
	// the enclave embeds in the public_key field of its attestation document.
	PublicKeyLen = 32
	TypeNoop     = "noop"
	TypeNitro    = "nitro"
)

// RawDocument is the enclave's response to an attestation request.  Doc is
// Base64-encoded on the wire.
type RawDocument struct {
	Type string `json:"type,omitempty"`
	Doc  []byte `json:"attestation_document"`
}

// Document represents the AWS Nitro Enclave attestation document as specified
// on page 70 of:
// https://docs.aws.amazon.com/pdfs/enclaves/latest/user/enclaves-user.pdf
type Document struct {
	ModuleID    string   `cbor:"module_id" json:"module_id"`
	Timestamp   uint64   `cbor:"timestamp" json:"timestamp"`
	Digest      string   `cbor:"digest" json:"digest"`
	PCRs        PCR      `cbor:"pcrs" json:"pcrs"`
	Certificate []byte   `cbor:"certificate" json:"certificate"`
	CABundle    [][]byte `cbor:"cabundle" json:"cabundle"`
	AuxInfo
}

// AuxInfo represents auxiliary information that can be included in the
// attestation document, as specified on page 70 of:
// https://docs.aws.amazon.com/pdfs/enclaves/latest/user/enclaves-user.pdf
type AuxInfo struct {
	PublicKey []byte `json:"public_key,omitempty" cbor:"public_key"`
	UserData  []byte `json:"user_data,omitempty" cbor:"user_data"`
	Nonce     []byte `json:"nonce,omitempty" cbor:"nonce"`
}

// Verified holds what a successful verification established about the
// enclave.
type Verified struct {
	// PublicKey is the enclave's X25519 public key.
	PublicKey []byte
	PCRs      PCR
	// Certificates contains the signing certificate followed by the CA
	// bundle, excluding the root.  Noop documents have none.
	Certificates []*x509.Certificate
	Document     *Document
}

// Verifier verifies attestation documents.  Making this an interface helps
// with testing: It allows us to use a dummy verifier that works without
// documents signed by the AWS Nitro hypervisor.
type Verifier interface {
	Type() string
	Verify(doc []byte, n *nonce.Nonce) (*Verified, error)
}

// CheckAux verifies that the given auxiliary information carries our nonce
// and a usable public key.
func CheckAux(aux *AuxInfo, ourNonce *nonce.Nonce) error {
	if ourNonce == nil {
		return fmt.Errorf("%w: no nonce to compare against", errs.NonceMismatch)
	}
	docNonce, err := nonce.FromSlice(aux.Nonce)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.NonceMismatch, err)
	}
	if *docNonce != *ourNonce {
		return errs.NonceMismatch
	}

	if len(aux.PublicKey) != PublicKeyLen {
		return fmt.Errorf(
			"%w: expected %d-byte public key but got %d bytes",
			errs.InvalidDocument, PublicKeyLen, len(aux.PublicKey),
		)
	}
	return nil
}
