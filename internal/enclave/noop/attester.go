package noop

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/nonce"
)

var _ enclave.Verifier = (*Verifier)(nil)

// Verifier accepts unsigned attestation documents.  It must only be used for
// local development and testing.
type Verifier struct{}

// NewVerifier returns a new noop verifier.
func NewVerifier() *Verifier {
	return new(Verifier)
}

func (*Verifier) Type() string {
	return enclave.TypeNoop
}

// NewDocument returns an unsigned attestation document.  With the Nitro
// verifier, the attestation document is a CBOR-encoded byte array.  For
// simplicity, noop documents are JSON objects.
func NewDocument(aux *enclave.AuxInfo, pcrs enclave.PCR) (_ []byte, err error) {
	defer errs.Wrap(&err, "failed to create noop attestation document")

	if aux == nil {
		return nil, errs.IsNil
	}
	return json.Marshal(&enclave.Document{
		ModuleID:  enclave.TypeNoop,
		Timestamp: uint64(time.Now().UnixMilli()),
		Digest:    "SHA384",
		PCRs:      pcrs,
		AuxInfo:   *aux,
	})
}

// Verify decodes the given document and makes sure that it contains our nonce
// and the enclave's public key.  There is no signature to check.
func (*Verifier) Verify(doc []byte, n *nonce.Nonce) (_ *enclave.Verified, err error) {
	defer errs.Wrap(&err, "failed to verify noop attestation document")

	var d = new(enclave.Document)
	if err := json.Unmarshal(doc, d); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.InvalidDocument, err)
	}
	if err := enclave.CheckAux(&d.AuxInfo, n); err != nil {
		return nil, err
	}

	return &enclave.Verified{
		PublicKey: d.PublicKey,
		PCRs:      d.PCRs,
		Document:  d,
	}, nil
}
