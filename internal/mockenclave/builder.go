package mockenclave

import (
	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/enclave/nitro/nitrotest"
	"github.com/Amnesic-Systems/veil-client/internal/enclave/noop"
	"github.com/Amnesic-Systems/veil-client/internal/nonce"
)

// attester creates attestation documents that contain the given auxiliary
// information.
type attester interface {
	Type() string
	Attest(aux *enclave.AuxInfo) ([]byte, error)
}

type noopAttester struct {
	pcrs enclave.PCR
}

func (*noopAttester) Type() string { return enclave.TypeNoop }

func (a *noopAttester) Attest(aux *enclave.AuxInfo) ([]byte, error) {
	return noop.NewDocument(aux, a.pcrs)
}

type nitroAttester struct {
	authority *nitrotest.Authority
	pcrs      enclave.PCR
}

func (*nitroAttester) Type() string { return enclave.TypeNitro }

func (a *nitroAttester) Attest(aux *enclave.AuxInfo) ([]byte, error) {
	return a.authority.Document(nitrotest.DocOptions{
		Nonce:     aux.Nonce,
		PublicKey: aux.PublicKey,
		UserData:  aux.UserData,
		PCRs:      a.pcrs,
	})
}

// Builder bundles an attester with auxiliary fields because these two are
// always used together.  The builder's own fields are never modified by
// Attest, so a builder is safe for concurrent use.
type Builder struct {
	attester
	aux enclave.AuxInfo
}

type auxField func(*enclave.AuxInfo)

// NewBuilder returns a new Builder with the given attester and sets the given
// auxiliary fields.
func NewBuilder(a attester, opts ...auxField) *Builder {
	b := &Builder{attester: a}
	for _, opt := range opts {
		opt(&b.aux)
	}
	return b
}

// Attest returns an attestation document with the auxiliary fields that were
// set when creating the builder, plus the ones that are now passed in.
func (b *Builder) Attest(opts ...auxField) (*enclave.RawDocument, error) {
	aux := b.aux
	for _, opt := range opts {
		opt(&aux)
	}
	doc, err := b.attester.Attest(&aux)
	if err != nil {
		return nil, err
	}
	return &enclave.RawDocument{Type: b.Type(), Doc: doc}, nil
}

// WithNonce sets the given nonce in an auxiliary field.
func WithNonce(n *nonce.Nonce) auxField {
	return func(aux *enclave.AuxInfo) {
		if n == nil {
			return
		}
		aux.Nonce = n.ToSlice()
	}
}

// WithPublicKey sets the given public key in an auxiliary field.
func WithPublicKey(pubKey []byte) auxField {
	return func(aux *enclave.AuxInfo) {
		aux.PublicKey = pubKey
	}
}
