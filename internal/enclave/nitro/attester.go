package nitro

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/nonce"
)

var _ enclave.Verifier = (*Verifier)(nil)

// ErrDebugMode is returned for documents produced by an enclave that runs in
// debug mode.  Such enclaves can be inspected by their operator, so we don't
// trust them by default.
var ErrDebugMode = fmt.Errorf("%w: attestation document was produced in debug mode", errs.UntrustedEnclave)

// Verifier implements the verifier interface for attestation documents that
// were signed by the AWS Nitro hypervisor.
type Verifier struct {
	roots        *x509.CertPool
	now          func() time.Time
	allowDebug   bool
	expectedPCRs enclave.PCR
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRoots pins the given trust anchors instead of the AWS Nitro root G1.
func WithRoots(roots *x509.CertPool) Option {
	return func(v *Verifier) { v.roots = roots }
}

// WithClock sets the clock against which certificate validity is checked.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// WithAllowDebug makes the verifier accept documents from enclaves in debug
// mode.
func WithAllowDebug(allow bool) Option {
	return func(v *Verifier) { v.allowDebug = allow }
}

// WithExpectedPCRs makes the verifier reject documents whose PCR values
// differ from the given ones.  PCRs that aren't given, and PCR4, are ignored.
func WithExpectedPCRs(pcrs enclave.PCR) Option {
	return func(v *Verifier) { v.expectedPCRs = pcrs }
}

// NewVerifier returns a new Nitro verifier.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		roots: defaultRoot,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (*Verifier) Type() string {
	return enclave.TypeNitro
}

// Verify verifies the given COSE_Sign1-encoded attestation document and
// makes sure that it contains our nonce and the enclave's public key.
func (v *Verifier) Verify(
	doc []byte,
	ourNonce *nonce.Nonce,
) (_ *enclave.Verified, err error) {
	defer errs.Wrap(&err, "failed to verify attestation document")

	res, err := verify(doc, verifyOptions{
		Roots:       v.roots,
		CurrentTime: v.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	// Verify that the attestation document contains the nonce that we asked
	// it to embed, which assures us that the document is fresh.
	if err := enclave.CheckAux(&res.Document.AuxInfo, ourNonce); err != nil {
		return nil, err
	}

	if res.Document.PCRs.FromDebugMode() && !v.allowDebug {
		return nil, ErrDebugMode
	}
	if v.expectedPCRs != nil && !res.Document.PCRs.Contains(v.expectedPCRs) {
		return nil, fmt.Errorf("%w: PCR values differ from expected values", errs.UntrustedEnclave)
	}

	return &enclave.Verified{
		PublicKey:    res.Document.PublicKey,
		PCRs:         res.Document.PCRs,
		Certificates: res.Certificates,
		Document:     res.Document,
	}, nil
}
