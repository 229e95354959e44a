// Package nitrotest creates attestation documents that look like they were
// signed by the AWS Nitro hypervisor.  The documents chain up to a root
// certificate that the package creates at runtime, so verifiers must pin
// Authority.Roots() instead of the AWS Nitro root.
package nitrotest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/fxamacker/cbor/v2"
)

const algES384 = -35

// Authority is a three-level certificate hierarchy that mirrors the one AWS
// uses for Nitro Enclaves: a root, an intermediate in the CA bundle, and the
// enclave's signing certificate.
type Authority struct {
	leafKey  *ecdsa.PrivateKey
	root     *x509.Certificate
	rootDER  []byte
	interDER []byte
	leafDER  []byte
}

type config struct {
	notBefore, notAfter time.Time
}

// Option configures an Authority.
type Option func(*config)

// WithValidity sets the validity window of all certificates.
func WithValidity(notBefore, notAfter time.Time) Option {
	return func(c *config) {
		c.notBefore = notBefore
		c.notAfter = notAfter
	}
}

// DocOptions determines the content of an attestation document.
type DocOptions struct {
	Nonce     []byte
	PublicKey []byte
	UserData  []byte
	// PCRs defaults to DefaultPCRs().
	PCRs enclave.PCR
	// Alg is the COSE algorithm in the protected header and defaults to
	// ES384.
	Alg any
	// Mutate, if set, is applied to the document before it is signed.
	Mutate func(*enclave.Document)
	// CorruptSignature flips a bit in the signature after signing.
	CorruptSignature bool
}

type header struct {
	Alg any `cbor:"1,keyasint,omitempty"`
}

type sign1 struct {
	_ struct{} `cbor:",toarray"`

	Protected   []byte
	Unprotected map[int]any
	Payload     []byte
	Signature   []byte
}

type sigStructure struct {
	_ struct{} `cbor:",toarray"`

	Context     string
	Protected   []byte
	ExternalAAD []byte
	Payload     []byte
}

// NewAuthority creates a new certificate hierarchy.  By default, the
// certificates are valid from one hour ago until one day from now.
func NewAuthority(opts ...Option) (_ *Authority, err error) {
	defer errs.Wrap(&err, "failed to create test authority")

	now := time.Now()
	cfg := &config{
		notBefore: now.Add(-time.Hour),
		notAfter:  now.Add(24 * time.Hour),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, err
	}
	interKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, err
	}
	leafKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, err
	}

	rootTmpl := template(1, "aws.nitro-enclaves.test", cfg, true)
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, err
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	interTmpl := template(2, "us-east-1.aws.nitro-enclaves.test", cfg, true)
	interDER, err := x509.CreateCertificate(rand.Reader, interTmpl, root, &interKey.PublicKey, rootKey)
	if err != nil {
		return nil, err
	}
	inter, err := x509.ParseCertificate(interDER)
	if err != nil {
		return nil, err
	}

	leafTmpl := template(3, "i-0123456789abcdef0-enc0123456789abcdef.test", cfg, false)
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, inter, &leafKey.PublicKey, interKey)
	if err != nil {
		return nil, err
	}

	return &Authority{
		leafKey:  leafKey,
		root:     root,
		rootDER:  rootDER,
		interDER: interDER,
		leafDER:  leafDER,
	}, nil
}

func template(serial int64, cn string, cfg *config, isCA bool) *x509.Certificate {
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Amazon"}},
		NotBefore:             cfg.notBefore,
		NotAfter:              cfg.notAfter,
		SignatureAlgorithm:    x509.ECDSAWithSHA384,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
	return tmpl
}

// Roots returns a pool that contains the authority's root certificate.
func (a *Authority) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.root)
	return pool
}

// DefaultPCRs returns deterministic, non-debug PCR values.
func DefaultPCRs() enclave.PCR {
	pcr := func(s string) []byte {
		h := sha512.Sum384([]byte(s))
		return h[:]
	}
	return enclave.PCR{
		0: pcr("image"),
		1: pcr("kernel"),
		2: pcr("application"),
		3: make([]byte, sha512.Size384),
		4: pcr("instance"),
		8: make([]byte, sha512.Size384),
	}
}

// Document returns a COSE_Sign1-encoded attestation document that is signed
// by the authority's enclave certificate.
func (a *Authority) Document(opts DocOptions) (_ []byte, err error) {
	defer errs.Wrap(&err, "failed to create attestation document")

	pcrs := opts.PCRs
	if pcrs == nil {
		pcrs = DefaultPCRs()
	}
	var alg any = int64(algES384)
	if opts.Alg != nil {
		alg = opts.Alg
	}

	doc := &enclave.Document{
		ModuleID:    "i-0123456789abcdef0-enc0123456789abcdef",
		Timestamp:   uint64(time.Now().UnixMilli()),
		Digest:      "SHA384",
		PCRs:        pcrs,
		Certificate: a.leafDER,
		CABundle:    [][]byte{a.rootDER, a.interDER},
		AuxInfo: enclave.AuxInfo{
			PublicKey: opts.PublicKey,
			UserData:  opts.UserData,
			Nonce:     opts.Nonce,
		},
	}
	if opts.Mutate != nil {
		opts.Mutate(doc)
	}

	payload, err := cbor.Marshal(doc)
	if err != nil {
		return nil, err
	}
	protected, err := cbor.Marshal(&header{Alg: alg})
	if err != nil {
		return nil, err
	}
	toSign, err := cbor.Marshal(&sigStructure{
		Context:     "Signature1",
		Protected:   protected,
		ExternalAAD: []byte{},
		Payload:     payload,
	})
	if err != nil {
		return nil, err
	}

	h := sha512.Sum384(toSign)
	r, s, err := ecdsa.Sign(rand.Reader, a.leafKey, h[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 2*sha512.Size384)
	r.FillBytes(sig[:sha512.Size384])
	s.FillBytes(sig[sha512.Size384:])
	if opts.CorruptSignature {
		sig[len(sig)-1] ^= 0x01
	}

	raw, err := cbor.Marshal(&sign1{
		Protected:   protected,
		Unprotected: map[int]any{},
		Payload:     payload,
		Signature:   sig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode COSE_Sign1: %w", err)
	}
	return raw, nil
}
