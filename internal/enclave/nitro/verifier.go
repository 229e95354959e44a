package nitro

// This file was taken from Stojan Dimitrovski's excellent nitrite package:
// https://github.com/hf/nitrite
// Veil contains a copy because we had to make some adjustments to the sanity
// checks to be compliant with the Nitro Enclave specification:
// https://docs.aws.amazon.com/pdfs/enclaves/latest/user/enclaves-user.pdf
//
// The file was originally licensed as follows:
// -----------------------------------------------------------------------------
// Copyright 2020 Stojan Dimitrovski
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/fxamacker/cbor/v2"
)

const (
	// https://datatracker.ietf.org/doc/html/rfc8152#section-8.1
	algES384     = -35
	algES384Name = "ES384"
	maxPCRs      = 32
	maxCertLen   = 1024
)

// result is a successful verification result of an attestation payload.
type result struct {
	// Document contains the attestation document.
	Document *enclave.Document

	// Certificates contains all of the certificates except the root.
	Certificates []*x509.Certificate
}

// verifyOptions specifies the options for verifying the attestation payload.
// If Roots is nil, the pinned AWS Nitro root is used.  If CurrentTime is
// zero, time.Now() is used.
type verifyOptions struct {
	Roots       *x509.CertPool
	CurrentTime time.Time
}

type coseHeader struct {
	Alg interface{} `cbor:"1,keyasint,omitempty" json:"alg,omitempty"`
}

func (h *coseHeader) isES384() bool {
	switch alg := h.Alg.(type) {
	case int64:
		return alg == algES384
	case string:
		return alg == algES384Name
	}
	return false
}

type cosePayload struct {
	_ struct{} `cbor:",toarray"`

	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

type coseSignature struct {
	_ struct{} `cbor:",toarray"`

	Context     string
	Protected   []byte
	ExternalAAD []byte
	Payload     []byte
}

var defaultRoot *x509.CertPool = createAWSNitroRoot()

func createAWSNitroRoot() *x509.CertPool {
	// defaultCARoots contains the PEM encoded roots for verifying Nitro
	// Enclave attestation signatures. You can download them from
	// https://aws-nitro-enclaves.amazonaws.com/AWS_NitroEnclaves_Root-G1.zip
	// It's recommended you calculate the SHA256 sum of this string and match
	// it to the one supplied in the AWS documentation
	// https://docs.aws.amazon.com/enclaves/latest/user/verify-root.html
	const defaultCARoots = `-----BEGIN CERTIFICATE-----
MIICETCCAZagAwIBAgIRAPkxdWgbkK/hHUbMtOTn+FYwCgYIKoZIzj0EAwMwSTEL
MAkGA1UEBhMCVVMxDzANBgNVBAoMBkFtYXpvbjEMMAoGA1UECwwDQVdTMRswGQYD
VQQDDBJhd3Mubml0cm8tZW5jbGF2ZXMwHhcNMTkxMDI4MTMyODA1WhcNNDkxMDI4
MTQyODA1WjBJMQswCQYDVQQGEwJVUzEPMA0GA1UECgwGQW1hem9uMQwwCgYDVQQL
DANBV1MxGzAZBgNVBAMMEmF3cy5uaXRyby1lbmNsYXZlczB2MBAGByqGSM49AgEG
BSuBBAAiA2IABPwCVOumCMHzaHDimtqQvkY4MpJzbolL//Zy2YlES1BR5TSksfbb
48C8WBoyt7F2Bw7eEtaaP+ohG2bnUs990d0JX28TcPQXCEPZ3BABIeTPYwEoCWZE
h8l5YoQwTcU/9KNCMEAwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUkCW1DdkF
R+eWw5b6cp3PmanfS5YwDgYDVR0PAQH/BAQDAgGGMAoGCCqGSM49BAMDA2kAMGYC
MQCjfy+Rocm9Xue4YnwWmNJVA44fA0P5W2OpYow9OYCVRaEevL8uO1XYru5xtMPW
rfMCMQCi85sWBbJwKKXdS6BptQFuZbT73o/gBh1qUxl/nNr12UO8Yfwr6wPLb+6N
IwLz3/Y=
-----END CERTIFICATE-----`
	pool := x509.NewCertPool()

	ok := pool.AppendCertsFromPEM([]byte(defaultCARoots))
	if !ok {
		return nil
	}
	return pool
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.InvalidDocument, fmt.Sprintf(format, args...))
}

// SigStructure returns the COSE Sig_structure over which the enclave's
// signing certificate computes its signature.
func SigStructure(protected, payload []byte) ([]byte, error) {
	return cbor.Marshal(&coseSignature{
		Context:     "Signature1",
		Protected:   protected,
		ExternalAAD: []byte{},
		Payload:     payload,
	})
}

// verify verifies the attestation payload from data with the provided
// verification options.  Structural problems match errs.InvalidDocument,
// certificate path failures match errs.UntrustedChain, and a bad signature
// matches errs.SignatureMismatch.  Revocation checks are NOT performed.
func verify(data []byte, options verifyOptions) (_ *result, err error) {
	cose := cosePayload{}
	if err = cbor.Unmarshal(data, &cose); err != nil {
		return nil, invalid("data is not a COSESign1 array")
	}

	if len(cose.Protected) == 0 {
		return nil, invalid("COSESign1 protected section is nil or empty")
	}
	if len(cose.Payload) == 0 {
		return nil, invalid("COSESign1 payload section is nil or empty")
	}
	if len(cose.Signature) == 0 {
		return nil, invalid("COSESign1 signature section is nil or empty")
	}

	header := coseHeader{}
	if err = cbor.Unmarshal(cose.Protected, &header); err != nil {
		return nil, invalid("COSESign1 protected section is not a COSESign1 header")
	}
	if !header.isES384() {
		return nil, invalid("COSESign1 algorithm not ECDSA384")
	}

	// Decode the attestation document.
	doc := enclave.Document{}
	if err = cbor.Unmarshal(cose.Payload, &doc); err != nil {
		return nil, invalid("payload is not an attestation document: %v", err)
	}
	if err := sanityCheck(&doc); err != nil {
		return nil, err
	}

	// Parse the certificates that was used to sign the attestation document.
	certificates := make([]*x509.Certificate, 0, len(doc.CABundle)+1)
	cert, err := x509.ParseCertificate(doc.Certificate)
	if err != nil {
		return nil, invalid("failed to parse certificate: %v", err)
	}

	// Perform sanity checks on public key and signature algorithm.
	if cert.PublicKeyAlgorithm != x509.ECDSA {
		return nil, invalid("certificate public key algorithm is not ECDSA")
	}
	if cert.SignatureAlgorithm != x509.ECDSAWithSHA384 {
		return nil, invalid("certificate signature algorithm is not ECDSAWithSHA384")
	}
	pubKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || pubKey.Curve != elliptic.P384() {
		return nil, invalid("certificate public key is not on curve P-384")
	}

	// Construct the issuing CA bundle.
	certificates = append(certificates, cert)
	intermediates := x509.NewCertPool()
	for _, item := range doc.CABundle {
		cert, err := x509.ParseCertificate(item)
		if err != nil {
			return nil, invalid("failed to parse CA bundle: %v", err)
		}
		intermediates.AddCert(cert)
		certificates = append(certificates, cert)
	}

	// Set the hard-coded root certificate.
	roots := options.Roots
	if roots == nil {
		roots = defaultRoot
	}

	// Verify the hypervisor's issuing certificate.
	currentTime := options.CurrentTime
	if currentTime.IsZero() {
		currentTime = time.Now()
	}
	if _, err = cert.Verify(x509.VerifyOptions{
		Intermediates: intermediates,
		Roots:         roots,
		CurrentTime:   currentTime,
		KeyUsages: []x509.ExtKeyUsage{
			x509.ExtKeyUsageAny,
		},
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.UntrustedChain, err)
	}

	sigStruct, err := SigStructure(cose.Protected, cose.Payload)
	if err != nil {
		return nil, err
	}
	if !isValidSignature(pubKey, sigStruct, cose.Signature) {
		return nil, errs.SignatureMismatch
	}

	return &result{
		Document:     &doc,
		Certificates: certificates,
	}, nil
}

// sanityCheck enforces the field requirements of the attestation document
// that the AWS Nitro Enclaves user guide specifies.
func sanityCheck(doc *enclave.Document) error {
	if doc.ModuleID == "" ||
		doc.Digest == "" ||
		doc.Timestamp == 0 ||
		doc.PCRs == nil ||
		doc.Certificate == nil ||
		doc.CABundle == nil {
		return invalid("mandatory fields missing")
	}
	if doc.Digest != "SHA384" {
		return invalid("payload 'digest' is not SHA384")
	}
	if len(doc.PCRs) < 1 || len(doc.PCRs) > maxPCRs {
		return invalid("payload 'pcrs' is less than 1 or more than %d", maxPCRs)
	}
	for key, value := range doc.PCRs {
		if key >= maxPCRs {
			return invalid("payload 'pcrs' key index exceeds %d", maxPCRs-1)
		}
		if value == nil || !slices.Contains([]int{32, 48, 64}, len(value)) {
			return invalid("payload 'pcrs' not of length {32,48,64}")
		}
	}
	if len(doc.CABundle) < 1 {
		return invalid("payload 'cabundle' has 0 elements")
	}
	for _, item := range doc.CABundle {
		if len(item) < 1 || len(item) > maxCertLen {
			return invalid("payload 'cabundle' has an item of length not in [1, %d]", maxCertLen)
		}
	}

	// Check that the length of the auxiliary fields doesn't exceed the maximum
	// according to the specification.
	if len(doc.PublicKey) > enclave.AuxFieldLen {
		return invalid("payload 'public_key' exceeds maximum length")
	}
	if len(doc.UserData) > enclave.AuxFieldLen {
		return invalid("payload 'user_data' exceeds maximum length")
	}
	if len(doc.Nonce) > enclave.AuxFieldLen {
		return invalid("payload 'nonce' exceeds maximum length")
	}
	return nil
}

// isValidSignature verifies the raw r||s ECDSA signature over the SHA-384
// hash of the given Sig_structure.
func isValidSignature(publicKey *ecdsa.PublicKey, sigStruct, signature []byte) bool {
	h := sha512.Sum384(sigStruct)
	if len(signature) != 2*len(h) {
		return false
	}

	r := new(big.Int).SetBytes(signature[:len(h)])
	s := new(big.Int).SetBytes(signature[len(h):])
	return ecdsa.Verify(publicKey, h[:], r, s)
}
