// Package httpx implements utility functions related to HTTP.
package httpx

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/httperr"
	"github.com/mdlayher/vsock"
)

const (
	certOrg        = "Amnesic Systems"
	certValidity   = time.Hour * 24 * 365 // One year.
	defaultTimeout = 30 * time.Second
	// The parent EC2 instance always has CID 3 from the enclave's point of
	// view.
	hostCID = 3
	// MaxBodySize bounds the size of response bodies that we buffer.
	MaxBodySize = 16 << 20
)

var errDeadlineExceeded = errors.New("deadline exceeded")

// ClientOptions configures NewClient.
type ClientOptions struct {
	// Timeout bounds the wait for response headers.  It doesn't cover
	// reading the body, so event streams can stay open for as long as the
	// request's context allows.  Zero means 30 seconds; a negative value
	// disables the timeout.
	Timeout time.Duration
	// VSOCKPort, if non-zero, makes the client dial through the given VSOCK
	// port of the parent instance instead of TCP.  This is how code running
	// inside an enclave reaches other enclaves.
	VSOCKPort uint32
	// SkipTLSVerify disables HTTPS certificate validation.
	SkipTLSVerify bool
}

// NewClient returns an HTTP client for talking to enclaves.
func NewClient(opts ClientOptions) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if opts.VSOCKPort != 0 {
		port := opts.VSOCKPort
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := vsock.Dial(hostCID, port, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to dial vsock: %w", err)
			}
			// The proxy on the parent instance expects the target address
			// on the first line.
			if _, err = conn.Write([]byte(addr + "\n")); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to write to vsock: %w", err)
			}
			return conn, nil
		}
	}

	switch {
	case opts.Timeout == 0:
		transport.ResponseHeaderTimeout = defaultTimeout
	case opts.Timeout > 0:
		transport.ResponseHeaderTimeout = opts.Timeout
	}
	return &http.Client{Transport: transport}
}

// NewUnauthClient returns an HTTP client that skips HTTPS certificate
// validation.  In the context of veil, this is fine because all we need is a
// confidential channel; not an authenticated channel.  Authentication is
// handled by the next layer, using attestation documents.
func NewUnauthClient() *http.Client {
	return NewClient(ClientOptions{SkipTLSVerify: true})
}

// DoJSON sends the JSON encoding of in (unless in is nil) and decodes the
// response body into out (unless out is nil).  Transport failures match
// errs.NetworkError, non-2xx responses are returned as *errs.APIError, and
// undecodable bodies match errs.MalformedResponse.
func DoJSON(
	ctx context.Context,
	client *http.Client,
	method, url string,
	in, out any,
) (err error) {
	defer errs.Wrap(&err, "failed to %s %s", method, url)

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errs.NetworkError, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return fmt.Errorf("%w: %w", errs.NetworkError, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &errs.APIError{
			Status: resp.StatusCode,
			Msg:    httperr.FromBytes(respBody),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %w", errs.MalformedResponse, err)
	}
	return nil
}

// WaitForSvc waits for the service (specified by the URL) to become available
// by making repeated HTTP GET requests using the given HTTP client.  This
// function blocks until 1) the service responds with an HTTP response or 2) the
// given context expires.
func WaitForSvc(
	ctx context.Context,
	client *http.Client,
	url string,
) (err error) {
	defer errs.Wrap(&err, "failed to wait for service")

	if _, ok := ctx.Deadline(); !ok {
		return errors.New("context has no deadline")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	for {
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return errDeadlineExceeded
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// GetCertHash returns the SHA-256 fingerprint of the given certificate.
// Notably, the fingerprint is the same as the one displayed by browsers when
// clicking on the "Details" button of a site's certificate.
func GetCertHash(rawCert []byte) (hash [sha256.Size]byte, err error) {
	defer errs.Wrap(&err, "failed to get fingerprint")

	// Decode the PEM certificate. We expect a single PEM block of type
	// "CERTIFICATE".
	block, rest := pem.Decode(rawCert)
	if block == nil {
		return hash, errors.New("no PEM data found")
	}
	if len(rest) > 0 {
		return hash, errors.New("unexpected extra PEM data")
	}
	if block.Type != "CERTIFICATE" {
		return hash, fmt.Errorf("expected type CERTIFICATE but got %s", block.Type)
	}

	// Parse the certificate and hash its raw bytes.
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return hash, err
	}
	return sha256.Sum256(cert.Raw), nil
}

// CreateCertificate creates a self-signed certificate and returns the
// PEM-encoded certificate and key.  Some of the code below was taken from:
// https://eli.thegreenplace.net/2021/go-https-servers-with-tls/
func CreateCertificate(fqdn string) (cert []byte, key []byte, err error) {
	defer errs.Wrap(&err, "failed to create certificate")

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{certOrg},
		},
		DNSNames:              []string{fqdn},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		rand.Reader,
		&template,
		&template,
		&privateKey.PublicKey,
		privateKey,
	)
	if err != nil {
		return nil, nil, err
	}

	pemCert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	if pemCert == nil {
		return nil, nil, errors.New("error encoding cert as PEM")
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	if pemKey == nil {
		return nil, nil, errors.New("error encoding key as PEM")
	}

	return pemCert, pemKey, nil
}
