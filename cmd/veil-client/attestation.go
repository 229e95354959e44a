package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/Amnesic-Systems/veil-client/internal/config"
	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/enclave/nitro"
	"github.com/Amnesic-Systems/veil-client/internal/enclave/noop"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/nonce"
	"github.com/Amnesic-Systems/veil-client/internal/session"
)

var (
	errFailedToAttest  = errors.New("failed to attest enclave")
	errFailedToConvert = errors.New("failed to convert measurements to PCR")
)

// recorder remembers the PCR values of the last attestation document that it
// verified.
type recorder struct {
	enclave.Verifier
	sync.Mutex
	pcrs enclave.PCR
}

func (r *recorder) Verify(doc []byte, n *nonce.Nonce) (*enclave.Verified, error) {
	v, err := r.Verifier.Verify(doc, n)
	if err != nil {
		return nil, err
	}
	r.Lock()
	defer r.Unlock()
	r.pcrs = v.PCRs
	return v, nil
}

func (r *recorder) PCRs() enclave.PCR {
	r.Lock()
	defer r.Unlock()
	return r.pcrs
}

func newVerifier(cfg *config.Client) enclave.Verifier {
	if cfg.Testing {
		return noop.NewVerifier()
	}
	return nitro.NewVerifier(nitro.WithAllowDebug(cfg.IsDev()))
}

// attestEnclave negotiates a session with the app enclave, which verifies the
// enclave's attestation document and PCR values along the way.  If the user
// gave us PCR values, we also compare them to the enclave's.
func attestEnclave(
	ctx context.Context,
	out io.Writer,
	negotiator *session.Negotiator,
	r *recorder,
	opts *options,
) (err error) {
	defer errs.WrapErr(&err, errFailedToAttest)

	sess, err := negotiator.GetSession(ctx, false, session.App)
	if err != nil {
		if errs.ClassOf(err) == errs.ClassTrust {
			color.New(color.FgRed).Fprintln(out, "Refusing to talk to untrusted enclave!")
		}
		return err
	}
	fmt.Fprintf(out, "Established session %s.\n", sess.ID)

	if opts.pcrs == nil {
		return nil
	}

	// Verify the attestation document's PCR values, which provide assurance
	// that the remote enclave's image and kernel match the local copy.
	got := r.PCRs()
	if !got.Contains(opts.pcrs) {
		if opts.verbose {
			fmt.Fprintf(out, "Expected PCRs:\n%sbut got PCRs:\n%s", opts.pcrs, got)
		}
		color.New(color.FgRed).Fprintln(out, "Enclave's code DOES NOT match local code!")
	} else {
		color.New(color.FgGreen).Fprintln(out, "Enclave's code matches local code!")
	}
	return nil
}

func toPCR(jsonMsmts []byte) (_ enclave.PCR, err error) {
	defer errs.WrapErr(&err, errFailedToConvert)

	// This structs represents the JSON-encoded measurements of the enclave
	// image.  The JSON tags must match the output of the nitro-cli command
	// line tool. An example:
	//
	//	{
	//	  "Measurements": {
	//	    "HashAlgorithm": "Sha384 { ... }",
	//	    "PCR0": "8b927cf0bbf2d668a8c24c69afd23bff2dda713b4f0d70195205950f9a5a1fbb7089ad937e3025ee8d5a084f3d6c9126",
	//	    "PCR1": "4b4d5b3661b3efc12920900c80e126e4ce783c522de6c02a2a5bf7af3a2b9327b86776f188e4be1c1c404a129dbda493",
	//	    "PCR2": "22d2194eb27a7cda42e66dd5b91ef13e5a153d797c04ae179e59bef1c93438d6ad0365c175c119230e36d0f8d6b6b59e"
	//	  }
	//	}
	m := struct {
		Measurements struct {
			HashAlgorithm string `json:"HashAlgorithm"`
			PCR0          string `json:"PCR0"`
			PCR1          string `json:"PCR1"`
			PCR2          string `json:"PCR2"`
		} `json:"Measurements"`
	}{}
	if err := json.Unmarshal(jsonMsmts, &m); err != nil {
		return nil, err
	}

	const want = "sha384"
	got := strings.ToLower(m.Measurements.HashAlgorithm)
	if !strings.HasPrefix(got, want) {
		return nil, fmt.Errorf("expected hash algorithm %q but got %q", want, got)
	}

	pcrs := make(enclave.PCR)
	for i, s := range []string{m.Measurements.PCR0, m.Measurements.PCR1, m.Measurements.PCR2} {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("PCR%d: %w", i, err)
		}
		pcrs[uint(i)] = b
	}
	return pcrs, nil
}
