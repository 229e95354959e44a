package enclave

import (
	"bytes"
	"testing"

	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/nonce"
	"github.com/Amnesic-Systems/veil-client/internal/util/must"
	"github.com/stretchr/testify/require"
)

func TestCheckAux(t *testing.T) {
	var (
		ourNonce   = must.Get(nonce.New())
		otherNonce = must.Get(nonce.New())
		pubKey     = bytes.Repeat([]byte{1}, PublicKeyLen)
	)

	cases := []struct {
		name    string
		aux     *AuxInfo
		nonce   *nonce.Nonce
		wantErr error
	}{
		{
			name:    "no nonce given",
			aux:     &AuxInfo{Nonce: ourNonce.ToSlice(), PublicKey: pubKey},
			wantErr: errs.NonceMismatch,
		},
		{
			name:    "nonce missing from document",
			aux:     &AuxInfo{PublicKey: pubKey},
			nonce:   ourNonce,
			wantErr: errs.NonceMismatch,
		},
		{
			name:    "nonce mismatch",
			aux:     &AuxInfo{Nonce: otherNonce.ToSlice(), PublicKey: pubKey},
			nonce:   ourNonce,
			wantErr: errs.NonceMismatch,
		},
		{
			name:    "public key missing",
			aux:     &AuxInfo{Nonce: ourNonce.ToSlice()},
			nonce:   ourNonce,
			wantErr: errs.InvalidDocument,
		},
		{
			name:    "public key too long",
			aux:     &AuxInfo{Nonce: ourNonce.ToSlice(), PublicKey: append(pubKey, 0)},
			nonce:   ourNonce,
			wantErr: errs.InvalidDocument,
		},
		{
			name:  "valid",
			aux:   &AuxInfo{Nonce: ourNonce.ToSlice(), PublicKey: pubKey},
			nonce: ourNonce,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := CheckAux(c.aux, c.nonce)
			if c.wantErr != nil {
				require.ErrorIs(t, err, c.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}
