package aead

import (
	"bytes"
	"encoding/base64"
	"io"
	"testing"

	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/testutil"
	"github.com/Amnesic-Systems/veil-client/internal/util/must"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) Key {
	t.Helper()
	var k Key
	_, err := cryptoRead.Read(k[:])
	require.NoError(t, err)
	return k
}

func TestRoundTrip(t *testing.T) {
	key := newKey(t)

	cases := []struct {
		name      string
		plaintext []byte
	}{
		{
			name:      "empty",
			plaintext: []byte{},
		},
		{
			name:      "short",
			plaintext: []byte("hello enclave"),
		},
		{
			name:      "JSON",
			plaintext: []byte(`{"key":"value","n":1}`),
		},
		{
			name:      "large",
			plaintext: bytes.Repeat([]byte{0xab}, 1<<16),
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			envelope, err := Seal(key, c.plaintext)
			require.NoError(t, err)

			got, err := Open(key, envelope)
			require.NoError(t, err)
			require.True(t, bytes.Equal(c.plaintext, got))
		})
	}
}

func TestNonceUniqueness(t *testing.T) {
	const n = 10_000
	key := newKey(t)
	seen := make(map[[NonceLen]byte]struct{}, n)

	for range n {
		envelope := must.Get(Seal(key, []byte("same plaintext")))
		raw := must.Get(base64.StdEncoding.DecodeString(envelope))
		seen[[NonceLen]byte(raw[:NonceLen])] = struct{}{}
	}
	require.Len(t, seen, n)
}

func TestTamperDetection(t *testing.T) {
	key := newKey(t)
	envelope := must.Get(Seal(key, []byte("do not touch")))
	raw := must.Get(base64.StdEncoding.DecodeString(envelope))

	// Flip each byte of the nonce, ciphertext, and tag in turn.
	for i := range raw {
		tampered := bytes.Clone(raw)
		tampered[i] ^= 0x01
		got, err := Open(key, base64.StdEncoding.EncodeToString(tampered))
		require.ErrorIs(t, err, errs.DecryptionError, "byte %d", i)
		require.Nil(t, got)
	}
}

func TestOpenFailures(t *testing.T) {
	key := newKey(t)
	otherKey := newKey(t)
	envelope := must.Get(Seal(key, []byte("secret")))

	cases := []struct {
		name     string
		key      Key
		envelope string
		wantErr  error
	}{
		{
			name:     "wrong key",
			key:      otherKey,
			envelope: envelope,
			wantErr:  errs.DecryptionError,
		},
		{
			name:     "invalid base64",
			key:      key,
			envelope: "!!not base64!!",
			wantErr:  errs.InvalidFormat,
		},
		{
			name:     "too short",
			key:      key,
			envelope: base64.StdEncoding.EncodeToString([]byte("short")),
			wantErr:  errs.InvalidLength,
		},
		{
			name:     "nonce only",
			key:      key,
			envelope: base64.StdEncoding.EncodeToString(make([]byte, NonceLen)),
			wantErr:  errs.DecryptionError,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Open(c.key, c.envelope)
			require.ErrorIs(t, err, c.wantErr)
			require.ErrorIs(t, err, errs.DecryptionError)
		})
	}
}

func TestSealRandomnessFailure(t *testing.T) {
	origReader := cryptoRead
	defer func() { cryptoRead = origReader }()

	cases := []struct {
		name   string
		reader io.Reader
	}{
		{
			name:   "read error",
			reader: testutil.NewMockReader(testutil.WithFailOnRead()),
		},
		{
			name:   "short read",
			reader: testutil.NewMockReader(testutil.WithShortRead(4)),
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cryptoRead = c.reader
			_, err := Seal(Key{}, []byte("foo"))
			require.ErrorIs(t, err, errNotEnoughRead)
		})
	}
}

func TestJSON(t *testing.T) {
	type msg struct {
		Text string `json:"text"`
	}
	key := newKey(t)

	envelope, err := SealJSON(key, msg{Text: "hi"})
	require.NoError(t, err)

	var got msg
	require.NoError(t, OpenJSON(key, envelope, &got))
	require.Equal(t, "hi", got.Text)

	notJSON := must.Get(Seal(key, []byte("not json")))
	require.ErrorIs(t, OpenJSON(key, notJSON, &got), errs.MalformedResponse)
}

func TestKeyFromSlice(t *testing.T) {
	_, err := KeyFromSlice(make([]byte, KeyLen-1))
	require.ErrorIs(t, err, errs.InvalidLength)

	k, err := KeyFromSlice(bytes.Repeat([]byte{1}, KeyLen))
	require.NoError(t, err)
	require.Equal(t, byte(1), k[KeyLen-1])
}
