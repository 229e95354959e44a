package policy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/util/must"
	"github.com/stretchr/testify/require"
)

const (
	unknownPCR0 = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f202122232425262728292a2b2c2d2e2f"
	pcr1        = "1111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111ff"
	pcr2        = "2222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222222ff"
)

// historyServer serves the given entries and counts requests.
func historyServer(t *testing.T, entries []Entry) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	}))
	t.Cleanup(srv.Close)
	return srv, &count
}

func newKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func signedEntry(t *testing.T, priv ed25519.PrivateKey, pcr0 string) Entry {
	t.Helper()
	e := Entry{
		HashAlgorithm: "Sha384 { ... }",
		PCR0:          pcr0,
		PCR1:          pcr1,
		PCR2:          pcr2,
		Timestamp:     1700000000,
	}
	require.NoError(t, e.Sign(priv))
	return e
}

func TestAllowLists(t *testing.T) {
	callerProd := strings.Repeat("ab", 48)
	callerDev := strings.Repeat("cd", 48)
	v := New(Config{
		ProdPCR0s: []string{callerProd},
		DevPCR0s:  []string{callerDev},
	}, WithCache(NewHistoryCache(time.Minute)))

	cases := []struct {
		name        string
		pcr0        string
		wantTrusted bool
		wantReason  string
		wantSource  Source
	}{
		{
			name:        "built-in prod",
			pcr0:        DefaultProdPCR0s[0],
			wantTrusted: true,
			wantReason:  "known good",
			wantSource:  SourceProd,
		},
		{
			name:        "caller prod in upper case",
			pcr0:        strings.ToUpper(callerProd),
			wantTrusted: true,
			wantReason:  "known good",
			wantSource:  SourceProd,
		},
		{
			name:        "built-in dev",
			pcr0:        DefaultDevPCR0s[0],
			wantTrusted: true,
			wantReason:  "development",
			wantSource:  SourceDev,
		},
		{
			name:        "caller dev",
			pcr0:        callerDev,
			wantTrusted: true,
			wantReason:  "development",
			wantSource:  SourceDev,
		},
		{
			name:       "unknown without history",
			pcr0:       unknownPCR0,
			wantReason: ReasonUnknown,
		},
		{
			name:       "empty",
			wantReason: ReasonUnknown,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := v.Validate(context.Background(), Measurement{PCR0: c.pcr0})
			require.Equal(t, c.wantTrusted, res.Trusted)
			require.Contains(t, res.Reason, c.wantReason)
			require.Equal(t, c.wantSource, res.Source)
		})
	}
}

func TestHistory(t *testing.T) {
	pub, priv := newKeyPair(t)
	_, otherPriv := newKeyPair(t)

	forged := signedEntry(t, otherPriv, unknownPCR0)
	genuine := signedEntry(t, priv, unknownPCR0)
	tampered := signedEntry(t, priv, unknownPCR0)
	tampered.Timestamp++

	cases := []struct {
		name        string
		entries     []Entry
		measurement Measurement
		wantTrusted bool
		wantReason  string
	}{
		{
			name:        "valid signature",
			entries:     []Entry{genuine},
			measurement: Measurement{PCR0: unknownPCR0, PCR1: pcr1, PCR2: pcr2},
			wantTrusted: true,
			wantReason:  ReasonHistory,
		},
		{
			name:        "forged signature",
			entries:     []Entry{forged},
			measurement: Measurement{PCR0: unknownPCR0, PCR1: pcr1, PCR2: pcr2},
			wantReason:  ReasonUnknown,
		},
		{
			name:        "tampered entry",
			entries:     []Entry{tampered},
			measurement: Measurement{PCR0: unknownPCR0, PCR1: pcr1, PCR2: pcr2},
			wantReason:  ReasonUnknown,
		},
		{
			name:        "bad entry followed by good one",
			entries:     []Entry{forged, tampered, genuine},
			measurement: Measurement{PCR0: unknownPCR0, PCR1: pcr1, PCR2: pcr2},
			wantTrusted: true,
			wantReason:  ReasonHistory,
		},
		{
			name:        "PCR1 differs",
			entries:     []Entry{genuine},
			measurement: Measurement{PCR0: unknownPCR0, PCR1: pcr2, PCR2: pcr2},
			wantReason:  ReasonUnknown,
		},
		{
			name:        "empty history",
			entries:     []Entry{},
			measurement: Measurement{PCR0: unknownPCR0, PCR1: pcr1, PCR2: pcr2},
			wantReason:  ReasonUnknown,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv, _ := historyServer(t, c.entries)
			v := New(Config{
				HistoryURL: srv.URL,
				HistoryKey: pub,
			}, WithCache(NewHistoryCache(time.Minute)))

			res := v.Validate(context.Background(), c.measurement)
			require.Equal(t, c.wantTrusted, res.Trusted)
			require.Equal(t, c.wantReason, res.Reason)
		})
	}
}

func TestHistoryFailureIsNotTrust(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "oops", http.StatusInternalServerError)
			},
		},
		{
			name: "not JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("foobar"))
			},
		},
	}

	pub, _ := newKeyPair(t)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(c.handler)
			defer srv.Close()

			v := New(Config{HistoryURL: srv.URL, HistoryKey: pub},
				WithCache(NewHistoryCache(time.Minute)))
			res := v.Validate(context.Background(), Measurement{PCR0: unknownPCR0})
			require.False(t, res.Trusted)
			require.True(t, strings.HasPrefix(res.Reason, ReasonCouldNotCheck))
		})
	}

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()

		v := New(Config{HistoryURL: srv.URL, HistoryKey: pub},
			WithCache(NewHistoryCache(time.Minute)))
		res := v.Validate(context.Background(), Measurement{PCR0: unknownPCR0})
		require.False(t, res.Trusted)
		require.True(t, strings.HasPrefix(res.Reason, ReasonCouldNotCheck))
	})
}

func TestHistoryCacheTTL(t *testing.T) {
	pub, priv := newKeyPair(t)
	srv, count := historyServer(t, []Entry{signedEntry(t, priv, unknownPCR0)})

	const ttl = 100 * time.Millisecond
	v := New(Config{HistoryURL: srv.URL, HistoryKey: pub},
		WithCache(NewHistoryCache(ttl)))
	m := Measurement{PCR0: unknownPCR0, PCR1: pcr1, PCR2: pcr2}

	require.True(t, v.Validate(context.Background(), m).Trusted)
	require.True(t, v.Validate(context.Background(), m).Trusted)
	require.Equal(t, int32(1), count.Load())

	time.Sleep(2 * ttl)
	require.True(t, v.Validate(context.Background(), m).Trusted)
	require.Equal(t, int32(2), count.Load())
}

func TestHistoryCacheFlush(t *testing.T) {
	pub, priv := newKeyPair(t)
	srv, count := historyServer(t, []Entry{signedEntry(t, priv, unknownPCR0)})

	cache := NewHistoryCache(time.Minute)
	v := New(Config{HistoryURL: srv.URL, HistoryKey: pub}, WithCache(cache))
	m := Measurement{PCR0: unknownPCR0, PCR1: pcr1, PCR2: pcr2}

	v.Validate(context.Background(), m)
	cache.Flush()
	v.Validate(context.Background(), m)
	require.Equal(t, int32(2), count.Load())
}

func TestCachedEntriesAreReverified(t *testing.T) {
	pub, priv := newKeyPair(t)
	otherPub, _ := newKeyPair(t)
	srv, count := historyServer(t, []Entry{signedEntry(t, priv, unknownPCR0)})

	cache := NewHistoryCache(time.Minute)
	m := Measurement{PCR0: unknownPCR0, PCR1: pcr1, PCR2: pcr2}

	require.True(t, New(Config{HistoryURL: srv.URL, HistoryKey: pub}, WithCache(cache)).
		Validate(context.Background(), m).Trusted)
	// Same URL and cache, but a different pinned key.
	require.False(t, New(Config{HistoryURL: srv.URL, HistoryKey: otherPub}, WithCache(cache)).
		Validate(context.Background(), m).Trusted)
	require.Equal(t, int32(1), count.Load())
}

func TestSignedMessageIsSorted(t *testing.T) {
	e := Entry{HashAlgorithm: "Sha384", PCR0: "a", PCR1: "b", PCR2: "c", Timestamp: 42}
	msg := must.Get(e.SignedMessage())
	require.Equal(t,
		`{"HashAlgorithm":"Sha384","PCR0":"a","PCR1":"b","PCR2":"c","timestamp":42}`,
		string(msg),
	)
}

func TestStrict(t *testing.T) {
	require.NoError(t, Strict(Result{Trusted: true, Reason: ReasonProd}))

	err := Strict(Result{Reason: ReasonUnknown})
	require.ErrorIs(t, err, errs.UntrustedEnclave)
	require.Contains(t, err.Error(), ReasonUnknown)
}

func TestConfigValidate(t *testing.T) {
	pub, _ := newKeyPair(t)

	cases := []struct {
		name     string
		cfg      Config
		wantKeys []string
	}{
		{
			name: "empty",
		},
		{
			name: "valid",
			cfg: Config{
				ProdPCR0s:  []string{strings.Repeat("ab", 48)},
				HistoryURL: "https://example.com/history.json",
				HistoryKey: pub,
			},
		},
		{
			name:     "not hex",
			cfg:      Config{DevPCR0s: []string{"foobar"}},
			wantKeys: []string{"pcr0"},
		},
		{
			name:     "history without key",
			cfg:      Config{HistoryURL: "https://example.com/history.json"},
			wantKeys: []string{"history_key"},
		},
		{
			name:     "bad URL",
			cfg:      Config{HistoryURL: "not a url", HistoryKey: pub},
			wantKeys: []string{"history_url"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			problems := c.cfg.Validate()
			require.Len(t, problems, len(c.wantKeys))
			for _, k := range c.wantKeys {
				require.Contains(t, problems, k)
			}
		})
	}
}
