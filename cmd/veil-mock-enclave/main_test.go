package main

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/httpx"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func TestParseFlags(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		want    *config
		wantErr bool
	}{
		{
			name: "defaults",
			want: &config{addr: defaultAddr, fqdn: "localhost", logLevel: "info"},
		},
		{
			name: "all flags",
			args: []string{
				"-addr", "0.0.0.0:9000",
				"-metrics-addr", "127.0.0.1:9090",
				"-fqdn", "example.com",
				"-tls",
				"-debug",
				"-log-level", "debug",
				"-access-token", "secret",
			},
			want: &config{
				addr:        "0.0.0.0:9000",
				metricsAddr: "127.0.0.1:9090",
				fqdn:        "example.com",
				tls:         true,
				debug:       true,
				logLevel:    "debug",
				accessToken: "secret",
			},
		},
		{
			name:    "empty addr",
			args:    []string{"-addr", ""},
			wantErr: true,
		},
		{
			name:    "unknown flag",
			args:    []string{"-foo"},
			wantErr: true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg, err := parseFlags(io.Discard, c.args)
			if c.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.want, cfg)
		})
	}
}

func TestTLSConfig(t *testing.T) {
	cfg, fingerprint, err := tlsConfig("localhost")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	require.Len(t, fingerprint, 64)
}

func TestRun(t *testing.T) {
	cases := []struct {
		name   string
		tls    bool
		scheme string
	}{
		{
			name:   "HTTP",
			scheme: "http",
		},
		{
			name:   "HTTPS",
			tls:    true,
			scheme: "https",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			addr, metricsAddr := freeAddr(t), freeAddr(t)
			args := []string{"-addr", addr, "-metrics-addr", metricsAddr, "-log-level", "error"}
			if c.tls {
				args = append(args, "-tls")
			}

			ctx, cancel := context.WithCancel(context.Background())
			errCh := make(chan error, 1)
			go func() { errCh <- run(ctx, io.Discard, args) }()

			client := httpx.NewClient(httpx.ClientOptions{SkipTLSVerify: true})
			waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer waitCancel()
			require.NoError(t, httpx.WaitForSvc(waitCtx, client,
				c.scheme+"://"+addr+enclave.PathHealthCheck))
			require.NoError(t, httpx.WaitForSvc(waitCtx, client,
				"http://"+metricsAddr+"/metrics"))

			resp, err := client.Get("http://" + metricsAddr + "/metrics")
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			require.NoError(t, err)
			require.Contains(t, string(body), "veil_mock_enclave_requests_total")

			cancel()
			require.NoError(t, <-errCh)
		})
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, run(ctx, io.Discard, []string{"-addr", freeAddr(t), "-log-level", "error"}))
}
