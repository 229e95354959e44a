package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/httpx"
	"github.com/Amnesic-Systems/veil-client/internal/logger"
	"github.com/Amnesic-Systems/veil-client/internal/mockenclave"
)

const (
	defaultAddr = "127.0.0.1:8443"
	readTimeout = 10 * time.Second
)

type config struct {
	addr        string
	metricsAddr string
	fqdn        string
	tls         bool
	debug       bool
	logLevel    string
	accessToken string
}

func parseFlags(out io.Writer, args []string) (_ *config, err error) {
	defer errs.Wrap(&err, "failed to parse flags")

	fs := flag.NewFlagSet("veil-mock-enclave", flag.ContinueOnError)
	fs.SetOutput(out)

	addr := fs.String(
		"addr",
		defaultAddr,
		"Address that the enclave API listens on",
	)
	metricsAddr := fs.String(
		"metrics-addr",
		"",
		"Address that the Prometheus metrics endpoint listens on (disabled if empty)",
	)
	fqdn := fs.String(
		"fqdn",
		"localhost",
		"Domain name in the self-signed HTTPS certificate",
	)
	useTLS := fs.Bool(
		"tls",
		false,
		"Serve HTTPS with a self-signed certificate",
	)
	debug := fs.Bool(
		"debug",
		false,
		"Log every HTTP request",
	)
	logLevel := fs.String(
		"log-level",
		"info",
		"Log level, e.g., debug, info, or warn",
	)
	accessToken := fs.String(
		"access-token",
		"",
		"Require the given bearer token on session-bound endpoints",
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *addr == "" {
		return nil, errors.New("flag -addr must not be empty")
	}

	return &config{
		addr:        *addr,
		metricsAddr: *metricsAddr,
		fqdn:        *fqdn,
		tls:         *useTLS,
		debug:       *debug,
		logLevel:    *logLevel,
		accessToken: *accessToken,
	}, nil
}

// tlsConfig returns a TLS configuration with a fresh self-signed certificate
// and the certificate's fingerprint.
func tlsConfig(fqdn string) (_ *tls.Config, fingerprint string, err error) {
	defer errs.Wrap(&err, "failed to set up TLS")

	cert, key, err := httpx.CreateCertificate(fqdn)
	if err != nil {
		return nil, "", err
	}
	hash, err := httpx.GetCertHash(cert)
	if err != nil {
		return nil, "", err
	}
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return nil, "", err
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}}, fmt.Sprintf("%x", hash), nil
}

func run(ctx context.Context, out io.Writer, args []string) (err error) {
	defer errs.Wrap(&err, "failed to run mock enclave")

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	cfg, err := parseFlags(out, args)
	if err != nil {
		return err
	}
	l := logger.New("veil-mock-enclave", out)
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		return err
	}

	opts := []mockenclave.Option{mockenclave.WithLogger(l)}
	if cfg.debug {
		opts = append(opts, mockenclave.WithRequestLogging())
	}
	e, err := mockenclave.New(opts...)
	if err != nil {
		return err
	}
	e.SetAccessToken(cfg.accessToken)

	srv := &http.Server{Addr: cfg.addr, ReadHeaderTimeout: readTimeout}
	if cfg.tls {
		var fingerprint string
		if srv.TLSConfig, fingerprint, err = tlsConfig(cfg.fqdn); err != nil {
			return err
		}
		l.Info().Str("fingerprint", fingerprint).Msg("Created self-signed certificate.")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(ctx, srv)
	})
	if cfg.metricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           promhttp.HandlerFor(e.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: readTimeout,
		}
		g.Go(func() error {
			go func() {
				<-ctx.Done()
				_ = metricsSrv.Close()
			}()
			l.Info().Str("addr", metricsSrv.Addr).Msg("Starting metrics server.")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func main() {
	if err := run(context.Background(), os.Stdout, os.Args[1:]); err != nil {
		log.Fatalf("Failed to run mock enclave: %v", err)
	}
}
