package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/rs/zerolog"

	"github.com/Amnesic-Systems/veil-client/internal/config"
	"github.com/Amnesic-Systems/veil-client/internal/enclave"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/httpx"
	"github.com/Amnesic-Systems/veil-client/internal/logger"
	"github.com/Amnesic-Systems/veil-client/internal/policy"
	"github.com/Amnesic-Systems/veil-client/internal/session"
	"github.com/Amnesic-Systems/veil-client/internal/transport"
	"github.com/Amnesic-Systems/veil-client/internal/types/validate"
)

var (
	errFailedToParse = errors.New("failed to parse flags")
	errFailedToCall  = errors.New("failed to call enclave")
)

// options holds the flags that aren't part of the client configuration.
type options struct {
	pcrs    enclave.PCR
	path    string
	verbose bool
}

func parseFlags(out io.Writer, args []string) (_ *config.Client, _ *options, err error) {
	defer errs.WrapErr(&err, errFailedToParse)

	fs := flag.NewFlagSet("veil-client", flag.ContinueOnError)
	fs.SetOutput(out)

	configPath := fs.String(
		"config",
		"",
		"Path of a YAML configuration file.  Flags override its values.",
	)
	addr := fs.String(
		"addr",
		"",
		"Address of the app enclave, e.g.: https://example.com:8443",
	)
	platformAddr := fs.String(
		"platform-addr",
		"",
		"Address of the platform enclave",
	)
	pcrs := fs.String(
		"pcrs",
		"",
		"JSON-encoded enclave image measurements as emitted by 'nitro-cli build'",
	)
	path := fs.String(
		"path",
		"",
		"Make an encrypted GET request for the given path after establishing a session",
	)
	logLevel := fs.String(
		"log-level",
		"",
		"Log level, e.g., debug, info, or warn",
	)
	verbose := fs.Bool(
		"verbose",
		false,
		"Enable verbose logging",
	)
	testing := fs.Bool(
		"insecure",
		false,
		"Enable testing by disabling attestation",
	)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg := &config.Client{}
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, nil, err
		}
	}
	if *addr != "" {
		cfg.AppURL = *addr
	}
	if *platformAddr != "" {
		cfg.PlatformURL = *platformAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *testing {
		cfg.Testing = true
	}
	if err := validate.Object(cfg); err != nil {
		return nil, nil, err
	}

	opts := &options{path: *path, verbose: *verbose}
	if *pcrs != "" {
		// Convert the given JSON-encoded enclave measurements to a PCR map.
		if opts.pcrs, err = toPCR([]byte(*pcrs)); err != nil {
			return nil, nil, err
		}
	}
	return cfg, opts, nil
}

func newLogger(cfg *config.Client, opts *options) (zerolog.Logger, error) {
	l := logger.New("veil-client", os.Stderr)
	level := cfg.LogLevel
	switch {
	case level != "":
	case opts.verbose:
		level = zerolog.LevelDebugValue
	default:
		level = zerolog.LevelWarnValue
	}
	return l, logger.SetLevel(level)
}

func run(ctx context.Context, out io.Writer, args []string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	cfg, opts, err := parseFlags(out, args)
	if err != nil {
		return err
	}
	l, err := newLogger(cfg, opts)
	if err != nil {
		return err
	}
	policyCfg, err := cfg.Policy()
	if err != nil {
		return err
	}

	client := httpx.NewClient(cfg.HTTPClient())
	verifier := &recorder{Verifier: newVerifier(cfg)}
	negotiator := session.NewNegotiator(
		session.NewStore(),
		cfg.Endpoints(),
		verifier,
		policy.New(policyCfg, policy.WithLogger(l)),
		session.WithHTTPClient(client),
		session.WithLogger(l),
	)

	if err := attestEnclave(ctx, out, negotiator, verifier, opts); err != nil {
		return err
	}
	if opts.path == "" {
		return nil
	}

	tc := transport.New(
		negotiator,
		transport.PrefixResolver{AppURL: cfg.AppURL, PlatformURL: cfg.PlatformURL},
		transport.WithHTTPClient(client),
		transport.WithLogger(l),
	)
	return call(ctx, out, tc, cfg.AppURL+opts.path)
}

// call makes an encrypted GET request and writes the decrypted response body
// to out.
func call(ctx context.Context, out io.Writer, tc *transport.Client, url string) (err error) {
	defer errs.WrapErr(&err, errFailedToCall)

	res, err := tc.Call(ctx, transport.Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return err
	}
	if res.Kind == transport.Stream {
		defer res.Stream.Close()
		_, err = io.Copy(out, res.Stream)
		return err
	}
	if res.Kind == transport.EncryptedBinary {
		fmt.Fprintf(out, "Got %d bytes of %s.\n", len(res.Body), res.ContentType)
		return nil
	}
	_, err = fmt.Fprintln(out, string(res.Body))
	return err
}

func main() {
	ctx := context.Background()
	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		log.Fatalf("Failed to run client: %v", err)
	}
}
