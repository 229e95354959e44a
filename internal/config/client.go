package config

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/httpx"
	"github.com/Amnesic-Systems/veil-client/internal/policy"
	"github.com/Amnesic-Systems/veil-client/internal/session"
	"github.com/Amnesic-Systems/veil-client/internal/types/validate"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var _ = validate.Validator(&Client{})

// Environments that an enclave can run in.
const (
	EnvProd = "prod"
	EnvDev  = "dev"
)

// Client represents the configuration of veil-client.  It can be loaded from
// a YAML file, and command line flags override individual fields.
type Client struct {
	// AppURL contains the base URL of the app enclave, e.g.:
	//	https://enclave.example.com
	// This field is required.
	AppURL string `yaml:"app_url"`

	// PlatformURL contains the base URL of the platform enclave.  Requests
	// to URLs under PlatformURL use their own session and their own token
	// refresh.
	PlatformURL string `yaml:"platform_url"`

	// Env is either "prod" or "dev".  Only "dev" accepts enclaves that run
	// in debug mode, whose memory the EC2 host can read.  Defaults to "prod".
	Env string `yaml:"env"`

	// ProdPCR0s and DevPCR0s contain hex-encoded PCR0 values that are
	// trusted in addition to the built-in ones.
	ProdPCR0s []string `yaml:"prod_pcr0s"`
	DevPCR0s  []string `yaml:"dev_pcr0s"`

	// HistoryURL points to a signed list of past enclave measurements.  If
	// set, HistoryPublicKey must contain the Base64-encoded Ed25519 key
	// that signed the list.
	HistoryURL       string `yaml:"history_url"`
	HistoryPublicKey string `yaml:"history_public_key"`

	// Timeout bounds the wait for the response headers of every HTTP
	// request, e.g., "30s".  Zero selects the default timeout and a negative
	// value disables the timeout.
	Timeout time.Duration `yaml:"timeout"`

	// VSOCKPort makes the client reach the enclaves through the vsock proxy
	// on the given host port.  This is only useful if the client itself
	// runs inside an enclave.
	VSOCKPort uint32 `yaml:"vsock_port"`

	// LogLevel is one of zerolog's levels, e.g., "debug" or "info".
	LogLevel string `yaml:"log_level"`

	// Testing facilitates local testing by skipping HTTPS certificate
	// verification and by using the noop verifier instead of the Nitro
	// verifier.  Never set this in production.
	Testing bool `yaml:"testing"`
}

// Load reads the YAML configuration file at the given path.  Unknown fields
// are rejected.
func Load(path string) (_ *Client, err error) {
	defer errs.Wrap(&err, "failed to load configuration from %s", path)

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var cfg Client
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isValidURL(s string) bool {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (c *Client) Validate() map[string]string {
	problems := make(map[string]string)

	// Ensure that required arguments are set.
	if c.AppURL == "" {
		problems["app_url"] = "argument is required"
	} else if !isValidURL(c.AppURL) {
		problems["app_url"] = "must be an HTTP or HTTPS URL"
	}
	if c.PlatformURL != "" && !isValidURL(c.PlatformURL) {
		problems["platform_url"] = "must be an HTTP or HTTPS URL"
	}

	switch c.Env {
	case "", EnvProd, EnvDev:
	default:
		problems["env"] = fmt.Sprintf("must be %q or %q", EnvProd, EnvDev)
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			problems["log_level"] = err.Error()
		}
	}

	if c.HistoryPublicKey != "" {
		if _, err := c.historyKey(); err != nil {
			problems["history_public_key"] = err.Error()
		}
	}
	if c.HistoryURL != "" && c.HistoryPublicKey == "" {
		problems["history_public_key"] = "required if history_url is set"
	}

	// The policy checks the PCR values and the history URL.
	pc := policy.Config{
		ProdPCR0s:  c.ProdPCR0s,
		DevPCR0s:   c.DevPCR0s,
		HistoryURL: c.HistoryURL,
	}
	for field, problem := range pc.Validate() {
		// We report problems with the key ourselves.
		if field == "history_key" {
			continue
		}
		problems[field] = problem
	}

	return problems
}

func (c *Client) historyKey() (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(c.HistoryPublicKey)
	if err != nil {
		return nil, fmt.Errorf("not Base64: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("expected %d bytes but got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// IsDev returns true if the client talks to development enclaves.
func (c *Client) IsDev() bool {
	return c.Env == EnvDev
}

// Policy returns the PCR policy configuration.
func (c *Client) Policy() (_ policy.Config, err error) {
	defer errs.Wrap(&err, "invalid history public key")

	cfg := policy.Config{
		ProdPCR0s:  c.ProdPCR0s,
		DevPCR0s:   c.DevPCR0s,
		HistoryURL: c.HistoryURL,
	}
	if c.HistoryPublicKey != "" {
		if cfg.HistoryKey, err = c.historyKey(); err != nil {
			return policy.Config{}, err
		}
	}
	return cfg, nil
}

// Endpoints returns the base URLs of the enclaves.
func (c *Client) Endpoints() session.Endpoints {
	return session.Endpoints{App: c.AppURL, Platform: c.PlatformURL}
}

// HTTPClient returns the options of the HTTP client that talks to enclaves.
// Certificates are not verified in testing mode, because the mock enclave
// uses a self-signed certificate.
func (c *Client) HTTPClient() httpx.ClientOptions {
	return httpx.ClientOptions{
		Timeout:       c.Timeout,
		VSOCKPort:     c.VSOCKPort,
		SkipTLSVerify: c.Testing,
	}
}
