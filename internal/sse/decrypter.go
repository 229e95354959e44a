// Package sse decrypts event streams whose data lines were encrypted
// separately with a session key.  The decrypted stream is again a standard
// event stream, so callers can parse it with any event stream parser.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Amnesic-Systems/veil-client/internal/aead"
	"github.com/Amnesic-Systems/veil-client/internal/errs"
	"github.com/Amnesic-Systems/veil-client/internal/httpx"
	"github.com/Amnesic-Systems/veil-client/internal/metrics"
	"github.com/rs/zerolog"
)

// Done is the data value that terminates a stream.  It is never encrypted.
const Done = "[DONE]"

const (
	fieldData = "data:"
	initBuf   = 64 * 1024
)

// ChunkErrorPolicy decides what happens to a data line that failed to
// decrypt.  Returning nil drops the line and continues with the stream.
// Returning an error aborts the stream with that error.
type ChunkErrorPolicy func(err error, chunk string) error

// LogAndDrop logs the failure and drops the chunk.
func LogAndDrop(l zerolog.Logger) ChunkErrorPolicy {
	return func(err error, chunk string) error {
		l.Warn().Err(err).Int("len", len(chunk)).Msg("Dropping undecryptable stream chunk.")
		return nil
	}
}

// Abort stops the stream at the first chunk that fails to decrypt.
func Abort(err error, _ string) error {
	return err
}

type config struct {
	policy ChunkErrorPolicy
	log    zerolog.Logger
}

// Option configures a decrypter.
type Option func(*config)

// WithPolicy sets the policy for undecryptable chunks.  The default is
// LogAndDrop.
func WithPolicy(p ChunkErrorPolicy) Option {
	return func(c *config) { c.policy = p }
}

// WithLogger sets the logger of the default policy.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.log = l }
}

type decrypter struct {
	*io.PipeReader
	src  io.ReadCloser
	once sync.Once
}

// NewDecrypter returns a reader that yields the given event stream with its
// data lines decrypted.  Closing the returned reader closes src.
func NewDecrypter(src io.ReadCloser, key aead.Key, opts ...Option) io.ReadCloser {
	cfg := &config{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.policy == nil {
		cfg.policy = LogAndDrop(cfg.log)
	}

	r, w := io.Pipe()
	go func() {
		w.CloseWithError(decrypt(src, w, key, cfg.policy))
	}()
	return &decrypter{PipeReader: r, src: src}
}

func (d *decrypter) Close() error {
	var err error
	d.once.Do(func() {
		d.PipeReader.Close()
		err = d.src.Close()
	})
	return err
}

// decrypt copies events from src to dst until src is exhausted.  A nil return
// value results in io.EOF for the reader.
func decrypt(src io.Reader, dst io.Writer, key aead.Key, policy ChunkErrorPolicy) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, initBuf), httpx.MaxBodySize)

	var event []string
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			event = append(event, line)
			continue
		}
		if err := flush(dst, event, key, policy); err != nil {
			return err
		}
		event = event[:0]
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %w", errs.NetworkError, err)
	}
	// The stream may end without a final blank line.
	return flush(dst, event, key, policy)
}

// flush decrypts and writes a single event.  An event whose data lines were
// all dropped is omitted entirely.
func flush(dst io.Writer, event []string, key aead.Key, policy ChunkErrorPolicy) error {
	if len(event) == 0 {
		return nil
	}

	var (
		b       strings.Builder
		data    int
		dropped int
	)
	for _, line := range event {
		value, ok := strings.CutPrefix(line, fieldData)
		if !ok {
			b.WriteString(line)
			b.WriteByte('\n')
			continue
		}
		data++
		value = strings.TrimPrefix(value, " ")
		if value == Done {
			b.WriteString(line)
			b.WriteByte('\n')
			continue
		}

		plaintext, err := aead.Open(key, value)
		if err != nil {
			if err := policy(err, value); err != nil {
				return err
			}
			metrics.DroppedChunks.Inc()
			dropped++
			continue
		}
		// Multi-line plaintext becomes multiple data lines, which the
		// consumer's parser joins again.
		for _, l := range strings.Split(string(plaintext), "\n") {
			b.WriteString(fieldData + " " + l + "\n")
		}
	}
	if data > 0 && data == dropped {
		return nil
	}
	b.WriteByte('\n')

	_, err := io.WriteString(dst, b.String())
	return err
}
