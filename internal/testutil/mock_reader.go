package testutil

import "io"

var _ = io.Reader(&MockReader{})

// MockReader is an io.Reader that stands in for crypto/rand.Reader in tests.
type MockReader struct {
	failRead bool
	retOnly  int
	fill     byte
}

type optFunc func(*MockReader)

// WithFailOnRead makes every read fail.
func WithFailOnRead() optFunc {
	return func(m *MockReader) {
		m.failRead = true
	}
}

// WithShortRead makes every read return only n bytes.
func WithShortRead(n int) optFunc {
	return func(m *MockReader) {
		m.retOnly = n
	}
}

// WithFill makes every read fill the buffer with the given byte, which yields
// predictable "randomness".
func WithFill(b byte) optFunc {
	return func(m *MockReader) {
		m.fill = b
	}
}

func NewMockReader(opts ...optFunc) io.Reader {
	m := new(MockReader)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (r *MockReader) Read(p []byte) (n int, err error) {
	if r.failRead {
		return 0, io.ErrUnexpectedEOF
	}
	for i := range p {
		p[i] = r.fill
	}
	if r.retOnly > 0 {
		return r.retOnly, nil
	}
	return len(p), nil
}
