package mockenclave

import "sync"

// Always makes a fault permanent.
const Always = -1

// faults lets tests make the enclave misbehave.  Counters are the number of
// upcoming requests that are affected; Always affects all of them.
type faults struct {
	sync.Mutex
	encryption   int
	auth         int
	corruptChunk int
}

func newFaults() *faults {
	return &faults{corruptChunk: -1}
}

func consume(n *int) bool {
	switch {
	case *n == Always:
		return true
	case *n > 0:
		*n--
		return true
	default:
		return false
	}
}

func (f *faults) takeEncryption() bool {
	f.Lock()
	defer f.Unlock()
	return consume(&f.encryption)
}

func (f *faults) takeAuth() bool {
	f.Lock()
	defer f.Unlock()
	return consume(&f.auth)
}

func (f *faults) chunkToCorrupt() int {
	f.Lock()
	defer f.Unlock()
	return f.corruptChunk
}

// FailEncryption makes the next n session-bound requests fail with HTTP 400
// and an encryption error.
func (e *Enclave) FailEncryption(n int) {
	e.faults.Lock()
	defer e.faults.Unlock()
	e.faults.encryption = n
}

// RejectAuth makes the next n session-bound requests fail with HTTP 401.
func (e *Enclave) RejectAuth(n int) {
	e.faults.Lock()
	defer e.faults.Unlock()
	e.faults.auth = n
}

// CorruptChunk makes the stream endpoint send garbage instead of the i-th
// data chunk.  A negative i disables corruption.
func (e *Enclave) CorruptChunk(i int) {
	e.faults.Lock()
	defer e.faults.Unlock()
	e.faults.corruptChunk = i
}
