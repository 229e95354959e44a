package enclave

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
)

// PCR represents the enclave's platform configuration register (PCR) values.
type PCR map[uint][]byte

// Measurement is the hex-encoded triple of PCR values that identifies an
// enclave image, kernel, and application.
type Measurement struct {
	PCR0 string
	PCR1 string
	PCR2 string
}

// Equal returns true if (and only if) the two given PCR maps are identical.
func (ours PCR) Equal(theirs PCR) bool {
	// PCR4 contains a hash over the parent's instance ID.  Our enclaves run
	// on different parent instances, so PCR4 will therefore always differ:
	// https://docs.aws.amazon.com/enclaves/latest/user/set-up-attestation.html
	count := func(p PCR) int {
		n := len(p)
		if _, ok := p[4]; ok {
			n--
		}
		return n
	}
	if count(ours) != count(theirs) {
		return false
	}

	for i, ourValue := range ours {
		if i == 4 {
			continue
		}
		theirValue, exists := theirs[i]
		if !exists {
			return false
		}
		if !bytes.Equal(ourValue, theirValue) {
			return false
		}
	}
	return true
}

// Contains returns true if every PCR value in want, except PCR4, is present
// and identical in p.  Unlike Equal, p may carry additional PCRs.
func (p PCR) Contains(want PCR) bool {
	for i, wantValue := range want {
		if i == 4 {
			continue
		}
		if !bytes.Equal(p[i], wantValue) {
			return false
		}
	}
	return true
}

// FromDebugMode returns true if the given PCR map was generated by an enclave
// in debug mode, which sets PCR0, PCR1, and PCR2 to all zeroes.
func (p PCR) FromDebugMode() bool {
	for _, i := range []uint{0, 1, 2} {
		v, ok := p[i]
		if !ok || len(v) == 0 {
			return false
		}
		if slices.ContainsFunc(v, func(b byte) bool { return b != 0 }) {
			return false
		}
	}
	return true
}

// Measurement returns the lowercase hex encoding of PCR0, PCR1, and PCR2.
func (p PCR) Measurement() Measurement {
	return Measurement{
		PCR0: hex.EncodeToString(p[0]),
		PCR1: hex.EncodeToString(p[1]),
		PCR2: hex.EncodeToString(p[2]),
	}
}

func (p PCR) String() string {
	var (
		sb   strings.Builder
		idxs = make([]uint, 0, len(p))
	)
	for i := range p {
		idxs = append(idxs, i)
	}
	slices.Sort(idxs)
	for _, i := range idxs {
		fmt.Fprintf(&sb, "PCR%d: %x\n", i, p[i])
	}
	return sb.String()
}
