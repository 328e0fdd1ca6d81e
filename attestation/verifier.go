package attestation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/enclavekit/inference-bootstrap/interfaces"
)

// RegisterMismatch records one register whose observed digest did not match
// the published one. A zero Observed value means the register was absent from
// the observed set.
type RegisterMismatch struct {
	Register  int
	Observed  interfaces.Measurement
	Published interfaces.Measurement
}

// MismatchError reports every register that failed verification. Both digests
// are included so an operator can tell a stale anchor from a tampered image.
type MismatchError struct {
	Mismatches []RegisterMismatch
}

// Error lists each mismatched register with both digests.
func (e *MismatchError) Error() string {
	var b strings.Builder
	b.WriteString("measurement mismatch:")
	for _, m := range e.Mismatches {
		if m.Observed.IsZero() {
			fmt.Fprintf(&b, " register %d missing from observed set (published %s);", m.Register, m.Published)
			continue
		}
		fmt.Fprintf(&b, " register %d observed %s published %s;", m.Register, m.Observed, m.Published)
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Verify compares observed measurements against the published anchor set.
// Every register the anchor pins must be present in the observed set and
// equal bit-for-bit. All registers are examined before the result is
// reported; individual digests compare in constant time. A nil return is the
// only pass condition.
func Verify(observed, published interfaces.MeasurementMap) error {
	if len(published) == 0 {
		return errors.New("published measurement set is empty")
	}

	var mismatches []RegisterMismatch
	for _, reg := range published.Registers() {
		want := published[reg]
		got, ok := observed[reg]
		if !ok {
			mismatches = append(mismatches, RegisterMismatch{Register: reg, Published: want})
			continue
		}
		if !got.Equal(want) {
			mismatches = append(mismatches, RegisterMismatch{Register: reg, Observed: got, Published: want})
		}
	}

	if len(mismatches) != 0 {
		return &MismatchError{Mismatches: mismatches}
	}
	return nil
}
