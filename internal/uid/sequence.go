// Package uid mints tokens that must not collide between messages composed
// concurrently in the same process: MIME boundaries, content ids and per-send
// correlation ids.
package uid

import (
	"strconv"
	"sync/atomic"

	"github.com/shineum/smtp-sender-lite/internal/clock"
)

// Generator returns a new unique token on every call. Implementations must be
// safe for concurrent use.
type Generator interface {
	Generate() string
}

// counter is shared by every Sequence in the process, so tokens minted by
// separate composers in the same millisecond still differ.
var counter atomic.Uint64

// Sequence combines the process-wide atomic counter with the clock reading in
// milliseconds, formatted as "<counter>.<millis>". Two calls never return the
// same token, from the same Sequence or from different ones, because the
// counter is strictly increasing.
type Sequence struct {
	clk clock.Clocker
}

// NewSequence returns a Sequence reading time from clk. A nil clk uses the
// system clock.
func NewSequence(clk clock.Clocker) *Sequence {
	if clk == nil {
		clk = clock.New()
	}
	return &Sequence{clk: clk}
}

// Generate returns the next token.
func (s *Sequence) Generate() string {
	n := counter.Add(1)
	ms := s.clk.Now().UnixMilli()

	buf := make([]byte, 0, 32)
	buf = strconv.AppendUint(buf, n, 10)
	buf = append(buf, '.')
	buf = strconv.AppendInt(buf, ms, 10)
	return string(buf)
}
