// Package ids generates and validates the process-unique identifiers that
// correlate requests and jobs across logs, trace headers and the journal.
package ids

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// counter gives request IDs a monotonic component in addition to their
// random one, so two requests accepted in the same nanosecond never collide
// and the prefix shows the order in which they were accepted.
var counter uint64

// NewRequestID returns a fresh process-unique request identifier.
func NewRequestID() string {
	n := atomic.AddUint64(&counter, 1)
	id := uuid.New()
	// Keep the UUID for global uniqueness, but prefix with the local counter
	// in unpadded hex, so the acceptance order within one process lifetime
	// can be read off the ID; IDs of different prefix lengths do not sort
	// lexically in that order ("f" sorts after "10").
	return shortHex(n) + "-" + id.String()
}

// NewJobID returns a fresh job identifier. Jobs are persisted and addressed
// externally by this ID alone, so a UUID is enough — there is no need for
// the request counter's ordering property.
func NewJobID() string {
	return uuid.New().String()
}

// ValidInbound reports whether an inbound X-Request-Id header value is
// well-formed enough to honor: at most 64 characters, alphanumeric or '-'.
func ValidInbound(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

const hexDigits = "0123456789abcdef"

func shortHex(n uint64) string {
	if n == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{hexDigits[n&0xf]}, buf...)
		n >>= 4
	}
	return string(buf)
}
