// Package gid implements the time-ordered 128-bit identifiers that
// identify every Data Record.
package gid

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Size is the length in bytes of a GID.
const Size = 16

// GID is a 128-bit identifier, lexicographically sortable by creation
// time. Equality is byte equality.
type GID [Size]byte

// entropy is shared across New so that GIDs minted within the same
// millisecond in this process still sort strictly (ulid.Monotonic
// keeps a per-source increment for that).
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New allocates a fresh GID from the current time.
func New() GID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return GID(id)
}

// FromBytes wraps an existing 16-byte value as a GID. It does not
// validate that b encodes a well-formed ULID timestamp — any 16 bytes
// round-trip, matching spec.md's "any 128-bit lexicographically
// sortable identifier works."
func FromBytes(b []byte) (GID, bool) {
	var g GID
	if len(b) != Size {
		return g, false
	}
	copy(g[:], b)
	return g, true
}

// Bytes returns the GID's 16-byte representation.
func (g GID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, g[:])
	return out
}

// String renders the GID as a Crockford base32 ULID string, for logs
// and error messages.
func (g GID) String() string {
	return ulid.ULID(g).String()
}

// Less reports whether g sorts before other — the time ordering
// spec.md requires for natural iteration order.
func (g GID) Less(other GID) bool {
	for i := range g {
		if g[i] != other[i] {
			return g[i] < other[i]
		}
	}
	return false
}

// Zero reports whether g is the zero-value GID (never a real
// identifier, since New always produces a non-zero timestamp prefix).
func (g GID) Zero() bool {
	return g == GID{}
}
