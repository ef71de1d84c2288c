// Package idgen provides ID generation implementations.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/artpar/trialgate/ports"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// UUID generates UUIDs.
type UUID struct{}

// New generates a new UUID v4.
func (UUID) New() string {
	return uuid.New().String()
}

var _ ports.IDGenerator = UUID{}

// ULID generates lexicographically sortable IDs, used for periods so the
// history of a tenant sorts by creation order.
type ULID struct {
	prefix string
}

// NewULID creates a ULID generator with an optional prefix (e.g. "per_").
func NewULID(prefix string) ULID {
	return ULID{prefix: prefix}
}

// New generates a new ULID. ulid.Make is monotonic within the process.
func (g ULID) New() string {
	return g.prefix + ulid.Make().String()
}

var _ ports.IDGenerator = ULID{}

// Sequential generates sequential IDs (for testing).
type Sequential struct {
	prefix  string
	counter uint64
}

// NewSequential creates a sequential ID generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New generates the next sequential ID.
func (s *Sequential) New() string {
	n := atomic.AddUint64(&s.counter, 1)
	return s.prefix + strconv.FormatUint(n, 10)
}

// Reset resets the counter (for testing).
func (s *Sequential) Reset() {
	atomic.StoreUint64(&s.counter, 0)
}

var _ ports.IDGenerator = (*Sequential)(nil)
