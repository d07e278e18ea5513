// Package idgen mints VM identifiers: time-sortable, unique, and never
// reused. It wraps oklog/ulid with a monotonic entropy source so two ids
// minted in the same millisecond from the same Generator still compare
// distinct and preserve creation order.
package idgen

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seantiz/vanguard/internal/vmm"
)

// Generator mints vmm.ID values. The zero value is not usable; construct
// with New.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates a Generator seeded from the current time. A single Generator
// must be shared by every caller that needs monotonic ordering — the
// manager holds exactly one.
func New() *Generator {
	seed := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Generator{entropy: ulid.Monotonic(seed, 0)}
}

// Next mints a new, strictly increasing identifier.
func (g *Generator) Next() vmm.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	return vmm.ID(id.String())
}
