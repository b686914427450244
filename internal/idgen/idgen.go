// Package idgen generates the opaque, collision-resistant, URL-safe ids
// used for every entity named in the data model: messages, streaming
// turns, pending permissions, and gateway-assigned ids.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces ULIDs using a monotonic entropy source so that ids
// minted within the same millisecond still sort strictly increasing.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New returns a ready Generator.
func New() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New mints one id, prefixed for readability in logs (e.g. "msg_01H...").
func (g *Generator) New(prefix string) string {
	g.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	g.mu.Unlock()
	if prefix == "" {
		return id.String()
	}
	return prefix + "_" + id.String()
}

// defaultGen backs the package-level helpers for callers that don't need
// an injected generator (tests mostly construct their own).
var defaultGen = New()

// NewMessageID mints an id for a fanned-out chat message.
func NewMessageID() string { return defaultGen.New("msg") }

// NewRequestID mints an id for a PendingPermission.
func NewRequestID() string { return defaultGen.New("perm") }

// NewGatewayID mints an id assigned to a gateway at login time.
func NewGatewayID() string { return defaultGen.New("gw") }

// NewConnectionID mints an id for a client or gateway socket binding.
func NewConnectionID() string { return defaultGen.New("conn") }
