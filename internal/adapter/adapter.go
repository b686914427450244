// Package adapter implements the Agent Adapter Runtime (§4.6): process- and
// SDK-backed adapters that turn a text prompt into a lazy sequence of typed
// chunks, with child-process timeout discipline, environment scrubbing, and
// output redaction.
package adapter

import (
	"context"
	"errors"

	"github.com/agentim/agentim/internal/types"
)

// ErrAlreadyProcessing is returned when SendMessage is called while a turn
// is already in flight — adapters are single-turn (§5 shared-resource
// policy, §7).
var ErrAlreadyProcessing = errors.New("adapter: already processing")

// Adapter is the shared contract every agent-type-specific implementation
// satisfies (§4.6).
type Adapter interface {
	// SendMessage starts a turn and streams its chunks on the returned
	// channel, which is closed when the turn reaches a terminal state.
	// At most one call may be in flight; a second concurrent call returns
	// ErrAlreadyProcessing.
	SendMessage(ctx context.Context, content string) (<-chan types.Chunk, error)

	// Stop best-effort cancels the in-flight turn, if any.
	Stop()

	// Dispose performs terminal cleanup. Idempotent.
	Dispose()
}
