package conn

import (
	"github.com/flowbroker/flowbroker/engine"
	"github.com/flowbroker/flowbroker/event"
)

// CursorState is one of the four states spec §4.E's cursor state machine
// cycles through.
type CursorState int

const (
	CursorIdle CursorState = iota
	CursorActive
	CursorWaitingForNext
	CursorStopped
)

func (s CursorState) String() string {
	switch s {
	case CursorIdle:
		return "Idle"
	case CursorActive:
		return "Active"
	case CursorWaitingForNext:
		return "WaitingForNext"
	case CursorStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// DefaultBatchSize is the effective batch size used when the client never
// sends SetBatchSize (spec §4.E).
const DefaultBatchSize = 10000

// MaxBatchSize is the server-side clamp on a client-requested batch size
// (spec §4.E: "clamped by server policy" — the policy itself is left
// unspecified, so this repo picks a generous but bounded ceiling).
const MaxBatchSize = 100000

// cursor is one connection's consumer state: subscription handle, pattern,
// and batching position. It is owned by its Connection; all field access
// happens with the Connection's mutex held.
type cursor struct {
	state   CursorState
	pattern string

	sub    *engine.Subscription
	stream *engine.Stream

	// delivered tracks ids this cursor has already forwarded, seeded from
	// the connection's version vector at StartConsuming time. It exists
	// to dedup the seam between the historical backlog replay and the
	// live broadcast subscription, which are stitched together without a
	// single atomic snapshot of "everything up to now".
	delivered *event.VersionVector

	batchSize      uint32
	batchRemaining uint32

	// maxEvents caps the cursor's total lifetime delivery count (spec
	// §4.A StartConsuming.max_events; 0 means unlimited). Once reached,
	// exhausted latches and NextBatch stops producing further events
	// (spec §8 scenario: "EndOfBatch... or fewer if max_events... is
	// reached" — the spec defines the early-EndOfBatch trigger but not a
	// distinct terminal state, so this repo treats exhaustion as a
	// permanent WaitingForNext rather than inventing a fifth cursor state).
	maxEvents      uint64
	totalDelivered uint64
	exhausted      bool

	awaitingLatched bool
}

func newCursor(pattern string, delivered *event.VersionVector, batchSize uint32, maxEvents uint64) *cursor {
	return &cursor{
		state:          CursorActive,
		pattern:        pattern,
		delivered:      delivered,
		batchSize:      batchSize,
		batchRemaining: batchSize,
		maxEvents:      maxEvents,
	}
}

// seen reports whether id has already been delivered by this cursor and
// marks it delivered if not.
func (c *cursor) seen(id event.ID) bool {
	if c.delivered.Covers(id) {
		return true
	}
	c.delivered.Advance(id)
	return false
}
