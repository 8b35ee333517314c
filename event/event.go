package event

import "sync/atomic"

// Event is the common capability set shared by both the owned and shared
// representations (Design Notes: "polymorphism over owned vs shared
// events"). Callers that only need to read an event's fields — e.g. the
// per-cursor broadcast fan-out — program against this interface so that
// a single stored event can be handed to many consumers without a
// per-consumer payload copy.
type Event interface {
	ID() ID
	ParentID() ID
	Namespace() string
	Timestamp() int64 // ms since Unix epoch
	DataLen() int
	Data() []byte
	// ToOwned returns an Owned copy, cloning the payload only if this
	// value doesn't already own it.
	ToOwned() *Owned
}

// Owned is a fully-owned event record: the originating stream engine
// builds one of these per append, then wraps it in a Shared handle
// before fanning it out to cursors.
type Owned struct {
	id        ID
	parentID  ID
	namespace string
	timestamp int64
	data      []byte
}

func NewOwned(id, parentID ID, namespace string, timestamp int64, data []byte) *Owned {
	return &Owned{id: id, parentID: parentID, namespace: namespace, timestamp: timestamp, data: data}
}

func (e *Owned) ID() ID             { return e.id }
func (e *Owned) ParentID() ID       { return e.parentID }
func (e *Owned) Namespace() string  { return e.namespace }
func (e *Owned) Timestamp() int64   { return e.timestamp }
func (e *Owned) DataLen() int       { return len(e.data) }
func (e *Owned) Data() []byte       { return e.data }
func (e *Owned) ToOwned() *Owned    { return e }

// Shared is a reference-counted, read-only handle around an Owned event.
// It exists so that the stream engine's broadcast path serializes the
// same backing byte slice into every subscribed cursor's socket without
// any of them taking an owned copy (Design Notes: "shared event
// representation").
type Shared struct {
	inner *Owned
	refs  *atomic.Int32
}

// NewShared wraps owned for fan-out to multiple cursors.
func NewShared(owned *Owned) *Shared {
	refs := new(atomic.Int32)
	refs.Store(1)
	return &Shared{inner: owned, refs: refs}
}

// Clone increments the refcount and returns a new handle to the same
// backing event; cheap, since no bytes move.
func (s *Shared) Clone() *Shared {
	s.refs.Add(1)
	return &Shared{inner: s.inner, refs: s.refs}
}

// Release decrements the refcount. flowbroker never frees event storage
// on refcount reaching zero (retention is the segment store's concern,
// per spec §3's Event lifecycle — "retained until the store evicts
// oldest segments") but tracking it lets diagnostics report fan-out
// depth.
func (s *Shared) Release() int32 { return s.refs.Add(-1) }

func (s *Shared) ID() ID            { return s.inner.id }
func (s *Shared) ParentID() ID      { return s.inner.parentID }
func (s *Shared) Namespace() string { return s.inner.namespace }
func (s *Shared) Timestamp() int64  { return s.inner.timestamp }
func (s *Shared) DataLen() int      { return len(s.inner.data) }
func (s *Shared) Data() []byte      { return s.inner.data }

// ToOwned clones the payload, since a Shared may still have other
// referents mutating-adjacent buffers on the read path.
func (s *Shared) ToOwned() *Owned {
	cp := make([]byte, len(s.inner.data))
	copy(cp, s.inner.data)
	return NewOwned(s.inner.id, s.inner.parentID, s.inner.namespace, s.inner.timestamp, cp)
}

var (
	_ Event = (*Owned)(nil)
	_ Event = (*Shared)(nil)
)
