// Package engine implements the per-stream append-only event log (spec
// §4.F) and the controller that owns the named-stream registry (spec
// §4.H).
package engine

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/flowbroker/flowbroker/cmn/cos"
	"github.com/flowbroker/flowbroker/cmn/debug"
	"github.com/flowbroker/flowbroker/cmn/mono"
	"github.com/flowbroker/flowbroker/cmn/nlog"
	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/store"
)

// MinBroadcastCapacity is the minimum bounded capacity for a
// subscription's outbound channel (Design Notes open question: "specify
// a bounded channel capacity of max(batch_size, 1024) and
// drop-with-error on overflow").
const MinBroadcastCapacity = 1024

// Subscription is one cursor's registration with a Stream's broadcaster.
// The connection handler (package conn) owns draining Events; Stream
// only ever sends.
type Subscription struct {
	id      uint64
	pattern string
	vv      *event.VersionVector // events the subscriber has already seen
	Events  chan *event.Shared
	closed  atomic.Bool
}

func (s *Subscription) ID() uint64 { return s.id }

// Close marks the subscription inactive; Stream.Append skips closed
// subscriptions instead of panicking on a send to a closed channel.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.Events)
	}
}

func (s *Subscription) isClosed() bool { return s.closed.Load() }

// Stream is one named event stream: a single local-actor appender plus
// a fan-out broadcaster to every active Subscription whose pattern
// matches. Ownership follows spec §5: exactly one appender goroutine is
// expected to call Append at a time (guaranteed by the caller serializing
// produce requests through the owning connection/controller), while
// CommitMarker() is safe for any number of concurrent readers.
type Stream struct {
	Name       string
	localActor event.ActorID
	store      store.Store
	counter    *mono.CounterWriter // last counter assigned to the local actor
	marker     *mono.CounterWriter // commit marker: highest durably appended+broadcast counter

	mu       sync.Mutex
	subs     map[uint64]*Subscription
	nextSub  uint64
	unhealth atomic.Bool
}

func NewStream(name string, localActor event.ActorID, st store.Store) *Stream {
	initial := st.HighestCounter(localActor)
	return &Stream{
		Name:       name,
		localActor: localActor,
		store:      st,
		counter:    mono.NewCounterWriter(initial),
		marker:     mono.NewCounterWriter(initial),
		subs:       make(map[uint64]*Subscription),
	}
}

// CommitMarker exposes a read-only view of the commit position (spec
// §5: "single-writer/multi-reader counter with release/acquire
// semantics" — modeled here with atomics rather than explicit fences,
// which Go's memory model gives us for free through sync/atomic).
func (s *Stream) CommitMarker() mono.CounterReader { return s.marker.Reader() }

func (s *Stream) Unhealthy() bool { return s.unhealth.Load() }

// Append assigns the next counter for this stream's local actor,
// persists the event, advances the commit marker, and fans it out to
// every subscription whose pattern matches the event's namespace (spec
// §4.F).
func (s *Stream) Append(namespace string, parentID event.ID, data []byte) (event.ID, error) {
	if err := event.ValidateNamespace(namespace); err != nil {
		return event.ID{}, err
	}

	// Reserve the next counter without consuming it: spec §4.F requires a
	// persistence failure to leave the per-actor counter gapless, so the
	// writer only commits it (IncrementAndGet) once store.Append succeeds.
	counter := s.counter.Load() + 1
	id := event.ID{Actor: s.localActor, Counter: counter}
	owned := event.NewOwned(id, parentID, namespace, nowMillis(), data)

	if err := s.store.Append(owned); err != nil {
		s.unhealth.Store(true)
		return event.ID{}, cos.NewStorageError("append", errors.Wrap(err, s.Name))
	}
	committed := s.counter.IncrementAndGet(1)
	debug.Assert(committed == counter, "concurrent Append calls on the same stream")
	s.unhealth.Store(false)
	s.marker.SetIfGreater(counter)

	s.broadcast(owned)
	return id, nil
}

// AppendReplicated persists an event whose id was assigned by a remote
// actor (spec §4.G: peer-received events "preserving the originator's
// (actor, counter)"). Duplicate arrivals are discarded idempotently.
func (s *Stream) AppendReplicated(owned *event.Owned) (applied bool, err error) {
	debug.Assert(owned.ID().Actor != s.localActor, "AppendReplicated called with our own actor id")
	if owned.ID().Actor == s.localActor {
		return false, errors.New("refusing to replicate an event under our own actor id")
	}
	if s.IsDuplicate(owned.ID()) {
		return false, nil // already have it
	}
	if err := s.store.Append(owned); err != nil {
		s.unhealth.Store(true)
		return false, cos.NewStorageError("append-replicated", err)
	}
	s.unhealth.Store(false)
	s.broadcast(owned)
	return true, nil
}

func (s *Stream) broadcast(owned *event.Owned) {
	shared := event.NewShared(owned)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if sub.isClosed() || !event.MatchGlob(sub.pattern, owned.Namespace()) {
			continue
		}
		if sub.vv != nil && sub.vv.Covers(owned.ID()) {
			continue
		}
		select {
		case sub.Events <- shared.Clone():
		default:
			// Backpressure policy (Design Notes): a slow consumer's
			// channel fills up; drop it with an error rather than
			// stalling the broadcaster for every other subscriber.
			nlog.Warningf("stream %s: subscription %d channel full, dropping", s.Name, id)
			sub.Close()
			delete(s.subs, id)
		}
	}
}

// Subscribe registers a new Subscription. capacity is clamped to at
// least MinBroadcastCapacity (or the caller's requested batch size,
// whichever is larger).
func (s *Stream) Subscribe(pattern string, vv *event.VersionVector, capacity int) (*Subscription, error) {
	if err := event.ValidateGlob(pattern); err != nil {
		return nil, err
	}
	if capacity < MinBroadcastCapacity {
		capacity = MinBroadcastCapacity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	sub := &Subscription{
		id:      s.nextSub,
		pattern: pattern,
		vv:      vv,
		Events:  make(chan *event.Shared, capacity),
	}
	s.subs[sub.id] = sub
	return sub, nil
}

func (s *Stream) Unsubscribe(id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Iterate returns, for each actor known to the store, events with
// counter greater than from's entry for that actor, restricted to
// namespace matching pattern (spec §4.F). Cross-actor interleaving here
// is by ascending actor id then ascending counter — deterministic for a
// given store state, as required.
func (s *Stream) Iterate(from *event.VersionVector, pattern string) ([]*event.Owned, error) {
	var out []*event.Owned
	actors := s.store.Actors()
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	for _, actor := range actors {
		it, err := s.store.ReadFrom(actor, from.Get(actor))
		if err != nil {
			return nil, cos.NewStorageError("iterate", err)
		}
		for {
			ev, err := it.Next()
			if err != nil {
				_ = it.Close()
				return nil, cos.NewStorageError("iterate", err)
			}
			if ev == nil {
				break
			}
			if event.MatchGlob(pattern, ev.Namespace()) {
				out = append(out, ev)
			}
		}
		_ = it.Close()
	}
	return out, nil
}

func (s *Stream) LocalActor() event.ActorID { return s.localActor }

// Close drops every active subscription and releases the backing store
// (spec §5 graceful shutdown: "flush store, exit").
func (s *Stream) Close() error {
	s.mu.Lock()
	for id, sub := range s.subs {
		sub.Close()
		delete(s.subs, id)
	}
	s.mu.Unlock()
	return s.store.Close()
}

// IsDuplicate reports whether id's counter has already been durably
// recorded for its actor — the authoritative check behind the cluster
// manager's probabilistic pre-filter (package prob).
func (s *Stream) IsDuplicate(id event.ID) bool {
	return s.store.HighestCounter(id.Actor) >= id.Counter
}
