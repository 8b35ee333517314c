package event

import "github.com/flowbroker/flowbroker/cmn/cos"

// VersionVector is a set of non-zero event ids with unique actor ids
// (spec §3). It is the small keyed sequence the Design Notes recommend
// ("actor -> counter"); comparisons are componentwise.
type VersionVector struct {
	entries map[ActorID]uint64
}

func NewVersionVector() *VersionVector {
	return &VersionVector{entries: make(map[ActorID]uint64)}
}

// Merge folds ids into the vector, overwriting any existing entry for
// each id's actor. It never rejects a duplicate actor, whether already
// present or repeated within ids (the later entry wins); duplicate
// detection is done by AddMarker and ValidateNoDuplicates.
func (vv *VersionVector) Merge(ids []ID) error {
	for _, id := range ids {
		if err := vv.set(id); err != nil {
			return err
		}
	}
	return nil
}

func (vv *VersionVector) set(id ID) error {
	vv.entries[id.Actor] = id.Counter
	return nil
}

// AddMarker merges a single UpdateMarker into the vector, rejecting a
// second marker for an actor already present — spec §4.E: "any actor
// appearing twice fails InvalidVersionVector". This is what actually
// enforces the invariant; Merge alone does not, since a VersionVector
// may be legitimately rebuilt wholesale (e.g. from a peer's
// cluster_state, which by construction has at most one entry per actor).
func (vv *VersionVector) AddMarker(id ID) error {
	if _, exists := vv.entries[id.Actor]; exists {
		return cos.NewValidationError(cos.ErrKindInvalidVersionVector,
			"duplicate UpdateMarker for actor %d", id.Actor)
	}
	return vv.set(id)
}

// Advance raises the vector's entry for id's actor to id's counter if it
// isn't already at least that high. Unlike AddMarker it never rejects a
// repeat actor — it's the bookkeeping primitive used internally to track
// "highest id seen so far" (e.g. a cursor's delivered-dedup position),
// not to validate a decoded UpdateMarker sequence.
func (vv *VersionVector) Advance(id ID) {
	if vv.entries[id.Actor] < id.Counter {
		vv.entries[id.Actor] = id.Counter
	}
}

// Get returns the known counter for actor, or 0 if unknown.
func (vv *VersionVector) Get(actor ActorID) uint64 {
	return vv.entries[actor]
}

// Covers reports whether id's counter is already known for its actor,
// i.e. an event with this id would not advance the vector.
func (vv *VersionVector) Covers(id ID) bool {
	return vv.Get(id.Actor) >= id.Counter
}

// Entries returns the vector's (actor, counter) pairs. Order is
// unspecified; callers that need deterministic wire order should sort.
func (vv *VersionVector) Entries() []ID {
	out := make([]ID, 0, len(vv.entries))
	for actor, counter := range vv.entries {
		out = append(out, ID{Actor: actor, Counter: counter})
	}
	return out
}

// Clone returns an independent copy.
func (vv *VersionVector) Clone() *VersionVector {
	cp := NewVersionVector()
	for k, v := range vv.entries {
		cp.entries[k] = v
	}
	return cp
}

// ValidateNoDuplicates checks a raw id slice (as decoded straight off
// the wire, before it's folded into a VersionVector) for duplicate
// actors, per spec §4.A / §8 "Two UpdateMarkers with the same actor...
// -> InvalidVersionVector".
func ValidateNoDuplicates(ids []ID) error {
	seen := make(map[ActorID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id.Actor]; dup {
			return cos.NewValidationError(cos.ErrKindInvalidVersionVector,
				"duplicate actor %d in version vector", id.Actor)
		}
		seen[id.Actor] = struct{}{}
	}
	return nil
}
