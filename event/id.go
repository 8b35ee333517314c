// Package event defines flowbroker's data model (spec §3): event
// identity, the event record itself, namespace globbing, and version
// vectors.
package event

import "fmt"

// ActorID is a server instance's globally unique id (GLOSSARY "Actor").
type ActorID uint16

// ID is a pair (actor, counter). A counter of zero denotes "none/null"
// (spec §3 EventId). Within one actor, ids are totally ordered by
// counter; across actors only partial order holds.
type ID struct {
	Actor   ActorID
	Counter uint64
}

// NilID is the wire representation of "no parent".
var NilID = ID{}

func (id ID) IsNil() bool { return id.Counter == 0 }

// Less orders two ids of the *same* actor by counter. Comparing ids of
// different actors is meaningless on its own; use a VersionVector.
func (id ID) Less(other ID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Actor < other.Actor
}

func (id ID) String() string { return fmt.Sprintf("%d:%d", id.Actor, id.Counter) }
