// Package cluster implements the peer manager (spec §4.G): outgoing
// connectors with bounded-backoff reconnect, PeerAnnounce/PeerUpdate
// membership merge, and event replication between actors.
package cluster

import (
	"sort"

	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/wire"
)

// Member is this actor's local view of one cluster participant.
type Member struct {
	ActorID   event.ActorID
	Address   string
	Connected bool
}

// State is the local actor's own ClusterState (spec §3): its identity,
// the version vector it last advertised, and its membership view. It is
// not safe for concurrent use on its own — the Manager serializes access.
type State struct {
	ActorID       event.ActorID
	ActorPort     uint16
	VersionVector *event.VersionVector
	Members       map[event.ActorID]*Member
}

func NewState(actorID event.ActorID, actorPort uint16) *State {
	return &State{
		ActorID:       actorID,
		ActorPort:     actorPort,
		VersionVector: event.NewVersionVector(),
		Members:       make(map[event.ActorID]*Member),
	}
}

// ToWire renders the state as a PeerAnnounce/PeerUpdate body, with
// deterministic ordering so repeated snapshots of unchanged state encode
// identically.
func (s *State) ToWire() wire.ClusterState {
	ids := s.VersionVector.Entries()
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Actor != ids[j].Actor {
			return ids[i].Actor < ids[j].Actor
		}
		return ids[i].Counter < ids[j].Counter
	})

	actorIDs := make([]event.ActorID, 0, len(s.Members))
	for a := range s.Members {
		actorIDs = append(actorIDs, a)
	}
	sort.Slice(actorIDs, func(i, j int) bool { return actorIDs[i] < actorIDs[j] })

	members := make([]wire.Member, 0, len(actorIDs))
	for _, a := range actorIDs {
		m := s.Members[a]
		members = append(members, wire.Member{ActorID: m.ActorID, Address: m.Address, Connected: m.Connected})
	}

	return wire.ClusterState{
		ActorID:       s.ActorID,
		ActorPort:     s.ActorPort,
		VersionVector: ids,
		Members:       members,
	}
}

// MergeRemote folds a peer's advertised ClusterState into the local
// membership view (spec §4.G point 4): the peer's own actor_id is
// authoritative for its own address, and any other_members it lists are
// added to our dial set transitively when not already known. Returns
// addresses newly discovered by this call so the caller can schedule a
// dial against them.
func (s *State) MergeRemote(remote wire.ClusterState, sourceAddress string) (newAddresses []string) {
	if existing, ok := s.Members[remote.ActorID]; ok {
		existing.Address = sourceAddress
		existing.Connected = true
	} else {
		s.Members[remote.ActorID] = &Member{ActorID: remote.ActorID, Address: sourceAddress, Connected: true}
	}

	for _, m := range remote.Members {
		if m.ActorID == s.ActorID {
			continue
		}
		if _, known := s.Members[m.ActorID]; known {
			continue
		}
		s.Members[m.ActorID] = &Member{ActorID: m.ActorID, Address: m.Address, Connected: false}
		if m.Address != "" {
			newAddresses = append(newAddresses, m.Address)
		}
	}
	return newAddresses
}

// MarkDisconnected flips a member's connected flag on peer I/O loss
// (spec §7: "Peer I/O: connection loss. Action: flip connected=false...").
func (s *State) MarkDisconnected(actor event.ActorID) {
	if m, ok := s.Members[actor]; ok {
		m.Connected = false
	}
}

// AdvanceLocal folds a freshly appended local event id into the state's
// own version vector, so the next PeerUpdate reflects it.
func (s *State) AdvanceLocal(id event.ID) {
	s.VersionVector.Advance(id)
}
