package wire

import (
	"github.com/flowbroker/flowbroker/cmn/cos"
	"github.com/flowbroker/flowbroker/event"
)

// Member mirrors spec §3's ClusterMember: (actor_id, address, connected).
type Member struct {
	ActorID   event.ActorID
	Address   string // textual "host:port"
	Connected bool
}

// ClusterState is the nested body carried by PeerAnnounce/PeerUpdate
// (spec §4.A "cluster_state"): one peer's snapshot of actor id, listening
// port, version vector, and other known members.
type ClusterState struct {
	ActorID       event.ActorID
	ActorPort     uint16
	VersionVector []event.ID
	Members       []Member
}

func encodeClusterState(e *packetEncoder, cs ClusterState) error {
	if err := e.putUint16(uint16(cs.ActorID)); err != nil {
		return err
	}
	if err := e.putUint16(cs.ActorPort); err != nil {
		return err
	}
	if err := e.putUint16(uint16(len(cs.VersionVector))); err != nil {
		return err
	}
	for _, id := range cs.VersionVector {
		if err := e.putUint64(id.Counter); err != nil {
			return err
		}
		if err := e.putUint16(uint16(id.Actor)); err != nil {
			return err
		}
	}
	if err := e.putUint16(uint16(len(cs.Members))); err != nil {
		return err
	}
	for _, m := range cs.Members {
		if err := e.putUint16(uint16(m.ActorID)); err != nil {
			return err
		}
		if err := e.putString(m.Address); err != nil {
			return err
		}
		if err := e.putBool(m.Connected); err != nil {
			return err
		}
	}
	return nil
}

func decodeClusterState(d *packetDecoder) (ClusterState, error) {
	var cs ClusterState

	actorID, err := d.getUint16()
	if err != nil {
		return cs, err
	}
	cs.ActorID = event.ActorID(actorID)

	cs.ActorPort, err = d.getUint16()
	if err != nil {
		return cs, err
	}

	vvLen, err := d.getUint16()
	if err != nil {
		return cs, err
	}
	cs.VersionVector = make([]event.ID, 0, vvLen)
	for i := uint16(0); i < vvLen; i++ {
		counter, err := d.getUint64()
		if err != nil {
			return cs, err
		}
		actor, err := d.getUint16()
		if err != nil {
			return cs, err
		}
		cs.VersionVector = append(cs.VersionVector, event.ID{Actor: event.ActorID(actor), Counter: counter})
	}

	membersLen, err := d.getUint16()
	if err != nil {
		return cs, err
	}
	cs.Members = make([]Member, 0, membersLen)
	for i := uint16(0); i < membersLen; i++ {
		actorID, err := d.getUint16()
		if err != nil {
			return cs, err
		}
		addr, err := d.getString()
		if err != nil {
			return cs, err
		}
		connected, err := d.getBool()
		if err != nil {
			return cs, err
		}
		cs.Members = append(cs.Members, Member{ActorID: event.ActorID(actorID), Address: addr, Connected: connected})
	}

	if err := validateVersionVector(cs.VersionVector); err != nil {
		return cs, err
	}

	return cs, nil
}

// validateVersionVector checks every entry for a duplicate actor,
// aggregating every malformed entry into a cos.Errs rather than
// reporting only the first (spec §4.A/§8: a cluster_state body with more
// than one duplicate-actor entry is rejected with all of them named).
func validateVersionVector(ids []event.ID) error {
	var errs cos.Errs
	seen := make(map[event.ActorID]bool, len(ids))
	for _, id := range ids {
		if seen[id.Actor] {
			errs.Add(cos.NewValidationError(cos.ErrKindInvalidVersionVector,
				"duplicate actor %d in cluster_state version vector", id.Actor))
			continue
		}
		seen[id.Actor] = true
	}
	if errs.Empty() {
		return nil
	}
	return &errs
}

// clusterStateLen returns the exact byte length encodeClusterState will
// produce, used by callers (e.g. PeerAnnounce/PeerUpdate encoders)
// sizing an output buffer up front.
func clusterStateLen(cs ClusterState) int {
	n := 2 + 2 + 2 + len(cs.VersionVector)*(8+2) + 2
	for _, m := range cs.Members {
		n += 2 + 2 + len(m.Address) + 1
	}
	return n
}
