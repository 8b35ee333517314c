package cluster

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/flowbroker/flowbroker/wire"
)

var snapshotJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// snapshotView is the JSON-friendly shape of a wire.ClusterState. The
// wire protocol itself stays binary (spec §4.A); this is purely for
// embedders exposing cluster introspection over their own transport
// (e.g. an HTTP debug handler), per original_source's embedded snapshot
// getter.
type snapshotView struct {
	ActorID   uint16           `json:"actor_id"`
	ActorPort uint16           `json:"actor_port"`
	Vector    []snapshotVecEnt `json:"version_vector"`
	Members   []snapshotMember `json:"members"`
}

type snapshotVecEnt struct {
	Actor   uint16 `json:"actor"`
	Counter uint64 `json:"counter"`
}

type snapshotMember struct {
	ActorID   uint16 `json:"actor_id"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

// MarshalSnapshot renders cs as JSON for an embedder's own introspection
// surface.
func MarshalSnapshot(cs wire.ClusterState) ([]byte, error) {
	view := snapshotView{
		ActorID:   uint16(cs.ActorID),
		ActorPort: cs.ActorPort,
		Vector:    make([]snapshotVecEnt, len(cs.VersionVector)),
		Members:   make([]snapshotMember, len(cs.Members)),
	}
	for i, id := range cs.VersionVector {
		view.Vector[i] = snapshotVecEnt{Actor: uint16(id.Actor), Counter: id.Counter}
	}
	for i, m := range cs.Members {
		view.Members[i] = snapshotMember{ActorID: uint16(m.ActorID), Address: m.Address, Connected: m.Connected}
	}
	return snapshotJSON.Marshal(view)
}
