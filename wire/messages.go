package wire

import (
	"github.com/flowbroker/flowbroker/cmn/cos"
	"github.com/flowbroker/flowbroker/event"
)

// Message is any decoded frame body. Tag identifies which wire variant
// it came from so callers can type-switch.
type Message interface {
	Tag() Tag
}

type ClientAuth struct {
	Namespace string
	Username  string
	Password  string
}

func (ClientAuth) Tag() Tag { return TagClientAuth }

// ProduceEventHeader is everything ProduceEvent carries except the
// payload itself, which the caller streams separately once it knows
// DataLen (spec §4.A: "ProduceEvent and ReceiveEvent decode only the
// header").
type ProduceEventHeader struct {
	Namespace string
	ParentID  event.ID
	OpID      uint32
	DataLen   uint32
}

func (ProduceEventHeader) Tag() Tag { return TagProduceEvent }

type ReceiveEventHeader struct {
	ID        event.ID
	ParentID  event.ID
	Timestamp int64
	Namespace string
	DataLen   uint32
}

func (ReceiveEventHeader) Tag() Tag { return TagReceiveEvent }

type UpdateMarker struct {
	ID event.ID
}

func (UpdateMarker) Tag() Tag { return TagUpdateMarker }

type StartConsuming struct {
	OpID      uint32
	Namespace string
	MaxEvents uint64
}

func (StartConsuming) Tag() Tag { return TagStartConsuming }

type AwaitingEvents struct{}

func (AwaitingEvents) Tag() Tag { return TagAwaitingEvents }

type PeerAnnounce struct {
	State ClusterState
}

func (PeerAnnounce) Tag() Tag { return TagPeerAnnounce }

type PeerUpdate struct {
	State ClusterState
}

func (PeerUpdate) Tag() Tag { return TagPeerUpdate }

type AckEvent struct {
	OpID uint32
	ID   event.ID
}

func (AckEvent) Tag() Tag { return TagAckEvent }

type ErrorMsg struct {
	OpID        uint32
	Kind        cos.ErrKind
	Description string
}

func (ErrorMsg) Tag() Tag { return TagError }

// ReservedClusterState is tag 11's empty reserved body, kept only so
// every one of the 16 tags round-trips (spec §8).
type ReservedClusterState struct{}

func (ReservedClusterState) Tag() Tag { return TagClusterState }

type SetBatchSize struct {
	BatchSize uint32
}

func (SetBatchSize) Tag() Tag { return TagSetBatchSize }

type NextBatch struct{}

func (NextBatch) Tag() Tag { return TagNextBatch }

type EndOfBatch struct{}

func (EndOfBatch) Tag() Tag { return TagEndOfBatch }

type StopConsuming struct{}

func (StopConsuming) Tag() Tag { return TagStopConsuming }

type CursorCreated struct {
	OpID      uint32
	BatchSize uint32
}

func (CursorCreated) Tag() Tag { return TagCursorCreated }
