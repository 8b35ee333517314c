package cluster

import (
	"context"

	"github.com/flowbroker/flowbroker/wire"
)

// PeerLink is the transport-agnostic duplex the cluster manager speaks
// over to one peer. A framed TCP socket would implement it in production
// by running wire.Decode/wire.Encode over the connection (spec §6: "the
// initial frame on a peer TCP connection must be PeerAnnounce"); tests
// and the embedded interface use an in-memory implementation instead.
// Establishing the socket itself (accept loop, dial, framing I/O) is out
// of scope per spec §1 — the manager only consumes this interface.
type PeerLink interface {
	// Send writes msg, with payload appended for the header/payload
	// message kinds (ProduceEventHeader, ReceiveEventHeader). payload is
	// nil for every other message type.
	Send(msg wire.Message, payload []byte) error
	// Recv blocks for the next frame. payload mirrors Send's contract.
	Recv() (msg wire.Message, payload []byte, err error)
	Close() error
}

// Dialer opens a PeerLink to address, or returns an error if the peer is
// unreachable (spec §4.G point 1: "Attempts TCP connect. On failure...").
type Dialer func(ctx context.Context, address string) (PeerLink, error)
