package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbroker/flowbroker/cmn/cos"
	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/wire"
)

func roundTrip(t *testing.T, msg wire.Message) wire.DecodeResult {
	t.Helper()
	buf := make([]byte, wire.EncodedLen(msg))
	n, err := wire.Encode(buf, msg)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	res := wire.Decode(buf)
	require.Equal(t, wire.StatusDone, res.Status, "decode error: %v", res.Err)
	require.Equal(t, len(buf), res.Consumed)
	require.Equal(t, msg, res.Msg)
	return res
}

func TestRoundTripAllTags(t *testing.T) {
	cases := []wire.Message{
		wire.ClientAuth{Namespace: "/foo", Username: "alice", Password: "secret"},
		wire.ProduceEventHeader{Namespace: "/foo/bar", ParentID: event.NilID, OpID: 9, DataLen: 5},
		wire.ReceiveEventHeader{
			ID:        event.ID{Actor: 1, Counter: 500},
			ParentID:  event.NilID,
			Timestamp: 1234567890,
			Namespace: "/foo/bar",
			DataLen:   5,
		},
		wire.UpdateMarker{ID: event.ID{Actor: 7, Counter: 42}},
		wire.StartConsuming{OpID: 1, Namespace: "/a/**", MaxEvents: 5},
		wire.AwaitingEvents{},
		wire.PeerAnnounce{State: sampleClusterState()},
		wire.PeerUpdate{State: sampleClusterState()},
		wire.AckEvent{OpID: 2345667, ID: event.ID{Actor: 123, Counter: 456}},
		wire.ErrorMsg{OpID: 3, Kind: cos.ErrKindInvalidConsumerState, Description: "bad state"},
		wire.ReservedClusterState{},
		wire.SetBatchSize{BatchSize: 100},
		wire.NextBatch{},
		wire.EndOfBatch{},
		wire.StopConsuming{},
		wire.CursorCreated{OpID: 1, BatchSize: 10000},
	}
	require.Len(t, cases, 16, "must cover all 16 tags")

	for _, msg := range cases {
		msg := msg
		t.Run(msg.Tag().String(), func(t *testing.T) {
			roundTrip(t, msg)
		})
	}
}

func sampleClusterState() wire.ClusterState {
	return wire.ClusterState{
		ActorID:   5,
		ActorPort: 5555,
		VersionVector: []event.ID{
			{Actor: 5, Counter: 6},
			{Actor: 1, Counter: 9},
			{Actor: 2, Counter: 1},
		},
		Members: []wire.Member{
			{ActorID: 6, Address: "0.0.0.0:4444", Connected: true},
			{ActorID: 3, Address: "7.8.9.10:3333", Connected: false},
			{ActorID: 2, Address: "0.0.0.0:4444", Connected: true},
		},
	}
}

func TestTrailingBytesPreserved(t *testing.T) {
	msg := wire.AckEvent{OpID: 2345667, ID: event.ID{Actor: 123, Counter: 456}}
	buf := make([]byte, wire.EncodedLen(msg))
	n, err := wire.Encode(buf, msg)
	require.NoError(t, err)

	tail := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	framed := append(buf[:n:n], tail...)

	res := wire.Decode(framed)
	require.Equal(t, wire.StatusDone, res.Status)
	require.Equal(t, msg, res.Msg)
	require.Equal(t, n, res.Consumed)
	require.Equal(t, tail, framed[res.Consumed:])
}

func TestIncompletePrefix(t *testing.T) {
	msg := wire.CursorCreated{OpID: 1, BatchSize: 10000}
	buf := make([]byte, wire.EncodedLen(msg))
	n, err := wire.Encode(buf, msg)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		res := wire.Decode(buf[:i])
		require.Equal(t, wire.StatusIncomplete, res.Status, "prefix length %d", i)
		require.Greater(t, res.NeedAtLeast, i)
	}
}

func TestReceiveEventZeroCounterIsFramingError(t *testing.T) {
	msg := wire.ReceiveEventHeader{
		ID:        event.ID{Actor: 1, Counter: 0},
		Namespace: "/a",
	}
	buf := make([]byte, wire.EncodedLen(msg))
	n, err := wire.Encode(buf, msg)
	require.NoError(t, err)

	res := wire.Decode(buf[:n])
	require.Equal(t, wire.StatusError, res.Status)
	require.Error(t, res.Err)
}

func TestInvalidUTF8InStringField(t *testing.T) {
	// Hand-build a StartConsuming frame with an invalid UTF-8 namespace.
	raw := []byte{byte(wire.TagStartConsuming)}
	raw = append(raw, 0, 0, 0, 1) // op_id
	raw = append(raw, 0, 2, 0xFF, 0xFE) // invalid utf-8 string, len=2
	raw = append(raw, 0, 0, 0, 0, 0, 0, 0, 0) // max_events

	res := wire.Decode(raw)
	require.Equal(t, wire.StatusError, res.Status)
}

func TestPeerAnnounceDuplicateActorsInVersionVectorIsFramingError(t *testing.T) {
	msg := wire.PeerAnnounce{State: wire.ClusterState{
		ActorID: 5,
		VersionVector: []event.ID{
			{Actor: 1, Counter: 1},
			{Actor: 2, Counter: 1},
			{Actor: 1, Counter: 2},
			{Actor: 2, Counter: 2},
		},
	}}
	buf := make([]byte, wire.EncodedLen(msg))
	n, err := wire.Encode(buf, msg)
	require.NoError(t, err)

	res := wire.Decode(buf[:n])
	require.Equal(t, wire.StatusError, res.Status)
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "actor 1")
	require.Contains(t, res.Err.Error(), "actor 2")
}

func TestUnknownTagIsFramingError(t *testing.T) {
	res := wire.Decode([]byte{99, 1, 2, 3})
	require.Equal(t, wire.StatusError, res.Status)
}

func TestEncodeBufferTooSmall(t *testing.T) {
	msg := wire.AckEvent{OpID: 1, ID: event.ID{Actor: 1, Counter: 1}}
	buf := make([]byte, 3)
	_, err := wire.Encode(buf, msg)
	require.Error(t, err)
}

func TestLiteralReceiveEventHeaderIsIncomplete(t *testing.T) {
	// spec §8 scenario 4's literal frame bytes: the trailing bytes decode
	// as a namespace length prefix far larger than what follows, so
	// decode must report Incomplete.
	frame := []byte{
		3, 0, 0, 0, 0, 0, 0, 1, 34,
		0, 1,
		0, 0, 0, 0, 0, 0, 0, 0,
		0, 0,
		0, 0, 1, 93, 77, 45, 214, 26,
		47, 101, 118, 101,
	}
	res := wire.Decode(frame)
	require.Equal(t, wire.StatusIncomplete, res.Status)
}
