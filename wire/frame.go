package wire

import (
	"errors"
	"fmt"

	"github.com/flowbroker/flowbroker/cmn/cos"
	"github.com/flowbroker/flowbroker/event"
)

// Status is the outcome of an incremental Decode call (spec §4.A parser
// contract): Done, Incomplete, or Error.
type Status int

const (
	StatusDone Status = iota
	StatusIncomplete
	StatusError
)

// DecodeResult is what Decode returns. On StatusDone, Consumed is the
// number of header bytes read from buf (the caller advances its read
// cursor by Consumed and, for ProduceEvent/ReceiveEvent, separately
// streams DataLen payload bytes per spec §4.A). On StatusIncomplete,
// NeedAtLeast is a lower bound on how many total bytes from the start of
// buf would be required to make progress — not a promise that exactly
// that many bytes suffice, since later fields aren't inspected yet.
type DecodeResult struct {
	Status      Status
	Msg         Message
	Consumed    int
	NeedAtLeast int
	Err         error
}

var (
	errUnknownTag        = errors.New("unknown frame tag")
	errZeroEventCounter  = errors.New("ReceiveEvent with counter=0 is a framing violation")
	errUnknownErrKind    = errors.New("unknown error kind byte")
)

// Decode attempts to parse one frame from the front of buf. It never
// reads past a complete, well-formed frame: any trailing bytes are left
// untouched for the next call (spec §8 "Incrementality").
func Decode(buf []byte) DecodeResult {
	if len(buf) < 1 {
		return DecodeResult{Status: StatusIncomplete, NeedAtLeast: 1}
	}
	tag := Tag(buf[0])
	d := newPacketDecoder(buf[1:])

	msg, err := decodeBody(tag, d)
	if err != nil {
		var underrun *errUnderrun
		if errors.As(err, &underrun) {
			return DecodeResult{Status: StatusIncomplete, NeedAtLeast: 1 + d.off + underrun.need}
		}
		return DecodeResult{Status: StatusError, Err: err}
	}
	return DecodeResult{Status: StatusDone, Msg: msg, Consumed: 1 + d.off}
}

func decodeBody(tag Tag, d *packetDecoder) (Message, error) {
	switch tag {
	case TagClientAuth:
		ns, err := d.getString()
		if err != nil {
			return nil, err
		}
		user, err := d.getString()
		if err != nil {
			return nil, err
		}
		pass, err := d.getString()
		if err != nil {
			return nil, err
		}
		return ClientAuth{Namespace: ns, Username: user, Password: pass}, nil

	case TagProduceEvent:
		ns, err := d.getString()
		if err != nil {
			return nil, err
		}
		parentCounter, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		parentActor, err := d.getUint16()
		if err != nil {
			return nil, err
		}
		opID, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		dataLen, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		return ProduceEventHeader{
			Namespace: ns,
			ParentID:  event.ID{Actor: event.ActorID(parentActor), Counter: parentCounter},
			OpID:      opID,
			DataLen:   dataLen,
		}, nil

	case TagReceiveEvent:
		counter, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		actor, err := d.getUint16()
		if err != nil {
			return nil, err
		}
		parentCounter, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		parentActor, err := d.getUint16()
		if err != nil {
			return nil, err
		}
		ts, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		ns, err := d.getString()
		if err != nil {
			return nil, err
		}
		dataLen, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		if counter == 0 {
			return nil, errZeroEventCounter
		}
		return ReceiveEventHeader{
			ID:        event.ID{Actor: event.ActorID(actor), Counter: counter},
			ParentID:  event.ID{Actor: event.ActorID(parentActor), Counter: parentCounter},
			Timestamp: int64(ts),
			Namespace: ns,
			DataLen:   dataLen,
		}, nil

	case TagUpdateMarker:
		counter, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		actor, err := d.getUint16()
		if err != nil {
			return nil, err
		}
		return UpdateMarker{ID: event.ID{Actor: event.ActorID(actor), Counter: counter}}, nil

	case TagStartConsuming:
		opID, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		ns, err := d.getString()
		if err != nil {
			return nil, err
		}
		maxEvents, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		return StartConsuming{OpID: opID, Namespace: ns, MaxEvents: maxEvents}, nil

	case TagAwaitingEvents:
		return AwaitingEvents{}, nil

	case TagPeerAnnounce:
		cs, err := decodeClusterState(d)
		if err != nil {
			return nil, err
		}
		return PeerAnnounce{State: cs}, nil

	case TagPeerUpdate:
		cs, err := decodeClusterState(d)
		if err != nil {
			return nil, err
		}
		return PeerUpdate{State: cs}, nil

	case TagAckEvent:
		opID, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		counter, err := d.getUint64()
		if err != nil {
			return nil, err
		}
		actor, err := d.getUint16()
		if err != nil {
			return nil, err
		}
		return AckEvent{OpID: opID, ID: event.ID{Actor: event.ActorID(actor), Counter: counter}}, nil

	case TagError:
		opID, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		kindByte, err := d.getByte()
		if err != nil {
			return nil, err
		}
		desc, err := d.getString()
		if err != nil {
			return nil, err
		}
		kind := cos.ErrKind(kindByte)
		switch kind {
		case cos.ErrKindInvalidNamespaceGlob, cos.ErrKindInvalidConsumerState,
			cos.ErrKindInvalidVersionVector, cos.ErrKindStorageEngineError:
		default:
			return nil, errUnknownErrKind
		}
		return ErrorMsg{OpID: opID, Kind: kind, Description: desc}, nil

	case TagClusterState:
		return ReservedClusterState{}, nil

	case TagSetBatchSize:
		batchSize, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		return SetBatchSize{BatchSize: batchSize}, nil

	case TagNextBatch:
		return NextBatch{}, nil

	case TagEndOfBatch:
		return EndOfBatch{}, nil

	case TagStopConsuming:
		return StopConsuming{}, nil

	case TagCursorCreated:
		opID, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		batchSize, err := d.getUint32()
		if err != nil {
			return nil, err
		}
		return CursorCreated{OpID: opID, BatchSize: batchSize}, nil

	default:
		return nil, fmt.Errorf("%w: %d", errUnknownTag, tag)
	}
}

// Encode writes msg's header bytes into buf and returns the count
// written. The caller is responsible for appending the `data` payload
// for ProduceEventHeader/ReceiveEventHeader afterward. If buf is too
// small, Encode returns an error and never writes past len(buf).
func Encode(buf []byte, msg Message) (int, error) {
	e := newPacketEncoder(buf)
	if err := e.putByte(byte(msg.Tag())); err != nil {
		return 0, err
	}
	if err := encodeBody(e, msg); err != nil {
		return 0, err
	}
	return e.off, nil
}

func encodeBody(e *packetEncoder, msg Message) error {
	switch m := msg.(type) {
	case ClientAuth:
		if err := e.putString(m.Namespace); err != nil {
			return err
		}
		if err := e.putString(m.Username); err != nil {
			return err
		}
		return e.putString(m.Password)

	case ProduceEventHeader:
		if err := e.putString(m.Namespace); err != nil {
			return err
		}
		if err := e.putUint64(m.ParentID.Counter); err != nil {
			return err
		}
		if err := e.putUint16(uint16(m.ParentID.Actor)); err != nil {
			return err
		}
		if err := e.putUint32(m.OpID); err != nil {
			return err
		}
		return e.putUint32(m.DataLen)

	case ReceiveEventHeader:
		if err := e.putUint64(m.ID.Counter); err != nil {
			return err
		}
		if err := e.putUint16(uint16(m.ID.Actor)); err != nil {
			return err
		}
		if err := e.putUint64(m.ParentID.Counter); err != nil {
			return err
		}
		if err := e.putUint16(uint16(m.ParentID.Actor)); err != nil {
			return err
		}
		if err := e.putUint64(uint64(m.Timestamp)); err != nil {
			return err
		}
		if err := e.putString(m.Namespace); err != nil {
			return err
		}
		return e.putUint32(m.DataLen)

	case UpdateMarker:
		if err := e.putUint64(m.ID.Counter); err != nil {
			return err
		}
		return e.putUint16(uint16(m.ID.Actor))

	case StartConsuming:
		if err := e.putUint32(m.OpID); err != nil {
			return err
		}
		if err := e.putString(m.Namespace); err != nil {
			return err
		}
		return e.putUint64(m.MaxEvents)

	case AwaitingEvents:
		return nil

	case PeerAnnounce:
		return encodeClusterState(e, m.State)

	case PeerUpdate:
		return encodeClusterState(e, m.State)

	case AckEvent:
		if err := e.putUint32(m.OpID); err != nil {
			return err
		}
		if err := e.putUint64(m.ID.Counter); err != nil {
			return err
		}
		return e.putUint16(uint16(m.ID.Actor))

	case ErrorMsg:
		if err := e.putUint32(m.OpID); err != nil {
			return err
		}
		if err := e.putByte(byte(m.Kind)); err != nil {
			return err
		}
		return e.putString(m.Description)

	case ReservedClusterState:
		return nil

	case SetBatchSize:
		return e.putUint32(m.BatchSize)

	case NextBatch:
		return nil

	case EndOfBatch:
		return nil

	case StopConsuming:
		return nil

	case CursorCreated:
		if err := e.putUint32(m.OpID); err != nil {
			return err
		}
		return e.putUint32(m.BatchSize)

	default:
		return fmt.Errorf("wire: unknown message type %T", msg)
	}
}

// EncodedLen returns the exact number of header bytes Encode would write
// for msg, letting callers size an output buffer precisely — mirrors the
// teacher's practice of precomputing header size (transport/api.go's
// sizeofh) rather than over-allocating.
func EncodedLen(msg Message) int {
	switch m := msg.(type) {
	case ClientAuth:
		return 1 + 2 + len(m.Namespace) + 2 + len(m.Username) + 2 + len(m.Password)
	case ProduceEventHeader:
		return 1 + 2 + len(m.Namespace) + 8 + 2 + 4 + 4
	case ReceiveEventHeader:
		return 1 + 8 + 2 + 8 + 2 + 8 + 2 + len(m.Namespace) + 4
	case UpdateMarker:
		return 1 + 8 + 2
	case StartConsuming:
		return 1 + 4 + 2 + len(m.Namespace) + 8
	case AwaitingEvents:
		return 1
	case PeerAnnounce:
		return 1 + clusterStateLen(m.State)
	case PeerUpdate:
		return 1 + clusterStateLen(m.State)
	case AckEvent:
		return 1 + 4 + 8 + 2
	case ErrorMsg:
		return 1 + 4 + 1 + 2 + len(m.Description)
	case ReservedClusterState:
		return 1
	case SetBatchSize:
		return 1 + 4
	case NextBatch:
		return 1
	case EndOfBatch:
		return 1
	case StopConsuming:
		return 1
	case CursorCreated:
		return 1 + 4 + 4
	default:
		return 0
	}
}
