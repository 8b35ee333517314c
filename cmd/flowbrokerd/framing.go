package main

import (
	"context"
	"io"
	"net"

	"github.com/flowbroker/flowbroker/cluster"
	"github.com/flowbroker/flowbroker/cmn/nlog"
	"github.com/flowbroker/flowbroker/conn"
	"github.com/flowbroker/flowbroker/wire"
)

// writeFrame encodes one outbound frame and, for message kinds carrying
// an out-of-band payload, writes the raw payload bytes immediately after
// (spec §4.A header-then-payload framing).
func writeFrame(w io.Writer, f conn.Frame) error {
	buf := make([]byte, wire.EncodedLen(f.Msg))
	n, err := wire.Encode(buf, f.Msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// frameReader accumulates raw bytes off a net.Conn and hands complete
// frames (header plus, for ProduceEvent/ReceiveEvent, the DataLen
// payload that follows it) to the caller, honoring wire.Decode's
// incremental contract: a StatusIncomplete result means read more and
// retry, never that the frame is malformed.
type frameReader struct {
	nc  net.Conn
	buf []byte
}

func (fr *frameReader) fill() error {
	tmp := make([]byte, 4096)
	n, err := fr.nc.Read(tmp)
	if n > 0 {
		fr.buf = append(fr.buf, tmp[:n]...)
	}
	if n > 0 && err == io.EOF {
		return nil
	}
	return err
}

func (fr *frameReader) next() (wire.Message, []byte, error) {
	for {
		res := wire.Decode(fr.buf)
		switch res.Status {
		case wire.StatusDone:
			fr.buf = fr.buf[res.Consumed:]
			payload, err := fr.readPayload(res.Msg)
			return res.Msg, payload, err
		case wire.StatusError:
			return nil, nil, res.Err
		default: // StatusIncomplete
			if err := fr.fill(); err != nil {
				return nil, nil, err
			}
		}
	}
}

func (fr *frameReader) readPayload(msg wire.Message) ([]byte, error) {
	var dataLen uint32
	switch m := msg.(type) {
	case wire.ProduceEventHeader:
		dataLen = m.DataLen
	case wire.ReceiveEventHeader:
		dataLen = m.DataLen
	default:
		return nil, nil
	}
	for uint32(len(fr.buf)) < dataLen {
		if err := fr.fill(); err != nil {
			return nil, err
		}
	}
	payload := make([]byte, dataLen)
	copy(payload, fr.buf[:dataLen])
	fr.buf = fr.buf[dataLen:]
	return payload, nil
}

// readFramedLoop drives handler from nc until the connection closes or a
// framing error occurs.
func readFramedLoop(nc net.Conn, handler *conn.Connection) {
	fr := &frameReader{nc: nc}
	for {
		msg, payload, err := fr.next()
		if err != nil {
			if err != io.EOF {
				nlog.Warningf("conn %s: %v", handler.DiagID, err)
			}
			return
		}
		if h, ok := msg.(wire.ProduceEventHeader); ok {
			handler.HandleProduceEvent(h, payload)
			continue
		}
		if err := handler.Handle(msg); err != nil {
			nlog.Warningf("conn %s: handle %s: %v", handler.DiagID, msg.Tag(), err)
			return
		}
	}
}

// tcpDialer implements cluster.Dialer over a plain TCP connection,
// speaking the same framed protocol as the client listener.
func tcpDialer(ctx context.Context, address string) (cluster.PeerLink, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return &tcpPeerLink{nc: nc, fr: &frameReader{nc: nc}}, nil
}

type tcpPeerLink struct {
	nc net.Conn
	fr *frameReader
}

func (l *tcpPeerLink) Send(msg wire.Message, payload []byte) error {
	return writeFrame(l.nc, conn.Frame{Msg: msg, Payload: payload})
}

func (l *tcpPeerLink) Recv() (wire.Message, []byte, error) {
	return l.fr.next()
}

func (l *tcpPeerLink) Close() error { return l.nc.Close() }
