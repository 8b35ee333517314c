// Package conn implements the per-connection protocol state machine (spec
// §4.E): mode transitions between Fresh/Client/Peer, the producer ACK
// path, and the consumer cursor's batching state machine. It is
// transport-agnostic — grounded on the teacher's transport package idiom
// of separating wire I/O from message handling, generalized here so the
// same Connection serves both a framed TCP socket and the embedded
// in-memory attach path (spec §6 "Embedded interface") identically: both
// feed it decoded wire.Message values and drain Outbound.
package conn

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/teris-io/shortid"

	"github.com/flowbroker/flowbroker/cmn/cos"
	"github.com/flowbroker/flowbroker/cmn/debug"
	"github.com/flowbroker/flowbroker/cmn/nlog"
	"github.com/flowbroker/flowbroker/engine"
	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/internal/metrics"
	"github.com/flowbroker/flowbroker/wire"
)

// Mode is the connection's protocol role (spec §4.E).
type Mode int

const (
	ModeFresh Mode = iota
	ModeClient
	ModePeer
)

func (m Mode) String() string {
	switch m {
	case ModeFresh:
		return "Fresh"
	case ModeClient:
		return "Client"
	case ModePeer:
		return "Peer"
	default:
		return "Unknown"
	}
}

// outboundCapacity bounds the per-connection reply channel. It is
// smaller than DefaultBatchSize, so a cursor forwarding a full batch
// blocks once the channel fills, until the drain side (the embedder's
// socket writer) catches up.
const outboundCapacity = 256

// Connection is one TCP (or embedded) connection's protocol state (spec
// §4.E, §5 Ownership: "each connection is owned by exactly one task").
// All mutation happens through Handle/HandleProduceEvent, called
// serially by that owning task; Outbound may be drained concurrently by
// a writer goroutine.
type Connection struct {
	ID     uint64 // wire-level connection id, allocated by the controller
	DiagID string // opaque per-connection id for log correlation (spec EXPANDED §E)

	ctrl *engine.Controller

	mu   sync.Mutex
	cond *sync.Cond

	mode Mode
	vv   *event.VersionVector // accumulated from UpdateMarker frames

	pendingBatchSize uint32 // last SetBatchSize value, 0 = unset
	cur              *cursor

	peerSyncStarted bool
	peerSubs        []peerSub
	closed          bool

	// Metrics is optional; nil disables all metrics calls. Set it right
	// after New if the embedder wants this connection's cursor/produce
	// activity reflected in the shared collectors.
	Metrics *metrics.Metrics

	// PeerHost is the local cluster membership view this connection
	// merges PeerAnnounce/PeerUpdate bodies into and snapshots from when
	// replying in kind (spec §4.G accept side). cluster.Manager satisfies
	// this; when nil, PeerAnnounce/PeerUpdate bodies are neither merged
	// nor answered, though PeerAnnounce still moves the connection to Peer
	// mode and starts streaming missing events.
	PeerHost PeerHost

	// RemoteHost is the textual IP (no port) this connection is attached
	// to, used only to compose a peer's dial-back address
	// (host:announced_port) when merging its ClusterState. Left unset on
	// the embedded/in-memory attach path, where there is no socket.
	RemoteHost string

	Outbound chan Frame
}

// PeerHost lets a Peer-mode Connection fold an inbound ClusterState into
// local cluster membership and snapshot the local view for its own
// PeerAnnounce reply, without this package importing cluster — the same
// dependency-injection seam Metrics already uses. cluster.Manager
// implements it.
type PeerHost interface {
	Snapshot() wire.ClusterState
	MergeAnnounce(remote wire.ClusterState, sourceAddress string)
}

// peerSub is one of a Peer connection's missing-event subscriptions,
// tracked so Close can unsubscribe it instead of leaking it on the
// stream forever.
type peerSub struct {
	stream *engine.Stream
	sub    *engine.Subscription
}

// Frame pairs an outbound wire.Message with its out-of-band payload
// bytes, mirroring spec §4.A's header-then-payload framing on the wire
// (only ReceiveEventHeader carries one; every other outbound message has
// a nil Payload).
type Frame struct {
	Msg     wire.Message
	Payload []byte
}

// New creates a Fresh connection bound to ctrl, with wire-level id connID
// (spec §4.H: allocated via Controller.NextConnectionID).
func New(ctrl *engine.Controller, connID uint64) *Connection {
	diag, err := shortid.Generate()
	if err != nil {
		diag = "conn"
		nlog.Warningf("shortid generation failed, falling back to static diagnostic id: %v", err)
	}
	c := &Connection{
		ID:       connID,
		DiagID:   diag,
		ctrl:     ctrl,
		mode:     ModeFresh,
		vv:       event.NewVersionVector(),
		Outbound: make(chan Frame, outboundCapacity),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// reply enqueues an outbound frame. Called with c.mu held; the channel
// send itself releases nothing, so a stalled drain blocks the owning
// task while the channel is full; Outbound's only reader is this
// connection's own writer.
func (c *Connection) reply(msg wire.Message) {
	c.Outbound <- Frame{Msg: msg}
}

// replyWithPayload is reply for the one outbound message kind that
// carries a body out of band from its header (ReceiveEventHeader).
func (c *Connection) replyWithPayload(msg wire.Message, payload []byte) {
	c.Outbound <- Frame{Msg: msg, Payload: payload}
}

func (c *Connection) sendError(opID uint32, kind cos.ErrKind, desc string) {
	c.reply(wire.ErrorMsg{OpID: opID, Kind: kind, Description: desc})
}

// Handle dispatches one decoded, non-payload-bearing inbound frame.
// ProduceEvent is handled separately by HandleProduceEvent since its
// payload arrives out of band from the header (spec §4.A). A non-nil
// error here has no op_id to echo (spec §7: "errors without an op
// context... close the connection without reply") — the caller is
// expected to close the connection on error.
func (c *Connection) Handle(msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := msg.(type) {
	case wire.ClientAuth:
		// Open Question resolution (spec §9): ClientAuth is speculative
		// and performs no check; the wire slot is retained but any use
		// of it is rejected outright, regardless of current mode.
		c.sendError(0, cos.ErrKindInvalidConsumerState, "ClientAuth is not implemented")
		return nil
	case wire.UpdateMarker:
		return c.handleUpdateMarker(m)
	case wire.SetBatchSize:
		return c.handleSetBatchSize(m)
	case wire.StartConsuming:
		c.handleStartConsuming(m)
		return nil
	case wire.NextBatch:
		return c.handleNextBatch()
	case wire.StopConsuming:
		return c.handleStopConsuming()
	case wire.PeerAnnounce:
		return c.handlePeerAnnounce(m)
	case wire.PeerUpdate:
		return c.handlePeerUpdate(m)
	default:
		return errors.Errorf("connection %d: unexpected message tag %s", c.ID, msg.Tag())
	}
}

// enterClientMode applies the Fresh -> Client transition, or rejects a
// cross-role message from a Peer connection (spec §4.E). Must be called
// with c.mu held.
func (c *Connection) enterClientMode() error {
	switch c.mode {
	case ModeFresh:
		c.mode = ModeClient
		return nil
	case ModeClient:
		return nil
	default:
		return cos.NewValidationError(cos.ErrKindInvalidConsumerState,
			"connection %d is in Peer mode, rejecting client message", c.ID)
	}
}

func (c *Connection) handleUpdateMarker(m wire.UpdateMarker) error {
	if err := c.enterClientMode(); err != nil {
		c.sendError(0, cos.ErrKindInvalidConsumerState, err.Error())
		return nil
	}
	if err := c.vv.AddMarker(m.ID); err != nil {
		c.sendError(0, cos.ErrKindInvalidVersionVector, err.Error())
		return nil
	}
	return nil
}

func (c *Connection) handleSetBatchSize(m wire.SetBatchSize) error {
	if err := c.enterClientMode(); err != nil {
		c.sendError(0, cos.ErrKindInvalidConsumerState, err.Error())
		return nil
	}
	if c.cur != nil && (c.cur.state == CursorActive || c.cur.state == CursorWaitingForNext) {
		c.sendError(0, cos.ErrKindInvalidConsumerState, "cannot SetBatchSize while cursor is active")
		return nil
	}
	size := m.BatchSize
	if size == 0 {
		size = DefaultBatchSize
	}
	if size > MaxBatchSize {
		size = MaxBatchSize
	}
	c.pendingBatchSize = size
	return nil
}

// handleStartConsuming implements spec §4.E's Idle -> Active transition:
// it resolves the target stream, subscribes for live events, replays the
// backlog not yet covered by the connection's version vector, and emits
// CursorCreated followed by AwaitingEvents once the backlog is exhausted
// while the cursor is still Active.
func (c *Connection) handleStartConsuming(m wire.StartConsuming) {
	if err := c.enterClientMode(); err != nil {
		c.sendError(m.OpID, cos.ErrKindInvalidConsumerState, err.Error())
		return
	}
	if c.cur != nil && c.cur.state != CursorStopped {
		c.sendError(m.OpID, cos.ErrKindInvalidConsumerState, "a cursor is already active on this connection")
		return
	}
	if err := event.ValidateGlob(m.Namespace); err != nil {
		c.sendError(m.OpID, cos.ErrKindInvalidNamespaceGlob, err.Error())
		return
	}

	batchSize := c.pendingBatchSize
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}

	stream, err := c.ctrl.StreamForNamespace(m.Namespace)
	if err != nil {
		c.sendError(m.OpID, cos.ErrKindStorageEngineError, err.Error())
		return
	}

	sub, err := stream.Subscribe(m.Namespace, c.vv.Clone(), int(batchSize))
	if err != nil {
		c.sendError(m.OpID, cos.ErrKindInvalidNamespaceGlob, err.Error())
		return
	}

	backlog, err := stream.Iterate(c.vv, m.Namespace)
	if err != nil {
		stream.Unsubscribe(sub.ID())
		c.sendError(m.OpID, cos.ErrKindStorageEngineError, err.Error())
		return
	}

	cur := newCursor(m.Namespace, c.vv.Clone(), batchSize, m.MaxEvents)
	cur.sub = sub
	cur.stream = stream
	c.cur = cur

	c.reply(wire.CursorCreated{OpID: m.OpID, BatchSize: batchSize})
	if c.Metrics != nil {
		c.Metrics.IncCursorsActive()
	}

	for _, ev := range backlog {
		if cur.state != CursorActive {
			break
		}
		if cur.seen(ev.ID()) {
			continue
		}
		c.forwardLocked(cur, event.NewShared(ev))
	}

	if cur.state == CursorActive && !cur.awaitingLatched {
		cur.awaitingLatched = true
		c.reply(wire.AwaitingEvents{})
	}

	go c.pumpCursor(cur)
}

// pumpCursor drains cur's live subscription and forwards events as they
// arrive, honoring the batch/WaitingForNext pause and Stopped drain (spec
// §4.E, §5 Cancellation). It exits when the subscription channel closes
// (the stream dropped this cursor, or Unsubscribe was called).
func (c *Connection) pumpCursor(cur *cursor) {
	for shared := range cur.sub.Events {
		c.mu.Lock()
		for cur.state == CursorWaitingForNext {
			c.cond.Wait()
		}
		if cur.state == CursorStopped {
			c.mu.Unlock()
			continue // drain silently, per spec §4.E StopConsuming
		}
		if !cur.seen(shared.ID()) {
			c.forwardLocked(cur, shared)
		}
		c.mu.Unlock()
	}
}

// forwardLocked emits one ReceiveEvent frame for ev and advances the
// batch counter, transitioning to WaitingForNext and emitting EndOfBatch
// once the batch is exhausted. Must be called with c.mu held.
func (c *Connection) forwardLocked(cur *cursor, ev event.Event) {
	debug.Assert(cur.state == CursorActive, "forwardLocked called on a non-Active cursor")
	c.replyWithPayload(wire.ReceiveEventHeader{
		ID:        ev.ID(),
		ParentID:  ev.ParentID(),
		Timestamp: ev.Timestamp(),
		Namespace: ev.Namespace(),
		DataLen:   uint32(ev.DataLen()),
	}, ev.Data())

	cur.totalDelivered++
	if cur.batchRemaining > 0 {
		cur.batchRemaining--
	}
	maxReached := cur.maxEvents > 0 && cur.totalDelivered >= cur.maxEvents
	if cur.batchRemaining == 0 || maxReached {
		cur.state = CursorWaitingForNext
		cur.exhausted = cur.exhausted || maxReached
		c.reply(wire.EndOfBatch{})
	}
}

func (c *Connection) handleNextBatch() error {
	if c.cur == nil || c.cur.state != CursorWaitingForNext {
		c.sendError(0, cos.ErrKindInvalidConsumerState, "NextBatch received with no cursor WaitingForNext")
		return nil
	}
	if c.cur.exhausted {
		c.reply(wire.EndOfBatch{})
		return nil
	}
	c.cur.batchRemaining = c.cur.batchSize
	c.cur.state = CursorActive
	c.cond.Broadcast()
	return nil
}

func (c *Connection) handleStopConsuming() error {
	if c.cur == nil {
		c.sendError(0, cos.ErrKindInvalidConsumerState, "StopConsuming received with no active cursor")
		return nil
	}
	c.cur.state = CursorStopped
	c.cond.Broadcast()
	if c.cur.stream != nil {
		c.cur.stream.Unsubscribe(c.cur.sub.ID())
	}
	if c.Metrics != nil {
		c.Metrics.DecCursorsActive()
	}
	return nil
}

// handlePeerAnnounce applies the Fresh -> Peer transition (spec §4.E) and
// implements the accept side of spec §4.G: it merges the remote
// ClusterState into local membership, replies with our own PeerAnnounce,
// and — once per connection — opens a consumer-like subscription on
// every known stream so the events the remote is missing get streamed to
// it (spec §4.G: "once announced, the peer opens a consumer-like
// subscription on the remote so that missing events are streamed").
// Received on an already-Client connection it is a cross-role violation.
func (c *Connection) handlePeerAnnounce(m wire.PeerAnnounce) error {
	switch c.mode {
	case ModeFresh:
		c.mode = ModePeer
	case ModePeer:
		// re-announce on an already-peered connection, accepted as an
		// update (spec §4.G peers re-announce after reconnect).
	default:
		return cos.NewValidationError(cos.ErrKindInvalidConsumerState,
			"connection %d is in Client mode, rejecting PeerAnnounce", c.ID)
	}

	if c.PeerHost != nil {
		c.PeerHost.MergeAnnounce(m.State, c.remoteDialAddress(m.State.ActorPort))
		c.reply(wire.PeerAnnounce{State: c.PeerHost.Snapshot()})
	}

	if !c.peerSyncStarted {
		c.peerSyncStarted = true
		go c.streamMissingEvents(m.State.VersionVector)
	}
	return nil
}

// remoteDialAddress composes the textual address a peer's announced port
// resolves to on this socket, for recording in local membership. Returns
// "" when either half is unavailable (e.g. the embedded attach path,
// which has no socket to derive a host from).
func (c *Connection) remoteDialAddress(port uint16) string {
	if c.RemoteHost == "" || port == 0 {
		return ""
	}
	return net.JoinHostPort(c.RemoteHost, strconv.Itoa(int(port)))
}

func (c *Connection) handlePeerUpdate(m wire.PeerUpdate) error {
	if c.mode != ModePeer {
		return cos.NewValidationError(cos.ErrKindInvalidConsumerState,
			"connection %d received PeerUpdate outside Peer mode", c.ID)
	}
	if c.PeerHost != nil {
		c.PeerHost.MergeAnnounce(m.State, c.remoteDialAddress(m.State.ActorPort))
	}
	return nil
}

// streamMissingEvents is the accept-side counterpart of a peer's own
// runSession read loop (cluster.Manager): for every stream this replica
// currently knows about, replay backlog the peer's announced vector
// doesn't cover, then keep forwarding new events as they're appended.
// Streams created after the announce aren't picked up retroactively —
// the next PeerAnnounce/reconnect covers them.
func (c *Connection) streamMissingEvents(remoteVV []event.ID) {
	base := event.NewVersionVector()
	if err := base.Merge(remoteVV); err != nil {
		nlog.Warningf("conn %s: peer announced a malformed version vector: %v", c.DiagID, err)
		return
	}
	for _, name := range c.ctrl.Streams() {
		stream, err := c.ctrl.StreamByName(name)
		if err != nil {
			nlog.Warningf("conn %s: resolving stream %s for peer replication: %v", c.DiagID, name, err)
			continue
		}
		go c.syncStream(stream, base.Clone())
	}
}

// syncStream replays stream's backlog past vv and then forwards live
// events, until Close unsubscribes it. It has none of the client
// cursor's batch/WaitingForNext bookkeeping — peer replication streams
// continuously.
func (c *Connection) syncStream(stream *engine.Stream, vv *event.VersionVector) {
	sub, err := stream.Subscribe("**", vv.Clone(), 0)
	if err != nil {
		nlog.Warningf("conn %s: subscribing %s for peer replication: %v", c.DiagID, stream.Name, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stream.Unsubscribe(sub.ID())
		return
	}
	c.peerSubs = append(c.peerSubs, peerSub{stream: stream, sub: sub})
	c.mu.Unlock()

	backlog, err := stream.Iterate(vv, "**")
	if err != nil {
		nlog.Warningf("conn %s: replaying backlog for peer replication on %s: %v", c.DiagID, stream.Name, err)
	}
	for _, ev := range backlog {
		c.forwardReplicated(vv, event.NewShared(ev))
	}
	for shared := range sub.Events {
		c.forwardReplicated(vv, shared)
	}
}

// forwardReplicated emits one ReceiveEvent frame for a peer-replication
// subscription, deduping against vv (the events this loop has already
// sent, starting from the peer's announced vector) and against the
// connection being closed concurrently.
func (c *Connection) forwardReplicated(vv *event.VersionVector, ev event.Event) {
	if vv.Covers(ev.ID()) {
		return
	}
	vv.Advance(ev.ID())
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.replyWithPayload(wire.ReceiveEventHeader{
		ID:        ev.ID(),
		ParentID:  ev.ParentID(),
		Timestamp: ev.Timestamp(),
		Namespace: ev.Namespace(),
		DataLen:   uint32(ev.DataLen()),
	}, ev.Data())
}

// HandleProduceEvent implements spec §4.E's ProduceEvent path: submit to
// the resolved stream's engine and reply with AckEvent or Error,
// correlated by op_id. Multiple produces may be in flight on different
// goroutines feeding the same Connection only if the embedder itself
// serializes calls into Handle/HandleProduceEvent (spec §5 Ownership).
func (c *Connection) HandleProduceEvent(h wire.ProduceEventHeader, payload []byte) {
	c.mu.Lock()
	if err := c.enterClientMode(); err != nil {
		c.sendError(h.OpID, cos.ErrKindInvalidConsumerState, err.Error())
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := event.ValidateNamespace(h.Namespace); err != nil {
		c.sendErrorSafe(h.OpID, cos.ErrKindInvalidNamespaceGlob, err.Error())
		return
	}

	stream, err := c.ctrl.StreamForNamespace(h.Namespace)
	if err != nil {
		c.sendErrorSafe(h.OpID, cos.ErrKindStorageEngineError, err.Error())
		return
	}

	id, err := stream.Append(h.Namespace, h.ParentID, payload)
	if err != nil {
		if ve, ok := cos.IsValidationError(err); ok {
			c.sendErrorSafe(h.OpID, ve.Kind, ve.Desc)
			return
		}
		c.sendErrorSafe(h.OpID, cos.ErrKindStorageEngineError, err.Error())
		return
	}
	if c.Metrics != nil {
		c.Metrics.ObserveProduce(stream.Name)
		c.Metrics.SetCommitMarker(strconv.Itoa(int(stream.LocalActor())), stream.CommitMarker().Load())
	}

	c.mu.Lock()
	c.reply(wire.AckEvent{OpID: h.OpID, ID: id})
	c.mu.Unlock()
}

// sendErrorSafe acquires the lock before enqueueing, for call sites that
// don't already hold it.
func (c *Connection) sendErrorSafe(opID uint32, kind cos.ErrKind, desc string) {
	c.mu.Lock()
	c.sendError(opID, kind, desc)
	c.mu.Unlock()
}

// Mode returns the connection's current protocol role.
func (c *Connection) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Close stops any active cursor and releases its subscription, matching
// spec §5 Cancellation: "closing a connection cancels its cursor and
// drops any in-flight produce buffers".
func (c *Connection) Close() {
	c.mu.Lock()
	if c.cur != nil && c.cur.state != CursorStopped {
		c.cur.state = CursorStopped
		c.cond.Broadcast()
		if c.cur.stream != nil {
			c.cur.stream.Unsubscribe(c.cur.sub.ID())
		}
		if c.Metrics != nil {
			c.Metrics.DecCursorsActive()
		}
	}
	c.closed = true
	peerSubs := c.peerSubs
	c.peerSubs = nil
	c.mu.Unlock()

	for _, ps := range peerSubs {
		ps.stream.Unsubscribe(ps.sub.ID())
	}
	close(c.Outbound)
}
