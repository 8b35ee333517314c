package cluster

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/flowbroker/flowbroker/cmn/backoff"
	"github.com/flowbroker/flowbroker/cmn/nlog"
	"github.com/flowbroker/flowbroker/cmn/prob"
	"github.com/flowbroker/flowbroker/engine"
	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/internal/metrics"
	"github.com/flowbroker/flowbroker/wire"
)

// dedupFilterCapacity sizes the probabilistic pre-filter. The filter never
// forgets a key, so past this many replicated events its false positives
// grow and more arrivals fall through to Stream.IsDuplicate.
const dedupFilterCapacity = 4096

// maxConcurrentDials bounds how many outgoing TCP connect attempts the
// manager has in flight at once, so a large cluster_addresses list
// doesn't open a connect storm against every peer simultaneously.
const maxConcurrentDials = 8

// Manager owns every outgoing peer connector for one actor (spec §4.G).
type Manager struct {
	ctrl   *engine.Controller
	dialer Dialer

	mu       sync.Mutex
	state    *State
	schedule map[string]*backoff.Schedule

	dedup   *prob.Filter
	dialSem *semaphore.Weighted

	// Metrics is optional; a nil Metrics disables all gauge updates below.
	Metrics *metrics.Metrics
}

func NewManager(ctrl *engine.Controller, localActor event.ActorID, actorPort uint16, dialer Dialer) *Manager {
	return &Manager{
		ctrl:     ctrl,
		dialer:   dialer,
		state:    NewState(localActor, actorPort),
		schedule: make(map[string]*backoff.Schedule),
		dedup:    prob.New(dedupFilterCapacity),
		dialSem:  semaphore.NewWeighted(maxConcurrentDials),
	}
}

// Snapshot returns the wire-encodable local ClusterState, used both by
// the cluster manager's own PeerAnnounce/PeerUpdate sends and by
// SnapshotJSON for introspection.
func (m *Manager) Snapshot() wire.ClusterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ToWire()
}

// SnapshotJSON renders the local ClusterState as JSON for an embedder's
// own introspection surface (e.g. an HTTP debug handler) — additive to,
// never a substitute for, the binary wire protocol itself.
func (m *Manager) SnapshotJSON() ([]byte, error) {
	return MarshalSnapshot(m.Snapshot())
}

// MergeAnnounce folds a peer's ClusterState into local membership from
// the accept side of a peer connection (spec §4.G point 4): a
// conn.Connection in Peer mode calls this through the conn.PeerHost seam
// on every PeerAnnounce/PeerUpdate it receives. Newly discovered members
// aren't dialed from here — only the addresses Start was given, and
// those discovered transitively by an outgoing connectLoop, open new
// connectors; gossip through those reaches the rest eventually.
func (m *Manager) MergeAnnounce(remote wire.ClusterState, sourceAddress string) {
	m.mu.Lock()
	m.state.MergeRemote(remote, sourceAddress)
	m.mu.Unlock()
}

// NoteLocalAppend folds a freshly appended local event into the
// advertised version vector; callers should republish (PeerUpdate) on
// their own cadence after a batch of these (spec §4.G point 3).
func (m *Manager) NoteLocalAppend(id event.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.AdvanceLocal(id)
}

// Start launches one outgoing connector per address and blocks until ctx
// is cancelled. Addresses discovered transitively via a peer's
// other_members get their own connector spawned on the fly.
func (m *Manager) Start(ctx context.Context, addresses []string) {
	var wg sync.WaitGroup
	started := make(map[string]bool)
	var startedMu sync.Mutex

	var spawn func(addr string)
	spawn = func(addr string) {
		startedMu.Lock()
		if started[addr] {
			startedMu.Unlock()
			return
		}
		started[addr] = true
		startedMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			m.connectLoop(ctx, addr, spawn)
		}()
	}

	for _, addr := range addresses {
		spawn(addr)
	}
	wg.Wait()
}

func (m *Manager) scheduleFor(addr string) *backoff.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedule[addr]
	if !ok {
		s = backoff.NewSchedule(backoff.DefaultPeerReconnect)
		m.schedule[addr] = s
	}
	return s
}

// connectLoop implements spec §4.G points 1-2: dial, retry with bounded
// backoff on failure, reset the schedule on success, then run the
// session until it ends and reconnect.
func (m *Manager) connectLoop(ctx context.Context, addr string, onDiscovered func(string)) {
	sched := m.scheduleFor(addr)
	for {
		if ctx.Err() != nil {
			return
		}

		if err := m.dialSem.Acquire(ctx, 1); err != nil {
			return // ctx cancelled while waiting for a free dial slot
		}
		link, err := m.dialer(ctx, addr)
		m.dialSem.Release(1)
		if err != nil {
			nlog.Warningf("cluster: dial %s failed: %v", addr, err)
			if !sleepOrDone(ctx, sched.Next()) {
				return
			}
			continue
		}
		sched.Reset()

		remoteActor, err := m.runSession(ctx, addr, link, onDiscovered)
		_ = link.Close()
		if remoteActor != 0 {
			m.mu.Lock()
			m.state.MarkDisconnected(remoteActor)
			m.mu.Unlock()
			if m.Metrics != nil {
				m.Metrics.SetPeerConnected(strconv.Itoa(int(remoteActor)), false)
			}
		}
		if err != nil {
			nlog.Warningf("cluster: session with %s ended: %v", addr, err)
		}

		if !sleepOrDone(ctx, sched.Next()) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// runSession implements spec §4.G points 2-4 and peer event replication:
// announce, require the peer's PeerAnnounce as the first reply (spec §6),
// merge membership, then loop applying PeerUpdate and replicated events
// until the link fails.
func (m *Manager) runSession(ctx context.Context, addr string, link PeerLink, onDiscovered func(string)) (event.ActorID, error) {
	if err := link.Send(wire.PeerAnnounce{State: m.Snapshot()}, nil); err != nil {
		return 0, errors.Wrap(err, "send PeerAnnounce")
	}

	msg, _, err := link.Recv()
	if err != nil {
		return 0, errors.Wrap(err, "recv initial PeerAnnounce")
	}
	announce, ok := msg.(wire.PeerAnnounce)
	if !ok {
		return 0, errors.Errorf("expected PeerAnnounce as first peer frame, got %s", msg.Tag())
	}
	remoteActor := announce.State.ActorID
	m.merge(announce.State, addr, onDiscovered)
	if m.Metrics != nil {
		m.Metrics.SetPeerConnected(strconv.Itoa(int(remoteActor)), true)
	}

	for {
		if ctx.Err() != nil {
			return remoteActor, nil
		}
		msg, payload, err := link.Recv()
		if err != nil {
			return remoteActor, err
		}
		switch mm := msg.(type) {
		case wire.PeerUpdate:
			m.merge(mm.State, addr, onDiscovered)
		case wire.ReceiveEventHeader:
			m.applyReplicatedEvent(mm, payload)
		default:
			nlog.Warningf("cluster: unexpected frame %s from %s, ignoring", msg.Tag(), addr)
		}
	}
}

func (m *Manager) merge(remote wire.ClusterState, sourceAddress string, onDiscovered func(string)) {
	m.mu.Lock()
	newAddrs := m.state.MergeRemote(remote, sourceAddress)
	m.mu.Unlock()
	for _, a := range newAddrs {
		onDiscovered(a)
	}
}

func dedupKey(id event.ID) uint64 {
	return uint64(id.Actor)<<48 | (id.Counter & 0xFFFFFFFFFFFF)
}

// applyReplicatedEvent implements spec §4.G's "duplicate arrivals...
// idempotently discarded": the Bloom-ish pre-filter short-circuits the
// common case of a definitely-new event straight to AppendReplicated; a
// probable-duplicate instead pays for the authoritative
// Stream.IsDuplicate check before deciding whether to skip the append.
func (m *Manager) applyReplicatedEvent(h wire.ReceiveEventHeader, payload []byte) {
	stream, err := m.ctrl.StreamForNamespace(h.Namespace)
	if err != nil {
		nlog.Warningf("cluster: resolving stream for replicated event %s: %v", h.Namespace, err)
		return
	}

	key := dedupKey(h.ID)
	if m.dedup.MaybeSeen(key) && stream.IsDuplicate(h.ID) {
		return
	}

	owned := event.NewOwned(h.ID, h.ParentID, h.Namespace, h.Timestamp, payload)
	applied, err := stream.AppendReplicated(owned)
	if err != nil {
		nlog.Warningf("cluster: applying replicated event %s: %v", h.ID, err)
		return
	}
	if applied {
		m.dedup.Add(key)
	}
}
