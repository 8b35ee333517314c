package cluster_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/flowbroker/flowbroker/cluster"
	"github.com/flowbroker/flowbroker/engine"
	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/store"
	"github.com/flowbroker/flowbroker/wire"
)

func TestCluster(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "cluster suite")
}

var errLinkClosed = errors.New("fake link closed")

type frame struct {
	msg     wire.Message
	payload []byte
}

// fakeLink is an in-memory PeerLink used so the manager's session logic
// can be exercised without a real socket, matching the embedded
// interface's own channel-based attach path.
type fakeLink struct {
	send chan frame
	recv chan frame
}

func (f *fakeLink) Send(msg wire.Message, payload []byte) error {
	f.send <- frame{msg, payload}
	return nil
}

func (f *fakeLink) Recv() (wire.Message, []byte, error) {
	fr, ok := <-f.recv
	if !ok {
		return nil, nil, errLinkClosed
	}
	return fr.msg, fr.payload, nil
}

func (f *fakeLink) Close() error {
	close(f.send)
	return nil
}

func newLinkPair() (*fakeLink, *fakeLink) {
	c1 := make(chan frame, 16)
	c2 := make(chan frame, 16)
	return &fakeLink{send: c1, recv: c2}, &fakeLink{send: c2, recv: c1}
}

func newTestController(actor event.ActorID) *engine.Controller {
	return engine.NewController(engine.Config{
		DefaultNamespace: "default",
		LocalActor:       actor,
	}, func(name string) (store.Store, error) {
		return store.NewMemStore(), nil
	})
}

var _ = Describe("Manager", func() {
	It("announces itself, merges a remote peer's state, and applies a replicated event", func() {
		ctrl := newTestController(1)
		linkA, linkB := newLinkPair()

		dialed := 0
		dialer := func(ctx context.Context, addr string) (cluster.PeerLink, error) {
			dialed++
			if dialed > 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return linkA, nil
		}

		mgr := cluster.NewManager(ctrl, event.ActorID(1), 9000, dialer)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			mgr.Start(ctx, []string{"peerB:9000"})
			close(done)
		}()

		msg, _, err := linkB.Recv()
		Expect(err).NotTo(HaveOccurred())
		announce, ok := msg.(wire.PeerAnnounce)
		Expect(ok).To(BeTrue())
		Expect(announce.State.ActorID).To(Equal(event.ActorID(1)))

		Expect(linkB.Send(wire.PeerAnnounce{State: wire.ClusterState{
			ActorID:   2,
			ActorPort: 9000,
			Members:   []wire.Member{{ActorID: 3, Address: "peerC:9000"}},
		}}, nil)).To(Succeed())

		Eventually(func() bool {
			for _, m := range mgr.Snapshot().Members {
				if m.ActorID == 2 {
					return true
				}
			}
			return false
		}).Should(BeTrue())

		Expect(linkB.Send(wire.ReceiveEventHeader{
			ID:        event.ID{Actor: 2, Counter: 1},
			Namespace: "orders/created",
			DataLen:   3,
		}, []byte("abc"))).To(Succeed())

		stream, err := ctrl.StreamForNamespace("orders/created")
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() bool { return stream.IsDuplicate(event.ID{Actor: 2, Counter: 1}) }).Should(BeTrue())

		cancel()
		Expect(linkB.Close()).To(Succeed())
		Eventually(done, time.Second).Should(BeClosed())
	})

	It("merges an accept-side announce and renders the resulting snapshot as JSON", func() {
		ctrl := newTestController(1)
		dialer := func(ctx context.Context, addr string) (cluster.PeerLink, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		mgr := cluster.NewManager(ctrl, event.ActorID(1), 9700, dialer)

		mgr.MergeAnnounce(wire.ClusterState{
			ActorID:       2,
			ActorPort:     9701,
			VersionVector: []event.ID{{Actor: 2, Counter: 5}},
		}, "10.0.0.9:9701")

		var found bool
		for _, m := range mgr.Snapshot().Members {
			if m.ActorID == event.ActorID(2) {
				found = true
				Expect(m.Address).To(Equal("10.0.0.9:9701"))
			}
		}
		Expect(found).To(BeTrue(), "MergeAnnounce should add the remote actor to local membership")

		raw, err := mgr.SnapshotJSON()
		Expect(err).NotTo(HaveOccurred())

		var decoded map[string]interface{}
		Expect(json.Unmarshal(raw, &decoded)).To(Succeed())
		Expect(decoded["actor_id"]).To(Equal(float64(1)))
		Expect(decoded["actor_port"]).To(Equal(float64(9700)))
		members, ok := decoded["members"].([]interface{})
		Expect(ok).To(BeTrue())
		Expect(members).NotTo(BeEmpty())
	})
})
