package engine_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/flowbroker/flowbroker/engine"
	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/store"
)

func TestEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "engine suite")
}

var _ = Describe("Stream", func() {
	var s *engine.Stream

	BeforeEach(func() {
		s = engine.NewStream("orders", event.ActorID(7), store.NewMemStore())
	})

	It("assigns strictly increasing, dense counters for the local actor", func() {
		var ids []event.ID
		for i := 0; i < 5; i++ {
			id, err := s.Append("/orders/created", event.NilID, []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			ids = append(ids, id)
		}
		for i, id := range ids {
			Expect(id.Actor).To(Equal(event.ActorID(7)))
			Expect(id.Counter).To(Equal(uint64(i + 1)))
		}
	})

	It("continues from highest_counter+1 after reopening against the same store", func() {
		st := store.NewMemStore()
		s1 := engine.NewStream("orders", event.ActorID(7), st)
		for i := 0; i < 3; i++ {
			_, err := s1.Append("/orders/created", event.NilID, []byte("x"))
			Expect(err).NotTo(HaveOccurred())
		}
		s2 := engine.NewStream("orders", event.ActorID(7), st)
		id, err := s2.Append("/orders/created", event.NilID, []byte("y"))
		Expect(err).NotTo(HaveOccurred())
		Expect(id.Counter).To(Equal(uint64(4)))
	})

	It("fans out matching events to subscriptions and skips non-matching namespaces", func() {
		sub, err := s.Subscribe("/orders/**", event.NewVersionVector(), 0)
		Expect(err).NotTo(HaveOccurred())

		_, err = s.Append("/orders/created", event.NilID, []byte("a"))
		Expect(err).NotTo(HaveOccurred())
		_, err = s.Append("/invoices/created", event.NilID, []byte("b"))
		Expect(err).NotTo(HaveOccurred())

		var got *event.Shared
		Eventually(sub.Events).Should(Receive(&got))
		Expect(got.Namespace()).To(Equal("/orders/created"))
		Consistently(sub.Events).ShouldNot(Receive())
	})

	It("does not deliver events already covered by the subscriber's version vector", func() {
		vv := event.NewVersionVector()
		Expect(vv.AddMarker(event.ID{Actor: 7, Counter: 2})).To(Succeed())
		sub, err := s.Subscribe("/orders/**", vv, 0)
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 3; i++ {
			_, err := s.Append("/orders/created", event.NilID, []byte("x"))
			Expect(err).NotTo(HaveOccurred())
		}
		var got *event.Shared
		Eventually(sub.Events).Should(Receive(&got))
		Expect(got.ID().Counter).To(Equal(uint64(3)))
		Consistently(sub.Events).ShouldNot(Receive())
	})

	It("idempotently discards a duplicate replicated append", func() {
		ev := event.NewOwned(event.ID{Actor: 99, Counter: 1}, event.NilID, "/a", 0, []byte("x"))
		applied, err := s.AppendReplicated(ev)
		Expect(err).NotTo(HaveOccurred())
		Expect(applied).To(BeTrue())

		applied, err = s.AppendReplicated(ev)
		Expect(err).NotTo(HaveOccurred())
		Expect(applied).To(BeFalse())
	})

	It("marks the stream unhealthy on a storage failure without consuming a counter", func() {
		failing := newFailingStore()
		failing.fail = true
		fs := engine.NewStream("bad", event.ActorID(1), failing)
		_, err := fs.Append("/a", event.NilID, []byte("x"))
		Expect(err).To(HaveOccurred())
		Expect(fs.Unhealthy()).To(BeTrue())

		failing.fail = false
		id, err := fs.Append("/a", event.NilID, []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(fs.Unhealthy()).To(BeFalse())
		Expect(id.Counter).To(Equal(uint64(1)), "the counter skipped by the failed append must be reused")
	})
})

// failingStore fails Append while fail is set, used to exercise the
// storage-error path without a real backing store.
type failingStore struct {
	*store.MemStore
	fail bool
}

func newFailingStore() *failingStore {
	return &failingStore{MemStore: store.NewMemStore()}
}

func (f *failingStore) Append(ev *event.Owned) error {
	if f.fail {
		return errAlwaysFails
	}
	return f.MemStore.Append(ev)
}

var errAlwaysFails = &storeErr{}

type storeErr struct{}

func (*storeErr) Error() string { return "synthetic storage failure" }
