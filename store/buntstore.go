// buntstore.go implements Store on top of github.com/tidwall/buntdb, an
// embedded ordered KV store: flowbroker's DOMAIN STACK default when no
// other segment store is injected. Keys are zero-padded so buntdb's
// lexicographic ascend order matches numeric (actor, counter) order;
// values are the event serialized with the same wire.ReceiveEventHeader
// header encoding used on the network, followed by the raw payload —
// one codec, two uses.
package store

import (
	"fmt"

	"github.com/tidwall/buntdb"

	"github.com/flowbroker/flowbroker/cmn/cos"
	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/wire"
)

type BuntStore struct {
	db *buntdb.DB
}

// OpenBuntStore opens (creating if necessary) a buntdb file at path.
// Pass ":memory:" for a non-persistent store.
func OpenBuntStore(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cos.NewStorageError("open", err)
	}
	return &BuntStore{db: db}, nil
}

func key(actor event.ActorID, counter uint64) string {
	return fmt.Sprintf("evt/%05d/%020d", actor, counter)
}

func (s *BuntStore) Append(ev *event.Owned) error {
	hdr := wire.ReceiveEventHeader{
		ID:        ev.ID(),
		ParentID:  ev.ParentID(),
		Timestamp: ev.Timestamp(),
		Namespace: ev.Namespace(),
		DataLen:   uint32(ev.DataLen()),
	}
	buf := make([]byte, wire.EncodedLen(hdr)+ev.DataLen())
	n, err := wire.Encode(buf, hdr)
	if err != nil {
		return cos.NewStorageError("append-encode", err)
	}
	copy(buf[n:], ev.Data())

	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key(ev.ID().Actor, ev.ID().Counter), string(buf), nil)
		return err
	})
	if err != nil {
		return cos.NewStorageError("append", err)
	}
	return nil
}

func decodeStored(raw string) (*event.Owned, error) {
	res := wire.Decode([]byte(raw))
	if res.Status != wire.StatusDone {
		return nil, fmt.Errorf("corrupt stored event record")
	}
	hdr, ok := res.Msg.(wire.ReceiveEventHeader)
	if !ok {
		return nil, fmt.Errorf("unexpected stored record type %T", res.Msg)
	}
	data := []byte(raw)[res.Consumed:]
	return event.NewOwned(hdr.ID, hdr.ParentID, hdr.Namespace, hdr.Timestamp, data), nil
}

func (s *BuntStore) ReadFrom(actor event.ActorID, after uint64) (Iterator, error) {
	var events []*event.Owned
	prefix := fmt.Sprintf("evt/%05d/", actor)
	start := key(actor, after+1)
	err := s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		tx.AscendGreaterOrEqual("", start, func(k, v string) bool {
			if len(k) < len(prefix) || k[:len(prefix)] != prefix {
				return false
			}
			ev, err := decodeStored(v)
			if err != nil {
				iterErr = err
				return false
			}
			events = append(events, ev)
			return true
		})
		return iterErr
	})
	if err != nil {
		return nil, cos.NewStorageError("read-from", err)
	}
	return newSliceIterator(events), nil
}

func (s *BuntStore) HighestCounter(actor event.ActorID) uint64 {
	var highest uint64
	prefix := fmt.Sprintf("evt/%05d/", actor)
	_ = s.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendLessOrEqual("", prefix+"\xff", func(k, v string) bool {
			if len(k) < len(prefix) || k[:len(prefix)] != prefix {
				return false
			}
			ev, err := decodeStored(v)
			if err == nil {
				highest = ev.ID().Counter
			}
			return false
		})
	})
	return highest
}

func (s *BuntStore) EvictBefore(actor event.ActorID, before uint64) error {
	var toDelete []string
	prefix := fmt.Sprintf("evt/%05d/", actor)
	end := key(actor, before)
	err := s.db.View(func(tx *buntdb.Tx) error {
		tx.AscendRange("", prefix, end, func(k, v string) bool {
			toDelete = append(toDelete, k)
			return true
		})
		return nil
	})
	if err != nil {
		return cos.NewStorageError("evict-before", err)
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, k := range toDelete {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func (s *BuntStore) Actors() []event.ActorID {
	seen := map[event.ActorID]struct{}{}
	_ = s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(k, v string) bool {
			var actor uint16
			if _, err := fmt.Sscanf(k, "evt/%05d/", &actor); err == nil {
				seen[event.ActorID(actor)] = struct{}{}
			}
			return true
		})
	})
	out := make([]event.ActorID, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	return out
}

func (s *BuntStore) Close() error {
	if err := s.db.Close(); err != nil {
		return cos.NewStorageError("close", err)
	}
	return nil
}

var _ Store = (*BuntStore)(nil)
