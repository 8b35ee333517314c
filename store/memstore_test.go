package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/store"
)

func mkOwned(actor event.ActorID, counter uint64) *event.Owned {
	id := event.ID{Actor: actor, Counter: counter}
	return event.NewOwned(id, event.NilID, "orders/us-east", 1000, []byte("payload"))
}

func TestMemStoreReadFromSkipsAlreadySeenCounters(t *testing.T) {
	s := store.NewMemStore()
	require.NoError(t, s.Append(mkOwned(1, 1)))
	require.NoError(t, s.Append(mkOwned(1, 2)))
	require.NoError(t, s.Append(mkOwned(1, 3)))

	it, err := s.ReadFrom(1, 1)
	require.NoError(t, err)
	defer it.Close()

	var got []uint64
	for {
		ev, err := it.Next()
		require.NoError(t, err)
		if ev == nil {
			break
		}
		got = append(got, ev.ID().Counter)
	}
	require.Equal(t, []uint64{2, 3}, got)
}

func TestMemStoreReadFromZeroReturnsEverything(t *testing.T) {
	s := store.NewMemStore()
	require.NoError(t, s.Append(mkOwned(1, 1)))
	require.NoError(t, s.Append(mkOwned(1, 2)))

	it, err := s.ReadFrom(1, 0)
	require.NoError(t, err)
	defer it.Close()

	count := 0
	for {
		ev, err := it.Next()
		require.NoError(t, err)
		if ev == nil {
			break
		}
		count++
	}
	require.Equal(t, 2, count)
}

func TestMemStoreHighestCounterTracksLastAppend(t *testing.T) {
	s := store.NewMemStore()
	require.Equal(t, uint64(0), s.HighestCounter(1))

	require.NoError(t, s.Append(mkOwned(1, 5)))
	require.Equal(t, uint64(5), s.HighestCounter(1))

	require.NoError(t, s.Append(mkOwned(1, 6)))
	require.Equal(t, uint64(6), s.HighestCounter(1))
}

func TestMemStoreEvictBeforeDropsOlderEntries(t *testing.T) {
	s := store.NewMemStore()
	require.NoError(t, s.Append(mkOwned(1, 1)))
	require.NoError(t, s.Append(mkOwned(1, 2)))
	require.NoError(t, s.Append(mkOwned(1, 3)))

	require.NoError(t, s.EvictBefore(1, 3))

	it, err := s.ReadFrom(1, 0)
	require.NoError(t, err)
	defer it.Close()

	ev, err := it.Next()
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, uint64(3), ev.ID().Counter)

	require.Equal(t, uint64(3), s.HighestCounter(1), "eviction must not affect the high-water mark")
}

func TestMemStoreActorsAreSortedAndDistinct(t *testing.T) {
	s := store.NewMemStore()
	require.NoError(t, s.Append(mkOwned(3, 1)))
	require.NoError(t, s.Append(mkOwned(1, 1)))
	require.NoError(t, s.Append(mkOwned(2, 1)))
	require.NoError(t, s.Append(mkOwned(1, 2)))

	require.Equal(t, []event.ActorID{1, 2, 3}, s.Actors())
}
