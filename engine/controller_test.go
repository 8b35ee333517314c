package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbroker/flowbroker/engine"
	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/store"
)

func newTestController(t *testing.T) *engine.Controller {
	t.Helper()
	return engine.NewController(engine.Config{
		DefaultNamespace: "default",
		LocalActor:       event.ActorID(1),
	}, func(name string) (store.Store, error) {
		return store.NewMemStore(), nil
	})
}

func TestStreamByNameCreatesOnFirstUse(t *testing.T) {
	c := newTestController(t)
	s1, err := c.StreamByName("orders")
	require.NoError(t, err)
	s2, err := c.StreamByName("orders")
	require.NoError(t, err)
	require.Same(t, s1, s2)
}

func TestStreamForNamespaceUsesLeadingSegment(t *testing.T) {
	c := newTestController(t)
	s, err := c.StreamForNamespace("orders/created")
	require.NoError(t, err)
	require.Equal(t, "orders", s.Name)
}

func TestStreamForNamespaceStripsLeadingSlash(t *testing.T) {
	c := newTestController(t)
	s1, err := c.StreamForNamespace("/orders/created")
	require.NoError(t, err)
	s2, err := c.StreamForNamespace("orders/created")
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, "orders", s1.Name)
}

func TestStreamForNamespaceFallsBackToDefault(t *testing.T) {
	c := newTestController(t)
	s, err := c.StreamForNamespace("")
	require.NoError(t, err)
	require.Equal(t, "default", s.Name)
}

func TestSystemStreamIsReserved(t *testing.T) {
	c := newTestController(t)
	s, err := c.System()
	require.NoError(t, err)
	require.Equal(t, engine.SystemStreamName, s.Name)
}

func TestNextConnectionIDIsMonotonic(t *testing.T) {
	c := newTestController(t)
	var last uint64
	for i := 0; i < 10; i++ {
		id := c.NextConnectionID()
		require.Greater(t, id, last)
		last = id
	}
}

func TestMatchGlobCachedAgreesWithDirect(t *testing.T) {
	c := newTestController(t)
	require.True(t, c.MatchGlobCached("/a/**", "/a/b/c"))
	require.True(t, c.MatchGlobCached("/a/**", "/a/b/c")) // cached path
	require.False(t, c.MatchGlobCached("/a/**", "/x/y"))
}
