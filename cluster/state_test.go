package cluster_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbroker/flowbroker/cluster"
	"github.com/flowbroker/flowbroker/event"
	"github.com/flowbroker/flowbroker/wire"
)

func TestMergeRemoteRecordsSourceAddressAsAuthoritative(t *testing.T) {
	s := cluster.NewState(1, 9000)
	addrs := s.MergeRemote(wire.ClusterState{ActorID: 2, ActorPort: 9001}, "10.0.0.2:9001")
	require.Empty(t, addrs)
	require.Equal(t, "10.0.0.2:9001", s.Members[2].Address)
	require.True(t, s.Members[2].Connected)
}

func TestMergeRemoteDiscoversTransitiveMembers(t *testing.T) {
	s := cluster.NewState(1, 9000)
	remote := wire.ClusterState{
		ActorID: 2,
		Members: []wire.Member{
			{ActorID: 1, Address: "self:9000", Connected: true}, // us, ignored
			{ActorID: 3, Address: "10.0.0.3:9000", Connected: true},
		},
	}
	addrs := s.MergeRemote(remote, "10.0.0.2:9000")
	require.Equal(t, []string{"10.0.0.3:9000"}, addrs)
	require.Contains(t, s.Members, event.ActorID(3))
	require.NotContains(t, s.Members, event.ActorID(1))
}

func TestMergeRemoteDoesNotRediscoverKnownMembers(t *testing.T) {
	s := cluster.NewState(1, 9000)
	s.MergeRemote(wire.ClusterState{ActorID: 3, Members: nil}, "10.0.0.3:9000")

	remote := wire.ClusterState{
		ActorID: 2,
		Members: []wire.Member{{ActorID: 3, Address: "10.0.0.3:9000"}},
	}
	addrs := s.MergeRemote(remote, "10.0.0.2:9000")
	require.Empty(t, addrs)
}

func TestMarkDisconnectedFlipsKnownMember(t *testing.T) {
	s := cluster.NewState(1, 9000)
	s.MergeRemote(wire.ClusterState{ActorID: 2}, "10.0.0.2:9000")
	s.MarkDisconnected(2)
	require.False(t, s.Members[2].Connected)
}

func TestToWireIsDeterministicallyOrdered(t *testing.T) {
	s := cluster.NewState(1, 9000)
	require.NoError(t, s.VersionVector.AddMarker(event.ID{Actor: 5, Counter: 3}))
	require.NoError(t, s.VersionVector.AddMarker(event.ID{Actor: 2, Counter: 1}))
	s.MergeRemote(wire.ClusterState{ActorID: 9}, "a")
	s.MergeRemote(wire.ClusterState{ActorID: 4}, "b")

	cs := s.ToWire()
	require.Equal(t, []event.ID{{Actor: 2, Counter: 1}, {Actor: 5, Counter: 3}}, cs.VersionVector)
	require.Len(t, cs.Members, 2)
	require.Equal(t, event.ActorID(4), cs.Members[0].ActorID)
	require.Equal(t, event.ActorID(9), cs.Members[1].ActorID)
}
