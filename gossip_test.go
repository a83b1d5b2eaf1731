package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testNode struct {
	acceptor  *Acceptor
	connector *Connector
	discovery *Discovery
}

func newTestNode(t *testing.T, name string) *testNode {
	t.Helper()
	acceptor := newTestAcceptor(t, WithName(name+"-acceptor"))
	require.NoError(t, acceptor.Bind("127.0.0.1:0"))
	connector := newTestConnector(t, WithName(name+"-connector"))

	discovery, err := NewDiscovery(
		connector,
		acceptor.Addr().String(),
		WithNodeName(name),
		WithGossipListenOn("127.0.0.1", 0),
		WithDiscoveryLog(testLogHandler(name)),
		WithDiscoveryMetricSink(newTestSink()),
		WithDialTimeout(5*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { discovery.Shutdown() })

	return &testNode{
		acceptor:  acceptor,
		connector: connector,
		discovery: discovery,
	}
}

func TestDiscovery(t *testing.T) {
	node1 := newTestNode(t, "node1")
	node2 := newTestNode(t, "node2")

	require.Equal(t, "node1", node1.discovery.LocalName())
	require.NoError(t, node1.discovery.Join())
	require.NoError(t, node2.discovery.Join(node1.discovery.GossipAddr()))

	require.Eventually(t, func() bool {
		return len(node1.discovery.Members()) == 2 && len(node2.discovery.Members()) == 2
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		p1, p2 := node1.discovery.Peers(), node2.discovery.Peers()
		return len(p1) == 1 && p1[0] == "node2" && len(p2) == 1 && p2[0] == "node1"
	}, 10*time.Second, 50*time.Millisecond)

	s, ok := node1.discovery.Session("node2")
	require.True(t, ok)
	name, ok := NodeNameKey.Get(s)
	require.True(t, ok)
	require.Equal(t, "node2", name)

	_, ok = node1.discovery.Session("node3")
	require.False(t, ok)

	t.Run("leaving closes the peer sessions", func(t *testing.T) {
		require.NoError(t, node2.discovery.Shutdown())
		require.ErrorIs(t, node2.discovery.Join(), ErrShutdown)

		require.Eventually(t, func() bool {
			return len(node1.discovery.Peers()) == 0
		}, 15*time.Second, 50*time.Millisecond)
		require.Eventually(t, func() bool {
			return s.State() == SessionDestroyed
		}, 5*time.Second, 10*time.Millisecond)

		// the connector outlives the discovery
		require.False(t, node2.connector.isClosed())
	})
}

func TestDiscoveryConfig(t *testing.T) {
	connector := newTestConnector(t)

	_, err := NewDiscovery(nil, "127.0.0.1:1234")
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewDiscovery(connector, "not an address")
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewDiscovery(connector, "127.0.0.1:1234", WithGossipListenOn("127.0.0.1", 70000))
	require.ErrorIs(t, err, ErrInvalidCfg)
}
