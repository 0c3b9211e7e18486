package cluster

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/require"

	"qubedb/pkg/types"
)

type lockedRegistry struct {
	mu    sync.Mutex
	peers map[types.NodeID]string
}

func (r *lockedRegistry) AddPeer(id types.NodeID, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = addr
	return nil
}

func (r *lockedRegistry) RemovePeer(id types.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	return nil
}

func (r *lockedRegistry) get(id types.NodeID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.peers[id]
	return addr, ok
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func loopback(c *memberlist.Config) {
	c.BindAddr = "127.0.0.1"
	c.AdvertiseAddr = "127.0.0.1"
	c.GossipInterval = 20 * time.Millisecond
	c.ProbeInterval = 100 * time.Millisecond
}

func TestGossipDiscovery_JoinAndLeave(t *testing.T) {
	portA, portB := freePort(t), freePort(t)

	a, err := NewGossipDiscovery("n1", "http://127.0.0.1:8081", portA, nil, nil, loopback)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewGossipDiscovery("n2", "http://127.0.0.1:8082", portB,
		[]string{"127.0.0.1:" + strconv.Itoa(portA)}, nil, loopback)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	regA := &lockedRegistry{peers: map[types.NodeID]string{}}
	regB := &lockedRegistry{peers: map[types.NodeID]string{}}
	go func() { _ = a.Run(ctx, regA) }()
	go func() { _ = b.Run(ctx, regB) }()

	require.Eventually(t, func() bool {
		addr, ok := regA.get("n2")
		return ok && addr == "http://127.0.0.1:8082"
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		addr, ok := regB.get("n1")
		return ok && addr == "http://127.0.0.1:8081"
	}, 5*time.Second, 20*time.Millisecond)
	_, self := regA.get("n1")
	require.False(t, self)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		_, ok := regA.get("n2")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}
