package cluster

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/sharding"
	"qubedb/pkg/types"
)

// fakePinger answers for the peers marked up.
type fakePinger struct {
	mu sync.Mutex
	up map[types.NodeID]bool
}

func (f *fakePinger) set(id types.NodeID, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.up[id] = up
}

func (f *fakePinger) Ping(_ context.Context, _ Peer, to Peer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up[to.ID] {
		return errors.New("unreachable")
	}
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type healthEvent struct {
	id      types.NodeID
	healthy bool
}

func newTestManager(t *testing.T) (*Manager, *fakePinger, *fakeClock, *[]healthEvent) {
	t.Helper()
	shards, err := sharding.New(sharding.Config{Strategy: sharding.StrategyHash, ShardCount: 4, ReplicationFactor: 3}, nil)
	require.NoError(t, err)

	p := &fakePinger{up: map[types.NodeID]bool{}}
	m, err := New(Config{
		ID:                "n1",
		Address:           "localhost:8081",
		HeartbeatInterval: 100 * time.Millisecond,
		ElectionTimeout:   time.Second,
		Pinger:            p,
	}, shards)
	require.NoError(t, err)

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.now = clock.now

	var (
		mu     sync.Mutex
		events []healthEvent
	)
	m.OnHealthChange(func(id types.NodeID, healthy bool) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, healthEvent{id, healthy})
	})
	return m, p, clock, &events
}

func TestManager_PeerLifecycle(t *testing.T) {
	m, p, clock, events := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddPeer("n2", "localhost:8082"))
	require.NoError(t, m.AddPeer("n3", "localhost:8083"))
	require.NoError(t, m.AddPeer("n1", "ignored"), "self is never a peer")

	peer, ok := m.Peer("n2")
	require.True(t, ok)
	require.Equal(t, Joining, peer.Status)

	p.set("n2", true)
	p.set("n3", true)
	m.heartbeat(ctx)
	require.True(t, m.IsHealthy("n2"))
	require.True(t, m.IsHealthy("n3"))
	require.Equal(t, 2, m.GetClusterStatus().HealthyPeers)

	// n3 goes silent; it stays healthy until the election timeout passes
	p.set("n3", false)
	clock.advance(500 * time.Millisecond)
	m.heartbeat(ctx)
	require.True(t, m.IsHealthy("n3"))

	clock.advance(600 * time.Millisecond)
	m.heartbeat(ctx)
	require.False(t, m.IsHealthy("n3"))
	peer, _ = m.Peer("n3")
	require.Equal(t, Unhealthy, peer.Status)

	// recovery
	p.set("n3", true)
	m.heartbeat(ctx)
	require.True(t, m.IsHealthy("n3"))

	require.Equal(t, []healthEvent{
		{"n2", true}, {"n3", true},
		{"n3", false},
		{"n3", true},
	}, sortedPairs(*events))
}

// sortedPairs orders the first two events, which arrive concurrently.
func sortedPairs(ev []healthEvent) []healthEvent {
	out := append([]healthEvent(nil), ev...)
	if len(out) >= 2 && out[0].id > out[1].id {
		out[0], out[1] = out[1], out[0]
	}
	return out
}

func TestManager_JoiningPeerExpires(t *testing.T) {
	m, _, clock, events := newTestManager(t)
	require.NoError(t, m.AddPeer("n2", "localhost:8082"))

	clock.advance(2 * time.Second)
	m.heartbeat(context.Background())

	peer, _ := m.Peer("n2")
	require.Equal(t, Unhealthy, peer.Status)
	require.Equal(t, []healthEvent{{"n2", false}}, *events)

	clock.advance(2 * time.Second)
	m.heartbeat(context.Background())
	require.Len(t, *events, 1, "an already unhealthy peer is not reported again")
}

func TestManager_RemovePeer(t *testing.T) {
	m, p, _, events := newTestManager(t)
	require.NoError(t, m.AddPeer("n2", "localhost:8082"))
	p.set("n2", true)
	m.heartbeat(context.Background())

	require.NoError(t, m.RemovePeer("n2"))
	_, ok := m.Peer("n2")
	require.False(t, ok)
	require.Equal(t, healthEvent{"n2", false}, (*events)[len(*events)-1])

	require.ErrorIs(t, m.RemovePeer("n2"), dberrors.ErrNotFound)
}

func TestManager_HandleHeartbeat(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	require.ErrorIs(t, m.HandleHeartbeat("n9", ""), dberrors.ErrNotFound)
	require.NoError(t, m.HandleHeartbeat("n9", "localhost:8089"))
	require.True(t, m.IsHealthy("n9"))

	addr, ok := m.Address("n9")
	require.True(t, ok)
	require.Equal(t, "localhost:8089", addr)
	require.Equal(t, []types.NodeID{"n1", "n9"}, m.Members())
}

func TestManager_ClusterStatus(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	require.NoError(t, m.AddPeer("n2", "localhost:8082"))
	m.SetRoleSource(func() (Role, types.NodeID) { return Leader, "n1" })

	st := m.GetClusterStatus()
	require.Equal(t, Status{NodeID: "n1", Role: Leader, LeaderID: "n1", PeerCount: 1, ShardCount: 4}, st)

	sk := m.GetShardForKey("users", "user:42")
	require.Equal(t, m.shards.GetShardForKey("users", "user:42"), sk)
}

func TestManager_StartStop(t *testing.T) {
	m, p, _, _ := newTestManager(t)
	m.now = time.Now
	require.NoError(t, m.AddPeer("n2", "localhost:8082"))
	p.set("n2", true)

	m.Start(context.Background())
	require.Eventually(t, func() bool { return m.IsHealthy("n2") }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
}

type fakeRegistry struct {
	added   map[types.NodeID]string
	removed []types.NodeID
}

func (r *fakeRegistry) AddPeer(id types.NodeID, addr string) error {
	r.added[id] = addr
	return nil
}

func (r *fakeRegistry) RemovePeer(id types.NodeID) error {
	r.removed = append(r.removed, id)
	return nil
}

func TestSyncMembers(t *testing.T) {
	reg := &fakeRegistry{added: map[types.NodeID]string{}}
	prev := map[types.NodeID]string{"n1": "a1", "n2": "a2", "n3": "a3"}
	cur := map[types.NodeID]string{"n1": "a1", "n2": "a2-new", "n4": "a4"}

	syncMembers(reg, "n1", prev, cur, slog.New(slog.DiscardHandler))

	require.Equal(t, map[types.NodeID]string{"n2": "a2-new", "n4": "a4"}, reg.added)
	require.Equal(t, []types.NodeID{"n3"}, reg.removed)
}

func TestHTTPPinger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, HeartbeatPath, r.URL.Path)
		var req PingRequest
		require.NoError(t, msgpack.NewDecoder(r.Body).Decode(&req))
		if req.From != "n1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raw, _ := msgpack.Marshal(PingResponse{ID: "n2", Alive: true})
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	p := NewHTTPPinger(srv.Client())
	require.NoError(t, p.Ping(context.Background(), Peer{ID: "n1"}, Peer{ID: "n2", Address: srv.URL}))
	require.Error(t, p.Ping(context.Background(), Peer{ID: "nx"}, Peer{ID: "n2", Address: srv.URL}))
	require.Error(t, p.Ping(context.Background(), Peer{ID: "n1"}, Peer{ID: "n2"}))
}
