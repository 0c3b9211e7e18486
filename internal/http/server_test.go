package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"qubedb/pkg/client"
	"qubedb/pkg/cluster"
	"qubedb/pkg/config"
	"qubedb/pkg/db"
	"qubedb/pkg/dberrors"
	"qubedb/pkg/metrics"
	"qubedb/pkg/record"
	"qubedb/pkg/types"
)

// lazyHandler lets the test server listen before the node behind it exists.
type lazyHandler struct {
	h atomic.Pointer[http.Handler]
}

func (l *lazyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := l.h.Load()
	if h == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	(*h).ServeHTTP(w, r)
}

type testNode struct {
	node *db.Node
	ts   *httptest.Server
	reg  *prometheus.Registry
}

func startCluster(t *testing.T, size int) []*testNode {
	t.Helper()
	handlers := make([]*lazyHandler, size)
	nodes := make([]*testNode, size)
	for i := range nodes {
		handlers[i] = &lazyHandler{}
		nodes[i] = &testNode{ts: httptest.NewServer(handlers[i]), reg: prometheus.NewRegistry()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	for i, tn := range nodes {
		cfg := config.Default()
		cfg.Node = config.NodeConfig{ID: fmt.Sprintf("n%d", i+1), Address: tn.ts.URL, DataDir: t.TempDir()}
		for j, peer := range nodes {
			if j != i {
				cfg.Cluster.Peers = append(cfg.Cluster.Peers, config.PeerConfig{ID: fmt.Sprintf("n%d", j+1), Address: peer.ts.URL})
			}
		}
		cfg.Cluster.HeartbeatInterval = 50 * time.Millisecond
		cfg.Cluster.ElectionTimeout = time.Second
		cfg.Sharding.Strategy = "hash"
		cfg.Sharding.ShardCount = 2
		cfg.Sharding.ReplicationFactor = size
		cfg.Replication.TickInterval = 20 * time.Millisecond
		cfg.Storage.SyncWrites = false

		var resolve func(types.NodeID) (string, bool)
		n, err := db.New(cfg, db.Deps{
			Forwarder: client.NewForwarder(func(id types.NodeID) (string, bool) { return resolve(id) }),
			Pinger:    cluster.NewHTTPPinger(nil),
			Logger:    slog.New(slog.DiscardHandler),
			Metrics:   metrics.NewPrometheus(tn.reg, cfg.Node.ID),
		})
		require.NoError(t, err)
		resolve = n.Cluster().Address
		tn.node = n

		var h http.Handler = NewServer(n, tn.reg, "", nil).Handler()
		handlers[i].h.Store(&h)
	}
	for _, tn := range nodes {
		tn.node.Start(ctx)
	}
	t.Cleanup(func() {
		cancel()
		for _, tn := range nodes {
			tn.ts.Close()
			_ = tn.node.Close()
		}
	})

	require.Eventually(t, func() bool {
		leaders := map[types.ShardID]bool{}
		for _, tn := range nodes {
			for _, st := range tn.node.ReplicationStatus() {
				if st.Role.String() == "leader" {
					leaders[st.ShardID] = true
				}
			}
		}
		return len(leaders) == 2
	}, 10*time.Second, 20*time.Millisecond)
	return nodes
}

func TestServer_RecordLifecycle(t *testing.T) {
	nodes := startCluster(t, 1)
	c := client.New(nodes[0].ts.URL)
	ctx := context.Background()

	rec := record.NewRow("users", "user:42", map[string]any{"name": "ada", "age": 36})
	require.NoError(t, c.Put(ctx, rec))

	got, err := c.Get(ctx, rec.ID, true)
	require.NoError(t, err)
	require.Equal(t, "ada", got.Fields["name"])
	require.Equal(t, float64(36), got.Fields["age"])

	require.ErrorIs(t, c.Update(ctx, record.NewRow("users", "nobody", map[string]any{"x": 1})), dberrors.ErrNotFound)

	id, err := c.Insert(ctx, record.NewDocument("docs", "", map[string]any{"title": "t"}))
	require.NoError(t, err)
	require.NotEmpty(t, id.Key)
	require.Equal(t, record.Document, id.Namespace)

	existed, err := c.Delete(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, existed)
	existed, err = c.Delete(ctx, rec.ID)
	require.NoError(t, err)
	require.False(t, existed)

	got, err = c.Get(ctx, rec.ID, false)
	require.NoError(t, err)
	require.Nil(t, got)

	resp, err := http.Get(nodes[0].ts.URL + "/api/records/bogus/users/k")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func postJSON(t *testing.T, url string, body any) (*http.Response, Response) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, contentTypeJSON, bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func putStatus(t *testing.T, base string, shard int, status string) (int, Response) {
	t.Helper()
	raw, err := json.Marshal(StatusBody{Status: status})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/api/shards/%d/status", base, shard), bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentTypeJSON)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestServer_ReadOnlyShard(t *testing.T) {
	nodes := startCluster(t, 1)
	base := nodes[0].ts.URL
	c := client.New(base)
	ctx := context.Background()

	rec := record.NewRow("users", "u1", map[string]any{"name": "ada"})
	require.NoError(t, c.Put(ctx, rec))

	for shard := 0; shard < 2; shard++ {
		code, _ := putStatus(t, base, shard, "read_only")
		require.Equal(t, http.StatusOK, code)
	}
	require.ErrorIs(t, c.Put(ctx, record.NewRow("users", "u2", nil)), dberrors.ErrReadOnly)
	_, err := c.Delete(ctx, rec.ID)
	require.ErrorIs(t, err, dberrors.ErrReadOnly)
	got, err := c.Get(ctx, rec.ID, true)
	require.NoError(t, err)
	require.Equal(t, "ada", got.Fields["name"])

	code, out := putStatus(t, base, 0, "migrating")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_argument", out.Code)
	code, _ = putStatus(t, base, 0, "asleep")
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = putStatus(t, base, 9, "active")
	require.Equal(t, http.StatusNotFound, code)

	for shard := 0; shard < 2; shard++ {
		code, _ := putStatus(t, base, shard, "active")
		require.Equal(t, http.StatusOK, code)
	}
	require.NoError(t, c.Put(ctx, record.NewRow("users", "u2", nil)))
}

func TestServer_Indexes(t *testing.T) {
	nodes := startCluster(t, 1)
	base := nodes[0].ts.URL
	c := client.New(base)
	ctx := context.Background()

	for i, age := range []int{20, 30, 40} {
		require.NoError(t, c.Put(ctx, record.NewRow("users", fmt.Sprintf("u%d", i), map[string]any{"age": age})))
	}

	resp, _ := postJSON(t, base+"/api/indexes", IndexBody{
		Name: "users_age", Namespace: "row", Collection: "users", Columns: []string{"age"}, Kind: "ordered",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, out := postJSON(t, base+"/api/indexes", IndexBody{
		Name: "users_age", Namespace: "row", Collection: "users", Columns: []string{"age"}, Kind: "ordered",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "index_exists", out.Code)

	resp, out = postJSON(t, base+"/api/indexes/users_age/range", QueryBody{Start: []any{25}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ids, ok := out.Value.([]any)
	require.True(t, ok)
	require.Len(t, ids, 2)

	resp, out = postJSON(t, base+"/api/indexes/missing/lookup", QueryBody{Values: []any{1}})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "index_not_found", out.Code)

	req, err := http.NewRequest(http.MethodDelete, base+"/api/indexes/users_age", nil)
	require.NoError(t, err)
	dresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	dresp.Body.Close()
	require.Equal(t, http.StatusOK, dresp.StatusCode)
}

func TestServer_ClusterOverHTTP(t *testing.T) {
	nodes := startCluster(t, 3)
	ctx := context.Background()
	c := client.New(nodes[0].ts.URL)

	// writes hitting a follower are redirected to the shard leader
	for i := 0; i < 10; i++ {
		rec := record.NewRow("users", fmt.Sprintf("user:%d", i), map[string]any{"i": i})
		require.NoError(t, c.Put(ctx, rec))
	}
	for i := 0; i < 10; i++ {
		got, err := c.Get(ctx, record.Identity{Namespace: record.Row, Collection: "users", Key: fmt.Sprintf("user:%d", i)}, true)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, float64(i), got.Fields["i"])
	}

	// broadcast DDL forwarded to remote leaders
	require.NoError(t, client.New(nodes[2].ts.URL).CreateCollection(ctx, record.Vector, "emb", 3))
	err := c.Put(ctx, record.NewVector("emb", "v", []float32{1, 2}))
	require.ErrorIs(t, err, dberrors.ErrDimensionMismatch)

	require.Eventually(t, func() bool {
		var view ClusterView
		return c.ClusterStatus(ctx, &view) == nil && view.HealthyPeers == 2 && len(view.Peers) == 2
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(nodes[1].ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "qubedb_raft_commit_index")
}

func TestServer_Heartbeat(t *testing.T) {
	nodes := startCluster(t, 1)
	p := cluster.NewHTTPPinger(nil)
	err := p.Ping(context.Background(),
		cluster.Peer{ID: "n9", Address: "http://127.0.0.1:1"},
		cluster.Peer{ID: "n1", Address: nodes[0].ts.URL})
	require.NoError(t, err)

	peer, ok := nodes[0].node.Cluster().Peer("n9")
	require.True(t, ok)
	require.Equal(t, cluster.Healthy, peer.Status)

	resp, err := http.Post(nodes[0].ts.URL+"/api/internal/raft/0/bogus", "application/msgpack", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{dberrors.ErrTimeout, http.StatusAccepted},
		{fmt.Errorf("wrapped: %w", dberrors.ErrQuorumUnreachable), http.StatusAccepted},
		{&dberrors.NotLeaderError{ShardID: 1}, http.StatusServiceUnavailable},
		{dberrors.ErrNotFound, http.StatusNotFound},
		{dberrors.ErrDimensionMismatch, http.StatusBadRequest},
		{dberrors.ErrMigrationInProgress, http.StatusConflict},
		{fmt.Errorf("put: %w", dberrors.ErrReadOnly), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}

	resp := NewErrorResponse(&dberrors.NotLeaderError{ShardID: 1, LeaderHint: "n2"})
	require.Equal(t, "not_leader", resp.Code)
	require.Equal(t, "n2", resp.Leader)
	require.Equal(t, StatusPending, NewErrorResponse(dberrors.ErrTimeout).Status)
}
