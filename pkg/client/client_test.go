package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
	"qubedb/pkg/replication"
	"qubedb/pkg/types"
)

func reply(w http.ResponseWriter, status int, r response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(r)
}

func TestClient_FollowsLeaderRedirect(t *testing.T) {
	var got recordBody
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/api/records/row/users/u1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		reply(w, http.StatusOK, response{Status: "success"})
	}))
	defer leader.Close()
	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, leader.URL+r.URL.RequestURI(), http.StatusTemporaryRedirect)
	}))
	defer follower.Close()

	c := New(follower.URL)
	require.NoError(t, c.Put(context.Background(), record.NewRow("users", "u1", map[string]any{"n": 1})))
	require.Equal(t, float64(1), got.Fields["n"])
}

func TestClient_Errors(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/records/row/users/{key}", func(w http.ResponseWriter, r *http.Request) {
		switch chi.URLParam(r, "key") {
		case "found":
			raw, _ := json.Marshal(record.NewRow("users", "found", map[string]any{"age": 3}))
			reply(w, http.StatusOK, response{Status: "ok", Value: raw})
		default:
			reply(w, http.StatusNotFound, response{Status: "error", Code: "not_found", Error: "qubedb: not found"})
		}
	})
	r.Patch("/api/records/row/users/{key}", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusAccepted, response{Status: "pending", Code: "timeout", Error: "qubedb: replication timeout"})
	})
	r.Delete("/api/records/row/users/{key}", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusServiceUnavailable, response{Status: "error", Code: "not_leader", Leader: "n2"})
	})
	ts := httptest.NewServer(r)
	defer ts.Close()

	c := New(ts.URL)
	ctx := context.Background()

	rec, err := c.Get(ctx, record.Identity{Namespace: record.Row, Collection: "users", Key: "found"}, false)
	require.NoError(t, err)
	require.Equal(t, float64(3), rec.Fields["age"])

	rec, err = c.Get(ctx, record.Identity{Namespace: record.Row, Collection: "users", Key: "missing"}, false)
	require.NoError(t, err)
	require.Nil(t, rec)

	err = c.Update(ctx, record.NewRow("users", "x", nil))
	require.True(t, dberrors.IsUncertain(err))

	_, err = c.Delete(ctx, record.Identity{Namespace: record.Row, Collection: "users", Key: "x"})
	var nle *dberrors.NotLeaderError
	require.True(t, errors.As(err, &nle))
	require.Equal(t, types.NodeID("n2"), nle.LeaderHint)
}

func TestForwarder(t *testing.T) {
	var cmd replication.Command
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, ProposePath(3), r.URL.Path)
		require.Equal(t, replication.ContentType, r.Header.Get("Content-Type"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, replication.DecodeMessage(raw, &cmd))
		if cmd.Collection == "stale" {
			reply(w, http.StatusServiceUnavailable, response{Status: "error", Code: "not_leader", Leader: "n1"})
			return
		}
		reply(w, http.StatusOK, response{Status: "success"})
	}))
	defer ts.Close()

	f := NewForwarder(func(id types.NodeID) (string, bool) {
		if id == "n2" {
			return ts.URL, true
		}
		return "", false
	})
	ctx := context.Background()

	require.NoError(t, f.Forward(ctx, "n2", 3, replication.Command{
		Type: replication.CmdCreateCollection, Namespace: record.Vector, Collection: "emb", Dimension: 4,
	}))
	require.Equal(t, "emb", cmd.Collection)
	require.Equal(t, 4, cmd.Dimension)

	err := f.Forward(ctx, "n2", 3, replication.Command{Type: replication.CmdDropCollection, Collection: "stale"})
	var nle *dberrors.NotLeaderError
	require.True(t, errors.As(err, &nle))
	require.Equal(t, types.ShardID(3), nle.ShardID)
	require.Equal(t, types.NodeID("n1"), nle.LeaderHint)

	err = f.Forward(ctx, "n9", 3, replication.Command{Type: replication.CmdNoop})
	require.ErrorIs(t, err, replication.ErrUnreachable)
}
