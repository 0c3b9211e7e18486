package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"qubedb/pkg/cluster"
	"qubedb/pkg/dberrors"
	"qubedb/pkg/index"
	"qubedb/pkg/record"
	"qubedb/pkg/sharding"
	"qubedb/pkg/types"
)

// IndexBody declares an index with readable kind and namespace names.
type IndexBody struct {
	Name       string   `json:"name"`
	Namespace  string   `json:"namespace"`
	Collection string   `json:"collection"`
	Columns    []string `json:"columns,omitempty"`
	Dimensions int      `json:"dimensions,omitempty"`
	Kind       string   `json:"kind"`
}

func (b IndexBody) spec() (index.Spec, error) {
	ns, err := record.ParseNamespace(b.Namespace)
	if err != nil {
		return index.Spec{}, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
	}
	kind, err := index.ParseKind(b.Kind)
	if err != nil {
		return index.Spec{}, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
	}
	return index.Spec{
		Name:       b.Name,
		Namespace:  ns,
		Collection: b.Collection,
		Columns:    b.Columns,
		Dimensions: b.Dimensions,
		Kind:       kind,
	}, nil
}

func indexBodyOf(spec index.Spec) IndexBody {
	return IndexBody{
		Name:       spec.Name,
		Namespace:  spec.Namespace.String(),
		Collection: spec.Collection,
		Columns:    spec.Columns,
		Dimensions: spec.Dimensions,
		Kind:       spec.Kind.String(),
	}
}

// QueryBody carries the arguments of lookup, range and similarity queries.
type QueryBody struct {
	Values []any     `json:"values,omitempty"`
	Start  []any     `json:"start,omitempty"`
	End    []any     `json:"end,omitempty"`
	Vector []float32 `json:"vector,omitempty"`
	K      int       `json:"k,omitempty"`
}

func (s *Server) handleListIndexes(w http.ResponseWriter, _ *http.Request) {
	specs := s.node.ListIndexes()
	out := make([]IndexBody, len(specs))
	for i, spec := range specs {
		out[i] = indexBodyOf(spec)
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(out))
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var body IndexBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	spec, err := body.spec()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.node.CreateIndex(spec); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, NewSuccessResponse())
}

func (s *Server) handleDropIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.node.DropIndex(chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var body QueryBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	ids, err := s.node.Lookup(chi.URLParam(r, "name"), body.Values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(ids))
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	var body QueryBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	ids, err := s.node.RangeSearch(chi.URLParam(r, "name"), body.Start, body.End)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(ids))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body QueryBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	matches, err := s.node.Search(chi.URLParam(r, "name"), body.Vector, body.K)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(matches))
}

// ClusterView is the answer of GET /api/cluster/status.
type ClusterView struct {
	cluster.Status
	Peers []cluster.Peer `json:"peers"`
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewValueResponse(ClusterView{
		Status: s.node.ClusterStatus(),
		Peers:  s.node.Cluster().Peers(),
	}))
}

func (s *Server) handleShards(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewValueResponse(s.node.Shards().Shards()))
}

func (s *Server) handleShardStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewValueResponse(s.node.ShardStatistics()))
}

func (s *Server) handleReplicationStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewValueResponse(s.node.ReplicationStatus()))
}

// NodesBody lists the target nodes of a migration or rebalance.
type NodesBody struct {
	Nodes []types.NodeID `json:"nodes"`
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	shard, err := shardParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body NodesBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.node.MigrateShard(r.Context(), shard, body.Nodes); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// StatusBody names a shard status, see sharding.Status.
type StatusBody struct {
	Status string `json:"status"`
}

func (s *Server) handleShardStatus(w http.ResponseWriter, r *http.Request) {
	shard, err := shardParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body StatusBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	status, err := sharding.ParseStatus(body.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.node.SetShardStatus(shard, status); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	var body NodesBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
	}
	report, err := s.node.RebalanceShards(r.Context(), body.Nodes)
	if err != nil {
		s.writeJSON(w, http.StatusMultiStatus, Response{Status: StatusError, Value: report, Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(report))
}

func shardParam(r *http.Request) (types.ShardID, error) {
	raw := chi.URLParam(r, "shard")
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("shard %q: %w", raw, dberrors.ErrInvalidArgument)
	}
	return types.ShardID(v), nil
}
