// Package http serves the public record API, the admin endpoints and the
// internal endpoints nodes use to replicate and ping each other.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qubedb/pkg/cluster"
	"qubedb/pkg/db"
	"qubedb/pkg/dberrors"
	"qubedb/pkg/index"
	"qubedb/pkg/record"
	"qubedb/pkg/replication"
	"qubedb/pkg/sharding"
	"qubedb/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

type iNode interface {
	replication.Handler

	ID() types.NodeID
	Cluster() *cluster.Manager
	Shards() *sharding.Manager

	Put(ctx context.Context, rec *record.Record) error
	Insert(ctx context.Context, rec *record.Record) (record.Identity, error)
	Update(ctx context.Context, rec *record.Record) error
	Delete(ctx context.Context, id record.Identity) (bool, error)
	Get(ctx context.Context, id record.Identity, c db.Consistency) (*record.Record, error)
	Scan(ctx context.Context, ns record.Namespace, collection string, opts db.SearchOptions, callback db.SearchCallback) error
	ProposeLocal(ctx context.Context, shard types.ShardID, cmd replication.Command) error

	CreateCollection(ctx context.Context, ns record.Namespace, name string, dimension int) error
	DropCollection(ctx context.Context, ns record.Namespace, name string) error

	CreateIndex(spec index.Spec) error
	DropIndex(name string) error
	ListIndexes() []index.Spec
	Lookup(name string, tuple []any) ([]record.Identity, error)
	RangeSearch(name string, start, end []any) ([]record.Identity, error)
	Search(name string, query []float32, k int) ([]index.Match, error)

	MigrateShard(ctx context.Context, id types.ShardID, nodes []types.NodeID) error
	SetShardStatus(shard types.ShardID, status sharding.Status) error
	RebalanceShards(ctx context.Context, nodes []types.NodeID) (db.RebalanceReport, error)
	ClusterStatus() cluster.Status
	ShardStatistics() sharding.Statistics
	ReplicationStatus() []replication.Status
}

var _ iNode = (*db.Node)(nil)

// Server represents the HTTP server of one node.
type Server struct {
	node       iNode
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
	httpServer *http.Server
	URL        string
	addr       string
	readHeader time.Duration
}

// NewServer creates a new server instance. A nil gatherer serves the
// default Prometheus registry.
func NewServer(node iNode, gatherer prometheus.Gatherer, port string, logger *slog.Logger) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		node:       node,
		gatherer:   gatherer,
		logger:     logger.With("component", "http"),
		URL:        "http://localhost:" + port,
		addr:       ":" + port,
		readHeader: time.Second,
	}
}

// SetReadHeaderTimeout overrides the default of one second.
func (s *Server) SetReadHeaderTimeout(d time.Duration) {
	if d > 0 {
		s.readHeader = d
	}
}

// Start starts the server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeader,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/records/{ns}/{collection}", func(r chi.Router) {
			r.Get("/", s.handleScan)
			r.Post("/", s.handleInsert)
			r.Put("/{key}", s.handlePut)
			r.Patch("/{key}", s.handleUpdate)
			r.Get("/{key}", s.handleGet)
			r.Delete("/{key}", s.handleDelete)
		})

		r.Post("/collections/{ns}/{collection}", s.handleCreateCollection)
		r.Delete("/collections/{ns}/{collection}", s.handleDropCollection)

		r.Get("/indexes", s.handleListIndexes)
		r.Post("/indexes", s.handleCreateIndex)
		r.Delete("/indexes/{name}", s.handleDropIndex)
		r.Post("/indexes/{name}/lookup", s.handleLookup)
		r.Post("/indexes/{name}/range", s.handleRange)
		r.Post("/indexes/{name}/search", s.handleSearch)

		r.Get("/cluster/status", s.handleClusterStatus)
		r.Get("/shards", s.handleShards)
		r.Get("/shards/stats", s.handleShardStats)
		r.Post("/shards/rebalance", s.handleRebalance)
		r.Post("/shards/{shard}/migrate", s.handleMigrate)
		r.Put("/shards/{shard}/status", s.handleShardStatus)
		r.Get("/replication/status", s.handleReplicationStatus)

		r.Route("/internal", func(r chi.Router) {
			r.Post("/raft/{shard}/{kind}", s.handleRaft)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/propose/{shard}", s.handlePropose)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

// redirectLeader answers a NotLeader failure with a redirect to the leader's
// public address when it is known and is not this node.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request, err error) bool {
	var nle *dberrors.NotLeaderError
	if !errors.As(err, &nle) || nle.LeaderHint == "" || nle.LeaderHint == s.node.ID() {
		return false
	}
	addr, ok := s.node.Cluster().Address(nle.LeaderHint)
	if !ok {
		return false
	}
	http.Redirect(w, r, replication.BaseURL(addr)+r.URL.RequestURI(), http.StatusTemporaryRedirect)
	return true
}

// fail writes err, redirecting NotLeader answers of public endpoints.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if s.redirectLeader(w, r, err) {
		return
	}
	s.writeError(w, err)
}
