package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/fastrand"
	"go.etcd.io/etcd/raft/v3/quorum"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/listener"
	"qubedb/pkg/metrics"
	"qubedb/pkg/types"
)

// Config of one shard's replication group on one node.
type Config struct {
	ShardID types.ShardID
	ID      types.NodeID
	// Voters is the replica set, first entry is the preferred leader. A node
	// that is not in Voters runs as a learner.
	Voters []types.NodeID

	Storage   Storage
	Transport Transport
	// Apply is called for every committed entry, in index order, from a single goroutine.
	Apply func(LogEntry) error
	// Unhealthy peers at startup, before health updates arrive.
	Unhealthy []types.NodeID

	TickInterval        time.Duration
	ElectionTick        int
	HeartbeatTick       int
	MaxEntriesPerAppend int
	WriteTimeout        time.Duration

	Logger  *slog.Logger
	Metrics metrics.Collector
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.ElectionTick <= 0 {
		c.ElectionTick = 10
	}
	if c.HeartbeatTick <= 0 {
		c.HeartbeatTick = 1
	}
	if c.MaxEntriesPerAppend <= 0 {
		c.MaxEntriesPerAppend = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.Metrics = metrics.OrNop(c.Metrics)
	if c.Apply == nil {
		c.Apply = func(LogEntry) error { return nil }
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("empty node id"))
	}
	if len(c.Voters) == 0 {
		errs = append(errs, errors.New("empty voter set"))
	}
	if c.Storage == nil {
		errs = append(errs, errors.New("nil storage"))
	}
	if c.Transport == nil {
		errs = append(errs, errors.New("nil transport"))
	}
	if c.HeartbeatTick >= c.ElectionTick {
		errs = append(errs, fmt.Errorf("heartbeat tick %d must be below election tick %d", c.HeartbeatTick, c.ElectionTick))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("replication config for %s: %w: %w", c.ShardID, dberrors.ErrInvalidArgument, err)
	}
	return nil
}

type envelope[Req, Resp any] struct {
	req   Req
	reply chan Resp
}

type rpcReply[Resp any] struct {
	peer types.NodeID
	term types.Term
	resp Resp
	err  error
}

type proposal struct {
	cmd   Command
	reply chan proposalResult
}

type proposalResult struct {
	index types.LogIndex
	done  <-chan error
	err   error
}

type waiter struct {
	term types.Term
	ch   chan error
}

type healthChange struct {
	node    types.NodeID
	healthy bool
}

type learnerChange struct {
	node types.NodeID
	add  bool
}

type readResult struct {
	index types.LogIndex
	err   error
}

// Group is the replication state machine of one shard on one node. All
// consensus state is owned by a single event loop goroutine; committed entries
// are applied by a second goroutine.
type Group struct {
	cfg       Config
	shard     types.ShardID
	id        types.NodeID
	store     Storage
	transport Transport
	logger    *slog.Logger
	metrics   metrics.Collector
	labels    map[string]string

	// owned by the event loop
	role            Role
	hs              HardState
	leader          types.NodeID
	voters          []types.NodeID
	learners        []types.NodeID
	lastIndex       types.LogIndex
	lastTerm        types.Term
	next            map[types.NodeID]types.LogIndex
	match           map[types.NodeID]types.LogIndex
	inflight        map[types.NodeID]bool
	sentCommit      map[types.NodeID]types.LogIndex
	active          map[types.NodeID]bool
	unhealthy       map[types.NodeID]bool
	votes           map[types.NodeID]bool
	electionElapsed int
	heartbeatTicks  int
	electionTimeout int

	propc          chan *proposal
	voteReqc       chan envelope[RequestVoteRequest, RequestVoteResponse]
	appendReqc     chan envelope[AppendEntriesRequest, AppendEntriesResponse]
	heartbeatReqc  chan envelope[HeartbeatRequest, HeartbeatResponse]
	voteRespc      chan rpcReply[RequestVoteResponse]
	appendRespc    chan rpcReply[AppendEntriesResponse]
	heartbeatRespc chan rpcReply[HeartbeatResponse]
	healthc        chan healthChange
	learnerc       chan learnerChange
	confc          chan []types.NodeID
	readc          chan chan readResult
	applyc         chan types.LogIndex

	applier       *listener.Listener[types.LogIndex]
	applyMu       sync.Mutex
	applied       types.LogIndex
	appliedNotify chan struct{}

	waitMu  sync.Mutex
	waiters map[types.LogIndex]waiter

	status atomic.Pointer[Status]

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewGroup restores the group's durable state. Call Start to run it.
func NewGroup(cfg Config) (*Group, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	hs, err := cfg.Storage.HardState()
	if err != nil {
		return nil, err
	}
	last, err := cfg.Storage.LastIndex()
	if err != nil {
		return nil, err
	}
	lastTerm, err := cfg.Storage.Term(last)
	if err != nil {
		return nil, err
	}
	applied, err := cfg.Storage.Applied()
	if err != nil {
		return nil, err
	}
	applied = min(applied, last)
	// an applied entry was committed even if the commit index was not persisted
	hs.Commit = max(hs.Commit, applied)

	g := &Group{
		cfg:       cfg,
		shard:     cfg.ShardID,
		id:        cfg.ID,
		store:     cfg.Storage,
		transport: cfg.Transport,
		logger:    cfg.Logger.With("shard", uint32(cfg.ShardID), "node", string(cfg.ID)),
		metrics:   cfg.Metrics,
		labels:    map[string]string{"shard": cfg.ShardID.String()},

		hs:         hs,
		voters:     slices.Clone(cfg.Voters),
		lastIndex:  last,
		lastTerm:   lastTerm,
		next:       make(map[types.NodeID]types.LogIndex),
		match:      make(map[types.NodeID]types.LogIndex),
		inflight:   make(map[types.NodeID]bool),
		sentCommit: make(map[types.NodeID]types.LogIndex),
		active:     make(map[types.NodeID]bool),
		unhealthy:  make(map[types.NodeID]bool),

		propc:          make(chan *proposal),
		voteReqc:       make(chan envelope[RequestVoteRequest, RequestVoteResponse]),
		appendReqc:     make(chan envelope[AppendEntriesRequest, AppendEntriesResponse]),
		heartbeatReqc:  make(chan envelope[HeartbeatRequest, HeartbeatResponse]),
		voteRespc:      make(chan rpcReply[RequestVoteResponse]),
		appendRespc:    make(chan rpcReply[AppendEntriesResponse]),
		heartbeatRespc: make(chan rpcReply[HeartbeatResponse]),
		healthc:        make(chan healthChange),
		learnerc:       make(chan learnerChange),
		confc:          make(chan []types.NodeID),
		readc:          make(chan chan readResult),
		applyc:         make(chan types.LogIndex, 1),

		applied:       applied,
		appliedNotify: make(chan struct{}),
		waiters:       make(map[types.LogIndex]waiter),
	}
	for _, p := range cfg.Unhealthy {
		if p != cfg.ID {
			g.unhealthy[p] = true
		}
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.resetElectionTimeout()
	// a fresh group lets the preferred leader campaign on its first tick
	if hs.Term == 0 && len(g.voters) > 0 && g.voters[0] == g.id {
		g.electionTimeout = 1
	}
	g.applier = listener.New(g.applyc, g.applyTo).OnError(func(err error) {
		g.logger.Error("apply failed, will retry", "error", err)
	})
	g.publish()
	return g, nil
}

// Start runs the event and apply loops until Stop or until ctx is done.
func (g *Group) Start(ctx context.Context) {
	context.AfterFunc(ctx, g.cancel)
	g.applier.Start(g.ctx)
	if g.hs.Commit > 0 {
		g.signalApply(g.hs.Commit)
	}
	g.wg.Add(1)
	go g.run()
	g.logger.Info("replication group started",
		"term", uint64(g.hs.Term), "commit", uint64(g.hs.Commit), "applied", uint64(g.applied),
		"last_index", uint64(g.lastIndex), "voters", g.voters)
}

// Stop terminates both loops. Pending proposals fail with ErrClosed.
func (g *Group) Stop() {
	g.stopOnce.Do(func() {
		g.cancel()
		g.wg.Wait()
		g.applier.Stop()
		g.waitMu.Lock()
		for idx, w := range g.waiters {
			w.ch <- dberrors.ErrClosed
			delete(g.waiters, idx)
		}
		g.waitMu.Unlock()
		g.logger.Info("replication group stopped")
	})
}

func (g *Group) ShardID() types.ShardID {
	return g.shard
}

// Status returns the state published after the last processed event.
func (g *Group) Status() Status {
	st := *g.status.Load()
	st.Applied = g.appliedIndex()
	return st
}

func (g *Group) IsLeader() bool {
	return g.status.Load().Role == Leader
}

func (g *Group) Leader() types.NodeID {
	return g.status.Load().Leader
}

func (g *Group) run() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.tick()
		case p := <-g.propc:
			g.handlePropose(p)
		case e := <-g.voteReqc:
			e.reply <- g.handleRequestVote(e.req)
		case e := <-g.appendReqc:
			e.reply <- g.handleAppendEntries(e.req)
		case e := <-g.heartbeatReqc:
			e.reply <- g.handleHeartbeat(e.req)
		case r := <-g.voteRespc:
			g.handleVoteResponse(r)
		case r := <-g.appendRespc:
			g.handleAppendEntriesResponse(r)
		case r := <-g.heartbeatRespc:
			g.handleHeartbeatResponse(r)
		case h := <-g.healthc:
			g.handleHealth(h)
		case l := <-g.learnerc:
			g.handleLearner(l)
		case voters := <-g.confc:
			g.applyConf(voters)
		case reply := <-g.readc:
			reply <- g.handleReadIndex()
		}
		g.publish()
	}
}

func (g *Group) publish() {
	st := &Status{
		ShardID:   g.shard,
		ID:        g.id,
		Role:      g.role,
		Term:      g.hs.Term,
		Leader:    g.leader,
		Commit:    g.hs.Commit,
		LastIndex: g.lastIndex,
		Voters:    slices.Clone(g.voters),
		Learners:  slices.Clone(g.learners),
	}
	for n := range g.unhealthy {
		st.Unhealthy = append(st.Unhealthy, n)
	}
	slices.Sort(st.Unhealthy)
	if g.role == Leader {
		st.Next = make(map[types.NodeID]types.LogIndex, len(g.next))
		st.Match = make(map[types.NodeID]types.LogIndex, len(g.match))
		for _, p := range g.peers() {
			st.Next[p] = g.next[p]
			st.Match[p] = g.match[p]
		}
	}
	g.status.Store(st)
}

func (g *Group) rpcTimeout() time.Duration {
	return g.cfg.TickInterval * time.Duration(g.cfg.ElectionTick)
}

func (g *Group) resetElectionTimeout() {
	g.electionTimeout = g.cfg.ElectionTick + fastrand.Intn(g.cfg.ElectionTick)
}

func (g *Group) isVoter(n types.NodeID) bool {
	return slices.Contains(g.voters, n)
}

// peers are the voters and learners other than this node.
func (g *Group) peers() []types.NodeID {
	out := make([]types.NodeID, 0, len(g.voters)+len(g.learners))
	for _, n := range g.voters {
		if n != g.id {
			out = append(out, n)
		}
	}
	for _, n := range g.learners {
		if n != g.id && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

func (g *Group) term(i types.LogIndex) (types.Term, error) {
	switch {
	case i == 0:
		return 0, nil
	case i == g.lastIndex:
		return g.lastTerm, nil
	case i > g.lastIndex:
		return 0, errMissingEntry
	default:
		return g.store.Term(i)
	}
}

func (g *Group) persistHardState() error {
	if err := g.store.SetHardState(g.hs); err != nil {
		g.logger.Error("persist hard state", "error", err)
		return err
	}
	return nil
}

// majority identifies voters by their position in the replica set, plus one.
func (g *Group) majority() quorum.MajorityConfig {
	cfg := make(quorum.MajorityConfig, len(g.voters))
	for i := range g.voters {
		cfg[uint64(i+1)] = struct{}{}
	}
	return cfg
}

// ackIndexer exposes match indices to the quorum computation. Unhealthy
// voters report nothing, so they never help an index commit.
type ackIndexer struct{ g *Group }

func (a ackIndexer) AckedIndex(id uint64) (quorum.Index, bool) {
	node := a.g.voters[id-1]
	if node == a.g.id {
		return quorum.Index(a.g.lastIndex), true
	}
	if a.g.unhealthy[node] {
		return 0, false
	}
	m, ok := a.g.match[node]
	return quorum.Index(m), ok
}

func (g *Group) tick() {
	switch g.role {
	case Leader:
		g.electionElapsed++
		g.heartbeatTicks++
		if g.electionElapsed >= g.cfg.ElectionTick {
			g.electionElapsed = 0
			if !g.quorumActive() {
				g.logger.Warn("lost contact with a majority, stepping down")
				g.becomeFollower(g.hs.Term, "")
				break
			}
		}
		if g.heartbeatTicks >= g.cfg.HeartbeatTick {
			g.heartbeatTicks = 0
			g.broadcast(true)
		}
	default:
		g.electionElapsed++
		if g.isVoter(g.id) && g.electionElapsed >= g.electionTimeout {
			g.campaign()
		}
	}
	if g.appliedIndex() < g.hs.Commit {
		g.signalApply(g.hs.Commit)
	}
}

// quorumActive reports whether a majority of voters answered since the last check.
func (g *Group) quorumActive() bool {
	n := 0
	for _, v := range g.voters {
		if v == g.id || g.active[v] {
			n++
		}
	}
	clear(g.active)
	return n >= len(g.voters)/2+1
}

func (g *Group) becomeFollower(term types.Term, leader types.NodeID) {
	if term > g.hs.Term {
		g.hs.Term = term
		g.hs.VotedFor = ""
		_ = g.persistHardState()
	}
	if g.role == Leader {
		g.metrics.SetGauge(metrics.IsLeader, g.labels, 0)
		g.logger.Info("stepped down", "term", uint64(g.hs.Term))
	}
	g.role = Follower
	g.leader = leader
	g.votes = nil
	g.electionElapsed = 0
	g.resetElectionTimeout()
}

func (g *Group) campaign() {
	g.hs.Term++
	g.hs.VotedFor = g.id
	g.electionElapsed = 0
	g.resetElectionTimeout()
	if err := g.persistHardState(); err != nil {
		g.role = Follower
		return
	}
	g.role = Candidate
	g.leader = ""
	g.votes = map[types.NodeID]bool{g.id: true}
	g.metrics.IncCounter(metrics.ElectionsTotal, map[string]string{"shard": g.shard.String(), "result": "started"}, 1)
	g.logger.Debug("campaigning", "term", uint64(g.hs.Term))

	if g.tallyVotes() {
		return
	}
	req := RequestVoteRequest{
		ShardID:      g.shard,
		Term:         g.hs.Term,
		CandidateID:  g.id,
		LastLogIndex: g.lastIndex,
		LastLogTerm:  g.lastTerm,
	}
	for _, p := range g.voters {
		if p == g.id || g.unhealthy[p] {
			continue
		}
		g.send(func(ctx context.Context) {
			resp, err := g.transport.RequestVote(ctx, p, req)
			deliver(g, g.voteRespc, rpcReply[RequestVoteResponse]{peer: p, term: req.Term, resp: resp, err: err})
		})
	}
}

// tallyVotes resolves the election when the outcome is known.
func (g *Group) tallyVotes() bool {
	votes := make(map[uint64]bool, len(g.votes))
	for i, v := range g.voters {
		if granted, ok := g.votes[v]; ok {
			votes[uint64(i+1)] = granted
		}
	}
	switch g.majority().VoteResult(votes) {
	case quorum.VoteWon:
		g.becomeLeader()
		return true
	case quorum.VoteLost:
		g.metrics.IncCounter(metrics.ElectionsTotal, map[string]string{"shard": g.shard.String(), "result": "lost"}, 1)
		g.becomeFollower(g.hs.Term, "")
		return true
	default:
		return false
	}
}

func (g *Group) becomeLeader() {
	g.role = Leader
	g.leader = g.id
	g.votes = nil
	g.electionElapsed = 0
	g.heartbeatTicks = 0
	clear(g.match)
	clear(g.inflight)
	clear(g.sentCommit)
	clear(g.active)
	for _, p := range g.peers() {
		g.next[p] = g.lastIndex + 1
	}
	g.metrics.IncCounter(metrics.ElectionsTotal, map[string]string{"shard": g.shard.String(), "result": "won"}, 1)
	g.metrics.SetGauge(metrics.IsLeader, g.labels, 1)
	g.logger.Info("became leader", "term", uint64(g.hs.Term), "last_index", uint64(g.lastIndex))

	// entries of earlier terms only commit behind one of the current term
	if _, err := g.appendLocal(Command{Type: CmdNoop}); err != nil {
		g.logger.Error("append failed, stepping down", "error", err)
		g.becomeFollower(g.hs.Term, "")
		return
	}
	g.maybeCommit()
	g.broadcast(false)
}

func (g *Group) appendLocal(cmd Command) (LogEntry, error) {
	e := LogEntry{
		Index:     g.lastIndex + 1,
		Term:      g.hs.Term,
		Command:   cmd,
		Timestamp: time.Now().UnixNano(),
	}
	if err := g.store.Append([]LogEntry{e}); err != nil {
		return LogEntry{}, err
	}
	g.lastIndex, g.lastTerm = e.Index, e.Term
	return e, nil
}

func (g *Group) handlePropose(p *proposal) {
	if g.role != Leader {
		p.reply <- proposalResult{err: &dberrors.NotLeaderError{ShardID: g.shard, LeaderHint: g.leader}}
		return
	}
	if p.cmd.Type == CmdReconfigure && len(p.cmd.Replicas) == 0 {
		p.reply <- proposalResult{err: fmt.Errorf("reconfigure to empty replica set: %w", dberrors.ErrInvalidArgument)}
		return
	}

	e, err := g.appendLocal(p.cmd)
	if err != nil {
		g.logger.Error("log append failed, stepping down", "error", err)
		g.metrics.IncCounter(metrics.ProposalsTotal, map[string]string{"shard": g.shard.String(), "result": "io_failure"}, 1)
		g.becomeFollower(g.hs.Term, "")
		p.reply <- proposalResult{err: err}
		return
	}
	done := g.addWaiter(e.Index, e.Term)
	p.reply <- proposalResult{index: e.Index, done: done}
	g.metrics.IncCounter(metrics.ProposalsTotal, map[string]string{"shard": g.shard.String(), "result": "appended"}, 1)

	g.maybeCommit()
	g.broadcast(false)
}

// maybeCommit advances the commit index to the highest index held by a
// majority of voters, if that entry belongs to the current term.
func (g *Group) maybeCommit() {
	if g.role != Leader {
		return
	}
	idx := types.LogIndex(g.majority().CommittedIndex(ackIndexer{g}))
	if idx <= g.hs.Commit {
		return
	}
	if t, err := g.term(idx); err != nil || t != g.hs.Term {
		return
	}
	g.hs.Commit = idx
	_ = g.persistHardState()
	g.metrics.SetGauge(metrics.CommitIndex, g.labels, float64(idx))
	g.signalApply(idx)
	g.broadcast(false)
}

// broadcast replicates to every healthy peer without an RPC in flight. With
// heartbeat set, caught-up peers get a Heartbeat instead of an empty append.
func (g *Group) broadcast(heartbeat bool) {
	for _, p := range g.peers() {
		g.sendAppend(p, heartbeat)
	}
}

func (g *Group) sendAppend(p types.NodeID, heartbeat bool) {
	if g.role != Leader || g.inflight[p] || g.unhealthy[p] {
		return
	}
	next, ok := g.next[p]
	if !ok {
		next = g.lastIndex + 1
		g.next[p] = next
	}
	caughtUp := next > g.lastIndex && g.sentCommit[p] >= g.hs.Commit

	if caughtUp {
		if !heartbeat {
			return
		}
		req := HeartbeatRequest{ShardID: g.shard, Term: g.hs.Term, LeaderID: g.id, Learner: slices.Contains(g.learners, p)}
		g.inflight[p] = true
		g.send(func(ctx context.Context) {
			resp, err := g.transport.Heartbeat(ctx, p, req)
			deliver(g, g.heartbeatRespc, rpcReply[HeartbeatResponse]{peer: p, term: req.Term, resp: resp, err: err})
		})
		return
	}

	prev := next - 1
	prevTerm, err := g.term(prev)
	if err != nil {
		g.logger.Error("read previous term", "peer", string(p), "index", uint64(prev), "error", err)
		return
	}
	hi := min(g.lastIndex+1, next+types.LogIndex(g.cfg.MaxEntriesPerAppend))
	entries, err := g.store.Entries(next, hi)
	if err != nil {
		g.logger.Error("read entries", "peer", string(p), "from", uint64(next), "error", err)
		return
	}
	req := AppendEntriesRequest{
		ShardID:      g.shard,
		Term:         g.hs.Term,
		LeaderID:     g.id,
		PrevLogIndex: prev,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: g.hs.Commit,
		Learner:      slices.Contains(g.learners, p),
	}
	g.inflight[p] = true
	g.sentCommit[p] = g.hs.Commit
	g.send(func(ctx context.Context) {
		resp, err := g.transport.AppendEntries(ctx, p, req)
		deliver(g, g.appendRespc, rpcReply[AppendEntriesResponse]{peer: p, term: req.Term, resp: resp, err: err})
	})
}

// send runs an outbound RPC off the event loop.
func (g *Group) send(fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(g.ctx, g.rpcTimeout())
		defer cancel()
		fn(ctx)
	}()
}

// deliver hands an RPC result back to the event loop unless the group stops first.
func deliver[T any](g *Group, c chan<- T, v T) {
	select {
	case c <- v:
	case <-g.ctx.Done():
	}
}

func (g *Group) handleVoteResponse(r rpcReply[RequestVoteResponse]) {
	if r.err != nil {
		g.logger.Debug("request vote failed", "peer", string(r.peer), "error", r.err)
		return
	}
	if r.resp.Term > g.hs.Term {
		g.becomeFollower(r.resp.Term, "")
		return
	}
	if g.role != Candidate || r.term != g.hs.Term {
		return
	}
	g.votes[r.peer] = r.resp.VoteGranted
	g.tallyVotes()
}

func (g *Group) handleAppendEntriesResponse(r rpcReply[AppendEntriesResponse]) {
	g.inflight[r.peer] = false
	if r.err != nil {
		g.logger.Debug("append entries failed", "peer", string(r.peer), "error", r.err)
		return
	}
	if r.resp.Term > g.hs.Term {
		g.becomeFollower(r.resp.Term, "")
		return
	}
	if g.role != Leader || r.term != g.hs.Term {
		return
	}
	g.active[r.peer] = true

	if r.resp.Success {
		if r.resp.MatchIndex > g.match[r.peer] {
			g.match[r.peer] = r.resp.MatchIndex
		}
		g.next[r.peer] = g.match[r.peer] + 1
		g.maybeCommit()
	} else {
		g.metrics.IncCounter(metrics.AppendRejectsTotal, g.labels, 1)
		next := g.next[r.peer] - 1
		if hint := r.resp.MatchIndex + 1; hint < next {
			next = hint
		}
		g.next[r.peer] = max(next, 1)
	}
	if !g.isMember(r.peer) {
		if g.sentCommit[r.peer] < g.hs.Commit {
			g.sendAppend(r.peer, false)
		}
		return
	}
	if g.next[r.peer] <= g.lastIndex || !r.resp.Success {
		g.sendAppend(r.peer, false)
	}
}

func (g *Group) handleHeartbeatResponse(r rpcReply[HeartbeatResponse]) {
	g.inflight[r.peer] = false
	if r.err != nil {
		return
	}
	if r.resp.Term > g.hs.Term {
		g.becomeFollower(r.resp.Term, "")
		return
	}
	if r.resp.Alive && r.term == g.hs.Term {
		g.active[r.peer] = true
	}
}

func (g *Group) handleRequestVote(req RequestVoteRequest) RequestVoteResponse {
	if req.Term < g.hs.Term {
		return RequestVoteResponse{Term: g.hs.Term}
	}
	if req.Term > g.hs.Term {
		g.becomeFollower(req.Term, "")
	}
	if !g.isVoter(g.id) {
		return RequestVoteResponse{Term: g.hs.Term}
	}

	canVote := g.hs.VotedFor == "" || g.hs.VotedFor == req.CandidateID
	upToDate := req.LastLogTerm > g.lastTerm ||
		(req.LastLogTerm == g.lastTerm && req.LastLogIndex >= g.lastIndex)
	if !canVote || !upToDate {
		return RequestVoteResponse{Term: g.hs.Term}
	}

	g.hs.VotedFor = req.CandidateID
	if err := g.persistHardState(); err != nil {
		g.hs.VotedFor = ""
		return RequestVoteResponse{Term: g.hs.Term}
	}
	g.electionElapsed = 0
	return RequestVoteResponse{Term: g.hs.Term, VoteGranted: true}
}

func (g *Group) handleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	reject := func(hint types.LogIndex) AppendEntriesResponse {
		return AppendEntriesResponse{Term: g.hs.Term, MatchIndex: hint}
	}
	if req.Term < g.hs.Term {
		return reject(g.lastIndex)
	}
	if req.Term > g.hs.Term || g.role != Follower {
		g.becomeFollower(req.Term, req.LeaderID)
	}
	g.leader = req.LeaderID
	g.electionElapsed = 0

	if req.PrevLogIndex > g.lastIndex {
		return reject(g.lastIndex)
	}
	if t, err := g.term(req.PrevLogIndex); err != nil || t != req.PrevLogTerm {
		return reject(req.PrevLogIndex - 1)
	}

	entries := req.Entries
	for len(entries) > 0 && entries[0].Index <= g.lastIndex {
		t, err := g.term(entries[0].Index)
		if err != nil {
			g.logger.Error("read local term", "index", uint64(entries[0].Index), "error", err)
			return reject(req.PrevLogIndex)
		}
		if t != entries[0].Term {
			break
		}
		entries = entries[1:]
	}
	if len(entries) > 0 {
		if entries[0].Index <= g.hs.Commit {
			g.logger.Error("leader rewrites a committed entry", "index", uint64(entries[0].Index), "leader", string(req.LeaderID))
			return reject(g.hs.Commit)
		}
		if entries[0].Index <= g.lastIndex {
			g.logger.Info("truncating conflicting suffix", "from", uint64(entries[0].Index), "last_index", uint64(g.lastIndex))
		}
		if err := g.store.Append(entries); err != nil {
			g.logger.Error("append failed", "error", err)
			return reject(req.PrevLogIndex)
		}
		last := entries[len(entries)-1]
		g.lastIndex, g.lastTerm = last.Index, last.Term
	}

	match := req.PrevLogIndex + types.LogIndex(len(req.Entries))
	if commit := min(req.LeaderCommit, match); commit > g.hs.Commit {
		g.hs.Commit = commit
		_ = g.persistHardState()
		g.metrics.SetGauge(metrics.CommitIndex, g.labels, float64(commit))
		g.signalApply(commit)
	}
	return AppendEntriesResponse{Term: g.hs.Term, Success: true, MatchIndex: match}
}

func (g *Group) handleHeartbeat(req HeartbeatRequest) HeartbeatResponse {
	if req.Term < g.hs.Term {
		return HeartbeatResponse{Term: g.hs.Term, Alive: true}
	}
	if req.Term > g.hs.Term || g.role != Follower {
		g.becomeFollower(req.Term, req.LeaderID)
	}
	g.leader = req.LeaderID
	g.electionElapsed = 0
	return HeartbeatResponse{Term: g.hs.Term, Alive: true}
}

func (g *Group) handleHealth(h healthChange) {
	if h.healthy {
		if !g.unhealthy[h.node] {
			return
		}
		delete(g.unhealthy, h.node)
		g.logger.Info("peer healthy again", "peer", string(h.node))
		g.sendAppend(h.node, false)
		return
	}
	if h.node != g.id && !g.unhealthy[h.node] {
		g.unhealthy[h.node] = true
		g.logger.Warn("peer unhealthy, excluded from quorum", "peer", string(h.node))
	}
}

func (g *Group) handleLearner(l learnerChange) {
	if l.add {
		if l.node == g.id || g.isVoter(l.node) || slices.Contains(g.learners, l.node) {
			return
		}
		g.learners = append(g.learners, l.node)
		g.next[l.node] = g.lastIndex + 1
		g.logger.Info("learner added", "learner", string(l.node))
		g.sendAppend(l.node, false)
		return
	}
	g.learners = slices.DeleteFunc(g.learners, func(n types.NodeID) bool { return n == l.node })
}

// applyConf installs a committed replica set.
func (g *Group) applyConf(voters []types.NodeID) {
	if slices.Equal(voters, g.voters) {
		return
	}
	var removed []types.NodeID
	for _, v := range g.voters {
		if v != g.id && !slices.Contains(voters, v) {
			removed = append(removed, v)
		}
	}
	g.voters = slices.Clone(voters)
	g.learners = slices.DeleteFunc(g.learners, g.isVoter)
	g.logger.Info("replica set changed", "voters", voters)
	// removed voters still need the commit index to apply their own removal
	for _, v := range removed {
		g.sendAppend(v, false)
	}
	if g.role == Leader && !g.isVoter(g.id) {
		g.becomeFollower(g.hs.Term, "")
	}
}

func (g *Group) isMember(node types.NodeID) bool {
	return g.isVoter(node) || slices.Contains(g.learners, node)
}

func (g *Group) handleReadIndex() readResult {
	if g.role != Leader {
		return readResult{err: &dberrors.NotLeaderError{ShardID: g.shard, LeaderHint: g.leader}}
	}
	if t, err := g.term(g.hs.Commit); err != nil || t != g.hs.Term {
		return readResult{err: fmt.Errorf("%s: leader has not committed in term %d yet: %w", g.shard, g.hs.Term, dberrors.ErrTimeout)}
	}
	return readResult{index: g.hs.Commit}
}

// call hands a request to the event loop and waits for its answer.
func call[Req, Resp any](ctx context.Context, g *Group, c chan<- envelope[Req, Resp], req Req) (Resp, error) {
	var zero Resp
	e := envelope[Req, Resp]{req: req, reply: make(chan Resp, 1)}
	select {
	case c <- e:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-g.ctx.Done():
		return zero, dberrors.ErrClosed
	}
	select {
	case resp := <-e.reply:
		return resp, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-g.ctx.Done():
		return zero, dberrors.ErrClosed
	}
}

func (g *Group) HandleRequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error) {
	return call(ctx, g, g.voteReqc, req)
}

func (g *Group) HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	return call(ctx, g, g.appendReqc, req)
}

func (g *Group) HandleHeartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	return call(ctx, g, g.heartbeatReqc, req)
}

func (g *Group) post(ctx context.Context, fn func(context.Context) bool) error {
	if !fn(ctx) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return dberrors.ErrClosed
	}
	return nil
}

// SetPeerHealth marks a peer healthy or unhealthy. Unhealthy peers receive no
// RPCs and their acknowledgements do not count towards commit.
func (g *Group) SetPeerHealth(ctx context.Context, node types.NodeID, healthy bool) error {
	return g.post(ctx, func(ctx context.Context) bool {
		select {
		case g.healthc <- healthChange{node: node, healthy: healthy}:
			return true
		case <-ctx.Done():
		case <-g.ctx.Done():
		}
		return false
	})
}

// AddLearner starts replicating to a non-voting node. Only meaningful on the leader.
func (g *Group) AddLearner(ctx context.Context, node types.NodeID) error {
	return g.changeLearner(ctx, learnerChange{node: node, add: true})
}

func (g *Group) RemoveLearner(ctx context.Context, node types.NodeID) error {
	return g.changeLearner(ctx, learnerChange{node: node})
}

func (g *Group) changeLearner(ctx context.Context, l learnerChange) error {
	return g.post(ctx, func(ctx context.Context) bool {
		select {
		case g.learnerc <- l:
			return true
		case <-ctx.Done():
		case <-g.ctx.Done():
		}
		return false
	})
}

// Propose appends cmd on the leader and waits until it is applied locally.
// Followers answer with *dberrors.NotLeaderError. When the entry is not
// applied in time the outcome is uncertain: ErrQuorumUnreachable if fewer
// than a majority of voters are healthy, ErrTimeout otherwise.
func (g *Group) Propose(ctx context.Context, cmd Command) (types.LogIndex, error) {
	if cmd.RequestID == uuid.Nil {
		cmd.RequestID = uuid.New()
	}
	p := &proposal{cmd: cmd, reply: make(chan proposalResult, 1)}
	select {
	case g.propc <- p:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-g.ctx.Done():
		return 0, dberrors.ErrClosed
	}

	var res proposalResult
	select {
	case res = <-p.reply:
	case <-g.ctx.Done():
		return 0, dberrors.ErrClosed
	}
	if res.err != nil {
		return 0, res.err
	}

	timer := time.NewTimer(g.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-res.done:
		return res.index, err
	case <-timer.C:
		g.dropWaiter(res.index)
		return res.index, g.uncertain(res.index, nil)
	case <-ctx.Done():
		g.dropWaiter(res.index)
		return res.index, g.uncertain(res.index, ctx.Err())
	}
}

func (g *Group) uncertain(index types.LogIndex, cause error) error {
	st := g.Status()
	err := dberrors.ErrTimeout
	if st.HealthyVoters() < len(st.Voters)/2+1 {
		err = dberrors.ErrQuorumUnreachable
	}
	g.metrics.IncCounter(metrics.ProposalsTotal, map[string]string{"shard": g.shard.String(), "result": "uncertain"}, 1)
	if cause != nil {
		return fmt.Errorf("%s entry %d: %w: %v", g.shard, index, err, cause)
	}
	return fmt.Errorf("%s entry %d: %w", g.shard, index, err)
}

// ReadIndex confirms leadership and waits until everything committed so far
// is applied locally.
func (g *Group) ReadIndex(ctx context.Context) (types.LogIndex, error) {
	reply := make(chan readResult, 1)
	select {
	case g.readc <- reply:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-g.ctx.Done():
		return 0, dberrors.ErrClosed
	}
	var res readResult
	select {
	case res = <-reply:
	case <-g.ctx.Done():
		return 0, dberrors.ErrClosed
	}
	if res.err != nil {
		return 0, res.err
	}
	return res.index, g.WaitApplied(ctx, res.index)
}

// WaitApplied blocks until the apply loop has passed idx.
func (g *Group) WaitApplied(ctx context.Context, idx types.LogIndex) error {
	for {
		g.applyMu.Lock()
		applied, notify := g.applied, g.appliedNotify
		g.applyMu.Unlock()
		if applied >= idx {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return fmt.Errorf("%s wait for index %d: %w: %v", g.shard, idx, dberrors.ErrTimeout, ctx.Err())
		case <-g.ctx.Done():
			return dberrors.ErrClosed
		}
	}
}

func (g *Group) addWaiter(idx types.LogIndex, term types.Term) <-chan error {
	ch := make(chan error, 1)
	g.waitMu.Lock()
	g.waiters[idx] = waiter{term: term, ch: ch}
	g.waitMu.Unlock()
	return ch
}

func (g *Group) dropWaiter(idx types.LogIndex) {
	g.waitMu.Lock()
	delete(g.waiters, idx)
	g.waitMu.Unlock()
}

func (g *Group) notifyWaiter(e LogEntry, err error) {
	g.waitMu.Lock()
	w, ok := g.waiters[e.Index]
	delete(g.waiters, e.Index)
	g.waitMu.Unlock()
	if !ok {
		return
	}
	if w.term != e.Term {
		// the proposed entry was overwritten by another leader
		err = &dberrors.NotLeaderError{ShardID: g.shard, LeaderHint: g.Leader()}
	}
	w.ch <- err
}
