package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
	"qubedb/pkg/replication"
	"qubedb/pkg/sharding"
	"qubedb/pkg/types"
)

// Consistency selects how a read is served.
type Consistency uint8

const (
	// Stale reads whatever the local replica has applied.
	Stale Consistency = iota
	// Linearizable reads require leadership and everything committed so far
	// to be applied locally.
	Linearizable
)

func (c Consistency) String() string {
	if c == Linearizable {
		return "linearizable"
	}
	return "stale"
}

func ParseConsistency(s string) (Consistency, error) {
	switch s {
	case "", "stale":
		return Stale, nil
	case "linearizable", "strong":
		return Linearizable, nil
	}
	return Stale, fmt.Errorf("db: consistency %q: %w", s, dberrors.ErrInvalidArgument)
}

// ShardFor returns the shard owning id.
func (n *Node) ShardFor(id record.Identity) types.ShardID {
	return n.shards.GetShardForKey(id.Collection, id.Key).ShardID
}

// propose replicates cmd through the local replica of shard and waits until
// it is applied here.
func (n *Node) propose(ctx context.Context, shard types.ShardID, cmd replication.Command) (types.LogIndex, error) {
	r, ok := n.replica(shard)
	if !ok {
		return 0, n.notHosted(shard)
	}
	if err := n.writable(shard, cmd.Type); err != nil {
		return 0, err
	}
	if cmd.RequestID == uuid.Nil {
		cmd.RequestID = uuid.New()
	}
	idx, err := r.group.Propose(ctx, cmd)
	var nle *dberrors.NotLeaderError
	switch {
	case errors.As(err, &nle):
		if nle.LeaderHint != "" {
			_ = n.shards.SetLeader(shard, nle.LeaderHint)
		}
	case err == nil:
		_ = n.shards.SetLeader(shard, n.id)
	}
	return idx, err
}

// writable rejects record mutations on shards this node holds read-only or
// whose last apply failed. Collection changes and reconfigurations pass.
func (n *Node) writable(shard types.ShardID, typ replication.CommandType) error {
	switch typ {
	case replication.CmdInsert, replication.CmdUpdate, replication.CmdDelete:
	default:
		return nil
	}
	sh, err := n.shards.Shard(shard)
	if err != nil {
		return err
	}
	switch sh.Status {
	case sharding.ReadOnly:
		return fmt.Errorf("db: %s: %w", shard, dberrors.ErrReadOnly)
	case sharding.Failed:
		return fmt.Errorf("db: %s failed to apply its log: %w", shard, dberrors.ErrIOFailure)
	}
	return nil
}

// SetShardStatus switches a shard between Active and ReadOnly on this node.
// Other statuses are owned by migrations and the apply loop.
func (n *Node) SetShardStatus(shard types.ShardID, status sharding.Status) error {
	if status != sharding.Active && status != sharding.ReadOnly {
		return fmt.Errorf("db: status %s cannot be set: %w", status, dberrors.ErrInvalidArgument)
	}
	sh, err := n.shards.Shard(shard)
	if err != nil {
		return err
	}
	switch sh.Status {
	case sharding.Migrating:
		return fmt.Errorf("db: %s: %w", shard, dberrors.ErrMigrationInProgress)
	case status:
		return nil
	}
	if err := n.shards.SetStatus(shard, status); err != nil {
		return err
	}
	n.logger.Info("shard status changed", "shard", uint32(shard), "from", sh.Status.String(), "to", status.String())
	return nil
}

// ProposeLocal proposes cmd on a shard this node leads. It serves commands
// forwarded by other nodes.
func (n *Node) ProposeLocal(ctx context.Context, shard types.ShardID, cmd replication.Command) error {
	if cmd.Type == replication.CmdInsert || cmd.Type == replication.CmdUpdate {
		if err := n.checkRecord(shard, cmd.Record); err != nil {
			return err
		}
	}
	_, err := n.propose(ctx, shard, cmd)
	return err
}

// checkRecord rejects records that would fail on apply or that do not fit a
// declared index, before anything is replicated.
func (n *Node) checkRecord(shard types.ShardID, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("db: %w: %v", dberrors.ErrInvalidArgument, err)
	}
	if rec.ID.Namespace == record.Vector {
		if r, ok := n.replica(shard); ok {
			info, ok := r.engine.Collection(rec.ID.Namespace, rec.ID.Collection)
			if ok && info.Dimension > 0 && info.Dimension != len(rec.Vector) {
				return fmt.Errorf("db: %s has %d dimensions, collection %d: %w",
					rec.ID, len(rec.Vector), info.Dimension, dberrors.ErrDimensionMismatch)
			}
		}
	}
	return n.indexes.Validate(rec)
}

func (n *Node) write(ctx context.Context, typ replication.CommandType, rec *record.Record) error {
	if rec == nil {
		return fmt.Errorf("db: nil record: %w", dberrors.ErrInvalidArgument)
	}
	shard := n.ShardFor(rec.ID)
	if err := n.checkRecord(shard, rec); err != nil {
		return err
	}
	_, err := n.propose(ctx, shard, replication.Command{Type: typ, Record: rec})
	return err
}

// Put stores rec, replacing any record with the same identity.
func (n *Node) Put(ctx context.Context, rec *record.Record) error {
	return n.write(ctx, replication.CmdInsert, rec)
}

// Insert stores rec under a generated key when rec has none and returns the
// identity it was stored under.
func (n *Node) Insert(ctx context.Context, rec *record.Record) (record.Identity, error) {
	if rec == nil {
		return record.Identity{}, fmt.Errorf("db: nil record: %w", dberrors.ErrInvalidArgument)
	}
	if rec.ID.Key == "" {
		rec.ID.Key = uuid.NewString()
	}
	if err := n.write(ctx, replication.CmdInsert, rec); err != nil {
		return record.Identity{}, err
	}
	return rec.ID, nil
}

// Update replaces an existing record and fails with ErrNotFound otherwise.
func (n *Node) Update(ctx context.Context, rec *record.Record) error {
	return n.write(ctx, replication.CmdUpdate, rec)
}

// Delete removes id and reports whether it existed.
func (n *Node) Delete(ctx context.Context, id record.Identity) (bool, error) {
	_, err := n.propose(ctx, n.ShardFor(id), replication.Command{
		Type:   replication.CmdDelete,
		Record: &record.Record{ID: id},
	})
	if errors.Is(err, dberrors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Get reads id from the local replica of its shard. It returns nil when the
// record does not exist.
func (n *Node) Get(ctx context.Context, id record.Identity, c Consistency) (*record.Record, error) {
	shard := n.ShardFor(id)
	r, ok := n.replica(shard)
	if !ok {
		return nil, n.notHosted(shard)
	}
	if c == Linearizable {
		if _, err := r.group.ReadIndex(ctx); err != nil {
			return nil, err
		}
	}
	return r.engine.Get(id)
}

// CreateCollection registers a collection on every shard.
func (n *Node) CreateCollection(ctx context.Context, ns record.Namespace, name string, dimension int) error {
	if !ns.Valid() || name == "" {
		return fmt.Errorf("db: create collection %q: %w", name, dberrors.ErrInvalidArgument)
	}
	if ns == record.Vector && dimension <= 0 {
		return fmt.Errorf("db: vector collection %q needs a dimension: %w", name, dberrors.ErrInvalidArgument)
	}
	return n.broadcast(ctx, replication.Command{
		Type:       replication.CmdCreateCollection,
		Namespace:  ns,
		Collection: name,
		Dimension:  dimension,
	})
}

// DropCollection deletes a collection and its records from every shard.
func (n *Node) DropCollection(ctx context.Context, ns record.Namespace, name string) error {
	return n.broadcast(ctx, replication.Command{
		Type:       replication.CmdDropCollection,
		Namespace:  ns,
		Collection: name,
	})
}

// broadcast proposes cmd on every shard, directly where this node leads and
// through the forwarder elsewhere. Every failed shard is reported.
func (n *Node) broadcast(ctx context.Context, cmd replication.Command) error {
	shards := n.shards.Shards()
	errs := make([]error, len(shards))

	g, ctx := errgroup.WithContext(ctx)
	for i, sh := range shards {
		g.Go(func() error {
			errs[i] = n.proposeAnywhere(ctx, sh.ID, cmd)
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	for i, err := range errs {
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", shards[i].ID, err))
		}
	}
	return result.ErrorOrNil()
}

func (n *Node) proposeAnywhere(ctx context.Context, shard types.ShardID, cmd replication.Command) error {
	_, err := n.propose(ctx, shard, cmd)
	var nle *dberrors.NotLeaderError
	if !errors.As(err, &nle) || n.forwarder == nil || nle.LeaderHint == "" || nle.LeaderHint == n.id {
		return err
	}
	return n.forwarder.Forward(ctx, nle.LeaderHint, shard, cmd)
}
