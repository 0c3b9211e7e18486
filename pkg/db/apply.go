package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
	"qubedb/pkg/replication"
	"qubedb/pkg/sharding"
	"qubedb/pkg/stream"
	"qubedb/pkg/types"
)

// Change is one applied mutation as published on the changefeed.
type Change struct {
	Shard     types.ShardID           `msgpack:"shard" json:"shard"`
	Index     types.LogIndex          `msgpack:"index" json:"index"`
	Op        replication.CommandType `msgpack:"op" json:"op"`
	ID        record.Identity         `msgpack:"id" json:"id"`
	Record    *record.Record          `msgpack:"rec,omitempty" json:"record,omitempty"`
	Timestamp int64                   `msgpack:"ts" json:"timestamp"`
}

// apply is the only writer of a shard's engine. It runs on the group's apply
// goroutine, once per committed entry and in index order. The engine outcome
// is the same on every replica; index and changefeed failures are only logged
// because they are derived state.
func (n *Node) apply(r *replica, e replication.LogEntry) error {
	cmd := e.Command
	var (
		change *Change
		err    error
	)
	switch cmd.Type {
	case replication.CmdInsert, replication.CmdUpdate:
		change, err = n.applyPut(r, cmd)
	case replication.CmdDelete:
		change, err = n.applyDelete(r, cmd)
	case replication.CmdCreateCollection:
		err = r.engine.CreateCollection(cmd.Namespace, cmd.Collection, cmd.Dimension)
	case replication.CmdDropCollection:
		var dropped int
		dropped, err = r.engine.DropCollection(cmd.Namespace, cmd.Collection)
		if err == nil {
			n.indexes.DropCollection(cmd.Namespace, cmd.Collection)
			n.logger.Info("collection dropped", "shard", uint32(r.id), "namespace", cmd.Namespace.String(),
				"collection", cmd.Collection, "records", dropped)
		}
	case replication.CmdReconfigure:
		err = n.applyReconfigure(r, cmd.Replicas)
	default:
		return fmt.Errorf("db: unknown command %s at %d: %w", cmd.Type, e.Index, dberrors.ErrInvalidArgument)
	}

	n.trackApplyHealth(r.id, err)
	st := r.engine.Stats()
	n.shards.UpdateUsage(r.id, st.SizeBytes, st.Records)

	if err == nil && change != nil {
		change.Shard, change.Index, change.Timestamp = r.id, e.Index, e.Timestamp
		n.publish(change)
	}
	return err
}

// trackApplyHealth marks a shard Failed while its engine cannot apply the
// log and Active again once an apply succeeds.
func (n *Node) trackApplyHealth(id types.ShardID, err error) {
	sh, serr := n.shards.Shard(id)
	if serr != nil {
		return
	}
	switch {
	case errors.Is(err, dberrors.ErrIOFailure) && sh.Status != sharding.Failed:
		_ = n.shards.SetStatus(id, sharding.Failed)
		n.logger.Error("shard failed to apply", "shard", uint32(id), "error", err)
	case err == nil && sh.Status == sharding.Failed:
		_ = n.shards.SetStatus(id, sharding.Active)
		n.logger.Info("shard recovered", "shard", uint32(id))
	}
}

func (n *Node) applyPut(r *replica, cmd replication.Command) (*Change, error) {
	rec := cmd.Record
	if rec == nil {
		return nil, fmt.Errorf("db: %s without record: %w", cmd.Type, dberrors.ErrInvalidArgument)
	}
	prev, err := r.engine.Get(rec.ID)
	switch {
	case errors.Is(err, dberrors.ErrCorrupt):
		n.logger.Warn("overwriting corrupt record", "id", rec.ID.String(), "error", err)
		prev = nil
	case err != nil:
		return nil, err
	}
	if cmd.Type == replication.CmdUpdate && prev == nil {
		return nil, fmt.Errorf("db: update %s: %w", rec.ID, dberrors.ErrNotFound)
	}
	if err := r.engine.Put(rec); err != nil {
		return nil, err
	}
	if err := n.indexes.Replace(prev, rec); err != nil {
		n.logger.Warn("record not indexed", "id", rec.ID.String(), "error", err)
	}
	return &Change{Op: cmd.Type, ID: rec.ID, Record: rec}, nil
}

func (n *Node) applyDelete(r *replica, cmd replication.Command) (*Change, error) {
	if cmd.Record == nil {
		return nil, fmt.Errorf("db: delete without identity: %w", dberrors.ErrInvalidArgument)
	}
	id := cmd.Record.ID
	prev, err := r.engine.Get(id)
	if err != nil && !errors.Is(err, dberrors.ErrCorrupt) {
		return nil, err
	}
	existed, err := r.engine.Delete(id)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		n.indexes.Remove(prev)
	}
	if !existed {
		return nil, fmt.Errorf("db: delete %s: %w", id, dberrors.ErrNotFound)
	}
	return &Change{Op: cmd.Type, ID: id}, nil
}

// applyReconfigure records a completed migration. A node that left the
// replica set releases the shard once the apply loop has moved on.
func (n *Node) applyReconfigure(r *replica, replicas []types.NodeID) error {
	if err := n.shards.CompleteMigration(r.id, replicas); err != nil {
		return err
	}
	if !slices.Contains(replicas, n.id) {
		go n.dropReplica(r.id)
	}
	return nil
}

func (n *Node) publish(c *Change) {
	if n.stream == nil {
		return
	}
	payload, err := record.Marshal(c)
	if err != nil {
		n.logger.Warn("changefeed encode", "id", c.ID.String(), "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, time.Second)
	defer cancel()
	err = n.stream.Send(ctx, stream.Message{
		Topic:   n.cfg.Stream.Topic,
		Key:     c.ID.String(),
		Payload: payload,
		Headers: map[string]string{"op": c.Op.String()},
	})
	if err != nil {
		n.logger.Warn("changefeed send", "id", c.ID.String(), "error", err)
	}
}
