package db

import (
	"context"
	"errors"

	"qubedb/pkg/index"
	"qubedb/pkg/record"
)

// SearchOptions bound a scan.
type SearchOptions struct {
	// Limit is the maximum number of records visited; 0 means no limit.
	Limit int
}

// SearchCallback receives each scanned record. Returning an error stops the scan.
type SearchCallback func(*record.Record) error

var errStopScan = errors.New("stop scan")

// Scan visits the records of a collection held by the local replicas, shard
// by shard and in key order within a shard.
func (n *Node) Scan(ctx context.Context, ns record.Namespace, collection string, opts SearchOptions, callback SearchCallback) error {
	count := 0
	err := n.collectionSource(index.Spec{Namespace: ns, Collection: collection})(func(rec *record.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.Limit > 0 && count >= opts.Limit {
			return errStopScan
		}
		count++
		return callback(rec)
	})
	if errors.Is(err, errStopScan) {
		return nil
	}
	return err
}

// collectionSource feeds the local records of spec's collection.
func (n *Node) collectionSource(spec index.Spec) index.Source {
	return func(fn func(*record.Record) error) error {
		n.mu.RLock()
		reps := n.sortedReplicas()
		n.mu.RUnlock()
		for _, r := range reps {
			if err := r.engine.Scan(spec.Namespace, spec.Collection, fn); err != nil {
				return err
			}
		}
		return nil
	}
}

// CreateIndex declares an index over the local replicas and backfills it.
// The declaration survives restarts; the contents are rebuilt on open.
func (n *Node) CreateIndex(spec index.Spec) error {
	if err := n.indexes.CreateIndex(spec, n.collectionSource(spec)); err != nil {
		return err
	}
	if err := n.catalog.putIndex(spec); err != nil {
		_ = n.indexes.DropIndex(spec.Name)
		return err
	}
	return nil
}

func (n *Node) DropIndex(name string) error {
	if err := n.indexes.DropIndex(name); err != nil {
		return err
	}
	return n.catalog.deleteIndex(name)
}

func (n *Node) ListIndexes() []index.Spec {
	return n.indexes.List()
}

// Lookup returns the identities whose indexed columns equal tuple.
func (n *Node) Lookup(name string, tuple []any) ([]record.Identity, error) {
	return n.indexes.Lookup(name, tuple)
}

// RangeSearch returns identities with start <= tuple < end; nil bounds are open.
func (n *Node) RangeSearch(name string, start, end []any) ([]record.Identity, error) {
	return n.indexes.RangeSearch(name, start, end)
}

// Search returns the k vectors most similar to query.
func (n *Node) Search(name string, query []float32, k int) ([]index.Match, error) {
	return n.indexes.Search(name, query, k)
}
