package db

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/index"
	"qubedb/pkg/record"
)

var bucketIndexes = []byte("indexes")

// catalog keeps the node's index declarations; index contents are always rebuilt.
type catalog struct {
	db *bolt.DB
}

func openCatalog(path string) (*catalog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w: %v", path, dberrors.ErrIOFailure, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndexes)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init catalog: %w: %v", dberrors.ErrIOFailure, err)
	}
	return &catalog{db: db}, nil
}

func (c *catalog) putIndex(spec index.Spec) error {
	raw, err := record.Marshal(spec)
	if err != nil {
		return err
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexes).Put([]byte(spec.Name), raw)
	})
	if err != nil {
		return fmt.Errorf("save index %s: %w: %v", spec.Name, dberrors.ErrIOFailure, err)
	}
	return nil
}

func (c *catalog) deleteIndex(name string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexes).Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("delete index %s: %w: %v", name, dberrors.ErrIOFailure, err)
	}
	return nil
}

func (c *catalog) indexes() ([]index.Spec, error) {
	var out []index.Spec
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndexes).ForEach(func(_, v []byte) error {
			var spec index.Spec
			if err := record.Unmarshal(v, &spec); err != nil {
				return fmt.Errorf("%w: %v", dberrors.ErrCorrupt, err)
			}
			out = append(out, spec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return out, nil
}

func (c *catalog) close() error {
	return c.db.Close()
}
