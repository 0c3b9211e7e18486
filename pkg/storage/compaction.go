package storage

import (
	"fmt"
	"os"

	"qubedb/pkg/dberrors"
	"qubedb/pkg/keydir"
	"qubedb/pkg/wal"
)

// GarbageRatio is the share of the data file taken by overwritten or deleted records.
func (e *Engine) GarbageRatio() float64 {
	e.swapMu.RLock()
	defer e.swapMu.RUnlock()
	if e.closed {
		return 0
	}
	size := e.data.Size()
	if size == 0 {
		return 0
	}
	return float64(size-e.keys.LiveBytes()) / float64(size)
}

// MaybeCompact compacts when the garbage ratio reaches the configured threshold.
func (e *Engine) MaybeCompact() (bool, error) {
	if e.opts.CompactGarbageRatio <= 0 || e.GarbageRatio() < e.opts.CompactGarbageRatio {
		return false, nil
	}
	return true, e.Compact()
}

// Compact rewrites the live records into a new data file generation.
func (e *Engine) Compact() error {
	e.swapMu.Lock()
	defer e.swapMu.Unlock()

	if e.closed {
		return dberrors.ErrClosed
	}

	before := e.data.Size()
	return e.rewrite(func(next *wal.WAL, keys *keydir.KeyDir) error {
		for _, it := range e.keys.Sorted() {
			entry, err := e.data.ReadAt(it.Pos)
			if err != nil {
				return fmt.Errorf("read %x: %w", it.Key, err)
			}
			pos, err := next.Append(entry)
			if err != nil {
				return err
			}
			keys.Put(keydir.Item{Key: it.Key, Pos: pos, SeqN: it.SeqN, Meta: it.Meta})
		}
		e.logger.Info("compacted data file", "before_bytes", before, "after_bytes", next.Size())
		return nil
	})
}

// rewrite fills a new generation with fill and switches the engine over to it.
// The caller holds swapMu exclusively.
func (e *Engine) rewrite(fill func(next *wal.WAL, keys *keydir.KeyDir) error) error {
	gen := e.manifest.Generation() + 1
	next, err := e.openData(gen)
	if err != nil {
		return err
	}
	keys := keydir.New()

	if err := fill(next, keys); err != nil {
		_ = next.Close()
		_ = os.Remove(next.Path())
		return fmt.Errorf("storage: rewrite: %w: %v", dberrors.ErrIOFailure, err)
	}

	// the manifest switch is the commit point
	if err := e.manifest.SetGeneration(gen); err != nil {
		_ = next.Close()
		_ = os.Remove(next.Path())
		return fmt.Errorf("storage: rewrite: %w: %v", dberrors.ErrIOFailure, err)
	}

	old := e.data
	e.data = next
	e.keys.Swap(keys)

	if err := old.Close(); err != nil {
		e.logger.Warn("failed to close old data file", "path", old.Path(), "error", err)
	}
	if err := os.Remove(old.Path()); err != nil {
		e.logger.Warn("failed to remove old data file", "path", old.Path(), "error", err)
	}
	return nil
}
