// Package storage is the durable multi-model record store of a single shard.
//
// Every mutation is appended to a CRC-framed data file; an in-memory ordered
// keydir maps each live identity to its latest record. Opening an engine
// replays the data file, so the keydir is always rebuilt from disk.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"qubedb/pkg/clock"
	"qubedb/pkg/compression"
	"qubedb/pkg/dberrors"
	"qubedb/pkg/keydir"
	"qubedb/pkg/metrics"
	"qubedb/pkg/record"
	"qubedb/pkg/types"
	"qubedb/pkg/wal"
)

type Options struct {
	SyncWrites          bool
	CompactGarbageRatio float64
	SnapshotCompression compression.Algorithm
	Logger              *slog.Logger
	Metrics             metrics.Collector
}

func DefaultOptions() Options {
	return Options{
		SyncWrites:          true,
		CompactGarbageRatio: 0.5,
		SnapshotCompression: compression.Zstd,
	}
}

// Stats summarises the live contents of an engine.
type Stats struct {
	Records   int   `json:"records"`
	SizeBytes int64 `json:"size_bytes"`
	FileBytes int64 `json:"file_bytes"`
}

type Engine struct {
	dir     string
	opts    Options
	logger  *slog.Logger
	metrics metrics.Collector

	// swapMu is held exclusively only while the data file is replaced.
	swapMu  sync.RWMutex
	writeMu sync.Mutex

	data     *wal.WAL
	keys     *keydir.KeyDir
	seq      *clock.Sequence
	manifest *Manifest
	closed   bool
}

// Open opens the engine stored in dir, replaying its data file.
func Open(dir string, opts Options) (*Engine, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: empty dir: %w", dberrors.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w: %v", dberrors.ErrIOFailure, err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	manifest := NewManifest(dir)
	if err := manifest.Load(); err != nil {
		return nil, fmt.Errorf("storage: %w: %v", dberrors.ErrIOFailure, err)
	}

	e := &Engine{
		dir:      dir,
		opts:     opts,
		logger:   opts.Logger.With("component", "storage", "dir", dir),
		metrics:  metrics.OrNop(opts.Metrics),
		keys:     keydir.New(),
		seq:      clock.NewSequence(0),
		manifest: manifest,
	}

	data, err := e.openData(manifest.Generation())
	if err != nil {
		return nil, err
	}
	e.data = data

	if err := e.restore(); err != nil {
		_ = data.Close()
		return nil, err
	}
	e.removeStaleGenerations()

	e.logger.Info("storage engine opened",
		"records", e.keys.Len(), "generation", manifest.Generation(), "seq", e.seq.Current())
	return e, nil
}

func dataFileName(gen uint64) string {
	return fmt.Sprintf("data-%06d.log", gen)
}

func (e *Engine) openData(gen uint64) (*wal.WAL, error) {
	data, err := wal.Open(filepath.Join(e.dir, dataFileName(gen)),
		wal.WithSync(e.opts.SyncWrites), wal.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("storage: %w: %v", dberrors.ErrIOFailure, err)
	}
	return data, nil
}

func (e *Engine) restore() error {
	return e.data.Replay(func(entry wal.Entry, pos wal.Position) error {
		e.seq.Observe(types.SequenceNumber(entry.SeqNum))
		switch MD(entry.Meta).operation() {
		case opPut:
			e.keys.Put(keydir.Item{Key: entry.Key, Pos: pos, SeqN: entry.SeqNum, Meta: entry.Meta})
		case opDelete:
			e.keys.Delete(entry.Key)
		default:
			e.logger.Warn("skipping record with unknown operation", "offset", pos.Offset, "meta", entry.Meta)
		}
		return nil
	})
}

// removeStaleGenerations deletes data files left behind by an interrupted compaction.
func (e *Engine) removeStaleGenerations() {
	matches, err := filepath.Glob(filepath.Join(e.dir, "data-*.log"))
	if err != nil {
		return
	}
	current := dataFileName(e.manifest.Generation())
	for _, m := range matches {
		if filepath.Base(m) == current {
			continue
		}
		if err := os.Remove(m); err != nil {
			e.logger.Warn("failed to remove stale data file", "path", m, "error", err)
		}
	}
}

// Put stores rec, replacing any previous record with the same identity.
// Writing a payload identical to the stored one is a no-op.
func (e *Engine) Put(rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("storage: %w: %v", dberrors.ErrInvalidArgument, err)
	}
	payload, err := record.EncodePayload(rec)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	e.swapMu.RLock()
	defer e.swapMu.RUnlock()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed {
		return dberrors.ErrClosed
	}
	if err := e.ensureCollection(rec); err != nil {
		return err
	}

	key := rec.ID.Bytes()
	if cur, ok := e.keys.Get(key); ok {
		if old, err := e.data.ReadAt(cur.Pos); err == nil && bytes.Equal(old.Value, payload) {
			return nil
		}
	}

	md := newMD(opPut, rec.ID.Namespace)
	entry := wal.Entry{SeqNum: uint64(e.seq.Next()), Meta: uint64(md), Key: key, Value: payload}
	pos, err := e.data.Append(entry)
	if err != nil {
		return fmt.Errorf("storage: put %s: %w: %v", rec.ID, dberrors.ErrIOFailure, err)
	}
	e.keys.Put(keydir.Item{Key: key, Pos: pos, SeqN: entry.SeqNum, Meta: entry.Meta})
	e.metrics.IncCounter(metrics.StorageOpsTotal, map[string]string{"op": "put"}, 1)
	return nil
}

func (e *Engine) ensureCollection(rec *record.Record) error {
	if _, ok := e.manifest.Collection(rec.ID.Namespace, rec.ID.Collection); ok {
		return nil
	}
	info := CollectionInfo{Namespace: rec.ID.Namespace, Name: rec.ID.Collection}
	if rec.ID.Namespace == record.Vector {
		info.Dimension = len(rec.Vector)
	}
	if _, err := e.manifest.AddCollection(info); err != nil {
		return fmt.Errorf("storage: %w: %v", dberrors.ErrIOFailure, err)
	}
	return nil
}

// Get returns the record stored under id, or nil when there is none. A record
// whose bytes cannot be decoded yields dberrors.ErrCorrupt.
func (e *Engine) Get(id record.Identity) (*record.Record, error) {
	e.swapMu.RLock()
	defer e.swapMu.RUnlock()

	if e.closed {
		return nil, dberrors.ErrClosed
	}
	e.metrics.IncCounter(metrics.StorageOpsTotal, map[string]string{"op": "get"}, 1)
	return e.load(id.Bytes())
}

func (e *Engine) load(key []byte) (*record.Record, error) {
	it, ok := e.keys.Get(key)
	if !ok {
		return nil, nil
	}
	entry, err := e.data.ReadAt(it.Pos)
	if err != nil {
		if errors.Is(err, wal.ErrChecksum) {
			return nil, fmt.Errorf("storage: %w: %v", dberrors.ErrCorrupt, err)
		}
		return nil, fmt.Errorf("storage: %w: %v", dberrors.ErrIOFailure, err)
	}
	id, err := record.ParseIdentity(entry.Key)
	if err != nil {
		return nil, fmt.Errorf("storage: %w: %v", dberrors.ErrCorrupt, err)
	}
	if MD(entry.Meta).namespace() != id.Namespace {
		return nil, fmt.Errorf("storage: %s: %w: namespace tag mismatch", id, dberrors.ErrCorrupt)
	}
	return record.DecodePayload(id, entry.Value)
}

// Delete removes the record and reports whether it existed.
func (e *Engine) Delete(id record.Identity) (bool, error) {
	e.swapMu.RLock()
	defer e.swapMu.RUnlock()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed {
		return false, dberrors.ErrClosed
	}
	return e.deleteLocked(id.Bytes(), id.Namespace)
}

func (e *Engine) deleteLocked(key []byte, ns record.Namespace) (bool, error) {
	if _, ok := e.keys.Get(key); !ok {
		return false, nil
	}
	entry := wal.Entry{SeqNum: uint64(e.seq.Next()), Meta: uint64(newMD(opDelete, ns)), Key: key}
	if _, err := e.data.Append(entry); err != nil {
		return false, fmt.Errorf("storage: delete: %w: %v", dberrors.ErrIOFailure, err)
	}
	e.keys.Delete(key)
	e.metrics.IncCounter(metrics.StorageOpsTotal, map[string]string{"op": "delete"}, 1)
	return true, nil
}

// CreateCollection registers a collection in the catalog. Dimension is only
// meaningful for vector collections.
func (e *Engine) CreateCollection(ns record.Namespace, name string, dimension int) error {
	if !ns.Valid() || name == "" {
		return fmt.Errorf("storage: create collection %q: %w", name, dberrors.ErrInvalidArgument)
	}
	e.swapMu.RLock()
	defer e.swapMu.RUnlock()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed {
		return dberrors.ErrClosed
	}
	if _, err := e.manifest.AddCollection(CollectionInfo{Namespace: ns, Name: name, Dimension: dimension}); err != nil {
		return fmt.Errorf("storage: %w: %v", dberrors.ErrIOFailure, err)
	}
	return nil
}

// DropCollection deletes every record of the collection and forgets it.
// It returns the number of deleted records.
func (e *Engine) DropCollection(ns record.Namespace, name string) (int, error) {
	e.swapMu.RLock()
	defer e.swapMu.RUnlock()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed {
		return 0, dberrors.ErrClosed
	}

	var keys [][]byte
	e.keys.RangePrefix(record.CollectionPrefix(ns, name), func(it keydir.Item) bool {
		keys = append(keys, it.Key)
		return true
	})
	for _, k := range keys {
		if _, err := e.deleteLocked(k, ns); err != nil {
			return 0, err
		}
	}
	if _, err := e.manifest.RemoveCollection(ns, name); err != nil {
		return len(keys), fmt.Errorf("storage: %w: %v", dberrors.ErrIOFailure, err)
	}
	return len(keys), nil
}

func (e *Engine) Collection(ns record.Namespace, name string) (CollectionInfo, bool) {
	return e.manifest.Collection(ns, name)
}

func (e *Engine) Collections() []CollectionInfo {
	return e.manifest.Collections()
}

// Scan visits the records of one collection in key order. Corrupt records are
// logged and skipped. Returning an error from fn stops the scan.
func (e *Engine) Scan(ns record.Namespace, collection string, fn func(*record.Record) error) error {
	return e.scan(record.CollectionPrefix(ns, collection), fn)
}

// ScanAll visits every live record.
func (e *Engine) ScanAll(fn func(*record.Record) error) error {
	return e.scan(nil, fn)
}

func (e *Engine) scan(prefix []byte, fn func(*record.Record) error) error {
	e.swapMu.RLock()
	defer e.swapMu.RUnlock()

	if e.closed {
		return dberrors.ErrClosed
	}

	var ferr error
	e.keys.RangePrefix(prefix, func(it keydir.Item) bool {
		rec, err := e.load(it.Key)
		if err != nil {
			e.logger.Warn("skipping unreadable record", "offset", it.Pos.Offset, "error", err)
			return true
		}
		if rec == nil {
			return true
		}
		if err := fn(rec); err != nil {
			ferr = err
			return false
		}
		return true
	})
	return ferr
}

func (e *Engine) Stats() Stats {
	e.swapMu.RLock()
	defer e.swapMu.RUnlock()
	return Stats{
		Records:   e.keys.Len(),
		SizeBytes: e.keys.LiveBytes(),
		FileBytes: e.data.Size(),
	}
}

func (e *Engine) Close() error {
	e.swapMu.Lock()
	defer e.swapMu.Unlock()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.data.Close(); err != nil {
		return fmt.Errorf("storage: close: %w: %v", dberrors.ErrIOFailure, err)
	}
	e.logger.Info("storage engine closed")
	return nil
}
