package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"qubedb/pkg/compression"
	"qubedb/pkg/dberrors"
	"qubedb/pkg/record"
	"qubedb/pkg/wal"
)

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.SyncWrites = false
	e, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_PutGetDelete(t *testing.T) {
	e := openTestEngine(t, t.TempDir())

	row := record.NewRow("users", "user:42", map[string]any{"name": "Ada", "age": int64(36)})
	if err := e.Put(row); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := e.Get(row.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || !reflect.DeepEqual(got.Fields, row.Fields) {
		t.Fatalf("Get returned %+v, want %+v", got, row)
	}

	existed, err := e.Delete(row.ID)
	if err != nil || !existed {
		t.Fatalf("Delete = %v, %v; want true, nil", existed, err)
	}
	existed, err = e.Delete(row.ID)
	if err != nil || existed {
		t.Fatalf("second Delete = %v, %v; want false, nil", existed, err)
	}

	got, err = e.Get(row.ID)
	if err != nil {
		t.Fatalf("Get after delete failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestEngine_RoundTripAllKinds(t *testing.T) {
	e := openTestEngine(t, t.TempDir())

	recs := []*record.Record{
		record.NewRow("users", "1", map[string]any{"a": int64(1)}),
		record.NewDocument("docs", "d1", map[string]any{"nested": map[string]any{"x": "y"}}),
		record.NewVector("emb", "v1", []float32{0.25, -1, 3.5}),
		record.NewNode("social", "alice", map[string]any{"age": int64(30)}),
		record.NewEdge("social", "alice", "bob", map[string]any{"w": 0.5}),
	}
	for _, r := range recs {
		if err := e.Put(r); err != nil {
			t.Fatalf("Put %s: %v", r.ID, err)
		}
	}
	for _, r := range recs {
		got, err := e.Get(r.ID)
		if err != nil {
			t.Fatalf("Get %s: %v", r.ID, err)
		}
		if !reflect.DeepEqual(got, r) {
			t.Fatalf("round trip %s: got %+v want %+v", r.ID, got, r)
		}
	}
}

func TestEngine_IdempotentReplay(t *testing.T) {
	e := openTestEngine(t, t.TempDir())

	row := record.NewRow("t", "k", map[string]any{"v": "x"})
	if err := e.Put(row); err != nil {
		t.Fatal(err)
	}
	size := e.Stats().FileBytes

	// the same put again, as a crash-recovery replay would do
	if err := e.Put(row); err != nil {
		t.Fatal(err)
	}
	if e.Stats().FileBytes != size {
		t.Fatalf("identical put grew the data file: %d -> %d", size, e.Stats().FileBytes)
	}
	if e.Stats().Records != 1 {
		t.Fatalf("records = %d, want 1", e.Stats().Records)
	}

	if _, err := e.Delete(row.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Delete(row.ID); err != nil {
		t.Fatal(err)
	}
	if e.Stats().Records != 0 {
		t.Fatalf("records = %d after delete replay, want 0", e.Stats().Records)
	}
}

func TestEngine_RecoveryAfterReopen(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	e, err := Open(dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if err := e.Put(record.NewRow("t", fmt.Sprintf("k%02d", i), map[string]any{"i": int64(i)})); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.Delete(record.Identity{Namespace: record.Row, Collection: "t", Key: "k05"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Put(record.NewRow("t", "k06", map[string]any{"i": int64(600)})); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e = openTestEngine(t, dir)
	if e.Stats().Records != 19 {
		t.Fatalf("records after reopen = %d, want 19", e.Stats().Records)
	}
	got, err := e.Get(record.Identity{Namespace: record.Row, Collection: "t", Key: "k06"})
	if err != nil || got == nil || got.Fields["i"] != int64(600) {
		t.Fatalf("k06 after reopen = %+v, %v", got, err)
	}
	got, err = e.Get(record.Identity{Namespace: record.Row, Collection: "t", Key: "k05"})
	if err != nil || got != nil {
		t.Fatalf("k05 must stay deleted, got %+v, %v", got, err)
	}
	if _, ok := e.Collection(record.Row, "t"); !ok {
		t.Fatalf("collection t missing from catalog")
	}
}

func TestEngine_CorruptRecordOnlyFailsItsKey(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)

	good := record.NewRow("t", "good", map[string]any{"ok": true})
	if err := e.Put(good); err != nil {
		t.Fatal(err)
	}
	// a vector record whose payload does not match its dimension tag
	bad := record.Identity{Namespace: record.Vector, Collection: "emb", Key: "bad"}
	if _, err := e.data.Append(wal.Entry{
		SeqNum: uint64(e.seq.Next()),
		Meta:   uint64(newMD(opPut, record.Vector)),
		Key:    bad.Bytes(),
		Value:  []byte{9, 0, 0, 0, 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e = openTestEngine(t, dir)
	if _, err := e.Get(bad); !errors.Is(err, dberrors.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if got, err := e.Get(good.ID); err != nil || got == nil {
		t.Fatalf("good key must stay readable: %+v, %v", got, err)
	}

	n := 0
	if err := e.ScanAll(func(*record.Record) error { n++; return nil }); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("scan visited %d records, want 1", n)
	}
}

func TestEngine_DropCollection(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	for i := 0; i < 5; i++ {
		_ = e.Put(record.NewRow("a", fmt.Sprint(i), map[string]any{"i": int64(i)}))
		_ = e.Put(record.NewRow("b", fmt.Sprint(i), map[string]any{"i": int64(i)}))
	}
	n, err := e.DropCollection(record.Row, "a")
	if err != nil || n != 5 {
		t.Fatalf("DropCollection = %d, %v", n, err)
	}
	if e.Stats().Records != 5 {
		t.Fatalf("records = %d, want 5", e.Stats().Records)
	}
	if _, ok := e.Collection(record.Row, "a"); ok {
		t.Fatalf("collection a still in catalog")
	}
}

func TestEngine_Compact(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	id := record.Identity{Namespace: record.Row, Collection: "t", Key: "hot"}
	for i := 0; i < 50; i++ {
		if err := e.Put(record.NewRow("t", "hot", map[string]any{"i": int64(i)})); err != nil {
			t.Fatal(err)
		}
	}
	if e.GarbageRatio() < 0.9 {
		t.Fatalf("garbage ratio %.2f, expected most of the file to be garbage", e.GarbageRatio())
	}
	compacted, err := e.MaybeCompact()
	if err != nil || !compacted {
		t.Fatalf("MaybeCompact = %v, %v", compacted, err)
	}
	if e.GarbageRatio() != 0 {
		t.Fatalf("garbage ratio after compaction %.2f", e.GarbageRatio())
	}
	got, err := e.Get(id)
	if err != nil || got.Fields["i"] != int64(49) {
		t.Fatalf("hot key after compaction = %+v, %v", got, err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "data-*.log"))
	if len(files) != 1 || filepath.Base(files[0]) != dataFileName(2) {
		t.Fatalf("unexpected data files %v", files)
	}
}

func TestEngine_SnapshotRestore(t *testing.T) {
	for _, alg := range []compression.Algorithm{compression.Zstd, compression.Gzip, compression.None} {
		t.Run(string(alg), func(t *testing.T) {
			src := openTestEngine(t, t.TempDir())
			src.opts.SnapshotCompression = alg
			for i := 0; i < 10; i++ {
				_ = src.Put(record.NewRow("t", fmt.Sprint(i), map[string]any{"i": int64(i)}))
			}
			_ = src.Put(record.NewVector("emb", "v", []float32{1, 2, 3}))

			var buf bytes.Buffer
			n, err := src.Snapshot(&buf)
			if err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
			if n != int64(buf.Len()) {
				t.Fatalf("snapshot reported %d bytes, wrote %d", n, buf.Len())
			}

			dst := openTestEngine(t, t.TempDir())
			_ = dst.Put(record.NewRow("junk", "x", nil))
			if err := dst.Restore(&buf); err != nil {
				t.Fatalf("Restore: %v", err)
			}
			if dst.Stats().Records != 11 {
				t.Fatalf("restored %d records, want 11", dst.Stats().Records)
			}
			v, err := dst.Get(record.Identity{Namespace: record.Vector, Collection: "emb", Key: "v"})
			if err != nil || !reflect.DeepEqual(v.Vector, []float32{1, 2, 3}) {
				t.Fatalf("vector after restore = %+v, %v", v, err)
			}
			if info, ok := dst.Collection(record.Vector, "emb"); !ok || info.Dimension != 3 {
				t.Fatalf("catalog after restore = %+v, %v", info, ok)
			}
		})
	}
}

func TestEngine_ClosedEngine(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	_ = e.Close()
	if err := e.Put(record.NewRow("t", "k", nil)); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := e.CreateCollection(record.Row, "t", 0); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed from CreateCollection, got %v", err)
	}
	if _, err := os.Stat(e.dir); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_StatsDuringCompaction(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	for i := 0; i < 20; i++ {
		if err := e.Put(record.NewRow("t", fmt.Sprintf("k%d", i%4), map[string]any{"i": int64(i)})); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if err := e.Compact(); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 5000; i++ {
			if st := e.Stats(); st.Records != 4 || st.FileBytes < st.SizeBytes {
				t.Errorf("inconsistent stats %+v", st)
				return
			}
		}
	}()
	wg.Wait()
}
