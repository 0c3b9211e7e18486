package wal

import (
	"os"
	"path/filepath"
	"testing"
)

func collect(t *testing.T, w *WAL) ([]Entry, []Position) {
	t.Helper()
	var (
		entries []Entry
		pos     []Position
	)
	if err := w.Replay(func(e Entry, p Position) error {
		entries = append(entries, e)
		pos = append(pos, p)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	return entries, pos
}

func TestWAL_AppendReadReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.log")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var positions []Position
	for i := 0; i < 5; i++ {
		p, err := w.Append(Entry{SeqNum: uint64(i + 1), Meta: 7, Key: []byte{byte('a' + i)}, Value: []byte("value")})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		positions = append(positions, p)
	}

	e, err := w.ReadAt(positions[3])
	if err != nil {
		t.Fatalf("read at: %v", err)
	}
	if e.SeqNum != 4 || string(e.Key) != "d" || string(e.Value) != "value" || e.Meta != 7 {
		t.Fatalf("unexpected entry %+v", e)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w.Close()
	entries, pos := collect(t, w)
	if len(entries) != 5 {
		t.Fatalf("replayed %d entries, want 5", len(entries))
	}
	for i := range pos {
		if pos[i] != positions[i] {
			t.Fatalf("position %d: got %+v want %+v", i, pos[i], positions[i])
		}
	}
}

func TestWAL_TornTailIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.log")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := w.Append(Entry{SeqNum: 1, Key: []byte("k1"), Value: []byte("v1")}); err != nil {
		t.Fatal(err)
	}
	good := w.Size()
	if _, err := w.Append(Entry{SeqNum: 2, Key: []byte("k2"), Value: []byte("v2")}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// cut the second record in half
	if err := os.Truncate(path, good+10); err != nil {
		t.Fatal(err)
	}

	w, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	entries, _ := collect(t, w)
	if len(entries) != 1 || string(entries[0].Key) != "k1" {
		t.Fatalf("unexpected entries after torn tail: %+v", entries)
	}
	if w.Size() != good {
		t.Fatalf("size after truncate = %d, want %d", w.Size(), good)
	}

	// appends continue after the last good record
	p, err := w.Append(Entry{SeqNum: 3, Key: []byte("k3"), Value: []byte("v3")})
	if err != nil {
		t.Fatal(err)
	}
	if p.Offset != good {
		t.Fatalf("append offset %d, want %d", p.Offset, good)
	}
	_ = w.Close()
}

func TestWAL_ChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.log")
	w, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	p, err := w.Append(Entry{SeqNum: 1, Key: []byte("key"), Value: []byte("value")})
	if err != nil {
		t.Fatal(err)
	}
	_ = w.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatal(err)
	}

	w, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, err := w.ReadAt(p); err == nil {
		t.Fatalf("expected checksum error")
	}
	entries, _ := collect(t, w)
	if len(entries) != 0 {
		t.Fatalf("corrupted record must be dropped, got %d", len(entries))
	}
}
