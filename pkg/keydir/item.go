package keydir

import (
	"bytes"

	"qubedb/pkg/wal"
)

// Item locates the latest version of a record in the data file.
type Item struct {
	Key  []byte
	Pos  wal.Position
	SeqN uint64
	Meta uint64
}

func (it *Item) Less(than *Item) bool {
	return bytes.Compare(it.Key, than.Key) < 0
}
