package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// record header: crc(4) seq(8) meta(8) keyLen(4) valLen(4)
const headerSize = 28

var (
	ErrClosed   = errors.New("wal: closed")
	ErrChecksum = errors.New("wal: checksum mismatch")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Entry represents a single record
type Entry struct {
	SeqNum uint64
	Meta   uint64
	Key    []byte
	Value  []byte
}

// Position locates a record inside the file.
type Position struct {
	Offset int64
	Size   uint32
}

// WAL is an append-only file of CRC-framed records.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	size     int64
	sync     bool
	logger   *slog.Logger
}

type Option func(*WAL)

// WithSync makes every Append fsync before returning.
func WithSync(on bool) Option {
	return func(w *WAL) { w.sync = on }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *WAL) { w.logger = l }
}

// Open opens or creates the file at path.
func Open(path string, opts ...Option) (*WAL, error) {
	if path == "" {
		return nil, fmt.Errorf("empty WAL path")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: path,
		size:     st.Size(),
		sync:     true,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *WAL) Path() string {
	return w.filePath
}

// Size returns the number of bytes in the file.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Append writes the entry and returns its position. The record is flushed to
// the OS before Append returns, so ReadAt sees it immediately.
func (w *WAL) Append(entry Entry) (Position, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return Position{}, ErrClosed
	}
	if len(entry.Key) > math.MaxUint32 {
		return Position{}, fmt.Errorf("key too large: %d", len(entry.Key))
	}
	if len(entry.Value) > math.MaxUint32-headerSize-len(entry.Key) {
		return Position{}, fmt.Errorf("value too large: %d", len(entry.Value))
	}

	buf := encode(entry)
	if _, err := w.writer.Write(buf); err != nil {
		return Position{}, fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return Position{}, fmt.Errorf("failed to flush WAL: %w", err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return Position{}, fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	pos := Position{Offset: w.size, Size: uint32(len(buf))}
	w.size += int64(len(buf))
	return pos, nil
}

// ReadAt reads the record stored at pos.
func (w *WAL) ReadAt(pos Position) (Entry, error) {
	w.mu.Lock()
	file := w.file
	w.mu.Unlock()
	if file == nil {
		return Entry{}, ErrClosed
	}

	buf := make([]byte, pos.Size)
	if _, err := file.ReadAt(buf, pos.Offset); err != nil {
		return Entry{}, fmt.Errorf("read WAL at %d: %w", pos.Offset, err)
	}
	entry, n, err := decode(buf)
	if err != nil {
		return Entry{}, err
	}
	if n != len(buf) {
		return Entry{}, fmt.Errorf("read WAL at %d: size mismatch %d != %d", pos.Offset, n, len(buf))
	}
	return entry, nil
}

// Replay calls callback for every intact record in file order. A torn or
// checksum-failing tail is cut off at the last good record.
func (w *WAL) Replay(callback func(Entry, Position) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before replay: %w", err)
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			w.logger.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		entry, n, err := readEntry(reader, w.size-offset)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.logger.Warn("truncating damaged WAL tail",
				"path", w.filePath, "offset", offset, "dropped_bytes", w.size-offset, "error", err)
			if terr := w.file.Truncate(offset); terr != nil {
				return fmt.Errorf("failed to truncate WAL: %w", terr)
			}
			w.size = offset
			break
		}

		if err := callback(entry, Position{Offset: offset, Size: uint32(n)}); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
		offset += int64(n)
	}

	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL on close: %w", err)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

func encode(e Entry) []byte {
	buf := make([]byte, headerSize+len(e.Key)+len(e.Value))
	binary.LittleEndian.PutUint64(buf[4:], e.SeqNum)
	binary.LittleEndian.PutUint64(buf[12:], e.Meta)
	binary.LittleEndian.PutUint32(buf[20:], uint32(len(e.Key)))
	binary.LittleEndian.PutUint32(buf[24:], uint32(len(e.Value)))
	copy(buf[headerSize:], e.Key)
	copy(buf[headerSize+len(e.Key):], e.Value)
	binary.LittleEndian.PutUint32(buf, crc32.Checksum(buf[4:], crcTable))
	return buf
}

func decode(buf []byte) (Entry, int, error) {
	if len(buf) < headerSize {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	keyLen := int(binary.LittleEndian.Uint32(buf[20:]))
	valLen := int(binary.LittleEndian.Uint32(buf[24:]))
	n := headerSize + keyLen + valLen
	if len(buf) < n {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	if crc32.Checksum(buf[4:n], crcTable) != binary.LittleEndian.Uint32(buf) {
		return Entry{}, 0, ErrChecksum
	}
	entry := Entry{
		SeqNum: binary.LittleEndian.Uint64(buf[4:]),
		Meta:   binary.LittleEndian.Uint64(buf[12:]),
		Key:    append([]byte(nil), buf[headerSize:headerSize+keyLen]...),
		Value:  append([]byte(nil), buf[headerSize+keyLen:n]...),
	}
	return entry, n, nil
}

// readEntry reads a single record from r. io.EOF is returned only on a clean
// record boundary. remaining bounds the record size.
func readEntry(r *bufio.Reader, remaining int64) (Entry, int, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, 0, io.EOF
		}
		return Entry{}, 0, err
	}
	keyLen := binary.LittleEndian.Uint32(header[20:])
	valLen := binary.LittleEndian.Uint32(header[24:])
	if int64(keyLen)+int64(valLen) > remaining-headerSize {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	body := make([]byte, uint64(keyLen)+uint64(valLen))
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Entry{}, 0, err
	}
	return decode(append(header, body...))
}
