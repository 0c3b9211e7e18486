package compression

import (
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Algorithm names a stream codec.
type Algorithm string

const (
	Zstd Algorithm = "zstd"
	Gzip Algorithm = "gzip"
	None Algorithm = "none"
)

// Writer compresses into an underlying writer and counts the compressed bytes.
type Writer struct {
	out     io.Writer
	written int64
	enc     io.WriteCloser
}

// sink is what the codec writes into.
type sink Writer

func (s *sink) Write(p []byte) (int, error) {
	n, err := s.out.Write(p)
	s.written += int64(n)
	return n, err
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

// Close flushes the codec. It does not close the underlying writer.
func (w *Writer) Close() error {
	return w.enc.Close()
}

// Count returns the number of compressed bytes written so far.
func (w *Writer) Count() int64 {
	return w.written
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w with the given algorithm.
func NewWriter(alg Algorithm, w io.Writer) (*Writer, error) {
	cw := &Writer{out: w}
	s := (*sink)(cw)
	switch alg {
	case Zstd:
		enc, err := zstd.NewWriter(s)
		if err != nil {
			return nil, err
		}
		cw.enc = enc
	case Gzip:
		cw.enc = gzip.NewWriter(s)
	case None, "":
		cw.enc = nopWriteCloser{s}
	default:
		return nil, fmt.Errorf("unknown compression %q", alg)
	}
	return cw, nil
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// NewReader wraps r with the decoder for the given algorithm.
func NewReader(alg Algorithm, r io.Reader) (io.ReadCloser, error) {
	switch alg {
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{dec}, nil
	case Gzip:
		return gzip.NewReader(r)
	case None, "":
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", alg)
	}
}
