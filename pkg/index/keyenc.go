package index

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Order-preserving tuple encoding: comparing two encoded tuples with
// bytes.Compare gives the same result as comparing the tuples element by
// element. Every element is self-delimiting, so a tuple's encoding is a prefix
// of the encoding of any longer tuple that starts with it.
const (
	tagNull   byte = 0x01
	tagFalse  byte = 0x02
	tagTrue   byte = 0x03
	tagNumber byte = 0x04
	tagString byte = 0x05
	tagBytes  byte = 0x06
)

// EncodeTuple encodes values into a sortable byte key.
func EncodeTuple(values []any) ([]byte, error) {
	var buf []byte
	for i, v := range values {
		var err error
		buf, err = appendValue(buf, v)
		if err != nil {
			return nil, fmt.Errorf("tuple element %d: %w", i, err)
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case bool:
		if x {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case string:
		return appendEscaped(append(buf, tagString), []byte(x)), nil
	case []byte:
		return appendEscaped(append(buf, tagBytes), x), nil
	}

	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("unsupported index value of type %T", v)
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf = append(buf, tagNumber)
	return binary.BigEndian.AppendUint64(buf, bits), nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		if math.IsNaN(x) {
			return 0, false
		}
		return x, true
	default:
		return 0, false
	}
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xFF and terminates it
// with 0x00 0x01.
func appendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		buf = append(buf, c)
		if c == 0 {
			buf = append(buf, 0xFF)
		}
	}
	return append(buf, 0x00, 0x01)
}
