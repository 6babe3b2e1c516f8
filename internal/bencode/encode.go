package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnencodable reports a Value that has no canonical encoding: the zero
// Value, or a constructed dictionary with duplicate keys.
var ErrUnencodable = errors.New("unencodable value")

// Encode returns the canonical encoding of v. Dictionary keys are emitted
// in ascending byte order regardless of construction order, so two
// structurally equal values always encode identically. For decoded values
// the original span is reused, making decode-then-encode byte-exact.
func Encode(v Value) ([]byte, error) {
	return Append(nil, v)
}

// Append appends the canonical encoding of v to dst.
func Append(dst []byte, v Value) ([]byte, error) {
	if v.span != nil {
		return append(dst, v.span...), nil
	}
	switch v.kind {
	case Integer:
		dst = append(dst, 'i')
		dst = strconv.AppendInt(dst, v.num, 10)
		return append(dst, 'e'), nil
	case Bytes:
		dst = strconv.AppendInt(dst, int64(len(v.raw)), 10)
		dst = append(dst, ':')
		return append(dst, v.raw...), nil
	case List:
		dst = append(dst, 'l')
		var err error
		for _, item := range v.list {
			if dst, err = Append(dst, item); err != nil {
				return nil, err
			}
		}
		return append(dst, 'e'), nil
	case Dict:
		dst = append(dst, 'd')
		entries := sortedEntries(v.dict)
		var err error
		for i, e := range entries {
			if i > 0 && bytes.Equal(entries[i-1].Key, e.Key) {
				return nil, fmt.Errorf("duplicate dict key %q: %w", e.Key, ErrUnencodable)
			}
			if dst, err = Append(dst, NewBytes(e.Key)); err != nil {
				return nil, err
			}
			if dst, err = Append(dst, e.Val); err != nil {
				return nil, err
			}
		}
		return append(dst, 'e'), nil
	default:
		return nil, ErrUnencodable
	}
}
