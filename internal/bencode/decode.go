package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed is wrapped by every decode error. Callers reject the input
// and carry on; a failed decode never mutates anything.
var ErrMalformed = errors.New("malformed bencode")

// maxDepth bounds list/dict nesting so that adversarial input cannot
// exhaust the stack.
const maxDepth = 512

// Decode parses the first bencode value in data and returns it together
// with the number of bytes consumed. Byte-string payloads are views into
// data; data must outlive the returned Value.
//
// Decoding is strict: leading zeros, "-0", unterminated containers and
// dictionary keys that are duplicated or not in ascending byte order are
// all rejected.
func Decode(data []byte) (Value, int, error) {
	d := decoder{buf: data}
	v, err := d.value(0)
	if err != nil {
		return Value{}, 0, err
	}
	return v, d.pos, nil
}

// DecodeFull is Decode but requires the value to span the whole input.
func DecodeFull(data []byte) (Value, error) {
	v, n, err := Decode(data)
	if err != nil {
		return Value{}, err
	}
	if n != len(data) {
		return Value{}, fmt.Errorf("%d trailing bytes after value: %w", len(data)-n, ErrMalformed)
	}
	return v, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) errAt(msg string) error {
	return fmt.Errorf("%s at offset %d: %w", msg, d.pos, ErrMalformed)
}

func (d *decoder) value(depth int) (Value, error) {
	if depth > maxDepth {
		return Value{}, d.errAt("nesting too deep")
	}
	if d.pos >= len(d.buf) {
		return Value{}, d.errAt("unexpected end of input")
	}
	switch c := d.buf[d.pos]; {
	case c == 'i':
		return d.integer()
	case c >= '0' && c <= '9':
		return d.byteString()
	case c == 'l':
		return d.list(depth)
	case c == 'd':
		return d.dict(depth)
	default:
		return Value{}, d.errAt(fmt.Sprintf("unexpected byte %q", c))
	}
}

func (d *decoder) integer() (Value, error) {
	start := d.pos
	d.pos++ // 'i'
	neg := false
	if d.pos < len(d.buf) && d.buf[d.pos] == '-' {
		neg = true
		d.pos++
	}
	digits := d.pos
	for d.pos < len(d.buf) && d.buf[d.pos] >= '0' && d.buf[d.pos] <= '9' {
		d.pos++
	}
	if d.pos == digits {
		return Value{}, d.errAt("integer has no digits")
	}
	if d.pos >= len(d.buf) || d.buf[d.pos] != 'e' {
		return Value{}, d.errAt("unterminated integer")
	}
	// i0e is the only form that may start with a zero; -0 and any other
	// leading zero are rejected.
	if d.buf[digits] == '0' && (neg || d.pos-digits > 1) {
		return Value{}, d.errAt("integer has leading zero")
	}
	n, err := strconv.ParseInt(string(d.buf[start+1:d.pos]), 10, 64)
	if err != nil {
		return Value{}, d.errAt("integer out of range")
	}
	d.pos++ // 'e'
	return Value{kind: Integer, num: n, span: d.buf[start:d.pos]}, nil
}

func (d *decoder) byteString() (Value, error) {
	start := d.pos
	digits := d.pos
	for d.pos < len(d.buf) && d.buf[d.pos] >= '0' && d.buf[d.pos] <= '9' {
		d.pos++
	}
	if d.pos >= len(d.buf) || d.buf[d.pos] != ':' {
		return Value{}, d.errAt("byte string length not followed by ':'")
	}
	if d.buf[digits] == '0' && d.pos-digits > 1 {
		return Value{}, d.errAt("byte string length has leading zero")
	}
	n, err := strconv.ParseUint(string(d.buf[digits:d.pos]), 10, 63)
	if err != nil {
		return Value{}, d.errAt("byte string length out of range")
	}
	d.pos++ // ':'
	if uint64(len(d.buf)-d.pos) < n {
		return Value{}, d.errAt("byte string length exceeds input")
	}
	payload := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return Value{kind: Bytes, raw: payload, span: d.buf[start:d.pos]}, nil
}

func (d *decoder) list(depth int) (Value, error) {
	start := d.pos
	d.pos++ // 'l'
	var items []Value
	for {
		if d.pos >= len(d.buf) {
			return Value{}, d.errAt("unterminated list")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return Value{kind: List, list: items, span: d.buf[start:d.pos]}, nil
		}
		item, err := d.value(depth + 1)
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dict(depth int) (Value, error) {
	start := d.pos
	d.pos++ // 'd'
	var entries []Entry
	var prevKey []byte
	for {
		if d.pos >= len(d.buf) {
			return Value{}, d.errAt("unterminated dict")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return Value{kind: Dict, dict: entries, span: d.buf[start:d.pos]}, nil
		}
		if c := d.buf[d.pos]; c < '0' || c > '9' {
			return Value{}, d.errAt("dict key is not a byte string")
		}
		key, err := d.byteString()
		if err != nil {
			return Value{}, err
		}
		if prevKey != nil && bytes.Compare(prevKey, key.raw) >= 0 {
			return Value{}, d.errAt(fmt.Sprintf("dict key %q out of order or duplicated", key.raw))
		}
		prevKey = key.raw
		val, err := d.value(depth + 1)
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, Entry{Key: key.raw, Val: val})
	}
}
