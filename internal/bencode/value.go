// Package bencode implements the bencode serialization format: integers,
// byte strings, lists and dictionaries with lexicographically ordered keys.
//
// Decoding is zero-copy: byte-string payloads are views into the input
// buffer, so the buffer must outlive every Value decoded from it.
package bencode

import (
	"bytes"
	"sort"
)

// Kind identifies which of the four bencode types a Value holds.
type Kind uint8

const (
	Invalid Kind = iota
	Integer
	Bytes
	List
	Dict
)

func (k Kind) String() string {
	switch k {
	case Integer:
		return "integer"
	case Bytes:
		return "bytes"
	case List:
		return "list"
	case Dict:
		return "dict"
	default:
		return "invalid"
	}
}

// Entry is a single key/value pair of a dictionary. Keys of a decoded
// dictionary appear in their original (ascending) encoded order.
type Entry struct {
	Key []byte
	Val Value
}

// Value is a decoded or constructed bencode value.
//
// Values produced by Decode keep a reference to the span of the input
// buffer they were parsed from, which makes re-encoding byte-exact.
type Value struct {
	kind Kind
	num  int64
	raw  []byte // payload for Bytes
	span []byte // full encoded form, set by the decoder
	list []Value
	dict []Entry
}

// NewInt returns an integer Value.
func NewInt(n int64) Value { return Value{kind: Integer, num: n} }

// NewBytes returns a byte-string Value referencing b without copying it.
func NewBytes(b []byte) Value { return Value{kind: Bytes, raw: b} }

// NewString returns a byte-string Value holding the bytes of s.
func NewString(s string) Value { return Value{kind: Bytes, raw: []byte(s)} }

// NewList returns a list Value of the given items.
func NewList(items ...Value) Value { return Value{kind: List, list: items} }

// NewDict returns a dictionary Value of the given entries. Entries are
// canonicalized (sorted by key) at encode time, not here.
func NewDict(entries ...Entry) Value { return Value{kind: Dict, dict: entries} }

// Kind reports the type of the value.
func (v Value) Kind() Kind { return v.kind }

// Int returns the integer payload.
func (v Value) Int() (int64, bool) {
	return v.num, v.kind == Integer
}

// Bytes returns the byte-string payload. For decoded values this is a view
// into the decode buffer, valid only as long as that buffer is.
func (v Value) Bytes() ([]byte, bool) {
	return v.raw, v.kind == Bytes
}

// List returns the list items.
func (v Value) List() ([]Value, bool) {
	return v.list, v.kind == List
}

// Dict returns the dictionary entries in key order.
func (v Value) Dict() ([]Entry, bool) {
	return v.dict, v.kind == Dict
}

// Get looks up a dictionary key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != Dict {
		return Value{}, false
	}
	for _, e := range v.dict {
		if string(e.Key) == key {
			return e.Val, true
		}
	}
	return Value{}, false
}

// Span returns the exact encoded bytes this value was decoded from, or nil
// for constructed values. Decoding is strict, so the span is already the
// canonical encoding.
func (v Value) Span() []byte { return v.span }

// Interface converts the value into plain Go types: int64, string (raw
// bytes), []any and map[string]any. Dictionary order is lost; use Dict when
// order matters. Byte strings are copied into Go strings, so the result
// does not alias the decode buffer.
func (v Value) Interface() any {
	switch v.kind {
	case Integer:
		return v.num
	case Bytes:
		return string(v.raw)
	case List:
		items := make([]any, len(v.list))
		for i, it := range v.list {
			items[i] = it.Interface()
		}
		return items
	case Dict:
		m := make(map[string]any, len(v.dict))
		for _, e := range v.dict {
			m[string(e.Key)] = e.Val.Interface()
		}
		return m
	default:
		return nil
	}
}

// Equal reports structural equality, ignoring how the values were built.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Integer:
		return v.num == o.num
	case Bytes:
		return bytes.Equal(v.raw, o.raw)
	case List:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case Dict:
		if len(v.dict) != len(o.dict) {
			return false
		}
		a, b := sortedEntries(v.dict), sortedEntries(o.dict)
		for i := range a {
			if !bytes.Equal(a[i].Key, b[i].Key) || !a[i].Val.Equal(b[i].Val) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func sortedEntries(entries []Entry) []Entry {
	if sort.SliceIsSorted(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	}) {
		return entries
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key, out[j].Key) < 0
	})
	return out
}
