package peerwire

// Bitfield is the wire representation of piece availability: one bit per
// piece, most significant bit of byte 0 first.
type Bitfield []byte

// NewBitfield returns an all-zero bitfield sized for numPieces.
func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// Has reports whether the bit for piece index is set.
func (bf Bitfield) Has(index int) bool {
	byteIdx, bit := index/8, index%8
	if byteIdx < 0 || byteIdx >= len(bf) {
		return false
	}
	return bf[byteIdx]>>(7-bit)&1 != 0
}

// Set sets the bit for piece index. Out-of-range indices are ignored.
func (bf Bitfield) Set(index int) {
	byteIdx, bit := index/8, index%8
	if byteIdx < 0 || byteIdx >= len(bf) {
		return
	}
	bf[byteIdx] |= 1 << (7 - bit)
}

// Count returns the number of set bits among the first numPieces.
func (bf Bitfield) Count(numPieces int) int {
	n := 0
	for i := 0; i < numPieces; i++ {
		if bf.Has(i) {
			n++
		}
	}
	return n
}

// Empty reports whether no bit is set.
func (bf Bitfield) Empty() bool {
	for _, b := range bf {
		if b != 0 {
			return false
		}
	}
	return true
}
