package protocol

// Little-endian base-128 varuint. 7 data bits per byte, 0x80 continuation bit.
// This is a small-integer format: message kinds and payload lengths are
// expected to fit in 32 bits, so the decoder rejects any value whose shift
// would exceed 28 bits rather than looping on corrupt input.

const maxVaruintShift = 28

// AppendVaruint appends the varuint encoding of v to b.
func AppendVaruint(b []byte, v uint32) []byte {
	for 0x80 <= v {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// ReadVaruint decodes a varuint from the front of b.
// Returns the value and the number of bytes consumed.
// n == 0 means the buffer was truncated mid-value.
// n < 0 means the encoding was invalid (shift bound exceeded).
func ReadVaruint(b []byte) (v uint32, n int) {
	shift := uint(0)
	for i, c := range b {
		if maxVaruintShift < shift {
			return 0, -1
		}
		v |= uint32(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}
