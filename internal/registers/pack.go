package registers

import "math"

// Pack lays out one round: for the kind at position i the high word of its
// sum goes to offset 2i and the low word to 2i+1; the health counter is the
// last word. Sums are truncated to uint32, so values outside 0..2^32-1 wrap.
// The health counter saturates at 0xFFFF.
func Pack(sums []int64, health int) []uint16 {
	words := make([]uint16, Size(len(sums)))
	for i, sum := range sums {
		v := uint32(sum)
		words[2*i] = uint16((v >> 16) & 0xFFFF)
		words[2*i+1] = uint16(v & 0xFFFF)
	}
	words[len(words)-1] = healthWord(health)
	return words
}

// Unpack rebuilds a 32-bit value from its high and low words.
func Unpack(high, low uint16) uint32 {
	return uint32(high)<<16 | uint32(low)
}

// Sum returns the unpacked value for the kind at position i of a packed table.
func Sum(words []uint16, i int) uint32 {
	return Unpack(words[2*i], words[2*i+1])
}

// Health returns the trailing health word of a packed table.
func Health(words []uint16) uint16 {
	return words[len(words)-1]
}

func healthWord(n int) uint16 {
	switch {
	case n < 0:
		return 0
	case n > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(n)
	}
}

// PublishRound packs a round and writes it to the table in one critical section.
func (t *Table) PublishRound(sums []int64, health int) error {
	return t.Publish(Pack(sums, health))
}
