// Package segment converts characters into the segment patterns lit on one cell of the clock's
// display, and into the order the segment lines are actually wired in.
package segment

import (
	"errors"
	"fmt"
)

// Pattern is one cell's worth of segments.  Bit 0 is segment A, bit 6 is segment G, and bit 7 is
// the indicator dot next to the cell.
type Pattern uint8

// Indicator is the bit that lights the dot next to a cell.
const Indicator Pattern = 1 << 7

// ErrOutOfRange is returned when a character has no glyph.
var ErrOutOfRange = errors.New("character out of range")

// glyphs is the tm1637 font.  0-9 are at 0..9, A-Z at 10..35, then space, dash, and star (which
// looks like a degree sign).
var glyphs = [39]Pattern{
	0x3f, 0x06, 0x5b, 0x4f, 0x66, 0x6d, 0x7d, 0x07, 0x7f, 0x6f, // 0-9
	0x77, 0x7c, 0x39, 0x5e, 0x79, 0x71, 0x3d, 0x76, 0x06, 0x1e, 0x76, 0x38, 0x55, // A-M
	0x54, 0x3f, 0x73, 0x67, 0x50, 0x6d, 0x78, 0x3e, 0x1c, 0x2a, 0x76, 0x6e, 0x5b, // N-Z
	0x00, 0x40, 0x63, // space, dash, star
}

const (
	space = 36
	dash  = 37
	star  = 38
)

// order maps logical bit i to the segment line that is pulsed for it.  My board has the segment
// lines soldered in reverse; the indicator stays on line 7.
var order = [8]uint{6, 5, 4, 3, 2, 1, 0, 7}

// inverse undoes order.
var inverse = [8]uint{6, 5, 4, 3, 2, 1, 0, 7}

// Encode returns the glyph for r.  Letters are case-insensitive.
func Encode(r rune) (Pattern, error) {
	switch {
	case r == ' ':
		return glyphs[space], nil
	case r == '*':
		return glyphs[star], nil
	case r == '-':
		return glyphs[dash], nil
	case r >= 'A' && r <= 'Z':
		return glyphs[r-55], nil
	case r >= 'a' && r <= 'z':
		return glyphs[r-87], nil
	case r >= '0' && r <= '9':
		return glyphs[r-48], nil
	}
	return 0, fmt.Errorf("%w: %d %q", ErrOutOfRange, r, r)
}

// Permute rearranges the bits of p into the order the segment lines are wired in.
func Permute(p Pattern) Pattern {
	return remap(p, &order)
}

// Unpermute turns a wire-order pattern back into a logical one.
func Unpermute(p Pattern) Pattern {
	return remap(p, &inverse)
}

func remap(p Pattern, to *[8]uint) Pattern {
	var result Pattern
	for i := uint(0); i < 8; i++ {
		if p&(1<<i) != 0 {
			result |= 1 << to[i]
		}
	}
	return result
}

// Lit reports whether logical segment i (0 = A ... 6 = G, 7 = indicator) is on in p.
func (p Pattern) Lit(i int) bool {
	return p&(1<<uint(i)) != 0
}

func (p Pattern) String() string { return fmt.Sprintf("%08b", uint8(p)) }
