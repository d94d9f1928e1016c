package model

import "fmt"

// Color is a canonical 24-bit RGB value (0xRRGGBB).
type Color uint32

// RGB splits the colour into its 8-bit channels.
func (c Color) RGB() (r, g, b uint8) {
	return uint8(c >> 16), uint8(c >> 8), uint8(c)
}

// Hex renders the colour as #rrggbb.
func (c Color) Hex() string {
	return fmt.Sprintf("#%06x", uint32(c)&0xffffff)
}

// ColorFromRGB packs three channels into a Color.
func ColorFromRGB(r, g, b uint8) Color {
	return Color(uint32(r)<<16 | uint32(g)<<8 | uint32(b))
}

// DefaultColor is used when a colour cannot be interpreted.
const DefaultColor Color = 0xffffff

// namedColors is the closed palette of colour tokens accepted by NormalizeColor.
var namedColors = map[string]Color{
	"white":  0xffffff,
	"black":  0x000000,
	"red":    0xff0000,
	"green":  0x00ff00,
	"blue":   0x0000ff,
	"yellow": 0xffff00,
	"orange": 0xffa500,
	"purple": 0x800080,
	"pink":   0xffc0cb,
	"brown":  0x8b4513,
	"gray":   0x808080,
	"grey":   0x808080,
	"cream":  0xfffdd0,
	"beige":  0xf5f5dc,
	"navy":   0x000080,
	"teal":   0x008080,
}

// ColorName returns the palette token for c, or its hex form when the colour
// is not part of the palette.
func ColorName(c Color) string {
	best := ""
	for name, v := range namedColors {
		if v == c && (best == "" || name < best) {
			best = name
		}
	}
	if best != "" {
		return best
	}
	return c.Hex()
}
