// Package bootlogo defines the storage format for a palette-quantized boot
// splash image. The image data itself is generated offline by cmd/zincimg
// from a PNG/JPEG/GIF source and compiled in as a Go source file declaring
// an Image literal; this package carries only the type, never a renderer,
// since blitting to the linear framebuffer is outside this repository's
// scope (no pixel-font or graphics pipeline is implemented in-kernel).
package bootlogo

import "image/color"

// Align is the horizontal placement of a logo relative to the framebuffer
// it would eventually be blitted onto.
type Align uint8

const (
	AlignLeft Align = iota
	AlignCenter
	AlignRight
)

// Image is a palette-quantized logo: Data holds one palette index per
// pixel, row-major, Width*Height entries long.
type Image struct {
	Width, Height    int
	Align            Align
	TransparentIndex int
	Palette          []color.RGBA
	Data             []uint8
}

// At returns the palette color for the pixel at (x, y).
func (img *Image) At(x, y int) color.RGBA {
	return img.Palette[img.Data[y*img.Width+x]]
}
