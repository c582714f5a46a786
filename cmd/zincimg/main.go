// Command zincimg packs a PNG/JPEG/GIF source image into a palette-
// quantized kernel/driver/video/bootlogo.Image literal. It is a hosted
// build-time tool, run with `go run` against the host toolchain, never
// linked into the kernel binary; it is the zincos analogue of the
// teacher's tools/makelogo, rebuilt around github.com/fogleman/gg and
// golang.org/x/image so the source image can be resized/recentered before
// quantization instead of requiring the input to already be the exact
// target dimensions.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"go/parser"
	"go/printer"
	"go/token"
	"image"
	"image/color"
	"os"

	"github.com/fogleman/gg"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

const maxColors = 16

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[zincimg] error: %s\n", err.Error())
	os.Exit(1)
}

// rasterize decodes src and draws it, centered, onto a w x h canvas filled
// with trans, using gg so the source image may be any size or aspect
// ratio: the boot splash slot is a fixed framebuffer region, not something
// the source asset is expected to already match pixel-for-pixel.
func rasterize(src image.Image, w, h int, trans color.RGBA) image.Image {
	dc := gg.NewContext(w, h)
	dc.SetColor(trans)
	dc.Clear()

	sb := src.Bounds()
	ox := (w - sb.Dx()) / 2
	oy := (h - sb.Dy()) / 2
	dc.DrawImage(src, ox, oy)

	return dc.Image()
}

func buildPalette(img image.Image, transColor color.RGBA) ([]color.RGBA, map[color.RGBA]int, error) {
	var (
		palette         []color.RGBA
		colorToPalIndex = make(map[color.RGBA]int)
	)

	palette = append(palette, transColor)
	colorToPalIndex[palette[0]] = 0

	bounds := img.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			c := color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b)}
			if _, exists := colorToPalIndex[c]; exists {
				continue
			}
			colorToPalIndex[c] = len(colorToPalIndex)
			palette = append(palette, c)
		}
	}

	if got := len(palette); got > maxColors {
		return nil, nil, fmt.Errorf("logo should not contain more than %d colors; got %d", maxColors, got)
	}

	return palette, colorToPalIndex, nil
}

func genLogoFile(img image.Image, transColor color.RGBA, logoVar, align string) (string, error) {
	var (
		buf         bytes.Buffer
		bounds      = img.Bounds()
		logoVarName = fmt.Sprintf("%s%dx%d", logoVar, bounds.Dx(), bounds.Dy())
	)

	palette, colorToPalIndex, err := buildPalette(img, transColor)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(&buf, `
package bootlogo

import "image/color"

var %s = Image{
Width: %d,
Height: %d,
Align: %s,
TransparentIndex: 0,
`, logoVarName, bounds.Dx(), bounds.Dy(), align)

	fmt.Fprint(&buf, "Palette: []color.RGBA{\n")
	for _, c := range palette {
		fmt.Fprintf(&buf, "\t{R:%d, G:%d, B:%d},\n", c.R, c.G, c.B)
	}
	fmt.Fprint(&buf, "},\n")

	fmt.Fprint(&buf, "Data: []uint8{\n")
	pixelIndex := 0
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x, pixelIndex = x+1, pixelIndex+1 {
			if pixelIndex != 0 && pixelIndex%16 == 0 {
				buf.WriteByte('\n')
			}
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			colorIndex := colorToPalIndex[color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b)}]
			fmt.Fprintf(&buf, "0x%x, ", colorIndex)
		}
	}
	fmt.Fprint(&buf, "\n},\n}\n")

	return buf.String(), nil
}

func runTool() error {
	transR := flag.Uint("trans-r", 255, "the red component value for the transparent color")
	transG := flag.Uint("trans-g", 0, "the green component value for the transparent color")
	transB := flag.Uint("trans-b", 255, "the blue component value for the transparent color")
	logoVar := flag.String("var-name", "logo", "the name of the variable containing the logo data")
	align := flag.String("align", "center", "the horizontal alignment for the logo (left, center or right)")
	width := flag.Int("width", 0, "canvas width to rasterize onto; 0 keeps the source image's own width")
	height := flag.Int("height", 0, "canvas height to rasterize onto; 0 keeps the source image's own height")
	output := flag.String("out", "-", "a file to write the generated logo or - to output to STDOUT")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "zincimg: pack a png/jpg/gif/bmp/tiff image into a bootlogo.Image literal\n\n")
		fmt.Fprint(os.Stderr, "Usage: zincimg [options] image\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		exit(errors.New("missing image file argument"))
	}

	alignConst := map[string]string{"left": "AlignLeft", "center": "AlignCenter", "right": "AlignRight"}[*align]
	if alignConst == "" {
		exit(errors.New("invalid alignment specification; supported values are: left, center or right"))
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return err
	}

	trans := color.RGBA{R: uint8(*transR), G: uint8(*transG), B: uint8(*transB)}

	canvas := img
	if *width > 0 || *height > 0 {
		w, h := *width, *height
		if w <= 0 {
			w = img.Bounds().Dx()
		}
		if h <= 0 {
			h = img.Bounds().Dy()
		}
		canvas = rasterize(img, w, h, trans)
	}

	logoData, err := genLogoFile(canvas, trans, *logoVar, alignConst)
	if err != nil {
		return err
	}

	fSet := token.NewFileSet()
	astFile, err := parser.ParseFile(fSet, "", logoData, parser.ParseComments)
	if err != nil {
		return err
	}

	switch *output {
	case "-":
		return printer.Fprint(os.Stdout, fSet, astFile)
	default:
		fOut, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer fOut.Close()
		return printer.Fprint(fOut, fSet, astFile)
	}
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
