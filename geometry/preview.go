package geometry

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PlatePreview renders an accepted plate layout for the UI: bed outline,
// piece footprints with name labels, and a utilization caption.
type PlatePreview struct {
	Layout *PlateLayout
	Scale  float64 // pixels per mm for raster output
}

// NewPlatePreview creates a preview renderer with default settings.
func NewPlatePreview(layout *PlateLayout) *PlatePreview {
	return &PlatePreview{Layout: layout, Scale: 2.0}
}

var (
	previewBed    = color.RGBA{40, 40, 48, 255}
	previewGrid   = color.RGBA{64, 64, 72, 255}
	previewPiece  = color.RGBA{100, 149, 237, 255}
	previewBorder = color.RGBA{220, 220, 230, 255}
)

// RenderPNG writes the layout as a PNG image.
func (p *PlatePreview) RenderPNG(w io.Writer) error {
	l := p.Layout
	width := int(l.Bed.Width * p.Scale)
	height := int(l.Bed.Height*p.Scale) + 16 // caption strip
	if width <= 0 || height <= 16 {
		return fmt.Errorf("layout bed %gx%g too small to render", l.Bed.Width, l.Bed.Height)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(previewBed), image.Point{}, draw.Src)

	// Bed grid every 10 mm.
	for x := 0.0; x <= l.Bed.Width; x += 10 {
		px := int(x * p.Scale)
		for y := 0; y < height-16; y++ {
			img.Set(px, y, previewGrid)
		}
	}
	for y := 0.0; y <= l.Bed.Height; y += 10 {
		py := int(y * p.Scale)
		for x := 0; x < width; x++ {
			img.Set(x, py, previewGrid)
		}
	}

	for _, pl := range l.Placements {
		// Image Y grows downward; bed Y grows upward.
		x0 := int(pl.X * p.Scale)
		x1 := int((pl.X + pl.Width) * p.Scale)
		y0 := int((l.Bed.Height - pl.Y - pl.Height) * p.Scale)
		y1 := int((l.Bed.Height - pl.Y) * p.Scale)

		fill := image.Rect(x0, y0, x1, y1)
		draw.Draw(img, fill, image.NewUniform(previewPiece), image.Point{}, draw.Src)
		for x := x0; x <= x1; x++ {
			img.Set(x, y0, previewBorder)
			img.Set(x, y1, previewBorder)
		}
		for y := y0; y <= y1; y++ {
			img.Set(x0, y, previewBorder)
			img.Set(x1, y, previewBorder)
		}

		drawLabel(img, x0+3, y0+13, pl.Name, previewBorder)
	}

	caption := fmt.Sprintf("%s  %d pieces  %.0f%% used", l.Algorithm, len(l.Placements), l.Utilization*100)
	drawLabel(img, 4, height-4, caption, previewBorder)

	return png.Encode(w, img)
}

// drawLabel renders text with the fixed 7x13 bitmap face.
func drawLabel(img draw.Image, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// RenderSVG writes the layout as an SVG document.
func (p *PlatePreview) RenderSVG(w io.Writer) error {
	l := p.Layout
	svgRenderer := svg.New(w, l.Bed.Width, l.Bed.Height, nil)

	bedStyle := canvas.DefaultStyle
	bedStyle.Fill = canvas.Paint{Color: color.RGBA{40, 40, 48, 255}}
	svgRenderer.RenderPath(canvas.Rectangle(l.Bed.Width, l.Bed.Height), bedStyle, canvas.Identity)

	pieceStyle := canvas.DefaultStyle
	pieceStyle.Fill = canvas.Paint{Color: color.RGBA{100, 149, 237, 255}}
	pieceStyle.Stroke = canvas.Paint{Color: color.RGBA{220, 220, 230, 255}}
	pieceStyle.StrokeWidth = 0.4

	for _, pl := range l.Placements {
		path := &canvas.Path{}
		path.MoveTo(pl.X, pl.Y)
		path.LineTo(pl.X+pl.Width, pl.Y)
		path.LineTo(pl.X+pl.Width, pl.Y+pl.Height)
		path.LineTo(pl.X, pl.Y+pl.Height)
		path.Close()
		svgRenderer.RenderPath(path, pieceStyle, canvas.Identity)
	}

	return svgRenderer.Close()
}
