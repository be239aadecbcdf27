package visualization

import (
	"errors"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// MaxPanels is the number of quadrants of a Layout.
const MaxPanels = 4

// ErrLayoutFull is returned when a fifth panel is added.
var ErrLayoutFull = errors.New("layout already holds four panels")

type placed struct {
	img   image.Image
	label string
	rect  image.Rectangle
}

// Layout arranges up to four images on a square canvas, filling the
// quadrants left to right, top to bottom.
type Layout struct {
	dim    int
	panels []placed
}

// NewLayout creates a layout for a dim x dim canvas.
func NewLayout(dim int) *Layout {
	return &Layout{dim: dim}
}

// Add places img in the next free quadrant. A non-empty label is drawn in
// the quadrant's top left corner.
func (l *Layout) Add(img image.Image, label string) (image.Rectangle, error) {
	if len(l.panels) >= MaxPanels {
		return image.Rectangle{}, ErrLayoutFull
	}
	idx := len(l.panels)
	d := l.dim / 2
	x := idx % 2 * d
	y := 0
	if idx >= 2 {
		y = d
	}
	r := image.Rect(x, y, x+d, y+d)
	l.panels = append(l.panels, placed{img: img, label: label, rect: r})
	return r, nil
}

// Len returns the number of placed panels.
func (l *Layout) Len() int {
	return len(l.panels)
}

// Render draws every panel scaled to its quadrant.
func (l *Layout) Render() *image.Gray16 {
	canvas := image.NewGray16(image.Rect(0, 0, l.dim, l.dim))
	for _, p := range l.panels {
		draw.NearestNeighbor.Scale(canvas, p.rect, p.img, p.img.Bounds(), draw.Src, nil)
		if p.label != "" {
			drawLabel(canvas, p.rect.Min, p.label)
		}
	}
	return canvas
}

func drawLabel(dst draw.Image, at image.Point, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.Gray16{Y: 0xffff}),
		Face: face,
		Dot:  fixed.P(at.X+4, at.Y+face.Ascent+2),
	}
	d.DrawString(text)
}
