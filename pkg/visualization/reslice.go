package visualization

import (
	"fmt"
	"image"
	"math"
	"sync"

	"ctslicesto3d/pkg/geometry"
)

// Reslice samples a view plane of size x size pixels. Pixel centers map to
// screen coordinates (u, v) in [0, 1] and depth is the screen s coordinate.
// Each sample goes through the view's screen-to-UV transform and takes the
// nearest voxel; samples outside the grid are black.
func (v *Viewer) Reslice(view geometry.View, size int, depth float32) (*image.Gray16, error) {
	if size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", size)
	}
	if depth < 0 || depth > 1 {
		return nil, fmt.Errorf("depth %v outside [0, 1]", depth)
	}

	dims := v.vol.Dimensions
	nx := float64(dims.Columns - 1)
	ny := float64(dims.Rows - 1)
	nz := float64(dims.Slices - 1)
	m := view.Transform

	img := image.NewGray16(image.Rect(0, 0, size, size))
	rows := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < v.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for y := range rows {
				sv := (float32(y) + 0.5) / float32(size)
				for x := 0; x < size; x++ {
					su := (float32(x) + 0.5) / float32(size)
					uv := m.Apply([4]float32{su, sv, depth, 1})

					col := int(math.Round(float64(uv[0]) * nx))
					row := int(math.Round(float64(uv[1]) * ny))
					k := int(math.Round(float64(uv[2]) * nz))
					val, ok := v.vol.At(col, row, k)
					if !ok {
						continue
					}
					off := img.PixOffset(x, y)
					g := v.lut.gray(val)
					img.Pix[off] = uint8(g >> 8)
					img.Pix[off+1] = uint8(g)
				}
			}
		}()
	}
	for y := 0; y < size; y++ {
		rows <- y
	}
	close(rows)
	wg.Wait()

	return img, nil
}

// Panel is a rendered view.
type Panel struct {
	Kind  geometry.ViewKind
	Image *image.Gray16
}

// RenderViews reslices every view at the same size and depth.
func (v *Viewer) RenderViews(views []geometry.View, size int, depth float32) ([]Panel, error) {
	panels := make([]Panel, 0, len(views))
	for _, view := range views {
		img, err := v.Reslice(view, size, depth)
		if err != nil {
			return nil, fmt.Errorf("%s view: %w", view.Kind, err)
		}
		panels = append(panels, Panel{Kind: view.Kind, Image: img})
	}
	return panels, nil
}
