package visualization

import (
	"fmt"
	"math"

	"ctslicesto3d/internal/models"
)

// DefaultWindow is a soft-tissue window in Hounsfield units, used when
// neither the configuration nor the series provides one.
var DefaultWindow = models.Window{Center: 40, Width: 350}

// ResolveWindow picks the display window: an explicit override first, then
// the series' own window, then DefaultWindow.
func ResolveWindow(override *models.Window, vol *models.Volume) models.Window {
	switch {
	case override != nil:
		return *override
	case vol != nil && vol.Window != nil && vol.Window.Width > 0:
		return *vol.Window
	}
	return DefaultWindow
}

// lut maps every int16 voxel value to a 16-bit gray level.
type lut []uint16

func newLUT(w models.Window) (lut, error) {
	if !(w.Width > 0) {
		return nil, fmt.Errorf("window width must be positive, got %v", w.Width)
	}
	lo := w.Center - w.Width/2
	table := make(lut, 1<<16)
	for v := math.MinInt16; v <= math.MaxInt16; v++ {
		t := (float64(v) - lo) / w.Width
		t = math.Max(0, math.Min(1, t))
		table[uint16(int16(v))] = uint16(math.Round(t * math.MaxUint16))
	}
	return table, nil
}

func (l lut) gray(v int16) uint16 {
	return l[uint16(v)]
}
