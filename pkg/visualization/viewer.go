// Package visualization turns an assembled CT volume into 2D images: axis
// aligned slices, arbitrary view planes sampled through a view transform, and
// a four-panel overview. Images are 16-bit gray and are written as TIFF.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/image/tiff"

	"ctslicesto3d/internal/models"
)

// Viewer extracts windowed slices from a volume.
type Viewer struct {
	vol     *models.Volume
	window  models.Window
	lut     lut
	workers int
}

// NewViewer creates a viewer that maps voxel values through window and
// reslices with numWorkers goroutines. A numWorkers below 1 uses one per CPU.
func NewViewer(vol *models.Volume, window models.Window, numWorkers int) (*Viewer, error) {
	if vol == nil || len(vol.Data) != vol.Dimensions.Voxels() {
		return nil, fmt.Errorf("volume data does not match its dimensions")
	}
	table, err := newLUT(window)
	if err != nil {
		return nil, err
	}
	if numWorkers < 1 {
		numWorkers = runtime.NumCPU()
	}
	return &Viewer{vol: vol, window: window, lut: table, workers: numWorkers}, nil
}

// Window returns the display window of the viewer.
func (v *Viewer) Window() models.Window {
	return v.window
}

// ExtractSlice extracts the plane at position along axis. Axis "x" cuts
// through a column (image is slices by rows), "y" through a row (columns by
// slices) and "z" is an acquired slice.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	dims := v.vol.Dimensions

	var img *image.Gray16
	switch strings.ToLower(axis) {
	case "x":
		if position >= dims.Columns {
			return nil, fmt.Errorf("position %d exceeds columns %d", position, dims.Columns)
		}
		img = image.NewGray16(image.Rect(0, 0, dims.Slices, dims.Rows))
		for row := 0; row < dims.Rows; row++ {
			for k := 0; k < dims.Slices; k++ {
				img.SetGray16(k, row, color.Gray16{Y: v.lut.gray(v.vol.Data[v.vol.Index(position, row, k)])})
			}
		}

	case "y":
		if position >= dims.Rows {
			return nil, fmt.Errorf("position %d exceeds rows %d", position, dims.Rows)
		}
		img = image.NewGray16(image.Rect(0, 0, dims.Columns, dims.Slices))
		for k := 0; k < dims.Slices; k++ {
			for col := 0; col < dims.Columns; col++ {
				img.SetGray16(col, k, color.Gray16{Y: v.lut.gray(v.vol.Data[v.vol.Index(col, position, k)])})
			}
		}

	case "z":
		if position >= dims.Slices {
			return nil, fmt.Errorf("position %d exceeds slices %d", position, dims.Slices)
		}
		img = image.NewGray16(image.Rect(0, 0, dims.Columns, dims.Rows))
		for row, src := 0, v.vol.Slice(position); row < dims.Rows; row++ {
			for col := 0; col < dims.Columns; col++ {
				img.SetGray16(col, row, color.Gray16{Y: v.lut.gray(src[row*dims.Columns+col])})
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveImage writes img as a deflate-compressed TIFF.
func SaveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		file.Close()
		return fmt.Errorf("encode %s: %w", filename, err)
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along axis into outputDir.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch strings.ToLower(axis) {
	case "x":
		maxPos = v.vol.Dimensions.Columns
	case "y":
		maxPos = v.vol.Dimensions.Rows
	case "z":
		maxPos = v.vol.Dimensions.Slices
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.tiff", strings.ToLower(axis), pos))
		if err := SaveImage(img, filename); err != nil {
			return err
		}
	}

	return nil
}
