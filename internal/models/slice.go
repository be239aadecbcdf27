package models

import (
	"encoding/binary"

	"ctslicesto3d/pkg/coord"
	"ctslicesto3d/pkg/pixel"
)

// Slice represents a single CT image with the geometry needed to place it
// in patient space. Optional DICOM attributes are pointers; nil means the
// tag was absent.
type Slice struct {
	// SOPInstanceUID identifies the image, SeriesUID the series it belongs to
	SOPInstanceUID string
	SeriesUID      string

	// Filename is the file the slice was read from, if any
	Filename string

	// Rows and Columns are the pixel grid extents
	Rows    int
	Columns int

	// PixelSpacing is (row spacing, column spacing) in mm
	PixelSpacing *[2]float64

	// ImagePosition is the patient-space position (mm) of the first pixel's center
	ImagePosition *[3]float64

	// ImageOrientation holds the row then column direction cosines
	ImageOrientation *[6]float64

	SliceThickness       *float64
	SpacingBetweenSlices *float64

	RescaleSlope     *float64
	RescaleIntercept *float64

	WindowCenter *float64
	WindowWidth  *float64

	PixelRepresentation pixel.Representation

	// ByteOrder is how PixelData is stored, as given by the transfer
	// syntax. Nil leaves the decoder's own order in place.
	ByteOrder binary.ByteOrder

	// PixelData is the raw 2-bytes-per-sample buffer
	PixelData []byte
}

// Rescale returns the slice's calibration, defaulting absent tags.
func (s *Slice) Rescale() pixel.Rescale {
	r := pixel.DefaultRescale()
	if s.RescaleSlope != nil {
		r.Slope = *s.RescaleSlope
	}
	if s.RescaleIntercept != nil {
		r.Intercept = *s.RescaleIntercept
	}
	return r
}

// Z returns the third component of the image position.
func (s *Slice) Z() (float64, bool) {
	if s.ImagePosition == nil {
		return 0, false
	}
	return s.ImagePosition[2], true
}

// Dimensions of a volume: rows and columns of each slice, and slice count.
type Dimensions struct {
	Rows    int
	Columns int
	Slices  int
}

// Voxels returns the total number of voxels.
func (d Dimensions) Voxels() int {
	return d.Rows * d.Columns * d.Slices
}

// Spacing is the physical size of a voxel in mm. X runs along the row
// direction (between columns), Y along the column direction (between rows)
// and Z between slices.
type Spacing struct {
	X, Y, Z float64
}

// Window is a display window in rescaled units.
type Window struct {
	Center float64
	Width  float64
}

// Volume represents a 3D CT volume assembled from one series
type Volume struct {
	SeriesUID string

	Dimensions Dimensions
	Spacing    Spacing

	// Data holds the voxels slice-major, row-major within each slice
	Data []int16

	// Base maps voxel-index space to patient space
	Base coord.Base

	// SliceLocations is the z position of each slice in volume order
	SliceLocations []float64

	// Window is the display window of the reference slice, if it had one
	Window *Window
}

// Index returns the position of voxel (col, row, slice) in Data.
func (v *Volume) Index(col, row, slice int) int {
	return (slice*v.Dimensions.Rows+row)*v.Dimensions.Columns + col
}

// At returns the voxel at (col, row, slice). ok is false outside the grid.
func (v *Volume) At(col, row, slice int) (int16, bool) {
	if col < 0 || row < 0 || slice < 0 ||
		col >= v.Dimensions.Columns || row >= v.Dimensions.Rows || slice >= v.Dimensions.Slices {
		return 0, false
	}
	return v.Data[v.Index(col, row, slice)], true
}

// Slice returns the voxels of slice k without copying.
func (v *Volume) Slice(k int) []int16 {
	n := v.Dimensions.Rows * v.Dimensions.Columns
	return v.Data[k*n : (k+1)*n]
}
