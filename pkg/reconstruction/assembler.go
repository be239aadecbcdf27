package reconstruction

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/spatial/r3"

	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/coord"
	"ctslicesto3d/pkg/pixel"
)

// AssemblerParams controls how slices are turned into a volume.
type AssemblerParams struct {
	// NumWorkers is the number of goroutines decoding pixel data.
	NumWorkers int

	// DefaultSliceSpacing is the z spacing used when neither the
	// SpacingBetweenSlices and SliceThickness tags nor the slice positions
	// provide one.
	DefaultSliceSpacing float64

	// OrientationTolerance bounds how far the direction cosines may stray
	// from unit length and orthogonality before a warning is logged.
	// Zero disables the check.
	OrientationTolerance float64

	// SingularTolerance is the pivot magnitude at or below which the volume
	// base is rejected as singular.
	SingularTolerance float64

	// Decoder converts each slice's raw pixel bytes. A slice that records
	// its own byte order overrides Decoder.ByteOrder.
	Decoder pixel.Decoder
}

// DefaultAssemblerParams returns the parameters used when none are given.
func DefaultAssemblerParams() *AssemblerParams {
	return &AssemblerParams{
		NumWorkers:           runtime.NumCPU(),
		DefaultSliceSpacing:  1.0,
		OrientationTolerance: 1e-3,
	}
}

// Assembler builds a Volume from the slices of one series. It trusts the
// caller to have grouped slices by series and only checks their geometry.
type Assembler struct {
	params *AssemblerParams
}

// NewAssembler creates an assembler. A nil params uses the defaults.
func NewAssembler(params *AssemblerParams) *Assembler {
	if params == nil {
		params = DefaultAssemblerParams()
	}
	return &Assembler{params: params}
}

// candidate is a slice that has a position and can therefore be ordered.
type candidate struct {
	index int
	slice *models.Slice
	z     float64
}

type decodeResult struct {
	pos       int
	samples   []int16
	saturated int
	err       error
}

// Assemble orders the slices along z, validates their geometry, decodes
// their pixel data and derives the volume's patient-space base.
//
// Structural problems (no slices, differing grid sizes, a reference slice
// that cannot be placed, a degenerate base) return a nil volume. Slices that
// are individually unusable are skipped: the volume is returned together
// with a *PartialAssemblyError describing them.
func (a *Assembler) Assemble(ctx context.Context, slices []models.Slice) (*models.Volume, error) {
	if len(slices) == 0 {
		return nil, ErrEmptySeries
	}

	// Grid size is checked over every slice, positioned or not: a slice of
	// the wrong size makes the whole series unusable.
	first := &slices[0]
	if first.Rows <= 0 || first.Columns <= 0 {
		return nil, &MissingGeometryError{SOPInstanceUID: first.SOPInstanceUID, Fields: []string{"Rows", "Columns"}}
	}
	for i := range slices[1:] {
		s := &slices[i+1]
		if s.Rows != first.Rows || s.Columns != first.Columns {
			return nil, &InconsistentGeometryError{
				SOPInstanceUID: s.SOPInstanceUID,
				Want:           [2]int{first.Rows, first.Columns},
				Got:            [2]int{s.Rows, s.Columns},
			}
		}
	}

	var skipped []SliceError
	skip := func(c candidate, err error) {
		skipped = append(skipped, SliceError{Index: c.index, SOPInstanceUID: c.slice.SOPInstanceUID, Err: err})
	}

	cands := make([]candidate, 0, len(slices))
	for i := range slices {
		c := candidate{index: i, slice: &slices[i]}
		z, ok := c.slice.Z()
		if !ok {
			skip(c, &MissingGeometryError{SOPInstanceUID: c.slice.SOPInstanceUID, Fields: []string{"ImagePositionPatient"}})
			continue
		}
		c.z = z
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("series has no positioned slice: %w", skipped[0].Err)
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].z < cands[j].z })

	ref := cands[0].slice
	if missing := missingGeometry(ref); len(missing) > 0 {
		return nil, &MissingGeometryError{SOPInstanceUID: ref.SOPInstanceUID, Fields: missing}
	}

	placed := make([]candidate, 0, len(cands))
	placed = append(placed, cands[0])
	for _, c := range cands[1:] {
		if missing := missingGeometry(c.slice); len(missing) > 0 {
			skip(c, &MissingGeometryError{SOPInstanceUID: c.slice.SOPInstanceUID, Fields: missing})
			continue
		}
		placed = append(placed, c)
	}

	results, err := a.decodeAll(ctx, placed)
	if err != nil {
		return nil, err
	}

	usable := make([]candidate, 0, len(placed))
	buffers := make([][]int16, 0, len(placed))
	for i, res := range results {
		c := placed[i]
		if res.err != nil {
			log.Warn().Err(res.err).Int("slice", c.index).Str("sop", c.slice.SOPInstanceUID).Msg("skipping slice with unreadable pixel data")
			skip(c, res.err)
			continue
		}
		if res.saturated > 0 {
			log.Warn().Int("slice", c.index).Int("saturated", res.saturated).Msg("rescaled samples clamped to int16 range")
		}
		usable = append(usable, c)
		buffers = append(buffers, res.samples)
	}
	if len(usable) == 0 {
		return nil, ErrNoUsableSlices
	}

	reference := usable[0].slice
	spacing := a.sliceSpacing(reference, usable)
	base, row, col := volumeBase(reference, spacing)
	if _, ok := base.Matrix.InvertTolerance(float32(a.params.SingularTolerance)); !ok {
		return nil, fmt.Errorf("volume base of series %q: %w", reference.SeriesUID, coord.ErrSingularMatrix)
	}
	a.checkOrientation(reference, row, col)

	dims := models.Dimensions{Rows: reference.Rows, Columns: reference.Columns, Slices: len(usable)}
	data := make([]int16, 0, dims.Voxels())
	locations := make([]float64, len(usable))
	for i, buf := range buffers {
		data = append(data, buf...)
		locations[i] = usable[i].z
	}

	vol := &models.Volume{
		SeriesUID:      reference.SeriesUID,
		Dimensions:     dims,
		Spacing:        spacing,
		Data:           data,
		Base:           base,
		SliceLocations: locations,
	}
	if reference.WindowCenter != nil && reference.WindowWidth != nil {
		vol.Window = &models.Window{Center: *reference.WindowCenter, Width: *reference.WindowWidth}
	}

	log.Debug().
		Str("series", vol.SeriesUID).
		Ints("dimensions", []int{dims.Rows, dims.Columns, dims.Slices}).
		Floats64("spacing", []float64{spacing.X, spacing.Y, spacing.Z}).
		Msg("assembled volume")

	if len(skipped) > 0 {
		sort.Slice(skipped, func(i, j int) bool { return skipped[i].Index < skipped[j].Index })
		partial := &PartialAssemblyError{Total: len(slices), Used: len(usable), Skipped: skipped}
		log.Warn().Str("series", vol.SeriesUID).Int("used", partial.Used).Int("total", partial.Total).Msg("volume assembled from a subset of slices")
		return vol, partial
	}
	return vol, nil
}

// decodeAll fans the pixel decoding out over the worker pool and collects
// the results by position. No result slot is written by more than one
// goroutine.
func (a *Assembler) decodeAll(ctx context.Context, placed []candidate) ([]decodeResult, error) {
	workers := a.params.NumWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(placed) {
		workers = len(placed)
	}

	jobs := make(chan int)
	resultChan := make(chan decodeResult, len(placed))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range jobs {
				s := placed[pos].slice
				dec := a.params.Decoder
				if s.ByteOrder != nil {
					dec.ByteOrder = s.ByteOrder
				}
				res, err := dec.Decode(s.PixelData, s.PixelRepresentation, s.Rescale(), s.Rows*s.Columns)
				resultChan <- decodeResult{pos: pos, samples: res.Samples, saturated: res.Saturated, err: err}
			}
		}()
	}

	go func() {
	dispatch:
		for pos := range placed {
			select {
			case <-ctx.Done():
				break dispatch
			case jobs <- pos:
			}
		}
		close(jobs)
		wg.Wait()
		close(resultChan)
	}()

	results := make([]decodeResult, len(placed))
	for res := range resultChan {
		results[res.pos] = res
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// sliceSpacing prefers the SpacingBetweenSlices tag, then the distance
// between the first two slices, then the SliceThickness tag, then the
// configured default.
func (a *Assembler) sliceSpacing(ref *models.Slice, usable []candidate) models.Spacing {
	sp := models.Spacing{X: ref.PixelSpacing[1], Y: ref.PixelSpacing[0]}
	switch {
	case ref.SpacingBetweenSlices != nil && *ref.SpacingBetweenSlices > 0:
		sp.Z = *ref.SpacingBetweenSlices
	case len(usable) > 1 && usable[1].z != usable[0].z:
		sp.Z = math.Abs(usable[1].z - usable[0].z)
	case ref.SliceThickness != nil && *ref.SliceThickness > 0:
		sp.Z = *ref.SliceThickness
	default:
		sp.Z = a.params.DefaultSliceSpacing
		if sp.Z <= 0 {
			sp.Z = 1.0
		}
	}
	return sp
}

func (a *Assembler) checkOrientation(ref *models.Slice, row, col r3.Vec) {
	tol := a.params.OrientationTolerance
	if tol <= 0 {
		return
	}
	rowNorm, colNorm, dot := r3.Norm(row), r3.Norm(col), r3.Dot(row, col)
	if math.Abs(rowNorm-1) > tol || math.Abs(colNorm-1) > tol || math.Abs(dot) > tol {
		log.Warn().
			Str("series", ref.SeriesUID).
			Float64("row_norm", rowNorm).
			Float64("col_norm", colNorm).
			Float64("dot", dot).
			Msg("image orientation is not orthonormal")
	}
}

func missingGeometry(s *models.Slice) []string {
	var missing []string
	if s.PixelSpacing == nil {
		missing = append(missing, "PixelSpacing")
	}
	if s.ImagePosition == nil {
		missing = append(missing, "ImagePositionPatient")
	}
	if s.ImageOrientation == nil {
		missing = append(missing, "ImageOrientationPatient")
	}
	return missing
}

// volumeBase composes translation * direction * scaling so that voxel
// index (i, j, k, 1) lands on position + i*dx*row + j*dy*col + k*dz*normal.
func volumeBase(ref *models.Slice, sp models.Spacing) (coord.Base, r3.Vec, r3.Vec) {
	o := ref.ImageOrientation
	row := r3.Vec{X: o[0], Y: o[1], Z: o[2]}
	col := r3.Vec{X: o[3], Y: o[4], Z: o[5]}
	normal := r3.Cross(row, col)

	scaling := coord.Diagonal(sp.X, sp.Y, sp.Z, 1)
	direction := coord.FromRows([4][4]float64{
		{row.X, col.X, normal.X, 0},
		{row.Y, col.Y, normal.Y, 0},
		{row.Z, col.Z, normal.Z, 0},
		{0, 0, 0, 1},
	})
	p := ref.ImagePosition
	translation := coord.Identity[float64]().With(0, 3, p[0]).With(1, 3, p[1]).With(2, 3, p[2])

	m := translation.Multiply(direction).Multiply(scaling)
	return coord.NewBase(fmt.Sprintf("CT volume %s", ref.SeriesUID), coord.Convert[float32](m)), row, col
}
