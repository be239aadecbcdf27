package reconstruction

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/coord"
	"ctslicesto3d/pkg/pixel"
)

func ptr[T any](v T) *T { return &v }

// createTestSlice creates an identity-oriented slice at height z whose
// pixels all hold value.
func createTestSlice(rows, cols int, z float64, value uint16) models.Slice {
	data := make([]byte, rows*cols*2)
	for i := 0; i < rows*cols; i++ {
		binary.LittleEndian.PutUint16(data[2*i:], value)
	}
	return models.Slice{
		SOPInstanceUID:      fmt.Sprintf("1.2.3.%d", value),
		SeriesUID:           "1.2.3",
		Rows:                rows,
		Columns:             cols,
		PixelSpacing:        &[2]float64{1, 1},
		ImagePosition:       &[3]float64{0, 0, z},
		ImageOrientation:    &[6]float64{1, 0, 0, 0, 1, 0},
		PixelRepresentation: pixel.Unsigned,
		PixelData:           data,
	}
}

func newTestAssembler() *Assembler {
	params := DefaultAssemblerParams()
	params.NumWorkers = 2
	return NewAssembler(params)
}

func TestAssembleEndToEnd(t *testing.T) {
	slices := []models.Slice{
		createTestSlice(2, 2, 0, 10),
		createTestSlice(2, 2, 1, 11),
		createTestSlice(2, 2, 2, 12),
	}

	vol, err := newTestAssembler().Assemble(context.Background(), slices)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if want := (models.Dimensions{Rows: 2, Columns: 2, Slices: 3}); vol.Dimensions != want {
		t.Errorf("dimensions = %+v, want %+v", vol.Dimensions, want)
	}
	if want := (models.Spacing{X: 1, Y: 1, Z: 1}); vol.Spacing != want {
		t.Errorf("spacing = %+v, want %+v", vol.Spacing, want)
	}
	if len(vol.Data) != vol.Dimensions.Voxels() {
		t.Fatalf("len(Data) = %d, want %d", len(vol.Data), vol.Dimensions.Voxels())
	}
	if col := vol.Base.Matrix.Column(3); col != [4]float32{0, 0, 0, 1} {
		t.Errorf("translation column = %v", col)
	}
	if !vol.Base.Matrix.ApproxEqual(coord.Identity[float32](), 1e-6) {
		t.Errorf("base should be identity, got\n%v", vol.Base.Matrix)
	}

	m, err := vol.Base.ToBase(coord.WorldBase())
	if err != nil {
		t.Fatalf("ToBase failed: %v", err)
	}
	if !m.ApproxEqual(vol.Base.Matrix, 1e-6) {
		t.Errorf("ToBase(world) =\n%v\nwant\n%v", m, vol.Base.Matrix)
	}
}

func TestAssembleOrdersByZ(t *testing.T) {
	slices := []models.Slice{
		createTestSlice(2, 2, 5.0, 5),
		createTestSlice(2, 2, 1.0, 1),
		createTestSlice(2, 2, 3.0, 3),
	}

	vol, err := newTestAssembler().Assemble(context.Background(), slices)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	for k, want := range []int16{1, 3, 5} {
		for _, v := range vol.Slice(k) {
			if v != want {
				t.Fatalf("slice %d holds %d, want %d", k, v, want)
			}
		}
	}
	if got := vol.SliceLocations; len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 5 {
		t.Errorf("SliceLocations = %v", got)
	}
	if vol.Spacing.Z != 2 {
		t.Errorf("z spacing = %v, want 2", vol.Spacing.Z)
	}
}

func TestAssembleStableForEqualZ(t *testing.T) {
	slices := []models.Slice{
		createTestSlice(1, 1, 0, 7),
		createTestSlice(1, 1, 0, 8),
		createTestSlice(1, 1, 0, 9),
	}
	vol, err := newTestAssembler().Assemble(context.Background(), slices)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if vol.Data[0] != 7 || vol.Data[1] != 8 || vol.Data[2] != 9 {
		t.Errorf("ties should keep input order, got %v", vol.Data)
	}
	// Equal positions fall back to the default spacing.
	if vol.Spacing.Z != 1 {
		t.Errorf("z spacing = %v, want 1", vol.Spacing.Z)
	}
}

func TestAssembleSliceSpacing(t *testing.T) {
	t.Run("position difference", func(t *testing.T) {
		vol, err := newTestAssembler().Assemble(context.Background(), []models.Slice{
			createTestSlice(2, 2, 0.0, 1),
			createTestSlice(2, 2, 2.5, 2),
		})
		if err != nil {
			t.Fatalf("Assemble failed: %v", err)
		}
		if vol.Spacing.Z != 2.5 {
			t.Errorf("z spacing = %v, want 2.5", vol.Spacing.Z)
		}
	})

	t.Run("explicit tag", func(t *testing.T) {
		first := createTestSlice(2, 2, 0.0, 1)
		first.SpacingBetweenSlices = ptr(3.0)
		vol, err := newTestAssembler().Assemble(context.Background(), []models.Slice{
			first,
			createTestSlice(2, 2, 2.5, 2),
		})
		if err != nil {
			t.Fatalf("Assemble failed: %v", err)
		}
		if vol.Spacing.Z != 3 {
			t.Errorf("z spacing = %v, want 3", vol.Spacing.Z)
		}
	})

	t.Run("single slice", func(t *testing.T) {
		vol, err := newTestAssembler().Assemble(context.Background(), []models.Slice{createTestSlice(2, 2, 4, 1)})
		if err != nil {
			t.Fatalf("Assemble failed: %v", err)
		}
		if vol.Spacing.Z != 1 {
			t.Errorf("z spacing = %v, want 1", vol.Spacing.Z)
		}
	})

	t.Run("slice thickness fallback", func(t *testing.T) {
		s := createTestSlice(2, 2, 4, 1)
		s.SliceThickness = ptr(1.25)
		vol, err := newTestAssembler().Assemble(context.Background(), []models.Slice{s})
		if err != nil {
			t.Fatalf("Assemble failed: %v", err)
		}
		if vol.Spacing.Z != 1.25 {
			t.Errorf("z spacing = %v, want 1.25", vol.Spacing.Z)
		}
	})

	t.Run("positions win over slice thickness", func(t *testing.T) {
		first := createTestSlice(2, 2, 0, 1)
		first.SliceThickness = ptr(5.0)
		vol, err := newTestAssembler().Assemble(context.Background(), []models.Slice{
			first,
			createTestSlice(2, 2, 2, 2),
		})
		if err != nil {
			t.Fatalf("Assemble failed: %v", err)
		}
		if vol.Spacing.Z != 2 {
			t.Errorf("z spacing = %v, want 2", vol.Spacing.Z)
		}
	})

	t.Run("pixel spacing order", func(t *testing.T) {
		s := createTestSlice(2, 2, 0, 1)
		s.PixelSpacing = &[2]float64{0.5, 0.7}
		vol, err := newTestAssembler().Assemble(context.Background(), []models.Slice{s})
		if err != nil {
			t.Fatalf("Assemble failed: %v", err)
		}
		if vol.Spacing.X != 0.7 || vol.Spacing.Y != 0.5 {
			t.Errorf("spacing = %+v, want X=0.7 Y=0.5", vol.Spacing)
		}
	})
}

func TestAssembleBaseGeometry(t *testing.T) {
	// Columns run along patient y, rows along patient z: a sagittal acquisition.
	s := createTestSlice(3, 4, 0, 1)
	s.ImagePosition = &[3]float64{-10, 20, 30}
	s.ImageOrientation = &[6]float64{0, 1, 0, 0, 0, -1}
	s.PixelSpacing = &[2]float64{0.5, 0.25}
	s.SpacingBetweenSlices = ptr(2.0)

	vol, err := newTestAssembler().Assemble(context.Background(), []models.Slice{s})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if o := vol.Base.Origin(); o != [3]float32{-10, 20, 30} {
		t.Errorf("origin = %v, want image position", o)
	}
	// Voxel (col 2, row 1, slice 1).
	got := vol.Base.Matrix.Apply([4]float32{2, 1, 1, 1})
	// row dir (0,1,0)*0.25*2 + col dir (0,0,-1)*0.5*1 + normal (-1,0,0)*2*1
	want := [4]float32{-12, 20.5, 29.5, 1}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			t.Fatalf("voxel maps to %v, want %v", got, want)
		}
	}
}

func TestAssembleErrors(t *testing.T) {
	t.Run("empty series", func(t *testing.T) {
		vol, err := newTestAssembler().Assemble(context.Background(), nil)
		if !errors.Is(err, ErrEmptySeries) || vol != nil {
			t.Errorf("expected ErrEmptySeries, got %v", err)
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		vol, err := newTestAssembler().Assemble(context.Background(), []models.Slice{
			createTestSlice(512, 512, 0, 1),
			createTestSlice(256, 256, 1, 2),
		})
		if vol != nil {
			t.Error("no volume should be produced")
		}
		var inconsistent *InconsistentGeometryError
		if !errors.As(err, &inconsistent) || !errors.Is(err, ErrInconsistentGeometry) {
			t.Fatalf("expected InconsistentGeometryError, got %v", err)
		}
		if inconsistent.Want != [2]int{512, 512} || inconsistent.Got != [2]int{256, 256} {
			t.Errorf("unexpected sizes %v / %v", inconsistent.Want, inconsistent.Got)
		}
	})

	t.Run("unpositioned slice of another size", func(t *testing.T) {
		odd := createTestSlice(4, 4, 0, 3)
		odd.ImagePosition = nil
		vol, err := newTestAssembler().Assemble(context.Background(), []models.Slice{
			createTestSlice(2, 2, 0, 1),
			createTestSlice(2, 2, 1, 2),
			odd,
		})
		if vol != nil {
			t.Error("no volume should be produced")
		}
		var inconsistent *InconsistentGeometryError
		if !errors.As(err, &inconsistent) {
			t.Fatalf("expected InconsistentGeometryError, got %v", err)
		}
		if inconsistent.SOPInstanceUID != odd.SOPInstanceUID || inconsistent.Got != [2]int{4, 4} {
			t.Errorf("unexpected error %+v", inconsistent)
		}
	})

	t.Run("volume base under the singular tolerance", func(t *testing.T) {
		s := createTestSlice(2, 2, 0, 1)
		s.PixelSpacing = &[2]float64{1e-3, 1e-3}
		s.SpacingBetweenSlices = ptr(1e-3)

		if _, err := newTestAssembler().Assemble(context.Background(), []models.Slice{s}); err != nil {
			t.Fatalf("default tolerance should accept the base: %v", err)
		}
		params := DefaultAssemblerParams()
		params.SingularTolerance = 0.01
		vol, err := NewAssembler(params).Assemble(context.Background(), []models.Slice{s})
		if vol != nil || !errors.Is(err, ErrSingularMatrix) {
			t.Errorf("expected ErrSingularMatrix, got %v", err)
		}
	})

	t.Run("reference slice without orientation", func(t *testing.T) {
		first := createTestSlice(2, 2, 0, 1)
		first.ImageOrientation = nil
		vol, err := newTestAssembler().Assemble(context.Background(), []models.Slice{
			createTestSlice(2, 2, 1, 2),
			first,
		})
		if vol != nil || !errors.Is(err, ErrMissingRequiredGeometry) {
			t.Errorf("expected fatal ErrMissingRequiredGeometry, got %v", err)
		}
	})

	t.Run("no positioned slice", func(t *testing.T) {
		s := createTestSlice(2, 2, 0, 1)
		s.ImagePosition = nil
		_, err := newTestAssembler().Assemble(context.Background(), []models.Slice{s})
		if !errors.Is(err, ErrMissingRequiredGeometry) {
			t.Errorf("expected ErrMissingRequiredGeometry, got %v", err)
		}
	})

	t.Run("degenerate orientation", func(t *testing.T) {
		s := createTestSlice(2, 2, 0, 1)
		s.ImageOrientation = &[6]float64{1, 0, 0, 1, 0, 0}
		_, err := newTestAssembler().Assemble(context.Background(), []models.Slice{s})
		if !errors.Is(err, ErrSingularMatrix) {
			t.Errorf("expected ErrSingularMatrix, got %v", err)
		}
	})

	t.Run("every slice malformed", func(t *testing.T) {
		s := createTestSlice(2, 2, 0, 1)
		s.PixelData = s.PixelData[:3]
		_, err := newTestAssembler().Assemble(context.Background(), []models.Slice{s})
		if !errors.Is(err, ErrNoUsableSlices) || !errors.Is(err, ErrEmptySeries) {
			t.Errorf("expected ErrNoUsableSlices, got %v", err)
		}
	})
}

func TestAssemblePartial(t *testing.T) {
	malformed := createTestSlice(2, 2, 1, 2)
	malformed.PixelData = malformed.PixelData[:5]

	unplaced := createTestSlice(2, 2, 3, 4)
	unplaced.ImagePosition = nil

	noSpacing := createTestSlice(2, 2, 4, 5)
	noSpacing.PixelSpacing = nil

	slices := []models.Slice{
		createTestSlice(2, 2, 0, 1),
		malformed,
		createTestSlice(2, 2, 2, 3),
		unplaced,
		noSpacing,
	}

	vol, err := newTestAssembler().Assemble(context.Background(), slices)
	if vol == nil {
		t.Fatalf("expected a partial volume, got error %v", err)
	}

	var partial *PartialAssemblyError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialAssemblyError, got %v", err)
	}
	if partial.Total != 5 || partial.Used != 2 || len(partial.Skipped) != 3 {
		t.Errorf("partial = %+v", partial)
	}
	for i, want := range []int{1, 3, 4} {
		if partial.Skipped[i].Index != want {
			t.Errorf("skipped[%d].Index = %d, want %d", i, partial.Skipped[i].Index, want)
		}
	}
	if !errors.Is(err, ErrMalformedPixelBuffer) || !errors.Is(err, ErrMissingRequiredGeometry) {
		t.Errorf("partial error should expose slice causes: %v", err)
	}

	if vol.Dimensions.Slices != 2 {
		t.Errorf("slices = %d, want 2", vol.Dimensions.Slices)
	}
	if vol.Data[0] != 1 || vol.Data[4] != 3 {
		t.Errorf("unexpected voxel data %v", vol.Data)
	}
	if vol.Spacing.Z != 2 {
		t.Errorf("z spacing = %v, want 2", vol.Spacing.Z)
	}
}

func TestAssembleUsesSliceByteOrder(t *testing.T) {
	s := createTestSlice(2, 2, 0, 10)
	s.ByteOrder = binary.LittleEndian

	params := DefaultAssemblerParams()
	params.Decoder = pixel.Decoder{ByteOrder: binary.BigEndian}
	vol, err := NewAssembler(params).Assemble(context.Background(), []models.Slice{s})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	for i, v := range vol.Data {
		if v != 10 {
			t.Errorf("voxel %d = %d, want 10", i, v)
		}
	}
}

func TestAssembleRescale(t *testing.T) {
	s := createTestSlice(1, 2, 0, 0)
	s.PixelRepresentation = pixel.Signed
	s.RescaleIntercept = ptr(-1024.0)
	s.WindowCenter = ptr(40.0)
	s.WindowWidth = ptr(400.0)

	vol, err := newTestAssembler().Assemble(context.Background(), []models.Slice{s})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if vol.Data[0] != -1024 || vol.Data[1] != -1024 {
		t.Errorf("Data = %v, want -1024", vol.Data)
	}
	if vol.Window == nil || vol.Window.Center != 40 || vol.Window.Width != 400 {
		t.Errorf("Window = %+v", vol.Window)
	}
}

func TestAssembleCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestAssembler().Assemble(ctx, []models.Slice{
		createTestSlice(2, 2, 0, 1),
		createTestSlice(2, 2, 1, 2),
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAssembleManySlicesDeterministic(t *testing.T) {
	const n = 64
	slices := make([]models.Slice, n)
	for i := 0; i < n; i++ {
		// Reverse order on input.
		z := float64(n - 1 - i)
		slices[i] = createTestSlice(4, 4, z, uint16(n-1-i))
	}

	params := DefaultAssemblerParams()
	params.NumWorkers = 8
	vol, err := NewAssembler(params).Assemble(context.Background(), slices)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	for k := 0; k < n; k++ {
		if v, _ := vol.At(0, 0, k); v != int16(k) {
			t.Fatalf("slice %d holds %d", k, v)
		}
	}
}

func TestComputeStatistics(t *testing.T) {
	vol := &models.Volume{
		Dimensions: models.Dimensions{Rows: 1, Columns: 4, Slices: 1},
		Data:       []int16{-1000, 0, 0, 1000},
	}
	stats := ComputeStatistics(vol)
	if stats.Min != -1000 || stats.Max != 1000 || stats.Mean != 0 {
		t.Errorf("stats = %+v", stats)
	}
	// Bins hold 1, 2 and 1 of the 4 samples.
	if math.Abs(stats.Entropy-1.5) > 1e-9 {
		t.Errorf("entropy = %v, want 1.5", stats.Entropy)
	}

	flat := ComputeStatistics(&models.Volume{Data: []int16{5, 5, 5}})
	if flat.Entropy != 0 || flat.StdDev != 0 {
		t.Errorf("flat volume stats = %+v", flat)
	}
}
