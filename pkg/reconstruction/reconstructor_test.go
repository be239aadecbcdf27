package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"ctslicesto3d/internal/dicomtest"
	"ctslicesto3d/pkg/coord"
	"ctslicesto3d/pkg/dicomio"
	"ctslicesto3d/pkg/geometry"
)

// seriesImages builds n 2x3 slices 2 mm apart. Slice k stores 1024+100*k+i
// at pixel i, so it rescales to 100*k+i HU.
func seriesImages(seriesUID string, n int) []dicomtest.Image {
	images := make([]dicomtest.Image, n)
	for k := range images {
		values := make([]uint16, 6)
		for i := range values {
			values[i] = uint16(1024 + 100*k + i)
		}
		images[k] = dicomtest.Image{
			SOPInstanceUID: fmt.Sprintf("%s.%d", seriesUID, k+1),
			SeriesUID:      seriesUID,
			Rows:           2,
			Columns:        3,
			Z:              float64(2 * k),
			Values:         values,
		}
	}
	return images
}

func TestProcessEndToEnd(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := filepath.Join(t.TempDir(), "out")

	// Write slices in reverse so ordering comes from the positions.
	images := seriesImages("1.2.3.4.1", 3)
	for i := len(images) - 1; i >= 0; i-- {
		dicomtest.WriteFiles(t, inputDir, images[i])
	}
	mr := seriesImages("1.2.3.4.9", 1)[0]
	mr.Modality = "MR"
	dicomtest.WriteFiles(t, inputDir, mr)

	params := &Params{
		InputDirs:     []string{inputDir},
		OutputDir:     outputDir,
		Assembler:     &AssemblerParams{NumWorkers: 2, DefaultSliceSpacing: 1, OrientationTolerance: 1e-3},
		ImageSize:     8,
		SlicePosition: 0.5,
		ExportViews:   true,
		ExportSlices:  "z",
	}
	r := NewReconstructor(params)
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if w := r.Warnings(); len(w) != 0 {
		t.Errorf("unexpected warnings: %v", w)
	}

	vol := r.Volume()
	if vol == nil {
		t.Fatal("no volume")
	}
	if vol.SeriesUID != "1.2.3.4.1" {
		t.Errorf("series = %q", vol.SeriesUID)
	}
	if vol.Dimensions.Rows != 2 || vol.Dimensions.Columns != 3 || vol.Dimensions.Slices != 3 {
		t.Errorf("dimensions = %+v", vol.Dimensions)
	}
	if vol.Spacing.X != 0.75 || vol.Spacing.Y != 0.5 || vol.Spacing.Z != 2 {
		t.Errorf("spacing = %+v", vol.Spacing)
	}
	for k := 0; k < 3; k++ {
		for i, got := range vol.Slice(k) {
			if want := int16(100*k + i); got != want {
				t.Errorf("slice %d voxel %d = %d, want %d", k, i, got, want)
			}
		}
	}
	if vol.Window == nil || vol.Window.Center != 40 || vol.Window.Width != 400 {
		t.Errorf("window = %+v", vol.Window)
	}
	if o := vol.Base.Origin(); o != [3]float32{-10, -20, 0} {
		t.Errorf("origin = %v", o)
	}

	if st := r.Statistics(); st.Min != 0 || st.Max != 205 {
		t.Errorf("statistics = %+v", st)
	}
	if len(r.Views()) != len(geometry.AllViews) {
		t.Errorf("got %d views", len(r.Views()))
	}
	if got := len(r.Repository().AllSeries()); got != 2 {
		t.Errorf("repository holds %d series", got)
	}

	expected := []string{"layout.tiff", "slices_z/slice_z_000.tiff", "slices_z/slice_z_002.tiff"}
	for _, k := range geometry.AllViews {
		expected = append(expected, fmt.Sprintf("view_%s.tiff", k))
	}
	for _, name := range expected {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err != nil {
			t.Errorf("missing output %s: %v", name, err)
		}
	}
}

func TestProcessPicksLargestCTSeries(t *testing.T) {
	inputDir := t.TempDir()
	dicomtest.WriteFiles(t, inputDir, seriesImages("1.2.3.4.1", 2)...)
	dicomtest.WriteFiles(t, inputDir, seriesImages("1.2.3.4.2", 3)...)

	r := NewReconstructor(&Params{InputDirs: []string{inputDir}})
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := r.Volume().SeriesUID; got != "1.2.3.4.2" {
		t.Errorf("selected %q, want the three-slice series", got)
	}
}

func TestProcessSeriesSelectionErrors(t *testing.T) {
	inputDir := t.TempDir()
	mr := seriesImages("1.2.3.4.9", 2)
	for i := range mr {
		mr[i].Modality = "MR"
	}
	dicomtest.WriteFiles(t, inputDir, mr...)

	t.Run("explicit non-CT series", func(t *testing.T) {
		r := NewReconstructor(&Params{InputDirs: []string{inputDir}, SeriesUID: "1.2.3.4.9"})
		if err := r.Process(context.Background()); !errors.Is(err, dicomio.ErrNotCT) {
			t.Errorf("expected ErrNotCT, got %v", err)
		}
	})

	t.Run("no CT series", func(t *testing.T) {
		r := NewReconstructor(&Params{InputDirs: []string{inputDir}})
		if err := r.Process(context.Background()); !errors.Is(err, ErrEmptySeries) {
			t.Errorf("expected ErrEmptySeries, got %v", err)
		}
		if r.Volume() != nil {
			t.Error("no volume expected")
		}
	})
}

func TestProcessSingleSliceKeepsVolume(t *testing.T) {
	inputDir := t.TempDir()
	dicomtest.WriteFiles(t, inputDir, seriesImages("1.2.3.4.1", 1)...)

	r := NewReconstructor(&Params{
		InputDirs:    []string{inputDir},
		OutputDir:    filepath.Join(t.TempDir(), "out"),
		ImageSize:    8,
		ExportViews:  true,
		ExportSlices: "z",
	})
	if err := r.Process(context.Background()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if r.Volume() == nil || r.Volume().Dimensions.Slices != 1 {
		t.Fatalf("volume = %+v", r.Volume())
	}
	if len(r.Views()) != 0 {
		t.Errorf("views should not be derivable, got %d", len(r.Views()))
	}
	warnings := r.Warnings()
	if len(warnings) != 1 || !errors.Is(warnings[0], coord.ErrSingularMatrix) {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestProcessMissingInput(t *testing.T) {
	r := NewReconstructor(&Params{InputDirs: []string{filepath.Join(t.TempDir(), "absent")}})
	if err := r.Process(context.Background()); err == nil {
		t.Error("expected error for missing input directory")
	}
}
