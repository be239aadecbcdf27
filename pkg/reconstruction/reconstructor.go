package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/dicomio"
	"ctslicesto3d/pkg/geometry"
	"ctslicesto3d/pkg/visualization"
)

// Params holds the pipeline parameters.
type Params struct {
	// InputDirs are scanned recursively for DICOM files.
	InputDirs []string

	// SeriesUID selects the series. Empty picks the CT series with the most
	// images.
	SeriesUID string

	// OutputDir receives exported images.
	OutputDir string

	// Assembler configures volume assembly. Its NumWorkers also bounds file
	// parsing and view rendering.
	Assembler *AssemblerParams

	// ViewKinds are the views to derive. Empty derives all of them.
	ViewKinds []geometry.ViewKind

	// ImageSize is the edge length of each rendered view.
	ImageSize int

	// SlicePosition is the screen depth in [0, 1] of rendered views.
	SlicePosition float64

	// Window overrides the series' display window.
	Window *models.Window

	// ExportViews writes every view and the four-panel layout as TIFF.
	ExportViews bool

	// ExportSlices is an axis (x, y or z) whose slices are all written out.
	// Empty disables it.
	ExportSlices string
}

// Reconstructor runs the whole pipeline: index the DICOM files, pick a CT
// series, assemble the volume, derive the view bases and export images.
type Reconstructor struct {
	params *Params

	repo   *dicomio.Repository
	volume *models.Volume
	views  []geometry.View
	stats  Statistics

	// warnings are non-fatal problems: a partial assembly or views that
	// could not be derived
	warnings []error
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
func NewReconstructor(params *Params) *Reconstructor {
	if params.Assembler == nil {
		params.Assembler = DefaultAssemblerParams()
	}
	return &Reconstructor{params: params}
}

// Process runs the complete reconstruction pipeline
func (r *Reconstructor) Process(ctx context.Context) error {
	log.Info().Strs("dirs", r.params.InputDirs).Msg("Step 1: indexing DICOM files")
	repo, err := dicomio.LoadDirectories(ctx, r.params.InputDirs, r.params.Assembler.NumWorkers)
	if err != nil {
		return fmt.Errorf("failed to load DICOM files: %w", err)
	}
	r.repo = repo

	log.Info().Msg("Step 2: selecting series")
	seriesUID, slices, err := r.selectSeries()
	if err != nil {
		return err
	}
	log.Info().Str("series", seriesUID).Int("images", len(slices)).Msg("selected series")

	log.Info().Msg("Step 3: assembling volume")
	vol, err := NewAssembler(r.params.Assembler).Assemble(ctx, slices)
	var partial *PartialAssemblyError
	switch {
	case errors.As(err, &partial):
		r.warnings = append(r.warnings, err)
	case err != nil:
		return fmt.Errorf("failed to assemble series %s: %w", seriesUID, err)
	}
	r.volume = vol

	r.stats = ComputeStatistics(vol)
	log.Info().
		Ints("dims", []int{vol.Dimensions.Columns, vol.Dimensions.Rows, vol.Dimensions.Slices}).
		Floats64("spacing", []float64{vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z}).
		Float64("min", r.stats.Min).
		Float64("max", r.stats.Max).
		Float64("mean", r.stats.Mean).
		Float64("entropy", r.stats.Entropy).
		Msg("volume assembled")

	log.Info().Msg("Step 4: deriving view bases")
	views, err := geometry.BuildViews(vol, r.params.ViewKinds...)
	if err != nil {
		// The volume stays usable; only rendering is lost.
		log.Warn().Err(err).Msg("cannot derive views")
		r.warnings = append(r.warnings, err)
	}
	r.views = views

	if !r.params.ExportViews && r.params.ExportSlices == "" {
		return nil
	}
	log.Info().Str("dir", r.params.OutputDir).Msg("Step 5: exporting images")
	return r.export()
}

// selectSeries returns the requested series, or the largest CT series.
func (r *Reconstructor) selectSeries() (string, []models.Slice, error) {
	if uid := r.params.SeriesUID; uid != "" {
		slices, err := r.repo.CTImages(uid)
		if err != nil {
			return "", nil, err
		}
		return uid, slices, nil
	}

	var (
		best   string
		slices []models.Slice
	)
	for _, s := range r.repo.CTSeries() {
		if images := r.repo.ImagesBySeries(s.UID); len(images) > len(slices) {
			best, slices = s.UID, images
		}
	}
	if best == "" {
		return "", nil, fmt.Errorf("no CT series with images found: %w", ErrEmptySeries)
	}
	return best, slices, nil
}

func (r *Reconstructor) export() error {
	if err := os.MkdirAll(r.params.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	window := visualization.ResolveWindow(r.params.Window, r.volume)
	viewer, err := visualization.NewViewer(r.volume, window, r.params.Assembler.NumWorkers)
	if err != nil {
		return err
	}

	if r.params.ExportViews && len(r.views) > 0 {
		panels, err := viewer.RenderViews(r.views, r.params.ImageSize, float32(r.params.SlicePosition))
		if err != nil {
			return err
		}
		layout := visualization.NewLayout(2 * r.params.ImageSize)
		for _, p := range panels {
			path := filepath.Join(r.params.OutputDir, fmt.Sprintf("view_%s.tiff", p.Kind))
			if err := visualization.SaveImage(p.Image, path); err != nil {
				return err
			}
			if _, err := layout.Add(p.Image, p.Kind.String()); err != nil {
				return err
			}
		}
		if err := visualization.SaveImage(layout.Render(), filepath.Join(r.params.OutputDir, "layout.tiff")); err != nil {
			return err
		}
	}

	if axis := r.params.ExportSlices; axis != "" {
		dir := filepath.Join(r.params.OutputDir, "slices_"+axis)
		if err := viewer.SaveSliceSequence(axis, dir); err != nil {
			return fmt.Errorf("failed to export %s slices: %w", axis, err)
		}
	}
	return nil
}

// Repository returns the DICOM index built by Process.
func (r *Reconstructor) Repository() *dicomio.Repository {
	return r.repo
}

// Volume returns the assembled volume, or nil before a successful Process.
func (r *Reconstructor) Volume() *models.Volume {
	return r.volume
}

// Views returns the derived views.
func (r *Reconstructor) Views() []geometry.View {
	return r.views
}

// Statistics returns the HU statistics of the volume.
func (r *Reconstructor) Statistics() Statistics {
	return r.stats
}

// Warnings returns the non-fatal problems met by Process.
func (r *Reconstructor) Warnings() []error {
	return r.warnings
}
