package dicomio

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"ctslicesto3d/internal/models"
)

// Repository indexes parsed DICOM files. It is built by a single goroutine
// and is read-only afterwards.
type Repository struct {
	patients map[string]Patient
	studies  map[string]Study
	series   map[string]Series
	images   map[string]*models.Slice
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		patients: make(map[string]Patient),
		studies:  make(map[string]Study),
		series:   make(map[string]Series),
		images:   make(map[string]*models.Slice),
	}
}

// Add merges a record, replacing entries with the same identifiers.
func (r *Repository) Add(rec *Record) {
	if rec.Patient != nil {
		r.patients[rec.Patient.ID] = *rec.Patient
	}
	if rec.Study != nil {
		r.studies[rec.Study.UID] = *rec.Study
	}
	if rec.Series != nil {
		r.series[rec.Series.UID] = *rec.Series
	}
	if rec.Slice != nil {
		r.images[rec.Slice.SOPInstanceUID] = rec.Slice
	}
}

// Patient looks up a patient by ID.
func (r *Repository) Patient(id string) (Patient, bool) {
	p, ok := r.patients[id]
	return p, ok
}

// Series looks up a series by UID.
func (r *Repository) Series(uid string) (Series, bool) {
	s, ok := r.series[uid]
	return s, ok
}

// StudiesByPatient returns the studies of a patient ordered by UID.
func (r *Repository) StudiesByPatient(patientID string) []Study {
	var out []Study
	for _, s := range r.studies {
		if s.PatientID == patientID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// SeriesByStudy returns the series of a study ordered by UID.
func (r *Repository) SeriesByStudy(studyUID string) []Series {
	var out []Series
	for _, s := range r.series {
		if s.StudyUID == studyUID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// AllSeries returns every series ordered by UID.
func (r *Repository) AllSeries() []Series {
	out := make([]Series, 0, len(r.series))
	for _, s := range r.series {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// CTSeries returns the CT series ordered by UID.
func (r *Repository) CTSeries() []Series {
	var out []Series
	for _, s := range r.AllSeries() {
		if s.Modality == ModalityCT {
			out = append(out, s)
		}
	}
	return out
}

// ImagesBySeries returns copies of the slices of a series, ordered by
// SOPInstanceUID so repeated calls give the same input order.
func (r *Repository) ImagesBySeries(seriesUID string) []models.Slice {
	var out []models.Slice
	for _, img := range r.images {
		if img.SeriesUID == seriesUID {
			out = append(out, *img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SOPInstanceUID < out[j].SOPInstanceUID })
	return out
}

// CTImages returns the slices of a CT series, or ErrNotCT for other
// modalities.
func (r *Repository) CTImages(seriesUID string) ([]models.Slice, error) {
	s, ok := r.series[seriesUID]
	if !ok {
		return nil, fmt.Errorf("series %s not found", seriesUID)
	}
	if s.Modality != ModalityCT {
		return nil, fmt.Errorf("%w: %s is %q", ErrNotCT, seriesUID, s.Modality)
	}
	return r.ImagesBySeries(seriesUID), nil
}

// Summary renders the patient/study/series/image hierarchy.
func (r *Repository) Summary() string {
	var sb strings.Builder

	patients := make([]Patient, 0, len(r.patients))
	for _, p := range r.patients {
		patients = append(patients, p)
	}
	sort.Slice(patients, func(i, j int) bool { return patients[i].ID < patients[j].ID })

	for _, p := range patients {
		fmt.Fprintf(&sb, "Patient: %s\n", p.Name)
		fmt.Fprintf(&sb, "  ID: %s\n", p.ID)
		fmt.Fprintf(&sb, "  Birthdate: %s\n", p.BirthDate)
		fmt.Fprintf(&sb, "  Sex: %s\n", p.Sex)
		for _, st := range r.StudiesByPatient(p.ID) {
			fmt.Fprintf(&sb, "  Study: %s\n", st.UID)
			fmt.Fprintf(&sb, "    Date: %s\n", st.Date)
			fmt.Fprintf(&sb, "    Description: %s\n", st.Description)
			for _, se := range r.SeriesByStudy(st.UID) {
				images := r.ImagesBySeries(se.UID)
				fmt.Fprintf(&sb, "    Series: %s\n", se.UID)
				fmt.Fprintf(&sb, "      Modality: %s\n", se.Modality)
				fmt.Fprintf(&sb, "      Description: %s\n", se.Description)
				fmt.Fprintf(&sb, "      Images: %d\n", len(images))
				if len(images) > 0 {
					fmt.Fprintf(&sb, "      Size: %dx%d\n", images[0].Rows, images[0].Columns)
				}
			}
		}
	}
	return sb.String()
}

// LoadDirectories parses every regular file under dirs, including symbolic
// links to regular files, with numWorkers
// goroutines. Files that are not readable DICOM are logged and skipped; only
// a directory that cannot be walked is an error.
func LoadDirectories(ctx context.Context, dirs []string, numWorkers int) (*Repository, error) {
	var paths []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			switch {
			case d.Type().IsRegular():
				paths = append(paths, path)
			case d.Type()&fs.ModeSymlink != 0:
				// Dangling links and links to directories are ignored.
				if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
					paths = append(paths, path)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read directory %s: %w", dir, err)
		}
	}
	return LoadFiles(ctx, paths, numWorkers)
}

// LoadFiles parses the given files concurrently and builds a repository
// from the results.
func LoadFiles(ctx context.Context, paths []string, numWorkers int) (*Repository, error) {
	if numWorkers < 1 {
		numWorkers = 1
	}

	type parseResult struct {
		path string
		rec  *Record
		err  error
	}

	jobs := make(chan string)
	resultChan := make(chan parseResult)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				rec, err := ParseFile(path)
				resultChan <- parseResult{path: path, rec: rec, err: err}
			}
		}()
	}

	go func() {
	dispatch:
		for _, path := range paths {
			select {
			case <-ctx.Done():
				break dispatch
			case jobs <- path:
			}
		}
		close(jobs)
		wg.Wait()
		close(resultChan)
	}()

	repo := NewRepository()
	parsed, failed := 0, 0
	for res := range resultChan {
		if res.err != nil {
			failed++
			log.Debug().Err(res.err).Str("file", res.path).Msg("skipping file")
			continue
		}
		parsed++
		repo.Add(res.rec)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Info().Int("parsed", parsed).Int("skipped", failed).Int("series", len(repo.series)).Msg("loaded DICOM files")
	return repo, nil
}
