package reconstruction

import (
	"errors"
	"fmt"
	"strings"

	"ctslicesto3d/pkg/coord"
	"ctslicesto3d/pkg/pixel"
)

var (
	// ErrEmptySeries is returned when there is nothing to assemble.
	ErrEmptySeries = errors.New("no slices found")

	// ErrNoUsableSlices is returned when every slice was dropped.
	ErrNoUsableSlices = fmt.Errorf("no usable slices: %w", ErrEmptySeries)

	// ErrMissingRequiredGeometry marks a slice that cannot be placed in space.
	ErrMissingRequiredGeometry = errors.New("missing required geometry")

	// ErrInconsistentGeometry marks a series whose slices disagree on size.
	ErrInconsistentGeometry = errors.New("inconsistent geometry")

	// Re-exported so callers can match the whole taxonomy from one package.
	ErrMalformedPixelBuffer = pixel.ErrMalformedPixelBuffer
	ErrSingularMatrix       = coord.ErrSingularMatrix
)

// SliceError records why one slice was left out of a volume.
type SliceError struct {
	// Index is the slice's position in the caller's input
	Index          int
	SOPInstanceUID string
	Err            error
}

func (e *SliceError) Error() string {
	if e.SOPInstanceUID != "" {
		return fmt.Sprintf("slice %d (%s): %v", e.Index, e.SOPInstanceUID, e.Err)
	}
	return fmt.Sprintf("slice %d: %v", e.Index, e.Err)
}

func (e *SliceError) Unwrap() error { return e.Err }

// MissingGeometryError lists the geometry attributes a slice lacks.
type MissingGeometryError struct {
	SOPInstanceUID string
	Fields         []string
}

func (e *MissingGeometryError) Error() string {
	return fmt.Sprintf("%v: %s lacks %s", ErrMissingRequiredGeometry, describe(e.SOPInstanceUID), strings.Join(e.Fields, ", "))
}

func (e *MissingGeometryError) Unwrap() error { return ErrMissingRequiredGeometry }

// InconsistentGeometryError reports a slice whose grid differs from the
// reference slice.
type InconsistentGeometryError struct {
	SOPInstanceUID string
	// Want and Got are (rows, columns)
	Want, Got [2]int
}

func (e *InconsistentGeometryError) Error() string {
	return fmt.Sprintf("%v: %s is %dx%d, series is %dx%d", ErrInconsistentGeometry,
		describe(e.SOPInstanceUID), e.Got[0], e.Got[1], e.Want[0], e.Want[1])
}

func (e *InconsistentGeometryError) Unwrap() error { return ErrInconsistentGeometry }

// PartialAssemblyError is returned together with a volume when some slices
// had to be skipped. The volume is usable but should be shown with a
// warning.
type PartialAssemblyError struct {
	Total   int
	Used    int
	Skipped []SliceError
}

func (e *PartialAssemblyError) Error() string {
	return fmt.Sprintf("partial volume: %d of %d slices usable (%d skipped)", e.Used, e.Total, len(e.Skipped))
}

// Unwrap exposes the individual slice errors to errors.Is and errors.As.
func (e *PartialAssemblyError) Unwrap() []error {
	errs := make([]error, len(e.Skipped))
	for i := range e.Skipped {
		errs[i] = &e.Skipped[i]
	}
	return errs
}

func describe(uid string) string {
	if uid == "" {
		return "slice"
	}
	return "slice " + uid
}
