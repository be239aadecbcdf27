// Package dicomio is the thin layer between DICOM files and the volume
// assembler. It extracts only the attributes needed to place CT slices in
// patient space and indexes them by patient, study and series.
package dicomio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/pixel"
)

// ModalityCT is the only modality that produces volumes.
const ModalityCT = "CT"

var (
	// ErrMissingTag is returned when a mandatory attribute is absent.
	ErrMissingTag = errors.New("missing mandatory tag")

	// ErrUnsupportedTransferSyntax is returned for compressed or big-endian
	// pixel data.
	ErrUnsupportedTransferSyntax = errors.New("unsupported transfer syntax")

	// ErrUnsupportedPixelFormat is returned for images that are not 16-bit
	// single-sample.
	ErrUnsupportedPixelFormat = errors.New("unsupported pixel format")

	// ErrNotCT is returned when a series of another modality is asked for a
	// volume.
	ErrNotCT = errors.New("series is not CT")
)

// Transfer syntaxes whose pixel data is stored natively in little-endian order.
var nativeByteOrder = map[string]binary.ByteOrder{
	"1.2.840.10008.1.2":   binary.LittleEndian, // implicit VR little endian
	"1.2.840.10008.1.2.1": binary.LittleEndian, // explicit VR little endian
}

// Patient, Study and Series are the index records of a Repository.
type Patient struct {
	ID        string
	Name      string
	BirthDate string
	Sex       string
}

type Study struct {
	UID         string
	ID          string
	PatientID   string
	Date        string
	Description string
}

type Series struct {
	UID         string
	StudyUID    string
	Modality    string
	Description string
}

// Record is everything extracted from one DICOM file.
type Record struct {
	Patient *Patient
	Study   *Study
	Series  *Series
	Slice   *models.Slice
}

// ParseBytes parses an in-memory DICOM file.
func ParseBytes(data []byte) (*Record, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipProcessingPixelDataValue())
	if err != nil {
		return nil, fmt.Errorf("parse dicom: %w", err)
	}
	return FromDataset(ds)
}

// ParseFile parses a DICOM file on disk.
func ParseFile(path string) (*Record, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipProcessingPixelDataValue())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	rec, err := FromDataset(ds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if rec.Slice != nil {
		rec.Slice.Filename = path
	}
	return rec, nil
}

// FromDataset extracts the index records and, when the file is an image,
// the slice. Patient, study and series records are optional: a file that
// lacks their identifying tags simply leaves them nil.
func FromDataset(ds dicom.Dataset) (*Record, error) {
	rec := &Record{}

	if id, ok := stringValue(ds, tag.PatientID); ok {
		rec.Patient = &Patient{ID: id}
		rec.Patient.Name, _ = stringValue(ds, tag.PatientName)
		rec.Patient.BirthDate, _ = stringValue(ds, tag.PatientBirthDate)
		rec.Patient.Sex, _ = stringValue(ds, tag.PatientSex)
	}

	studyUID, hasStudy := stringValue(ds, tag.StudyInstanceUID)
	if hasStudy {
		rec.Study = &Study{UID: studyUID}
		rec.Study.ID, _ = stringValue(ds, tag.StudyID)
		rec.Study.Date, _ = stringValue(ds, tag.StudyDate)
		rec.Study.Description, _ = stringValue(ds, tag.StudyDescription)
		if rec.Patient != nil {
			rec.Study.PatientID = rec.Patient.ID
		}
	}

	seriesUID, hasSeries := stringValue(ds, tag.SeriesInstanceUID)
	if hasSeries {
		rec.Series = &Series{UID: seriesUID, StudyUID: studyUID}
		rec.Series.Modality, _ = stringValue(ds, tag.Modality)
		rec.Series.Description, _ = stringValue(ds, tag.SeriesDescription)
	}

	if _, err := ds.FindElementByTag(tag.PixelData); err != nil {
		return rec, nil
	}
	slice, err := sliceFromDataset(ds)
	if err != nil {
		return nil, err
	}
	slice.SeriesUID = seriesUID
	rec.Slice = slice
	return rec, nil
}

func sliceFromDataset(ds dicom.Dataset) (*models.Slice, error) {
	// A file without meta information is implicit VR little endian.
	order := binary.ByteOrder(binary.LittleEndian)
	if ts, ok := stringValue(ds, tag.TransferSyntaxUID); ok {
		if order, ok = nativeByteOrder[ts]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransferSyntax, ts)
		}
	}

	s := &models.Slice{ByteOrder: order}
	var ok bool
	if s.SOPInstanceUID, ok = stringValue(ds, tag.SOPInstanceUID); !ok {
		return nil, fmt.Errorf("%w: SOPInstanceUID", ErrMissingTag)
	}
	if s.Rows, ok = intValue(ds, tag.Rows); !ok {
		return nil, fmt.Errorf("%w: Rows", ErrMissingTag)
	}
	if s.Columns, ok = intValue(ds, tag.Columns); !ok {
		return nil, fmt.Errorf("%w: Columns", ErrMissingTag)
	}
	if bits, ok := intValue(ds, tag.BitsAllocated); ok && bits != 16 {
		return nil, fmt.Errorf("%w: %d bits allocated", ErrUnsupportedPixelFormat, bits)
	}
	if spp, ok := intValue(ds, tag.SamplesPerPixel); ok && spp != 1 {
		return nil, fmt.Errorf("%w: %d samples per pixel", ErrUnsupportedPixelFormat, spp)
	}

	if v, ok := floatValues(ds, tag.PixelSpacing, 2); ok {
		s.PixelSpacing = &[2]float64{v[0], v[1]}
	}
	if v, ok := floatValues(ds, tag.ImagePositionPatient, 3); ok {
		s.ImagePosition = &[3]float64{v[0], v[1], v[2]}
	}
	if v, ok := floatValues(ds, tag.ImageOrientationPatient, 6); ok {
		s.ImageOrientation = &[6]float64{v[0], v[1], v[2], v[3], v[4], v[5]}
	}
	s.SliceThickness = optionalFloat(ds, tag.SliceThickness)
	s.SpacingBetweenSlices = optionalFloat(ds, tag.SpacingBetweenSlices)
	s.RescaleSlope = optionalFloat(ds, tag.RescaleSlope)
	s.RescaleIntercept = optionalFloat(ds, tag.RescaleIntercept)
	s.WindowCenter = optionalFloat(ds, tag.WindowCenter)
	s.WindowWidth = optionalFloat(ds, tag.WindowWidth)
	if repr, ok := intValue(ds, tag.PixelRepresentation); ok {
		s.PixelRepresentation = pixel.Representation(repr)
	}

	raw, err := pixelBytes(ds)
	if err != nil {
		return nil, err
	}
	s.PixelData = raw
	return s, nil
}

func pixelBytes(ds dicom.Dataset) ([]byte, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("%w: PixelData", ErrMissingTag)
	}
	info, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, fmt.Errorf("%w: PixelData has value type %v", ErrUnsupportedPixelFormat, elem.Value.ValueType())
	}
	if info.IsEncapsulated {
		return nil, fmt.Errorf("%w: encapsulated pixel data", ErrUnsupportedTransferSyntax)
	}
	if !info.IntentionallyUnprocessed {
		return nil, fmt.Errorf("%w: pixel data was not kept raw", ErrUnsupportedPixelFormat)
	}
	return info.UnprocessedValueData, nil
}

// stringValue returns the first value of a string-typed element.
func stringValue(ds dicom.Dataset, t tag.Tag) (string, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return "", false
	}
	values, ok := elem.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return "", false
	}
	v := strings.TrimSpace(strings.TrimRight(values[0], "\x00"))
	return v, v != ""
}

// intValue reads US/SS elements and IS strings.
func intValue(ds dicom.Dataset, t tag.Tag) (int, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, false
	}
	switch values := elem.Value.GetValue().(type) {
	case []int:
		if len(values) > 0 {
			return values[0], true
		}
	case []string:
		if len(values) > 0 {
			n, err := strconv.Atoi(strings.TrimSpace(values[0]))
			return n, err == nil
		}
	}
	return 0, false
}

// floatValues reads n values from a DS (decimal string) or FD/FL element.
// A single backslash-joined string is split as well.
func floatValues(ds dicom.Dataset, t tag.Tag, n int) ([]float64, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}

	var out []float64
	switch values := elem.Value.GetValue().(type) {
	case []float64:
		out = values
	case []string:
		for _, v := range values {
			for _, part := range strings.Split(v, `\`) {
				f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
				if err != nil {
					return nil, false
				}
				out = append(out, f)
			}
		}
	}
	if len(out) < n {
		return nil, false
	}
	return out[:n], true
}

func optionalFloat(ds dicom.Dataset, t tag.Tag) *float64 {
	v, ok := floatValues(ds, t, 1)
	if !ok {
		return nil
	}
	return &v[0]
}
