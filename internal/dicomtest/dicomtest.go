// Package dicomtest writes small synthetic CT files for tests.
package dicomtest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Defaults filled in for empty Image fields.
const (
	StudyUID  = "1.2.3.4"
	PatientID = "P001"

	ctImageStorage      = "1.2.840.10008.5.1.4.1.1.2"
	explicitVRLittleEnd = "1.2.840.10008.1.2.1"
)

// Image describes one file. Pixels are stored unsigned with a rescale
// intercept of -1024, as scanners commonly do.
type Image struct {
	SOPInstanceUID string
	SeriesUID      string
	StudyUID       string
	PatientID      string
	Modality       string
	Rows, Columns  int
	Z              float64
	Values         []uint16
}

func mustNewElement(tb testing.TB, t tag.Tag, data any) *dicom.Element {
	tb.Helper()
	elem, err := dicom.NewElement(t, data)
	if err != nil {
		tb.Fatalf("NewElement(%v): %v", t, err)
	}
	return elem
}

// Encode writes img as an explicit VR little endian DICOM file.
func Encode(tb testing.TB, img Image) []byte {
	tb.Helper()
	if img.StudyUID == "" {
		img.StudyUID = StudyUID
	}
	if img.PatientID == "" {
		img.PatientID = PatientID
	}
	if img.Modality == "" {
		img.Modality = "CT"
	}

	nativeFrame := frame.NativeFrame{
		Data:          make([][]int, img.Rows*img.Columns),
		Rows:          img.Rows,
		Cols:          img.Columns,
		BitsPerSample: 16,
	}
	for i := range nativeFrame.Data {
		nativeFrame.Data[i] = []int{0}
		if i < len(img.Values) {
			nativeFrame.Data[i][0] = int(img.Values[i])
		}
	}

	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustNewElement(tb, tag.MediaStorageSOPClassUID, []string{ctImageStorage}),
		mustNewElement(tb, tag.MediaStorageSOPInstanceUID, []string{img.SOPInstanceUID}),
		mustNewElement(tb, tag.TransferSyntaxUID, []string{explicitVRLittleEnd}),
		mustNewElement(tb, tag.PatientName, []string{"Doe^Jane"}),
		mustNewElement(tb, tag.PatientID, []string{img.PatientID}),
		mustNewElement(tb, tag.PatientBirthDate, []string{"19700101"}),
		mustNewElement(tb, tag.PatientSex, []string{"F"}),
		mustNewElement(tb, tag.StudyInstanceUID, []string{img.StudyUID}),
		mustNewElement(tb, tag.StudyID, []string{"S1"}),
		mustNewElement(tb, tag.StudyDate, []string{"20240101"}),
		mustNewElement(tb, tag.StudyDescription, []string{"CHEST"}),
		mustNewElement(tb, tag.SeriesInstanceUID, []string{img.SeriesUID}),
		mustNewElement(tb, tag.SeriesDescription, []string{"AXIAL"}),
		mustNewElement(tb, tag.Modality, []string{img.Modality}),
		mustNewElement(tb, tag.SOPClassUID, []string{ctImageStorage}),
		mustNewElement(tb, tag.SOPInstanceUID, []string{img.SOPInstanceUID}),
		mustNewElement(tb, tag.PixelSpacing, []string{"0.5", "0.75"}),
		mustNewElement(tb, tag.SliceThickness, []string{"2.0"}),
		mustNewElement(tb, tag.ImagePositionPatient, []string{"-10", "-20", fmt.Sprintf("%.1f", img.Z)}),
		mustNewElement(tb, tag.ImageOrientationPatient, []string{"1", "0", "0", "0", "1", "0"}),
		mustNewElement(tb, tag.RescaleSlope, []string{"1"}),
		mustNewElement(tb, tag.RescaleIntercept, []string{"-1024"}),
		mustNewElement(tb, tag.WindowCenter, []string{"40"}),
		mustNewElement(tb, tag.WindowWidth, []string{"400"}),
		mustNewElement(tb, tag.Rows, []int{img.Rows}),
		mustNewElement(tb, tag.Columns, []int{img.Columns}),
		mustNewElement(tb, tag.BitsAllocated, []int{16}),
		mustNewElement(tb, tag.BitsStored, []int{16}),
		mustNewElement(tb, tag.HighBit, []int{15}),
		mustNewElement(tb, tag.PixelRepresentation, []int{0}),
		mustNewElement(tb, tag.SamplesPerPixel, []int{1}),
		mustNewElement(tb, tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		mustNewElement(tb, tag.PixelData, dicom.PixelDataInfo{
			Frames: []*frame.Frame{{Encapsulated: false, NativeData: nativeFrame}},
		}),
	}}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, ds); err != nil {
		tb.Fatalf("dicom.Write: %v", err)
	}
	return buf.Bytes()
}

// WriteFiles encodes each image into dir as <SOPInstanceUID>.dcm.
func WriteFiles(tb testing.TB, dir string, images ...Image) {
	tb.Helper()
	for _, img := range images {
		path := filepath.Join(dir, img.SOPInstanceUID+".dcm")
		if err := os.WriteFile(path, Encode(tb, img), 0o644); err != nil {
			tb.Fatal(err)
		}
	}
}
