// Package pixel decodes raw 16-bit DICOM pixel data into rescaled signed
// samples (Hounsfield units for CT).
package pixel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// BytesPerSample is the only sample width the decoder accepts.
const BytesPerSample = 2

var (
	// ErrMalformedPixelBuffer is returned when the byte buffer does not hold
	// a whole number of samples, or not the expected number of them.
	ErrMalformedPixelBuffer = errors.New("malformed pixel buffer")

	// ErrUnsupportedRepresentation is returned for pixel representation
	// values other than 0 (unsigned) and 1 (signed).
	ErrUnsupportedRepresentation = errors.New("unsupported pixel representation")

	// ErrSampleOverflow is returned under the Reject policy when a rescaled
	// sample does not fit in 16 bits.
	ErrSampleOverflow = errors.New("rescaled sample overflows int16")
)

// Representation is the DICOM Pixel Representation (0028,0103).
type Representation uint16

const (
	Unsigned Representation = 0
	Signed   Representation = 1
)

func (r Representation) String() string {
	switch r {
	case Unsigned:
		return "unsigned"
	case Signed:
		return "signed"
	}
	return fmt.Sprintf("Representation(%d)", uint16(r))
}

// Rescale is the linear calibration value' = raw*Slope + Intercept.
type Rescale struct {
	Slope     float64
	Intercept float64
}

// DefaultRescale is used when a slice carries no rescale tags.
func DefaultRescale() Rescale {
	return Rescale{Slope: 1, Intercept: 0}
}

// OverflowPolicy decides what happens to rescaled values outside the int16
// range.
type OverflowPolicy int

const (
	// Saturate clamps to [math.MinInt16, math.MaxInt16] and counts the
	// clamped samples.
	Saturate OverflowPolicy = iota
	// Reject fails the whole buffer on the first out-of-range sample.
	Reject
)

// ParseOverflowPolicy maps "saturate" or "reject" to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "saturate":
		return Saturate, nil
	case "reject":
		return Reject, nil
	}
	return Saturate, fmt.Errorf("unknown overflow policy %q", s)
}

func (p OverflowPolicy) String() string {
	if p == Reject {
		return "reject"
	}
	return "saturate"
}

// Decoder turns raw pixel bytes into int16 samples. The zero value decodes
// little-endian data, which is how native DICOM pixel data is stored, and
// saturates on overflow.
type Decoder struct {
	ByteOrder binary.ByteOrder
	Overflow  OverflowPolicy
}

// Result is the output of one Decode call.
type Result struct {
	Samples []int16
	// Saturated counts samples clamped under the Saturate policy.
	Saturated int
}

// Decode converts raw into rescaled samples. When expected is positive the
// buffer must contain exactly that many samples.
func (d Decoder) Decode(raw []byte, repr Representation, rescale Rescale, expected int) (Result, error) {
	if len(raw)%BytesPerSample != 0 {
		return Result{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedPixelBuffer, len(raw), BytesPerSample)
	}
	n := len(raw) / BytesPerSample
	if expected > 0 && n != expected {
		return Result{}, fmt.Errorf("%w: got %d samples, want %d", ErrMalformedPixelBuffer, n, expected)
	}
	if repr != Unsigned && repr != Signed {
		return Result{}, fmt.Errorf("%w: %d", ErrUnsupportedRepresentation, uint16(repr))
	}

	order := d.ByteOrder
	if order == nil {
		order = binary.LittleEndian
	}

	res := Result{Samples: make([]int16, n)}
	for i := 0; i < n; i++ {
		u := order.Uint16(raw[i*BytesPerSample:])
		var v int32
		if repr == Signed {
			v = int32(int16(u))
		} else {
			v = int32(u)
		}

		scaled := math.Round(float64(v)*rescale.Slope + rescale.Intercept)
		s, clamped := narrow(scaled)
		if clamped {
			if d.Overflow == Reject {
				return Result{}, fmt.Errorf("%w: sample %d rescales to %v", ErrSampleOverflow, i, scaled)
			}
			res.Saturated++
		}
		res.Samples[i] = s
	}
	return res, nil
}

// Decode decodes little-endian data with the saturating policy.
func Decode(raw []byte, repr Representation, rescale Rescale) ([]int16, error) {
	res, err := Decoder{}.Decode(raw, repr, rescale, 0)
	if err != nil {
		return nil, err
	}
	return res.Samples, nil
}

func narrow(v float64) (int16, bool) {
	switch {
	case math.IsNaN(v):
		return 0, true
	case v > math.MaxInt16:
		return math.MaxInt16, true
	case v < math.MinInt16:
		return math.MinInt16, true
	}
	return int16(v), false
}
