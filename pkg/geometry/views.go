// Package geometry derives the per-view coordinate bases that parametrize
// how a rendering view samples a CT volume.
//
// A view base maps screen coordinates (u, v, s), each in [0, 1], into
// patient space: u and v span the view plane and s moves the plane through
// the volume. Combined with UVBase, which maps normalized voxel indices into
// patient space, it gives the screen-to-volume sampling transform.
package geometry

import (
	"fmt"
	"math"
	"strings"

	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/coord"
)

// Display framing constants for the non-transverse views. They were tuned
// by eye to frame typical CT series and are not geometric derivations.
const (
	// SagittalSlabDivisor sets the sagittal slab depth to d/SagittalSlabDivisor.
	SagittalSlabDivisor = 4.0
	// SagittalCenterDivisor shifts the sagittal plane by d/SagittalCenterDivisor
	// to center the slab.
	SagittalCenterDivisor = 2.8
	// CoronalSlabDivisor sets the coronal (and oblique) slab depth to
	// d/CoronalSlabDivisor.
	CoronalSlabDivisor = 2.0
)

// ObliqueRotation is the fixed rotation applied to the coronal framing to
// produce the oblique cut plane.
var ObliqueRotation = coord.FromArray([16]float32{
	0.9330, 0.2500, -0.2588, 0.0,
	-0.1853, 0.9504, 0.2500, 0.0,
	0.3085, -0.1853, 0.9330, 0.0,
	0.0, 0.0, 0.0, 1.0,
})

// ViewKind names a rendering view.
type ViewKind int

const (
	Transverse ViewKind = iota
	Sagittal
	Coronal
	Oblique
)

// AllViews lists every view kind in layout order.
var AllViews = []ViewKind{Transverse, Sagittal, Coronal, Oblique}

func (k ViewKind) String() string {
	switch k {
	case Transverse:
		return "transverse"
	case Sagittal:
		return "sagittal"
	case Coronal:
		return "coronal"
	case Oblique:
		return "oblique"
	}
	return fmt.Sprintf("ViewKind(%d)", int(k))
}

// ParseViewKind accepts the lower-case view names ("axial" is an alias of
// "transverse").
func ParseViewKind(s string) (ViewKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transverse", "axial":
		return Transverse, nil
	case "sagittal":
		return Sagittal, nil
	case "coronal":
		return Coronal, nil
	case "oblique":
		return Oblique, nil
	}
	return 0, fmt.Errorf("unknown view %q", s)
}

// frame holds the quantities shared by every view derivation.
type frame struct {
	nx, ny, nz float32
	sx, sy, sz float32
	ox, oy, oz float32
	d          float32
}

func newFrame(vol *models.Volume) frame {
	f := frame{
		nx: float32(vol.Dimensions.Columns - 1),
		ny: float32(vol.Dimensions.Rows - 1),
		nz: float32(vol.Dimensions.Slices - 1),
		sx: float32(vol.Spacing.X),
		sy: float32(vol.Spacing.Y),
		sz: float32(vol.Spacing.Z),
	}
	o := vol.Base.Origin()
	f.ox, f.oy, f.oz = o[0], o[1], o[2]
	f.d = float32(math.Max(float64(f.nx*f.sx), float64(f.ny*f.sy)))
	return f
}

// UVBase scales the volume base so that normalized coordinates in [0, 1]
// cover the whole voxel grid.
func UVBase(vol *models.Volume) coord.Base {
	f := newFrame(vol)
	return vol.Base.Compose("CT volume: UV", coord.Diagonal(f.nx, f.ny, f.nz, 1))
}

// TransverseBase is an axis-aligned square covering the larger in-plane
// extent, with the slab spanning all slices.
func TransverseBase(vol *models.Volume) coord.Base {
	f := newFrame(vol)
	dz := f.sz * f.nz
	return coord.NewBase("CT volume: transverse", coord.FromArray([16]float32{
		f.d, 0, 0, f.ox,
		0, f.d, 0, f.oy,
		0, 0, dz, f.oz,
		0, 0, 0, 1,
	}))
}

// SagittalBase frames a plane perpendicular to the transverse plane through
// roughly the middle of the volume.
func SagittalBase(vol *models.Volume) coord.Base {
	f := newFrame(vol)
	d := f.d
	return coord.NewBase("CT volume: sagittal", coord.FromArray([16]float32{
		d, 0, 0, f.ox,
		0, 0, d / SagittalSlabDivisor, (f.oy+f.ny*f.sy)/2 - d/SagittalCenterDivisor,
		0, -d, 0, f.oz + f.nz*f.sz/2 + d/2,
		0, 0, 0, 1,
	}))
}

// CoronalBase frames a plane perpendicular to the transverse plane along
// the other in-plane axis.
func CoronalBase(vol *models.Volume) coord.Base {
	return coord.NewBase("CT volume: coronal", coronalMatrix(newFrame(vol)))
}

// ObliqueBase is the coronal framing rotated by ObliqueRotation.
func ObliqueBase(vol *models.Volume) coord.Base {
	m := coronalMatrix(newFrame(vol)).Multiply(ObliqueRotation)
	return coord.NewBase("CT volume: oblique", m)
}

func coronalMatrix(f frame) coord.Matrix4x4[float32] {
	d := f.d
	return coord.FromArray([16]float32{
		0, 0, d / CoronalSlabDivisor, (f.ox+f.nx*f.sx)/2 - d/2,
		d, 0, 0, f.oy,
		0, -d, 0, f.oz + f.nz*f.sz/2 + d/2,
		0, 0, 0, 1,
	})
}

// Build returns the base of the given view.
func Build(vol *models.Volume, kind ViewKind) (coord.Base, error) {
	switch kind {
	case Transverse:
		return TransverseBase(vol), nil
	case Sagittal:
		return SagittalBase(vol), nil
	case Coronal:
		return CoronalBase(vol), nil
	case Oblique:
		return ObliqueBase(vol), nil
	}
	return coord.Base{}, fmt.Errorf("unknown view %v", kind)
}

// ScreenToUV returns the row-major transform from a view's screen
// coordinates into the volume's normalized UV coordinates.
func ScreenToUV(vol *models.Volume, kind ViewKind) (coord.Matrix4x4[float32], error) {
	screen, err := Build(vol, kind)
	if err != nil {
		return coord.Matrix4x4[float32]{}, err
	}
	m, err := screen.ToBase(UVBase(vol))
	if err != nil {
		return coord.Matrix4x4[float32]{}, fmt.Errorf("%s view: %w", kind, err)
	}
	return m, nil
}

// ColumnMajor lays m out column by column, the order graphics APIs expect
// for uniform upload.
func ColumnMajor(m coord.Matrix4x4[float32]) [16]float32 {
	return m.Transpose().Flatten()
}

// View is a derived view ready to hand to a renderer.
type View struct {
	Kind ViewKind
	Base coord.Base
	// Transform maps screen coordinates to UV coordinates, row-major
	Transform coord.Matrix4x4[float32]
}

// BuildViews derives the requested views of vol.
func BuildViews(vol *models.Volume, kinds ...ViewKind) ([]View, error) {
	if len(kinds) == 0 {
		kinds = AllViews
	}
	views := make([]View, 0, len(kinds))
	for _, k := range kinds {
		base, err := Build(vol, k)
		if err != nil {
			return nil, err
		}
		m, err := base.ToBase(UVBase(vol))
		if err != nil {
			return nil, fmt.Errorf("%s view: %w", k, err)
		}
		views = append(views, View{Kind: k, Base: base, Transform: m})
	}
	return views, nil
}
