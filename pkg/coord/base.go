package coord

import (
	"errors"
	"fmt"
)

// ErrSingularMatrix is returned when a transform needs the inverse of a
// matrix that has none.
var ErrSingularMatrix = errors.New("singular matrix")

// WorldLabel is the label of the ambient patient frame.
const WorldLabel = "world"

// Base is an affine frame of reference: Matrix maps coordinates local to the
// frame into the enclosing reference frame. Label is only used in
// diagnostics.
type Base struct {
	Label  string
	Matrix Matrix4x4[float32]
}

// NewBase pairs a label with a matrix.
func NewBase(label string, m Matrix4x4[float32]) Base {
	return Base{Label: label, Matrix: m}
}

// WorldBase returns the identity frame.
func WorldBase() Base {
	return Base{Label: WorldLabel, Matrix: Identity[float32]()}
}

// ToBase returns the transform that expresses a point given in b's local
// coordinates in other's local coordinates: inverse(other) * b.
func (b Base) ToBase(other Base) (Matrix4x4[float32], error) {
	inv, ok := other.Matrix.Invert()
	if !ok {
		return Matrix4x4[float32]{}, fmt.Errorf("base %q: %w", other.Label, ErrSingularMatrix)
	}
	return inv.Multiply(b.Matrix), nil
}

// Compose returns a new base whose matrix is b.Matrix * m.
func (b Base) Compose(label string, m Matrix4x4[float32]) Base {
	return Base{Label: label, Matrix: b.Matrix.Multiply(m)}
}

// Origin returns the translation part of the base.
func (b Base) Origin() [3]float32 {
	c := b.Matrix.Column(3)
	return [3]float32{c[0], c[1], c[2]}
}

func (b Base) String() string {
	return fmt.Sprintf("Base %q\n%s", b.Label, b.Matrix)
}
