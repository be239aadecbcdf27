// Package coord implements the 4x4 homogeneous matrix algebra and the
// coordinate bases used to move between voxel-index space, patient space
// and view planes.
package coord

import (
	"fmt"
	"strings"
)

// Float is the set of element types a Matrix4x4 can hold.
type Float interface {
	~float32 | ~float64
}

// Matrix4x4 is a 4x4 matrix stored flat in row-major order.
// The zero value is the zero matrix. Matrices are values: every operation
// returns a new matrix and leaves its operands untouched.
type Matrix4x4[T Float] struct {
	data [16]T
}

// Identity returns the 4x4 identity matrix.
func Identity[T Float]() Matrix4x4[T] {
	var m Matrix4x4[T]
	for i := 0; i < 4; i++ {
		m.data[i*4+i] = 1
	}
	return m
}

// FromArray builds a matrix from 16 values given in row-major order.
func FromArray[T Float](values [16]T) Matrix4x4[T] {
	return Matrix4x4[T]{data: values}
}

// FromRows builds a matrix from its four rows.
func FromRows[T Float](rows [4][4]T) Matrix4x4[T] {
	var m Matrix4x4[T]
	for i := 0; i < 4; i++ {
		copy(m.data[i*4:i*4+4], rows[i][:])
	}
	return m
}

// Diagonal returns a matrix with the given values on its diagonal.
func Diagonal[T Float](a, b, c, d T) Matrix4x4[T] {
	var m Matrix4x4[T]
	m.data[0], m.data[5], m.data[10], m.data[15] = a, b, c, d
	return m
}

// Convert changes the element precision of a matrix.
func Convert[U, T Float](m Matrix4x4[T]) Matrix4x4[U] {
	var out Matrix4x4[U]
	for i, v := range m.data {
		out.data[i] = U(v)
	}
	return out
}

// At returns the element at row i, column j.
func (m Matrix4x4[T]) At(i, j int) T {
	return m.data[i*4+j]
}

// With returns a copy of m with the element at row i, column j replaced.
func (m Matrix4x4[T]) With(i, j int, v T) Matrix4x4[T] {
	m.data[i*4+j] = v
	return m
}

// Flatten returns the 16 elements in row-major order.
func (m Matrix4x4[T]) Flatten() [16]T {
	return m.data
}

// Rows returns the matrix as four row arrays.
func (m Matrix4x4[T]) Rows() [4][4]T {
	var rows [4][4]T
	for i := 0; i < 4; i++ {
		copy(rows[i][:], m.data[i*4:i*4+4])
	}
	return rows
}

// Row returns row i.
func (m Matrix4x4[T]) Row(i int) [4]T {
	var r [4]T
	copy(r[:], m.data[i*4:i*4+4])
	return r
}

// Column returns column j. Column 3 holds the translation of an affine map.
func (m Matrix4x4[T]) Column(j int) [4]T {
	return [4]T{m.data[j], m.data[4+j], m.data[8+j], m.data[12+j]}
}

// Multiply returns m * o.
func (m Matrix4x4[T]) Multiply(o Matrix4x4[T]) Matrix4x4[T] {
	var out Matrix4x4[T]
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum T
			for k := 0; k < 4; k++ {
				sum += m.data[i*4+k] * o.data[k*4+j]
			}
			out.data[i*4+j] = sum
		}
	}
	return out
}

// Apply multiplies m by the column vector v. Use w=1 for points and w=0
// for directions.
func (m Matrix4x4[T]) Apply(v [4]T) [4]T {
	var out [4]T
	for i := 0; i < 4; i++ {
		out[i] = m.data[i*4]*v[0] + m.data[i*4+1]*v[1] + m.data[i*4+2]*v[2] + m.data[i*4+3]*v[3]
	}
	return out
}

// Transpose swaps rows and columns. It is the row-major to column-major
// layout conversion, not an inverse.
func (m Matrix4x4[T]) Transpose() Matrix4x4[T] {
	var out Matrix4x4[T]
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out.data[j*4+i] = m.data[i*4+j]
		}
	}
	return out
}

// Invert returns the inverse of m computed by Gauss-Jordan elimination with
// partial pivoting. The boolean is false when a pivot is exactly zero.
// Ill-conditioned matrices with tiny non-zero pivots still succeed; use
// InvertTolerance to reject them.
func (m Matrix4x4[T]) Invert() (Matrix4x4[T], bool) {
	return m.InvertTolerance(0)
}

// InvertTolerance is Invert with every pivot whose magnitude is <= tol
// treated as zero.
func (m Matrix4x4[T]) InvertTolerance(tol T) (Matrix4x4[T], bool) {
	// augmented [A | I]
	var aug [4][8]T
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			aug[i][j] = m.data[i*4+j]
		}
		aug[i][i+4] = 1
	}

	for i := 0; i < 4; i++ {
		maxRow := i
		for k := i + 1; k < 4; k++ {
			if abs(aug[k][i]) > abs(aug[maxRow][i]) {
				maxRow = k
			}
		}
		if abs(aug[maxRow][i]) <= tol {
			return Matrix4x4[T]{}, false
		}
		aug[i], aug[maxRow] = aug[maxRow], aug[i]

		pivot := aug[i][i]
		for j := 0; j < 8; j++ {
			aug[i][j] /= pivot
		}

		for k := 0; k < 4; k++ {
			if k == i {
				continue
			}
			factor := aug[k][i]
			for j := 0; j < 8; j++ {
				aug[k][j] -= factor * aug[i][j]
			}
		}
	}

	var inv Matrix4x4[T]
	for i := 0; i < 4; i++ {
		copy(inv.data[i*4:i*4+4], aug[i][4:])
	}
	return inv, true
}

// ApproxEqual reports whether every element of m is within tol of o.
func (m Matrix4x4[T]) ApproxEqual(o Matrix4x4[T], tol T) bool {
	for i := range m.data {
		if abs(m.data[i]-o.data[i]) > tol {
			return false
		}
	}
	return true
}

// String prints one bracketed row per line.
func (m Matrix4x4[T]) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < 4; i++ {
		if i > 0 {
			sb.WriteString("\n ")
		}
		fmt.Fprintf(&sb, "%v", m.Row(i))
	}
	sb.WriteString("]")
	return sb.String()
}

func abs[T Float](v T) T {
	if v < 0 {
		return -v
	}
	return v
}
