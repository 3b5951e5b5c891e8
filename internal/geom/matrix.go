package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// IdentityMatrix is the 4x4 row-major identity transform, handy as a
// default for calibration fields.
var IdentityMatrix = [16]float64{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

// matrixValidationTolerance bounds how far the rotation block's
// determinant may drift from 1 before the matrix is rejected.
const matrixValidationTolerance = 0.01

// Matrix returns the transform as a 4x4 row-major homogeneous matrix.
func (t Transform) Matrix() [16]float64 {
	q := quat.Number(t.R)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	return [16]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y), t.T.X,
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x), t.T.Y,
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y), t.T.Z,
		0, 0, 0, 1,
	}
}

// FromMatrix builds a Transform from a 4x4 row-major homogeneous matrix.
// The rotation block is converted via the trace method; callers holding
// untrusted matrices should check ValidMatrix first.
func FromMatrix(m [16]float64) Transform {
	r00, r01, r02 := m[0], m[1], m[2]
	r10, r11, r12 := m[4], m[5], m[6]
	r20, r21, r22 := m[8], m[9], m[10]

	var q quat.Number
	switch tr := r00 + r11 + r22; {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{Real: s / 4, Imag: (r21 - r12) / s, Jmag: (r02 - r20) / s, Kmag: (r10 - r01) / s}
	case r00 > r11 && r00 > r22:
		s := math.Sqrt(1+r00-r11-r22) * 2
		q = quat.Number{Real: (r21 - r12) / s, Imag: s / 4, Jmag: (r01 + r10) / s, Kmag: (r02 + r20) / s}
	case r11 > r22:
		s := math.Sqrt(1+r11-r00-r22) * 2
		q = quat.Number{Real: (r02 - r20) / s, Imag: (r01 + r10) / s, Jmag: s / 4, Kmag: (r12 + r21) / s}
	default:
		s := math.Sqrt(1+r22-r00-r11) * 2
		q = quat.Number{Real: (r10 - r01) / s, Imag: (r02 + r20) / s, Jmag: (r12 + r21) / s, Kmag: s / 4}
	}
	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	} else {
		q = quat.Number{Real: 1}
	}

	return Transform{
		R: r3.Rotation(q),
		T: r3.Vec{X: m[3], Y: m[7], Z: m[11]},
	}
}

// ValidMatrix reports whether m is a proper rigid transform: orthonormal
// rotation block (det ≈ 1) and homogeneous last row [0 0 0 1].
func ValidMatrix(m [16]float64) bool {
	r00, r01, r02 := m[0], m[1], m[2]
	r10, r11, r12 := m[4], m[5], m[6]
	r20, r21, r22 := m[8], m[9], m[10]

	det := r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
	if math.Abs(det-1) > matrixValidationTolerance {
		return false
	}
	if m[12] != 0 || m[13] != 0 || m[14] != 0 || math.Abs(m[15]-1) > 0.001 {
		return false
	}
	return true
}
