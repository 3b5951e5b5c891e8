// Package geom provides rigid 3-D transforms for expressing sensor poses
// and moving points between named coordinate frames.
//
// A Transform is rotation-then-translation. Rotations are unit quaternions
// (gonum spatial/r3), translations are vectors in metres. The [16]float64
// row-major matrix form is used only at the edges: wire encoding, storage
// and operator-supplied calibration.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Transform is a rigid transform in SE(3): a rotation R followed by a
// translation T. Applying it to a point p yields R*p + T.
type Transform struct {
	R r3.Rotation
	T r3.Vec
}

// Identity returns the transform that maps every point to itself.
func Identity() Transform {
	return Transform{R: r3.Rotation(quat.Number{Real: 1})}
}

// Translate returns a pure translation by (x, y, z).
func Translate(x, y, z float64) Transform {
	t := Identity()
	t.T = r3.Vec{X: x, Y: y, Z: z}
	return t
}

// RotateZ returns a pure rotation of rad radians about the +Z axis.
func RotateZ(rad float64) Transform {
	return Transform{R: r3.NewRotation(rad, r3.Vec{Z: 1})}
}

// AxisAngle returns a pure rotation of rad radians about the given axis.
// The axis need not be unit length; a zero axis yields the identity.
func AxisAngle(axis r3.Vec, rad float64) Transform {
	if axis == (r3.Vec{}) {
		return Identity()
	}
	return Transform{R: r3.NewRotation(rad, axis)}
}

// FromQuat builds a transform from quaternion components (w, x, y, z)
// and a translation. The quaternion is normalised; a zero quaternion
// yields the identity rotation.
func FromQuat(w, x, y, z, tx, ty, tz float64) Transform {
	q := quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	} else {
		q = quat.Number{Real: 1}
	}
	return Transform{R: r3.Rotation(q), T: r3.Vec{X: tx, Y: ty, Z: tz}}
}

// Quat returns the rotation's quaternion components (w, x, y, z).
func (t Transform) Quat() (w, x, y, z float64) {
	q := quat.Number(t.R)
	return q.Real, q.Imag, q.Jmag, q.Kmag
}

// Compose returns a·b, the transform equivalent to applying b first and
// then a. Compose(Tab, Tbc) chains frame c into frame a.
func Compose(a, b Transform) Transform {
	return Transform{
		R: r3.Rotation(quat.Mul(quat.Number(a.R), quat.Number(b.R))),
		T: r3.Add(a.R.Rotate(b.T), a.T),
	}
}

// Invert returns the inverse transform, such that
// Compose(t, Invert(t)) is the identity within rounding.
func (t Transform) Invert() Transform {
	qi := quat.Conj(quat.Number(t.R))
	ri := r3.Rotation(qi)
	return Transform{R: ri, T: r3.Scale(-1, ri.Rotate(t.T))}
}

// Apply maps the point (x, y, z) through the transform and returns the
// resulting coordinates.
func (t Transform) Apply(x, y, z float64) (wx, wy, wz float64) {
	v := t.R.Rotate(r3.Vec{X: x, Y: y, Z: z})
	return v.X + t.T.X, v.Y + t.T.Y, v.Z + t.T.Z
}

// ApplyVec is Apply for callers already holding an r3.Vec.
func (t Transform) ApplyVec(p r3.Vec) r3.Vec {
	return r3.Add(t.R.Rotate(p), t.T)
}

// nlerpThreshold is the quaternion dot product above which slerp falls
// back to normalised lerp: the arc is too small for sin() to be stable.
const nlerpThreshold = 0.9995

// Interpolate returns the pose at fraction u along the motion from a to b:
// linear interpolation of translation, spherical linear interpolation of
// rotation (shortest arc). u is not clamped; u=0 yields a, u=1 yields b.
func Interpolate(a, b Transform, u float64) Transform {
	qa := quat.Number(a.R)
	qb := quat.Number(b.R)

	dot := qa.Real*qb.Real + qa.Imag*qb.Imag + qa.Jmag*qb.Jmag + qa.Kmag*qb.Kmag
	if dot < 0 {
		// Negated quaternion is the same rotation; take the short way round.
		qb = quat.Scale(-1, qb)
		dot = -dot
	}

	var q quat.Number
	if dot > nlerpThreshold {
		q = quat.Add(quat.Scale(1-u, qa), quat.Scale(u, qb))
	} else {
		theta := math.Acos(dot)
		sinTheta := math.Sin(theta)
		q = quat.Add(
			quat.Scale(math.Sin((1-u)*theta)/sinTheta, qa),
			quat.Scale(math.Sin(u*theta)/sinTheta, qb),
		)
	}
	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	} else {
		q = quat.Number{Real: 1}
	}

	return Transform{
		R: r3.Rotation(q),
		T: r3.Add(r3.Scale(1-u, a.T), r3.Scale(u, b.T)),
	}
}
