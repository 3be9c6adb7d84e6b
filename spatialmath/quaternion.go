// Package spatialmath defines the rigid-body math used by the spline calibrator.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// If a rotation angle is smaller than this, series expansions are used in the
// exp/log maps to avoid dividing by a vanishing sine.
const smallAngle = 1e-10

// QuatExp converts a rotation vector (axis scaled by angle, in radians) to a
// unit quaternion.
func QuatExp(v r3.Vector) quat.Number {
	theta := v.Norm()
	if theta < smallAngle {
		// sin(t/2)/t ~ 1/2 - t^2/48
		s := 0.5 - theta*theta/48.
		return QuatNormalize(quat.Number{Real: 1 - theta*theta/8., Imag: v.X * s, Jmag: v.Y * s, Kmag: v.Z * s})
	}
	s := math.Sin(theta/2.) / theta
	return quat.Number{Real: math.Cos(theta / 2.), Imag: v.X * s, Jmag: v.Y * s, Kmag: v.Z * s}
}

// QuatLog converts a unit quaternion to its rotation vector, the inverse of QuatExp.
// The result always has angle in [0, pi].
func QuatLog(q quat.Number) r3.Vector {
	if q.Real < 0 {
		// q and -q are the same rotation, take the shorter path
		q = quat.Scale(-1, q)
	}
	im := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinHalf := im.Norm()
	if sinHalf < smallAngle {
		return im.Mul(2.)
	}
	theta := 2. * math.Atan2(sinHalf, q.Real)
	return im.Mul(theta / sinHalf)
}

// QuatRotate rotates vector v by unit quaternion q.
func QuatRotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// QuatAngleBetween returns the rotation angle in radians taking q1 to q2.
func QuatAngleBetween(q1, q2 quat.Number) float64 {
	return QuatLog(quat.Mul(quat.Conj(q1), q2)).Norm()
}

// QuatNormalize scales q to unit norm, returning the identity for a zero quaternion.
func QuatNormalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1./n, q)
}
