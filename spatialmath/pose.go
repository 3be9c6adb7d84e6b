package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform, a rotation followed by a translation.
// The zero value is not valid, use NewZeroPose.
type Pose struct {
	Orientation quat.Number
	Translation r3.Vector
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{Orientation: quat.Number{Real: 1}}
}

// NewPose returns a pose with the given unit quaternion orientation and translation.
func NewPose(o quat.Number, t r3.Vector) Pose {
	return Pose{Orientation: o, Translation: t}
}

// Compose returns p * q, the transform applying q first and then p.
func Compose(p, q Pose) Pose {
	return Pose{
		Orientation: quat.Mul(p.Orientation, q.Orientation),
		Translation: QuatRotate(p.Orientation, q.Translation).Add(p.Translation),
	}
}

// Invert returns the inverse transform of p.
func Invert(p Pose) Pose {
	inv := quat.Conj(p.Orientation)
	return Pose{
		Orientation: inv,
		Translation: QuatRotate(inv, p.Translation.Mul(-1)),
	}
}

// TransformPoint applies p to the point v.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	return QuatRotate(p.Orientation, v).Add(p.Translation)
}

// PoseAlmostEqual returns whether two poses agree within the given angular
// (radians) and linear tolerances.
func PoseAlmostEqual(a, b Pose, angTol, linTol float64) bool {
	return QuatAngleBetween(a.Orientation, b.Orientation) < angTol &&
		a.Translation.Sub(b.Translation).Norm() < linTol
}

// RotationMatrix returns the pose orientation as a 3x3 rotation matrix.
func (p Pose) RotationMatrix() *mat.Dense {
	return QuatToRotationMatrix(p.Orientation)
}

// QuatToRotationMatrix converts a unit quaternion to a 3x3 rotation matrix.
func QuatToRotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RotationMatrixToQuat converts a 3x3 rotation matrix to a unit quaternion
// using Shepperd's method, picking the numerically largest component first.
func RotationMatrixToQuat(m mat.Matrix) quat.Number {
	r00, r11, r22 := m.At(0, 0), m.At(1, 1), m.At(2, 2)
	tr := r00 + r11 + r22
	var q quat.Number
	switch {
	case tr > 0:
		s := 2 * sqrt(tr+1)
		q = quat.Number{
			Real: s / 4,
			Imag: (m.At(2, 1) - m.At(1, 2)) / s,
			Jmag: (m.At(0, 2) - m.At(2, 0)) / s,
			Kmag: (m.At(1, 0) - m.At(0, 1)) / s,
		}
	case r00 > r11 && r00 > r22:
		s := 2 * sqrt(1+r00-r11-r22)
		q = quat.Number{
			Real: (m.At(2, 1) - m.At(1, 2)) / s,
			Imag: s / 4,
			Jmag: (m.At(0, 1) + m.At(1, 0)) / s,
			Kmag: (m.At(0, 2) + m.At(2, 0)) / s,
		}
	case r11 > r22:
		s := 2 * sqrt(1+r11-r00-r22)
		q = quat.Number{
			Real: (m.At(0, 2) - m.At(2, 0)) / s,
			Imag: (m.At(0, 1) + m.At(1, 0)) / s,
			Jmag: s / 4,
			Kmag: (m.At(1, 2) + m.At(2, 1)) / s,
		}
	default:
		s := 2 * sqrt(1+r22-r00-r11)
		q = quat.Number{
			Real: (m.At(1, 0) - m.At(0, 1)) / s,
			Imag: (m.At(0, 2) + m.At(2, 0)) / s,
			Jmag: (m.At(1, 2) + m.At(2, 1)) / s,
			Kmag: s / 4,
		}
	}
	return QuatNormalize(q)
}

func sqrt(x float64) float64 {
	if x < 0 {
		return 0
	}
	return math.Sqrt(x)
}
