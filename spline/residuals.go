package spline

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/stat"

	"github.com/Ant346/OpenImuCameraCalibrator/camera"
	"github.com/Ant346/OpenImuCameraCalibrator/spatialmath"
)

// divergedReprojResidual is charged per residual dimension when a pattern
// point projects behind the camera, steering the solver back toward
// configurations where the projection is defined.
const divergedReprojResidual = 1e3

// reprojFactor is one rolling-shutter-aware reprojection residual. The
// residual time is the frame timestamp corrected by the observation row:
// t_row = t_frame + row * lineDelay.
type reprojFactor struct {
	frameNS    int64
	pixel      r2.Point
	worldPoint r3.Vector
	intrinsics *camera.PinholeCameraIntrinsics
}

// imuFactor is one inertial residual, shared by the accelerometer and
// gyroscope families.
type imuFactor struct {
	tNS        int64
	meas       r3.Vector
	sqrtWeight float64
}

// NumParams returns the length of the packed parameter vector.
func (t *Trajectory) NumParams() int {
	n := 4*len(t.so3Knots) + 3*len(t.r3Knots) + 7
	if t.reestimateBiases {
		n += 6
	}
	if t.calibrateLineDelay {
		n++
	}
	return n
}

// Params packs the current spline state into a flat vector for the solver:
// rotation knots as quaternions, translation knots, the camera-to-body
// extrinsic, then the optional bias and line-delay states. Gravity is a
// fixed constant and never packed.
func (t *Trajectory) Params() []float64 {
	x := make([]float64, 0, t.NumParams())
	for _, q := range t.so3Knots {
		x = append(x, q.Real, q.Imag, q.Jmag, q.Kmag)
	}
	for _, p := range t.r3Knots {
		x = append(x, p.X, p.Y, p.Z)
	}
	q := t.tImuCam.Orientation
	p := t.tImuCam.Translation
	x = append(x, q.Real, q.Imag, q.Jmag, q.Kmag, p.X, p.Y, p.Z)
	if t.reestimateBiases {
		x = append(x, t.acclBias.X, t.acclBias.Y, t.acclBias.Z)
		x = append(x, t.gyroBias.X, t.gyroBias.Y, t.gyroBias.Z)
	}
	if t.calibrateLineDelay {
		x = append(x, t.lineDelay)
	}
	return x
}

// SetParams unpacks a solver parameter vector, the inverse of Params.
// Quaternions are renormalized, since the solver treats them as four
// unconstrained scalars.
func (t *Trajectory) SetParams(x []float64) error {
	if len(x) != t.NumParams() {
		return errors.Errorf("parameter vector has length %d, want %d", len(x), t.NumParams())
	}
	i := 0
	for k := range t.so3Knots {
		t.so3Knots[k] = spatialmath.QuatNormalize(quat.Number{Real: x[i], Imag: x[i+1], Jmag: x[i+2], Kmag: x[i+3]})
		i += 4
	}
	for k := range t.r3Knots {
		t.r3Knots[k] = r3.Vector{X: x[i], Y: x[i+1], Z: x[i+2]}
		i += 3
	}
	t.tImuCam = spatialmath.NewPose(
		spatialmath.QuatNormalize(quat.Number{Real: x[i], Imag: x[i+1], Jmag: x[i+2], Kmag: x[i+3]}),
		r3.Vector{X: x[i+4], Y: x[i+5], Z: x[i+6]},
	)
	i += 7
	if t.reestimateBiases {
		t.acclBias = r3.Vector{X: x[i], Y: x[i+1], Z: x[i+2]}
		t.gyroBias = r3.Vector{X: x[i+3], Y: x[i+4], Z: x[i+5]}
		i += 6
	}
	if t.calibrateLineDelay {
		t.lineDelay = x[i]
	}
	return nil
}

// NumResiduals returns the length of the stacked residual vector: two per
// reprojection factor, three per inertial factor.
func (t *Trajectory) NumResiduals() int {
	return 2*len(t.reprojFactors) + 3*(len(t.accelFactors)+len(t.gyroFactors))
}

// Residuals evaluates all registered residuals at the current spline state
// into out, which must have length NumResiduals.
func (t *Trajectory) Residuals(out []float64) error {
	if len(out) != t.NumResiduals() {
		return errors.Errorf("residual vector has length %d, want %d", len(out), t.NumResiduals())
	}
	i := 0
	for _, f := range t.reprojFactors {
		ex, ey := t.reprojError(f, t.lineDelay)
		out[i] = ex
		out[i+1] = ey
		i += 2
	}
	for _, f := range t.accelFactors {
		e := t.accelError(f)
		out[i] = e.X
		out[i+1] = e.Y
		out[i+2] = e.Z
		i += 3
	}
	for _, f := range t.gyroFactors {
		e := t.gyroError(f)
		out[i] = e.X
		out[i+1] = e.Y
		out[i+2] = e.Z
		i += 3
	}
	return nil
}

// reprojError is the pixel-space residual for one corner at the given line
// delay. The body pose is evaluated at the row-corrected time, composed with
// the extrinsic to a camera pose, and the pattern point reprojected.
func (t *Trajectory) reprojError(f reprojFactor, lineDelay float64) (float64, float64) {
	tRow := f.frameNS + int64(f.pixel.Y*lineDelay*1e9)
	tWorldCam := spatialmath.Compose(t.pose(tRow), t.tImuCam)
	ptCam := spatialmath.Invert(tWorldCam).TransformPoint(f.worldPoint)
	projected, err := f.intrinsics.ProjectPoint(ptCam)
	if err != nil {
		return divergedReprojResidual, divergedReprojResidual
	}
	return projected.X - f.pixel.X, projected.Y - f.pixel.Y
}

// accelError compares the body-frame specific force predicted by the spline,
// R^T (a_world + g) plus bias, against the measurement.
func (t *Trajectory) accelError(f imuFactor) r3.Vector {
	q := t.so3Eval(f.tNS)
	predicted := spatialmath.QuatRotate(quat.Conj(q), t.LinearAccelerationWorld(f.tNS).Add(t.gravity))
	return predicted.Add(t.acclBias).Sub(f.meas).Mul(f.sqrtWeight)
}

// gyroError compares the spline's body-frame angular velocity plus bias
// against the measurement.
func (t *Trajectory) gyroError(f imuFactor) r3.Vector {
	return t.AngularVelocityBody(f.tNS).Add(t.gyroBias).Sub(f.meas).Mul(f.sqrtWeight)
}

// MeanReprojectionError re-evaluates every registered reprojection residual
// at the current spline state and returns the mean pixel error. With
// rollingShutter false the row-delay correction is dropped, the
// global-shutter assumption; with the line delay pinned at zero the two are
// numerically identical.
func (t *Trajectory) MeanReprojectionError(rollingShutter bool) float64 {
	if len(t.reprojFactors) == 0 {
		return 0
	}
	lineDelay := 0.
	if rollingShutter {
		lineDelay = t.lineDelay
	}
	errs := make([]float64, 0, len(t.reprojFactors))
	for _, f := range t.reprojFactors {
		ex, ey := t.reprojError(f, lineDelay)
		errs = append(errs, r2.Point{X: ex, Y: ey}.Norm())
	}
	return stat.Mean(errs, nil)
}
