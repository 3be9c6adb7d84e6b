package spline

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/Ant346/OpenImuCameraCalibrator/camera"
	"github.com/Ant346/OpenImuCameraCalibrator/measurement"
	"github.com/Ant346/OpenImuCameraCalibrator/recon"
	"github.com/Ant346/OpenImuCameraCalibrator/spatialmath"
)

func newTestTrajectory(t *testing.T, startNS, endNS, dtNS int64) *Trajectory {
	t.Helper()
	traj := NewTrajectory(golog.NewTestLogger(t), false, false)
	test.That(t, traj.InitTimes(startNS, endNS, dtNS, dtNS), test.ShouldBeNil)
	return traj
}

func TestKnotCountInvariant(t *testing.T) {
	for _, tc := range []struct {
		startS, endS, dtS float64
	}{
		{0, 2, 0.1},
		{0, 2, 0.3}, // window not a multiple of dt
		{1.5, 7.25, 0.5},
		{0, 0.05, 0.1}, // window shorter than one segment
		{10, 11, 0.013},
	} {
		startNS := int64(tc.startS * 1e9)
		endNS := int64(tc.endS * 1e9)
		dtNS := int64(tc.dtS * 1e9)
		traj := newTestTrajectory(t, startNS, endNS, dtNS)
		want := int(math.Ceil(float64(endNS-startNS)/float64(dtNS))) + Order - 1
		test.That(t, traj.NumSO3Knots(), test.ShouldEqual, want)
		test.That(t, traj.NumR3Knots(), test.ShouldEqual, want)
	}
}

func TestInitTimesRejectsBadWindows(t *testing.T) {
	traj := NewTrajectory(golog.NewTestLogger(t), false, false)
	test.That(t, traj.InitTimes(100, 100, 10, 10), test.ShouldNotBeNil)
	test.That(t, traj.InitTimes(200, 100, 10, 10), test.ShouldNotBeNil)
	test.That(t, traj.InitTimes(0, 100, 0, 10), test.ShouldNotBeNil)
}

func TestPoseBeforeInitFails(t *testing.T) {
	traj := NewTrajectory(golog.NewTestLogger(t), false, false)
	_, err := traj.Pose(0)
	test.That(t, errors.Is(err, ErrNotInitialized), test.ShouldBeTrue)
}

func TestPoseOutsideWindowFails(t *testing.T) {
	traj := newTestTrajectory(t, 0, int64(1e9), int64(1e8))
	_, err := traj.Pose(-1)
	test.That(t, errors.Is(err, ErrOutsideWindow), test.ShouldBeTrue)
	// the window is half-open, its upper bound has no support
	_, err = traj.Pose(int64(1e9))
	test.That(t, errors.Is(err, ErrOutsideWindow), test.ShouldBeTrue)
	_, err = traj.Pose(0)
	test.That(t, err, test.ShouldBeNil)
	_, err = traj.Pose(int64(1e9) - 1)
	test.That(t, err, test.ShouldBeNil)
}

func TestConstantPoseHasZeroDerivatives(t *testing.T) {
	traj := newTestTrajectory(t, 0, int64(2e9), int64(2e8))
	want := spatialmath.NewPose(
		spatialmath.QuatExp(r3.Vector{X: 0.2, Y: -0.4, Z: 0.9}),
		r3.Vector{X: 1, Y: 2, Z: 3},
	)
	for i := range traj.so3Knots {
		traj.so3Knots[i] = want.Orientation
	}
	for i := range traj.r3Knots {
		traj.r3Knots[i] = want.Translation
	}
	for _, tNS := range []int64{0, int64(0.5e9), int64(1.3e9), int64(2e9) - 1} {
		pose, err := traj.Pose(tNS)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, spatialmath.PoseAlmostEqual(pose, want, 1e-10, 1e-10), test.ShouldBeTrue)
		test.That(t, traj.AngularVelocityBody(tNS).Norm(), test.ShouldAlmostEqual, 0, 1e-10)
		test.That(t, traj.LinearVelocityWorld(tNS).Norm(), test.ShouldAlmostEqual, 0, 1e-10)
		test.That(t, traj.LinearAccelerationWorld(tNS).Norm(), test.ShouldAlmostEqual, 0, 1e-10)
	}
}

// seedConstantYaw fills the rotation knots with a constant-rate rotation about
// Z at omega rad/s. With collinear knot increments the cumulative spline
// reproduces the constant rate exactly, with the orientation running one knot
// spacing ahead of the knot index.
func seedConstantYaw(traj *Trajectory, omega float64) {
	dtS := float64(traj.dtSO3NS) * 1e-9
	for i := range traj.so3Knots {
		traj.so3Knots[i] = spatialmath.QuatExp(r3.Vector{Z: omega * float64(i) * dtS})
	}
}

func TestConstantYawAngularVelocity(t *testing.T) {
	const omega = 0.7
	traj := newTestTrajectory(t, 0, int64(2e9), int64(1e8))
	seedConstantYaw(traj, omega)

	for _, tNS := range []int64{0, int64(0.25e9), int64(1e9), int64(1.99e9)} {
		w := traj.AngularVelocityBody(tNS)
		test.That(t, w.X, test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, w.Y, test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, w.Z, test.ShouldAlmostEqual, omega, 1e-9)

		// orientation is the constant-rate rotation shifted by one knot spacing
		wantAngle := omega * (float64(tNS)*1e-9 + float64(traj.dtSO3NS)*1e-9)
		got := traj.so3Eval(tNS)
		test.That(t, spatialmath.QuatAngleBetween(got, spatialmath.QuatExp(r3.Vector{Z: wantAngle})),
			test.ShouldAlmostEqual, 0, 1e-9)
	}
}

func TestDerivativesMatchFiniteDifferences(t *testing.T) {
	traj := newTestTrajectory(t, 0, int64(2e9), int64(2e8))
	// a smooth, non-trivial trajectory
	for i := range traj.so3Knots {
		s := float64(i) * 0.2
		traj.so3Knots[i] = spatialmath.QuatExp(r3.Vector{X: 0.3 * math.Sin(s), Y: 0.2 * s, Z: 0.1 * math.Cos(s)})
	}
	for i := range traj.r3Knots {
		s := float64(i) * 0.2
		traj.r3Knots[i] = r3.Vector{X: math.Sin(s), Y: math.Cos(s), Z: 0.5 * s * s}
	}

	const hNS = int64(1e5)
	h := float64(hNS) * 1e-9
	for _, tNS := range []int64{int64(0.5e9), int64(1e9), int64(1.49e9)} {
		// angular velocity vs the log of the relative rotation over 2h
		qa := traj.so3Eval(tNS - hNS)
		qb := traj.so3Eval(tNS + hNS)
		wFD := spatialmath.QuatLog(quat.Mul(quat.Conj(qa), qb)).Mul(1 / (2 * h))
		w := traj.AngularVelocityBody(tNS)
		test.That(t, w.Sub(wFD).Norm(), test.ShouldAlmostEqual, 0, 1e-4)

		pa := traj.r3Eval(tNS - hNS)
		pb := traj.r3Eval(tNS + hNS)
		p := traj.r3Eval(tNS)
		vFD := pb.Sub(pa).Mul(1 / (2 * h))
		test.That(t, traj.LinearVelocityWorld(tNS).Sub(vFD).Norm(), test.ShouldAlmostEqual, 0, 1e-4)
		aFD := pb.Add(pa).Sub(p.Mul(2)).Mul(1 / (h * h))
		test.That(t, traj.LinearAccelerationWorld(tNS).Sub(aFD).Norm(), test.ShouldAlmostEqual, 0, 1e-3)
	}
}

func TestEvalContinuityAcrossSegmentBoundary(t *testing.T) {
	traj := newTestTrajectory(t, 0, int64(1e9), int64(1e8))
	for i := range traj.so3Knots {
		traj.so3Knots[i] = spatialmath.QuatExp(r3.Vector{Z: 0.3 * float64(i)})
	}
	for i := range traj.r3Knots {
		traj.r3Knots[i] = r3.Vector{X: float64(i * i)}
	}
	boundary := int64(3e8)
	qa := traj.so3Eval(boundary - 1)
	qb := traj.so3Eval(boundary)
	test.That(t, spatialmath.QuatAngleBetween(qa, qb), test.ShouldAlmostEqual, 0, 1e-6)
	pa := traj.r3Eval(boundary - 1)
	pb := traj.r3Eval(boundary)
	test.That(t, pa.Sub(pb).Norm(), test.ShouldAlmostEqual, 0, 1e-6)
}

func TestSeedFromPoses(t *testing.T) {
	traj := newTestTrajectory(t, 0, int64(1e9), int64(5e8))
	poses := map[measurement.TimedCameraID]spatialmath.Pose{
		{TimestampNS: 0}:            spatialmath.NewPose(spatialmath.QuatExp(r3.Vector{Z: 0.1}), r3.Vector{X: 1}),
		{TimestampNS: int64(0.8e9)}: spatialmath.NewPose(spatialmath.QuatExp(r3.Vector{Z: 0.9}), r3.Vector{X: 9}),
	}
	test.That(t, traj.SeedFromPoses(poses), test.ShouldBeNil)

	// the knot at t=0 takes the pose at t=0, all later knots are nearer to 0.8s
	test.That(t, traj.r3Knots[0].X, test.ShouldEqual, 1)
	test.That(t, traj.r3Knots[1].X, test.ShouldEqual, 9)
	test.That(t, traj.r3Knots[2].X, test.ShouldEqual, 9)
	test.That(t, traj.r3Knots[len(traj.r3Knots)-1].X, test.ShouldEqual, 9)

	test.That(t, traj.SeedFromPoses(nil), test.ShouldNotBeNil)
}

func TestParamsPackingRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		lineDelay, biases bool
	}{
		{false, false},
		{true, false},
		{false, true},
		{true, true},
	} {
		traj := NewTrajectory(golog.NewTestLogger(t), tc.lineDelay, tc.biases)
		test.That(t, traj.InitTimes(0, int64(1e9), int64(5e8), int64(5e8)), test.ShouldBeNil)
		traj.SetTImuCam(spatialmath.NewPose(spatialmath.QuatExp(r3.Vector{Y: 0.3}), r3.Vector{Z: 0.05}))
		traj.SetBiases(r3.Vector{X: 0.01}, r3.Vector{Y: -0.02})
		traj.SetInitialLineDelay(3e-5)
		for i := range traj.so3Knots {
			traj.so3Knots[i] = spatialmath.QuatExp(r3.Vector{X: 0.1 * float64(i)})
		}
		for i := range traj.r3Knots {
			traj.r3Knots[i] = r3.Vector{Y: float64(i)}
		}

		x := traj.Params()
		test.That(t, len(x), test.ShouldEqual, traj.NumParams())

		want := 4*traj.NumSO3Knots() + 3*traj.NumR3Knots() + 7
		if tc.biases {
			want += 6
		}
		if tc.lineDelay {
			want++
		}
		test.That(t, traj.NumParams(), test.ShouldEqual, want)

		test.That(t, traj.SetParams(x), test.ShouldBeNil)
		got := traj.Params()
		for i := range x {
			test.That(t, got[i], test.ShouldAlmostEqual, x[i], 1e-12)
		}

		test.That(t, traj.SetParams(x[:len(x)-1]), test.ShouldNotBeNil)
	}
}

func TestGyroResidualsZeroForExactTrajectory(t *testing.T) {
	const omega = 1.3
	traj := newTestTrajectory(t, 0, int64(2e9), int64(1e8))
	seedConstantYaw(traj, omega)

	for _, tS := range []float64{0.1, 0.52, 1.0, 1.9} {
		test.That(t, traj.AddGyroMeasurement(r3.Vector{Z: omega}, int64(tS*1e9), 4.0), test.ShouldBeNil)
	}
	out := make([]float64, traj.NumResiduals())
	test.That(t, traj.Residuals(out), test.ShouldBeNil)
	for _, r := range out {
		test.That(t, r, test.ShouldAlmostEqual, 0, 1e-8)
	}
}

func TestAccelResidualStationary(t *testing.T) {
	traj := newTestTrajectory(t, 0, int64(2e9), int64(2e8))
	orientation := spatialmath.QuatExp(r3.Vector{X: 0.4})
	for i := range traj.so3Knots {
		traj.so3Knots[i] = orientation
	}
	gravity := r3.Vector{Z: 9.81}
	traj.SetGravity(gravity)

	// a stationary accelerometer measures gravity rotated into the body frame
	meas := spatialmath.QuatRotate(quat.Conj(orientation), gravity)
	test.That(t, traj.AddAccelMeasurement(meas, int64(1e9), 1.0), test.ShouldBeNil)

	out := make([]float64, traj.NumResiduals())
	test.That(t, traj.Residuals(out), test.ShouldBeNil)
	for _, r := range out {
		test.That(t, r, test.ShouldAlmostEqual, 0, 1e-9)
	}
}

func TestReprojResidualZeroAtGroundTruth(t *testing.T) {
	traj := newTestTrajectory(t, 0, int64(1e9), int64(1e8))
	intrinsics := &camera.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}

	// identity trajectory, identity extrinsic: the camera sits at the world
	// origin looking down +Z
	rec := recon.NewReconstruction()
	worldPoint := r3.Vector{X: 0.2, Y: -0.1, Z: 2}
	rec.AddTrack(recon.TrackID(1), worldPoint)
	pixel, err := intrinsics.ProjectPoint(worldPoint)
	test.That(t, err, test.ShouldBeNil)

	obs := measurement.CornerObservation{Corners: []r2.Point{pixel}, TrackIDs: []recon.TrackID{1}}
	test.That(t, traj.AddRSCornersMeasurement(obs, rec, intrinsics, int64(5e8)), test.ShouldBeNil)
	test.That(t, traj.NumReprojFactors(), test.ShouldEqual, 1)

	out := make([]float64, traj.NumResiduals())
	test.That(t, traj.Residuals(out), test.ShouldBeNil)
	test.That(t, out[0], test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, out[1], test.ShouldAlmostEqual, 0, 1e-9)

	// with line delay pinned at zero the two error formulations collapse
	test.That(t, traj.MeanReprojectionError(false), test.ShouldEqual, traj.MeanReprojectionError(true))
}

func TestDerivativesBeforeInitAreZero(t *testing.T) {
	traj := NewTrajectory(golog.NewTestLogger(t), false, false)
	test.That(t, traj.AngularVelocityBody(0), test.ShouldResemble, r3.Vector{})
	test.That(t, traj.LinearVelocityWorld(0), test.ShouldResemble, r3.Vector{})
	test.That(t, traj.LinearAccelerationWorld(0), test.ShouldResemble, r3.Vector{})

	// and again after a Clear drops the knot vectors
	test.That(t, traj.InitTimes(0, int64(1e9), int64(1e8), int64(1e8)), test.ShouldBeNil)
	traj.Clear()
	test.That(t, traj.AngularVelocityBody(int64(5e8)), test.ShouldResemble, r3.Vector{})
	test.That(t, traj.LinearVelocityWorld(int64(5e8)), test.ShouldResemble, r3.Vector{})
	test.That(t, traj.LinearAccelerationWorld(int64(5e8)), test.ShouldResemble, r3.Vector{})
}

func TestInitTimesDropsStaleResiduals(t *testing.T) {
	traj := newTestTrajectory(t, 0, int64(2e9), int64(1e8))
	test.That(t, traj.AddGyroMeasurement(r3.Vector{Z: 1}, int64(1.5e9), 1), test.ShouldBeNil)
	test.That(t, traj.AddAccelMeasurement(r3.Vector{Z: 9.81}, int64(1.5e9), 1), test.ShouldBeNil)

	// rebuilding over a shorter window must not keep residuals that index
	// knots past the new vectors
	test.That(t, traj.InitTimes(0, int64(1e9), int64(1e8), int64(1e8)), test.ShouldBeNil)
	test.That(t, traj.NumGyroFactors(), test.ShouldEqual, 0)
	test.That(t, traj.NumAccelFactors(), test.ShouldEqual, 0)
	test.That(t, traj.NumReprojFactors(), test.ShouldEqual, 0)
	test.That(t, traj.NumResiduals(), test.ShouldEqual, 0)
}

func TestAddMeasurementBeforeInitFails(t *testing.T) {
	traj := NewTrajectory(golog.NewTestLogger(t), false, false)
	err := traj.AddGyroMeasurement(r3.Vector{}, 0, 1)
	test.That(t, errors.Is(err, ErrNotInitialized), test.ShouldBeTrue)
	err = traj.AddAccelMeasurement(r3.Vector{}, 0, 1)
	test.That(t, errors.Is(err, ErrNotInitialized), test.ShouldBeTrue)
}

func TestClear(t *testing.T) {
	traj := newTestTrajectory(t, 0, int64(1e9), int64(1e8))
	test.That(t, traj.AddGyroMeasurement(r3.Vector{Z: 1}, int64(5e8), 1), test.ShouldBeNil)
	traj.SetGravity(r3.Vector{Z: 9.81})
	traj.SetInitialLineDelay(1e-5)

	traj.Clear()

	test.That(t, traj.NumSO3Knots(), test.ShouldEqual, 0)
	test.That(t, traj.NumR3Knots(), test.ShouldEqual, 0)
	test.That(t, traj.NumGyroFactors(), test.ShouldEqual, 0)
	test.That(t, traj.Gravity(), test.ShouldResemble, r3.Vector{})
	test.That(t, traj.LineDelay(), test.ShouldEqual, 0)
	_, err := traj.Pose(0)
	test.That(t, errors.Is(err, ErrNotInitialized), test.ShouldBeTrue)

	// a cleared trajectory can be rebuilt
	test.That(t, traj.InitTimes(0, int64(1e9), int64(1e8), int64(1e8)), test.ShouldBeNil)
	test.That(t, traj.NumSO3Knots(), test.ShouldEqual, 13)
}
