package spline

import (
	"math"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/Ant346/OpenImuCameraCalibrator/camera"
	"github.com/Ant346/OpenImuCameraCalibrator/measurement"
	"github.com/Ant346/OpenImuCameraCalibrator/recon"
	"github.com/Ant346/OpenImuCameraCalibrator/spatialmath"
)

// ErrNotInitialized is returned when measurements are registered or poses
// queried before InitTimes has built the knot vectors.
var ErrNotInitialized = errors.New("trajectory knot vectors have not been initialized")

// ErrOutsideWindow is returned by Pose for query times without full basis
// support.
var ErrOutsideWindow = errors.New("query time is outside the calibration window")

// Trajectory is the continuous-time rigid-body trajectory: a uniform
// cumulative cubic B-spline on SO3 and a uniform cubic B-spline on R3, both
// spanning the calibration window, together with the calibration states
// estimated alongside them (camera-to-body extrinsic, sensor biases,
// rolling-shutter line delay) and the registered residuals.
//
// All internal times are integer nanoseconds; the window test is inclusive
// below and exclusive above. The trajectory exclusively owns its knot vectors
// and residual registrations for the duration of one run.
type Trajectory struct {
	logger golog.Logger

	startNS, endNS   int64
	dtSO3NS, dtR3NS  int64
	so3Knots         []quat.Number
	r3Knots          []r3.Vector
	initialized      bool

	tImuCam   spatialmath.Pose // camera-to-body extrinsic, estimated
	gravity   r3.Vector        // world-frame gravity, fixed after seeding
	acclBias  r3.Vector
	gyroBias  r3.Vector
	lineDelay float64 // seconds per image row

	calibrateLineDelay bool
	reestimateBiases   bool

	reprojFactors []reprojFactor
	accelFactors  []imuFactor
	gyroFactors   []imuFactor
}

// NewTrajectory returns an empty trajectory. The two flags fix which
// calibration states are free during optimization; they are read once here,
// not consulted mid-run.
func NewTrajectory(logger golog.Logger, calibrateLineDelay, reestimateBiases bool) *Trajectory {
	return &Trajectory{
		logger:             logger,
		tImuCam:            spatialmath.NewZeroPose(),
		calibrateLineDelay: calibrateLineDelay,
		reestimateBiases:   reestimateBiases,
	}
}

// InitTimes builds both knot vectors over the half-open window
// [startNS, endNS) with the given spacings. Knot counts satisfy
// ceil((end-start)/dt) + Order - 1 so every in-window time has full basis
// support. The knot vectors never grow after this call.
func (t *Trajectory) InitTimes(startNS, endNS, dtSO3NS, dtR3NS int64) error {
	if endNS <= startNS {
		return errors.Errorf("empty calibration window [%d, %d)", startNS, endNS)
	}
	if dtSO3NS <= 0 || dtR3NS <= 0 {
		return errors.Errorf("invalid knot spacing so3=%dns r3=%dns", dtSO3NS, dtR3NS)
	}
	t.startNS = startNS
	t.endNS = endNS
	t.dtSO3NS = dtSO3NS
	t.dtR3NS = dtR3NS
	t.so3Knots = make([]quat.Number, knotCount(startNS, endNS, dtSO3NS))
	for i := range t.so3Knots {
		t.so3Knots[i] = quat.Number{Real: 1}
	}
	t.r3Knots = make([]r3.Vector, knotCount(startNS, endNS, dtR3NS))
	// residuals registered against a previous window would index stale knots
	t.reprojFactors = nil
	t.accelFactors = nil
	t.gyroFactors = nil
	t.initialized = true
	t.logger.Debugf("initializing %d SO3 knots and %d R3 knots", len(t.so3Knots), len(t.r3Knots))
	return nil
}

func knotCount(startNS, endNS, dtNS int64) int {
	segments := (endNS - startNS + dtNS - 1) / dtNS // ceil
	return int(segments) + Order - 1
}

// SetTImuCam sets the camera-to-body extrinsic seed.
func (t *Trajectory) SetTImuCam(p spatialmath.Pose) { t.tImuCam = p }

// TImuCam returns the current camera-to-body extrinsic estimate.
func (t *Trajectory) TImuCam() spatialmath.Pose { return t.tImuCam }

// SetGravity fixes the world-frame gravity constant.
func (t *Trajectory) SetGravity(g r3.Vector) { t.gravity = g }

// Gravity returns the world-frame gravity constant.
func (t *Trajectory) Gravity() r3.Vector { return t.gravity }

// SetBiases sets the accelerometer and gyroscope bias states.
func (t *Trajectory) SetBiases(accl, gyro r3.Vector) {
	t.acclBias = accl
	t.gyroBias = gyro
}

// AcclBias returns the accelerometer bias estimate.
func (t *Trajectory) AcclBias() r3.Vector { return t.acclBias }

// GyroBias returns the gyroscope bias estimate.
func (t *Trajectory) GyroBias() r3.Vector { return t.gyroBias }

// SetInitialLineDelay seeds the rolling-shutter line delay in seconds.
func (t *Trajectory) SetInitialLineDelay(d float64) { t.lineDelay = d }

// LineDelay returns the rolling-shutter line delay estimate in seconds.
func (t *Trajectory) LineDelay() float64 { return t.lineDelay }

// NumSO3Knots returns the rotation knot count.
func (t *Trajectory) NumSO3Knots() int { return len(t.so3Knots) }

// NumR3Knots returns the translation knot count.
func (t *Trajectory) NumR3Knots() int { return len(t.r3Knots) }

// StartNS returns the inclusive window start in nanoseconds.
func (t *Trajectory) StartNS() int64 { return t.startNS }

// EndNS returns the exclusive window end in nanoseconds.
func (t *Trajectory) EndNS() int64 { return t.endNS }

// SeedFromPoses seeds every knot of both splines from the body-frame pose
// estimate nearest in time, so optimization starts near a plausible
// trajectory instead of at identity.
func (t *Trajectory) SeedFromPoses(poses map[measurement.TimedCameraID]spatialmath.Pose) error {
	if !t.initialized {
		return ErrNotInitialized
	}
	if len(poses) == 0 {
		return errors.New("no pose estimates to seed the spline from")
	}
	type timedPose struct {
		tNS  int64
		pose spatialmath.Pose
	}
	sorted := make([]timedPose, 0, len(poses))
	for id, p := range poses {
		sorted = append(sorted, timedPose{id.TimestampNS, p})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].tNS < sorted[j].tNS })

	nearest := func(tNS int64) spatialmath.Pose {
		i := sort.Search(len(sorted), func(i int) bool { return sorted[i].tNS >= tNS })
		if i == len(sorted) {
			return sorted[len(sorted)-1].pose
		}
		if i > 0 && tNS-sorted[i-1].tNS < sorted[i].tNS-tNS {
			return sorted[i-1].pose
		}
		return sorted[i].pose
	}
	for i := range t.so3Knots {
		t.so3Knots[i] = nearest(t.startNS + int64(i)*t.dtSO3NS).Orientation
	}
	for i := range t.r3Knots {
		t.r3Knots[i] = nearest(t.startNS + int64(i)*t.dtR3NS).Translation
	}
	return nil
}

// AddRSCornersMeasurement registers one rolling-shutter-aware reprojection
// residual per corner of the observation. Corners whose track has no
// triangulated 3D point are skipped.
func (t *Trajectory) AddRSCornersMeasurement(
	obs measurement.CornerObservation,
	rec *recon.Reconstruction,
	intrinsics *camera.PinholeCameraIntrinsics,
	frameNS int64,
) error {
	if !t.initialized {
		return ErrNotInitialized
	}
	if err := intrinsics.CheckValid(); err != nil {
		return err
	}
	for i, corner := range obs.Corners {
		worldPoint, ok := rec.Track(obs.TrackIDs[i])
		if !ok {
			continue
		}
		t.reprojFactors = append(t.reprojFactors, reprojFactor{
			frameNS:    frameNS,
			pixel:      corner,
			worldPoint: worldPoint,
			intrinsics: intrinsics,
		})
	}
	return nil
}

// AddAccelMeasurement registers one accelerometer residual at the given time
// with the given inverse-variance weight.
func (t *Trajectory) AddAccelMeasurement(m r3.Vector, tNS int64, invVar float64) error {
	if !t.initialized {
		return ErrNotInitialized
	}
	t.accelFactors = append(t.accelFactors, imuFactor{tNS: tNS, meas: m, sqrtWeight: math.Sqrt(invVar)})
	return nil
}

// AddGyroMeasurement registers one gyroscope residual at the given time with
// the given inverse-variance weight.
func (t *Trajectory) AddGyroMeasurement(m r3.Vector, tNS int64, invVar float64) error {
	if !t.initialized {
		return ErrNotInitialized
	}
	t.gyroFactors = append(t.gyroFactors, imuFactor{tNS: tNS, meas: m, sqrtWeight: math.Sqrt(invVar)})
	return nil
}

// NumReprojFactors returns the number of registered reprojection residuals.
func (t *Trajectory) NumReprojFactors() int { return len(t.reprojFactors) }

// NumAccelFactors returns the number of registered accelerometer residuals.
func (t *Trajectory) NumAccelFactors() int { return len(t.accelFactors) }

// NumGyroFactors returns the number of registered gyroscope residuals.
func (t *Trajectory) NumGyroFactors() int { return len(t.gyroFactors) }

// Pose evaluates the rigid body-frame transform at the given time. Only times
// inside the originally-built window have basis support.
func (t *Trajectory) Pose(tNS int64) (spatialmath.Pose, error) {
	if !t.initialized {
		return spatialmath.Pose{}, ErrNotInitialized
	}
	if tNS < t.startNS || tNS >= t.endNS {
		return spatialmath.Pose{}, ErrOutsideWindow
	}
	return t.pose(tNS), nil
}

// PoseClamped evaluates like Pose but clamps the query to the supported
// segment range instead of failing. Used when exporting the view sitting
// exactly on the window's exclusive upper bound.
func (t *Trajectory) PoseClamped(tNS int64) (spatialmath.Pose, error) {
	if !t.initialized {
		return spatialmath.Pose{}, ErrNotInitialized
	}
	return t.pose(tNS), nil
}

// pose evaluates without a window check; times are clamped to supported
// segments so that row-delay-corrected residual times just past a segment
// boundary stay defined.
func (t *Trajectory) pose(tNS int64) spatialmath.Pose {
	return spatialmath.NewPose(t.so3Eval(tNS), t.r3Eval(tNS))
}

// segment locates the knot segment and normalized position for a query time.
func segment(tNS, startNS, dtNS int64, numKnots int) (int, float64) {
	s := (tNS - startNS) / dtNS
	maxSeg := int64(numKnots - Order)
	switch {
	case s < 0:
		s = 0
	case s > maxSeg:
		s = maxSeg
	}
	u := float64(tNS-startNS-s*dtNS) / float64(dtNS)
	if u < 0 {
		u = 0
	}
	return int(s), u
}

func (t *Trajectory) so3Eval(tNS int64) quat.Number {
	i, u := segment(tNS, t.startNS, t.dtSO3NS, len(t.so3Knots))
	b := cumulativeBasis(u)
	q := t.so3Knots[i]
	for j := 0; j < 3; j++ {
		d := spatialmath.QuatLog(quat.Mul(quat.Conj(t.so3Knots[i+j]), t.so3Knots[i+j+1]))
		q = quat.Mul(q, spatialmath.QuatExp(d.Mul(b[j])))
	}
	return q
}

// AngularVelocityBody evaluates the body-frame angular velocity in rad/s at
// the given time, the quantity a gyroscope attached to the body measures.
// Zero before InitTimes.
func (t *Trajectory) AngularVelocityBody(tNS int64) r3.Vector {
	if !t.initialized {
		return r3.Vector{}
	}
	i, u := segment(tNS, t.startNS, t.dtSO3NS, len(t.so3Knots))
	b := cumulativeBasis(u)
	db := cumulativeBasisD1(u)
	var omega r3.Vector
	for j := 0; j < 3; j++ {
		d := spatialmath.QuatLog(quat.Mul(quat.Conj(t.so3Knots[i+j]), t.so3Knots[i+j+1]))
		a := spatialmath.QuatExp(d.Mul(b[j]))
		omega = spatialmath.QuatRotate(quat.Conj(a), omega).Add(d.Mul(db[j]))
	}
	return omega.Mul(1e9 / float64(t.dtSO3NS))
}

func (t *Trajectory) r3Eval(tNS int64) r3.Vector {
	i, u := segment(tNS, t.startNS, t.dtR3NS, len(t.r3Knots))
	b := cumulativeBasis(u)
	p := t.r3Knots[i]
	for j := 0; j < 3; j++ {
		p = p.Add(t.r3Knots[i+j+1].Sub(t.r3Knots[i+j]).Mul(b[j]))
	}
	return p
}

// LinearVelocityWorld evaluates the world-frame linear velocity in units/s.
// Zero before InitTimes.
func (t *Trajectory) LinearVelocityWorld(tNS int64) r3.Vector {
	if !t.initialized {
		return r3.Vector{}
	}
	i, u := segment(tNS, t.startNS, t.dtR3NS, len(t.r3Knots))
	db := cumulativeBasisD1(u)
	var v r3.Vector
	for j := 0; j < 3; j++ {
		v = v.Add(t.r3Knots[i+j+1].Sub(t.r3Knots[i+j]).Mul(db[j]))
	}
	return v.Mul(1e9 / float64(t.dtR3NS))
}

// LinearAccelerationWorld evaluates the world-frame linear acceleration in
// units/s^2, the twice-differentiated spline position. Zero before InitTimes.
func (t *Trajectory) LinearAccelerationWorld(tNS int64) r3.Vector {
	if !t.initialized {
		return r3.Vector{}
	}
	i, u := segment(tNS, t.startNS, t.dtR3NS, len(t.r3Knots))
	ddb := cumulativeBasisD2(u)
	var a r3.Vector
	for j := 0; j < 3; j++ {
		a = a.Add(t.r3Knots[i+j+1].Sub(t.r3Knots[i+j]).Mul(ddb[j]))
	}
	scale := 1e9 / float64(t.dtR3NS)
	return a.Mul(scale * scale)
}

// Clear drops the knot vectors, all registered residuals and the calibration
// states, returning the trajectory to its pre-initialization condition.
func (t *Trajectory) Clear() {
	t.startNS, t.endNS = 0, 0
	t.dtSO3NS, t.dtR3NS = 0, 0
	t.so3Knots = nil
	t.r3Knots = nil
	t.initialized = false
	t.tImuCam = spatialmath.NewZeroPose()
	t.gravity = r3.Vector{}
	t.acclBias = r3.Vector{}
	t.gyroBias = r3.Vector{}
	t.lineDelay = 0
	t.reprojFactors = nil
	t.accelFactors = nil
	t.gyroFactors = nil
}
