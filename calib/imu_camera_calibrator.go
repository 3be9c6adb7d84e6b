// Package calib drives a joint visual-inertial calibration run: it populates
// the measurement store from a reconstruction and its telemetry, bootstraps
// gravity, hands the trajectory to the optimizer, and exports the fitted
// poses.
package calib

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/Ant346/OpenImuCameraCalibrator/measurement"
	"github.com/Ant346/OpenImuCameraCalibrator/optimize"
	"github.com/Ant346/OpenImuCameraCalibrator/recon"
	"github.com/Ant346/OpenImuCameraCalibrator/spatialmath"
	"github.com/Ant346/OpenImuCameraCalibrator/spline"
	"github.com/Ant346/OpenImuCameraCalibrator/telemetry"
)

// gravityMatchToleranceS is how close an accelerometer sample must be to a
// camera timestamp to seed gravity, one frame at 30 fps.
const gravityMatchToleranceS = 1. / 30.

// Precondition failures that are fatal to a run. They are surfaced, never
// papered over with undefined numerical state.
var (
	ErrNoCameraTimestamps    = errors.New("reconstruction has no camera timestamps")
	ErrGravityNotInitialized = errors.New("gravity was never initialized from an accelerometer sample")
	ErrNoAccelInWindow       = errors.New("no accelerometer samples fall inside the calibration window")
	ErrNoGyroInWindow        = errors.New("no gyroscope samples fall inside the calibration window")
)

// Result is the pair of summary error metrics returned by one optimization
// call, with the solver's own verdict attached.
type Result struct {
	// GlobalShutterMeanError is the mean reprojection error in pixels under a
	// global-shutter assumption (line delay dropped).
	GlobalShutterMeanError float64
	// RollingShutterMeanError is the mean reprojection error in pixels with
	// the row-delay correction applied.
	RollingShutterMeanError float64
	Summary                 optimize.Summary
}

// ImuCameraCalibrator owns the lifecycle of a calibration run: construct,
// populate, optimize, export, clear. A run is an exclusive, non-reentrant
// critical section; the store and trajectory must not be mutated while
// Optimize is in flight.
type ImuCameraCalibrator struct {
	logger golog.Logger
	mu     sync.Mutex

	store  *measurement.Store
	traj   *spline.Trajectory
	solver *optimize.Solver

	cfg              spline.WeightingConfig
	camTimestamps    []float64 // seconds, ascending
	tImuCamInit      spatialmath.Pose
	initialLineDelay float64

	gravityInit        r3.Vector
	gravityInitialized bool

	calibrateLineDelay bool
	reestimateBiases   bool

	// Bias-corrected measurements keyed by their camera-clock timestamp in
	// seconds, retained for inspection after a run.
	AcclMeasurements map[float64]r3.Vector
	GyroMeasurements map[float64]r3.Vector
}

// New returns a calibrator. The two flags fix, for every run of this
// calibrator, whether the rolling-shutter line delay and the sensor biases
// are free parameters or held constant.
func New(logger golog.Logger, calibrateLineDelay, reestimateBiases bool) *ImuCameraCalibrator {
	return &ImuCameraCalibrator{
		logger:             logger,
		store:              measurement.NewStore(),
		traj:               spline.NewTrajectory(logger, calibrateLineDelay, reestimateBiases),
		solver:             optimize.NewSolver(logger),
		calibrateLineDelay: calibrateLineDelay,
		reestimateBiases:   reestimateBiases,
		AcclMeasurements:   map[float64]r3.Vector{},
		GyroMeasurements:   map[float64]r3.Vector{},
	}
}

// Trajectory exposes the trajectory model for read-only pose queries after
// optimization completes.
func (c *ImuCameraCalibrator) Trajectory() *spline.Trajectory { return c.traj }

// Store exposes the measurement store.
func (c *ImuCameraCalibrator) Store() *measurement.Store { return c.store }

// CamTimestamps returns the sorted camera timestamps of the current run.
func (c *ImuCameraCalibrator) CamTimestamps() []float64 { return c.camTimestamps }

// GravityInit returns the bootstrapped world-frame gravity vector and whether
// it was ever initialized.
func (c *ImuCameraCalibrator) GravityInit() (r3.Vector, bool) {
	return c.gravityInit, c.gravityInitialized
}

// InitSpline builds the trajectory over the calibration window
// [min camera timestamp, max camera timestamp) and registers every residual:
// camera timestamps and knot counts first, then the line-delay seed, then the
// body-frame pose derivation and knot seeding, then the reprojection,
// accelerometer and gyroscope residual families. Samples outside the window
// are dropped silently; that is policy, not a fault. Calling InitSpline again
// replaces the previous run's registrations rather than accumulating them.
func (c *ImuCameraCalibrator) InitSpline(
	dataset *recon.Reconstruction,
	tImuCamInit spatialmath.Pose,
	cfg spline.WeightingConfig,
	timeOffsetImuToCamS float64,
	gyroBias, acclBias r3.Vector,
	telemetryData *telemetry.CameraTelemetryData,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := cfg.CheckValid(); err != nil {
		return err
	}
	c.cfg = cfg
	c.tImuCamInit = tImuCamInit
	c.AcclMeasurements = map[float64]r3.Vector{}
	c.GyroMeasurements = map[float64]r3.Vector{}
	c.store.Clear()

	viewIDs := dataset.ViewIDs()
	if len(viewIDs) == 0 {
		return ErrNoCameraTimestamps
	}
	c.camTimestamps = c.camTimestamps[:0]
	for _, id := range viewIDs {
		c.camTimestamps = append(c.camTimestamps, dataset.View(id).Timestamp)
	}
	sort.Float64s(c.camTimestamps)

	firstCam := dataset.View(viewIDs[0]).Camera.Intrinsics
	if err := firstCam.CheckValid(); err != nil {
		return err
	}

	// initialize readout with 1/fps * 1/image_rows
	if c.calibrateLineDelay {
		c.initialLineDelay = (1. / cfg.CamFPS) * (1. / float64(firstCam.Height))
	} else {
		// held constant at 0.0 during optimization
		c.initialLineDelay = 0.0
	}
	c.traj.SetInitialLineDelay(c.initialLineDelay)
	c.logger.Infof("initialized line delay to %.3fus", c.initialLineDelay*1e6)

	t0 := c.camTimestamps[0]
	tend := c.camTimestamps[len(c.camTimestamps)-1]
	startNS := int64(t0 * 1e9)
	endNS := int64(tend * 1e9)
	dtSO3NS := int64(cfg.DtSO3 * 1e9)
	dtR3NS := int64(cfg.DtR3 * 1e9)
	c.logger.Infof("spline window start/end %.3f/%.3fs, knot spacing r3/so3 %.3f/%.3fs",
		t0, tend, cfg.DtR3, cfg.DtSO3)

	if err := c.traj.InitTimes(startNS, endNS, dtSO3NS, dtR3NS); err != nil {
		return err
	}
	c.traj.SetTImuCam(tImuCamInit)

	for _, viewID := range viewIDs {
		view := dataset.View(viewID)
		timestamp := view.Timestamp
		if timestamp >= tend || timestamp < t0 {
			continue
		}
		id := measurement.TimedCameraID{TimestampNS: int64(timestamp * 1e9), CameraID: 0}

		trackIDs := view.TrackIDs()
		corners := make([]r2.Point, 0, len(trackIDs))
		for _, trackID := range trackIDs {
			pt, _ := view.Feature(trackID)
			corners = append(corners, pt)
		}
		c.store.AddCameraObservation(id, measurement.CornerObservation{
			Corners:  corners,
			TrackIDs: trackIDs,
		})

		camPose, err := recon.ViewPose(view)
		if err != nil {
			return err
		}
		c.store.SetInitPose(id, camPose)
		// T_world_body = T_world_camera * T_body_camera^-1
		c.store.SetSplinePose(id, spatialmath.Compose(camPose, spatialmath.Invert(tImuCamInit)))
	}

	if err := c.traj.SeedFromPoses(c.store.SplinePoses()); err != nil {
		return err
	}

	for _, id := range c.store.SortedIDs() {
		if id.TimestampNS < startNS || id.TimestampNS >= endNS {
			continue
		}
		obs, _ := c.store.CameraObservation(id)
		if err := c.traj.AddRSCornersMeasurement(obs, dataset, firstCam, id.TimestampNS); err != nil {
			return err
		}
	}

	accel := &telemetryData.Accelerometer
	for i := 0; i < accel.Len(); i++ {
		t := accel.TimestampMS[i]*1e-3 + timeOffsetImuToCamS
		if t < t0 || t >= tend {
			continue
		}
		unbiased := accel.Measurement[i].Add(acclBias)
		c.store.AddImuSample(measurement.Accelerometer, t, unbiased)
		if err := c.traj.AddAccelMeasurement(unbiased, int64(t*1e9), 1./cfg.VarR3); err != nil {
			return err
		}
		c.AcclMeasurements[t] = unbiased
	}
	if c.traj.NumAccelFactors() == 0 {
		return ErrNoAccelInWindow
	}

	gyro := &telemetryData.Gyroscope
	for i := 0; i < gyro.Len(); i++ {
		t := gyro.TimestampMS[i]*1e-3 + timeOffsetImuToCamS
		if t < t0 || t >= tend {
			continue
		}
		unbiased := gyro.Measurement[i].Add(gyroBias)
		c.store.AddImuSample(measurement.Gyroscope, t, unbiased)
		if err := c.traj.AddGyroMeasurement(unbiased, int64(t*1e9), 1./cfg.VarSO3); err != nil {
			return err
		}
		c.GyroMeasurements[t] = unbiased
	}
	if c.traj.NumGyroFactors() == 0 {
		return ErrNoGyroInWindow
	}

	c.logger.Infof("registered %d reprojection, %d accelerometer and %d gyroscope residuals",
		c.traj.NumReprojFactors(), c.traj.NumAccelFactors(), c.traj.NumGyroFactors())
	return nil
}

// InitializeGravity bootstraps the world-frame gravity constant: walking the
// camera timestamps in ascending order, it takes the first accelerometer
// sample within tolerance of a camera timestamp with a pose estimate, rotates
// the bias-corrected reading into the world frame with that pose, and stops.
// A first-match search with no refinement; the full optimization refines the
// trajectory against this fixed constant. Fatal if no sample ever matches.
func (c *ImuCameraCalibrator) InitializeGravity(
	telemetryData *telemetry.CameraTelemetryData,
	acclBias r3.Vector,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	accel := &telemetryData.Accelerometer
	for _, camT := range c.camTimestamps {
		if c.gravityInitialized {
			break
		}
		id := measurement.TimedCameraID{TimestampNS: int64(camT * 1e9), CameraID: 0}
		camPose, ok := c.store.InitPose(id)
		if !ok {
			continue
		}
		tWorldBody := spatialmath.Compose(camPose, spatialmath.Invert(c.tImuCamInit))
		for i := 0; i < accel.Len() && !c.gravityInitialized; i++ {
			acclT := accel.TimestampMS[i] * 1e-3
			if math.Abs(acclT-camT) < gravityMatchToleranceS {
				ad := accel.Measurement[i].Add(acclBias)
				c.gravityInit = spatialmath.QuatRotate(tWorldBody.Orientation, ad)
				c.gravityInitialized = true
				c.logger.Infof("gravity initialized to (%.4f, %.4f, %.4f) from accelerometer sample at %.4fs",
					c.gravityInit.X, c.gravityInit.Y, c.gravityInit.Z, acclT)
			}
		}
	}
	if !c.gravityInitialized {
		return ErrGravityNotInitialized
	}
	c.traj.SetGravity(c.gravityInit)
	return nil
}

// Optimize hands the trajectory to the external solver for at most the given
// number of objective evaluations, then re-evaluates every registered camera
// residual at the converged state to produce the two summary error metrics.
// Reaching the budget without convergence is not an error here; the solver's
// status in the returned summary is the source of truth.
func (c *ImuCameraCalibrator) Optimize(ctx context.Context, iterations int) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.gravityInitialized {
		return Result{}, ErrGravityNotInitialized
	}
	problem := optimize.Problem{
		NumParams:    c.traj.NumParams(),
		NumResiduals: c.traj.NumResiduals(),
		Residuals: func(x, out []float64) error {
			if err := c.traj.SetParams(x); err != nil {
				return err
			}
			return c.traj.Residuals(out)
		},
	}
	solution, summary, err := c.solver.Solve(ctx, problem, c.traj.Params(), iterations)
	if err != nil {
		return Result{}, err
	}
	if err := c.traj.SetParams(solution); err != nil {
		return Result{}, err
	}
	result := Result{
		GlobalShutterMeanError:  c.traj.MeanReprojectionError(false),
		RollingShutterMeanError: c.traj.MeanReprojectionError(true),
		Summary:                 summary,
	}
	c.logger.Infof("optimization finished with status %q, cost %.6g -> %.6g, mean reprojection error %.4fpx global / %.4fpx rolling shutter",
		summary.Status, summary.InitialCost, summary.FinalCost,
		result.GlobalShutterMeanError, result.RollingShutterMeanError)
	return result, nil
}

// ToReconDataset evaluates the fitted spline at every original camera
// timestamp and emits one estimated view per timestamp into the output
// reconstruction, named by its nanosecond timestamp. Orientations cross the
// convention boundary through recon.SetPoseFromSpline.
func (c *ImuCameraCalibrator) ToReconDataset(output *recon.Reconstruction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, camT := range c.camTimestamps {
		tNS := int64(camT * 1e9)
		pose, err := c.traj.PoseClamped(tNS)
		if err != nil {
			return err
		}
		viewID := output.AddView(strconv.FormatInt(tNS, 10), 0, camT)
		recon.SetPoseFromSpline(output.View(viewID), pose)
	}
	return nil
}

// ClearSpline clears all measurement containers, pose-estimate caches and
// the trajectory's internal state, returning the calibrator to its
// pre-initialization condition so runs stay independent.
func (c *ImuCameraCalibrator) ClearSpline() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.camTimestamps = nil
	c.AcclMeasurements = map[float64]r3.Vector{}
	c.GyroMeasurements = map[float64]r3.Vector{}
	c.store.Clear()
	c.traj.Clear()
	c.gravityInit = r3.Vector{}
	c.gravityInitialized = false
	c.initialLineDelay = 0
	c.tImuCamInit = spatialmath.NewZeroPose()
}
