// Package measurement accumulates the per-frame corner observations and
// per-sample IMU readings a calibration run fits against, keyed and
// time-ordered. The store is populated once per run and is read-only during
// optimization.
package measurement

import (
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/Ant346/OpenImuCameraCalibrator/recon"
	"github.com/Ant346/OpenImuCameraCalibrator/spatialmath"
)

// TimedCameraID identifies one camera observation instant. Ordering is by
// timestamp.
type TimedCameraID struct {
	TimestampNS int64
	CameraID    int
}

// Less orders ids by timestamp, then camera index.
func (t TimedCameraID) Less(o TimedCameraID) bool {
	if t.TimestampNS != o.TimestampNS {
		return t.TimestampNS < o.TimestampNS
	}
	return t.CameraID < o.CameraID
}

// CornerObservation is the set of detected calibration-pattern corners for
// one camera frame, with the identities of the tracks they came from.
// Immutable after creation.
type CornerObservation struct {
	Corners  []r2.Point
	TrackIDs []recon.TrackID
}

// ImuStreamKind selects one of the two inertial streams.
type ImuStreamKind int

// The two inertial streams.
const (
	Accelerometer ImuStreamKind = iota
	Gyroscope
)

// ImuSample is one inertial reading, timestamped in seconds on the camera
// clock (any stream-to-camera offset already applied by the caller).
type ImuSample struct {
	Timestamp   float64
	Measurement r3.Vector
}

// Store holds all measurements for one calibration run.
type Store struct {
	corners     map[TimedCameraID]CornerObservation
	initPoses   map[TimedCameraID]spatialmath.Pose // camera poses from the reconstruction
	splinePoses map[TimedCameraID]spatialmath.Pose // derived body-frame poses
	accel       []ImuSample
	gyro        []ImuSample
}

// NewStore returns an empty measurement store.
func NewStore() *Store {
	s := &Store{}
	s.Clear()
	return s
}

// AddCameraObservation inserts the observation for the given id if not
// already present. Duplicate ids are ignored, there are no merge semantics.
func (s *Store) AddCameraObservation(id TimedCameraID, obs CornerObservation) {
	if _, ok := s.corners[id]; ok {
		return
	}
	s.corners[id] = obs
}

// CameraObservation returns the observation for the given id.
func (s *Store) CameraObservation(id TimedCameraID) (CornerObservation, bool) {
	obs, ok := s.corners[id]
	return obs, ok
}

// SetInitPose records the reconstruction camera pose for the given id.
func (s *Store) SetInitPose(id TimedCameraID, pose spatialmath.Pose) {
	s.initPoses[id] = pose
}

// InitPose returns the reconstruction camera pose for the given id.
func (s *Store) InitPose(id TimedCameraID) (spatialmath.Pose, bool) {
	p, ok := s.initPoses[id]
	return p, ok
}

// SetSplinePose records the derived body-frame pose for the given id.
func (s *Store) SetSplinePose(id TimedCameraID, pose spatialmath.Pose) {
	s.splinePoses[id] = pose
}

// SplinePose returns the derived body-frame pose for the given id.
func (s *Store) SplinePose(id TimedCameraID) (spatialmath.Pose, bool) {
	p, ok := s.splinePoses[id]
	return p, ok
}

// InitPoses returns the map of reconstruction camera poses, owned by the store.
func (s *Store) InitPoses() map[TimedCameraID]spatialmath.Pose {
	return s.initPoses
}

// SplinePoses returns the map of derived body-frame poses, owned by the store.
func (s *Store) SplinePoses() map[TimedCameraID]spatialmath.Pose {
	return s.splinePoses
}

// SortedIDs returns all observation ids in ascending time order.
func (s *Store) SortedIDs() []TimedCameraID {
	ids := make([]TimedCameraID, 0, len(s.corners))
	for id := range s.corners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// NumObservations returns how many camera observations are stored.
func (s *Store) NumObservations() int {
	return len(s.corners)
}

// AddImuSample appends a sample to the given stream. Samples are stored
// unconditionally; window filtering happens at residual registration, not
// here.
func (s *Store) AddImuSample(kind ImuStreamKind, timestampS float64, m r3.Vector) {
	sample := ImuSample{Timestamp: timestampS, Measurement: m}
	switch kind {
	case Accelerometer:
		s.accel = append(s.accel, sample)
	case Gyroscope:
		s.gyro = append(s.gyro, sample)
	}
}

// ImuSamples returns the stored samples of the given stream in insertion
// order. The returned slice is owned by the store.
func (s *Store) ImuSamples(kind ImuStreamKind) []ImuSample {
	if kind == Accelerometer {
		return s.accel
	}
	return s.gyro
}

// Clear drops all observations, samples and derived pose estimates,
// returning the store to empty for reuse across independent runs.
func (s *Store) Clear() {
	s.corners = map[TimedCameraID]CornerObservation{}
	s.initPoses = map[TimedCameraID]spatialmath.Pose{}
	s.splinePoses = map[TimedCameraID]spatialmath.Pose{}
	s.accel = nil
	s.gyro = nil
}
