package measurement

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/Ant346/OpenImuCameraCalibrator/recon"
	"github.com/Ant346/OpenImuCameraCalibrator/spatialmath"
)

func TestAddCameraObservationNoDuplicateMerge(t *testing.T) {
	s := NewStore()
	id := TimedCameraID{TimestampNS: 100, CameraID: 0}

	first := CornerObservation{Corners: []r2.Point{{X: 1, Y: 2}}, TrackIDs: []recon.TrackID{7}}
	s.AddCameraObservation(id, first)
	// a second insert for the same id is ignored
	s.AddCameraObservation(id, CornerObservation{Corners: []r2.Point{{X: 9, Y: 9}}})

	obs, ok := s.CameraObservation(id)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, obs, test.ShouldResemble, first)
	test.That(t, s.NumObservations(), test.ShouldEqual, 1)
}

func TestSortedIDs(t *testing.T) {
	s := NewStore()
	s.AddCameraObservation(TimedCameraID{TimestampNS: 300}, CornerObservation{})
	s.AddCameraObservation(TimedCameraID{TimestampNS: 100}, CornerObservation{})
	s.AddCameraObservation(TimedCameraID{TimestampNS: 200, CameraID: 1}, CornerObservation{})
	s.AddCameraObservation(TimedCameraID{TimestampNS: 200, CameraID: 0}, CornerObservation{})

	ids := s.SortedIDs()
	test.That(t, ids, test.ShouldResemble, []TimedCameraID{
		{TimestampNS: 100},
		{TimestampNS: 200, CameraID: 0},
		{TimestampNS: 200, CameraID: 1},
		{TimestampNS: 300},
	})
}

func TestAddImuSampleStoresUnconditionally(t *testing.T) {
	s := NewStore()
	// storage does no window filtering, even wildly out-of-range samples are kept
	s.AddImuSample(Accelerometer, 5000.0, r3.Vector{X: 1})
	s.AddImuSample(Accelerometer, -3.0, r3.Vector{Y: 1})
	s.AddImuSample(Gyroscope, 0.5, r3.Vector{Z: 1})

	test.That(t, len(s.ImuSamples(Accelerometer)), test.ShouldEqual, 2)
	test.That(t, len(s.ImuSamples(Gyroscope)), test.ShouldEqual, 1)
	test.That(t, s.ImuSamples(Gyroscope)[0].Timestamp, test.ShouldEqual, 0.5)
}

func TestClear(t *testing.T) {
	s := NewStore()
	id := TimedCameraID{TimestampNS: 1}
	s.AddCameraObservation(id, CornerObservation{})
	s.SetInitPose(id, spatialmath.NewZeroPose())
	s.SetSplinePose(id, spatialmath.NewZeroPose())
	s.AddImuSample(Accelerometer, 0.1, r3.Vector{})
	s.AddImuSample(Gyroscope, 0.1, r3.Vector{})

	s.Clear()

	test.That(t, s.NumObservations(), test.ShouldEqual, 0)
	test.That(t, len(s.InitPoses()), test.ShouldEqual, 0)
	test.That(t, len(s.SplinePoses()), test.ShouldEqual, 0)
	test.That(t, len(s.ImuSamples(Accelerometer)), test.ShouldEqual, 0)
	test.That(t, len(s.ImuSamples(Gyroscope)), test.ShouldEqual, 0)

	// the store is reusable after a clear
	s.AddCameraObservation(id, CornerObservation{})
	test.That(t, s.NumObservations(), test.ShouldEqual, 1)
}
