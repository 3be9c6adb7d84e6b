// Package recon is the reconstruction data model exchanged with the upstream
// structure-from-motion collaborator: views with per-track 2D features and
// camera poses, and tracks with triangulated 3D points.
package recon

import (
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/Ant346/OpenImuCameraCalibrator/camera"
	"github.com/Ant346/OpenImuCameraCalibrator/spatialmath"
)

// ViewID uniquely identifies one view in a reconstruction.
type ViewID int

// TrackID uniquely identifies one feature track across views.
type TrackID int

// Camera is the camera attached to a view. Orientation follows the
// reconstruction-library convention: it is the world-to-camera rotation, the
// transpose of the rotation in a spatialmath.Pose. Use ViewPose and
// SetPoseFromSpline to cross that boundary, never transpose elsewhere.
type Camera struct {
	Intrinsics  *camera.PinholeCameraIntrinsics
	Orientation *mat.Dense // 3x3 world-to-camera rotation
	Position    r3.Vector  // camera center in world coordinates
}

// View is one camera frame with its timestamp and observed features.
type View struct {
	Name        string
	Timestamp   float64 // seconds
	Camera      Camera
	IsEstimated bool
	features    map[TrackID]r2.Point
}

// AddFeature records the 2D observation of the given track in this view.
func (v *View) AddFeature(id TrackID, pt r2.Point) {
	if v.features == nil {
		v.features = map[TrackID]r2.Point{}
	}
	v.features[id] = pt
}

// Feature returns the 2D observation of the given track, if present.
func (v *View) Feature(id TrackID) (r2.Point, bool) {
	pt, ok := v.features[id]
	return pt, ok
}

// TrackIDs returns the tracks observed by this view in ascending order.
func (v *View) TrackIDs() []TrackID {
	ids := make([]TrackID, 0, len(v.features))
	for id := range v.features {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reconstruction is an ordered collection of views plus the 3D points of
// their feature tracks.
type Reconstruction struct {
	views  []*View
	tracks map[TrackID]r3.Vector
}

// NewReconstruction returns an empty reconstruction.
func NewReconstruction() *Reconstruction {
	return &Reconstruction{tracks: map[TrackID]r3.Vector{}}
}

// AddView appends a view with the given name, camera index and timestamp in
// seconds, returning its id.
func (r *Reconstruction) AddView(name string, camIdx int, timestamp float64) ViewID {
	_ = camIdx // single-camera reconstructions only
	r.views = append(r.views, &View{Name: name, Timestamp: timestamp})
	return ViewID(len(r.views) - 1)
}

// View returns the view with the given id, or nil.
func (r *Reconstruction) View(id ViewID) *View {
	if int(id) < 0 || int(id) >= len(r.views) {
		return nil
	}
	return r.views[id]
}

// ViewIDs returns all view ids in insertion order.
func (r *Reconstruction) ViewIDs() []ViewID {
	ids := make([]ViewID, len(r.views))
	for i := range r.views {
		ids[i] = ViewID(i)
	}
	return ids
}

// NumViews returns the number of views.
func (r *Reconstruction) NumViews() int {
	return len(r.views)
}

// AddTrack sets the 3D world point for the given track.
func (r *Reconstruction) AddTrack(id TrackID, point r3.Vector) {
	r.tracks[id] = point
}

// Track returns the 3D world point of the given track.
func (r *Reconstruction) Track(id TrackID) (r3.Vector, bool) {
	pt, ok := r.tracks[id]
	return pt, ok
}

// ViewPose is the ingest-side convention adapter. The reconstruction stores a
// world-to-camera rotation matrix; the calibrator works with camera-to-world
// poses, so the rotation is transposed exactly once, here.
func ViewPose(v *View) (spatialmath.Pose, error) {
	if v.Camera.Orientation == nil {
		return spatialmath.Pose{}, errors.Errorf("view %q has no orientation", v.Name)
	}
	var camToWorld mat.Dense
	camToWorld.CloneFrom(v.Camera.Orientation.T())
	return spatialmath.NewPose(spatialmath.RotationMatrixToQuat(&camToWorld), v.Camera.Position), nil
}

// SetPoseFromSpline is the export-side convention adapter, the inverse of
// ViewPose: the camera-to-world pose is transposed back into the
// reconstruction's world-to-camera convention.
func SetPoseFromSpline(v *View, pose spatialmath.Pose) {
	var worldToCam mat.Dense
	worldToCam.CloneFrom(pose.RotationMatrix().T())
	v.Camera.Orientation = &worldToCam
	v.Camera.Position = pose.Translation
	v.IsEstimated = true
}
