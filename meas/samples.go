// Package meas contains the two measurement engines that the calibration
// solver draws from: a Preintegrator summarizing inertial readings into
// relative-motion estimates, and an Interpolator producing pose-with-covariance
// estimates from an externally tracked motion-capture stream.
//
// Both engines follow the same ingestion discipline: samples are fed in time
// order, a sample whose timestamp does not advance the buffer is dropped and
// counted, and feeding ends with an explicit Freeze before any queries run.
package meas

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// InertialSample is a single gyroscope/accelerometer reading.
type InertialSample struct {
	// Time is the sample timestamp in seconds.
	Time float64
	// AngularVelocity is the body-frame angular rate in rad/s.
	AngularVelocity r3.Vector
	// LinearAcceleration is the body-frame specific force in m/s^2.
	LinearAcceleration r3.Vector
}

// PoseSample is a single externally measured pose of the tracked body.
type PoseSample struct {
	// Time is the sample timestamp in seconds, in the clock of the tracker.
	Time float64
	// Orientation is the unit quaternion rotating body-frame vectors into the
	// tracker frame.
	Orientation quat.Number
	// Position is the body origin in the tracker frame, in meters.
	Position r3.Vector
	// OrientationCov and PositionCov are the 3x3 measurement covariances of
	// the orientation (tangent space) and position.
	OrientationCov *mat.SymDense
	PositionCov    *mat.SymDense
}

// InterpolatedPose is the pose estimate the Interpolator produces at a query
// time, with the blended 6x6 covariance (orientation block first).
type InterpolatedPose struct {
	Orientation quat.Number
	Position    r3.Vector
	Covariance  *mat.SymDense
}
