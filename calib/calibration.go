package calib

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/spatialmath"
)

// standardGravity is the default gravity magnitude in m/s^2.
const standardGravity = 9.80665

// Calibration holds the global unknowns shared by every pose edge: the fixed
// transform from the tracked body frame to the inertial rig frame, the time
// offset between the two streams, and gravity in the tracker frame. Exactly
// one instance exists per solve.
type Calibration struct {
	// ExtrinsicRotation rotates body-frame vectors into the rig frame.
	ExtrinsicRotation quat.Number
	// ExtrinsicTranslation is the body origin expressed in the rig frame.
	ExtrinsicTranslation r3.Vector
	// TimeOffset is added to rig timestamps to obtain tracker timestamps.
	TimeOffset float64
	// Gravity is the gravity vector in the tracker frame. Its magnitude is
	// held fixed during solving; only the direction is refined.
	Gravity r3.Vector
}

// IdentityCalibration returns the identity extrinsic guess with standard
// gravity pointing down the tracker z axis.
func IdentityCalibration() Calibration {
	return Calibration{
		ExtrinsicRotation: quat.Number{Real: 1},
		Gravity:           r3.Vector{Z: -standardGravity},
	}
}

// calibParams is the solver-internal parameterization of Calibration. The
// gravity vector is held as two tilt angles about a fixed-magnitude base
// vector, which keeps the magnitude out of the parameter space entirely.
type calibParams struct {
	rot     quat.Number
	trans   r3.Vector
	gravX   float64
	gravY   float64
	gravMag float64
	toff    float64
}

func newCalibParams(c Calibration) calibParams {
	gx, gy, mag := gravityAngles(c.Gravity)
	return calibParams{
		rot:     spatialmath.Normalize(c.ExtrinsicRotation),
		trans:   c.ExtrinsicTranslation,
		gravX:   gx,
		gravY:   gy,
		gravMag: mag,
		toff:    c.TimeOffset,
	}
}

func (cp calibParams) calibration() Calibration {
	return Calibration{
		ExtrinsicRotation:    cp.rot,
		ExtrinsicTranslation: cp.trans,
		TimeOffset:           cp.toff,
		Gravity:              cp.gravity(),
	}
}

// gravity reconstructs the vector Ry(gravY)*Rx(gravX)*(0,0,-gravMag).
func (cp calibParams) gravity() r3.Vector {
	sx, cx := math.Sincos(cp.gravX)
	sy, cy := math.Sincos(cp.gravY)
	return r3.Vector{X: -sy * cx, Y: sx, Z: -cy * cx}.Mul(cp.gravMag)
}

// gravityAngles decomposes a gravity vector into the two tilt angles and the
// magnitude such that gravity() round-trips.
func gravityAngles(g r3.Vector) (gx, gy, mag float64) {
	mag = g.Norm()
	if mag == 0 {
		return 0, 0, 0
	}
	u := g.Mul(1 / mag)
	gx = math.Asin(math.Max(-1, math.Min(1, u.Y)))
	gy = math.Atan2(-u.X, -u.Z)
	return gx, gy, mag
}
