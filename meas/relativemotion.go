package meas

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/spatialmath"
)

// RelativeMotion is the preintegrated motion across one bracketed interval:
// the rotation, velocity and position deltas expressed in the frame at the
// interval start, their 15x15 covariance (rotation, velocity, position, then
// the gyro and accel bias random-walk blocks), and the first-order Jacobians
// of the deltas with respect to the bias linearization points.
type RelativeMotion struct {
	// DeltaRot rotates end-frame vectors into the start frame.
	DeltaRot quat.Number
	// DeltaVel and DeltaPos are the integrated velocity and position changes
	// in the start frame, gravity included.
	DeltaVel r3.Vector
	DeltaPos r3.Vector
	// Dt is the integrated duration in seconds.
	Dt float64
	// Cov is the 15x15 covariance of [dtheta, dv, dp, dbg, dba].
	Cov *mat.SymDense
	// Bias Jacobians of the deltas at the linearization point.
	JRotGyro  *mat.Dense
	JVelGyro  *mat.Dense
	JVelAccel *mat.Dense
	JPosGyro  *mat.Dense
	JPosAccel *mat.Dense
	// GyroBias and AccelBias are the biases the integration was linearized
	// about.
	GyroBias  r3.Vector
	AccelBias r3.Vector
}

// CorrectedMotion is a RelativeMotion re-expressed at updated bias estimates
// via the first-order bias Jacobians, avoiding re-integration. Valid only for
// small deviations from the linearization biases.
type CorrectedMotion struct {
	DeltaRot quat.Number
	DeltaVel r3.Vector
	DeltaPos r3.Vector
	Dt       float64
}

// Corrected applies the first-order bias correction for the given bias
// estimates.
func (m *RelativeMotion) Corrected(gyroBias, accelBias r3.Vector) CorrectedMotion {
	dbg := gyroBias.Sub(m.GyroBias)
	dba := accelBias.Sub(m.AccelBias)
	return CorrectedMotion{
		DeltaRot: spatialmath.Normalize(quat.Mul(m.DeltaRot, spatialmath.QuatExp(spatialmath.MatVec(m.JRotGyro, dbg)))),
		DeltaVel: m.DeltaVel.Add(spatialmath.MatVec(m.JVelGyro, dbg)).Add(spatialmath.MatVec(m.JVelAccel, dba)),
		DeltaPos: m.DeltaPos.Add(spatialmath.MatVec(m.JPosGyro, dbg)).Add(spatialmath.MatVec(m.JPosAccel, dba)),
		Dt:       m.Dt,
	}
}

// Compensated removes the gravity contribution from the velocity and position
// deltas, with gravity expressed in the frame of the interval start. For a
// stationary body this yields zero deltas.
func (c CorrectedMotion) Compensated(gravity r3.Vector) (vel, pos r3.Vector) {
	vel = c.DeltaVel.Add(gravity.Mul(c.Dt))
	pos = c.DeltaPos.Add(gravity.Mul(0.5 * c.Dt * c.Dt))
	return vel, pos
}
