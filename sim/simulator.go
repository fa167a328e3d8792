// Package sim generates synthetic inertial and tracker measurements from an
// analytic smooth trajectory with known extrinsics, time offset, and gravity.
// It exists so that the calibration pipeline can be exercised against exact
// ground truth.
package sim

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/meas"
	"github.com/viamrobotics/viconcal/spatialmath"
)

// viconMargin extends the tracker stream past the inertial span on both
// sides, in seconds, so interpolation queries stay bracketed while a time
// offset estimate moves during solving.
const viconMargin = 0.5

// Params configures one synthetic run. The extrinsic fields are the ground
// truth a solver should recover.
type Params struct {
	Duration  float64
	ImuRate   float64
	ViconRate float64

	ExtrinsicRotation    quat.Number
	ExtrinsicTranslation r3.Vector
	TimeOffset           float64
	Gravity              r3.Vector

	// Per-sample measurement noise standard deviations. Zero gives exact
	// measurements.
	GyroNoise  float64
	AccelNoise float64
	PoseRotNoise,
	PosePosNoise float64

	// Reported (not necessarily actual) tracker sigmas, used to fill the
	// pose sample covariances.
	ViconRotSigma float64
	ViconPosSigma float64

	Seed int64
}

// DefaultParams returns a gently aggressive trajectory with exact
// measurements and a small ground-truth miscalibration.
func DefaultParams() Params {
	return Params{
		Duration:             10,
		ImuRate:              200,
		ViconRate:            100,
		ExtrinsicRotation:    spatialmath.QuatExp(r3.Vector{X: 0.04, Y: -0.03, Z: 0.05}),
		ExtrinsicTranslation: r3.Vector{X: 0.10, Y: -0.05, Z: 0.02},
		TimeOffset:           0.0,
		Gravity:              r3.Vector{Z: -9.80665},
		ViconRotSigma:        1e-3,
		ViconPosSigma:        1e-3,
		Seed:                 1,
	}
}

// Simulator samples an analytic trajectory. All accessors are pure; the only
// state is the noise source.
type Simulator struct {
	p   Params
	rng *rand.Rand
}

func New(p Params) *Simulator {
	return &Simulator{p: p, rng: rand.New(rand.NewSource(p.Seed))}
}

// Truth returns the ground-truth unknowns the samples were generated with.
func (s *Simulator) Truth() (rot quat.Number, trans r3.Vector, toff float64, gravity r3.Vector) {
	return s.p.ExtrinsicRotation, s.p.ExtrinsicTranslation, s.p.TimeOffset, s.p.Gravity
}

// eulerAngles returns the ZYX Euler angles of the body at time t along with
// their first time derivatives.
func eulerAngles(t float64) (roll, pitch, yaw, dRoll, dPitch, dYaw float64) {
	roll = 0.30 * math.Sin(1.1*t)
	pitch = 0.25 * math.Sin(0.9*t+0.4)
	yaw = 0.50 * math.Sin(0.7*t+1.0)
	dRoll = 0.30 * 1.1 * math.Cos(1.1*t)
	dPitch = 0.25 * 0.9 * math.Cos(0.9*t+0.4)
	dYaw = 0.50 * 0.7 * math.Cos(0.7*t+1.0)
	return
}

// TruthPose returns the body orientation (body to tracker frame) and position
// in the tracker frame at time t on the body clock.
func (s *Simulator) TruthPose(t float64) (quat.Number, r3.Vector) {
	roll, pitch, yaw, _, _, _ := eulerAngles(t)
	q := quat.Mul(axisQuat(r3.Vector{Z: 1}, yaw),
		quat.Mul(axisQuat(r3.Vector{Y: 1}, pitch), axisQuat(r3.Vector{X: 1}, roll)))
	return spatialmath.Normalize(q), truthPosition(t)
}

func truthPosition(t float64) r3.Vector {
	return r3.Vector{
		X: 1.5 * math.Sin(0.8*t),
		Y: 1.2 * math.Sin(1.0*t+0.5),
		Z: 0.8 * math.Sin(1.3*t+1.1),
	}
}

// TruthVelocity returns the body velocity in the tracker frame.
func (s *Simulator) TruthVelocity(t float64) r3.Vector {
	return r3.Vector{
		X: 1.5 * 0.8 * math.Cos(0.8*t),
		Y: 1.2 * 1.0 * math.Cos(1.0*t+0.5),
		Z: 0.8 * 1.3 * math.Cos(1.3*t+1.1),
	}
}

func truthAcceleration(t float64) r3.Vector {
	return r3.Vector{
		X: -1.5 * 0.8 * 0.8 * math.Sin(0.8*t),
		Y: -1.2 * 1.0 * 1.0 * math.Sin(1.0*t+0.5),
		Z: -0.8 * 1.3 * 1.3 * math.Sin(1.3*t+1.1),
	}
}

// bodyRates maps the Euler angle rates of the ZYX sequence to angular
// velocity expressed in the body frame.
func bodyRates(t float64) r3.Vector {
	roll, pitch, _, dRoll, dPitch, dYaw := eulerAngles(t)
	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)
	return r3.Vector{
		X: dRoll - dYaw*sp,
		Y: dPitch*cr + dYaw*cp*sr,
		Z: -dPitch*sr + dYaw*cp*cr,
	}
}

// InertialSamples returns the gyro and accelerometer stream over [0,
// Duration] at ImuRate. The accelerometer measures specific force.
func (s *Simulator) InertialSamples() []meas.InertialSample {
	dt := 1 / s.p.ImuRate
	n := int(s.p.Duration/dt) + 1
	out := make([]meas.InertialSample, 0, n)
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		q, _ := s.TruthPose(t)
		f := spatialmath.RotateVec(quat.Conj(q), truthAcceleration(t).Sub(s.p.Gravity))
		out = append(out, meas.InertialSample{
			Time:               t,
			AngularVelocity:    s.jitter(bodyRates(t), s.p.GyroNoise),
			LinearAcceleration: s.jitter(f, s.p.AccelNoise),
		})
	}
	return out
}

// PoseSamples returns the tracker stream. Sample timestamps run on the
// tracker clock, which leads the body clock by the time offset, and extend
// past the inertial span on both sides.
func (s *Simulator) PoseSamples() []meas.PoseSample {
	dt := 1 / s.p.ViconRate
	n := int((s.p.Duration+2*viconMargin)/dt) + 1
	out := make([]meas.PoseSample, 0, n)
	for i := 0; i < n; i++ {
		ts := -viconMargin + float64(i)*dt + s.p.TimeOffset
		q, p := s.TruthPose(ts - s.p.TimeOffset)
		qm := quat.Mul(q, s.p.ExtrinsicRotation)
		pm := p.Add(spatialmath.RotateVec(q, s.p.ExtrinsicTranslation))
		if s.p.PoseRotNoise > 0 {
			qm = quat.Mul(qm, spatialmath.QuatExp(s.jitter(r3.Vector{}, s.p.PoseRotNoise)))
		}
		pm = s.jitter(pm, s.p.PosePosNoise)
		out = append(out, meas.PoseSample{
			Time:           ts,
			Orientation:    spatialmath.Normalize(qm),
			Position:       pm,
			OrientationCov: diag3(s.p.ViconRotSigma * s.p.ViconRotSigma),
			PositionCov:    diag3(s.p.ViconPosSigma * s.p.ViconPosSigma),
		})
	}
	return out
}

// Feed pushes every generated sample into the two buffers.
func (s *Simulator) Feed(pre *meas.Preintegrator, interp *meas.Interpolator) error {
	for _, is := range s.InertialSamples() {
		if err := pre.FeedInertial(is); err != nil {
			return err
		}
	}
	for _, ps := range s.PoseSamples() {
		if err := interp.FeedPose(ps); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) jitter(v r3.Vector, sigma float64) r3.Vector {
	if sigma <= 0 {
		return v
	}
	return r3.Vector{
		X: v.X + sigma*s.rng.NormFloat64(),
		Y: v.Y + sigma*s.rng.NormFloat64(),
		Z: v.Z + sigma*s.rng.NormFloat64(),
	}
}

func axisQuat(axis r3.Vector, angle float64) quat.Number {
	return spatialmath.QuatExp(axis.Mul(angle))
}

func diag3(v float64) *mat.SymDense {
	m := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		m.SetSym(i, i, v)
	}
	return m
}
