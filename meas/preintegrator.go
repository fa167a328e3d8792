package meas

import (
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/spatialmath"
)

// zero-length integration steps would make the discrete noise covariance blow
// up, so sample pairs closer than this are skipped.
const minStepDt = 1e-8

// PreintegratorConfig holds the four continuous-time noise densities driving
// covariance propagation.
type PreintegratorConfig struct {
	// GyroNoiseSigma is the gyro white noise density in rad/s/sqrt(Hz).
	GyroNoiseSigma float64
	// GyroWalkSigma is the gyro bias random walk density in rad/s^2/sqrt(Hz).
	GyroWalkSigma float64
	// AccelNoiseSigma is the accel white noise density in m/s^2/sqrt(Hz).
	AccelNoiseSigma float64
	// AccelWalkSigma is the accel bias random walk density in m/s^3/sqrt(Hz).
	AccelWalkSigma float64
}

// DefaultPreintegratorConfig returns noise densities typical of a consumer
// MEMS IMU.
func DefaultPreintegratorConfig() PreintegratorConfig {
	return PreintegratorConfig{
		GyroNoiseSigma:  1.7e-4,
		GyroWalkSigma:   1.9e-5,
		AccelNoiseSigma: 2.0e-3,
		AccelWalkSigma:  3.0e-3,
	}
}

// Preintegrator buffers a time-ordered inertial stream and summarizes any
// bracketed sub-interval of it into a RelativeMotion.
type Preintegrator struct {
	cfg     PreintegratorConfig
	logger  golog.Logger
	samples []InertialSample
	dropped int
	frozen  bool
}

// NewPreintegrator returns an empty preintegrator with the given noise
// densities.
func NewPreintegrator(cfg PreintegratorConfig, logger golog.Logger) *Preintegrator {
	if logger == nil {
		logger = golog.Global()
	}
	return &Preintegrator{cfg: cfg, logger: logger}
}

// FeedInertial appends a sample to the buffer. A sample whose timestamp does
// not advance past the last stored one is dropped and counted; it is never
// inserted out of order.
func (p *Preintegrator) FeedInertial(s InertialSample) error {
	if p.frozen {
		return ErrFrozen
	}
	if n := len(p.samples); n > 0 && s.Time <= p.samples[n-1].Time {
		p.dropped++
		p.logger.Warnw("dropping out-of-order inertial sample", "time", s.Time, "last", p.samples[n-1].Time)
		return nil
	}
	p.samples = append(p.samples, s)
	return nil
}

// Freeze ends the ingestion phase. Subsequent FeedInertial calls fail with
// ErrFrozen; queries never mutate the buffer.
func (p *Preintegrator) Freeze() {
	p.frozen = true
}

// DroppedSamples reports how many fed samples were discarded for violating
// the ordering invariant.
func (p *Preintegrator) DroppedSamples() int {
	return p.dropped
}

// Span returns the first and last buffered timestamps. ok is false when the
// buffer is empty.
func (p *Preintegrator) Span() (first, last float64, ok bool) {
	if len(p.samples) == 0 {
		return 0, 0, false
	}
	return p.samples[0].Time, p.samples[len(p.samples)-1].Time, true
}

// Brackets reports whether the buffer holds samples on both sides of t.
func (p *Preintegrator) Brackets(t float64) bool {
	first, last, ok := p.Span()
	return ok && first <= t && t <= last
}

// RelativeMotion integrates the buffered samples across [t0, t1] with the
// given bias linearization points and returns the preintegrated deltas,
// their covariance, and the first-order bias Jacobians. Samples straddling
// the interval boundaries are linearly interpolated to the exact endpoint
// times. The interval must be fully bracketed by the buffer, otherwise
// ErrInsufficientData is returned.
func (p *Preintegrator) RelativeMotion(t0, t1 float64, gyroBias, accelBias r3.Vector) (*RelativeMotion, error) {
	if t1 <= t0 {
		return nil, errors.Wrapf(ErrInsufficientData, "empty interval [%.9f, %.9f]", t0, t1)
	}
	steps, err := p.selectSamples(t0, t1)
	if err != nil {
		return nil, err
	}
	return integrate(p.cfg, steps, gyroBias, accelBias), nil
}

// selectSamples gathers the samples needed to cover [t0, t1], splitting the
// boundary measurements at the exact endpoint times.
func (p *Preintegrator) selectSamples(t0, t1 float64) ([]InertialSample, error) {
	s := p.samples
	if len(s) < 2 || s[0].Time > t0 || s[len(s)-1].Time < t1 {
		return nil, errors.Wrapf(ErrInsufficientData, "interval [%.9f, %.9f] not bracketed", t0, t1)
	}
	// last sample at or before t0, first sample at or after t1
	k0 := sort.Search(len(s), func(i int) bool { return s[i].Time > t0 }) - 1
	k1 := sort.Search(len(s), func(i int) bool { return s[i].Time >= t1 })

	out := make([]InertialSample, 0, k1-k0+1)
	if s[k0].Time < t0 {
		out = append(out, lerpSample(s[k0], s[k0+1], t0))
	} else {
		out = append(out, s[k0])
	}
	for i := k0 + 1; i < k1; i++ {
		out = append(out, s[i])
	}
	if s[k1].Time > t1 {
		out = append(out, lerpSample(s[k1-1], s[k1], t1))
	} else {
		out = append(out, s[k1])
	}
	return out, nil
}

// lerpSample linearly interpolates the rates between two samples rather than
// truncating at a boundary; this keeps sub-sample timing information.
func lerpSample(a, b InertialSample, t float64) InertialSample {
	lambda := (t - a.Time) / (b.Time - a.Time)
	return InertialSample{
		Time:               t,
		AngularVelocity:    a.AngularVelocity.Mul(1 - lambda).Add(b.AngularVelocity.Mul(lambda)),
		LinearAcceleration: a.LinearAcceleration.Mul(1 - lambda).Add(b.LinearAcceleration.Mul(lambda)),
	}
}

// integrate runs the midpoint discrete integration across consecutive sample
// pairs, propagating the 9x9 error-state covariance and the bias Jacobians
// alongside the deltas.
func integrate(cfg PreintegratorConfig, steps []InertialSample, gyroBias, accelBias r3.Vector) *RelativeMotion {
	dRot := quat.Number{Real: 1}
	var dVel, dPos r3.Vector
	var dt float64

	cov := mat.NewDense(9, 9, nil)
	jRotGyro := mat.NewDense(3, 3, nil)
	jVelGyro := mat.NewDense(3, 3, nil)
	jVelAccel := mat.NewDense(3, 3, nil)
	jPosGyro := mat.NewDense(3, 3, nil)
	jPosAccel := mat.NewDense(3, 3, nil)

	for k := 0; k+1 < len(steps); k++ {
		h := steps[k+1].Time - steps[k].Time
		if h < minStepDt {
			continue
		}
		w := steps[k].AngularVelocity.Add(steps[k+1].AngularVelocity).Mul(0.5).Sub(gyroBias)
		a := steps[k].LinearAcceleration.Add(steps[k+1].LinearAcceleration).Mul(0.5).Sub(accelBias)

		rk := spatialmath.QuatToRotationMatrix(dRot)
		phi := w.Mul(h)
		stepRot := spatialmath.QuatExp(phi)
		rStep := spatialmath.QuatToRotationMatrix(stepRot)

		// covariance: P <- A P A^T + G Q G^T, error state [dtheta, dv, dp]
		aMat := mat.NewDense(9, 9, nil)
		setBlock(aMat, 0, 0, transpose3(rStep))
		var rkSkewA mat.Dense
		rkSkewA.Mul(rk, spatialmath.Skew(a))
		setBlock(aMat, 3, 0, scale3(&rkSkewA, -h))
		setBlock(aMat, 3, 3, eye3())
		setBlock(aMat, 6, 0, scale3(&rkSkewA, -0.5*h*h))
		setBlock(aMat, 6, 3, scale3(eye3(), h))
		setBlock(aMat, 6, 6, eye3())
		setBlock(aMat, 0, 3, mat.NewDense(3, 3, nil))
		setBlock(aMat, 0, 6, mat.NewDense(3, 3, nil))
		setBlock(aMat, 3, 6, mat.NewDense(3, 3, nil))

		gMat := mat.NewDense(9, 6, nil)
		setBlock(gMat, 0, 0, scale3(spatialmath.RightJacobian(phi), h))
		setBlock(gMat, 3, 3, scale3(rk, h))
		setBlock(gMat, 6, 3, scale3(rk, 0.5*h*h))

		qDiag := make([]float64, 6)
		for i := 0; i < 3; i++ {
			qDiag[i] = cfg.GyroNoiseSigma * cfg.GyroNoiseSigma / h
			qDiag[i+3] = cfg.AccelNoiseSigma * cfg.AccelNoiseSigma / h
		}
		qMat := mat.NewDiagDense(6, qDiag)

		var apat, gqgt mat.Dense
		apat.Product(aMat, cov, aMat.T())
		gqgt.Product(gMat, qMat, gMat.T())
		cov.Add(&apat, &gqgt)

		// bias Jacobian recursions, all using the pre-update values
		var newJRotGyro, newJVelGyro, newJVelAccel, newJPosGyro, newJPosAccel mat.Dense
		var tmp mat.Dense

		newJRotGyro.Mul(transpose3(rStep), jRotGyro)
		newJRotGyro.Sub(&newJRotGyro, scale3(spatialmath.RightJacobian(phi), h))

		tmp.Mul(&rkSkewA, jRotGyro)
		newJVelGyro.Sub(jVelGyro, scale3(&tmp, h))

		newJVelAccel.Sub(jVelAccel, scale3(rk, h))

		newJPosGyro.Add(jPosGyro, scale3(jVelGyro, h))
		newJPosGyro.Sub(&newJPosGyro, scale3(&tmp, 0.5*h*h))

		newJPosAccel.Add(jPosAccel, scale3(jVelAccel, h))
		newJPosAccel.Sub(&newJPosAccel, scale3(rk, 0.5*h*h))

		jRotGyro.CloneFrom(&newJRotGyro)
		jVelGyro.CloneFrom(&newJVelGyro)
		jVelAccel.CloneFrom(&newJVelAccel)
		jPosGyro.CloneFrom(&newJPosGyro)
		jPosAccel.CloneFrom(&newJPosAccel)

		// midpoint rotation for the velocity/position updates
		rMid := spatialmath.QuatToRotationMatrix(quat.Mul(dRot, spatialmath.QuatExp(phi.Mul(0.5))))
		aRot := spatialmath.MatVec(rMid, a)
		dPos = dPos.Add(dVel.Mul(h)).Add(aRot.Mul(0.5 * h * h))
		dVel = dVel.Add(aRot.Mul(h))
		dRot = spatialmath.Normalize(quat.Mul(dRot, stepRot))
		dt += h
	}

	// full 15x15 covariance: preintegrated block plus the independent bias
	// random walk accumulated over the interval
	full := mat.NewSymDense(15, nil)
	for i := 0; i < 9; i++ {
		for j := i; j < 9; j++ {
			full.SetSym(i, j, 0.5*(cov.At(i, j)+cov.At(j, i)))
		}
	}
	for i := 0; i < 3; i++ {
		full.SetSym(9+i, 9+i, cfg.GyroWalkSigma*cfg.GyroWalkSigma*dt)
		full.SetSym(12+i, 12+i, cfg.AccelWalkSigma*cfg.AccelWalkSigma*dt)
	}

	return &RelativeMotion{
		DeltaRot:  dRot,
		DeltaVel:  dVel,
		DeltaPos:  dPos,
		Dt:        dt,
		Cov:       full,
		JRotGyro:  jRotGyro,
		JVelGyro:  jVelGyro,
		JVelAccel: jVelAccel,
		JPosGyro:  jPosGyro,
		JPosAccel: jPosAccel,
		GyroBias:  gyroBias,
		AccelBias: accelBias,
	}
}

func setBlock(dst *mat.Dense, r, c int, src mat.Matrix) {
	rows, cols := src.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst.Set(r+i, c+j, src.At(i, j))
		}
	}
}

func transpose3(m *mat.Dense) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, m.At(j, i))
		}
	}
	return out
}

func scale3(m mat.Matrix, s float64) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, s*m.At(i, j))
		}
	}
	return out
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
