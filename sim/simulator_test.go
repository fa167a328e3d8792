package sim

import (
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/meas"
	"github.com/viamrobotics/viconcal/spatialmath"
)

func TestTruthVelocityMatchesPosition(t *testing.T) {
	s := New(DefaultParams())
	const h = 1e-6
	for _, tt := range []float64{0.1, 1.7, 4.2, 8.9} {
		_, pPlus := s.TruthPose(tt + h)
		_, pMinus := s.TruthPose(tt - h)
		num := pPlus.Sub(pMinus).Mul(1 / (2 * h))
		v := s.TruthVelocity(tt)
		test.That(t, num.Sub(v).Norm(), test.ShouldBeLessThan, 1e-5)
	}
}

func TestBodyRatesMatchOrientation(t *testing.T) {
	s := New(DefaultParams())
	const h = 1e-6
	for _, tt := range []float64{0.3, 2.1, 5.5, 9.4} {
		q, _ := s.TruthPose(tt)
		qPlus, _ := s.TruthPose(tt + h)
		// q(t+h) ~ q(t) * Exp(w*h) for body-frame rates
		dRot := spatialmath.QuatLog(quat.Mul(quat.Conj(q), qPlus))
		num := dRot.Mul(1 / h)
		w := bodyRates(tt)
		test.That(t, num.Sub(w).Norm(), test.ShouldBeLessThan, 1e-4)
	}
}

func TestAccelerometerMeasuresSpecificForce(t *testing.T) {
	p := DefaultParams()
	s := New(p)
	samples := s.InertialSamples()
	test.That(t, len(samples), test.ShouldBeGreaterThan, int(p.Duration*p.ImuRate))
	// rotating the measurement into the tracker frame and adding gravity
	// recovers the trajectory acceleration
	mid := samples[len(samples)/2]
	q, _ := s.TruthPose(mid.Time)
	aWorld := spatialmath.RotateVec(q, mid.LinearAcceleration).Add(p.Gravity)
	test.That(t, aWorld.Sub(truthAcceleration(mid.Time)).Norm(), test.ShouldBeLessThan, 1e-9)
}

func TestPoseSamplesApplyExtrinsics(t *testing.T) {
	p := DefaultParams()
	p.TimeOffset = 0.03
	s := New(p)
	samples := s.PoseSamples()

	ps := samples[len(samples)/2]
	bodyTime := ps.Time - p.TimeOffset
	q, pos := s.TruthPose(bodyTime)
	wantQ := quat.Mul(q, p.ExtrinsicRotation)
	wantP := pos.Add(spatialmath.RotateVec(q, p.ExtrinsicTranslation))
	test.That(t, spatialmath.QuaternionAlmostEqual(ps.Orientation, wantQ, 1e-12), test.ShouldBeTrue)
	test.That(t, ps.Position.Sub(wantP).Norm(), test.ShouldBeLessThan, 1e-12)
}

func TestPoseSpanCoversInertialSpanWithMargin(t *testing.T) {
	p := DefaultParams()
	p.TimeOffset = -0.05
	s := New(p)

	pre := meas.NewPreintegrator(meas.DefaultPreintegratorConfig(), nil)
	interp := meas.NewInterpolator(nil)
	test.That(t, s.Feed(pre, interp), test.ShouldBeNil)

	first, last, ok := interp.Span()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, first, test.ShouldBeLessThan, 0+p.TimeOffset)
	test.That(t, last, test.ShouldBeGreaterThan, p.Duration+p.TimeOffset)
	test.That(t, interp.Brackets(0+p.TimeOffset), test.ShouldBeTrue)
	test.That(t, interp.Brackets(p.Duration+p.TimeOffset), test.ShouldBeTrue)
}

func TestSeededNoiseIsDeterministic(t *testing.T) {
	p := DefaultParams()
	p.GyroNoise = 1e-3
	p.AccelNoise = 1e-2
	a := New(p).InertialSamples()
	b := New(p).InertialSamples()
	test.That(t, a[7].AngularVelocity, test.ShouldResemble, b[7].AngularVelocity)
	test.That(t, a[7].LinearAcceleration, test.ShouldResemble, b[7].LinearAcceleration)
}
