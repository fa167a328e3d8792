package meas

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/spatialmath"
)

func diagCov(v float64) *mat.SymDense {
	return mat.NewSymDense(3, []float64{v, 0, 0, 0, v, 0, 0, 0, v})
}

func feedPoses(t *testing.T, ip *Interpolator, samples []PoseSample) {
	t.Helper()
	for _, s := range samples {
		test.That(t, ip.FeedPose(s), test.ShouldBeNil)
	}
}

func twoPoseBuffer(t *testing.T) (*Interpolator, PoseSample, PoseSample) {
	t.Helper()
	a := PoseSample{
		Time:           1.0,
		Orientation:    spatialmath.QuatExp(r3.Vector{Z: 0.2}),
		Position:       r3.Vector{X: 1, Y: 2, Z: 3},
		OrientationCov: diagCov(1e-4),
		PositionCov:    diagCov(1e-6),
	}
	b := PoseSample{
		Time:           2.0,
		Orientation:    spatialmath.QuatExp(r3.Vector{Z: 0.6}),
		Position:       r3.Vector{X: 2, Y: 0, Z: 5},
		OrientationCov: diagCov(4e-4),
		PositionCov:    diagCov(9e-6),
	}
	ip := NewInterpolator(golog.NewTestLogger(t))
	feedPoses(t, ip, []PoseSample{a, b})
	return ip, a, b
}

func TestPoseAtEndpoints(t *testing.T) {
	ip, a, b := twoPoseBuffer(t)

	got, err := ip.PoseAt(1.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Orientation, test.ShouldResemble, a.Orientation)
	test.That(t, got.Position, test.ShouldResemble, a.Position)

	got, err = ip.PoseAt(2.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Orientation, test.ShouldResemble, b.Orientation)
	test.That(t, got.Position, test.ShouldResemble, b.Position)
}

func TestPoseAtInterpolates(t *testing.T) {
	ip, a, b := twoPoseBuffer(t)

	got, err := ip.PoseAt(1.5)
	test.That(t, err, test.ShouldBeNil)

	wantRot := spatialmath.QuatExp(r3.Vector{Z: 0.4})
	test.That(t, spatialmath.QuaternionAlmostEqual(got.Orientation, wantRot, 1e-10), test.ShouldBeTrue)
	test.That(t, got.Position.X, test.ShouldAlmostEqual, 1.5)
	test.That(t, got.Position.Y, test.ShouldAlmostEqual, 1.0)
	test.That(t, got.Position.Z, test.ShouldAlmostEqual, 4.0)

	// covariance blends the endpoint blocks by the complementary factors
	test.That(t, got.Covariance.At(0, 0), test.ShouldAlmostEqual, 0.5*a.OrientationCov.At(0, 0)+0.5*b.OrientationCov.At(0, 0))
	test.That(t, got.Covariance.At(3, 3), test.ShouldAlmostEqual, 0.5*a.PositionCov.At(0, 0)+0.5*b.PositionCov.At(0, 0))
}

func TestPoseAtSignAlignment(t *testing.T) {
	// the second sample reports the same orientation on the opposite cover;
	// interpolation must not swing through the long way around
	ip := NewInterpolator(golog.NewTestLogger(t))
	feedPoses(t, ip, []PoseSample{
		{
			Time:           0,
			Orientation:    spatialmath.QuatExp(r3.Vector{Z: 0.2}),
			Position:       r3.Vector{},
			OrientationCov: diagCov(1e-4),
			PositionCov:    diagCov(1e-6),
		},
		{
			Time:           1,
			Orientation:    spatialmath.Flip(spatialmath.QuatExp(r3.Vector{Z: 0.4})),
			Position:       r3.Vector{},
			OrientationCov: diagCov(1e-4),
			PositionCov:    diagCov(1e-6),
		},
	})

	got, err := ip.PoseAt(0.5)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.QuaternionAlmostEqual(got.Orientation, spatialmath.QuatExp(r3.Vector{Z: 0.3}), 1e-10), test.ShouldBeTrue)
}

func TestPoseAtOutOfRange(t *testing.T) {
	ip, _, _ := twoPoseBuffer(t)

	_, err := ip.PoseAt(0.999)
	test.That(t, errors.Is(err, ErrOutOfRange), test.ShouldBeTrue)
	_, err = ip.PoseAt(2.001)
	test.That(t, errors.Is(err, ErrOutOfRange), test.ShouldBeTrue)

	empty := NewInterpolator(golog.NewTestLogger(t))
	_, err = empty.PoseAt(1.0)
	test.That(t, errors.Is(err, ErrOutOfRange), test.ShouldBeTrue)
}

func TestInterpolatedCovariancePSD(t *testing.T) {
	// non-diagonal but valid SPD endpoint covariances
	oriA := mat.NewSymDense(3, []float64{2, 0.3, -0.1, 0.3, 1.5, 0.2, -0.1, 0.2, 1.0})
	posA := mat.NewSymDense(3, []float64{1e-4, 1e-5, 0, 1e-5, 2e-4, 0, 0, 0, 3e-4})
	oriB := mat.NewSymDense(3, []float64{0.5, -0.2, 0, -0.2, 0.8, 0.1, 0, 0.1, 0.9})
	posB := mat.NewSymDense(3, []float64{5e-4, 0, 1e-5, 0, 4e-4, 0, 1e-5, 0, 2e-4})

	ip := NewInterpolator(golog.NewTestLogger(t))
	feedPoses(t, ip, []PoseSample{
		{Time: 0, Orientation: quat.Number{Real: 1}, OrientationCov: oriA, PositionCov: posA},
		{Time: 1, Orientation: quat.Number{Real: 1}, OrientationCov: oriB, PositionCov: posB},
	})

	for _, lambda := range []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1} {
		got, err := ip.PoseAt(lambda)
		test.That(t, err, test.ShouldBeNil)
		var ch mat.Cholesky
		test.That(t, ch.Factorize(got.Covariance), test.ShouldBeTrue)
		for i := 0; i < 6; i++ {
			for j := i; j < 6; j++ {
				test.That(t, got.Covariance.At(i, j), test.ShouldAlmostEqual, got.Covariance.At(j, i), 1e-15)
			}
		}
	}
}

func TestPoseFeedOrderingAndFreeze(t *testing.T) {
	ip := NewInterpolator(golog.NewTestLogger(t))
	feedPoses(t, ip, []PoseSample{
		{Time: 0, Orientation: quat.Number{Real: 1}, OrientationCov: diagCov(1), PositionCov: diagCov(1)},
		{Time: 1, Orientation: quat.Number{Real: 1}, OrientationCov: diagCov(1), PositionCov: diagCov(1)},
		{Time: 0.5, Orientation: quat.Number{Real: 1}, OrientationCov: diagCov(1), PositionCov: diagCov(1)},
	})
	test.That(t, ip.DroppedSamples(), test.ShouldEqual, 1)

	ip.Freeze()
	err := ip.FeedPose(PoseSample{Time: 2, Orientation: quat.Number{Real: 1}})
	test.That(t, errors.Is(err, ErrFrozen), test.ShouldBeTrue)
}
