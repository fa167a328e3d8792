package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestQuatExpLogRoundTrip(t *testing.T) {
	vecs := []r3.Vector{
		{X: 0.3, Y: -0.2, Z: 0.1},
		{X: 1e-9, Y: 0, Z: 0},
		{X: 0, Y: 0, Z: 0},
		{X: 2.5, Y: 1.1, Z: -0.7},
	}
	for _, v := range vecs {
		back := QuatLog(QuatExp(v))
		test.That(t, back.X, test.ShouldAlmostEqual, v.X, 1e-9)
		test.That(t, back.Y, test.ShouldAlmostEqual, v.Y, 1e-9)
		test.That(t, back.Z, test.ShouldAlmostEqual, v.Z, 1e-9)
	}
}

func TestQuatLogShorterArc(t *testing.T) {
	v := r3.Vector{X: 0, Y: 0, Z: 0.5}
	q := QuatExp(v)
	back := QuatLog(Flip(q))
	test.That(t, back.Z, test.ShouldAlmostEqual, 0.5, 1e-12)
}

func TestRotateVecMatchesMatrix(t *testing.T) {
	q := QuatExp(r3.Vector{X: 0.4, Y: -0.3, Z: 0.9})
	v := r3.Vector{X: 1, Y: -2, Z: 3}
	byQuat := RotateVec(q, v)
	byMat := MatVec(QuatToRotationMatrix(q), v)
	test.That(t, byQuat.X, test.ShouldAlmostEqual, byMat.X, 1e-12)
	test.That(t, byQuat.Y, test.ShouldAlmostEqual, byMat.Y, 1e-12)
	test.That(t, byQuat.Z, test.ShouldAlmostEqual, byMat.Z, 1e-12)
}

func TestRightJacobian(t *testing.T) {
	// Jr maps additive perturbations of the rotation vector onto the local
	// tangent: Exp(v+d) ~ Exp(v)*Exp(Jr(v)*d).
	v := r3.Vector{X: 0.2, Y: -0.5, Z: 0.3}
	d := r3.Vector{X: 1e-6, Y: -2e-6, Z: 3e-7}
	lhs := QuatExp(v.Add(d))
	rhs := quat.Mul(QuatExp(v), QuatExp(MatVec(RightJacobian(v), d)))
	test.That(t, QuaternionAlmostEqual(lhs, rhs, 1e-11), test.ShouldBeTrue)
}

func TestSlerpEndpoints(t *testing.T) {
	q1 := QuatExp(r3.Vector{X: 0.1, Y: 0.2, Z: -0.3})
	q2 := QuatExp(r3.Vector{X: -0.4, Y: 0.1, Z: 0.2})
	s0 := Slerp(q1, q2, 0)
	s1 := Slerp(q1, q2, 1)
	test.That(t, s0, test.ShouldResemble, q1)
	test.That(t, QuaternionAlmostEqual(s1, q2, 1e-12), test.ShouldBeTrue)

	mid := Slerp(q1, q2, 0.5)
	// midpoint is equidistant from both ends
	d1 := QuatLog(quat.Mul(quat.Conj(q1), mid)).Norm()
	d2 := QuatLog(quat.Mul(quat.Conj(mid), q2)).Norm()
	test.That(t, d1, test.ShouldAlmostEqual, d2, 1e-10)
}

func TestSlerpShorterArc(t *testing.T) {
	q1 := QuatExp(r3.Vector{Z: 0.2})
	q2 := Flip(QuatExp(r3.Vector{Z: 0.4}))
	mid := Slerp(q1, q2, 0.5)
	test.That(t, QuaternionAlmostEqual(mid, QuatExp(r3.Vector{Z: 0.3}), 1e-10), test.ShouldBeTrue)
}

func TestNormalizeZero(t *testing.T) {
	q := Normalize(quat.Number{})
	test.That(t, q, test.ShouldResemble, quat.Number{Real: 1})
}

func TestSkewCross(t *testing.T) {
	a := r3.Vector{X: 1, Y: 2, Z: 3}
	b := r3.Vector{X: -2, Y: 0.5, Z: 4}
	bySkew := MatVec(Skew(a), b)
	byCross := a.Cross(b)
	test.That(t, bySkew.X, test.ShouldAlmostEqual, byCross.X)
	test.That(t, bySkew.Y, test.ShouldAlmostEqual, byCross.Y)
	test.That(t, bySkew.Z, test.ShouldAlmostEqual, byCross.Z)
	test.That(t, math.Abs(Skew(a).At(0, 0)), test.ShouldEqual, 0)
}
