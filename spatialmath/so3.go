// Package spatialmath defines the spatial mathematical operations shared by the
// measurement engines and the calibration solver: quaternion rotations, the
// SO(3) exponential and logarithm maps, and the small dense matrices used for
// covariance propagation.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Quaternions are Hamilton convention with the real part first, matching
// gonum's quat.Number. A unit quaternion q represents the rotation matrix
// QuatToRotationMatrix(q) mapping vectors from the rotated frame into the
// reference frame.

// smallAngle is the squared-angle threshold below which the exp/log maps and
// the right Jacobian fall back to their series expansions.
const smallAngle = 1e-10

// Skew returns the 3x3 skew-symmetric (cross-product) matrix of v.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// QuatExp maps a rotation vector (axis scaled by angle, in radians) to a unit
// quaternion.
func QuatExp(v r3.Vector) quat.Number {
	theta2 := v.Dot(v)
	if theta2 < smallAngle {
		// first-order expansion, normalized to stay on the unit sphere
		return Normalize(quat.Number{Real: 1, Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2})
	}
	theta := math.Sqrt(theta2)
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: v.X * s, Jmag: v.Y * s, Kmag: v.Z * s}
}

// QuatLog maps a unit quaternion to its rotation vector, always taking the
// shorter arc so the result has angle in [0, pi].
func QuatLog(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = Flip(q)
	}
	im := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sin := im.Norm()
	if sin < 1e-12 {
		return im.Mul(2)
	}
	theta := 2 * math.Atan2(sin, q.Real)
	return im.Mul(theta / sin)
}

// Flip multiplies a quaternion by -1. The result represents the same rotation
// on the opposite cover of the unit sphere.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// Normalize scales a quaternion to unit norm.
func Normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Number{Real: q.Real / n, Imag: q.Imag / n, Jmag: q.Jmag / n, Kmag: q.Kmag / n}
}

// RotateVec rotates v by the unit quaternion q, i.e. computes R(q)*v.
func RotateVec(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// QuatToRotationMatrix returns the 3x3 rotation matrix of a unit quaternion.
func QuatToRotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RightJacobian returns the right Jacobian of SO(3) at the rotation vector v,
// relating additive perturbations of v to multiplicative perturbations of
// QuatExp(v).
func RightJacobian(v r3.Vector) *mat.Dense {
	theta2 := v.Dot(v)
	sk := Skew(v)
	jr := eye3()
	var sk2 mat.Dense
	sk2.Mul(sk, sk)
	if theta2 < smallAngle {
		addScaled(jr, sk, -0.5)
		addScaled(jr, &sk2, 1.0/6.0)
		return jr
	}
	theta := math.Sqrt(theta2)
	addScaled(jr, sk, -(1-math.Cos(theta))/theta2)
	addScaled(jr, &sk2, (theta-math.Sin(theta))/(theta2*theta))
	return jr
}

// MatVec multiplies a 3x3 matrix by an r3 vector.
func MatVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func addScaled(dst, src *mat.Dense, s float64) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dst.Set(i, j, dst.At(i, j)+s*src.At(i, j))
		}
	}
}
