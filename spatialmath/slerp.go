package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// Slerp spherically interpolates between two unit quaternions, taking the
// shorter arc between them. At by=0 it returns q1 exactly and at by=1 it
// returns q2 (sign-aligned with q1 to avoid the double-cover discontinuity).
func Slerp(q1, q2 quat.Number, by float64) quat.Number {
	dot := q1.Real*q2.Real + q1.Imag*q2.Imag + q1.Jmag*q2.Jmag + q1.Kmag*q2.Kmag
	if dot < 0 {
		q2 = Flip(q2)
		dot = -dot
	}
	if by == 0 {
		return q1
	}
	if by == 1 {
		return q2
	}
	if dot > 1-1e-12 {
		// nearly identical orientations, fall back to normalized lerp
		return Normalize(quat.Number{
			Real: (1-by)*q1.Real + by*q2.Real,
			Imag: (1-by)*q1.Imag + by*q2.Imag,
			Jmag: (1-by)*q1.Jmag + by*q2.Jmag,
			Kmag: (1-by)*q1.Kmag + by*q2.Kmag,
		})
	}
	theta := math.Acos(dot)
	s1 := math.Sin((1-by)*theta) / math.Sin(theta)
	s2 := math.Sin(by*theta) / math.Sin(theta)
	return quat.Number{
		Real: s1*q1.Real + s2*q2.Real,
		Imag: s1*q1.Imag + s2*q2.Imag,
		Jmag: s1*q1.Jmag + s2*q2.Jmag,
		Kmag: s1*q1.Kmag + s2*q2.Kmag,
	}
}

// QuaternionAlmostEqual compares two quaternions up to sign within tol on each
// component.
func QuaternionAlmostEqual(q1, q2 quat.Number, tol float64) bool {
	if q1.Real*q2.Real+q1.Imag*q2.Imag+q1.Jmag*q2.Jmag+q1.Kmag*q2.Kmag < 0 {
		q2 = Flip(q2)
	}
	return math.Abs(q1.Real-q2.Real) < tol &&
		math.Abs(q1.Imag-q2.Imag) < tol &&
		math.Abs(q1.Jmag-q2.Jmag) < tol &&
		math.Abs(q1.Kmag-q2.Kmag) < tol
}
