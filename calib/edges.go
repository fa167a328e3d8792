package calib

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/meas"
	"github.com/viamrobotics/viconcal/spatialmath"
)

// edge is one weighted residual term of the least-squares problem. Residuals
// are returned whitened (premultiplied by the inverse Cholesky factor of the
// measurement covariance) so the solver can treat every edge as unit-weight.
// An edge evaluation is a pure function of the current problem estimate and
// the frozen measurement buffers.
type edge interface {
	dim() int
	blocks() []int
	residual(pr *problem) ([]float64, error)
}

// whitener returns inv(L) for the Cholesky factorization cov = L*L^T.
func whitener(cov mat.Symmetric) (*mat.Dense, error) {
	var ch mat.Cholesky
	if !ch.Factorize(cov) {
		return nil, errors.Wrap(ErrNumericalFailure, "measurement covariance is not positive definite")
	}
	n := cov.SymmetricDim()
	var l mat.TriDense
	ch.LTo(&l)
	eye := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		eye.Set(i, i, 1)
	}
	var inv mat.Dense
	if err := inv.Solve(&l, eye); err != nil {
		return nil, errors.Wrap(ErrNumericalFailure, err.Error())
	}
	return &inv, nil
}

func whitenInto(w *mat.Dense, raw []float64) []float64 {
	n := len(raw)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var s float64
		for j := 0; j < n; j++ {
			s += w.At(i, j) * raw[j]
		}
		out[i] = s
	}
	return out
}

// motionEdge constrains two consecutive state nodes through the preintegrated
// inertial motion between their timestamps, first-order corrected to the
// current bias estimate of the earlier node. The last six residual rows tie
// the biases of the two nodes through the random-walk model.
type motionEdge struct {
	i, j   int
	cb     int
	motion *meas.RelativeMotion
	whiten *mat.Dense
}

func (e *motionEdge) dim() int      { return 15 }
func (e *motionEdge) blocks() []int { return []int{e.i, e.j, e.cb} }

func (e *motionEdge) residual(pr *problem) ([]float64, error) {
	si, sj := &pr.states[e.i], &pr.states[e.j]
	c := e.motion.Corrected(si.GyroBias, si.AccelBias)
	qiInv := quat.Conj(si.Orientation)

	rRot := spatialmath.QuatLog(quat.Mul(quat.Conj(c.DeltaRot), quat.Mul(qiInv, sj.Orientation)))

	gravInI := spatialmath.RotateVec(qiInv, pr.calib.gravity())
	mVel, mPos := c.Compensated(gravInI)
	rVel := spatialmath.RotateVec(qiInv, sj.Velocity.Sub(si.Velocity)).Sub(mVel)
	rPos := spatialmath.RotateVec(qiInv, sj.Position.Sub(si.Position).Sub(si.Velocity.Mul(c.Dt))).Sub(mPos)

	rBg := sj.GyroBias.Sub(si.GyroBias)
	rBa := sj.AccelBias.Sub(si.AccelBias)

	raw := []float64{
		rRot.X, rRot.Y, rRot.Z,
		rVel.X, rVel.Y, rVel.Z,
		rPos.X, rPos.Y, rPos.Z,
		rBg.X, rBg.Y, rBg.Z,
		rBa.X, rBa.Y, rBa.Z,
	}
	return whitenInto(e.whiten, raw), nil
}

// poseEdge anchors one state node to the interpolated tracker pose at the
// node's timestamp shifted by the current time offset. Because the
// interpolated covariance moves with the time offset, the whitening is
// recomputed on every evaluation, as is the pose itself.
type poseEdge struct {
	i, cb  int
	time   float64
	interp *meas.Interpolator
}

func (e *poseEdge) dim() int      { return 6 }
func (e *poseEdge) blocks() []int { return []int{e.i, e.cb} }

func (e *poseEdge) residual(pr *problem) ([]float64, error) {
	ipose, err := e.interp.PoseAt(e.time + pr.calib.toff)
	if err != nil {
		if errors.Is(err, meas.ErrOutOfRange) {
			// the time offset drifted past the buffered span; the edge
			// contributes nothing at this estimate
			return make([]float64, 6), nil
		}
		return nil, err
	}
	w, err := whitener(ipose.Covariance)
	if err != nil {
		return nil, err
	}

	si := &pr.states[e.i]
	qPred := quat.Mul(si.Orientation, pr.calib.rot)
	pPred := si.Position.Add(spatialmath.RotateVec(si.Orientation, pr.calib.trans))

	rRot := spatialmath.QuatLog(quat.Mul(quat.Conj(ipose.Orientation), qPred))
	rPos := pPred.Sub(ipose.Position)

	raw := []float64{rRot.X, rRot.Y, rRot.Z, rPos.X, rPos.Y, rPos.Z}
	return whitenInto(w, raw), nil
}

// priorPoseEdge fixes the gauge by anchoring one node's pose about a fixed
// value with diagonal sigmas.
type priorPoseEdge struct {
	i        int
	rot      quat.Number
	pos      [3]float64
	invTheta float64
	invPos   float64
}

func (e *priorPoseEdge) dim() int      { return 6 }
func (e *priorPoseEdge) blocks() []int { return []int{e.i} }

func (e *priorPoseEdge) residual(pr *problem) ([]float64, error) {
	si := &pr.states[e.i]
	rRot := spatialmath.QuatLog(quat.Mul(quat.Conj(e.rot), si.Orientation))
	return []float64{
		rRot.X * e.invTheta, rRot.Y * e.invTheta, rRot.Z * e.invTheta,
		(si.Position.X - e.pos[0]) * e.invPos,
		(si.Position.Y - e.pos[1]) * e.invPos,
		(si.Position.Z - e.pos[2]) * e.invPos,
	}, nil
}

// priorRotEdge anchors the extrinsic rotation about its initial guess.
type priorRotEdge struct {
	cb       int
	rot      quat.Number
	invSigma float64
}

func (e *priorRotEdge) dim() int      { return 3 }
func (e *priorRotEdge) blocks() []int { return []int{e.cb} }

func (e *priorRotEdge) residual(pr *problem) ([]float64, error) {
	r := spatialmath.QuatLog(quat.Mul(quat.Conj(e.rot), pr.calib.rot))
	return []float64{r.X * e.invSigma, r.Y * e.invSigma, r.Z * e.invSigma}, nil
}
