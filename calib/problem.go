package calib

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/spatialmath"
)

// stateDim is the tangent dimension of one StateNode: orientation, velocity,
// position, gyro bias, accel bias.
const stateDim = 15

// problem is the current parameter estimate the edges are evaluated against:
// all state nodes plus the shared calibration block (always the last block).
type problem struct {
	states  []StateNode
	calib   calibParams
	estToff bool
}

func (pr *problem) clone() *problem {
	out := &problem{
		states:  make([]StateNode, len(pr.states)),
		calib:   pr.calib,
		estToff: pr.estToff,
	}
	copy(out.states, pr.states)
	return out
}

// calibBlock is the block index of the calibration parameters.
func (pr *problem) calibBlock() int {
	return len(pr.states)
}

func (pr *problem) calibDim() int {
	if pr.estToff {
		return 9
	}
	return 8
}

func (pr *problem) blockDim(b int) int {
	if b < len(pr.states) {
		return stateDim
	}
	return pr.calibDim()
}

func (pr *problem) blockOffset(b int) int {
	return b * stateDim
}

// dim is the total tangent dimension of the problem.
func (pr *problem) dim() int {
	return len(pr.states)*stateDim + pr.calibDim()
}

// applyStep retracts the full step vector onto every block.
func (pr *problem) applyStep(step []float64) {
	for i := range pr.states {
		off := pr.blockOffset(i)
		pr.states[i] = retractState(pr.states[i], step[off:off+stateDim])
	}
	off := pr.blockOffset(pr.calibBlock())
	pr.calib = retractCalib(pr.calib, step[off:off+pr.calibDim()], pr.estToff)
}

// retractState applies a 15-dof tangent increment to a state node. The
// orientation update is multiplicative on the right; everything else is
// additive.
func retractState(s StateNode, d []float64) StateNode {
	s.Orientation = spatialmath.Normalize(quat.Mul(s.Orientation, spatialmath.QuatExp(r3.Vector{X: d[0], Y: d[1], Z: d[2]})))
	s.Velocity = s.Velocity.Add(r3.Vector{X: d[3], Y: d[4], Z: d[5]})
	s.Position = s.Position.Add(r3.Vector{X: d[6], Y: d[7], Z: d[8]})
	s.GyroBias = s.GyroBias.Add(r3.Vector{X: d[9], Y: d[10], Z: d[11]})
	s.AccelBias = s.AccelBias.Add(r3.Vector{X: d[12], Y: d[13], Z: d[14]})
	return s
}

// retractCalib applies a calibration tangent increment: rotation (3), then
// translation (3), gravity tilt angles (2), and the time offset when it is
// being estimated.
func retractCalib(c calibParams, d []float64, estToff bool) calibParams {
	c.rot = spatialmath.Normalize(quat.Mul(c.rot, spatialmath.QuatExp(r3.Vector{X: d[0], Y: d[1], Z: d[2]})))
	c.trans = c.trans.Add(r3.Vector{X: d[3], Y: d[4], Z: d[5]})
	c.gravX += d[6]
	c.gravY += d[7]
	if estToff {
		c.toff += d[8]
	}
	return c
}
