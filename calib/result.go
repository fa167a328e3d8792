package calib

import (
	"time"

	"gonum.org/v1/gonum/mat"
)

// Status reports how the optimizer terminated.
type Status int

const (
	// StatusSolved means the iteration met a convergence criterion.
	StatusSolved Status = iota
	// StatusNotConverged means the iteration cap was reached first. The
	// estimate is still the best one found and may be usable.
	StatusNotConverged
)

func (s Status) String() string {
	switch s {
	case StatusSolved:
		return "solved"
	case StatusNotConverged:
		return "not_converged"
	default:
		return "unknown"
	}
}

// Result is the full output of a solve: the calibration estimate, the
// optimized trajectory, and diagnostics about what went into the problem.
type Result struct {
	Calibration Calibration
	States      []StateNode
	Status      Status

	InitialCost float64
	FinalCost   float64
	Iterations  int

	// ExcludedTimestamps lists requested query times that could not be
	// bracketed by both measurement streams and were left out of the graph.
	ExcludedTimestamps []float64
	// SkippedMotionEdges counts consecutive state pairs with no inertial
	// data between them.
	SkippedMotionEdges int
	DroppedInertial    int
	DroppedPoses       int

	// CalibrationCovariance is the marginal covariance of the calibration
	// block, ordered rotation, translation, gravity angles, then time offset
	// when estimated. Nil when the Hessian could not be inverted.
	CalibrationCovariance *mat.SymDense

	// EdgeResiduals holds the final whitened residual norm of every active
	// edge, for outlier inspection.
	EdgeResiduals []float64

	BuildDuration time.Duration
	SolveDuration time.Duration
}

// Trajectory returns a copy of the optimized state nodes in time order.
func (r *Result) Trajectory() []StateNode {
	out := make([]StateNode, len(r.States))
	copy(out, r.States)
	return out
}
