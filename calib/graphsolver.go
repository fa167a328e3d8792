// Package calib estimates the fixed transform, time offset, and gravity
// direction relating an inertial rig to an external motion tracker. It builds
// a batch factor graph over a set of state nodes, one per requested
// timestamp, ties consecutive nodes with preintegrated inertial motion, ties
// every node to the interpolated tracker pose, and refines everything with a
// damped Gauss-Newton iteration.
package calib

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/meas"
	"github.com/viamrobotics/viconcal/spatialmath"
)

type phase int

const (
	phaseUnbuilt phase = iota
	phaseBuilt
	phaseSolved
)

// GraphSolver runs one build-then-solve calibration over frozen measurement
// buffers. A solver instance is single-use: Build may be called once, Solve
// once after that.
type GraphSolver struct {
	pre    *meas.Preintegrator
	interp *meas.Interpolator
	cfg    Config
	logger golog.Logger

	times []float64
	phase phase

	pr       *problem
	edges    []edge
	excluded []float64
	skipped  int
	buildDur time.Duration

	result *Result
}

// NewGraphSolver wires a solver to its two measurement sources. The sources
// are frozen when Build runs.
func NewGraphSolver(pre *meas.Preintegrator, interp *meas.Interpolator, cfg Config, logger golog.Logger) *GraphSolver {
	if logger == nil {
		logger = golog.Global()
	}
	return &GraphSolver{pre: pre, interp: interp, cfg: cfg, logger: logger}
}

// SetQueryTimestamps sets the candidate state times. Must be called before
// Build; the slice is copied.
func (gs *GraphSolver) SetQueryTimestamps(times []float64) error {
	if gs.phase != phaseUnbuilt {
		return errors.New("query timestamps cannot change after the graph is built")
	}
	gs.times = append([]float64(nil), times...)
	return nil
}

// Build freezes both measurement buffers, admits the query timestamps both
// streams can serve, initializes a state node per admitted time from the
// tracker poses and the initial calibration guess, and assembles the edge
// set. Build mutates nothing on failure and may not be called twice.
func (gs *GraphSolver) Build(initial Calibration) error {
	if gs.phase != phaseUnbuilt {
		return errors.New("graph already built")
	}
	if !gs.cfg.AnchorFirstState && gs.cfg.ExtrinsicRotationPriorSigma <= 0 {
		return errors.Wrap(ErrGaugeUnconstrained,
			"config enables neither a state anchor nor an extrinsic rotation prior")
	}
	start := time.Now()

	gs.pre.Freeze()
	gs.interp.Freeze()

	times := append([]float64(nil), gs.times...)
	sort.Float64s(times)
	times = dedupTimes(times)

	params := newCalibParams(initial)
	admitted := make([]float64, 0, len(times))
	var excluded []float64
	for _, t := range times {
		if gs.pre.Brackets(t) && gs.interp.Brackets(t+params.toff) {
			admitted = append(admitted, t)
		} else {
			excluded = append(excluded, t)
		}
	}
	if len(admitted) < gs.cfg.MinStates {
		return errors.Wrapf(ErrInsufficientOverlap,
			"%d admissible timestamps, need at least %d", len(admitted), gs.cfg.MinStates)
	}

	states, err := gs.initStates(admitted, params)
	if err != nil {
		return err
	}

	pr := &problem{states: states, calib: params, estToff: gs.cfg.EstimateTimeOffset}
	edges, skipped, err := gs.buildEdges(pr, admitted, initial)
	if err != nil {
		return err
	}

	gs.pr = pr
	gs.edges = edges
	gs.excluded = excluded
	gs.skipped = skipped
	gs.phase = phaseBuilt
	gs.buildDur = time.Since(start)
	gs.logger.Infow("graph built",
		"states", len(states),
		"edges", len(edges),
		"excluded_timestamps", len(excluded),
		"skipped_motion_edges", skipped,
		"estimate_time_offset", gs.cfg.EstimateTimeOffset,
		"duration", gs.buildDur)
	return nil
}

// initStates seeds every state node by pulling the tracker pose back through
// the initial extrinsic guess. Velocities come from finite differences of the
// seeded positions; biases start at zero.
func (gs *GraphSolver) initStates(times []float64, params calibParams) ([]StateNode, error) {
	states := make([]StateNode, len(times))
	extInv := quat.Conj(params.rot)
	for i, t := range times {
		ipose, err := gs.interp.PoseAt(t + params.toff)
		if err != nil {
			return nil, errors.Wrapf(err, "seeding state at t=%f", t)
		}
		q := spatialmath.Normalize(quat.Mul(ipose.Orientation, extInv))
		states[i] = StateNode{
			Time:        t,
			Orientation: q,
			Position:    ipose.Position.Sub(spatialmath.RotateVec(q, params.trans)),
		}
	}
	for i := range states {
		lo, hi := i-1, i+1
		if lo < 0 {
			lo = 0
		}
		if hi >= len(states) {
			hi = len(states) - 1
		}
		if dt := states[hi].Time - states[lo].Time; dt > 0 {
			states[i].Velocity = states[hi].Position.Sub(states[lo].Position).Mul(1 / dt)
		}
	}
	return states, nil
}

func (gs *GraphSolver) buildEdges(pr *problem, times []float64, initial Calibration) ([]edge, int, error) {
	cb := pr.calibBlock()
	edges := make([]edge, 0, 2*len(times))
	skipped := 0

	for i := 0; i+1 < len(times); i++ {
		motion, err := gs.pre.RelativeMotion(times[i], times[i+1], r3.Vector{}, r3.Vector{})
		if err != nil {
			if errors.Is(err, meas.ErrInsufficientData) {
				skipped++
				gs.logger.Debugw("no inertial data between states, skipping motion edge",
					"t0", times[i], "t1", times[i+1])
				continue
			}
			return nil, 0, err
		}
		w, err := whitener(motion.Cov)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "motion edge %d-%d", i, i+1)
		}
		edges = append(edges, &motionEdge{i: i, j: i + 1, cb: cb, motion: motion, whiten: w})
	}
	if skipped == len(times)-1 {
		return nil, 0, errors.Wrap(ErrInsufficientOverlap, "no motion edge could be formed")
	}

	for i, t := range times {
		edges = append(edges, &poseEdge{i: i, cb: cb, time: t, interp: gs.interp})
	}

	if gs.cfg.AnchorFirstState {
		s0 := pr.states[0]
		edges = append(edges, &priorPoseEdge{
			i:        0,
			rot:      s0.Orientation,
			pos:      [3]float64{s0.Position.X, s0.Position.Y, s0.Position.Z},
			invTheta: 1 / gs.cfg.AnchorOrientationSigma,
			invPos:   1 / gs.cfg.AnchorPositionSigma,
		})
	}
	if gs.cfg.ExtrinsicRotationPriorSigma > 0 {
		edges = append(edges, &priorRotEdge{
			cb:       cb,
			rot:      spatialmath.Normalize(initial.ExtrinsicRotation),
			invSigma: 1 / gs.cfg.ExtrinsicRotationPriorSigma,
		})
	}
	return edges, skipped, nil
}

// Solve runs the optimizer over the built graph. On numerical failure the
// solver stays in the built phase and Solve returns the error; on success or
// a non-converged cap-out the phase advances and Result becomes available.
func (gs *GraphSolver) Solve(ctx context.Context) (*Result, error) {
	switch gs.phase {
	case phaseUnbuilt:
		return nil, errors.New("graph not built")
	case phaseSolved:
		return gs.result, nil
	}

	start := time.Now()
	out, err := solveLM(ctx, gs.pr, gs.edges, gs.cfg, gs.logger)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Calibration:        gs.pr.calib.calibration(),
		States:             append([]StateNode(nil), gs.pr.states...),
		Status:             out.status,
		InitialCost:        out.initialCost,
		FinalCost:          out.finalCost,
		Iterations:         out.iterations,
		ExcludedTimestamps: gs.excluded,
		SkippedMotionEdges: gs.skipped,
		DroppedInertial:    gs.pre.DroppedSamples(),
		DroppedPoses:       gs.interp.DroppedSamples(),
		BuildDuration:      gs.buildDur,
		SolveDuration:      time.Since(start),
	}
	if out.hessian != nil {
		res.CalibrationCovariance = marginalCovariance(
			out.hessian, gs.pr.blockOffset(gs.pr.calibBlock()), gs.pr.calibDim(), gs.logger)
	}
	res.EdgeResiduals = gs.residualNorms()

	gs.result = res
	gs.phase = phaseSolved
	gs.logger.Infow("solve finished",
		"status", res.Status.String(),
		"iterations", res.Iterations,
		"initial_cost", res.InitialCost,
		"final_cost", res.FinalCost,
		"duration", res.SolveDuration)
	return res, nil
}

// Result returns the solve output, or nil before Solve has succeeded.
func (gs *GraphSolver) Result() *Result {
	return gs.result
}

func (gs *GraphSolver) residualNorms() []float64 {
	norms := make([]float64, 0, len(gs.edges))
	for _, e := range gs.edges {
		res, err := e.residual(gs.pr)
		if err != nil {
			norms = append(norms, math.NaN())
			continue
		}
		var s float64
		for _, v := range res {
			s += v * v
		}
		norms = append(norms, math.Sqrt(s))
	}
	return norms
}

func dedupTimes(sorted []float64) []float64 {
	out := sorted[:0]
	for i, t := range sorted {
		if i == 0 || t != sorted[i-1] {
			out = append(out, t)
		}
	}
	return out
}
