package calib

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/meas"
	"github.com/viamrobotics/viconcal/sim"
	"github.com/viamrobotics/viconcal/spatialmath"
)

func simBuffers(t *testing.T, p sim.Params) (*meas.Preintegrator, *meas.Interpolator) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	pre := meas.NewPreintegrator(meas.DefaultPreintegratorConfig(), logger)
	interp := meas.NewInterpolator(logger)
	test.That(t, sim.New(p).Feed(pre, interp), test.ShouldBeNil)
	return pre, interp
}

func queryTimes(from, to, step float64) []float64 {
	var out []float64
	for t := from; t <= to+1e-9; t += step {
		out = append(out, t)
	}
	return out
}

func solveSim(t *testing.T, p sim.Params, cfg Config) *Result {
	t.Helper()
	pre, interp := simBuffers(t, p)
	gs := NewGraphSolver(pre, interp, cfg, golog.NewTestLogger(t))
	test.That(t, gs.SetQueryTimestamps(queryTimes(0.25, p.Duration-0.25, 0.5)), test.ShouldBeNil)
	test.That(t, gs.Build(IdentityCalibration()), test.ShouldBeNil)
	res, err := gs.Solve(context.Background())
	test.That(t, err, test.ShouldBeNil)
	return res
}

func TestSolveRecoversExtrinsics(t *testing.T) {
	p := sim.DefaultParams()
	cfg := DefaultConfig()
	cfg.EstimateTimeOffset = false

	res := solveSim(t, p, cfg)
	test.That(t, res.Status, test.ShouldEqual, StatusSolved)
	test.That(t, res.FinalCost, test.ShouldBeLessThan, res.InitialCost)

	rotErr := spatialmath.QuatLog(quat.Mul(quat.Conj(p.ExtrinsicRotation), res.Calibration.ExtrinsicRotation))
	test.That(t, rotErr.Norm(), test.ShouldBeLessThan, 1e-3)
	test.That(t, res.Calibration.ExtrinsicTranslation.Sub(p.ExtrinsicTranslation).Norm(), test.ShouldBeLessThan, 1e-3)

	gDir := res.Calibration.Gravity.Mul(1 / res.Calibration.Gravity.Norm())
	wantDir := p.Gravity.Mul(1 / p.Gravity.Norm())
	test.That(t, gDir.Sub(wantDir).Norm(), test.ShouldBeLessThan, 1e-3)

	test.That(t, len(res.States), test.ShouldEqual, 20)
	test.That(t, res.CalibrationCovariance, test.ShouldNotBeNil)
	test.That(t, res.CalibrationCovariance.SymmetricDim(), test.ShouldEqual, 8)
}

func TestSolveRecoversTimeOffset(t *testing.T) {
	p := sim.DefaultParams()
	p.TimeOffset = 0.02
	cfg := DefaultConfig()
	cfg.EstimateTimeOffset = true

	res := solveSim(t, p, cfg)
	test.That(t, res.Status, test.ShouldEqual, StatusSolved)
	test.That(t, math.Abs(res.Calibration.TimeOffset-p.TimeOffset), test.ShouldBeLessThan, 1e-3)
	test.That(t, res.CalibrationCovariance.SymmetricDim(), test.ShouldEqual, 9)
}

func TestSolveRecoversTrajectoryVelocity(t *testing.T) {
	p := sim.DefaultParams()
	cfg := DefaultConfig()
	cfg.EstimateTimeOffset = false

	res := solveSim(t, p, cfg)
	s := sim.New(p)
	mid := res.States[len(res.States)/2]
	test.That(t, mid.Velocity.Sub(s.TruthVelocity(mid.Time)).Norm(), test.ShouldBeLessThan, 1e-2)
	test.That(t, mid.GyroBias.Norm(), test.ShouldBeLessThan, 1e-2)
}

func TestSolveIsDeterministic(t *testing.T) {
	p := sim.DefaultParams()
	p.GyroNoise = 1e-4
	p.AccelNoise = 1e-3
	cfg := DefaultConfig()
	cfg.EstimateTimeOffset = false

	a := solveSim(t, p, cfg)
	b := solveSim(t, p, cfg)
	test.That(t, b.Calibration, test.ShouldResemble, a.Calibration)
	test.That(t, b.FinalCost, test.ShouldEqual, a.FinalCost)
	test.That(t, b.Iterations, test.ShouldEqual, a.Iterations)
}

func TestBuildInsufficientOverlap(t *testing.T) {
	p := sim.DefaultParams()
	p.Duration = 0.5
	pre, interp := simBuffers(t, p)

	gs := NewGraphSolver(pre, interp, DefaultConfig(), golog.NewTestLogger(t))
	// only one of these can be bracketed by the half second of inertial data
	test.That(t, gs.SetQueryTimestamps([]float64{0.25, 5, 10, 15}), test.ShouldBeNil)
	err := gs.Build(IdentityCalibration())
	test.That(t, errors.Is(err, ErrInsufficientOverlap), test.ShouldBeTrue)

	// the failed build leaves the solver unbuilt
	test.That(t, gs.SetQueryTimestamps(queryTimes(0.1, 0.4, 0.1)), test.ShouldBeNil)
	test.That(t, gs.Result(), test.ShouldBeNil)
}

func TestBuildExcludesUnbracketedTimestamps(t *testing.T) {
	p := sim.DefaultParams()
	pre, interp := simBuffers(t, p)
	cfg := DefaultConfig()
	cfg.EstimateTimeOffset = false

	gs := NewGraphSolver(pre, interp, cfg, golog.NewTestLogger(t))
	times := append(queryTimes(0.25, p.Duration-0.25, 0.5), -3, p.Duration+4)
	test.That(t, gs.SetQueryTimestamps(times), test.ShouldBeNil)
	test.That(t, gs.Build(IdentityCalibration()), test.ShouldBeNil)

	res, err := gs.Solve(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.ExcludedTimestamps, test.ShouldResemble, []float64{-3, p.Duration + 4})
}

func TestGaugeUnconstrainedConfig(t *testing.T) {
	p := sim.DefaultParams()
	pre, interp := simBuffers(t, p)
	cfg := DefaultConfig()
	cfg.AnchorFirstState = false
	cfg.ExtrinsicRotationPriorSigma = 0

	gs := NewGraphSolver(pre, interp, cfg, golog.NewTestLogger(t))
	test.That(t, gs.SetQueryTimestamps(queryTimes(0.25, 9.75, 0.5)), test.ShouldBeNil)
	err := gs.Build(IdentityCalibration())
	test.That(t, errors.Is(err, ErrGaugeUnconstrained), test.ShouldBeTrue)
}

func TestSolverPhases(t *testing.T) {
	p := sim.DefaultParams()
	pre, interp := simBuffers(t, p)
	cfg := DefaultConfig()
	cfg.EstimateTimeOffset = false

	gs := NewGraphSolver(pre, interp, cfg, golog.NewTestLogger(t))
	_, err := gs.Solve(context.Background())
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, gs.SetQueryTimestamps(queryTimes(0.25, 9.75, 0.5)), test.ShouldBeNil)
	test.That(t, gs.Build(IdentityCalibration()), test.ShouldBeNil)

	test.That(t, gs.SetQueryTimestamps([]float64{1}), test.ShouldNotBeNil)
	test.That(t, gs.Build(IdentityCalibration()), test.ShouldNotBeNil)

	res, err := gs.Solve(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gs.Result(), test.ShouldEqual, res)

	// solving again returns the cached result
	again, err := gs.Solve(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again, test.ShouldEqual, res)
}

func TestSolveCanceledContext(t *testing.T) {
	p := sim.DefaultParams()
	pre, interp := simBuffers(t, p)
	cfg := DefaultConfig()
	cfg.EstimateTimeOffset = false

	gs := NewGraphSolver(pre, interp, cfg, golog.NewTestLogger(t))
	test.That(t, gs.SetQueryTimestamps(queryTimes(0.25, 9.75, 0.5)), test.ShouldBeNil)
	test.That(t, gs.Build(IdentityCalibration()), test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := gs.Solve(ctx)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, gs.Result(), test.ShouldBeNil)
}

func TestVelocitySeedIsFiniteDifference(t *testing.T) {
	p := sim.DefaultParams()
	pre, interp := simBuffers(t, p)

	gs := NewGraphSolver(pre, interp, DefaultConfig(), golog.NewTestLogger(t))
	times := queryTimes(0.25, 9.75, 0.5)
	test.That(t, gs.SetQueryTimestamps(times), test.ShouldBeNil)
	test.That(t, gs.Build(IdentityCalibration()), test.ShouldBeNil)

	s := sim.New(p)
	mid := gs.pr.states[len(gs.pr.states)/2]
	// central differencing of a smooth trajectory at half second spacing
	test.That(t, mid.Velocity.Sub(s.TruthVelocity(mid.Time)).Norm(), test.ShouldBeLessThan, 0.2)
	test.That(t, mid.GyroBias, test.ShouldResemble, r3.Vector{})
}
