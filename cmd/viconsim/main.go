// Command viconsim generates a synthetic calibration dataset, solves it, and
// reports how well the known ground truth was recovered.
package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/calib"
	"github.com/viamrobotics/viconcal/export"
	"github.com/viamrobotics/viconcal/meas"
	"github.com/viamrobotics/viconcal/sim"
	"github.com/viamrobotics/viconcal/spatialmath"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("viconsim"))
}

type floatFlag float64

func (ff *floatFlag) String() string {
	return strconv.FormatFloat(float64(*ff), 'g', -1, 64)
}

func (ff *floatFlag) Set(val string) error {
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return err
	}
	*ff = floatFlag(v)
	return nil
}

func (ff *floatFlag) Get() interface{} {
	return float64(*ff)
}

// Arguments for the command.
type Arguments struct {
	Duration   floatFlag `flag:"duration,default=10,usage=trajectory length (s)"`
	TimeOffset floatFlag `flag:"time-offset,default=0.02,usage=ground truth rig-to-tracker time offset (s)"`
	GyroNoise  floatFlag `flag:"gyro-noise,default=0,usage=gyro noise sigma per sample (rad/s)"`
	AccelNoise floatFlag `flag:"accel-noise,default=0,usage=accel noise sigma per sample (m/s^2)"`
	StateRate  floatFlag `flag:"state-rate,default=4,usage=state nodes per second"`
	Seed       int       `flag:"seed,default=1,usage=noise seed"`
	OutDir     string    `flag:"out,default=.,usage=output directory"`
	Plot       bool      `flag:"plot,usage=also write a top-down trajectory plot"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	p := sim.DefaultParams()
	p.Duration = float64(argsParsed.Duration)
	p.TimeOffset = float64(argsParsed.TimeOffset)
	p.GyroNoise = float64(argsParsed.GyroNoise)
	p.AccelNoise = float64(argsParsed.AccelNoise)
	p.Seed = int64(argsParsed.Seed)

	s := sim.New(p)
	pre := meas.NewPreintegrator(meas.DefaultPreintegratorConfig(), logger)
	interp := meas.NewInterpolator(logger)
	if err := s.Feed(pre, interp); err != nil {
		return err
	}

	margin := 0.25
	step := 1 / float64(argsParsed.StateRate)
	var times []float64
	for t := margin; t <= p.Duration-margin+1e-9; t += step {
		times = append(times, t)
	}

	cfg := calib.DefaultConfig()
	cfg.EstimateTimeOffset = true

	solver := calib.NewGraphSolver(pre, interp, cfg, logger)
	if err := solver.SetQueryTimestamps(times); err != nil {
		return err
	}
	if err := solver.Build(calib.IdentityCalibration()); err != nil {
		return err
	}
	res, err := solver.Solve(ctx)
	if err != nil {
		return err
	}

	trueRot, trueTrans, trueToff, trueGravity := s.Truth()
	rotErr := spatialmath.QuatLog(quat.Mul(quat.Conj(trueRot), res.Calibration.ExtrinsicRotation)).Norm()
	transErr := res.Calibration.ExtrinsicTranslation.Sub(trueTrans).Norm()
	gravityErr := res.Calibration.Gravity.Sub(trueGravity).Norm()
	logger.Infow("ground truth recovery",
		"status", res.Status.String(),
		"rotation_err_rad", rotErr,
		"translation_err_m", transErr,
		"time_offset_err_s", math.Abs(res.Calibration.TimeOffset-trueToff),
		"gravity_err", gravityErr)

	return writeOutputs(argsParsed.OutDir, res, argsParsed.Plot, logger)
}

func writeOutputs(dir string, res *calib.Result, plotToo bool, logger golog.Logger) (err error) {
	statesPath := filepath.Join(dir, "sim_states.csv")
	sf, err := os.Create(statesPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, sf.Close()) }()
	if err := export.WriteStatesCSV(sf, res.States); err != nil {
		return err
	}

	reportPath := filepath.Join(dir, "sim_report.txt")
	rf, err := os.Create(reportPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, rf.Close()) }()
	if err := export.WriteReport(rf, res); err != nil {
		return err
	}

	if plotToo {
		if err := export.SaveTrajectoryPlot(filepath.Join(dir, "sim_trajectory.png"), res.States); err != nil {
			return err
		}
	}
	if res.Status != calib.StatusSolved {
		return errors.Errorf("solver finished %s", res.Status)
	}
	logger.Infow("wrote outputs", "states", statesPath, "report", reportPath)
	return nil
}
