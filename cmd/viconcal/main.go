// Command viconcal runs a batch inertial-to-tracker calibration over CSV
// logs and writes the optimized trajectory, a calibration report, and
// optionally a trajectory plot.
package main

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viamrobotics/viconcal/calib"
	"github.com/viamrobotics/viconcal/export"
	"github.com/viamrobotics/viconcal/meas"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("viconcal"))
}

// floatFlag parses a float64 command line value.
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
	ImuCSV   string `flag:"imu,required,usage=inertial csv (t wx wy wz ax ay az)"`
	PoseCSV  string `flag:"vicon,required,usage=tracker pose csv (t px py pz qw qx qy qz [sig_rot sig_pos])"`
	TimesCSV string `flag:"times,usage=query timestamp csv; default decimates the overlap at state-rate"`
	OutDir   string `flag:"out,default=.,usage=output directory"`

	StateRate          floatFlag `flag:"state-rate,default=4,usage=state nodes per second when no times file given"`
	TimeOffset         floatFlag `flag:"time-offset,default=0,usage=initial rig-to-tracker time offset guess (s)"`
	EstimateTimeOffset bool      `flag:"estimate-time-offset,usage=solve for the time offset"`
	PoseSigmaRot       floatFlag `flag:"pose-sigma-rot,default=0.001,usage=tracker orientation sigma (rad) when the csv has none"`
	PoseSigmaPos       floatFlag `flag:"pose-sigma-pos,default=0.001,usage=tracker position sigma (m) when the csv has none"`

	Plot bool `flag:"plot,usage=also write a top-down trajectory plot"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	pre := meas.NewPreintegrator(meas.DefaultPreintegratorConfig(), logger)
	interp := meas.NewInterpolator(logger)

	inertial, err := readInertialCSV(argsParsed.ImuCSV)
	if err != nil {
		return err
	}
	for _, s := range inertial {
		if err := pre.FeedInertial(s); err != nil {
			return err
		}
	}
	poses, err := readPoseCSV(argsParsed.PoseCSV,
		float64(argsParsed.PoseSigmaRot), float64(argsParsed.PoseSigmaPos))
	if err != nil {
		return err
	}
	for _, s := range poses {
		if err := interp.FeedPose(s); err != nil {
			return err
		}
	}
	logger.Infow("measurements loaded",
		"inertial", len(inertial), "poses", len(poses),
		"dropped_inertial", pre.DroppedSamples(), "dropped_poses", interp.DroppedSamples())

	toff := float64(argsParsed.TimeOffset)
	var times []float64
	if argsParsed.TimesCSV != "" {
		if times, err = readTimesCSV(argsParsed.TimesCSV); err != nil {
			return err
		}
	} else if times = decimatedTimes(pre, interp, toff, float64(argsParsed.StateRate)); times == nil {
		return errors.New("measurement streams do not overlap")
	}

	cfg := calib.DefaultConfig()
	cfg.EstimateTimeOffset = argsParsed.EstimateTimeOffset

	initial := calib.IdentityCalibration()
	initial.TimeOffset = toff

	solver := calib.NewGraphSolver(pre, interp, cfg, logger)
	if err := solver.SetQueryTimestamps(times); err != nil {
		return err
	}
	if err := solver.Build(initial); err != nil {
		return err
	}
	res, err := solver.Solve(ctx)
	if err != nil {
		return err
	}
	return writeOutputs(argsParsed.OutDir, res, argsParsed.Plot, logger)
}

// decimatedTimes spreads state timestamps over the overlap of the two streams.
func decimatedTimes(pre *meas.Preintegrator, interp *meas.Interpolator, toff, rate float64) []float64 {
	i0, i1, ok := pre.Span()
	if !ok {
		return nil
	}
	p0, p1, ok := interp.Span()
	if !ok {
		return nil
	}
	lo := math.Max(i0, p0-toff)
	hi := math.Min(i1, p1-toff)
	if hi <= lo || rate <= 0 {
		return nil
	}
	step := 1 / rate
	var out []float64
	for t := lo; t <= hi; t += step {
		out = append(out, t)
	}
	return out
}

func writeOutputs(dir string, res *calib.Result, plotToo bool, logger golog.Logger) (err error) {
	statesPath := filepath.Join(dir, "states.csv")
	sf, err := os.Create(statesPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, sf.Close()) }()
	if err := export.WriteStatesCSV(sf, res.States); err != nil {
		return err
	}

	reportPath := filepath.Join(dir, "report.txt")
	rf, err := os.Create(reportPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Combine(err, rf.Close()) }()
	if err := export.WriteReport(rf, res); err != nil {
		return err
	}

	if plotToo {
		plotPath := filepath.Join(dir, "trajectory.png")
		if err := export.SaveTrajectoryPlot(plotPath, res.States); err != nil {
			return err
		}
		logger.Infow("wrote trajectory plot", "path", plotPath)
	}
	logger.Infow("wrote outputs", "states", statesPath, "report", reportPath, "status", res.Status.String())
	return nil
}

func readCSVRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	r := csv.NewReader(f)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return rows, nil
}

func parseFloats(row []string) ([]float64, error) {
	out := make([]float64, len(row))
	for i, c := range row {
		v, err := strconv.ParseFloat(c, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readInertialCSV(path string) ([]meas.InertialSample, error) {
	rows, err := readCSVRows(path)
	if err != nil {
		return nil, err
	}
	out := make([]meas.InertialSample, 0, len(rows))
	for i, row := range rows {
		vals, err := parseFloats(row)
		if err != nil {
			return nil, errors.Wrapf(err, "%s row %d", path, i+1)
		}
		if len(vals) != 7 {
			return nil, errors.Errorf("%s row %d: want 7 columns, got %d", path, i+1, len(vals))
		}
		out = append(out, meas.InertialSample{
			Time:               vals[0],
			AngularVelocity:    r3.Vector{X: vals[1], Y: vals[2], Z: vals[3]},
			LinearAcceleration: r3.Vector{X: vals[4], Y: vals[5], Z: vals[6]},
		})
	}
	return out, nil
}

func readPoseCSV(path string, defRotSigma, defPosSigma float64) ([]meas.PoseSample, error) {
	rows, err := readCSVRows(path)
	if err != nil {
		return nil, err
	}
	out := make([]meas.PoseSample, 0, len(rows))
	for i, row := range rows {
		vals, err := parseFloats(row)
		if err != nil {
			return nil, errors.Wrapf(err, "%s row %d", path, i+1)
		}
		if len(vals) != 8 && len(vals) != 10 {
			return nil, errors.Errorf("%s row %d: want 8 or 10 columns, got %d", path, i+1, len(vals))
		}
		rotSigma, posSigma := defRotSigma, defPosSigma
		if len(vals) == 10 {
			rotSigma, posSigma = vals[8], vals[9]
		}
		out = append(out, meas.PoseSample{
			Time:           vals[0],
			Position:       r3.Vector{X: vals[1], Y: vals[2], Z: vals[3]},
			Orientation:    quat.Number{Real: vals[4], Imag: vals[5], Jmag: vals[6], Kmag: vals[7]},
			OrientationCov: diagCov(rotSigma),
			PositionCov:    diagCov(posSigma),
		})
	}
	return out, nil
}

func readTimesCSV(path string) ([]float64, error) {
	rows, err := readCSVRows(path)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(rows))
	for i, row := range rows {
		v, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "%s row %d", path, i+1)
		}
		out = append(out, v)
	}
	return out, nil
}

func diagCov(sigma float64) *mat.SymDense {
	m := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		m.SetSym(i, i, sigma*sigma)
	}
	return m
}
