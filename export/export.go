// Package export writes solver output to files: an ETH groundtruth style CSV
// of the optimized trajectory, a plain-text calibration report, and a
// top-down trajectory plot.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/viamrobotics/viconcal/calib"
)

var stateHeader = []string{
	"#timestamp",
	"p_x", "p_y", "p_z",
	"q_w", "q_x", "q_y", "q_z",
	"v_x", "v_y", "v_z",
	"bg_x", "bg_y", "bg_z",
	"ba_x", "ba_y", "ba_z",
}

// WriteStatesCSV writes the optimized trajectory in the ETH groundtruth
// column layout, one row per state node.
func WriteStatesCSV(w io.Writer, states []calib.StateNode) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(stateHeader); err != nil {
		return errors.Wrap(err, "writing state header")
	}
	row := make([]string, 0, len(stateHeader))
	for _, s := range states {
		row = row[:0]
		row = append(row, fmtF(s.Time))
		row = append(row, fmtF(s.Position.X), fmtF(s.Position.Y), fmtF(s.Position.Z))
		row = append(row, fmtF(s.Orientation.Real), fmtF(s.Orientation.Imag), fmtF(s.Orientation.Jmag), fmtF(s.Orientation.Kmag))
		row = append(row, fmtF(s.Velocity.X), fmtF(s.Velocity.Y), fmtF(s.Velocity.Z))
		row = append(row, fmtF(s.GyroBias.X), fmtF(s.GyroBias.Y), fmtF(s.GyroBias.Z))
		row = append(row, fmtF(s.AccelBias.X), fmtF(s.AccelBias.Y), fmtF(s.AccelBias.Z))
		if err := cw.Write(row); err != nil {
			return errors.Wrap(err, "writing state row")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flushing state csv")
}

func fmtF(v float64) string {
	return strconv.FormatFloat(v, 'g', 17, 64)
}

// WriteReport writes a human readable calibration summary with solver
// diagnostics and residual statistics.
func WriteReport(w io.Writer, res *calib.Result) error {
	c := res.Calibration
	fmt.Fprintf(w, "status:               %s\n", res.Status)
	fmt.Fprintf(w, "iterations:           %d\n", res.Iterations)
	fmt.Fprintf(w, "cost:                 %.6e -> %.6e\n", res.InitialCost, res.FinalCost)
	fmt.Fprintf(w, "build / solve time:   %v / %v\n", res.BuildDuration, res.SolveDuration)
	fmt.Fprintf(w, "states:               %d\n", len(res.States))
	fmt.Fprintf(w, "excluded timestamps:  %d\n", len(res.ExcludedTimestamps))
	fmt.Fprintf(w, "skipped motion edges: %d\n", res.SkippedMotionEdges)
	fmt.Fprintf(w, "dropped samples:      %d inertial, %d pose\n", res.DroppedInertial, res.DroppedPoses)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "extrinsic rotation (wxyz):  % .9f % .9f % .9f % .9f\n",
		c.ExtrinsicRotation.Real, c.ExtrinsicRotation.Imag, c.ExtrinsicRotation.Jmag, c.ExtrinsicRotation.Kmag)
	fmt.Fprintf(w, "extrinsic translation (m):  % .6f % .6f % .6f\n",
		c.ExtrinsicTranslation.X, c.ExtrinsicTranslation.Y, c.ExtrinsicTranslation.Z)
	fmt.Fprintf(w, "time offset (s):            % .6f\n", c.TimeOffset)
	fmt.Fprintf(w, "gravity (m/s^2):            % .6f % .6f % .6f\n",
		c.Gravity.X, c.Gravity.Y, c.Gravity.Z)

	if cov := res.CalibrationCovariance; cov != nil {
		fmt.Fprintf(w, "calibration sigmas:        ")
		for i := 0; i < cov.SymmetricDim(); i++ {
			fmt.Fprintf(w, " %.3e", math.Sqrt(cov.At(i, i)))
		}
		fmt.Fprintln(w)
	}

	if len(res.EdgeResiduals) > 0 {
		clean := make([]float64, 0, len(res.EdgeResiduals))
		for _, v := range res.EdgeResiduals {
			if !math.IsNaN(v) {
				clean = append(clean, v)
			}
		}
		mean, err := stats.Mean(clean)
		if err != nil {
			return errors.Wrap(err, "residual statistics")
		}
		median, _ := stats.Median(clean)
		max, _ := stats.Max(clean)
		p95, _ := stats.Percentile(clean, 95)
		fmt.Fprintln(w)
		fmt.Fprintf(w, "edge residual norms:  mean %.4f  median %.4f  p95 %.4f  max %.4f\n",
			mean, median, p95, max)
	}
	return nil
}

// SaveTrajectoryPlot renders the optimized x/y trajectory to an image file.
// The format follows the file extension (png, svg, pdf).
func SaveTrajectoryPlot(path string, states []calib.StateNode) error {
	pts := make(plotter.XYs, len(states))
	for i, s := range states {
		pts[i].X = s.Position.X
		pts[i].Y = s.Position.Y
	}
	p := plot.New()
	p.Title.Text = "optimized trajectory (top down)"
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	line, err := plotter.NewLine(pts)
	if err != nil {
		return errors.Wrap(err, "building trajectory line")
	}
	p.Add(plotter.NewGrid(), line)
	return errors.Wrap(p.Save(6*vg.Inch, 6*vg.Inch, path), "saving trajectory plot")
}
