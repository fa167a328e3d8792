package meas

import (
	"sort"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/viconcal/spatialmath"
)

// Interpolator buffers a time-ordered stream of externally measured poses and
// produces covariance-aware pose estimates at arbitrary bracketed query
// times. The interpolated pose is the virtual measurement that lets the
// asynchronous motion-capture stream anchor states defined at other sensors'
// timestamps.
type Interpolator struct {
	logger  golog.Logger
	samples []PoseSample
	dropped int
	frozen  bool
}

// NewInterpolator returns an empty pose interpolator.
func NewInterpolator(logger golog.Logger) *Interpolator {
	if logger == nil {
		logger = golog.Global()
	}
	return &Interpolator{logger: logger}
}

// FeedPose appends a pose sample to the buffer, with the same ordering
// discipline as the inertial engine: non-advancing timestamps are dropped and
// counted.
func (ip *Interpolator) FeedPose(s PoseSample) error {
	if ip.frozen {
		return ErrFrozen
	}
	if n := len(ip.samples); n > 0 && s.Time <= ip.samples[n-1].Time {
		ip.dropped++
		ip.logger.Warnw("dropping out-of-order pose sample", "time", s.Time, "last", ip.samples[n-1].Time)
		return nil
	}
	ip.samples = append(ip.samples, s)
	return nil
}

// Freeze ends the ingestion phase.
func (ip *Interpolator) Freeze() {
	ip.frozen = true
}

// DroppedSamples reports how many fed samples were discarded for violating
// the ordering invariant.
func (ip *Interpolator) DroppedSamples() int {
	return ip.dropped
}

// Span returns the first and last buffered timestamps.
func (ip *Interpolator) Span() (first, last float64, ok bool) {
	if len(ip.samples) == 0 {
		return 0, 0, false
	}
	return ip.samples[0].Time, ip.samples[len(ip.samples)-1].Time, true
}

// Brackets reports whether t lies within the buffered range.
func (ip *Interpolator) Brackets(t float64) bool {
	first, last, ok := ip.Span()
	return ok && first <= t && t <= last
}

// PoseAt returns the pose estimate at time t. An exact timestamp hit returns
// that sample directly. Otherwise the bracketing pair is blended: shortest-arc
// spherical interpolation for the orientation, linear interpolation for the
// position, and each endpoint covariance weighted by its complementary
// interpolation factor. Queries outside the buffered range fail with
// ErrOutOfRange; the engine never extrapolates.
func (ip *Interpolator) PoseAt(t float64) (*InterpolatedPose, error) {
	s := ip.samples
	if len(s) == 0 || t < s[0].Time || t > s[len(s)-1].Time {
		return nil, errors.Wrapf(ErrOutOfRange, "query %.9f", t)
	}
	// first index with Time >= t
	k := sort.Search(len(s), func(i int) bool { return s[i].Time >= t })
	if s[k].Time == t {
		return &InterpolatedPose{
			Orientation: s[k].Orientation,
			Position:    s[k].Position,
			Covariance:  blockCov(s[k].OrientationCov, s[k].PositionCov, 1, 0, nil, nil),
		}, nil
	}
	a, b := s[k-1], s[k]
	lambda := (t - a.Time) / (b.Time - a.Time)

	return &InterpolatedPose{
		Orientation: spatialmath.Slerp(a.Orientation, b.Orientation, lambda),
		Position:    a.Position.Mul(1 - lambda).Add(b.Position.Mul(lambda)),
		Covariance:  blockCov(a.OrientationCov, a.PositionCov, 1-lambda, lambda, b.OrientationCov, b.PositionCov),
	}, nil
}

// blockCov assembles the 6x6 interpolated covariance wa*diag(oriA, posA) +
// wb*diag(oriB, posB). A convex combination of positive semi-definite blocks
// stays positive semi-definite for any lambda in [0, 1].
func blockCov(oriA, posA *mat.SymDense, wa, wb float64, oriB, posB *mat.SymDense) *mat.SymDense {
	out := mat.NewSymDense(6, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			o := wa * oriA.At(i, j)
			p := wa * posA.At(i, j)
			if oriB != nil {
				o += wb * oriB.At(i, j)
				p += wb * posB.At(i, j)
			}
			out.SetSym(i, j, o)
			out.SetSym(3+i, 3+j, p)
		}
	}
	return out
}
