package calib

import "github.com/pkg/errors"

var (
	// ErrInsufficientOverlap is returned by Build when too few query
	// timestamps are bracketed by both measurement streams. No solve is
	// attempted and no calibration state is mutated.
	ErrInsufficientOverlap = errors.New("too few admissible state timestamps to build the graph")

	// ErrNumericalFailure is returned when the linearized system cannot be
	// factorized even at maximum damping. The solve attempt is aborted rather
	// than returning an invalid estimate.
	ErrNumericalFailure = errors.New("linearization is singular or ill-conditioned")

	// ErrGaugeUnconstrained is returned by Build when every gauge prior is
	// disabled. Global yaw about gravity and global translation are
	// unobservable from relative motion plus a rigid extrinsic alone, so at
	// least one prior must be kept.
	ErrGaugeUnconstrained = errors.New("no gauge prior configured: enable AnchorFirstState or an extrinsic rotation prior")
)
