package meas

import "github.com/pkg/errors"

var (
	// ErrFrozen is returned by Feed calls after a buffer has been frozen.
	ErrFrozen = errors.New("measurement buffer is frozen")

	// ErrInsufficientData is returned when a relative-motion query is not
	// fully bracketed by buffered inertial samples.
	ErrInsufficientData = errors.New("inertial samples do not bracket the requested interval")

	// ErrOutOfRange is returned when a pose query falls outside the buffered
	// pose range. The engines never extrapolate.
	ErrOutOfRange = errors.New("query time is outside the buffered pose range")
)
