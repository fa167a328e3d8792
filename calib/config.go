package calib

// Config tunes graph construction and the nonlinear solve.
type Config struct {
	// MinStates is the minimum number of admissible state timestamps; fewer
	// makes Build fail with ErrInsufficientOverlap.
	MinStates int

	// MaxIterations caps the optimizer. Reaching the cap is not fatal; the
	// best estimate is returned tagged StatusNotConverged.
	MaxIterations int

	// RelativeCostTol declares convergence when an accepted step decreases
	// the total cost by less than this fraction.
	RelativeCostTol float64

	// GradientTol declares convergence when the infinity norm of the cost
	// gradient falls below this value.
	GradientTol float64

	// InitialLambda is the starting Levenberg-Marquardt damping factor.
	InitialLambda float64

	// EstimateTimeOffset controls whether the stream time offset is a solved
	// unknown or held fixed at the initial guess.
	EstimateTimeOffset bool

	// AnchorFirstState adds a loose pose prior on the first state node,
	// fixing the translation and yaw gauge freedoms.
	AnchorFirstState bool

	// AnchorOrientationSigma and AnchorPositionSigma are the prior standard
	// deviations (rad, m) used by AnchorFirstState.
	AnchorOrientationSigma float64
	AnchorPositionSigma    float64

	// ExtrinsicRotationPriorSigma, when positive, adds a prior on the
	// extrinsic rotation about its initial guess (rad). An alternative gauge
	// anchor to AnchorFirstState.
	ExtrinsicRotationPriorSigma float64

	// JacobianStep is the central-difference step used for edge Jacobians.
	JacobianStep float64
}

// DefaultConfig returns the solver defaults.
func DefaultConfig() Config {
	return Config{
		MinStates:              3,
		MaxIterations:          50,
		RelativeCostTol:        1e-10,
		GradientTol:            1e-6,
		InitialLambda:          1e-4,
		EstimateTimeOffset:     true,
		AnchorFirstState:       true,
		AnchorOrientationSigma: 1.0,
		AnchorPositionSigma:    1.0,
		JacobianStep:           1e-6,
	}
}

// internal damping bounds for the LM loop
const (
	minLambda = 1e-12
	maxLambda = 1e12
)
