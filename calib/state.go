package calib

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// StateNode is the per-query-timestamp unknown: the rig pose and velocity in
// the tracker frame plus the inertial biases. Nodes are created once at graph
// build time, one per admissible query timestamp, and owned by the solver for
// the run.
type StateNode struct {
	// Time is the rig-clock timestamp of the node in seconds.
	Time float64
	// Orientation rotates rig-frame vectors into the tracker frame.
	Orientation quat.Number
	// Position and Velocity of the rig in the tracker frame.
	Position r3.Vector
	Velocity r3.Vector
	// GyroBias and AccelBias are the inertial biases at this node.
	GyroBias  r3.Vector
	AccelBias r3.Vector
}
