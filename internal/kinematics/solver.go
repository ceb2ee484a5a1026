// Package kinematics implements the inverse transform of the two-arm plotter rig:
// workspace (x, y) in millimetres to the pair of motor joint angles in degrees.
//
// Each side is treated as an independent single-arm linkage: a pulley of radius R
// centred on the motor axle drives an arm of length l whose free end is the shared
// head. The joint angle is found from the intersection of the pulley circle and the
// circle of radius l around the target. The left pulley sits at the rig origin and
// the right pulley at (D, 0); angles are positive upward on both sides.
package kinematics

import (
	"fmt"
	"math"

	"plotter/pkg/types"
)

// Side identifies one of the two linkages.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// UnreachablePointError is returned when no joint angle exists for a target
// because the discriminant on one side is negative.
type UnreachablePointError struct {
	Side Side
	X, Y float64
}

func (e *UnreachablePointError) Error() string {
	return fmt.Sprintf("point (%.4f, %.4f) unreachable from %s side", e.X, e.Y, e.Side)
}

// Validate checks the invariants of a rig description.
func Validate(g types.RigGeometry) error {
	lengths := []struct {
		name  string
		value float64
	}{
		{"r1", g.R1}, {"r2", g.R2}, {"l1", g.L1}, {"l2", g.L2},
		{"d", g.D}, {"width", g.Width}, {"height", g.Height},
	}
	for _, f := range lengths {
		if !(f.value > 0) {
			return fmt.Errorf("rig %s must be positive, got %v", f.name, f.value)
		}
	}
	return nil
}

// Solve maps raw workspace coordinates to joint angles. The (x_min, y_min) offset is
// applied here, so callers always pass workspace coordinates. Reachability is decided
// by the discriminant test alone; there is no bounds check on the input.
func Solve(x, y float64, g types.RigGeometry) (types.JointAngles, error) {
	if !finite(x) || !finite(y) {
		return types.JointAngles{}, &UnreachablePointError{Side: Left, X: x, Y: y}
	}

	rx := x + g.XMin
	ry := y + g.YMin

	alpha1, ok := sideAngle(rx, ry, g.R1, g.L1)
	if !ok {
		return types.JointAngles{}, &UnreachablePointError{Side: Left, X: x, Y: y}
	}

	// The right linkage is the left one mirrored about the axle midpoint.
	alpha2, ok := sideAngle(g.D-rx, ry, g.R2, g.L2)
	if !ok {
		return types.JointAngles{}, &UnreachablePointError{Side: Right, X: x, Y: y}
	}

	return types.JointAngles{Alpha1: alpha1, Alpha2: alpha2}, nil
}

// sideAngle solves one linkage with its pulley at the origin. u is the horizontal
// distance from the axle toward the rig centre, v the height above the axle line.
func sideAngle(u, v, r, l float64) (float64, bool) {
	d2 := u*u + v*v
	if !(d2 > 0) {
		return 0, false
	}

	inner := l - r
	outer := r + l
	disc := (d2 - inner*inner) * (outer*outer - d2)
	if !(disc >= 0) {
		return 0, false
	}

	c := (u*(r*r-l*l+d2) + v*math.Sqrt(disc)) / (2 * r * d2)
	c = math.Max(-1, math.Min(1, c))
	s := math.Sqrt(1 - c*c)

	return math.Atan2(s, c) / math.Pi * 180, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
