package path

import (
	"fmt"
	"math"

	"plotter/pkg/types"
)

// Interpolate 线性插值：在每段之间补点，使相邻两点距离不超过 resolution。
// Waypoints are kept; repeated waypoints collapse into one point.
func Interpolate(waypoints []types.WorkspacePoint, resolution float64) ([]types.WorkspacePoint, error) {
	if !(resolution > 0) || math.IsInf(resolution, 0) {
		return nil, fmt.Errorf("resolution must be a positive number, got %v", resolution)
	}
	if len(waypoints) == 0 {
		return nil, nil
	}

	out := []types.WorkspacePoint{waypoints[0]}
	for i := 1; i < len(waypoints); i++ {
		a, b := waypoints[i-1], waypoints[i]
		dx, dy := b.X-a.X, b.Y-a.Y
		dist := math.Hypot(dx, dy)
		if dist == 0 {
			continue
		}

		n := int(math.Ceil(dist / resolution))
		for k := 1; k < n; k++ {
			t := float64(k) / float64(n)
			out = append(out, types.WorkspacePoint{X: a.X + dx*t, Y: a.Y + dy*t})
		}
		out = append(out, b)
	}
	return out, nil
}
