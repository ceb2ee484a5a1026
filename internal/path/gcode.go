// Package path turns drawing sources into the ordered, densely spaced point
// sequences the drawing executor walks.
package path

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"plotter/internal/logging"
	"plotter/pkg/types"
)

const mmPerInch = 25.4

// Source 绘图路径来源
type Source interface {
	// Points returns the path with no two consecutive points farther apart
	// than resolution millimetres.
	Points(resolution float64) ([]types.WorkspacePoint, error)
	// Name identifies the source in logs and job status.
	Name() string
}

// GCodeFile 从 G-code 文件读取 XY 路径
type GCodeFile struct {
	Path string
}

func (g GCodeFile) Name() string { return g.Path }

func (g GCodeFile) Points(resolution float64) ([]types.WorkspacePoint, error) {
	f, err := os.Open(g.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open G-code file: %w", err)
	}
	defer f.Close()

	waypoints, err := ReadGCode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.Path, err)
	}
	return Interpolate(waypoints, resolution)
}

// Polyline is an in-memory list of waypoints.
type Polyline []types.WorkspacePoint

func (p Polyline) Name() string { return fmt.Sprintf("polyline(%d)", len(p)) }

func (p Polyline) Points(resolution float64) ([]types.WorkspacePoint, error) {
	return Interpolate(p, resolution)
}

type gcodeCommand struct {
	Name string
	Args map[string]string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// parseGCodeLine returns nil for blank and comment-only lines.
func parseGCodeLine(line string) *gcodeCommand {
	ln := strings.TrimSpace(line)
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))

	fields := strings.Fields(ln)
	// 跳过行号
	if len(fields) > 0 && len(fields[0]) > 1 && (fields[0][0] == 'N' || fields[0][0] == 'n') {
		if _, err := strconv.Atoi(fields[0][1:]); err == nil {
			fields = fields[1:]
		}
	}
	if len(fields) == 0 {
		return nil
	}

	args := map[string]string{}
	for _, f := range fields[1:] {
		if len(f) < 2 {
			continue
		}
		args[strings.ToUpper(f[:1])] = f[1:]
	}
	return &gcodeCommand{Name: normalizeName(fields[0]), Args: args}
}

// normalizeName maps "g01" and "G1" to the same name.
func normalizeName(name string) string {
	name = strings.ToUpper(name)
	if len(name) < 2 {
		return name
	}
	if n, err := strconv.Atoi(name[1:]); err == nil {
		return fmt.Sprintf("%c%d", name[0], n)
	}
	return name
}

func floatArg(args map[string]string, key string) (float64, bool, error) {
	raw, ok := args[key]
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("bad float %s=%q", key, raw)
	}
	return f, true, nil
}

// ReadGCode 读取 G0/G1 移动的目标点。Supports G90/G91 positioning and G20/G21
// units; every other command is ignored. The start position is the origin and
// is not itself part of the result.
func ReadGCode(r io.Reader) ([]types.WorkspacePoint, error) {
	logger := logging.GetLogger("path")

	var (
		points   []types.WorkspacePoint
		pos      types.WorkspacePoint
		absolute = true
		scale    = 1.0
		ignored  = map[string]int{}
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		cmd := parseGCodeLine(scanner.Text())
		if cmd == nil {
			continue
		}

		switch cmd.Name {
		case "G0", "G1":
			x, hasX, err := floatArg(cmd.Args, "X")
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			y, hasY, err := floatArg(cmd.Args, "Y")
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if !hasX && !hasY {
				continue
			}

			next := pos
			if absolute {
				if hasX {
					next.X = x * scale
				}
				if hasY {
					next.Y = y * scale
				}
			} else {
				next.X += x * scale
				next.Y += y * scale
			}
			pos = next
			points = append(points, pos)
		case "G90":
			absolute = true
		case "G91":
			absolute = false
		case "G20":
			scale = mmPerInch
		case "G21":
			scale = 1
		default:
			ignored[cmd.Name]++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read G-code: %w", err)
	}

	if len(ignored) > 0 {
		logger.Debug("Ignored G-code commands", "commands", ignored)
	}
	return points, nil
}
