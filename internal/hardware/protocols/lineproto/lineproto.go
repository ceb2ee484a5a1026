// Package lineproto implements the plotter firmware's ASCII command protocol:
// one newline-terminated command per line, one response line per command.
package lineproto

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"plotter/pkg/types"
)

const (
	CmdMove      = "move"
	CmdCalibrate = "calibrate"
	CmdSetSpeed  = "setSpeed"
	CmdZero      = "zeroAngles"
	CmdBurst     = "bur"

	// BurstFieldWidth is the fixed width of one angle inside a burst payload.
	BurstFieldWidth = 6

	burstMin = -99.99
	burstMax = 999.99
)

// ProtocolError 协议错误：响应行无法解析，或命令无法编码
type ProtocolError struct {
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s (line %q)", e.Reason, e.Line)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Move builds "move l<a1> r<a2>".
func Move(a types.JointAngles) string {
	return fmt.Sprintf("%s l%s r%s", CmdMove, formatFloat(a.Alpha1), formatFloat(a.Alpha2))
}

// Calibrate builds "calibrate l<a1> r<a2>".
func Calibrate(a types.JointAngles) string {
	return fmt.Sprintf("%s l%s r%s", CmdCalibrate, formatFloat(a.Alpha1), formatFloat(a.Alpha2))
}

func SetSpeed(rpm float64) string {
	return CmdSetSpeed + " " + formatFloat(rpm)
}

func Zero() string {
	return CmdZero
}

// Burst packs every pair into two zero-padded six character fields with two
// decimals, prefixed by "bur". Values that do not fit a field are rejected before
// anything is sent, since an overlong field would shift every following one.
func Burst(angles []types.JointAngles) (string, error) {
	var b strings.Builder
	b.Grow(len(CmdBurst) + len(angles)*2*BurstFieldWidth)
	b.WriteString(CmdBurst)

	for i, a := range angles {
		for _, v := range [2]float64{a.Alpha1, a.Alpha2} {
			field, err := burstField(v)
			if err != nil {
				return "", &ProtocolError{Line: CmdBurst, Reason: fmt.Sprintf("point %d: %v", i, err)}
			}
			b.WriteString(field)
		}
	}

	return b.String(), nil
}

func burstField(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("angle %v is not finite", v)
	}
	field := fmt.Sprintf("%06.2f", v)
	if v < burstMin || v > burstMax || len(field) != BurstFieldWidth {
		return "", fmt.Errorf("angle %v does not fit a %d character field", v, BurstFieldWidth)
	}
	return field, nil
}

// DecodeBurst reverses Burst. The simulated device uses it to unpack commands.
func DecodeBurst(line string) ([]types.JointAngles, error) {
	if !strings.HasPrefix(line, CmdBurst) {
		return nil, &ProtocolError{Line: line, Reason: "missing burst prefix"}
	}
	payload := line[len(CmdBurst):]
	if len(payload)%(2*BurstFieldWidth) != 0 {
		return nil, &ProtocolError{Line: line, Reason: "payload is not a whole number of point fields"}
	}

	angles := make([]types.JointAngles, 0, len(payload)/(2*BurstFieldWidth))
	for off := 0; off < len(payload); off += 2 * BurstFieldWidth {
		a1, err := strconv.ParseFloat(payload[off:off+BurstFieldWidth], 64)
		if err != nil {
			return nil, &ProtocolError{Line: line, Reason: fmt.Sprintf("field at %d: %v", off, err)}
		}
		a2, err := strconv.ParseFloat(payload[off+BurstFieldWidth:off+2*BurstFieldWidth], 64)
		if err != nil {
			return nil, &ProtocolError{Line: line, Reason: fmt.Sprintf("field at %d: %v", off+BurstFieldWidth, err)}
		}
		angles = append(angles, types.JointAngles{Alpha1: a1, Alpha2: a2})
	}

	return angles, nil
}

// ParseAngles reads an acknowledgement of the form "l:<a1> r:<a2>". Each token is
// a side marker, one separator character and a decimal number.
func ParseAngles(line string) (types.JointAngles, error) {
	tokens := strings.Fields(line)
	if len(tokens) != 2 {
		return types.JointAngles{}, &ProtocolError{Line: line, Reason: fmt.Sprintf("expected 2 tokens, got %d", len(tokens))}
	}

	a1, err := parseToken(tokens[0], 'l')
	if err != nil {
		return types.JointAngles{}, &ProtocolError{Line: line, Reason: err.Error()}
	}
	a2, err := parseToken(tokens[1], 'r')
	if err != nil {
		return types.JointAngles{}, &ProtocolError{Line: line, Reason: err.Error()}
	}

	return types.JointAngles{Alpha1: a1, Alpha2: a2}, nil
}

func parseToken(tok string, marker byte) (float64, error) {
	if len(tok) < 3 {
		return 0, fmt.Errorf("token %q too short", tok)
	}
	if tok[0] != marker {
		return 0, fmt.Errorf("token %q: expected side marker %q", tok, marker)
	}
	if isNumeric(tok[1]) {
		return 0, fmt.Errorf("token %q: missing separator after side marker", tok)
	}
	v, err := strconv.ParseFloat(tok[2:], 64)
	if err != nil {
		return 0, fmt.Errorf("token %q: %w", tok, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("token %q: not a finite number", tok)
	}
	return v, nil
}

func isNumeric(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+'
}

// FormatAngles renders an acknowledgement the way the firmware prints it.
func FormatAngles(a types.JointAngles) string {
	return fmt.Sprintf("l:%.2f r:%.2f", a.Alpha1, a.Alpha2)
}
