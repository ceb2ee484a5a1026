// Package device provides an in-process stand-in for the plotter firmware. It speaks
// the same line protocol as the real board over a pipe, so the daemon and the tests
// can run the full command path without hardware attached.
package device

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"plotter/internal/hardware/protocols/lineproto"
	"plotter/internal/logging"
	"plotter/pkg/types"
)

const DefaultBanner = "plotter firmware ready"

// SimulatorConfig 模拟设备配置
type SimulatorConfig struct {
	// Step quantizes realized angles, mimicking the motor step size. Zero disables it.
	Step float64
	// Latency is added before every response.
	Latency time.Duration
	// Banner is printed once when the port is opened. Empty uses DefaultBanner.
	Banner string
	// OnCommand, when set, runs for every received line before it is answered.
	OnCommand func(line string)
}

// Simulator 模拟绘图仪固件
type Simulator struct {
	config   SimulatorConfig
	mu       sync.Mutex
	angles   types.JointAngles
	speed    float64
	commands []string
	logger   *logging.Logger
}

func NewSimulator(config SimulatorConfig) *Simulator {
	if config.Banner == "" {
		config.Banner = DefaultBanner
	}
	return &Simulator{
		config: config,
		logger: logging.GetLogger("simulator"),
	}
}

// Open starts serving on a fresh pipe and returns the host end.
func (s *Simulator) Open() io.ReadWriteCloser {
	host, dev := net.Pipe()
	go s.serve(dev)
	return host
}

func (s *Simulator) serve(conn net.Conn) {
	defer conn.Close()

	if _, err := io.WriteString(conn, s.config.Banner+"\r\n"); err != nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if s.config.OnCommand != nil {
			s.config.OnCommand(line)
		}
		if s.config.Latency > 0 {
			time.Sleep(s.config.Latency)
		}

		resp := s.Handle(line)
		s.logger.Debug("Simulated command", "line", line, "response", resp)
		if _, err := io.WriteString(conn, resp+"\r\n"); err != nil {
			return
		}
	}
}

// Handle executes one command line and returns the response line.
func (s *Simulator) Handle(line string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, line)

	switch {
	case strings.HasPrefix(line, lineproto.CmdBurst):
		points, err := lineproto.DecodeBurst(line)
		if err != nil || len(points) == 0 {
			return "error: bad burst"
		}
		for _, p := range points {
			s.angles = s.quantize(p)
		}
		return lineproto.FormatAngles(s.angles)
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "error: empty command"
	}
	switch fields[0] {
	case lineproto.CmdMove:
		a, err := parseSides(fields[1:])
		if err != nil {
			return "error: " + err.Error()
		}
		s.angles = s.quantize(a)
		return lineproto.FormatAngles(s.angles)
	case lineproto.CmdCalibrate:
		a, err := parseSides(fields[1:])
		if err != nil {
			return "error: " + err.Error()
		}
		s.angles = a
		return "calibrated"
	case lineproto.CmdSetSpeed:
		if len(fields) != 2 {
			return "error: setSpeed takes one argument"
		}
		rpm, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return "error: " + err.Error()
		}
		s.speed = rpm
		return fmt.Sprintf("speed %s", fields[1])
	case lineproto.CmdZero:
		s.angles = types.JointAngles{}
		return "zeroed"
	default:
		return fmt.Sprintf("error: unknown command %q", fields[0])
	}
}

func parseSides(fields []string) (types.JointAngles, error) {
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "l") || !strings.HasPrefix(fields[1], "r") {
		return types.JointAngles{}, fmt.Errorf("expected l<angle> r<angle>")
	}
	a1, err := strconv.ParseFloat(fields[0][1:], 64)
	if err != nil {
		return types.JointAngles{}, err
	}
	a2, err := strconv.ParseFloat(fields[1][1:], 64)
	if err != nil {
		return types.JointAngles{}, err
	}
	return types.JointAngles{Alpha1: a1, Alpha2: a2}, nil
}

func (s *Simulator) quantize(a types.JointAngles) types.JointAngles {
	if s.config.Step <= 0 {
		return a
	}
	return types.JointAngles{
		Alpha1: math.Round(a.Alpha1/s.config.Step) * s.config.Step,
		Alpha2: math.Round(a.Alpha2/s.config.Step) * s.config.Step,
	}
}

// Angles returns the simulated motor position.
func (s *Simulator) Angles() types.JointAngles {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.angles
}

func (s *Simulator) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Commands returns every line received so far, in order.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}
