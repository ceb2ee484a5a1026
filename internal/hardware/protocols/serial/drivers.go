package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"plotter/internal/device"
	"plotter/pkg/types"

	bugst "go.bug.st/serial"
	goburrow "github.com/goburrow/serial"
	jacobsa "github.com/jacobsa/go-serial/serial"
	tarm "github.com/tarm/serial"
)

// Driver names accepted in serial.driver.
const (
	DriverJacobsa  = "jacobsa"
	DriverGoburrow = "goburrow"
	DriverTarm     = "tarm"
	DriverBugst    = "bugst"
	DriverSim      = "sim"
)

// OpenerFor 根据驱动名称返回打开函数
func OpenerFor(driver string) (Opener, error) {
	switch strings.ToLower(driver) {
	case "", DriverJacobsa:
		return openJacobsa, nil
	case DriverGoburrow:
		return openGoburrow, nil
	case DriverTarm:
		return openTarm, nil
	case DriverBugst:
		return openBugst, nil
	case DriverSim:
		return openSimulator, nil
	default:
		return nil, fmt.Errorf("unsupported serial driver: %s", driver)
	}
}

func openJacobsa(config types.SerialConfig) (io.ReadWriteCloser, error) {
	mode := jacobsa.OpenOptions{
		PortName:          config.PortName,
		BaudRate:          uint(config.BaudRate),
		DataBits:          uint(config.DataBits),
		StopBits:          uint(config.StopBits),
		MinimumReadSize:   1,
		RTSCTSFlowControl: config.FlowControl,
	}

	// 设置校验位
	switch config.Parity {
	case "E", "e":
		mode.ParityMode = jacobsa.PARITY_EVEN
	case "O", "o":
		mode.ParityMode = jacobsa.PARITY_ODD
	default:
		mode.ParityMode = jacobsa.PARITY_NONE
	}

	return jacobsa.Open(mode)
}

func openGoburrow(config types.SerialConfig) (io.ReadWriteCloser, error) {
	timeout := config.ReadTimeout
	if timeout <= 0 {
		// goburrow applies its own short default; poll slowly instead.
		timeout = time.Second
	}
	return goburrow.Open(&goburrow.Config{
		Address:  config.PortName,
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
		StopBits: config.StopBits,
		Parity:   normalizeParity(config.Parity),
		Timeout:  timeout,
	})
}

// openTarm leaves reads blocking: tarm reports an expired read timeout as
// io.EOF, which cannot be told apart from a closed port.
func openTarm(config types.SerialConfig) (io.ReadWriteCloser, error) {
	return tarm.OpenPort(&tarm.Config{
		Name: config.PortName,
		Baud: config.BaudRate,
	})
}

func openBugst(config types.SerialConfig) (io.ReadWriteCloser, error) {
	mode := &bugst.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	switch normalizeParity(config.Parity) {
	case "E":
		mode.Parity = bugst.EvenParity
	case "O":
		mode.Parity = bugst.OddParity
	}
	if config.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}
	return bugst.Open(config.PortName, mode)
}

func openSimulator(config types.SerialConfig) (io.ReadWriteCloser, error) {
	sim := device.NewSimulator(device.SimulatorConfig{Step: config.SimStep})
	return sim.Open(), nil
}

func normalizeParity(p string) string {
	switch strings.ToUpper(p) {
	case "E":
		return "E"
	case "O":
		return "O"
	default:
		return "N"
	}
}

// isTimeout reports read timeouts from drivers configured with a read deadline;
// those are not failures of the link.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, goburrow.ErrTimeout) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
