package serial

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"plotter/internal/hardware/comm"
	"plotter/internal/logging"
	"plotter/pkg/types"
)

// Opener 打开底层字节流（真实串口或模拟设备）
type Opener func(config types.SerialConfig) (io.ReadWriteCloser, error)

type lineResult struct {
	line string
	err  error
}

// SerialClient 串口客户端：严格的一问一答行协议
type SerialClient struct {
	*comm.BaseCommunication
	config types.SerialConfig
	opener Opener

	// mu serializes round trips; at most one command is outstanding per link.
	mu sync.Mutex
	// owed counts replies to abandoned round trips that have not been read yet.
	// Guarded by mu.
	owed int

	connMu  sync.Mutex
	port    io.ReadWriteCloser
	lines   chan lineResult
	stop    chan struct{}
	readErr error // set once the line reader has failed; cleared by Connect

	logger *logging.Logger
}

// NewSerialClient 创建串口客户端，按配置选择驱动
func NewSerialClient(config types.SerialConfig) (*SerialClient, error) {
	opener, err := OpenerFor(config.Driver)
	if err != nil {
		return nil, err
	}
	return NewSerialClientWithOpener(config, opener), nil
}

// NewSerialClientWithOpener 使用自定义的打开函数创建客户端
func NewSerialClientWithOpener(config types.SerialConfig, opener Opener) *SerialClient {
	base := comm.NewBaseCommunication(comm.ConnectionConfig{
		AckTimeout:    config.AckTimeout,
		BannerTimeout: config.BannerTimeout,
		RetryCount:    config.RetryCount,
		RetryInterval: config.RetryInterval,
	})
	return &SerialClient{
		BaseCommunication: base,
		config:            config,
		opener:            opener,
		logger:            logging.GetLogger("serial").With("port", config.PortName),
	}
}

// Connect 连接串口设备并读取设备的启动横幅
func (sc *SerialClient) Connect(ctx context.Context) error {
	sc.SetStatus(comm.StatusConnecting)

	var port io.ReadWriteCloser
	err := sc.RetryConnect(ctx, func() error {
		p, err := sc.opener(sc.config)
		if err != nil {
			return err
		}
		port = p
		return nil
	})
	if err != nil {
		sc.SetStatus(comm.StatusError)
		return sc.HandleWithError(fmt.Errorf("failed to open serial port %s: %w", sc.config.PortName, err))
	}

	lines := make(chan lineResult, 16)
	stop := make(chan struct{})

	sc.mu.Lock()
	sc.owed = 0
	sc.mu.Unlock()

	sc.connMu.Lock()
	sc.port = port
	sc.lines = lines
	sc.stop = stop
	sc.readErr = nil
	sc.connMu.Unlock()

	go sc.listenForLines(port, lines, stop)

	if err := sc.readBanner(ctx, lines); err != nil {
		sc.Disconnect(ctx)
		return err
	}

	sc.SetStatus(comm.StatusConnected)
	sc.EmitConnected()
	sc.logger.Info("Serial link connected", "driver", sc.config.Driver, "baud_rate", sc.config.BaudRate)
	return nil
}

// readBanner waits for the greeting line the firmware prints after reset.
func (sc *SerialClient) readBanner(ctx context.Context, lines <-chan lineResult) error {
	timeout := sc.Config().BannerTimeout
	if timeout <= 0 {
		return nil
	}

	select {
	case r := <-lines:
		if r.err != nil {
			return sc.fail(fmt.Errorf("failed to read device banner: %w", r.err))
		}
		sc.logger.Info("Device banner", "line", strings.TrimRight(r.line, "\r\n"))
	case <-time.After(timeout):
		sc.logger.Debug("No device banner received", "timeout", timeout)
	case <-ctx.Done():
	}
	return nil
}

// Disconnect 断开连接
func (sc *SerialClient) Disconnect(ctx context.Context) error {
	sc.connMu.Lock()
	port := sc.port
	stop := sc.stop
	sc.port = nil
	sc.lines = nil
	sc.stop = nil
	sc.connMu.Unlock()

	if port != nil {
		close(stop)
		if err := port.Close(); err != nil {
			return sc.HandleWithError(fmt.Errorf("failed to close serial port: %w", err))
		}
	}

	sc.SetStatus(comm.StatusDisconnected)
	sc.EmitDisconnected()
	return nil
}

// Reconnect 重连
func (sc *SerialClient) Reconnect(ctx context.Context) error {
	if err := sc.Disconnect(ctx); err != nil {
		return err
	}
	return sc.Connect(ctx)
}

// RoundTrip writes one command line and blocks for exactly one response line.
// The wait is bounded by the configured ack timeout and by ctx. A round trip
// given up after the write leaves its reply owed; the next round trip reads
// that reply off before writing, so every response is paired with its command.
func (sc *SerialClient) RoundTrip(ctx context.Context, line string) (string, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.connMu.Lock()
	port := sc.port
	lines := sc.lines
	readErr := sc.readErr
	sc.connMu.Unlock()

	if readErr != nil {
		return "", readErr
	}
	if port == nil || !sc.IsConnected() {
		return "", comm.ErrNotConnected
	}

	if err := sc.resync(ctx, lines); err != nil {
		return "", err
	}
	if err := sc.drainStale(lines); err != nil {
		return "", err
	}

	if _, err := io.WriteString(port, line+"\n"); err != nil {
		sc.SetStatus(comm.StatusError)
		return "", sc.HandleWithError(fmt.Errorf("failed to write command %q: %w", line, err))
	}
	sc.EmitLineSent(line)

	timeout, stopTimer := sc.ackTimer()
	defer stopTimer()

	select {
	case r := <-lines:
		if r.err != nil {
			return "", sc.fail(fmt.Errorf("failed to read response to %q: %w", line, r.err))
		}
		resp := strings.TrimRight(r.line, "\r\n")
		sc.EmitLineReceived(resp)
		return resp, nil
	case <-timeout:
		sc.owed++
		return "", sc.HandleWithError(fmt.Errorf("%w: no response to %q within %v", comm.ErrAckTimeout, line, sc.Config().AckTimeout))
	case <-ctx.Done():
		sc.owed++
		return "", ctx.Err()
	}
}

// resync reads off the replies still owed to abandoned round trips. The device
// answers in order, so those replies arrive before any answer to a new command.
// Each owed reply gets one ack timeout; when it does not show up the round trip
// fails without writing and the reply stays owed.
func (sc *SerialClient) resync(ctx context.Context, lines <-chan lineResult) error {
	for sc.owed > 0 {
		timeout, stopTimer := sc.ackTimer()
		select {
		case r := <-lines:
			stopTimer()
			if r.err != nil {
				return sc.fail(fmt.Errorf("serial reader failed: %w", r.err))
			}
			sc.owed--
			sc.logger.Warn("Discarding late reply", "line", strings.TrimRight(r.line, "\r\n"), "still_owed", sc.owed)
		case <-timeout:
			return sc.HandleWithError(fmt.Errorf("%w: %d earlier replies still outstanding", comm.ErrAckTimeout, sc.owed))
		case <-ctx.Done():
			stopTimer()
			return ctx.Err()
		}
	}
	return nil
}

// ackTimer returns a channel that fires after the ack timeout, or nil when the
// wait is unbounded.
func (sc *SerialClient) ackTimer() (<-chan time.Time, func()) {
	d := sc.Config().AckTimeout
	if d <= 0 {
		return nil, func() {}
	}
	timer := time.NewTimer(d)
	return timer.C, func() { timer.Stop() }
}

// drainStale discards lines the device printed on its own between round trips.
func (sc *SerialClient) drainStale(lines <-chan lineResult) error {
	for {
		select {
		case r := <-lines:
			if r.err != nil {
				return sc.fail(fmt.Errorf("serial reader failed: %w", r.err))
			}
			sc.logger.Warn("Discarding unsolicited line", "line", strings.TrimRight(r.line, "\r\n"))
		default:
			return nil
		}
	}
}

// fail records a read failure. The reader goroutine has exited by then, so
// every later round trip reports the same error until the link is reconnected.
func (sc *SerialClient) fail(err error) error {
	sc.connMu.Lock()
	if sc.readErr == nil {
		sc.readErr = err
	}
	sc.connMu.Unlock()

	sc.SetStatus(comm.StatusError)
	return sc.HandleWithError(err)
}

// listenForLines 监听串口数据，按行切分
func (sc *SerialClient) listenForLines(port io.Reader, lines chan<- lineResult, stop <-chan struct{}) {
	reader := bufio.NewReader(port)
	var partial strings.Builder

	for {
		chunk, err := reader.ReadString('\n')
		partial.WriteString(chunk)

		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case lines <- lineResult{err: err}:
			case <-stop:
			}
			return
		}

		select {
		case lines <- lineResult{line: partial.String()}:
		case <-stop:
			return
		}
		partial.Reset()
	}
}

// GetConfig 获取配置
func (sc *SerialClient) GetConfig() types.SerialConfig {
	return sc.config
}

var _ comm.LineInterface = (*SerialClient)(nil)
