package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"plotter/internal/logging"
	"plotter/pkg/types"
)

var ErrNotConnected = errors.New("not connected to server")

type IPCClient struct {
	config       types.IPCConfig
	conn         net.Conn
	decoder      *json.Decoder
	receiveChan  chan types.IPCMessage
	sendChan     chan []byte
	handlers     map[string]func(types.IPCMessage)
	handlersLock sync.RWMutex
	pending      map[string]chan *types.ConsoleResponse
	pendingLock  sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	connected    atomic.Bool
	closeOnce    sync.Once
	logger       *logging.Logger
}

func NewIPCClient(config types.IPCConfig) *IPCClient {
	ctx, cancel := context.WithCancel(context.Background())
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &IPCClient{
		config:      config,
		receiveChan: make(chan types.IPCMessage, config.BufferSize),
		sendChan:    make(chan []byte, config.BufferSize),
		handlers:    make(map[string]func(types.IPCMessage)),
		pending:     make(map[string]chan *types.ConsoleResponse),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logging.GetLogger("ipc_client"),
	}
}

func (c *IPCClient) Connect() error {
	address := net.JoinHostPort(c.config.Address, fmt.Sprintf("%d", c.config.Port))

	conn, err := net.DialTimeout("tcp", address, c.config.Timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to IPC server: %w", err)
	}

	c.conn = conn
	c.decoder = json.NewDecoder(conn)
	c.connected.Store(true)

	c.wg.Add(2)
	go c.receiveMessages()
	go c.sendMessages()

	c.logger.Info("Connected to IPC server", "address", address)
	return nil
}

// Connected reports whether the connection to plotterd is still up.
func (c *IPCClient) Connected() bool {
	return c.connected.Load()
}

// Disconnect closes the connection and stops the pumps. The receive channel
// is closed once both pumps have exited.
func (c *IPCClient) Disconnect() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.connected.Store(false)

		if c.conn != nil {
			c.conn.Close()
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			close(c.receiveChan)
			c.logger.Info("Client disconnected gracefully")
		case <-time.After(3 * time.Second):
			c.logger.Warn("Client disconnect timeout, forcing shutdown")
		}
	})
	return nil
}

func (c *IPCClient) Send(message types.IPCMessage) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("client shutting down")
	case <-time.After(c.config.Timeout):
		return fmt.Errorf("send timeout")
	}
}

// Request sends a console command and waits for its response. Drawing jobs
// answer as soon as they are accepted, so the timeout only covers the
// acknowledgement of the request itself.
func (c *IPCClient) Request(ctx context.Context, command types.ConsoleCommand, params map[string]interface{}) (*types.ConsoleResponse, error) {
	message := NewCommandMessage(command, params)
	reply := make(chan *types.ConsoleResponse, 1)

	c.pendingLock.Lock()
	c.pending[message.ID] = reply
	c.pendingLock.Unlock()

	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, message.ID)
		c.pendingLock.Unlock()
	}()

	if err := c.Send(message); err != nil {
		return nil, err
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	}
}

func (c *IPCClient) Receive() <-chan types.IPCMessage {
	return c.receiveChan
}

func (c *IPCClient) RegisterHandler(messageType string, handler func(types.IPCMessage)) {
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()
	c.handlers[messageType] = handler
}

func (c *IPCClient) receiveMessages() {
	defer c.wg.Done()
	// A dead server connection ends the session; Request callers are released
	// through c.ctx.
	defer c.cancel()

	for {
		var message types.IPCMessage
		if err := c.decoder.Decode(&message); err != nil {
			wasConnected := c.connected.Swap(false)
			switch {
			case errors.Is(err, io.EOF):
				c.logger.Info("Server disconnected gracefully")
			case errors.Is(err, net.ErrClosed) || !wasConnected:
			default:
				c.logger.Error("Receive error", "error", err)
			}
			return
		}

		c.routeMessage(message)
	}
}

func (c *IPCClient) sendMessages() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.sendChan:
			if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				c.logger.Error("Set write deadline error", "error", err)
				c.connected.Store(false)
				return
			}

			if _, err := c.conn.Write(data); err != nil {
				if errors.Is(err, net.ErrClosed) {
					c.logger.Info("Connection closed during send")
				} else {
					c.logger.Error("Send error", "error", err)
				}
				c.connected.Store(false)
				return
			}

			_ = c.conn.SetWriteDeadline(time.Time{})
		}
	}
}

func (c *IPCClient) routeMessage(message types.IPCMessage) {
	if message.Type == types.MsgConsoleResponse {
		resp, err := DecodeResponse(message)
		if err != nil {
			c.logger.Warn("Dropping malformed response", "error", err)
			return
		}
		c.pendingLock.Lock()
		reply, ok := c.pending[resp.RequestID]
		c.pendingLock.Unlock()
		if ok {
			select {
			case reply <- resp:
			default:
			}
			return
		}
	}

	c.handlersLock.RLock()
	handler, exists := c.handlers[message.Type]
	c.handlersLock.RUnlock()

	if exists {
		handler(message)
		return
	}

	select {
	case c.receiveChan <- message:
	case <-c.ctx.Done():
	case <-time.After(100 * time.Millisecond):
		c.logger.Warn("Receive channel full, dropping message", "message_type", message.Type)
	}
}
