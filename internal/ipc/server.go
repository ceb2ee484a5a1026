// Package ipc carries console traffic between plotctl and plotterd: JSON
// encoded messages over a TCP stream, one request/response pair per console
// command plus server-pushed notifications such as drawn points.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"plotter/internal/logging"
	"plotter/pkg/types"
)

type Client struct {
	ID        string
	Conn      net.Conn
	Send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

type IPCServer struct {
	config       types.IPCConfig
	clients      map[string]*Client
	clientsLock  sync.RWMutex
	handlers     map[string]func(types.IPCMessage)
	handlersLock sync.RWMutex
	server       net.Listener
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *logging.Logger
}

func NewIPCServer(config types.IPCConfig) *IPCServer {
	ctx, cancel := context.WithCancel(context.Background())
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	return &IPCServer{
		config:   config,
		clients:  make(map[string]*Client),
		handlers: make(map[string]func(types.IPCMessage)),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logging.GetLogger("ipc_server"),
	}
}

func (s *IPCServer) Start() error {
	var err error
	address := net.JoinHostPort(s.config.Address, fmt.Sprintf("%d", s.config.Port))

	s.server, err = net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	s.logger.Info("IPC server started", "address", s.server.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Addr returns the listening address, useful when the configured port is 0.
func (s *IPCServer) Addr() net.Addr {
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

func (s *IPCServer) Stop() error {
	s.cancel()

	if s.server != nil {
		s.server.Close()
	}

	s.clientsLock.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.clientsLock.Unlock()

	for _, client := range clients {
		s.removeClient(client)
	}

	s.wg.Wait()
	s.logger.Info("IPC server stopped")
	return nil
}

// removeClient drops the client from the registry and closes its connection.
// The send channel is never closed; writers select on client.closed instead.
func (s *IPCServer) removeClient(client *Client) {
	s.clientsLock.Lock()
	delete(s.clients, client.ID)
	s.clientsLock.Unlock()

	client.closeOnce.Do(func() {
		close(client.closed)
		if client.Conn != nil {
			client.Conn.Close()
		}
		s.logger.Info("Client closed", "client_id", client.ID)
	})
}

// ClientCount returns the number of connected consoles.
func (s *IPCServer) ClientCount() int {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()
	return len(s.clients)
}

func (s *IPCServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.server.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("Accept error", "error", err)
			continue
		}

		client := &Client{
			ID:     "client-" + uuid.NewV4().String(),
			Conn:   conn,
			Send:   make(chan []byte, s.config.BufferSize),
			closed: make(chan struct{}),
		}

		s.clientsLock.Lock()
		s.clients[client.ID] = client
		s.clientsLock.Unlock()

		s.wg.Add(2)
		go s.handleClient(client)
		go s.sendToClient(client)

		s.logger.Info("Client connected", "client_id", client.ID, "remote", conn.RemoteAddr().String())
	}
}

func (s *IPCServer) handleClient(client *Client) {
	defer s.wg.Done()
	defer s.removeClient(client)

	decoder := json.NewDecoder(client.Conn)

	// Consoles may sit idle for a long time, so reads carry no deadline; Stop
	// unblocks them by closing the connection.
	for {
		var message types.IPCMessage
		if err := decoder.Decode(&message); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info("Client disconnected", "client_id", client.ID)
			case errors.Is(err, net.ErrClosed):
			default:
				s.logger.Warn("Client decode error", "client_id", client.ID, "error", err)
			}
			return
		}

		message.Source = client.ID
		s.routeMessage(message)
	}
}

func (s *IPCServer) sendToClient(client *Client) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-client.closed:
			return
		case data := <-client.Send:
			if err := client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				s.logger.Warn("Set write deadline error", "client_id", client.ID, "error", err)
				return
			}

			if _, err := client.Conn.Write(data); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Warn("Send to client failed", "client_id", client.ID, "error", err)
				}
				client.Conn.Close()
				return
			}

			_ = client.Conn.SetWriteDeadline(time.Time{})
		}
	}
}

func (s *IPCServer) routeMessage(message types.IPCMessage) {
	s.handlersLock.RLock()
	handler, exists := s.handlers[message.Type]
	s.handlersLock.RUnlock()

	if !exists {
		s.logger.Warn("No handler for message type", "type", message.Type, "client_id", message.Source)
		return
	}
	handler(message)
}

// Broadcast queues message for every client. Slow clients lose the message
// instead of stalling the caller.
func (s *IPCServer) Broadcast(message types.IPCMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	for _, client := range s.clients {
		select {
		case client.Send <- data:
		case <-client.closed:
		default:
			s.logger.Warn("Client send buffer full", "client_id", client.ID, "type", message.Type)
		}
	}

	return nil
}

func (s *IPCServer) SendToClient(clientID string, message types.IPCMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.clientsLock.RLock()
	client, exists := s.clients[clientID]
	s.clientsLock.RUnlock()

	if !exists {
		return fmt.Errorf("client not found: %s", clientID)
	}

	timeout := s.config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case client.Send <- data:
		return nil
	case <-client.closed:
		return fmt.Errorf("client closed: %s", clientID)
	case <-time.After(timeout):
		return fmt.Errorf("send timeout for client: %s", clientID)
	}
}

func (s *IPCServer) RegisterHandler(messageType string, handler func(types.IPCMessage)) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.handlers[messageType] = handler
}
