// Package feed serves the live drawing feed to renderers: a websocket stream of
// every point the device has reached, plus a JSON status snapshot.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"plotter/internal/core"
	"plotter/internal/hardware/comm"
	"plotter/internal/logging"
	"plotter/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Status is the body of GET /status.
type Status struct {
	Angles    types.JointAngles `json:"angles"`
	JobID     string            `json:"job_id,omitempty"`
	JobStatus string            `json:"job_status"`
	Sent      int               `json:"sent"`
	Clients   int               `json:"clients"`
	Link      *comm.LinkStats   `json:"link,omitempty"`
}

// StatusFunc supplies the current plotter state for GET /status.
type StatusFunc func() Status

// PointFrame is sent on /points for every point the device has reached.
type PointFrame struct {
	Type  string  `json:"type"`
	JobID string  `json:"job_id"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Seq   int     `json:"seq"`
}

// JobFrame marks the start and the end of a job on /points.
type JobFrame struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Sent   int    `json:"sent"`
	Error  string `json:"error,omitempty"`
}

// Server 实时绘图点推送服务
type Server struct {
	config     types.FeedConfig
	status     StatusFunc
	upgrader   websocket.Upgrader
	clients    map[int64]*wsClient
	clientsMu  sync.RWMutex
	nextID     int64
	listener   net.Listener
	httpServer *http.Server
	logger     *logging.Logger
}

func NewServer(config types.FeedConfig, status StatusFunc) *Server {
	return &Server{
		config:  config,
		status:  status,
		clients: make(map[int64]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.GetLogger("feed"),
	}
}

// SetStatusFunc installs the source of GET /status. Call it before Start.
func (s *Server) SetStatusFunc(f StatusFunc) {
	s.status = f
}

// Handler returns the HTTP routes of the feed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/points", s.handlePoints)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Feed server started", "address", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Feed server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stop(ctx context.Context) error {
	s.clientsMu.Lock()
	for id, client := range s.clients {
		client.close()
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ClientCount returns the number of connected renderers.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast queues msg for every renderer. A renderer that falls behind loses
// frames; the executor is never slowed down by the feed.
func (s *Server) Broadcast(msg interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	ids := make([]int64, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		s.clients[id].send(msg, s.logger)
	}
}

// HandleEvent implements core.EventHandler.
func (s *Server) HandleEvent(event core.Event) error {
	switch e := event.(type) {
	case *core.PointEvent:
		s.Broadcast(PointFrame{
			Type:  "point",
			JobID: e.Point.JobID,
			X:     e.Point.Point.X,
			Y:     e.Point.Point.Y,
			Seq:   e.Point.Seq,
		})
	case *core.JobEvent:
		msg := JobFrame{Type: string(e.Type()), JobID: e.JobID, Status: e.Status.String(), Sent: e.Sent}
		if e.Error != nil {
			msg.Error = e.Error.Error()
		}
		s.Broadcast(msg)
	}
	return nil
}

func (s *Server) GetSubscribedEvents() []core.EventType {
	return []core.EventType{core.EventTypePointDrawn, core.EventTypeJobStarted, core.EventTypeJobFinished}
}

func (s *Server) Name() string { return "feed" }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var status Status
	if s.status != nil {
		status = s.status()
	}
	if status.JobStatus == "" {
		status.JobStatus = types.JobIdle.String()
	}
	status.Clients = s.ClientCount()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("Status encode failed", "error", err)
	}
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		sendCh: make(chan interface{}, sendBuffer),
		done:   make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	s.logger.Info("Renderer connected", "client", client.id, "remote", r.RemoteAddr)

	go client.writePump(s.logger)
	client.readPump()

	s.clientsMu.Lock()
	delete(s.clients, client.id)
	s.clientsMu.Unlock()
	client.close()

	s.logger.Info("Renderer disconnected", "client", client.id)
}

type wsClient struct {
	id        int64
	conn      *websocket.Conn
	sendCh    chan interface{}
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) send(msg interface{}, logger *logging.Logger) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		logger.Warn("Dropping feed frame, renderer too slow", "client", c.id)
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump only watches for the peer going away; renderers never send data.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump(logger *logging.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("Feed write failed", "client", c.id, "error", err)
				}
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
