// Package comm provides the line link state shared by the plotter transports.
package comm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"plotter/internal/logging"
)

// LinkStats counts the traffic of one link since it was created.
type LinkStats struct {
	Status        string    `json:"status"`
	LinesSent     int       `json:"lines_sent"`
	LinesReceived int       `json:"lines_received"`
	Errors        int       `json:"errors"`
	LastError     string    `json:"last_error,omitempty"`
	LastActivity  time.Time `json:"last_activity"`
}

// BaseCommunication 行链路的公共状态：连接状态、流量统计、事件分发和连接重试
type BaseCommunication struct {
	config        ConnectionConfig
	status        ConnectionStatus
	lastError     error
	stats         LinkStats
	eventHandlers []EventHandler
	errorHandler  ErrorHandler
	mutex         sync.RWMutex
	logger        *logging.Logger
}

func NewBaseCommunication(config ConnectionConfig) *BaseCommunication {
	return &BaseCommunication{
		config:       config,
		status:       StatusDisconnected,
		errorHandler: &DefaultErrorHandler{},
		logger:       logging.GetLogger("link"),
	}
}

func (bc *BaseCommunication) Config() ConnectionConfig {
	return bc.config
}

func (bc *BaseCommunication) GetStatus() ConnectionStatus {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	return bc.status
}

func (bc *BaseCommunication) SetStatus(status ConnectionStatus) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	if bc.status != status {
		bc.logger.Debug("Link status changed", "from", bc.status.String(), "to", status.String())
	}
	bc.status = status
}

func (bc *BaseCommunication) GetLastError() error {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	return bc.lastError
}

func (bc *BaseCommunication) IsConnected() bool {
	return bc.GetStatus() == StatusConnected
}

// Stats 返回链路流量统计的快照
func (bc *BaseCommunication) Stats() LinkStats {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	s := bc.stats
	s.Status = bc.status.String()
	return s
}

func (bc *BaseCommunication) AddEventHandler(handler EventHandler) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	bc.eventHandlers = append(bc.eventHandlers, handler)
}

func (bc *BaseCommunication) RemoveEventHandler(handler EventHandler) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	for i, h := range bc.eventHandlers {
		if h == handler {
			bc.eventHandlers = append(bc.eventHandlers[:i], bc.eventHandlers[i+1:]...)
			return
		}
	}
}

func (bc *BaseCommunication) SetErrorHandler(handler ErrorHandler) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	bc.errorHandler = handler
}

// notify calls every handler outside the lock; a panicking handler is logged and skipped.
func (bc *BaseCommunication) notify(callback func(EventHandler)) {
	bc.mutex.RLock()
	handlers := append([]EventHandler(nil), bc.eventHandlers...)
	bc.mutex.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					bc.logger.Error("Link event handler panic", "panic", r)
				}
			}()
			callback(handler)
		}()
	}
}

func (bc *BaseCommunication) EmitConnected() {
	bc.notify(func(h EventHandler) { h.OnConnected() })
}

func (bc *BaseCommunication) EmitDisconnected() {
	bc.notify(func(h EventHandler) { h.OnDisconnected() })
}

// EmitLineSent records one command line written to the device.
func (bc *BaseCommunication) EmitLineSent(line string) {
	bc.mutex.Lock()
	bc.stats.LinesSent++
	bc.stats.LastActivity = time.Now()
	bc.mutex.Unlock()

	bc.logger.Debug("Sent", "line", line)
	bc.notify(func(h EventHandler) { h.OnLineSent(line) })
}

// EmitLineReceived records one response line read from the device.
func (bc *BaseCommunication) EmitLineReceived(line string) {
	bc.mutex.Lock()
	bc.stats.LinesReceived++
	bc.stats.LastActivity = time.Now()
	bc.mutex.Unlock()

	bc.logger.Debug("Received", "line", line)
	bc.notify(func(h EventHandler) { h.OnLineReceived(line) })
}

// HandleWithError records err, passes it through the error handler and
// reports the result to the event handlers.
func (bc *BaseCommunication) HandleWithError(err error) error {
	bc.mutex.Lock()
	handler := bc.errorHandler
	bc.lastError = err
	bc.stats.Errors++
	bc.stats.LastError = err.Error()
	bc.mutex.Unlock()

	if handler != nil {
		err = handler.HandleError(err)
	}

	bc.notify(func(h EventHandler) { h.OnError(err) })
	return err
}

// RetryConnect runs open up to RetryCount+1 times. Only opening the port is
// retried: a resent move cannot be told apart from a new one.
func (bc *BaseCommunication) RetryConnect(ctx context.Context, open func() error) error {
	bc.mutex.RLock()
	handler := bc.errorHandler
	bc.mutex.RUnlock()

	var lastErr error
	for attempt := 0; attempt <= bc.config.RetryCount; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = open()
		if lastErr == nil {
			return nil
		}
		if handler != nil && !handler.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt == bc.config.RetryCount {
			break
		}

		delay := bc.config.RetryInterval
		if handler != nil {
			if d := handler.GetRetryDelay(lastErr); d > 0 {
				delay = d
			}
		}
		bc.logger.Warn("Open failed, retrying", "attempt", attempt+1, "max_attempts", bc.config.RetryCount, "delay", delay, "error", lastErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if bc.config.RetryCount == 0 {
		return lastErr
	}
	return fmt.Errorf("gave up after %d retries: %w", bc.config.RetryCount, lastErr)
}

// DefaultErrorHandler retries every open failure: the port may be held by
// another process or not yet enumerated after a USB reset.
type DefaultErrorHandler struct{}

func (DefaultErrorHandler) HandleError(err error) error           { return err }
func (DefaultErrorHandler) ShouldRetry(err error) bool            { return err != nil }
func (DefaultErrorHandler) GetRetryDelay(err error) time.Duration { return 0 }
