package core

import (
	"context"
	"fmt"
	"sync"

	"plotter/internal/logging"
)

// EventLoop 事件分发循环：发布方从不阻塞，处理器在单独的 goroutine 中按发布顺序执行
type EventLoop struct {
	events       *Queue[Event]
	handlers     map[EventType][]EventHandler
	handlersLock sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
	logger       *logging.Logger
}

func NewEventLoop() *EventLoop {
	return &EventLoop{
		events:   NewQueue[Event](),
		handlers: make(map[EventType][]EventHandler),
		logger:   logging.GetLogger("event_loop"),
	}
}

func (el *EventLoop) Start(ctx context.Context) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	if el.running {
		return fmt.Errorf("event loop is already running")
	}

	el.ctx, el.cancel = context.WithCancel(ctx)
	el.running = true

	el.wg.Add(1)
	go el.run()

	el.logger.Info("Event loop started")
	return nil
}

// Stop dispatches everything already published, then returns.
func (el *EventLoop) Stop() error {
	el.mu.Lock()
	if !el.running {
		el.mu.Unlock()
		return fmt.Errorf("event loop is not running")
	}
	el.running = false
	el.mu.Unlock()

	el.events.Close()
	el.wg.Wait()
	el.cancel()

	el.logger.Info("Event loop stopped")
	return nil
}

func (el *EventLoop) RegisterHandler(handler EventHandler) {
	el.handlersLock.Lock()
	defer el.handlersLock.Unlock()

	for _, t := range handler.GetSubscribedEvents() {
		el.handlers[t] = append(el.handlers[t], handler)
	}
	el.logger.Info("Event handler registered", "handler", handler.Name(), "events", handler.GetSubscribedEvents())
}

func (el *EventLoop) UnregisterHandler(name string) {
	el.handlersLock.Lock()
	defer el.handlersLock.Unlock()

	for t, hs := range el.handlers {
		kept := hs[:0]
		for _, h := range hs {
			if h.Name() != name {
				kept = append(kept, h)
			}
		}
		el.handlers[t] = kept
	}
}

// Publish 发布事件
func (el *EventLoop) Publish(event Event) {
	if !el.events.Push(event) {
		el.logger.Debug("Event dropped after stop", "type", event.Type())
	}
}

func (el *EventLoop) run() {
	defer el.wg.Done()

	for {
		event, err := el.events.Next(el.ctx)
		if err != nil {
			return
		}
		el.dispatch(event)
	}
}

func (el *EventLoop) dispatch(event Event) {
	el.handlersLock.RLock()
	handlers := append([]EventHandler(nil), el.handlers[event.Type()]...)
	el.handlersLock.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					el.logger.Error("Event handler panic", "handler", h.Name(), "panic", r)
				}
			}()
			if err := h.HandleEvent(event); err != nil {
				el.logger.Error("Error handling event", "handler", h.Name(), "type", event.Type(), "error", err)
			}
		}()
	}
}
