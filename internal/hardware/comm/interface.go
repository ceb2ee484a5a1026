package comm

import (
	"context"
	"errors"
	"time"
)

// ConnectionStatus 表示连接状态
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrAckTimeout is returned when a device does not answer a command in time.
var ErrAckTimeout = errors.New("acknowledgement timeout")

// ErrNotConnected is returned by round trips on a closed link.
var ErrNotConnected = errors.New("link not connected")

// ConnectionConfig 基础连接配置
type ConnectionConfig struct {
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	BannerTimeout time.Duration `yaml:"banner_timeout"`
	RetryCount    int           `yaml:"retry_count"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// LineInterface 行协议通信接口：写一行，读一行
type LineInterface interface {
	// 连接管理
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) error

	// 状态查询
	GetStatus() ConnectionStatus
	GetLastError() error
	IsConnected() bool
	Stats() LinkStats

	// RoundTrip writes one command line and returns the single response line.
	RoundTrip(ctx context.Context, line string) (string, error)

	// 事件处理
	AddEventHandler(handler EventHandler)
	RemoveEventHandler(handler EventHandler)
}

// ErrorHandler 错误处理接口
type ErrorHandler interface {
	HandleError(err error) error
	ShouldRetry(err error) bool
	GetRetryDelay(err error) time.Duration
}

// EventHandler 事件处理接口
type EventHandler interface {
	OnConnected()
	OnDisconnected()
	OnError(err error)
	OnLineSent(line string)
	OnLineReceived(line string)
}
