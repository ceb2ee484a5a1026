package core

import (
	"context"

	"plotter/pkg/types"
)

// Link 与设备之间的行协议链路：写一行命令，读回一行响应
type Link interface {
	RoundTrip(ctx context.Context, line string) (string, error)
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(event Event)
}

type IPCServer interface {
	Start() error
	Stop() error
	Broadcast(message types.IPCMessage) error
	SendToClient(clientID string, message types.IPCMessage) error
	RegisterHandler(messageType string, handler func(types.IPCMessage))
}

type IPCClient interface {
	Connect() error
	Disconnect() error
	Send(message types.IPCMessage) error
	Receive() <-chan types.IPCMessage
	RegisterHandler(messageType string, handler func(types.IPCMessage))
}
