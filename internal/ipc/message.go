package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"

	"plotter/pkg/types"
)

// NewCommandMessage wraps a console command into an IPC envelope. The
// envelope ID doubles as the request ID.
func NewCommandMessage(command types.ConsoleCommand, params map[string]interface{}) types.IPCMessage {
	id := uuid.NewV4().String()
	if params == nil {
		params = map[string]interface{}{}
	}
	return types.IPCMessage{
		Type:      types.MsgConsoleCommand,
		Source:    "plotctl",
		Target:    "plotterd",
		Timestamp: time.Now(),
		ID:        id,
		Data: map[string]interface{}{
			"command":    string(command),
			"params":     params,
			"request_id": id,
		},
	}
}

// DecodeCommand extracts the console command carried by message.
func DecodeCommand(message types.IPCMessage) (*types.ConsoleMessage, error) {
	var cmd types.ConsoleMessage
	if err := remarshal(message.Data, &cmd); err != nil {
		return nil, fmt.Errorf("invalid console command: %w", err)
	}
	if cmd.Command == "" {
		return nil, fmt.Errorf("invalid console command: missing command")
	}
	if cmd.RequestID == "" {
		cmd.RequestID = message.ID
	}
	if cmd.Params == nil {
		cmd.Params = map[string]interface{}{}
	}
	cmd.Source = message.Source
	cmd.Target = message.Target
	cmd.Timestamp = message.Timestamp
	return &cmd, nil
}

// NewResponseMessage wraps a console response for delivery to one client.
func NewResponseMessage(clientID string, resp *types.ConsoleResponse) types.IPCMessage {
	data := map[string]interface{}{
		"request_id": resp.RequestID,
		"status":     resp.Status,
		"timestamp":  resp.Timestamp,
	}
	if resp.Data != nil {
		data["data"] = resp.Data
	}
	if resp.Error != "" {
		data["error"] = resp.Error
	}
	return types.IPCMessage{
		Type:      types.MsgConsoleResponse,
		Source:    "plotterd",
		Target:    clientID,
		Data:      data,
		Timestamp: time.Now(),
		ID:        resp.RequestID,
	}
}

// DecodeResponse is the inverse of NewResponseMessage.
func DecodeResponse(message types.IPCMessage) (*types.ConsoleResponse, error) {
	var resp types.ConsoleResponse
	if err := remarshal(message.Data, &resp); err != nil {
		return nil, fmt.Errorf("invalid console response: %w", err)
	}
	if resp.RequestID == "" {
		resp.RequestID = message.ID
	}
	return &resp, nil
}

// NewNotification builds a server-pushed message such as a drawn point.
func NewNotification(messageType string, data map[string]interface{}) types.IPCMessage {
	return types.IPCMessage{
		Type:      messageType,
		Source:    "plotterd",
		Data:      data,
		Timestamp: time.Now(),
		ID:        uuid.NewV4().String(),
	}
}

func remarshal(in map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
