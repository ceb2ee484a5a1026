package management

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"plotter/internal/config"
	"plotter/internal/core"
	"plotter/internal/logging"
	"plotter/pkg/types"
)

type recordingBroadcaster struct {
	messages []types.IPCMessage
}

func (b *recordingBroadcaster) Broadcast(message types.IPCMessage) error {
	b.messages = append(b.messages, message)
	return nil
}

func TestConsoleNotifierForwardsPointsAndResults(t *testing.T) {
	b := &recordingBroadcaster{}
	n := newConsoleNotifier(b)

	point := types.DrawnPoint{JobID: "job-1", Seq: 3, Point: types.WorkspacePoint{X: 0, Y: 12.5}}
	if err := n.HandleEvent(core.NewPointEvent("test", point)); err != nil {
		t.Fatal(err)
	}
	finished := core.NewJobEvent(core.EventTypeJobFinished, "test", "job-1", types.JobFailed, 3, errors.New("link down"))
	if err := n.HandleEvent(finished); err != nil {
		t.Fatal(err)
	}

	if len(b.messages) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(b.messages))
	}
	p := b.messages[0]
	if p.Type != types.MsgDrawnPoint || p.Data["x"] != 0.0 || p.Data["y"] != 12.5 || p.Data["seq"] != 3 {
		t.Errorf("unexpected point message %+v", p)
	}
	j := b.messages[1]
	if j.Type != types.MsgJobFinished || j.Data["status"] != "failed" || j.Data["error"] != "link down" {
		t.Errorf("unexpected job message %+v", j)
	}
}

func newConfigHandler(t *testing.T) *ConfigHandler {
	t.Helper()
	cm := config.NewConfigManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err := cm.LoadOrCreate(""); err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	return NewConfigHandler(cm, logging.GetLogger("test"))
}

func TestGetConfigSection(t *testing.T) {
	h := newConfigHandler(t)

	resp := h.HandleCommand(context.Background(), &types.ConsoleMessage{
		Command: types.CmdGetConfig,
		Params:  map[string]interface{}{"section": "executor"},
	})
	if resp.Status != "success" {
		t.Fatalf("get_config failed: %s", resp.Error)
	}
	tree := resp.Data["config"].(map[string]interface{})
	executor, ok := tree["executor"].(map[string]interface{})
	if !ok || len(tree) != 1 {
		t.Fatalf("expected only the executor section, got %v", tree)
	}
	if executor["batch_size"] != 5 || executor["tail_policy"] != "drop" {
		t.Errorf("unexpected executor section %v", executor)
	}

	resp = h.HandleCommand(context.Background(), &types.ConsoleMessage{
		Command: types.CmdGetConfig,
		Params:  map[string]interface{}{"section": "nope"},
	})
	if resp.Status != "error" {
		t.Errorf("unknown section should fail, got %+v", resp)
	}
}

func TestSetLogLevel(t *testing.T) {
	h := newConfigHandler(t)
	defer logging.GetManager().SetLevel("info")

	resp := h.HandleCommand(context.Background(), &types.ConsoleMessage{
		Command: types.CmdSetLogLevel,
		Params:  map[string]interface{}{"level": "debug"},
	})
	if resp.Status != "success" || logging.GetManager().Level() != "debug" {
		t.Errorf("level not applied: %+v, manager at %s", resp, logging.GetManager().Level())
	}

	resp = h.HandleCommand(context.Background(), &types.ConsoleMessage{
		Command: types.CmdSetLogLevel,
		Params:  map[string]interface{}{"level": "loud"},
	})
	if resp.Status != "error" {
		t.Errorf("unknown level should fail, got %+v", resp)
	}
}
