package management

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"plotter/internal/config"
	"plotter/internal/core"
	"plotter/internal/logging"
	"plotter/pkg/types"
)

// ConfigHandler handles configuration-related console commands
type ConfigHandler struct {
	configManager *config.ConfigManager
	logger        *logging.Logger
}

// NewConfigHandler creates a new configuration handler
func NewConfigHandler(configManager *config.ConfigManager, logger *logging.Logger) *ConfigHandler {
	return &ConfigHandler{
		configManager: configManager,
		logger:        logger,
	}
}

// CommandHandler interface implementation
func (ch *ConfigHandler) GetHandledCommands() []types.ConsoleCommand {
	return []types.ConsoleCommand{
		types.CmdGetConfig,
		types.CmdSetLogLevel,
	}
}

func (ch *ConfigHandler) HandleCommand(ctx context.Context, msg *types.ConsoleMessage) *types.ConsoleResponse {
	ch.logger.Info("Config handler handling command", "command", msg.Command)

	switch msg.Command {
	case types.CmdGetConfig:
		return ch.handleGetConfig(msg)
	case types.CmdSetLogLevel:
		return ch.handleSetLogLevel(msg)
	default:
		return core.ErrorResponse(msg, fmt.Errorf("config handler cannot handle command: %s", msg.Command))
	}
}

func (ch *ConfigHandler) GetName() string {
	return "config"
}

// handleGetConfig returns the active configuration keyed the way it is written
// in the YAML file. An optional "section" parameter narrows the result.
func (ch *ConfigHandler) handleGetConfig(msg *types.ConsoleMessage) *types.ConsoleResponse {
	tree, err := configTree(ch.configManager.GetConfig())
	if err == nil {
		if section, _ := msg.Params["section"].(string); section != "" {
			value, ok := tree[section]
			if !ok {
				err = fmt.Errorf("unknown config section %q", section)
			}
			tree = map[string]interface{}{section: value}
		}
	}
	if err != nil {
		return core.ErrorResponse(msg, err)
	}

	return core.SuccessResponse(msg, map[string]interface{}{
		"config": tree,
		"path":   ch.configManager.GetConfigPath(),
	})
}

func configTree(c types.SystemConfig) (map[string]interface{}, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (ch *ConfigHandler) handleSetLogLevel(msg *types.ConsoleMessage) *types.ConsoleResponse {
	level, _ := msg.Params["level"].(string)
	if err := logging.GetManager().SetLevel(level); err != nil {
		return core.ErrorResponse(msg, err)
	}

	ch.logger.Info("Log level changed", "level", level)
	return core.SuccessResponse(msg, map[string]interface{}{"level": level})
}

// Ensure ConfigHandler implements core.CommandHandler
var _ core.CommandHandler = (*ConfigHandler)(nil)
