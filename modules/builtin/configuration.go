package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/drblury/deviceflow/internal/runtime/config"
	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/smartrest"
)

// ConfigurationOperation is the operation served by ConfigurationManager.
const ConfigurationOperation = "c8y_Configuration"

// statusQoS is used for operation status frames so they survive in the
// outbox while offline.
const statusQoS = 1

// ConfigurationManager reports the agent configuration as "section.key=value"
// text and applies configuration operations through the config store.
// Secret settings are neither reported nor changed.
type ConfigurationManager struct {
	store  *config.Store
	sender modules.Sender
	logger logging.Logger
}

// NewConfigurationManager requires the config store and a sender.
func NewConfigurationManager(env modules.Env) (any, error) {
	if env.Store == nil {
		return nil, fmt.Errorf("%s: config store is required", ConfigurationName)
	}
	if err := requireSender(ConfigurationName, env); err != nil {
		return nil, err
	}
	logger := env.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &ConfigurationManager{store: env.Store, sender: env.Sender, logger: logger}, nil
}

// StartupMessages reports the current configuration.
func (c *ConfigurationManager) StartupMessages(context.Context) ([]smartrest.Message, error) {
	return []smartrest.Message{c.report()}, nil
}

func (c *ConfigurationManager) report() smartrest.Message {
	cfg := c.store.Snapshot()
	return smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDConfiguration, cfg.Render())
}

func (c *ConfigurationManager) SupportedOperations() []string {
	return []string{ConfigurationOperation}
}

func (c *ConfigurationManager) SupportedTemplates() []string { return nil }

func (c *ConfigurationManager) Routes() []modules.Route {
	return []modules.Route{{
		Topic:     smartrest.TopicOperations,
		MessageID: smartrest.IDConfigurationUpdate,
		Operation: ConfigurationOperation,
		Exclusive: true,
	}}
}

// Handle applies a 513 frame: executing, persist, report, successful. Any
// failure marks the operation as failed with the error text.
func (c *ConfigurationManager) Handle(ctx context.Context, msg smartrest.Message) error {
	if msg.ID != smartrest.IDConfigurationUpdate {
		return nil
	}
	if err := c.sender.Send(ctx, smartrest.Executing(ConfigurationOperation), statusQoS, false); err != nil {
		return fmt.Errorf("report executing: %w", err)
	}

	if err := c.apply(msg.Value(0)); err != nil {
		c.logger.Error("Configuration update failed", err, nil)
		return errors.Join(err, c.sender.Send(ctx, smartrest.Failed(ConfigurationOperation, err.Error()), statusQoS, false))
	}
	c.logger.Info("Configuration updated", nil)

	if err := c.sender.Send(ctx, c.report(), statusQoS, false); err != nil {
		return fmt.Errorf("report configuration: %w", err)
	}
	return c.sender.Send(ctx, smartrest.Successful(ConfigurationOperation), statusQoS, false)
}

func (c *ConfigurationManager) apply(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("configuration is empty")
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "secret.") {
			continue
		}
		lines = append(lines, line)
	}
	return c.store.Update(func(cfg *config.Config) error {
		if err := cfg.Apply(strings.Join(lines, "\n")); err != nil {
			return err
		}
		return cfg.Validate()
	})
}
