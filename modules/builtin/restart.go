package builtin

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/smartrest"
)

// RestartOperation is the operation served by Restart.
const RestartOperation = "c8y_Restart"

const restartResult = "Restart Successful"

// reboot schedules the device reboot. The agent keeps running until the
// system takes it down, so the result is reported after the next start.
var reboot = func(ctx context.Context) error {
	return exec.CommandContext(ctx, "shutdown", "-r", "+1").Run()
}

// Restart reboots the device on a 510 frame. Only one restart runs at a
// time; the platform is told the operation succeeded once the agent is back.
type Restart struct {
	sender modules.Sender
	logger logging.Logger
}

func NewRestart(env modules.Env) (any, error) {
	if err := requireSender(RestartName, env); err != nil {
		return nil, err
	}
	logger := env.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Restart{sender: env.Sender, logger: logger}, nil
}

// StartupMessages closes the restart operation that rebooted the device.
func (r *Restart) StartupMessages(context.Context) ([]smartrest.Message, error) {
	return []smartrest.Message{smartrest.Successful(RestartOperation, restartResult)}, nil
}

func (r *Restart) SupportedOperations() []string { return []string{RestartOperation} }
func (r *Restart) SupportedTemplates() []string  { return nil }

func (r *Restart) Routes() []modules.Route {
	return []modules.Route{{
		Topic:     smartrest.TopicOperations,
		MessageID: smartrest.IDRestart,
		Operation: RestartOperation,
		Exclusive: true,
	}}
}

func (r *Restart) Handle(ctx context.Context, msg smartrest.Message) error {
	if msg.ID != smartrest.IDRestart {
		return nil
	}
	if err := r.sender.Send(ctx, smartrest.Executing(RestartOperation), statusQoS, false); err != nil {
		return fmt.Errorf("report executing: %w", err)
	}
	r.logger.Info("Rebooting device", nil)
	if err := reboot(ctx); err != nil {
		reason := "Error during restart: " + err.Error()
		if sendErr := r.sender.Send(ctx, smartrest.Failed(RestartOperation, reason), statusQoS, false); sendErr != nil {
			r.logger.Error("Failed to report restart failure", sendErr, nil)
		}
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}
