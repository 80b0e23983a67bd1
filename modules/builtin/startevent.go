package builtin

import (
	"context"

	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/smartrest"
)

// StartEventType is the event type raised when a session starts.
const StartEventType = "c8y_AgentStartEvent"

const startEventText = "deviceflow agent started"

// StartEvent raises an event each time the agent (re)connects.
type StartEvent struct{}

func NewStartEvent(modules.Env) (any, error) {
	return StartEvent{}, nil
}

func (StartEvent) StartupMessages(context.Context) ([]smartrest.Message, error) {
	return []smartrest.Message{
		smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDEvent, StartEventType, startEventText),
	}, nil
}
