package builtin

import (
	"context"

	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/smartrest"
)

const (
	agentDisplayName = "deviceflow"
	agentURL         = "https://github.com/drblury/deviceflow"
	agentMaintainer  = "Open Source"
)

// AgentInfo announces the agent software on every session start.
type AgentInfo struct {
	version string
}

// NewAgentInfo reads the version from the agent settings.
func NewAgentInfo(env modules.Env) (any, error) {
	return &AgentInfo{version: env.Settings.Agent.Version}, nil
}

// StartupMessages returns the 122 agent information frame.
func (a *AgentInfo) StartupMessages(context.Context) ([]smartrest.Message, error) {
	return []smartrest.Message{
		smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDAgentInformation,
			agentDisplayName, a.version, agentURL, agentMaintainer),
	}, nil
}
