// Package builtin provides the modules every deviceflow agent ships with.
// Importing it registers them in modules.DefaultCatalog:
//
//	import _ "github.com/drblury/deviceflow/modules/builtin"
//
// Each module lives in its own file and registers itself from init.
package builtin

import (
	"fmt"

	"github.com/drblury/deviceflow/modules"
)

// Module names.
const (
	AgentInfoName     = "agentinfo"
	StartEventName    = "startevent"
	ConfigurationName = "configuration"
	RestartName       = "restart"
	DeviceStatsName   = "devicestats"
)

// Names lists the built-in modules in registration order.
func Names() []string {
	return []string{AgentInfoName, StartEventName, ConfigurationName, RestartName, DeviceStatsName}
}

// Register adds every built-in module to catalog. The default catalog is
// populated on import.
func Register(catalog *modules.Catalog) {
	catalog.Register(AgentInfoName, NewAgentInfo)
	catalog.Register(StartEventName, NewStartEvent)
	catalog.Register(ConfigurationName, NewConfigurationManager)
	catalog.Register(RestartName, NewRestart)
	catalog.Register(DeviceStatsName, NewDeviceStats)
}

func init() {
	Register(modules.DefaultCatalog)
}

func requireSender(name string, env modules.Env) error {
	if env.Sender == nil {
		return fmt.Errorf("%s: sender is required", name)
	}
	return nil
}
