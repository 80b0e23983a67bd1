package builtin

import (
	"context"
	"strconv"

	"github.com/drblury/deviceflow/internal/runtime/resources"
	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/smartrest"
)

// Measurement fragments published by DeviceStats.
const (
	FragmentCPU        = "c8y_AgentCPU"
	FragmentMemory     = "c8y_AgentMemory"
	FragmentGoroutines = "c8y_AgentGoroutines"
)

// DeviceStats samples the agent's own resource usage on every tick.
type DeviceStats struct {
	tracker *resources.Tracker
}

func NewDeviceStats(env modules.Env) (any, error) {
	tracker := env.Resources
	if tracker == nil {
		tracker = resources.NewTracker()
	}
	return &DeviceStats{tracker: tracker}, nil
}

func (d *DeviceStats) SampleMessages(context.Context) ([]smartrest.Message, error) {
	usage := d.tracker.Snapshot()
	return []smartrest.Message{
		measurement(FragmentCPU, "usage", strconv.FormatFloat(usage.CPUPercent, 'f', 2, 64), "%"),
		measurement(FragmentMemory, "heap", strconv.FormatUint(usage.MemoryBytes, 10), "B"),
		measurement(FragmentGoroutines, "count", strconv.Itoa(usage.Goroutines), ""),
	}, nil
}

func measurement(fragment, series, value, unit string) smartrest.Message {
	return smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDMeasurement, fragment, series, value, unit)
}
