// Package modules defines the handler module contract and discovers the
// modules that make up an agent.
//
// A module is any value implementing at least one capability:
// StartupProducer, PeriodicSampler or OperationHandler. Modules register a
// Constructor under a unique name in a Catalog; Discover builds exactly one
// instance per name and files that instance under every capability it
// implements.
package modules

import (
	"context"

	"github.com/drblury/deviceflow/internal/runtime/config"
	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/internal/runtime/resources"
	"github.com/drblury/deviceflow/smartrest"
)

// StartupProducer contributes messages published once per established session.
type StartupProducer interface {
	StartupMessages(ctx context.Context) ([]smartrest.Message, error)
}

// PeriodicSampler contributes messages published on every tick.
type PeriodicSampler interface {
	SampleMessages(ctx context.Context) ([]smartrest.Message, error)
}

// OperationHandler reacts to inbound messages.
type OperationHandler interface {
	Handle(ctx context.Context, msg smartrest.Message) error
	// SupportedOperations lists operation names announced to the platform.
	SupportedOperations() []string
	// SupportedTemplates lists custom template ids; each adds an s/dc/<id>
	// subscription.
	SupportedTemplates() []string
}

// Route binds a handler to one message id, optionally limited to a topic.
type Route struct {
	// Topic restricts the route to one inbound topic. Empty matches any.
	Topic string
	// MessageID is the frame id the route matches.
	MessageID string
	// Operation names the operation the route serves. It is used in status
	// frames, for example when an exclusive route rejects a message.
	Operation string
	// Exclusive routes run at most one message at a time per handler.
	// Messages arriving while one is in flight are rejected as busy.
	Exclusive bool
}

// Router is implemented by handlers that declare their routes. Handlers
// without routes receive every inbound message and filter on their own.
type Router interface {
	Routes() []Route
}

// Sender publishes frames through the agent's session.
type Sender interface {
	Send(ctx context.Context, msg smartrest.Message, qos byte, waitForAck bool) error
}

// TokenSource exposes the platform token delivered over the session.
type TokenSource interface {
	Token() string
}

// Env is handed to every Constructor.
type Env struct {
	// Serial is the device serial; inbound frames addressed to it have the
	// serial stripped before handlers see them.
	Serial string
	Sender Sender
	Tokens TokenSource
	Logger logging.Logger
	// Settings is the configuration snapshot at discovery time.
	Settings config.Config
	// Store persists configuration changes.
	Store     *config.Store
	Resources *resources.Tracker
}

// Named pairs a module capability with the name it was registered under.
type Named[T any] struct {
	Name   string
	Module T
}
