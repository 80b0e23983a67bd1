// Package transport defines the broker session abstraction used by the agent.
// Each transport implementation lives in its own sub-package and registers
// itself with the transport registry.
package transport

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Conn is a live broker session. Publish and Subscribe may be called from
// multiple goroutines.
type Conn interface {
	// Publish hands payload to the broker. The returned Delivery completes
	// when the broker acknowledged the message at the requested qos.
	Publish(ctx context.Context, topic string, payload []byte, qos byte) (Delivery, error)
	// Subscribe routes inbound messages on topics to the session's
	// MessageHandler.
	Subscribe(ctx context.Context, topics ...string) error
	// Close ends the session. It never triggers the connection-lost callback.
	Close() error
}

// Delivery tracks an in-flight publish.
type Delivery interface {
	Wait(ctx context.Context) error
}

// MessageHandler receives every inbound message of a session.
type MessageHandler func(topic string, payload []byte)

// Options carries everything a builder needs to open a session.
type Options struct {
	// Name selects the registered transport.
	Name string

	URL      string
	ClientID string
	Username string
	Password string
	TLS      *tls.Config

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool

	// OnMessage receives inbound messages for every subscribed topic.
	OnMessage MessageHandler
	// OnConnectionLost is invoked at most once when the session drops
	// without Close being called.
	OnConnectionLost func(err error)

	Logger watermill.LoggerAdapter
}

// Builder opens a session for the given options.
type Builder func(ctx context.Context, opts Options) (Conn, error)

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// Completed is a Delivery that is already done.
type Completed struct {
	Err error
}

// Wait returns the stored error.
func (c Completed) Wait(context.Context) error {
	return c.Err
}
