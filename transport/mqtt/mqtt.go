// Package mqtt provides the production MQTT transport built on the Eclipse
// Paho client.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	paho "github.com/eclipse/paho.mqtt.golang"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "mqtt"

const (
	subscribeQoS       = 2
	disconnectQuiesce  = 250 // milliseconds
	defaultWaitTimeout = 30 * time.Second
)

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = paho.NewClient

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MQTTCapabilities)
}

// Conn is a Paho-backed session.
type Conn struct {
	client  paho.Client
	logger  watermill.LoggerAdapter
	timeout time.Duration

	mu      sync.Mutex
	closing bool
}

// Build connects to opts.URL. Automatic reconnects are disabled: the agent's
// connection manager owns the reconnect policy.
func Build(ctx context.Context, opts transport.Options) (transport.Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	c := &Conn{logger: logger, timeout: timeout}
	c.client = ClientFactory(c.clientOptions(opts))

	if err := wait(ctx, c.client.Connect(), timeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.URL, err)
	}
	logger.Info("MQTT session established", watermill.LogFields{"broker": opts.URL, "client_id": opts.ClientID})
	return c, nil
}

func (c *Conn) clientOptions(opts transport.Options) *paho.ClientOptions {
	o := paho.NewClientOptions().
		AddBroker(opts.URL).
		SetClientID(opts.ClientID).
		SetCleanSession(opts.CleanSession).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(c.timeout)
	if opts.KeepAlive > 0 {
		o.SetKeepAlive(opts.KeepAlive)
	}
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	if opts.TLS != nil {
		o.SetTLSConfig(opts.TLS)
	}
	if opts.OnMessage != nil {
		handler := opts.OnMessage
		o.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
			handler(m.Topic(), m.Payload())
		})
	}
	onLost := opts.OnConnectionLost
	o.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing || onLost == nil {
			return
		}
		c.logger.Error("MQTT connection lost", err, nil)
		onLost(err)
	})
	return o
}

// Publish sends payload at qos. The Delivery wraps the Paho token.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, qos byte) (transport.Delivery, error) {
	if !c.client.IsConnectionOpen() {
		return nil, derrors.ErrNotConnected
	}
	return delivery{token: c.client.Publish(topic, qos, false, payload)}, nil
}

// Subscribe subscribes to every topic at qos 2. Messages reach the default
// publish handler.
func (c *Conn) Subscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = subscribeQoS
	}
	if err := wait(ctx, c.client.SubscribeMultiple(filters, nil), c.timeout); err != nil {
		return fmt.Errorf("mqtt subscribe %v: %w", topics, err)
	}
	return nil
}

// Close disconnects without firing the connection-lost handler.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.client.Disconnect(disconnectQuiesce)
	return nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MQTTCapabilities
}

type delivery struct {
	token paho.Token
}

func (d delivery) Wait(ctx context.Context) error {
	select {
	case <-d.token.Done():
		return d.token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}
