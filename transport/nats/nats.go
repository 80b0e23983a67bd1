// Package nats provides a NATS Core transport for deployments where devices
// reach the platform through a NATS server with its MQTT gateway enabled.
// Topics are mapped onto subjects the way the gateway does: "s/us" becomes
// "s.us".
package nats

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/deviceflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Subject maps an MQTT style topic onto a NATS subject.
func Subject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// Build opens a publisher and a subscriber connection to opts.URL and wraps
// them into a session. Reconnects are left to the agent, so a dropped
// connection is reported through OnConnectionLost.
func Build(ctx context.Context, opts transport.Options) (transport.Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	var session atomic.Pointer[transport.PubSubConn]
	natsOptions := connectOptions(opts, func(_ *nc.Conn, err error) {
		if s := session.Load(); s != nil {
			s.NotifyLost(err)
		}
	})
	marshaler := &nats.NATSMarshaler{}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         opts.URL,
			NatsOptions: natsOptions,
			Marshaler:   marshaler,
			JetStream:   nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:         opts.URL,
			NatsOptions: natsOptions,
			Unmarshaler: marshaler,
			JetStream:   nats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	conn := transport.NewPubSubConn(publisher, subscriber, Subject, opts)
	session.Store(conn)
	return conn, nil
}

func connectOptions(opts transport.Options, onDisconnect nc.ConnErrHandler) []nc.Option {
	options := []nc.Option{
		nc.NoReconnect(),
		nc.DisconnectErrHandler(onDisconnect),
	}
	if opts.ClientID != "" {
		options = append(options, nc.Name(opts.ClientID))
	}
	if opts.Username != "" {
		options = append(options, nc.UserInfo(opts.Username, opts.Password))
	}
	if opts.TLS != nil {
		options = append(options, nc.Secure(opts.TLS))
	}
	if opts.ConnectTimeout > 0 {
		options = append(options, nc.Timeout(opts.ConnectTimeout))
	}
	return options
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
