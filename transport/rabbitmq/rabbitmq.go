// Package rabbitmq provides an AMQP transport for deployments where devices
// reach the platform through RabbitMQ with its MQTT plugin enabled. Topics are
// mapped onto routing keys the way the plugin does: "s/us" becomes "s.us".
package rabbitmq

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/deviceflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// RoutingKey maps an MQTT style topic onto an AMQP routing key.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// Build opens one AMQP connection shared by a publisher and a subscriber.
// Each session consumes through its own queues, named after the client id.
func Build(ctx context.Context, opts transport.Options) (transport.Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	uri, err := amqpURI(opts)
	if err != nil {
		return nil, err
	}

	amqpConfig := amqp.NewDurablePubSubConfig(
		uri,
		amqp.GenerateQueueNameTopicNameWithSuffix(opts.ClientID),
	)
	amqpConfig.Connection.TLSConfig = opts.TLS

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		TLSConfig: opts.TLS,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	return transport.NewPubSubConn(publisher, subscriber, RoutingKey, opts), nil
}

// amqpURI injects the session credentials into opts.URL when given.
func amqpURI(opts transport.Options) (string, error) {
	if opts.Username == "" {
		return opts.URL, nil
	}
	parsed, err := url.Parse(opts.URL)
	if err != nil {
		return "", fmt.Errorf("rabbitmq: invalid url: %w", err)
	}
	parsed.User = url.UserPassword(opts.Username, opts.Password)
	return parsed.String(), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
