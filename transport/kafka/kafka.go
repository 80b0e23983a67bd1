// Package kafka provides a Kafka transport for fleets whose MQTT traffic is
// bridged into Kafka topics. Topics are mapped the way common bridges name
// them: "s/us" becomes "s.us". Every device consumes in its own consumer
// group so no frame is shared between agents.
package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// TopicName maps an MQTT style topic onto a Kafka topic.
func TopicName(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// Brokers parses "kafka://host1:9092,host2:9092" into broker addresses. A
// bare "host1:9092,host2:9092" list is accepted as well.
func Brokers(rawURL string) ([]string, error) {
	hosts := rawURL
	if _, rest, ok := strings.Cut(rawURL, "://"); ok {
		hosts = rest
	}
	if i := strings.IndexAny(hosts, "/?"); i >= 0 {
		hosts = hosts[:i]
	}
	var brokers []string
	for _, b := range strings.Split(hosts, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: no kafka brokers in %q", derrors.ErrInvalidTransport, rawURL)
	}
	return brokers, nil
}

// Build creates a synchronous publisher and a subscriber in the device's
// own consumer group.
func Build(ctx context.Context, opts transport.Options) (transport.Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	brokers, err := Brokers(opts.URL)
	if err != nil {
		return nil, err
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig(kafka.DefaultSaramaSyncPublisherConfig(), opts),
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         opts.ClientID,
			OverwriteSaramaConfig: saramaConfig(kafka.DefaultSaramaSubscriberConfig(), opts),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return nil, err
	}

	return transport.NewPubSubConn(publisher, subscriber, TopicName, opts), nil
}

// saramaConfig applies the session identity, SASL credentials and TLS.
func saramaConfig(cfg *sarama.Config, opts transport.Options) *sarama.Config {
	if opts.ClientID != "" {
		cfg.ClientID = opts.ClientID
	}
	if opts.ConnectTimeout > 0 {
		cfg.Net.DialTimeout = opts.ConnectTimeout
	}
	if opts.Username != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = opts.Username
		cfg.Net.SASL.Password = opts.Password
	}
	if opts.TLS != nil {
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = opts.TLS
	}
	return cfg
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
