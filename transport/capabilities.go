package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsQoS indicates publish acknowledgements honour qos 1 and 2.
	// When false every publish is fire-and-forget and Delivery completes
	// as soon as the broker accepted the bytes.
	SupportsQoS bool

	// SupportsTLS indicates the transport accepts Options.TLS, which
	// certificate authentication requires.
	SupportsTLS bool

	// ReportsConnectionLoss indicates OnConnectionLost is invoked by the
	// transport. Without it the agent only notices loss on failed publishes.
	ReportsConnectionLoss bool

	// SupportsOrdering indicates messages on one topic arrive in publish order.
	SupportsOrdering bool

	// InProcess marks transports that never leave the process.
	InProcess bool

	// MaxMessageSize is the maximum payload size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsCertificateAuth reports whether the transport can carry the TLS
// client certificate login.
func (c Capabilities) SupportsCertificateAuth() bool {
	return c.SupportsTLS
}

// SupportsReliableDelivery reports whether waitForAck publishes are
// confirmed by the broker.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsQoS
}

// Predefined capability sets for the built-in transports.
var (
	MQTTCapabilities = Capabilities{
		Name:                  "mqtt",
		SupportsQoS:           true,
		SupportsTLS:           true,
		ReportsConnectionLoss: true,
		SupportsOrdering:      true,
		MaxMessageSize:        256 * 1024 * 1024,
	}

	ChannelCapabilities = Capabilities{
		Name:                  "channel",
		SupportsQoS:           true,
		ReportsConnectionLoss: true,
		SupportsOrdering:      true,
		InProcess:             true,
	}

	NATSCapabilities = Capabilities{
		Name:                  "nats",
		SupportsTLS:           true,
		ReportsConnectionLoss: true,
		SupportsOrdering:      true,
		MaxMessageSize:        1024 * 1024,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:                  "nats-jetstream",
		SupportsQoS:           true,
		SupportsTLS:           true,
		ReportsConnectionLoss: true,
		SupportsOrdering:      true,
		MaxMessageSize:        1024 * 1024,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsQoS:      true,
		SupportsTLS:      true,
		SupportsOrdering: true,
		MaxMessageSize:   1024 * 1024,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsTLS:      true,
		SupportsOrdering: true,
		MaxMessageSize:   128 * 1024 * 1024,
	}
)
