// Package channel provides an in-memory transport backed by a watermill
// gochannel broker. Sessions opened on the same URL share one broker, which
// makes it the transport of choice for tests and local simulation: the
// platform side publishes and observes frames through Broker.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/deviceflow/internal/runtime/ids"
	"github.com/drblury/deviceflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultURL names the broker used when Options.URL is empty.
const DefaultURL = "memory://default"

// Factory allows overriding the broker creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

var (
	brokersMu sync.Mutex
	brokers   = make(map[string]*Broker)
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Broker is an in-process broker shared by every session on one URL.
type Broker struct {
	pubsub *gochannel.GoChannel

	mu       sync.Mutex
	sessions map[*transport.PubSubConn]struct{}
	refused  error
}

// BrokerFor returns the broker for url, creating it on first use.
func BrokerFor(url string) *Broker {
	if url == "" {
		url = DefaultURL
	}
	brokersMu.Lock()
	defer brokersMu.Unlock()
	if b, ok := brokers[url]; ok {
		return b
	}
	b := &Broker{
		pubsub: Factory(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NopLogger{}),
		sessions: make(map[*transport.PubSubConn]struct{}),
	}
	brokers[url] = b
	return b
}

// Reset closes and forgets every broker.
func Reset() {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	for url, b := range brokers {
		_ = b.pubsub.Close()
		delete(brokers, url)
	}
}

// Build opens a session on the broker addressed by opts.URL.
func Build(_ context.Context, opts transport.Options) (transport.Conn, error) {
	b := BrokerFor(opts.URL)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refused != nil {
		return nil, b.refused
	}
	shared := sharedPubSub{b.pubsub}
	conn := transport.NewPubSubConn(shared, shared, nil, opts)
	b.sessions[conn] = struct{}{}
	return conn, nil
}

// Publish injects a frame as if the platform had sent it.
func (b *Broker) Publish(topic string, payload []byte) error {
	return b.pubsub.Publish(topic, message.NewMessage(ids.New(), payload))
}

// Subscribe observes frames published on topic. Messages must be acked.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Sever drops every open session, reporting err as the loss cause.
func (b *Broker) Sever(err error) int {
	b.mu.Lock()
	sessions := make([]*transport.PubSubConn, 0, len(b.sessions))
	for conn := range b.sessions {
		sessions = append(sessions, conn)
	}
	clear(b.sessions)
	b.mu.Unlock()

	for _, conn := range sessions {
		conn.NotifyLost(err)
	}
	return len(sessions)
}

// Refuse makes subsequent Build calls fail with err until Accept is called.
func (b *Broker) Refuse(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refused = err
}

// Accept lets Build succeed again.
func (b *Broker) Accept() {
	b.Refuse(nil)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// sharedPubSub keeps sessions from closing the broker they share.
type sharedPubSub struct {
	*gochannel.GoChannel
}

func (sharedPubSub) Close() error { return nil }
