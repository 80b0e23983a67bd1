package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/internal/runtime/ids"
)

// QoSMetadataKey carries the requested qos on watermill messages.
const QoSMetadataKey = "qos"

// TopicMapper rewrites agent topics ("s/us") into broker topic names.
type TopicMapper func(topic string) string

// PubSubConn adapts a watermill Publisher/Subscriber pair into a Conn.
// Watermill publishes are synchronous, so every Delivery is already complete
// when Publish returns.
type PubSubConn struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	mapTopic   TopicMapper
	onMessage  MessageHandler
	onLost     func(error)
	lostOnce   sync.Once
	logger     watermill.LoggerAdapter

	mu         sync.Mutex
	subscribed map[string]bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
}

// NewPubSubConn wraps pub and sub. A nil mapper keeps topics unchanged.
func NewPubSubConn(pub message.Publisher, sub message.Subscriber, mapper TopicMapper, opts Options) *PubSubConn {
	if mapper == nil {
		mapper = func(topic string) string { return topic }
	}
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubConn{
		publisher:  pub,
		subscriber: sub,
		mapTopic:   mapper,
		onMessage:  opts.OnMessage,
		onLost:     opts.OnConnectionLost,
		logger:     logger,
		subscribed: make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Publish sends payload as a single watermill message.
func (c *PubSubConn) Publish(ctx context.Context, topic string, payload []byte, qos byte) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, derrors.ErrNotConnected
	}

	msg := message.NewMessage(ids.New(), payload)
	msg.Metadata.Set(QoSMetadataKey, strconv.Itoa(int(qos)))
	msg.SetContext(ctx)
	if err := c.publisher.Publish(c.mapTopic(topic), msg); err != nil {
		return nil, fmt.Errorf("publish %s: %w", topic, err)
	}
	return Completed{}, nil
}

// Subscribe starts one consumer goroutine per new topic.
func (c *PubSubConn) Subscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return derrors.ErrNotConnected
	}

	for _, topic := range topics {
		if c.subscribed[topic] {
			continue
		}
		messages, err := c.subscriber.Subscribe(c.ctx, c.mapTopic(topic))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		c.subscribed[topic] = true
		c.wg.Add(1)
		go c.consume(topic, messages)
	}
	return nil
}

func (c *PubSubConn) consume(topic string, messages <-chan *message.Message) {
	defer c.wg.Done()
	for msg := range messages {
		if c.onMessage != nil {
			c.onMessage(topic, msg.Payload)
		}
		msg.Ack()
	}
	c.logger.Debug("Subscription ended", watermill.LogFields{"topic": topic})
}

// NotifyLost tears the session down and reports err through
// OnConnectionLost. It does nothing once Close was called.
func (c *PubSubConn) NotifyLost(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.lostOnce.Do(func() {
		_ = c.Close()
		if c.onLost != nil {
			c.onLost(err)
		}
	})
}

// Close stops every consumer and closes the publisher and subscriber.
func (c *PubSubConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := errors.Join(c.subscriber.Close(), c.publisher.Close())
	c.wg.Wait()
	return err
}
