// Package jetstream provides a NATS JetStream transport. Upstream frames are
// stored in a stream so qos>0 publishes are confirmed by the server, and
// each device consumes its downstream topics through durable pull consumers
// that survive agent restarts.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when the URL carries no stream parameter.
	DefaultStreamName = "DEVICEFLOW"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	fetchBatch = 10
	fetchWait  = time.Second
)

// Connect opens the NATS connection. Tests replace it.
var Connect = nats.Connect

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds the stream settings. They are read from the query of the
// transport URL, for example nats://host:4222?stream=FLEET&replicas=3.
type Config struct {
	URL string

	// StreamName is the JetStream stream holding every agent subject.
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

// ParseConfig splits the stream settings off rawURL.
func ParseConfig(rawURL string) (Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", derrors.ErrInvalidTransport, err)
	}
	q := u.Query()
	cfg := Config{
		StreamName:      q.Get("stream"),
		RetentionPolicy: q.Get("retention"),
	}
	if v := q.Get("replicas"); v != "" {
		if cfg.Replicas, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("%w: replicas %q", derrors.ErrInvalidTransport, v)
		}
	}
	if v := q.Get("max_deliver"); v != "" {
		if cfg.MaxDeliver, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("%w: max_deliver %q", derrors.ErrInvalidTransport, v)
		}
	}
	if v := q.Get("ack_wait"); v != "" {
		if cfg.AckWait, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("%w: ack_wait %q", derrors.ErrInvalidTransport, v)
		}
	}
	u.RawQuery = ""
	cfg.URL = u.String()
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Subject maps an agent topic into the stream's subject space:
// "s/us" becomes "DEVICEFLOW.s.us".
func (c Config) Subject(topic string) string {
	return c.StreamName + "." + strings.ReplaceAll(topic, "/", ".")
}

// Consumer names the durable consumer of one device and topic.
func (c Config) Consumer(clientID, topic string) string {
	r := strings.NewReplacer("/", "_", ".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(clientID + "_" + topic)
}

// Conn is a JetStream session for one device.
type Conn struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	config   Config
	clientID string
	logger   watermill.LoggerAdapter

	onMessage transport.MessageHandler
	onLost    func(error)
	lostOnce  sync.Once

	subMu         sync.Mutex
	subscriptions map[string]*nats.Subscription
	wg            sync.WaitGroup

	closedMu   sync.RWMutex
	closed     bool
	closedChan chan struct{}
}

// Build connects to the server in opts.URL and makes sure the stream exists.
func Build(ctx context.Context, opts transport.Options) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(opts.URL)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	c := &Conn{
		config:        cfg,
		clientID:      opts.ClientID,
		logger:        logger,
		onMessage:     opts.OnMessage,
		onLost:        opts.OnConnectionLost,
		subscriptions: make(map[string]*nats.Subscription),
		closedChan:    make(chan struct{}),
	}

	nc, err := Connect(cfg.URL, c.connectOptions(opts)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	c.nc, c.js = nc, js

	if err := c.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) connectOptions(opts transport.Options) []nats.Option {
	options := []nats.Option{
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { c.notifyLost(err) }),
	}
	if opts.ClientID != "" {
		options = append(options, nats.Name(opts.ClientID))
	}
	if opts.Username != "" {
		options = append(options, nats.UserInfo(opts.Username, opts.Password))
	}
	if opts.TLS != nil {
		options = append(options, nats.Secure(opts.TLS))
	}
	if opts.ConnectTimeout > 0 {
		options = append(options, nats.Timeout(opts.ConnectTimeout))
	}
	return options
}

func (c *Conn) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     c.config.StreamName,
		Subjects: []string{c.config.StreamName + ".>"},
		MaxAge:   24 * time.Hour * 7,
		Replicas: c.config.Replicas,
	}

	switch c.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	if _, err := c.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := c.js.UpdateStream(streamCfg); err != nil {
		// A stream managed by the platform side may be read-only for devices.
		c.logger.Info("JetStream stream exists", watermill.LogFields{
			"stream": c.config.StreamName,
			"error":  err.Error(),
		})
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

// Publish stores payload in the stream. qos 0 frames are fire-and-forget;
// higher levels complete once the server acknowledged the write.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, qos byte) (transport.Delivery, error) {
	if c.isClosed() {
		return nil, derrors.ErrNotConnected
	}
	msg := &nats.Msg{
		Subject: c.config.Subject(topic),
		Data:    payload,
		Header:  nats.Header{},
	}
	msg.Header.Set("qos", strconv.Itoa(int(qos)))

	future, err := c.js.PublishMsgAsync(msg)
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", topic, err)
	}
	if qos == 0 {
		return transport.Completed{}, nil
	}
	return ackDelivery{future: future}, nil
}

type ackDelivery struct {
	future nats.PubAckFuture
}

func (d ackDelivery) Wait(ctx context.Context) error {
	select {
	case <-d.future.Ok():
		return nil
	case err := <-d.future.Err():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe creates or reuses a durable pull consumer per topic.
func (c *Conn) Subscribe(ctx context.Context, topics ...string) error {
	if c.isClosed() {
		return derrors.ErrNotConnected
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, topic := range topics {
		if _, ok := c.subscriptions[topic]; ok {
			continue
		}
		subject := c.config.Subject(topic)
		consumer := c.config.Consumer(c.clientID, topic)
		consumerCfg := &nats.ConsumerConfig{
			Durable:       consumer,
			FilterSubject: subject,
			AckPolicy:     nats.AckExplicitPolicy,
			MaxDeliver:    c.config.MaxDeliver,
			AckWait:       c.config.AckWait,
			DeliverPolicy: nats.DeliverNewPolicy,
		}
		if _, err := c.js.AddConsumer(c.config.StreamName, consumerCfg, nats.Context(ctx)); err != nil {
			if _, err := c.js.UpdateConsumer(c.config.StreamName, consumerCfg, nats.Context(ctx)); err != nil {
				return fmt.Errorf("create consumer for %s: %w", topic, err)
			}
		}

		sub, err := c.js.PullSubscribe(subject, consumer, nats.Bind(c.config.StreamName, consumer))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		c.subscriptions[topic] = sub
		c.wg.Add(1)
		go c.fetch(sub, topic)
	}
	return nil
}

func (c *Conn) fetch(sub *nats.Subscription, topic string) {
	defer c.wg.Done()
	for {
		select {
		case <-c.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			c.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, msg := range msgs {
			if c.onMessage != nil {
				c.onMessage(topic, msg.Data)
			}
			if err := msg.Ack(); err != nil {
				c.logger.Error("Failed to ack", err, watermill.LogFields{"topic": topic})
			}
		}
	}
}

func (c *Conn) notifyLost(err error) {
	if c.isClosed() {
		return
	}
	if err == nil {
		err = derrors.ErrConnectionLost
	}
	c.lostOnce.Do(func() {
		if c.onLost != nil {
			c.onLost(err)
		}
	})
}

// Close ends the session without reporting a connection loss. Durable
// consumers stay on the server so the next session resumes where this one
// stopped.
func (c *Conn) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closedChan)
	c.closedMu.Unlock()

	c.nc.Close()
	c.wg.Wait()

	c.subMu.Lock()
	c.subscriptions = make(map[string]*nats.Subscription)
	c.subMu.Unlock()
	return nil
}

// Capabilities reports the JetStream transport capabilities.
func (c *Conn) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
