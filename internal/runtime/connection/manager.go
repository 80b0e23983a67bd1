// Package connection owns the single broker session of the agent: it opens
// the transport, serializes publishes, and runs the reconnect loop.
package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/smartrest"
	"github.com/drblury/deviceflow/transport"
)

// DefaultBackoff is the fixed delay between reconnect attempts.
const DefaultBackoff = 5 * time.Second

// Credentials authenticate one connection attempt. Username/password and
// TLS client certificates are alternatives; TLS may also be set alone to
// secure a password login.
type Credentials struct {
	Username string
	Password string
	TLS      *tls.Config
}

// CredentialSource resolves credentials at every connect, so changes
// persisted between attempts (bootstrap) are picked up.
type CredentialSource func() (Credentials, error)

// Outbox keeps frames that could not be sent while disconnected.
type Outbox interface {
	Enqueue(ctx context.Context, topic string, payload []byte, qos byte) error
}

// Options configures a Manager.
type Options struct {
	Transport      string
	URL            string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool
	// Backoff is the fixed reconnect delay. Zero means DefaultBackoff.
	Backoff time.Duration

	Credentials CredentialSource
	// OnMessage receives every inbound frame.
	OnMessage transport.MessageHandler
	// Outbox, when set, stores qos>0 frames sent while disconnected.
	Outbox Outbox

	Registry *transport.Registry
	Logger   logging.Logger
}

type link struct {
	conn   transport.Conn
	lost   chan error
	closed chan struct{}
	once   sync.Once
}

func (l *link) close() {
	l.once.Do(func() { close(l.closed) })
}

// Manager owns the session. Send is safe for concurrent use.
type Manager struct {
	opts    Options
	logger  logging.Logger
	session *Session

	// sendMu serializes physical publishes; acknowledgements are awaited
	// outside of it.
	sendMu sync.Mutex

	linkMu sync.RWMutex
	link   *link
}

// New creates a disconnected manager.
func New(opts Options) *Manager {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Registry == nil {
		opts.Registry = transport.DefaultRegistry
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Manager{
		opts:    opts,
		logger:  opts.Logger.With(logging.LogFields{"component": "connection"}),
		session: &Session{},
	}
}

// Session returns the session owned by the manager.
func (m *Manager) Session() *Session {
	return m.session
}

// Capabilities reports the capabilities of the configured transport.
func (m *Manager) Capabilities() transport.Capabilities {
	return m.opts.Registry.GetCapabilities(m.opts.Transport)
}

// Connect opens the transport: Disconnected -> Connecting -> Connected.
// Errors wrapping ErrInvalidTransport are configuration errors that no
// retry can fix.
func (m *Manager) Connect(ctx context.Context) error {
	if m.current() != nil {
		return nil
	}
	m.session.setState(Connecting)

	creds := Credentials{}
	if m.opts.Credentials != nil {
		var err error
		if creds, err = m.opts.Credentials(); err != nil {
			m.session.setState(Disconnected)
			m.session.recordError(err)
			return err
		}
	}

	l := &link{lost: make(chan error, 1), closed: make(chan struct{})}
	conn, err := m.opts.Registry.Open(ctx, transport.Options{
		Name:           m.opts.Transport,
		URL:            m.opts.URL,
		ClientID:       m.opts.ClientID,
		Username:       creds.Username,
		Password:       creds.Password,
		TLS:            creds.TLS,
		KeepAlive:      m.opts.KeepAlive,
		ConnectTimeout: m.opts.ConnectTimeout,
		CleanSession:   m.opts.CleanSession,
		OnMessage:      m.opts.OnMessage,
		OnConnectionLost: func(err error) {
			if m.session.State() == Draining || m.session.StopRequested() {
				return
			}
			select {
			case l.lost <- err:
			default:
			}
		},
		Logger: logging.NewWatermillAdapter(m.logger),
	})
	if err != nil {
		m.session.setState(Disconnected)
		m.session.recordError(err)
		return err
	}
	l.conn = conn

	m.linkMu.Lock()
	m.link = l
	m.linkMu.Unlock()
	m.session.setState(Connected)
	m.logger.Info("Connected", logging.LogFields{"transport": m.opts.Transport, "url": m.opts.URL})
	return nil
}

// Lost reports unexpected loss of the current session. It returns nil while
// disconnected. Callers that do not use Run must watch it and call
// Disconnect before connecting again.
func (m *Manager) Lost() <-chan error {
	if l := m.current(); l != nil {
		return l.lost
	}
	return nil
}

func (m *Manager) current() *link {
	m.linkMu.RLock()
	defer m.linkMu.RUnlock()
	return m.link
}

func (m *Manager) drop(l *link) {
	m.linkMu.Lock()
	if m.link == l {
		m.link = nil
	}
	m.linkMu.Unlock()
}

// Send encodes msg and publishes it on msg.Topic, or s/us when the message
// carries no topic.
func (m *Manager) Send(ctx context.Context, msg smartrest.Message, qos byte, waitForAck bool) error {
	topic := msg.Topic
	if topic == "" {
		topic = smartrest.TopicUpstream
	}
	return m.Publish(ctx, topic, []byte(smartrest.Encode(msg)), qos, waitForAck)
}

// Publish sends a raw payload. Without a connection, qos>0 frames go to the
// outbox when one is configured; otherwise ErrNotConnected is returned.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, qos byte, waitForAck bool) error {
	err := m.publish(ctx, topic, payload, qos, waitForAck)
	if errors.Is(err, derrors.ErrNotConnected) {
		return m.offline(ctx, topic, payload, qos)
	}
	return err
}

// Deliver publishes payload and waits for the acknowledgement without ever
// falling back to the outbox. It is used to drain the outbox itself.
func (m *Manager) Deliver(ctx context.Context, topic string, payload []byte, qos byte) error {
	return m.publish(ctx, topic, payload, qos, true)
}

func (m *Manager) publish(ctx context.Context, topic string, payload []byte, qos byte, waitForAck bool) error {
	l := m.current()
	if l == nil || m.session.State() != Connected {
		return derrors.ErrNotConnected
	}

	m.sendMu.Lock()
	delivery, err := l.conn.Publish(ctx, topic, payload, qos)
	m.sendMu.Unlock()
	if err != nil {
		return err
	}
	if !waitForAck {
		return nil
	}
	return delivery.Wait(ctx)
}

func (m *Manager) offline(ctx context.Context, topic string, payload []byte, qos byte) error {
	if m.opts.Outbox == nil || qos == 0 {
		return derrors.ErrNotConnected
	}
	if err := m.opts.Outbox.Enqueue(ctx, topic, payload, qos); err != nil {
		return fmt.Errorf("%w: outbox: %w", derrors.ErrNotConnected, err)
	}
	m.logger.Debug("Frame queued while offline", logging.LogFields{"topic": topic})
	return nil
}

// Subscribe subscribes the current connection to topics.
func (m *Manager) Subscribe(ctx context.Context, topics ...string) error {
	l := m.current()
	if l == nil {
		return derrors.ErrNotConnected
	}
	return l.conn.Subscribe(ctx, topics...)
}

// Disconnect closes the session: Connected -> Draining -> Disconnected.
// Loss notifications raised while draining are ignored.
func (m *Manager) Disconnect(ctx context.Context) error {
	l := m.current()
	if l == nil {
		m.session.setState(Disconnected)
		return nil
	}
	m.session.setState(Draining)
	l.close()
	err := l.conn.Close()
	m.drop(l)
	m.session.setState(Disconnected)
	m.logger.Info("Disconnected", nil)
	return err
}

// Run keeps the session alive until ctx is cancelled or Disconnect is
// called. After every successful connect it calls onEstablished with a
// context scoped to that session. When the session drops unexpectedly it
// calls onLost, waits the fixed backoff and reconnects; there is no limit on
// attempts. Connect errors wrapping ErrInvalidTransport end the loop.
func (m *Manager) Run(ctx context.Context, onEstablished func(ctx context.Context), onLost func(err error)) error {
	m.session.stopRequested.Store(false)
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := m.Connect(ctx); err != nil {
			if errors.Is(err, derrors.ErrInvalidTransport) {
				return err
			}
			m.logger.Error("Connect failed, retrying", err, logging.LogFields{"backoff": m.opts.Backoff.String()})
			if !sleep(ctx, m.opts.Backoff) {
				return nil
			}
			continue
		}
		if !first {
			m.session.reconnects.Add(1)
		}
		first = false

		l := m.current()
		if l == nil {
			continue
		}
		sessionCtx, cancel := context.WithCancel(ctx)
		if onEstablished != nil {
			onEstablished(sessionCtx)
		}

		select {
		case <-ctx.Done():
			cancel()
			return nil
		case <-l.closed:
			cancel()
			return nil
		case err := <-l.lost:
			cancel()
			if m.session.StopRequested() {
				return nil
			}
			l.close()
			_ = l.conn.Close()
			m.drop(l)
			m.session.setState(Disconnected)
			m.session.recordError(err)
			m.logger.Error("Connection lost, reconnecting", err, logging.LogFields{"backoff": m.opts.Backoff.String()})
			if onLost != nil {
				onLost(err)
			}
			if !sleep(ctx, m.opts.Backoff) {
				return nil
			}
		}
	}
}

// RefreshTokens requests a fresh token by publishing an empty frame to
// s/uat immediately and then every interval, until ctx is cancelled.
func (m *Manager) RefreshTokens(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if m.session.State() == Connected {
			if err := m.Publish(ctx, smartrest.TopicTokenRequest, nil, 2, false); err != nil && ctx.Err() == nil {
				m.logger.Error("Token request failed", err, nil)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
