package runtime

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/deviceflow/internal/runtime/connection"
	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/smartrest"
	"github.com/drblury/deviceflow/transport"
)

// DefaultBootstrapPoll is the delay between credential requests.
const DefaultBootstrapPoll = 5 * time.Second

// DeviceCredentials are issued by the platform once the device is accepted.
type DeviceCredentials struct {
	Tenant   string
	User     string
	Password string
}

// BootstrapOptions configures a bootstrap run.
type BootstrapOptions struct {
	Transport string
	URL       string
	// ClientID must be the device external id; the platform keys the
	// registration request by it.
	ClientID string
	TLS      *tls.Config

	// Tenant, User and Password are the shared bootstrap credentials.
	Tenant   string
	User     string
	Password string

	PollInterval time.Duration
	// Timeout bounds the whole run. Zero waits until ctx is done.
	Timeout time.Duration

	Registry *transport.Registry
	Logger   logging.Logger
}

// Bootstrap connects with the shared bootstrap credentials and requests
// device credentials on s/ucr until a 70 frame answers on s/dcr. Failed
// connects and lost sessions are retried every poll interval.
func Bootstrap(ctx context.Context, opts BootstrapOptions) (DeviceCredentials, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultBootstrapPoll
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	logger := opts.Logger.With(logging.LogFields{"component": "bootstrap", "client_id": opts.ClientID})
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	issued := make(chan DeviceCredentials, 1)
	onMessage := func(topic string, payload []byte) {
		for _, msg := range smartrest.DecodeAll(topic, payload) {
			if msg.ID != smartrest.IDBootstrapCredentials || len(msg.Values) < 3 {
				continue
			}
			select {
			case issued <- DeviceCredentials{Tenant: msg.Value(0), User: msg.Value(1), Password: msg.Value(2)}:
			default:
			}
		}
	}

	mgr := connection.New(connection.Options{
		Transport:    opts.Transport,
		URL:          opts.URL,
		ClientID:     opts.ClientID,
		CleanSession: true,
		Backoff:      opts.PollInterval,
		Credentials: func() (connection.Credentials, error) {
			return connection.Credentials{
				Username: opts.Tenant + "/" + opts.User,
				Password: opts.Password,
				TLS:      opts.TLS,
			}, nil
		},
		OnMessage: onMessage,
		Registry:  opts.Registry,
		Logger:    opts.Logger,
	})
	defer func() {
		if err := mgr.Disconnect(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Bootstrap disconnect failed", err, nil)
		}
	}()

	logger.Info("Requesting device credentials", nil)
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	subscribed := false
	var lost <-chan error
	reset := func() {
		subscribed, lost = false, nil
		if err := mgr.Disconnect(ctx); err != nil {
			logger.Error("Bootstrap session teardown failed", err, nil)
		}
	}
	for {
		if !subscribed {
			if err := mgr.Connect(ctx); err != nil {
				if errors.Is(err, derrors.ErrInvalidTransport) {
					return DeviceCredentials{}, err
				}
				logger.Error("Bootstrap connect failed", err, nil)
			} else if err := mgr.Subscribe(ctx, smartrest.TopicBootstrapResult); err != nil {
				logger.Error("Bootstrap subscribe failed", err, nil)
				reset()
			} else {
				subscribed, lost = true, mgr.Lost()
			}
		}
		if subscribed {
			if err := mgr.Publish(ctx, smartrest.TopicBootstrapReq, nil, 0, false); err != nil {
				logger.Error("Credential request failed", err, nil)
				if errors.Is(err, derrors.ErrNotConnected) {
					reset()
				}
			}
		}

		select {
		case creds := <-issued:
			logger.Info("Device credentials received", logging.LogFields{"tenant": creds.Tenant, "user": creds.User})
			return creds, nil
		case <-ctx.Done():
			return DeviceCredentials{}, fmt.Errorf("%w: bootstrap: %w", derrors.ErrCredentialsMissing, ctx.Err())
		case err := <-lost:
			logger.Error("Bootstrap session lost, reconnecting", err, nil)
			reset()
		case <-ticker.C:
		}
	}
}
