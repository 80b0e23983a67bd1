package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/internal/runtime/outbox"
	"github.com/drblury/deviceflow/internal/runtime/platform"
	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/smartrest"
)

// Lifecycle defaults.
const (
	DefaultFailureReason       = "Operation was dangling while the agent was offline"
	DefaultPendingPollInterval = 15 * time.Second
	DefaultStopEventText       = "deviceflow agent stopped"

	tokenPollInterval = 100 * time.Millisecond
)

// OperationStore is the platform side of dangling-operation recovery.
type OperationStore interface {
	ResolveDeviceIdentity(ctx context.Context, serial string) (string, error)
	ListExecutingOperations(ctx context.Context, deviceID string) ([]platform.OperationRef, error)
	FailOperation(ctx context.Context, ref platform.OperationRef, reason string) error
}

// SessionClient is the part of the connection manager the lifecycle drives.
type SessionClient interface {
	Send(ctx context.Context, msg smartrest.Message, qos byte, waitForAck bool) error
	Subscribe(ctx context.Context, topics ...string) error
}

// Flusher replays frames stored while the session was down.
type Flusher interface {
	Flush(ctx context.Context, send outbox.SendFunc) (int, error)
}

// DeviceInfo is what the agent announces about itself on every session.
type DeviceInfo struct {
	Name    string
	Type    string
	Serial  string
	Model   string
	Version string
	// RequiredInterval is announced in minutes.
	RequiredInterval int
}

// LifecycleOptions configures a Lifecycle.
type LifecycleOptions struct {
	Device DeviceInfo
	// Describe, when set, replaces Device and is consulted on every session
	// so configuration changes reach the next announcement.
	Describe   func() DeviceInfo
	Session    SessionClient
	Dispatcher *Dispatcher
	Registry   *modules.Registry

	// Operations enables dangling-operation recovery.
	Operations    OperationStore
	FailureReason string
	// TokenWait makes recovery wait up to this long for a platform token
	// before calling the REST API. Used in certificate mode.
	TokenWait time.Duration
	Tokens    modules.TokenSource

	// TokenRefresh runs for the lifetime of a session when set.
	TokenRefresh func(ctx context.Context)
	// PendingPollInterval paces the 500 polls. Negative disables them.
	PendingPollInterval time.Duration

	Outbox  Flusher
	Deliver outbox.SendFunc

	StopEventText string
	Logger        logging.Logger
}

// Lifecycle runs the startup sequence of every established session.
type Lifecycle struct {
	opts   LifecycleOptions
	logger logging.Logger
	runs   atomic.Int64
}

// NewLifecycle validates opts and applies defaults.
func NewLifecycle(opts LifecycleOptions) (*Lifecycle, error) {
	if opts.Session == nil {
		return nil, errors.New("lifecycle: session is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("lifecycle: registry is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("lifecycle: dispatcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.FailureReason == "" {
		opts.FailureReason = DefaultFailureReason
	}
	if opts.PendingPollInterval == 0 {
		opts.PendingPollInterval = DefaultPendingPollInterval
	}
	if opts.StopEventText == "" {
		opts.StopEventText = DefaultStopEventText
	}
	return &Lifecycle{
		opts:   opts,
		logger: opts.Logger.With(logging.LogFields{"component": "lifecycle"}),
	}, nil
}

// Runs counts completed startup sequences.
func (l *Lifecycle) Runs() int64 {
	return l.runs.Load()
}

// OnSessionEstablished announces the device, publishes the startup
// messages, subscribes, and fails operations left EXECUTING by a previous
// run. Steps run in order; a failing step is logged and the sequence goes
// on. Background loops started here stop when ctx is cancelled.
func (l *Lifecycle) OnSessionEstablished(ctx context.Context) error {
	defer l.runs.Add(1)
	var errs []error
	step := func(name string, err error) {
		if err != nil {
			l.logger.Error("Startup step failed", err, logging.LogFields{"step": name})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	send := func(msg smartrest.Message) error {
		return l.opts.Session.Send(ctx, msg, 0, false)
	}
	dev := l.opts.Device
	if l.opts.Describe != nil {
		dev = l.opts.Describe()
	}

	step("identity", l.opts.Session.Send(ctx,
		smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDDeviceIdentity, dev.Name, dev.Type), 2, true))

	for _, msg := range l.opts.Dispatcher.CollectStartup(ctx) {
		step("startup", send(msg))
	}

	ops := l.opts.Registry.SupportedOperations()
	values := make([]any, len(ops))
	for i, op := range ops {
		values[i] = op
	}
	step("supported_operations", send(smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDSupportedOperations, values...)))
	step("required_interval", send(smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDRequiredInterval, dev.RequiredInterval)))
	step("hardware", send(smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDHardware, dev.Serial, dev.Model, dev.Version)))

	topics := l.opts.Registry.SupportedTopics()
	step("subscribe", l.opts.Session.Subscribe(ctx, topics...))

	if l.opts.TokenRefresh != nil {
		go l.opts.TokenRefresh(ctx)
	}
	if l.opts.PendingPollInterval > 0 {
		go l.pollPending(ctx)
	}

	failed, err := l.RecoverDanglingOperations(ctx)
	step("recovery", err)

	if l.opts.Outbox != nil && l.opts.Deliver != nil {
		n, err := l.opts.Outbox.Flush(ctx, l.opts.Deliver)
		step("outbox", err)
		if n > 0 {
			l.logger.Info("Replayed offline frames", logging.LogFields{"frames": n})
		}
	}

	l.logger.Info("Session started", logging.LogFields{
		"operations": len(ops),
		"topics":     topics,
		"recovered":  failed,
		"errors":     len(errs),
	})
	return errors.Join(errs...)
}

// RecoverDanglingOperations fails every operation the platform still lists
// as EXECUTING for this device and returns how many were failed. An unknown
// device is not an error.
func (l *Lifecycle) RecoverDanglingOperations(ctx context.Context) (int, error) {
	store := l.opts.Operations
	if store == nil {
		return 0, nil
	}
	if l.opts.TokenWait > 0 && l.opts.Tokens != nil {
		if !l.waitForToken(ctx) {
			l.logger.Info("No platform token yet, recovering with basic auth", nil)
		}
	}

	serial := l.opts.Device.Serial
	id, err := store.ResolveDeviceIdentity(ctx, serial)
	if errors.Is(err, derrors.ErrDeviceNotFound) {
		l.logger.Info("Device not registered yet, nothing to recover", logging.LogFields{"serial": serial})
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve identity: %w", err)
	}

	ops, err := store.ListExecutingOperations(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("list executing operations: %w", err)
	}

	failed := 0
	var errs []error
	for _, op := range ops {
		if err := store.FailOperation(ctx, op, l.opts.FailureReason); err != nil {
			errs = append(errs, fmt.Errorf("operation %s: %w", op.ID, err))
			continue
		}
		failed++
		l.logger.Info("Failed dangling operation", logging.LogFields{"operation_id": op.ID})
	}
	return failed, errors.Join(errs...)
}

func (l *Lifecycle) waitForToken(ctx context.Context) bool {
	deadline := time.NewTimer(l.opts.TokenWait)
	defer deadline.Stop()
	ticker := time.NewTicker(tokenPollInterval)
	defer ticker.Stop()
	for {
		if l.opts.Tokens.Token() != "" {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

func (l *Lifecycle) pollPending(ctx context.Context) {
	ticker := time.NewTicker(l.opts.PendingPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.opts.Session.Send(ctx, smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDPendingOperations), 0, false)
			if err != nil && ctx.Err() == nil {
				l.logger.Error("Polling pending operations failed", err, nil)
			}
		}
	}
}

// AnnounceStop publishes the agent stop event and waits for the transport
// to take it.
func (l *Lifecycle) AnnounceStop(ctx context.Context) error {
	return l.opts.Session.Send(ctx,
		smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDEvent, "c8y_AgentStopEvent", l.opts.StopEventText), 0, true)
}
