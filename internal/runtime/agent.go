package runtime

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/deviceflow/internal/runtime/config"
	"github.com/drblury/deviceflow/internal/runtime/connection"
	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/internal/runtime/outbox"
	"github.com/drblury/deviceflow/internal/runtime/platform"
	"github.com/drblury/deviceflow/internal/runtime/resources"
	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/transport"
)

// certTokenWait bounds how long recovery waits for the first token in
// certificate mode.
const certTokenWait = 10 * time.Second

var runSession = func(m *connection.Manager, ctx context.Context, onEstablished func(context.Context), onLost func(error)) error {
	return m.Run(ctx, onEstablished, onLost)
}

// AgentDependencies holds optional collaborators. Nil fields fall back to
// the defaults derived from the configuration.
type AgentDependencies struct {
	// Modules overrides module discovery. Defaults to the built-in catalog
	// limited to agent.modules.
	Modules    modules.Source
	Transports *transport.Registry
	// Operations overrides the REST client used for recovery.
	Operations OperationStore

	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	Hooks                     JobHooks
	ErrorClassifier           ErrorClassifier
	// MetricsRegisterer defaults to the Prometheus default registry.
	MetricsRegisterer prometheus.Registerer
}

// Agent wires the session, module registry, dispatcher and lifecycle.
type Agent struct {
	Store  *config.Store
	Logger logging.Logger

	cfg        config.Config
	deps       AgentDependencies
	conn       *connection.Manager
	registry   *modules.Registry
	dispatcher *Dispatcher
	lifecycle  *Lifecycle
	outbox     *outbox.Store
	metrics    *DispatchMetrics
	gatherer   prometheus.Gatherer
	resources  *resources.Tracker

	httpServers   map[int]*http.ServeMux
	servers       []*http.Server
	httpServersMu sync.Mutex

	established    atomic.Int64
	sampleInterval atomic.Int64
	running        atomic.Bool
	stopped        atomic.Bool
	cancelMu       sync.Mutex
	cancel         context.CancelFunc
}

// NewAgent validates the configuration held by store, discovers the modules
// and builds every component. Nothing connects until Run.
func NewAgent(ctx context.Context, store *config.Store, log logging.Logger, deps AgentDependencies) (*Agent, error) {
	if store == nil {
		return nil, derrors.ErrConfigRequired
	}
	if log == nil {
		return nil, derrors.ErrLoggerRequired
	}
	cfg := store.Snapshot()
	if err := cfg.Validate(); err != nil {
		return nil, derrors.ConfigValidationError{Err: err}
	}
	log.Info("Creating agent", logging.LogFields{"device": cfg.ExternalID(), "transport": cfg.MQTT.Transport, "config": cfg})

	a := &Agent{
		Store:     store,
		Logger:    log,
		cfg:       cfg,
		deps:      deps,
		resources: resources.NewTracker(),
	}

	if cfg.Status.MetricsEnabled {
		registerer := deps.MetricsRegisterer
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}
		a.metrics = NewDispatchMetrics(registerer)
		if err := a.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		a.gatherer = metricsGatherer(registerer)
	}

	if cfg.Outbox.Path != "" {
		ob, err := outbox.Open(cfg.Outbox.Path, cfg.Outbox.MaxEntries, log)
		if err != nil {
			return nil, err
		}
		a.outbox = ob
	}

	connOpts := connection.Options{
		Transport:      cfg.MQTT.Transport,
		URL:            cfg.MQTT.URL,
		ClientID:       cfg.ExternalID(),
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		CleanSession:   cfg.MQTT.CleanSession,
		Backoff:        cfg.MQTT.ReconnectBackoff,
		Credentials:    a.credentials,
		OnMessage:      a.onInbound,
		Registry:       deps.Transports,
		Logger:         log,
	}
	if a.outbox != nil {
		connOpts.Outbox = a.outbox
	}
	a.conn = connection.New(connOpts)

	env := modules.Env{
		Serial:    cfg.ExternalID(),
		Sender:    a.conn,
		Tokens:    a.conn.Session(),
		Logger:    log,
		Settings:  cfg,
		Store:     store,
		Resources: a.resources,
	}
	source := deps.Modules
	if source == nil {
		source = modules.DefaultCatalog.Only(cfg.Agent.Modules...)
	}
	registry, err := modules.Discover(ctx, source, env, log)
	if err != nil {
		a.closeOutbox()
		return nil, fmt.Errorf("discover modules: %w", err)
	}
	a.registry = registry

	a.dispatcher, err = NewDispatcher(DispatcherOptions{
		Serial:                    cfg.ExternalID(),
		Registry:                  registry,
		Sender:                    a.conn,
		Tokens:                    a.conn.Session(),
		Workers:                   cfg.Dispatch.Workers,
		QueueSize:                 cfg.Dispatch.QueueSize,
		HandlerTimeout:            cfg.Dispatch.HandlerTimeout,
		SamplerConcurrency:        cfg.Dispatch.SamplerConcurrency,
		BusyReason:                cfg.Dispatch.BusyReason,
		Middlewares:               deps.Middlewares,
		DisableDefaultMiddlewares: deps.DisableDefaultMiddlewares,
		Hooks:                     deps.Hooks,
		Metrics:                   a.metrics,
		Resources:                 a.resources,
		ErrorClassifier:           deps.ErrorClassifier,
		Logger:                    log,
	})
	if err != nil {
		a.closeOutbox()
		return nil, err
	}

	lifeOpts := LifecycleOptions{
		Device:              describe(cfg),
		Describe:            func() DeviceInfo { return describe(store.Snapshot()) },
		Session:             a.conn,
		Dispatcher:          a.dispatcher,
		Registry:            registry,
		FailureReason:       cfg.Platform.FailureReason,
		Tokens:              a.conn.Session(),
		PendingPollInterval: cfg.MQTT.PendingPollInterval,
		StopEventText:       cfg.Agent.StopEventText,
		Logger:              log,
	}
	if cfg.MQTT.CertAuth {
		interval := cfg.MQTT.TokenRefreshInterval
		lifeOpts.TokenRefresh = func(ctx context.Context) { a.conn.RefreshTokens(ctx, interval) }
		lifeOpts.TokenWait = certTokenWait
	}
	if ops, err := a.operationStore(); err != nil {
		a.closeOutbox()
		return nil, err
	} else if ops != nil {
		lifeOpts.Operations = ops
	}
	if a.outbox != nil {
		lifeOpts.Outbox = a.outbox
		lifeOpts.Deliver = a.conn.Deliver
	}
	if a.lifecycle, err = NewLifecycle(lifeOpts); err != nil {
		a.closeOutbox()
		return nil, err
	}

	a.registerStatusEndpoints()
	a.sampleInterval.Store(int64(cfg.Agent.SampleInterval))
	store.OnChange(a.configChanged)
	return a, nil
}

func describe(cfg config.Config) DeviceInfo {
	return DeviceInfo{
		Name:             cfg.Agent.Name,
		Type:             cfg.Agent.Type,
		Serial:           cfg.ExternalID(),
		Model:            cfg.Agent.Model,
		Version:          cfg.Agent.Version,
		RequiredInterval: cfg.Agent.RequiredInterval,
	}
}

// configChanged applies settings that can change at runtime. The required
// interval is read again by the next startup sequence.
func (a *Agent) configChanged(cfg config.Config) {
	next := cfg.Agent.SampleInterval
	if prev := time.Duration(a.sampleInterval.Swap(int64(next))); prev != next {
		a.Logger.Info("Applying new sample interval", logging.LogFields{"from": prev.String(), "to": next.String()})
		a.dispatcher.SetTickInterval(next)
	}
}

func (a *Agent) operationStore() (OperationStore, error) {
	if a.deps.Operations != nil {
		return a.deps.Operations, nil
	}
	if a.cfg.Platform.RecoveryDisabled || a.cfg.Platform.URL == "" {
		return nil, nil
	}
	client, err := platform.New(platform.Options{
		BaseURL:         a.cfg.Platform.URL,
		PageSize:        a.cfg.Platform.PageSize,
		RequestTimeout:  a.cfg.Platform.RequestTimeout,
		MaxRetryElapsed: a.cfg.Platform.MaxRetryElapsed,
		InsecureSkipTLS: a.cfg.Platform.InsecureSkipTLS,
		Auth:            a.platformCredentials,
		Logger:          a.Logger,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// credentials resolves the login for each connect from the live store, so
// credentials written by bootstrap are used on the next attempt.
func (a *Agent) credentials() (connection.Credentials, error) {
	cfg := a.Store.Snapshot()
	if cfg.MQTT.CertAuth {
		tlsCfg, err := connection.LoadTLS(cfg.MQTT.CertFile, cfg.MQTT.KeyFile, cfg.MQTT.CACertFile)
		if err != nil {
			return connection.Credentials{}, err
		}
		return connection.Credentials{TLS: tlsCfg}, nil
	}
	if !cfg.Secret.HasCredentials() {
		return connection.Credentials{}, derrors.ErrCredentialsMissing
	}
	creds := connection.Credentials{Username: cfg.Secret.Username(), Password: cfg.Secret.Password}
	if cfg.MQTT.CACertFile != "" {
		tlsCfg, err := connection.LoadTLS("", "", cfg.MQTT.CACertFile)
		if err != nil {
			return connection.Credentials{}, err
		}
		creds.TLS = tlsCfg
	}
	return creds, nil
}

func (a *Agent) platformCredentials() platform.Credentials {
	cfg := a.Store.Snapshot()
	return platform.Credentials{
		Token:    a.conn.Session().Token(),
		Username: cfg.Secret.Username(),
		Password: cfg.Secret.Password,
	}
}

func (a *Agent) onInbound(topic string, payload []byte) {
	a.dispatcher.OnInboundMessage(topic, payload)
}

func (a *Agent) onEstablished(ctx context.Context) {
	if a.established.Add(1) > 1 {
		a.metrics.recordReconnect()
	}
	a.dispatcher.Resume()
	// The session loop must keep watching for loss while startup waits on acks.
	go func() {
		_ = a.lifecycle.OnSessionEstablished(ctx)
	}()
}

func (a *Agent) onLost(err error) {
	a.dispatcher.Pause()
}

// Run bootstraps device credentials when needed, starts the dispatcher and
// the status servers, and keeps the platform session alive until ctx is
// cancelled or Stop is called.
func (a *Agent) Run(ctx context.Context) error {
	if a.stopped.Load() {
		return derrors.ErrStopped
	}
	if !a.running.CompareAndSwap(false, true) {
		return derrors.ErrAlreadyRunning
	}
	defer a.running.Store(false)

	if err := a.ensureCredentials(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.cancelMu.Lock()
	a.cancel = cancel
	a.cancelMu.Unlock()
	if a.stopped.Load() {
		return nil
	}

	if err := a.dispatcher.Start(ctx); err != nil {
		return err
	}
	a.startHTTPServers()
	go a.dispatcher.RunTicker(ctx, time.Duration(a.sampleInterval.Load()))

	return runSession(a.conn, ctx, a.onEstablished, a.onLost)
}

func (a *Agent) ensureCredentials(ctx context.Context) error {
	cfg := a.Store.Snapshot()
	if cfg.MQTT.CertAuth || cfg.Secret.HasCredentials() {
		return nil
	}
	var tlsCfg *tls.Config
	if cfg.MQTT.CACertFile != "" {
		loaded, err := connection.LoadTLS("", "", cfg.MQTT.CACertFile)
		if err != nil {
			return err
		}
		tlsCfg = loaded
	}
	creds, err := Bootstrap(ctx, BootstrapOptions{
		Transport:    cfg.MQTT.Transport,
		URL:          cfg.MQTT.URL,
		ClientID:     cfg.ExternalID(),
		TLS:          tlsCfg,
		Tenant:       cfg.Bootstrap.Tenant,
		User:         cfg.Bootstrap.User,
		Password:     cfg.Bootstrap.Password,
		PollInterval: cfg.Bootstrap.PollInterval,
		Timeout:      cfg.Bootstrap.Timeout,
		Registry:     a.deps.Transports,
		Logger:       a.Logger,
	})
	if err != nil {
		return err
	}
	return a.Store.Update(func(c *config.Config) error {
		c.Secret = config.SecretConfig{Tenant: creds.Tenant, User: creds.User, Password: creds.Password}
		return nil
	})
}

// Stop announces the stop to the platform, disconnects and waits for
// in-flight handlers until ctx is done. It is safe to call more than once.
func (a *Agent) Stop(ctx context.Context) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.Logger.Info("Stopping agent", nil)
	a.conn.Session().RequestStop()

	var errs []error
	if a.conn.Session().State() == connection.Connected {
		if err := a.lifecycle.AnnounceStop(ctx); err != nil {
			a.Logger.Error("Failed to publish stop event", err, nil)
		}
	}
	a.dispatcher.Pause()
	errs = append(errs, a.conn.Disconnect(ctx))

	a.cancelMu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.cancelMu.Unlock()

	errs = append(errs, a.dispatcher.Close(ctx))
	errs = append(errs, a.shutdownHTTPServers(ctx))
	errs = append(errs, a.closeOutbox())
	return errors.Join(errs...)
}

func (a *Agent) closeOutbox() error {
	if a.outbox == nil {
		return nil
	}
	return a.outbox.Close()
}

// Registry returns the discovered modules.
func (a *Agent) Registry() *modules.Registry { return a.registry }

// Dispatcher returns the dispatch core.
func (a *Agent) Dispatcher() *Dispatcher { return a.dispatcher }

// Lifecycle returns the session lifecycle.
func (a *Agent) Lifecycle() *Lifecycle { return a.lifecycle }

// Session returns the platform session state.
func (a *Agent) Session() *connection.Session { return a.conn.Session() }
