package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/internal/runtime/ids"
	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/internal/runtime/resources"
	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/smartrest"
)

// Dispatch defaults.
const (
	DefaultWorkers            = 4
	DefaultQueueSize          = 64
	DefaultSamplerConcurrency = 8
	DefaultBusyReason         = "operation already in progress"
)

// TokenSink receives the platform token as soon as a token frame arrives.
type TokenSink interface {
	SetToken(token string)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Serial is stripped from the front of inbound frames addressed to it.
	Serial   string
	Registry *modules.Registry
	Sender   modules.Sender
	Tokens   TokenSink

	// Workers and QueueSize size the pool of every handler.
	Workers   int
	QueueSize int
	// HandlerTimeout bounds the context of each invocation. Zero disables it.
	HandlerTimeout     time.Duration
	SamplerConcurrency int
	// BusyReason is the failure text sent when an exclusive route is busy.
	BusyReason string

	// Middlewares are appended to the default chain, or replace it when
	// DisableDefaultMiddlewares is set.
	Middlewares               []MiddlewareRegistration
	DisableDefaultMiddlewares bool
	Hooks                     JobHooks

	Metrics         *DispatchMetrics
	Resources       *resources.Tracker
	ErrorClassifier ErrorClassifier
	Logger          logging.Logger
}

type task struct {
	binding modules.Binding
	msg     smartrest.Message
	release func()
}

type handlerPool struct {
	name  string
	queue chan task
}

type invocationKey struct{}

type invocation func(ctx context.Context) error

// Dispatcher fans inbound frames out to handler pools and runs producers and
// samplers. Every module call goes through the middleware chain.
type Dispatcher struct {
	opts    DispatcherOptions
	logger  logging.Logger
	metrics *DispatchMetrics
	index   modules.Index

	chain message.HandlerFunc

	pools map[string]*handlerPool
	stats map[string]*ModuleStats

	guardMu sync.Mutex
	guards  map[string]bool

	paused atomic.Bool
	retune chan time.Duration

	// mu guards started/closed against concurrent enqueues.
	mu      sync.RWMutex
	started bool
	closed  bool
	baseCtx context.Context
	workers sync.WaitGroup
	pending sync.WaitGroup
}

// NewDispatcher builds the pools and the middleware chain. Workers start with
// Start; frames accepted before that wait in the queues.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("dispatcher: registry is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("dispatcher: sender is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SamplerConcurrency <= 0 {
		opts.SamplerConcurrency = DefaultSamplerConcurrency
	}
	if opts.BusyReason == "" {
		opts.BusyReason = DefaultBusyReason
	}
	if opts.ErrorClassifier == nil {
		opts.ErrorClassifier = defaultErrorClassifier
	}

	d := &Dispatcher{
		opts:    opts,
		logger:  opts.Logger.With(logging.LogFields{"component": "dispatcher"}),
		metrics: opts.Metrics,
		index:   opts.Registry.Index(),
		pools:   make(map[string]*handlerPool),
		stats:   make(map[string]*ModuleStats),
		guards:  make(map[string]bool),
		retune:  make(chan time.Duration, 1),
		baseCtx: context.Background(),
	}
	for _, name := range opts.Registry.Names() {
		d.stats[name] = newModuleStats(opts.Resources)
	}
	for _, h := range opts.Registry.Handlers() {
		d.pools[h.Name] = &handlerPool{name: h.Name, queue: make(chan task, opts.QueueSize)}
	}

	var regs []MiddlewareRegistration
	if !opts.DisableDefaultMiddlewares {
		regs = append(regs, DefaultMiddlewares()...)
	}
	if opts.Hooks.OnJobStart != nil || opts.Hooks.OnJobDone != nil || opts.Hooks.OnJobError != nil {
		// Hooks sit just outside the recoverer so they observe panics as errors.
		regs = insertBefore(regs, "timeout", JobHooksMiddleware(opts.Hooks))
	}
	regs = append(regs, opts.Middlewares...)

	chain, err := d.buildChain(regs, terminalHandler)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	d.chain = chain
	return d, nil
}

func insertBefore(regs []MiddlewareRegistration, name string, reg MiddlewareRegistration) []MiddlewareRegistration {
	for i, r := range regs {
		if r.Name == name {
			out := make([]MiddlewareRegistration, 0, len(regs)+1)
			out = append(out, regs[:i]...)
			out = append(out, reg)
			return append(out, regs[i:]...)
		}
	}
	return append(regs, reg)
}

func terminalHandler(msg *message.Message) ([]*message.Message, error) {
	fn, ok := msg.Context().Value(invocationKey{}).(invocation)
	if !ok {
		return nil, errors.New("dispatcher: invocation missing from context")
	}
	return nil, fn(msg.Context())
}

// Start launches the handler workers. Task contexts derive from ctx but are
// not cancelled with it; in-flight handlers finish on their own.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return derrors.ErrStopped
	}
	if d.started {
		return derrors.ErrAlreadyRunning
	}
	d.started = true
	d.baseCtx = context.WithoutCancel(ctx)
	for _, pool := range d.pools {
		for range d.opts.Workers {
			d.workers.Add(1)
			go d.work(pool)
		}
	}
	d.logger.Info("Dispatcher started", logging.LogFields{
		"handlers": len(d.pools),
		"workers":  d.opts.Workers,
		"queue":    d.opts.QueueSize,
	})
	return nil
}

// Close stops accepting frames, lets the workers drain their queues and
// waits for them until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	for _, pool := range d.pools {
		close(pool.queue)
	}
	d.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suspends ticks while the session is down.
func (d *Dispatcher) Pause() {
	if !d.paused.Swap(true) {
		d.logger.Debug("Dispatcher paused", nil)
	}
}

// Resume re-enables ticks.
func (d *Dispatcher) Resume() {
	if d.paused.Swap(false) {
		d.logger.Debug("Dispatcher resumed", nil)
	}
}

// Paused reports whether ticks are suspended.
func (d *Dispatcher) Paused() bool {
	return d.paused.Load()
}

// OnInboundMessage is the transport callback. It decodes every frame of the
// payload, applies token frames to the session, and queues one task per
// matching handler. It never blocks on handler work.
func (d *Dispatcher) OnInboundMessage(topic string, payload []byte) {
	d.metrics.recordInbound(topic)
	for _, msg := range smartrest.DecodeAll(topic, payload) {
		if !msg.Dispatchable() {
			d.metrics.recordDropped("", DropReasonNoID)
			d.logger.Debug("Dropping frame without message id", logging.LogFields{"topic": topic})
			continue
		}
		msg = msg.StripDeviceID(d.opts.Serial)

		if msg.ID == smartrest.IDTokenUpdate && d.opts.Tokens != nil {
			d.opts.Tokens.SetToken(msg.Value(0))
			d.logger.Debug("Token updated", nil)
		}

		for _, b := range d.index.Match(msg) {
			d.enqueue(b, msg)
		}
	}
}

func guardKey(b modules.Binding) string {
	op := b.Route.Operation
	if op == "" {
		op = b.Route.MessageID
	}
	return b.Name + "/" + op
}

func (d *Dispatcher) acquire(key string) bool {
	d.guardMu.Lock()
	defer d.guardMu.Unlock()
	if d.guards[key] {
		return false
	}
	d.guards[key] = true
	return true
}

func (d *Dispatcher) releaseGuard(key string) {
	d.guardMu.Lock()
	defer d.guardMu.Unlock()
	delete(d.guards, key)
}

func (d *Dispatcher) enqueue(b modules.Binding, msg smartrest.Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	log := d.logger.With(logging.LogFields{"module": b.Name, "message_id": msg.ID})
	pool := d.pools[b.Name]
	if d.closed || pool == nil {
		d.metrics.recordDropped(b.Name, DropReasonStopped)
		log.Debug("Dispatcher closed, dropping frame", nil)
		return
	}

	release := func() {}
	if b.Route.Exclusive {
		key := guardKey(b)
		if !d.acquire(key) {
			d.reject(b, msg)
			return
		}
		release = func() { d.releaseGuard(key) }
	}

	select {
	case pool.queue <- task{binding: b, msg: msg, release: release}:
		d.metrics.setQueueDepth(b.Name, len(pool.queue))
	default:
		release()
		d.statsFor(b.Name).onDropped()
		d.metrics.recordDropped(b.Name, DropReasonQueueFull)
		log.Error("Handler queue full, dropping frame", derrors.ErrQueueFull, logging.LogFields{"queue": cap(pool.queue)})
	}
}

// reject answers a message for a busy exclusive route. The reply is sent
// from its own goroutine because transports may call OnInboundMessage from
// their delivery path.
func (d *Dispatcher) reject(b modules.Binding, msg smartrest.Message) {
	d.statsFor(b.Name).onRejected()
	d.metrics.recordDropped(b.Name, DropReasonBusy)

	op := b.Route.Operation
	if op == "" {
		op = msg.ID
	}
	d.logger.Info("Operation busy, rejecting", logging.LogFields{"module": b.Name, "operation": op})

	ctx := d.baseCtx
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		err := d.opts.Sender.Send(ctx, smartrest.Failed(op, d.opts.BusyReason), 1, false)
		d.metrics.recordPublished("busy", err)
		if err != nil {
			d.logger.Error("Failed to report busy operation", err, logging.LogFields{"operation": op})
		}
	}()
}

func (d *Dispatcher) work(pool *handlerPool) {
	defer d.workers.Done()
	for t := range pool.queue {
		d.metrics.setQueueDepth(pool.name, len(pool.queue))
		d.runTask(t)
	}
}

func (d *Dispatcher) runTask(t task) {
	defer t.release()
	b, msg := t.binding, t.msg
	err := d.invoke(d.baseCtx, b.Name, KindHandle, msg.Topic, msg.ID, func(ctx context.Context) error {
		return b.Handler.Handle(ctx, msg)
	})
	if err != nil {
		d.logger.Error("Handler failed", err, logging.LogFields{"module": b.Name, "message_id": msg.ID, "topic": msg.Topic})
	}
}

// invoke runs fn through the middleware chain.
func (d *Dispatcher) invoke(ctx context.Context, module, kind, topic, messageID string, fn invocation) error {
	msg := message.NewMessage(ids.New(), nil)
	msg.Metadata.Set(MetadataModule, module)
	msg.Metadata.Set(MetadataKind, kind)
	if topic != "" {
		msg.Metadata.Set(MetadataTopic, topic)
	}
	if messageID != "" {
		msg.Metadata.Set(MetadataMessageID, messageID)
	}
	msg.SetContext(context.WithValue(ctx, invocationKey{}, fn))
	_, err := d.chain(msg)
	return err
}

type contributor struct {
	name    string
	collect func(ctx context.Context) ([]smartrest.Message, error)
}

// gather runs contributors concurrently, bounded by SamplerConcurrency, and
// returns their messages in module order. A failing contributor adds nothing.
func (d *Dispatcher) gather(ctx context.Context, kind string, sources []contributor) []smartrest.Message {
	results := make([][]smartrest.Message, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.SamplerConcurrency)
	for i, src := range sources {
		g.Go(func() error {
			var out []smartrest.Message
			err := d.invoke(gctx, src.name, kind, "", "", func(ctx context.Context) error {
				msgs, err := src.collect(ctx)
				out = msgs
				return err
			})
			if err != nil {
				d.logger.Error("Module contributed no messages", err, logging.LogFields{"module": src.name, "kind": kind})
				return nil
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()

	var all []smartrest.Message
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

// CollectStartup runs every startup producer concurrently and returns their
// messages.
func (d *Dispatcher) CollectStartup(ctx context.Context) []smartrest.Message {
	producers := d.opts.Registry.Producers()
	sources := make([]contributor, len(producers))
	for i, p := range producers {
		sources[i] = contributor{name: p.Name, collect: p.Module.StartupMessages}
	}
	return d.gather(ctx, KindStartup, sources)
}

// OnTick samples every periodic sampler and publishes the results with qos 0
// without waiting for acknowledgements. It returns the number of frames
// handed to the sender. Ticks while paused do nothing.
func (d *Dispatcher) OnTick(ctx context.Context) int {
	if d.paused.Load() {
		d.logger.Debug("Tick skipped while paused", nil)
		return 0
	}
	samplers := d.opts.Registry.Samplers()
	sources := make([]contributor, len(samplers))
	for i, s := range samplers {
		sources[i] = contributor{name: s.Name, collect: s.Module.SampleMessages}
	}

	sent := 0
	for _, msg := range d.gather(ctx, KindSample, sources) {
		err := d.opts.Sender.Send(ctx, msg, 0, false)
		d.metrics.recordPublished(KindSample, err)
		if err != nil {
			d.logger.Error("Failed to publish sample", err, logging.LogFields{"message_id": msg.ID})
			continue
		}
		sent++
	}
	return sent
}

// RunTicker calls OnTick every interval until ctx is done. SetTickInterval
// changes the interval while it runs; a non-positive interval suspends ticks.
func (d *Dispatcher) RunTicker(ctx context.Context, interval time.Duration) {
	var ticker *time.Ticker
	var ticks <-chan time.Time
	reset := func(next time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, ticks = nil, nil
		}
		if next > 0 {
			ticker = time.NewTicker(next)
			ticks = ticker.C
		}
	}
	reset(interval)
	defer reset(0)

	for {
		select {
		case <-ctx.Done():
			return
		case next := <-d.retune:
			d.logger.Info("Sample interval changed", logging.LogFields{"interval": next.String()})
			reset(next)
		case <-ticks:
			d.OnTick(ctx)
		}
	}
}

// SetTickInterval retunes RunTicker. Only the latest value is kept when
// calls arrive faster than the ticker picks them up.
func (d *Dispatcher) SetTickInterval(interval time.Duration) {
	for {
		select {
		case d.retune <- interval:
			return
		default:
		}
		select {
		case <-d.retune:
		default:
		}
	}
}

func (d *Dispatcher) statsFor(name string) *ModuleStats {
	if s, ok := d.stats[name]; ok {
		return s
	}
	// The map is read-only after construction.
	return newModuleStats(nil)
}

func (d *Dispatcher) queueDepth(name string) int64 {
	if pool, ok := d.pools[name]; ok {
		return int64(len(pool.queue))
	}
	return -1
}

// Stats returns a snapshot of the statistics of every module.
func (d *Dispatcher) Stats() map[string]*ModuleStats {
	out := make(map[string]*ModuleStats, len(d.stats))
	for name, s := range d.stats {
		out[name] = s.Snapshot()
	}
	return out
}

// Modules describes every loaded module with its roles and statistics.
func (d *Dispatcher) Modules() []ModuleInfo {
	roles := make(map[string][]string)
	ops := make(map[string][]string)
	for _, p := range d.opts.Registry.Producers() {
		roles[p.Name] = append(roles[p.Name], "startup")
	}
	for _, s := range d.opts.Registry.Samplers() {
		roles[s.Name] = append(roles[s.Name], "sampler")
	}
	for _, h := range d.opts.Registry.Handlers() {
		roles[h.Name] = append(roles[h.Name], "handler")
		ops[h.Name] = d.opts.Registry.OperationsOf(h.Name)
	}

	names := d.opts.Registry.Names()
	out := make([]ModuleInfo, 0, len(names))
	for _, name := range names {
		out = append(out, ModuleInfo{
			Name:       name,
			Roles:      roles[name],
			Operations: ops[name],
			Stats:      d.statsFor(name).Snapshot(),
		})
	}
	return out
}
