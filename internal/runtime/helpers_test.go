package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drblury/deviceflow/internal/runtime/platform"
	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/smartrest"
)

// journal records the order in which fakes were called.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type sentFrame struct {
	frame string
	qos   byte
	wait  bool
}

type testSender struct {
	journal *journal

	mu     sync.Mutex
	sent   []sentFrame
	topics []string
	failID string
}

func newTestSender(j *journal) *testSender {
	if j == nil {
		j = &journal{}
	}
	return &testSender{journal: j}
}

func (s *testSender) Send(_ context.Context, msg smartrest.Message, qos byte, wait bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failID != "" && msg.ID == s.failID {
		return errors.New("send refused")
	}
	frame := smartrest.Encode(msg)
	s.sent = append(s.sent, sentFrame{frame: frame, qos: qos, wait: wait})
	s.journal.add("send " + frame)
	return nil
}

func (s *testSender) Subscribe(_ context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topics...)
	s.journal.add("subscribe")
	return nil
}

func (s *testSender) frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, f := range s.sent {
		out[i] = f.frame
	}
	return out
}

func (s *testSender) records() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.sent...)
}

// testHandler is a configurable OperationHandler.
type testHandler struct {
	ops       []string
	templates []string
	routes    []modules.Route
	handle    func(ctx context.Context, msg smartrest.Message) error
}

func (h *testHandler) Handle(ctx context.Context, msg smartrest.Message) error {
	if h.handle == nil {
		return nil
	}
	return h.handle(ctx, msg)
}

func (h *testHandler) SupportedOperations() []string { return h.ops }
func (h *testHandler) SupportedTemplates() []string  { return h.templates }

type routedHandler struct {
	*testHandler
}

func (h routedHandler) Routes() []modules.Route { return h.routes }

type testProducer struct {
	msgs []smartrest.Message
	err  error
}

func (p *testProducer) StartupMessages(context.Context) ([]smartrest.Message, error) {
	return p.msgs, p.err
}

type testSampler struct {
	sample func(ctx context.Context) ([]smartrest.Message, error)
}

func (s *testSampler) SampleMessages(ctx context.Context) ([]smartrest.Message, error) {
	return s.sample(ctx)
}

func newTestRegistry(t *testing.T, instances map[string]any) *modules.Registry {
	t.Helper()
	catalog := modules.NewCatalog()
	for name, instance := range instances {
		catalog.Register(name, func(modules.Env) (any, error) { return instance, nil })
	}
	registry, err := modules.Discover(context.Background(), catalog, modules.Env{}, nil)
	require.NoError(t, err)
	return registry
}

func newTestDispatcher(t *testing.T, registry *modules.Registry, sender modules.Sender, mutate func(*DispatcherOptions)) *Dispatcher {
	t.Helper()
	opts := DispatcherOptions{
		Serial:   "dev-0042",
		Registry: registry,
		Sender:   sender,
		Workers:  2,
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := NewDispatcher(opts)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

type tokenBox struct {
	mu    sync.RWMutex
	token string
}

func (b *tokenBox) SetToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
}

func (b *tokenBox) Token() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

type fakeOperationStore struct {
	journal *journal

	mu         sync.Mutex
	deviceID   string
	resolveErr error
	listErr    error
	failErr    map[string]error
	executing  []platform.OperationRef
	failed     []string
	reasons    []string
}

func (s *fakeOperationStore) ResolveDeviceIdentity(_ context.Context, serial string) (string, error) {
	if s.journal != nil {
		s.journal.add("resolve " + serial)
	}
	if s.resolveErr != nil {
		return "", s.resolveErr
	}
	return s.deviceID, nil
}

func (s *fakeOperationStore) ListExecutingOperations(_ context.Context, deviceID string) ([]platform.OperationRef, error) {
	if s.journal != nil {
		s.journal.add("list " + deviceID)
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.executing, nil
}

func (s *fakeOperationStore) FailOperation(_ context.Context, ref platform.OperationRef, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failErr[ref.ID]; err != nil {
		return err
	}
	s.failed = append(s.failed, ref.ID)
	s.reasons = append(s.reasons, reason)
	return nil
}

func (s *fakeOperationStore) failedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.failed...)
}
