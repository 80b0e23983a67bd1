package runtime

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/deviceflow/internal/runtime/config"
	"github.com/drblury/deviceflow/internal/runtime/connection"
	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/modules/builtin"
	"github.com/drblury/deviceflow/smartrest"
	"github.com/drblury/deviceflow/transport/channel"
)

const testExternalID = "deviceflow-0042"

func testConfig(url string) config.Config {
	cfg := config.Default()
	cfg.Agent.Serial = "0042"
	cfg.Agent.SampleInterval = 0
	cfg.MQTT.Transport = channel.TransportName
	cfg.MQTT.URL = url
	cfg.MQTT.ReconnectBackoff = 20 * time.Millisecond
	cfg.MQTT.PendingPollInterval = -1
	cfg.Secret = config.SecretConfig{Tenant: "t100", User: "device_0042", Password: "s3cr3t"}
	cfg.Status.MetricsEnabled = false
	return cfg
}

func testCatalog(instances map[string]any) *modules.Catalog {
	catalog := modules.NewCatalog()
	for name, instance := range instances {
		catalog.Register(name, func(modules.Env) (any, error) { return instance, nil })
	}
	return catalog
}

func newTestAgent(t *testing.T, cfg config.Config, deps AgentDependencies) *Agent {
	t.Helper()
	if deps.MetricsRegisterer == nil {
		deps.MetricsRegisterer = prometheus.NewRegistry()
	}
	if deps.Modules == nil {
		deps.Modules = testCatalog(nil)
	}
	a, err := NewAgent(context.Background(), config.NewStore("", cfg), logging.Discard(), deps)
	require.NoError(t, err)
	return a
}

// platformView records the frames the agent publishes upstream.
type platformView struct {
	mu     sync.Mutex
	frames []string
}

func observePlatform(t *testing.T, ctx context.Context, broker *channel.Broker, topic string) *platformView {
	t.Helper()
	msgs, err := broker.Subscribe(ctx, topic)
	require.NoError(t, err)
	view := &platformView{}
	go func() {
		for msg := range msgs {
			view.mu.Lock()
			view.frames = append(view.frames, string(msg.Payload))
			view.mu.Unlock()
			msg.Ack()
		}
	}()
	return view
}

func (v *platformView) count(prefix string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, f := range v.frames {
		if strings.HasPrefix(f, prefix) {
			n++
		}
	}
	return n
}

func (v *platformView) snapshot() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.frames...)
}

func TestNewAgent_RequiresStoreAndLogger(t *testing.T) {
	_, err := NewAgent(context.Background(), nil, logging.Discard(), AgentDependencies{})
	require.ErrorIs(t, err, derrors.ErrConfigRequired)

	_, err = NewAgent(context.Background(), config.NewStore("", testConfig("")), nil, AgentDependencies{})
	require.ErrorIs(t, err, derrors.ErrLoggerRequired)
}

func TestNewAgent_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.Agent.Serial = ""

	_, err := NewAgent(context.Background(), config.NewStore("", cfg), logging.Discard(), AgentDependencies{})

	var validation derrors.ConfigValidationError
	require.ErrorAs(t, err, &validation)
}

func TestNewAgent_DiscoversModules(t *testing.T) {
	a := newTestAgent(t, testConfig(""), AgentDependencies{
		Modules: testCatalog(map[string]any{
			"restart": &testHandler{ops: []string{"c8y_Restart"}},
			"broken":  struct{}{},
		}),
	})

	assert.Equal(t, []string{"restart"}, a.Registry().Names())
	assert.Equal(t, []string{"c8y_Restart"}, a.Registry().SupportedOperations())
	assert.NotNil(t, a.Dispatcher())
	assert.NotNil(t, a.Lifecycle())
	assert.Equal(t, connection.Disconnected, a.Session().State())
}

func TestAgent_SessionLifecycleOverChannelTransport(t *testing.T) {
	t.Cleanup(channel.Reset)
	url := "memory://" + t.Name()
	broker := channel.BrokerFor(url)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	upstream := observePlatform(t, ctx, broker, smartrest.TopicUpstream)

	restarts := make(chan smartrest.Message, 4)
	a := newTestAgent(t, testConfig(url), AgentDependencies{
		Modules: testCatalog(map[string]any{
			"restart": routedHandler{&testHandler{
				ops:    []string{"c8y_Restart"},
				routes: restartRoute(false),
				handle: func(_ context.Context, msg smartrest.Message) error {
					restarts <- msg
					return nil
				},
			}},
		}),
		Operations: &fakeOperationStore{deviceID: "4711", executing: executing("7")},
	})

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return upstream.count("110,") == 1 }, waitFor, 5*time.Millisecond)
	frames := upstream.snapshot()
	assert.Equal(t, "100,deviceflow,c8y_deviceflow", frames[0])
	assert.Contains(t, frames, "114,c8y_Restart")
	assert.Contains(t, frames, "117,10")
	assert.Equal(t, connection.Connected, a.Session().State())

	require.Eventually(t, func() bool { return a.Lifecycle().Runs() == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, broker.Publish(smartrest.TopicOperations, []byte("510,"+testExternalID)))
	select {
	case msg := <-restarts:
		assert.Equal(t, smartrest.IDRestart, msg.ID)
		assert.Equal(t, testExternalID, msg.DeviceID)
	case <-time.After(waitFor):
		t.Fatal("restart was not dispatched")
	}

	// A lost session is re-established and the startup sequence runs again.
	require.Equal(t, 1, broker.Sever(derrors.ErrConnectionLost))
	require.Eventually(t, func() bool { return upstream.count("100,") == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.Lifecycle().Runs() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int64(1), a.Session().Reconnects())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), waitFor)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx))
	assert.Equal(t, 1, upstream.count("400,c8y_AgentStopEvent,"))

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Stop")
	}
	require.ErrorIs(t, a.Run(context.Background()), derrors.ErrStopped)
	require.NoError(t, a.Stop(context.Background()))
}

func TestAgent_PublishesSamplesWhileConnected(t *testing.T) {
	t.Cleanup(channel.Reset)
	url := "memory://" + t.Name()
	broker := channel.BrokerFor(url)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	upstream := observePlatform(t, ctx, broker, smartrest.TopicUpstream)

	cfg := testConfig(url)
	cfg.Agent.SampleInterval = 10 * time.Millisecond
	var samples atomic.Int32
	a := newTestAgent(t, cfg, AgentDependencies{
		Modules: testCatalog(map[string]any{
			"cpu": &testSampler{sample: func(context.Context) ([]smartrest.Message, error) {
				samples.Add(1)
				return []smartrest.Message{smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDMeasurement, "c8y_CPU", "load", 3, "%")}, nil
			}},
		}),
	})

	go func() { _ = a.Run(ctx) }()

	require.Eventually(t, func() bool { return upstream.count("200,c8y_CPU,load,3,%") >= 2 }, waitFor, 5*time.Millisecond)
	require.NoError(t, a.Stop(context.Background()))
}

func TestAgent_ConfigurationOperationRetunesRunningAgent(t *testing.T) {
	t.Cleanup(channel.Reset)
	url := "memory://" + t.Name()
	broker := channel.BrokerFor(url)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	upstream := observePlatform(t, ctx, broker, smartrest.TopicUpstream)

	cfg := testConfig(url)
	cfg.Agent.SampleInterval = time.Hour
	var samples atomic.Int32
	catalog := testCatalog(map[string]any{
		"cpu": &testSampler{sample: func(context.Context) ([]smartrest.Message, error) {
			samples.Add(1)
			return nil, nil
		}},
	})
	catalog.Register(builtin.ConfigurationName, builtin.NewConfigurationManager)
	a := newTestAgent(t, cfg, AgentDependencies{Modules: catalog})

	go func() { _ = a.Run(ctx) }()
	require.Eventually(t, func() bool { return a.Lifecycle().Runs() == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return upstream.count("117,10") == 1 }, waitFor, 5*time.Millisecond)
	assert.Zero(t, samples.Load())

	update := "513," + testExternalID + ",\"agent.sample_interval=10ms\nagent.required_interval=3\""
	require.NoError(t, broker.Publish(smartrest.TopicOperations, []byte(update)))
	require.Eventually(t, func() bool { return upstream.count("503,c8y_Configuration") == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return samples.Load() >= 3 }, waitFor, 5*time.Millisecond)

	require.Equal(t, 1, broker.Sever(derrors.ErrConnectionLost))
	require.Eventually(t, func() bool { return upstream.count("117,3") == 1 }, waitFor, 5*time.Millisecond)
	require.NoError(t, a.Stop(context.Background()))
}

func TestAgent_RunTwice(t *testing.T) {
	t.Cleanup(channel.Reset)
	url := "memory://" + t.Name()
	a := newTestAgent(t, testConfig(url), AgentDependencies{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	require.Eventually(t, func() bool { return a.Session().State() == connection.Connected }, waitFor, 5*time.Millisecond)

	require.ErrorIs(t, a.Run(ctx), derrors.ErrAlreadyRunning)
	require.NoError(t, a.Stop(context.Background()))
}

func TestAgent_BootstrapsMissingCredentials(t *testing.T) {
	t.Cleanup(channel.Reset)
	url := "memory://" + t.Name()
	broker := channel.BrokerFor(url)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requests, err := broker.Subscribe(ctx, smartrest.TopicBootstrapReq)
	require.NoError(t, err)
	go func() {
		for msg := range requests {
			msg.Ack()
			_ = broker.Publish(smartrest.TopicBootstrapResult, []byte("70,t200,device_0042,issued"))
		}
	}()

	cfg := testConfig(url)
	cfg.Secret = config.SecretConfig{}
	cfg.Bootstrap.PollInterval = 10 * time.Millisecond
	cfg.Bootstrap.Timeout = waitFor
	a := newTestAgent(t, cfg, AgentDependencies{})

	go func() { _ = a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Session().State() == connection.Connected }, waitFor, 5*time.Millisecond)
	assert.Equal(t, config.SecretConfig{Tenant: "t200", User: "device_0042", Password: "issued"}, a.Store.Snapshot().Secret)
	require.NoError(t, a.Stop(context.Background()))
}

func TestAgent_HooksSeeInvocations(t *testing.T) {
	t.Cleanup(channel.Reset)
	url := "memory://" + t.Name()
	broker := channel.BrokerFor(url)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observePlatform(t, ctx, broker, smartrest.TopicUpstream)

	var mu sync.Mutex
	var kinds []string
	a := newTestAgent(t, testConfig(url), AgentDependencies{
		Modules: testCatalog(map[string]any{
			"agentinfo": &testProducer{msgs: []smartrest.Message{smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDAgentInformation, "deviceflow")}},
		}),
		Hooks: JobHooks{OnJobDone: func(ctx JobContext) {
			mu.Lock()
			defer mu.Unlock()
			kinds = append(kinds, ctx.Module+"/"+ctx.Kind)
		}},
	})

	go func() { _ = a.Run(ctx) }()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 1
	}, waitFor, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"agentinfo/startup"}, kinds)
	mu.Unlock()
	require.NoError(t, a.Stop(context.Background()))
}
