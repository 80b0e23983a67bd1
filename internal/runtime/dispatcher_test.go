package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/smartrest"
)

const waitFor = 2 * time.Second

func restartRoute(exclusive bool) []modules.Route {
	return []modules.Route{{MessageID: smartrest.IDRestart, Operation: "c8y_Restart", Exclusive: exclusive}}
}

func TestNewDispatcher_RequiresRegistryAndSender(t *testing.T) {
	_, err := NewDispatcher(DispatcherOptions{Sender: newTestSender(nil)})
	require.Error(t, err)

	_, err = NewDispatcher(DispatcherOptions{Registry: newTestRegistry(t, nil)})
	require.Error(t, err)
}

func TestDispatcher_StartTwice(t *testing.T) {
	d := newTestDispatcher(t, newTestRegistry(t, nil), newTestSender(nil), nil)
	require.ErrorIs(t, d.Start(context.Background()), derrors.ErrAlreadyRunning)

	require.NoError(t, d.Close(context.Background()))
	require.ErrorIs(t, d.Start(context.Background()), derrors.ErrStopped)
}

func TestDispatcher_FailingHandlersDoNotAffectOthers(t *testing.T) {
	var counted atomic.Int32
	registry := newTestRegistry(t, map[string]any{
		"a-failing": &testHandler{handle: func(context.Context, smartrest.Message) error {
			return errors.New("handler failed")
		}},
		"b-panicking": &testHandler{handle: func(context.Context, smartrest.Message) error {
			panic("handler panicked")
		}},
		"c-counting": &testHandler{handle: func(context.Context, smartrest.Message) error {
			counted.Add(1)
			return nil
		}},
	})
	d := newTestDispatcher(t, registry, newTestSender(nil), nil)

	d.OnInboundMessage(smartrest.TopicOperations, []byte("510,dev-0042\n510,dev-0042\n510,dev-0042"))

	require.Eventually(t, func() bool { return counted.Load() == 3 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		stats := d.Stats()
		return stats["a-failing"].Invocations == 3 && stats["b-panicking"].Invocations == 3
	}, waitFor, 5*time.Millisecond)

	stats := d.Stats()
	assert.Equal(t, uint64(3), stats["a-failing"].Failures)
	assert.Equal(t, uint64(3), stats["b-panicking"].Errors.Panic)
	assert.Equal(t, uint64(0), stats["c-counting"].Failures)
}

func TestDispatcher_StripsSerialBeforeHandlers(t *testing.T) {
	got := make(chan smartrest.Message, 1)
	registry := newTestRegistry(t, map[string]any{
		"restart": routedHandler{&testHandler{
			routes: restartRoute(false),
			handle: func(_ context.Context, msg smartrest.Message) error {
				got <- msg
				return nil
			},
		}},
	})
	d := newTestDispatcher(t, registry, newTestSender(nil), nil)

	d.OnInboundMessage(smartrest.TopicOperations, []byte("510,dev-0042"))

	select {
	case msg := <-got:
		assert.Equal(t, smartrest.IDRestart, msg.ID)
		assert.Equal(t, "dev-0042", msg.DeviceID)
		assert.Empty(t, msg.Values)
		assert.Equal(t, smartrest.TopicOperations, msg.Topic)
	case <-time.After(waitFor):
		t.Fatal("handler was not invoked")
	}
}

func TestDispatcher_TokenAppliedBeforeLaterFrames(t *testing.T) {
	tokens := &tokenBox{}
	seen := make(chan string, 1)
	registry := newTestRegistry(t, map[string]any{
		"restart": routedHandler{&testHandler{
			routes: restartRoute(false),
			handle: func(context.Context, smartrest.Message) error {
				seen <- tokens.Token()
				return nil
			},
		}},
	})
	d := newTestDispatcher(t, registry, newTestSender(nil), func(o *DispatcherOptions) { o.Tokens = tokens })

	d.OnInboundMessage(smartrest.TopicToken, []byte("71,fresh-token\n510,dev-0042"))

	select {
	case token := <-seen:
		assert.Equal(t, "fresh-token", token)
	case <-time.After(waitFor):
		t.Fatal("handler was not invoked")
	}
}

func TestDispatcher_IgnoresFramesWithoutID(t *testing.T) {
	var calls atomic.Int32
	registry := newTestRegistry(t, map[string]any{
		"all": &testHandler{handle: func(context.Context, smartrest.Message) error {
			calls.Add(1)
			return nil
		}},
	})
	d := newTestDispatcher(t, registry, newTestSender(nil), nil)

	d.OnInboundMessage(smartrest.TopicOperations, []byte(""))
	d.OnInboundMessage(smartrest.TopicOperations, []byte(",value"))
	d.OnInboundMessage(smartrest.TopicOperations, []byte("510"))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_AllHandlersOfAnOperationRun(t *testing.T) {
	var mu sync.Mutex
	var invoked []string
	record := func(name string) func(context.Context, smartrest.Message) error {
		return func(context.Context, smartrest.Message) error {
			mu.Lock()
			defer mu.Unlock()
			invoked = append(invoked, name)
			return nil
		}
	}
	registry := newTestRegistry(t, map[string]any{
		"first":  routedHandler{&testHandler{ops: []string{"c8y_Restart"}, routes: restartRoute(false), handle: record("first")}},
		"second": routedHandler{&testHandler{ops: []string{"c8y_Restart"}, routes: restartRoute(false), handle: record("second")}},
		"other": routedHandler{&testHandler{
			routes: []modules.Route{{MessageID: smartrest.IDConfigurationUpdate}},
			handle: record("other"),
		}},
	})
	d := newTestDispatcher(t, registry, newTestSender(nil), nil)

	d.OnInboundMessage(smartrest.TopicOperations, []byte("510,dev-0042"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(invoked) == 2
	}, waitFor, 5*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []string{"first", "second"}, invoked)
	mu.Unlock()
	assert.Equal(t, []string{"c8y_Restart"}, registry.SupportedOperations())
}

func TestDispatcher_ExclusiveRouteRejectsWhileBusy(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	registry := newTestRegistry(t, map[string]any{
		"restart": routedHandler{&testHandler{
			ops:    []string{"c8y_Restart"},
			routes: restartRoute(true),
			handle: func(context.Context, smartrest.Message) error {
				started <- struct{}{}
				<-release
				return nil
			},
		}},
	})
	sender := newTestSender(nil)
	d := newTestDispatcher(t, registry, sender, nil)

	d.OnInboundMessage(smartrest.TopicOperations, []byte("510,dev-0042"))
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("first restart did not start")
	}

	d.OnInboundMessage(smartrest.TopicOperations, []byte("510,dev-0042"))

	require.Eventually(t, func() bool { return len(sender.records()) == 1 }, waitFor, 5*time.Millisecond)
	rec := sender.records()[0]
	assert.Equal(t, "502,c8y_Restart,operation already in progress", rec.frame)
	assert.Equal(t, byte(1), rec.qos)
	assert.False(t, rec.wait)
	assert.Equal(t, uint64(1), d.Stats()["restart"].Backlog.Rejected)
	assert.Equal(t, uint64(1), d.Stats()["restart"].Errors.Busy)
}

func TestDispatcher_ExclusiveRouteAcceptsAfterCompletion(t *testing.T) {
	var calls atomic.Int32
	registry := newTestRegistry(t, map[string]any{
		"restart": routedHandler{&testHandler{
			routes: restartRoute(true),
			handle: func(context.Context, smartrest.Message) error {
				calls.Add(1)
				return nil
			},
		}},
	})
	sender := newTestSender(nil)
	d := newTestDispatcher(t, registry, sender, nil)

	d.OnInboundMessage(smartrest.TopicOperations, []byte("510"))
	require.Eventually(t, func() bool {
		d.guardMu.Lock()
		defer d.guardMu.Unlock()
		return calls.Load() == 1 && len(d.guards) == 0
	}, waitFor, 5*time.Millisecond)

	d.OnInboundMessage(smartrest.TopicOperations, []byte("510"))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, sender.frames())
}

func TestDispatcher_QueueFullDrops(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	registry := newTestRegistry(t, map[string]any{
		"slow": &testHandler{handle: func(context.Context, smartrest.Message) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return nil
		}},
	})
	d := newTestDispatcher(t, registry, newTestSender(nil), func(o *DispatcherOptions) {
		o.Workers = 1
		o.QueueSize = 1
	})

	d.OnInboundMessage(smartrest.TopicOperations, []byte("510"))
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("worker did not pick up the first task")
	}

	d.OnInboundMessage(smartrest.TopicOperations, []byte("510\n510\n510"))

	assert.Equal(t, uint64(2), d.Stats()["slow"].Backlog.Dropped)
}

func TestDispatcher_FramesAfterCloseAreDropped(t *testing.T) {
	var calls atomic.Int32
	registry := newTestRegistry(t, map[string]any{
		"all": &testHandler{handle: func(context.Context, smartrest.Message) error {
			calls.Add(1)
			return nil
		}},
	})
	d := newTestDispatcher(t, registry, newTestSender(nil), nil)
	require.NoError(t, d.Close(context.Background()))

	assert.NotPanics(t, func() { d.OnInboundMessage(smartrest.TopicOperations, []byte("510")) })
	assert.Equal(t, int32(0), calls.Load())
}

func TestDispatcher_OnTickPublishesSamples(t *testing.T) {
	registry := newTestRegistry(t, map[string]any{
		"a-temperature": &testSampler{sample: func(context.Context) ([]smartrest.Message, error) {
			return []smartrest.Message{smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDMeasurement, "c8y_Temperature", "T", 21.5, "C")}, nil
		}},
		"b-broken": &testSampler{sample: func(context.Context) ([]smartrest.Message, error) {
			return nil, errors.New("sensor offline")
		}},
		"c-panicking": &testSampler{sample: func(context.Context) ([]smartrest.Message, error) {
			panic("sensor exploded")
		}},
		"d-memory": &testSampler{sample: func(context.Context) ([]smartrest.Message, error) {
			return []smartrest.Message{
				smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDMeasurement, "c8y_Memory", "used", 512, "MB"),
				smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDMeasurement, "c8y_Memory", "free", 256, "MB"),
			}, nil
		}},
	})
	sender := newTestSender(nil)
	d := newTestDispatcher(t, registry, sender, nil)

	sent := d.OnTick(context.Background())

	require.Equal(t, 3, sent)
	records := sender.records()
	require.Len(t, records, 3)
	assert.Equal(t, "200,c8y_Temperature,T,21.5,C", records[0].frame)
	assert.Equal(t, "200,c8y_Memory,used,512,MB", records[1].frame)
	assert.Equal(t, "200,c8y_Memory,free,256,MB", records[2].frame)
	for _, rec := range records {
		assert.Equal(t, byte(0), rec.qos)
		assert.False(t, rec.wait)
	}
	assert.Equal(t, uint64(1), d.Stats()["b-broken"].Failures)
	assert.Equal(t, uint64(1), d.Stats()["c-panicking"].Errors.Panic)
}

func TestDispatcher_OnTickSkippedWhilePaused(t *testing.T) {
	var calls atomic.Int32
	registry := newTestRegistry(t, map[string]any{
		"sampler": &testSampler{sample: func(context.Context) ([]smartrest.Message, error) {
			calls.Add(1)
			return []smartrest.Message{smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDMeasurement)}, nil
		}},
	})
	sender := newTestSender(nil)
	d := newTestDispatcher(t, registry, sender, nil)

	d.Pause()
	assert.True(t, d.Paused())
	assert.Equal(t, 0, d.OnTick(context.Background()))
	assert.Equal(t, int32(0), calls.Load())

	d.Resume()
	assert.Equal(t, 1, d.OnTick(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_SetTickIntervalRetunesRunningTicker(t *testing.T) {
	var calls atomic.Int32
	registry := newTestRegistry(t, map[string]any{
		"sampler": &testSampler{sample: func(context.Context) ([]smartrest.Message, error) {
			calls.Add(1)
			return nil, nil
		}},
	})
	d := newTestDispatcher(t, registry, newTestSender(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.RunTicker(ctx, 0)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load(), "a zero interval suspends sampling")

	d.SetTickInterval(5 * time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, waitFor, time.Millisecond)

	d.SetTickInterval(0)
	time.Sleep(20 * time.Millisecond)
	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
}

func TestDispatcher_OnTickCountsOnlyAcceptedFrames(t *testing.T) {
	registry := newTestRegistry(t, map[string]any{
		"sampler": &testSampler{sample: func(context.Context) ([]smartrest.Message, error) {
			return []smartrest.Message{
				smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDMeasurement, "ok"),
				smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDEvent, "refused"),
			}, nil
		}},
	})
	sender := newTestSender(nil)
	sender.failID = smartrest.IDEvent
	d := newTestDispatcher(t, registry, sender, nil)

	assert.Equal(t, 1, d.OnTick(context.Background()))
}

func TestDispatcher_CollectStartupKeepsModuleOrder(t *testing.T) {
	registry := newTestRegistry(t, map[string]any{
		"a": &testProducer{msgs: []smartrest.Message{smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDAgentInformation, "deviceflow", "1.0")}},
		"b": &testProducer{err: errors.New("not ready")},
		"c": &testProducer{msgs: []smartrest.Message{smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDEvent, "c8y_AgentStartEvent", "started")}},
	})
	d := newTestDispatcher(t, registry, newTestSender(nil), nil)

	msgs := d.CollectStartup(context.Background())

	require.Len(t, msgs, 2)
	assert.Equal(t, smartrest.IDAgentInformation, msgs[0].ID)
	assert.Equal(t, smartrest.IDEvent, msgs[1].ID)
}

func TestDispatcher_ModulesDescribesRoles(t *testing.T) {
	type both struct {
		*testHandler
		*testProducer
	}
	registry := newTestRegistry(t, map[string]any{
		"configuration": both{&testHandler{ops: []string{"c8y_Configuration"}}, &testProducer{}},
		"stats":         &testSampler{sample: func(context.Context) ([]smartrest.Message, error) { return nil, nil }},
	})
	d := newTestDispatcher(t, registry, newTestSender(nil), nil)

	infos := d.Modules()
	require.Len(t, infos, 2)
	assert.Equal(t, "configuration", infos[0].Name)
	assert.Equal(t, []string{"startup", "handler"}, infos[0].Roles)
	assert.Equal(t, []string{"c8y_Configuration"}, infos[0].Operations)
	assert.Equal(t, "stats", infos[1].Name)
	assert.Equal(t, []string{"sampler"}, infos[1].Roles)
	assert.NotNil(t, infos[1].Stats)
}

func TestDispatcher_RecordsPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewDispatchMetrics(reg)
	require.NoError(t, metrics.Register())

	var calls atomic.Int32
	registry := newTestRegistry(t, map[string]any{
		"all": &testHandler{handle: func(context.Context, smartrest.Message) error {
			calls.Add(1)
			return nil
		}},
	})
	d := newTestDispatcher(t, registry, newTestSender(nil), func(o *DispatcherOptions) { o.Metrics = metrics })

	d.OnInboundMessage(smartrest.TopicOperations, []byte("510\n"))
	d.OnInboundMessage(smartrest.TopicOperations, []byte(",orphan"))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.invocationsTotal.WithLabelValues("all", KindHandle, "success")) == 1
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.inboundTotal.WithLabelValues(smartrest.TopicOperations)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.droppedTotal.WithLabelValues("", DropReasonNoID)))
}
