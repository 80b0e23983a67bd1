package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/internal/runtime/outbox"
	"github.com/drblury/deviceflow/internal/runtime/platform"
	"github.com/drblury/deviceflow/smartrest"
)

var testDevice = DeviceInfo{
	Name:             "deviceflow-dev-0042",
	Type:             "c8y_deviceflow",
	Serial:           "dev-0042",
	Model:            "deviceflow",
	Version:          "1.0.0",
	RequiredInterval: 10,
}

type lifecycleFixture struct {
	journal *journal
	sender  *testSender
	store   *fakeOperationStore
	life    *Lifecycle
}

func newLifecycleFixture(t *testing.T, instances map[string]any, mutate func(*LifecycleOptions)) *lifecycleFixture {
	t.Helper()
	j := &journal{}
	sender := newTestSender(j)
	registry := newTestRegistry(t, instances)
	d := newTestDispatcher(t, registry, sender, nil)
	store := &fakeOperationStore{journal: j, deviceID: "4711"}

	opts := LifecycleOptions{
		Device:              testDevice,
		Session:             sender,
		Dispatcher:          d,
		Registry:            registry,
		Operations:          store,
		PendingPollInterval: -1,
	}
	if mutate != nil {
		mutate(&opts)
	}
	life, err := NewLifecycle(opts)
	require.NoError(t, err)
	return &lifecycleFixture{journal: j, sender: sender, store: store, life: life}
}

func executing(ids ...string) []platform.OperationRef {
	refs := make([]platform.OperationRef, len(ids))
	for i, id := range ids {
		refs[i] = platform.OperationRef{ID: id, Status: platform.StatusExecuting}
	}
	return refs
}

func TestNewLifecycle_RequiresCollaborators(t *testing.T) {
	registry := newTestRegistry(t, nil)
	d := newTestDispatcher(t, registry, newTestSender(nil), nil)

	_, err := NewLifecycle(LifecycleOptions{Registry: registry, Dispatcher: d})
	require.Error(t, err)
	_, err = NewLifecycle(LifecycleOptions{Session: newTestSender(nil), Dispatcher: d})
	require.Error(t, err)
	_, err = NewLifecycle(LifecycleOptions{Session: newTestSender(nil), Registry: registry})
	require.Error(t, err)
}

func TestLifecycle_StartupSequenceOrder(t *testing.T) {
	f := newLifecycleFixture(t, map[string]any{
		"agentinfo": &testProducer{msgs: []smartrest.Message{
			smartrest.NewMessage(smartrest.TopicUpstream, smartrest.IDAgentInformation, "deviceflow", "1.0.0"),
		}},
		"configuration": &testHandler{ops: []string{"c8y_Configuration"}},
		"restart":       &testHandler{ops: []string{"c8y_Restart"}, templates: []string{"restart"}},
	}, nil)

	require.NoError(t, f.life.OnSessionEstablished(context.Background()))

	assert.Equal(t, []string{
		"send 100,deviceflow-dev-0042,c8y_deviceflow",
		"send 122,deviceflow,1.0.0",
		"send 114,c8y_Configuration,c8y_Restart",
		"send 117,10",
		"send 110,dev-0042,deviceflow,1.0.0",
		"subscribe",
		"resolve dev-0042",
		"list 4711",
	}, f.journal.snapshot())
	assert.Equal(t, []string{"s/dat", "s/dc/restart", "s/ds", "s/e"}, f.sender.topics)
	assert.Equal(t, int64(1), f.life.Runs())
}

func TestLifecycle_QualityOfService(t *testing.T) {
	f := newLifecycleFixture(t, nil, nil)

	require.NoError(t, f.life.OnSessionEstablished(context.Background()))

	records := f.sender.records()
	require.Len(t, records, 4)
	assert.Equal(t, byte(2), records[0].qos)
	assert.True(t, records[0].wait)
	for _, rec := range records[1:] {
		assert.Equal(t, byte(0), rec.qos, rec.frame)
		assert.False(t, rec.wait, rec.frame)
	}
	assert.Equal(t, "114", records[1].frame)
}

func TestLifecycle_FailingStepDoesNotStopSequence(t *testing.T) {
	f := newLifecycleFixture(t, nil, nil)
	f.sender.failID = smartrest.IDSupportedOperations

	err := f.life.OnSessionEstablished(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "supported_operations")
	assert.Equal(t, []string{"send 117,10", "send 110,dev-0042,deviceflow,1.0.0", "subscribe"}, f.journal.snapshot()[1:4])
	assert.Equal(t, int64(1), f.life.Runs())
}

func TestLifecycle_RunsEverySession(t *testing.T) {
	f := newLifecycleFixture(t, nil, nil)
	f.store.executing = executing("1")

	require.NoError(t, f.life.OnSessionEstablished(context.Background()))
	require.NoError(t, f.life.OnSessionEstablished(context.Background()))

	assert.Equal(t, int64(2), f.life.Runs())
	assert.Equal(t, []string{"1", "1"}, f.store.failedIDs())
}

func TestRecoverDanglingOperations_FailsEveryExecutingOperation(t *testing.T) {
	f := newLifecycleFixture(t, nil, nil)
	f.store.executing = executing("11", "12", "13")

	n, err := f.life.RecoverDanglingOperations(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"11", "12", "13"}, f.store.failedIDs())
	for _, reason := range f.store.reasons {
		assert.Equal(t, DefaultFailureReason, reason)
	}
}

func TestRecoverDanglingOperations_Empty(t *testing.T) {
	f := newLifecycleFixture(t, nil, nil)

	n, err := f.life.RecoverDanglingOperations(context.Background())

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.store.failedIDs())
}

func TestRecoverDanglingOperations_UnknownDevice(t *testing.T) {
	f := newLifecycleFixture(t, nil, nil)
	f.store.resolveErr = fmt.Errorf("identity lookup: %w", derrors.ErrDeviceNotFound)
	f.store.executing = executing("11")

	n, err := f.life.RecoverDanglingOperations(context.Background())

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"resolve dev-0042"}, f.journal.snapshot())
}

func TestRecoverDanglingOperations_ListError(t *testing.T) {
	f := newLifecycleFixture(t, nil, nil)
	f.store.listErr = errors.New("503 service unavailable")

	n, err := f.life.RecoverDanglingOperations(context.Background())

	require.Error(t, err)
	assert.Zero(t, n)
}

func TestRecoverDanglingOperations_PartialFailure(t *testing.T) {
	f := newLifecycleFixture(t, nil, func(o *LifecycleOptions) { o.FailureReason = "agent restarted" })
	f.store.executing = executing("11", "12", "13")
	f.store.failErr = map[string]error{"12": errors.New("409 conflict")}

	n, err := f.life.RecoverDanglingOperations(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation 12")
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"11", "13"}, f.store.failedIDs())
	assert.Equal(t, []string{"agent restarted", "agent restarted"}, f.store.reasons)
}

func TestRecoverDanglingOperations_WithoutStore(t *testing.T) {
	f := newLifecycleFixture(t, nil, func(o *LifecycleOptions) { o.Operations = nil })

	n, err := f.life.RecoverDanglingOperations(context.Background())

	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverDanglingOperations_WaitsForToken(t *testing.T) {
	tokens := &tokenBox{}
	f := newLifecycleFixture(t, nil, func(o *LifecycleOptions) {
		o.Tokens = tokens
		o.TokenWait = time.Second
	})
	f.store.executing = executing("11")

	go func() {
		time.Sleep(30 * time.Millisecond)
		tokens.SetToken("jwt")
	}()
	start := time.Now()
	n, err := f.life.RecoverDanglingOperations(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRecoverDanglingOperations_TokenWaitExpires(t *testing.T) {
	f := newLifecycleFixture(t, nil, func(o *LifecycleOptions) {
		o.Tokens = &tokenBox{}
		o.TokenWait = 50 * time.Millisecond
	})
	f.store.executing = executing("11")

	n, err := f.life.RecoverDanglingOperations(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLifecycle_FlushesOutbox(t *testing.T) {
	ob, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"), 100, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ob.Close() })

	ctx := context.Background()
	require.NoError(t, ob.Enqueue(ctx, smartrest.TopicUpstream, []byte("200,c8y_Temperature,T,20,C"), 1))
	require.NoError(t, ob.Enqueue(ctx, smartrest.TopicUpstream, []byte("400,c8y_Event,offline"), 1))

	var mu sync.Mutex
	var delivered []string
	f := newLifecycleFixture(t, nil, func(o *LifecycleOptions) {
		o.Outbox = ob
		o.Deliver = func(_ context.Context, topic string, payload []byte, _ byte) error {
			mu.Lock()
			defer mu.Unlock()
			delivered = append(delivered, topic+" "+string(payload))
			return nil
		}
	})

	require.NoError(t, f.life.OnSessionEstablished(ctx))

	assert.Equal(t, []string{"s/us 200,c8y_Temperature,T,20,C", "s/us 400,c8y_Event,offline"}, delivered)
	n, err := ob.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLifecycle_PollsPendingOperations(t *testing.T) {
	f := newLifecycleFixture(t, nil, func(o *LifecycleOptions) {
		o.PendingPollInterval = 10 * time.Millisecond
		o.Operations = nil
	})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, f.life.OnSessionEstablished(ctx))
	require.Eventually(t, func() bool {
		for _, rec := range f.sender.records() {
			if rec.frame == "500" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	cancel()
}

func TestLifecycle_StartsTokenRefresh(t *testing.T) {
	started := make(chan struct{})
	f := newLifecycleFixture(t, nil, func(o *LifecycleOptions) {
		o.TokenRefresh = func(ctx context.Context) {
			close(started)
			<-ctx.Done()
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.life.OnSessionEstablished(ctx))
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("token refresh was not started")
	}
}

func TestLifecycle_AnnounceStop(t *testing.T) {
	f := newLifecycleFixture(t, nil, func(o *LifecycleOptions) { o.StopEventText = "shutting down" })

	require.NoError(t, f.life.AnnounceStop(context.Background()))

	records := f.sender.records()
	require.Len(t, records, 1)
	assert.Equal(t, "400,c8y_AgentStopEvent,shutting down", records[0].frame)
	assert.Equal(t, byte(0), records[0].qos)
	assert.True(t, records[0].wait)
}
