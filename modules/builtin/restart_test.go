package builtin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/deviceflow/smartrest"
)

func stubReboot(t *testing.T, fn func(context.Context) error) {
	t.Helper()
	original := reboot
	reboot = fn
	t.Cleanup(func() { reboot = original })
}

func newRestart(t *testing.T, sender *recordingSender) *Restart {
	t.Helper()
	instance, err := NewRestart(testEnv(sender))
	require.NoError(t, err)
	return instance.(*Restart)
}

func restartFrame() smartrest.Message {
	return smartrest.NewMessage(smartrest.TopicOperations, smartrest.IDRestart)
}

func TestRestartHandleReboots(t *testing.T) {
	var calls int
	stubReboot(t, func(context.Context) error {
		calls++
		return nil
	})
	sender := &recordingSender{}

	require.NoError(t, newRestart(t, sender).Handle(context.Background(), restartFrame()))

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"501,c8y_Restart"}, sender.encoded())
	assert.Equal(t, byte(statusQoS), sender.frames[0].qos)
	assert.False(t, sender.frames[0].wait, "status frames never block on the acknowledgement")
}

func TestRestartHandleReportsRebootFailure(t *testing.T) {
	stubReboot(t, func(context.Context) error { return errors.New("permission denied") })
	sender := &recordingSender{}

	err := newRestart(t, sender).Handle(context.Background(), restartFrame())

	require.Error(t, err)
	assert.Equal(t, []string{
		"501,c8y_Restart",
		"502,c8y_Restart,Error during restart: permission denied",
	}, sender.encoded())
}

func TestRestartHandleSkipsRebootWhenNotReported(t *testing.T) {
	var calls int
	stubReboot(t, func(context.Context) error {
		calls++
		return nil
	})

	err := newRestart(t, &recordingSender{err: errors.New("offline")}).Handle(context.Background(), restartFrame())

	require.Error(t, err)
	assert.Zero(t, calls)
}

func TestRestartStartupClosesOperation(t *testing.T) {
	msgs, err := newRestart(t, &recordingSender{}).StartupMessages(context.Background())

	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "503,c8y_Restart,Restart Successful", smartrest.Encode(msgs[0]))
}

func TestRestartRoutes(t *testing.T) {
	r := newRestart(t, &recordingSender{})

	routes := r.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, smartrest.IDRestart, routes[0].MessageID)
	assert.Equal(t, smartrest.TopicOperations, routes[0].Topic)
	assert.True(t, routes[0].Exclusive)
	assert.Equal(t, []string{RestartOperation}, r.SupportedOperations())
}
