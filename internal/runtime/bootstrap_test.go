package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/smartrest"
	"github.com/drblury/deviceflow/transport/channel"
)

func TestBootstrap_ReceivesCredentials(t *testing.T) {
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
			_ = broker.Publish(smartrest.TopicBootstrapResult, []byte("70,t100,device_dev-0042,s3cr3t"))
		}
	}()

	creds, err := Bootstrap(ctx, BootstrapOptions{
		Transport:    channel.TransportName,
		URL:          url,
		ClientID:     "dev-0042",
		Tenant:       "management",
		User:         "devicebootstrap",
		Password:     "bootstrap",
		PollInterval: 20 * time.Millisecond,
		Timeout:      5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, DeviceCredentials{Tenant: "t100", User: "device_dev-0042", Password: "s3cr3t"}, creds)
}

func TestBootstrap_IgnoresIncompleteFrames(t *testing.T) {
	t.Cleanup(channel.Reset)
	url := "memory://" + t.Name()
	broker := channel.BrokerFor(url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	requests, err := broker.Subscribe(ctx, smartrest.TopicBootstrapReq)
	require.NoError(t, err)

	go func() {
		answered := 0
		for msg := range requests {
			msg.Ack()
			answered++
			if answered == 1 {
				_ = broker.Publish(smartrest.TopicBootstrapResult, []byte("70,t100"))
				continue
			}
			_ = broker.Publish(smartrest.TopicBootstrapResult, []byte("70,t100,device_dev-0042,s3cr3t"))
		}
	}()

	creds, err := Bootstrap(ctx, BootstrapOptions{
		Transport:    channel.TransportName,
		URL:          url,
		ClientID:     "dev-0042",
		PollInterval: 20 * time.Millisecond,
		Timeout:      5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", creds.Password)
}

func TestBootstrap_TimesOut(t *testing.T) {
	t.Cleanup(channel.Reset)

	_, err := Bootstrap(context.Background(), BootstrapOptions{
		Transport:    channel.TransportName,
		URL:          "memory://" + t.Name(),
		ClientID:     "dev-0042",
		PollInterval: 10 * time.Millisecond,
		Timeout:      60 * time.Millisecond,
	})

	require.ErrorIs(t, err, derrors.ErrCredentialsMissing)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBootstrap_UnknownTransport(t *testing.T) {
	_, err := Bootstrap(context.Background(), BootstrapOptions{
		Transport:    "carrier-pigeon",
		ClientID:     "dev-0042",
		PollInterval: 10 * time.Millisecond,
		Timeout:      time.Second,
	})

	require.ErrorIs(t, err, derrors.ErrInvalidTransport)
}

func TestBootstrap_RetriesRefusedConnections(t *testing.T) {
	t.Cleanup(channel.Reset)
	url := "memory://" + t.Name()
	broker := channel.BrokerFor(url)
	broker.Refuse(derrors.ErrConnectionLost)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	requests, err := broker.Subscribe(ctx, smartrest.TopicBootstrapReq)
	require.NoError(t, err)
	go func() {
		for msg := range requests {
			msg.Ack()
			_ = broker.Publish(smartrest.TopicBootstrapResult, []byte("70,t100,device_dev-0042,s3cr3t"))
		}
	}()
	time.AfterFunc(50*time.Millisecond, broker.Accept)

	creds, err := Bootstrap(ctx, BootstrapOptions{
		Transport:    channel.TransportName,
		URL:          url,
		ClientID:     "dev-0042",
		PollInterval: 20 * time.Millisecond,
		Timeout:      5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, "t100", creds.Tenant)
}

func TestBootstrap_ReconnectsAfterSessionLoss(t *testing.T) {
	t.Cleanup(channel.Reset)
	url := "memory://" + t.Name()
	broker := channel.BrokerFor(url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	requests, err := broker.Subscribe(ctx, smartrest.TopicBootstrapReq)
	require.NoError(t, err)

	severed := make(chan int, 1)
	go func() {
		seen := 0
		for msg := range requests {
			msg.Ack()
			seen++
			if seen == 1 {
				severed <- broker.Sever(derrors.ErrConnectionLost)
				continue
			}
			_ = broker.Publish(smartrest.TopicBootstrapResult, []byte("70,t100,device_dev-0042,s3cr3t"))
		}
	}()

	creds, err := Bootstrap(ctx, BootstrapOptions{
		Transport:    channel.TransportName,
		URL:          url,
		ClientID:     "dev-0042",
		PollInterval: 20 * time.Millisecond,
		Timeout:      5 * time.Second,
	})

	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", creds.Password)
	assert.Equal(t, 1, <-severed)
}
