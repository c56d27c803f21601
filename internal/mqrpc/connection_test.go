package mqrpc_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgillich/textrpc/internal/logger"
	"github.com/pgillich/textrpc/internal/mqrpc"
	"github.com/pgillich/textrpc/internal/mqrpc/mqrpctest"
)

func newConnManager(t *testing.T, broker *mqrpctest.Broker, status *mqrpc.Status) *mqrpc.ConnManager {
	t.Helper()
	cm := mqrpc.NewConnManager(testConfig(t.Name()), broker.Dial, nil, status, logger.GetLogger(t.Name()))
	t.Cleanup(func() { cm.Close() }) //nolint:errcheck,gosec // test cleanup

	return cm
}

func TestOpenIsIdempotent(t *testing.T) {
	broker := mqrpctest.NewBroker()
	status := mqrpc.NewStatus()
	cm := newConnManager(t, broker, status)

	require.NoError(t, cm.Open(context.Background()))
	require.NoError(t, cm.Open(context.Background()))
	assert.Equal(t, 1, broker.Dials())
	assert.Equal(t, uint64(1), cm.Generation())
	assert.Equal(t, mqrpc.StateOpen, cm.State())
	assert.True(t, cm.IsOpen())

	snap := status.Snapshot()
	assert.True(t, snap.Connected)
	assert.NotNil(t, snap.LastReconnect)
	assert.Nil(t, snap.LastError)
}

func TestOpenUnreachable(t *testing.T) {
	broker := mqrpctest.NewBroker()
	broker.SetReachable(false)
	status := mqrpc.NewStatus()
	cm := newConnManager(t, broker, status)

	err := cm.Open(context.Background())
	require.ErrorIs(t, err, mqrpc.ErrConnect)
	assert.ErrorIs(t, err, mqrpctest.ErrUnreachable)
	assert.False(t, cm.IsOpen())
	assert.Equal(t, mqrpc.StateDisconnected, cm.State())

	snap := status.Snapshot()
	assert.False(t, snap.Connected)
	assert.Equal(t, int64(1), snap.Errors)
	require.NotNil(t, snap.LastError)
	assert.Contains(t, *snap.LastError, "connection refused")
}

func TestReconnectEventuallySucceeds(t *testing.T) {
	broker := mqrpctest.NewBroker()
	broker.SetReachable(false)
	cm := newConnManager(t, broker, nil)

	require.Error(t, cm.Open(context.Background()))
	go func() {
		time.Sleep(100 * time.Millisecond)
		broker.SetReachable(true)
	}()

	require.NoError(t, cm.Reconnect(context.Background()))
	assert.True(t, cm.IsOpen())
	assert.Greater(t, broker.Dials(), 2)
}

func TestReconnectStopsOnContext(t *testing.T) {
	broker := mqrpctest.NewBroker()
	broker.SetReachable(false)
	cm := newConnManager(t, broker, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cm.Reconnect(ctx), context.DeadlineExceeded)
	assert.False(t, cm.IsOpen())
}

func TestMarkDisconnectedIgnoresStaleGeneration(t *testing.T) {
	broker := mqrpctest.NewBroker()
	cm := newConnManager(t, broker, nil)
	require.NoError(t, cm.Open(context.Background()))
	generation := cm.Generation()

	cm.MarkDisconnected(generation-1, assert.AnError)
	assert.True(t, cm.IsOpen())

	cm.MarkDisconnected(generation, assert.AnError)
	assert.False(t, cm.IsOpen())
	assert.Equal(t, 0, broker.Connections())

	require.NoError(t, cm.Reconnect(context.Background()))
	assert.Equal(t, generation+1, cm.Generation())
}

func TestBrokerCloseIsDetected(t *testing.T) {
	broker := mqrpctest.NewBroker()
	status := mqrpc.NewStatus()
	cm := newConnManager(t, broker, status)
	require.NoError(t, cm.Open(context.Background()))

	assert.Equal(t, 1, broker.DropConnections())
	require.Eventually(t, func() bool {
		return status.Snapshot().LastError != nil
	}, waitFor, tick)
	assert.Equal(t, mqrpc.StateDisconnected, cm.State())
	snap := status.Snapshot()
	assert.False(t, snap.Connected)
	assert.Contains(t, *snap.LastError, "CONNECTION_FORCED")
}

func TestCloseIsTerminal(t *testing.T) {
	broker := mqrpctest.NewBroker()
	cm := newConnManager(t, broker, nil)
	require.NoError(t, cm.Open(context.Background()))

	require.NoError(t, cm.Close())
	assert.True(t, cm.Closed())
	assert.Equal(t, mqrpc.StateClosing, cm.State())
	assert.ErrorIs(t, cm.Open(context.Background()), mqrpc.ErrClosed)
	assert.ErrorIs(t, cm.Reconnect(context.Background()), mqrpc.ErrClosed)
	_, _, err := cm.Channel()
	assert.ErrorIs(t, err, mqrpc.ErrNotOpen)
}

func TestStatusIsNotBlockedByDial(t *testing.T) {
	broker := mqrpctest.NewBroker()
	dialing := make(chan struct{})
	release := make(chan struct{})
	dial := func(url string, config amqp.Config) (mqrpc.Connection, error) {
		close(dialing)
		<-release

		return broker.Dial(url, config)
	}
	requester := mqrpc.NewRequester(testConfig(t.Name()), dial, logger.GetLogger(t.Name()))
	defer requester.Close() //nolint:errcheck // test

	started := make(chan error, 1)
	go func() {
		started <- requester.Start(context.Background())
	}()
	<-dialing

	snapshots := make(chan mqrpc.Snapshot, 1)
	go func() {
		snapshots <- requester.Status()
	}()
	select {
	case snap := <-snapshots:
		assert.False(t, snap.Connected)
		assert.Equal(t, mqrpc.StateConnecting.String(), snap.State)
	case <-time.After(time.Second):
		t.Fatal("status blocked by a dial in progress")
	}

	close(release)
	require.NoError(t, <-started)
	assert.True(t, requester.Status().Connected)
}
