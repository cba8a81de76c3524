package execution_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-block-flow/internal/execution"
)

func TestKeepAliveDaemon_SendsImmediatelyAndOnInterval(t *testing.T) {
	var sent atomic.Int32
	d := execution.NewKeepAliveDaemon(func(context.Context) error {
		sent.Add(1)
		return nil
	}, 20*time.Millisecond, execution.DaemonTick(2*time.Millisecond))

	d.Start(context.Background())
	require.Eventually(t, func() bool { return sent.Load() >= 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return sent.Load() >= 3 }, time.Second, time.Millisecond)
	d.Stop()

	after := sent.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, sent.Load(), "no signal after Stop")
}

func TestKeepAliveDaemon_DoesNotSendBeforeInterval(t *testing.T) {
	var sent atomic.Int32
	d := execution.NewKeepAliveDaemon(func(context.Context) error {
		sent.Add(1)
		return nil
	}, time.Hour, execution.DaemonTick(time.Millisecond))

	d.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	d.Stop()
	assert.Equal(t, int32(1), sent.Load())
}

func TestKeepAliveDaemon_RetriesFailedSignalOnNextTick(t *testing.T) {
	var calls atomic.Int32
	d := execution.NewKeepAliveDaemon(func(context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("postgres: connection reset")
		}
		return nil
	}, time.Hour, execution.DaemonTick(2*time.Millisecond))

	d.Start(context.Background())
	defer d.Stop()

	// The interval is an hour, so only retries of the failed first signal
	// can produce further calls.
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load(), "stops retrying once a signal succeeds")
}

func TestKeepAliveDaemon_StopsWhenOwnerContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := execution.NewKeepAliveDaemon(func(context.Context) error { return nil },
		time.Millisecond, execution.DaemonTick(time.Millisecond))

	d.Start(ctx)
	cancel()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("daemon kept running after its owner context ended")
	}
	d.Stop()
}

func TestKeepAliveDaemon_StopIsIdempotent(t *testing.T) {
	d := execution.NewKeepAliveDaemon(func(context.Context) error { return nil }, time.Second)
	d.Stop()
	d.Start(context.Background()) // ignored after Stop
	d.Stop()

	started := execution.NewKeepAliveDaemon(func(context.Context) error { return nil }, time.Second)
	started.Start(context.Background())
	started.Stop()
	started.Stop()
	select {
	case <-started.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}
