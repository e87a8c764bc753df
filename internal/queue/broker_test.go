package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	logger, _ := test.NewNullLogger()
	b := NewBroker(Config{BufferSize: 16, MaxDeliveries: 2, Logger: logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func TestFailedJobIsRedeliveredOnce(t *testing.T) {
	b := newTestBroker(t)
	var calls atomic.Int32
	deliveries := make(chan int, 4)
	require.NoError(t, b.Register(Cleanup, 1, func(_ context.Context, job Job) error {
		calls.Add(1)
		deliveries <- job.Delivery
		return errors.New("boom")
	}))
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Enqueue(context.Background(), Job{Queue: Cleanup, TaskID: "task-1"}))

	assert.Equal(t, 1, <-deliveries)
	assert.Equal(t, 2, <-deliveries)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBusyJobIsDeferredWithoutSpendingDeliveries(t *testing.T) {
	b := newTestBroker(t)
	deliveries := make(chan int, 8)
	var calls atomic.Int32
	require.NoError(t, b.Register(Retrieval, 1, func(_ context.Context, job Job) error {
		deliveries <- job.Delivery
		if calls.Add(1) <= 3 {
			return ErrBusy
		}
		return nil
	}))
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Enqueue(context.Background(), Job{Queue: Retrieval, TaskID: "task-3"}))

	for i := 0; i < 4; i++ {
		assert.Equal(t, 1, <-deliveries)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(4), calls.Load())
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	b := newTestBroker(t)
	done := make(chan struct{})
	var once sync.Once
	require.NoError(t, b.Register(Publish, 1, func(_ context.Context, job Job) error {
		if job.Delivery == 1 {
			panic("unexpected")
		}
		once.Do(func() { close(done) })
		return nil
	}))
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Enqueue(context.Background(), Job{Queue: Publish, TaskID: "task-2"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not redelivered after panic")
	}
}

func TestWorkerCountBoundsConcurrency(t *testing.T) {
	b := newTestBroker(t)
	var (
		running atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	require.NoError(t, b.Register(Transcode, 2, func(_ context.Context, _ Job) error {
		defer wg.Done()
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}))
	require.NoError(t, b.Start(context.Background()))

	wg.Add(6)
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Enqueue(context.Background(), Job{Queue: Transcode}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestEnqueueErrors(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Register(Retrieval, 1, func(context.Context, Job) error { return nil }))

	err := b.Enqueue(context.Background(), Job{Queue: "nope"})
	assert.True(t, errors.Is(err, ErrUnknownQueue))

	require.NoError(t, b.Start(context.Background()))
	assert.True(t, errors.Is(b.Start(context.Background()), ErrStarted))
	assert.True(t, errors.Is(b.Register(Cleanup, 1, nil), ErrStarted))

	require.NoError(t, b.Shutdown(context.Background()))
	assert.True(t, errors.Is(b.Enqueue(context.Background(), Job{Queue: Retrieval}), ErrClosed))
}
