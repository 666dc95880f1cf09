package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotpioneers/iotdatahub-sub004/core/logger"
	"github.com/iotpioneers/iotdatahub-sub004/iot"
)

// flakyGateway fails the first failures calls of StorePinValues
type flakyGateway struct {
	*Memory
	failures atomic.Int32
	calls    atomic.Int32
	block    chan struct{}
	panics   bool
}

func (f *flakyGateway) StorePinValues(ctx context.Context, deviceID string, pins []Pin) error {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.panics {
		panic("boom")
	}
	if f.failures.Add(-1) >= 0 {
		return errors.New("database unavailable")
	}
	return f.Memory.StorePinValues(ctx, deviceID, pins)
}

func newFlaky(t *testing.T) *flakyGateway {
	m := NewMemory()
	require.NoError(t, m.AddDevice("D1", "", "t1"))
	return &flakyGateway{Memory: m}
}

func TestWriterRetries(t *testing.T) {
	g := newFlaky(t)
	g.failures.Store(2)
	w := NewWriter(WriterBuilder{Gateway: g, MaxRetries: 3, InitialInterval: time.Millisecond})
	w.Start()

	assert.True(t, w.StorePinValues(context.Background(), "D1", []Pin{{Name: "V0", Value: "42"}}))
	require.NoError(t, w.Stop(context.Background()))

	assert.Equal(t, int32(3), g.calls.Load())
	pins, err := g.GetVirtualPins(context.Background(), "D1")
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, "42", pins[0].Value)
	assert.Equal(t, int64(1), w.Stats().Done)
}

func TestWriterGivesUp(t *testing.T) {
	g := newFlaky(t)
	g.failures.Store(100)
	w := NewWriter(WriterBuilder{Gateway: g, MaxRetries: 2, InitialInterval: time.Millisecond})
	w.Start()

	w.StorePinValues(context.Background(), "D1", nil)
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, int32(3), g.calls.Load(), "one attempt plus two retries")
	assert.Equal(t, int64(1), w.Stats().Failed)
}

func TestWriterNotFoundIsPermanent(t *testing.T) {
	g := newFlaky(t)
	w := NewWriter(WriterBuilder{Gateway: g, MaxRetries: 5, InitialInterval: time.Millisecond})
	w.Start()

	w.UpdateDeviceStatus(context.Background(), "unknown", StatusOnline, time.Now())
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, int64(1), w.Stats().Failed)
}

func TestWriterRecoversPanics(t *testing.T) {
	g := newFlaky(t)
	g.panics = true
	w := NewWriter(WriterBuilder{Gateway: g, Workers: 1, InitialInterval: time.Millisecond})
	w.Start()

	w.StorePinValues(context.Background(), "D1", nil)
	w.RecordDeviceEvent(context.Background(), "D1", []byte("x"), SeverityInfo, time.Time{})
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, int64(1), w.Stats().Failed)
	assert.Equal(t, int64(1), w.Stats().Done, "the worker survives the panic")
	assert.Len(t, g.Events("D1"), 1)
}

func TestWriterDropsWhenFull(t *testing.T) {
	g := newFlaky(t)
	g.block = make(chan struct{})
	w := NewWriter(WriterBuilder{Gateway: g, Workers: 1, QueueSize: 1})
	w.Start()

	ctx := context.Background()
	require.True(t, w.StorePinValues(ctx, "D1", nil))
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.True(t, w.StorePinValues(ctx, "D1", nil), "fills the queue")
	assert.False(t, w.StorePinValues(ctx, "D1", nil), "never blocks")
	assert.Equal(t, int64(1), w.Stats().Dropped)

	close(g.block)
	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.StorePinValues(ctx, "D1", nil), "stopped writer drops")
}

func TestWriterStopDeadline(t *testing.T) {
	g := newFlaky(t)
	g.block = make(chan struct{})
	w := NewWriter(WriterBuilder{Gateway: g, Workers: 1})
	w.Start()
	w.StorePinValues(context.Background(), "D1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), w.Stats().Failed)
}

func TestWriterConcurrentEnqueue(t *testing.T) {
	g := newFlaky(t)
	w := NewWriter(WriterBuilder{Gateway: g, QueueSize: 1000})
	w.Start()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.RecordDeviceEvent(context.Background(), "D1", []byte("{}"), SeverityInfo, time.Time{})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Stop(context.Background()))
	assert.Len(t, g.Events("D1"), 500)
}

func TestWriterWrapsPersistenceError(t *testing.T) {
	g := newFlaky(t)
	g.failures.Store(1)
	w := NewWriter(WriterBuilder{Gateway: g})
	err := w.process(task{name: "store pins", deviceID: "D1", log: logger.Default(), run: func(ctx context.Context) error {
		return g.StorePinValues(ctx, "D1", nil)
	}})
	assert.ErrorIs(t, err, iot.ErrPersistence)
}

func TestWriterKeepsEventReceiveTime(t *testing.T) {
	g := newFlaky(t)
	w := NewWriter(WriterBuilder{Gateway: g, Workers: 4, InitialInterval: time.Millisecond})
	w.Start()

	base := time.UnixMilli(1_600_000_000_000)
	for i := 0; i < 20; i++ {
		require.True(t, w.RecordDeviceEvent(context.Background(), "D1", []byte{byte(i)}, SeverityInfo, base.Add(time.Duration(i)*time.Millisecond)))
	}
	require.NoError(t, w.Stop(context.Background()))

	events := g.Events("D1")
	require.Len(t, events, 20)
	for _, e := range events {
		i := int(e.Payload[0])
		assert.True(t, e.CreatedAt.Equal(base.Add(time.Duration(i)*time.Millisecond)), "event %d", i)
	}
}

func TestWriterOutOfOrderPinFlushes(t *testing.T) {
	g := newFlaky(t)
	g.failures.Store(1)
	w := NewWriter(WriterBuilder{Gateway: g, Workers: 2, MaxRetries: 3, InitialInterval: 20 * time.Millisecond})
	w.Start()

	now := time.Now()
	// the older flush fails once and its retry lands after the newer one
	require.True(t, w.StorePinValues(context.Background(), "D1", []Pin{{Name: "V0", Value: "old", UpdatedAt: now.Add(-time.Second)}}))
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.True(t, w.StorePinValues(context.Background(), "D1", []Pin{{Name: "V0", Value: "new", UpdatedAt: now}}))
	require.Eventually(t, func() bool { return g.calls.Load() == 3 }, time.Second, time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))

	pins, err := g.GetVirtualPins(context.Background(), "D1")
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, "new", pins[0].Value)
}
