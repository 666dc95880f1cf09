package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotpioneers/iotdatahub-sub004/iot"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	fail     bool
	closed   bool
	block    chan struct{}
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker unavailable")
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) Messages() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.messages...)
}

func TestProducerKeepsDeviceOrder(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducer(Builder{Topic: "updates", writer: w})
	p.Start()

	ctx := context.Background()
	ts := time.UnixMilli(1700000000000)
	p.PublishStatus(ctx, iot.StatusChange{DeviceID: "D1", Online: true, Timestamp: ts})
	for _, v := range []string{"1", "2", "3"} {
		p.PublishPinUpdate(ctx, iot.PinUpdate{DeviceID: "D1", Pin: "V0", Value: v, Timestamp: ts})
	}
	p.PublishHardwareData(ctx, iot.HardwareData{DeviceID: "D2", MessageID: 4, Payload: []byte("raw"), Timestamp: ts})
	require.NoError(t, p.Stop(ctx))
	assert.True(t, w.closed)

	messages := w.Messages()
	require.Len(t, messages, 5)
	var values []string
	for _, m := range messages[:4] {
		assert.Equal(t, "D1", string(m.Key))
		var e Event
		require.NoError(t, json.Unmarshal(m.Value, &e))
		values = append(values, e.Type+":"+e.Value)
	}
	assert.Equal(t, []string{"DEVICE_STATUS:", "DEVICE_UPDATE:1", "DEVICE_UPDATE:2", "DEVICE_UPDATE:3"}, values)
	assert.Equal(t, []kafka.Header{{Key: "type", Value: []byte("HARDWARE_DATA")}}, messages[4].Headers)

	var e Event
	require.NoError(t, json.Unmarshal(messages[4].Value, &e))
	assert.Equal(t, Event{Type: TypeHardwareData, DeviceID: "D2", MessageID: 4, Payload: []byte("raw"), Timestamp: 1700000000000}, e)
}

func TestProducerDropsWhenFull(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	p := NewProducer(Builder{Topic: "updates", QueueSize: 2, writer: w})
	p.Start()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			p.PublishStatus(context.Background(), iot.StatusChange{DeviceID: "D1", Timestamp: time.Now()})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publishing blocked")
	}
	assert.Greater(t, p.Dropped(), int64(0))
	close(w.block)
	require.NoError(t, p.Stop(context.Background()))
}

func TestProducerWriteFailure(t *testing.T) {
	w := &fakeWriter{fail: true}
	p := NewProducer(Builder{Topic: "updates", writer: w})
	p.Start()
	p.PublishStatus(context.Background(), iot.StatusChange{DeviceID: "D1", Timestamp: time.Now()})
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int64(1), p.failed.Load())
}

func TestNewProducerPanics(t *testing.T) {
	assert.Panics(t, func() { NewProducer(Builder{Topic: "t"}) })
	assert.Panics(t, func() { NewProducer(Builder{Brokers: []string{"localhost:9092"}}) })
	assert.NotPanics(t, func() { NewProducer(Builder{Brokers: []string{"localhost:9092"}, Topic: "t"}) })
}
