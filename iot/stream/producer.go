/*Package stream publishes device updates to a Kafka topic

Every update becomes one message keyed by device id. The writer hashes keys
onto partitions, so the updates of one device stay in order for consumers.
The message value is a JSON Event, the header "type" carries the event type.
*/
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/iotpioneers/iotdatahub-sub004/core/logger"
	"github.com/iotpioneers/iotdatahub-sub004/iot"
)

// the event types
const (
	TypeDeviceUpdate = "DEVICE_UPDATE"
	TypeHardwareData = "HARDWARE_DATA"
	TypeDeviceStatus = "DEVICE_STATUS"
)

// maximum number of messages handed to the writer at once
const maxBatch = 100

// Event is the value of a Kafka message
type Event struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	Pin       string `json:"pin,omitempty"`
	Value     string `json:"value,omitempty"`
	MessageID uint16 `json:"messageId,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Builder is a builder helper for the Producer
type Builder struct {
	// Brokers are the Kafka bootstrap brokers. Mandatory.
	Brokers []string
	// Topic is the destination topic. Mandatory.
	Topic string
	// QueueSize is the number of events waiting for the writer. Defaults to 1024.
	QueueSize int
	// BatchTimeout is the writer's batch timeout. Defaults to 50ms.
	BatchTimeout time.Duration

	// writer replaces the Kafka writer in tests
	writer messageWriter
}

// Producer streams device updates to Kafka. It implements iot.Publisher and
// never blocks the caller: when the queue is full the event is dropped.
type Producer struct {
	writer  messageWriter
	topic   string
	queue   chan kafka.Message
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Int64
	failed  atomic.Int64
	log     *logrus.Entry
}

var _ iot.Publisher = (*Producer)(nil)

// NewProducer creates a new producer. Call Start to begin writing.
func NewProducer(bb Builder) *Producer {
	if bb.writer == nil && len(bb.Brokers) == 0 {
		panic("Brokers are missing")
	}
	if len(bb.Topic) == 0 {
		panic("Topic is missing")
	}
	if bb.QueueSize <= 0 {
		bb.QueueSize = 1024
	}
	if bb.BatchTimeout <= 0 {
		bb.BatchTimeout = 50 * time.Millisecond
	}
	p := &Producer{
		topic: bb.Topic,
		queue: make(chan kafka.Message, bb.QueueSize),
		done:  make(chan struct{}),
		log:   logger.Default().WithFields(logrus.Fields{"component": "stream", "topic": bb.Topic}),
	}
	p.writer = bb.writer
	if p.writer == nil {
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(bb.Brokers...),
			Topic:        bb.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: bb.BatchTimeout,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					p.failed.Add(int64(len(messages)))
					p.log.WithError(err).Errorf("cannot write %d messages", len(messages))
				}
			},
		}
	}
	return p
}

// Start launches the writer loop
func (p *Producer) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop writes the queued events and closes the writer
func (p *Producer) Stop(ctx context.Context) error {
	p.once.Do(func() { close(p.done) })
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.writer.Close()
}

// Dropped returns the number of events dropped because the queue was full
func (p *Producer) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Producer) run() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.write(p.batch(msg))
		case <-p.done:
			// drain what is left
			for {
				select {
				case msg := <-p.queue:
					p.write(p.batch(msg))
				default:
					return
				}
			}
		}
	}
}

// batch collects msg and whatever else is queued right now
func (p *Producer) batch(msg kafka.Message) []kafka.Message {
	batch := []kafka.Message{msg}
	for len(batch) < maxBatch {
		select {
		case next := <-p.queue:
			batch = append(batch, next)
		default:
			return batch
		}
	}
	return batch
}

func (p *Producer) write(batch []kafka.Message) {
	if err := p.writer.WriteMessages(context.Background(), batch...); err != nil {
		p.failed.Add(int64(len(batch)))
		p.log.WithError(fmt.Errorf("%w: %v", iot.ErrDelivery, err)).Errorf("cannot write %d messages", len(batch))
	}
}

func (p *Producer) enqueue(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot marshal stream event")
		return
	}
	msg := kafka.Message{
		Key:     []byte(event.DeviceID),
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(event.Type)}},
	}
	select {
	case p.queue <- msg:
	default:
		if p.dropped.Add(1)%1000 == 1 {
			logger.FromContext(ctx).Warnln("stream queue full, dropping events")
		}
	}
}

// PublishPinUpdate implements iot.Publisher
func (p *Producer) PublishPinUpdate(ctx context.Context, update iot.PinUpdate) {
	p.enqueue(ctx, Event{
		Type:      TypeDeviceUpdate,
		DeviceID:  update.DeviceID,
		Pin:       update.Pin,
		Value:     update.Value,
		MessageID: update.MessageID,
		Timestamp: update.Timestamp.UnixMilli(),
	})
}

// PublishHardwareData implements iot.Publisher
func (p *Producer) PublishHardwareData(ctx context.Context, data iot.HardwareData) {
	p.enqueue(ctx, Event{
		Type:      TypeHardwareData,
		DeviceID:  data.DeviceID,
		MessageID: data.MessageID,
		Payload:   data.Payload,
		Timestamp: data.Timestamp.UnixMilli(),
	})
}

// PublishStatus implements iot.Publisher
func (p *Producer) PublishStatus(ctx context.Context, status iot.StatusChange) {
	p.enqueue(ctx, Event{
		Type:      TypeDeviceStatus,
		DeviceID:  status.DeviceID,
		Status:    status.StatusString(),
		Timestamp: status.Timestamp.UnixMilli(),
	})
}
