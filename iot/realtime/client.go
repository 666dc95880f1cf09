package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/iotpioneers/iotdatahub-sub004/iot"
)

// maximum size of an inbound control frame
const maxMessageSize = 4096

// client is a dashboard WebSocket connection. Frames are queued on send and
// written by writePump; a full queue closes the client.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	log    *logrus.Entry

	// mu orders frames on send, a subscription's confirmation and snapshot
	// are queued before any broadcast for that device
	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(server *Server, conn *websocket.Conn, log *logrus.Entry) *client {
	id := uuid.New().String()
	return &client{
		id:     id,
		server: server,
		conn:   conn,
		send:   make(chan []byte, server.sendQueueSize),
		log:    log.WithField("client", id),
		closed: make(chan struct{}),
	}
}

// Deliver implements registry.Subscriber. It never waits for the connection.
func (c *client) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliverLocked(payload)
}

func (c *client) deliverLocked(payload []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: client %s closed", iot.ErrDelivery, c.id)
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("%w: send queue of client %s full", iot.ErrDelivery, c.id)
	}
}

// Close implements registry.Subscriber. The connection itself is closed by
// writePump.
func (c *client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *client) enqueue(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.log.WithError(err).Errorf("cannot marshal %s frame", frame.Type)
		return
	}
	if err := c.Deliver(payload); err != nil {
		c.log.WithError(err).Warnln("dropping client")
		c.Close()
	}
}

// readPump reads control frames until the connection fails
func (c *client) readPump() {
	defer c.server.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warnln("read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.server.pongWait))
		c.handleControl(data)
	}
}

// handleControl acts on SUBSCRIBE, UNSUBSCRIBE and PING. Everything else is
// ignored.
func (c *client) handleControl(data []byte) {
	var msg control
	if err := json.Unmarshal(data, &msg); err != nil || !isControl(msg.Type) {
		c.log.Debugf("ignoring frame %.64q", data)
		return
	}
	if err := c.server.validator.ValidateBytes(controlSchemaID, data); err != nil {
		c.enqueue(Frame{Type: TypeError, Error: err.Error(), Timestamp: millis(time.Now())})
		return
	}

	now := time.Now()
	switch msg.Type {
	case controlSubscribe:
		c.subscribe(msg.DeviceID, now)
	case controlUnsubscribe:
		c.server.registry.Unsubscribe(msg.DeviceID, c)
		c.log.Debugf("unsubscribed from device %s", msg.DeviceID)
	case controlPing:
		c.enqueue(Frame{Type: TypePong, Timestamp: millis(now)})
	}
}

// subscribe registers the client for deviceID and queues SUBSCRIPTION_CONFIRMED
// and CACHE_INITIALIZED. Broadcasts racing with it wait on mu, so they follow
// the snapshot.
func (c *client) subscribe(deviceID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.server.registry.Subscribe(deviceID, c)
	c.log.Debugf("subscribed to device %s", deviceID)
	pins, ok := c.server.cache.Snapshot(deviceID)
	snapshot := snapshotOf(pins)
	frames := []Frame{
		{Type: TypeSubscriptionConfirmed, DeviceID: deviceID, Timestamp: millis(now)},
		{
			Type:       TypeCacheInitialized,
			DeviceID:   deviceID,
			Data:       snapshot,
			CacheReady: &ok,
			CacheStats: &CacheStats{Pins: len(snapshot)},
			Timestamp:  millis(now),
		},
	}
	for _, frame := range frames {
		payload, err := json.Marshal(frame)
		if err != nil {
			c.log.WithError(err).Errorf("cannot marshal %s frame", frame.Type)
			return
		}
		if err := c.deliverLocked(payload); err != nil {
			c.log.WithError(err).Warnln("dropping client")
			c.Close()
			return
		}
	}
}

// writePump writes queued frames and keepalive pings. It owns closing the
// connection.
func (c *client) writePump() {
	ticker := time.NewTicker(c.server.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.WithError(fmt.Errorf("%w: %v", iot.ErrDelivery, err)).Warnln("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.server.writeTimeout))
			return
		}
	}
}
