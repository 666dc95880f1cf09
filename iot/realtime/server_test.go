package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotpioneers/iotdatahub-sub004/iot"
	"github.com/iotpioneers/iotdatahub-sub004/iot/cache"
	"github.com/iotpioneers/iotdatahub-sub004/iot/registry"
)

type received struct {
	Type       string          `json:"type"`
	DeviceID   string          `json:"deviceId"`
	Data       json.RawMessage `json:"data"`
	ClientID   string          `json:"clientId"`
	Stats      *registry.Stats `json:"stats"`
	CacheReady *bool           `json:"cacheReady"`
	CacheStats *CacheStats     `json:"cacheStats"`
	Error      string          `json:"error"`
	Timestamp  int64           `json:"timestamp"`
}

type fixture struct {
	server   *Server
	http     *httptest.Server
	registry *registry.Registry
	cache    *cache.Cache
}

func newFixture(t *testing.T, mutate func(bb *Builder)) *fixture {
	f := &fixture{registry: registry.New(), cache: cache.New()}
	bb := Builder{Registry: f.registry, Cache: f.cache}
	if mutate != nil {
		mutate(&bb)
	}
	f.server = NewServer(bb)
	f.http = httptest.NewServer(f.server.Handler())
	t.Cleanup(func() {
		f.server.Stop(context.Background())
		f.http.Close()
	})
	return f
}

func (f *fixture) url(path string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + path
}

func (f *fixture) connect(t *testing.T) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(f.url("/ws"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	frame := read(t, conn)
	require.Equal(t, TypeConnectionEstablished, frame.Type)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame received
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func write(t *testing.T, conn *websocket.Conn, frame string) {
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func subscribe(t *testing.T, conn *websocket.Conn, deviceID string) received {
	write(t, conn, `{"type":"SUBSCRIBE","deviceId":"`+deviceID+`"}`)
	frame := read(t, conn)
	require.Equal(t, TypeSubscriptionConfirmed, frame.Type)
	require.Equal(t, deviceID, frame.DeviceID)
	frame = read(t, conn)
	require.Equal(t, TypeCacheInitialized, frame.Type)
	return frame
}

// roundTrip sends a PING and waits for the PONG, so that every earlier
// control frame has been processed
func roundTrip(t *testing.T, conn *websocket.Conn) {
	write(t, conn, `{"type":"PING"}`)
	frame := read(t, conn)
	require.Equal(t, TypePong, frame.Type)
}

func TestConnectionEstablished(t *testing.T) {
	f := newFixture(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(f.url("/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := read(t, conn)
	assert.Equal(t, TypeConnectionEstablished, frame.Type)
	assert.NotEmpty(t, frame.ClientID)
	require.NotNil(t, frame.Stats)
	assert.InDelta(t, time.Now().UnixMilli(), frame.Timestamp, 5000)
	require.Eventually(t, func() bool { return f.server.Clients() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscribeReceivesSnapshotAndUpdates(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.Set("D1", "V1", cache.PinState{Value: "7", LastUpdated: time.UnixMilli(1000), SourceMessageID: 3})
	conn := f.connect(t)

	frame := subscribe(t, conn, "D1")
	require.NotNil(t, frame.CacheReady)
	assert.True(t, *frame.CacheReady)
	assert.Equal(t, 1, frame.CacheStats.Pins)
	assert.JSONEq(t, `{"V1":{"value":"7","lastUpdated":1000,"sourceMessageId":3}}`, string(frame.Data))

	ctx := context.Background()
	f.server.PublishPinUpdate(ctx, iot.PinUpdate{DeviceID: "D2", Pin: "V0", Value: "unrelated", Timestamp: time.Now()})
	f.server.PublishPinUpdate(ctx, iot.PinUpdate{DeviceID: "D1", Pin: "V0", Value: "42", MessageID: 9, Timestamp: time.UnixMilli(2000)})
	f.server.PublishHardwareData(ctx, iot.HardwareData{DeviceID: "D1", MessageID: 10, Payload: []byte("raw"), Timestamp: time.UnixMilli(3000)})
	f.server.PublishStatus(ctx, iot.StatusChange{DeviceID: "D1", Online: false, Timestamp: time.UnixMilli(4000)})

	frame = read(t, conn)
	assert.Equal(t, TypeDeviceUpdate, frame.Type)
	assert.Equal(t, "D1", frame.DeviceID)
	assert.JSONEq(t, `{"pin":"V0","value":"42","messageId":9}`, string(frame.Data))
	assert.Equal(t, int64(2000), frame.Timestamp)

	frame = read(t, conn)
	assert.Equal(t, TypeHardwareData, frame.Type)
	assert.JSONEq(t, `{"messageId":10,"payload":"raw"}`, string(frame.Data))

	frame = read(t, conn)
	assert.Equal(t, TypeDeviceStatus, frame.Type)
	assert.JSONEq(t, `{"status":"offline"}`, string(frame.Data))
}

func TestSubscribeToUnknownDevice(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect(t)
	frame := subscribe(t, conn, "nothing-cached")
	require.NotNil(t, frame.CacheReady)
	assert.False(t, *frame.CacheReady)
	assert.Equal(t, 0, frame.CacheStats.Pins)
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect(t)
	subscribe(t, conn, "D1")

	write(t, conn, `{"type":"UNSUBSCRIBE","deviceId":"D1"}`)
	write(t, conn, `{"type":"UNSUBSCRIBE","deviceId":"never-subscribed"}`)
	roundTrip(t, conn)
	assert.Empty(t, f.registry.SubscribersFor("D1"))

	f.server.PublishPinUpdate(context.Background(), iot.PinUpdate{DeviceID: "D1", Pin: "V0", Value: "1"})
	roundTrip(t, conn)
}

func TestControlFrames(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect(t)

	// not control frames, ignored
	write(t, conn, `not json`)
	write(t, conn, `{"type":"WIDGET_UPDATE","deviceId":"D1"}`)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	roundTrip(t, conn)

	write(t, conn, `{"type":"SUBSCRIBE"}`)
	frame := read(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.NotEmpty(t, frame.Error)

	write(t, conn, `{"type":"SUBSCRIBE","deviceId":""}`)
	frame = read(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Empty(t, f.registry.SubscribersFor(""))
}

func TestDisconnectRemovesSubscriptions(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect(t)
	subscribe(t, conn, "D1")
	subscribe(t, conn, "D2")
	assert.Equal(t, 1, f.registry.Stats().Subscribers)

	conn.Close()
	require.Eventually(t, func() bool {
		return f.registry.Stats().Subscribers == 0 && f.server.Clients() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

// stuck is a subscriber that never takes anything
type stuck struct {
	closed atomic.Bool
}

func (s *stuck) Deliver(payload []byte) error {
	return errors.New("blocked")
}

func (s *stuck) Close() error {
	s.closed.Store(true)
	return nil
}

func TestBlockedSubscriberIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect(t)
	subscribe(t, conn, "D1")
	blocked := &stuck{}
	f.registry.Subscribe("D1", blocked)

	f.server.PublishPinUpdate(context.Background(), iot.PinUpdate{DeviceID: "D1", Pin: "V0", Value: "1"})
	frame := read(t, conn)
	assert.Equal(t, TypeDeviceUpdate, frame.Type, "healthy subscribers still get the update")
	assert.True(t, blocked.closed.Load())
	assert.Len(t, f.registry.SubscribersFor("D1"), 1)
}

func TestClientQueueFull(t *testing.T) {
	s := NewServer(Builder{Registry: registry.New(), Cache: cache.New(), SendQueueSize: 1})
	c := &client{id: "c", server: s, send: make(chan []byte, 1), closed: make(chan struct{})}
	require.NoError(t, c.Deliver([]byte("1")))
	assert.ErrorIs(t, c.Deliver([]byte("2")), iot.ErrDelivery)
	c.Close()
	assert.ErrorIs(t, c.Deliver([]byte("3")), iot.ErrDelivery)
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t, func(bb *Builder) {
		bb.Stats = func() map[string]interface{} { return map[string]interface{}{"sessions": 3} }
	})
	f.cache.Set("D1", "V0", cache.PinState{Value: "1"})
	f.connect(t)

	res, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	res, err = http.Get(f.http.URL + "/stats")
	require.NoError(t, err)
	defer res.Body.Close()
	var stats Stats
	require.NoError(t, json.NewDecoder(res.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Clients)
	assert.Equal(t, 1, stats.CachedPins)
	assert.Equal(t, float64(3), stats.Extra["sessions"])
}

func TestJWTAuthentication(t *testing.T) {
	f := newFixture(t, func(bb *Builder) { bb.JWTSecret = "secret" })

	_, res, err := websocket.DefaultDialer.Dial(f.url("/ws"), nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	sign := func(secret string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
			Subject:   "dashboard",
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		})
		s, err := token.SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}

	_, res, err = websocket.DefaultDialer.Dial(f.url("/ws?token="+sign("wrong")), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer " + sign("secret")}}
	conn, _, err := websocket.DefaultDialer.Dial(f.url("/ws"), header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, TypeConnectionEstablished, read(t, conn).Type)

	conn2, _, err := websocket.DefaultDialer.Dial(f.url("/ws?token="+sign("secret")), nil)
	require.NoError(t, err)
	conn2.Close()
}

func TestOriginCheck(t *testing.T) {
	f := newFixture(t, func(bb *Builder) { bb.AllowedOrigins = []string{"https://dashboard.example"} })

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(f.url("/ws"), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	header = http.Header{"Origin": []string{"https://dashboard.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(f.url("/ws"), header)
	require.NoError(t, err)
	conn.Close()
}

func TestStopClosesClients(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect(t)
	require.NoError(t, f.server.Stop(context.Background()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, f.server.Clients())
}

func TestBinaryHardwareDataKeepsBytes(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.connect(t)
	subscribe(t, conn, "D1")

	payload := []byte{0xff, 0xfe, 0x00, 0x80}
	f.server.PublishHardwareData(context.Background(), iot.HardwareData{DeviceID: "D1", MessageID: 4, Payload: payload, Timestamp: time.Now()})

	frame := read(t, conn)
	require.Equal(t, TypeHardwareData, frame.Type)
	var data HardwareData
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.Equal(t, iot.PayloadEncodingBase64, data.Encoding)
	decoded, err := base64.StdEncoding.DecodeString(data.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestSubscriptionFramesPrecedeUpdates(t *testing.T) {
	f := newFixture(t, func(bb *Builder) { bb.SendQueueSize = 4096 })

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			f.server.PublishPinUpdate(context.Background(), iot.PinUpdate{DeviceID: "D1", Pin: "V0", Value: "x", MessageID: uint16(i), Timestamp: time.Now()})
			time.Sleep(50 * time.Microsecond)
		}
	}()
	defer func() {
		close(done)
		<-stopped
	}()

	for i := 0; i < 20; i++ {
		conn := f.connect(t)
		// subscribe requires SUBSCRIPTION_CONFIRMED and CACHE_INITIALIZED first
		subscribe(t, conn, "D1")
		assert.Equal(t, TypeDeviceUpdate, read(t, conn).Type)
		conn.Close()
	}
}
