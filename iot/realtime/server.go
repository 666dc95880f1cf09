/*Package realtime is the WebSocket broadcast server for dashboard clients

Clients connect to the WebSocket route and subscribe to devices with JSON
control frames:

	{"type":"SUBSCRIBE","deviceId":"D1"}
	{"type":"UNSUBSCRIBE","deviceId":"D1"}
	{"type":"PING"}

The server implements iot.Publisher. Every update is delivered to a snapshot
of the device's subscribers taken when the update is published. Delivery
never blocks: a client whose send queue is full is disconnected and must
reconnect and resubscribe.

Besides the WebSocket route, the server provides

	GET /health
	GET /stats
*/
package realtime

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/iotpioneers/iotdatahub-sub004/core/logger"
	"github.com/iotpioneers/iotdatahub-sub004/core/schema"
	"github.com/iotpioneers/iotdatahub-sub004/iot"
	"github.com/iotpioneers/iotdatahub-sub004/iot/cache"
	"github.com/iotpioneers/iotdatahub-sub004/iot/registry"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const controlSchemaID = "https://iotdatahub.io/schemas/realtime/control.json"

// Builder is a builder helper for the realtime server
type Builder struct {
	// Addr is the HTTP listen address, needed for Start
	Addr string
	// Path is the WebSocket route. Defaults to /ws.
	Path string
	// Registry holds the subscriptions. Mandatory.
	Registry *registry.Registry
	// Cache provides the snapshot sent on subscription. Mandatory.
	Cache *cache.Cache
	// JWTSecret, if set, requires an HS256 token on every upgrade
	JWTSecret string
	// AllowedOrigins for CORS and upgrades. Empty or "*" allows any origin.
	AllowedOrigins []string
	// SendQueueSize is the per client outbound queue depth. Defaults to 64.
	SendQueueSize int
	// WriteTimeout bounds every frame write. Defaults to 5s.
	WriteTimeout time.Duration
	// PongWait is the time a client may stay silent. Defaults to 60s,
	// pings are sent at 9/10 of it.
	PongWait time.Duration
	// Stats, if set, adds counters of other components to GET /stats
	Stats func() map[string]interface{}
}

// Stats are the counters reported by GET /stats
type Stats struct {
	Devices       int                    `json:"devices"`
	Subscribers   int                    `json:"subscribers"`
	Clients       int                    `json:"clients"`
	CachedDevices int                    `json:"cachedDevices"`
	CachedPins    int                    `json:"cachedPins"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// Server is the realtime broadcast server
type Server struct {
	addr          string
	registry      *registry.Registry
	cache         *cache.Cache
	jwtSecret     []byte
	sendQueueSize int
	writeTimeout  time.Duration
	pongWait      time.Duration
	pingPeriod    time.Duration
	extraStats    func() map[string]interface{}
	validator     *schema.Validator
	upgrader      websocket.Upgrader
	handler       http.Handler

	mu         sync.Mutex
	clients    map[*client]struct{}
	closing    bool
	wg         sync.WaitGroup
	httpServer *http.Server
	listener   net.Listener
	log        *logrus.Entry
}

var _ iot.Publisher = (*Server)(nil)

// NewServer creates a new realtime server
func NewServer(bb Builder) *Server {
	if bb.Registry == nil {
		panic("Registry is missing")
	}
	if bb.Cache == nil {
		panic("Cache is missing")
	}
	if len(bb.Path) == 0 {
		bb.Path = "/ws"
	}
	if bb.SendQueueSize <= 0 {
		bb.SendQueueSize = 64
	}
	if bb.WriteTimeout <= 0 {
		bb.WriteTimeout = 5 * time.Second
	}
	if bb.PongWait <= 0 {
		bb.PongWait = 60 * time.Second
	}
	validator, err := schema.NewValidatorFromFS(schemaFS, "schemas")
	if err != nil {
		panic(err)
	}

	s := &Server{
		addr:          bb.Addr,
		registry:      bb.Registry,
		cache:         bb.Cache,
		sendQueueSize: bb.SendQueueSize,
		writeTimeout:  bb.WriteTimeout,
		pongWait:      bb.PongWait,
		pingPeriod:    (bb.PongWait * 9) / 10,
		extraStats:    bb.Stats,
		validator:     validator,
		clients:       map[*client]struct{}{},
		log:           logger.Default().WithField("component", "realtime"),
	}
	if len(bb.JWTSecret) > 0 {
		s.jwtSecret = []byte(bb.JWTSecret)
	}

	origins := bb.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.HandleFunc(bb.Path, s.handleUpgrade).Methods(http.MethodGet)
	router.Handle("/health", handlers.CompressHandler(http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	router.Handle("/stats", handlers.CompressHandler(http.HandlerFunc(s.handleStats))).Methods(http.MethodGet)
	s.handler = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(router)
	return s
}

func originChecker(origins []string) func(r *http.Request) bool {
	for _, o := range origins {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Handler returns the HTTP handler serving the WebSocket route, /health and /stats
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves on the configured address in the background
func (s *Server) Start(ctx context.Context) error {
	if len(s.addr) == 0 {
		panic("Addr is missing")
	}
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()

	s.log.Infoln("serving dashboards on", listener.Addr())
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Errorln("http server failed")
		}
	}()
	return nil
}

// Addr returns the listen address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Stop stops the HTTP server and disconnects every client
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	httpServer := s.httpServer
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}
	for _, c := range clients {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Stats returns the server counters
func (s *Server) Stats() Stats {
	rs := s.registry.Stats()
	cs := s.cache.Stats()
	stats := Stats{
		Devices:       rs.Devices,
		Subscribers:   rs.Subscribers,
		Clients:       s.Clients(),
		CachedDevices: cs.Devices,
		CachedPins:    cs.Pins,
	}
	if s.extraStats != nil {
		stats.Extra = s.extraStats()
	}
	return stats
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	data, err := json.Marshal(s.Stats())
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot marshal stats")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// authorize checks the HS256 token of an upgrade request. The token is taken
// from the Authorization header or the token query parameter.
func (s *Server) authorize(r *http.Request) (string, error) {
	tokenString := ""
	bearer := r.Header.Get("Authorization")
	if len(bearer) >= 7 && strings.ToLower(bearer[:7]) == "bearer " {
		tokenString = bearer[7:]
	} else if len(bearer) > 0 {
		tokenString = bearer
	} else {
		tokenString = r.URL.Query().Get("token")
	}
	if len(tokenString) == 0 {
		return "", errors.New("missing token")
	}

	claims := jwt.StandardClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	if s.jwtSecret != nil {
		subject, err := s.authorize(r)
		if err != nil {
			rlog.WithError(err).Warnln("rejecting websocket upgrade")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		rlog = rlog.WithField("subject", subject)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has replied already
		rlog.WithError(err).Debugln("websocket upgrade failed")
		return
	}

	c := newClient(s, conn, rlog.WithField("remote", r.RemoteAddr))
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	stats := s.registry.Stats()
	c.enqueue(Frame{
		Type:      TypeConnectionEstablished,
		ClientID:  c.id,
		Stats:     &stats,
		Timestamp: millis(time.Now()),
	})
	c.log.Infoln("dashboard client connected")

	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// unregister forgets a client after its connection ended
func (s *Server) unregister(c *client) {
	s.registry.RemoveSubscriber(c)
	c.Close()
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.log.Infoln("dashboard client disconnected")
}

// PublishPinUpdate implements iot.Publisher
func (s *Server) PublishPinUpdate(ctx context.Context, update iot.PinUpdate) {
	s.broadcast(ctx, update.DeviceID, Frame{
		Type:     TypeDeviceUpdate,
		DeviceID: update.DeviceID,
		Data: PinData{
			Pin:       update.Pin,
			Value:     update.Value,
			MessageID: update.MessageID,
		},
		Timestamp: millis(update.Timestamp),
	})
}

// PublishHardwareData implements iot.Publisher
func (s *Server) PublishHardwareData(ctx context.Context, data iot.HardwareData) {
	payload, encoding := iot.EncodePayload(data.Payload)
	s.broadcast(ctx, data.DeviceID, Frame{
		Type:     TypeHardwareData,
		DeviceID: data.DeviceID,
		Data: HardwareData{
			MessageID: data.MessageID,
			Payload:   payload,
			Encoding:  encoding,
		},
		Timestamp: millis(data.Timestamp),
	})
}

// PublishStatus implements iot.Publisher
func (s *Server) PublishStatus(ctx context.Context, status iot.StatusChange) {
	s.broadcast(ctx, status.DeviceID, Frame{
		Type:      TypeDeviceStatus,
		DeviceID:  status.DeviceID,
		Data:      StatusData{Status: status.StatusString()},
		Timestamp: millis(status.Timestamp),
	})
}

// broadcast delivers a frame to the current subscribers of deviceID. A
// subscriber that cannot take the frame is removed and closed.
func (s *Server) broadcast(ctx context.Context, deviceID string, frame Frame) {
	subscribers := s.registry.SubscribersFor(deviceID)
	if len(subscribers) == 0 {
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("cannot marshal %s frame", frame.Type)
		return
	}
	for _, sub := range subscribers {
		if err := sub.Deliver(payload); err != nil {
			logger.FromContext(ctx).WithError(err).Warnln("dropping subscriber")
			s.registry.RemoveSubscriber(sub)
			sub.Close()
		}
	}
}
