/*Package ingest is the ingestion server for devices speaking the binary wire protocol

The server accepts TCP connections and runs one Session per connection. A
session authenticates its device with a HELLO frame, after which DATA frames
update the state cache, are queued for persistence and are handed to the
publisher, all in arrival order.

Usage:

	srv := ingest.NewServer(ingest.Builder{
		Addr:      ":8442",
		Gateway:   gw,
		Writer:    writer,
		Registry:  reg,
		Cache:     c,
		Publisher: iot.Publishers{realtimeServer},
	})
	if err := srv.Start(ctx); err != nil {
		...
	}
	defer srv.Stop(ctx)
*/
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iotpioneers/iotdatahub-sub004/core/logger"
	"github.com/iotpioneers/iotdatahub-sub004/iot"
	"github.com/iotpioneers/iotdatahub-sub004/iot/cache"
	"github.com/iotpioneers/iotdatahub-sub004/iot/gateway"
	"github.com/iotpioneers/iotdatahub-sub004/iot/registry"
	"github.com/iotpioneers/iotdatahub-sub004/iot/wire"
)

// Builder is a builder helper for the ingestion server
type Builder struct {
	// Addr is the TCP listen address. Mandatory.
	Addr string
	// Gateway authenticates devices and provides persisted pins. Mandatory.
	Gateway gateway.Gateway
	// Writer performs all persistence writes. Mandatory.
	Writer *gateway.Writer
	// Registry tracks the active session per device. Mandatory.
	Registry *registry.Registry
	// Cache is the state cache. Mandatory.
	Cache *cache.Cache
	// Publisher receives pin updates, hardware data and status changes.
	Publisher iot.Publisher

	// IdleTimeout closes sessions without a decoded frame for this long. Defaults to 60s.
	IdleTimeout time.Duration
	// AuthTimeout bounds the credential lookup. Defaults to 5s.
	AuthTimeout time.Duration
	// WriteTimeout bounds every frame written to a device. Defaults to 5s.
	WriteTimeout time.Duration
	// FlushInterval is the period of the state cache flush. Defaults to 10s.
	FlushInterval time.Duration
	// MaxBodyLength is the largest accepted frame body. Defaults to 65535.
	MaxBodyLength int
	// RateLimit is the number of DATA frames per second a session may send. 0 disables.
	RateLimit float64
	// RateBurst is the burst allowed on top of RateLimit
	RateBurst int
}

// Server is the ingestion server
type Server struct {
	addr          string
	gateway       gateway.Gateway
	writer        *gateway.Writer
	registry      *registry.Registry
	cache         *cache.Cache
	publisher     iot.Publisher
	idleTimeout   time.Duration
	authTimeout   time.Duration
	writeTimeout  time.Duration
	flushInterval time.Duration
	maxBodyLength int
	rateLimit     float64
	rateBurst     int

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
	stopped  chan struct{}
	log      *logrus.Entry
}

// NewServer creates a new ingestion server
func NewServer(bb Builder) *Server {
	if len(bb.Addr) == 0 {
		panic("Addr is missing")
	}
	if bb.Gateway == nil {
		panic("Gateway is missing")
	}
	if bb.Writer == nil {
		panic("Writer is missing")
	}
	if bb.Registry == nil {
		panic("Registry is missing")
	}
	if bb.Cache == nil {
		panic("Cache is missing")
	}
	if bb.Publisher == nil {
		bb.Publisher = iot.Publishers{}
	}
	if bb.IdleTimeout <= 0 {
		bb.IdleTimeout = 60 * time.Second
	}
	if bb.AuthTimeout <= 0 {
		bb.AuthTimeout = 5 * time.Second
	}
	if bb.WriteTimeout <= 0 {
		bb.WriteTimeout = 5 * time.Second
	}
	if bb.FlushInterval <= 0 {
		bb.FlushInterval = 10 * time.Second
	}
	if bb.RateLimit > 0 && bb.RateBurst <= 0 {
		bb.RateBurst = 1
	}
	return &Server{
		addr:          bb.Addr,
		gateway:       bb.Gateway,
		writer:        bb.Writer,
		registry:      bb.Registry,
		cache:         bb.Cache,
		publisher:     bb.Publisher,
		idleTimeout:   bb.IdleTimeout,
		authTimeout:   bb.AuthTimeout,
		writeTimeout:  bb.WriteTimeout,
		flushInterval: bb.FlushInterval,
		maxBodyLength: bb.MaxBodyLength,
		rateLimit:     bb.RateLimit,
		rateBurst:     bb.RateBurst,
		sessions:      map[*Session]struct{}{},
		stopped:       make(chan struct{}),
		log:           logger.Default().WithField("component", "ingest"),
	}
}

// Start listens on the configured address and accepts devices in the
// background. It must only be called once.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		panic("ingestion server already started")
	}
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.log.Infoln("accepting devices on", listener.Addr())

	s.wg.Add(2)
	go s.acceptLoop(listener)
	go s.flushLoop()
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

// Sessions returns the number of open sessions, authenticated or not
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop closes the listener, terminates every session with a shutdown
// notice and flushes the state cache a last time. It waits for the sessions
// until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closing || s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.listener.Close()
	sessions := make([]*Session, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()
	close(s.stopped)

	for _, session := range sessions {
		session.closeWith(wire.ReasonShutdown, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.flush(ctx)
	s.log.Infoln("ingestion server stopped")
	return err
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// back off on transient accept errors like running out of file descriptors
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.log.WithError(err).Warnf("accept failed, retrying in %s", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		session := newSession(s, conn)
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[session] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			session.serve()
			s.forget(session)
		}()
	}
}

func (s *Server) forget(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session)
}

func (s *Server) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush(context.Background())
		case <-s.stopped:
			return
		}
	}
}

// flush hands every pin changed since the last flush to the writer
func (s *Server) flush(ctx context.Context) {
	dirty := s.cache.TakeDirty()
	if len(dirty) == 0 {
		return
	}
	count := 0
	for deviceID, changes := range dirty {
		pins := make([]gateway.Pin, 0, len(changes))
		for _, change := range changes {
			pins = append(pins, gateway.Pin{
				Name:      change.Pin,
				Value:     change.State.Value,
				UpdatedAt: change.State.LastUpdated,
			})
		}
		count += len(pins)
		s.writer.StorePinValues(ctx, deviceID, pins)
	}
	s.log.Debugf("flushed %d pins of %d devices", count, len(dirty))
}
