package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/iotpioneers/iotdatahub-sub004/core/logger"
	"github.com/iotpioneers/iotdatahub-sub004/iot"
	"github.com/iotpioneers/iotdatahub-sub004/iot/cache"
	"github.com/iotpioneers/iotdatahub-sub004/iot/gateway"
	"github.com/iotpioneers/iotdatahub-sub004/iot/wire"
)

// State is the connection state of a device session
type State int32

// the session states
const (
	StateConnected State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// handlerFunc handles one decoded frame. A returned error closes the session.
type handlerFunc func(s *Session, msg wire.Message) error

// handlers is the opcode dispatch table. Opcodes without an entry are
// acknowledged and otherwise ignored.
var handlers = map[wire.Opcode]handlerFunc{
	wire.OpHello: (*Session).handleHello,
	wire.OpData:  (*Session).handleData,
	wire.OpPing:  (*Session).handlePing,
	wire.OpPong:  (*Session).handleNothing,
	wire.OpAck:   (*Session).handleNothing,
	wire.OpError: (*Session).handleDeviceError,
}

// Session is a single device connection. All frames of a session are
// processed on one goroutine, in arrival order.
type Session struct {
	id      string
	server  *Server
	conn    net.Conn
	decoder *wire.Decoder
	limiter *rate.Limiter

	state        atomic.Int32
	lastActivity atomic.Int64
	deviceID     string

	// ctx carries the session logger; log is updated once the device is known
	ctx     context.Context
	log     *logrus.Entry
	baseLog *logrus.Entry

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(server *Server, conn net.Conn) *Session {
	s := &Session{
		id:      uuid.New().String(),
		server:  server,
		conn:    conn,
		decoder: wire.NewDecoder(server.maxBodyLength),
	}
	if server.rateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(server.rateLimit), server.rateBurst)
	}
	s.ctx, s.log = logger.ContextWithFields(context.Background(), logrus.Fields{
		"session": s.id,
		"remote":  conn.RemoteAddr().String(),
	})
	s.baseLog = s.log
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// State returns the current connection state
func (s *Session) State() State {
	return State(s.state.Load())
}

// LastActivity returns the receipt time of the last decoded frame, or the
// accept time if there was none
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Close terminates a session displaced by a newer connection of the same
// device. The device receives an ERROR frame before the socket closes.
func (s *Session) Close() error {
	s.closeWith(wire.ReasonSuperseded, "superseded by a newer connection")
	return nil
}

// closeWith closes the session once. A non-zero reason is sent to the device
// as a best-effort ERROR frame first.
func (s *Session) closeWith(reason uint8, text string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		if reason != 0 {
			if err := s.send(wire.ErrorMessage(0, reason, text)); err != nil {
				s.baseLog.WithError(err).Debugln("cannot send error frame")
			}
		}
		s.conn.Close()
	})
}

// serve is the read loop of the session. It returns when the session is closed.
func (s *Session) serve() {
	s.log.Infoln("device connected")
	defer s.finish()

	buf := make([]byte, 4096)
	for {
		s.conn.SetReadDeadline(s.LastActivity().Add(s.server.idleTimeout))
		n, readErr := s.conn.Read(buf)
		if n > 0 {
			s.decoder.Feed(buf[:n])
			if err := s.drain(); err != nil {
				s.logClose(err)
				return
			}
		}
		if readErr != nil {
			s.logClose(s.classifyReadError(readErr))
			return
		}
	}
}

// drain dispatches every complete frame in the receive buffer
func (s *Session) drain() error {
	for s.State() != StateClosed {
		msg, err := s.decoder.Next()
		if errors.Is(err, wire.ErrIncomplete) {
			return nil
		}
		if err != nil {
			s.closeWith(wire.ReasonProtocolViolation, "malformed frame")
			return fmt.Errorf("%w: %v", iot.ErrProtocol, err)
		}
		s.lastActivity.Store(msg.Timestamp.UnixNano())
		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) dispatch(msg wire.Message) error {
	handler, ok := handlers[msg.Type]
	if !ok {
		s.log.Debugf("ignoring unknown opcode %s", msg)
		return s.reply(wire.OpAck, msg.ID)
	}
	return handler(s, msg)
}

func (s *Session) classifyReadError(err error) error {
	var netErr net.Error
	switch {
	case s.State() == StateClosed || errors.Is(err, net.ErrClosed):
		return nil
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: no frame within %s", iot.ErrTimeout, s.server.idleTimeout)
	case errors.Is(err, io.EOF):
		return nil
	}
	return err
}

func (s *Session) logClose(err error) {
	switch {
	case err == nil:
		s.log.Infoln("device disconnected")
	case errors.Is(err, iot.ErrTimeout):
		s.log.WithError(err).Warnln("device idle, presumed offline")
	case errors.Is(err, iot.ErrAuthentication), errors.Is(err, iot.ErrProtocol):
		s.log.WithError(err).Warnln("closing device session")
	default:
		s.log.WithError(err).Errorln("device connection failed")
	}
}

// finish runs on the session goroutine after the read loop ended
func (s *Session) finish() {
	s.closeWith(0, "")
	if s.deviceID == "" {
		return
	}
	if s.server.registry.UnregisterDevice(s.deviceID, s) {
		s.server.publisher.PublishStatus(s.ctx, iot.StatusChange{
			DeviceID:  s.deviceID,
			Online:    false,
			Timestamp: time.Now(),
		})
	}
}

func (s *Session) send(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.server.writeTimeout))
	_, err = s.conn.Write(data)
	return err
}

// reply sends an empty frame. A failed write closes the session.
func (s *Session) reply(op wire.Opcode, id uint16) error {
	if err := s.send(wire.Message{Type: op, ID: id}); err != nil {
		s.closeWith(0, "")
		return err
	}
	return nil
}

func (s *Session) requireAuthenticated(msg wire.Message) error {
	if s.State() == StateAuthenticated {
		return nil
	}
	s.closeWith(wire.ReasonNotAuthenticated, "authenticate with HELLO first")
	return fmt.Errorf("%w: %s before authentication", iot.ErrProtocol, msg.Type)
}

func (s *Session) handleHello(msg wire.Message) error {
	if s.State() == StateAuthenticated {
		s.log.Debugln("ignoring HELLO on authenticated session")
		return nil
	}
	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateAuthenticating)) {
		return nil
	}
	token := strings.TrimSpace(string(msg.Body))

	ctx, cancel := context.WithTimeout(s.ctx, s.server.authTimeout)
	defer cancel()
	device, err := s.server.gateway.FindDeviceByCredential(ctx, token)
	if err != nil {
		s.closeWith(wire.ReasonAuthenticationFailed, "authentication failed")
		if errors.Is(err, gateway.ErrNotFound) {
			return fmt.Errorf("%w: unknown credential", iot.ErrAuthentication)
		}
		return fmt.Errorf("%w: credential check failed: %v", iot.ErrAuthentication, err)
	}

	s.deviceID = device.ID
	s.ctx, s.log = logger.ContextWithFields(s.ctx, logrus.Fields{"device": device.ID})

	pins, err := s.server.gateway.GetVirtualPins(ctx, device.ID)
	if err != nil {
		s.log.WithError(fmt.Errorf("%w: %v", iot.ErrPersistence, err)).Warnln("cannot load persisted pins")
	} else if len(pins) > 0 {
		seed := make(map[string]cache.PinState, len(pins))
		for _, pin := range pins {
			seed[pin.Name] = cache.PinState{Value: pin.Value, LastUpdated: pin.UpdatedAt}
		}
		s.server.cache.Seed(device.ID, seed)
	}

	if !s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateAuthenticated)) {
		// closed by a shutdown while the credential was checked
		return nil
	}
	if displaced := s.server.registry.RegisterDevice(device.ID, s); displaced != nil {
		s.log.Infoln("displaced previous session of device")
	}
	now := time.Now()
	s.server.writer.UpdateDeviceStatus(s.ctx, device.ID, gateway.StatusOnline, now)
	s.log.Infoln("device authenticated")
	if err := s.reply(wire.OpAck, msg.ID); err != nil {
		return err
	}
	s.server.publisher.PublishStatus(s.ctx, iot.StatusChange{DeviceID: device.ID, Online: true, Timestamp: now})
	return nil
}

func (s *Session) handleData(msg wire.Message) error {
	if err := s.requireAuthenticated(msg); err != nil {
		return err
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.log.Warnf("rate limit exceeded, dropping %s", msg)
		return nil
	}

	if i := bytes.IndexByte(msg.Body, '='); i > 0 {
		update := iot.PinUpdate{
			DeviceID:  s.deviceID,
			Pin:       string(msg.Body[:i]),
			Value:     string(msg.Body[i+1:]),
			MessageID: msg.ID,
			Timestamp: msg.Timestamp,
		}
		s.server.cache.Set(s.deviceID, update.Pin, cache.PinState{
			Value:           update.Value,
			LastUpdated:     update.Timestamp,
			SourceMessageID: update.MessageID,
		})
		payload, _ := json.Marshal(struct {
			Pin       string `json:"pin"`
			Value     string `json:"value"`
			MessageID uint16 `json:"messageId"`
		}{update.Pin, update.Value, update.MessageID})
		s.server.writer.RecordDeviceEvent(s.ctx, s.deviceID, payload, gateway.SeverityInfo, msg.Timestamp)
		s.server.publisher.PublishPinUpdate(s.ctx, update)
	} else {
		data := iot.HardwareData{
			DeviceID:  s.deviceID,
			MessageID: msg.ID,
			Payload:   msg.Body,
			Timestamp: msg.Timestamp,
		}
		s.server.writer.RecordDeviceEvent(s.ctx, s.deviceID, msg.Body, gateway.SeverityInfo, msg.Timestamp)
		s.server.publisher.PublishHardwareData(s.ctx, data)
	}
	return s.reply(wire.OpAck, msg.ID)
}

func (s *Session) handlePing(msg wire.Message) error {
	if err := s.requireAuthenticated(msg); err != nil {
		return err
	}
	s.server.writer.UpdateDeviceStatus(s.ctx, s.deviceID, gateway.StatusOnline, msg.Timestamp)
	return s.reply(wire.OpPong, msg.ID)
}

func (s *Session) handleNothing(msg wire.Message) error {
	return nil
}

func (s *Session) handleDeviceError(msg wire.Message) error {
	s.log.Warnf("device reported error: %q", msg.Body)
	return nil
}
