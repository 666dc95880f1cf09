package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/iotpioneers/iotdatahub-sub004/core/logger"
	"github.com/iotpioneers/iotdatahub-sub004/iot"
)

// TopicPrefix is the root of all mirrored topics
const TopicPrefix = "iotdatahub/"

type outgoing struct {
	topic   string
	payload []byte
}

// Broker is the MQTT mirror. It implements iot.Publisher.
type Broker struct {
	p        *plugin
	addr     string
	tlsConf  *tls.Config
	queue    chan outgoing
	stop     func(ctx context.Context)
	listener net.Listener
	done     chan struct{}
	dropped  atomic.Int64
	log      *logrus.Entry
}

var _ iot.Publisher = (*Broker)(nil)

// Builder is a builder helper for the Broker
type Builder struct {
	// Addr is the listen address. This is mandatory.
	Addr string
	// CertFile is the file path to the X.509 certificate file. Enables TLS together with KeyFile.
	CertFile string
	// KeyFile is the file path to the X.509 private key file
	KeyFile string
	// CACertFile is the file path to the X.509 certificate of the certificate
	// authority. Enables client certificate verification.
	CACertFile string
	// QueueSize is the number of messages waiting to be published. Defaults to 1024.
	QueueSize int
}

// plugin is the plugin for GMQTT
type plugin struct {
	commonNamesRwmux sync.RWMutex
	commonNames      map[net.Conn]string

	serviceRwmux sync.RWMutex
	service      gmqtt.Server

	log *logrus.Entry
}

// NewBroker returns a new broker. The broker will not actually run until you
// call Start()
func NewBroker(bb *Builder) (*Broker, error) {
	if len(bb.Addr) == 0 {
		panic("Addr is missing")
	}
	if bb.QueueSize <= 0 {
		bb.QueueSize = 1024
	}
	rlog := logger.Default().WithField("component", "mqtt")
	b := &Broker{
		p: &plugin{
			commonNames: make(map[net.Conn]string),
			log:         rlog,
		},
		addr:  bb.Addr,
		queue: make(chan outgoing, bb.QueueSize),
		done:  make(chan struct{}),
		log:   rlog,
	}

	if len(bb.CertFile) > 0 || len(bb.KeyFile) > 0 {
		crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("cannot load broker certificate: %w", err)
		}
		b.tlsConf = &tls.Config{Certificates: []tls.Certificate{crt}}
		if len(bb.CACertFile) > 0 {
			caCert, err := os.ReadFile(bb.CACertFile)
			if err != nil {
				return nil, fmt.Errorf("cannot read ca certificate: %w", err)
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				return nil, errors.New("no certificate found in " + bb.CACertFile)
			}
			b.tlsConf.ClientCAs = caCertPool
			b.tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return b, nil
}

// Start listens and runs the broker in the background
func (b *Broker) Start() error {
	var (
		ln  net.Listener
		err error
	)
	if b.tlsConf != nil {
		ln, err = tls.Listen("tcp", b.addr, b.tlsConf)
	} else {
		ln, err = net.Listen("tcp", b.addr)
	}
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", b.addr, err)
	}
	b.listener = ln

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.stop = func(ctx context.Context) { s.Stop(ctx) }
	go b.pump()
	b.log.Infoln("mqtt mirror listening on", ln.Addr())
	return nil
}

// Addr returns the listen address, nil before Start
func (b *Broker) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop stops the broker. Queued messages are discarded.
func (b *Broker) Stop(ctx context.Context) {
	if b.stop == nil {
		return
	}
	close(b.done)
	b.stop(ctx)
	b.stop = nil
	b.log.Infoln("mqtt mirror stopped")
}

// Dropped returns the number of messages dropped because the queue was full
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// pump hands queued messages to the broker's publish service
func (b *Broker) pump() {
	for {
		select {
		case <-b.done:
			return
		case out := <-b.queue:
			if service := b.p.server(); service != nil {
				service.PublishService().Publish(gmqtt.NewMessage(out.topic, out.payload, packets.QOS_1))
			}
		}
	}
}

// PublishMessageQ1 queues an MQTT messsage with quality level 1. It never blocks.
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	select {
	case b.queue <- outgoing{topic: topic, payload: payload}:
	default:
		if b.dropped.Add(1)%1000 == 1 {
			b.log.Warnf("mqtt queue full, dropping message on %s", topic)
		}
	}
}

// PublishPinUpdate implements iot.Publisher
func (b *Broker) PublishPinUpdate(ctx context.Context, update iot.PinUpdate) {
	payload, _ := json.Marshal(struct {
		Value     string `json:"value"`
		MessageID uint16 `json:"messageId"`
		Timestamp int64  `json:"timestamp"`
	}{update.Value, update.MessageID, update.Timestamp.UnixMilli()})
	b.PublishMessageQ1(PinTopic(update.DeviceID, update.Pin), payload)
}

// PublishHardwareData implements iot.Publisher
func (b *Broker) PublishHardwareData(ctx context.Context, data iot.HardwareData) {
	b.PublishMessageQ1(DataTopic(data.DeviceID), append([]byte(nil), data.Payload...))
}

// PublishStatus implements iot.Publisher
func (b *Broker) PublishStatus(ctx context.Context, status iot.StatusChange) {
	payload, _ := json.Marshal(struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}{status.StatusString(), status.Timestamp.UnixMilli()})
	b.PublishMessageQ1(StatusTopic(status.DeviceID), payload)
}

var topicEscaper = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// PinTopic is the topic of a device pin
func PinTopic(deviceID, pin string) string {
	return TopicPrefix + topicEscaper.Replace(deviceID) + "/pins/" + topicEscaper.Replace(pin)
}

// DataTopic is the topic of a device's hardware data
func DataTopic(deviceID string) string {
	return TopicPrefix + topicEscaper.Replace(deviceID) + "/data"
}

// StatusTopic is the topic of a device's status
func StatusTopic(deviceID string) string {
	return TopicPrefix + topicEscaper.Replace(deviceID) + "/status"
}

// subscribeAllowed enforces that clients only subscribe to mirrored topics
func subscribeAllowed(topic string) bool {
	return strings.HasPrefix(topic, TopicPrefix)
}

// publishAllowed refuses client messages on mirrored topics
func publishAllowed(topic string) bool {
	return !strings.HasPrefix(topic, TopicPrefix)
}

func (p *plugin) server() gmqtt.Server {
	p.serviceRwmux.RLock()
	defer p.serviceRwmux.RUnlock()
	return p.service
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.serviceRwmux.Lock()
	defer p.serviceRwmux.Unlock()
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "iotdatahub mirror" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// takeCommonName returns and forgets the common name remembered for conn
func (p *plugin) takeCommonName(conn net.Conn) (string, bool) {
	p.commonNamesRwmux.Lock()
	defer p.commonNamesRwmux.Unlock()
	commonName, ok := p.commonNames[conn]
	delete(p.commonNames, conn)
	return commonName, ok
}

// OnAcceptWrapper remembers the certificate common name of TLS clients
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			if err := tlsConn.Handshake(); err != nil {
				p.log.WithError(err).Debugln("tls handshake failed")
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) > 0 {
				commonName := state.VerifiedChains[0][0].Subject.CommonName
				p.commonNamesRwmux.Lock()
				p.commonNames[conn] = commonName
				p.commonNamesRwmux.Unlock()
			}
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate
// common name, if the client presented a certificate
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		if commonName, ok := p.takeCommonName(client.Connection()); ok && commonName != clientID {
			p.log.Warnf("connect denied, %s is not %s", clientID, commonName)
			return packets.CodeNotAuthorized
		}
		p.log.Debugln("mqtt client connected:", clientID)
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper refuses client messages on mirrored topics
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		if !publishAllowed(msg.Topic()) {
			p.log.Warnf("publish of %s on %s denied", client.OptionsReader().ClientID(), msg.Topic())
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		if !subscribeAllowed(topic.Name) {
			p.log.Debugln("subscribe", client.OptionsReader().ClientID(), topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}
