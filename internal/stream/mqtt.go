package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"factorytwin/internal/domain"
	"factorytwin/internal/metrics"
)

// MQTTConfig configures the broker transport. Events are published on
// <TopicPrefix>/<kind> with the same JSON payloads as the SSE stream.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	// MaxReconnect caps the broker reconnect interval.
	MaxReconnect time.Duration
}

type frame struct {
	kind string
	id   string
	data []byte
}

// MQTT subscribes to the event topics on a broker. Paho reconnects on its
// own; subscriptions are renewed in the connect handler.
type MQTT struct {
	cfg   MQTTConfig
	log   *zap.SugaredLogger
	state runState

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

func NewMQTT(cfg MQTTConfig, log *zap.SugaredLogger) *MQTT {
	if cfg.ClientID == "" {
		cfg.ClientID = "factorytwin"
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = 30 * time.Second
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MQTT{cfg: cfg, log: log, newClient: mqtt.NewClient}
}

func (m *MQTT) Run(ctx context.Context, handler domain.Handler) error {
	ctx, err := m.state.begin(ctx)
	if err != nil {
		return err
	}
	defer m.state.end()

	frames := make(chan frame, 256)
	topic := m.cfg.TopicPrefix + "/+"
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		f := frame{kind: kindFromTopic(m.cfg.TopicPrefix, msg.Topic()), data: append([]byte(nil), msg.Payload()...)}
		if id := msg.MessageID(); id != 0 {
			f.id = strconv.Itoa(int(id))
		}
		select {
		case frames <- f:
		case <-ctx.Done():
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.Broker).
		SetClientID(m.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetMaxReconnectInterval(m.cfg.MaxReconnect).
		SetOrderMatters(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			tok := c.Subscribe(topic, m.cfg.QoS, onMessage)
			if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
				m.log.Errorw("subscribe failed", "topic", topic, "error", tok.Error())
				return
			}
			m.log.Infow("subscribed to event topics", "broker", m.cfg.Broker, "topic", topic)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.Warnw("broker connection lost", "broker", m.cfg.Broker, "error", err)
		}).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			metrics.StreamReconnects.WithLabelValues("mqtt").Inc()
		})
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}

	client := m.newClient(opts)
	tok := client.Connect()
	defer client.Disconnect(250)

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("connect %s: %w", m.cfg.Broker, err)
		}
	case <-ctx.Done():
		return m.stopErr(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return m.stopErr(ctx)
		case f := <-frames:
			deliver(m.log, handler, f.kind, f.id, f.data)
		}
	}
}

func (m *MQTT) Close() error {
	m.state.close()
	return nil
}

func (m *MQTT) stopErr(ctx context.Context) error {
	if m.state.isClosed() {
		return ErrClosed
	}
	return ctx.Err()
}

// kindFromTopic maps <prefix>/<kind> to the event kind.
func kindFromTopic(prefix, topic string) string {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return string(domain.KindMessage)
	}
	return rest
}
