package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/afroash/aerogrow/internal/metrics"
	"github.com/afroash/aerogrow/internal/models"
)

// MQTTConfig configures MQTTChannel
type MQTTConfig struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
	DeviceID    string
	// DeviceTimeout bounds the silence allowed before the controller is reported
	// disconnected. Zero means 90s.
	DeviceTimeout time.Duration
}

// Topics used on the broker
func (c MQTTConfig) CommandTopic() string   { return c.topic("commands") }
func (c MQTTConfig) ReplyTopic() string     { return c.topic("replies") }
func (c MQTTConfig) TelemetryTopic() string { return c.topic("telemetry") }

func (c MQTTConfig) topic(leaf string) string {
	return fmt.Sprintf("%s/%s/%s", c.TopicPrefix, c.DeviceID, leaf)
}

// MQTTChannel carries commands to a controller through an MQTT broker.
// Replies and telemetry arrive on subscribed topics as the same envelope
// used over the WebSocket link.
type MQTTChannel struct {
	client    mqtt.Client
	cfg       MQTTConfig
	logger    zerolog.Logger
	pending   *pendingReplies
	in        *inbound
	mu        sync.RWMutex
	connected bool
	lastSeen  time.Time
	firmware  string
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMQTTChannel creates the channel. Call Connect before use.
func NewMQTTChannel(cfg MQTTConfig, sink ReadingSink, logger zerolog.Logger) *MQTTChannel {
	c := newMQTTChannel(cfg, sink, logger)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)

	// Session settings
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// clean sessions drop subscriptions, so resubscribe on every (re)connect
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.setConnected(true)
		logger.Info().Str("broker", cfg.Broker).Int("port", cfg.Port).Msg("mqtt connected")
		if err := c.subscribe(); err != nil {
			logger.Error().Err(err).Msg("mqtt subscribe failed")
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		c.pending.failAll(fmt.Errorf("mqtt connection lost: %w", err))
		logger.Warn().Err(err).Msg("mqtt connection lost")
	})

	c.client = mqtt.NewClient(opts)
	return c
}

func newMQTTChannel(cfg MQTTConfig, sink ReadingSink, logger zerolog.Logger) *MQTTChannel {
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = 90 * time.Second
	}
	pending := newPendingReplies()
	return &MQTTChannel{
		now:     time.Now,
		cfg:     cfg,
		logger:  logger,
		pending: pending,
		in:      &inbound{sink: sink, pending: pending, logger: logger},
		stopCh:  make(chan struct{}),
	}
}

// Connect establishes the broker connection.
// It waits for the initial connection and respects ctx and Disconnect().
func (c *MQTTChannel) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("mqtt channel stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	// With ConnectRetry(true) the client keeps retrying internally
	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			// OnConnectHandler sets connected=true and subscribes
			return nil
		}

		select {
		case <-ctx.Done():
			c.client.Disconnect(0)
			return ctx.Err()
		case <-c.stopCh:
			c.client.Disconnect(0)
			return fmt.Errorf("mqtt channel stopped")
		default:
		}
	}
}

func (c *MQTTChannel) subscribe() error {
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		c.handleMessage(msg.Topic(), msg.Payload())
	}

	for _, topic := range []string{c.cfg.ReplyTopic(), c.cfg.TelemetryTopic()} {
		token := c.client.Subscribe(topic, 1, handler)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("subscribe timeout for topic %s", topic)
		}
		if token.Error() != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
		}
		c.logger.Info().Str("topic", topic).Msg("subscribed to mqtt topic")
	}
	return nil
}

func (c *MQTTChannel) handleMessage(topic string, payload []byte) {
	msg, err := models.DecodeMessage(payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Str("payload", string(payload)).Msg("failed to parse device message")
		return
	}

	c.mu.Lock()
	c.lastSeen = c.now()
	c.mu.Unlock()
	metrics.SetDeviceConnected(true)

	if hb := c.in.handle(msg); hb != nil && hb.Firmware != "" {
		c.mu.Lock()
		c.firmware = hb.Firmware
		c.mu.Unlock()
	}
}

// Send publishes frame on the command topic and waits for the matching reply
func (c *MQTTChannel) Send(ctx context.Context, commandID string, frame []byte) (models.Ack, error) {
	if !c.IsConnected() {
		return models.Ack{}, fmt.Errorf("mqtt client not connected")
	}

	return c.pending.await(ctx, commandID, func() error {
		topic := c.cfg.CommandTopic()
		token := c.client.Publish(topic, 1, false, frame)
		select {
		case <-token.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if token.Error() != nil {
			return fmt.Errorf("publish command: %w", token.Error())
		}
		c.logger.Debug().Str("topic", topic).Str("id", commandID).Msg("published command")
		return nil
	})
}

// Status reports the controller as connected only while the broker link is up and
// the controller has published within DeviceTimeout
func (c *MQTTChannel) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	heard := !c.lastSeen.IsZero() && c.now().Sub(c.lastSeen) <= c.cfg.DeviceTimeout
	return Status{
		Transport: "mqtt",
		Connected: c.connected && heard,
		DeviceID:  c.cfg.DeviceID,
		Firmware:  c.firmware,
		LastSeen:  c.lastSeen,
		Pending:   c.pending.len(),
	}
}

// IsConnected returns whether the client is connected.
func (c *MQTTChannel) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the channel and closes the MQTT connection.
// Idempotent and safe to call multiple times.
func (c *MQTTChannel) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.client != nil && c.IsConnected() {
		token := c.client.Unsubscribe(c.cfg.ReplyTopic(), c.cfg.TelemetryTopic())
		token.WaitTimeout(2 * time.Second)
	}
	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.pending.failAll(fmt.Errorf("mqtt channel stopped"))
	c.logger.Info().Msg("mqtt channel disconnected")
}

// setConnected records the broker link state. The device gauge only drops here;
// it rises when the controller itself is heard from.
func (c *MQTTChannel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
	if !v {
		metrics.SetDeviceConnected(false)
	}
}
