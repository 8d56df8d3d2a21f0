package dreamcatcher

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/daemonp/dreamcatcher2mqtt/internal/log"
)

// Transport is the publish/subscribe channel a Connection runs over.
// Handlers must be invoked in delivery order from a single goroutine.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close()
}

type TransportConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QOS      byte
}

// PahoTransport is the MQTT transport used against the panel brokers.
type PahoTransport struct {
	config    TransportConfig
	log       *log.Logger
	client    mqtt.Client
	connected atomic.Bool
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

func NewPahoTransport(cfg TransportConfig, logger *log.Logger) *PahoTransport {
	if cfg.ClientID == "" {
		cfg.ClientID = newClientID()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &PahoTransport{config: cfg, log: logger.With("transport"), newClient: mqtt.NewClient}
}

func (p *PahoTransport) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.config.Broker)
	opts.SetClientID(p.config.ClientID)
	opts.SetUsername(p.config.Username)
	opts.SetPassword(p.config.Password)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	// Panels expect a single attempt per dial; the caller decides whether
	// to dial again.
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.connected.Store(true)
		p.log.Debug("Connected to %s", p.config.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		p.log.Error("Connection to %s lost: %v", p.config.Broker, err)
	})

	p.client = p.newClient(opts)
	if err := waitToken(ctx, p.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", p.config.Broker, err)
	}
	// The OnConnect handler runs on its own goroutine and may not have
	// fired yet.
	p.connected.Store(true)
	return nil
}

func (p *PahoTransport) Subscribe(ctx context.Context, topic string, handler func(topic string, payload []byte)) error {
	if p.client == nil {
		return ErrNotConnected
	}
	token := p.client.Subscribe(topic, p.config.QOS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	p.log.Debug("Subscribed to topic: %s", topic)
	return nil
}

func (p *PahoTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.client == nil || !p.connected.Load() {
		return ErrNotConnected
	}
	if err := waitToken(ctx, p.client.Publish(topic, p.config.QOS, false, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (p *PahoTransport) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.connected.Store(false)
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newClientID() string {
	return "dc_" + uuid.NewString()
}
