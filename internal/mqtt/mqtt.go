package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/daemonp/dreamcatcher2mqtt/internal/config"
	"github.com/daemonp/dreamcatcher2mqtt/internal/log"
	"github.com/daemonp/dreamcatcher2mqtt/internal/types"
)

const (
	offlinePayload = "offline"
	onlinePayload  = "online"
)

// MQTT mirrors panel state onto the local broker and routes commands
// written to panel command topics back to the bridge.
type MQTT struct {
	config  *config.MQTTConfig
	log     *log.Logger
	client  mqtt.Client
	topics  *Topics
	mu      sync.Mutex
	panels  map[string]struct{}
	handler CommandHandler
}

func NewMQTT(cfg *config.MQTTConfig, logger *log.Logger) *MQTT {
	return &MQTT{
		config: cfg,
		log:    logger.With("mqtt"),
		topics: NewTopics(cfg.Prefix),
		panels: make(map[string]struct{}),
	}
}

func (m *MQTT) GetPrefix() string {
	return m.config.Prefix
}

func (m *MQTT) Topics() *Topics {
	return m.topics
}

func (m *MQTT) SetCommandHandler(h CommandHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *MQTT) Connect() error {
	host, port := m.config.Host, m.config.Port
	if strings.Contains(host, "://") {
		host, port = ParseURL(host)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", host, port))
	opts.SetClientID(m.config.ClientID)
	opts.SetUsername(m.config.Username)
	opts.SetPassword(m.config.Password)
	opts.SetCleanSession(m.config.Clean)
	opts.SetKeepAlive(time.Duration(m.config.Keepalive) * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onDisconnect)

	opts.SetWill(m.topics.Status(), offlinePayload, byte(m.config.QOS), true)

	m.client = mqtt.NewClient(opts)

	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	m.log.Info("Connected to MQTT broker: %s:%d", host, port)
	return nil
}

func (m *MQTT) onConnect(client mqtt.Client) {
	m.log.Info("MQTT connection established")
	m.Publish(m.topics.Status(), onlinePayload, true)
	m.subscribeTopics()
}

func (m *MQTT) onDisconnect(client mqtt.Client, err error) {
	m.log.Error("MQTT connection lost: %v", err)
}

// RegisterPanel subscribes to the command topic of a panel. Registered
// panels are resubscribed after a reconnect.
func (m *MQTT) RegisterPanel(panel string) {
	m.mu.Lock()
	m.panels[panel] = struct{}{}
	m.mu.Unlock()

	if m.client != nil && m.client.IsConnected() {
		m.subscribe(m.topics.PanelCommand(panel))
	}
}

func (m *MQTT) subscribeTopics() {
	m.mu.Lock()
	topics := make([]string, 0, len(m.panels))
	for panel := range m.panels {
		topics = append(topics, m.topics.PanelCommand(panel))
	}
	m.mu.Unlock()

	for _, topic := range topics {
		m.subscribe(topic)
	}
}

func (m *MQTT) subscribe(topic string) {
	token := m.client.Subscribe(topic, byte(m.config.QOS), m.handleMessage)
	if token.Wait() && token.Error() != nil {
		m.log.Error("Failed to subscribe to topic %s: %v", topic, token.Error())
	} else {
		m.log.Debug("Subscribed to topic: %s", topic)
	}
}

func (m *MQTT) handleMessage(client mqtt.Client, msg mqtt.Message) {
	m.dispatch(msg.Topic(), string(msg.Payload()))
}

func (m *MQTT) dispatch(topic, payload string) {
	m.log.Debug("Received message on topic %s: %s", topic, payload)

	panel, ok := m.topics.PanelFromCommand(topic)
	if !ok {
		m.log.Warning("Received message on unknown topic: %s", topic)
		return
	}

	m.mu.Lock()
	h := m.handler
	_, known := m.panels[panel]
	m.mu.Unlock()

	if !known || h == nil {
		m.log.Warning("No panel registered for command topic: %s", topic)
		return
	}
	h.HandleCommand(panel, strings.TrimSpace(payload))
}

func (m *MQTT) PublishPanelInfo(panel string, info types.DeviceInfo, model string) {
	status := map[string]interface{}{
		"id":         info.DeviceID,
		"name":       info.Name,
		"product_id": info.ProductID,
		"model":      model,
		"time_zone":  info.TimeZone,
	}
	m.Publish(m.topics.PanelConfig(panel), status, true)
}

func (m *MQTT) PublishPanelState(panel string, status types.AlarmStatus) {
	payload := map[string]interface{}{
		"status": status.State.String(),
		"state":  status.State.Wire(),
		"alarm":  status.Alarm,
	}
	m.Publish(m.topics.Panel(panel), payload, true)
}

func (m *MQTT) PublishConnectivity(panel string, online bool) {
	payload := offlinePayload
	if online {
		payload = onlinePayload
	}
	m.Publish(m.topics.Connectivity(panel), payload, true)
}

func (m *MQTT) PublishDevice(panel, device string, d types.Device) {
	m.Publish(m.topics.Device(panel, device), d, true)
}

func (m *MQTT) PublishAlarm(panel string, event types.AlarmEvent) {
	m.Publish(m.topics.Alarm(panel), event, m.config.RetainLog)
}

// Publish sends payload as-is when it is a string and as JSON otherwise.
func (m *MQTT) Publish(topic string, message interface{}, retain bool) {
	var payload []byte
	switch v := message.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		var err error
		payload, err = json.Marshal(message)
		if err != nil {
			m.log.Error("Failed to marshal message for topic %s: %v", topic, err)
			return
		}
	}

	if m.client == nil {
		m.log.Warning("Dropping message for %s: not connected", topic)
		return
	}
	token := m.client.Publish(topic, byte(m.config.QOS), retain || m.config.Retain, payload)
	if token.Wait() && token.Error() != nil {
		m.log.Error("Failed to publish message to topic %s: %v", topic, token.Error())
	} else {
		m.log.Debug("Published message to topic: %s", topic)
	}
}

func (m *MQTT) Close() {
	if m.client != nil && m.client.IsConnected() {
		m.Publish(m.topics.Status(), offlinePayload, true)
		m.client.Disconnect(250)
	}
}
