package dreamcatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/daemonp/dreamcatcher2mqtt/internal/log"
	"github.com/daemonp/dreamcatcher2mqtt/internal/types"
)

const DefaultRequestTimeout = 15 * time.Second

// Metrics receives counters from the dispatch loop. Dial installs a no-op
// implementation unless WithMetrics is given.
type Metrics interface {
	MessageReceived(deviceID, kind string)
	MessageDropped(deviceID, reason string)
	RequestFinished(deviceID, action, result string, elapsed time.Duration)
	InFlight(deviceID string, n int)
	Online(deviceID string, online bool)
	AlarmState(deviceID string, status types.AlarmStatus)
}

type nopMetrics struct{}

func (nopMetrics) MessageReceived(string, string)                        {}
func (nopMetrics) MessageDropped(string, string)                         {}
func (nopMetrics) RequestFinished(string, string, string, time.Duration) {}
func (nopMetrics) InFlight(string, int)                                  {}
func (nopMetrics) Online(string, bool)                                   {}
func (nopMetrics) AlarmState(string, types.AlarmStatus)                  {}

type Option func(*Connection)

func WithTransport(t Transport) Option {
	return func(c *Connection) { c.transport = t }
}

func WithLogger(l *log.Logger) Option {
	return func(c *Connection) { c.log = l }
}

func WithMetrics(m Metrics) Option {
	return func(c *Connection) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithRequestTimeout bounds requests whose context carries no deadline.
// Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Connection) { c.requestTimeout = d }
}

func WithClientID(id string) Option {
	return func(c *Connection) { c.clientID = id }
}

// WithInitialDevices seeds the peripheral list, e.g. from the cache, until
// the panel answers get_all_devices.
func WithInitialDevices(devices []types.Device) Option {
	return func(c *Connection) { c.devices = newDeviceList(devices) }
}

// Connection is the command channel to a single panel.
type Connection struct {
	info           types.DeviceInfo
	session        types.Session
	clientID       string
	transport      Transport
	log            *log.Logger
	metrics        Metrics
	requestTimeout time.Duration

	inflight *inflight
	events   *emitter

	online atomic.Bool
	closed atomic.Bool

	mu      sync.Mutex
	model   string
	status  types.AlarmStatus
	devices *deviceList
}

// Dial opens the transport to the panel's broker and subscribes to its
// response topic.
func Dial(ctx context.Context, session *types.Session, info types.DeviceInfo, opts ...Option) (*Connection, error) {
	if session == nil {
		return nil, errors.New("session required")
	}
	c := &Connection{
		info:           info,
		session:        *session,
		clientID:       newClientID(),
		log:            log.Nop(),
		metrics:        nopMetrics{},
		requestTimeout: DefaultRequestTimeout,
		inflight:       newInflight(),
		events:         newEmitter(),
		devices:        newDeviceList(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithDevice(info.DeviceID)
	c.online.Store(info.Online)

	if c.transport == nil {
		c.transport = NewPahoTransport(TransportConfig{
			Broker:   "tcp://" + info.Endpoint(),
			ClientID: c.clientID,
			Username: session.Username,
			Password: session.Token,
		}, c.log)
	}

	c.log.Info("Connecting to panel %s at %s", info.DeviceID, info.Endpoint())
	if err := c.transport.Connect(ctx); err != nil {
		return nil, err
	}
	if err := c.transport.Subscribe(ctx, SubscribeTopic(info.DeviceID), c.handleMessage); err != nil {
		c.transport.Close()
		return nil, err
	}
	c.metrics.Online(info.DeviceID, info.Online)
	c.log.Info("Connected to panel %s", info.DeviceID)
	return c, nil
}

func (c *Connection) DeviceID() string {
	return c.info.DeviceID
}

func (c *Connection) Info() types.DeviceInfo {
	return c.info
}

func (c *Connection) ClientID() string {
	return c.clientID
}

func (c *Connection) Online() bool {
	return c.online.Load()
}

func (c *Connection) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

func (c *Connection) AlarmStatus() types.AlarmStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Devices returns the last known peripheral list.
func (c *Connection) Devices() []types.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices.snapshot()
}

// AddListener registers l for unsolicited events and returns a function
// that removes it.
func (c *Connection) AddListener(l Listener) func() {
	return c.events.add(l)
}

// Send publishes a request envelope for action without waiting for a
// reply. It returns the correlation token carried in ack_mark.
func (c *Connection) Send(ctx context.Context, action string, payload map[string]interface{}) (string, error) {
	p := newPending(action, nil)
	if err := c.publish(ctx, p.token, action, payload); err != nil {
		return "", err
	}
	return p.token, nil
}

func (c *Connection) publish(ctx context.Context, token, action string, payload map[string]interface{}) error {
	if c.closed.Load() {
		return ErrClosed
	}
	raw, err := encodeRequest(message{
		To:       c.info.DeviceID,
		From:     c.clientID,
		Username: c.session.Alias,
		AckMark:  token,
		Subject:  SubjectControl,
	}, action, payload)
	if err != nil {
		return err
	}
	c.log.Debug("Sending %s (%s)", action, token)
	return c.transport.Publish(ctx, PublishTopic(c.info.DeviceID), raw)
}

// call registers a pending request, publishes it and waits until handle
// reports completion, the panel rejects it, or ctx expires.
func (c *Connection) call(ctx context.Context, action string, payload map[string]interface{}, handle pageHandler) error {
	if c.requestTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()
		}
	}

	p := newPending(action, handle)
	c.metrics.InFlight(c.info.DeviceID, c.inflight.add(p))

	if err := c.publish(ctx, p.token, action, payload); err != nil {
		c.finish(p, "publish_error")
		return err
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		if c.finish(p, "timeout") {
			return fmt.Errorf("%s: %w", action, ctx.Err())
		}
		// Resolved concurrently with the deadline.
		return <-p.done
	}
}

// finish removes p from the in-flight table. It reports false if another
// path already completed it.
func (c *Connection) finish(p *pending, result string) bool {
	if !c.inflight.remove(p) {
		return false
	}
	c.metrics.InFlight(c.info.DeviceID, c.inflight.len())
	c.metrics.RequestFinished(c.info.DeviceID, p.action, result, time.Since(p.sent))
	return true
}

// GetAllDevices requests the peripheral list. The panel answers with one
// or more pages; the request resolves when the last page arrives.
func (c *Connection) GetAllDevices(ctx context.Context) ([]types.Device, error) {
	pages := newDeviceList(nil)
	err := c.call(ctx, ActionGetAllDevices, nil, func(b *body) (bool, error) {
		if err := b.failure(); err != nil {
			return true, err
		}
		pages.apply(b)
		return b.lastPage(), nil
	})
	if err != nil {
		return nil, err
	}

	devices := pages.snapshot()
	c.mu.Lock()
	c.devices = newDeviceList(devices)
	c.mu.Unlock()
	c.log.Debug("Panel reported %d devices", len(devices))
	return devices, nil
}

func (c *Connection) GetCurrentAlarmState(ctx context.Context) (types.AlarmStatus, error) {
	var status types.AlarmStatus
	err := c.call(ctx, ActionGetAlarmState, nil, func(b *body) (bool, error) {
		if err := b.failure(); err != nil {
			return true, err
		}
		status = c.AlarmStatus()
		if !b.Alarm.IsZero() {
			status.Alarm = b.Alarm.Bool()
		}
		state, err := types.ParseAlarmState(b.AlarmState.String())
		if err != nil {
			c.log.Warn("Keeping last known alarm state: %v", err)
			return true, nil
		}
		status.State = state
		return true, nil
	})
	if err != nil {
		return types.AlarmStatus{}, err
	}
	c.updateStatus(status)
	return status, nil
}

// SetAlarmState arms or disarms the panel. The local state only changes
// once the panel acknowledges the request.
func (c *Connection) SetAlarmState(ctx context.Context, state types.AlarmState) error {
	if state.Wire() == "" {
		return fmt.Errorf("cannot set alarm state %s", state)
	}
	payload := map[string]interface{}{"alarm_state": state.Wire()}
	err := c.call(ctx, ActionSetAlarmState, payload, func(b *body) (bool, error) {
		return true, b.failure()
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	status := types.AlarmStatus{State: state, Alarm: c.status.Alarm}
	c.mu.Unlock()
	c.updateStatus(status)
	return nil
}

// updateStatus stores status and emits a state event when it changed.
func (c *Connection) updateStatus(status types.AlarmStatus) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.mu.Unlock()

	c.metrics.AlarmState(c.info.DeviceID, status)
	if changed {
		c.log.Info("Alarm state changed to %s (alarm=%t)", status.State, status.Alarm)
		c.events.state(types.StateEvent{DeviceID: c.info.DeviceID, State: status.State, Alarm: status.Alarm})
	}
}

// handleMessage is the dispatch loop entry point. Unparseable or
// unrecognised messages are logged and dropped.
func (c *Connection) handleMessage(topic string, payload []byte) {
	deviceID := c.info.DeviceID
	msg, b, err := decodeMessage(payload)
	if err != nil {
		c.metrics.MessageDropped(deviceID, "unparseable")
		c.log.Warn("Dropping unparseable message on %s: %v", topic, err)
		return
	}

	if msg.Subject == SubjectAlarm {
		c.metrics.MessageReceived(deviceID, "alarm")
		if b == nil {
			c.metrics.MessageDropped(deviceID, "empty_alarm")
			c.log.Warn("Dropping alarm message without body on %s", topic)
			return
		}
		c.handleAlarm(b)
		return
	}

	if b == nil || b.Action == "" {
		c.metrics.MessageDropped(deviceID, "no_action")
		c.log.Debug("Dropping message without action on %s: %s", topic, payload)
		return
	}

	if p := c.inflight.match(msg.AckMark, b.Action); p != nil {
		c.metrics.MessageReceived(deviceID, "response")
		c.resolve(p, b)
		return
	}

	c.metrics.MessageReceived(deviceID, "unsolicited")
	switch b.Action {
	case ActionDeviceStatus:
		c.handleDeviceStatus(b)
	case ActionAlarmState, ActionGetAlarmState, ActionSetAlarmState:
		c.handleAlarmStateBroadcast(b)
	case ActionGetAllDevices:
		c.mu.Lock()
		c.devices.apply(b)
		c.mu.Unlock()
	default:
		c.metrics.MessageDropped(deviceID, "unhandled_action")
		c.log.Debug("No handler for action %s", b.Action)
	}
}

func (c *Connection) resolve(p *pending, b *body) {
	done, err := p.handle(b)
	if !done && err == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		c.log.Warn("Request %s failed: %v", p.action, err)
	}
	if c.finish(p, result) {
		p.done <- err
	}
}

func (c *Connection) handleAlarm(b *body) {
	event := b.alarmEvent(c.info.DeviceID)
	event.PanelID = c.info.DeviceID
	if event.TimeZone == "" {
		event.TimeZone = c.info.TimeZone
	}
	c.log.Alarm("Alarm from %s (%s): event type %d", event.ItemName, event.ItemID, event.EventType)
	c.events.alarm(event)
}

func (c *Connection) handleDeviceStatus(b *body) {
	online := b.Online.Bool()
	c.mu.Lock()
	if b.Model != "" {
		c.model = b.Model
	}
	model := c.model
	c.mu.Unlock()

	c.online.Store(online)
	c.metrics.Online(c.info.DeviceID, online)
	c.log.Info("Panel is now %s", onlineString(online))
	c.events.status(types.StatusEvent{DeviceID: c.info.DeviceID, Online: online, Model: model})
}

func (c *Connection) handleAlarmStateBroadcast(b *body) {
	if b.failure() != nil || b.AlarmState.IsZero() {
		c.metrics.MessageDropped(c.info.DeviceID, "unhandled_action")
		return
	}
	state, err := types.ParseAlarmState(b.AlarmState.String())
	if err != nil {
		c.metrics.MessageDropped(c.info.DeviceID, "bad_state")
		c.log.Warn("Dropping alarm state broadcast: %v", err)
		return
	}
	c.updateStatus(types.AlarmStatus{State: state, Alarm: b.Alarm.Bool()})
}

// Close fails every outstanding request with ErrClosed and disconnects.
func (c *Connection) Close() {
	if c.closed.Swap(true) {
		return
	}
	for _, p := range c.inflight.drain() {
		c.metrics.RequestFinished(c.info.DeviceID, p.action, "closed", time.Since(p.sent))
		p.done <- ErrClosed
	}
	c.metrics.InFlight(c.info.DeviceID, 0)
	c.transport.Close()
	c.log.Info("Disconnected from panel %s", c.info.DeviceID)
}

func onlineString(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
