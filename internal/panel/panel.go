package panel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/daemonp/dreamcatcher2mqtt/internal/config"
	"github.com/daemonp/dreamcatcher2mqtt/internal/dreamcatcher"
	"github.com/daemonp/dreamcatcher2mqtt/internal/log"
	"github.com/daemonp/dreamcatcher2mqtt/internal/types"
	"github.com/daemonp/dreamcatcher2mqtt/internal/util"
)

type Option func(*Panel)

func WithStore(s Store) Option {
	return func(p *Panel) { p.store = s }
}

func WithMetrics(m Metrics) Option {
	return func(p *Panel) { p.metrics = m }
}

func WithDiscovery(d Discovery) Option {
	return func(p *Panel) { p.discovery = d }
}

func WithTransport(t dreamcatcher.Transport) Option {
	return func(p *Panel) { p.transport = t }
}

// Panel bridges one cloud-registered alarm panel to the local broker.
type Panel struct {
	slug      string
	info      types.DeviceInfo
	session   *types.Session
	config    *config.DreamcatcherConfig
	publisher Publisher
	discovery Discovery
	store     Store
	metrics   Metrics
	transport dreamcatcher.Transport
	log       *log.Logger
	connLog   *log.Logger

	conn       *dreamcatcher.Connection
	unregister func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	started atomic.Bool

	mu            sync.Mutex
	model         string
	devicesLoaded bool
}

// NewPanel prepares a bridge for info. name overrides the display name
// used for topics and discovery.
func NewPanel(session *types.Session, info types.DeviceInfo, name string, cfg *config.DreamcatcherConfig, pub Publisher, logger *log.Logger, opts ...Option) *Panel {
	if name != "" {
		info.Name = name
	}
	if info.Name == "" {
		info.Name = info.DeviceID
	}
	slug := util.Slugify(info.Name)
	if slug == "" {
		slug = util.Slugify(info.DeviceID)
	}
	p := &Panel{
		slug:      slug,
		info:      info,
		session:   session,
		config:    cfg,
		publisher: pub,
		log:       logger.With("panel").WithDevice(info.DeviceID),
		connLog:   logger.With("dreamcatcher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Panel) Slug() string {
	return p.slug
}

func (p *Panel) Info() types.DeviceInfo {
	return p.info
}

func (p *Panel) Started() bool {
	return p.started.Load()
}

// Start connects to the panel, loads its state and starts polling.
// Failing to load the initial state is not fatal; the poll loop retries.
func (p *Panel) Start(ctx context.Context) error {
	p.log.Info("Starting panel %s (%s)", p.info.Name, p.slug)

	opts := []dreamcatcher.Option{
		dreamcatcher.WithLogger(p.connLog),
		dreamcatcher.WithRequestTimeout(p.config.RequestTimeout),
	}
	if p.metrics != nil {
		opts = append(opts, dreamcatcher.WithMetrics(p.metrics))
	}
	if p.transport != nil {
		opts = append(opts, dreamcatcher.WithTransport(p.transport))
	}
	if p.store != nil {
		devices, err := p.store.LoadDevices(p.info.DeviceID)
		if err != nil {
			p.log.Warning("Failed to load cached devices: %v", err)
		} else if devices != nil {
			p.log.Debug("Loaded %d devices from cache", len(devices))
			opts = append(opts, dreamcatcher.WithInitialDevices(devices))
		}
	}

	conn, err := dreamcatcher.Dial(ctx, p.session, p.info, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to panel %s: %w", p.info.DeviceID, err)
	}
	p.conn = conn
	p.unregister = conn.AddListener(p)

	p.publisher.RegisterPanel(p.slug)
	p.publisher.PublishConnectivity(p.slug, conn.Online())
	p.publisher.PublishPanelInfo(p.slug, p.info, "")
	if p.discovery != nil {
		p.discovery.PublishPanel(p.slug, p.info, "")
	}

	if cached := conn.Devices(); len(cached) > 0 {
		p.publishDevices(cached)
	}

	if err := p.loadDevices(ctx); err != nil {
		p.log.Warning("Failed to load devices: %v", err)
	}
	if err := p.refreshState(ctx); err != nil {
		p.log.Warning("Failed to load alarm state: %v", err)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.keepalive(ctx)

	p.started.Store(true)
	p.log.Info("Panel %s started", p.slug)
	return nil
}

func (p *Panel) loadDevices(ctx context.Context) error {
	devices, err := p.conn.GetAllDevices(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.devicesLoaded = true
	p.mu.Unlock()

	p.publishDevices(devices)
	if p.store != nil {
		if err := p.store.SaveDevices(p.info.DeviceID, devices); err != nil {
			p.log.Warning("Failed to cache devices: %v", err)
		}
	}
	return nil
}

func (p *Panel) publishDevices(devices []types.Device) {
	for _, d := range devices {
		p.publisher.PublishDevice(p.slug, d.DeviceID, d)
	}
	if p.discovery != nil {
		p.discovery.PublishDevices(p.slug, p.info, p.currentModel(), devices)
	}
}

func (p *Panel) refreshState(ctx context.Context) error {
	_, err := p.conn.GetCurrentAlarmState(ctx)
	return err
}

// keepalive polls the alarm state so a missed broadcast is corrected
// within one interval.
func (p *Panel) keepalive(ctx context.Context) {
	defer p.wg.Done()
	if p.config.PollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		loaded := p.devicesLoaded
		p.mu.Unlock()
		if !loaded {
			if err := p.loadDevices(ctx); err != nil && ctx.Err() == nil {
				p.log.Warning("Failed to load devices: %v", err)
			}
		}
		if err := p.refreshState(ctx); err != nil && ctx.Err() == nil {
			p.log.Warning("Failed to poll alarm state: %v", err)
		}
	}
}

func (p *Panel) OnStatus(e types.StatusEvent) {
	p.publisher.PublishConnectivity(p.slug, e.Online)
	if e.Model == "" {
		return
	}
	p.mu.Lock()
	changed := p.model != e.Model
	p.model = e.Model
	p.mu.Unlock()
	if changed {
		p.publisher.PublishPanelInfo(p.slug, p.info, e.Model)
		if p.discovery != nil {
			p.discovery.PublishPanel(p.slug, p.info, e.Model)
		}
	}
}

func (p *Panel) OnStateChange(e types.StateEvent) {
	p.publisher.PublishPanelState(p.slug, types.AlarmStatus{State: e.State, Alarm: e.Alarm})
}

func (p *Panel) OnAlarm(e types.AlarmEvent) {
	p.publisher.PublishAlarm(p.slug, e)
	if p.metrics != nil {
		p.metrics.AlarmEvent(e)
	}
	if p.store != nil {
		if err := p.store.AppendAlarm(p.info.DeviceID, e); err != nil {
			p.log.Warning("Failed to journal alarm: %v", err)
		}
	}
}

// Execute applies a command from the local broker. On failure the last
// known state is republished so subscribers do not keep a stale target.
func (p *Panel) Execute(ctx context.Context, command string) error {
	if p.conn == nil {
		return dreamcatcher.ErrNotConnected
	}
	state, ok := Command(strings.ToLower(command)).State()
	if !ok {
		return fmt.Errorf("unknown command %q", command)
	}
	p.log.Info("Setting alarm state to %s", state)
	if err := p.conn.SetAlarmState(ctx, state); err != nil {
		p.publisher.PublishPanelState(p.slug, p.conn.AlarmStatus())
		return err
	}
	return nil
}

func (p *Panel) currentModel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model
}

func (p *Panel) Stop() {
	p.started.Store(false)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.unregister != nil {
		p.unregister()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.publisher.PublishConnectivity(p.slug, false)
	p.log.Info("Panel %s stopped", p.slug)
}
