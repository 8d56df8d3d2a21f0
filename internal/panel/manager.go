package panel

import (
	"context"
	"sort"
	"sync"

	"github.com/daemonp/dreamcatcher2mqtt/internal/log"
	"github.com/daemonp/dreamcatcher2mqtt/internal/util"
)

// Manager owns the bridged panels and routes local commands to them by
// slug. It satisfies mqtt.CommandHandler.
type Manager struct {
	ctx    context.Context
	log    *log.Logger
	mu     sync.Mutex
	panels map[string]*Panel
	wg     sync.WaitGroup
}

func NewManager(ctx context.Context, logger *log.Logger) *Manager {
	return &Manager{
		ctx:    ctx,
		log:    logger.With("manager"),
		panels: make(map[string]*Panel),
	}
}

// Add registers p. A slug already taken by another panel gets the device
// id appended.
func (m *Manager) Add(p *Panel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.panels[p.slug]; taken {
		p.slug = p.slug + "-" + util.Slugify(p.info.DeviceID)
	}
	m.panels[p.slug] = p
}

func (m *Manager) Get(slug string) (*Panel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.panels[slug]
	return p, ok
}

// Panels returns the panels ordered by slug.
func (m *Manager) Panels() []*Panel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Panel, 0, len(m.panels))
	for _, p := range m.panels {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slug < out[j].slug })
	return out
}

// Ready reports whether at least one panel is running.
func (m *Manager) Ready() bool {
	for _, p := range m.Panels() {
		if p.Started() {
			return true
		}
	}
	return false
}

// HandleCommand runs the command on its own goroutine so the broker's
// delivery path is never blocked by a panel round trip.
func (m *Manager) HandleCommand(panel, command string) {
	p, ok := m.Get(panel)
	if !ok {
		m.log.Warning("Command for unknown panel %s", panel)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := p.Execute(m.ctx, command); err != nil {
			m.log.Error("Command %s on panel %s failed: %v", command, panel, err)
		}
	}()
}

// Stop waits for running commands and stops every panel.
func (m *Manager) Stop() {
	m.wg.Wait()
	for _, p := range m.Panels() {
		p.Stop()
	}
}
