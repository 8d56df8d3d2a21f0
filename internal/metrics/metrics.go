package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/daemonp/dreamcatcher2mqtt/internal/types"
)

// Collector records connection and bridge activity as Prometheus metrics.
// It satisfies dreamcatcher.Metrics.
type Collector struct {
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	inFlight         *prometheus.GaugeVec
	online           *prometheus.GaugeVec
	alarmState       *prometheus.GaugeVec
	alarming         *prometheus.GaugeVec
	alarmEvents      *prometheus.CounterVec
}

func NewCollector() *Collector {
	return &Collector{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dreamcatcher_messages_received_total",
			Help: "Inbound panel messages by kind (response, unsolicited, alarm)",
		}, []string{"device_id", "kind"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dreamcatcher_messages_dropped_total",
			Help: "Inbound panel messages that were logged and discarded",
		}, []string{"device_id", "reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dreamcatcher_requests_total",
			Help: "Panel requests by action and outcome",
		}, []string{"device_id", "action", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dreamcatcher_request_duration_seconds",
			Help:    "Time from publish to resolution of panel requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"action"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dreamcatcher_requests_in_flight",
			Help: "Requests awaiting a panel response",
		}, []string{"device_id"}),
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dreamcatcher_panel_online",
			Help: "Whether the panel reports itself online (1=yes, 0=no)",
		}, []string{"device_id"}),
		alarmState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dreamcatcher_panel_alarm_state",
			Help: "Current arm state (label), 1 for the active state",
		}, []string{"device_id", "state"}),
		alarming: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dreamcatcher_panel_alarm_active",
			Help: "Whether the panel is sounding an alarm (1=yes, 0=no)",
		}, []string{"device_id"}),
		alarmEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dreamcatcher_alarm_events_total",
			Help: "Alarm events received by event type",
		}, []string{"device_id", "event_type"}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.messagesReceived.Describe(ch)
	c.messagesDropped.Describe(ch)
	c.requests.Describe(ch)
	c.requestDuration.Describe(ch)
	c.inFlight.Describe(ch)
	c.online.Describe(ch)
	c.alarmState.Describe(ch)
	c.alarming.Describe(ch)
	c.alarmEvents.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.messagesReceived.Collect(ch)
	c.messagesDropped.Collect(ch)
	c.requests.Collect(ch)
	c.requestDuration.Collect(ch)
	c.inFlight.Collect(ch)
	c.online.Collect(ch)
	c.alarmState.Collect(ch)
	c.alarming.Collect(ch)
	c.alarmEvents.Collect(ch)
}

func (c *Collector) MessageReceived(deviceID, kind string) {
	c.messagesReceived.WithLabelValues(deviceID, kind).Inc()
}

func (c *Collector) MessageDropped(deviceID, reason string) {
	c.messagesDropped.WithLabelValues(deviceID, reason).Inc()
}

func (c *Collector) RequestFinished(deviceID, action, result string, elapsed time.Duration) {
	c.requests.WithLabelValues(deviceID, action, result).Inc()
	c.requestDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (c *Collector) InFlight(deviceID string, n int) {
	c.inFlight.WithLabelValues(deviceID).Set(float64(n))
}

func (c *Collector) Online(deviceID string, online bool) {
	c.online.WithLabelValues(deviceID).Set(boolToFloat(online))
}

func (c *Collector) AlarmState(deviceID string, status types.AlarmStatus) {
	c.alarmState.DeletePartialMatch(prometheus.Labels{"device_id": deviceID})
	c.alarmState.WithLabelValues(deviceID, stateLabel(status.State)).Set(1)
	c.alarming.WithLabelValues(deviceID).Set(boolToFloat(status.Alarm))
}

// AlarmEvent counts an alarm notification. It is fed by the bridge, not
// by the connection.
func (c *Collector) AlarmEvent(event types.AlarmEvent) {
	panelID := event.PanelID
	if panelID == "" {
		panelID = event.DeviceID
	}
	c.alarmEvents.WithLabelValues(panelID, strconv.Itoa(event.EventType)).Inc()
}

func stateLabel(s types.AlarmState) string {
	if w := s.Wire(); w != "" {
		return w
	}
	return "unknown"
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
