package panel

import (
	"github.com/daemonp/dreamcatcher2mqtt/internal/dreamcatcher"
	"github.com/daemonp/dreamcatcher2mqtt/internal/types"
)

// Publisher mirrors panel state onto the local broker. It is satisfied by
// *mqtt.MQTT.
type Publisher interface {
	RegisterPanel(panel string)
	PublishPanelInfo(panel string, info types.DeviceInfo, model string)
	PublishPanelState(panel string, status types.AlarmStatus)
	PublishConnectivity(panel string, online bool)
	PublishDevice(panel, device string, d types.Device)
	PublishAlarm(panel string, event types.AlarmEvent)
}

// Discovery announces entities to Home Assistant.
type Discovery interface {
	PublishPanel(panel string, info types.DeviceInfo, model string)
	PublishDevices(panel string, info types.DeviceInfo, model string, devices []types.Device)
}

// Store persists the device list and the alarm journal between runs.
type Store interface {
	SaveDevices(panelID string, devices []types.Device) error
	LoadDevices(panelID string) ([]types.Device, error)
	AppendAlarm(panelID string, event types.AlarmEvent) error
}

type Metrics interface {
	dreamcatcher.Metrics
	AlarmEvent(event types.AlarmEvent)
}

// Command is a request written to a panel's command topic.
type Command string

const (
	CommandDisarm  Command = "disarm"
	CommandArmAway Command = "arm_away"
	CommandArmHome Command = "arm_home"
)

// State returns the alarm state a command asks for.
func (c Command) State() (types.AlarmState, bool) {
	switch c {
	case CommandDisarm:
		return types.AlarmStateDisarmed, true
	case CommandArmAway, "arm":
		return types.AlarmStateArmedAway, true
	case CommandArmHome, "home":
		return types.AlarmStateArmedHome, true
	default:
		return types.AlarmStateUnknown, false
	}
}
