package types

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Routing holds the per-user service addresses handed out by the cloud
// during discovery and login.
type Routing struct {
	UACHost  string
	UACPort  int
	MQTTHost string
	MQTTPort int
}

// UACAddr returns host[:port] of the user access controller.
func (r Routing) UACAddr() string {
	if r.UACPort == 0 {
		return r.UACHost
	}
	return net.JoinHostPort(r.UACHost, strconv.Itoa(r.UACPort))
}

// Session is the result of a successful login. It is never mutated.
type Session struct {
	Username       string
	Alias          string
	InstallationID string
	Token          string
	Routing        Routing
	CreatedAt      time.Time
}

// DeviceInfo describes a registered alarm panel as listed by the cloud.
type DeviceInfo struct {
	DeviceID  string
	ProductID string
	Name      string
	Host      string
	Port      int
	TimeZone  string
	Online    bool
}

// Endpoint returns the host:port of the device's command broker.
func (d DeviceInfo) Endpoint() string {
	port := d.Port
	if port == 0 {
		port = 1883
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// DeviceNode is a single sensor channel of a peripheral device.
type DeviceNode struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`
	NodeType string `json:"node_type"`
	Status   string `json:"status"`
}

// Device is a peripheral (sensor, siren, keypad) paired with a panel.
type Device struct {
	DeviceID   string       `json:"dev_id"`
	DeviceName string       `json:"dev_name"`
	DeviceType string       `json:"dev_type"`
	Battery    string       `json:"battery,omitempty"`
	Nodes      []DeviceNode `json:"nodes,omitempty"`
}

type AlarmState int

const (
	AlarmStateUnknown AlarmState = iota
	AlarmStateDisarmed
	AlarmStateArmedAway
	AlarmStateArmedHome
)

func (a AlarmState) String() string {
	switch a {
	case AlarmStateDisarmed:
		return "Disarmed"
	case AlarmStateArmedAway:
		return "Armed Away"
	case AlarmStateArmedHome:
		return "Armed Home"
	default:
		return fmt.Sprintf("Unknown AlarmState(%d)", a)
	}
}

// Wire returns the value the panel protocol uses for the state.
func (a AlarmState) Wire() string {
	switch a {
	case AlarmStateDisarmed:
		return "disarm"
	case AlarmStateArmedAway:
		return "arm"
	case AlarmStateArmedHome:
		return "home"
	default:
		return ""
	}
}

// ParseAlarmState maps a protocol value back to an AlarmState.
func ParseAlarmState(s string) (AlarmState, error) {
	switch s {
	case "disarm", "0":
		return AlarmStateDisarmed, nil
	case "arm", "1":
		return AlarmStateArmedAway, nil
	case "home", "2":
		return AlarmStateArmedHome, nil
	default:
		return AlarmStateUnknown, fmt.Errorf("unknown alarm state %q", s)
	}
}

// AlarmStatus is the arm state together with the "alarm is sounding" flag.
type AlarmStatus struct {
	State AlarmState
	Alarm bool
}

type StatusEvent struct {
	DeviceID string
	Online   bool
	Model    string
}

type StateEvent struct {
	DeviceID string
	State    AlarmState
	Alarm    bool
}

// AlarmEvent is an alarm raised by a panel. DeviceID names the reporting
// device, which may be a peripheral; PanelID is always the panel.
type AlarmEvent struct {
	PanelID   string    `json:"panel_id"`
	DeviceID  string    `json:"dev_id"`
	ItemID    string    `json:"item_id"`
	ItemName  string    `json:"item_name"`
	EventType int       `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	TimeZone  string    `json:"time_zone"`
}
