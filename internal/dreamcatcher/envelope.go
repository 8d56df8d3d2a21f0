package dreamcatcher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/daemonp/dreamcatcher2mqtt/internal/types"
	"github.com/daemonp/dreamcatcher2mqtt/internal/util"
)

const (
	ActionGetAllDevices = "get_all_devices"
	ActionGetAlarmState = "get_alarm_state"
	ActionSetAlarmState = "set_alarm_state"
	ActionDeviceStatus  = "device_status"
	ActionAlarmState    = "alarm_state"

	SubjectControl = "Control"
	SubjectAlarm   = "Alarm"

	messageTypeBroadcast = "broadcast"
	statusOK             = "200"
)

func PublishTopic(deviceID string) string {
	return fmt.Sprintf("00s/01/x/300/%s/post/111", deviceID)
}

func SubscribeTopic(deviceID string) string {
	return fmt.Sprintf("00s/01/x/300/%s/set/#", deviceID)
}

type envelope struct {
	Message message `json:"message"`
}

type message struct {
	Type     string          `json:"type"`
	To       string          `json:"to"`
	From     string          `json:"from"`
	Username string          `json:"username"`
	AckMark  string          `json:"ack_mark"`
	Subject  string          `json:"subject"`
	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// body is the union of every request/response payload the panels send.
// Fields that do not apply to a given action are left empty.
type body struct {
	Action     string          `json:"action"`
	Status     util.FlexString `json:"status"`
	Msg        string          `json:"msg"`
	PageFlag   util.FlexString `json:"page_flag"`
	ClearFlag  util.FlexString `json:"clear_flag"`
	Devices    []types.Device  `json:"devices"`
	AlarmState util.FlexString `json:"alarm_state"`
	Alarm      util.FlexString `json:"alarm"`
	Online     util.FlexString `json:"online"`
	Model      string          `json:"model"`
	DeviceID   string          `json:"dev_id"`
	ItemID     util.FlexString `json:"item_id"`
	ItemName   string          `json:"item_name"`
	EventType  util.FlexString `json:"event_type"`
	Timestamp  util.FlexString `json:"timestamp"`
	TimeZone   string          `json:"time_zone"`
}

// failure reports an explicit non-success status. A missing status counts
// as success.
func (b *body) failure() error {
	if b.Status.IsZero() || b.Status.String() == statusOK {
		return nil
	}
	return &RequestError{Action: b.Action, Status: b.Status.String(), Message: b.Msg}
}

// lastPage is true unless the panel flags that more pages follow.
func (b *body) lastPage() bool {
	return b.PageFlag.IsZero() || b.PageFlag.String() == "0"
}

func encodeRequest(msg message, action string, payload map[string]interface{}) ([]byte, error) {
	req := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		req[k] = v
	}
	req["action"] = action
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", action, err)
	}
	msg.Type = messageTypeBroadcast
	msg.Request = raw
	return json.Marshal(envelope{Message: msg})
}

// decodeMessage parses an inbound envelope. The returned body comes from
// the response section, falling back to the request section for messages
// the panel originates itself.
func decodeMessage(payload []byte) (message, *body, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return message{}, nil, err
	}
	raw := env.Message.Response
	if len(raw) == 0 || string(raw) == "null" {
		raw = env.Message.Request
	}
	if len(raw) == 0 || string(raw) == "null" {
		return env.Message, nil, nil
	}
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return env.Message, nil, err
	}
	return env.Message, &b, nil
}

func (b *body) alarmEvent(fallbackDeviceID string) types.AlarmEvent {
	deviceID := b.DeviceID
	if deviceID == "" {
		deviceID = fallbackDeviceID
	}
	return types.AlarmEvent{
		DeviceID:  deviceID,
		ItemID:    b.ItemID.String(),
		ItemName:  util.Normalize(b.ItemName),
		EventType: b.EventType.Int(),
		Timestamp: parseTimestamp(b.Timestamp.String(), b.TimeZone),
		TimeZone:  b.TimeZone,
	}
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
}

// parseTimestamp accepts unix seconds or one of the wall-clock layouts the
// panels emit, interpreted in the panel's time zone when it is known.
func parseTimestamp(s, zone string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if secs := util.FlexString(s).Int(); secs > 0 {
		return time.Unix(int64(secs), 0).UTC()
	}
	loc := time.UTC
	if zone != "" {
		if l, err := time.LoadLocation(zone); err == nil {
			loc = l
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t
		}
	}
	return time.Time{}
}
