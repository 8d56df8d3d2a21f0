package dreamcatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/daemonp/dreamcatcher2mqtt/internal/types"
)

type published struct {
	topic   string
	payload []byte
}

type fakeTransport struct {
	mu        sync.Mutex
	handler   func(topic string, payload []byte)
	subTopic  string
	published chan published
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{published: make(chan published, 16)}
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Subscribe(_ context.Context, topic string, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subTopic = topic
	f.handler = handler
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte) error {
	f.published <- published{topic: topic, payload: payload}
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h("00s/01/x/300/P1/set/111", []byte(payload))
}

// next waits for the next published request and returns its envelope.
func (f *fakeTransport) next(t *testing.T) (string, message, map[string]interface{}) {
	t.Helper()
	select {
	case p := <-f.published:
		var env envelope
		if err := json.Unmarshal(p.payload, &env); err != nil {
			t.Fatalf("decode published envelope: %v", err)
		}
		var req map[string]interface{}
		if err := json.Unmarshal(env.Message.Request, &req); err != nil {
			t.Fatalf("decode published request: %v", err)
		}
		return p.topic, env.Message, req
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for publish")
	}
	return "", message{}, nil
}

type recordingListener struct {
	mu     sync.Mutex
	status []types.StatusEvent
	states []types.StateEvent
	alarms []types.AlarmEvent
}

func (r *recordingListener) OnStatus(e types.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, e)
}

func (r *recordingListener) OnStateChange(e types.StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, e)
}

func (r *recordingListener) OnAlarm(e types.AlarmEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarms = append(r.alarms, e)
}

func testSession() *types.Session {
	return &types.Session{Username: "bob", Alias: "Bob", InstallationID: "install-1", Token: "ABC"}
}

func dialTest(t *testing.T, opts ...Option) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	opts = append([]Option{WithTransport(ft), WithClientID("client-1")}, opts...)
	conn, err := Dial(context.Background(), testSession(), types.DeviceInfo{DeviceID: "P1", TimeZone: "Europe/London"}, opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn, ft
}

func response(ackMark, body string) string {
	return fmt.Sprintf(`{"message":{"type":"broadcast","from":"P1","to":"client-1","ack_mark":%q,"subject":"Control","response":%s}}`, ackMark, body)
}

func TestDialSubscribesToDeviceTopic(t *testing.T) {
	_, ft := dialTest(t)
	if ft.subTopic != "00s/01/x/300/P1/set/#" {
		t.Fatalf("unexpected subscribe topic %s", ft.subTopic)
	}
}

func TestSendEnvelope(t *testing.T) {
	conn, ft := dialTest(t)

	token, err := conn.Send(context.Background(), "ping", map[string]interface{}{"value": "1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	topic, msg, req := ft.next(t)
	if topic != "00s/01/x/300/P1/post/111" {
		t.Fatalf("unexpected publish topic %s", topic)
	}
	if msg.Type != "broadcast" || msg.To != "P1" || msg.From != "client-1" || msg.Username != "Bob" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	if msg.AckMark != token || token == "" {
		t.Fatalf("ack_mark %q should equal returned token %q", msg.AckMark, token)
	}
	if req["action"] != "ping" || req["value"] != "1" {
		t.Fatalf("unexpected request body: %v", req)
	}
}

func TestGetAllDevicesPaginated(t *testing.T) {
	conn, ft := dialTest(t)

	type result struct {
		devices []types.Device
		err     error
	}
	done := make(chan result, 1)
	go func() {
		devices, err := conn.GetAllDevices(context.Background())
		done <- result{devices, err}
	}()

	_, msg, req := ft.next(t)
	if req["action"] != ActionGetAllDevices {
		t.Fatalf("unexpected action %v", req["action"])
	}
	ft.deliver(response(msg.AckMark, `{"action":"get_all_devices","status":"200","page_flag":"1","devices":[{"dev_id":"D1","dev_name":"Door"},{"dev_id":"D2","dev_name":"PIR"}]}`))

	select {
	case <-done:
		t.Fatalf("request resolved before the last page")
	case <-time.After(50 * time.Millisecond):
	}

	ft.deliver(response(msg.AckMark, `{"action":"get_all_devices","status":"200","page_flag":"0","devices":[{"dev_id":"D3","dev_name":"Siren"}]}`))

	r := <-done
	if r.err != nil {
		t.Fatalf("GetAllDevices: %v", r.err)
	}
	want := []string{"D1", "D2", "D3"}
	if len(r.devices) != len(want) {
		t.Fatalf("expected %d devices, got %d", len(want), len(r.devices))
	}
	for i, id := range want {
		if r.devices[i].DeviceID != id {
			t.Fatalf("device %d: expected %s, got %s", i, id, r.devices[i].DeviceID)
		}
	}
	if got := conn.Devices(); len(got) != 3 {
		t.Fatalf("connection should keep merged list, got %d", len(got))
	}
}

func TestGetAllDevicesClearFlagAndDuplicates(t *testing.T) {
	conn, ft := dialTest(t)

	done := make(chan []types.Device, 1)
	go func() {
		devices, err := conn.GetAllDevices(context.Background())
		if err != nil {
			t.Errorf("GetAllDevices: %v", err)
		}
		done <- devices
	}()

	_, msg, _ := ft.next(t)
	ft.deliver(response(msg.AckMark, `{"action":"get_all_devices","page_flag":"1","devices":[{"dev_id":"OLD"}]}`))
	ft.deliver(response(msg.AckMark, `{"action":"get_all_devices","page_flag":"1","clear_flag":"1","devices":[{"dev_id":"D1","dev_name":"first"},{"dev_id":"D2"}]}`))
	ft.deliver(response(msg.AckMark, `{"action":"get_all_devices","page_flag":"0","devices":[{"dev_id":"D1","dev_name":"second"}]}`))

	devices := <-done
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices after clear and dedupe, got %+v", devices)
	}
	if devices[0].DeviceID != "D1" || devices[0].DeviceName != "second" {
		t.Fatalf("duplicate should resolve to last-seen entry, got %+v", devices[0])
	}
	if devices[1].DeviceID != "D2" {
		t.Fatalf("unexpected second device %+v", devices[1])
	}
}

func TestRepeatedGetAllDevicesDoesNotDuplicate(t *testing.T) {
	conn, ft := dialTest(t)

	for i := 0; i < 2; i++ {
		done := make(chan []types.Device, 1)
		go func() {
			devices, _ := conn.GetAllDevices(context.Background())
			done <- devices
		}()
		_, msg, _ := ft.next(t)
		ft.deliver(response(msg.AckMark, `{"action":"get_all_devices","page_flag":"0","devices":[{"dev_id":"D1"},{"dev_id":"D2"}]}`))
		if devices := <-done; len(devices) != 2 {
			t.Fatalf("call %d: expected 2 devices, got %d", i, len(devices))
		}
	}
}

func TestGetAllDevicesPagesWithoutAckMark(t *testing.T) {
	conn, ft := dialTest(t)

	done := make(chan []types.Device, 1)
	go func() {
		devices, err := conn.GetAllDevices(context.Background())
		if err != nil {
			t.Errorf("GetAllDevices: %v", err)
		}
		done <- devices
	}()
	ft.next(t)

	ft.deliver(response("", `{"action":"get_all_devices","status":"200","page_flag":"1","devices":[{"dev_id":"D1"}]}`))
	select {
	case <-done:
		t.Fatalf("request resolved before the last page")
	case <-time.After(50 * time.Millisecond):
	}
	ft.deliver(response("", `{"action":"get_all_devices","status":"200","page_flag":"0","devices":[{"dev_id":"D2"}]}`))

	devices := <-done
	if len(devices) != 2 || devices[0].DeviceID != "D1" || devices[1].DeviceID != "D2" {
		t.Fatalf("unexpected devices %+v", devices)
	}
	if n := conn.inflight.len(); n != 0 {
		t.Fatalf("expected empty in-flight table, got %d", n)
	}
}

func TestUnsolicitedDevicePagesMerge(t *testing.T) {
	conn, ft := dialTest(t)

	ft.deliver(response("", `{"action":"get_all_devices","page_flag":"1","devices":[{"dev_id":"D1"},{"dev_id":"D2"}]}`))
	if got := conn.Devices(); len(got) != 2 {
		t.Fatalf("expected 2 devices, got %+v", got)
	}

	ft.deliver(response("", `{"action":"get_all_devices","page_flag":"1","clear_flag":"1","devices":[{"dev_id":"D3","dev_name":"first"}]}`))
	ft.deliver(response("", `{"action":"get_all_devices","page_flag":"0","devices":[{"dev_id":"D3","dev_name":"second"},{"dev_id":"D4"}]}`))

	got := conn.Devices()
	if len(got) != 2 || got[0].DeviceID != "D3" || got[0].DeviceName != "second" || got[1].DeviceID != "D4" {
		t.Fatalf("clear flag should reset and duplicates replace in place, got %+v", got)
	}
}

func TestSetAlarmStateAcknowledged(t *testing.T) {
	conn, ft := dialTest(t)
	listener := &recordingListener{}
	conn.AddListener(listener)

	done := make(chan error, 1)
	go func() { done <- conn.SetAlarmState(context.Background(), types.AlarmStateArmedAway) }()

	_, msg, req := ft.next(t)
	if req["action"] != ActionSetAlarmState || req["alarm_state"] != "arm" {
		t.Fatalf("unexpected request %v", req)
	}
	ft.deliver(response(msg.AckMark, `{"action":"set_alarm_state","status":"200"}`))

	if err := <-done; err != nil {
		t.Fatalf("SetAlarmState: %v", err)
	}
	if got := conn.AlarmStatus().State; got != types.AlarmStateArmedAway {
		t.Fatalf("expected armed away, got %s", got)
	}
	if len(listener.states) != 1 || listener.states[0].State != types.AlarmStateArmedAway {
		t.Fatalf("expected one state event, got %+v", listener.states)
	}
}

func TestSetAlarmStateFailureKeepsState(t *testing.T) {
	conn, ft := dialTest(t)

	done := make(chan error, 1)
	go func() { done <- conn.SetAlarmState(context.Background(), types.AlarmStateArmedHome) }()

	_, msg, _ := ft.next(t)
	ft.deliver(response(msg.AckMark, `{"action":"set_alarm_state","status":"500","msg":"zone open"}`))

	err := <-done
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Status != "500" || reqErr.Message != "zone open" {
		t.Fatalf("unexpected error %+v", reqErr)
	}
	if got := conn.AlarmStatus().State; got != types.AlarmStateUnknown {
		t.Fatalf("state should not change on failure, got %s", got)
	}
}

func TestGetCurrentAlarmState(t *testing.T) {
	conn, ft := dialTest(t)

	done := make(chan types.AlarmStatus, 1)
	go func() {
		status, err := conn.GetCurrentAlarmState(context.Background())
		if err != nil {
			t.Errorf("GetCurrentAlarmState: %v", err)
		}
		done <- status
	}()

	_, msg, _ := ft.next(t)
	ft.deliver(response(msg.AckMark, `{"action":"get_alarm_state","alarm_state":"home","alarm":"1"}`))

	status := <-done
	if status.State != types.AlarmStateArmedHome || !status.Alarm {
		t.Fatalf("unexpected status %+v", status)
	}
	if conn.AlarmStatus() != status {
		t.Fatalf("connection state not updated: %+v", conn.AlarmStatus())
	}
}

func TestGetCurrentAlarmStateWithoutStateKeepsLast(t *testing.T) {
	conn, ft := dialTest(t)
	ft.deliver(response("", `{"action":"alarm_state","alarm_state":"arm"}`))

	done := make(chan error, 1)
	var status types.AlarmStatus
	go func() {
		var err error
		status, err = conn.GetCurrentAlarmState(context.Background())
		done <- err
	}()

	_, msg, _ := ft.next(t)
	ft.deliver(response(msg.AckMark, `{"action":"get_alarm_state","status":"200"}`))

	if err := <-done; err != nil {
		t.Fatalf("a success status must not be rejected: %v", err)
	}
	if status.State != types.AlarmStateArmedAway || conn.AlarmStatus().State != types.AlarmStateArmedAway {
		t.Fatalf("last known state should be kept, got %+v", status)
	}
}

func TestForeignAckMarkDoesNotResolveRequest(t *testing.T) {
	conn, ft := dialTest(t)

	done := make(chan error, 1)
	go func() { done <- conn.SetAlarmState(context.Background(), types.AlarmStateArmedAway) }()
	_, msg, _ := ft.next(t)

	ft.deliver(response("someone-elses-token", `{"action":"set_alarm_state","status":"500","msg":"other app"}`))
	select {
	case err := <-done:
		t.Fatalf("reply to another client resolved our request: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if n := conn.inflight.len(); n != 1 {
		t.Fatalf("request should still be pending, got %d", n)
	}

	ft.deliver(response(msg.AckMark, `{"action":"set_alarm_state","status":"200"}`))
	if err := <-done; err != nil {
		t.Fatalf("SetAlarmState: %v", err)
	}
	if got := conn.AlarmStatus().State; got != types.AlarmStateArmedAway {
		t.Fatalf("expected armed away, got %s", got)
	}
}

func TestOverlappingRequestsBothResolve(t *testing.T) {
	conn, ft := dialTest(t)

	results := make(chan types.AlarmStatus, 2)
	for i := 0; i < 2; i++ {
		go func() {
			status, err := conn.GetCurrentAlarmState(context.Background())
			if err != nil {
				t.Errorf("GetCurrentAlarmState: %v", err)
			}
			results <- status
		}()
	}
	ft.next(t)
	ft.next(t)

	// Responses without ack_mark resolve the oldest request first.
	ft.deliver(response("", `{"action":"get_alarm_state","alarm_state":"disarm"}`))
	ft.deliver(response("", `{"action":"get_alarm_state","alarm_state":"arm"}`))

	seen := map[types.AlarmState]bool{}
	for i := 0; i < 2; i++ {
		select {
		case s := <-results:
			seen[s.State] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("request %d never resolved", i)
		}
	}
	if !seen[types.AlarmStateDisarmed] || !seen[types.AlarmStateArmedAway] {
		t.Fatalf("expected both responses to be delivered, got %v", seen)
	}
}

func TestAckMarkSelectsRequest(t *testing.T) {
	conn, ft := dialTest(t)

	first := make(chan types.AlarmStatus, 1)
	second := make(chan types.AlarmStatus, 1)
	go func() {
		s, _ := conn.GetCurrentAlarmState(context.Background())
		first <- s
	}()
	_, firstMsg, _ := ft.next(t)
	go func() {
		s, _ := conn.GetCurrentAlarmState(context.Background())
		second <- s
	}()
	_, secondMsg, _ := ft.next(t)

	ft.deliver(response(secondMsg.AckMark, `{"action":"get_alarm_state","alarm_state":"home"}`))
	ft.deliver(response(firstMsg.AckMark, `{"action":"get_alarm_state","alarm_state":"disarm"}`))

	if s := <-second; s.State != types.AlarmStateArmedHome {
		t.Fatalf("second request got %s", s.State)
	}
	if s := <-first; s.State != types.AlarmStateDisarmed {
		t.Fatalf("first request got %s", s.State)
	}
}

func TestRequestTimeoutClearsInflight(t *testing.T) {
	conn, ft := dialTest(t, WithRequestTimeout(20*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := conn.GetCurrentAlarmState(context.Background())
		done <- err
	}()
	ft.next(t)

	err := <-done
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if n := conn.inflight.len(); n != 0 {
		t.Fatalf("expected empty in-flight table, got %d", n)
	}

	// A late response is treated as unsolicited and only updates state.
	ft.deliver(response("", `{"action":"get_alarm_state","alarm_state":"arm"}`))
	if got := conn.AlarmStatus().State; got != types.AlarmStateArmedAway {
		t.Fatalf("late broadcast should update state, got %s", got)
	}
}

func TestAlarmSubjectEmitsEventOnly(t *testing.T) {
	conn, ft := dialTest(t)
	listener := &recordingListener{}
	conn.AddListener(listener)
	before := conn.AlarmStatus()

	ft.deliver(`{"message":{"type":"broadcast","from":"P1","subject":"Alarm","request":{"dev_id":"P1","item_id":"7","item_name":"Back Door","event_type":"1132","timestamp":"1700000000"}}}`)

	if len(listener.alarms) != 1 {
		t.Fatalf("expected one alarm event, got %d", len(listener.alarms))
	}
	ev := listener.alarms[0]
	if ev.ItemID != "7" || ev.ItemName != "Back Door" || ev.EventType != 1132 {
		t.Fatalf("unexpected alarm event %+v", ev)
	}
	if !ev.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected timestamp %v", ev.Timestamp)
	}
	if ev.TimeZone != "Europe/London" {
		t.Fatalf("time zone should fall back to device info, got %q", ev.TimeZone)
	}
	if conn.AlarmStatus() != before || len(listener.states) != 0 || len(conn.Devices()) != 0 {
		t.Fatalf("alarm event must not change connection state")
	}
}

func TestDeviceStatusEvent(t *testing.T) {
	conn, ft := dialTest(t)
	var got []types.StatusEvent
	remove := conn.AddListener(ListenerFuncs{Status: func(e types.StatusEvent) { got = append(got, e) }})

	ft.deliver(response("", `{"action":"device_status","online":"1","model":"DC-100"}`))
	if !conn.Online() || conn.Model() != "DC-100" {
		t.Fatalf("unexpected status online=%t model=%s", conn.Online(), conn.Model())
	}

	remove()
	ft.deliver(response("", `{"action":"device_status","online":"0"}`))
	if conn.Online() {
		t.Fatalf("expected offline")
	}
	if len(got) != 1 || !got[0].Online || got[0].Model != "DC-100" {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestAlarmStateBroadcastEmitsOnChange(t *testing.T) {
	conn, ft := dialTest(t)
	listener := &recordingListener{}
	conn.AddListener(listener)

	ft.deliver(response("", `{"action":"alarm_state","alarm_state":"arm"}`))
	ft.deliver(response("", `{"action":"alarm_state","alarm_state":"arm"}`))
	if len(listener.states) != 1 || listener.states[0].State != types.AlarmStateArmedAway {
		t.Fatalf("expected one state event, got %+v", listener.states)
	}

	ft.deliver(response("", `{"action":"alarm_state","alarm_state":"arm","alarm":"1"}`))
	ft.deliver(response("", `{"action":"alarm_state","alarm_state":"disarm"}`))
	if len(listener.states) != 3 {
		t.Fatalf("expected three state events, got %+v", listener.states)
	}
	if !listener.states[1].Alarm || listener.states[2].State != types.AlarmStateDisarmed {
		t.Fatalf("unexpected events %+v", listener.states)
	}
}

func TestUnrecognisedMessagesAreDropped(t *testing.T) {
	conn, ft := dialTest(t)
	listener := &recordingListener{}
	conn.AddListener(listener)

	ft.deliver(`not json`)
	ft.deliver(`{"message":{"subject":"Control"}}`)
	ft.deliver(response("", `{"status":"200"}`))
	ft.deliver(response("", `{"action":"firmware_update","status":"200"}`))

	if len(listener.states)+len(listener.alarms)+len(listener.status) != 0 {
		t.Fatalf("dropped messages must not emit events")
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	conn, ft := dialTest(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.GetAllDevices(context.Background())
		done <- err
	}()
	ft.next(t)
	conn.Close()

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if !ft.closed {
		t.Fatalf("transport should be closed")
	}
	if _, err := conn.Send(context.Background(), "ping", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close should fail, got %v", err)
	}
}
