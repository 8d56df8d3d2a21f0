package types

import "testing"

func TestAlarmStateWireRoundTrip(t *testing.T) {
	for _, state := range []AlarmState{AlarmStateDisarmed, AlarmStateArmedAway, AlarmStateArmedHome} {
		got, err := ParseAlarmState(state.Wire())
		if err != nil {
			t.Fatalf("parse %s: %v", state, err)
		}
		if got != state {
			t.Fatalf("expected %s, got %s", state, got)
		}
	}
	if _, err := ParseAlarmState("panic"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestEndpointDefaults(t *testing.T) {
	info := DeviceInfo{Host: "10.0.0.5"}
	if got := info.Endpoint(); got != "10.0.0.5:1883" {
		t.Fatalf("unexpected endpoint %s", got)
	}
	r := Routing{UACHost: "1.2.3.4"}
	if got := r.UACAddr(); got != "1.2.3.4" {
		t.Fatalf("unexpected uac addr %s", got)
	}
	r.UACPort = 8080
	if got := r.UACAddr(); got != "1.2.3.4:8080" {
		t.Fatalf("unexpected uac addr %s", got)
	}
}
