package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDeviceStatus(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	fresh := MillisOf(now.Add(-time.Minute))
	stale := MillisOf(now.Add(-OnlineWindow))

	cases := []struct {
		name string
		pos  *Position
		want Status
	}{
		{"no position", nil, StatusOffline},
		{"no time", &Position{Speed: 50, IgnitionState: IgnitionOn}, StatusOffline},
		{"stale fast", &Position{Speed: 120, IgnitionState: IgnitionOn, Time: stale}, StatusOffline},
		{"moving", &Position{Speed: 40, IgnitionState: IgnitionOn, Time: fresh}, StatusMoving},
		{"moving ignition off", &Position{Speed: 6, IgnitionState: IgnitionOff, Time: fresh}, StatusMoving},
		{"idle", &Position{Speed: 5, IgnitionState: IgnitionOn, Time: fresh}, StatusIdle},
		{"stopped", &Position{Speed: 0, IgnitionState: IgnitionOff, Time: fresh}, StatusStopped},
		{"unknown ignition", &Position{Speed: 0, Time: fresh}, StatusStopped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeviceStatus(tc.pos, now); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestStatusFilter(t *testing.T) {
	f, ok := ParseStatusFilter(" Online ")
	if !ok || f != FilterOnline {
		t.Fatalf("expected online filter, got %q %v", f, ok)
	}
	if !f.Match(StatusIdle) || f.Match(StatusOffline) {
		t.Fatalf("online filter should match idle and reject offline")
	}
	if _, ok := ParseStatusFilter("parked"); ok {
		t.Fatalf("expected unknown filter to be rejected")
	}
	if all, _ := ParseStatusFilter(""); !all.Match(StatusOffline) {
		t.Fatalf("empty filter should match everything")
	}
}

func TestPositionDecodesProviderShapes(t *testing.T) {
	raw := `{"deviceNumber": 1042, "lat": 56.95, "lng": 24.1, "speed": 95, "ignitionState": "ON", "time": "2024-03-01T10:00:00Z", "course": 180}`
	var p Position
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.DeviceNumber != "1042" {
		t.Fatalf("expected numeric device number as string, got %q", p.DeviceNumber)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli()
	if int64(p.Time) != want {
		t.Fatalf("expected time %d, got %d", want, p.Time)
	}
	if string(p.Extra["course"]) != "180" {
		t.Fatalf("expected extra field to be kept, got %#v", p.Extra)
	}

	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"course":180`) || !strings.Contains(string(out), `"deviceNumber":"1042"`) {
		t.Fatalf("unexpected encoding: %s", out)
	}
}

func TestActivityKeepsPayload(t *testing.T) {
	raw := `{"id": 77, "type": "TASK_VISIT", "deviceNumber": "T1", "created": 1700000000000, "taskId": 9}`
	var a Activity
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if a.ID != 77 || a.Type != ActivityTaskVisit || a.Created != 1700000000000 {
		t.Fatalf("unexpected activity: %+v", a)
	}
	if _, ok := a.Payload["taskId"]; !ok {
		t.Fatalf("expected payload to carry taskId")
	}
}

func TestMillisLenientStrings(t *testing.T) {
	var m Millis
	if err := json.Unmarshal([]byte(`"1700000000000"`), &m); err != nil || m != 1700000000000 {
		t.Fatalf("numeric string: %d %v", m, err)
	}
	if err := json.Unmarshal([]byte(`"not a time"`), &m); err != nil || m != 0 {
		t.Fatalf("garbage should decode as absent: %d %v", m, err)
	}
	if err := json.Unmarshal([]byte(`null`), &m); err != nil || !m.IsZero() {
		t.Fatalf("null should decode as absent: %d %v", m, err)
	}
}

func TestDeviceDisplayName(t *testing.T) {
	if got := (Device{Number: "T1"}).DisplayName(); got != "T1" {
		t.Fatalf("expected fallback to number, got %q", got)
	}
	if got := (Device{Number: "T1", Name: "Truck 1"}).DisplayName(); got != "Truck 1" {
		t.Fatalf("expected name, got %q", got)
	}
}
