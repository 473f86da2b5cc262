package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerWritesEventAndMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "dispatcher", "test", "1.2.3", "info")
	logger.With(slog.String("component", "poller")).Info(context.Background(), "poll_ok", "tick applied", slog.Int("count", 3))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if rec["event"] != "poll_ok" || rec["msg"] != "tick applied" {
		t.Fatalf("unexpected event/msg: %#v", rec)
	}
	if rec["service"] != "dispatcher" || rec["version"] != "1.2.3" || rec["component"] != "poller" {
		t.Fatalf("missing base attrs: %#v", rec)
	}
	if _, ok := rec["ts"]; !ok {
		t.Fatalf("expected ts key: %#v", rec)
	}
}

func TestCallerAttrsCannotShadowEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "dispatcher", "test", "", "info")
	logger.Warn(context.Background(), "subscriber_evicted", "subscriber send buffer full, disconnecting",
		slog.String("broadcast_event", "positions:update"),
	)

	line := buf.String()
	if n := strings.Count(line, `"event":`); n != 1 {
		t.Fatalf("expected exactly one event key, got %d: %s", n, line)
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, line)
	}
	if rec["event"] != "subscriber_evicted" || rec["msg"] != "subscriber send buffer full, disconnecting" {
		t.Fatalf("unexpected event/msg: %#v", rec)
	}
	if rec["broadcast_event"] != "positions:update" {
		t.Fatalf("missing broadcast_event: %#v", rec)
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "dispatcher", "test", "", "warn")
	logger.Debug(context.Background(), "noise", "dropped")
	logger.Info(context.Background(), "noise", "dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %s", buf.String())
	}
	logger.Warn(context.Background(), "kept", "kept")
	if buf.Len() == 0 {
		t.Fatalf("expected warn record")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var logger Logger
	logger.Info(context.Background(), "x", "y")
	Nop().Error(context.TODO(), "x", "y")
}
