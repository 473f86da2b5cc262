package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fleet-dispatch-dashboard/dispatcher/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/", Username: "acme corp", Password: "p&ss", Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestRequestCarriesAccountAndPassword(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/acme%20corp/devices" {
			t.Errorf("unexpected path %q", r.URL.EscapedPath())
		}
		if got := r.URL.Query().Get("password"); got != "p&ss" {
			t.Errorf("expected password query param, got %q", got)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("credentials must not be sent as headers")
		}
		_, _ = io.WriteString(w, `{"devices":[{"number":"T1","name":"Truck"},{"number":2}]}`)
	})

	devices, err := c.Devices(context.Background())
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(devices) != 2 || devices[0].Number != "T1" || devices[1].Number != "2" {
		t.Fatalf("unexpected devices: %+v", devices)
	}
}

func TestBareArrayPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"deviceNumber":"T1","speed":12,"time":1700000000000}]`)
	})
	positions, err := c.Positions(context.Background())
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Speed != 12 {
		t.Fatalf("unexpected positions: %+v", positions)
	}
}

func TestUnexpectedListShapeIsTransportError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"maintenance","items":[{"number":"T1"}]}`)
	})
	devices, err := c.Devices(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "devices" {
		t.Fatalf("expected devices TransportError, got %T %v", err, err)
	}
	if devices != nil {
		t.Fatalf("expected no devices, got %+v", devices)
	}
}

func TestNullListIsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"positions":null}`)
	})
	positions, err := c.Positions(context.Background())
	if err != nil || positions == nil || len(positions) != 0 {
		t.Fatalf("expected empty positions, got %+v %v", positions, err)
	}
}

func TestErrorCodeOnSuccessStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"errorCode": 401, "errorDescription": "Invalid password"}`)
	})
	_, err := c.Devices(context.Background())
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %T %v", err, err)
	}
	if ue.Code != "401" || ue.Description != "Invalid password" || ue.Status != http.StatusOK {
		t.Fatalf("unexpected upstream error: %+v", ue)
	}
}

func TestZeroErrorCodeIsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"errorCode": 0, "state": {"vehicles": 3}}`)
	})
	state, err := c.FleetState(context.Background())
	if err != nil {
		t.Fatalf("fleet state: %v", err)
	}
	if string(state) != `{"vehicles": 3}` {
		t.Fatalf("expected unwrapped state, got %s", state)
	}
}

func TestNonSuccessStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})
	_, err := c.Positions(context.Background())
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusServiceUnavailable || ue.Code != "HTTP_503" {
		t.Fatalf("expected HTTP_503 upstream error, got %v", err)
	}
}

func TestTimeoutIsTransportError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Devices(ctx)
	if !IsTransport(err) {
		t.Fatalf("expected TransportError, got %T %v", err, err)
	}
	if strings.Contains(err.Error(), "p&ss") || strings.Contains(err.Error(), "p%26ss") {
		t.Fatalf("password leaked into error: %v", err)
	}
}

func TestActivitiesQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("latestRecordId") != "41" || q.Get("devices") != "T1;T2" || q.Get("types") != "TASK_VISIT" {
			t.Errorf("unexpected query %v", q)
		}
		_, _ = io.WriteString(w, `{"activities":[{"id":42,"type":"TASK_VISIT","deviceNumber":"T1"}]}`)
	})
	acts, err := c.Activities(context.Background(), ActivityQuery{LatestRecordID: 41, Devices: []string{"T1", "T2"}, Types: []string{"TASK_VISIT"}})
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 1 || acts[0].ID != 42 {
		t.Fatalf("unexpected activities: %+v", acts)
	}
}

func TestAddTaskValidationSendsNothing(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	lat := 95.0
	cases := []struct {
		device string
		task   models.Task
		field  string
	}{
		{"", models.Task{LocationAddress: "Main 1"}, "deviceNumber"},
		{"T1", models.Task{}, "locationAddress"},
		{"T1", models.Task{LocationAddress: "Main 1", LocationLatitude: &lat}, "locationLatitude"},
	}
	for _, tc := range cases {
		_, err := c.AddTask(context.Background(), tc.device, tc.task)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != tc.field {
			t.Fatalf("expected validation error on %s, got %v", tc.field, err)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no upstream calls, got %d", calls.Load())
	}
}

func TestAddTaskSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/tasks/T1/last") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["locationAddress"] != "Main 1" || body["password"] != "p&ss" {
			t.Errorf("unexpected body %v", body)
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.AddTask(context.Background(), "T1", models.Task{LocationAddress: "Main 1"})
	if !IsUpstream(err) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("mutations must not be retried, got %d calls", calls.Load())
	}
}

func TestActiveTaskEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"task": null}`)
	})
	task, err := c.ActiveTask(context.Background(), "T1")
	if err != nil || task != nil {
		t.Fatalf("expected no active task, got %+v %v", task, err)
	}
}

func TestPeriodSummaryRange(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") != "1000" || r.URL.Query().Get("to") != "2000" {
			t.Errorf("unexpected range %v", r.URL.Query())
		}
		_, _ = io.WriteString(w, `{"summary":{"distance":12.5}}`)
	})
	out, err := c.PeriodSummary(context.Background(), "T1", time.UnixMilli(1000), time.UnixMilli(2000))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if string(out) != `{"distance":12.5}` {
		t.Fatalf("unexpected summary %s", out)
	}
	if _, err := c.PeriodSummary(context.Background(), "T1", time.UnixMilli(2000), time.UnixMilli(2000)); !IsValidation(err) {
		t.Fatalf("expected validation error for empty range, got %v", err)
	}
}
