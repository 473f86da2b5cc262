package snapshot

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"fleet-dispatch-dashboard/dispatcher/internal/models"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func fixedClock() time.Time { return testNow }

func pos(device string, speed float64, ignition string, age time.Duration) models.Position {
	return models.Position{
		DeviceNumber:  models.FlexString(device),
		Speed:         speed,
		IgnitionState: ignition,
		Time:          models.MillisOf(testNow.Add(-age)),
	}
}

func TestReplacePositionsKeepsAbsentDevices(t *testing.T) {
	s := New(WithClock(fixedClock))
	first := s.ReplacePositions([]models.Position{pos("T1", 10, "ON", 0), pos("T2", 0, "OFF", 0)})
	if len(first) != 2 || first[0].Previous != nil {
		t.Fatalf("first batch should have no previous samples: %+v", first)
	}

	second := s.ReplacePositions([]models.Position{pos("T1", 20, "ON", 0), {Speed: 99}})
	if len(second) != 1 {
		t.Fatalf("positions without device number must be skipped, got %d updates", len(second))
	}
	if second[0].Previous == nil || second[0].Previous.Speed != 10 || second[0].Current.Speed != 20 {
		t.Fatalf("expected previous/current pair, got %+v", second[0])
	}
	if p, ok := s.Position("T2"); !ok || p.IgnitionState != "OFF" {
		t.Fatalf("T2 should retain its last known position")
	}
	all := s.Positions()
	if len(all) != 2 || all[0].DeviceNumber != "T1" || all[1].DeviceNumber != "T2" {
		t.Fatalf("unexpected positions %+v", all)
	}
}

func activities(ids ...int64) []models.Activity {
	out := make([]models.Activity, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Activity{ID: id, Type: "STOP", DeviceNumber: "T1"})
	}
	return out
}

func TestAppendActivitiesIdempotent(t *testing.T) {
	s := New()
	if got := s.AppendActivities(nil); len(got) != 0 || s.LastActivityID() != -1 {
		t.Fatalf("empty batch must be a no-op")
	}

	added := s.AppendActivities(activities(3, 1, 2))
	if len(added) != 3 || added[0].ID != 1 || added[2].ID != 3 {
		t.Fatalf("expected ascending new activities, got %+v", added)
	}
	if s.LastActivityID() != 3 {
		t.Fatalf("expected watermark 3, got %d", s.LastActivityID())
	}

	if again := s.AppendActivities(activities(1, 2, 3)); len(again) != 0 {
		t.Fatalf("re-delivery must not add anything, got %+v", again)
	}
	if s.LastActivityID() != 3 || len(s.Activities(0)) != 3 {
		t.Fatalf("re-delivery changed state: watermark=%d len=%d", s.LastActivityID(), len(s.Activities(0)))
	}

	added = s.AppendActivities(activities(2, 4, 4))
	if len(added) != 1 || added[0].ID != 4 {
		t.Fatalf("expected only id 4, got %+v", added)
	}
	list := s.Activities(0)
	if list[0].ID != 4 || list[len(list)-1].ID != 1 {
		t.Fatalf("activities should be newest first, got %+v", list)
	}
}

func TestBuffersStayWithinCaps(t *testing.T) {
	s := New(WithClock(fixedClock))
	var next int64
	for batch := 0; batch < 30; batch++ {
		ids := make([]int64, 0, 7)
		for i := 0; i < 7; i++ {
			next++
			ids = append(ids, next)
		}
		s.AppendActivities(activities(ids...))
	}
	for i := 0; i < 120; i++ {
		s.RecordAlert(models.Alert{ID: fmt.Sprint(i), Timestamp: testNow})
	}

	acts := s.Activities(0)
	if len(acts) != DefaultActivityCap || acts[0].ID != next {
		t.Fatalf("expected %d activities headed by %d, got %d headed by %d", DefaultActivityCap, next, len(acts), acts[0].ID)
	}
	alerts := s.Alerts(0)
	if len(alerts) != DefaultAlertCap || alerts[len(alerts)-1].ID != "119" {
		t.Fatalf("expected newest %d alerts, got %d", DefaultAlertCap, len(alerts))
	}
}

func TestPruneAndDismissAlerts(t *testing.T) {
	s := New(WithClock(fixedClock))
	s.RecordAlert(models.Alert{ID: "old", Timestamp: testNow.Add(-6 * time.Minute)})
	s.RecordAlert(models.Alert{ID: "edge", Timestamp: testNow.Add(-5 * time.Minute)})
	s.RecordAlert(models.Alert{ID: "new", Timestamp: testNow.Add(-time.Minute)})
	s.RecordAlert(models.Alert{ID: "newer", Timestamp: testNow})

	if removed := s.PruneAlertsOlderThan(5 * time.Minute); removed != 2 {
		t.Fatalf("expected 2 pruned, got %d", removed)
	}
	if !s.DismissAlert("new") || s.DismissAlert("new") {
		t.Fatalf("dismiss should succeed once")
	}
	left := s.Alerts(0)
	if len(left) != 1 || left[0].ID != "newer" {
		t.Fatalf("unexpected alerts %+v", left)
	}
	if s.ClearAlerts() != 1 || len(s.Alerts(0)) != 0 {
		t.Fatalf("clear should remove everything")
	}
}

func TestFleetStatsPartition(t *testing.T) {
	s := New(WithClock(fixedClock))
	s.ReplaceDevices([]models.Device{{Number: "T1"}, {Number: "T2"}, {Number: "T3"}, {Number: "T4"}, {Number: "T5"}})
	s.ReplacePositions([]models.Position{
		pos("T1", 50, "ON", time.Minute),
		pos("T2", 2, "ON", time.Minute),
		pos("T3", 0, "OFF", time.Minute),
		pos("T4", 80, "ON", 10*time.Minute),
		pos("ORPHAN", 80, "ON", 0),
	})

	got := s.ComputeFleetStats()
	want := models.FleetStats{Total: 5, Online: 3, Offline: 2, Moving: 1, Idle: 1, Stopped: 1}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestFleetStatsInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := New(WithClock(fixedClock))
	devices := make([]models.Device, 20)
	for i := range devices {
		devices[i] = models.Device{Number: models.FlexString(fmt.Sprintf("D%02d", i))}
	}
	s.ReplaceDevices(devices)

	ignitions := []string{"ON", "OFF", ""}
	for round := 0; round < 50; round++ {
		batch := make([]models.Position, 0, 25)
		for i := 0; i < 25; i++ {
			batch = append(batch, pos(
				fmt.Sprintf("D%02d", rng.Intn(30)),
				float64(rng.Intn(120)),
				ignitions[rng.Intn(len(ignitions))],
				time.Duration(rng.Intn(600))*time.Second,
			))
		}
		s.ReplacePositions(batch)

		st := s.ComputeFleetStats()
		if st.Online > st.Total || st.Moving+st.Idle+st.Stopped > st.Total {
			t.Fatalf("round %d: bounds violated %+v", round, st)
		}
		if st.Offline+st.Moving+st.Idle+st.Stopped != st.Total || st.Online != st.Moving+st.Idle+st.Stopped {
			t.Fatalf("round %d: categories do not partition devices %+v", round, st)
		}
	}
}

func TestFilterDevices(t *testing.T) {
	s := New(WithClock(fixedClock))
	s.ReplaceDevices([]models.Device{
		{Number: "101", Name: "Volvo FH", RegistrationNumber: "AB-1234"},
		{Number: "102", Name: "Scania R", RegistrationNumber: "CD-5678"},
		{Number: "103", Name: "MAN TGX", RegistrationNumber: "EF-9012"},
	})
	s.ReplacePositions([]models.Position{pos("101", 60, "ON", 0), pos("102", 0, "OFF", 0)})

	cases := []struct {
		q    Query
		want []string
	}{
		{Query{}, []string{"101", "102", "103"}},
		{Query{Search: "scania"}, []string{"102"}},
		{Query{Search: "ef-90"}, []string{"103"}},
		{Query{Search: "10", Status: models.FilterMoving}, []string{"101"}},
		{Query{Status: models.FilterOnline}, []string{"101", "102"}},
		{Query{Status: models.FilterOffline}, []string{"103"}},
		{Query{Status: models.FilterIdle}, nil},
	}
	for _, tc := range cases {
		got := s.FilterDevices(tc.q)
		numbers := make([]string, 0, len(got))
		for _, v := range got {
			numbers = append(numbers, string(v.Number))
		}
		if strings.Join(numbers, ",") != strings.Join(tc.want, ",") {
			t.Fatalf("query %+v: expected %v, got %v", tc.q, tc.want, numbers)
		}
	}
}

func TestDeviceViewJSON(t *testing.T) {
	s := New(WithClock(fixedClock))
	s.ReplaceDevices([]models.Device{{Number: "T1", Name: "Truck"}})
	s.ReplacePositions([]models.Position{pos("T1", 95, "ON", 0)})

	v, ok := s.DeviceDetail("T1")
	if !ok {
		t.Fatalf("expected device T1")
	}
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["name"] != "Truck" || out["status"] != "moving" || out["position"] == nil {
		t.Fatalf("unexpected view %s", b)
	}
	if _, ok := s.DeviceDetail("nope"); ok {
		t.Fatalf("unknown device should not resolve")
	}
}

func TestConcurrentReadersSeeWholeBatches(t *testing.T) {
	s := New(WithClock(fixedClock))
	devices := []string{"A", "B", "C", "D"}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for speed := 1; speed <= 500; speed++ {
			batch := make([]models.Position, 0, len(devices))
			for _, d := range devices {
				batch = append(batch, pos(d, float64(speed), "ON", 0))
			}
			s.ReplacePositions(batch)
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		list := s.Positions()
		for _, p := range list[min(1, len(list)):] {
			if p.Speed != list[0].Speed {
				t.Fatalf("torn read: %+v", list)
			}
		}
	}
}
