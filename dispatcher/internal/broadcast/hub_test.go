package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"fleet-dispatch-dashboard/dispatcher/internal/models"
	"fleet-dispatch-dashboard/dispatcher/internal/snapshot"
	"fleet-dispatch-dashboard/shared/events"
	"fleet-dispatch-dashboard/shared/logx"
)

func drain(s *Subscriber) []Message {
	var out []Message
	for {
		select {
		case m, ok := <-s.C():
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestInitialSnapshotContents(t *testing.T) {
	store := snapshot.New()
	store.ReplaceDevices([]models.Device{{Number: "T1"}, {Number: "T2"}, {Number: "T3"}})
	store.ReplacePositions([]models.Position{{DeviceNumber: "T1"}, {DeviceNumber: "T2"}})
	acts := make([]models.Activity, 0, 10)
	for i := int64(1); i <= 10; i++ {
		acts = append(acts, models.Activity{ID: i, Type: "STOP"})
	}
	store.AppendActivities(acts)
	for i := 0; i < 5; i++ {
		store.RecordAlert(models.Alert{ID: fmt.Sprint(i), Timestamp: time.Now()})
	}

	hub := NewHub(8, logx.Nop())
	sub := hub.Connect(func() Message {
		return Message{Event: events.InitialData, Data: store.Snapshot(50, 20)}
	})
	defer sub.Close()

	msgs := drain(sub)
	if len(msgs) != 1 || msgs[0].Event != events.InitialData {
		t.Fatalf("expected one initial message, got %+v", msgs)
	}
	snap := msgs[0].Data.(snapshot.Snapshot)
	if len(snap.Devices) != 3 || len(snap.Positions) != 2 || len(snap.Activities) != 10 || len(snap.Alerts) != 5 {
		t.Fatalf("unexpected snapshot sizes: %d devices, %d positions, %d activities, %d alerts",
			len(snap.Devices), len(snap.Positions), len(snap.Activities), len(snap.Alerts))
	}
}

func TestInitialSnapshotCaps(t *testing.T) {
	store := snapshot.New()
	acts := make([]models.Activity, 0, 80)
	for i := int64(1); i <= 80; i++ {
		acts = append(acts, models.Activity{ID: i})
	}
	store.AppendActivities(acts)
	for i := 0; i < 40; i++ {
		store.RecordAlert(models.Alert{ID: fmt.Sprint(i)})
	}
	snap := store.Snapshot(50, 20)
	if len(snap.Activities) != 50 || snap.Activities[0].ID != 80 {
		t.Fatalf("expected newest 50 activities, got %d headed by %d", len(snap.Activities), snap.Activities[0].ID)
	}
	if len(snap.Alerts) != 20 || snap.Alerts[19].ID != "39" {
		t.Fatalf("expected latest 20 alerts, got %d", len(snap.Alerts))
	}
}

func TestDeviceTopicScoping(t *testing.T) {
	hub := NewHub(8, logx.Nop())
	a := hub.Connect(nil)
	b := hub.Connect(nil)
	defer a.Close()
	defer b.Close()

	a.Join(DeviceTopic("T1"))
	hub.Publish(ToDevice("T1", events.DeviceTasks, "tasks"), ToFleet(events.FleetStats, "stats"))

	if got := drain(a); len(got) != 2 || got[0].Event != events.DeviceTasks {
		t.Fatalf("subscriber a: unexpected messages %+v", got)
	}
	if got := drain(b); len(got) != 1 || got[0].Event != events.FleetStats {
		t.Fatalf("subscriber b: unexpected messages %+v", got)
	}

	a.Leave(DeviceTopic("T1"))
	hub.Publish(ToDevice("T1", events.DeviceTasks, "tasks"))
	if got := drain(a); len(got) != 0 {
		t.Fatalf("expected nothing after leaving, got %+v", got)
	}
	a.Leave(TopicFleet)
	if hub.TopicCount(TopicFleet) != 2 {
		t.Fatalf("fleet membership must survive Leave")
	}
}

func TestSendInRequiresMembership(t *testing.T) {
	hub := NewHub(8, logx.Nop())
	s := hub.Connect(nil)
	defer s.Close()

	topic := DeviceTopic("T1")
	if s.SendIn(topic, Message{Event: events.DeviceTasks}) {
		t.Fatalf("send before join should be dropped")
	}
	s.Join(topic)
	if !s.SendIn(topic, Message{Event: events.DeviceTasks}) {
		t.Fatalf("send after join should be queued")
	}
	s.Leave(topic)
	if s.SendIn(topic, Message{Event: events.DeviceTasks}) {
		t.Fatalf("send after leave should be dropped")
	}
	if got := drain(s); len(got) != 1 {
		t.Fatalf("expected one queued message, got %+v", got)
	}
}

func TestCloseReleasesAllTopics(t *testing.T) {
	hub := NewHub(8, logx.Nop())
	s := hub.Connect(nil)
	s.Join(DeviceTopic("T1"))
	s.Join(DeviceTopic("T2"))

	s.Close()
	s.Close()

	if hub.Count() != 0 || hub.TopicCount(DeviceTopic("T1")) != 0 || hub.TopicCount(TopicFleet) != 0 {
		t.Fatalf("closed subscriber still registered")
	}
	if _, ok := <-s.C(); ok {
		t.Fatalf("expected closed channel")
	}
	if s.Join(DeviceTopic("T3")) || s.Send(Message{Event: "x"}) {
		t.Fatalf("closed subscriber must refuse joins and sends")
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	hub := NewHub(2, logx.Nop())
	slow := hub.Connect(nil)
	fast := hub.Connect(nil)

	for i := 0; i < 3; i++ {
		hub.Publish(ToFleet(events.PositionsUpdate, i))
		drain(fast)
	}
	if hub.Count() != 1 {
		t.Fatalf("expected slow subscriber to be evicted, %d left", hub.Count())
	}
	got := drain(slow)
	if len(got) != 2 {
		t.Fatalf("evicted subscriber should keep what was buffered, got %d", len(got))
	}
	if _, ok := <-slow.C(); ok {
		t.Fatalf("evicted subscriber channel should be closed")
	}
	fast.Close()
}

// Every Apply is seen exactly once by each subscriber: either inside its
// initial message or as a later event.
func TestConnectDuringApplyExactlyOnce(t *testing.T) {
	const writes = 300
	hub := NewHub(writes+1, logx.Nop())

	var mu sync.Mutex
	version := 0

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			hub.Apply(func() []Envelope {
				mu.Lock()
				version++
				v := version
				mu.Unlock()
				return []Envelope{ToFleet("tick", v)}
			})
		}
	}()

	subs := make([]*Subscriber, 0, 20)
	for i := 0; i < 20; i++ {
		subs = append(subs, hub.Connect(func() Message {
			mu.Lock()
			defer mu.Unlock()
			return Message{Event: events.InitialData, Data: version}
		}))
	}
	wg.Wait()

	for i, s := range subs {
		msgs := drain(s)
		seen := msgs[0].Data.(int)
		for _, m := range msgs[1:] {
			v := m.Data.(int)
			if v != seen+1 {
				t.Fatalf("subscriber %d: expected version %d, got %d", i, seen+1, v)
			}
			seen = v
		}
		if seen != writes {
			t.Fatalf("subscriber %d: ended at version %d, want %d", i, seen, writes)
		}
		s.Close()
	}
}
