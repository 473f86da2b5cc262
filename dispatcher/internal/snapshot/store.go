package snapshot

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"fleet-dispatch-dashboard/dispatcher/internal/models"
)

const (
	DefaultActivityCap = 100
	DefaultAlertCap    = 50
)

// PositionUpdate pairs a newly received sample with the entry it replaced.
// Previous is nil the first time a device reports.
type PositionUpdate struct {
	Previous *models.Position
	Current  models.Position
}

// Store is the authoritative in-memory state. All mutators take the write
// lock for the whole batch so readers never observe a partial merge.
type Store struct {
	mu sync.RWMutex

	devices        []models.Device
	positions      map[string]models.Position
	activities     []models.Activity // newest first
	lastActivityID int64
	alerts         []models.Alert // oldest first
	fleetState     json.RawMessage
	tachographs    json.RawMessage

	activityCap int
	alertCap    int
	now         func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithCaps(activities int, alerts int) Option {
	return func(s *Store) {
		if activities > 0 {
			s.activityCap = activities
		}
		if alerts > 0 {
			s.alertCap = alerts
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		devices:        []models.Device{},
		positions:      make(map[string]models.Position),
		activities:     []models.Activity{},
		alerts:         []models.Alert{},
		lastActivityID: -1,
		activityCap:    DefaultActivityCap,
		alertCap:       DefaultAlertCap,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Now() time.Time { return s.now() }

func (s *Store) ReplaceDevices(list []models.Device) {
	next := make([]models.Device, len(list))
	copy(next, list)
	s.mu.Lock()
	s.devices = next
	s.mu.Unlock()
}

// ReplacePositions supersedes the sample of every device in list. Devices
// absent from list keep their last known position.
func (s *Store) ReplacePositions(list []models.Position) []PositionUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	updates := make([]PositionUpdate, 0, len(list))
	for _, p := range list {
		key := string(p.DeviceNumber)
		if key == "" {
			continue
		}
		u := PositionUpdate{Current: p}
		if prev, ok := s.positions[key]; ok {
			u.Previous = &prev
		}
		s.positions[key] = p
		updates = append(updates, u)
	}
	return updates
}

// AppendActivities merges records newer than the watermark and returns them
// in ascending id order. Re-delivered or duplicate ids are ignored and the
// watermark never moves backwards.
func (s *Store) AppendActivities(list []models.Activity) []models.Activity {
	if len(list) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]struct{}, len(list))
	fresh := make([]models.Activity, 0, len(list))
	for _, a := range list {
		if a.ID <= s.lastActivityID {
			continue
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		fresh = append(fresh, a)
	}
	if len(fresh) == 0 {
		return nil
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	s.lastActivityID = fresh[len(fresh)-1].ID

	merged := make([]models.Activity, 0, min(len(fresh)+len(s.activities), s.activityCap))
	for i := len(fresh) - 1; i >= 0 && len(merged) < s.activityCap; i-- {
		merged = append(merged, fresh[i])
	}
	for _, a := range s.activities {
		if len(merged) >= s.activityCap {
			break
		}
		merged = append(merged, a)
	}
	s.activities = merged
	return fresh
}

func (s *Store) LastActivityID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivityID
}

// RecordAlert appends a, dropping the oldest alerts beyond the cap.
func (s *Store) RecordAlert(a models.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	if over := len(s.alerts) - s.alertCap; over > 0 {
		s.alerts = append([]models.Alert(nil), s.alerts[over:]...)
	}
}

// PruneAlertsOlderThan drops alerts whose timestamp is at or before now-window.
func (s *Store) PruneAlertsOlderThan(window time.Duration) int {
	cutoff := s.now().Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.alerts[:0:0]
	for _, a := range s.alerts {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	removed := len(s.alerts) - len(kept)
	s.alerts = kept
	return removed
}

func (s *Store) DismissAlert(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.alerts {
		if a.ID == id {
			s.alerts = append(s.alerts[:i:i], s.alerts[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) ClearAlerts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.alerts)
	s.alerts = []models.Alert{}
	return n
}

func (s *Store) SetFleetState(raw json.RawMessage) {
	s.mu.Lock()
	s.fleetState = raw
	s.mu.Unlock()
}

func (s *Store) FleetState() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fleetState
}

func (s *Store) SetTachographs(raw json.RawMessage) {
	s.mu.Lock()
	s.tachographs = raw
	s.mu.Unlock()
}

func (s *Store) Tachographs() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tachographs
}

// ComputeFleetStats classifies every known device exactly once. Positions
// for devices that are not loaded yet are ignored.
func (s *Store) ComputeFleetStats() models.FleetStats {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.FleetStats{Total: len(s.devices)}
	for _, d := range s.devices {
		var pos *models.Position
		if p, ok := s.positions[string(d.Number)]; ok {
			pos = &p
		}
		switch models.DeviceStatus(pos, now) {
		case models.StatusOffline:
			stats.Offline++
		case models.StatusMoving:
			stats.Moving++
		case models.StatusIdle:
			stats.Idle++
		case models.StatusStopped:
			stats.Stopped++
		}
	}
	stats.Online = stats.Total - stats.Offline
	return stats
}

func (s *Store) Devices() []models.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Device, len(s.devices))
	copy(out, s.devices)
	return out
}

func (s *Store) Device(number string) (models.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if string(d.Number) == number {
			return d, true
		}
	}
	return models.Device{}, false
}

// Positions returns the live positions ordered by device number.
func (s *Store) Positions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionsLocked()
}

func (s *Store) positionsLocked() []models.Position {
	out := make([]models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceNumber < out[j].DeviceNumber })
	return out
}

func (s *Store) Position(deviceNumber string) (models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[deviceNumber]
	return p, ok
}

// Activities returns up to limit records, newest first. limit <= 0 means all.
func (s *Store) Activities(limit int) []models.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return headActivities(s.activities, limit)
}

// Alerts returns up to limit of the most recent alerts in chronological order.
func (s *Store) Alerts(limit int) []models.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tailAlerts(s.alerts, limit)
}

// Counts reports buffer sizes for metrics.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		"devices":    len(s.devices),
		"positions":  len(s.positions),
		"activities": len(s.activities),
		"alerts":     len(s.alerts),
	}
}

type Snapshot struct {
	Devices    []models.Device   `json:"devices"`
	Positions  []models.Position `json:"positions"`
	Activities []models.Activity `json:"activities"`
	Alerts     []models.Alert    `json:"alerts"`
}

// Snapshot captures devices, positions and the capped histories under one
// read lock.
func (s *Store) Snapshot(activityLimit int, alertLimit int) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make([]models.Device, len(s.devices))
	copy(devices, s.devices)
	return Snapshot{
		Devices:    devices,
		Positions:  s.positionsLocked(),
		Activities: headActivities(s.activities, activityLimit),
		Alerts:     tailAlerts(s.alerts, alertLimit),
	}
}

func headActivities(list []models.Activity, limit int) []models.Activity {
	n := len(list)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Activity, n)
	copy(out, list[:n])
	return out
}

func tailAlerts(list []models.Alert, limit int) []models.Alert {
	start := 0
	if limit > 0 && len(list) > limit {
		start = len(list) - limit
	}
	out := make([]models.Alert, len(list)-start)
	copy(out, list[start:])
	return out
}
