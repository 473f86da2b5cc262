package snapshot

import (
	"encoding/json"
	"strings"
	"time"

	"fleet-dispatch-dashboard/dispatcher/internal/models"
)

type Query struct {
	Search string
	Status models.StatusFilter
}

// DeviceView is a device joined with its live position and derived status.
type DeviceView struct {
	models.Device
	Position *models.Position `json:"position,omitempty"`
	Status   models.Status    `json:"status"`
}

// MarshalJSON flattens the device fields next to position and status;
// without it the embedded Device encoder would hide them.
func (v DeviceView) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(v.Device)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	if v.Position != nil {
		if fields["position"], err = json.Marshal(v.Position); err != nil {
			return nil, err
		}
	}
	if fields["status"], err = json.Marshal(v.Status); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// FilterDevices is recomputed on every call; results are not cached.
func (s *Store) FilterDevices(q Query) []DeviceView {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterDevices(s.devices, s.positions, q, now)
}

// DeviceDetail returns one device with its position, if the device is known.
func (s *Store) DeviceDetail(number string) (DeviceView, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if string(d.Number) == number {
			return view(d, s.positions, now), true
		}
	}
	return DeviceView{}, false
}

func filterDevices(devices []models.Device, positions map[string]models.Position, q Query, now time.Time) []DeviceView {
	search := strings.ToLower(strings.TrimSpace(q.Search))
	out := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		if search != "" && !matches(d, search) {
			continue
		}
		v := view(d, positions, now)
		if q.Status != "" && q.Status != models.FilterAll {
			// Devices without a position only show up under "all" and "offline".
			if v.Position == nil && q.Status != models.FilterOffline {
				continue
			}
			if !q.Status.Match(v.Status) {
				continue
			}
		}
		out = append(out, v)
	}
	return out
}

func view(d models.Device, positions map[string]models.Position, now time.Time) DeviceView {
	v := DeviceView{Device: d}
	if p, ok := positions[string(d.Number)]; ok {
		v.Position = &p
	}
	v.Status = models.DeviceStatus(v.Position, now)
	return v
}

func matches(d models.Device, search string) bool {
	return strings.Contains(strings.ToLower(d.Name), search) ||
		strings.Contains(strings.ToLower(d.RegistrationNumber), search) ||
		strings.Contains(strings.ToLower(string(d.Number)), search)
}
