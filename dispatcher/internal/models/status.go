package models

import (
	"strings"
	"time"
)

type Status string

const (
	StatusOffline Status = "offline"
	StatusMoving  Status = "moving"
	StatusIdle    Status = "idle"
	StatusStopped Status = "stopped"
)

const (
	// OnlineWindow is how recent a sample must be for the device to count as online.
	OnlineWindow = 5 * time.Minute
	// MovingSpeedKmh is the speed above which a device is moving.
	MovingSpeedKmh = 5.0
)

// DeviceStatus classifies a device from its latest position. A missing
// position, a missing sample time, or a sample older than OnlineWindow is
// offline regardless of speed and ignition.
func DeviceStatus(pos *Position, now time.Time) Status {
	if pos == nil || pos.Time.IsZero() {
		return StatusOffline
	}
	if now.Sub(pos.Time.Time()) >= OnlineWindow {
		return StatusOffline
	}
	switch {
	case pos.Speed > MovingSpeedKmh:
		return StatusMoving
	case pos.IgnitionOn():
		return StatusIdle
	default:
		return StatusStopped
	}
}

func (s Status) Online() bool {
	return s != StatusOffline
}

// StatusFilter is the status query accepted by the device list.
type StatusFilter string

const (
	FilterAll     StatusFilter = "all"
	FilterOnline  StatusFilter = "online"
	FilterOffline StatusFilter = "offline"
	FilterMoving  StatusFilter = "moving"
	FilterIdle    StatusFilter = "idle"
	FilterStopped StatusFilter = "stopped"
)

func ParseStatusFilter(raw string) (StatusFilter, bool) {
	switch f := StatusFilter(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FilterAll, true
	case FilterAll, FilterOnline, FilterOffline, FilterMoving, FilterIdle, FilterStopped:
		return f, true
	default:
		return "", false
	}
}

func (f StatusFilter) Match(s Status) bool {
	switch f {
	case FilterAll, "":
		return true
	case FilterOnline:
		return s.Online()
	default:
		return Status(f) == s
	}
}
