package alerts

import (
	"strconv"
	"sync/atomic"
	"time"

	"fleet-dispatch-dashboard/dispatcher/internal/models"
)

const (
	DefaultSpeedLimitKmh = 90.0
	DefaultIdleThreshold = 30 * time.Minute
)

type Thresholds struct {
	SpeedLimitKmh float64
	IdleThreshold time.Duration
}

// PositionSample is the input to position rules: the sample the store held
// before this cycle (nil on first report) and the one just received.
type PositionSample struct {
	Previous *models.Position
	Current  models.Position
	Device   *models.Device
	Now      time.Time
}

// PositionRule fires when Evaluator returns true; Message renders the text.
type PositionRule struct {
	Type      string
	Severity  string
	Evaluator func(t Thresholds, s PositionSample) bool
	Message   func(t Thresholds, s PositionSample) string
}

var DefaultPositionRules = []PositionRule{
	{
		// Level-triggered: fires on every cycle the device stays over the limit.
		Type:     models.AlertSpeedViolation,
		Severity: models.SeverityWarning,
		Evaluator: func(t Thresholds, s PositionSample) bool {
			return s.Current.Speed > t.SpeedLimitKmh
		},
		Message: func(_ Thresholds, s PositionSample) string {
			return "Speed violation: " + strconv.FormatFloat(s.Current.Speed, 'f', -1, 64) + " km/h"
		},
	},
	{
		Type:     models.AlertLongIdle,
		Severity: models.SeverityInfo,
		Evaluator: func(t Thresholds, s PositionSample) bool {
			if s.Previous == nil || s.Current.Time.IsZero() {
				return false
			}
			if s.Current.Speed != 0 || !s.Current.IgnitionOn() || s.Previous.Speed != 0 {
				return false
			}
			return s.Now.Sub(s.Current.Time.Time()) > t.IdleThreshold
		},
		Message: func(_ Thresholds, _ PositionSample) string {
			return "Prolonged stop with the engine running"
		},
	},
}

// Engine derives alerts from position transitions and activities. Apart
// from id allocation it is a pure function of its inputs.
type Engine struct {
	thresholds Thresholds
	rules      []PositionRule
	now        func() time.Time
	seq        atomic.Uint64
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithRules(rules []PositionRule) Option {
	return func(e *Engine) { e.rules = rules }
}

func NewEngine(t Thresholds, opts ...Option) *Engine {
	if t.SpeedLimitKmh <= 0 {
		t.SpeedLimitKmh = DefaultSpeedLimitKmh
	}
	if t.IdleThreshold <= 0 {
		t.IdleThreshold = DefaultIdleThreshold
	}
	e := &Engine{thresholds: t, rules: DefaultPositionRules, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) EvaluatePosition(prev *models.Position, cur models.Position, dev *models.Device) []models.Alert {
	now := e.now()
	sample := PositionSample{Previous: prev, Current: cur, Device: dev, Now: now}
	var out []models.Alert
	for _, r := range e.rules {
		if !r.Evaluator(e.thresholds, sample) {
			continue
		}
		out = append(out, e.newAlert(now, r.Type, r.Severity, string(cur.DeviceNumber), r.Message(e.thresholds, sample)))
	}
	return out
}

// EvaluateActivity turns TASK_VISIT activities into task-completed alerts.
func (e *Engine) EvaluateActivity(a models.Activity, dev *models.Device) []models.Alert {
	if a.Type != models.ActivityTaskVisit {
		return nil
	}
	name := string(a.DeviceNumber)
	if dev != nil {
		name = dev.DisplayName()
	}
	now := e.now()
	return []models.Alert{
		e.newAlert(now, models.AlertTaskCompleted, models.SeveritySuccess, string(a.DeviceNumber), name+" arrived at the task location"),
	}
}

// newAlert ids combine the wall clock with a process-wide counter so alerts
// raised in the same millisecond stay distinct.
func (e *Engine) newAlert(now time.Time, typ string, severity string, device string, msg string) models.Alert {
	n := e.seq.Add(1)
	return models.Alert{
		ID:           strconv.FormatInt(now.UnixMilli(), 10) + "-" + strconv.FormatUint(n, 10),
		Type:         typ,
		DeviceNumber: device,
		Message:      msg,
		Timestamp:    now.UTC(),
		Severity:     severity,
	}
}
