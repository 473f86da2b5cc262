package poller

import (
	"context"
	"encoding/json"
	"time"

	"fleet-dispatch-dashboard/dispatcher/internal/alerts"
	"fleet-dispatch-dashboard/dispatcher/internal/broadcast"
	"fleet-dispatch-dashboard/dispatcher/internal/models"
	"fleet-dispatch-dashboard/dispatcher/internal/snapshot"
	"fleet-dispatch-dashboard/dispatcher/internal/tracking"
	"fleet-dispatch-dashboard/shared/events"
	"fleet-dispatch-dashboard/shared/metricsx"
)

const (
	JobDevices     = "devices"
	JobPositions   = "positions"
	JobActivities  = "activities"
	JobFleet       = "fleet"
	JobTachographs = "tachographs"
	JobAlertPrune  = "alert_prune"
)

// InitialLoad is the order the first refresh runs in at startup.
var InitialLoad = []string{JobDevices, JobPositions, JobActivities, JobFleet}

// Source is the subset of the tracking client the refresh jobs read from.
type Source interface {
	Devices(ctx context.Context) ([]models.Device, error)
	Positions(ctx context.Context) ([]models.Position, error)
	Activities(ctx context.Context, q tracking.ActivityQuery) ([]models.Activity, error)
	FleetState(ctx context.Context) (json.RawMessage, error)
	TachographsState(ctx context.Context) (json.RawMessage, error)
}

type Resources struct {
	Source Source
	Store  *snapshot.Store
	Engine *alerts.Engine
}

type Intervals struct {
	Devices     time.Duration
	Positions   time.Duration
	Activities  time.Duration
	Fleet       time.Duration
	Tachographs time.Duration // zero disables the job
	AlertPrune  time.Duration
	AlertWindow time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Devices:     60 * time.Second,
		Positions:   10 * time.Second,
		Activities:  5 * time.Second,
		Fleet:       30 * time.Second,
		Tachographs: 60 * time.Second,
		AlertPrune:  5 * time.Minute,
		AlertWindow: 5 * time.Minute,
	}
}

// Jobs builds the refresh jobs for every polled resource.
func (res Resources) Jobs(iv Intervals) []Job {
	jobs := []Job{
		{Name: JobDevices, Interval: iv.Devices, Fetch: res.fetchDevices},
		{Name: JobPositions, Interval: iv.Positions, Fetch: res.fetchPositions},
		{Name: JobActivities, Interval: iv.Activities, Fetch: res.fetchActivities},
		{Name: JobFleet, Interval: iv.Fleet, Fetch: res.fetchFleet},
		{Name: JobAlertPrune, Interval: iv.AlertPrune, Fetch: res.pruneAlerts(iv.AlertWindow)},
	}
	if iv.Tachographs > 0 {
		jobs = append(jobs, Job{Name: JobTachographs, Interval: iv.Tachographs, Fetch: res.fetchTachographs})
	}
	return jobs
}

func (res Resources) fetchDevices(ctx context.Context) (ApplyFunc, error) {
	list, err := res.Source.Devices(ctx)
	if err != nil {
		return nil, err
	}
	return func() []broadcast.Envelope {
		res.Store.ReplaceDevices(list)
		res.observeSizes()
		return []broadcast.Envelope{broadcast.ToFleet(events.DevicesUpdate, res.Store.Devices())}
	}, nil
}

// fetchPositions derives alerts from each previous/current pair returned by
// the merge, so the baseline is the sample held before this cycle.
func (res Resources) fetchPositions(ctx context.Context) (ApplyFunc, error) {
	list, err := res.Source.Positions(ctx)
	if err != nil {
		return nil, err
	}
	return func() []broadcast.Envelope {
		updates := res.Store.ReplacePositions(list)
		envs := make([]broadcast.Envelope, 0, 2*len(updates)+1)
		for _, u := range updates {
			device := string(u.Current.DeviceNumber)
			var dev *models.Device
			if d, ok := res.Store.Device(device); ok {
				dev = &d
			}
			for _, a := range res.Engine.EvaluatePosition(u.Previous, u.Current, dev) {
				envs = append(envs, res.record(a))
			}
		}
		positions := res.Store.Positions()
		res.observeSizes()
		envs = append(envs, broadcast.ToFleet(events.PositionsUpdate, positions))
		for _, u := range updates {
			envs = append(envs, broadcast.ToDevice(string(u.Current.DeviceNumber), events.DevicePosition, u.Current))
		}
		return envs
	}, nil
}

func (res Resources) fetchActivities(ctx context.Context) (ApplyFunc, error) {
	list, err := res.Source.Activities(ctx, tracking.ActivityQuery{LatestRecordID: res.Store.LastActivityID()})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return func() []broadcast.Envelope {
		fresh := res.Store.AppendActivities(list)
		envs := make([]broadcast.Envelope, 0, 2*len(fresh))
		for _, a := range fresh {
			envs = append(envs, broadcast.ToFleet(events.ActivityNew, a))
			var dev *models.Device
			if d, ok := res.Store.Device(string(a.DeviceNumber)); ok {
				dev = &d
			}
			for _, alert := range res.Engine.EvaluateActivity(a, dev) {
				envs = append(envs, res.record(alert))
			}
		}
		res.observeSizes()
		return envs
	}, nil
}

func (res Resources) fetchFleet(ctx context.Context) (ApplyFunc, error) {
	state, err := res.Source.FleetState(ctx)
	if err != nil {
		return nil, err
	}
	return func() []broadcast.Envelope {
		res.Store.SetFleetState(state)
		return []broadcast.Envelope{broadcast.ToFleet(events.FleetStats, res.Store.ComputeFleetStats())}
	}, nil
}

func (res Resources) fetchTachographs(ctx context.Context) (ApplyFunc, error) {
	state, err := res.Source.TachographsState(ctx)
	if err != nil {
		return nil, err
	}
	return func() []broadcast.Envelope {
		res.Store.SetTachographs(state)
		return []broadcast.Envelope{broadcast.ToFleet(events.TachographsUpdate, state)}
	}, nil
}

func (res Resources) pruneAlerts(window time.Duration) func(context.Context) (ApplyFunc, error) {
	return func(context.Context) (ApplyFunc, error) {
		return func() []broadcast.Envelope {
			res.Store.PruneAlertsOlderThan(window)
			res.observeSizes()
			return nil
		}, nil
	}
}

func (res Resources) record(a models.Alert) broadcast.Envelope {
	res.Store.RecordAlert(a)
	metricsx.IncAlert(a.Type)
	return broadcast.ToFleet(events.AlertNew, a)
}

func (res Resources) observeSizes() {
	for kind, n := range res.Store.Counts() {
		metricsx.SetSnapshotItems(kind, n)
	}
}

// AlertsIn extracts the alerts carried by alert:new envelopes.
func AlertsIn(envs []broadcast.Envelope) []models.Alert {
	var out []models.Alert
	for _, env := range envs {
		if env.Message.Event != events.AlertNew {
			continue
		}
		if a, ok := env.Message.Data.(models.Alert); ok {
			out = append(out, a)
		}
	}
	return out
}

func errorCode(err error) string {
	switch {
	case tracking.IsUpstream(err):
		return "UPSTREAM_ERROR"
	case tracking.IsTransport(err):
		return "TRANSPORT_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
