package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleet-dispatch-dashboard/dispatcher/internal/broadcast"
	"fleet-dispatch-dashboard/dispatcher/internal/dispatch"
	"fleet-dispatch-dashboard/dispatcher/internal/models"
	"fleet-dispatch-dashboard/dispatcher/internal/poller"
	"fleet-dispatch-dashboard/dispatcher/internal/snapshot"
	"fleet-dispatch-dashboard/dispatcher/internal/tracking"
	"fleet-dispatch-dashboard/shared/events"
	"fleet-dispatch-dashboard/shared/httpx"
	"fleet-dispatch-dashboard/shared/logx"
)

const (
	activityLimit = 100
	alertLimit    = 50
)

// Scheduler is the part of the poller exposed for status and manual refresh.
type Scheduler interface {
	Statuses() []poller.Status
	State(name string) (poller.State, bool)
	Trigger(name string) bool
}

type Deps struct {
	Store     *snapshot.Store
	Hub       *broadcast.Hub
	Dispatch  *dispatch.Service
	Scheduler Scheduler
	Log       logx.Logger
	WS        WSOptions
}

// API serves the snapshot read routes, the dispatch pass-throughs and the
// websocket event stream.
type API struct {
	store *snapshot.Store
	hub   *broadcast.Hub
	svc   *dispatch.Service
	sched Scheduler
	log   logx.Logger
	ws    WSOptions
}

func New(d Deps) *API {
	return &API{
		store: d.Store,
		hub:   d.Hub,
		svc:   d.Dispatch,
		sched: d.Scheduler,
		log:   d.Log,
		ws:    d.WS.withDefaults(),
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/devices", a.listDevices)
	mux.HandleFunc("GET /api/devices/{number}", a.getDevice)
	mux.HandleFunc("GET /api/positions", a.listPositions)
	mux.HandleFunc("GET /api/activities", a.listActivities)
	mux.HandleFunc("GET /api/fleet/stats", a.fleetStats)
	mux.HandleFunc("GET /api/fleet/state", a.fleetState)
	mux.HandleFunc("GET /api/tachographs", a.tachographs)
	mux.HandleFunc("GET /api/alerts", a.listAlerts)
	mux.HandleFunc("DELETE /api/alerts", a.clearAlerts)
	mux.HandleFunc("DELETE /api/alerts/{id}", a.dismissAlert)

	mux.HandleFunc("GET /api/device/{number}/tasks", a.deviceTasks)
	mux.HandleFunc("GET /api/device/{number}/tasks/active", a.activeTask)
	mux.HandleFunc("POST /api/device/{number}/task", a.createTask)
	mux.HandleFunc("POST /api/device/{number}/message", a.sendMessage)
	mux.HandleFunc("DELETE /api/device/{number}/tasks/pending", a.deletePending)
	mux.HandleFunc("GET /api/device/{number}/report", a.report)
	mux.HandleFunc("GET /api/device-groups", a.deviceGroups)

	mux.HandleFunc("GET /api/poll", a.pollStatus)
	mux.HandleFunc("POST /api/poll/{job}", a.triggerPoll)

	mux.HandleFunc("GET /ws", a.serveWS)
}

// listDevices returns the raw device list, or the joined and filtered view
// when search or status is given.
func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search, rawStatus := strings.TrimSpace(q.Get("search")), q.Get("status")
	if search == "" && rawStatus == "" {
		httpx.WriteJSON(w, http.StatusOK, a.store.Devices())
		return
	}
	status, ok := models.ParseStatusFilter(rawStatus)
	if !ok {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown status filter", map[string]any{"status": rawStatus})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a.store.FilterDevices(snapshot.Query{Search: search, Status: status}))
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	v, ok := a.store.DeviceDetail(r.PathValue("number"))
	if !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "device not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, v)
}

func (a *API) listPositions(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.store.Positions())
}

func (a *API) listActivities(w http.ResponseWriter, r *http.Request) {
	limit := activityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a positive integer", nil)
			return
		}
		limit = min(n, activityLimit)
	}
	httpx.WriteJSON(w, http.StatusOK, a.store.Activities(limit))
}

func (a *API) fleetStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.store.ComputeFleetStats())
}

func (a *API) fleetState(w http.ResponseWriter, r *http.Request) {
	writeRaw(w, r, a.store.FleetState(), "fleet state not loaded yet")
}

func (a *API) tachographs(w http.ResponseWriter, r *http.Request) {
	writeRaw(w, r, a.store.Tachographs(), "tachograph state not loaded yet")
}

func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.store.Alerts(alertLimit))
}

type alertDismissed struct {
	ID string `json:"id"`
}

type alertsCleared struct {
	Count int `json:"count"`
}

func (a *API) dismissAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var found bool
	a.hub.Apply(func() []broadcast.Envelope {
		if found = a.store.DismissAlert(id); !found {
			return nil
		}
		return []broadcast.Envelope{broadcast.ToFleet(events.AlertDismissed, alertDismissed{ID: id})}
	})
	if !found {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "alert not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clearAlerts(w http.ResponseWriter, r *http.Request) {
	var n int
	a.hub.Apply(func() []broadcast.Envelope {
		n = a.store.ClearAlerts()
		return []broadcast.Envelope{broadcast.ToFleet(events.AlertsCleared, alertsCleared{Count: n})}
	})
	httpx.WriteJSON(w, http.StatusOK, alertsCleared{Count: n})
}

func (a *API) deviceTasks(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.Tasks(r.Context(), r.PathValue("number"))
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

func (a *API) activeTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.svc.ActiveTask(r.Context(), r.PathValue("number"))
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	if task == nil {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "no active task", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, task)
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var task models.Task
	if err := httpx.DecodeJSON(r, &task); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	out, err := a.svc.CreateTask(r.Context(), r.PathValue("number"), task)
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type messageRequest struct {
	Message string `json:"message"`
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	out, err := a.svc.SendMessage(r.Context(), r.PathValue("number"), req.Message)
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (a *API) deletePending(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.DeletePendingTasks(r.Context(), r.PathValue("number"))
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (a *API) report(w http.ResponseWriter, r *http.Request) {
	from, err := parseMillis(r.URL.Query().Get("from"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "from must be epoch milliseconds", nil)
		return
	}
	to, err := parseMillis(r.URL.Query().Get("to"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "to must be epoch milliseconds", nil)
		return
	}
	out, err := a.svc.Report(r.Context(), r.PathValue("number"), from, to)
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (a *API) deviceGroups(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.DeviceGroups(r.Context())
	if err != nil {
		a.writeDispatchError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (a *API) pollStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, a.sched.Statuses())
}

func (a *API) triggerPoll(w http.ResponseWriter, r *http.Request) {
	job := r.PathValue("job")
	if _, ok := a.sched.State(job); !ok {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown poll job", map[string]any{"job": job})
		return
	}
	if !a.sched.Trigger(job) {
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "refresh already running", map[string]any{"job": job})
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"job": job, "status": "triggered"})
}

// writeDispatchError maps the tracking error taxonomy onto HTTP statuses.
func (a *API) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *tracking.ValidationError
		ue *tracking.UpstreamError
		te *tracking.TransportError
	)
	switch {
	case errors.As(err, &ve):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", ve.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &ue):
		httpx.WriteError(w, r, http.StatusBadGateway, "UPSTREAM_ERROR", "tracking provider rejected the request",
			map[string]any{"code": ue.Code, "description": ue.Description})
	case errors.As(err, &te):
		httpx.WriteError(w, r, http.StatusGatewayTimeout, "UPSTREAM_UNAVAILABLE", "tracking provider unavailable", nil)
	default:
		a.log.Error(r.Context(), "dispatch_unexpected_error", "unexpected dispatch failure",
			slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
	}
}

func writeRaw(w http.ResponseWriter, r *http.Request, raw json.RawMessage, missing string) {
	if len(raw) == 0 {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", missing, nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, raw)
}

// parseMillis reads an optional epoch-ms query value. Empty yields zero time.
func parseMillis(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
