package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fleet-dispatch-dashboard/dispatcher/internal/broadcast"
	"fleet-dispatch-dashboard/dispatcher/internal/models"
	"fleet-dispatch-dashboard/dispatcher/internal/tracking"
	"fleet-dispatch-dashboard/shared/events"
	"fleet-dispatch-dashboard/shared/logx"
	"fleet-dispatch-dashboard/shared/workflow"
)

// Tracker is the subset of the tracking client used for on-demand reads
// and mutations.
type Tracker interface {
	DeviceTasks(ctx context.Context, deviceNumber string) ([]models.Task, error)
	ActiveTask(ctx context.Context, deviceNumber string) (*models.Task, error)
	AddTask(ctx context.Context, deviceNumber string, task models.Task) (json.RawMessage, error)
	DeletePendingTasks(ctx context.Context, deviceNumber string) (json.RawMessage, error)
	SendMessage(ctx context.Context, deviceNumber string, message string) (json.RawMessage, error)
	PeriodSummary(ctx context.Context, deviceNumber string, from time.Time, to time.Time) (json.RawMessage, error)
	DeviceGroups(ctx context.Context) (json.RawMessage, error)
}

type Publisher interface {
	Publish(envs ...broadcast.Envelope)
}

// TaskList is the device:tasks payload.
type TaskList struct {
	DeviceNumber string          `json:"deviceNumber"`
	Tasks        []models.Task   `json:"tasks"`
	Summary      workflow.Counts `json:"summary"`
}

type TaskCreated struct {
	DeviceNumber string      `json:"deviceNumber"`
	Task         models.Task `json:"task"`
}

type MessageSent struct {
	DeviceNumber string `json:"deviceNumber"`
	Message      string `json:"message"`
}

type TasksDeleted struct {
	DeviceNumber string `json:"deviceNumber"`
}

const refreshTimeout = 10 * time.Second

// DefaultReportWindow is used when a report request has no range.
const DefaultReportWindow = 24 * time.Hour

// Service serves task lookups and forwards dispatcher actions to the
// provider. Mutations are attempted once and never retried.
type Service struct {
	tracker Tracker
	pub     Publisher
	log     logx.Logger
	now     func() time.Time

	tasks *ttlCache[[]models.Task]
	group singleflight.Group

	seenMu sync.Mutex
	seen   map[string]map[string]string // device -> task key -> last status

	refreshes sync.WaitGroup
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(tracker Tracker, pub Publisher, log logx.Logger, taskTTL time.Duration, opts ...Option) *Service {
	s := &Service{tracker: tracker, pub: pub, log: log, now: time.Now, seen: make(map[string]map[string]string)}
	for _, opt := range opts {
		opt(s)
	}
	s.tasks = newTTLCache[[]models.Task](taskTTL, s.now)
	return s
}

// Tasks returns the device's trip, served from the short-lived lookup when
// possible. Concurrent misses for one device share a single request.
func (s *Service) Tasks(ctx context.Context, deviceNumber string) (TaskList, error) {
	if tasks, ok := s.tasks.Get(deviceNumber); ok {
		return newTaskList(deviceNumber, tasks), nil
	}
	return s.FreshTasks(ctx, deviceNumber)
}

// FreshTasks always asks the provider and refreshes the lookup.
func (s *Service) FreshTasks(ctx context.Context, deviceNumber string) (TaskList, error) {
	v, err, _ := s.group.Do(deviceNumber, func() (any, error) {
		tasks, err := s.tracker.DeviceTasks(ctx, deviceNumber)
		if err != nil {
			return nil, err
		}
		s.tasks.Set(deviceNumber, tasks)
		s.noteTransitions(ctx, deviceNumber, tasks)
		return tasks, nil
	})
	if err != nil {
		return TaskList{DeviceNumber: deviceNumber}, err
	}
	return newTaskList(deviceNumber, v.([]models.Task)), nil
}

func (s *Service) ActiveTask(ctx context.Context, deviceNumber string) (*models.Task, error) {
	return s.tracker.ActiveTask(ctx, deviceNumber)
}

// PrepareTask fills the defaults a dispatcher form leaves out.
func (s *Service) PrepareTask(task models.Task) models.Task {
	if strings.TrimSpace(task.LocalID) == "" {
		task.LocalID = "TASK-" + strconv.FormatInt(s.now().UnixMilli(), 10)
	}
	if task.ActionTagModel == nil || strings.TrimSpace(task.ActionTagModel.ActionType) == "" {
		task.ActionTagModel = &models.ActionTag{ActionType: models.DefaultActionType}
	}
	task.LocationAddress = strings.TrimSpace(task.LocationAddress)
	return task
}

func (s *Service) CreateTask(ctx context.Context, deviceNumber string, task models.Task) (json.RawMessage, error) {
	task = s.PrepareTask(task)
	out, err := s.tracker.AddTask(ctx, deviceNumber, task)
	if err != nil {
		s.logFailure(ctx, "add_task", deviceNumber, err)
		return nil, err
	}
	s.log.Info(ctx, "task_created", "task added to trip",
		slog.String("device_number", deviceNumber),
		slog.String("local_id", task.LocalID),
	)
	s.afterMutation(deviceNumber, broadcast.ToFleet(events.TaskCreated, TaskCreated{DeviceNumber: deviceNumber, Task: task}))
	return out, nil
}

func (s *Service) SendMessage(ctx context.Context, deviceNumber string, message string) (json.RawMessage, error) {
	out, err := s.tracker.SendMessage(ctx, deviceNumber, message)
	if err != nil {
		s.logFailure(ctx, "send_message", deviceNumber, err)
		return nil, err
	}
	s.log.Info(ctx, "message_sent", "message sent to device", slog.String("device_number", deviceNumber))
	s.afterMutation(deviceNumber, broadcast.ToFleet(events.MessageSent, MessageSent{DeviceNumber: deviceNumber, Message: message}))
	return out, nil
}

func (s *Service) DeletePendingTasks(ctx context.Context, deviceNumber string) (json.RawMessage, error) {
	out, err := s.tracker.DeletePendingTasks(ctx, deviceNumber)
	if err != nil {
		s.logFailure(ctx, "delete_pending", deviceNumber, err)
		return nil, err
	}
	s.log.Info(ctx, "tasks_deleted", "pending tasks deleted", slog.String("device_number", deviceNumber))
	s.afterMutation(deviceNumber, broadcast.ToFleet(events.TasksDeleted, TasksDeleted{DeviceNumber: deviceNumber}))
	return out, nil
}

// Report returns the provider's period summary. Zero bounds default to the
// last 24 hours.
func (s *Service) Report(ctx context.Context, deviceNumber string, from time.Time, to time.Time) (json.RawMessage, error) {
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.Add(-DefaultReportWindow)
	}
	return s.tracker.PeriodSummary(ctx, deviceNumber, from, to)
}

func (s *Service) DeviceGroups(ctx context.Context) (json.RawMessage, error) {
	return s.tracker.DeviceGroups(ctx)
}

// Wait blocks until background device:tasks refreshes have finished.
func (s *Service) Wait() {
	s.refreshes.Wait()
}

// afterMutation drops the cached trip, announces the change to the fleet
// and pushes a fresh task list to the device topic in the background.
func (s *Service) afterMutation(deviceNumber string, env broadcast.Envelope) {
	s.tasks.Delete(deviceNumber)
	s.group.Forget(deviceNumber)
	s.pub.Publish(env)

	s.refreshes.Add(1)
	go func() {
		defer s.refreshes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		list, err := s.FreshTasks(ctx, deviceNumber)
		if err != nil {
			s.log.Warn(ctx, "device_tasks_refresh_failed", "could not refresh device tasks",
				slog.String("device_number", deviceNumber),
				slog.String("error", err.Error()),
			)
			return
		}
		s.pub.Publish(broadcast.ToDevice(deviceNumber, events.DeviceTasks, list))
	}()
}

// noteTransitions logs status changes between two lookups of the same trip.
func (s *Service) noteTransitions(ctx context.Context, deviceNumber string, tasks []models.Task) {
	next := make(map[string]string, len(tasks))
	for _, t := range tasks {
		if key := taskKey(t); key != "" {
			next[key] = workflow.NormalizeTaskStatus(t.Status)
		}
	}
	s.seenMu.Lock()
	prev := s.seen[deviceNumber]
	s.seen[deviceNumber] = next
	s.seenMu.Unlock()

	for key, to := range next {
		from, ok := prev[key]
		if !ok || from == to {
			continue
		}
		attrs := []slog.Attr{
			slog.String("device_number", deviceNumber),
			slog.String("task", key),
			slog.String("from", from),
			slog.String("to", to),
		}
		if !workflow.CanTransition(from, to) {
			s.log.Warn(ctx, "task_status_unexpected", "task status moved backwards", attrs...)
			continue
		}
		if ev := workflow.EventTypeForTransition(from, to); ev != "" {
			s.log.Info(ctx, ev, "task status changed", attrs...)
		}
	}
}

func taskKey(t models.Task) string {
	if t.TaskID != "" {
		return string(t.TaskID)
	}
	return t.LocalID
}

func (s *Service) logFailure(ctx context.Context, op string, deviceNumber string, err error) {
	code := "UPSTREAM_ERROR"
	switch {
	case tracking.IsValidation(err):
		code = "INVALID_ARGUMENT"
	case tracking.IsTransport(err):
		code = "TRANSPORT_ERROR"
	}
	s.log.Warn(ctx, "dispatch_failed", "dispatch action failed",
		slog.String("op", op),
		slog.String("device_number", deviceNumber),
		slog.String("error_code", code),
		slog.String("error", err.Error()),
	)
}

func newTaskList(deviceNumber string, tasks []models.Task) TaskList {
	if tasks == nil {
		tasks = []models.Task{}
	}
	statuses := make([]string, 0, len(tasks))
	for _, t := range tasks {
		statuses = append(statuses, t.Status)
	}
	return TaskList{DeviceNumber: deviceNumber, Tasks: tasks, Summary: workflow.Count(statuses)}
}
