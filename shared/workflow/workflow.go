package workflow

import "strings"

// Task statuses reported by the tracking provider.
const (
	TaskStatusPending    = "PENDING"
	TaskStatusInProgress = "IN_PROGRESS_NOW"
	TaskStatusCompleted  = "COMPLETED"
)

const (
	TaskEventStarted   = "task_started"
	TaskEventCompleted = "task_completed"
)

var taskTransitions = map[string]map[string]string{
	TaskStatusPending: {
		TaskStatusInProgress: TaskEventStarted,
		TaskStatusCompleted:  TaskEventCompleted,
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: TaskEventCompleted,
	},
}

func NormalizeTaskStatus(status string) string {
	s := strings.ToUpper(strings.TrimSpace(status))
	switch s {
	case "IN_PROGRESS", "ACTIVE":
		return TaskStatusInProgress
	case "DONE", "FINISHED":
		return TaskStatusCompleted
	}
	return s
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeTaskStatus(fromStatus)
	toStatus = NormalizeTaskStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	_, ok := taskTransitions[fromStatus][toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeTaskStatus(fromStatus)
	toStatus = NormalizeTaskStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	return taskTransitions[fromStatus][toStatus]
}

// Counts tallies tasks per known status; unknown statuses land in "other".
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Other      int `json:"other"`
}

func Count(statuses []string) Counts {
	var c Counts
	for _, s := range statuses {
		switch NormalizeTaskStatus(s) {
		case TaskStatusPending:
			c.Pending++
		case TaskStatusInProgress:
			c.InProgress++
		case TaskStatusCompleted:
			c.Completed++
		default:
			c.Other++
		}
	}
	return c
}
