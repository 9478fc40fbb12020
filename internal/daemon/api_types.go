package daemon

import (
	"conveyor/internal/dispatch"
	"conveyor/internal/queue"
)

// DispatcherResponse is returned by GET /api/dispatcher.
type DispatcherResponse struct {
	PoolSize int                   `json:"pool_size"`
	Classes  []dispatch.ClassStats `json:"classes"`
}

// TaskListResponse is returned by GET /api/tasks.
type TaskListResponse struct {
	Tasks []*queue.Task `json:"tasks"`
}

// TaskDetailResponse is returned by GET /api/tasks/{id}.
type TaskDetailResponse struct {
	Task    *queue.Task       `json:"task"`
	Entries []*queue.Entry    `json:"entries"`
	Events  []queue.TaskEvent `json:"events"`
}

// TaskActionResponse is returned by the task control endpoints.
type TaskActionResponse struct {
	Task  *queue.Task  `json:"task,omitempty"`
	Entry *queue.Entry `json:"entry,omitempty"`
}

// ErrorResponse carries a failed request's message.
type ErrorResponse struct {
	Error string `json:"error"`
}
