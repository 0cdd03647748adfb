package queue

import (
	"context"

	"github.com/hibiken/asynq"
)

// HandlersRegistry maps task types to handlers for the worker server.
type HandlersRegistry struct {
	mux   *asynq.ServeMux
	types []string
}

// NewHandlersRegistry creates an empty registry.
func NewHandlersRegistry() *HandlersRegistry {
	return &HandlersRegistry{mux: asynq.NewServeMux()}
}

// Register binds a handler function to a task type.
func (r *HandlersRegistry) Register(taskType string, handler func(context.Context, *asynq.Task) error) {
	r.mux.Handle(taskType, asynq.HandlerFunc(handler))
	r.types = append(r.types, taskType)
}

// Types lists the registered task types in registration order.
func (r *HandlersRegistry) Types() []string {
	return r.types
}

// Mux returns the ServeMux to pass to asynq.Server.Run.
func (r *HandlersRegistry) Mux() *asynq.ServeMux {
	return r.mux
}
