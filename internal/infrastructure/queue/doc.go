// Package queue wraps the asynq task queue shared by the server and the worker.
//
// The server enqueues login code emails off the request path. The worker
// process serves those tasks plus the periodic maintenance jobs, which an
// asynq.Scheduler enqueues on cron specs.
//
// Task payloads are JSON. Type names are namespaced as "area:action".
package queue
