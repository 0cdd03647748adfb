package maintenance

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is the in-process maintenance period.
const DefaultInterval = time.Hour

// Runner calls Jobs.RunAll on a ticker. It is used when no worker process
// serves the queue.
type Runner struct {
	jobs     *Jobs
	interval time.Duration

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. A non-positive interval uses DefaultInterval.
func NewRunner(jobs *Jobs, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Runner{jobs: jobs, interval: interval, done: make(chan struct{})}
}

// Start runs the jobs once immediately and then on every tick until ctx is
// cancelled or Stop is called. Calling Start twice has no effect.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop ends the loop and waits for a running pass to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.jobs.RunAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.jobs.RunAll(ctx)
		}
	}
}
