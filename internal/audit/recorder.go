package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the recorder channel capacity.
const DefaultBufferSize = 1024

const (
	writeAttempts = 3
	writeBackoff  = 50 * time.Millisecond
	writeTimeout  = 5 * time.Second
)

// Logger is the subset of logging.Logger the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Observer is notified after an attempt has been stored. Observers run on
// the drain goroutine and must not block for long.
type Observer interface {
	ObserveAttempt(ctx context.Context, a *Attempt)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, a *Attempt)

// ObserveAttempt calls f.
func (f ObserverFunc) ObserveAttempt(ctx context.Context, a *Attempt) { f(ctx, a) }

// Recorder writes attempts asynchronously. Record never blocks the caller
// and never fails it: when the buffer is full the attempt is dropped, counted
// and logged.
type Recorder struct {
	repo   Repository
	logger Logger
	now    func() time.Time

	ch      chan *Attempt
	dropped atomic.Uint64
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	obsMu     sync.RWMutex
	observers []Observer
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock overrides the time used to stamp attempts.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithObserver registers an observer at construction.
func WithObserver(o Observer) RecorderOption {
	return func(r *Recorder) { r.observers = append(r.observers, o) }
}

// NewRecorder creates a recorder and starts its drain goroutine.
func NewRecorder(repo Repository, logger Logger, bufferSize int, opts ...RecorderOption) *Recorder {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	r := &Recorder{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		ch:     make(chan *Attempt, bufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.drain()
	return r
}

// AddObserver registers an observer for subsequent attempts.
func (r *Recorder) AddObserver(o Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

// Record enqueues an attempt. The ID and timestamp are assigned here so
// they reflect the decision time rather than the write time.
func (r *Recorder) Record(a Attempt) {
	a.prepare(r.now())

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(&a, "recorder closed")
		return
	}

	select {
	case r.ch <- &a:
	default:
		r.drop(&a, "buffer full")
	}
}

// Dropped returns how many attempts were discarded.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Pending returns the number of queued attempts.
func (r *Recorder) Pending() int {
	return len(r.ch)
}

// Close stops accepting attempts and waits until the queue is written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) drop(a *Attempt, why string) {
	r.dropped.Add(1)
	r.logger.Warn("access attempt dropped",
		"reason", why,
		"tenant_id", a.TenantID,
		"device_number", a.DeviceNumber,
		"granted", a.Granted,
	)
}

func (r *Recorder) drain() {
	defer close(r.done)
	for a := range r.ch {
		if !r.write(a) {
			continue
		}
		r.notify(a)
	}
}

func (r *Recorder) write(a *Attempt) bool {
	var err error
	for i := 0; i < writeAttempts; i++ {
		if i > 0 {
			time.Sleep(writeBackoff * time.Duration(i))
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = r.repo.Create(ctx, a)
		cancel()
		if err == nil {
			return true
		}
	}
	r.dropped.Add(1)
	r.logger.Error("access attempt write failed",
		"id", a.ID,
		"tenant_id", a.TenantID,
		"device_number", a.DeviceNumber,
		"error", err,
	)
	return false
}

func (r *Recorder) notify(a *Attempt) {
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for _, o := range observers {
		o.ObserveAttempt(ctx, a)
	}
}
