package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/logging"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/queue"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	calls   chan struct{}
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{calls: make(chan struct{}, 16)}
}

func (f *fakeStore) record(cutoff time.Time) (int64, error) {
	f.mu.Lock()
	f.cutoffs = append(f.cutoffs, cutoff)
	f.mu.Unlock()
	select {
	case f.calls <- struct{}{}:
	default:
	}
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

func (f *fakeStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return f.record(cutoff)
}

func (f *fakeStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	return f.record(cutoff)
}

func (f *fakeStore) last() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cutoffs[len(f.cutoffs)-1]
}

func newJobs(attempts, codes *fakeStore) *Jobs {
	return NewJobs(attempts, codes, 0, 0, logging.Discard(), WithClock(func() time.Time { return testNow }))
}

func TestPurgeAccessAttempts(t *testing.T) {
	tests := []struct {
		name string
		days int
		want time.Time
	}{
		{"default retention", 0, testNow.Add(-90 * 24 * time.Hour)},
		{"override", 30, testNow.Add(-30 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := newFakeStore()
			n, err := newJobs(attempts, newFakeStore()).PurgeAccessAttempts(context.Background(), tt.days)
			if err != nil {
				t.Fatalf("PurgeAccessAttempts() error = %v", err)
			}
			if n != 3 {
				t.Errorf("deleted = %d, want 3", n)
			}
			if got := attempts.last(); !got.Equal(tt.want) {
				t.Errorf("cutoff = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSweepLoginCodes(t *testing.T) {
	codes := newFakeStore()
	if _, err := newJobs(newFakeStore(), codes).SweepLoginCodes(context.Background()); err != nil {
		t.Fatalf("SweepLoginCodes() error = %v", err)
	}
	if got, want := codes.last(), testNow.Add(-24*time.Hour); !got.Equal(want) {
		t.Errorf("cutoff = %v, want %v", got, want)
	}
}

func TestJobs_ErrorsAreWrapped(t *testing.T) {
	boom := errors.New("disk full")
	attempts := newFakeStore()
	attempts.err = boom

	_, err := newJobs(attempts, newFakeStore()).PurgeAccessAttempts(context.Background(), 0)
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapping %v", err, boom)
	}
}

func TestRegister(t *testing.T) {
	attempts, codes := newFakeStore(), newFakeStore()
	r := queue.NewHandlersRegistry()
	newJobs(attempts, codes).Register(r)

	purge, err := queue.NewTask(queue.TypePurgeAccessAttempts, queue.MaintenancePayload{RetentionDays: 7})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Mux().ProcessTask(context.Background(), purge); err != nil {
		t.Fatalf("purge task error = %v", err)
	}
	if got, want := attempts.last(), testNow.Add(-7*24*time.Hour); !got.Equal(want) {
		t.Errorf("purge cutoff = %v, want %v", got, want)
	}

	if err := r.Mux().ProcessTask(context.Background(), asynq.NewTask(queue.TypeSweepLoginCodes, nil)); err != nil {
		t.Fatalf("sweep task error = %v", err)
	}
	if len(codes.cutoffs) != 1 {
		t.Errorf("sweep ran %d times, want 1", len(codes.cutoffs))
	}

	bad := asynq.NewTask(queue.TypePurgeAccessAttempts, []byte("{"))
	if err := r.Mux().ProcessTask(context.Background(), bad); !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("malformed payload error = %v, want SkipRetry", err)
	}
}

type fakeScheduler struct {
	specs map[string]string
}

func (s *fakeScheduler) Register(spec string, task *asynq.Task, _ ...asynq.Option) (string, error) {
	if s.specs == nil {
		s.specs = make(map[string]string)
	}
	s.specs[task.Type()] = spec
	return task.Type(), nil
}

func TestSchedule(t *testing.T) {
	s := &fakeScheduler{}
	if err := Schedule(s, 90); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if s.specs[queue.TypePurgeAccessAttempts] != "@daily" {
		t.Errorf("purge spec = %q", s.specs[queue.TypePurgeAccessAttempts])
	}
	if s.specs[queue.TypeSweepLoginCodes] != "@hourly" {
		t.Errorf("sweep spec = %q", s.specs[queue.TypeSweepLoginCodes])
	}
}

func TestRunner(t *testing.T) {
	attempts, codes := newFakeStore(), newFakeStore()
	r := NewRunner(newJobs(attempts, codes), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Start(ctx)

	for range 2 {
		select {
		case <-codes.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not tick")
		}
	}

	r.Stop()
	r.Stop()

	codes.mu.Lock()
	n := len(codes.cutoffs)
	codes.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	codes.mu.Lock()
	defer codes.mu.Unlock()
	if len(codes.cutoffs) != n {
		t.Error("runner kept running after Stop")
	}
}
