package audit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/config"
	"github.com/mariokehl/gymportal-access/internal/infrastructure/logging"
	"github.com/mariokehl/gymportal-access/internal/outcome"
	"github.com/mariokehl/gymportal-access/internal/testutil"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func attempt(tenantID string, device int, method Method, granted bool, reason outcome.Reason, at time.Time) *Attempt {
	return &Attempt{
		TenantID:     tenantID,
		DeviceNumber: device,
		MemberID:     "m-1",
		Method:       method,
		Service:      "gym",
		Granted:      granted,
		DenialReason: reason,
		Metadata:     Metadata{IP: "10.0.0.1", Identifier: TruncateIdentifier("m-1:1772359200:abcdef")},
		CreatedAt:    at,
	}
}

func seedAttempts(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()
	rows := []*Attempt{
		attempt("t-1", 1, MethodQR, true, "", base),
		attempt("t-1", 1, MethodQR, false, outcome.Expired, base.Add(time.Minute)),
		attempt("t-1", 2, MethodNFC, true, "", base.Add(2*time.Minute)),
		attempt("t-1", 2, MethodNFC, false, outcome.MemberNotFound, base.Add(3*time.Minute)),
		attempt("t-1", 1, MethodQR, true, "", base.Add(-48*time.Hour)),
		attempt("t-2", 1, MethodQR, true, "", base),
	}
	for _, a := range rows {
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
}

func TestAttempt_Prepare(t *testing.T) {
	a := attempt("t-1", 1, MethodQR, true, outcome.Expired, time.Time{})
	a.prepare(base)
	if a.ID == "" || !a.CreatedAt.Equal(base) {
		t.Errorf("prepare() = id %q at %v", a.ID, a.CreatedAt)
	}
	if a.DenialReason != "" {
		t.Error("granted attempt kept a denial reason")
	}

	earlier := NewID(base)
	later := NewID(base.Add(time.Millisecond))
	if earlier >= later {
		t.Errorf("ULIDs not time ordered: %s >= %s", earlier, later)
	}
}

func TestTruncateIdentifier(t *testing.T) {
	if got := TruncateIdentifier("04A1B2C3"); got != "04A1B2C3" {
		t.Errorf("short identifier = %q", got)
	}
	got := TruncateIdentifier("m-1:1772359200:0123456789abcdef")
	if got != "m-1:17723592..." {
		t.Errorf("long identifier = %q", got)
	}
}

func TestSQLiteRepository_List(t *testing.T) {
	repo := NewSQLiteRepository(testutil.OpenDB(t))
	seedAttempts(t, repo)
	ctx := context.Background()

	granted := true
	denied := false
	from := base.Add(-time.Hour)
	to := base.Add(2 * time.Minute)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all tenants", Filter{}, 6},
		{"tenant", Filter{TenantID: "t-1"}, 5},
		{"device", Filter{TenantID: "t-1", DeviceNumber: 2}, 2},
		{"method", Filter{TenantID: "t-1", Method: MethodQR}, 3},
		{"granted", Filter{TenantID: "t-1", Granted: &granted}, 3},
		{"denied", Filter{TenantID: "t-1", Granted: &denied}, 2},
		{"window", Filter{TenantID: "t-1", From: &from, To: &to}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if result.Total != tt.want || len(result.Attempts) != tt.want {
				t.Errorf("List() total=%d len=%d, want %d", result.Total, len(result.Attempts), tt.want)
			}
		})
	}
}

func TestSQLiteRepository_ListPaging(t *testing.T) {
	repo := NewSQLiteRepository(testutil.OpenDB(t))
	seedAttempts(t, repo)

	result, err := repo.List(context.Background(), Filter{TenantID: "t-1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 5 || len(result.Attempts) != 2 || result.Limit != 2 || result.Offset != 1 {
		t.Fatalf("List() = total %d len %d limit %d offset %d", result.Total, len(result.Attempts), result.Limit, result.Offset)
	}
	// Newest first: offset 1 skips the 10:03 row.
	if !result.Attempts[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("first row at %v", result.Attempts[0].CreatedAt)
	}
	if result.Attempts[0].Method != MethodNFC || result.Attempts[0].Metadata.IP != "10.0.0.1" {
		t.Errorf("row = %+v", result.Attempts[0])
	}

	result, err = repo.List(context.Background(), Filter{Limit: 5000})
	if err != nil {
		t.Fatal(err)
	}
	if result.Limit != MaxLimit {
		t.Errorf("Limit = %d, want %d", result.Limit, MaxLimit)
	}
	result, _ = repo.List(context.Background(), Filter{})
	if result.Limit != DefaultLimit {
		t.Errorf("default Limit = %d, want %d", result.Limit, DefaultLimit)
	}
}

func TestSQLiteRepository_WindowAndPurge(t *testing.T) {
	repo := NewSQLiteRepository(testutil.OpenDB(t))
	seedAttempts(t, repo)
	ctx := context.Background()

	window, err := repo.ListWindow(ctx, "t-1", base, base.Add(3*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 3 {
		t.Fatalf("ListWindow() len = %d, want 3", len(window))
	}
	if window[0].CreatedAt.After(window[2].CreatedAt) {
		t.Error("ListWindow() not oldest first")
	}
	if window[1].DenialReason != outcome.Expired {
		t.Errorf("DenialReason = %q", window[1].DenialReason)
	}

	n, err := repo.PurgeBefore(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeBefore() = %d, want 1", n)
	}
	result, _ := repo.List(ctx, Filter{TenantID: "t-1"})
	if result.Total != 4 {
		t.Errorf("after purge total = %d, want 4", result.Total)
	}
}

func TestSQLiteSchema_RequiresReasonForDenial(t *testing.T) {
	db := testutil.OpenDB(t)
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO access_attempts (id, tenant_id, device_number, method, service, granted, denial_reason, created_at)
		 VALUES ('x', 't-1', 1, 'qr', 'gym', 0, NULL, '2026-03-01T10:00:00.000000Z')`)
	if err == nil {
		t.Error("denied attempt without reason was accepted")
	}
}

// gatedRepo blocks Create until released and can fail a number of times.
type gatedRepo struct {
	mu       sync.Mutex
	created  []*Attempt
	failures int
	entered  chan struct{}
	release  chan struct{}
}

func (g *gatedRepo) Create(_ context.Context, a *Attempt) error {
	if g.entered != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failures > 0 {
		g.failures--
		return errors.New("database is locked")
	}
	g.created = append(g.created, a)
	return nil
}

func (g *gatedRepo) List(context.Context, Filter) (*ListResult, error) { return &ListResult{}, nil }
func (g *gatedRepo) ListWindow(context.Context, string, time.Time, time.Time) ([]Attempt, error) {
	return nil, nil
}
func (g *gatedRepo) PurgeBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (g *gatedRepo) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

func TestRecorder_WritesAndNotifies(t *testing.T) {
	repo := &gatedRepo{failures: 2}
	var mu sync.Mutex
	var seen []string
	rec := NewRecorder(repo, logging.Discard(), 8,
		WithRecorderClock(func() time.Time { return base }),
		WithObserver(ObserverFunc(func(_ context.Context, a *Attempt) {
			mu.Lock()
			seen = append(seen, a.ID)
			mu.Unlock()
		})))

	rec.Record(*attempt("t-1", 1, MethodQR, true, "", time.Time{}))
	rec.Record(*attempt("t-1", 1, MethodNFC, false, outcome.InvalidFormat, time.Time{}))
	rec.Close()

	if repo.count() != 2 {
		t.Fatalf("stored %d attempts, want 2 (writes are retried)", repo.count())
	}
	if len(seen) != 2 {
		t.Errorf("observer saw %d attempts, want 2", len(seen))
	}
	if !repo.created[0].CreatedAt.Equal(base) || repo.created[0].ID == "" {
		t.Errorf("attempt not stamped: %+v", repo.created[0])
	}
	if rec.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", rec.Dropped())
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	repo := &gatedRepo{entered: make(chan struct{}), release: make(chan struct{})}
	rec := NewRecorder(repo, logging.Discard(), 1)

	rec.Record(*attempt("t-1", 1, MethodQR, true, "", time.Time{}))
	<-repo.entered // the first attempt is being written

	rec.Record(*attempt("t-1", 1, MethodQR, true, "", time.Time{})) // fills the buffer
	rec.Record(*attempt("t-1", 1, MethodQR, true, "", time.Time{})) // dropped

	if rec.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", rec.Dropped())
	}

	go func() {
		for range repo.entered {
			repo.release <- struct{}{}
		}
	}()
	repo.release <- struct{}{}
	rec.Close()
	close(repo.entered)

	if repo.count() != 2 {
		t.Errorf("stored %d attempts, want 2", repo.count())
	}

	// Records after Close are dropped, not panics.
	rec.Record(*attempt("t-1", 1, MethodQR, true, "", time.Time{}))
	if rec.Dropped() != 2 {
		t.Errorf("Dropped() after close = %d, want 2", rec.Dropped())
	}
}

func TestRecorder_GivesUpAfterRetries(t *testing.T) {
	repo := &gatedRepo{failures: writeAttempts}
	rec := NewRecorder(repo, logging.Discard(), 4)
	rec.Record(*attempt("t-1", 1, MethodQR, true, "", time.Time{}))
	rec.Close()

	if repo.count() != 0 || rec.Dropped() != 1 {
		t.Errorf("stored=%d dropped=%d, want 0 and 1", repo.count(), rec.Dropped())
	}
}

func TestAggregate(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata not available")
	}

	attempts := []Attempt{
		*attempt("t-1", 1, MethodQR, true, "", base),                                      // 11:00 Berlin
		*attempt("t-1", 1, MethodQR, false, outcome.Expired, base.Add(10*time.Minute)),    // 11:10
		*attempt("t-1", 2, MethodNFC, true, "", base.Add(time.Hour)),                      // 12:00
		*attempt("t-1", 2, MethodNFC, false, outcome.InvalidFormat, base.Add(time.Hour)),  // 12:00
		*attempt("t-1", 3, MethodNFC, false, outcome.DeviceLocked, base.Add(2*time.Hour)), // 13:00
		*attempt("t-1", 1, MethodQR, true, "", base.Add(-24*time.Hour)),                   // outside
	}

	s := Aggregate(attempts, base.Add(-time.Hour), base.Add(23*time.Hour), berlin)

	if s.Total != 5 || s.Granted != 2 || s.Denied != 3 {
		t.Errorf("totals = %d/%d/%d, want 5/2/3", s.Total, s.Granted, s.Denied)
	}
	if s.SuccessRate != 40 {
		t.Errorf("SuccessRate = %v, want 40", s.SuccessRate)
	}
	if len(s.HourlyHistogram) != 24 {
		t.Fatalf("histogram has %d buckets", len(s.HourlyHistogram))
	}
	if b := s.HourlyHistogram[11]; b.Hour != 11 || b.Total != 2 || b.Granted != 1 || b.Denied != 1 {
		t.Errorf("bucket 11 = %+v", b)
	}
	if b := s.HourlyHistogram[10]; b.Total != 0 {
		t.Errorf("bucket 10 (UTC hour) = %+v, want empty", b)
	}
	if s.ByMethod[MethodNFC] != 3 || s.ByDevice["1"] != 2 {
		t.Errorf("ByMethod=%v ByDevice=%v", s.ByMethod, s.ByDevice)
	}
	if s.DenialReasonHistogram[outcome.Expired] != 1 || s.DenialCategoryHistogram[CategoryMalformed] != 1 ||
		s.DenialCategoryHistogram[CategoryOther] != 1 {
		t.Errorf("reasons=%v categories=%v", s.DenialReasonHistogram, s.DenialCategoryHistogram)
	}
}

func TestAggregate_InternalFailuresStayOutOfHistograms(t *testing.T) {
	failed := attempt("t-1", 1, MethodQR, false, outcome.MemberNotFound, base)
	failed.Metadata = Metadata{Detail: "internal error in member lookup", Internal: true}
	attempts := []Attempt{
		*attempt("t-1", 1, MethodQR, false, outcome.MemberNotFound, base),
		*failed,
		*attempt("t-1", 1, MethodQR, true, "", base),
	}

	s := Aggregate(attempts, base, base.Add(time.Hour), time.UTC)
	if s.Total != 3 || s.Denied != 2 || s.InternalErrors != 1 {
		t.Errorf("totals = %d/%d/%d, want 3/2/1", s.Total, s.Denied, s.InternalErrors)
	}
	if got := s.DenialReasonHistogram[outcome.MemberNotFound]; got != 1 {
		t.Errorf("member_not_found = %d, want 1", got)
	}
	if got := s.DenialCategoryHistogram[Categorize(outcome.MemberNotFound)]; got != 1 {
		t.Errorf("category count = %d, want 1", got)
	}
}

func TestAggregate_EmptyAndRounding(t *testing.T) {
	s := Aggregate(nil, base, base.Add(time.Hour), nil)
	if s.Total != 0 || s.SuccessRate != 0 || len(s.HourlyHistogram) != 24 {
		t.Errorf("empty = %+v", s)
	}

	attempts := []Attempt{
		*attempt("t-1", 1, MethodQR, true, "", base),
		*attempt("t-1", 1, MethodQR, false, outcome.Expired, base),
		*attempt("t-1", 1, MethodQR, false, outcome.Expired, base),
	}
	s = Aggregate(attempts, base, base.Add(time.Hour), time.UTC)
	if s.SuccessRate != 33.33 {
		t.Errorf("SuccessRate = %v, want 33.33", s.SuccessRate)
	}
}

func TestCategorize(t *testing.T) {
	want := map[outcome.Reason]Category{
		outcome.Expired:             CategoryExpired,
		outcome.InvalidSignature:    CategoryInvalidSignature,
		outcome.InvalidFormat:       CategoryMalformed,
		outcome.MemberNotFound:      CategoryNoMembership,
		outcome.MemberNotActive:     CategoryNoMembership,
		outcome.ServiceNotEnabled:   CategoryNoMembership,
		outcome.InsufficientBalance: CategoryNoMembership,
		outcome.DeviceInactive:      CategoryOther,
		outcome.DeviceLocked:        CategoryOther,
		outcome.DeviceTokenExpired:  CategoryOther,
		outcome.IPNotAllowed:        CategoryOther,
		outcome.RateLimited:         CategoryOther,
	}
	for _, r := range outcome.AllReasons {
		c, ok := want[r]
		if !ok {
			t.Errorf("reason %q has no expected category", r)
			continue
		}
		if got := Categorize(r); got != c {
			t.Errorf("Categorize(%q) = %q, want %q", r, got, c)
		}
	}
}

func TestPostgresRepository(t *testing.T) {
	url := os.Getenv("GYMACCESS_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("GYMACCESS_TEST_POSTGRES_URL is not set; skipping Postgres integration test")
	}
	ctx := context.Background()

	pool, err := NewPostgresPool(ctx, config.AuditConfig{PostgresURL: url, PostgresConns: 2})
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer pool.Close()

	repo := NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	tenantID := "t-" + NewID(time.Now())
	t.Cleanup(func() {
		pool.Exec(context.Background(), "DELETE FROM access_attempts WHERE tenant_id = $1", tenantID) //nolint:errcheck // Test cleanup
	})

	for _, a := range []*Attempt{
		attempt(tenantID, 1, MethodQR, true, "", base),
		attempt(tenantID, 1, MethodNFC, false, outcome.MemberNotFound, base.Add(time.Minute)),
	} {
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	denied := false
	result, err := repo.List(ctx, Filter{TenantID: tenantID, Granted: &denied})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 1 || result.Attempts[0].DenialReason != outcome.MemberNotFound {
		t.Errorf("List() = %+v", result)
	}

	window, err := repo.ListWindow(ctx, tenantID, base, base.Add(time.Hour))
	if err != nil || len(window) != 2 {
		t.Errorf("ListWindow() = %d rows, %v", len(window), err)
	}
}
