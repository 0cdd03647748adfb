package logincode

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mariokehl/gymportal-access/internal/outcome"
	"github.com/mariokehl/gymportal-access/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func setupAuthority(t *testing.T) (*Authority, *sql.DB, *fakeClock) {
	t.Helper()
	db := testutil.OpenDB(t)
	testutil.SeedTenant(t, db, "t-1")
	testutil.SeedMember(t, db, "t-1", "m-1", "max@example.com", "active")
	testutil.SeedMember(t, db, "t-1", "m-2", "erika@example.com", "active")
	clock := newClock()
	return NewAuthority(db, 10*time.Minute, WithAuthorityClock(clock.Now)), db, clock
}

func issue(t *testing.T, a *Authority, memberID string) *Code {
	t.Helper()
	c, err := a.Issue(context.Background(), "t-1", memberID, "203.0.113.7", "test-agent")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return c
}

func TestIssue(t *testing.T) {
	a, _, clock := setupAuthority(t)

	c := issue(t, a, "m-1")

	if len(c.Code) != CodeDigits {
		t.Errorf("code length = %d, want %d", len(c.Code), CodeDigits)
	}
	for _, r := range c.Code {
		if r < '0' || r > '9' {
			t.Fatalf("code %q contains non-digit", c.Code)
		}
	}
	if want := clock.Now().Add(10 * time.Minute); !c.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", c.ExpiresAt, want)
	}
}

func TestIssue_InvalidatesPreviousCodes(t *testing.T) {
	a, db, _ := setupAuthority(t)
	ctx := context.Background()

	first := issue(t, a, "m-1")
	second := issue(t, a, "m-1")
	other := issue(t, a, "m-2")

	var unused int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM login_codes WHERE member_id = 'm-1' AND used = 0").Scan(&unused); err != nil {
		t.Fatalf("counting: %v", err)
	}
	if unused != 1 {
		t.Errorf("unused codes for m-1 = %d, want 1", unused)
	}

	if first.Code != second.Code {
		d, err := a.Verify(ctx, "t-1", "m-1", first.Code)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if d.Granted {
			t.Error("superseded code was accepted")
		}
	}

	d, err := a.Verify(ctx, "t-1", "m-2", other.Code)
	if err != nil || !d.Granted {
		t.Errorf("other member's code: decision = %v, err = %v", d, err)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		wrong   bool
		want    outcome.Decision
	}{
		{name: "valid", want: outcome.Grant()},
		{name: "wrong code", wrong: true, want: outcome.Deny(outcome.InvalidSignature, "")},
		{name: "expired", advance: 10 * time.Minute, want: outcome.Deny(outcome.Expired, "")},
		{name: "just before expiry", advance: 10*time.Minute - time.Second, want: outcome.Grant()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, clock := setupAuthority(t)
			c := issue(t, a, "m-1")
			clock.Advance(tt.advance)

			code := c.Code
			if tt.wrong {
				code = wrongCode(c.Code)
			}

			d, err := a.Verify(context.Background(), "t-1", "m-1", code)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if d.Granted != tt.want.Granted || d.Reason != tt.want.Reason {
				t.Errorf("Verify() = %v, want %v", d, tt.want)
			}
		})
	}
}

func TestVerify_SingleUse(t *testing.T) {
	a, _, _ := setupAuthority(t)
	c := issue(t, a, "m-1")
	ctx := context.Background()

	d, err := a.Verify(ctx, "t-1", "m-1", c.Code)
	if err != nil || !d.Granted {
		t.Fatalf("first Verify() = %v, %v", d, err)
	}

	d, err = a.Verify(ctx, "t-1", "m-1", c.Code)
	if err != nil {
		t.Fatalf("second Verify() error = %v", err)
	}
	if d.Granted || d.Reason != outcome.Expired {
		t.Errorf("second Verify() = %v, want denied:expired", d)
	}
}

func TestVerify_OtherMembersCodeRejected(t *testing.T) {
	a, _, _ := setupAuthority(t)
	issue(t, a, "m-1")
	other := issue(t, a, "m-2")

	d, err := a.Verify(context.Background(), "t-1", "m-1", other.Code)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if d.Granted {
		t.Error("code of another member was accepted")
	}
}

func TestVerify_ConcurrentGrantsOnce(t *testing.T) {
	a, _, _ := setupAuthority(t)
	c := issue(t, a, "m-1")

	var granted atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := a.Verify(context.Background(), "t-1", "m-1", c.Code)
			if err != nil {
				t.Errorf("Verify() error = %v", err)
				return
			}
			if d.Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 1 {
		t.Errorf("granted %d times, want 1", got)
	}
}

func TestDeleteExpired(t *testing.T) {
	a, db, clock := setupAuthority(t)
	ctx := context.Background()

	issue(t, a, "m-1")
	clock.Advance(2 * 24 * time.Hour)
	issue(t, a, "m-2")

	n, err := a.DeleteExpired(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", n)
	}

	var left int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM login_codes").Scan(&left); err != nil {
		t.Fatalf("counting: %v", err)
	}
	if left != 1 {
		t.Errorf("remaining codes = %d, want 1", left)
	}
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for range 50 {
		c, err := generateCode(CodeDigits)
		if err != nil {
			t.Fatalf("generateCode() error = %v", err)
		}
		if len(c) != CodeDigits {
			t.Fatalf("generateCode() = %q", c)
		}
		seen[c] = true
	}
	if len(seen) < 40 {
		t.Errorf("only %d distinct codes in 50 draws", len(seen))
	}
}

func wrongCode(code string) string {
	b := []byte(code)
	b[0] = '0' + (b[0]-'0'+1)%10
	return string(b)
}
