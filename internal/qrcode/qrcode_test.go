package qrcode

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mariokehl/gymportal-access/internal/outcome"
	"github.com/mariokehl/gymportal-access/internal/signing"
	"github.com/mariokehl/gymportal-access/internal/tenant"
	"github.com/mariokehl/gymportal-access/internal/testutil"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	db    *sql.DB
	keys  *signing.Store
	codec *Codec
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	testutil.SeedTenant(t, db, "t-1")
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	keys := signing.NewStore(db, 5*time.Minute, signing.WithClock(clock.Now))
	codec := NewCodec(keys, tenant.NewSQLiteRepository(db), 30*time.Minute, WithClock(clock.Now))
	return &fixture{db: db, keys: keys, codec: codec, clock: clock}
}

func TestCodec_IssueAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.codec.Issue(ctx, "t-1", "m-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if cred.Timestamp != f.clock.Now().Unix() {
		t.Errorf("Timestamp = %d, want %d", cred.Timestamp, f.clock.Now().Unix())
	}

	want := fmt.Sprintf("m-1:%d:%s", cred.Timestamp, cred.MAC)
	if cred.Payload() != want {
		t.Errorf("Payload() = %q, want %q", cred.Payload(), want)
	}

	parsed, dec, err := f.codec.ParseAndVerify(ctx, "t-1", cred.Payload())
	if err != nil {
		t.Fatalf("ParseAndVerify() error = %v", err)
	}
	if !dec.Granted {
		t.Fatalf("ParseAndVerify() = %v, want granted", dec)
	}
	if parsed != cred {
		t.Errorf("parsed = %+v, want %+v", parsed, cred)
	}
}

func TestCodec_IssueRejectsBadMemberID(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"", "a:b"} {
		if _, err := f.codec.Issue(context.Background(), "t-1", id); err == nil {
			t.Errorf("Issue(%q) error = nil, want error", id)
		}
	}
}

func TestCodec_Denials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.codec.Issue(ctx, "t-1", "m-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	now := f.clock.Now().Unix()
	zeros := strings.Repeat("0", 64)

	future, err := f.keys.Sign(ctx, "t-1", fmt.Sprintf("m-1:%d", now+120))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		raw  string
		want outcome.Reason
	}{
		{"empty", "", outcome.InvalidFormat},
		{"two fields", "m-1:123", outcome.InvalidFormat},
		{"four fields", "m-1:x:" + cred.Payload(), outcome.InvalidFormat},
		{"empty member", fmt.Sprintf(":%d:%s", now, zeros), outcome.InvalidFormat},
		{"non numeric timestamp", "m-1:abc:" + zeros, outcome.InvalidFormat},
		{"short mac", fmt.Sprintf("m-1:%d:abcd", now), outcome.InvalidFormat},
		{"non hex mac", fmt.Sprintf("m-1:%d:%s", now, strings.Repeat("z", 64)), outcome.InvalidFormat},
		{"expired beats bad mac", fmt.Sprintf("m-1:%d:%s", now-31*60, zeros), outcome.Expired},
		{"far future", fmt.Sprintf("m-1:%d:%s", now+120, future), outcome.Expired},
		{"bad mac", fmt.Sprintf("m-1:%d:%s", now, zeros), outcome.InvalidSignature},
		{"member swapped", fmt.Sprintf("m-2:%d:%s", cred.Timestamp, cred.MAC), outcome.InvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, dec, err := f.codec.ParseAndVerify(ctx, "t-1", tt.raw)
			if err != nil {
				t.Fatalf("ParseAndVerify() error = %v", err)
			}
			if dec.Granted || dec.Reason != tt.want {
				t.Errorf("ParseAndVerify(%q) = %v, want denied:%s", tt.raw, dec, tt.want)
			}
		})
	}
}

func TestCodec_WindowBoundaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.codec.Issue(ctx, "t-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(30 * time.Minute)
	if _, dec, _ := f.codec.ParseAndVerify(ctx, "t-1", cred.Payload()); !dec.Granted {
		t.Errorf("at exactly the window: %v, want granted", dec)
	}

	f.clock.Advance(time.Second)
	if _, dec, _ := f.codec.ParseAndVerify(ctx, "t-1", cred.Payload()); dec.Reason != outcome.Expired {
		t.Errorf("past the window: %v, want expired", dec)
	}
}

func TestCodec_SmallClockSkewAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Advance(20 * time.Second)
	cred, err := f.codec.Issue(ctx, "t-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(-20 * time.Second)

	if _, dec, _ := f.codec.ParseAndVerify(ctx, "t-1", cred.Payload()); !dec.Granted {
		t.Errorf("20s ahead: %v, want granted", dec)
	}
}

func TestCodec_IssueNotBefore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Advance(971 * time.Millisecond)
	now := f.clock.Now()

	tests := []struct {
		name      string
		notBefore time.Time
		want      int64
		wantErr   bool
	}{
		{"no floor", time.Time{}, now.Unix(), false},
		{"floor in the past", now.Add(-time.Minute), now.Unix(), false},
		{"floor in the next second", now.Truncate(time.Second).Add(time.Second), now.Unix() + 1, false},
		{"floor beyond skew", now.Add(MaxClockSkew + time.Second), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := f.codec.IssueNotBefore(ctx, "t-1", "m-1", tt.notBefore)
			if tt.wantErr {
				if err == nil {
					t.Errorf("IssueNotBefore() = %+v, want error", cred)
				}
				return
			}
			if err != nil {
				t.Fatalf("IssueNotBefore() error = %v", err)
			}
			if cred.Timestamp != tt.want {
				t.Errorf("Timestamp = %d, want %d", cred.Timestamp, tt.want)
			}
			if _, dec, _ := f.codec.ParseAndVerify(ctx, "t-1", cred.Payload()); !dec.Granted {
				t.Errorf("ParseAndVerify() = %v, want granted", dec)
			}
		})
	}
}

func TestCodec_TenantWindowOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.db.Exec("UPDATE tenants SET qr_validity_minutes = 1 WHERE id = 't-1'"); err != nil {
		t.Fatal(err)
	}

	cred, err := f.codec.Issue(ctx, "t-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Minute)
	if _, dec, _ := f.codec.ParseAndVerify(ctx, "t-1", cred.Payload()); dec.Reason != outcome.Expired {
		t.Errorf("after tenant window: %v, want expired", dec)
	}
}

// A code issued shortly before a key rotation stays valid for the grace
// period and is rejected once it elapses.
func TestCodec_KeyRotationGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.codec.Issue(ctx, "t-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(10 * time.Second)
	if _, err := f.keys.Rotate(ctx, "t-1"); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	f.clock.Advance(5 * time.Second)
	if _, dec, _ := f.codec.ParseAndVerify(ctx, "t-1", cred.Payload()); !dec.Granted {
		t.Errorf("5s after rotation: %v, want granted", dec)
	}

	f.clock.Advance(5 * time.Minute)
	if _, dec, _ := f.codec.ParseAndVerify(ctx, "t-1", cred.Payload()); dec.Reason != outcome.InvalidSignature {
		t.Errorf("after grace: %v, want invalid_signature", dec)
	}
}
