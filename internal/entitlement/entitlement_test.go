package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mariokehl/gymportal-access/internal/member"
	"github.com/mariokehl/gymportal-access/internal/outcome"
	"github.com/mariokehl/gymportal-access/internal/testutil"
)

func setup(t *testing.T) (*Store, *Resolver, *sql.DB) {
	t.Helper()
	db := testutil.OpenDB(t)
	testutil.SeedTenant(t, db, "t-1")
	testutil.SeedTenant(t, db, "t-2")
	store := NewStore(db)
	return store, NewResolver(store, member.NewSQLiteRepository(db)), db
}

func getMember(t *testing.T, db *sql.DB, tenantID, id string) *member.Member {
	t.Helper()
	m, err := member.NewSQLiteRepository(db).Get(context.Background(), tenantID, id)
	if err != nil {
		t.Fatalf("loading member %s: %v", id, err)
	}
	return m
}

func TestParseService(t *testing.T) {
	tests := []struct {
		in      string
		want    Service
		wantErr bool
	}{
		{"", Gym, false},
		{"gym", Gym, false},
		{" Solarium ", Solarium, false},
		{"coffee", Coffee, false},
		{"sauna", "", true},
	}
	for _, tt := range tests {
		got, err := ParseService(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseService(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestResolver_Gym(t *testing.T) {
	_, resolver, db := setup(t)
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-24 * time.Hour)

	testutil.SeedActiveMember(t, db, "t-1", "m-ok", "ok@example.com")

	testutil.SeedMember(t, db, "t-1", "m-paused", "paused@example.com", "paused")
	testutil.SeedMembership(t, db, "t-1", "m-paused", "active", now.Add(-48*time.Hour), nil)

	testutil.SeedMember(t, db, "t-1", "m-ended", "ended@example.com", "active")
	testutil.SeedMembership(t, db, "t-1", "m-ended", "active", now.Add(-48*time.Hour), &past)

	testutil.SeedMember(t, db, "t-1", "m-future", "future@example.com", "active")
	testutil.SeedMembership(t, db, "t-1", "m-future", "active", now.Add(48*time.Hour), nil)

	testutil.SeedMember(t, db, "t-1", "m-cancelled", "cancelled@example.com", "active")
	testutil.SeedMembership(t, db, "t-1", "m-cancelled", "cancelled", now.Add(-48*time.Hour), nil)

	tests := []struct {
		member  string
		granted bool
	}{
		{"m-ok", true},
		{"m-paused", false},
		{"m-ended", false},
		{"m-future", false},
		{"m-cancelled", false},
	}
	for _, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			decision, err := resolver.Check(ctx, getMember(t, db, "t-1", tt.member), Gym)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if decision.Granted != tt.granted {
				t.Errorf("Check() = %v, want granted=%v", decision, tt.granted)
			}
			if !tt.granted && decision.Reason != outcome.MemberNotActive {
				t.Errorf("reason = %q, want member_not_active", decision.Reason)
			}
		})
	}
}

func TestResolver_Services(t *testing.T) {
	store, _, db := setup(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	resolver := NewResolver(store, member.NewSQLiteRepository(db), WithClock(func() time.Time { return now }))

	testutil.SeedActiveMember(t, db, "t-1", "m-1", "m1@example.com")
	testutil.SeedMember(t, db, "t-1", "m-overdue", "overdue@example.com", "overdue")
	m := getMember(t, db, "t-1", "m-1")

	tomorrow := now.Add(24 * time.Hour)
	yesterday := now.Add(-24 * time.Hour)
	set := func(memberID string, svc Service, in EntitlementInput) {
		t.Helper()
		if _, err := store.SetEntitlement(ctx, "t-1", memberID, svc, in); err != nil {
			t.Fatalf("SetEntitlement(%s) error = %v", svc, err)
		}
	}
	set("m-1", Solarium, EntitlementInput{Enabled: true, Balance: 20})
	set("m-1", Vending, EntitlementInput{Enabled: true, Balance: 0})
	set("m-1", Massage, EntitlementInput{Enabled: false, Balance: 3})
	set("m-overdue", Solarium, EntitlementInput{Enabled: true, Balance: 20})

	tests := []struct {
		name    string
		coffee  *EntitlementInput
		member  *member.Member
		service Service
		want    outcome.Reason
	}{
		{"metered with balance", nil, m, Solarium, ""},
		{"metered empty balance", nil, m, Vending, outcome.InsufficientBalance},
		{"disabled", nil, m, Massage, outcome.ServiceNotEnabled},
		{"no row", nil, m, Coffee, outcome.ServiceNotEnabled},
		{"coffee open ended", &EntitlementInput{Enabled: true}, m, Coffee, ""},
		{"coffee unexpired", &EntitlementInput{Enabled: true, ExpiresAt: &tomorrow}, m, Coffee, ""},
		{"coffee expired", &EntitlementInput{Enabled: true, ExpiresAt: &yesterday}, m, Coffee, outcome.Expired},
		{"inactive member", nil, getMember(t, db, "t-1", "m-overdue"), Solarium, outcome.MemberNotActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.coffee != nil {
				set("m-1", Coffee, *tt.coffee)
			}
			decision, err := resolver.Check(ctx, tt.member, tt.service)
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if decision.Granted != (tt.want == "") || decision.Reason != tt.want {
				t.Errorf("Check() = %v, want reason %q", decision, tt.want)
			}
		})
	}
}

func TestResolver_Consume(t *testing.T) {
	store, resolver, db := setup(t)
	ctx := context.Background()
	testutil.SeedActiveMember(t, db, "t-1", "m-1", "m1@example.com")

	if _, err := store.SetEntitlement(ctx, "t-1", "m-1", Solarium, EntitlementInput{Enabled: true, Balance: 10}); err != nil {
		t.Fatal(err)
	}

	balance, decision, err := resolver.Consume(ctx, "t-1", "m-1", Solarium, 4)
	if err != nil || !decision.Granted || balance != 6 {
		t.Fatalf("Consume(4) = %d, %v, %v; want 6 granted", balance, decision, err)
	}

	balance, decision, err = resolver.Consume(ctx, "t-1", "m-1", Solarium, 7)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Reason != outcome.InsufficientBalance || balance != 6 {
		t.Errorf("Consume(7) = %d, %v; want insufficient with balance 6", balance, decision)
	}

	if _, decision, _ = resolver.Consume(ctx, "t-1", "m-1", Vending, 1); decision.Reason != outcome.ServiceNotEnabled {
		t.Errorf("Consume(vending) reason = %q, want service_not_enabled", decision.Reason)
	}
	if _, _, err = resolver.Consume(ctx, "t-1", "m-1", Coffee, 1); !errors.Is(err, ErrUnknownService) {
		t.Errorf("Consume(coffee) error = %v, want ErrUnknownService", err)
	}
	if _, _, err = resolver.Consume(ctx, "t-1", "m-1", Solarium, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Consume(0) error = %v, want ErrInvalidAmount", err)
	}
}

func TestResolver_ConsumeNeverOverdraws(t *testing.T) {
	store, resolver, db := setup(t)
	ctx := context.Background()
	testutil.SeedActiveMember(t, db, "t-1", "m-1", "m1@example.com")
	if _, err := store.SetEntitlement(ctx, "t-1", "m-1", Vending, EntitlementInput{Enabled: true, Balance: 500}); err != nil {
		t.Fatal(err)
	}

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, decision, err := resolver.Consume(ctx, "t-1", "m-1", Vending, 30)
			if err == nil && decision.Granted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	e, err := store.GetEntitlement(ctx, "t-1", "m-1", Vending)
	if err != nil {
		t.Fatal(err)
	}
	if granted.Load() != 16 || e.Balance != 20 {
		t.Errorf("granted=%d balance=%d, want 16 and 20", granted.Load(), e.Balance)
	}
}

func TestResolver_Authorize(t *testing.T) {
	store, resolver, db := setup(t)
	ctx := context.Background()
	testutil.SeedActiveMember(t, db, "t-1", "m-1", "m1@example.com")
	m := getMember(t, db, "t-1", "m-1")
	if _, err := store.SetEntitlement(ctx, "t-1", "m-1", Massage, EntitlementInput{Enabled: true, Balance: 1}); err != nil {
		t.Fatal(err)
	}

	result, err := resolver.Authorize(ctx, m, Massage, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Decision.Granted || result.Balance == nil || *result.Balance != 0 {
		t.Fatalf("Authorize() = %+v, want granted with balance 0", result)
	}

	result, err = resolver.Authorize(ctx, m, Massage, 1)
	if err != nil {
		t.Fatal(err)
	}
	if result.Decision.Reason != outcome.InsufficientBalance {
		t.Errorf("second Authorize() = %v, want insufficient_balance", result.Decision)
	}

	// Without an amount nothing is consumed.
	result, err = resolver.Authorize(ctx, m, Gym, 0)
	if err != nil || !result.Decision.Granted || result.Balance != nil {
		t.Errorf("Authorize(gym) = %+v, %v", result, err)
	}
}

func TestStore_SetEntitlementRejectsGym(t *testing.T) {
	store, _, db := setup(t)
	testutil.SeedActiveMember(t, db, "t-1", "m-1", "m1@example.com")
	ctx := context.Background()

	if _, err := store.SetEntitlement(ctx, "t-1", "m-1", Gym, EntitlementInput{Enabled: true}); !errors.Is(err, ErrNotEntitlementService) {
		t.Errorf("SetEntitlement(gym) error = %v", err)
	}
	if _, err := store.SetEntitlement(ctx, "t-1", "m-1", Solarium, EntitlementInput{Balance: -1}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("SetEntitlement(-1) error = %v", err)
	}
}

func TestStore_AccessConfig(t *testing.T) {
	store, _, db := setup(t)
	ctx := context.Background()
	testutil.SeedActiveMember(t, db, "t-1", "m-1", "m1@example.com")
	testutil.SeedActiveMember(t, db, "t-1", "m-2", "m2@example.com")
	testutil.SeedActiveMember(t, db, "t-2", "m-3", "m3@example.com")

	cfg, err := store.GetAccessConfig(ctx, "t-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.QREnabled || cfg.NFCEnabled || cfg.NFCUID != "" {
		t.Errorf("default config = %+v", cfg)
	}

	on := true
	uid := "04:a1:b2:c3"
	cfg, err = store.SetAccessConfig(ctx, "t-1", "m-1", AccessConfigInput{NFCEnabled: &on, NFCUID: &uid})
	if err != nil {
		t.Fatalf("SetAccessConfig() error = %v", err)
	}
	if cfg.NFCUID != "04A1B2C3" {
		t.Errorf("NFCUID = %q, want 04A1B2C3", cfg.NFCUID)
	}

	found, err := store.FindByNFCUID(ctx, "t-1", "04A1B2C3")
	if err != nil {
		t.Fatalf("FindByNFCUID() error = %v", err)
	}
	if found.MemberID != "m-1" || !found.NFCEnabled {
		t.Errorf("FindByNFCUID() = %+v", found)
	}

	// Equivalent forms collide within the tenant.
	other := "0x04A1B2C3"
	if _, err := store.SetAccessConfig(ctx, "t-1", "m-2", AccessConfigInput{NFCUID: &other}); !errors.Is(err, ErrNFCUIDTaken) {
		t.Errorf("duplicate uid error = %v, want ErrNFCUIDTaken", err)
	}
	// Another tenant may reuse it.
	if _, err := store.SetAccessConfig(ctx, "t-2", "m-3", AccessConfigInput{NFCUID: &other}); err != nil {
		t.Errorf("cross-tenant uid error = %v", err)
	}
	// Re-saving the same member's uid is fine.
	if _, err := store.SetAccessConfig(ctx, "t-1", "m-1", AccessConfigInput{NFCUID: &uid}); err != nil {
		t.Errorf("resave error = %v", err)
	}

	bad := "zz:zz"
	if _, err := store.SetAccessConfig(ctx, "t-1", "m-2", AccessConfigInput{NFCUID: &bad}); !errors.Is(err, ErrInvalidNFCUID) {
		t.Errorf("bad uid error = %v, want ErrInvalidNFCUID", err)
	}

	empty := ""
	if _, err := store.SetAccessConfig(ctx, "t-1", "m-1", AccessConfigInput{NFCUID: &empty}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FindByNFCUID(ctx, "t-1", "04A1B2C3"); !errors.Is(err, ErrAccessConfigNotFound) {
		t.Errorf("after removal error = %v, want ErrAccessConfigNotFound", err)
	}
}

func TestStore_InvalidateQR(t *testing.T) {
	store, _, db := setup(t)
	ctx := context.Background()
	testutil.SeedActiveMember(t, db, "t-1", "m-1", "m1@example.com")

	at, err := store.InvalidateQR(ctx, "t-1", "m-1")
	if err != nil {
		t.Fatalf("InvalidateQR() error = %v", err)
	}
	cfg, err := store.GetAccessConfig(ctx, "t-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.QRInvalidatedAt == nil || !cfg.QREnabled {
		t.Fatalf("config after invalidation = %+v", cfg)
	}
	if !cfg.QRRevoked(at.Truncate(time.Second)) {
		t.Error("credential issued before invalidation should be revoked")
	}
	if cfg.QRRevoked(at.Add(2 * time.Second)) {
		t.Error("credential issued after invalidation should stand")
	}
}

func TestStore_InvalidateQRSameSecond(t *testing.T) {
	_, _, db := setup(t)
	ctx := context.Background()
	testutil.SeedActiveMember(t, db, "t-1", "m-1", "m1@example.com")

	now := time.Date(2026, 3, 1, 10, 0, 58, 971000, time.UTC)
	store := NewStore(db, WithStoreClock(func() time.Time { return now }))

	at, err := store.InvalidateQR(ctx, "t-1", "m-1")
	if err != nil {
		t.Fatalf("InvalidateQR() error = %v", err)
	}
	if want := now.Truncate(time.Second); !at.Equal(want) {
		t.Errorf("InvalidateQR() = %v, want %v", at, want)
	}
	cfg, err := store.GetAccessConfig(ctx, "t-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}

	// A credential stamped in the invalidation second is revoked, the
	// next one issued is not.
	if !cfg.QRRevoked(time.Unix(now.Unix(), 0)) {
		t.Error("credential from the invalidation second should be revoked")
	}
	floor := cfg.QRIssueFloor()
	if want := time.Unix(now.Unix()+1, 0); !floor.Equal(want) {
		t.Errorf("QRIssueFloor() = %v, want %v", floor, want)
	}
	if cfg.QRRevoked(floor) {
		t.Error("credential stamped at the issue floor should stand")
	}

	if got := (&AccessConfig{}).QRIssueFloor(); !got.IsZero() {
		t.Errorf("QRIssueFloor() without invalidation = %v, want zero", got)
	}
}
