package logincode

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-that-is-at-least-32-characters"

func TestSessions_IssueAndParse(t *testing.T) {
	s := NewSessions(testSecret, 30*time.Minute)

	session, err := s.Issue("t-1", "m-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if session.TokenType != "Bearer" || session.ExpiresIn != 1800 {
		t.Errorf("session = %+v", session)
	}

	claims, err := s.Parse(session.AccessToken)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "m-1" || claims.TenantID != "t-1" || claims.Role != RoleMember {
		t.Errorf("claims = %+v", claims)
	}
}

func TestSessions_ParseRejects(t *testing.T) {
	s := NewSessions(testSecret, 30*time.Minute)
	valid, err := s.Issue("t-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}

	expired := NewSessions(testSecret, 30*time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Issue("t-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}

	other, err := NewSessions("another-secret-that-is-32-characters-long", time.Minute).Issue("t-1", "m-1")
	if err != nil {
		t.Fatal(err)
	}

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, MemberClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "m-1"},
		TenantID:         "t-1",
		Role:             RoleMember,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	staff, err := jwt.NewWithClaims(jwt.SigningMethodHS256, MemberClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "m-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		TenantID:         "t-1",
		Role:             "admin",
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"expired", old.AccessToken},
		{"wrong secret", other.AccessToken},
		{"alg none", noneToken},
		{"wrong role", staff},
		{"tampered", valid.AccessToken[:len(valid.AccessToken)-2] + "xx"},
		{"garbage", "not.a.token"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Parse(tt.token); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("Parse() error = %v, want ErrTokenInvalid", err)
			}
		})
	}

	if strings.Count(valid.AccessToken, ".") != 2 {
		t.Errorf("token %q is not a compact JWS", valid.AccessToken)
	}
}
