package logincode

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RoleMember is the only role minted by the login code flow.
const RoleMember = "member"

// DefaultSessionTTL applies when no TTL is configured.
const DefaultSessionTTL = 60 * time.Minute

// ErrTokenInvalid is returned for any session token that fails validation.
var ErrTokenInvalid = errors.New("invalid session token")

// MemberClaims are the JWT claims of a member portal session.
type MemberClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant"`
	Role     string `json:"role"`
}

// Session is the credential returned after a successful verification.
type Session struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Sessions mints and parses HS256 member session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions creates a Sessions. A non-positive ttl uses DefaultSessionTTL.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a session for the member.
func (s *Sessions) Issue(tenantID, memberID string) (Session, error) {
	now := s.now()
	claims := MemberClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   memberID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		TenantID: tenantID,
		Role:     RoleMember,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Session{}, fmt.Errorf("signing session token: %w", err)
	}
	return Session{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.ttl.Seconds()),
	}, nil
}

// Parse validates a session token and returns its claims.
func (s *Sessions) Parse(tokenString string) (*MemberClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &MemberClaims{}, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*MemberClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("%w: missing subject or tenant", ErrTokenInvalid)
	}
	if claims.Role != RoleMember {
		return nil, fmt.Errorf("%w: unexpected role", ErrTokenInvalid)
	}
	return claims, nil
}
