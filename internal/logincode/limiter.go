package logincode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "gymaccess:logincode"

// fixedWindowLua increments a counter and starts its window on the first hit.
//
// KEYS[1] = counter key
// ARGV[1] = window in milliseconds
//
// Returns the counter value after the increment.
var fixedWindowLua = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// penaltyLua extends a counter's TTL to at least ARGV[1] milliseconds.
var penaltyLua = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl >= 0 and ttl < tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return ttl
`)

// LimiterConfig holds the send and verify budgets.
type LimiterConfig struct {
	SendLimit    int
	SendWindow   time.Duration
	SendPenalty  time.Duration
	VerifyLimit  int
	VerifyWindow time.Duration
}

// DefaultLimiterConfig returns 3 sends and 5 verifies per 10 minutes, with a
// 60 minute penalty for sends to an unknown email.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		SendLimit:    3,
		SendWindow:   10 * time.Minute,
		SendPenalty:  60 * time.Minute,
		VerifyLimit:  5,
		VerifyWindow: 10 * time.Minute,
	}
}

// Limiter counts login code sends and verifications per (tenant, ip, email)
// in Redis, so the budget is shared across instances.
type Limiter struct {
	redis  redis.UniversalClient
	config LimiterConfig
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.UniversalClient, cfg LimiterConfig) *Limiter {
	return &Limiter{redis: client, config: cfg}
}

// AllowSend charges one send and returns ErrRateLimited once the budget is spent.
func (l *Limiter) AllowSend(ctx context.Context, tenantID, ip, email string) error {
	return l.hit(ctx, sendKey(tenantID, ip, email), l.config.SendLimit, l.config.SendWindow)
}

// PenalizeSend stretches the send window to the penalty duration. Used when
// the email matches no member.
func (l *Limiter) PenalizeSend(ctx context.Context, tenantID, ip, email string) error {
	err := penaltyLua.Run(ctx, l.redis, []string{sendKey(tenantID, ip, email)},
		l.config.SendPenalty.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return nil
}

// AllowVerify charges one verification attempt.
func (l *Limiter) AllowVerify(ctx context.Context, tenantID, ip, email string) error {
	return l.hit(ctx, verifyKey(tenantID, ip, email), l.config.VerifyLimit, l.config.VerifyWindow)
}

// ResetVerify clears the verification counter after a successful login.
func (l *Limiter) ResetVerify(ctx context.Context, tenantID, ip, email string) error {
	if err := l.redis.Del(ctx, verifyKey(tenantID, ip, email)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return nil
}

func (l *Limiter) hit(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := fixedWindowLua.Run(ctx, l.redis, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	if count > int64(limit) {
		return ErrRateLimited
	}
	return nil
}

func sendKey(tenantID, ip, email string) string {
	return keyPrefix + ":send:" + tenantID + ":" + ip + ":" + normalizeEmail(email)
}

func verifyKey(tenantID, ip, email string) string {
	return keyPrefix + ":verify:" + tenantID + ":" + ip + ":" + normalizeEmail(email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
