package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/uiagate/uia"
)

// FailureLimiter tracks failed UIA stage attempts per key and locks the key
// out with exponential backoff. The gateway keys attempts by client address
// and by session stage.
type FailureLimiter interface {
	// Check returns a positive duration while key is locked out.
	Check(ctx context.Context, key string) (time.Duration, error)
	RecordFailure(ctx context.Context, key string) error
	RecordSuccess(ctx context.Context, key string) error
}

// LimitPolicy configures when lockout begins and how long it lasts.
type LimitPolicy struct {
	// MaxFailures is the number of consecutive failures before lockout begins.
	MaxFailures int
	// BaseLockout is the lockout after MaxFailures is reached. It doubles
	// with each further failure.
	BaseLockout time.Duration
	// MaxLockout caps the backoff.
	MaxLockout time.Duration
}

// DefaultLimitPolicy is used when no policy is configured.
var DefaultLimitPolicy = LimitPolicy{
	MaxFailures: 5,
	BaseLockout: time.Minute,
	MaxLockout:  15 * time.Minute,
}

// attemptExpiry is how long after the last failure before a record is
// forgotten.
const attemptExpiry = time.Hour

func (p LimitPolicy) withDefaults() LimitPolicy {
	if p.MaxFailures <= 0 {
		p.MaxFailures = DefaultLimitPolicy.MaxFailures
	}
	if p.BaseLockout <= 0 {
		p.BaseLockout = DefaultLimitPolicy.BaseLockout
	}
	if p.MaxLockout < p.BaseLockout {
		p.MaxLockout = max(DefaultLimitPolicy.MaxLockout, p.BaseLockout)
	}
	return p
}

// lockout returns the lockout for the given failure count, zero below
// MaxFailures. Backoff is BaseLockout * 2^(failures - MaxFailures).
func (p LimitPolicy) lockout(failures int) time.Duration {
	if failures < p.MaxFailures {
		return 0
	}
	lockout := p.BaseLockout
	for i := 0; i < failures-p.MaxFailures; i++ {
		lockout *= 2
		if lockout >= p.MaxLockout {
			return p.MaxLockout
		}
	}
	return lockout
}

// ---------------------------------------------------------------------------
// In-memory limiter
// ---------------------------------------------------------------------------

// MemoryLimiter keeps failure records in process memory.
type MemoryLimiter struct {
	mu       sync.Mutex
	policy   LimitPolicy
	attempts map[string]*attemptRecord
	now      func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// NewMemoryLimiter returns an in-memory limiter. Zero policy fields take
// their DefaultLimitPolicy values.
func NewMemoryLimiter(policy LimitPolicy) *MemoryLimiter {
	return &MemoryLimiter{
		policy:   policy.withDefaults(),
		attempts: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

func (rl *MemoryLimiter) Check(_ context.Context, key string) (time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return 0, nil
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, key)
		return 0, nil
	}
	if now.Before(rec.lockedUntil) {
		return rec.lockedUntil.Sub(now), nil
	}
	return 0, nil
}

func (rl *MemoryLimiter) RecordFailure(_ context.Context, key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now
	if d := rl.policy.lockout(rec.failures); d > 0 {
		rec.lockedUntil = now.Add(d)
	}
	return nil
}

func (rl *MemoryLimiter) RecordSuccess(_ context.Context, key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
	return nil
}

// Sweep removes expired records.
func (rl *MemoryLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	n := 0
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, key)
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Redis limiter
// ---------------------------------------------------------------------------

// ErrLimiterUnavailable wraps redis failures.
var ErrLimiterUnavailable = errors.New("rate limiter unavailable")

const redisKeyPrefix = "uiagate:uia:"

// RedisLimiter shares failure counters between gateway replicas. A failure
// counter lives for attemptExpiry from the first failure; a separate lock
// key carries the lockout as its TTL.
type RedisLimiter struct {
	redis  redis.UniversalClient
	policy LimitPolicy
}

// NewRedisLimiter returns a limiter backed by client.
func NewRedisLimiter(client redis.UniversalClient, policy LimitPolicy) *RedisLimiter {
	return &RedisLimiter{redis: client, policy: policy.withDefaults()}
}

func failKey(key string) string { return redisKeyPrefix + "fail:" + key }
func lockKey(key string) string { return redisKeyPrefix + "lock:" + key }

func (l *RedisLimiter) Check(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := l.redis.PTTL(ctx, lockKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	// -2 for a missing key, -1 for one without expiry.
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (l *RedisLimiter) RecordFailure(ctx context.Context, key string) error {
	count, err := l.redis.Incr(ctx, failKey(key)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, failKey(key), attemptExpiry).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
		}
	}
	d := l.policy.lockout(int(count))
	if d == 0 {
		return nil
	}
	if err := l.redis.Set(ctx, lockKey(key), count, d).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return nil
}

func (l *RedisLimiter) RecordSuccess(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, failKey(key), lockKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return nil
}

// Failures returns the current failure count for key.
func (l *RedisLimiter) Failures(ctx context.Context, key string) (int, error) {
	count, err := l.redis.Get(ctx, failKey(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	return int(count), nil
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, RateLimitedResponse{
		Errcode:      uia.CodeLimitExceeded,
		Error:        "too many failed attempts; try again later",
		RetryAfterMs: retryAfter.Milliseconds(),
	})
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

// extractClientIP returns the client IP for rate limiting, honouring proxy
// headers only from the API's trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if the request's RemoteAddr falls within one of trustedProxies. With no
// trusted proxies RemoteAddr is always returned.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	if fromTrustedProxy(remoteIP, trustedProxies) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

// fromTrustedProxy reports whether remoteIP lies inside trustedProxies.
func fromTrustedProxy(remoteIP string, trustedProxies []netip.Prefix) bool {
	if remoteIP == "" {
		return false
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	for _, prefix := range trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// extractClientIP trusts no proxy headers.
func extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, nil)
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), true
	}
	return "", false
}

// parseTrustedProxies accepts CIDRs and bare addresses.
func parseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}
