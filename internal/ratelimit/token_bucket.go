// Package ratelimit throttles operator bulk commands (manual sync enqueues,
// bulk quarantine reviews, migration starts) with a Redis token bucket shared
// by every API replica.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
)

const keyPrefix = "psa:ratelimit"

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket is a token bucket kept in a Redis hash so that every API
// replica draws from the same budget.
type TokenBucket struct {
	rdb       *redis.Client
	burst     float64
	perSecond float64
	idle      time.Duration
	now       func() time.Time
}

// NewTokenBucket builds a bucket holding up to burst tokens and refilling at
// perSecond. Buckets untouched for idle are dropped; idle <= 0 keeps them
// only as long as a full refill takes.
func NewTokenBucket(rdb *redis.Client, burst int, perSecond float64, idle time.Duration) *TokenBucket {
	if idle <= 0 && perSecond > 0 {
		idle = time.Duration(float64(burst) / perSecond * float64(time.Second))
	}
	if idle < time.Second {
		idle = time.Second
	}
	return &TokenBucket{rdb: rdb, burst: float64(burst), perSecond: perSecond, idle: idle, now: time.Now}
}

// Key names the bucket of one actor within one command scope.
func Key(scope, actor string) string {
	if actor == "" {
		actor = "anonymous"
	}
	return strings.Join([]string{keyPrefix, scope, actor}, ":")
}

// Allow takes one token from key's bucket when one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	const cost = 1.0
	reply, err := takeScript.Run(ctx, b.rdb, []string{key},
		b.burst, b.perSecond, b.now().UnixMilli(), cost, b.idle.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(reply) != 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, reply)
	}
	granted, _ := reply[0].(int64)
	level, _ := reply[1].(string)
	left, err := strconv.ParseFloat(level, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: bad level %q", key, level)
	}

	d := Decision{Allowed: granted == 1, Remaining: left}
	if !d.Allowed && b.perSecond > 0 {
		short := cost - left
		d.RetryAfter = time.Duration(math.Ceil(short/b.perSecond*1000)) * time.Millisecond
	}
	return d, nil
}

// Middleware rejects requests over the limit with 429. Actors are identified
// by actorFn; a Redis failure lets the request through.
func Middleware(b *TokenBucket, scope string, actorFn func(*http.Request) string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if b == nil {
				next.ServeHTTP(w, r)
				return
			}
			d, err := b.Allow(r.Context(), Key(scope, actorFn(r)))
			if err != nil {
				logger.Warn().Err(err).Str("scope", scope).Msg("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				telemetry.RateLimitRejects.Inc()
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// The level travels back as a string since Redis truncates Lua numbers.
var takeScript = redis.NewScript(`
local burst = tonumber(ARGV[1])
local per_sec = tonumber(ARGV[2])
local at = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'level', 'at')
local level = tonumber(state[1]) or burst
local since = tonumber(state[2]) or at
if at > since then
  level = math.min(burst, level + (at - since) * per_sec / 1000)
else
  at = since
end

local granted = 0
if level >= cost then
  level = level - cost
  granted = 1
end

redis.call('HSET', KEYS[1], 'level', tostring(level), 'at', at)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {granted, tostring(level)}
`)
