package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"ledgersync/internal/service"
	"ledgersync/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	rateLimitKeyPrefix = "ledgersync:ratelimit:"
	redisBudget        = 100 * time.Millisecond
	localIdleTTL       = 10 * time.Minute
)

var errNoRedis = errors.New("redis not configured")

// tokenBucket refills KEYS[1] (tokens) at ARGV[1]/s up to ARGV[2], stamping KEYS[2].
// ARGV[3] is now in seconds. Returns {allowed, remaining, retry_after_seconds}.
var tokenBucket = redis.NewScript(`
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = math.ceil(capacity / rate * 2)

local tokens = tonumber(redis.call("get", KEYS[1]))
if tokens == nil then tokens = capacity end
local last = tonumber(redis.call("get", KEYS[2]))
if last == nil then last = now end

tokens = math.min(capacity, tokens + math.max(0, now - last) * rate)
if tokens < 1 then
    return { 0, tostring(tokens), tostring((1 - tokens) / rate) }
end

tokens = tokens - 1
redis.call("set", KEYS[1], tokens, "EX", ttl)
redis.call("set", KEYS[2], now, "EX", ttl)
return { 1, tostring(tokens), "0" }
`)

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-caller token bucket kept in redis. When redis is missing or
// failing it falls back to in-process buckets so writes stay available.
type RateLimiter struct {
	rdb   redis.UniversalClient
	rps   int
	burst int

	mu     sync.Mutex
	local  map[string]*localBucket
	lastGC time.Time
}

func NewRateLimiter(rdb redis.UniversalClient, requestsPerSecond int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &RateLimiter{
		rdb:   rdb,
		rps:   requestsPerSecond,
		burst: requestsPerSecond,
		local: make(map[string]*localBucket),
	}
}

func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := callerKey(c)
		c.Header("X-RateLimit-Limit", strconv.Itoa(l.rps))

		allowed, remaining, retryAfter, err := l.allowRedis(c.Request.Context(), key)
		if err != nil {
			if !errors.Is(err, errNoRedis) {
				logger.Warn("redis rate limit failed, using local bucket", zap.Error(err), zap.String("key", key))
			}
			allowed, remaining, retryAfter = l.allowLocal(key)
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))
			c.Header("Retry-After", strconv.Itoa(max(1, int(retryAfter.Seconds()+0.5))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func (l *RateLimiter) allowRedis(ctx context.Context, key string) (bool, int, time.Duration, error) {
	if l.rdb == nil {
		return false, 0, 0, errNoRedis
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisBudget)
	defer cancel()

	now := float64(time.Now().UnixMicro()) / 1e6
	keys := []string{rateLimitKeyPrefix + key + ":tokens", rateLimitKeyPrefix + key + ":ts"}
	res, err := tokenBucket.Run(ctx, l.rdb, keys, l.rps, l.burst, now).Slice()
	if err != nil {
		return false, 0, 0, err
	}
	if len(res) != 3 {
		// fail open on an unexpected reply
		return true, l.burst, 0, nil
	}
	allowed, _ := res[0].(int64)
	remaining := parseFloat(res[1])
	retryAfter := parseFloat(res[2])
	return allowed == 1, int(remaining), time.Duration(retryAfter * float64(time.Second)), nil
}

func (l *RateLimiter) allowLocal(key string) (bool, int, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastGC) > localIdleTTL {
		for k, b := range l.local {
			if now.Sub(b.lastSeen) > localIdleTTL {
				delete(l.local, k)
			}
		}
		l.lastGC = now
	}

	b, ok := l.local[key]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
		l.local[key] = b
	}
	b.lastSeen = now

	if !b.limiter.AllowN(now, 1) {
		return false, 0, time.Second / time.Duration(l.rps)
	}
	return true, int(b.limiter.TokensAt(now)), 0
}

// callerKey prefers the authenticated identity over the client address.
func callerKey(c *gin.Context) string {
	if d := CurrentDevice(c); d != nil {
		return "device:" + d.DeviceID
	}
	if op := service.GetOperatorInfo(c.Request.Context()); op != nil {
		return "user:" + op.UserID
	}
	return "ip:" + c.ClientIP()
}

func parseFloat(v any) float64 {
	switch val := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	case int64:
		return float64(val)
	case float64:
		return val
	}
	return 0
}
