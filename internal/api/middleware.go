package api

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type TokenValidator interface {
	Validate(token string) (string, error)
}

// Auth validates the bearer token and stores the subject under "user_id".
func Auth(jv TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		hdr := c.Get("Authorization")
		if hdr == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing auth")
		}
		const pref = "Bearer "
		if len(hdr) <= len(pref) || !strings.EqualFold(hdr[:len(pref)], pref) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid auth")
		}
		sub, err := jv.Validate(hdr[len(pref):])
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals("user_id", sub)
		return c.Next()
	}
}

func userID(c *fiber.Ctx) string {
	uid, _ := c.Locals("user_id").(string)
	return uid
}

// RequestLogger logs every request once it has been handled.
func RequestLogger(logger *zap.SugaredLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		logger.Infow("request",
			"method", c.Method(),
			"path", c.OriginalURL(),
			"ip", c.IP(),
			"status", status,
			"latency", time.Since(start),
		)
		return err
	}
}

func Recovery(logger *zap.SugaredLogger) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered", "panic", r, "path", c.Path())
				err = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
			}
		}()
		return c.Next()
	}
}

// RateLimiter is a fixed window counter in Redis shared by every instance.
type RateLimiter struct {
	Redis  *redis.Client
	Prefix string
	Limit  int
	Window time.Duration
}

func NewRateLimiter(r *redis.Client, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{Redis: r, Prefix: prefix, Limit: limit, Window: window}
}

// Allow counts one hit for key.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", r.Prefix, key)
	count, err := r.Redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		r.Redis.Expire(ctx, redisKey, r.Window)
	}
	return count <= int64(r.Limit), nil
}

func (r *RateLimiter) MiddlewareByKey(keyFunc func(c *fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ok, err := r.Allow(c.Context(), keyFunc(c))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "rate limiter error")
		}
		if !ok {
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}

// IPRateLimiter keeps a token bucket per client IP in memory.
type IPRateLimiter struct {
	visitors sync.Map
	rps      rate.Limit
	burst    int
	log      *zap.SugaredLogger
}

type visitor struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// NewIPRateLimiter starts a sweeper that forgets idle IPs until ctx is done.
func NewIPRateLimiter(ctx context.Context, perMinute, burst int, logger *zap.SugaredLogger) *IPRateLimiter {
	if burst <= 0 {
		burst = 5
	}
	l := &IPRateLimiter{
		rps:   rate.Limit(float64(perMinute) / 60.0),
		burst: burst,
		log:   logger,
	}
	go l.cleanupVisitors(ctx)
	return l
}

func (l *IPRateLimiter) getLimiter(ip string) *rate.Limiter {
	v, _ := l.visitors.LoadOrStore(ip, &visitor{limiter: rate.NewLimiter(l.rps, l.burst)})
	vi := v.(*visitor)
	vi.mu.Lock()
	vi.lastSeen = time.Now()
	vi.mu.Unlock()
	return vi.limiter
}

func (l *IPRateLimiter) cleanupVisitors(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			l.visitors.Range(func(k, v any) bool {
				vi := v.(*visitor)
				vi.mu.Lock()
				idle := vi.lastSeen.Before(cutoff)
				vi.mu.Unlock()
				if idle {
					l.visitors.Delete(k)
				}
				return true
			})
		}
	}
}

func (l *IPRateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := getIP(c)
		if !l.getLimiter(ip).Allow() {
			l.log.Warnw("rate limit exceeded", "ip", ip, "path", c.Path())
			return fiber.NewError(fiber.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}

func getIP(c *fiber.Ctx) string {
	ip := c.IP()
	if ip == "" {
		ip = "unknown"
	}
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		return host
	}
	return ip
}
