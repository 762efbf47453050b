package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/metrics"
)

const keyPrefix = "roomsync:"

// RateLimit is a request budget for one endpoint family. A request matches
// when its method is Method and its path starts with Prefix; the longest
// matching prefix wins.
type RateLimit struct {
	Name     string // metrics label
	Method   string
	Prefix   string
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// DefaultLimits are the budgets applied when none are configured.
func DefaultLimits() []RateLimit {
	return []RateLimit{
		{Name: "create_room", Method: "POST", Prefix: "/rooms", Requests: 20, Window: time.Hour, KeyFunc: ipKey},
		{Name: "list_rooms", Method: "GET", Prefix: "/rooms", Requests: 120, Window: time.Minute, KeyFunc: ipKey},
		{Name: "read_room", Method: "GET", Prefix: "/rooms/", Requests: 240, Window: time.Minute, KeyFunc: ipKey},
		{Name: "send", Method: "POST", Prefix: "/rooms/", Requests: 60, Window: time.Minute, KeyFunc: sessionOrIPKey},
	}
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Limits           []RateLimit // DefaultLimits when empty
	Whitelist        []string    // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool        // block an IP after repeated violations
	BlockAfter       int         // violations per hour before a block, default 10
	BlockFor         time.Duration
}

// RateLimiter enforces sliding-window budgets kept in Redis. Redis errors
// let the request through.
type RateLimiter struct {
	client     *redis.Client
	limits     []RateLimit
	blocker    *IPBlocker
	logger     zerolog.Logger
	whitelist  []netip.Prefix
	autoBlock  bool
	blockAfter int64
	blockFor   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:     client,
		limits:     cfg.Limits,
		blocker:    NewIPBlocker(client),
		logger:     logger,
		autoBlock:  cfg.AutoBlockEnabled,
		blockAfter: int64(cfg.BlockAfter),
		blockFor:   cfg.BlockFor,
	}
	if len(rl.limits) == 0 {
		rl.limits = DefaultLimits()
	}
	if rl.blockAfter <= 0 {
		rl.blockAfter = 10
	}
	if rl.blockFor <= 0 {
		rl.blockFor = 24 * time.Hour
	}

	for _, entry := range cfg.Whitelist {
		prefix, err := parseWhitelistEntry(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid whitelist entry")
			continue
		}
		rl.whitelist = append(rl.whitelist, prefix)
	}
	if len(rl.whitelist) > 0 {
		logger.Info().Int("entries", len(rl.whitelist)).Msg("rate limit whitelist configured")
	}

	return rl
}

// parseWhitelistEntry accepts a CIDR or a single address.
func parseWhitelistEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		return netip.ParsePrefix(entry)
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range rl.whitelist {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func ipKey(r *http.Request) string {
	return keyPrefix + "ratelimit:ip:" + RealIP(r)
}

// sessionOrIPKey keys sends on the live session when one is named,
// otherwise on the client IP.
func sessionOrIPKey(r *http.Request) string {
	if sessionID := r.Header.Get("X-Session-ID"); sessionID != "" {
		return keyPrefix + "ratelimit:session:" + sessionID
	}
	return ipKey(r)
}

// RealIP extracts the client IP from proxy headers or the connection.
func RealIP(r *http.Request) string {
	for _, h := range []string{"Fly-Client-IP", "X-Forwarded-For", "X-Real-IP"} {
		if v := r.Header.Get(h); v != "" {
			first, _, _ := strings.Cut(v, ",")
			return strings.TrimSpace(first)
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// decision is the outcome of one budget check.
type decision struct {
	allowed   bool
	remaining int
	resetAt   time.Time
}

// allow records a request against key and reports whether it fits in the
// last window. Entries are request timestamps in a sorted set, so the
// window slides instead of resetting on a boundary.
func (rl *RateLimiter) allow(ctx context.Context, key string, limit int, window time.Duration) (decision, error) {
	now := time.Now()
	member := strconv.FormatInt(now.UnixNano(), 10)

	pipe := rl.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	count := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return decision{allowed: true, remaining: limit}, err
	}

	d := decision{
		allowed:   count.Val() < int64(limit),
		remaining: max(limit-int(count.Val())-1, 0),
		resetAt:   now.Add(window),
	}
	if z := oldest.Val(); len(z) > 0 {
		d.resetAt = time.UnixMilli(int64(z[0].Score)).Add(window)
	}
	if !d.allowed {
		// rejected requests do not consume budget
		rl.client.ZRem(ctx, key, member)
	}
	return d, nil
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			reject(w, http.StatusForbidden, "blocked", "temporarily blocked")
			return
		}

		limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r)
		d, err := rl.allow(r.Context(), key, limit.Requests, limit.Window)
		if err != nil {
			rl.logger.Error().Err(err).Str("key", key).Msg("rate limit check failed")
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.resetAt.Unix(), 10))

		if !d.allowed {
			retry := int(time.Until(d.resetAt).Round(time.Second).Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))

			rl.trackViolation(r.Context(), ip)
			metrics.RateLimitHits.WithLabelValues(limit.Name).Inc()

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("limit", limit.Name).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")

			reject(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit returns the rule with the longest prefix matching r, or nil.
func (rl *RateLimiter) findLimit(r *http.Request) *RateLimit {
	var best *RateLimit
	for i := range rl.limits {
		l := &rl.limits[i]
		if l.Method != r.Method || !strings.HasPrefix(r.URL.Path, l.Prefix) {
			continue
		}
		if best == nil || len(l.Prefix) > len(best.Prefix) {
			best = l
		}
	}
	return best
}

// trackViolation counts violations per IP and blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlock {
		return
	}

	key := keyPrefix + "violations:ip:" + ip
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Error().Err(err).Str("ip", ip).Msg("failed to record violation")
		return
	}

	if count := incr.Val(); count >= rl.blockAfter {
		rl.blocker.Block(ctx, ip, rl.blockFor, "repeated rate limit violations")
		metrics.BlockedRequests.WithLabelValues("auto_blocked").Inc()
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// IPBlocker manages temporary IP blocks.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

func blockKey(ip string) string {
	return keyPrefix + "blocked:ip:" + ip
}

// IsBlocked checks if an IP is blocked. Lookup errors count as not blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	n, err := b.client.Exists(ctx, blockKey(ip)).Result()
	return err == nil && n > 0
}

// Block blocks an IP for the specified duration.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	b.client.Set(ctx, blockKey(ip), reason, duration)
}
