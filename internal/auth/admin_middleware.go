package auth

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"apigate/internal/clock"
)

const (
	AdminKeyHeader = "X-Admin-Key"

	defaultAdminPerMinute = 100
	defaultAdminBurst     = 20
	adminLimiterIdleTTL   = 10 * time.Minute
	adminLimiterSweepSize = 1024
)

// AdminMiddlewareConfig configures the admin authentication middleware.
type AdminMiddlewareConfig struct {
	MasterKeys []string
	Logger     zerolog.Logger
	RateLimit  rate.Limit
	Burst      int
	Clock      clock.Clock
	// ClientIP resolves the caller address used for per-IP throttling.
	ClientIP func(*http.Request) string
}

// OperatorID is the audit identity recorded for an admin master key. The raw
// key never leaves the middleware.
func OperatorID(masterKey string) string {
	return "admin:" + hashIdentifier(masterKey)
}

// AdminAuthMiddleware throttles admin callers per IP, then requires a master key
// in X-Admin-Key. Throttling runs first so key guessing is rate limited too.
func AdminAuthMiddleware(cfg AdminMiddlewareConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	clk := clock.OrSystem(cfg.Clock)

	masterKeys := make([][]byte, 0, len(cfg.MasterKeys))
	for _, key := range cfg.MasterKeys {
		if key != "" {
			masterKeys = append(masterKeys, []byte(key))
		}
	}

	limit := cfg.RateLimit
	if limit == 0 {
		limit = rate.Every(time.Minute / defaultAdminPerMinute)
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = defaultAdminBurst
	}
	resolveIP := cfg.ClientIP
	if resolveIP == nil {
		resolveIP = func(r *http.Request) string { return r.RemoteAddr }
	}

	limiters := newAdminLimiters(limit, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := clk.Now()
			ip := resolveIP(r)
			if wait, ok := limiters.reserve(ip, now); !ok {
				logger.Warn().Str("ip", ip).Str("path", r.URL.Path).Dur("retry_after", wait).Msg("admin rate limit exceeded")
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeAdminError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many admin requests", now)
				return
			}

			presented := r.Header.Get(AdminKeyHeader)
			if presented == "" {
				writeAdminError(w, http.StatusUnauthorized, "MISSING_API_KEY", "Admin key required", now)
				return
			}
			if !matchesAny(masterKeys, presented) {
				logger.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("invalid admin key")
				writeAdminError(w, http.StatusUnauthorized, "INVALID_API_KEY", "Invalid admin key", now)
				return
			}

			ctx := withAdminOperator(r.Context(), OperatorID(presented))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// matchesAny compares against every key so timing does not reveal which one matched.
func matchesAny(keys [][]byte, candidate string) bool {
	c := []byte(candidate)
	found := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare(k, c) == 1 {
			found = true
		}
	}
	return found
}

type adminErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
}

func writeAdminError(w http.ResponseWriter, status int, code, msg string, now time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(adminErrorBody{
		Error:     msg,
		Code:      code,
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}

// adminLimiters keeps one token bucket per caller IP and forgets idle callers.
type adminLimiters struct {
	mu      sync.Mutex
	entries map[string]*adminLimiterEntry
	limit   rate.Limit
	burst   int
}

type adminLimiterEntry struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func newAdminLimiters(limit rate.Limit, burst int) *adminLimiters {
	return &adminLimiters{
		entries: make(map[string]*adminLimiterEntry),
		limit:   limit,
		burst:   burst,
	}
}

// reserve takes a token for ip at now. When none is available it returns the
// wait until the next one.
func (l *adminLimiters) reserve(ip string, now time.Time) (time.Duration, bool) {
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) > adminLimiterSweepSize {
		l.evictIdle(now)
	}

	entry, ok := l.entries[ip]
	if !ok {
		entry = &adminLimiterEntry{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = now

	res := entry.bucket.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func (l *adminLimiters) evictIdle(now time.Time) int {
	removed := 0
	for ip, e := range l.entries {
		if now.Sub(e.lastSeen) >= adminLimiterIdleTTL {
			delete(l.entries, ip)
			removed++
		}
	}
	return removed
}

func (l *adminLimiters) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
