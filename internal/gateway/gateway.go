// Package gateway composes the protection layers into one admission
// middleware and turns their decisions into HTTP responses.
package gateway

import (
	"context"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"apigate/internal/audit"
	"apigate/internal/auth"
	"apigate/internal/clientip"
	"apigate/internal/clock"
	"apigate/internal/defense"
	"apigate/internal/quota"
	"apigate/internal/ratelimit"
	"apigate/internal/telemetry"
	"apigate/internal/validation"
)

const (
	challengeTokenHeader    = "X-Challenge-Token"
	challengeResponseHeader = "X-Challenge-Response"
)

// Config holds the orchestrator's own tunables.
type Config struct {
	// SiteOrigin is the public origin used for same-site checks, e.g. https://api.example.com.
	// Empty derives it from each request.
	SiteOrigin        string
	TrustProxyHeaders bool
	// TrustedProxies limits whose forwarding headers are honoured. Empty trusts
	// every peer once TrustProxyHeaders is set.
	TrustedProxies      []netip.Prefix
	MaxConcurrentPerIP  int
	MaxConcurrentGlobal int
	MemoryLimitBytes    uint64
	HandlerTimeout      time.Duration
	SignatureSkew       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerIP:  10,
		MaxConcurrentGlobal: 1000,
		HandlerTimeout:      30 * time.Second,
		SignatureSkew:       5 * time.Minute,
	}
}

// Dependencies are the components the gateway sequences.
type Dependencies struct {
	Validator *validation.Validator
	Blacklist *defense.Blacklist
	Guard     *defense.Guard
	Detector  *defense.Detector
	Keys      *auth.KeyService
	Limiter   *ratelimit.Limiter
	Quota     *quota.Tracker
	Sink      audit.Sink
	Reporter  telemetry.Reporter
	Metrics   *Metrics
	Clock     clock.Clock
	Logger    zerolog.Logger
	// MemoryUsage overrides the heap reading used by the memory ceiling.
	MemoryUsage func() uint64
}

type Gateway struct {
	cfg      Config
	deps     Dependencies
	clock    clock.Clock
	resolver clientip.Resolver
	global   *slotPool
	perIP    *ipCounter
	memory   *memoryGuard
	nonces   *nonceCache
}

func New(cfg Config, deps Dependencies) *Gateway {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.SignatureSkew <= 0 {
		cfg.SignatureSkew = 5 * time.Minute
	}
	if deps.Sink == nil {
		deps.Sink = audit.Discard{}
	}
	if deps.Reporter == nil {
		deps.Reporter = telemetry.Discard{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Gateway{
		cfg:      cfg,
		deps:     deps,
		clock:    clock.OrSystem(deps.Clock),
		resolver: clientip.Resolver{TrustProxyHeaders: cfg.TrustProxyHeaders, TrustedProxies: cfg.TrustedProxies},
		global:   newSlotPool(cfg.MaxConcurrentGlobal),
		perIP:    newIPCounter(cfg.MaxConcurrentPerIP),
		memory:   newMemoryGuard(cfg.MemoryLimitBytes, deps.MemoryUsage),
		nonces:   newNonceCache(2 * cfg.SignatureSkew),
	}
}

// ClientIP resolves the caller address the same way admission does.
func (g *Gateway) ClientIP(r *http.Request) string {
	return g.resolver.Resolve(r)
}

// Protect returns middleware admitting requests that require scope.
func (g *Gateway) Protect(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, scope, next)
		})
	}
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, scope auth.Scope, next http.Handler) {
	start := g.clock.Now()
	ip := g.resolver.Resolve(r)
	ctx := r.Context()

	releaseIP, ok := g.perIP.tryAcquire(ip)
	if !ok {
		g.reject(w, r, ip, rejection{status: http.StatusTooManyRequests, code: CodeConcurrentLimit,
			message: "too many concurrent requests from this address", retryAfter: time.Second})
		return
	}
	defer releaseIP()
	releaseGlobal, ok := g.global.tryAcquire()
	if !ok {
		g.reject(w, r, ip, rejection{status: http.StatusServiceUnavailable, code: CodeConcurrentLimit,
			message: "server is at capacity", retryAfter: time.Second})
		return
	}
	defer releaseGlobal()
	g.deps.Metrics.inFlight.Inc()
	defer g.deps.Metrics.inFlight.Dec()

	if g.deps.Blacklist.Contains(ip) {
		g.security(ctx, audit.EventBlocked, ip, r, "address is blacklisted", CodeIPBlacklisted, "")
		g.reject(w, r, ip, rejection{status: http.StatusForbidden, code: CodeIPBlacklisted, message: "access denied"})
		return
	}

	if g.deps.Validator != nil {
		if viol := g.deps.Validator.Validate(r); viol != nil {
			g.security(ctx, audit.EventBlocked, ip, r, viol.Message, viol.Code, "")
			g.reject(w, r, ip, rejection{status: viol.Status, code: viol.Code, message: viol.Message})
			return
		}
	}

	if g.memory.exceeded(start) {
		g.deps.Logger.Warn().Msg("memory ceiling exceeded, shedding load")
		g.reject(w, r, ip, rejection{status: http.StatusServiceUnavailable, code: CodeServiceUnavailable,
			message: "service temporarily unavailable", retryAfter: 5 * time.Second})
		return
	}

	if rj, ok := g.checkConnection(ctx, r, ip); !ok {
		g.reject(w, r, ip, rj)
		return
	}
	if rj, ok := g.checkPattern(ctx, r, ip); !ok {
		g.reject(w, r, ip, rj)
		return
	}

	secret := auth.SecretFromRequest(r)
	if secret == "" {
		g.reject(w, r, ip, rejection{status: http.StatusUnauthorized, code: CodeMissingAPIKey, message: "api key required"})
		return
	}
	keyPtr, err := g.deps.Keys.Validate(ctx, secret)
	if err != nil {
		g.deps.Reporter.Report("api_key_lookup", err)
		g.reject(w, r, ip, rejection{status: http.StatusServiceUnavailable, code: CodeServiceUnavailable,
			message: "key store unavailable", retryAfter: 5 * time.Second})
		return
	}
	if keyPtr == nil {
		g.reject(w, r, ip, rejection{status: http.StatusUnauthorized, code: CodeInvalidAPIKey, message: "invalid api key"})
		return
	}
	key := *keyPtr

	if !originAllowed(r, key.AllowedOrigins, g.cfg.SiteOrigin, g.resolver.TrustsPeer(r)) {
		g.reject(w, r, ip, rejection{status: http.StatusForbidden, code: CodeOriginNotAllowed, message: "origin not allowed for this key"})
		return
	}
	if !key.HasScope(scope) {
		g.reject(w, r, ip, rejection{status: http.StatusForbidden, code: CodeInsufficientScopes, message: "key lacks scope " + string(scope)})
		return
	}
	if msg, ok := g.verifySignature(r, key.ID, secret, start); !ok {
		g.security(ctx, audit.EventSuspicious, ip, r, msg, CodeInvalidSignature, key.ID)
		g.reject(w, r, ip, rejection{status: http.StatusUnauthorized, code: CodeInvalidSignature, message: msg})
		return
	}

	key, err = g.deps.Keys.PruneOverride(ctx, key)
	if err != nil {
		g.deps.Reporter.Report("override_prune", err)
	}

	tierDef, err := g.deps.Keys.Tiers().Lookup(key.Tier)
	if err != nil {
		g.deps.Reporter.Report("tier_lookup", err)
		tierDef, _ = g.deps.Keys.Tiers().Lookup(auth.TierFree)
	}
	window := key.EffectiveRateLimit(start, tierDef)
	rl := g.deps.Limiter.CheckAndConsume(ctx, key.ID, ratelimit.Window{Limit: window.RequestCount, Period: window.Period})
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(rl.Remaining, 0)))
	if !rl.Allowed {
		g.reject(w, r, ip, rejection{status: http.StatusTooManyRequests, code: CodeRateLimitExceeded,
			message: "rate limit exceeded", retryAfter: time.Duration(rl.RetryAfterSeconds()) * time.Second})
		return
	}

	key, qd := g.deps.Quota.Check(ctx, key)
	if !qd.Unlimited {
		// Admitted requests report the budget left once this one is counted,
		// matching X-RateLimit-Remaining.
		left := qd.Remaining
		if qd.Allowed {
			left--
		}
		w.Header().Set("X-Quota-Limit", strconv.FormatInt(qd.Limit, 10))
		w.Header().Set("X-Quota-Remaining", strconv.FormatInt(max(left, 0), 10))
	}
	if !qd.Allowed {
		zero := int64(0)
		g.reject(w, r, ip, rejection{status: http.StatusTooManyRequests, code: CodeQuotaExceeded,
			message: "monthly quota exceeded", retryAfter: qd.ResetAt.Sub(start), remaining: &zero})
		return
	}

	g.invoke(w, r.WithContext(auth.WithAPIKey(ctx, key)), next, key, ip, start)
}

func (g *Gateway) checkConnection(ctx context.Context, r *http.Request, ip string) (rejection, bool) {
	if g.deps.Guard == nil {
		return rejection{}, true
	}
	d := g.deps.Guard.Check(ip)
	switch d.Reason {
	case defense.ConnAllowed:
		return rejection{}, true
	case defense.ConnBlocked:
		return rejection{status: http.StatusForbidden, code: CodeDDoSBlocked, message: "address temporarily blocked", retryAfter: d.RetryAfter}, false
	case defense.ConnCircuitOpen:
		return rejection{status: http.StatusTooManyRequests, code: CodeDDoSBlocked, message: "circuit open for this address", retryAfter: d.RetryAfter}, false
	default:
		g.deps.Logger.Debug().Str("ip", ip).Dur("window", d.Window).Msg("connection ceiling reached")
		return rejection{status: http.StatusTooManyRequests, code: CodeConnectionRateLimit, message: "connection rate limit exceeded", retryAfter: d.RetryAfter}, false
	}
}

func (g *Gateway) checkPattern(ctx context.Context, r *http.Request, ip string) (rejection, bool) {
	if g.deps.Detector == nil {
		return rejection{}, true
	}
	var proof *defense.Proof
	if token := r.Header.Get(challengeTokenHeader); token != "" {
		proof = &defense.Proof{Token: token, Response: r.Header.Get(challengeResponseHeader)}
	}
	v := g.deps.Detector.Evaluate(ip, proof)

	if v.Entered {
		g.deps.Metrics.transition(v.State.String())
		evType := audit.EventSuspicious
		if v.State == defense.StateBlocked || v.State == defense.StateCircuitOpen {
			evType = audit.EventBlocked
		}
		g.deps.Logger.Warn().Str("ip", ip).Str("state", v.State.String()).Msg("defense state change")
		g.security(ctx, evType, ip, r, "entered "+v.State.String(), CodeDDoSBlocked, "")
	}
	if v.Solved {
		g.security(ctx, audit.EventAllowed, ip, r, "challenge solved", "", "")
	}
	if v.Allowed {
		return rejection{}, true
	}

	switch {
	case v.Global:
		return rejection{status: http.StatusServiceUnavailable, code: CodeServiceUnavailable, message: "service is shedding load", retryAfter: v.RetryAfter}, false
	case v.State == defense.StateChallenged && v.Challenge != nil:
		return rejection{
			status:     http.StatusTooManyRequests,
			code:       CodeChallengeRequired,
			message:    "solve the challenge to continue",
			retryAfter: v.RetryAfter,
			challenge: &challengeBody{
				Token:      v.Challenge.Token,
				Difficulty: v.Challenge.Difficulty,
				ExpiresAt:  v.Challenge.ExpiresAt.UTC().Format(time.RFC3339),
			},
		}, false
	case v.State == defense.StateCircuitOpen:
		return rejection{status: http.StatusTooManyRequests, code: CodeDDoSBlocked, message: "circuit open for this address", retryAfter: v.RetryAfter}, false
	default:
		return rejection{status: http.StatusForbidden, code: CodeDDoSBlocked, message: "address temporarily blocked", retryAfter: v.RetryAfter}, false
	}
}

func (g *Gateway) invoke(w http.ResponseWriter, r *http.Request, next http.Handler, key auth.APIKey, ip string, start time.Time) {
	buf := newBufferedWriter()
	out := runWithTimeout(next, r, buf, g.cfg.HandlerTimeout)

	var status int
	switch {
	case out.timedOut:
		g.deps.Logger.Warn().Str("key_id", key.ID).Str("path", r.URL.Path).Msg("handler timed out")
		status = http.StatusServiceUnavailable
		writeRejection(w, rejection{status: status, code: CodeServiceUnavailable, message: "request timed out"}, g.clock.Now())
	case out.panicked != nil:
		g.deps.Reporter.Report("handler_panic", &handlerPanic{value: panicMessage(out.panicked)})
		status = http.StatusInternalServerError
		writeRejection(w, rejection{status: status, code: CodeInternalError, message: "internal error"}, g.clock.Now())
	default:
		status = buf.flushTo(w)
	}

	elapsed := g.clock.Now().Sub(start)
	g.deps.Metrics.decision("OK")
	g.deps.Metrics.observe(statusClass(status), elapsed.Seconds())

	// Usage and quota writes are detached from the request context so a
	// client disconnect does not lose them.
	bg := context.WithoutCancel(r.Context())
	rec := audit.UsageRecord{
		KeyID:          key.ID,
		Endpoint:       r.URL.Path,
		Method:         r.Method,
		StatusCode:     status,
		ResponseTimeMs: elapsed.Milliseconds(),
		IP:             ip,
		UserAgent:      r.UserAgent(),
		Tier:           string(key.Tier),
		Timestamp:      start,
	}
	if err := g.deps.Sink.RecordUsage(bg, rec); err != nil {
		g.deps.Reporter.Report("usage_log", err)
	}
	if status >= 200 && status < 300 {
		g.deps.Quota.Consume(bg, key.ID)
	}
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, ip string, rj rejection) {
	g.deps.Metrics.decision(rj.code)
	g.deps.Logger.Debug().
		Str("ip", ip).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("code", rj.code).
		Int("status", rj.status).
		Msg("request rejected")
	writeRejection(w, rj, g.clock.Now())
}

func (g *Gateway) security(ctx context.Context, typ audit.EventType, ip string, r *http.Request, reason, code, keyID string) {
	ev := audit.SecurityEvent{
		Type:      typ,
		IP:        ip,
		Endpoint:  r.URL.Path,
		Reason:    reason,
		Code:      code,
		KeyID:     keyID,
		Timestamp: g.clock.Now(),
	}
	if err := g.deps.Sink.RecordSecurity(context.WithoutCancel(ctx), ev); err != nil {
		g.deps.Reporter.Report("security_log", err)
	}
}

type handlerPanic struct{ value string }

func (p *handlerPanic) Error() string { return "handler panic: " + p.value }

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
