package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Rejection codes carried in the JSON body.
const (
	CodeConnectionRateLimit = "CONNECTION_RATE_LIMIT"
	CodeDDoSBlocked         = "DDOS_BLOCKED"
	CodeChallengeRequired   = "CHALLENGE_REQUIRED"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeMissingAPIKey       = "MISSING_API_KEY"
	CodeInvalidAPIKey       = "INVALID_API_KEY"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeOriginNotAllowed    = "ORIGIN_NOT_ALLOWED"
	CodeInsufficientScopes  = "INSUFFICIENT_SCOPES"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeConcurrentLimit     = "CONCURRENT_LIMIT"
	CodeIPBlacklisted       = "IP_BLACKLISTED"
	CodeInternalError       = "INTERNAL_ERROR"
)

type challengeBody struct {
	Token      string `json:"token"`
	Difficulty int    `json:"difficulty"`
	ExpiresAt  string `json:"expiresAt"`
}

type errorBody struct {
	Error      string         `json:"error"`
	Code       string         `json:"code"`
	Timestamp  string         `json:"timestamp"`
	RetryAfter *int           `json:"retryAfter,omitempty"`
	Remaining  *int64         `json:"remaining,omitempty"`
	Challenge  *challengeBody `json:"challenge,omitempty"`
}

// rejection is a denial waiting to be framed as HTTP.
type rejection struct {
	status     int
	code       string
	message    string
	retryAfter time.Duration
	remaining  *int64
	challenge  *challengeBody
}

func (rj rejection) retrySeconds() int {
	secs := int((rj.retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeRejection(w http.ResponseWriter, rj rejection, now time.Time) {
	body := errorBody{
		Error:     rj.message,
		Code:      rj.code,
		Timestamp: now.UTC().Format(time.RFC3339),
		Remaining: rj.remaining,
		Challenge: rj.challenge,
	}
	if rj.retryAfter > 0 {
		secs := rj.retrySeconds()
		body.RetryAfter = &secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if rj.challenge != nil {
		w.Header().Set("X-Challenge-Token", rj.challenge.Token)
		w.Header().Set("X-Challenge-Difficulty", strconv.Itoa(rj.challenge.Difficulty))
	}
	writeJSON(w, rj.status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
