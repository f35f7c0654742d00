package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	signatureHeader = "X-Signature"
	timestampHeader = "X-Timestamp"
	nonceHeader     = "X-Nonce"
	maxNonces       = 100_000
)

// signaturePayload is the string a client signs with its raw secret.
func signaturePayload(method, path, timestamp, nonce string) string {
	return method + "\n" + path + "\n" + timestamp + "\n" + nonce
}

// Sign returns the hex HMAC-SHA256 of the request fields under secret.
func Sign(secret, method, path, timestamp, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signaturePayload(method, path, timestamp, nonce)))
	return hex.EncodeToString(mac.Sum(nil))
}

// nonceCache remembers nonces per key for the skew window so a signed request
// cannot be replayed.
type nonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func newNonceCache(ttl time.Duration) *nonceCache {
	return &nonceCache{seen: make(map[string]time.Time), ttl: ttl}
}

// remember records key+nonce and reports false when it was already present.
func (c *nonceCache) remember(key, nonce string, now time.Time) bool {
	id := key + "\x00" + nonce
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.seen[id]; ok && now.Before(exp) {
		return false
	}
	if len(c.seen) >= maxNonces {
		for k, exp := range c.seen {
			if !now.Before(exp) {
				delete(c.seen, k)
			}
		}
	}
	c.seen[id] = now.Add(c.ttl)
	return true
}

// verifySignature checks an optional signature. Requests without X-Signature pass.
func (g *Gateway) verifySignature(r *http.Request, keyID, secret string, now time.Time) (string, bool) {
	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		return "", true
	}
	ts := r.Header.Get(timestampHeader)
	nonce := r.Header.Get(nonceHeader)
	if ts == "" || nonce == "" {
		return "signature requires X-Timestamp and X-Nonce", false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "malformed X-Timestamp", false
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > g.cfg.SignatureSkew {
		return "request timestamp outside the accepted window", false
	}
	want := Sign(secret, r.Method, r.URL.Path, ts, nonce)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "signature mismatch", false
	}
	if !g.nonces.remember(keyID, nonce, now) {
		return "nonce already used", false
	}
	return "", true
}
