package defense

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MaxDifficulty bounds the number of leading hex zeros a challenge can demand.
const MaxDifficulty = 8

// Challenge is a proof-of-work puzzle issued to one IP.
type Challenge struct {
	Token      string
	Difficulty int
	ExpiresAt  time.Time
}

// Proof is a client's answer to a challenge.
type Proof struct {
	Token    string
	Response string
}

// IssueChallenge creates a random token valid until now+ttl.
func IssueChallenge(difficulty int, ttl time.Duration, now time.Time) (Challenge, error) {
	if difficulty < 1 || difficulty > MaxDifficulty {
		return Challenge{}, fmt.Errorf("challenge difficulty %d outside 1..%d", difficulty, MaxDifficulty)
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, fmt.Errorf("read random bytes: %w", err)
	}
	return Challenge{
		Token:      hex.EncodeToString(buf),
		Difficulty: difficulty,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// VerifyProof reports whether sha256(token+response), hex encoded, starts with
// difficulty zeros. It is deterministic and holds no state.
func VerifyProof(token, response string, difficulty int) bool {
	if token == "" || difficulty < 0 {
		return false
	}
	sum := sha256.Sum256([]byte(token + response))
	return strings.HasPrefix(hex.EncodeToString(sum[:]), strings.Repeat("0", difficulty))
}
