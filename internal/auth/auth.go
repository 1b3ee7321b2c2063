// Package auth issues and verifies the short-lived HMAC bearer tokens used
// for all internal service-to-service calls (router to actor, actor to actor)
// and, in session-scoped form, for viewer subscriptions. A token proves
// "trusted internal caller" and nothing more; which session or action the
// caller may touch is decided by the receiving component.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Result classifies a verification outcome.
type Result int

const (
	OK Result = iota
	Expired
	Invalid
)

// String returns the lowercase name of the result.
func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Expired:
		return "expired"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

// DefaultWindow is the token validity window when none is configured.
const DefaultWindow = 5 * time.Minute

const tokenVersion = "v1"

// Issue mints an internal token: "v1.<unix-ms>.<hex hmac-sha256>".
func Issue(secret string) string {
	return issueAt(secret, "", time.Now())
}

// IssueSession mints a token bound to one session id. Verification with a
// different session id fails Invalid.
func IssueSession(secret, sessionID string) string {
	return issueAt(secret, sessionID, time.Now())
}

func issueAt(secret, sessionID string, now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	return tokenVersion + "." + ts + "." + sign(secret, ts, sessionID)
}

// Verify checks an unscoped internal token against the secret and window.
func Verify(token, secret string, window time.Duration) Result {
	return verifyAt(token, secret, "", window, time.Now())
}

// VerifySession checks a session-scoped token. The signature binds the
// session id, so a token minted for one session never authorizes another.
func VerifySession(token, secret, sessionID string, window time.Duration) Result {
	return verifyAt(token, secret, sessionID, window, time.Now())
}

func verifyAt(token, secret, sessionID string, window time.Duration, now time.Time) Result {
	if window <= 0 {
		window = DefaultWindow
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != tokenVersion {
		return Invalid
	}
	ts, sig := parts[1], parts[2]

	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Invalid
	}

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return Invalid
	}
	expected, err := hex.DecodeString(sign(secret, ts, sessionID))
	if err != nil {
		return Invalid
	}
	if subtle.ConstantTimeCompare(expected, sigBytes) != 1 {
		return Invalid
	}

	// Signature checks out; only now is the timestamp trustworthy.
	issued := time.UnixMilli(ms)
	if now.Sub(issued) > window || issued.After(now.Add(window)) {
		return Expired
	}
	return OK
}

// sign computes the hex HMAC-SHA256 over "<ts>" or "<ts>.<sessionID>".
func sign(secret, ts, sessionID string) string {
	payload := ts
	if sessionID != "" {
		payload = ts + "." + sessionID
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// RequireSecret returns an error when the secret is unusable.
func RequireSecret(secret string) error {
	if len(secret) < 16 {
		return fmt.Errorf("auth: secret must be at least 16 bytes")
	}
	return nil
}
