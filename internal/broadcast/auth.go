package broadcast

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subscriber auth tokens
//
// A token is base64url(claims JSON) + "." + base64url(HMAC-SHA256 over the
// claims bytes), signed with the server's persisted secret. Claims carry the
// subscriber id, a permission set, and an expiry.

var (
	ErrTokenMalformed = errors.New("auth token malformed")
	ErrTokenSignature = errors.New("auth token signature mismatch")
	ErrTokenExpired   = errors.New("auth token expired")
)

// Claims is the signed payload of a subscriber token.
type Claims struct {
	SubscriberID string   `json:"sub"`
	Permissions  []string `json:"perms"`
	ExpiresAt    int64    `json:"exp"` // unix seconds
}

// SignToken mints a token for the given claims. Used by the token-issuing
// endpoint and by tests.
func SignToken(claims Claims, secret []byte) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(body) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// VerifyToken checks signature and expiry, returning the claims on success.
func VerifyToken(token string, secret []byte, now time.Time) (*Claims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, ErrTokenMalformed
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrTokenSignature
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if claims.ExpiresAt > 0 && now.Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

// HasPermission checks a claim set for a named permission. An empty
// permission list grants everything, matching tokens minted before
// permissions were introduced.
func (c *Claims) HasPermission(perm string) bool {
	if len(c.Permissions) == 0 {
		return true
	}
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
