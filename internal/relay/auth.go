package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "relaysync"

const (
	ScopeChatRead           = "chat:read"
	ScopeChatWrite          = "chat:write"
	ScopeNotificationsRead  = "notifications:read"
	ScopeNotificationsWrite = "notifications:write"
	ScopeBookmarksRead      = "bookmarks:read"
	ScopeBookmarksWrite     = "bookmarks:write"
)

// DefaultScopes is what a development token is granted.
var DefaultScopes = []string{
	ScopeChatRead, ScopeChatWrite,
	ScopeNotificationsRead, ScopeNotificationsWrite,
	ScopeBookmarksRead, ScopeBookmarksWrite,
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type Claims struct {
	IdentityID string   `json:"identity_id"`
	Name       string   `json:"name,omitempty"`
	Scopes     []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c Claims) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (c Claims) hasAnyScope(scopes ...string) bool {
	for _, s := range scopes {
		if c.hasScope(s) {
			return true
		}
	}
	return false
}

// IssueToken signs an HS256 bearer token for claims, valid for ttl from now.
func IssueToken(secret string, claims Claims, now time.Time, ttl time.Duration) (string, error) {
	if strings.TrimSpace(claims.IdentityID) == "" {
		return "", errors.New("identity id is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims.Subject = claims.IdentityID
	claims.Audience = jwt.ClaimStrings{tokenAudience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, secret string, now time.Time, requiredScopes ...string) (Claims, *authError) {
	claims, err := parseBearer(authHeader, secret, now)
	if err != nil {
		return Claims{}, err
	}
	if len(requiredScopes) > 0 && !claims.hasAnyScope(requiredScopes...) {
		return Claims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + strings.Join(requiredScopes, " or "),
		}
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (Claims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Claims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return Claims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Claims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	default:
		return Claims{}, &authError{status: 401, code: "unauthorized", message: "invalid bearer token"}
	}

	if strings.TrimSpace(claims.IdentityID) == "" {
		return Claims{}, &authError{status: 401, code: "unauthorized", message: "missing identity_id claim"}
	}
	if len(claims.Scopes) == 0 {
		return Claims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

// SignInternal returns the timestamp and signature headers for an internal
// ingress request carrying body.
func SignInternal(secret string, body []byte, now time.Time) (timestamp, signature string) {
	timestamp = now.UTC().Format(time.RFC3339)
	return timestamp, internalMAC(secret, timestamp, body)
}

func internalMAC(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing internal auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid internal timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "internal request outside replay window"}
	}

	expectedHex := internalMAC(secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "internal signature mismatch"}
	}
	return nil
}
