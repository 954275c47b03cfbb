package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueTokenRoundTrip(t *testing.T) {
	now := time.Now()
	token, err := IssueToken("secret", Claims{IdentityID: "alice", Name: "Alice", Scopes: []string{ScopeChatRead}}, now, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	claims, authErr := authorizeBearer("Bearer "+token, "secret", now, ScopeChatRead)
	if authErr != nil {
		t.Fatalf("expected token to verify, got %v", authErr)
	}
	if claims.IdentityID != "alice" || claims.Name != "Alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, authErr := authorizeBearer("Bearer "+token, "secret", now, ScopeChatWrite); authErr == nil || authErr.status != 403 {
		t.Fatalf("expected 403 for missing scope, got %v", authErr)
	}
}

func TestParseBearerRejections(t *testing.T) {
	now := time.Now()
	valid, err := IssueToken("secret", Claims{IdentityID: "alice", Scopes: DefaultScopes}, now, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	noScopes, err := IssueToken("secret", Claims{IdentityID: "alice"}, now, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	wrongAud, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		IdentityID: "alice",
		Scopes:     DefaultScopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{"billing"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		IdentityID:       "alice",
		Scopes:           DefaultScopes,
		RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{tokenAudience}},
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	cases := []struct {
		name   string
		header string
		secret string
		now    time.Time
		status int
	}{
		{"missing prefix", valid, "secret", now, 401},
		{"garbage", "Bearer not.a.jwt", "secret", now, 401},
		{"wrong secret", "Bearer " + valid, "other", now, 401},
		{"expired", "Bearer " + valid, "secret", now.Add(2 * time.Minute), 401},
		{"wrong audience", "Bearer " + wrongAud, "secret", now, 401},
		{"no expiry", "Bearer " + noExp, "secret", now, 401},
		{"no scopes", "Bearer " + noScopes, "secret", now, 403},
	}
	for _, tc := range cases {
		_, authErr := parseBearer(tc.header, tc.secret, tc.now)
		if authErr == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		if authErr.status != tc.status {
			t.Fatalf("%s: expected status %d, got %d (%s)", tc.name, tc.status, authErr.status, authErr.message)
		}
	}
}

func TestInternalSignatureMatchesHMAC(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"identityId":"bob","title":"hi"}`)
	ts, sig := SignInternal("internal", body, now)
	if sig != mustHMAC("internal", ts+"\n"+string(body)) {
		t.Fatalf("signature does not match hmac over timestamp and body")
	}
	if err := verifyInternalHMAC("internal", ts, sig, body, now.Add(time.Minute), 5*time.Minute); err != nil {
		t.Fatalf("expected signature to verify, got %v", err)
	}
	if err := verifyInternalHMAC("internal", ts, sig, body, now.Add(10*time.Minute), 5*time.Minute); err == nil {
		t.Fatalf("expected stale timestamp to be rejected")
	}
	if err := verifyInternalHMAC("internal", ts, sig, []byte(`{}`), now, 5*time.Minute); err == nil {
		t.Fatalf("expected tampered body to be rejected")
	}
}

func mustHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
