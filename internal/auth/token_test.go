package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "user-1", "Avery", "acc-1", "jti-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.UserID() != "user-1" || claims.Name != "Avery" || claims.AccountID != "acc-1" || claims.ID != "jti-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, "user-1", "Avery", "", "jti-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("ParseToken() error = %v, want %v", err, ErrExpiredToken)
	}
}

func TestParseTokenRejectsTampered(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), "user-1", "Avery", "", "jti-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	cases := map[string]string{
		"wrong secret": issued,
		"garbage":      "not-a-token",
		"truncated":    issued[:strings.LastIndex(issued, ".")],
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			secret := []byte("secret")
			if name == "wrong secret" {
				secret = []byte("other")
			}
			if _, err := ParseToken(secret, token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("ParseToken() error = %v, want %v", err, ErrInvalidToken)
			}
		})
	}
}

func TestParseTokenRejectsNoneAndMissingSubject(t *testing.T) {
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := ParseToken([]byte("secret"), unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("alg none accepted: %v", err)
	}

	anonymous, err := IssueToken([]byte("secret"), "", "", "", "jti", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("secret"), anonymous); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token without subject accepted: %v", err)
	}
}
