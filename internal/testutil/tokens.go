// Package testutil holds fixtures shared by the client engine's tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error
	serial  atomic.Int64
)

// SigningKey returns a process-wide RSA key for minting test tokens.
func SigningKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		key, keyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if keyErr != nil {
		t.Fatalf("generating signing key: %v", keyErr)
	}
	return key
}

// Token mints an RS256 token carrying the auth service's identity claims.
// Every call yields a distinct token.
func Token(t testing.TB, userID int, username, email string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"id":       "test-" + strconv.FormatInt(serial.Add(1), 10),
		"userId":   userID,
		"username": username,
		"email":    email,
		"iss":      "go-chat-auth",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(SigningKey(t))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// SymmetricToken mints an HS256 token, which the client rejects.
func SymmetricToken(t testing.TB) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"userId": 1}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}
