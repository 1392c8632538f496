package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenMalformed = errors.New("invalid token format")
	ErrTokenSignature = errors.New("invalid token signature")
	ErrTokenExpired   = errors.New("token expired")
)

// SignedClaims is the payload carried by a download token.
type SignedClaims struct {
	Subject   string
	Key       string
	ExpiresAt time.Time
}

// SignedURLSigner creates and validates signed download tokens.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SignedURLSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign returns a token of the form subject.expiry.key.signature.
func (s *SignedURLSigner) Sign(subject, key string) (string, time.Time, error) {
	if subject == "" || key == "" {
		return "", time.Time{}, fmt.Errorf("subject and key required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl)
	ts := strconv.FormatInt(expiresAt.Unix(), 10)
	encodedKey := base64.RawURLEncoding.EncodeToString([]byte(key))
	token := strings.Join([]string{subject, ts, encodedKey, s.mac(subject, ts, encodedKey)}, ".")
	return token, expiresAt, nil
}

// Verify validates a token and returns the embedded claims.
func (s *SignedURLSigner) Verify(token string) (*SignedClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return nil, ErrTokenMalformed
	}
	subject, ts, encodedKey, signature := parts[0], parts[1], parts[2], parts[3]

	if !hmac.Equal([]byte(s.mac(subject, ts, encodedKey)), []byte(signature)) {
		return nil, ErrTokenSignature
	}
	expUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrTokenMalformed
	}
	rawKey, err := base64.RawURLEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, ErrTokenMalformed
	}
	expiresAt := time.Unix(expUnix, 0)
	if s.now().After(expiresAt) {
		return nil, ErrTokenExpired
	}
	return &SignedClaims{Subject: subject, Key: string(rawKey), ExpiresAt: expiresAt}, nil
}

func (s *SignedURLSigner) mac(subject, ts, encodedKey string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(subject + "|" + ts + "|" + encodedKey))
	return hex.EncodeToString(mac.Sum(nil))
}
