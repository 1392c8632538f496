package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
)

func newTestAuth() *AuthService {
	return NewAuthService(nil, AuthConfig{
		AccessTokenSecret: "secret",
		AccessTokenExpiry: time.Minute,
		Issuer:            "identity",
		Audience:          []string{"coi"},
	})
}

func TestAuthServiceIssueAndValidate(t *testing.T) {
	svc := newTestAuth()
	token, _, err := svc.IssueToken(models.User{ID: "u1", Email: " Broker@Example.com ", Role: models.RoleBroker}, 0)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "broker@example.com", claims.Email)
	assert.Equal(t, models.RoleBroker, claims.Role)
}

func TestAuthServiceRejectsExpiredToken(t *testing.T) {
	svc := newTestAuth()
	token, _, err := svc.IssueToken(models.User{ID: "u1", Email: "a@example.com", Role: models.RoleAdmin}, time.Minute)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrUnauthorized.Code))
}

func TestAuthServiceRejectsWrongIssuer(t *testing.T) {
	other := NewAuthService(nil, AuthConfig{AccessTokenSecret: "secret", Issuer: "someone-else", Audience: []string{"coi"}})
	token, _, err := other.IssueToken(models.User{ID: "u1", Email: "a@example.com", Role: models.RoleAdmin}, time.Minute)
	require.NoError(t, err)

	_, err = newTestAuth().ValidateToken(token)
	require.Error(t, err)
}

func TestAuthServiceRejectsUnknownRole(t *testing.T) {
	svc := newTestAuth()
	claims := &models.JWTClaims{
		UserID: "u1",
		Role:   "student",
		Email:  "a@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "identity",
			Audience:  []string{"coi"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.ValidateToken(signed)
	require.Error(t, err)
}

func TestAuthServiceRejectsOtherSigningMethod(t *testing.T) {
	svc := newTestAuth()
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleAdmin, Email: "a@example.com"}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.ValidateToken(unsigned)
	require.Error(t, err)
}
