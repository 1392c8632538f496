package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/pkg/config"
	appErrors "github.com/noah-isme/coi-compliance-api/pkg/errors"
)

// AuthConfig defines how access tokens issued by the identity service are checked.
type AuthConfig struct {
	AccessTokenSecret string
	AccessTokenExpiry time.Duration
	Issuer            string
	Audience          []string
}

// AuthConfigFromConfig maps JWT settings onto AuthConfig.
func AuthConfigFromConfig(cfg config.JWTConfig) AuthConfig {
	return AuthConfig{
		AccessTokenSecret: cfg.Secret,
		AccessTokenExpiry: time.Hour,
		Issuer:            cfg.Issuer,
		Audience:          cfg.Audience,
	}
}

// AuthService validates bearer tokens. Login and sessions live in the identity service.
type AuthService struct {
	logger *zap.Logger
	config AuthConfig
	now    func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.AccessTokenExpiry <= 0 {
		config.AccessTokenExpiry = time.Hour
	}
	return &AuthService{logger: logger, config: config, now: time.Now}
}

// ValidateToken parses and validates a JWT token string.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}
	if len(s.config.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(s.config.Audience[0]))
	}

	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.AccessTokenSecret), nil
	}, opts...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	if !knownRole(claims.Role) {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "token carries an unknown role")
	}
	if strings.TrimSpace(claims.Email) == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "token carries no email")
	}

	return claims, nil
}

// IssueToken signs a token for the given user. It exists for operator tooling and local development;
// production tokens come from the identity service.
func (s *AuthService) IssueToken(user models.User, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = s.config.AccessTokenExpiry
	}
	issuedAt := s.now().UTC()
	expiresAt := issuedAt.Add(ttl)
	subject := user.ID
	if subject == "" {
		subject = uuid.NewString()
	}
	claims := &models.JWTClaims{
		UserID:   subject,
		Role:     user.Role,
		Email:    models.NormalizeEmail(user.Email),
		FullName: user.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   subject,
			Audience:  s.config.Audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.AccessTokenSecret))
	if err != nil {
		return "", time.Time{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign token")
	}
	s.logger.Debug("access token issued", zap.String("user_id", subject), zap.String("role", string(user.Role)))
	return signed, expiresAt, nil
}

func knownRole(role models.UserRole) bool {
	switch role {
	case models.RoleSuperAdmin, models.RoleAdmin, models.RoleGC, models.RoleBroker:
		return true
	}
	return false
}
