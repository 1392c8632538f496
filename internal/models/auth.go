package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims represents the access token payload issued by the identity service.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}

// Actor is the caller of a workflow operation as seen by the services.
type Actor struct {
	UserID string
	Email  string
	Name   string
	Role   UserRole
}

// ActorFromClaims converts validated claims into an Actor.
func ActorFromClaims(claims *JWTClaims) *Actor {
	if claims == nil {
		return nil
	}
	return &Actor{
		UserID: claims.UserID,
		Email:  NormalizeEmail(claims.Email),
		Name:   claims.FullName,
		Role:   claims.Role,
	}
}
