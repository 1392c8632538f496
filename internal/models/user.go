package models

import "time"

// UserRole represents the roles the identity service issues.
type UserRole string

const (
	RoleSuperAdmin UserRole = "superadmin"
	RoleAdmin      UserRole = "admin"
	RoleGC         UserRole = "gc"
	RoleBroker     UserRole = "broker"
)

// IsAdmin reports whether the role may review and approve submissions.
func (r UserRole) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// User is the read-only view of the identity service's user table used for the admin roster.
type User struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FullName  string    `db:"full_name" json:"full_name"`
	Role      UserRole  `db:"role" json:"role"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
