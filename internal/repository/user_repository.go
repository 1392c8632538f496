package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/coi-compliance-api/internal/models"
)

// UserRepository reads the identity service's user table and writes the audit trail.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByEmail returns a user by email address.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	const query = `SELECT id, email, full_name, role, active, created_at FROM users WHERE LOWER(email) = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, models.NormalizeEmail(email)); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

// ListActiveEmailsByRole returns the lower-cased emails of active users holding any of roles.
func (r *UserRepository) ListActiveEmailsByRole(ctx context.Context, roles ...models.UserRole) ([]string, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	values := make([]string, len(roles))
	for i, role := range roles {
		values[i] = string(role)
	}
	const query = `SELECT DISTINCT LOWER(email) FROM users WHERE active = TRUE AND role = ANY($1) AND email <> '' ORDER BY 1`
	var emails []string
	if err := r.db.SelectContext(ctx, &emails, query, pq.Array(values)); err != nil {
		return nil, fmt.Errorf("list emails by role: %w", err)
	}
	return emails, nil
}

// CreateAuditLog stores an audit log entry.
func (r *UserRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (id, user_id, action, resource, resource_id, old_values, new_values, ip_address, user_agent, created_at) VALUES (:id, :user_id, :action, :resource, :resource_id, :old_values, :new_values, :ip_address, :user_agent, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns the audit trail of one resource, newest first.
func (r *UserRepository) ListAuditLogs(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	builder := strings.Builder{}
	builder.WriteString(`SELECT id, user_id, action, resource, resource_id, old_values, new_values, ip_address, user_agent, created_at
	FROM audit_logs WHERE resource = $1 AND resource_id = $2 ORDER BY created_at DESC`)
	builder.WriteString(fmt.Sprintf(" LIMIT %d", limit))

	var logs []models.AuditLog
	if err := r.db.SelectContext(ctx, &logs, builder.String(), resource, resourceID); err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return logs, nil
}
