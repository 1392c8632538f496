package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/coi-compliance-api/internal/models"
)

// NotificationRepository stores per-recipient delivery state and the in-app inbox.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository constructs the repository.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// ListDeliveries returns the delivery rows recorded for a dispatch key.
func (r *NotificationRepository) ListDeliveries(ctx context.Context, coiID, dispatchKey string) ([]models.NotificationDelivery, error) {
	const query = `SELECT id, coi_id, dispatch_key, event, channel, recipient, status, attempts, last_error, created_at, updated_at
	FROM notification_deliveries WHERE coi_id = $1 AND dispatch_key = $2 ORDER BY created_at`
	var rows []models.NotificationDelivery
	if err := r.db.SelectContext(ctx, &rows, query, coiID, dispatchKey); err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return rows, nil
}

// ListFailed returns failed deliveries, newest first, across every record.
func (r *NotificationRepository) ListFailed(ctx context.Context, limit int) ([]models.NotificationDelivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `SELECT id, coi_id, dispatch_key, event, channel, recipient, status, attempts, last_error, created_at, updated_at
	FROM notification_deliveries WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`
	var rows []models.NotificationDelivery
	if err := r.db.SelectContext(ctx, &rows, query, models.DeliveryStatusFailed, limit); err != nil {
		return nil, fmt.Errorf("list failed deliveries: %w", err)
	}
	return rows, nil
}

// SaveDelivery upserts the state of one (record, dispatch key, channel, recipient) delivery.
func (r *NotificationRepository) SaveDelivery(ctx context.Context, delivery *models.NotificationDelivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = now
	}
	delivery.UpdatedAt = now
	const query = `INSERT INTO notification_deliveries
	(id, coi_id, dispatch_key, event, channel, recipient, status, attempts, last_error, created_at, updated_at)
	VALUES (:id, :coi_id, :dispatch_key, :event, :channel, :recipient, :status, :attempts, :last_error, :created_at, :updated_at)
	ON CONFLICT (coi_id, dispatch_key, channel, recipient) DO UPDATE SET
	status = EXCLUDED.status, attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, delivery); err != nil {
		return fmt.Errorf("save delivery: %w", err)
	}
	return nil
}

// CreateInApp stores an inbox message.
func (r *NotificationRepository) CreateInApp(ctx context.Context, notification *models.InAppNotification) error {
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO in_app_notifications (id, recipient, coi_id, event, title, body, read_at, created_at)
	VALUES (:id, :recipient, :coi_id, :event, :title, :body, :read_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, notification); err != nil {
		return fmt.Errorf("create in-app notification: %w", err)
	}
	return nil
}
