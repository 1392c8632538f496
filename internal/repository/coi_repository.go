package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/coi-compliance-api/internal/models"
)

var (
	// ErrDuplicate is returned when a (project, subcontractor) pair already has a record.
	ErrDuplicate = errors.New("coi record already exists")
	// ErrVersionConflict is returned when the row changed since it was read.
	ErrVersionConflict = errors.New("coi record version conflict")
)

const uniqueViolation = "23505"

const coiColumns = `id, project_id, project_name, project_state, gc_id, gc_name, gc_email, subcontractor_id,
       subcontractor_name, trade_type, status, broker_mode, broker, policies, broker_emails, admin_emails,
       signature, main_certificate_url, rejection_reason, retry_count, archived, version, created_by,
       created_at, updated_at, uploaded_at, review_requested_at, reviewed_at, reviewed_by, activated_at`

// coiRow is the persisted form of a COIRecord. Policy lines stay embedded as JSONB so a transition
// is a single-row write.
type coiRow struct {
	ID                 string         `db:"id"`
	ProjectID          string         `db:"project_id"`
	ProjectName        string         `db:"project_name"`
	ProjectState       string         `db:"project_state"`
	GCID               string         `db:"gc_id"`
	GCName             string         `db:"gc_name"`
	GCEmail            string         `db:"gc_email"`
	SubcontractorID    string         `db:"subcontractor_id"`
	SubcontractorName  string         `db:"subcontractor_name"`
	TradeType          string         `db:"trade_type"`
	Status             string         `db:"status"`
	BrokerMode         string         `db:"broker_mode"`
	Broker             []byte         `db:"broker"`
	Policies           []byte         `db:"policies"`
	BrokerEmails       pq.StringArray `db:"broker_emails"`
	AdminEmails        pq.StringArray `db:"admin_emails"`
	Signature          []byte         `db:"signature"`
	MainCertificateURL *string        `db:"main_certificate_url"`
	RejectionReason    *string        `db:"rejection_reason"`
	RetryCount         int            `db:"retry_count"`
	Archived           bool           `db:"archived"`
	Version            int            `db:"version"`
	ExpectedVersion    int            `db:"expected_version"`
	CreatedBy          string         `db:"created_by"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	UploadedAt         *time.Time     `db:"uploaded_at"`
	ReviewRequestedAt  *time.Time     `db:"review_requested_at"`
	ReviewedAt         *time.Time     `db:"reviewed_at"`
	ReviewedBy         *string        `db:"reviewed_by"`
	ActivatedAt        *time.Time     `db:"activated_at"`
}

func toRow(record *models.COIRecord) (*coiRow, error) {
	policies, err := json.Marshal(record.Policies)
	if err != nil {
		return nil, fmt.Errorf("encode policies: %w", err)
	}
	row := &coiRow{
		ID:                 record.ID,
		ProjectID:          record.ProjectID,
		ProjectName:        record.ProjectName,
		ProjectState:       record.ProjectState,
		GCID:               record.GCID,
		GCName:             record.GCName,
		GCEmail:            record.GCEmail,
		SubcontractorID:    record.SubcontractorID,
		SubcontractorName:  record.SubcontractorName,
		TradeType:          record.TradeType,
		Status:             string(record.Status),
		BrokerMode:         string(record.BrokerMode),
		Policies:           policies,
		BrokerEmails:       pq.StringArray(nonNil(record.BrokerEmails)),
		AdminEmails:        pq.StringArray(nonNil(record.AdminEmails)),
		MainCertificateURL: record.MainCertificateURL,
		RejectionReason:    record.RejectionReason,
		RetryCount:         record.RetryCount,
		Archived:           record.Archived,
		Version:            record.Version,
		CreatedBy:          record.CreatedBy,
		CreatedAt:          record.CreatedAt,
		UpdatedAt:          record.UpdatedAt,
		UploadedAt:         record.UploadedAt,
		ReviewRequestedAt:  record.ReviewRequestedAt,
		ReviewedAt:         record.ReviewedAt,
		ReviewedBy:         record.ReviewedBy,
		ActivatedAt:        record.ActivatedAt,
	}
	if record.Broker != nil {
		if row.Broker, err = json.Marshal(record.Broker); err != nil {
			return nil, fmt.Errorf("encode broker: %w", err)
		}
	}
	if record.Signature != nil {
		if row.Signature, err = json.Marshal(record.Signature); err != nil {
			return nil, fmt.Errorf("encode signature: %w", err)
		}
	}
	return row, nil
}

func (row *coiRow) toModel() (*models.COIRecord, error) {
	record := &models.COIRecord{
		ID:                 row.ID,
		ProjectID:          row.ProjectID,
		ProjectName:        row.ProjectName,
		ProjectState:       row.ProjectState,
		GCID:               row.GCID,
		GCName:             row.GCName,
		GCEmail:            row.GCEmail,
		SubcontractorID:    row.SubcontractorID,
		SubcontractorName:  row.SubcontractorName,
		TradeType:          row.TradeType,
		Status:             models.COIStatus(row.Status),
		BrokerMode:         models.BrokerMode(row.BrokerMode),
		BrokerEmails:       []string(row.BrokerEmails),
		AdminEmails:        []string(row.AdminEmails),
		MainCertificateURL: row.MainCertificateURL,
		RejectionReason:    row.RejectionReason,
		RetryCount:         row.RetryCount,
		Archived:           row.Archived,
		Version:            row.Version,
		CreatedBy:          row.CreatedBy,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
		UploadedAt:         row.UploadedAt,
		ReviewRequestedAt:  row.ReviewRequestedAt,
		ReviewedAt:         row.ReviewedAt,
		ReviewedBy:         row.ReviewedBy,
		ActivatedAt:        row.ActivatedAt,
	}
	if len(row.Policies) > 0 {
		if err := json.Unmarshal(row.Policies, &record.Policies); err != nil {
			return nil, fmt.Errorf("decode policies of %s: %w", row.ID, err)
		}
	}
	if len(row.Broker) > 0 && string(row.Broker) != "null" {
		var broker models.BrokerContact
		if err := json.Unmarshal(row.Broker, &broker); err != nil {
			return nil, fmt.Errorf("decode broker of %s: %w", row.ID, err)
		}
		record.Broker = &broker
	}
	if len(row.Signature) > 0 && string(row.Signature) != "null" {
		var signature models.Signature
		if err := json.Unmarshal(row.Signature, &signature); err != nil {
			return nil, fmt.Errorf("decode signature of %s: %w", row.ID, err)
		}
		record.Signature = &signature
	}
	return record, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// COIRepository persists COI records.
type COIRepository struct {
	db *sqlx.DB
}

// NewCOIRepository constructs the repository.
func NewCOIRepository(db *sqlx.DB) *COIRepository {
	return &COIRepository{db: db}
}

// Create inserts a new record at version 1.
func (r *COIRepository) Create(ctx context.Context, record *models.COIRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	record.Version = 1

	row, err := toRow(record)
	if err != nil {
		return err
	}
	query := `INSERT INTO coi_records (` + coiColumns + `)
	VALUES (:id, :project_id, :project_name, :project_state, :gc_id, :gc_name, :gc_email, :subcontractor_id,
	        :subcontractor_name, :trade_type, :status, :broker_mode, :broker, :policies, :broker_emails, :admin_emails,
	        :signature, :main_certificate_url, :rejection_reason, :retry_count, :archived, :version, :created_by,
	        :created_at, :updated_at, :uploaded_at, :review_requested_at, :reviewed_at, :reviewed_by, :activated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("create coi record: %w", err)
	}
	return nil
}

// FindByID loads a record. sql.ErrNoRows is returned unwrapped.
func (r *COIRepository) FindByID(ctx context.Context, id string) (*models.COIRecord, error) {
	query := `SELECT ` + coiColumns + ` FROM coi_records WHERE id = $1`
	var row coiRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find coi record: %w", err)
	}
	return row.toModel()
}

// FindByPair loads the record for a (project, subcontractor) pair.
func (r *COIRepository) FindByPair(ctx context.Context, projectID, subcontractorID string) (*models.COIRecord, error) {
	query := `SELECT ` + coiColumns + ` FROM coi_records WHERE project_id = $1 AND subcontractor_id = $2`
	var row coiRow
	if err := r.db.GetContext(ctx, &row, query, projectID, subcontractorID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find coi record by pair: %w", err)
	}
	return row.toModel()
}

// Update writes the record if it is still at expectedVersion and bumps the version.
func (r *COIRepository) Update(ctx context.Context, record *models.COIRecord, expectedVersion int) error {
	row, err := toRow(record)
	if err != nil {
		return err
	}
	row.ExpectedVersion = expectedVersion
	const query = `UPDATE coi_records SET
	project_name = :project_name, project_state = :project_state, gc_name = :gc_name, gc_email = :gc_email,
	subcontractor_name = :subcontractor_name, trade_type = :trade_type, status = :status, broker_mode = :broker_mode,
	broker = :broker, policies = :policies, broker_emails = :broker_emails, admin_emails = :admin_emails,
	signature = :signature, main_certificate_url = :main_certificate_url, rejection_reason = :rejection_reason,
	retry_count = :retry_count, archived = :archived, updated_at = :updated_at, uploaded_at = :uploaded_at,
	review_requested_at = :review_requested_at, reviewed_at = :reviewed_at, reviewed_by = :reviewed_by,
	activated_at = :activated_at, version = version + 1
	WHERE id = :id AND version = :expected_version`
	result, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("update coi record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check coi update rows: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	record.Version = expectedVersion + 1
	return nil
}

// List returns records matching filter, most recently updated first, and the total match count.
func (r *COIRepository) List(ctx context.Context, filter models.COIFilter) ([]models.COIRecord, int, error) {
	args := make([]interface{}, 0, 6)
	conditions := make([]string, 0, 5)
	if len(filter.Status) > 0 {
		values := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			values[i] = string(status)
		}
		args = append(args, pq.Array(values))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.GCID != "" {
		args = append(args, filter.GCID)
		conditions = append(conditions, fmt.Sprintf("gc_id = $%d", len(args)))
	}
	if filter.BrokerEmail != "" {
		args = append(args, models.NormalizeEmail(filter.BrokerEmail))
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(broker_emails)", len(args)))
	}
	if !filter.IncludeArchived {
		conditions = append(conditions, "archived = FALSE")
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM coi_records"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count coi records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf("SELECT %s FROM coi_records%s ORDER BY updated_at DESC LIMIT %d OFFSET %d", coiColumns, where, limit, offset)

	var rows []coiRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list coi records: %w", err)
	}
	records := make([]models.COIRecord, 0, len(rows))
	for i := range rows {
		record, err := rows[i].toModel()
		if err != nil {
			return nil, 0, err
		}
		records = append(records, *record)
	}
	return records, total, nil
}

type reusableLineRow struct {
	COIID     string `db:"coi_id"`
	ProjectID string `db:"project_id"`
	Line      []byte `db:"line"`
}

// FindReusableDocument returns the most recent uploaded document of kind whose reuse scope matches,
// uploaded for any record other than excludeCOIID.
func (r *COIRepository) FindReusableDocument(ctx context.Context, kind models.PolicyKind, scope models.ReuseScope, excludeCOIID string) (*models.ReuseReference, error) {
	const query = `SELECT c.id AS coi_id, c.project_id, p.line
	FROM coi_records c
	CROSS JOIN LATERAL jsonb_array_elements(c.policies) AS p(line)
	WHERE p.line->>'kind' = $1
	  AND COALESCE(p.line->'document'->>'url', '') <> ''
	  AND p.line->'reuseScope'->>'kind' = $2
	  AND UPPER(p.line->'reuseScope'->>'value') = UPPER($3)
	  AND c.id::text <> $4
	ORDER BY (p.line->'document'->>'uploadedAt')::timestamptz DESC, c.updated_at DESC
	LIMIT 1`
	var row reusableLineRow
	if err := r.db.GetContext(ctx, &row, query, string(kind), string(scope.Kind), scope.Value, excludeCOIID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find reusable document: %w", err)
	}

	var line models.PolicyLine
	if err := json.Unmarshal(row.Line, &line); err != nil {
		return nil, fmt.Errorf("decode reusable line of %s: %w", row.COIID, err)
	}
	if line.Document == nil {
		return nil, sql.ErrNoRows
	}
	return &models.ReuseReference{
		COIID:     row.COIID,
		ProjectID: row.ProjectID,
		Scope:     scope,
		Document:  *line.Document,
		Fields:    line.Fields,
	}, nil
}

// ListKnownBrokers returns the distinct broker contacts that have appeared on any record,
// optionally filtered by a case-insensitive name or email fragment.
func (r *COIRepository) ListKnownBrokers(ctx context.Context, search string, limit int) ([]models.BrokerContact, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `SELECT DISTINCT ON (LOWER(b.contact->>'email'))
	       COALESCE(b.contact->>'name', '') AS name,
	       LOWER(b.contact->>'email') AS email,
	       COALESCE(b.contact->>'phone', '') AS phone
	FROM coi_records c
	CROSS JOIN LATERAL (
	    SELECT c.broker AS contact WHERE c.broker IS NOT NULL
	    UNION ALL
	    SELECT p->'broker' FROM jsonb_array_elements(c.policies) AS p WHERE p ? 'broker'
	) AS b
	WHERE COALESCE(b.contact->>'email', '') <> ''
	  AND ($1 = '' OR b.contact->>'email' ILIKE '%' || $1 || '%' OR b.contact->>'name' ILIKE '%' || $1 || '%')
	ORDER BY LOWER(b.contact->>'email'), c.updated_at DESC
	LIMIT $2`
	var brokers []models.BrokerContact
	if err := r.db.SelectContext(ctx, &brokers, query, strings.TrimSpace(search), limit); err != nil {
		return nil, fmt.Errorf("list known brokers: %w", err)
	}
	return brokers, nil
}
